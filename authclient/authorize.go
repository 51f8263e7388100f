package authclient

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/go-authgate/vehicle-link/classifier"
	"github.com/go-authgate/vehicle-link/token"
)

// maxTokenResponseSize caps how much of a token endpoint response is read.
const maxTokenResponseSize = 1 << 20

// AuthorizationURL returns the provider's authorization URL with a fresh
// PKCE S256 challenge. The matching verifier is kept for ExchangeCode; each
// call replaces it.
func (c *Client) AuthorizationURL(scopes []string, state string) (string, error) {
	if c.cfg.AuthURL == "" {
		return "", errors.New("authclient: authorization URL is not configured")
	}

	verifier := oauth2.GenerateVerifier()

	conf := c.oauth
	conf.Scopes = scopes
	authURL := conf.AuthCodeURL(state, oauth2.S256ChallengeOption(verifier))

	c.mu.Lock()
	c.verifier = verifier
	c.mu.Unlock()

	return authURL, nil
}

// ExchangeCode trades an authorization code for a token using the verifier
// from the last AuthorizationURL call. The verifier is consumed either way.
func (c *Client) ExchangeCode(ctx context.Context, code string) (token.Token, error) {
	c.mu.Lock()
	verifier := c.verifier
	c.verifier = ""
	c.mu.Unlock()

	if verifier == "" {
		return token.Token{}, ErrMissingVerifier
	}

	form := url.Values{
		"grant_type":    {"authorization_code"},
		"code":          {code},
		"code_verifier": {verifier},
		"client_id":     {c.cfg.ClientID},
	}
	if c.cfg.RedirectURL != "" {
		form.Set("redirect_uri", c.cfg.RedirectURL)
	}
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}

	return c.exchange(ctx, "authorization_code", form)
}

// ExchangeCredentials performs the resource-owner password grant.
func (c *Client) ExchangeCredentials(ctx context.Context, username, password string) (token.Token, error) {
	form := url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
		"client_id":  {c.cfg.ClientID},
	}
	if c.cfg.ClientSecret != "" {
		form.Set("client_secret", c.cfg.ClientSecret)
	}

	return c.exchange(ctx, "password", form)
}

func (c *Client) exchange(ctx context.Context, grant string, form url.Values) (token.Token, error) {
	body, status, err := c.postToken(ctx, form, false)
	now := c.now()
	if err != nil || status != http.StatusOK {
		attempt := classifier.Classify(err, status, body, now)
		c.log.Warn("token exchange failed",
			zap.String("grant_type", grant),
			zap.String("category", string(attempt.Category)),
			zap.Int("status", status),
			zap.String("message", attempt.Message))
		return token.Token{}, fmt.Errorf("%s exchange failed: %w", grant, attempt)
	}

	tok, err := token.FromResponse(body, now)
	if err != nil {
		return token.Token{}, fmt.Errorf("%s exchange failed: %w", grant, err)
	}

	c.install(tok)
	c.save(ctx, tok)
	c.log.Info("token issued",
		zap.String("grant_type", grant),
		zap.Duration("expires_in", tok.Lifetime()))
	return tok, nil
}

// postToken sends form to the token endpoint and returns the raw body and
// status. A non-nil error means the request never produced a response.
func (c *Client) postToken(ctx context.Context, form url.Values, basicAuth bool) ([]byte, int, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.cfg.TokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	if basicAuth {
		req.SetBasicAuth(c.cfg.ClientID, c.cfg.ClientSecret)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxTokenResponseSize))
	if err != nil {
		return nil, resp.StatusCode, fmt.Errorf("failed to read response: %w", err)
	}
	return body, resp.StatusCode, nil
}
