package legacy

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	retry "github.com/appleboy/go-httpretry"

	"github.com/go-authgate/vehicle-link/classifier"
	"github.com/go-authgate/vehicle-link/token"
)

// Refresher exchanges a refresh token for a new token.
type Refresher interface {
	Refresh(ctx context.Context, loginToken, refreshToken string) (token.Token, error)
}

// HTTPRefresher calls the legacy token endpoint. loginToken is sent verbatim
// as the HTTP Basic credential.
type HTTPRefresher struct {
	tokenURL string
	client   *retry.Client
	timeout  time.Duration
	now      func() time.Time
}

// NewHTTPRefresher wraps httpClient with retry support. A nil httpClient
// uses a client with a 30s timeout.
func NewHTTPRefresher(tokenURL string, httpClient *http.Client) (*HTTPRefresher, error) {
	if _, err := url.ParseRequestURI(tokenURL); err != nil {
		return nil, fmt.Errorf("invalid legacy token URL: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}

	// A refresh token may be rotated by the first attempt, so the grant is
	// never resent.
	rc, err := retry.NewBackgroundClient(
		retry.WithHTTPClient(httpClient),
		retry.WithMaxRetries(0),
		retry.WithNoLogging(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create retry client: %w", err)
	}

	return &HTTPRefresher{
		tokenURL: tokenURL,
		client:   rc,
		timeout:  30 * time.Second,
		now:      time.Now,
	}, nil
}

func (r *HTTPRefresher) Refresh(ctx context.Context, loginToken, refreshToken string) (token.Token, error) {
	if refreshToken == "" {
		return token.Token{}, ErrNoRefreshToken
	}

	ctx, cancel := context.WithTimeout(ctx, r.timeout)
	defer cancel()

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {refreshToken},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.tokenURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return token.Token{}, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Basic "+loginToken)

	resp, err := r.client.DoWithContext(ctx, req)
	if err != nil {
		return token.Token{}, classifier.Classify(err, 0, nil, r.now())
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return token.Token{}, fmt.Errorf("failed to read response: %w", err)
	}

	now := r.now()
	if resp.StatusCode != http.StatusOK {
		return token.Token{}, classifier.Classify(nil, resp.StatusCode, body, now)
	}
	return token.FromResponse(body, now)
}
