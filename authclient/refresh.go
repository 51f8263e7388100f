package authclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"go.uber.org/zap"

	"github.com/go-authgate/vehicle-link/classifier"
	"github.com/go-authgate/vehicle-link/token"
)

// RefreshToken forces a refresh, joining one already in flight.
func (c *Client) RefreshToken(ctx context.Context) (token.Token, error) {
	return c.refresh.Do(ctx, c.doRefresh)
}

// refreshFrom refreshes unless the token has already moved on from
// observed, in which case the newer token is returned without a round trip.
// Callers that queued behind a completed flight therefore never refresh twice.
func (c *Client) refreshFrom(ctx context.Context, observed token.Token) (token.Token, error) {
	return c.refresh.Do(ctx, func(ctx context.Context) (token.Token, error) {
		if cur := c.CurrentToken(); !cur.IsZero() && cur.AccessToken != observed.AccessToken {
			return cur, nil
		}
		return c.doRefresh(ctx)
	})
}

func (c *Client) doRefresh(ctx context.Context) (token.Token, error) {
	cur := c.CurrentToken()
	if !cur.IsRefreshable() {
		err := fmt.Errorf("%w: %w", ErrReauthorizationRequired, ErrNotRefreshable)
		c.emitExpired(err)
		return token.Token{}, err
	}

	form := url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {cur.RefreshToken},
	}

	c.log.Debug("refreshing access token")
	body, status, err := c.postToken(ctx, form, true)
	now := c.now()
	if err != nil || status != http.StatusOK {
		return token.Token{}, c.recordFailure(classifier.Classify(err, status, body, now))
	}

	next, err := token.FromResponse(body, now)
	if err != nil {
		return token.Token{}, c.recordFailure(classifier.Classify(err, status, body, now))
	}

	// providers that do not rotate refresh tokens omit it from the response
	next = cur.Refreshed(next)
	c.install(next)
	c.metrics.refreshResult("success")
	c.log.Info("access token refreshed", zap.Duration("expires_in", next.Lifetime()))

	c.save(ctx, next)
	if c.hooks.OnRefreshed != nil {
		c.hooks.OnRefreshed(next)
	}
	return next, nil
}

func (c *Client) recordFailure(attempt *classifier.AttemptError) error {
	c.mu.Lock()
	c.lastErr = attempt
	c.mu.Unlock()
	c.metrics.refreshResult(string(attempt.Category))

	fields := []zap.Field{
		zap.String("category", string(attempt.Category)),
		zap.Int("status", attempt.StatusCode),
		zap.String("message", attempt.Message),
		zap.Duration("cooldown", attempt.Cooldown()),
	}

	switch attempt.Category {
	case classifier.Auth:
		err := fmt.Errorf("%w: %w", ErrReauthorizationRequired, attempt)
		c.emitExpired(err)
		return err
	case classifier.Client:
		c.log.Error("token refresh rejected, check the client configuration", fields...)
	default:
		c.log.Warn("token refresh failed", fields...)
	}
	return fmt.Errorf("token refresh failed: %w", attempt)
}

// resolveToken returns the token to attach to a request. A completely
// expired token is refreshed before returning; a token inside its refresh
// buffer is refreshed only when no cooldown is active, and a failed
// proactive refresh falls back to the still-valid current token.
func (c *Client) resolveToken(ctx context.Context) (token.Token, error) {
	c.mu.RLock()
	tok, lastErr := c.tok, c.lastErr
	c.mu.RUnlock()

	if tok.IsZero() {
		return token.Token{}, ErrMissingToken
	}

	now := c.now()
	if tok.IsCompletelyExpiredAt(now) {
		return c.refreshFrom(ctx, tok)
	}

	if !tok.IsRefreshable() || !tok.IsExpiredAt(now, tok.RefreshBuffer()) {
		return tok, nil
	}

	if !lastErr.AllowsProactiveAt(now) {
		c.metrics.proactiveSkipped()
		c.log.Debug("proactive refresh suppressed",
			zap.String("category", string(lastErr.Category)),
			zap.Time("last_attempt", lastErr.Timestamp))
		return tok, nil
	}

	fresh, err := c.refreshFrom(ctx, tok)
	if err != nil {
		if errors.Is(err, ErrReauthorizationRequired) || ctx.Err() != nil {
			return token.Token{}, err
		}
		c.log.Debug("proactive refresh failed, using current token", zap.Error(err))
		return tok, nil
	}
	return fresh, nil
}
