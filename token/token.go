// Package token holds the access/refresh token value shared by the
// authorization client and the legacy token manager.
//
// A Token is immutable once published: refreshing produces a new value with
// a new CreatedAt instead of touching the old one, so readers never observe a
// partially updated token.
package token

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/oauth2"
)

// Bounds for the adaptive refresh buffer.
const (
	MinRefreshBuffer = 2 * time.Minute
	MaxRefreshBuffer = 4 * time.Minute
)

// Token is one access/refresh token pair with expiration bookkeeping.
type Token struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token,omitempty"`
	TokenType    string `json:"token_type,omitempty"`
	// ExpiresIn is the lifetime in seconds. Zero means the provider did not
	// declare one and the token is treated as durable.
	ExpiresIn int64 `json:"expires_in,omitempty"`
	// CreatedAt is stamped locally when the token is issued or refreshed.
	// Tokens loaded from older storage may not carry it.
	CreatedAt time.Time `json:"created_at,omitzero"`
}

// IsZero reports whether t carries no access token.
func (t Token) IsZero() bool {
	return t.AccessToken == ""
}

// IsRefreshable reports whether a refresh token is present.
func (t Token) IsRefreshable() bool {
	return t.RefreshToken != ""
}

// Lifetime returns the declared lifetime.
func (t Token) Lifetime() time.Duration {
	return time.Duration(t.ExpiresIn) * time.Second
}

// ExpiresAt returns created_at + expires_in. The boolean is false when the
// token declares no lifetime or its creation time is unknown.
func (t Token) ExpiresAt() (time.Time, bool) {
	if t.ExpiresIn <= 0 || t.CreatedAt.IsZero() {
		return time.Time{}, false
	}
	return t.CreatedAt.Add(t.Lifetime()), true
}

// RefreshBuffer is half the token lifetime clamped to [2m, 4m].
func (t Token) RefreshBuffer() time.Duration {
	return AdaptiveBuffer(t.Lifetime())
}

// AdaptiveBuffer returns half of lifetime, clamped to the refresh buffer bounds.
func AdaptiveBuffer(lifetime time.Duration) time.Duration {
	return min(max(lifetime/2, MinRefreshBuffer), MaxRefreshBuffer)
}

// IsExpiredAt reports whether now falls inside the refresh window that opens
// buffer before expiry. A token without a declared lifetime never expires; a
// token with a lifetime but no creation time is always expired.
func (t Token) IsExpiredAt(now time.Time, buffer time.Duration) bool {
	if t.ExpiresIn <= 0 {
		return false
	}
	if t.CreatedAt.IsZero() {
		return true
	}
	expiry, _ := t.ExpiresAt()
	return !now.Before(expiry.Add(-buffer))
}

// IsExpired uses the adaptive buffer against the current time.
func (t Token) IsExpired() bool {
	return t.IsExpiredAt(time.Now(), t.RefreshBuffer())
}

// IsCompletelyExpiredAt reports whether now is at or past the real expiry.
func (t Token) IsCompletelyExpiredAt(now time.Time) bool {
	return t.IsExpiredAt(now, 0)
}

// IsCompletelyExpired reports whether the token is past its real expiry.
func (t Token) IsCompletelyExpired() bool {
	return t.IsCompletelyExpiredAt(time.Now())
}

// TimeToExpiryAt returns the remaining lifetime at now. Durable tokens report
// the maximum duration; tokens of unknown age report zero.
func (t Token) TimeToExpiryAt(now time.Time) time.Duration {
	if t.ExpiresIn <= 0 {
		return time.Duration(1<<63 - 1)
	}
	expiry, ok := t.ExpiresAt()
	if !ok {
		return 0
	}
	return max(expiry.Sub(now), 0)
}

// TimeToExpiry returns the remaining lifetime.
func (t Token) TimeToExpiry() time.Duration {
	return t.TimeToExpiryAt(time.Now())
}

// Refreshed builds the token that replaces t after a refresh. The previous
// refresh token is kept when the server did not rotate it.
func (t Token) Refreshed(next Token) Token {
	if next.RefreshToken == "" {
		next.RefreshToken = t.RefreshToken
	}
	return next
}

// OAuth2 converts t to the golang.org/x/oauth2 representation.
func (t Token) OAuth2() *oauth2.Token {
	out := &oauth2.Token{
		AccessToken:  t.AccessToken,
		TokenType:    t.TokenType,
		RefreshToken: t.RefreshToken,
	}
	if expiry, ok := t.ExpiresAt(); ok {
		out.Expiry = expiry
		out.ExpiresIn = t.ExpiresIn
	}
	return out
}

// FromOAuth2 converts an oauth2.Token issued at now.
func FromOAuth2(src *oauth2.Token, now time.Time) Token {
	if src == nil {
		return Token{}
	}
	t := Token{
		AccessToken:  src.AccessToken,
		RefreshToken: src.RefreshToken,
		TokenType:    src.TokenType,
		CreatedAt:    now,
	}
	if !src.Expiry.IsZero() {
		t.ExpiresIn = int64(src.Expiry.Sub(now).Round(time.Second) / time.Second)
	}
	return t
}

// ErrInvalidResponse is returned when a token endpoint response cannot be used.
var ErrInvalidResponse = errors.New("invalid token response")

// FromResponse parses a token endpoint response body received at now.
// created_at is always the local receipt time, never a server value.
func FromResponse(body []byte, now time.Time) (Token, error) {
	var resp struct {
		AccessToken  string `json:"access_token"`
		RefreshToken string `json:"refresh_token"`
		TokenType    string `json:"token_type"`
		ExpiresIn    int64  `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &resp); err != nil {
		return Token{}, fmt.Errorf("%w: failed to parse token response: %w", ErrInvalidResponse, err)
	}
	if err := validateResponse(resp.AccessToken, resp.TokenType, resp.ExpiresIn); err != nil {
		return Token{}, fmt.Errorf("%w: %w", ErrInvalidResponse, err)
	}
	return Token{
		AccessToken:  resp.AccessToken,
		RefreshToken: resp.RefreshToken,
		TokenType:    resp.TokenType,
		ExpiresIn:    resp.ExpiresIn,
		CreatedAt:    now,
	}, nil
}

func validateResponse(accessToken, tokenType string, expiresIn int64) error {
	if accessToken == "" {
		return errors.New("access_token is empty")
	}

	if expiresIn < 0 {
		return fmt.Errorf("expires_in must not be negative, got: %d", expiresIn)
	}

	// Token type is optional in OAuth 2.0, but if present, should be "Bearer"
	if tokenType != "" && !strings.EqualFold(tokenType, "Bearer") {
		return fmt.Errorf("unexpected token_type: %s (expected Bearer)", tokenType)
	}

	return nil
}
