package authclient

import (
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-authgate/vehicle-link/classifier"
)

var (
	// ErrMissingToken is returned when a request is made before any token
	// has been installed.
	ErrMissingToken = errors.New("no access token available")

	// ErrNotRefreshable is returned when the token has expired and carries
	// no refresh token.
	ErrNotRefreshable = errors.New("token expired and cannot be refreshed")

	// ErrReauthorizationRequired means the owning application must run the
	// authorization-code or credential flow again.
	ErrReauthorizationRequired = errors.New("reauthorization required")

	// ErrMissingVerifier is returned by ExchangeCode when no authorization
	// URL was generated first.
	ErrMissingVerifier = errors.New("no PKCE verifier: generate an authorization URL first")

	// ErrRateLimited matches *RateLimitError.
	ErrRateLimited = errors.New("rate limited")

	// ErrUnauthorized matches a *ProviderError carrying status 401.
	ErrUnauthorized = errors.New("unauthorized")
)

// ProviderError is a decoded non-2xx response from the resource API.
type ProviderError struct {
	StatusCode int
	Status     string
	Message    string
	Body       any
}

// NewProviderError builds a ProviderError, extracting the most descriptive
// message available in the decoded body.
func NewProviderError(resp *Response) *ProviderError {
	return &ProviderError{
		StatusCode: resp.StatusCode,
		Status:     http.StatusText(resp.StatusCode),
		Message:    responseMessage(resp),
		Body:       resp.Body,
	}
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error (status %d): %s", e.StatusCode, e.Message)
}

func (e *ProviderError) Is(target error) bool {
	return target == ErrUnauthorized && e.StatusCode == http.StatusUnauthorized
}

// RateLimitError is returned for a 429 from the resource API. The request is
// not retried.
type RateLimitError struct {
	StatusCode int
	RetryAfter time.Duration
	Message    string
}

func (e *RateLimitError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("rate limited, retry after %s: %s", e.RetryAfter, e.Message)
	}
	return "rate limited: " + e.Message
}

func (e *RateLimitError) Is(target error) bool {
	return target == ErrRateLimited
}

func newRateLimitError(resp *Response, now time.Time) *RateLimitError {
	return &RateLimitError{
		StatusCode: resp.StatusCode,
		RetryAfter: parseRetryAfter(resp.Header.Get("Retry-After"), now),
		Message:    responseMessage(resp),
	}
}

// parseRetryAfter accepts both delta-seconds and HTTP-date forms.
func parseRetryAfter(v string, now time.Time) time.Duration {
	v = strings.TrimSpace(v)
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil && at.After(now) {
		return at.Sub(now)
	}
	return 0
}

func responseMessage(resp *Response) string {
	switch body := resp.Body.(type) {
	case map[string]any:
		if msg, ok := classifier.ExtractFromDocument(body); ok {
			return msg
		}
	case string:
		if s := strings.TrimSpace(body); s != "" && len(s) <= 512 {
			return s
		}
	}
	return classifier.ExtractMessage(nil, resp.StatusCode)
}
