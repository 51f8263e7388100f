// Package classifier maps a failed token refresh to an error category and
// the cooldown that must pass before the next proactive attempt.
package classifier

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"syscall"
	"time"
)

// Category is the failure class of a refresh attempt.
type Category string

const (
	Network Category = "network"
	Server  Category = "server"
	Auth    Category = "auth"
	Client  Category = "client"
	Unknown Category = "unknown"
)

// Cooldowns before the next proactive refresh is permitted.
const (
	NetworkCooldown = 15 * time.Second
	ServerCooldown  = 30 * time.Second
	UnknownCooldown = 60 * time.Second
)

// Category sentinels, matched by errors.Is against an *AttemptError.
var (
	ErrNetwork = errors.New("network error")
	ErrServer  = errors.New("server error")
	ErrAuth    = errors.New("authorization rejected")
	ErrClient  = errors.New("client error")
	ErrUnknown = errors.New("unknown error")
)

var sentinels = map[Category]error{
	Network: ErrNetwork,
	Server:  ErrServer,
	Auth:    ErrAuth,
	Client:  ErrClient,
	Unknown: ErrUnknown,
}

// AttemptError records one classified refresh failure.
type AttemptError struct {
	Category   Category
	Timestamp  time.Time
	Retryable  bool
	Message    string
	StatusCode int
	Err        error
}

func (e *AttemptError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s error (status %d): %s", e.Category, e.StatusCode, e.Message)
	}
	return fmt.Sprintf("%s error: %s", e.Category, e.Message)
}

func (e *AttemptError) Unwrap() error {
	return e.Err
}

// Is matches the category sentinel for e.
func (e *AttemptError) Is(target error) bool {
	return sentinels[e.Category] == target
}

// Cooldown returns how long proactive refreshes stay suspended after e.
// Non-retryable categories report zero; callers must not retry them at all.
func (e *AttemptError) Cooldown() time.Duration {
	switch e.Category {
	case Network:
		return NetworkCooldown
	case Server:
		return ServerCooldown
	case Unknown:
		return UnknownCooldown
	default:
		return 0
	}
}

// AllowsProactiveAt reports whether a proactive refresh may start at now.
func (e *AttemptError) AllowsProactiveAt(now time.Time) bool {
	if e == nil {
		return true
	}
	if !e.Retryable {
		return false
	}
	return !now.Before(e.Timestamp.Add(e.Cooldown()))
}

// RequiresReauthorization reports whether err is an auth-class failure.
func RequiresReauthorization(err error) bool {
	return errors.Is(err, ErrAuth)
}

var networkVocabulary = []string{
	"network",
	"timeout",
	"timed out",
	"connection refused",
	"connection reset",
	"no such host",
	"dns",
	"econnrefused",
	"econnreset",
	"enotfound",
	"etimedout",
	"unexpected eof",
}

var authVocabulary = []string{
	"invalid_grant",
	"invalid grant",
	"invalid_token",
	"invalid token",
	"expired",
	"revoked",
}

// Classify maps a failed refresh attempt to an AttemptError. err is the
// transport error when no response arrived; otherwise status and body come
// from the non-2xx response.
func Classify(err error, status int, body []byte, now time.Time) *AttemptError {
	if status == 0 {
		return classifyTransport(err, now)
	}

	out := &AttemptError{
		Timestamp:  now,
		StatusCode: status,
		Message:    ExtractMessage(body, status),
		Err:        err,
	}

	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		out.Category, out.Retryable = Server, true
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		out.Category = Auth
	case status == http.StatusBadRequest && mentionsInvalidGrant(body):
		out.Category = Auth
	case status >= 400:
		out.Category = Client
	default:
		out.Category, out.Retryable = Unknown, true
	}
	return out
}

func classifyTransport(err error, now time.Time) *AttemptError {
	out := &AttemptError{
		Category:  Unknown,
		Timestamp: now,
		Retryable: true,
		Err:       err,
	}
	if err == nil {
		out.Message = "refresh failed without a response"
		return out
	}
	out.Message = err.Error()
	if isNetworkError(err) {
		out.Category = Network
	}
	return out
}

func isNetworkError(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) ||
		errors.Is(err, syscall.ECONNREFUSED) ||
		errors.Is(err, syscall.ECONNRESET) {
		return true
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}

	var dnsErr *net.DNSError
	if errors.As(err, &dnsErr) {
		return true
	}

	return containsAny(strings.ToLower(err.Error()), networkVocabulary)
}

// mentionsInvalidGrant checks the OAuth error fields of a 400 body.
func mentionsInvalidGrant(body []byte) bool {
	doc := decode(body)
	if doc == nil {
		return containsAny(strings.ToLower(string(body)), authVocabulary)
	}
	for _, field := range authFields(doc) {
		if containsAny(strings.ToLower(field), authVocabulary) {
			return true
		}
	}
	return false
}

func containsAny(s string, words []string) bool {
	for _, w := range words {
		if strings.Contains(s, w) {
			return true
		}
	}
	return false
}
