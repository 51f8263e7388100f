// Package authclient is a provider-agnostic OAuth2 client. It owns one
// token, refreshes it proactively and reactively through a shared refresh
// coordinator, and performs authenticated resource requests.
package authclient

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/oauth2"

	"github.com/go-authgate/vehicle-link/classifier"
	"github.com/go-authgate/vehicle-link/coordinator"
	"github.com/go-authgate/vehicle-link/token"
)

const defaultRequestTimeout = 30 * time.Second

// Doer sends HTTP requests. *http.Client satisfies it.
type Doer interface {
	Do(req *http.Request) (*http.Response, error)
}

// Config describes one OAuth2 provider.
type Config struct {
	ClientID     string
	ClientSecret string
	AuthURL      string
	TokenURL     string
	APIBaseURL   string
	RedirectURL  string
	// RequestTimeout bounds every token and resource request.
	RequestTimeout time.Duration
}

// Hooks are optional callbacks fired by the client.
type Hooks struct {
	// OnSave receives every newly issued or refreshed token. Errors are
	// logged and do not fail the operation that produced the token.
	OnSave func(ctx context.Context, t token.Token) error
	// OnExpired fires when a refresh fails in a way that requires the user
	// to authorize again.
	OnExpired func(err error)
	// OnRefreshed fires after a successful refresh.
	OnRefreshed func(t token.Token)
}

// State summarizes the client's token.
type State int

const (
	StateMissing State = iota
	StateFresh
	StateExpiringSoon
	StateCompletelyExpired
	StateInvalid
)

func (s State) String() string {
	switch s {
	case StateMissing:
		return "missing"
	case StateFresh:
		return "fresh"
	case StateExpiringSoon:
		return "expiring_soon"
	case StateCompletelyExpired:
		return "completely_expired"
	case StateInvalid:
		return "invalid"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

// Client performs authorized requests against one provider.
type Client struct {
	cfg      Config
	oauth    oauth2.Config
	apiBase  string
	http     Doer
	log      *zap.Logger
	strategy Strategy
	hooks    Hooks
	metrics  *Metrics
	now      func() time.Time
	refresh  *coordinator.Coordinator[token.Token]

	mu       sync.RWMutex
	tok      token.Token
	verifier string
	lastErr  *classifier.AttemptError
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient replaces the default *http.Client.
func WithHTTPClient(d Doer) Option {
	return func(c *Client) {
		if d != nil {
			c.http = d
		}
	}
}

// WithLogger sets the logger. The default discards everything.
func WithLogger(l *zap.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

// WithStrategy installs provider-specific request and error handling.
func WithStrategy(s Strategy) Option {
	return func(c *Client) {
		if s != nil {
			c.strategy = s
		}
	}
}

// WithHooks installs lifecycle callbacks.
func WithHooks(h Hooks) Option {
	return func(c *Client) { c.hooks = h }
}

// WithMetrics records refresh and request counters into m.
func WithMetrics(m *Metrics) Option {
	return func(c *Client) { c.metrics = m }
}

// WithClock overrides the time source.
func WithClock(now func() time.Time) Option {
	return func(c *Client) {
		if now != nil {
			c.now = now
		}
	}
}

// WithToken installs an initial token, typically loaded from storage.
func WithToken(t token.Token) Option {
	return func(c *Client) { c.tok = t }
}

// New validates cfg and returns a Client.
func New(cfg Config, opts ...Option) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("authclient: client ID is required")
	}
	if cfg.TokenURL == "" {
		return nil, errors.New("authclient: token URL is required")
	}
	if _, err := url.ParseRequestURI(cfg.TokenURL); err != nil {
		return nil, fmt.Errorf("authclient: invalid token URL: %w", err)
	}
	if cfg.APIBaseURL != "" {
		if _, err := url.ParseRequestURI(cfg.APIBaseURL); err != nil {
			return nil, fmt.Errorf("authclient: invalid API base URL: %w", err)
		}
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = defaultRequestTimeout
	}

	c := &Client{
		cfg: cfg,
		oauth: oauth2.Config{
			ClientID:     cfg.ClientID,
			ClientSecret: cfg.ClientSecret,
			RedirectURL:  cfg.RedirectURL,
			Endpoint: oauth2.Endpoint{
				AuthURL:  cfg.AuthURL,
				TokenURL: cfg.TokenURL,
			},
		},
		apiBase:  cfg.APIBaseURL,
		http:     &http.Client{Timeout: cfg.RequestTimeout},
		log:      zap.NewNop(),
		strategy: DefaultStrategy{},
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}

	c.log = c.log.With(zap.String("component", "authclient"))
	// one extra second so the request timeout fires first and is classified
	c.refresh = coordinator.New[token.Token](cfg.RequestTimeout + time.Second)
	return c, nil
}

// CurrentToken returns the token held by the client.
func (c *Client) CurrentToken() token.Token {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.tok
}

// SetToken replaces the held token and clears any recorded refresh failure.
func (c *Client) SetToken(t token.Token) {
	c.mu.Lock()
	c.tok = t
	c.lastErr = nil
	c.mu.Unlock()
}

// LastRefreshError returns the most recent refresh failure, or nil once a
// refresh or exchange has succeeded.
func (c *Client) LastRefreshError() *classifier.AttemptError {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.lastErr
}

// State reports the token's current state.
func (c *Client) State() State {
	c.mu.RLock()
	tok, lastErr := c.tok, c.lastErr
	c.mu.RUnlock()

	now := c.now()
	switch {
	case tok.IsZero():
		return StateMissing
	case lastErr != nil && lastErr.Category == classifier.Auth:
		return StateInvalid
	case tok.IsCompletelyExpiredAt(now):
		return StateCompletelyExpired
	case tok.IsExpiredAt(now, tok.RefreshBuffer()):
		return StateExpiringSoon
	default:
		return StateFresh
	}
}

var _ oauth2.TokenSource = (*Client)(nil)

// Token implements oauth2.TokenSource, applying the same refresh rules as a
// resource request.
func (c *Client) Token() (*oauth2.Token, error) {
	tok, err := c.resolveToken(context.Background())
	if err != nil {
		return nil, err
	}
	return tok.OAuth2(), nil
}

func (c *Client) install(t token.Token) {
	c.mu.Lock()
	c.tok = t
	c.lastErr = nil
	c.mu.Unlock()
}

func (c *Client) save(ctx context.Context, t token.Token) {
	if c.hooks.OnSave == nil {
		return
	}
	if err := c.hooks.OnSave(ctx, t); err != nil {
		c.log.Warn("failed to save token", zap.Error(err))
	}
}

func (c *Client) emitExpired(err error) {
	c.log.Warn("token can no longer be refreshed", zap.Error(err))
	if c.hooks.OnExpired != nil {
		c.hooks.OnExpired(err)
	}
}
