package legacy

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/go-authgate/vehicle-link/token"
)

// RenewalLead is how long before expiry a cached token is renewed.
const RenewalLead = 120 * time.Second

// ErrNoRefreshToken is returned when a refresh is needed but no refresh
// token was supplied.
var ErrNoRefreshToken = errors.New("legacy: no refresh token available")

// Manager caches one token per account and renews it in the background.
// A single mutex guards the whole cache, including the network round trip
// that populates it.
type Manager struct {
	mu        sync.Mutex
	refresher Refresher
	cache     Cache
	scheduler *Scheduler
	log       *zap.Logger
	now       func() time.Time
	lead      time.Duration
}

// ManagerOption configures a Manager.
type ManagerOption func(*managerOptions)

type managerOptions struct {
	log        *zap.Logger
	supervisor Supervisor
	now        func() time.Time
	lead       time.Duration
}

// WithLogger sets the logger; the default discards output.
func WithLogger(l *zap.Logger) ManagerOption {
	return func(o *managerOptions) { o.log = l }
}

// WithSupervisor replaces the default StopOnFailure policy for background
// renewal failures.
func WithSupervisor(s Supervisor) ManagerOption {
	return func(o *managerOptions) { o.supervisor = s }
}

// WithClock overrides time.Now for expiry checks.
func WithClock(now func() time.Time) ManagerOption {
	return func(o *managerOptions) { o.now = now }
}

// WithRenewalLead overrides RenewalLead.
func WithRenewalLead(d time.Duration) ManagerOption {
	return func(o *managerOptions) { o.lead = d }
}

// NewManager returns a Manager. A nil cache is replaced by a MemoryCache.
func NewManager(refresher Refresher, cache Cache, opts ...ManagerOption) *Manager {
	o := managerOptions{
		log:  zap.NewNop(),
		now:  time.Now,
		lead: RenewalLead,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if cache == nil {
		cache = NewMemoryCache()
	}
	log := o.log.With(zap.String("component", "legacy"))
	if o.supervisor == nil {
		o.supervisor = StopOnFailure{Log: log}
	}

	return &Manager{
		refresher: refresher,
		cache:     cache,
		scheduler: NewScheduler(o.supervisor, log),
		log:       log,
		now:       o.now,
		lead:      o.lead,
	}
}

// GetToken returns the cached token for username when the password matches
// and the token has not completely expired. Otherwise it refreshes with
// current's refresh token, caches the result and schedules its renewal.
func (m *Manager) GetToken(
	ctx context.Context,
	loginToken, username, password string,
	current token.Token,
) (token.Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if e, ok := m.cache.Get(username); ok {
		switch {
		case e.Password != password:
			m.log.Info("password changed, dropping cached token", zap.String("account", username))
		case e.Token.IsCompletelyExpiredAt(m.now()):
			m.log.Debug("cached token expired", zap.String("account", username))
		default:
			return e.Token, nil
		}
		m.cache.Delete(username)
		m.scheduler.Cancel(username)
	}

	if !current.IsRefreshable() {
		return token.Token{}, ErrNoRefreshToken
	}

	tok, err := m.refresher.Refresh(ctx, loginToken, current.RefreshToken)
	if err != nil {
		return token.Token{}, fmt.Errorf("legacy refresh for %s: %w", username, err)
	}
	tok = current.Refreshed(tok)

	m.cache.Put(username, Entry{Token: tok, Password: password, LoginToken: loginToken})
	m.scheduleRenewal(username, tok)

	m.log.Info("legacy token refreshed",
		zap.String("account", username),
		zap.Duration("expires_in", tok.Lifetime()))
	return tok, nil
}

// Invalidate drops the cached token for username and its renewal.
func (m *Manager) Invalidate(username string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cache.Delete(username)
	m.scheduler.Cancel(username)
}

// Close stops all renewals.
func (m *Manager) Close() {
	m.scheduler.Close()
}

func (m *Manager) renewalInterval(tok token.Token) time.Duration {
	return tok.Lifetime() - m.lead
}

func (m *Manager) scheduleRenewal(username string, tok token.Token) {
	interval := m.renewalInterval(tok)
	if interval <= 0 {
		m.scheduler.Cancel(username)
		return
	}
	m.scheduler.Schedule(username, interval, m.renewTask(username))
}

func (m *Manager) renewTask(username string) Task {
	return func(ctx context.Context) (time.Duration, error) {
		m.mu.Lock()
		defer m.mu.Unlock()

		e, ok := m.cache.Get(username)
		if !ok {
			return 0, nil
		}

		tok, err := m.refresher.Refresh(ctx, e.LoginToken, e.Token.RefreshToken)
		if err != nil {
			return 0, err
		}
		e.Token = e.Token.Refreshed(tok)
		m.cache.Put(username, e)

		m.log.Debug("legacy token renewed", zap.String("account", username))
		return m.renewalInterval(e.Token), nil
	}
}
