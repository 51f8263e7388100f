package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	tea "charm.land/bubbletea/v2"
	retry "github.com/appleboy/go-httpretry"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/go-authgate/vehicle-link/authclient"
	"github.com/go-authgate/vehicle-link/legacy"
	"github.com/go-authgate/vehicle-link/token"
	"github.com/go-authgate/vehicle-link/tui"
	"github.com/go-authgate/vehicle-link/vehicle"
)

var flags cliFlags

func init() {
	// Define flags (but don't parse yet to avoid conflicts with test flags)
	flags = registerFlags(flag.CommandLine)
}

// isTTY reports whether stderr is a character device (interactive terminal).
// We check stderr because the TUI renders to stderr, allowing stdout to be piped.
func isTTY() bool {
	fi, err := os.Stderr.Stat()
	if err != nil {
		return false
	}
	return (fi.Mode() & os.ModeCharDevice) != 0
}

func main() {
	flag.Parse()

	cfg, warnings, err := loadConfig(flags)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	for _, w := range warnings {
		fmt.Fprintf(os.Stderr, "⚠️  WARNING: %s\n", w)
	}
	if len(warnings) > 0 {
		fmt.Fprintln(os.Stderr)
	}

	tty := isTTY()
	log, err := newLogger(cfg.Log, tty)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to build logger: %v\n", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	var runErr error
	if tty {
		// Run TUI program on stderr so stdout pipes are not corrupted
		m := tui.NewModel()
		// WithInput(nil): disable stdin/keyboard input so BubbleTea skips terminal
		// capability queries (?2026/?2027). Ctrl+C is handled by signal.NotifyContext.
		p := tea.NewProgram(m, tea.WithOutput(os.Stderr), tea.WithInput(nil))

		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := p.Run(); err != nil {
				fmt.Fprintf(os.Stderr, "TUI error: %v\n", err)
			}
		}()

		d := tui.NewProgramDisplayer(p)
		d.Banner()
		runErr = run(ctx, cfg, log, d)
		p.Quit() // let BubbleTea drain terminal query responses before exiting
		wg.Wait()
	} else {
		d := tui.NewPlainDisplayer(os.Stderr)
		d.Banner()
		runErr = run(ctx, cfg, log, d)
	}

	stop()
	_ = log.Sync()
	if runErr != nil {
		os.Exit(1)
	}
}

// retryDoer routes authclient traffic through go-httpretry. GET and HEAD are
// resent after transport failures; every other request, token grants
// included, gets a single attempt. Responses are never retried, so 429 and 5xx
// reach the caller as they arrived.
type retryDoer struct {
	reads  *retry.Client
	single *retry.Client
}

func (r retryDoer) Do(req *http.Request) (*http.Response, error) {
	switch req.Method {
	case http.MethodGet, http.MethodHead:
		return r.reads.DoWithContext(req.Context(), req)
	default:
		return r.single.DoWithContext(req.Context(), req)
	}
}

func retryOnTransportError(err error, _ *http.Response) bool {
	return err != nil && !errors.Is(err, context.Canceled)
}

// zapRetryLogger adapts zap to the go-httpretry logger interface.
type zapRetryLogger struct {
	s *zap.SugaredLogger
}

func (l zapRetryLogger) Debug(msg string, args ...any) { l.s.Debugw(msg, args...) }
func (l zapRetryLogger) Info(msg string, args ...any) { l.s.Infow(msg, args...) }
func (l zapRetryLogger) Warn(msg string, args ...any) { l.s.Warnw(msg, args...) }
func (l zapRetryLogger) Error(msg string, args ...any) { l.s.Errorw(msg, args...) }

func newRetryDoer(log *zap.Logger) (retryDoer, error) {
	baseHTTPClient := &http.Client{
		Transport: &http.Transport{
			TLSClientConfig: &tls.Config{
				MinVersion: tls.VersionTLS12,
			},
			MaxIdleConns:        10,
			IdleConnTimeout:     90 * time.Second,
			TLSHandshakeTimeout: 10 * time.Second,
		},
	}
	logger := retry.WithLogger(zapRetryLogger{s: log.Named("http").Sugar()})

	reads, err := retry.NewBackgroundClient(
		retry.WithHTTPClient(baseHTTPClient),
		retry.WithRetryableChecker(retryOnTransportError),
		retry.WithMaxRetries(3),
		retry.WithInitialRetryDelay(500*time.Millisecond),
		logger,
	)
	if err != nil {
		return retryDoer{}, fmt.Errorf("failed to create retry client: %w", err)
	}

	single, err := retry.NewBackgroundClient(
		retry.WithHTTPClient(baseHTTPClient),
		retry.WithMaxRetries(0),
		logger,
	)
	if err != nil {
		return retryDoer{}, fmt.Errorf("failed to create retry client: %w", err)
	}
	return retryDoer{reads: reads, single: single}, nil
}

func run(ctx context.Context, cfg *Config, log *zap.Logger, d tui.Displayer) error {
	store, closeStore, err := openStore(ctx, cfg)
	if err != nil {
		d.Fatal(err)
		return err
	}
	defer closeStore()

	doer, err := newRetryDoer(log)
	if err != nil {
		d.Fatal(err)
		return err
	}

	reg := prometheus.NewRegistry()
	ac, err := authclient.New(authclient.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		AuthURL:      cfg.AuthURL,
		TokenURL:     cfg.TokenURL,
		APIBaseURL:   cfg.APIURL,
		RedirectURL:  cfg.RedirectURI,
	},
		authclient.WithHTTPClient(doer),
		authclient.WithLogger(log),
		authclient.WithStrategy(vehicle.NewStrategy(cfg.APIKey)),
		authclient.WithMetrics(authclient.NewMetrics(reg)),
		authclient.WithHooks(displayHooks(store, d)),
	)
	if err != nil {
		d.Fatal(err)
		return err
	}

	if cfg.MetricsAddr != "" {
		shutdown := serveMetrics(cfg.MetricsAddr, reg, log)
		defer shutdown()
		d.MetricsServing(cfg.MetricsAddr)
	}

	if needsAuthorization(ctx, store, ac, d, log) {
		if err := authorize(ctx, cfg, ac, d); err != nil {
			d.Fatal(err)
			return err
		}
	}

	vc := vehicle.New(ac)
	d.CallingAPI()
	vehicles, err := vc.Vehicles(ctx)
	if errors.Is(err, authclient.ErrReauthorizationRequired) {
		if err := authorize(ctx, cfg, ac, d); err != nil {
			d.Fatal(err)
			return err
		}
		vehicles, err = vc.Vehicles(ctx)
	}
	if err != nil {
		d.APICallFailed(err)
	} else {
		names := make([]string, 0, len(vehicles))
		for _, v := range vehicles {
			names = append(names, v.DisplayName)
		}
		d.VehiclesListed(names)
	}

	if cfg.LegacyTokenURL != "" {
		lt, err := legacyToken(ctx, cfg, log, ac.CurrentToken())
		if err != nil {
			d.APICallFailed(fmt.Errorf("legacy token: %w", err))
		} else {
			log.Info("legacy token ready", zap.Duration("expires_in", lt.Lifetime()))
		}
	}

	tok := ac.CurrentToken()
	tokenPreview := tok.AccessToken
	if len(tokenPreview) > 50 {
		tokenPreview = tokenPreview[:50]
	}
	tokenType := tok.TokenType
	if tokenType == "" {
		tokenType = "Bearer"
	}
	var expiresIn time.Duration
	if tok.ExpiresIn > 0 {
		expiresIn = tok.TimeToExpiry()
	}
	d.Done(tokenPreview, tokenType, expiresIn)
	return nil
}

func displayHooks(store tokenStore, d tui.Displayer) authclient.Hooks {
	return authclient.Hooks{
		OnSave: func(ctx context.Context, t token.Token) error {
			if err := store.Save(ctx, t); err != nil {
				d.TokenSaveFailed(err)
				return err
			}
			d.TokenSaved(store.Location())
			return nil
		},
		OnExpired: func(error) {
			d.ReAuthRequired()
		},
		OnRefreshed: func(t token.Token) {
			d.TokenRefreshed(t.Lifetime())
		},
	}
}

// needsAuthorization installs the stored token, if any, and reports whether
// the user must authorize before the first request.
func needsAuthorization(
	ctx context.Context,
	store tokenStore,
	ac *authclient.Client,
	d tui.Displayer,
	log *zap.Logger,
) bool {
	tok, err := store.Load(ctx)
	if err != nil {
		if !errors.Is(err, errTokenNotFound) {
			log.Warn("failed to load stored token", zap.Error(err))
		}
		d.TokensNotFound()
		return true
	}

	d.TokensFound(store.Location())
	ac.SetToken(tok)

	if ac.State() == authclient.StateCompletelyExpired {
		if !tok.IsRefreshable() {
			d.TokensNotFound()
			return true
		}
		d.TokenExpired()
		return false
	}

	d.TokenValid(ac.State().String())
	return false
}

// authorize obtains a new token with the password grant when credentials
// are configured, otherwise with the browser authorization-code flow.
func authorize(ctx context.Context, cfg *Config, ac *authclient.Client, d tui.Displayer) error {
	if cfg.hasCredentials() {
		d.SigningIn(cfg.Username)
		if _, err := ac.ExchangeCredentials(ctx, cfg.Username, cfg.Password); err != nil {
			return err
		}
		d.AuthSuccess()
		return nil
	}

	state := uuid.NewString()
	authURL, err := ac.AuthorizationURL(cfg.Scopes, state)
	if err != nil {
		return err
	}

	d.AuthURLReady(authURL, time.Now().Add(cfg.CallbackTimeout))
	d.WaitingForCallback(cfg.RedirectURI)

	code, err := waitForCallback(ctx, cfg.RedirectURI, state, cfg.CallbackTimeout)
	if err != nil {
		return err
	}

	if _, err := ac.ExchangeCode(ctx, code); err != nil {
		return err
	}
	d.AuthSuccess()
	return nil
}

func legacyToken(ctx context.Context, cfg *Config, log *zap.Logger, current token.Token) (token.Token, error) {
	refresher, err := legacy.NewHTTPRefresher(cfg.LegacyTokenURL, nil)
	if err != nil {
		return token.Token{}, err
	}

	m := legacy.NewManager(refresher, legacy.NewMemoryCache(), legacy.WithLogger(log))
	defer m.Close()

	return m.GetToken(ctx, cfg.LegacyLoginToken, cfg.Username, cfg.Password, current)
}

// serveMetrics exposes reg on addr/metrics and returns a shutdown function.
func serveMetrics(addr string, reg *prometheus.Registry, log *zap.Logger) func() {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Error("metrics server failed", zap.Error(err))
		}
	}()

	return func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx)
	}
}
