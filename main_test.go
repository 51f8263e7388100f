package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/go-authgate/vehicle-link/authclient"
	"github.com/go-authgate/vehicle-link/classifier"
	"github.com/go-authgate/vehicle-link/token"
	"github.com/go-authgate/vehicle-link/tui"
)

func TestValidateServerURL(t *testing.T) {
	tests := []struct {
		name    string
		url     string
		wantErr bool
	}{
		{"https", "https://auth.example.com/oauth2/token", false},
		{"http with port", "http://localhost:8080", false},
		{"empty", "", true},
		{"missing scheme", "auth.example.com", true},
		{"ftp scheme", "ftp://auth.example.com", true},
		{"missing host", "https://", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateServerURL(tt.url)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateServerURL(%q) error = %v, wantErr %v", tt.url, err, tt.wantErr)
			}
		})
	}
}

func setBaseEnv(t *testing.T) {
	t.Helper()
	t.Setenv("CLIENT_ID", "3f1b2a6c-8d4e-4f1a-9b2c-7e5d6a4b3c21")
	t.Setenv("TOKEN_URL", "https://auth.example.com/oauth2/v3/token")
	t.Setenv("API_URL", "https://fleet.example.com/api/1")
	t.Setenv("AUTH_URL", "https://auth.example.com/oauth2/v3/authorize")
	t.Setenv("USERNAME", "")
	t.Setenv("PASSWORD", "")
	t.Setenv("LEGACY_TOKEN_URL", "")
	t.Setenv("LEGACY_LOGIN_TOKEN", "")
	t.Setenv("TOKEN_STORE", "")
	t.Setenv("TOKEN_FILE", "")
	t.Setenv("CALLBACK_TIMEOUT", "")
}

func TestLoadConfig_FlagsOverrideEnv(t *testing.T) {
	setBaseEnv(t)

	fs := flag.NewFlagSet("test", flag.ContinueOnError)
	f := registerFlags(fs)
	if err := fs.Parse([]string{"-client-id", "cli-client", "-token-file", "/tmp/tokens.json"}); err != nil {
		t.Fatalf("Parse: %v", err)
	}

	cfg, warnings, err := loadConfig(f)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}

	if cfg.ClientID != "cli-client" {
		t.Errorf("ClientID = %q, want flag value", cfg.ClientID)
	}
	if cfg.TokenFile != "/tmp/tokens.json" {
		t.Errorf("TokenFile = %q", cfg.TokenFile)
	}
	if cfg.TokenURL != "https://auth.example.com/oauth2/v3/token" {
		t.Errorf("TokenURL = %q, want env value", cfg.TokenURL)
	}
	if cfg.TokenStore != "file" {
		t.Errorf("TokenStore = %q, want default file", cfg.TokenStore)
	}
	if cfg.CallbackTimeout != 5*time.Minute {
		t.Errorf("CallbackTimeout = %v", cfg.CallbackTimeout)
	}
	if len(cfg.Scopes) == 0 || cfg.Scopes[0] != "openid" {
		t.Errorf("Scopes = %v", cfg.Scopes)
	}

	var uuidWarning bool
	for _, w := range warnings {
		if strings.Contains(w, "CLIENT_ID") {
			uuidWarning = true
		}
	}
	if !uuidWarning {
		t.Errorf("Expected a CLIENT_ID warning, got %v", warnings)
	}
}

func TestLoadConfig_Validation(t *testing.T) {
	tests := []struct {
		name    string
		env     map[string]string
		wantErr string
	}{
		{
			name:    "missing client id",
			env:     map[string]string{"CLIENT_ID": ""},
			wantErr: "CLIENT_ID",
		},
		{
			name:    "missing token url",
			env:     map[string]string{"TOKEN_URL": ""},
			wantErr: "TOKEN_URL",
		},
		{
			name:    "auth url required without credentials",
			env:     map[string]string{"AUTH_URL": ""},
			wantErr: "AUTH_URL",
		},
		{
			name:    "legacy without login token",
			env:     map[string]string{"LEGACY_TOKEN_URL": "https://legacy.example.com/token", "USERNAME": "driver"},
			wantErr: "LEGACY_LOGIN_TOKEN",
		},
		{
			name:    "bad callback timeout",
			env:     map[string]string{"CALLBACK_TIMEOUT": "soon"},
			wantErr: "CALLBACK_TIMEOUT",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setBaseEnv(t)
			for k, v := range tt.env {
				t.Setenv(k, v)
			}

			_, _, err := loadConfig(cliFlags{})
			if err == nil || !strings.Contains(err.Error(), tt.wantErr) {
				t.Errorf("loadConfig() error = %v, want mention of %s", err, tt.wantErr)
			}
		})
	}
}

func TestLoadConfig_CredentialsSkipAuthURL(t *testing.T) {
	setBaseEnv(t)
	t.Setenv("AUTH_URL", "")
	t.Setenv("USERNAME", "driver")
	t.Setenv("PASSWORD", "secret")
	t.Setenv("TOKEN_URL", "http://localhost:9000/token")

	cfg, warnings, err := loadConfig(cliFlags{})
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if !cfg.hasCredentials() {
		t.Error("Expected credentials to be detected")
	}

	var httpWarning bool
	for _, w := range warnings {
		if strings.Contains(w, "TOKEN_URL uses HTTP") {
			httpWarning = true
		}
	}
	if !httpWarning {
		t.Errorf("Expected plaintext warning for TOKEN_URL, got %v", warnings)
	}
}

func TestFileStore_ConcurrentSavesPreserveOtherClients(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")

	const goroutines = 10
	var wg sync.WaitGroup
	wg.Add(goroutines)
	for i := 0; i < goroutines; i++ {
		go func(id int) {
			defer wg.Done()
			s := newFileStore(path, fmt.Sprintf("client-%d", id))
			err := s.Save(context.Background(), token.Token{
				AccessToken:  fmt.Sprintf("access-token-%d", id),
				RefreshToken: fmt.Sprintf("refresh-token-%d", id),
				ExpiresIn:    3600,
				CreatedAt:    time.Now(),
			})
			if err != nil {
				t.Errorf("Goroutine %d: Save failed: %v", id, err)
			}
		}(i)
	}
	wg.Wait()

	for i := 0; i < goroutines; i++ {
		s := newFileStore(path, fmt.Sprintf("client-%d", i))
		tok, err := s.Load(context.Background())
		if err != nil {
			t.Errorf("client-%d: Load failed: %v", i, err)
			continue
		}
		if tok.AccessToken != fmt.Sprintf("access-token-%d", i) {
			t.Errorf("client-%d: AccessToken = %q", i, tok.AccessToken)
		}
	}

	if _, err := os.Stat(path + ".tmp"); !os.IsNotExist(err) {
		t.Error("Temp file left behind")
	}
}

func TestFileStore_LoadMissing(t *testing.T) {
	dir := t.TempDir()

	s := newFileStore(filepath.Join(dir, "absent.json"), "client")
	if _, err := s.Load(context.Background()); !errors.Is(err, errTokenNotFound) {
		t.Errorf("Expected errTokenNotFound for a missing file, got %v", err)
	}

	path := filepath.Join(dir, "tokens.json")
	if err := newFileStore(path, "other").Save(context.Background(), token.Token{AccessToken: "a"}); err != nil {
		t.Fatalf("Save: %v", err)
	}
	if _, err := newFileStore(path, "client").Load(context.Background()); !errors.Is(err, errTokenNotFound) {
		t.Errorf("Expected errTokenNotFound for an unknown client, got %v", err)
	}
}

func TestFileStore_EntryWithoutCreatedAtIsExpired(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tokens.json")
	raw := `{"tokens":{"client":{"access_token":"old","refresh_token":"r","expires_in":3600,"client_id":"client"}}}`
	if err := os.WriteFile(path, []byte(raw), 0o600); err != nil {
		t.Fatal(err)
	}

	tok, err := newFileStore(path, "client").Load(context.Background())
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !tok.IsCompletelyExpiredAt(time.Now()) {
		t.Error("A token of unknown age must be treated as expired")
	}
	if !tok.IsRefreshable() {
		t.Error("Refresh token was not loaded")
	}
}

func TestRedisStore_RoundTrip(t *testing.T) {
	addr := os.Getenv("VEHICLE_LINK_TEST_REDIS")
	if addr == "" {
		t.Skip("VEHICLE_LINK_TEST_REDIS not set")
	}

	ctx := context.Background()
	client, err := newRedisClient(ctx, RedisConfig{Addr: addr})
	if err != nil {
		t.Fatalf("newRedisClient: %v", err)
	}
	s := newRedisStore(client, fmt.Sprintf("test-%d", time.Now().UnixNano()))
	defer func() {
		client.Del(ctx, s.key)
		_ = s.Close()
	}()

	if _, err := s.Load(ctx); !errors.Is(err, errTokenNotFound) {
		t.Fatalf("Expected errTokenNotFound, got %v", err)
	}

	want := token.Token{AccessToken: "a", RefreshToken: "r", ExpiresIn: 60, CreatedAt: time.Now().UTC()}
	if err := s.Save(ctx, want); err != nil {
		t.Fatalf("Save: %v", err)
	}
	got, err := s.Load(ctx)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.AccessToken != want.AccessToken || !got.CreatedAt.Equal(want.CreatedAt) {
		t.Errorf("Load = %+v, want %+v", got, want)
	}
}

func TestOpenStore_UnknownBackend(t *testing.T) {
	_, _, err := openStore(context.Background(), &Config{TokenStore: "etcd"})
	if err == nil {
		t.Error("Expected an error for an unknown token store")
	}
}

func TestCallbackHandler(t *testing.T) {
	tests := []struct {
		name     string
		query    string
		wantCode string
		wantErr  string
		status   int
	}{
		{"success", "state=s1&code=abc", "abc", "", http.StatusOK},
		{"state mismatch", "state=other&code=abc", "", "state parameter mismatch", http.StatusBadRequest},
		{"denied", "state=s1&error=access_denied&error_description=user+cancelled", "", "access_denied: user cancelled", http.StatusBadRequest},
		{"missing code", "state=s1", "", "missing the code", http.StatusBadRequest},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			results := make(chan callbackResult, 1)
			h := callbackHandler("s1", results)

			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/callback?"+tt.query, nil))

			if rec.Code != tt.status {
				t.Errorf("status = %d, want %d", rec.Code, tt.status)
			}

			res := <-results
			if res.code != tt.wantCode {
				t.Errorf("code = %q, want %q", res.code, tt.wantCode)
			}
			if tt.wantErr == "" && res.err != nil {
				t.Errorf("unexpected error: %v", res.err)
			}
			if tt.wantErr != "" && (res.err == nil || !strings.Contains(res.err.Error(), tt.wantErr)) {
				t.Errorf("error = %v, want %q", res.err, tt.wantErr)
			}
		})
	}
}

func TestCallbackHandler_DeliversOnce(t *testing.T) {
	results := make(chan callbackResult, 1)
	h := callbackHandler("s1", results)

	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/callback?state=s1&code=first", nil))
	// a second redirect must not block on the full channel
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/callback?state=s1&code=second", nil))

	if res := <-results; res.code != "first" {
		t.Errorf("code = %q, want first", res.code)
	}
}

func TestServeCallback_ReceivesCode(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	type outcome struct {
		code string
		err  error
	}
	done := make(chan outcome, 1)
	go func() {
		code, err := serveCallback(context.Background(), ln, "/callback", "xyz", 5*time.Second)
		done <- outcome{code, err}
	}()

	resp, err := http.Get("http://" + ln.Addr().String() + "/callback?state=xyz&code=granted")
	if err != nil {
		t.Fatalf("GET callback: %v", err)
	}
	resp.Body.Close()

	out := <-done
	if out.err != nil || out.code != "granted" {
		t.Errorf("serveCallback = (%q, %v), want granted", out.code, out.err)
	}
}

func TestServeCallback_Timeout(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	_, err = serveCallback(context.Background(), ln, "/callback", "xyz", 50*time.Millisecond)
	if err == nil || !strings.Contains(err.Error(), "timed out") {
		t.Errorf("Expected timeout, got %v", err)
	}
}

func TestServeCallback_ContextCancelled(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := serveCallback(ctx, ln, "/callback", "xyz", time.Minute); !errors.Is(err, context.Canceled) {
		t.Errorf("Expected context.Canceled, got %v", err)
	}
}

// recordingDisplayer captures the events the run flow reports.
type recordingDisplayer struct {
	tui.NoopDisplayer

	mu       sync.Mutex
	vehicles []string
	apiErr   error
	fatal    error
	reauth   int
	saved    int
}

func (r *recordingDisplayer) VehiclesListed(names []string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.vehicles = names
}

func (r *recordingDisplayer) APICallFailed(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.apiErr = err
}

func (r *recordingDisplayer) Fatal(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fatal = err
}

func (r *recordingDisplayer) ReAuthRequired() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reauth++
}

func (r *recordingDisplayer) TokenSaved(string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.saved++
}

// fakeProvider serves the token endpoint and the vehicle API.
type fakeProvider struct {
	t *testing.T

	mu          sync.Mutex
	grants      []string
	accessToken string
	refreshFail bool
}

func (p *fakeProvider) handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			p.t.Errorf("ParseForm: %v", err)
		}
		grant := r.PostForm.Get("grant_type")

		p.mu.Lock()
		p.grants = append(p.grants, grant)
		refreshFail := p.refreshFail
		p.mu.Unlock()

		w.Header().Set("Content-Type", "application/json")
		switch {
		case grant == "refresh_token" && refreshFail:
			w.WriteHeader(http.StatusBadRequest)
			_, _ = w.Write([]byte(`{"error":"invalid_grant","error_description":"refresh token revoked"}`))
		case grant == "refresh_token":
			_, _ = fmt.Fprintf(w, `{"access_token":%q,"token_type":"Bearer","expires_in":3600}`, p.accessToken)
		case grant == "password" && r.PostForm.Get("password") == "secret":
			_, _ = fmt.Fprintf(w,
				`{"access_token":%q,"refresh_token":"r-new","token_type":"Bearer","expires_in":3600}`, p.accessToken)
		default:
			w.WriteHeader(http.StatusUnauthorized)
			_, _ = w.Write([]byte(`{"error":"invalid_client"}`))
		}
	})
	mux.HandleFunc("/api/vehicles", func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Authorization") != "Bearer "+p.accessToken {
			w.WriteHeader(http.StatusUnauthorized)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"response":[{"id":"1","display_name":"Daily"},{"id":"2","display_name":"Weekend"}]}`))
	})
	return mux
}

func (p *fakeProvider) grantsSeen() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]string(nil), p.grants...)
}

func testConfig(t *testing.T, baseURL string) *Config {
	t.Helper()
	return &Config{
		ClientID:        "client",
		TokenURL:        baseURL + "/token",
		APIURL:          baseURL + "/api",
		TokenFile:       filepath.Join(t.TempDir(), "tokens.json"),
		TokenStore:      "file",
		CallbackTimeout: time.Minute,
	}
}

func readStoredToken(t *testing.T, path, clientID string) token.Token {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read token file: %v", err)
	}
	var m tokenFileMap
	if err := json.Unmarshal(data, &m); err != nil {
		t.Fatalf("parse token file: %v", err)
	}
	entry, ok := m.Tokens[clientID]
	if !ok {
		t.Fatalf("no entry for %s", clientID)
	}
	return entry.Token
}

func TestRun_PasswordGrant(t *testing.T) {
	p := &fakeProvider{t: t, accessToken: "at-1"}
	srv := httptest.NewServer(p.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.Username = "driver"
	cfg.Password = "secret"

	d := &recordingDisplayer{}
	if err := run(context.Background(), cfg, zap.NewNop(), d); err != nil {
		t.Fatalf("run: %v", err)
	}

	if d.fatal != nil || d.apiErr != nil {
		t.Fatalf("unexpected failure: fatal=%v api=%v", d.fatal, d.apiErr)
	}
	if strings.Join(d.vehicles, ",") != "Daily,Weekend" {
		t.Errorf("vehicles = %v", d.vehicles)
	}
	if got := p.grantsSeen(); len(got) != 1 || got[0] != "password" {
		t.Errorf("grants = %v, want [password]", got)
	}

	stored := readStoredToken(t, cfg.TokenFile, "client")
	if stored.AccessToken != "at-1" || stored.RefreshToken != "r-new" {
		t.Errorf("stored token = %+v", stored)
	}
	if stored.CreatedAt.IsZero() {
		t.Error("stored token has no creation time")
	}
}

func TestRun_RefreshesExpiredStoredToken(t *testing.T) {
	p := &fakeProvider{t: t, accessToken: "at-2"}
	srv := httptest.NewServer(p.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	expired := token.Token{
		AccessToken:  "at-old",
		RefreshToken: "r-keep",
		ExpiresIn:    60,
		CreatedAt:    time.Now().Add(-time.Hour),
	}
	if err := newFileStore(cfg.TokenFile, cfg.ClientID).Save(context.Background(), expired); err != nil {
		t.Fatal(err)
	}

	d := &recordingDisplayer{}
	if err := run(context.Background(), cfg, zap.NewNop(), d); err != nil {
		t.Fatalf("run: %v", err)
	}

	if got := p.grantsSeen(); len(got) != 1 || got[0] != "refresh_token" {
		t.Errorf("grants = %v, want [refresh_token]", got)
	}
	if len(d.vehicles) != 2 {
		t.Errorf("vehicles = %v", d.vehicles)
	}

	stored := readStoredToken(t, cfg.TokenFile, "client")
	if stored.AccessToken != "at-2" {
		t.Errorf("AccessToken = %q, want at-2", stored.AccessToken)
	}
	if stored.RefreshToken != "r-keep" {
		t.Errorf("RefreshToken = %q, the unrotated refresh token must be kept", stored.RefreshToken)
	}
}

func TestRun_ReauthorizesAfterRevokedRefreshToken(t *testing.T) {
	p := &fakeProvider{t: t, accessToken: "at-3", refreshFail: true}
	srv := httptest.NewServer(p.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.Username = "driver"
	cfg.Password = "secret"

	// fresh by its timestamps, but the API no longer accepts it
	stale := token.Token{
		AccessToken:  "at-revoked",
		RefreshToken: "r-revoked",
		ExpiresIn:    3600,
		CreatedAt:    time.Now(),
	}
	if err := newFileStore(cfg.TokenFile, cfg.ClientID).Save(context.Background(), stale); err != nil {
		t.Fatal(err)
	}

	d := &recordingDisplayer{}
	if err := run(context.Background(), cfg, zap.NewNop(), d); err != nil {
		t.Fatalf("run: %v", err)
	}

	got := p.grantsSeen()
	if strings.Join(got, ",") != "refresh_token,password" {
		t.Errorf("grants = %v, want [refresh_token password]", got)
	}
	if d.reauth != 1 {
		t.Errorf("ReAuthRequired called %d times, want 1", d.reauth)
	}
	if d.apiErr != nil || len(d.vehicles) != 2 {
		t.Errorf("vehicles = %v, err = %v", d.vehicles, d.apiErr)
	}
	if stored := readStoredToken(t, cfg.TokenFile, "client"); stored.AccessToken != "at-3" {
		t.Errorf("stored AccessToken = %q, want at-3", stored.AccessToken)
	}
}

func TestRun_BadCredentialsAreFatal(t *testing.T) {
	p := &fakeProvider{t: t, accessToken: "at-4"}
	srv := httptest.NewServer(p.handler())
	defer srv.Close()

	cfg := testConfig(t, srv.URL)
	cfg.Username = "driver"
	cfg.Password = "wrong"

	d := &recordingDisplayer{}
	if err := run(context.Background(), cfg, zap.NewNop(), d); err == nil {
		t.Fatal("Expected run to fail")
	}
	if d.fatal == nil {
		t.Error("Fatal was not reported")
	}
	if _, err := os.Stat(cfg.TokenFile); !os.IsNotExist(err) {
		t.Error("No token should be stored after a rejected sign-in")
	}
}

func TestRun_LegacyToken(t *testing.T) {
	p := &fakeProvider{t: t, accessToken: "at-5"}
	srv := httptest.NewServer(p.handler())
	defer srv.Close()

	var (
		mu         sync.Mutex
		legacyAuth string
	)
	legacy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		legacyAuth = r.Header.Get("Authorization")
		mu.Unlock()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"access_token":"legacy-at","token_type":"Bearer","expires_in":600}`))
	}))
	defer legacy.Close()

	cfg := testConfig(t, srv.URL)
	cfg.Username = "driver"
	cfg.Password = "secret"
	cfg.LegacyTokenURL = legacy.URL
	cfg.LegacyLoginToken = "bG9naW46dG9rZW4="

	d := &recordingDisplayer{}
	if err := run(context.Background(), cfg, zap.NewNop(), d); err != nil {
		t.Fatalf("run: %v", err)
	}
	if d.apiErr != nil {
		t.Errorf("unexpected API failure: %v", d.apiErr)
	}
	mu.Lock()
	defer mu.Unlock()
	if legacyAuth != "Basic bG9naW46dG9rZW4=" {
		t.Errorf("legacy Authorization = %q", legacyAuth)
	}
}

func newRetryingAuthClient(t *testing.T, base string, tok token.Token) *authclient.Client {
	t.Helper()
	doer, err := newRetryDoer(zap.NewNop())
	if err != nil {
		t.Fatalf("newRetryDoer: %v", err)
	}
	ac, err := authclient.New(authclient.Config{
		ClientID:       "client",
		TokenURL:       base + "/token",
		APIBaseURL:     base + "/api",
		RequestTimeout: 5 * time.Second,
	}, authclient.WithHTTPClient(doer), authclient.WithToken(tok))
	if err != nil {
		t.Fatalf("authclient.New: %v", err)
	}
	return ac
}

func TestRetryDoer_RateLimitIsNotRetried(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if calls.Add(1) == 1 {
			w.Header().Set("Retry-After", "1")
			w.WriteHeader(http.StatusTooManyRequests)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	ac := newRetryingAuthClient(t, srv.URL, token.Token{
		AccessToken: "at", RefreshToken: "r", ExpiresIn: 3600, CreatedAt: time.Now(),
	})

	_, err := ac.Get(context.Background(), "/vehicles")
	if !errors.Is(err, authclient.ErrRateLimited) {
		t.Fatalf("Expected ErrRateLimited, got %v", err)
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("API calls = %d, want 1", got)
	}
}

func TestRetryDoer_RefreshServerErrorIsSentOnce(t *testing.T) {
	var tokenCalls atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		tokenCalls.Add(1)
		w.WriteHeader(http.StatusServiceUnavailable)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	ac := newRetryingAuthClient(t, srv.URL, token.Token{
		AccessToken: "at", RefreshToken: "r", ExpiresIn: 60, CreatedAt: time.Now().Add(-time.Hour),
	})

	start := time.Now()
	_, err := ac.Get(context.Background(), "/vehicles")
	if !errors.Is(err, classifier.ErrServer) {
		t.Fatalf("Expected a server error, got %v", err)
	}
	if got := tokenCalls.Load(); got != 1 {
		t.Errorf("token calls = %d, want 1", got)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("refresh took %v, expected no backoff", elapsed)
	}
	if last := ac.LastRefreshError(); last == nil || last.Category != classifier.Server {
		t.Errorf("LastRefreshError = %v, want server category", last)
	}
}

func TestRetryDoer_PostServerErrorIsSentOnce(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	ac := newRetryingAuthClient(t, srv.URL, token.Token{
		AccessToken: "at", RefreshToken: "r", ExpiresIn: 3600, CreatedAt: time.Now(),
	})

	if _, err := ac.Post(context.Background(), "/vehicles/1/command/honk_horn", nil); err == nil {
		t.Fatal("Expected an error for 502")
	}
	if got := calls.Load(); got != 1 {
		t.Errorf("API calls = %d, want 1", got)
	}
}

func TestRetryOnTransportError(t *testing.T) {
	tests := []struct {
		name string
		err  error
		code int
		want bool
	}{
		{"transport error", errors.New("connection reset by peer"), 0, true},
		{"cancelled", context.Canceled, 0, false},
		{"rate limited", nil, http.StatusTooManyRequests, false},
		{"server error", nil, http.StatusServiceUnavailable, false},
		{"ok", nil, http.StatusOK, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var resp *http.Response
			if tt.code != 0 {
				resp = &http.Response{StatusCode: tt.code}
			}
			if got := retryOnTransportError(tt.err, resp); got != tt.want {
				t.Errorf("retryOnTransportError() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestZapRetryLogger(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	l := zapRetryLogger{s: zap.New(core).Sugar()}

	l.Warn("request failed, will retry", "attempt", 1)
	l.Debug("starting request", "method", http.MethodGet)

	if got := logs.FilterLevelExact(zapcore.WarnLevel).FilterMessage("request failed, will retry").Len(); got != 1 {
		t.Errorf("warn entries = %d, want 1", got)
	}
	if got := logs.FilterLevelExact(zapcore.DebugLevel).Len(); got != 1 {
		t.Errorf("debug entries = %d, want 1", got)
	}
}

func TestNewLogger_TTYWithoutFileDiscards(t *testing.T) {
	log, err := newLogger(LogConfig{Level: "debug", Format: "console"}, true)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	if log.Core().Enabled(zapcore.ErrorLevel) {
		t.Error("Logger must not write while the TUI owns stderr")
	}
}

func TestNewLogger_WritesToFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vehicle-link.log")

	log, err := newLogger(LogConfig{Level: "info", Format: "json", File: path}, true)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	log.Warn("token refresh failed", zap.String("category", "server"))
	log.Debug("below level")
	_ = log.Sync()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	out := string(data)
	if !strings.Contains(out, "token refresh failed") || !strings.Contains(out, `"category":"server"`) {
		t.Errorf("log file missing entry: %s", out)
	}
	if strings.Contains(out, "below level") {
		t.Errorf("debug entry written at info level: %s", out)
	}
}

func TestNewLogger_NonTTYEnabled(t *testing.T) {
	log, err := newLogger(LogConfig{Level: "warn"}, false)
	if err != nil {
		t.Fatalf("newLogger: %v", err)
	}
	if !log.Core().Enabled(zapcore.WarnLevel) || log.Core().Enabled(zapcore.InfoLevel) {
		t.Error("Expected a warn-level logger")
	}
}
