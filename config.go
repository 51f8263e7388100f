package main

import (
	"errors"
	"flag"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Config is the CLI configuration. Priority: flag > env (.env) > default.
type Config struct {
	AuthURL      string
	TokenURL     string
	APIURL       string
	ClientID     string
	ClientSecret string
	RedirectURI  string
	Scopes       []string
	APIKey       string

	TokenFile  string
	TokenStore string
	Redis      RedisConfig

	Username string
	Password string

	LegacyTokenURL   string
	LegacyLoginToken string

	CallbackTimeout time.Duration
	MetricsAddr     string
	Log             LogConfig
}

type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

type LogConfig struct {
	Level  string
	Format string
	// File receives log output instead of stderr when set.
	File string
}

// cliFlags holds the command line overrides.
type cliFlags struct {
	authURL    *string
	tokenURL   *string
	apiURL     *string
	clientID   *string
	tokenFile  *string
	tokenStore *string
	logLevel   *string
}

func registerFlags(fs *flag.FlagSet) cliFlags {
	return cliFlags{
		authURL:    fs.String("auth-url", "", "Authorization endpoint (or AUTH_URL env)"),
		tokenURL:   fs.String("token-url", "", "Token endpoint (or TOKEN_URL env)"),
		apiURL:     fs.String("api-url", "", "Vehicle API base URL (or API_URL env)"),
		clientID:   fs.String("client-id", "", "OAuth client ID (required, or set CLIENT_ID env)"),
		tokenFile:  fs.String("token-file", "", "Token storage file (default: .vehicle-link-tokens.json or TOKEN_FILE env)"),
		tokenStore: fs.String("token-store", "", "Token store: file or redis (or TOKEN_STORE env)"),
		logLevel:   fs.String("log-level", "", "Log level (or LOG_LEVEL env)"),
	}
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("REDIRECT_URI", "http://localhost:8888/callback")
	v.SetDefault("SCOPES", "openid offline_access vehicle_device_data vehicle_cmds")
	v.SetDefault("TOKEN_FILE", ".vehicle-link-tokens.json")
	v.SetDefault("TOKEN_STORE", "file")
	v.SetDefault("REDIS_ADDR", "localhost:6379")
	v.SetDefault("REDIS_DB", 0)
	v.SetDefault("CALLBACK_TIMEOUT", "5m")
	v.SetDefault("LOG_LEVEL", "warn")
	v.SetDefault("LOG_FORMAT", "console")
}

// loadConfig resolves the configuration and returns it together with
// non-fatal warnings for the user.
func loadConfig(f cliFlags) (*Config, []string, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.AutomaticEnv()
	setDefaults(v)

	cfg := &Config{
		AuthURL:          pick(f.authURL, v.GetString("AUTH_URL")),
		TokenURL:         pick(f.tokenURL, v.GetString("TOKEN_URL")),
		APIURL:           pick(f.apiURL, v.GetString("API_URL")),
		ClientID:         pick(f.clientID, v.GetString("CLIENT_ID")),
		ClientSecret:     v.GetString("CLIENT_SECRET"),
		RedirectURI:      v.GetString("REDIRECT_URI"),
		Scopes:           strings.Fields(v.GetString("SCOPES")),
		APIKey:           v.GetString("API_KEY"),
		TokenFile:        pick(f.tokenFile, v.GetString("TOKEN_FILE")),
		TokenStore:       strings.ToLower(pick(f.tokenStore, v.GetString("TOKEN_STORE"))),
		Username:         v.GetString("USERNAME"),
		Password:         v.GetString("PASSWORD"),
		LegacyTokenURL:   v.GetString("LEGACY_TOKEN_URL"),
		LegacyLoginToken: v.GetString("LEGACY_LOGIN_TOKEN"),
		MetricsAddr:      v.GetString("METRICS_ADDR"),
		Redis: RedisConfig{
			Addr:     v.GetString("REDIS_ADDR"),
			Password: v.GetString("REDIS_PASSWORD"),
			DB:       v.GetInt("REDIS_DB"),
		},
		Log: LogConfig{
			Level:  pick(f.logLevel, v.GetString("LOG_LEVEL")),
			Format: v.GetString("LOG_FORMAT"),
			File:   v.GetString("LOG_FILE"),
		},
	}

	timeout, err := time.ParseDuration(v.GetString("CALLBACK_TIMEOUT"))
	if err != nil || timeout <= 0 {
		return nil, nil, fmt.Errorf("invalid CALLBACK_TIMEOUT %q", v.GetString("CALLBACK_TIMEOUT"))
	}
	cfg.CallbackTimeout = timeout

	warnings, err := cfg.validate()
	if err != nil {
		return nil, nil, err
	}
	return cfg, warnings, nil
}

func pick(flagValue *string, fallback string) string {
	if flagValue != nil && *flagValue != "" {
		return *flagValue
	}
	return fallback
}

func (c *Config) validate() ([]string, error) {
	if c.ClientID == "" {
		return nil, errors.New("CLIENT_ID not set: use -client-id, the CLIENT_ID env var or a .env file")
	}

	urls := []struct {
		name     string
		value    string
		required bool
	}{
		{"TOKEN_URL", c.TokenURL, true},
		{"API_URL", c.APIURL, true},
		{"AUTH_URL", c.AuthURL, !c.hasCredentials()},
		{"REDIRECT_URI", c.RedirectURI, !c.hasCredentials()},
		{"LEGACY_TOKEN_URL", c.LegacyTokenURL, false},
	}

	var warnings []string
	for _, u := range urls {
		if u.value == "" && !u.required {
			continue
		}
		if err := validateServerURL(u.value); err != nil {
			return nil, fmt.Errorf("invalid %s: %w", u.name, err)
		}
		if u.name != "REDIRECT_URI" && strings.HasPrefix(strings.ToLower(u.value), "http://") {
			warnings = append(warnings, fmt.Sprintf(
				"%s uses HTTP instead of HTTPS. Tokens will be transmitted in plaintext!", u.name))
		}
	}

	if c.LegacyTokenURL != "" && (c.LegacyLoginToken == "" || c.Username == "") {
		return nil, errors.New("LEGACY_TOKEN_URL requires LEGACY_LOGIN_TOKEN and USERNAME")
	}

	if _, err := uuid.Parse(c.ClientID); err != nil {
		warnings = append(warnings, fmt.Sprintf(
			"CLIENT_ID doesn't appear to be a valid UUID: %s", c.ClientID))
	}
	return warnings, nil
}

func (c *Config) hasCredentials() bool {
	return c.Username != "" && c.Password != ""
}

// validateServerURL validates that the server URL is properly formatted
func validateServerURL(rawURL string) error {
	if rawURL == "" {
		return errors.New("server URL cannot be empty")
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return fmt.Errorf("invalid URL format: %w", err)
	}

	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("URL scheme must be http or https, got: %s", u.Scheme)
	}

	if u.Host == "" {
		return errors.New("URL must include a host")
	}

	return nil
}

// newLogger builds the zap logger from LOG_LEVEL, LOG_FORMAT and LOG_FILE.
// The TUI owns stderr, so in TTY mode logs go to LOG_FILE or nowhere.
func newLogger(cfg LogConfig, tty bool) (*zap.Logger, error) {
	if tty && cfg.File == "" {
		return zap.NewNop(), nil
	}

	zapCfg := zap.NewProductionConfig()

	switch cfg.Format {
	case "json":
		zapCfg.Encoding = "json"
	default:
		zapCfg.Encoding = "console"
		zapCfg.EncoderConfig.EncodeLevel = zapcore.CapitalLevelEncoder
	}

	if cfg.Level != "" {
		if err := zapCfg.Level.UnmarshalText([]byte(cfg.Level)); err != nil {
			zapCfg.Level = zap.NewAtomicLevelAt(zapcore.InfoLevel)
		}
	}

	if cfg.File != "" {
		zapCfg.OutputPaths = []string{cfg.File}
		zapCfg.ErrorOutputPaths = []string{cfg.File}
	}

	zapCfg.EncoderConfig.TimeKey = "timestamp"
	zapCfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	return zapCfg.Build()
}
