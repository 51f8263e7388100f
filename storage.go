package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/go-authgate/vehicle-link/token"
)

var errTokenNotFound = errors.New("no stored token")

// tokenStore persists the token of one OAuth client.
type tokenStore interface {
	Load(ctx context.Context) (token.Token, error)
	Save(ctx context.Context, t token.Token) error
	Location() string
}

// storedToken is one client's entry in the token file.
type storedToken struct {
	token.Token
	ClientID string `json:"client_id"`
}

// tokenFileMap manages tokens for multiple clients in one file.
type tokenFileMap struct {
	Tokens map[string]*storedToken `json:"tokens"` // key = client_id
}

type fileStore struct {
	path     string
	clientID string
}

func newFileStore(path, clientID string) *fileStore {
	return &fileStore{path: path, clientID: clientID}
}

func (s *fileStore) Location() string { return s.path }

func (s *fileStore) Load(_ context.Context) (token.Token, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return token.Token{}, errTokenNotFound
	}
	if err != nil {
		return token.Token{}, err
	}

	var m tokenFileMap
	if err := json.Unmarshal(data, &m); err != nil {
		return token.Token{}, fmt.Errorf("failed to parse token file: %w", err)
	}

	entry, ok := m.Tokens[s.clientID]
	if !ok || entry == nil || entry.AccessToken == "" {
		return token.Token{}, errTokenNotFound
	}
	return entry.Token, nil
}

// Save merges t into the file, keeping entries of other clients. The write
// goes to a temp file first and is renamed into place under the file lock.
func (s *fileStore) Save(_ context.Context, t token.Token) error {
	return withFileLock(s.path, func() error {
		var m tokenFileMap
		if existing, err := os.ReadFile(s.path); err == nil {
			// an unreadable file is replaced rather than blocking the save
			_ = json.Unmarshal(existing, &m)
		}
		if m.Tokens == nil {
			m.Tokens = make(map[string]*storedToken)
		}
		m.Tokens[s.clientID] = &storedToken{Token: t, ClientID: s.clientID}

		data, err := json.MarshalIndent(m, "", "  ")
		if err != nil {
			return err
		}

		tempFile := s.path + ".tmp"
		if err := os.WriteFile(tempFile, data, 0o600); err != nil {
			return fmt.Errorf("failed to write temp file: %w", err)
		}
		if err := os.Rename(tempFile, s.path); err != nil {
			if removeErr := os.Remove(tempFile); removeErr != nil {
				return fmt.Errorf(
					"failed to rename temp file: %v; additionally failed to remove temp file: %w",
					err,
					removeErr,
				)
			}
			return fmt.Errorf("failed to rename temp file: %w", err)
		}
		return nil
	})
}

const redisKeyPrefix = "vehicle-link:token:"

type redisStore struct {
	client *redis.Client
	key    string
}

// newRedisClient returns a connected client, failing fast when the server is
// unreachable.
func newRedisClient(ctx context.Context, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis ping %s: %w", cfg.Addr, err)
	}
	return client, nil
}

func newRedisStore(client *redis.Client, clientID string) *redisStore {
	return &redisStore{client: client, key: redisKeyPrefix + clientID}
}

func (s *redisStore) Location() string { return "redis " + s.key }

func (s *redisStore) Load(ctx context.Context) (token.Token, error) {
	data, err := s.client.Get(ctx, s.key).Bytes()
	if errors.Is(err, redis.Nil) {
		return token.Token{}, errTokenNotFound
	}
	if err != nil {
		return token.Token{}, fmt.Errorf("redis get: %w", err)
	}

	var t token.Token
	if err := json.Unmarshal(data, &t); err != nil {
		return token.Token{}, fmt.Errorf("failed to parse stored token: %w", err)
	}
	if t.AccessToken == "" {
		return token.Token{}, errTokenNotFound
	}
	return t, nil
}

// Save stores t without expiry: the refresh token outlives the access token.
func (s *redisStore) Save(ctx context.Context, t token.Token) error {
	data, err := json.Marshal(t)
	if err != nil {
		return err
	}
	if err := s.client.Set(ctx, s.key, data, 0).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

func (s *redisStore) Close() error {
	return s.client.Close()
}

// openStore returns the configured token store and a cleanup function.
func openStore(ctx context.Context, cfg *Config) (tokenStore, func(), error) {
	switch cfg.TokenStore {
	case "", "file":
		return newFileStore(cfg.TokenFile, cfg.ClientID), func() {}, nil
	case "redis":
		client, err := newRedisClient(ctx, cfg.Redis)
		if err != nil {
			return nil, nil, err
		}
		s := newRedisStore(client, cfg.ClientID)
		return s, func() { _ = s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown TOKEN_STORE %q (want file or redis)", cfg.TokenStore)
	}
}
