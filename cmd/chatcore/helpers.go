package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/chatcore-dev/chatcore"
)

// configCredentialStore keeps the bearer token in the [auth] section of the
// config file. CHATCORE_TOKEN, when set, wins over the file.
type configCredentialStore struct{}

func (configCredentialStore) Load() (string, error) {
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	return cfg.Auth.Token, nil
}

func (configCredentialStore) Save(token string) error {
	cfg, err := readConfig()
	if err != nil {
		return err
	}
	cfg.Auth.Token = token
	if claims, err := chatcore.ParseToken(token); err == nil && claims.UserID != "" {
		cfg.Auth.UserID = claims.UserID
	}
	return saveConfig(cfg)
}

func (configCredentialStore) Clear() error {
	cfg, err := readConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.Token == "" {
		return nil
	}
	cfg.Auth = ConfigAuth{}
	return saveConfig(cfg)
}

// newClient creates an API client from the configuration.
func newClient(cfg *Config) *chatcore.Client {
	opts := []chatcore.ClientOption{
		chatcore.WithCredentialStore(configCredentialStore{}),
		chatcore.WithLogger(logger),
	}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatcore.WithBaseURL(cfg.Default.BaseURL))
	}
	if cfg.Default.APIKey != "" {
		opts = append(opts, chatcore.WithAPIKey(cfg.Default.APIKey))
	}
	return chatcore.NewClient(opts...)
}

// sessionConfig fills the parts of a SessionConfig the config file knows.
func sessionConfig(cfg *Config) chatcore.SessionConfig {
	return chatcore.SessionConfig{
		UserID:   cfg.Auth.UserID,
		PageSize: cfg.Default.PageSize,
		Logger:   logger,
		Realtime: chatcore.RealtimeConfig{URL: cfg.Default.WSURL},
	}
}

// requireLogin loads the config and fails early when nobody is signed in.
func requireLogin() (*Config, *chatcore.Client, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load config: %w", err)
	}
	client := newClient(cfg)
	if !client.Authenticated() {
		return nil, nil, fmt.Errorf("not signed in; run 'chatcore login' first")
	}
	return cfg, client, nil
}

// parseKey accepts "user:<id>", "group:<id>" or a bare user id.
func parseKey(arg string) (chatcore.ConversationKey, error) {
	if !strings.Contains(arg, ":") {
		key := chatcore.DirectKey(arg)
		if key.IsZero() {
			return key, fmt.Errorf("empty conversation key")
		}
		return key, nil
	}
	return chatcore.ParseConversationKey(arg)
}

func timeoutContext(d time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), d)
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}

// describeError turns library errors into one actionable line.
func describeError(err error) error {
	switch {
	case err == nil:
		return nil
	case chatcore.IsRetryable(err):
		return fmt.Errorf("%w (try again)", err)
	}
	return err
}
