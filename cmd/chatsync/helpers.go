package main

import (
	"fmt"

	"github.com/bizhub-app/chatsync"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
)

// mustConfig loads the config and insists on a token.
func mustConfig() (*Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if cfg.Auth.Token == "" {
		return nil, fmt.Errorf("no token: run 'chatsync init <token>' or set CHATSYNC_TOKEN")
	}
	return cfg, nil
}

// newClient builds a REST client for one-shot commands.
func newClient(cfg *Config, logger *zap.Logger) *chatsync.Client {
	opts := []chatsync.ClientOption{chatsync.WithLogger(logger)}
	if cfg.Default.BaseURL != "" {
		opts = append(opts, chatsync.WithBaseURL(cfg.Default.BaseURL))
	}
	return chatsync.NewClient(cfg.Auth.Token, opts...)
}

// newEngine builds an engine. reg may be nil.
func newEngine(cfg *Config, logger *zap.Logger, reg prometheus.Registerer, socketSend bool) *chatsync.Engine {
	baseURL := cfg.Default.BaseURL
	if baseURL == "" {
		baseURL = chatsync.DefaultBaseURL
	}
	return chatsync.NewEngine(chatsync.EngineConfig{
		BaseURL:    baseURL,
		Token:      cfg.Auth.Token,
		UserID:     cfg.Auth.UserID,
		SocketSend: socketSend || cfg.Default.SocketSend,
		Realtime:   chatsync.RealtimeConfig{AutoReconnect: true},
		Logger:     logger,
		Metrics:    chatsync.NewMetrics(reg),
	})
}

func conversationKind(room bool) chatsync.ConversationType {
	if room {
		return chatsync.ConversationRoom
	}
	return chatsync.ConversationDirect
}

// maskToken shows the first 6 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 10 {
		return "****"
	}
	return token[:6] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
