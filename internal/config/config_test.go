package config

import (
	"testing"
	"time"
)

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.StoreBackend != StorePostgres {
		t.Errorf("StoreBackend = %q, want postgres", cfg.StoreBackend)
	}
	if cfg.VoteRateLimit != 60 || cfg.RateLimitWindow != time.Minute {
		t.Errorf("vote limit = %d per %s, want 60 per 1m", cfg.VoteRateLimit, cfg.RateLimitWindow)
	}
	if cfg.VoteMaxAttempts != 3 {
		t.Errorf("VoteMaxAttempts = %d, want 3", cfg.VoteMaxAttempts)
	}
	if cfg.FraudBlockThreshold != 50 {
		t.Errorf("FraudBlockThreshold = %d, want 50", cfg.FraudBlockThreshold)
	}
	if cfg.UserVotesCacheTTL != 24*time.Hour {
		t.Errorf("UserVotesCacheTTL = %s, want 24h", cfg.UserVotesCacheTTL)
	}
	if len(cfg.DatabaseReadURLs) != 0 {
		t.Errorf("DatabaseReadURLs = %v, want none", cfg.DatabaseReadURLs)
	}
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("PORT", "9090")
	t.Setenv("STORE_BACKEND", "MEMORY")
	t.Setenv("RATE_LIMIT_VOTES", "5")
	t.Setenv("VOTE_TX_TIMEOUT", "750ms")
	t.Setenv("DATABASE_READ_URLS", "postgres://r1/db, postgres://r2/db ,")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load() error: %v", err)
	}
	if cfg.Port != "9090" {
		t.Errorf("Port = %q", cfg.Port)
	}
	if cfg.StoreBackend != StoreMemory {
		t.Errorf("StoreBackend = %q", cfg.StoreBackend)
	}
	if cfg.VoteRateLimit != 5 {
		t.Errorf("VoteRateLimit = %d", cfg.VoteRateLimit)
	}
	if cfg.VoteTxTimeout != 750*time.Millisecond {
		t.Errorf("VoteTxTimeout = %s", cfg.VoteTxTimeout)
	}
	if len(cfg.DatabaseReadURLs) != 2 || cfg.DatabaseReadURLs[1] != "postgres://r2/db" {
		t.Errorf("DatabaseReadURLs = %v", cfg.DatabaseReadURLs)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"unknown backend", map[string]string{"STORE_BACKEND": "sqlite"}},
		{"zero attempts", map[string]string{"VOTE_MAX_ATTEMPTS": "0"}},
		{"ping after pong wait", map[string]string{"WS_PING_INTERVAL": "90s"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for k, v := range tt.env {
				t.Setenv(k, v)
			}
			if _, err := Load(); err == nil {
				t.Error("expected error")
			}
		})
	}
}
