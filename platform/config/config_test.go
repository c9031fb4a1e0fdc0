package config

import (
	"testing"
	"time"

	"leadsegments_backend/platform/apperr"
)

func validConfig() *Config {
	return &Config{
		DatabaseURL:          "postgres://localhost/leads",
		AsynqConcurrency:     4,
		BatchPageSize:        200,
		BatchWorkers:         8,
		BatchPageTimeout:     2 * time.Minute,
		BatchMaxFailureRatio: 0.5,
		LockBackend:          LockBackendLocal,
		LockTTL:              30 * time.Second,
	}
}

func TestDatabaseMaxConnsCoversConcurrentRuns(t *testing.T) {
	cfg := validConfig()
	if got := cfg.GetDatabaseMaxConns(); got != 37 {
		t.Fatalf("local locks: expected 37 connections, got %d", got)
	}

	cfg.LockBackend = LockBackendPostgres
	if got := cfg.GetDatabaseMaxConns(); got != 69 {
		t.Fatalf("postgres locks: expected 69 connections, got %d", got)
	}

	cfg.DatabaseMaxConns = 100
	if got := cfg.GetDatabaseMaxConns(); got != 100 {
		t.Fatalf("explicit size: expected 100, got %d", got)
	}
	if err := cfg.Validate(); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestValidateRejectsUndersizedPool(t *testing.T) {
	cfg := validConfig()
	cfg.LockBackend = LockBackendPostgres
	cfg.DatabaseMaxConns = 25

	if err := cfg.Validate(); !apperr.Is(err, apperr.KindConfiguration) {
		t.Fatalf("expected a configuration error, got %v", err)
	}
}

func TestValidate(t *testing.T) {
	tests := map[string]func(*Config){
		"missing database url":  func(c *Config) { c.DatabaseURL = "" },
		"zero concurrency":      func(c *Config) { c.AsynqConcurrency = 0 },
		"zero workers":          func(c *Config) { c.BatchWorkers = 0 },
		"failure ratio above 1": func(c *Config) { c.BatchMaxFailureRatio = 1.5 },
		"redis without url":     func(c *Config) { c.LockBackend = LockBackendRedis },
		"unknown lock backend":  func(c *Config) { c.LockBackend = "zookeeper" },
		"negative pool size":    func(c *Config) { c.DatabaseMaxConns = -1 },
	}

	if err := validConfig().Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}
	for name, mutate := range tests {
		t.Run(name, func(t *testing.T) {
			cfg := validConfig()
			mutate(cfg)
			if err := cfg.Validate(); !apperr.Is(err, apperr.KindConfiguration) {
				t.Fatalf("expected a configuration error, got %v", err)
			}
		})
	}
}

func TestLoadReadsPoolSize(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/leads")
	t.Setenv("DB_MAX_CONNS", "80")
	t.Setenv("LOCK_BACKEND", "postgres")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if cfg.GetDatabaseMaxConns() != 80 {
		t.Fatalf("expected 80, got %d", cfg.GetDatabaseMaxConns())
	}

	t.Setenv("DB_MAX_CONNS", "10")
	if _, err := Load(); !apperr.Is(err, apperr.KindConfiguration) {
		t.Fatalf("expected undersized pool to fail, got %v", err)
	}
}
