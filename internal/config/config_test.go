package config

import (
	"os"
	"testing"
	"time"
)

func TestLoadFromEnv(t *testing.T) {
	t.Setenv("EPSOLDEV_PG_DSN", "postgres://localhost/epsoldev")
	t.Setenv("JWT_SECRET", "unit-test-secret")
	t.Setenv("ENV", "production")
	t.Setenv("SESSION_TTL", "24h")

	cfg, err := Load("")
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !cfg.IsProduction() {
		t.Fatalf("expected production env, got %q", cfg.Env)
	}
	if cfg.Auth.SessionTTL != 24*time.Hour {
		t.Fatalf("unexpected session ttl: %v", cfg.Auth.SessionTTL)
	}
	if cfg.HTTP.Addr() != "0.0.0.0:8080" {
		t.Fatalf("unexpected addr: %s", cfg.HTTP.Addr())
	}
	if cfg.DB.MaxOpenConns != 10 {
		t.Fatalf("unexpected max open conns: %d", cfg.DB.MaxOpenConns)
	}
}

func TestLoadFailsWithoutSecret(t *testing.T) {
	t.Setenv("EPSOLDEV_PG_DSN", "postgres://localhost/epsoldev")
	t.Setenv("JWT_SECRET", "placeholder")
	os.Unsetenv("JWT_SECRET")

	if _, err := Load(""); err == nil {
		t.Fatal("expected error when JWT secret is not configured")
	}
}
