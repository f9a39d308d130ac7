package config

import (
	"strings"
	"testing"
	"time"
)

func setRequired(t *testing.T) {
	t.Helper()
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/classflow")
	t.Setenv("JWT_SECRET", "test-secret")
}

func TestLoadDefaults(t *testing.T) {
	setRequired(t)

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.HTTPAddr != ":8080" {
		t.Errorf("HTTPAddr = %q, want :8080", cfg.HTTPAddr)
	}
	if cfg.LogLevel != "info" {
		t.Errorf("LogLevel = %q, want info", cfg.LogLevel)
	}
	if cfg.ConfirmWindow != 72*time.Hour {
		t.Errorf("ConfirmWindow = %v, want 72h", cfg.ConfirmWindow)
	}
	if cfg.DepositWindow != 48*time.Hour {
		t.Errorf("DepositWindow = %v, want 48h", cfg.DepositWindow)
	}
	if cfg.HorizonWeeks != 4 {
		t.Errorf("HorizonWeeks = %d, want 4", cfg.HorizonWeeks)
	}
}

func TestLoadMissingDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("JWT_SECRET", "test-secret")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing DATABASE_URL")
	} else if !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Errorf("error %q does not name DATABASE_URL", err)
	}
}

func TestLoadMissingJWTSecret(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost:5432/classflow")
	t.Setenv("JWT_SECRET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for missing JWT_SECRET")
	}
}

func TestLoadBadConfirmWindow(t *testing.T) {
	setRequired(t)
	t.Setenv("CONFIRM_WINDOW", "not-a-duration")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for malformed CONFIRM_WINDOW")
	}
}

func TestLoadNonPositiveHorizon(t *testing.T) {
	setRequired(t)
	t.Setenv("HORIZON_WEEKS", "0")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for zero HORIZON_WEEKS")
	}
}
