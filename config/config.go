package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config carries every runtime knob the service reads from the environment.
type Config struct {
	DatabaseURL string
	HTTPAddr    string
	LogLevel    string
	Env         string // dev|prod
	SentryDSN   string
	JWTSecret   string

	// ConfirmWindow is how long a pending_confirmation session waits for the
	// counterparty before auto-resolving to the tutor-reported value.
	ConfirmWindow time.Duration
	// DepositWindow is how long a pending_payment class waits for the deposit
	// before being cancelled.
	DepositWindow time.Duration
	// HorizonWeeks is the session materialization look-ahead.
	HorizonWeeks int
}

func Load() (*Config, error) {
	confirmWindow, err := getDuration("CONFIRM_WINDOW", 72*time.Hour)
	if err != nil {
		return nil, err
	}
	depositWindow, err := getDuration("DEPOSIT_WINDOW", 48*time.Hour)
	if err != nil {
		return nil, err
	}
	horizon, err := getInt("HORIZON_WEEKS", 4)
	if err != nil {
		return nil, err
	}
	if horizon <= 0 {
		return nil, fmt.Errorf("HORIZON_WEEKS must be positive, got %d", horizon)
	}

	databaseURL, err := requireEnv("DATABASE_URL")
	if err != nil {
		return nil, err
	}
	jwtSecret, err := requireEnv("JWT_SECRET")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		DatabaseURL:   databaseURL,
		HTTPAddr:      getenv("HTTP_ADDR", ":8080"),
		LogLevel:      getenv("LOG_LEVEL", "info"),
		Env:           getenv("ENV", "dev"),
		SentryDSN:     os.Getenv("SENTRY_DSN"),
		JWTSecret:     jwtSecret,
		ConfirmWindow: confirmWindow,
		DepositWindow: depositWindow,
		HorizonWeeks:  horizon,
	}
	return cfg, nil
}

func requireEnv(k string) (string, error) {
	v := os.Getenv(k)
	if v == "" {
		return "", fmt.Errorf("required env %s is empty", k)
	}
	return v, nil
}

func getenv(k, def string) string {
	if v := os.Getenv(k); v != "" {
		return v
	}
	return def
}

func getDuration(k string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return d, nil
}

func getInt(k string, def int) (int, error) {
	v := os.Getenv(k)
	if v == "" {
		return def, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", k, err)
	}
	return n, nil
}
