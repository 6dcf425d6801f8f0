package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("PAYMENT_EXPIRY", "")
	cfg := Load()
	if cfg.Database.Driver != "mysql" {
		t.Errorf("Driver = %q", cfg.Database.Driver)
	}
	if cfg.Payment.PaymentExpiry != 30*time.Minute {
		t.Errorf("PaymentExpiry = %v", cfg.Payment.PaymentExpiry)
	}
	if cfg.Jobs.SweepSchedule == "" {
		t.Error("expected a default sweep schedule")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_DRIVER", "Postgres")
	t.Setenv("PAYMENT_GATEWAY_TIMEOUT", "3s")
	t.Setenv("PAYMENT_CURRENCY", "eur")
	t.Setenv("RATE_LIMIT", "not-a-number")
	t.Setenv("JOBS_ENABLED", "false")

	cfg := Load()
	if cfg.Database.Driver != "postgres" {
		t.Errorf("Driver = %q", cfg.Database.Driver)
	}
	if cfg.Payment.GatewayTimeout != 3*time.Second {
		t.Errorf("GatewayTimeout = %v", cfg.Payment.GatewayTimeout)
	}
	if cfg.Payment.Currency != "EUR" {
		t.Errorf("Currency = %q", cfg.Payment.Currency)
	}
	if cfg.Server.RateLimit != 120 {
		t.Errorf("RateLimit fallback = %d", cfg.Server.RateLimit)
	}
	if cfg.Jobs.Enabled {
		t.Error("expected jobs disabled")
	}
}
