package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/apptflow")

	cfg, err := Load(filepath.Join(t.TempDir(), "missing.env"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "8080" {
		t.Errorf("Port = %q, want 8080", cfg.Port)
	}
	if cfg.OutboxPollInterval != 250*time.Millisecond {
		t.Errorf("OutboxPollInterval = %s, want 250ms", cfg.OutboxPollInterval)
	}
	if len(cfg.KafkaBrokers) != 1 || cfg.KafkaBrokers[0] != "localhost:9092" {
		t.Errorf("KafkaBrokers = %v", cfg.KafkaBrokers)
	}
	if cfg.DispatchGroupID != "notification-dispatcher" {
		t.Errorf("DispatchGroupID = %q", cfg.DispatchGroupID)
	}
	if !cfg.IsDev() {
		t.Error("expected development environment by default")
	}
	if cfg.Location() != time.UTC {
		t.Errorf("Location() = %v, want UTC", cfg.Location())
	}
}

func TestLoadEnvOverridesFile(t *testing.T) {
	file := filepath.Join(t.TempDir(), ".env")
	content := "PORT=7000\nKAFKA_BROKERS=a:9092, b:9092\nCLINIC_TIMEZONE=Asia/Kolkata\n"
	if err := os.WriteFile(file, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("PORT", "9000")

	cfg, err := Load(file)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Port != "9000" {
		t.Errorf("Port = %q, want env value 9000", cfg.Port)
	}
	if len(cfg.KafkaBrokers) != 2 || cfg.KafkaBrokers[1] != "b:9092" {
		t.Errorf("KafkaBrokers = %v, want [a:9092 b:9092]", cfg.KafkaBrokers)
	}
	if cfg.Location().String() != "Asia/Kolkata" {
		t.Errorf("Location() = %v", cfg.Location())
	}
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		return &Config{
			ClinicTimezone:     "UTC",
			TraceSampleRate:    0.5,
			OutboxBatchSize:    10,
			OutboxPollInterval: time.Second,
			DispatchWorkers:    2,
		}
	}

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{"valid", func(*Config) {}, false},
		{"bad timezone", func(c *Config) { c.ClinicTimezone = "Mars/Olympus" }, true},
		{"sample rate above one", func(c *Config) { c.TraceSampleRate = 1.5 }, true},
		{"zero batch", func(c *Config) { c.OutboxBatchSize = 0 }, true},
		{"zero workers", func(c *Config) { c.DispatchWorkers = 0 }, true},
		{"short production secret", func(c *Config) { c.Env = "production"; c.JWTSecret = "short" }, true},
		{"short dev secret", func(c *Config) { c.JWTSecret = "short" }, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			if err := cfg.Validate(); (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRequire(t *testing.T) {
	cfg := &Config{}
	if err := cfg.RequireDatabase(); err == nil {
		t.Error("expected error for missing DATABASE_URL")
	}
	if err := cfg.RequireJWTSecret(); err == nil {
		t.Error("expected error for missing JWT_SECRET")
	}
	cfg.DatabaseURL = "postgres://x"
	cfg.JWTSecret = "s"
	if cfg.RequireDatabase() != nil || cfg.RequireJWTSecret() != nil {
		t.Error("expected no error when set")
	}
}
