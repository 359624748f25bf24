package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestSetDefaults(t *testing.T) {
	t.Helper()

	cfg := &Config{}
	setDefaults(cfg)

	assertStringEqual(t, "service.name", defaultServiceName, cfg.Service.Name)
	assertIntEqual(t, "service.port", defaultServicePort, cfg.Service.Port)
	assertStringEqual(t, "database.database", defaultDBName, cfg.Database.Database)
	assertStringEqual(t, "redis.key_prefix", defaultRedisKeyPrefix, cfg.Redis.KeyPrefix)
	assertIntEqual(t, "provider.estimated_job_cost", defaultEstimatedJobCost, cfg.Provider.EstimatedJobCost)
	assertIntEqual(t, "queue.max_attempts", defaultQueueMaxAttempts, cfg.Queue.MaxAttempts)
	assertIntEqual(t, "worker.max_deals_per_rule", defaultMaxDealsPerRule, cfg.Worker.MaxDealsPerRule)
	assertStringEqual(t, "history.index", defaultHistoryIndex, cfg.History.Index)
	assertStringEqual(t, "logging.level", defaultLoggingLevel, cfg.Logging.Level)

	if cfg.Limiter.Capacity != defaultLimiterCapacity {
		t.Errorf("limiter.capacity: got %v, want %v", cfg.Limiter.Capacity, defaultLimiterCapacity)
	}
	if cfg.Scheduler.Interval != time.Minute {
		t.Errorf("scheduler.interval: got %v, want %v", cfg.Scheduler.Interval, time.Minute)
	}
	if cfg.Worker.Interval != 5*time.Second {
		t.Errorf("worker.interval: got %v, want %v", cfg.Worker.Interval, 5*time.Second)
	}
	if cfg.Cache.TTL != 10*time.Minute {
		t.Errorf("cache.ttl: got %v, want %v", cfg.Cache.TTL, 10*time.Minute)
	}
}

func TestValidate(t *testing.T) {
	t.Helper()

	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr string
	}{
		{
			name:   "valid",
			mutate: func(*Config) {},
		},
		{
			name:    "missing provider url",
			mutate:  func(c *Config) { c.Provider.BaseURL = "" },
			wantErr: "provider.base_url: is required",
		},
		{
			name:    "bad port",
			mutate:  func(c *Config) { c.Service.Port = 70000 },
			wantErr: "service.port: must be between 1 and 65535",
		},
		{
			name:    "job cost above capacity",
			mutate:  func(c *Config) { c.Provider.EstimatedJobCost = 1000 },
			wantErr: "provider.estimated_job_cost: must not exceed limiter.capacity",
		},
		{
			name:    "worker slower than scheduler",
			mutate:  func(c *Config) { c.Worker.Interval = 2 * time.Minute },
			wantErr: "worker.interval: must be shorter than scheduler.interval",
		},
		{
			name:    "lease shorter than job timeout",
			mutate:  func(c *Config) { c.Queue.LeaseTimeout = time.Second },
			wantErr: "queue.lease_timeout: must exceed worker.job_timeout",
		},
		{
			name:    "history without url",
			mutate:  func(c *Config) { c.History.Enabled = true },
			wantErr: "history.url: is required",
		},
		{
			name:    "unknown log level",
			mutate:  func(c *Config) { c.Logging.Level = "loud" },
			wantErr: "logging.level: must be one of: debug, info, warn, error",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := &Config{}
			setDefaults(cfg)
			cfg.Provider.BaseURL = "https://provider.test"
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				if err != nil {
					t.Fatalf("expected no validation error, got: %v", err)
				}
				return
			}
			if err == nil {
				t.Fatalf("expected error %q, got nil", tt.wantErr)
			}
			if err.Error() != tt.wantErr {
				t.Errorf("error message: got %q, want %q", err.Error(), tt.wantErr)
			}
		})
	}
}

func TestLoad_FileAndEnvOverride(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	yml := []byte(`
service:
  port: 9000
provider:
  base_url: https://from-file.test
limiter:
  capacity: 120
worker:
  interval: 10s
`)
	if err := os.WriteFile(path, yml, 0o600); err != nil {
		t.Fatalf("write config: %v", err)
	}

	t.Setenv("ENV_FILE", filepath.Join(dir, "missing.env"))
	t.Setenv("PROVIDER_BASE_URL", "https://from-env.test")
	t.Setenv("PROVIDER_TOKENS_PER_MINUTE", "2.5")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}

	assertIntEqual(t, "service.port", 9000, cfg.Service.Port)
	assertStringEqual(t, "provider.base_url", "https://from-env.test", cfg.Provider.BaseURL)
	if cfg.Limiter.Capacity != 120 {
		t.Errorf("limiter.capacity: got %v, want 120", cfg.Limiter.Capacity)
	}
	if cfg.Limiter.RefillPerMinute != 2.5 {
		t.Errorf("limiter.refill_per_minute: got %v, want 2.5", cfg.Limiter.RefillPerMinute)
	}
	if cfg.Worker.Interval != 10*time.Second {
		t.Errorf("worker.interval: got %v, want 10s", cfg.Worker.Interval)
	}
	if cfg.Queue.MaxAttempts != defaultQueueMaxAttempts {
		t.Errorf("queue.max_attempts: got %d, want default %d", cfg.Queue.MaxAttempts, defaultQueueMaxAttempts)
	}
}

func TestLoad_MissingFileUsesDefaults(t *testing.T) {
	t.Setenv("ENV_FILE", filepath.Join(t.TempDir(), "none.env"))

	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yml"))
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	assertIntEqual(t, "service.port", defaultServicePort, cfg.Service.Port)
}

func TestDSN(t *testing.T) {
	t.Helper()

	db := DatabaseConfig{
		Host: "db", Port: 5432, User: "u", Password: "p", Database: "deals", SSLMode: "disable",
	}
	want := "host=db port=5432 user=u password=p dbname=deals sslmode=disable"
	if got := db.DSN(); got != want {
		t.Errorf("DSN() = %q, want %q", got, want)
	}

	wantURL := "postgres://u:p@db:5432/deals?sslmode=disable"
	if got := db.MigrateURL(); got != wantURL {
		t.Errorf("MigrateURL() = %q, want %q", got, wantURL)
	}
}

func assertStringEqual(t *testing.T, field, want, got string) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %q, want %q", field, got, want)
	}
}

func assertIntEqual(t *testing.T, field string, want, got int) {
	t.Helper()
	if got != want {
		t.Errorf("%s: got %d, want %d", field, got, want)
	}
}
