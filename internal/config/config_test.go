package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()
	if cfg.PollInterval != 5*time.Second {
		t.Fatalf("poll interval = %s", cfg.PollInterval)
	}
	if cfg.MaxRetries != 5 || cfg.RetryDelay != 10*time.Minute {
		t.Fatalf("retry defaults = %d/%s", cfg.MaxRetries, cfg.RetryDelay)
	}
	if cfg.StatusInterval != time.Second || cfg.StatusQueueLimit != 50 {
		t.Fatalf("status defaults = %s/%d", cfg.StatusInterval, cfg.StatusQueueLimit)
	}
	if cfg.StoreDriver != DriverSQLite {
		t.Fatalf("driver = %q", cfg.StoreDriver)
	}
	if cfg.RedisEnabled() {
		t.Fatalf("redis should be disabled without REDIS_ADDR")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("STORE_DRIVER", "Postgres")
	t.Setenv("QUEUE_POLL_INTERVAL", "250ms")
	t.Setenv("QUEUE_MAX_RETRIES", "2")
	t.Setenv("QUEUE_RECONCILE_ON_START", "false")
	t.Setenv("REDIS_ADDR", "redis:6379")
	t.Setenv("TASK_RUNNER_URL", "http://runner:8000/")
	t.Setenv("CORS_ALLOWED_ORIGINS", "https://ops.example.com, ,http://localhost:5173")

	cfg := Load()
	if cfg.StoreDriver != DriverPostgres {
		t.Fatalf("driver = %q", cfg.StoreDriver)
	}
	if cfg.PollInterval != 250*time.Millisecond {
		t.Fatalf("poll interval = %s", cfg.PollInterval)
	}
	if cfg.MaxRetries != 2 {
		t.Fatalf("max retries = %d", cfg.MaxRetries)
	}
	if cfg.ReconcileOnStart {
		t.Fatalf("reconcile should be off")
	}
	if !cfg.RedisEnabled() {
		t.Fatalf("redis should be enabled")
	}
	if cfg.TaskRunnerURL != "http://runner:8000" {
		t.Fatalf("runner url = %q", cfg.TaskRunnerURL)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "http://localhost:5173" {
		t.Fatalf("origins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadIgnoresMalformedValues(t *testing.T) {
	t.Setenv("QUEUE_RETRY_DELAY", "ten minutes")
	t.Setenv("STATUS_QUEUE_LIMIT", "many")
	cfg := Load()
	if cfg.RetryDelay != 10*time.Minute {
		t.Fatalf("retry delay = %s", cfg.RetryDelay)
	}
	if cfg.StatusQueueLimit != 50 {
		t.Fatalf("queue limit = %d", cfg.StatusQueueLimit)
	}
}
