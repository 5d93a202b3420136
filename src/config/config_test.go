package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestFromEnvDefaults(t *testing.T) {
	for _, key := range []string{"DB_DRIVER", "DB_HOST", "DB_PORT", "DB_SSLMODE", "API_PORT", "POLLING_INTERVAL",
		"BLOCKER_SYNC_INTERVAL", "STALE_TASK_TIMEOUT", "LISTENER_MIN_RECONNECT", "LISTENER_MAX_RECONNECT"} {
		t.Setenv(key, "")
	}

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.Driver != DriverPostgres {
		t.Errorf("Expected driver postgres, got %s", cfg.Driver)
	}
	if cfg.APIPort != "8080" {
		t.Errorf("Expected port 8080, got %s", cfg.APIPort)
	}
	if cfg.PollingInterval != 5*time.Second {
		t.Errorf("Expected 5s polling, got %s", cfg.PollingInterval)
	}
	if cfg.StaleTaskTimeout != time.Hour {
		t.Errorf("Expected 1h stale timeout, got %s", cfg.StaleTaskTimeout)
	}
	if cfg.DBSSLMode != "require" {
		t.Errorf("Expected sslmode require, got %s", cfg.DBSSLMode)
	}
}

func TestFromEnvOverridesAndFallbacks(t *testing.T) {
	t.Setenv("DB_DRIVER", "SQLite")
	t.Setenv("POLLING_INTERVAL", "not-a-number")
	t.Setenv("BLOCKER_SYNC_INTERVAL", "30s")
	t.Setenv("STALE_TASK_TIMEOUT", "forever")
	t.Setenv("LISTENER_MIN_RECONNECT", "2m")
	t.Setenv("LISTENER_MAX_RECONNECT", "1m")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv failed: %v", err)
	}
	if cfg.Driver != DriverSQLite {
		t.Errorf("Expected sqlite driver, got %s", cfg.Driver)
	}
	if cfg.PollingInterval != 5*time.Second {
		t.Errorf("Expected fallback 5s polling, got %s", cfg.PollingInterval)
	}
	if cfg.BlockerSyncInterval != 30*time.Second {
		t.Errorf("Expected 30s blocker sync, got %s", cfg.BlockerSyncInterval)
	}
	if cfg.StaleTaskTimeout != time.Hour {
		t.Errorf("Expected fallback 1h stale timeout, got %s", cfg.StaleTaskTimeout)
	}
	if cfg.ListenerMaxReconnect != 2*time.Minute {
		t.Errorf("Expected max reconnect raised to 2m, got %s", cfg.ListenerMaxReconnect)
	}
}

func TestFromEnvRejectsUnknownDriver(t *testing.T) {
	t.Setenv("DB_DRIVER", "mongo")
	if _, err := FromEnv(); err == nil {
		t.Error("Expected error for unknown driver")
	}
}

func TestLoadDotEnv(t *testing.T) {
	t.Setenv("DB_DRIVER", "")
	t.Setenv("API_PORT", "")
	os.Unsetenv("DB_DRIVER")
	os.Unsetenv("API_PORT")

	path := filepath.Join(t.TempDir(), ".env")
	if err := os.WriteFile(path, []byte("DB_DRIVER=memory\nAPI_PORT=9090\n"), 0o644); err != nil {
		t.Fatalf("Failed to write .env: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if cfg.Driver != DriverMemory || cfg.APIPort != "9090" {
		t.Errorf("Expected memory driver on 9090, got %s on %s", cfg.Driver, cfg.APIPort)
	}

	if _, err := Load(filepath.Join(t.TempDir(), "missing.env")); err != nil {
		t.Errorf("Expected missing .env to be tolerated, got %v", err)
	}
}

func TestPostgresDSN(t *testing.T) {
	cfg := &Config{DBUser: "u", DBPassword: "p", DBName: "n", DBHost: "h", DBPort: "5432", DBSSLMode: "disable"}
	want := "user=u password=p dbname=n host=h port=5432 sslmode=disable"
	if got := cfg.PostgresDSN(); got != want {
		t.Errorf("Expected %q, got %q", want, got)
	}
}
