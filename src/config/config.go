// Copyright (c) 2026 Khaled Abbas
//
// This source code is licensed under the Business Source License 1.1.
//
// Change Date: 4 years after the first public release of this version.
// Change License: MIT
//
// On the Change Date, this version of the code automatically converts
// to the MIT License. Prior to that date, use is subject to the
// Additional Use Grant. See the LICENSE file for details.

// Package config reads service settings from the environment, optionally
// seeded from a .env file.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"

	"missioncontrol/src/logging"
)

const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
	DriverMemory   = "memory"
)

type Config struct {
	Driver string

	DBUser     string
	DBPassword string
	DBName     string
	DBHost     string
	DBPort     string
	DBSSLMode  string
	SQLitePath string

	APIPort string

	// PollingInterval is the fallback resync period when no notification
	// arrives.
	PollingInterval time.Duration

	BlockerLogPath      string
	BlockerSyncInterval time.Duration

	StaleTaskTimeout time.Duration

	ListenerMinReconnect time.Duration
	ListenerMaxReconnect time.Duration
}

// Load reads the given .env files (default ".env") if present, then the
// process environment. A missing .env file is not an error.
func Load(files ...string) (*Config, error) {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil && !os.IsNotExist(err) {
			return nil, fmt.Errorf("failed to load %s: %w", f, err)
		}
	}
	return FromEnv()
}

// FromEnv builds a Config from environment variables alone.
func FromEnv() (*Config, error) {
	cfg := &Config{
		Driver:     strings.ToLower(getenv("DB_DRIVER", DriverPostgres)),
		DBUser:     os.Getenv("DB_USER"),
		DBPassword: os.Getenv("DB_PASSWORD"),
		DBName:     os.Getenv("DB_NAME"),
		DBHost:     getenv("DB_HOST", "localhost"),
		DBPort:     getenv("DB_PORT", "5432"),
		// Enable SSL For Production
		DBSSLMode:  getenv("DB_SSLMODE", "require"),
		SQLitePath: getenv("SQLITE_PATH", "./missioncontrol.db"),
		APIPort:    getenv("API_PORT", "8080"),

		BlockerLogPath:       os.Getenv("BLOCKER_LOG_PATH"),
		BlockerSyncInterval:  duration("BLOCKER_SYNC_INTERVAL", 5*time.Minute),
		StaleTaskTimeout:     duration("STALE_TASK_TIMEOUT", time.Hour),
		ListenerMinReconnect: duration("LISTENER_MIN_RECONNECT", 10*time.Second),
		ListenerMaxReconnect: duration("LISTENER_MAX_RECONNECT", time.Minute),
	}

	seconds, err := strconv.Atoi(getenv("POLLING_INTERVAL", "5"))
	if err != nil || seconds <= 0 {
		logging.Log(fmt.Sprintf("Warning: invalid POLLING_INTERVAL '%s', defaulting to 5s", os.Getenv("POLLING_INTERVAL")), slog.LevelWarn)
		seconds = 5
	}
	cfg.PollingInterval = time.Duration(seconds) * time.Second

	switch cfg.Driver {
	case DriverPostgres, DriverSQLite, DriverMemory:
	default:
		return nil, fmt.Errorf("unknown DB_DRIVER %q (want postgres, sqlite or memory)", cfg.Driver)
	}
	if cfg.ListenerMaxReconnect < cfg.ListenerMinReconnect {
		cfg.ListenerMaxReconnect = cfg.ListenerMinReconnect
	}
	return cfg, nil
}

// PostgresDSN is the lib/pq connection string for the configured database.
func (c *Config) PostgresDSN() string {
	return fmt.Sprintf("user=%s password=%s dbname=%s host=%s port=%s sslmode=%s",
		c.DBUser, c.DBPassword, c.DBName, c.DBHost, c.DBPort, c.DBSSLMode)
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func duration(key string, fallback time.Duration) time.Duration {
	raw := os.Getenv(key)
	if raw == "" {
		return fallback
	}
	d, err := time.ParseDuration(raw)
	if err != nil || d <= 0 {
		logging.Log(fmt.Sprintf("Warning: failed to parse %s '%s', defaulting to %s: %v", key, raw, fallback, err), slog.LevelWarn)
		return fallback
	}
	return d
}
