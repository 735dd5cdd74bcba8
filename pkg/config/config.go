// Package config loads control-plane configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// OrchestratorConfig controls run admission and worker supervision.
type OrchestratorConfig struct {
	// MaxWorkers is the concurrency cap N: the maximum number of
	// non-terminal runs at any moment.
	MaxWorkers int

	// WorkerTimeout is the wall-clock deadline for a single run, measured
	// from supervisor spawn.
	WorkerTimeout time.Duration

	// KillGrace is how long a stopped or timed-out worker gets between
	// SIGTERM and SIGKILL.
	KillGrace time.Duration

	// WorkerCommand is the argv used to spawn a worker child process.
	WorkerCommand []string
}

// BusConfig controls the per-run event bus.
type BusConfig struct {
	// TerminalGrace is how long a topic is retained after its terminal
	// event so late subscribers still receive it.
	TerminalGrace time.Duration

	// SubscriberQueue is the per-subscriber buffer length. A subscriber
	// whose buffer fills up is dropped, never blocking the publisher.
	SubscriberQueue int
}

// DatabaseConfig holds Postgres connection settings.
type DatabaseConfig struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string

	MaxConns        int
	ConnMaxLifetime time.Duration
}

// DSN returns the pgx-compatible connection string.
func (c DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// Config is the full loadpilotd configuration.
type Config struct {
	HTTPPort     string
	Orchestrator OrchestratorConfig
	Bus          BusConfig
	Database     DatabaseConfig

	// DBDisabled switches the run and spec stores to in-memory
	// implementations. Dev mode only: records do not survive a restart.
	DBDisabled bool

	// SpecsFile is an optional JSON file of specs seeded into the spec
	// store at boot.
	SpecsFile string
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		HTTPPort: "8080",
		Orchestrator: OrchestratorConfig{
			MaxWorkers:    4,
			WorkerTimeout: 5 * time.Minute,
			KillGrace:     5 * time.Second,
			WorkerCommand: []string{"loadpilot-worker"},
		},
		Bus: BusConfig{
			TerminalGrace:   30 * time.Second,
			SubscriberQueue: 256,
		},
		Database: DatabaseConfig{
			Host:            "localhost",
			Port:            5432,
			User:            "loadpilot",
			Database:        "loadpilot",
			SSLMode:         "disable",
			MaxConns:        10,
			ConnMaxLifetime: 30 * time.Minute,
		},
	}
}

// Load builds a Config from the environment, starting from Default.
func Load() (*Config, error) {
	cfg := Default()

	cfg.HTTPPort = getEnvOrDefault("HTTP_PORT", cfg.HTTPPort)

	var err error
	if cfg.Orchestrator.MaxWorkers, err = intEnv("MAX_WORKERS", cfg.Orchestrator.MaxWorkers); err != nil {
		return nil, err
	}
	if cfg.Orchestrator.MaxWorkers < 1 {
		return nil, fmt.Errorf("MAX_WORKERS must be >= 1, got %d", cfg.Orchestrator.MaxWorkers)
	}
	if cfg.Orchestrator.WorkerTimeout, err = msEnv("WORKER_TIMEOUT_MS", cfg.Orchestrator.WorkerTimeout); err != nil {
		return nil, err
	}
	if cfg.Orchestrator.KillGrace, err = msEnv("WORKER_KILL_GRACE_MS", cfg.Orchestrator.KillGrace); err != nil {
		return nil, err
	}
	if v := os.Getenv("WORKER_CMD"); v != "" {
		cfg.Orchestrator.WorkerCommand = strings.Fields(v)
	}

	if cfg.Bus.TerminalGrace, err = msEnv("TERMINAL_GRACE_MS", cfg.Bus.TerminalGrace); err != nil {
		return nil, err
	}
	if cfg.Bus.SubscriberQueue, err = intEnv("SUBSCRIBER_QUEUE", cfg.Bus.SubscriberQueue); err != nil {
		return nil, err
	}
	if cfg.Bus.SubscriberQueue < 1 {
		return nil, fmt.Errorf("SUBSCRIBER_QUEUE must be >= 1, got %d", cfg.Bus.SubscriberQueue)
	}

	cfg.Database.Host = getEnvOrDefault("DB_HOST", cfg.Database.Host)
	if cfg.Database.Port, err = intEnv("DB_PORT", cfg.Database.Port); err != nil {
		return nil, err
	}
	cfg.Database.User = getEnvOrDefault("DB_USER", cfg.Database.User)
	cfg.Database.Password = os.Getenv("DB_PASSWORD")
	cfg.Database.Database = getEnvOrDefault("DB_NAME", cfg.Database.Database)
	cfg.Database.SSLMode = getEnvOrDefault("DB_SSLMODE", cfg.Database.SSLMode)
	if cfg.Database.MaxConns, err = intEnv("DB_MAX_CONNS", cfg.Database.MaxConns); err != nil {
		return nil, err
	}

	cfg.DBDisabled = os.Getenv("DB_DISABLED") == "true"
	cfg.SpecsFile = os.Getenv("SPECS_FILE")

	return cfg, nil
}

func getEnvOrDefault(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func intEnv(key string, defaultVal int) (int, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	n, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func msEnv(key string, defaultVal time.Duration) (time.Duration, error) {
	val := os.Getenv(key)
	if val == "" {
		return defaultVal, nil
	}
	ms, err := strconv.Atoi(val)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if ms < 0 {
		return 0, fmt.Errorf("%s must be >= 0, got %d", key, ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}
