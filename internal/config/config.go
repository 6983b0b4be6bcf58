package config

import (
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

// Environment variables that override the local config file.
const (
	EnvHome          = "MECAFLOW_HOME"
	EnvAPIURL        = "MECAFLOW_API_URL"
	EnvAPITimeout    = "MECAFLOW_API_TIMEOUT"
	EnvRetryAttempts = "MECAFLOW_RETRY_ATTEMPTS"
	EnvPort          = "MECAFLOW_PORT"
	EnvLogLevel      = "MECAFLOW_LOG_LEVEL"
	EnvSessionStore  = "MECAFLOW_SESSION_STORE"
	EnvRedisAddr     = "MECAFLOW_REDIS_ADDR"
	EnvRedisPassword = "MECAFLOW_REDIS_PASSWORD"
	EnvRedisDB       = "MECAFLOW_REDIS_DB"
	EnvQueueEnabled  = "MECAFLOW_QUEUE_ENABLED"
	EnvRabbitMQURL   = "MECAFLOW_RABBITMQ_URL"
	EnvQueueWorkers  = "MECAFLOW_QUEUE_WORKERS"
	EnvHistoryDriver = "MECAFLOW_HISTORY_DRIVER"
	EnvPostgresDSN   = "MECAFLOW_POSTGRES_DSN"
)

// Load resolves the effective configuration: defaults, then config.yaml and
// secrets.yaml, then .env files, then the process environment.
func Load(envFiles ...string) (*LocalConfig, error) {
	if err := LoadDotEnv(envFiles...); err != nil {
		return nil, err
	}

	cfg, err := LoadLocalConfig()
	if err != nil {
		return nil, err
	}
	ApplyEnv(cfg)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadDotEnv loads .env files into the environment without overriding
// variables that are already set. Missing files are skipped; with no arguments
// ./.env is tried.
func LoadDotEnv(files ...string) error {
	if len(files) == 0 {
		files = []string{".env"}
	}
	for _, f := range files {
		if err := godotenv.Load(f); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", f, err)
		}
	}
	return nil
}

// ApplyEnv overrides cfg with any MECAFLOW_* variables that are set.
func ApplyEnv(cfg *LocalConfig) {
	cfg.Backend.URL = getEnv(EnvAPIURL, cfg.Backend.URL)
	cfg.Backend.TimeoutSeconds = getEnvInt(EnvAPITimeout, cfg.Backend.TimeoutSeconds)
	cfg.Backend.RetryAttempts = getEnvInt(EnvRetryAttempts, cfg.Backend.RetryAttempts)

	cfg.Daemon.Port = getEnvInt(EnvPort, cfg.Daemon.Port)
	cfg.Daemon.LogLevel = getEnv(EnvLogLevel, cfg.Daemon.LogLevel)

	cfg.Session.Store = getEnv(EnvSessionStore, cfg.Session.Store)
	cfg.Session.Redis.Addr = getEnv(EnvRedisAddr, cfg.Session.Redis.Addr)
	cfg.Session.Redis.Password = getEnv(EnvRedisPassword, cfg.Session.Redis.Password)
	cfg.Session.Redis.DB = getEnvInt(EnvRedisDB, cfg.Session.Redis.DB)

	cfg.History.Driver = getEnv(EnvHistoryDriver, cfg.History.Driver)
	cfg.History.DSN = getEnv(EnvPostgresDSN, cfg.History.DSN)

	cfg.Queue.Enabled = getEnvBool(EnvQueueEnabled, cfg.Queue.Enabled)
	cfg.Queue.URL = getEnv(EnvRabbitMQURL, cfg.Queue.URL)
	cfg.Queue.Workers = getEnvInt(EnvQueueWorkers, cfg.Queue.Workers)
}

// Validate reports settings the daemon cannot start with.
func (c *LocalConfig) Validate() error {
	u, err := url.Parse(c.Backend.URL)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return fmt.Errorf("backend url %q must be an absolute URL", c.Backend.URL)
	}
	if c.Daemon.Port <= 0 || c.Daemon.Port > 65535 {
		return fmt.Errorf("daemon port %d out of range", c.Daemon.Port)
	}
	switch c.Session.Store {
	case SessionStoreLocal:
	case SessionStoreRedis:
		if c.Session.Redis.Addr == "" {
			return errors.New("redis session store requires an address")
		}
	default:
		return fmt.Errorf("unknown session store %q", c.Session.Store)
	}
	if c.History.Enabled {
		switch c.History.Driver {
		case HistoryDriverSQLite, "":
		case HistoryDriverPostgres:
			if c.History.DSN == "" {
				return errors.New("postgres history requires a dsn")
			}
		default:
			return fmt.Errorf("unknown history driver %q", c.History.Driver)
		}
	}
	if c.Queue.Enabled && c.Queue.URL == "" {
		return errors.New("queue enabled without a RabbitMQ url")
	}
	return nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}
