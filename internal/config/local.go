package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

// Session store kinds
const (
	SessionStoreLocal = "local"
	SessionStoreRedis = "redis"
)

// Verdict history drivers
const (
	HistoryDriverSQLite   = "sqlite"
	HistoryDriverPostgres = "postgres"
)

// LocalConfig holds configuration for the local daemon and CLI
type LocalConfig struct {
	Daemon  DaemonConfig  `yaml:"daemon"`
	Backend BackendConfig `yaml:"backend"`
	Session SessionConfig `yaml:"session"`
	History HistoryConfig `yaml:"history"`
	Queue   QueueConfig   `yaml:"queue"`
}

// DaemonConfig holds daemon server settings
type DaemonConfig struct {
	Port      int    `yaml:"port"`
	Bind      string `yaml:"bind"`
	LogLevel  string `yaml:"log_level"`
	RateLimit int    `yaml:"rate_limit"` // requests per second per client
}

// BackendConfig describes the grading backend
type BackendConfig struct {
	URL            string `yaml:"url"`
	TimeoutSeconds int    `yaml:"timeout_seconds"`
	RetryAttempts  int    `yaml:"retry_attempts"`
}

// Timeout returns the request timeout
func (b BackendConfig) Timeout() time.Duration {
	return time.Duration(b.TimeoutSeconds) * time.Second
}

// SessionConfig selects where the learner session is persisted
type SessionConfig struct {
	Store string      `yaml:"store"`
	Redis RedisConfig `yaml:"redis"`
}

// RedisConfig holds Redis connection settings
type RedisConfig struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"-"` // Loaded from secrets.yaml
	DB       int    `yaml:"db"`
	TTLHours int    `yaml:"ttl_hours"`
}

// TTL returns the session key expiry; zero keeps keys forever
func (r RedisConfig) TTL() time.Duration {
	return time.Duration(r.TTLHours) * time.Hour
}

// HistoryConfig holds verdict history settings
type HistoryConfig struct {
	Enabled bool   `yaml:"enabled"`
	Driver  string `yaml:"driver"`
	Path    string `yaml:"path,omitempty"` // sqlite; defaults to <data dir>/mecaflow.db
	DSN     string `yaml:"-"`              // postgres; loaded from secrets.yaml
}

// QueueConfig holds RabbitMQ settings
type QueueConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"-"` // Loaded from secrets.yaml
	Workers int    `yaml:"workers"`
}

// SecretsConfig holds credentials loaded from secrets.yaml
type SecretsConfig struct {
	RedisPassword string `yaml:"redis_password,omitempty"`
	RabbitMQURL   string `yaml:"rabbitmq_url,omitempty"`
	PostgresDSN   string `yaml:"postgres_dsn,omitempty"`
}

// DataDir returns $MECAFLOW_HOME, or ~/.mecaflow when unset
func DataDir() (string, error) {
	if dir := os.Getenv(EnvHome); dir != "" {
		return dir, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("get home dir: %w", err)
	}
	return filepath.Join(home, ".mecaflow"), nil
}

// EnsureDataDir creates the data dir and its subdirectories if they don't exist
func EnsureDataDir() (string, error) {
	dir, err := DataDir()
	if err != nil {
		return "", err
	}

	for _, subdir := range []string{"", "logs", "sessions", "cache"} {
		path := filepath.Join(dir, subdir)
		if err := os.MkdirAll(path, 0755); err != nil {
			return "", fmt.Errorf("create dir %s: %w", path, err)
		}
	}
	return dir, nil
}

// DefaultLocalConfig returns sensible defaults for local mode
func DefaultLocalConfig() *LocalConfig {
	return &LocalConfig{
		Daemon: DaemonConfig{
			Port:      7433,
			Bind:      "127.0.0.1",
			LogLevel:  "info",
			RateLimit: 20,
		},
		Backend: BackendConfig{
			URL:            "http://localhost:8000",
			TimeoutSeconds: 120,
			RetryAttempts:  3,
		},
		Session: SessionConfig{
			Store: SessionStoreLocal,
			Redis: RedisConfig{
				Addr:     "localhost:6379",
				TTLHours: 24 * 7,
			},
		},
		History: HistoryConfig{
			Enabled: true,
			Driver:  HistoryDriverSQLite,
		},
		Queue: QueueConfig{
			Enabled: false,
			Workers: 3,
		},
	}
}

// HistoryPath returns the SQLite database path
func (c *LocalConfig) HistoryPath(dataDir string) string {
	if c.History.Path != "" {
		return c.History.Path
	}
	return filepath.Join(dataDir, "mecaflow.db")
}

// LoadLocalConfig loads configuration from <data dir>/config.yaml
func LoadLocalConfig() (*LocalConfig, error) {
	dir, err := DataDir()
	if err != nil {
		return nil, err
	}

	cfg := DefaultLocalConfig()

	data, err := os.ReadFile(filepath.Join(dir, "config.yaml"))
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parse config: %w", err)
		}
	}

	if err := loadSecrets(dir, cfg); err != nil {
		return nil, fmt.Errorf("load secrets: %w", err)
	}
	return cfg, nil
}

func loadSecrets(dir string, cfg *LocalConfig) error {
	data, err := os.ReadFile(filepath.Join(dir, "secrets.yaml"))
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("read secrets: %w", err)
	}

	var secrets SecretsConfig
	if err := yaml.Unmarshal(data, &secrets); err != nil {
		return fmt.Errorf("parse secrets: %w", err)
	}

	if secrets.RedisPassword != "" {
		cfg.Session.Redis.Password = secrets.RedisPassword
	}
	if secrets.RabbitMQURL != "" {
		cfg.Queue.URL = secrets.RabbitMQURL
	}
	if secrets.PostgresDSN != "" {
		cfg.History.DSN = secrets.PostgresDSN
	}
	return nil
}

// SaveLocalConfig saves configuration to <data dir>/config.yaml
func SaveLocalConfig(cfg *LocalConfig) error {
	dir, err := EnsureDataDir()
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), data, 0644); err != nil {
		return fmt.Errorf("write config: %w", err)
	}
	return nil
}

// SaveSecrets saves credentials to <data dir>/secrets.yaml, readable by the owner only
func SaveSecrets(secrets SecretsConfig) error {
	dir, err := EnsureDataDir()
	if err != nil {
		return err
	}

	data, err := yaml.Marshal(secrets)
	if err != nil {
		return fmt.Errorf("marshal secrets: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "secrets.yaml"), data, 0600); err != nil {
		return fmt.Errorf("write secrets: %w", err)
	}
	return nil
}
