// Package config provides configuration management for the notify server.
// It loads settings from environment variables with sensible defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"
	"github.com/go-ozzo/ozzo-validation/v4/is"
)

// Queue backends.
const (
	QueueBackendSQL   = "sql"
	QueueBackendRedis = "redis"
)

// Config holds all configuration for the notify server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Queue    QueueConfig
	Notify   NotifyConfig
	SMTP     SMTPConfig
	LogLevel string
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Host string
	Port int
	// PublicURL is the externally reachable base URL, used in subscribe and
	// unsubscribe links. Empty disables the links.
	PublicURL string
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver   string // mysql, postgres, sqlite3
	Host     string
	Port     int
	User     string
	Password string
	Database string // file path for sqlite3
	Prefix   string // Table prefix (default: "notify_")
	Migrate  bool   // Apply the embedded migrations at startup
}

// QueueConfig selects the durable queue storage behind the cqs protocol.
type QueueConfig struct {
	Backend       string // sql or redis
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisPrefix   string
}

// NotifyConfig holds delivery and consumer settings.
type NotifyConfig struct {
	Concurrency         int
	AttemptTimeout      time.Duration
	ConfirmationWindow  time.Duration
	ConsumeQueues       []string // queues consumed by the built-in logging consumer
	ConsumerInterval    time.Duration
	BatchSize           int
	VisibilityTimeout   time.Duration
	EnableNotifications bool
}

// SMTPConfig holds the email transport settings. Email protocols are disabled
// when Host is empty.
type SMTPConfig struct {
	Host     string
	Port     string
	User     string
	Password string
	From     string
}

// Load loads configuration from environment variables.
// Follows 12-factor app principles - configuration via environment.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Host:      getEnv("SERVER_HOST", "0.0.0.0"),
			Port:      getEnvInt("SERVER_PORT", 8080),
			PublicURL: getEnv("NOTIFY_PUBLIC_URL", ""),
		},
		Database: DatabaseConfig{
			Driver:   getEnv("DB_DRIVER", "sqlite3"),
			Host:     getEnv("DB_HOST", "localhost"),
			Port:     getEnvInt("DB_PORT", 3306),
			User:     getEnv("DB_USER", "notify"),
			Password: getEnv("DB_PASSWORD", ""),
			Database: getEnv("DB_NAME", "notify.db"),
			Prefix:   getEnv("DB_PREFIX", "notify_"),
			Migrate:  getEnvBool("DB_MIGRATE", true),
		},
		Queue: QueueConfig{
			Backend:       getEnv("QUEUE_BACKEND", QueueBackendSQL),
			RedisAddr:     getEnv("REDIS_ADDR", "localhost:6379"),
			RedisPassword: getEnv("REDIS_PASSWORD", ""),
			RedisDB:       getEnvInt("REDIS_DB", 0),
			RedisPrefix:   getEnv("REDIS_PREFIX", "notify"),
		},
		Notify: NotifyConfig{
			Concurrency:         getEnvInt("NOTIFY_CONCURRENCY", 16),
			AttemptTimeout:      getEnvDuration("NOTIFY_ATTEMPT_TIMEOUT", 15*time.Second),
			ConfirmationWindow:  getEnvDuration("NOTIFY_CONFIRMATION_WINDOW", 72*time.Hour),
			ConsumeQueues:       getEnvList("NOTIFY_CONSUME_QUEUES"),
			ConsumerInterval:    getEnvDuration("NOTIFY_CONSUMER_INTERVAL", time.Second),
			BatchSize:           getEnvInt("NOTIFY_BATCH_SIZE", 10),
			VisibilityTimeout:   getEnvDuration("NOTIFY_VISIBILITY_TIMEOUT", 30*time.Second),
			EnableNotifications: getEnvBool("NOTIFY_ENABLE_NOTIFICATIONS", true),
		},
		SMTP: SMTPConfig{
			Host:     getEnv("SMTP_HOST", ""),
			Port:     getEnv("SMTP_PORT", "587"),
			User:     getEnv("SMTP_USER", ""),
			Password: getEnv("SMTP_PASSWORD", ""),
			From:     getEnv("SMTP_FROM", ""),
		},
		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

// Validate checks the loaded values.
func (c *Config) Validate() error {
	networkDB := c.Database.Driver == "mysql" || c.Database.Driver == "postgres"
	return validation.Errors{
		"SERVER_PORT":       validation.Validate(c.Server.Port, validation.Min(1), validation.Max(65535)),
		"NOTIFY_PUBLIC_URL": validation.Validate(c.Server.PublicURL, is.URL),
		"DB_DRIVER":         validation.Validate(c.Database.Driver, validation.Required, validation.In("mysql", "postgres", "sqlite3")),
		"DB_NAME":           validation.Validate(c.Database.Database, validation.Required),
		// network databases need credentials; sqlite does not
		"DB_PASSWORD":                validation.Validate(c.Database.Password, validation.When(networkDB, validation.Required)),
		"QUEUE_BACKEND":              validation.Validate(c.Queue.Backend, validation.In(QueueBackendSQL, QueueBackendRedis)),
		"REDIS_ADDR":                 validation.Validate(c.Queue.RedisAddr, validation.When(c.Queue.Backend == QueueBackendRedis, validation.Required)),
		"NOTIFY_CONCURRENCY":         validation.Validate(c.Notify.Concurrency, validation.Min(1)),
		"NOTIFY_BATCH_SIZE":          validation.Validate(c.Notify.BatchSize, validation.Min(1)),
		"NOTIFY_ATTEMPT_TIMEOUT":     validation.Validate(c.Notify.AttemptTimeout, validation.Min(time.Millisecond)),
		"NOTIFY_CONFIRMATION_WINDOW": validation.Validate(c.Notify.ConfirmationWindow, validation.Min(time.Second)),
		"SMTP_FROM":                  validation.Validate(c.SMTP.From, validation.When(c.SMTP.Host != "", validation.Required, is.EmailFormat)),
	}.Filter()
}

// Dialect returns the embedded migration dialect of the driver.
func (c *DatabaseConfig) Dialect() string {
	if c.Driver == "sqlite3" {
		return "sqlite"
	}
	return c.Driver
}

// GetDSN returns the database connection string based on driver.
func (c *DatabaseConfig) GetDSN() string {
	switch strings.ToLower(c.Driver) {
	case "mysql":
		return fmt.Sprintf("%s:%s@tcp(%s:%d)/%s?parseTime=true",
			c.User, c.Password, c.Host, c.Port, c.Database)
	case "postgres":
		return fmt.Sprintf("host=%s port=%d user=%s password=%s dbname=%s sslmode=disable",
			c.Host, c.Port, c.User, c.Password, c.Database)
	case "sqlite3":
		return c.Database // SQLite uses file path as DSN
	default:
		return ""
	}
}

// getEnv retrieves environment variable or returns default value.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// getEnvInt retrieves environment variable as integer or returns default value.
func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

// getEnvBool retrieves environment variable as boolean or returns default value.
func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvDuration accepts Go durations ("30s", "72h").
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvList splits a comma-separated variable, dropping empty items.
func getEnvList(key string) []string {
	var out []string
	for _, item := range strings.Split(os.Getenv(key), ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}
