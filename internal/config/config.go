// Package config provides centralized configuration management for the
// application. It loads configuration from environment variables with
// sensible defaults and validates all settings on startup to fail fast on
// misconfiguration.
package config

import "time"

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server  ServerConfig
	Data    DataConfig
	Lock    LockConfig
	Backup  BackupConfig
	Audit   AuditConfig
	Logging LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to (default: 0.0.0.0)
	Host string `env:"SERVER_HOST" default:"0.0.0.0"`

	// Port is the port to listen on (default: 8080)
	Port int `env:"SERVER_PORT" default:"8080"`

	// ReadTimeout is the maximum duration for reading request body (default: 15s)
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" default:"15s"`

	// WriteTimeout is the maximum duration for writing response (default: 30s)
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" default:"30s"`

	// IdleTimeout is the keep-alive timeout (default: 60s)
	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" default:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown (default: 30s)
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" default:"30s"`

	// RequestTimeout is the middleware timeout for requests (default: 60s)
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" default:"60s"`
}

// DataConfig holds roster storage settings.
type DataConfig struct {
	// Dir is the directory that holds roster CSV files (required)
	// Supports both DATA_DIR and ROSTER_DIR env vars for compatibility
	Dir string `env:"DATA_DIR" envAlt:"ROSTER_DIR" required:"true"`

	// PageSize is the number of records per listing page (default: 20)
	PageSize int `env:"DATA_PAGE_SIZE" default:"20"`
}

// LockConfig holds roster lock settings.
type LockConfig struct {
	// Staleness is the marker age after which a lock may be reclaimed (default: 5m)
	Staleness time.Duration `env:"LOCK_STALENESS" default:"5m"`

	// AcquireWait is how long a commit waits for a busy lock (default: 10s)
	AcquireWait time.Duration `env:"LOCK_ACQUIRE_WAIT" default:"10s"`

	// RetryInterval is the delay between acquisition attempts (default: 250ms)
	RetryInterval time.Duration `env:"LOCK_RETRY_INTERVAL" default:"250ms"`
}

// BackupConfig holds pre-commit snapshot settings.
type BackupConfig struct {
	// Retain is the number of snapshots kept per roster (default: 7)
	Retain int `env:"BACKUP_RETAIN" default:"7"`
}

// AuditConfig holds audit trail settings.
type AuditConfig struct {
	// Path is the SQLite database file for audit events.
	// Empty disables the persistent store; events still go to the log.
	Path string `env:"AUDIT_DB_PATH"`

	// QueryLimit is the maximum events returned per query (default: 100)
	QueryLimit int `env:"AUDIT_QUERY_LIMIT" default:"100"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error (default: info)
	Level string `env:"LOG_LEVEL" default:"info"`

	// Format is the log format: text or json (default: text)
	Format string `env:"LOG_FORMAT" default:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	if c.Host == "" {
		return ":" + itoa(c.Port)
	}
	return c.Host + ":" + itoa(c.Port)
}

// itoa converts an int to string without importing strconv in this file.
func itoa(i int) string {
	if i == 0 {
		return "0"
	}
	var b [20]byte
	n := len(b)
	neg := i < 0
	if neg {
		i = -i
	}
	for i > 0 {
		n--
		b[n] = byte('0' + i%10)
		i /= 10
	}
	if neg {
		n--
		b[n] = '-'
	}
	return string(b[n:])
}
