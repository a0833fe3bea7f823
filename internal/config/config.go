package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v10"
)

// Store, event and command backends
const (
	BackendMemory = "memory"
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendGRPC   = "grpc"
)

// Config holds all configuration for the orchestrator
type Config struct {
	// Server configuration
	HTTPPort int    `env:"DAPO_HTTP_PORT" envDefault:"8080"`
	GRPCPort int    `env:"DAPO_GRPC_PORT" envDefault:"9090"`
	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`

	// Job catalog
	CatalogDir string `env:"DAPO_CATALOG_DIR" envDefault:"./jobs"`

	// Backends
	StoreBackend     string `env:"DAPO_STORE_BACKEND" envDefault:"memory"`
	SQLitePath       string `env:"DAPO_SQLITE_PATH" envDefault:"dapo.db"`
	CommandTransport string `env:"DAPO_COMMAND_TRANSPORT" envDefault:"grpc"`
	EventsBackend    string `env:"DAPO_EVENTS_BACKEND" envDefault:"memory"`

	// Redis configuration
	Redis RedisConfig

	// Orchestration
	Orchestration OrchestrationConfig

	// Timeouts
	Timeouts TimeoutConfig
}

// RedisConfig holds Redis connection configuration
type RedisConfig struct {
	Addr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	Password string `env:"REDIS_PASS"`
	DB       int    `env:"REDIS_DB" envDefault:"0"`

	// Connection pool settings
	PoolSize     int           `env:"REDIS_POOL_SIZE" envDefault:"10"`
	MinIdleConns int           `env:"REDIS_MIN_IDLE_CONNS" envDefault:"2"`
	MaxRetries   int           `env:"REDIS_MAX_RETRIES" envDefault:"3"`
	DialTimeout  time.Duration `env:"REDIS_DIAL_TIMEOUT" envDefault:"5s"`
	ReadTimeout  time.Duration `env:"REDIS_READ_TIMEOUT" envDefault:"3s"`
	WriteTimeout time.Duration `env:"REDIS_WRITE_TIMEOUT" envDefault:"3s"`

	// ConsumerName identifies this process in stream consumer groups; defaults to hostname-pid
	ConsumerName string `env:"REDIS_CONSUMER_NAME"`
}

// OrchestrationConfig holds scheduling configuration
type OrchestrationConfig struct {
	MaxConcurrency  int           `env:"DAPO_MAX_CONCURRENCY" envDefault:"4"`
	DuplicateWindow time.Duration `env:"DAPO_DUPLICATE_WINDOW" envDefault:"24h"`
	MonitorInterval time.Duration `env:"DAPO_MONITOR_INTERVAL" envDefault:"30s"`

	// ProcessGracePeriod is how long a subprocess gets after an interrupt before it is killed
	ProcessGracePeriod time.Duration `env:"DAPO_PROCESS_GRACE_PERIOD" envDefault:"10s"`

	// CommandReplyTimeout bounds how long a sender waits for the owning process to answer
	CommandReplyTimeout time.Duration `env:"DAPO_COMMAND_REPLY_TIMEOUT" envDefault:"5s"`
}

// TimeoutConfig holds various timeout configurations
type TimeoutConfig struct {
	ShutdownTimeout time.Duration `env:"TIMEOUT_SHUTDOWN" envDefault:"30s"`
}

// Load reads configuration from environment variables
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if cfg.Redis.ConsumerName == "" {
		host, err := os.Hostname()
		if err != nil || host == "" {
			host = "dapo"
		}
		cfg.Redis.ConsumerName = fmt.Sprintf("%s-%d", host, os.Getpid())
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	// Validate server ports
	if c.HTTPPort < 1 || c.HTTPPort > 65535 {
		return fmt.Errorf("invalid HTTP port: %d", c.HTTPPort)
	}
	if c.GRPCPort < 1 || c.GRPCPort > 65535 {
		return fmt.Errorf("invalid gRPC port: %d", c.GRPCPort)
	}

	if c.CatalogDir == "" {
		return fmt.Errorf("catalog directory is required")
	}

	switch c.StoreBackend {
	case BackendMemory, BackendRedis:
	case BackendSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("sqlite path is required for the sqlite store")
		}
	default:
		return fmt.Errorf("unsupported store backend: %s (must be memory, sqlite or redis)", c.StoreBackend)
	}
	if c.EventsBackend != BackendMemory && c.EventsBackend != BackendRedis {
		return fmt.Errorf("unsupported events backend: %s (must be memory or redis)", c.EventsBackend)
	}
	if c.CommandTransport != BackendGRPC && c.CommandTransport != BackendRedis {
		return fmt.Errorf("unsupported command transport: %s (must be grpc or redis)", c.CommandTransport)
	}

	// Validate Redis config
	if c.UsesRedis() && c.Redis.Addr == "" {
		return fmt.Errorf("redis address is required")
	}

	if c.Orchestration.MaxConcurrency < 1 {
		return fmt.Errorf("max concurrency must be at least 1")
	}
	if c.Orchestration.DuplicateWindow <= 0 {
		return fmt.Errorf("duplicate window must be positive")
	}
	if c.Orchestration.MonitorInterval <= 0 {
		return fmt.Errorf("monitor interval must be positive")
	}

	// Validate log level
	validLogLevels := map[string]bool{
		"debug": true,
		"info":  true,
		"warn":  true,
		"error": true,
	}
	if !validLogLevels[c.LogLevel] {
		return fmt.Errorf("invalid log level: %s (must be debug, info, warn, or error)", c.LogLevel)
	}

	return nil
}

// UsesRedis reports whether any backend needs a Redis connection
func (c *Config) UsesRedis() bool {
	return c.StoreBackend == BackendRedis ||
		c.EventsBackend == BackendRedis ||
		c.CommandTransport == BackendRedis
}

// GetHTTPAddr returns the HTTP server address
func (c *Config) GetHTTPAddr() string {
	return fmt.Sprintf(":%d", c.HTTPPort)
}

// GetGRPCAddr returns the gRPC server address
func (c *Config) GetGRPCAddr() string {
	return fmt.Sprintf(":%d", c.GRPCPort)
}
