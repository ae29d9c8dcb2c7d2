// Package config loads the server configuration from the environment.
package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/pkg/errors"
)

// Config holds all configuration for the server process.
type Config struct {
	Env         string
	ListenAddr  string
	MetricsAddr string
	LogLevel    string

	DatabaseURL  string
	RedisURL     string
	UserCacheTTL time.Duration

	TLSEnabled  bool
	TLSCertFile string
	TLSKeyFile  string

	IdleTimeout     time.Duration
	SendBufferSize  int
	RouterQueueSize int
	DeliverTimeout  time.Duration
	MaxFrameSize    int
}

// Load reads configuration from environment variables.
// A .env file in the working directory is loaded first if present;
// variables already set in the environment take precedence.
func Load() (*Config, error) {
	_ = godotenv.Load()
	return FromEnv()
}

// FromEnv reads configuration from environment variables only.
func FromEnv() (*Config, error) {
	var p parser

	cfg := &Config{
		Env:         getEnv("ENV", "development"),
		ListenAddr:  getEnv("LISTEN_ADDR", "0.0.0.0:9527"),
		MetricsAddr: os.Getenv("METRICS_ADDR"),
		LogLevel:    strings.ToLower(getEnv("LOG_LEVEL", "info")),

		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		UserCacheTTL: p.durationVar("USER_CACHE_TTL", 5*time.Minute),

		TLSEnabled:  p.boolVar("TLS_ENABLED", false),
		TLSCertFile: getEnv("TLS_CERT_FILE", "config/cert.pem"),
		TLSKeyFile:  getEnv("TLS_KEY_FILE", "config/key.pem"),

		IdleTimeout:     p.durationVar("IDLE_TIMEOUT", 30*time.Second),
		SendBufferSize:  p.intVar("SEND_BUFFER_SIZE", 64),
		RouterQueueSize: p.intVar("ROUTER_QUEUE_SIZE", 1024),
		DeliverTimeout:  p.durationVar("DELIVER_TIMEOUT", 0),
		MaxFrameSize:    p.intVar("MAX_FRAME_SIZE", 1024*1024),
	}

	if p.err != nil {
		return nil, p.err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks value ranges and production requirements.
func (c *Config) Validate() error {
	if c.ListenAddr == "" {
		return errors.New("LISTEN_ADDR must not be empty")
	}
	if c.IdleTimeout <= 0 {
		return errors.New("IDLE_TIMEOUT must be positive")
	}
	if c.SendBufferSize <= 0 {
		return errors.New("SEND_BUFFER_SIZE must be positive")
	}
	if c.RouterQueueSize <= 0 {
		return errors.New("ROUTER_QUEUE_SIZE must be positive")
	}
	if c.MaxFrameSize <= 0 {
		return errors.New("MAX_FRAME_SIZE must be positive")
	}
	if c.DeliverTimeout < 0 {
		return errors.New("DELIVER_TIMEOUT must not be negative")
	}

	switch c.LogLevel {
	case "debug", "info", "warn", "error":
	default:
		return errors.Errorf("LOG_LEVEL %q is not one of debug, info, warn, error", c.LogLevel)
	}

	if c.IsProduction() && c.DatabaseURL == "" {
		return errors.New("DATABASE_URL is required in production")
	}

	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

// parser reads typed variables, keeping the first parse error.
type parser struct {
	err error
}

func (p *parser) durationVar(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil && p.err == nil {
		p.err = errors.Wrapf(err, "parse %s", key)
	}
	return d
}

func (p *parser) intVar(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil && p.err == nil {
		p.err = errors.Wrapf(err, "parse %s", key)
	}
	return n
}

func (p *parser) boolVar(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil && p.err == nil {
		p.err = errors.Wrapf(err, "parse %s", key)
	}
	return b
}
