// Package config loads configuration from an optional YAML file and
// environment variables. Environment variables win over the file.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all server configuration.
type Config struct {
	// Server
	ListenAddr  string `yaml:"listen_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	// Logging
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Workflow tree
	WorkflowsRoot string `yaml:"workflows_root"`
	MaxUploadSize int64  `yaml:"max_upload_size"`

	// Path locking ("local", "redis" or "none")
	LockBackend string        `yaml:"lock_backend"`
	RedisURL    string        `yaml:"redis_url"`
	LockTTL     time.Duration `yaml:"lock_ttl"`

	// Activity journal ("" disables, "sqlite" or "postgres")
	JournalDriver string `yaml:"journal_driver"`
	JournalDSN    string `yaml:"journal_dsn"`

	// Mirror ("" disables, "local" or "s3")
	MirrorBackend   string `yaml:"mirror_backend"`
	MirrorLocalPath string `yaml:"mirror_local_path"`
	MirrorPrefix    string `yaml:"mirror_prefix"`

	// S3 mirror
	S3Endpoint  string `yaml:"s3_endpoint"`
	S3Bucket    string `yaml:"s3_bucket"`
	S3AccessKey string `yaml:"s3_access_key"`
	S3SecretKey string `yaml:"s3_secret_key"`
	S3Region    string `yaml:"s3_region"`
	S3UseSSL    bool   `yaml:"s3_use_ssl"`
}

// Defaults returns the built-in configuration.
func Defaults() *Config {
	return &Config{
		ListenAddr:    ":8188",
		MetricsAddr:   ":9090",
		LogLevel:      "info",
		LogFormat:     "json",
		WorkflowsRoot: "./data/workflows",
		MaxUploadSize: 32 * 1024 * 1024,
		LockBackend:   "local",
		LockTTL:       30 * time.Second,
		S3Region:      "us-east-1",
	}
}

// Load builds the configuration: defaults, then CONFIG_FILE (if set), then
// environment variables.
func Load() (*Config, error) {
	cfg := Defaults()

	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read config file %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config file %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() {
	c.ListenAddr = envOr("LISTEN_ADDR", c.ListenAddr)
	c.MetricsAddr = envOr("METRICS_ADDR", c.MetricsAddr)
	c.LogLevel = envOr("LOG_LEVEL", c.LogLevel)
	c.LogFormat = envOr("LOG_FORMAT", c.LogFormat)
	c.WorkflowsRoot = envOr("WORKFLOWS_ROOT", c.WorkflowsRoot)
	c.MaxUploadSize = envInt64("MAX_UPLOAD_SIZE", c.MaxUploadSize)
	c.LockBackend = envOr("LOCK_BACKEND", c.LockBackend)
	c.RedisURL = envOr("REDIS_URL", c.RedisURL)
	c.LockTTL = envDuration("LOCK_TTL", c.LockTTL)
	c.JournalDriver = envOr("JOURNAL_DRIVER", c.JournalDriver)
	c.JournalDSN = envOr("JOURNAL_DSN", c.JournalDSN)
	c.MirrorBackend = envOr("MIRROR_BACKEND", c.MirrorBackend)
	c.MirrorLocalPath = envOr("MIRROR_LOCAL_PATH", c.MirrorLocalPath)
	c.MirrorPrefix = envOr("MIRROR_PREFIX", c.MirrorPrefix)
	c.S3Endpoint = envOr("S3_ENDPOINT", c.S3Endpoint)
	c.S3Bucket = envOr("S3_BUCKET", c.S3Bucket)
	c.S3AccessKey = envOr("S3_ACCESS_KEY", c.S3AccessKey)
	c.S3SecretKey = envOr("S3_SECRET_KEY", c.S3SecretKey)
	c.S3Region = envOr("S3_REGION", c.S3Region)
	c.S3UseSSL = envBool("S3_USE_SSL", c.S3UseSSL)
}

// Validate checks cross-field requirements.
func (c *Config) Validate() error {
	if c.WorkflowsRoot == "" {
		return errors.New("WORKFLOWS_ROOT is required")
	}
	if c.MaxUploadSize <= 0 {
		return errors.New("MAX_UPLOAD_SIZE must be positive")
	}
	switch c.LockBackend {
	case "local", "none":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("REDIS_URL is required when LOCK_BACKEND=redis")
		}
	default:
		return fmt.Errorf("unknown LOCK_BACKEND %q", c.LockBackend)
	}
	switch c.JournalDriver {
	case "":
	case "sqlite", "postgres":
		if c.JournalDSN == "" {
			return fmt.Errorf("JOURNAL_DSN is required when JOURNAL_DRIVER=%s", c.JournalDriver)
		}
	default:
		return fmt.Errorf("unknown JOURNAL_DRIVER %q", c.JournalDriver)
	}
	switch c.MirrorBackend {
	case "":
	case "local":
		if c.MirrorLocalPath == "" {
			return errors.New("MIRROR_LOCAL_PATH is required when MIRROR_BACKEND=local")
		}
	case "s3":
		if c.S3Bucket == "" {
			return errors.New("S3_BUCKET is required when MIRROR_BACKEND=s3")
		}
	default:
		return fmt.Errorf("unknown MIRROR_BACKEND %q", c.MirrorBackend)
	}
	return nil
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func envBool(key string, fallback bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fallback
	}
	return b
}

func envInt64(key string, fallback int64) int64 {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	i, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return fallback
	}
	return i
}

func envDuration(key string, fallback time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fallback
	}
	return d
}
