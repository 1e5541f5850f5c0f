package common

import (
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"

	"dev.hon.one/niobium/util"
)

// PrometheusNamespace - Prometheus metrics namespace.
const PrometheusNamespace = "niobium"

// DefaultConfigPath - Path to config file if none is given.
const DefaultConfigPath = "config.json"

// PoolConfig - Connection pool settings.
type PoolConfig struct {
	MaxSize              int     `json:"max_size"`
	MaxIdleSeconds       float64 `json:"max_idle"`
	EvictIntervalSeconds float64 `json:"evict_interval"`
}

// RetryConfig - Retry-with-backoff settings for remote-facing calls.
type RetryConfig struct {
	MaxAttempts         int     `json:"max_attempts"`
	Strategy            string  `json:"strategy"` // fixed, linear or exponential
	InitialDelaySeconds float64 `json:"initial_delay"`
	MaxDelaySeconds     float64 `json:"max_delay"`
	Multiplier          float64 `json:"multiplier"`
	Jitter              float64 `json:"jitter"` // Fraction of the delay, 0-1
}

// BreakerConfig - Circuit breaker settings.
type BreakerConfig struct {
	FailureThreshold       int     `json:"failure_threshold"`
	RecoveryTimeoutSeconds float64 `json:"recovery_timeout"`
}

// ExecutionConfig - Command execution settings.
type ExecutionConfig struct {
	DefaultTimeoutSeconds float64  `json:"default_timeout"`
	DenyPatterns          []string `json:"deny_patterns"` // Added to the built-in list
}

// MonitoringConfig - Monitoring pipeline settings.
type MonitoringConfig struct {
	Enabled        bool   `json:"enabled"`
	Schedule       string `json:"schedule"` // Cron spec, e.g. "@every 60s"
	MaxConcurrent  int    `json:"max_concurrent"`
	AlertRulesPath string `json:"alert_rules_path"`
	WebhookURL     string `json:"webhook_url"`
}

// InfluxDBConfig - InfluxDB metric sink. Metrics are kept in memory if the URL is empty.
type InfluxDBConfig struct {
	URL    string `json:"url"`
	Token  string `json:"token"`
	Org    string `json:"org"`
	Bucket string `json:"bucket"`
}

// BackupConfig - Configuration backup storage. Backups are kept in memory if the path is empty.
type BackupConfig struct {
	Path string `json:"path"`
}

// Config - The config.
type Config struct {
	HTTPEndpoint    string           `json:"http_endpoint"`
	CredentialsPath string           `json:"credentials_path"`
	DevicesPath     string           `json:"devices_path"`
	Pool            PoolConfig       `json:"pool"`
	Retry           RetryConfig      `json:"retry"`
	Breaker         BreakerConfig    `json:"breaker"`
	Execution       ExecutionConfig  `json:"execution"`
	Monitoring      MonitoringConfig `json:"monitoring"`
	InfluxDB        InfluxDBConfig   `json:"influxdb"`
	Backup          BackupConfig     `json:"backup"`
}

// DefaultConfig - The config used for missing fields.
func DefaultConfig() Config {
	return Config{
		HTTPEndpoint:    ":8080",
		CredentialsPath: "credentials.json",
		DevicesPath:     "devices.json",
		Pool: PoolConfig{
			MaxSize:              32,
			MaxIdleSeconds:       300,
			EvictIntervalSeconds: 30,
		},
		Retry: RetryConfig{
			MaxAttempts:         3,
			Strategy:            "exponential",
			InitialDelaySeconds: 1,
			MaxDelaySeconds:     30,
			Multiplier:          2,
			Jitter:              0.2,
		},
		Breaker: BreakerConfig{
			FailureThreshold:       5,
			RecoveryTimeoutSeconds: 60,
		},
		Execution: ExecutionConfig{
			DefaultTimeoutSeconds: DefaultCommandTimeout.Seconds(),
		},
		Monitoring: MonitoringConfig{
			Enabled:       true,
			Schedule:      "@every 60s",
			MaxConcurrent: 8,
		},
		InfluxDB: InfluxDBConfig{
			Bucket: PrometheusNamespace,
		},
	}
}

// LoadConfig - Load configuration file on top of the defaults. An empty path gives the defaults.
func LoadConfig(path string) (*Config, error) {
	config := DefaultConfig()
	if path == "" {
		// Allow no config
		return &config, nil
	}

	log.WithFields(log.Fields{
		"config_path": path,
	}).Info("Loading config")

	// Load
	if err := util.ParseJSONFile(&config, path); err != nil {
		return nil, err
	}

	// Validate
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &config, nil
}

// Validate - Check ranges and enumerations.
func (config *Config) Validate() error {
	if config.Pool.MaxSize <= 0 {
		return fmt.Errorf("non-positive pool size not allowed")
	}
	if config.Pool.MaxIdleSeconds <= 0 || config.Pool.EvictIntervalSeconds <= 0 {
		return fmt.Errorf("non-positive pool idle/evict interval not allowed")
	}
	if config.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("non-positive retry attempts not allowed")
	}
	switch config.Retry.Strategy {
	case "fixed", "linear", "exponential":
	default:
		return fmt.Errorf("unknown retry strategy: %q", config.Retry.Strategy)
	}
	if config.Retry.Jitter < 0 || config.Retry.Jitter > 1 {
		return fmt.Errorf("retry jitter must be within 0-1")
	}
	if config.Breaker.FailureThreshold <= 0 || config.Breaker.RecoveryTimeoutSeconds <= 0 {
		return fmt.Errorf("non-positive breaker threshold/timeout not allowed")
	}
	if config.Execution.DefaultTimeoutSeconds <= 0 {
		return fmt.Errorf("non-positive command timeout not allowed")
	}
	if config.Monitoring.MaxConcurrent <= 0 {
		return fmt.Errorf("non-positive monitoring concurrency not allowed")
	}
	return nil
}

// Seconds - Convert a config value in seconds to a duration.
func Seconds(value float64) time.Duration {
	return time.Duration(value * float64(time.Second))
}
