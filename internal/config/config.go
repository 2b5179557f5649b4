// Package config loads service settings once at startup with layered
// precedence: struct defaults, then an optional YAML config file, then
// environment variables. The resulting Config is immutable and safe for
// concurrent reads.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// ConfigPathEnvVar overrides the config file location.
const ConfigPathEnvVar = "CONFIG_PATH"

// defaultConfigPaths are searched in order; the first existing file wins.
var defaultConfigPaths = []string{
	"config.yaml",
	"config.yml",
	"/etc/reef-ingest/config.yaml",
}

// Config holds all service settings.
type Config struct {
	Ingest     IngestConfig     `koanf:"ingest"`
	SFTP       SFTPConfig       `koanf:"sftp"`
	Kafka      KafkaConfig      `koanf:"kafka"`
	Store      StoreConfig      `koanf:"store"`
	Retry      RetryConfig      `koanf:"retry"`
	Assessment AssessmentConfig `koanf:"assessment"`
	External   ExternalConfig   `koanf:"external"`
	Scheduler  SchedulerConfig  `koanf:"scheduler"`
	HTTP       HTTPConfig       `koanf:"http"`
	Logging    LoggingConfig    `koanf:"logging"`

	ShutdownTimeout time.Duration `koanf:"shutdown_timeout"`
}

// IngestConfig covers the ingress channels.
type IngestConfig struct {
	// WatchRoot contains the sensors/, images/, and sonar/ drop directories.
	WatchRoot string `koanf:"watch_root"`

	// Workers bounds how many payloads are processed in parallel.
	Workers int `koanf:"workers"`

	// ItemTimeout is the overall per-payload processing deadline.
	ItemTimeout time.Duration `koanf:"item_timeout"`
}

// SFTPConfig covers the remote-transfer ingress.
type SFTPConfig struct {
	Enabled      bool          `koanf:"enabled"`
	Host         string        `koanf:"host"`
	Port         int           `koanf:"port"`
	User         string        `koanf:"user"`
	Password     string        `koanf:"password"`
	RemoteRoot   string        `koanf:"remote_root"`
	PollInterval time.Duration `koanf:"poll_interval"`
	DialTimeout  time.Duration `koanf:"dial_timeout"`
}

// KafkaConfig covers the notification collaborator.
type KafkaConfig struct {
	Brokers    []string `koanf:"brokers"`
	AlertTopic string   `koanf:"alert_topic"`
}

// StoreConfig covers the reading store and dead-letter sink.
type StoreConfig struct {
	BadgerPath     string `koanf:"badger_path"`
	DeadLetterPath string `koanf:"dead_letter_path"`
}

// RetryConfig parameterizes the error/retry policy.
type RetryConfig struct {
	// MaxAttempts bounds retries of a retryable failure before dead-letter.
	MaxAttempts int `koanf:"max_attempts"`

	// BaseDelay is the first backoff delay; each retry doubles it.
	BaseDelay time.Duration `koanf:"base_delay"`
}

// AssessmentConfig covers the external health-assessment service.
type AssessmentConfig struct {
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
}

// ExternalConfig covers the pull-based partner feeds. An empty base URL
// disables the sweep.
type ExternalConfig struct {
	BaseURL string        `koanf:"base_url"`
	Timeout time.Duration `koanf:"timeout"`
}

// SchedulerConfig covers the periodic triggers.
type SchedulerConfig struct {
	HealthRecheckInterval time.Duration `koanf:"health_recheck_interval"`
	ExternalPollInterval  time.Duration `koanf:"external_poll_interval"`
}

// HTTPConfig covers the ingest/API HTTP server.
type HTTPConfig struct {
	Addr string `koanf:"addr"`
}

// LoggingConfig covers slog setup.
type LoggingConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

func defaultConfig() *Config {
	return &Config{
		Ingest: IngestConfig{
			WatchRoot:   "./data/incoming",
			Workers:     4,
			ItemTimeout: 30 * time.Second,
		},
		SFTP: SFTPConfig{
			Enabled:      false,
			Host:         "localhost",
			Port:         22,
			User:         "anonymous",
			RemoteRoot:   "/",
			PollInterval: 60 * time.Second,
			DialTimeout:  10 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:    []string{"localhost:9092"},
			AlertTopic: "reef-alerts",
		},
		Store: StoreConfig{
			BadgerPath:     "./data/readings",
			DeadLetterPath: "./data/dead_letter.jsonl",
		},
		Retry: RetryConfig{
			MaxAttempts: 3,
			BaseDelay:   time.Second,
		},
		Assessment: AssessmentConfig{
			BaseURL: "http://localhost:8000",
			Timeout: 5 * time.Second,
		},
		External: ExternalConfig{
			BaseURL: "",
			Timeout: 10 * time.Second,
		},
		Scheduler: SchedulerConfig{
			HealthRecheckInterval: 5 * time.Minute,
			ExternalPollInterval:  time.Hour,
		},
		HTTP: HTTPConfig{
			Addr: ":8080",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
		ShutdownTimeout: 10 * time.Second,
	}
}

// Load reads configuration with precedence env > file > defaults and
// validates the result.
func Load() (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(defaultConfig(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("load defaults: %w", err)
	}

	if path := findConfigFile(); path != "" {
		if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
			return nil, fmt.Errorf("load config file %s: %w", path, err)
		}
	}

	// REEF_SFTP_POLL_INTERVAL -> sftp.poll_interval
	envProvider := env.Provider("REEF_", ".", envTransform)
	if err := k.Load(envProvider, nil); err != nil {
		return nil, fmt.Errorf("load environment: %w", err)
	}

	// Kafka brokers arrive as a comma-separated string from the environment.
	if raw := k.String("kafka.brokers"); raw != "" && strings.Contains(raw, ",") {
		_ = k.Set("kafka.brokers", splitAndTrim(raw))
	}

	cfg := &Config{}
	if err := k.Unmarshal("", cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.Ingest.WatchRoot == "" {
		return errors.New("ingest.watch_root is required")
	}
	if c.Ingest.Workers <= 0 {
		return errors.New("ingest.workers must be positive")
	}
	if c.Retry.MaxAttempts < 1 {
		return errors.New("retry.max_attempts must be at least 1")
	}
	if c.Retry.BaseDelay <= 0 {
		return errors.New("retry.base_delay must be positive")
	}
	if len(c.Kafka.Brokers) == 0 {
		return errors.New("kafka.brokers is required")
	}
	if c.Kafka.AlertTopic == "" {
		return errors.New("kafka.alert_topic is required")
	}
	if c.Assessment.BaseURL == "" {
		return errors.New("assessment.base_url is required")
	}
	if c.SFTP.Enabled && c.SFTP.Host == "" {
		return errors.New("sftp.host is required when sftp is enabled")
	}
	return nil
}

// configSections are the nested config groups an environment variable can
// address. Anything else (SHUTDOWN_TIMEOUT) stays a top-level key.
var configSections = []string{
	"ingest", "sftp", "kafka", "store", "retry",
	"assessment", "external", "scheduler", "http", "logging",
}

func envTransform(key string) string {
	key = strings.ToLower(strings.TrimPrefix(key, "REEF_"))
	for _, section := range configSections {
		if strings.HasPrefix(key, section+"_") {
			return section + "." + strings.TrimPrefix(key, section+"_")
		}
	}
	return key
}

func findConfigFile() string {
	if envPath := os.Getenv(ConfigPathEnvVar); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}
	for _, path := range defaultConfigPaths {
		if _, err := os.Stat(path); err == nil {
			return path
		}
	}
	return ""
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
