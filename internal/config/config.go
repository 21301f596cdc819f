package config

import (
	"errors"
	"fmt"
	"net/url"
	"os"
	"time"

	"github.com/withobsrvr/connectctl/internal/model"
	"gopkg.in/yaml.v3"
)

// Storage drivers
const (
	StorageBolt   = "bolt"
	StorageMemory = "memory"
)

// Config is the server configuration
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	// Listen is the address of the HTTP API
	Listen string    `yaml:"listen"`
	TLS    TLSConfig `yaml:"tls"`

	Connect    ConnectConfig    `yaml:"connect"`
	Prometheus PrometheusConfig `yaml:"prometheus"`
	Kafka      KafkaConfig      `yaml:"kafka"`
	Storage    StorageConfig    `yaml:"storage"`
	Deploy     DeployConfig     `yaml:"deploy"`
	Normalize  NormalizeConfig  `yaml:"normalize"`
	Monitor    MonitorConfig    `yaml:"monitor"`

	// StatusTimeout bounds each connector status call
	StatusTimeout time.Duration `yaml:"status_timeout"`
	// JanitorInterval is how often expired soft-deleted pipelines are purged
	JanitorInterval time.Duration `yaml:"janitor_interval"`
}

// ConnectConfig points at the Kafka Connect REST API
type ConnectConfig struct {
	URL        string        `yaml:"url"`
	Timeout    time.Duration `yaml:"timeout"`
	RetryCount int           `yaml:"retry_count"`
	TLS        TLSConfig     `yaml:"tls"`
}

// PrometheusConfig points at the Prometheus server scraping the Connect workers.
// Metric checks are skipped when URL is empty.
type PrometheusConfig struct {
	URL     string        `yaml:"url"`
	Timeout time.Duration `yaml:"timeout"`
}

// KafkaConfig lists the seed brokers. Topic discovery falls back to Connect
// and topic tuning is skipped when Brokers is empty.
type KafkaConfig struct {
	Brokers []string  `yaml:"brokers"`
	TLS     TLSConfig `yaml:"tls"`
}

// StorageConfig selects the persistence driver
type StorageConfig struct {
	Driver string `yaml:"driver"`
	Path   string `yaml:"path"`
}

// DeployConfig tunes the deployment orchestrator
type DeployConfig struct {
	ReadinessInitialInterval time.Duration `yaml:"readiness_initial_interval"`
	ReadinessMaxInterval     time.Duration `yaml:"readiness_max_interval"`
	ReadinessMaxAttempts     int           `yaml:"readiness_max_attempts"`
	TombstoneRetention       time.Duration `yaml:"tombstone_retention"`
}

// NormalizeConfig tunes connector config normalization
type NormalizeConfig struct {
	// InClusterHosts maps a database family (postgres, mysql) to the host reachable from the Connect workers
	InClusterHosts       map[string]string `yaml:"in_cluster_hosts"`
	DLQReplicationFactor int               `yaml:"dlq_replication_factor"`
}

// MonitorConfig tunes the monitoring engine
type MonitorConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Concurrency     int           `yaml:"concurrency"`
	PipelineTimeout time.Duration `yaml:"pipeline_timeout"`
	// Thresholds, when set, are written to the store at startup and on reload
	Thresholds *model.MonitoringThresholds `yaml:"thresholds"`
}

// Default returns the configuration used when no file is given
func Default() *Config {
	return &Config{
		LogLevel:  "info",
		LogFormat: "console",
		Listen:    ":8080",
		TLS:       *DefaultTLSConfig(),
		Connect: ConnectConfig{
			URL:     "http://localhost:8083",
			Timeout: 30 * time.Second,
			TLS:     *DefaultTLSConfig(),
		},
		Prometheus: PrometheusConfig{
			Timeout: 5 * time.Second,
		},
		Kafka: KafkaConfig{
			TLS: *DefaultTLSConfig(),
		},
		Storage: StorageConfig{
			Driver: StorageBolt,
			Path:   "connectctl.db",
		},
		Deploy: DeployConfig{
			ReadinessInitialInterval: 500 * time.Millisecond,
			ReadinessMaxInterval:     5 * time.Second,
			ReadinessMaxAttempts:     10,
			TombstoneRetention:       5 * time.Minute,
		},
		Normalize: NormalizeConfig{
			InClusterHosts: map[string]string{
				"postgres": "postgres",
				"mysql":    "mysql",
			},
			DLQReplicationFactor: 1,
		},
		Monitor: MonitorConfig{
			Enabled:         true,
			Concurrency:     8,
			PipelineTimeout: 20 * time.Second,
		},
		StatusTimeout:   3 * time.Second,
		JanitorInterval: time.Hour,
	}
}

// LoadFromFile reads a YAML file on top of Default()
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := Default()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	return cfg, nil
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	var errs []error

	if c.Listen == "" {
		errs = append(errs, errors.New("listen address is required"))
	}
	if c.Connect.URL == "" {
		errs = append(errs, errors.New("connect.url is required"))
	} else if _, err := url.ParseRequestURI(c.Connect.URL); err != nil {
		errs = append(errs, fmt.Errorf("connect.url is invalid: %w", err))
	}
	if c.Prometheus.URL != "" {
		if _, err := url.ParseRequestURI(c.Prometheus.URL); err != nil {
			errs = append(errs, fmt.Errorf("prometheus.url is invalid: %w", err))
		}
	}

	switch c.Storage.Driver {
	case StorageMemory:
	case StorageBolt:
		if c.Storage.Path == "" {
			errs = append(errs, errors.New("storage.path is required for the bolt driver"))
		}
	default:
		errs = append(errs, fmt.Errorf("unknown storage driver %q", c.Storage.Driver))
	}

	if c.Deploy.ReadinessMaxAttempts < 1 {
		errs = append(errs, errors.New("deploy.readiness_max_attempts must be at least 1"))
	}
	if c.Normalize.DLQReplicationFactor < 1 {
		errs = append(errs, errors.New("normalize.dlq_replication_factor must be at least 1"))
	}
	if c.Monitor.Concurrency < 1 {
		errs = append(errs, errors.New("monitor.concurrency must be at least 1"))
	}
	if th := c.Monitor.Thresholds; th != nil {
		if err := ValidateThresholds(*th); err != nil {
			errs = append(errs, err)
		}
	}

	for name, t := range map[string]TLSConfig{"tls": c.TLS, "connect.tls": c.Connect.TLS, "kafka.tls": c.Kafka.TLS} {
		if err := t.Validate(); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}

	return errors.Join(errs...)
}

// ValidateThresholds rejects negative or out-of-range monitoring thresholds
func ValidateThresholds(t model.MonitoringThresholds) error {
	switch {
	case t.LagMs < 0:
		return errors.New("lag_ms must not be negative")
	case t.ThroughputDropPercent < 0 || t.ThroughputDropPercent > 100:
		return errors.New("throughput_drop_percent must be between 0 and 100")
	case t.ErrorRatePercent < 0 || t.ErrorRatePercent > 100:
		return errors.New("error_rate_percent must be between 0 and 100")
	case t.CheckIntervalMs < 1000:
		return errors.New("check_interval_ms must be at least 1000")
	case t.PauseDurationSeconds < 0:
		return errors.New("pause_duration_seconds must not be negative")
	}
	return nil
}
