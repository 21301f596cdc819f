package config

import (
	"strings"

	"github.com/spf13/viper"
)

// Keys bound to command line flags and CONNECTCTL_* environment variables
const (
	KeyConfig          = "config"
	KeyLogLevel        = "log-level"
	KeyLogFormat       = "log-format"
	KeyListen          = "listen"
	KeyConnectURL      = "connect-url"
	KeyConnectTimeout  = "connect-timeout"
	KeyPrometheusURL   = "prometheus-url"
	KeyKafkaBrokers    = "kafka-brokers"
	KeyStorageDriver   = "storage-driver"
	KeyStoragePath     = "storage-path"
	KeyMonitorEnabled  = "monitor-enabled"
	KeyJanitorInterval = "janitor-interval"
)

// EnvPrefix is the prefix of environment overrides, e.g. CONNECTCTL_CONNECT_URL
const EnvPrefix = "CONNECTCTL"

// BindEnv makes v read CONNECTCTL_* variables for every key
func BindEnv(v *viper.Viper) {
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_", ".", "_"))
	v.AutomaticEnv()
}

// Load reads the file at path, or starts from Default() when path is empty,
// and applies flag and environment overrides from v.
func Load(path string, v *viper.Viper) (*Config, error) {
	cfg := Default()
	if path != "" {
		var err error
		if cfg, err = LoadFromFile(path); err != nil {
			return nil, err
		}
	}
	if v != nil {
		ApplyOverrides(cfg, v)
	}
	return cfg, nil
}

// ApplyOverrides copies every key set in v over cfg
func ApplyOverrides(cfg *Config, v *viper.Viper) {
	if v.IsSet(KeyLogLevel) {
		cfg.LogLevel = v.GetString(KeyLogLevel)
	}
	if v.IsSet(KeyLogFormat) {
		cfg.LogFormat = v.GetString(KeyLogFormat)
	}
	if v.IsSet(KeyListen) {
		cfg.Listen = v.GetString(KeyListen)
	}
	if v.IsSet(KeyConnectURL) {
		cfg.Connect.URL = v.GetString(KeyConnectURL)
	}
	if v.IsSet(KeyConnectTimeout) {
		cfg.Connect.Timeout = v.GetDuration(KeyConnectTimeout)
	}
	if v.IsSet(KeyPrometheusURL) {
		cfg.Prometheus.URL = v.GetString(KeyPrometheusURL)
	}
	if v.IsSet(KeyKafkaBrokers) {
		cfg.Kafka.Brokers = splitList(v.GetStringSlice(KeyKafkaBrokers))
	}
	if v.IsSet(KeyStorageDriver) {
		cfg.Storage.Driver = v.GetString(KeyStorageDriver)
	}
	if v.IsSet(KeyStoragePath) {
		cfg.Storage.Path = v.GetString(KeyStoragePath)
	}
	if v.IsSet(KeyMonitorEnabled) {
		cfg.Monitor.Enabled = v.GetBool(KeyMonitorEnabled)
	}
	if v.IsSet(KeyJanitorInterval) {
		cfg.JanitorInterval = v.GetDuration(KeyJanitorInterval)
	}
}

// splitList accepts both repeated values and comma-separated ones
func splitList(values []string) []string {
	var out []string
	for _, v := range values {
		for _, part := range strings.Split(v, ",") {
			if part = strings.TrimSpace(part); part != "" {
				out = append(out, part)
			}
		}
	}
	return out
}
