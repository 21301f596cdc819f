package config

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
	"path/filepath"

	"github.com/withobsrvr/connectctl/internal/utils/logger"
	"go.uber.org/zap"
)

// TLSMode represents the mode of TLS operation
type TLSMode string

const (
	// TLSModeDisabled disables TLS encryption
	TLSModeDisabled TLSMode = "disabled"

	// TLSModeEnabled enables TLS encryption
	TLSModeEnabled TLSMode = "enabled"

	// TLSModeMutual enables mutual TLS (mTLS) with client authentication
	TLSModeMutual TLSMode = "mutual"
)

// TLSConfig describes TLS for the HTTP API or for an upstream connection
type TLSConfig struct {
	Mode       TLSMode `yaml:"mode"`
	CertFile   string  `yaml:"cert_file"`
	KeyFile    string  `yaml:"key_file"`
	CAFile     string  `yaml:"ca_file"`
	SkipVerify bool    `yaml:"skip_verify"`
	// ServerName is used to verify the hostname on the certificate
	ServerName string `yaml:"server_name"`
}

// DefaultTLSConfig returns a default TLS configuration with TLS disabled
func DefaultTLSConfig() *TLSConfig {
	return &TLSConfig{Mode: TLSModeDisabled}
}

// Enabled reports whether TLS is on
func (c *TLSConfig) Enabled() bool {
	return c.Mode == TLSModeEnabled || c.Mode == TLSModeMutual
}

// Validate checks if the TLS configuration is valid
func (c *TLSConfig) Validate() error {
	switch c.Mode {
	case "", TLSModeDisabled:
		return nil
	case TLSModeEnabled, TLSModeMutual:
	default:
		return fmt.Errorf("unknown TLS mode %q", c.Mode)
	}

	// Server certificates are required for the API; for clients only in mutual mode
	if c.CertFile != "" || c.KeyFile != "" {
		if c.CertFile == "" || c.KeyFile == "" {
			return fmt.Errorf("cert_file and key_file must be set together")
		}
		if _, err := os.Stat(c.CertFile); os.IsNotExist(err) {
			return fmt.Errorf("certificate file does not exist: %s", c.CertFile)
		}
		if _, err := os.Stat(c.KeyFile); os.IsNotExist(err) {
			return fmt.Errorf("key file does not exist: %s", c.KeyFile)
		}
	}
	if c.CAFile != "" {
		if _, err := os.Stat(c.CAFile); os.IsNotExist(err) {
			return fmt.Errorf("CA file does not exist: %s", c.CAFile)
		}
	}
	return nil
}

// ServerTLS builds the TLS config of the HTTP API. It returns nil when TLS is disabled.
func (c *TLSConfig) ServerTLS() (*tls.Config, error) {
	if !c.Enabled() {
		logger.Info("TLS disabled for server")
		return nil, nil
	}
	if c.CertFile == "" || c.KeyFile == "" {
		return nil, fmt.Errorf("cert_file and key_file are required when server TLS is enabled")
	}

	logger.Info("Loading TLS credentials for server",
		zap.String("mode", string(c.Mode)),
		zap.String("cert_file", c.CertFile))

	cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load TLS credentials: %w", err)
	}
	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if c.Mode == TLSModeMutual {
		if c.CAFile == "" {
			return nil, fmt.Errorf("ca_file is required for mutual TLS")
		}
		pool, err := loadCertPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
	}
	return cfg, nil
}

// ClientTLS builds the TLS config for connecting to Kafka Connect or the
// brokers. It returns nil when TLS is disabled.
func (c *TLSConfig) ClientTLS() (*tls.Config, error) {
	if !c.Enabled() {
		return nil, nil
	}

	logger.Debug("Loading TLS credentials for client connection",
		zap.String("mode", string(c.Mode)),
		zap.String("server_name", c.ServerName),
		zap.Bool("skip_verify", c.SkipVerify))

	cfg := &tls.Config{
		InsecureSkipVerify: c.SkipVerify, //nolint:gosec // operator opt-in
		ServerName:         c.ServerName,
		MinVersion:         tls.VersionTLS12,
	}

	if c.Mode == TLSModeMutual {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load client certificate and key: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if c.CAFile != "" {
		pool, err := loadCertPool(c.CAFile)
		if err != nil {
			return nil, err
		}
		cfg.RootCAs = pool
	}
	return cfg, nil
}

func loadCertPool(path string) (*x509.CertPool, error) {
	caCert, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(caCert) {
		return nil, fmt.Errorf("failed to add CA certificate to pool")
	}
	return pool, nil
}

// ResolveCertPaths makes relative certificate paths relative to baseDir
func (c *TLSConfig) ResolveCertPaths(baseDir string) {
	c.CertFile = resolvePath(c.CertFile, baseDir)
	c.KeyFile = resolvePath(c.KeyFile, baseDir)
	c.CAFile = resolvePath(c.CAFile, baseDir)
}

func resolvePath(path string, baseDir string) string {
	if path != "" && !filepath.IsAbs(path) && baseDir != "" {
		return filepath.Join(baseDir, path)
	}
	return path
}
