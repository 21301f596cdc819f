package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/withobsrvr/connectctl/internal/api"
	"github.com/withobsrvr/connectctl/internal/broker"
	"github.com/withobsrvr/connectctl/internal/config"
	"github.com/withobsrvr/connectctl/internal/connect"
	"github.com/withobsrvr/connectctl/internal/deploy"
	"github.com/withobsrvr/connectctl/internal/model"
	"github.com/withobsrvr/connectctl/internal/monitor"
	"github.com/withobsrvr/connectctl/internal/normalize"
	"github.com/withobsrvr/connectctl/internal/observability"
	"github.com/withobsrvr/connectctl/internal/promquery"
	"github.com/withobsrvr/connectctl/internal/status"
	"github.com/withobsrvr/connectctl/internal/storage"
	"github.com/withobsrvr/connectctl/internal/utils/logger"
	"go.uber.org/zap"
)

// NewCommand creates the server command
func NewCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "server",
		Short: "Run the control plane server",
		Long: `Run the connectctl control plane. It serves the pipeline HTTP API, runs the
monitoring sweep and purges soft-deleted pipelines once their retention expires.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context())
		},
	}

	flags := cmd.Flags()
	flags.String(config.KeyListen, "", "HTTP listen address (default :8080)")
	flags.String(config.KeyConnectURL, "", "Kafka Connect REST URL")
	flags.Duration(config.KeyConnectTimeout, 0, "Kafka Connect request timeout")
	flags.String(config.KeyPrometheusURL, "", "Prometheus URL for connector metrics")
	flags.StringSlice(config.KeyKafkaBrokers, nil, "Kafka seed brokers")
	flags.String(config.KeyStorageDriver, "", "storage driver (bolt|memory)")
	flags.String(config.KeyStoragePath, "", "BoltDB file path")
	flags.Bool(config.KeyMonitorEnabled, true, "run the monitoring engine")
	flags.Duration(config.KeyJanitorInterval, 0, "interval between retention purges")

	for _, key := range []string{
		config.KeyListen, config.KeyConnectURL, config.KeyConnectTimeout, config.KeyPrometheusURL,
		config.KeyKafkaBrokers, config.KeyStorageDriver, config.KeyStoragePath,
		config.KeyMonitorEnabled, config.KeyJanitorInterval,
	} {
		viper.BindPFlag(key, flags.Lookup(key))
	}

	return cmd
}

func run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	cfgPath := viper.GetString(config.KeyConfig)
	cfg, err := config.Load(cfgPath, viper.GetViper())
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	if err := logger.Init(cfg.LogLevel, cfg.LogFormat); err != nil {
		return err
	}

	logger.Info("Starting server",
		zap.String("listen", cfg.Listen),
		zap.String("connect_url", cfg.Connect.URL),
		zap.String("storage", cfg.Storage.Driver),
		zap.Bool("monitor", cfg.Monitor.Enabled),
		zap.Duration("janitor_interval", cfg.JanitorInterval))

	store, err := newStore(cfg.Storage)
	if err != nil {
		return err
	}
	defer store.Close()

	if err := syncThresholds(ctx, store, cfg.Monitor.Thresholds); err != nil {
		return err
	}

	connectTLS, err := cfg.Connect.TLS.ClientTLS()
	if err != nil {
		return fmt.Errorf("connect tls: %w", err)
	}
	client := connect.NewClient(connect.Options{
		URL:        cfg.Connect.URL,
		Timeout:    cfg.Connect.Timeout,
		RetryCount: cfg.Connect.RetryCount,
		TLS:        connectTLS,
	})

	var topics deploy.TopicAdmin
	if len(cfg.Kafka.Brokers) > 0 {
		admin, err := newBrokerAdmin(cfg.Kafka)
		if err != nil {
			return err
		}
		defer admin.Close()
		topics = admin
	} else {
		logger.Warn("No Kafka brokers configured; topic tuning and cleanup are disabled")
	}

	var metrics monitor.MetricsSource
	if cfg.Prometheus.URL != "" {
		pq, err := promquery.DefaultClient(cfg.Prometheus.URL, cfg.Prometheus.Timeout)
		if err != nil {
			return err
		}
		metrics = pq
	} else {
		logger.Warn("No Prometheus URL configured; lag, throughput and error-rate checks are disabled")
	}

	obs := observability.NewMetrics()
	normalizer := normalize.New(normalize.Options{
		InClusterHosts:       cfg.Normalize.InClusterHosts,
		DLQReplicationFactor: cfg.Normalize.DLQReplicationFactor,
	})
	deployer := deploy.NewDeployer(deploy.Deps{
		Store:      store,
		Connect:    client,
		Topics:     topics,
		Normalizer: normalizer,
		Metrics:    obs,
	}, deploy.Options{
		ReadinessInitialInterval: cfg.Deploy.ReadinessInitialInterval,
		ReadinessMaxInterval:     cfg.Deploy.ReadinessMaxInterval,
		ReadinessMaxAttempts:     uint64(cfg.Deploy.ReadinessMaxAttempts),
		TombstoneRetention:       cfg.Deploy.TombstoneRetention,
	})
	aggregator := status.NewAggregator(client, store, cfg.StatusTimeout, nil)
	engine := monitor.NewEngine(store, aggregator, metrics, obs, nil, monitor.Options{
		Concurrency:     cfg.Monitor.Concurrency,
		PipelineTimeout: cfg.Monitor.PipelineTimeout,
	})

	serverTLS, err := cfg.TLS.ServerTLS()
	if err != nil {
		return fmt.Errorf("server tls: %w", err)
	}
	controlPlane := api.NewControlPlane(api.Deps{
		Store:      store,
		Deployer:   deployer,
		Status:     aggregator,
		Monitor:    engine,
		Metrics:    metrics,
		Connectors: client,
		Janitor:    deploy.NewJanitor(deployer, cfg.JanitorInterval),
		Obs:        obs,
	}, api.Options{
		Listen:         cfg.Listen,
		TLS:            serverTLS,
		MonitorEnabled: cfg.Monitor.Enabled,
	})

	// Set up signal handling for graceful shutdown
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	if err := controlPlane.Start(ctx); err != nil {
		return err
	}

	if cfgPath != "" {
		watcher, err := config.NewWatcher(cfgPath, func(next *config.Config) error {
			return syncThresholds(ctx, store, next.Monitor.Thresholds)
		})
		if err != nil {
			logger.Warn("Config reload disabled", zap.Error(err))
		} else if err := watcher.Start(); err != nil {
			logger.Warn("Config reload disabled", zap.Error(err))
		} else {
			defer watcher.Close()
		}
	}

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(shutdown)

	var serveErr error
	select {
	case <-ctx.Done():
		logger.Info("Context cancelled")
	case sig := <-shutdown:
		logger.Info("Received shutdown signal", zap.String("signal", sig.String()))
	case serveErr = <-controlPlane.Done():
		logger.Error("Server error", zap.Error(serveErr))
	}

	// Graceful shutdown
	logger.Info("Shutting down server...")
	stopCtx, stopCancel := context.WithTimeout(context.Background(), api.ShutdownTimeout)
	defer stopCancel()
	if err := controlPlane.Stop(stopCtx); err != nil {
		logger.Warn("Shutdown did not complete cleanly", zap.Error(err))
	}
	logger.Info("Server shutdown complete")
	return serveErr
}

// newStore opens the configured storage driver
func newStore(cfg config.StorageConfig) (storage.Store, error) {
	var store storage.Store
	switch cfg.Driver {
	case config.StorageMemory:
		store = storage.NewMemoryStorage()
	case config.StorageBolt, "":
		store = storage.NewBoltDBStorage(&storage.BoltOptions{Path: cfg.Path})
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
	if err := store.Open(); err != nil {
		return nil, fmt.Errorf("failed to open %s storage: %w", cfg.Driver, err)
	}
	return store, nil
}

func newBrokerAdmin(cfg config.KafkaConfig) (*broker.Admin, error) {
	tlsConfig, err := cfg.TLS.ClientTLS()
	if err != nil {
		return nil, fmt.Errorf("kafka tls: %w", err)
	}
	var opts []kgo.Opt
	if tlsConfig != nil {
		opts = append(opts, kgo.DialTLSConfig(tlsConfig))
	}
	return broker.NewAdmin(cfg.Brokers, opts...)
}

// syncThresholds writes configured thresholds to the store. Nil leaves the
// stored values alone so edits made over the API survive a restart.
func syncThresholds(ctx context.Context, store storage.Store, th *model.MonitoringThresholds) error {
	if th == nil {
		return nil
	}
	if err := config.ValidateThresholds(*th); err != nil {
		return err
	}
	if err := store.SaveThresholds(ctx, *th); err != nil {
		return fmt.Errorf("failed to save thresholds: %w", err)
	}
	logger.Info("Monitoring thresholds applied from config",
		zap.Float64("lag_ms", th.LagMs),
		zap.Int64("check_interval_ms", th.CheckIntervalMs))
	return nil
}
