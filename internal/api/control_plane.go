// Package api serves the HTTP control plane for pipelines, connectors and alerts.
package api

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/withobsrvr/connectctl/internal/deploy"
	"github.com/withobsrvr/connectctl/internal/model"
	"github.com/withobsrvr/connectctl/internal/monitor"
	"github.com/withobsrvr/connectctl/internal/observability"
	"github.com/withobsrvr/connectctl/internal/status"
	"github.com/withobsrvr/connectctl/internal/storage"
	"github.com/withobsrvr/connectctl/internal/utils/logger"
	"go.uber.org/zap"
)

const (
	ReadHeaderTimeout = 10 * time.Second
	ShutdownTimeout   = 15 * time.Second
)

// ConnectorAdmin acts on a single connector by name
type ConnectorAdmin interface {
	Pause(ctx context.Context, name string) error
	Resume(ctx context.Context, name string) error
	Restart(ctx context.Context, name string) error
	Delete(ctx context.Context, name string) error
}

// StatusPoller polls connector status and records progress
type StatusPoller interface {
	Poll(ctx context.Context, p *model.Pipeline) *status.Report
}

// Deps are the services behind the HTTP API. Metrics, Obs and Janitor may be nil.
type Deps struct {
	Store      storage.Store
	Deployer   *deploy.Deployer
	Status     StatusPoller
	Monitor    *monitor.Engine
	Metrics    monitor.MetricsSource
	Connectors ConnectorAdmin
	Janitor    *deploy.Janitor
	Obs        *observability.Metrics
	Clock      clockwork.Clock
}

// Options configure the HTTP listener
type Options struct {
	Listen string
	// TLS enables HTTPS when set
	TLS *tls.Config
	// MonitorEnabled starts the monitoring engine with the server
	MonitorEnabled bool
}

// ControlPlane owns the HTTP server and the background loops
type ControlPlane struct {
	deps   Deps
	opts   Options
	router *gin.Engine
	logger *zap.Logger

	mu       sync.Mutex
	started  bool
	server   *http.Server
	listener net.Listener
	serveErr chan error
}

// NewControlPlane creates a control plane and registers its routes
func NewControlPlane(deps Deps, opts Options) *ControlPlane {
	if deps.Clock == nil {
		deps.Clock = clockwork.NewRealClock()
	}
	s := &ControlPlane{
		deps:   deps,
		opts:   opts,
		logger: logger.Named("api"),
	}

	s.router = gin.New()
	s.router.Use(gin.Recovery(), requestLogger(s.logger))
	SetupRoutes(s.router, s)
	return s
}

// Handler returns the HTTP handler of the API
func (s *ControlPlane) Handler() http.Handler {
	return s.router
}

// Addr returns the bound listen address once started
func (s *ControlPlane) Addr() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Start binds the listener, then launches the HTTP server, the retention
// janitor and, when enabled, the monitoring engine.
func (s *ControlPlane) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return nil
	}

	ln, err := net.Listen("tcp", s.opts.Listen)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.opts.Listen, err)
	}
	if s.opts.TLS != nil {
		ln = tls.NewListener(ln, s.opts.TLS)
	}

	if s.opts.MonitorEnabled && s.deps.Monitor != nil {
		if err := s.deps.Monitor.Start(ctx); err != nil {
			_ = ln.Close()
			return fmt.Errorf("failed to start monitoring engine: %w", err)
		}
	}
	if s.deps.Janitor != nil {
		s.deps.Janitor.Start()
	}

	s.listener = ln
	s.server = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: ReadHeaderTimeout,
	}
	s.serveErr = make(chan error, 1)
	go func() {
		err := s.server.Serve(ln)
		if errors.Is(err, http.ErrServerClosed) {
			err = nil
		}
		s.serveErr <- err
	}()
	s.started = true

	s.logger.Info("Control plane listening",
		zap.String("addr", ln.Addr().String()),
		zap.Bool("tls", s.opts.TLS != nil),
		zap.Bool("monitoring", s.opts.MonitorEnabled && s.deps.Monitor != nil))
	return nil
}

// Done returns a channel that receives the server error, if any, when the
// HTTP server exits
func (s *ControlPlane) Done() <-chan error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.serveErr
}

// Stop drains HTTP requests and stops the background loops
func (s *ControlPlane) Stop(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started {
		return nil
	}
	s.started = false

	s.logger.Info("Stopping control plane")
	err := s.server.Shutdown(ctx)

	if s.deps.Monitor != nil {
		s.deps.Monitor.Stop()
	}
	if s.deps.Janitor != nil {
		s.deps.Janitor.Close()
	}
	return err
}

// requestLogger logs each request through zap
func requestLogger(log *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		fields := []zap.Field{
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Int("status", c.Writer.Status()),
			zap.Duration("took", time.Since(start)),
		}
		if len(c.Errors) > 0 {
			fields = append(fields, zap.String("errors", c.Errors.String()))
		}
		switch {
		case c.Writer.Status() >= http.StatusInternalServerError:
			log.Warn("HTTP request", fields...)
		default:
			log.Debug("HTTP request", fields...)
		}
	}
}
