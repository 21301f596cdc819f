// Package monitor periodically checks running and paused pipelines and
// raises deduplicated alerts.
package monitor

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/withobsrvr/connectctl/internal/model"
	"github.com/withobsrvr/connectctl/internal/observability"
	"github.com/withobsrvr/connectctl/internal/promquery"
	"github.com/withobsrvr/connectctl/internal/status"
	"github.com/withobsrvr/connectctl/internal/storage"
	"github.com/withobsrvr/connectctl/internal/utils/logger"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

const (
	DefaultConcurrency     = 8
	DefaultPipelineTimeout = 20 * time.Second
)

// ErrSweepInProgress is returned by Sweep while another sweep is running
var ErrSweepInProgress = errors.New("monitoring sweep already in progress")

// StatusFetcher polls connector status for a pipeline
type StatusFetcher interface {
	Fetch(ctx context.Context, p *model.Pipeline) *status.Report
}

// MetricsSource reads worker metrics for a source and a sink connector
type MetricsSource interface {
	Snapshot(ctx context.Context, source, sink string) promquery.Snapshot
}

// Options tune the engine
type Options struct {
	// Concurrency bounds how many pipelines are checked at once
	Concurrency int
	// PipelineTimeout bounds the checks of one pipeline
	PipelineTimeout time.Duration
}

type pauseKey struct {
	pipelineID    string
	connectorType model.ConnectorType
}

// tracker is the state carried between sweeps. Entries are removed when
// their condition clears or the pipeline is no longer monitored.
type tracker struct {
	mu             sync.Mutex
	pausedSince    map[pauseKey]time.Time
	lastThroughput map[string]float64
}

func newTracker() *tracker {
	return &tracker{
		pausedSince:    make(map[pauseKey]time.Time),
		lastThroughput: make(map[string]float64),
	}
}

// pausedFor returns how long the connector has been observed paused, starting the timer on first sight
func (t *tracker) pausedFor(key pauseKey, now time.Time) time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	since, ok := t.pausedSince[key]
	if !ok {
		t.pausedSince[key] = now
		return 0
	}
	return now.Sub(since)
}

func (t *tracker) clearPause(key pauseKey) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.pausedSince, key)
}

// swapThroughput stores current and returns the previous value
func (t *tracker) swapThroughput(pipelineID string, current float64) (float64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	prev, ok := t.lastThroughput[pipelineID]
	t.lastThroughput[pipelineID] = current
	return prev, ok
}

// retain drops all entries of pipelines not in ids
func (t *tracker) retain(ids map[string]struct{}) {
	t.mu.Lock()
	defer t.mu.Unlock()
	for key := range t.pausedSince {
		if _, ok := ids[key.pipelineID]; !ok {
			delete(t.pausedSince, key)
		}
	}
	for id := range t.lastThroughput {
		if _, ok := ids[id]; !ok {
			delete(t.lastThroughput, id)
		}
	}
}

// Engine runs the monitoring sweeps
type Engine struct {
	store   storage.Store
	status  StatusFetcher
	metrics MetricsSource
	obs     *observability.Metrics
	clock   clockwork.Clock
	opts    Options
	logger  *zap.Logger

	state    *tracker
	sweeping atomic.Bool
	interval atomic.Int64

	mu        sync.Mutex
	started   bool
	cancel    context.CancelFunc
	done      chan struct{}
	waitGroup sync.WaitGroup
}

// NewEngine creates an Engine. metrics and obs may be nil.
func NewEngine(store storage.Store, fetcher StatusFetcher, metrics MetricsSource, obs *observability.Metrics, clock clockwork.Clock, opts Options) *Engine {
	if opts.Concurrency <= 0 {
		opts.Concurrency = DefaultConcurrency
	}
	if opts.PipelineTimeout <= 0 {
		opts.PipelineTimeout = DefaultPipelineTimeout
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Engine{
		store:   store,
		status:  fetcher,
		metrics: metrics,
		obs:     obs,
		clock:   clock,
		opts:    opts,
		logger:  logger.Named("monitor"),
		state:   newTracker(),
	}
}

// Start begins sweeping at the stored check interval
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.started {
		return nil
	}

	th, err := e.store.GetThresholds(ctx)
	if err != nil {
		return err
	}
	e.interval.Store(int64(th.CheckInterval()))

	runCtx, cancel := context.WithCancel(context.Background())
	e.cancel = cancel
	e.done = make(chan struct{})
	e.started = true
	e.waitGroup.Add(1)
	go e.run(runCtx)

	e.logger.Info("Monitoring engine started", zap.Duration("interval", th.CheckInterval()))
	return nil
}

// Stop ends the sweep loop, cancels a running sweep and waits for it
func (e *Engine) Stop() {
	e.mu.Lock()
	if e.started {
		close(e.done)
		e.cancel()
		e.started = false
	}
	e.mu.Unlock()
	e.waitGroup.Wait()
}

func (e *Engine) run(ctx context.Context) {
	defer e.waitGroup.Done()

	interval := time.Duration(e.interval.Load())
	ticker := e.clock.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-e.done:
			e.logger.Info("Stopping monitoring engine")
			return
		case <-ticker.Chan():
			e.waitGroup.Add(1)
			go func() {
				defer e.waitGroup.Done()
				if err := e.Sweep(ctx); err != nil && !errors.Is(err, ErrSweepInProgress) {
					e.logger.Error("Monitoring sweep failed", zap.Error(err))
				}
			}()

			// Interval changes apply from the tick after the sweep that read them
			if next := time.Duration(e.interval.Load()); next != interval {
				ticker.Reset(next)
				e.logger.Info("Check interval changed", zap.Duration("from", interval), zap.Duration("to", next))
				interval = next
			}
		}
	}
}

// Sweep checks every running or paused pipeline once. It returns
// ErrSweepInProgress when called while another sweep is still running.
func (e *Engine) Sweep(ctx context.Context) error {
	if !e.sweeping.CompareAndSwap(false, true) {
		e.obs.RecordSkippedSweep()
		e.logger.Warn("Skipping tick, previous sweep still running")
		return ErrSweepInProgress
	}
	defer e.sweeping.Store(false)
	start := e.clock.Now()

	th, err := e.store.GetThresholds(ctx)
	if err != nil {
		return err
	}
	e.interval.Store(int64(th.CheckInterval()))

	pipelines, err := e.store.ListPipelinesByStatus(ctx, model.PipelineRunning, model.PipelinePaused)
	if err != nil {
		return err
	}

	ids := make(map[string]struct{}, len(pipelines))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.opts.Concurrency)
	for _, p := range pipelines {
		ids[p.ID] = struct{}{}
		g.Go(func() error {
			pctx, cancel := context.WithTimeout(gctx, e.opts.PipelineTimeout)
			defer cancel()
			e.checkPipeline(pctx, p, th)
			return nil
		})
	}
	_ = g.Wait()
	e.state.retain(ids)

	e.obs.RecordSweep(e.clock.Since(start), len(pipelines))
	e.logger.Debug("Monitoring sweep finished", zap.Int("pipelines", len(pipelines)))
	return nil
}
