package deploy

import (
	"context"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/withobsrvr/connectctl/internal/utils/logger"
	"go.uber.org/zap"
)

const DefaultJanitorInterval = time.Hour

// Janitor periodically purges soft-deleted pipelines past their retention window
type Janitor struct {
	deployer *Deployer
	interval time.Duration
	clock    clockwork.Clock

	mu        sync.Mutex
	started   bool
	done      chan struct{}
	waitGroup sync.WaitGroup
}

// NewJanitor creates a Janitor running every interval
func NewJanitor(d *Deployer, interval time.Duration) *Janitor {
	if interval <= 0 {
		interval = DefaultJanitorInterval
	}
	return &Janitor{
		deployer: d,
		interval: interval,
		clock:    d.clock,
	}
}

// Start launches the purge loop
func (j *Janitor) Start() {
	j.mu.Lock()
	defer j.mu.Unlock()
	if j.started {
		return
	}
	j.started = true
	j.done = make(chan struct{})
	j.waitGroup.Add(1)
	go j.run()
	logger.Info("Retention janitor started", zap.Duration("interval", j.interval))
}

// Close stops the purge loop and waits for it to exit
func (j *Janitor) Close() {
	j.mu.Lock()
	if j.started {
		close(j.done)
		j.started = false
	}
	j.mu.Unlock()
	j.waitGroup.Wait()
}

func (j *Janitor) run() {
	defer j.waitGroup.Done()

	ticker := j.clock.NewTicker(j.interval)
	defer ticker.Stop()

	for {
		select {
		case <-j.done:
			logger.Info("Stopping retention janitor")
			return
		case <-ticker.Chan():
			ctx, cancel := context.WithTimeout(context.Background(), j.interval)
			n, err := j.deployer.Purge(ctx, j.clock.Now())
			cancel()
			if err != nil {
				logger.Error("Retention purge failed", zap.Error(err))
			} else if n > 0 {
				logger.Info("Retention purge removed pipelines", zap.Int("count", n))
			}
		}
	}
}
