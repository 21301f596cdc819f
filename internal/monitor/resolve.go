package monitor

import (
	"context"
	"errors"
	"fmt"

	"github.com/withobsrvr/connectctl/internal/model"
	"github.com/withobsrvr/connectctl/internal/storage"
	"go.uber.org/zap"
)

// ErrRequiresAction is returned when alerts cannot be resolved until an
// operator resumes a paused connector
var ErrRequiresAction = errors.New("a connector of the pipeline is paused; resume it before resolving alerts")

// IsRequiresAction reports whether err wraps ErrRequiresAction
func IsRequiresAction(err error) bool {
	return errors.Is(err, ErrRequiresAction)
}

// ResolveAlert marks one alert resolved. It is refused while a connector of
// the alert's pipeline is paused.
func (e *Engine) ResolveAlert(ctx context.Context, alertID string) (*model.AlertEvent, error) {
	a, err := e.store.GetAlert(ctx, alertID)
	if err != nil {
		return nil, err
	}
	if a.Resolved {
		return a, nil
	}
	if err := e.requireNoPause(ctx, a.PipelineID); err != nil {
		return nil, err
	}

	resolved, err := e.store.ResolveAlert(ctx, alertID, e.clock.Now().UTC())
	if err != nil {
		return nil, err
	}
	e.logger.Info("Alert resolved",
		zap.String("alert", resolved.ID),
		zap.String("pipeline", resolved.PipelineID),
		zap.String("alert_type", string(resolved.AlertType)))
	return resolved, nil
}

// ResolveAll resolves every unresolved alert of a pipeline and returns how many changed
func (e *Engine) ResolveAll(ctx context.Context, pipelineID string) (int, error) {
	if err := e.requireNoPause(ctx, pipelineID); err != nil {
		return 0, err
	}
	n, err := e.store.ResolveAlerts(ctx, pipelineID, e.clock.Now().UTC())
	if err != nil {
		return 0, err
	}
	e.logger.Info("Resolved pipeline alerts", zap.String("pipeline", pipelineID), zap.Int("count", n))
	return n, nil
}

func (e *Engine) requireNoPause(ctx context.Context, pipelineID string) error {
	p, err := e.store.GetPipeline(ctx, pipelineID)
	if storage.IsNotFound(err) {
		// Alerts of purged pipelines can always be resolved
		return nil
	}
	if err != nil {
		return err
	}
	if report := e.status.Fetch(ctx, p); report.AnyPaused() {
		return fmt.Errorf("pipeline %s: %w", p.ID, ErrRequiresAction)
	}
	return nil
}
