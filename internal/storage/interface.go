package storage

import (
	"context"
	"errors"
	"time"

	"github.com/withobsrvr/connectctl/internal/model"
)

// AlertFilter narrows ListAlerts results. Zero values match everything.
type AlertFilter struct {
	PipelineID string
	// Resolved, when set, matches only alerts with that resolved flag
	Resolved *bool
}

// Store persists pipelines, connectors, alerts, thresholds and the progress and state-change logs.
//
// UpsertConnector and UpsertAlert are the only write paths for records with a
// uniqueness constraint; concurrent writers for the same key end up updating
// one row instead of inserting duplicates.
type Store interface {
	// Open initializes the storage and makes it ready for use
	Open() error

	// Close closes the storage and releases any resources
	Close() error

	CreatePipeline(ctx context.Context, p *model.Pipeline) error
	GetPipeline(ctx context.Context, id string) (*model.Pipeline, error)
	ListPipelines(ctx context.Context) ([]*model.Pipeline, error)
	// ListPipelinesByStatus returns pipelines whose status is one of statuses
	ListPipelinesByStatus(ctx context.Context, statuses ...model.PipelineStatus) ([]*model.Pipeline, error)
	// UpdatePipeline applies updater to the stored pipeline and persists the result
	UpdatePipeline(ctx context.Context, id string, updater func(*model.Pipeline) error) (*model.Pipeline, error)
	// DeletePipeline removes the pipeline and everything that belongs to it
	DeletePipeline(ctx context.Context, id string) error

	// UpsertConnector inserts or replaces the connector keyed by (PipelineID, Type).
	// The stored ID and CreatedAt of an existing row are preserved.
	UpsertConnector(ctx context.Context, c *model.PipelineConnector) (*model.PipelineConnector, error)
	GetConnector(ctx context.Context, id string) (*model.PipelineConnector, error)
	GetConnectorByType(ctx context.Context, pipelineID string, t model.ConnectorType) (*model.PipelineConnector, error)
	ListConnectors(ctx context.Context, pipelineID string) ([]*model.PipelineConnector, error)
	UpdateConnector(ctx context.Context, id string, updater func(*model.PipelineConnector) error) (*model.PipelineConnector, error)
	DeleteConnector(ctx context.Context, id string) error

	// UpsertAlert updates the message, metadata, severity and timestamp of the
	// unresolved alert with the same dedup key, or inserts a new one. The
	// returned bool is true when a new row was created.
	UpsertAlert(ctx context.Context, a *model.AlertEvent) (*model.AlertEvent, bool, error)
	GetAlert(ctx context.Context, id string) (*model.AlertEvent, error)
	ListAlerts(ctx context.Context, filter AlertFilter) ([]*model.AlertEvent, error)
	// ResolveAlert marks one alert resolved at the given time
	ResolveAlert(ctx context.Context, id string, at time.Time) (*model.AlertEvent, error)
	// ResolveAlerts resolves every unresolved alert of a pipeline and returns how many changed
	ResolveAlerts(ctx context.Context, pipelineID string, at time.Time) (int, error)
	DeleteAlert(ctx context.Context, id string) error

	// GetThresholds returns the stored thresholds or model.DefaultThresholds
	GetThresholds(ctx context.Context) (model.MonitoringThresholds, error)
	SaveThresholds(ctx context.Context, t model.MonitoringThresholds) error

	// AppendProgressEvent stores e unless an event for (PipelineID, Stage)
	// already exists; it reports whether e was stored.
	AppendProgressEvent(ctx context.Context, e *model.ProgressEvent) (bool, error)
	ListProgressEvents(ctx context.Context, pipelineID string) ([]*model.ProgressEvent, error)

	AppendStateChange(ctx context.Context, c *model.StateChange) error
	ListStateChanges(ctx context.Context, pipelineID string) ([]*model.StateChange, error)
}

// ErrNotFound is returned when a record with the given key does not exist
type ErrNotFound struct {
	Kind string
	ID   string
}

// Error implements the error interface
func (e ErrNotFound) Error() string {
	return e.Kind + " not found: " + e.ID
}

// IsNotFound returns true if err is ErrNotFound
func IsNotFound(err error) bool {
	var nf ErrNotFound
	return errors.As(err, &nf)
}

func connectorKey(pipelineID string, t model.ConnectorType) string {
	return pipelineID + "/" + string(t)
}

func progressKey(pipelineID string, stage model.ProgressStage) string {
	return pipelineID + "/" + string(stage)
}
