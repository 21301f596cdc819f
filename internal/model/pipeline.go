package model

import "time"

// PipelineStatus is the lifecycle state of a pipeline
type PipelineStatus string

const (
	PipelineDraft       PipelineStatus = "draft"
	PipelineReady       PipelineStatus = "ready"
	PipelineRunning     PipelineStatus = "running"
	PipelinePaused      PipelineStatus = "paused"
	PipelineSeeding     PipelineStatus = "seeding"
	PipelineIncremental PipelineStatus = "incremental"
	PipelineIdle        PipelineStatus = "idle"
	PipelineError       PipelineStatus = "error"
	PipelineDeleted     PipelineStatus = "deleted"
)

// Valid reports whether s is a known pipeline status
func (s PipelineStatus) Valid() bool {
	switch s {
	case PipelineDraft, PipelineReady, PipelineRunning, PipelinePaused, PipelineSeeding,
		PipelineIncremental, PipelineIdle, PipelineError, PipelineDeleted:
		return true
	}
	return false
}

// Monitored reports whether the monitoring engine sweeps pipelines in this status
func (s PipelineStatus) Monitored() bool {
	return s == PipelineRunning || s == PipelinePaused
}

// DefaultRetention is how long a soft-deleted pipeline can still be restored
const DefaultRetention = 7 * 24 * time.Hour

// Pipeline is a source/sink connector pair capturing changes from one database
// into one destination.
type Pipeline struct {
	ID           string         `json:"id"`
	Name         string         `json:"name"`
	Status       PipelineStatus `json:"status"`
	RestoreCount int            `json:"restore_count"`
	DeletedAt    *time.Time     `json:"deleted_at,omitempty"`
	Retention    time.Duration  `json:"retention,omitempty"`
	Source       *ConnectorSpec `json:"source,omitempty"`
	Sink         *ConnectorSpec `json:"sink,omitempty"`
	CreatedAt    time.Time      `json:"created_at"`
	UpdatedAt    time.Time      `json:"updated_at"`
}

// ConnectorSpec is the stored, loosely structured definition of one side of a pipeline.
type ConnectorSpec struct {
	// Name of the connector in Kafka Connect. Derived from the pipeline name when empty.
	Name string `json:"name,omitempty"`
	// Config is the raw configuration document, possibly nested one level.
	Config map[string]any `json:"config"`
	// ConfigVersion points into an external config registry when the
	// document is versioned outside of this service.
	ConfigVersion string `json:"config_version,omitempty"`
}

// Spec returns the connector spec of the given type
func (p *Pipeline) Spec(t ConnectorType) *ConnectorSpec {
	if t == ConnectorSource {
		return p.Source
	}
	return p.Sink
}

// ConnectorName returns the Kafka Connect name of the pipeline's connector of type t
func (p *Pipeline) ConnectorName(t ConnectorType) string {
	if spec := p.Spec(t); spec != nil && spec.Name != "" {
		return spec.Name
	}
	return p.Name + "-" + string(t)
}

// RetentionWindow returns the soft-delete retention, falling back to DefaultRetention
func (p *Pipeline) RetentionWindow() time.Duration {
	if p.Retention > 0 {
		return p.Retention
	}
	return DefaultRetention
}

// Restorable reports whether a soft-deleted pipeline is still within its retention window
func (p *Pipeline) Restorable(now time.Time) bool {
	if p.DeletedAt == nil {
		return false
	}
	return now.Before(p.DeletedAt.Add(p.RetentionWindow()))
}

// StateChange records one pipeline status transition
type StateChange struct {
	ID         string         `json:"id"`
	PipelineID string         `json:"pipeline_id"`
	From       PipelineStatus `json:"from"`
	To         PipelineStatus `json:"to"`
	Reason     string         `json:"reason,omitempty"`
	At         time.Time      `json:"at"`
}
