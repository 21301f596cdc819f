package model

import "time"

// ConnectorType is the side of the pipeline a connector sits on
type ConnectorType string

const (
	ConnectorSource ConnectorType = "source"
	ConnectorSink   ConnectorType = "sink"
)

// ConnectorTypes lists connector types in deployment order
var ConnectorTypes = []ConnectorType{ConnectorSource, ConnectorSink}

// Valid reports whether t is source or sink
func (t ConnectorType) Valid() bool {
	return t == ConnectorSource || t == ConnectorSink
}

// PipelineConnector is the persisted record of a deployed connector.
// There is at most one per (PipelineID, Type).
type PipelineConnector struct {
	ID                  string            `json:"id"`
	PipelineID          string            `json:"pipeline_id"`
	Type                ConnectorType     `json:"type"`
	Name                string            `json:"name"`
	ConnectorClass      string            `json:"connector_class"`
	Status              string            `json:"status"`
	Config              map[string]string `json:"config"`
	PendingConfig       map[string]any    `json:"pending_config,omitempty"`
	HasPendingChanges   bool              `json:"has_pending_changes"`
	LastDeployedVersion string            `json:"last_deployed_version,omitempty"`
	CreatedAt           time.Time         `json:"created_at"`
	UpdatedAt           time.Time         `json:"updated_at"`
}

// Connector record statuses
const (
	ConnectorStatusRunning = "running"
	ConnectorStatusFailed  = "failed"
	ConnectorStatusDeleted = "deleted"
)
