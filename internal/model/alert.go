package model

import "time"

// AlertType identifies which health check raised an alert
type AlertType string

const (
	AlertConnectorFailed AlertType = "CONNECTOR_FAILED"
	AlertConnectorPaused AlertType = "CONNECTOR_PAUSED"
	AlertTaskFailed      AlertType = "TASK_FAILED"
	AlertHighLag         AlertType = "HIGH_LAG"
	AlertThroughputDrop  AlertType = "THROUGHPUT_DROP"
	AlertHighErrorRate   AlertType = "HIGH_ERROR_RATE"
)

// Severity of an alert
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityWarning  Severity = "warning"
	SeverityInfo     Severity = "info"
)

// AlertEvent is a detected pipeline health problem. For a given
// (PipelineID, AlertType, ConnectorType) at most one unresolved event exists.
type AlertEvent struct {
	ID            string         `json:"id"`
	PipelineID    string         `json:"pipeline_id"`
	AlertType     AlertType      `json:"alert_type"`
	Severity      Severity       `json:"severity"`
	ConnectorType ConnectorType  `json:"connector_type,omitempty"`
	Message       string         `json:"message"`
	Metadata      map[string]any `json:"metadata,omitempty"`
	Resolved      bool           `json:"resolved"`
	ResolvedAt    *time.Time     `json:"resolved_at,omitempty"`
	CreatedAt     time.Time      `json:"created_at"`
	UpdatedAt     time.Time      `json:"updated_at"`
}

// DedupKey is the key under which unresolved alerts are deduplicated
func (a *AlertEvent) DedupKey() string {
	return a.PipelineID + "|" + string(a.AlertType) + "|" + string(a.ConnectorType)
}

// MonitoringThresholds configures the monitoring engine. Changes apply from the next sweep.
type MonitoringThresholds struct {
	LagMs                 float64 `json:"lag_ms" yaml:"lag_ms"`
	ThroughputDropPercent float64 `json:"throughput_drop_percent" yaml:"throughput_drop_percent"`
	ErrorRatePercent      float64 `json:"error_rate_percent" yaml:"error_rate_percent"`
	CheckIntervalMs       int64   `json:"check_interval_ms" yaml:"check_interval_ms"`
	PauseDurationSeconds  int64   `json:"pause_duration_seconds" yaml:"pause_duration_seconds"`
}

// DefaultThresholds returns the thresholds used until an operator stores others
func DefaultThresholds() MonitoringThresholds {
	return MonitoringThresholds{
		LagMs:                 5000,
		ThroughputDropPercent: 50,
		ErrorRatePercent:      5,
		CheckIntervalMs:       30000,
		PauseDurationSeconds:  300,
	}
}

// CheckInterval returns the sweep interval, never less than one second
func (t MonitoringThresholds) CheckInterval() time.Duration {
	d := time.Duration(t.CheckIntervalMs) * time.Millisecond
	if d < time.Second {
		return time.Second
	}
	return d
}

// PauseDuration returns how long a connector may stay paused before alerting
func (t MonitoringThresholds) PauseDuration() time.Duration {
	return time.Duration(t.PauseDurationSeconds) * time.Second
}
