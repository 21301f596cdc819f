package model

import "time"

// ProgressStage is one of the four ordered pipeline progress stages
type ProgressStage string

const (
	StageSourceConnected  ProgressStage = "source_connected"
	StageIngestingStarted ProgressStage = "ingesting_started"
	StageStagingEvents    ProgressStage = "staging_events"
	StageLoadingStarted   ProgressStage = "loading_started"
)

// ProgressStages lists the stages in order
var ProgressStages = []ProgressStage{
	StageSourceConnected,
	StageIngestingStarted,
	StageStagingEvents,
	StageLoadingStarted,
}

// StageStatus is the outcome of a progress stage
type StageStatus string

const (
	StageCompleted StageStatus = "completed"
	StageFailed    StageStatus = "failed"
)

// ProgressEvent is an append-only record of the first time a pipeline reached a stage
type ProgressEvent struct {
	ID         string         `json:"id"`
	PipelineID string         `json:"pipeline_id"`
	Stage      ProgressStage  `json:"event_type"`
	Status     StageStatus    `json:"status"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}
