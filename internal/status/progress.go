package status

import (
	"github.com/withobsrvr/connectctl/internal/connect"
	"github.com/withobsrvr/connectctl/internal/model"
)

// Stage is one derived progress stage
type Stage struct {
	Stage    model.ProgressStage `json:"stage"`
	Status   model.StageStatus   `json:"status"`
	Metadata map[string]any      `json:"metadata,omitempty"`
}

func taskMetadata(r *ConnectorReport) map[string]any {
	return map[string]any{
		"connector":     r.Name,
		"state":         r.Status.State(),
		"tasks":         len(r.Status.Tasks),
		"running_tasks": r.Status.RunningTasks(),
	}
}

// Progress derives the ordered stages from the current connector states.
// Stages are recomputed on every poll: an unreachable or not yet running
// connector drops the stages that depend on it.
func Progress(source, sink *ConnectorReport) []Stage {
	stages := []Stage{}
	if !source.Reachable() {
		return stages
	}

	switch source.Status.State() {
	case connect.StateFailed:
		return append(stages, Stage{
			Stage:    model.StageSourceConnected,
			Status:   model.StageFailed,
			Metadata: taskMetadata(source),
		})
	case connect.StateRunning:
	default:
		return stages
	}

	meta := taskMetadata(source)
	stages = append(stages,
		Stage{Stage: model.StageSourceConnected, Status: model.StageCompleted, Metadata: meta},
		Stage{Stage: model.StageIngestingStarted, Status: model.StageCompleted, Metadata: meta},
	)

	if !sink.Reachable() {
		return stages
	}
	var downstream model.StageStatus
	switch sink.Status.State() {
	case connect.StateRunning:
		downstream = model.StageCompleted
	case connect.StateFailed:
		downstream = model.StageFailed
	default:
		return stages
	}

	sinkMeta := taskMetadata(sink)
	sinkMeta["source_running_tasks"] = source.Status.RunningTasks()
	return append(stages,
		Stage{Stage: model.StageStagingEvents, Status: downstream, Metadata: sinkMeta},
		Stage{Stage: model.StageLoadingStarted, Status: downstream, Metadata: sinkMeta},
	)
}
