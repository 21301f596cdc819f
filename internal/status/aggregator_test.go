package status

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/withobsrvr/connectctl/internal/connect"
	"github.com/withobsrvr/connectctl/internal/model"
	"github.com/withobsrvr/connectctl/internal/storage"
)

type fakeSource struct {
	states map[string]string
	// hang blocks the named connectors until the call context ends
	hang map[string]bool
}

func (f *fakeSource) Status(ctx context.Context, name string) (*connect.ConnectorStatus, error) {
	if f.hang[name] {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	state, ok := f.states[name]
	if !ok {
		return nil, &connect.APIError{StatusCode: 404, Connector: name, Message: "not found"}
	}
	return &connect.ConnectorStatus{
		Name:      name,
		Connector: connect.ConnectorState{State: state},
		Tasks:     []connect.TaskStatus{{ID: 0, ConnectorState: connect.ConnectorState{State: state}}},
	}, nil
}

func testPipeline() *model.Pipeline {
	return &model.Pipeline{
		ID:     "p1",
		Name:   "orders",
		Status: model.PipelineRunning,
		Source: &model.ConnectorSpec{Config: map[string]any{}},
		Sink:   &model.ConnectorSpec{Config: map[string]any{}},
	}
}

func stageNames(stages []Stage) []model.ProgressStage {
	var out []model.ProgressStage
	for _, s := range stages {
		out = append(out, s.Stage)
	}
	return out
}

func TestFetch_IndependentTimeouts(t *testing.T) {
	src := &fakeSource{
		states: map[string]string{"orders-source": connect.StateRunning},
		hang:   map[string]bool{"orders-sink": true},
	}
	agg := NewAggregator(src, nil, 50*time.Millisecond, nil)

	start := time.Now()
	report := agg.Fetch(context.Background(), testPipeline())
	assert.Less(t, time.Since(start), 2*time.Second)

	require.NotNil(t, report.Source)
	require.NotNil(t, report.Sink)
	assert.True(t, report.Source.InState(connect.StateRunning))
	assert.False(t, report.Sink.Reachable())
	assert.NotEmpty(t, report.Sink.Error)

	assert.Equal(t, []model.ProgressStage{model.StageSourceConnected, model.StageIngestingStarted}, stageNames(report.Stages))
}

func TestProgress(t *testing.T) {
	report := func(name, state string) *ConnectorReport {
		return &ConnectorReport{Name: name, Status: &connect.ConnectorStatus{Connector: connect.ConnectorState{State: state}}}
	}
	unreachable := &ConnectorReport{Name: "x", Error: "timeout"}

	assert.Empty(t, Progress(unreachable, report("sink", connect.StateRunning)))
	assert.Empty(t, Progress(report("src", connect.StatePaused), nil))

	failed := Progress(report("src", connect.StateFailed), nil)
	require.Len(t, failed, 1)
	assert.Equal(t, model.StageFailed, failed[0].Status)

	all := Progress(report("src", connect.StateRunning), report("sink", connect.StateRunning))
	assert.Equal(t, model.ProgressStages, stageNames(all))
	for _, s := range all {
		assert.Equal(t, model.StageCompleted, s.Status)
	}

	sinkFailed := Progress(report("src", connect.StateRunning), report("sink", connect.StateFailed))
	require.Len(t, sinkFailed, 4)
	assert.Equal(t, model.StageFailed, sinkFailed[3].Status)
}

func TestPoll_RecordsStagesOnce(t *testing.T) {
	store := storage.NewMemoryStorage()
	ctx := context.Background()
	_, err := store.UpsertConnector(ctx, &model.PipelineConnector{
		PipelineID: "p1",
		Type:       model.ConnectorSource,
		Name:       "orders-source-r1",
	})
	require.NoError(t, err)

	src := &fakeSource{states: map[string]string{
		"orders-source-r1": connect.StateRunning,
		"orders-sink":      connect.StateRunning,
	}}
	agg := NewAggregator(src, store, time.Second, nil)

	for i := 0; i < 3; i++ {
		report := agg.Poll(ctx, testPipeline())
		assert.Equal(t, "orders-source-r1", report.Source.Name)
		assert.Len(t, report.Stages, 4)
	}

	events, err := store.ListProgressEvents(ctx, "p1")
	require.NoError(t, err)
	assert.Len(t, events, 4)
}

func TestReport_AnyPaused(t *testing.T) {
	r := &Report{
		Source: &ConnectorReport{Status: &connect.ConnectorStatus{Connector: connect.ConnectorState{State: connect.StateRunning}}},
		Sink:   &ConnectorReport{Status: &connect.ConnectorStatus{Connector: connect.ConnectorState{State: connect.StatePaused}}},
	}
	assert.True(t, r.AnyPaused())

	r.Sink = nil
	assert.False(t, r.AnyPaused())
}
