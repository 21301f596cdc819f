package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/withobsrvr/connectctl/internal/connect"
	"github.com/withobsrvr/connectctl/internal/deploy"
	"github.com/withobsrvr/connectctl/internal/model"
	"github.com/withobsrvr/connectctl/internal/monitor"
	"github.com/withobsrvr/connectctl/internal/normalize"
	"github.com/withobsrvr/connectctl/internal/observability"
	"github.com/withobsrvr/connectctl/internal/promquery"
	"github.com/withobsrvr/connectctl/internal/status"
	"github.com/withobsrvr/connectctl/internal/storage"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeConnect is an in-memory Kafka Connect cluster
type fakeConnect struct {
	mu         sync.Mutex
	connectors map[string]map[string]string
	states     map[string]string
	failUpsert map[string]error
}

func newFakeConnect() *fakeConnect {
	return &fakeConnect{
		connectors: map[string]map[string]string{},
		states:     map[string]string{},
		failUpsert: map[string]error{},
	}
}

func missing(name string) error {
	return &connect.APIError{StatusCode: http.StatusNotFound, Connector: name, Message: "connector " + name + " not found"}
}

func (f *fakeConnect) Exists(ctx context.Context, name string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.connectors[name]
	return ok, nil
}

func (f *fakeConnect) Create(ctx context.Context, name string, config map[string]string) error {
	_, err := f.Upsert(ctx, name, config)
	return err
}

func (f *fakeConnect) Upsert(ctx context.Context, name string, config map[string]string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failUpsert[name]; err != nil {
		return false, err
	}
	_, exists := f.connectors[name]
	f.connectors[name] = config
	f.states[name] = connect.StateRunning
	return !exists, nil
}

func (f *fakeConnect) setState(name, state string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.connectors[name]; !ok {
		return missing(name)
	}
	f.states[name] = state
	return nil
}

func (f *fakeConnect) Delete(ctx context.Context, name string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.connectors[name]; !ok {
		return missing(name)
	}
	delete(f.connectors, name)
	delete(f.states, name)
	return nil
}

func (f *fakeConnect) Pause(ctx context.Context, name string) error {
	return f.setState(name, connect.StatePaused)
}

func (f *fakeConnect) Resume(ctx context.Context, name string) error {
	return f.setState(name, connect.StateRunning)
}

func (f *fakeConnect) Restart(ctx context.Context, name string) error {
	return f.setState(name, connect.StateRunning)
}

func (f *fakeConnect) Status(ctx context.Context, name string) (*connect.ConnectorStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	state, ok := f.states[name]
	if !ok {
		return nil, missing(name)
	}
	st := &connect.ConnectorStatus{
		Name:      name,
		Connector: connect.ConnectorState{State: state, WorkerID: "worker-1:8083"},
		Tasks:     []connect.TaskStatus{{ID: 0, ConnectorState: connect.ConnectorState{State: state}}},
	}
	if state == connect.StateFailed {
		st.Tasks[0].Trace = "org.apache.kafka.connect.errors.ConnectException: boom"
	}
	return st, nil
}

func (f *fakeConnect) Topics(ctx context.Context, name string) ([]string, error) {
	return []string{"orders.public.items"}, nil
}

func (f *fakeConnect) ResetOffsets(ctx context.Context, name string) error {
	return nil
}

type testServer struct {
	store   *storage.MemoryStorage
	connect *fakeConnect
	clock   *clockwork.FakeClock
	engine  *monitor.Engine
	cp      *ControlPlane
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	ts := &testServer{
		store:   storage.NewMemoryStorage(),
		connect: newFakeConnect(),
		clock:   clockwork.NewFakeClockAt(time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC)),
	}
	require.NoError(t, ts.store.Open())
	t.Cleanup(func() { _ = ts.store.Close() })

	obs := observability.NewMetrics()
	deployer := deploy.NewDeployer(deploy.Deps{
		Store:   ts.store,
		Connect: ts.connect,
		Metrics: obs,
		Clock:   ts.clock,
	}, deploy.Options{
		ReadinessInitialInterval: time.Millisecond,
		ReadinessMaxInterval:     time.Millisecond,
		ReadinessMaxAttempts:     2,
	})
	aggregator := status.NewAggregator(ts.connect, ts.store, time.Second, ts.clock)
	ts.engine = monitor.NewEngine(ts.store, aggregator, nil, obs, ts.clock, monitor.Options{})

	ts.cp = NewControlPlane(Deps{
		Store:      ts.store,
		Deployer:   deployer,
		Status:     aggregator,
		Monitor:    ts.engine,
		Connectors: ts.connect,
		Obs:        obs,
		Clock:      ts.clock,
	}, Options{Listen: "127.0.0.1:0"})
	return ts
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	ts.cp.Handler().ServeHTTP(w, req)
	return w
}

func decode[T any](t *testing.T, w *httptest.ResponseRecorder) T {
	t.Helper()
	var out T
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out), w.Body.String())
	return out
}

func sourceSpec() *model.ConnectorSpec {
	return &model.ConnectorSpec{Config: map[string]any{
		"connector.class":   normalize.ClassPostgresSource,
		"database.hostname": "localhost",
		"topic.prefix":      "orders",
	}}
}

func sinkSpec() *model.ConnectorSpec {
	return &model.ConnectorSpec{Config: map[string]any{
		"connector.class": normalize.ClassDebeziumJDBC,
		"connection.url":  "jdbc:postgresql://warehouse:5432/dw",
		"topics.regex":    `orders\..*`,
	}}
}

func (ts *testServer) createReady(t *testing.T) *model.Pipeline {
	t.Helper()
	w := ts.do(t, http.MethodPost, "/pipelines", pipelineRequest{Name: "orders", Source: sourceSpec(), Sink: sinkSpec()})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	p := decode[model.Pipeline](t, w)
	require.Equal(t, model.PipelineReady, p.Status)
	return &p
}

func TestSetupRoutes_Registered(t *testing.T) {
	ts := newTestServer(t)
	expected := []struct {
		method string
		path   string
	}{
		{"GET", "/healthz"},
		{"GET", "/metrics"},
		{"POST", "/pipelines"},
		{"POST", "/pipelines/:id/deploy"},
		{"DELETE", "/pipelines/:id/connectors"},
		{"GET", "/pipelines/:id/state-changes"},
		{"POST", "/pipelines/:id/alerts/resolve-all"},
		{"POST", "/connectors/:connector/restart"},
		{"POST", "/connectors/:connector/deploy-pending"},
		{"PUT", "/monitoring/thresholds"},
	}

	routes := ts.cp.router.Routes()
	for _, e := range expected {
		found := false
		for _, r := range routes {
			if r.Method == e.method && r.Path == e.path {
				found = true
				break
			}
		}
		assert.True(t, found, "route %s %s not registered", e.method, e.path)
	}
}

func TestHealthAndMetrics(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")
}

func TestPipelineCRUD(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/pipelines", pipelineRequest{Name: "orders", Source: sourceSpec()})
	require.Equal(t, http.StatusCreated, w.Code)
	p := decode[model.Pipeline](t, w)
	assert.Equal(t, model.PipelineDraft, p.Status)

	w = ts.do(t, http.MethodPut, "/pipelines/"+p.ID, pipelineRequest{Sink: sinkSpec(), Retention: "72h"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	p = decode[model.Pipeline](t, w)
	assert.Equal(t, model.PipelineReady, p.Status)
	assert.Equal(t, 72*time.Hour, p.Retention)
	assert.Equal(t, "orders", p.Name)

	w = ts.do(t, http.MethodGet, "/pipelines?status=ready", nil)
	require.Equal(t, http.StatusOK, w.Code)
	list := decode[struct {
		Pipelines []*model.Pipeline `json:"pipelines"`
	}](t, w)
	require.Len(t, list.Pipelines, 1)

	w = ts.do(t, http.MethodGet, "/pipelines/"+p.ID+"/state-changes", nil)
	require.Equal(t, http.StatusOK, w.Code)
	changes := decode[struct {
		StateChanges []*model.StateChange `json:"state_changes"`
	}](t, w)
	require.Len(t, changes.StateChanges, 1)
	assert.Equal(t, model.PipelineDraft, changes.StateChanges[0].From)
	assert.Equal(t, model.PipelineReady, changes.StateChanges[0].To)
}

func TestPipelineValidationErrors(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodPost, "/pipelines", pipelineRequest{})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	req := httptest.NewRequest(http.MethodPost, "/pipelines", bytes.NewBufferString("{"))
	rec := httptest.NewRecorder()
	ts.cp.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	w = ts.do(t, http.MethodPost, "/pipelines", pipelineRequest{Name: "x", Retention: "soon"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = ts.do(t, http.MethodGet, "/pipelines/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = ts.do(t, http.MethodGet, "/pipelines?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Drafts cannot be deployed
	w = ts.do(t, http.MethodPost, "/pipelines", pipelineRequest{Name: "draft", Source: sourceSpec()})
	p := decode[model.Pipeline](t, w)
	w = ts.do(t, http.MethodPost, "/pipelines/"+p.ID+"/deploy", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
	assert.Empty(t, ts.connect.connectors, "no side effects")
}

func TestDeployAndStatus(t *testing.T) {
	ts := newTestServer(t)
	p := ts.createReady(t)

	w := ts.do(t, http.MethodPost, "/pipelines/"+p.ID+"/deploy", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	result := decode[deploy.Result](t, w)
	assert.Equal(t, model.PipelineRunning, result.Status)
	assert.Equal(t, []string{"orders.public.items"}, result.Topics)
	assert.Equal(t, "postgres", ts.connect.connectors["orders-source"][normalize.KeyHostname])

	w = ts.do(t, http.MethodGet, "/pipelines/"+p.ID+"/status", nil)
	require.Equal(t, http.StatusOK, w.Code)
	st := decode[struct {
		Source *status.ConnectorReport `json:"source"`
		Sink   *status.ConnectorReport `json:"sink"`
	}](t, w)
	require.True(t, st.Source.Reachable())
	assert.Equal(t, connect.StateRunning, st.Source.Status.State())

	w = ts.do(t, http.MethodGet, "/pipelines/"+p.ID+"/progress", nil)
	require.Equal(t, http.StatusOK, w.Code)
	progress := decode[struct {
		Stages []status.Stage          `json:"stages"`
		Events []*model.ProgressEvent `json:"events"`
	}](t, w)
	assert.Len(t, progress.Stages, 4)
	assert.Len(t, progress.Events, 4)

	w = ts.do(t, http.MethodGet, "/pipelines/"+p.ID+"/activity", nil)
	require.Equal(t, http.StatusOK, w.Code)
	activity := decode[struct {
		Activity []activityEntry `json:"activity"`
	}](t, w)
	assert.GreaterOrEqual(t, len(activity.Activity), 5)

	w = ts.do(t, http.MethodGet, "/pipelines/"+p.ID+"/monitoring", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"metrics_available":false`)
}

// recordingMetrics remembers the connector names snapshots were requested for
type recordingMetrics struct {
	mu    sync.Mutex
	names [][2]string
}

func (m *recordingMetrics) Snapshot(ctx context.Context, source, sink string) promquery.Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.names = append(m.names, [2]string{source, sink})
	return promquery.Snapshot{}
}

func TestMonitoringUsesDeployedConnectorNames(t *testing.T) {
	ts := newTestServer(t)
	metrics := &recordingMetrics{}
	deps := ts.cp.deps
	deps.Metrics = metrics
	ts.cp = NewControlPlane(deps, ts.cp.opts)
	p := ts.createReady(t)

	w := ts.do(t, http.MethodPost, "/pipelines/"+p.ID+"/deploy", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = ts.do(t, http.MethodPut, "/pipelines/"+p.ID, pipelineRequest{Name: "orders2"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = ts.do(t, http.MethodGet, "/pipelines/"+p.ID+"/monitoring", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.NotContains(t, w.Body.String(), `"metrics_available":false`)
	require.Len(t, metrics.names, 1)
	assert.Equal(t, [2]string{"orders-source", "orders-sink"}, metrics.names[0])

	w = ts.do(t, http.MethodPost, "/pipelines/"+p.ID+"/deploy", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	w = ts.do(t, http.MethodGet, "/pipelines/"+p.ID+"/monitoring", nil)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, metrics.names, 2)
	assert.Equal(t, [2]string{"orders2-source", "orders2-sink"}, metrics.names[1])
	assert.NotContains(t, ts.connect.connectors, "orders-source")
}

func TestDeploySinkFailureReturnsBadGateway(t *testing.T) {
	ts := newTestServer(t)
	p := ts.createReady(t)
	ts.connect.failUpsert["orders-sink"] = &connect.APIError{StatusCode: http.StatusBadRequest, Connector: "orders-sink", Message: "invalid config"}

	w := ts.do(t, http.MethodPost, "/pipelines/"+p.ID+"/deploy", nil)
	require.Equal(t, http.StatusBadGateway, w.Code)
	result := decode[deploy.Result](t, w)
	assert.True(t, result.RolledBack)
	assert.Equal(t, model.PipelineError, result.Status)
	assert.NotContains(t, ts.connect.connectors, "orders-source")
}

func TestLogsReportTraces(t *testing.T) {
	ts := newTestServer(t)
	p := ts.createReady(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/pipelines/"+p.ID+"/deploy", nil).Code)
	require.NoError(t, ts.connect.setState("orders-sink", connect.StateFailed))

	w := ts.do(t, http.MethodGet, "/pipelines/"+p.ID+"/logs", nil)
	require.Equal(t, http.StatusOK, w.Code)
	logs := decode[struct {
		Logs []logEntry `json:"logs"`
	}](t, w)
	require.Len(t, logs.Logs, 1)
	assert.Equal(t, model.ConnectorSink, logs.Logs[0].ConnectorType)
	require.NotNil(t, logs.Logs[0].TaskID)
	assert.Equal(t, 0, *logs.Logs[0].TaskID)
}

func TestResolveRequiresActionWhilePaused(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	p := ts.createReady(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/pipelines/"+p.ID+"/deploy", nil).Code)

	require.NoError(t, ts.connect.setState("orders-source", connect.StateFailed))
	require.NoError(t, ts.engine.Sweep(ctx))

	w := ts.do(t, http.MethodGet, "/pipelines/"+p.ID+"/alerts?resolved=false", nil)
	require.Equal(t, http.StatusOK, w.Code)
	alerts := decode[struct {
		Alerts []*model.AlertEvent `json:"alerts"`
	}](t, w)
	require.NotEmpty(t, alerts.Alerts)
	alertID := alerts.Alerts[0].ID

	w = ts.do(t, http.MethodPost, "/connectors/orders-sink/pause", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = ts.do(t, http.MethodPost, "/alerts/"+alertID+"/resolve", nil)
	require.Equal(t, http.StatusConflict, w.Code)
	body := decode[errorResponse](t, w)
	assert.True(t, body.RequiresAction)

	w = ts.do(t, http.MethodPost, "/pipelines/"+p.ID+"/alerts/resolve-all", nil)
	assert.Equal(t, http.StatusConflict, w.Code)

	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/connectors/orders-sink/resume", nil).Code)
	w = ts.do(t, http.MethodPost, "/alerts/"+alertID+"/resolve", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.True(t, decode[model.AlertEvent](t, w).Resolved)

	w = ts.do(t, http.MethodDelete, "/alerts/"+alertID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)
	w = ts.do(t, http.MethodGet, "/alerts/"+alertID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConnectorActionUnknownConnector(t *testing.T) {
	ts := newTestServer(t)
	w := ts.do(t, http.MethodPost, "/connectors/nope/restart", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestThresholds(t *testing.T) {
	ts := newTestServer(t)

	w := ts.do(t, http.MethodGet, "/monitoring/thresholds", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, model.DefaultThresholds(), decode[model.MonitoringThresholds](t, w))

	bad := model.DefaultThresholds()
	bad.ErrorRatePercent = 120
	w = ts.do(t, http.MethodPut, "/monitoring/thresholds", bad)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	good := model.DefaultThresholds()
	good.LagMs = 100
	w = ts.do(t, http.MethodPut, "/monitoring/thresholds", good)
	require.Equal(t, http.StatusOK, w.Code)

	stored, err := ts.store.GetThresholds(context.Background())
	require.NoError(t, err)
	assert.Equal(t, good, stored)
}

func TestPendingChanges(t *testing.T) {
	ts := newTestServer(t)
	p := ts.createReady(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/pipelines/"+p.ID+"/deploy", nil).Code)

	rec, err := ts.store.GetConnectorByType(context.Background(), p.ID, model.ConnectorSink)
	require.NoError(t, err)

	edit := sinkSpec().Config
	edit["batch.size"] = 500
	w := ts.do(t, http.MethodPut, "/connectors/"+rec.ID+"/pending", gin.H{"config": edit})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.True(t, decode[model.PipelineConnector](t, w).HasPendingChanges)

	w = ts.do(t, http.MethodPost, "/connectors/"+rec.ID+"/deploy-pending", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	deployed := decode[model.PipelineConnector](t, w)
	assert.False(t, deployed.HasPendingChanges)
	assert.Equal(t, "500", ts.connect.connectors["orders-sink"]["batch.size"])

	w = ts.do(t, http.MethodPost, "/connectors/"+rec.ID+"/deploy-pending", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code, "nothing left to deploy")
}

func TestSoftDeleteAndRestore(t *testing.T) {
	ts := newTestServer(t)
	p := ts.createReady(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/pipelines/"+p.ID+"/deploy", nil).Code)

	w := ts.do(t, http.MethodDelete, "/pipelines/"+p.ID, nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.PipelineDeleted, decode[model.Pipeline](t, w).Status)
	assert.Empty(t, ts.connect.connectors)

	w = ts.do(t, http.MethodPut, "/pipelines/"+p.ID, pipelineRequest{Name: "renamed"})
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = ts.do(t, http.MethodPost, "/pipelines/"+p.ID+"/restore", nil)
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	assert.Equal(t, model.PipelineRunning, decode[deploy.Result](t, w).Status)
	assert.Contains(t, ts.connect.connectors, "orders-source")
}

func TestDeleteConnectorsRequiresBrokerForTopics(t *testing.T) {
	ts := newTestServer(t)
	p := ts.createReady(t)
	require.Equal(t, http.StatusOK, ts.do(t, http.MethodPost, "/pipelines/"+p.ID+"/deploy", nil).Code)

	w := ts.do(t, http.MethodDelete, "/pipelines/"+p.ID+"/connectors?deleteTopics=true", nil)
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)

	w = ts.do(t, http.MethodDelete, "/pipelines/"+p.ID+"/connectors?deleteTopics=maybe", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = ts.do(t, http.MethodDelete, "/pipelines/"+p.ID+"/connectors", nil)
	require.Equal(t, http.StatusOK, w.Code)
	td := decode[deploy.Teardown](t, w)
	assert.ElementsMatch(t, []string{"orders-source", "orders-sink"}, td.Connectors)
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(&deploy.ValidationError{Reason: "x"}))
	assert.Equal(t, http.StatusNotFound, statusFor(storage.ErrNotFound{Kind: "pipeline", ID: "x"}))
	assert.Equal(t, http.StatusConflict, statusFor(monitor.ErrRequiresAction))
	assert.Equal(t, http.StatusBadGateway, statusFor(&connect.APIError{StatusCode: http.StatusInternalServerError}))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("boom")))
}

func TestControlPlaneStartStop(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()

	require.NoError(t, ts.cp.Start(ctx))
	addr := ts.cp.Addr()
	require.NotEmpty(t, addr)

	resp, err := http.Get("http://" + addr + "/healthz")
	require.NoError(t, err)
	_ = resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, ts.cp.Stop(ctx))
	assert.NoError(t, <-ts.cp.Done())
	assert.NoError(t, ts.cp.Stop(ctx))
}
