package pipelines

import (
	"bytes"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/fatih/color"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func init() {
	color.NoColor = true
}

func serve(t *testing.T, handler http.HandlerFunc) {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	now = func() time.Time { return time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC) }
	t.Cleanup(func() { now = time.Now })
	serverArgs = []string{"--server", srv.URL}
}

var serverArgs []string

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewCommand()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(append(args, serverArgs...))
	err := cmd.Execute()
	return out.String(), err
}

func TestList(t *testing.T) {
	serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pipelines", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"pipelines":[{"id":"p1","name":"orders","status":"running","restore_count":1,"updated_at":"2026-10-19T09:25:00Z"}]}`))
	})

	out, err := execute(t, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "orders")
	assert.Contains(t, out, "running")
	assert.Contains(t, out, "5m ago")
	assert.Contains(t, out, "1 pipeline(s) found")
}

func TestStatus(t *testing.T) {
	serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/pipelines/p1/status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"status":"running",
			"source":{"type":"source","name":"orders-source","status":{"name":"orders-source","connector":{"state":"RUNNING"},"tasks":[{"id":0,"state":"RUNNING"}]}},
			"sink":{"type":"sink","name":"orders-sink","error":"timeout"}}`))
	})

	out, err := execute(t, "status", "p1")
	require.NoError(t, err)
	assert.Contains(t, out, "1/1 running")
	assert.Contains(t, out, "UNREACHABLE")
}

func TestAction_ReportsRequiresAction(t *testing.T) {
	serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Path {
		case "/pipelines/p1/pause":
			w.Write([]byte(`{"id":"p1"}`))
		case "/pipelines/p1/alerts/resolve-all":
			w.WriteHeader(http.StatusConflict)
			w.Write([]byte(`{"error":"pipeline p1: connector is paused","requiresAction":true}`))
		default:
			w.WriteHeader(http.StatusNotFound)
		}
	})

	out, err := execute(t, "pause", "p1")
	require.NoError(t, err)
	assert.Contains(t, out, "pause succeeded")

	_, err = execute(t, "resolve-alerts", "p1")
	assert.ErrorContains(t, err, "resume the pipeline first")
}

func TestAlerts_DefaultsToOpen(t *testing.T) {
	serve(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "false", r.URL.Query().Get("resolved"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"alerts":[{"id":"a1","alert_type":"CONNECTOR_FAILED","severity":"critical","connector_type":"sink","message":"sink failed","created_at":"2026-10-19T07:30:00Z"}]}`))
	})

	out, err := execute(t, "alerts", "p1")
	require.NoError(t, err)
	assert.Contains(t, out, "CONNECTOR_FAILED")
	assert.Contains(t, out, "2h ago")
}

func TestFormatAge(t *testing.T) {
	now = func() time.Time { return time.Date(2026, 10, 19, 9, 30, 0, 0, time.UTC) }
	defer func() { now = time.Now }()

	base := now()
	assert.Equal(t, "30s ago", formatAge(base.Add(-30*time.Second)))
	assert.Equal(t, "3d ago", formatAge(base.Add(-72*time.Hour)))
}
