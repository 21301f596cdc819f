package connect

import (
	"context"
	"encoding/json"
	"net/http"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testURL = "http://connect:8083"

func newTestClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(Options{URL: testURL, RetryCount: -1})
	httpmock.ActivateNonDefault(c.http.GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func notFound(name string) httpmock.Responder {
	return httpmock.NewJsonResponderOrPanic(http.StatusNotFound, map[string]any{
		"error_code": 404,
		"message":    "Connector " + name + " not found",
	})
}

func TestUpsert_CreatesWhenAbsent(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("GET", testURL+"/connectors/orders-source", notFound("orders-source"))

	var posted createRequest
	httpmock.RegisterResponder("POST", testURL+"/connectors", func(req *http.Request) (*http.Response, error) {
		if err := json.NewDecoder(req.Body).Decode(&posted); err != nil {
			return httpmock.NewStringResponse(http.StatusBadRequest, err.Error()), nil
		}
		return httpmock.NewJsonResponse(http.StatusCreated, posted)
	})

	created, err := c.Upsert(context.Background(), "orders-source", map[string]string{"tasks.max": "1"})
	require.NoError(t, err)
	assert.True(t, created)
	assert.Equal(t, "orders-source", posted.Name)
	assert.Equal(t, "1", posted.Config["tasks.max"])
}

func TestUpsert_UpdatesWhenPresent(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("GET", testURL+"/connectors/orders-sink",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, ConnectorInfo{Name: "orders-sink", Type: "sink"}))
	httpmock.RegisterResponder("PUT", testURL+"/connectors/orders-sink/config",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, ConnectorInfo{Name: "orders-sink"}))

	created, err := c.Upsert(context.Background(), "orders-sink", map[string]string{"topics": "a"})
	require.NoError(t, err)
	assert.False(t, created)

	calls := httpmock.GetCallCountInfo()
	assert.Equal(t, 1, calls["PUT "+testURL+"/connectors/orders-sink/config"])
	assert.Equal(t, 0, calls["POST "+testURL+"/connectors"])
}

func TestStatus(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("GET", testURL+"/connectors/orders-source/status",
		httpmock.NewStringResponder(http.StatusOK, `{
			"name": "orders-source",
			"connector": {"state": "RUNNING", "worker_id": "w1:8083"},
			"tasks": [
				{"id": 0, "state": "RUNNING", "worker_id": "w1:8083"},
				{"id": 1, "state": "FAILED", "worker_id": "w2:8083", "trace": "boom"}
			],
			"type": "source"
		}`).HeaderSet(http.Header{"Content-Type": []string{"application/json"}}))

	status, err := c.Status(context.Background(), "orders-source")
	require.NoError(t, err)
	assert.Equal(t, StateRunning, status.State())
	assert.Equal(t, 1, status.RunningTasks())

	failed := status.FailedTasks()
	require.Len(t, failed, 1)
	assert.Equal(t, 1, failed[0].ID)
	assert.Equal(t, "boom", failed[0].Trace)
}

func TestTopics(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("GET", testURL+"/connectors/orders-source/topics",
		httpmock.NewJsonResponderOrPanic(http.StatusOK, map[string]any{
			"orders-source": map[string]any{"topics": []string{"orders.public.a", "orders.public.b"}},
		}))

	topics, err := c.Topics(context.Background(), "orders-source")
	require.NoError(t, err)
	assert.Equal(t, []string{"orders.public.a", "orders.public.b"}, topics)
}

func TestDelete_NotFound(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("DELETE", testURL+"/connectors/gone", notFound("gone"))

	err := c.Delete(context.Background(), "gone")
	require.Error(t, err)
	assert.True(t, IsNotFound(err))

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, "Connector gone not found", apiErr.Message)
}

func TestLifecycleVerbs(t *testing.T) {
	c := newTestClient(t)
	ctx := context.Background()

	httpmock.RegisterResponder("PUT", testURL+"/connectors/x/pause", httpmock.NewStringResponder(http.StatusAccepted, ""))
	httpmock.RegisterResponder("PUT", testURL+"/connectors/x/resume", httpmock.NewStringResponder(http.StatusAccepted, ""))
	httpmock.RegisterResponder("POST", testURL+"/connectors/x/restart", httpmock.NewStringResponder(http.StatusNoContent, ""))
	httpmock.RegisterResponder("DELETE", testURL+"/connectors/x/offsets", httpmock.NewStringResponder(http.StatusOK, ""))

	require.NoError(t, c.Pause(ctx, "x"))
	require.NoError(t, c.Resume(ctx, "x"))
	require.NoError(t, c.Restart(ctx, "x"))
	require.NoError(t, c.ResetOffsets(ctx, "x"))
	assert.Equal(t, 4, httpmock.GetTotalCallCount())
}

func TestExists_PropagatesServerErrors(t *testing.T) {
	c := newTestClient(t)

	httpmock.RegisterResponder("GET", testURL+"/connectors/x",
		httpmock.NewStringResponder(http.StatusInternalServerError, "worker unavailable"))

	exists, err := c.Exists(context.Background(), "x")
	require.Error(t, err)
	assert.False(t, exists)
	assert.False(t, IsNotFound(err))
}

func newRetryingClient(t *testing.T) *Client {
	t.Helper()
	c := NewClient(Options{URL: testURL, RetryCount: 2})
	c.http.SetRetryWaitTime(time.Millisecond).SetRetryMaxWaitTime(time.Millisecond)
	httpmock.ActivateNonDefault(c.http.GetClient())
	t.Cleanup(httpmock.DeactivateAndReset)
	return c
}

func conflictThen(status int) httpmock.Responder {
	calls := 0
	return func(req *http.Request) (*http.Response, error) {
		calls++
		if calls == 1 {
			return httpmock.NewStringResponse(http.StatusConflict, `{"error_code":409,"message":"rebalance in progress"}`), nil
		}
		return httpmock.NewStringResponse(status, `{}`), nil
	}
}

func TestCreate_ConflictIsNotRetried(t *testing.T) {
	c := newRetryingClient(t)

	httpmock.RegisterResponder("POST", testURL+"/connectors",
		httpmock.NewStringResponder(http.StatusConflict, `{"error_code":409,"message":"Connector x already exists"}`))

	err := c.Create(context.Background(), "x", map[string]string{"connector.class": "c"})
	require.Error(t, err)
	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusConflict, apiErr.StatusCode)
	assert.Equal(t, 1, httpmock.GetCallCountInfo()["POST "+testURL+"/connectors"])
}

func TestUpdateConfig_RetriesConflict(t *testing.T) {
	c := newRetryingClient(t)

	httpmock.RegisterResponder("PUT", testURL+"/connectors/x/config", conflictThen(http.StatusOK))
	httpmock.RegisterResponder("PUT", testURL+"/connectors/x/pause", conflictThen(http.StatusAccepted))

	require.NoError(t, c.UpdateConfig(context.Background(), "x", map[string]string{"connector.class": "c"}))
	require.NoError(t, c.Pause(context.Background(), "x"))
	calls := httpmock.GetCallCountInfo()
	assert.Equal(t, 2, calls["PUT "+testURL+"/connectors/x/config"])
	assert.Equal(t, 2, calls["PUT "+testURL+"/connectors/x/pause"])
}
