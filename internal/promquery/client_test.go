package promquery

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func prometheusStub(t *testing.T, values map[string]string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		query := r.FormValue("query")
		w.Header().Set("Content-Type", "application/json")

		for needle, value := range values {
			if strings.Contains(query, needle) {
				fmt.Fprintf(w, `{"status":"success","data":{"resultType":"vector","result":[{"metric":{},"value":[1700000000,%q]}]}}`, value)
				return
			}
		}
		fmt.Fprint(w, `{"status":"success","data":{"resultType":"vector","result":[]}}`)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestSnapshot(t *testing.T) {
	srv := prometheusStub(t, map[string]string{
		"source_record_poll_rate":  "12.5",
		"source_record_write_rate": "10",
		"sink_record_send_rate":    "9",
		"total_record_errors":      "3",
	})

	client, err := DefaultClient(srv.URL, 0)
	require.NoError(t, err)

	s := client.Snapshot(context.Background(), "orders-source", "orders-sink")
	assert.Equal(t, 12.5, s.PollRate)
	assert.Equal(t, 10.0, s.WriteRate)
	assert.Equal(t, 9.0, s.SendRate)
	// Errors are summed over both connectors
	assert.Equal(t, 6.0, s.Errors)
	assert.True(t, s.Has(MetricPollRate))
	assert.False(t, s.Has(MetricCommitSuccess))
	assert.Zero(t, s.CommitSuccessPercent)
}

func TestSnapshot_Unreachable(t *testing.T) {
	client, err := DefaultClient("http://127.0.0.1:1", 0)
	require.NoError(t, err)

	s := client.Snapshot(context.Background(), "orders-source", "")
	assert.Zero(t, s.PollRate)
	for _, metric := range []string{MetricPollRate, MetricWriteRate, MetricSendRate, MetricCommitSuccess, MetricErrors} {
		assert.False(t, s.Has(metric), metric)
	}
}
