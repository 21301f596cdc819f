// Package promquery reads Kafka Connect worker metrics from Prometheus.
package promquery

import (
	"context"
	"fmt"
	"time"

	"github.com/prometheus/client_golang/api"
	v1 "github.com/prometheus/client_golang/api/prometheus/v1"
	"github.com/prometheus/common/model"
	"github.com/withobsrvr/connectctl/internal/utils/logger"
	"go.uber.org/zap"
)

const DefaultQueryTimeout = 5 * time.Second

// Metric names reported in Snapshot.Missing
const (
	MetricPollRate      = "poll_rate"
	MetricWriteRate     = "write_rate"
	MetricSendRate      = "send_rate"
	MetricCommitSuccess = "commit_success_percent"
	MetricErrors        = "errors"
)

var queries = map[string]string{
	MetricPollRate:      `sum(kafka_connect_source_task_metrics_source_record_poll_rate{connector=%q})`,
	MetricWriteRate:     `sum(kafka_connect_source_task_metrics_source_record_write_rate{connector=%q})`,
	MetricSendRate:      `sum(kafka_connect_sink_task_metrics_sink_record_send_rate{connector=%q})`,
	MetricCommitSuccess: `avg(kafka_connect_connector_task_metrics_offset_commit_success_percentage{connector=%q})`,
	MetricErrors:        `sum(kafka_connect_task_error_metrics_total_record_errors{connector=%q})`,
}

// Snapshot holds the current worker metrics for one pipeline. Metrics that
// could not be read are zero and listed in Missing.
type Snapshot struct {
	PollRate             float64  `json:"poll_rate"`
	WriteRate            float64  `json:"write_rate"`
	SendRate             float64  `json:"send_rate"`
	CommitSuccessPercent float64  `json:"commit_success_percent"`
	Errors               float64  `json:"errors"`
	Missing              []string `json:"missing,omitempty"`
}

// Has reports whether metric was read successfully
func (s Snapshot) Has(metric string) bool {
	for _, m := range s.Missing {
		if m == metric {
			return false
		}
	}
	return true
}

// Client queries a Prometheus server
type Client struct {
	api     v1.API
	timeout time.Duration
	logger  *zap.Logger
}

// DefaultClient creates a Client for the Prometheus server at address
func DefaultClient(address string, timeout time.Duration) (*Client, error) {
	client, err := api.NewClient(api.Config{
		Address: address,
	})
	if err != nil {
		return nil, fmt.Errorf("error creating Prometheus client: %w", err)
	}
	return NewClient(v1.NewAPI(client), timeout), nil
}

// NewClient wraps an existing Prometheus API
func NewClient(api v1.API, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultQueryTimeout
	}
	return &Client{
		api:     api,
		timeout: timeout,
		logger:  logger.Named("promquery"),
	}
}

// Snapshot reads the source metrics of source and the sink metrics of sink.
// Either name may be empty.
func (c *Client) Snapshot(ctx context.Context, source, sink string) Snapshot {
	var s Snapshot
	read := func(metric, connector string, dst *float64) {
		if connector == "" {
			s.Missing = append(s.Missing, metric)
			return
		}
		v, ok := c.scalar(ctx, fmt.Sprintf(queries[metric], connector))
		if !ok {
			s.Missing = append(s.Missing, metric)
			return
		}
		*dst = v
	}

	read(MetricPollRate, source, &s.PollRate)
	read(MetricWriteRate, source, &s.WriteRate)
	read(MetricSendRate, sink, &s.SendRate)
	read(MetricCommitSuccess, source, &s.CommitSuccessPercent)

	errorsFound := false
	for _, name := range []string{source, sink} {
		if name == "" {
			continue
		}
		if v, ok := c.scalar(ctx, fmt.Sprintf(queries[MetricErrors], name)); ok {
			s.Errors += v
			errorsFound = true
		}
	}
	if !errorsFound {
		s.Missing = append(s.Missing, MetricErrors)
	}
	return s
}

// scalar runs an instant query and sums the returned vector
func (c *Client) scalar(ctx context.Context, query string) (float64, bool) {
	result, warnings, err := c.api.Query(ctx, query, time.Now(), v1.WithTimeout(c.timeout))
	if err != nil {
		c.logger.Debug("Prometheus query failed", zap.String("query", query), zap.Error(err))
		return 0, false
	}
	if len(warnings) > 0 {
		c.logger.Debug("Warnings while querying Prometheus", zap.String("query", query), zap.Strings("warnings", []string(warnings)))
	}

	vec, ok := result.(model.Vector)
	if !ok || len(vec) == 0 {
		return 0, false
	}
	var sum float64
	for _, sample := range vec {
		sum += float64(sample.Value)
	}
	return sum, true
}
