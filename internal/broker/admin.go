// Package broker wraps the Kafka admin operations used after a source
// connector starts producing.
package broker

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/twmb/franz-go/pkg/kadm"
	"github.com/twmb/franz-go/pkg/kerr"
	"github.com/twmb/franz-go/pkg/kgo"
	"github.com/withobsrvr/connectctl/internal/utils/logger"
	"go.uber.org/zap"
)

// Admin lists and tunes topics on one Kafka cluster
type Admin struct {
	client *kadm.Client
	logger *zap.Logger
}

// NewAdmin connects to the given seed brokers
func NewAdmin(brokers []string, opts ...kgo.Opt) (*Admin, error) {
	if len(brokers) == 0 {
		return nil, errors.New("no seed brokers configured")
	}
	opts = append([]kgo.Opt{kgo.SeedBrokers(brokers...)}, opts...)
	cl, err := kgo.NewClient(opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create kafka client: %w", err)
	}
	return &Admin{
		client: kadm.NewClient(cl),
		logger: logger.Named("broker"),
	}, nil
}

// Close releases the underlying connections
func (a *Admin) Close() {
	a.client.Close()
}

// MatchesPrefix reports whether topic belongs to a connector with the given
// topic prefix: either the prefix itself or prefix followed by a dot.
func MatchesPrefix(prefix, topic string) bool {
	return topic == prefix || strings.HasPrefix(topic, prefix+".")
}

// FilterByPrefix returns the sorted subset of topics matching prefix
func FilterByPrefix(prefix string, topics []string) []string {
	var out []string
	for _, t := range topics {
		if MatchesPrefix(prefix, t) {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// DiscoverTopics lists non-internal topics and keeps those matching prefix
func (a *Admin) DiscoverTopics(ctx context.Context, prefix string) ([]string, error) {
	details, err := a.client.ListTopics(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list topics: %w", err)
	}
	topics := FilterByPrefix(prefix, details.Names())
	a.logger.Debug("Discovered topics", zap.String("prefix", prefix), zap.Strings("topics", topics))
	return topics, nil
}

// EnableCompaction switches topics to log compaction and shortens how long
// tombstones are retained.
func (a *Admin) EnableCompaction(ctx context.Context, topics []string, tombstoneRetention time.Duration) error {
	if len(topics) == 0 {
		return nil
	}
	configs := []kadm.AlterConfig{
		{Op: kadm.SetConfig, Name: "cleanup.policy", Value: kadm.StringPtr("compact")},
		{Op: kadm.SetConfig, Name: "delete.retention.ms", Value: kadm.StringPtr(strconv.FormatInt(tombstoneRetention.Milliseconds(), 10))},
	}
	resps, err := a.client.AlterTopicConfigs(ctx, configs, topics...)
	if err != nil {
		return fmt.Errorf("failed to alter topic configs: %w", err)
	}

	var errs []error
	for _, r := range resps {
		if r.Err != nil {
			errs = append(errs, fmt.Errorf("topic %s: %w", r.Name, r.Err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	a.logger.Info("Enabled compaction", zap.Strings("topics", topics))
	return nil
}

// DeleteTopics removes topics. Topics that no longer exist are not an error.
func (a *Admin) DeleteTopics(ctx context.Context, topics ...string) error {
	if len(topics) == 0 {
		return nil
	}
	resps, err := a.client.DeleteTopics(ctx, topics...)
	if err != nil {
		return fmt.Errorf("failed to delete topics: %w", err)
	}

	var errs []error
	for topic, r := range resps {
		if r.Err != nil && !errors.Is(r.Err, kerr.UnknownTopicOrPartition) {
			errs = append(errs, fmt.Errorf("topic %s: %w", topic, r.Err))
		}
	}
	return errors.Join(errs...)
}
