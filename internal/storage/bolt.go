package storage

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/withobsrvr/connectctl/internal/model"
	"github.com/withobsrvr/connectctl/internal/utils/logger"
	bolt "go.etcd.io/bbolt"
	"go.uber.org/zap"
)

const (
	// DefaultBoltFilePath is the default path for the BoltDB file
	DefaultBoltFilePath = "connectctl.db"

	// DefaultBoltFileMode is the default file mode for the BoltDB file
	DefaultBoltFileMode = 0600

	// DefaultBoltTimeout is the default timeout for acquiring the BoltDB file lock
	DefaultBoltTimeout = 1 * time.Second
)

var (
	pipelineBucket    = []byte("pipelines")
	connectorBucket   = []byte("connectors")
	alertBucket       = []byte("alerts")
	openAlertBucket   = []byte("open_alerts")
	settingsBucket    = []byte("settings")
	progressBucket    = []byte("progress_events")
	stateChangeBucket = []byte("state_changes")

	allBuckets = [][]byte{
		pipelineBucket, connectorBucket, alertBucket, openAlertBucket,
		settingsBucket, progressBucket, stateChangeBucket,
	}

	thresholdsKey = []byte("monitoring_thresholds")
)

// BoltDBStorage implements Store using BoltDB.
//
// Connectors are keyed by "<pipeline>/<type>", which makes the one-connector-per-type
// rule a property of the key space. Unresolved alerts are indexed in a separate
// bucket by their dedup key so an upsert is a single lookup inside one write transaction.
type BoltDBStorage struct {
	db      *bolt.DB
	path    string
	options *BoltOptions
}

// BoltOptions configures the BoltDB storage
type BoltOptions struct {
	// Path to the BoltDB file
	Path string
	// File mode for the BoltDB file
	FileMode os.FileMode
	// Timeout for obtaining the file lock
	Timeout time.Duration
}

// NewBoltDBStorage creates a new BoltDBStorage with the given options
func NewBoltDBStorage(opts *BoltOptions) *BoltDBStorage {
	if opts == nil {
		opts = &BoltOptions{}
	}
	if opts.Path == "" {
		opts.Path = DefaultBoltFilePath
	}
	if opts.FileMode == 0 {
		opts.FileMode = DefaultBoltFileMode
	}
	if opts.Timeout == 0 {
		opts.Timeout = DefaultBoltTimeout
	}

	return &BoltDBStorage{
		path:    opts.Path,
		options: opts,
	}
}

// Open initializes the BoltDB database
func (s *BoltDBStorage) Open() error {
	logger.Info("Opening BoltDB database", zap.String("path", s.path))

	if err := os.MkdirAll(filepath.Dir(s.path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for database: %w", err)
	}

	db, err := bolt.Open(s.path, s.options.FileMode, &bolt.Options{Timeout: s.options.Timeout})
	if err != nil {
		return fmt.Errorf("failed to open BoltDB: %w", err)
	}
	s.db = db

	err = s.db.Update(func(tx *bolt.Tx) error {
		for _, name := range allBuckets {
			if _, err := tx.CreateBucketIfNotExists(name); err != nil {
				return fmt.Errorf("failed to create %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		s.db.Close()
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	logger.Info("BoltDB database opened successfully")
	return nil
}

// Close closes the BoltDB database
func (s *BoltDBStorage) Close() error {
	if s.db != nil {
		logger.Info("Closing BoltDB database")
		return s.db.Close()
	}
	return nil
}

func getJSON(b *bolt.Bucket, key []byte, v any) (bool, error) {
	data := b.Get(key)
	if data == nil {
		return false, nil
	}
	if err := json.Unmarshal(data, v); err != nil {
		return false, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return true, nil
}

func putJSON(b *bolt.Bucket, key []byte, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to marshal %s: %w", key, err)
	}
	if err := b.Put(key, data); err != nil {
		return fmt.Errorf("failed to store %s: %w", key, err)
	}
	return nil
}

// deletePrefix removes every key in b starting with prefix
func deletePrefix(b *bolt.Bucket, prefix []byte) error {
	var keys [][]byte
	c := b.Cursor()
	for k, _ := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, _ = c.Next() {
		keys = append(keys, append([]byte(nil), k...))
	}
	for _, k := range keys {
		if err := b.Delete(k); err != nil {
			return err
		}
	}
	return nil
}

// CreatePipeline stores a new pipeline
func (s *BoltDBStorage) CreatePipeline(ctx context.Context, p *model.Pipeline) error {
	logger.Debug("Creating pipeline", zap.String("id", p.ID))
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pipelineBucket)
		if b.Get([]byte(p.ID)) != nil {
			return fmt.Errorf("pipeline already exists: %s", p.ID)
		}
		return putJSON(b, []byte(p.ID), p)
	})
}

// GetPipeline retrieves a pipeline by its ID
func (s *BoltDBStorage) GetPipeline(ctx context.Context, id string) (*model.Pipeline, error) {
	var p model.Pipeline
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(pipelineBucket), []byte(id), &p)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound{Kind: "pipeline", ID: id}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// ListPipelines retrieves all pipelines ordered by creation time
func (s *BoltDBStorage) ListPipelines(ctx context.Context) ([]*model.Pipeline, error) {
	return s.ListPipelinesByStatus(ctx)
}

// ListPipelinesByStatus retrieves pipelines in any of the given statuses, or all when none are given
func (s *BoltDBStorage) ListPipelinesByStatus(ctx context.Context, statuses ...model.PipelineStatus) ([]*model.Pipeline, error) {
	var pipelines []*model.Pipeline
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(pipelineBucket).ForEach(func(k, v []byte) error {
			var p model.Pipeline
			if err := json.Unmarshal(v, &p); err != nil {
				return fmt.Errorf("failed to unmarshal pipeline: %w", err)
			}
			if matchesStatus(p.Status, statuses) {
				pipelines = append(pipelines, &p)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortPipelines(pipelines)
	return pipelines, nil
}

// UpdatePipeline applies updater to a stored pipeline
func (s *BoltDBStorage) UpdatePipeline(ctx context.Context, id string, updater func(*model.Pipeline) error) (*model.Pipeline, error) {
	logger.Debug("Updating pipeline", zap.String("id", id))
	var p model.Pipeline
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pipelineBucket)
		found, err := getJSON(b, []byte(id), &p)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound{Kind: "pipeline", ID: id}
		}
		if err := updater(&p); err != nil {
			return err
		}
		p.UpdatedAt = time.Now().UTC()
		return putJSON(b, []byte(id), &p)
	})
	if err != nil {
		return nil, err
	}
	return &p, nil
}

// DeletePipeline removes a pipeline with its connectors, alerts and logs
func (s *BoltDBStorage) DeletePipeline(ctx context.Context, id string) error {
	logger.Debug("Deleting pipeline", zap.String("id", id))
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(pipelineBucket)
		if b.Get([]byte(id)) == nil {
			return ErrNotFound{Kind: "pipeline", ID: id}
		}
		if err := b.Delete([]byte(id)); err != nil {
			return fmt.Errorf("failed to delete pipeline: %w", err)
		}

		prefix := []byte(id + "/")
		for _, name := range [][]byte{connectorBucket, progressBucket, stateChangeBucket} {
			if err := deletePrefix(tx.Bucket(name), prefix); err != nil {
				return fmt.Errorf("failed to delete %s of pipeline: %w", name, err)
			}
		}
		if err := deletePrefix(tx.Bucket(openAlertBucket), []byte(id+"|")); err != nil {
			return fmt.Errorf("failed to delete alert index of pipeline: %w", err)
		}

		alerts := tx.Bucket(alertBucket)
		var alertIDs [][]byte
		err := alerts.ForEach(func(k, v []byte) error {
			var a model.AlertEvent
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.PipelineID == id {
				alertIDs = append(alertIDs, append([]byte(nil), k...))
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, k := range alertIDs {
			if err := alerts.Delete(k); err != nil {
				return err
			}
		}
		return nil
	})
}

// UpsertConnector inserts or replaces the connector for (PipelineID, Type)
func (s *BoltDBStorage) UpsertConnector(ctx context.Context, c *model.PipelineConnector) (*model.PipelineConnector, error) {
	logger.Debug("Upserting connector",
		zap.String("pipeline_id", c.PipelineID),
		zap.String("type", string(c.Type)))

	stored := *c
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(connectorBucket)
		key := []byte(connectorKey(c.PipelineID, c.Type))

		var existing model.PipelineConnector
		found, err := getJSON(b, key, &existing)
		if err != nil {
			return err
		}
		now := time.Now().UTC()
		if found {
			stored.ID = existing.ID
			stored.CreatedAt = existing.CreatedAt
		} else {
			if stored.ID == "" {
				stored.ID = uuid.NewString()
			}
			stored.CreatedAt = now
		}
		stored.UpdatedAt = now
		return putJSON(b, key, &stored)
	})
	if err != nil {
		return nil, err
	}
	return &stored, nil
}

// findConnector scans for a connector by ID and returns its key
func findConnector(b *bolt.Bucket, id string) ([]byte, *model.PipelineConnector, error) {
	var (
		foundKey []byte
		found    *model.PipelineConnector
	)
	err := b.ForEach(func(k, v []byte) error {
		if found != nil {
			return nil
		}
		var c model.PipelineConnector
		if err := json.Unmarshal(v, &c); err != nil {
			return fmt.Errorf("failed to unmarshal connector: %w", err)
		}
		if c.ID == id {
			foundKey = append([]byte(nil), k...)
			found = &c
		}
		return nil
	})
	if err != nil {
		return nil, nil, err
	}
	if found == nil {
		return nil, nil, ErrNotFound{Kind: "connector", ID: id}
	}
	return foundKey, found, nil
}

// GetConnector retrieves a connector by its ID
func (s *BoltDBStorage) GetConnector(ctx context.Context, id string) (*model.PipelineConnector, error) {
	var c *model.PipelineConnector
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		_, c, err = findConnector(tx.Bucket(connectorBucket), id)
		return err
	})
	return c, err
}

// GetConnectorByType retrieves the pipeline's connector of the given type
func (s *BoltDBStorage) GetConnectorByType(ctx context.Context, pipelineID string, t model.ConnectorType) (*model.PipelineConnector, error) {
	var c model.PipelineConnector
	err := s.db.View(func(tx *bolt.Tx) error {
		key := connectorKey(pipelineID, t)
		found, err := getJSON(tx.Bucket(connectorBucket), []byte(key), &c)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound{Kind: "connector", ID: key}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// ListConnectors retrieves the connectors of a pipeline, source first
func (s *BoltDBStorage) ListConnectors(ctx context.Context, pipelineID string) ([]*model.PipelineConnector, error) {
	var connectors []*model.PipelineConnector
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(connectorBucket)
		for _, t := range model.ConnectorTypes {
			var c model.PipelineConnector
			found, err := getJSON(b, []byte(connectorKey(pipelineID, t)), &c)
			if err != nil {
				return err
			}
			if found {
				connectors = append(connectors, &c)
			}
		}
		return nil
	})
	return connectors, err
}

// UpdateConnector applies updater to a stored connector. The pipeline and type cannot change.
func (s *BoltDBStorage) UpdateConnector(ctx context.Context, id string, updater func(*model.PipelineConnector) error) (*model.PipelineConnector, error) {
	var c *model.PipelineConnector
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(connectorBucket)
		key, existing, err := findConnector(b, id)
		if err != nil {
			return err
		}
		pipelineID, typ := existing.PipelineID, existing.Type
		if err := updater(existing); err != nil {
			return err
		}
		existing.PipelineID, existing.Type = pipelineID, typ
		existing.UpdatedAt = time.Now().UTC()
		c = existing
		return putJSON(b, key, existing)
	})
	return c, err
}

// DeleteConnector removes a connector record
func (s *BoltDBStorage) DeleteConnector(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(connectorBucket)
		key, _, err := findConnector(b, id)
		if err != nil {
			return err
		}
		return b.Delete(key)
	})
}

// UpsertAlert refreshes the open alert with the same dedup key or inserts a new one
func (s *BoltDBStorage) UpsertAlert(ctx context.Context, a *model.AlertEvent) (*model.AlertEvent, bool, error) {
	var (
		stored  model.AlertEvent
		created bool
	)
	err := s.db.Update(func(tx *bolt.Tx) error {
		alerts := tx.Bucket(alertBucket)
		index := tx.Bucket(openAlertBucket)
		dedup := []byte(a.DedupKey())
		now := time.Now().UTC()

		if id := index.Get(dedup); id != nil {
			found, err := getJSON(alerts, id, &stored)
			if err != nil {
				return err
			}
			if found && !stored.Resolved {
				stored.Message = a.Message
				stored.Metadata = a.Metadata
				stored.Severity = a.Severity
				stored.UpdatedAt = now
				return putJSON(alerts, id, &stored)
			}
		}

		stored = *a
		stored.ID = uuid.NewString()
		stored.Resolved = false
		stored.ResolvedAt = nil
		stored.CreatedAt = now
		stored.UpdatedAt = now
		created = true
		if err := putJSON(alerts, []byte(stored.ID), &stored); err != nil {
			return err
		}
		return index.Put(dedup, []byte(stored.ID))
	})
	if err != nil {
		return nil, false, err
	}
	return &stored, created, nil
}

// GetAlert retrieves an alert by its ID
func (s *BoltDBStorage) GetAlert(ctx context.Context, id string) (*model.AlertEvent, error) {
	var a model.AlertEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(alertBucket), []byte(id), &a)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound{Kind: "alert", ID: id}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ListAlerts retrieves alerts matching filter, newest first
func (s *BoltDBStorage) ListAlerts(ctx context.Context, filter AlertFilter) ([]*model.AlertEvent, error) {
	var alerts []*model.AlertEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(alertBucket).ForEach(func(k, v []byte) error {
			var a model.AlertEvent
			if err := json.Unmarshal(v, &a); err != nil {
				return fmt.Errorf("failed to unmarshal alert: %w", err)
			}
			if filter.matches(&a) {
				alerts = append(alerts, &a)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sortAlerts(alerts)
	return alerts, nil
}

func resolveTx(tx *bolt.Tx, a *model.AlertEvent, at time.Time) error {
	if a.Resolved {
		return nil
	}
	a.Resolved = true
	resolvedAt := at.UTC()
	a.ResolvedAt = &resolvedAt
	a.UpdatedAt = resolvedAt

	index := tx.Bucket(openAlertBucket)
	dedup := []byte(a.DedupKey())
	if id := index.Get(dedup); id != nil && string(id) == a.ID {
		if err := index.Delete(dedup); err != nil {
			return err
		}
	}
	return putJSON(tx.Bucket(alertBucket), []byte(a.ID), a)
}

// ResolveAlert marks an alert resolved
func (s *BoltDBStorage) ResolveAlert(ctx context.Context, id string, at time.Time) (*model.AlertEvent, error) {
	var a model.AlertEvent
	err := s.db.Update(func(tx *bolt.Tx) error {
		found, err := getJSON(tx.Bucket(alertBucket), []byte(id), &a)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound{Kind: "alert", ID: id}
		}
		return resolveTx(tx, &a, at)
	})
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// ResolveAlerts resolves every open alert of a pipeline
func (s *BoltDBStorage) ResolveAlerts(ctx context.Context, pipelineID string, at time.Time) (int, error) {
	count := 0
	err := s.db.Update(func(tx *bolt.Tx) error {
		var open []*model.AlertEvent
		err := tx.Bucket(alertBucket).ForEach(func(k, v []byte) error {
			var a model.AlertEvent
			if err := json.Unmarshal(v, &a); err != nil {
				return err
			}
			if a.PipelineID == pipelineID && !a.Resolved {
				open = append(open, &a)
			}
			return nil
		})
		if err != nil {
			return err
		}
		for _, a := range open {
			if err := resolveTx(tx, a, at); err != nil {
				return err
			}
			count++
		}
		return nil
	})
	return count, err
}

// DeleteAlert removes an alert
func (s *BoltDBStorage) DeleteAlert(ctx context.Context, id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		alerts := tx.Bucket(alertBucket)
		var a model.AlertEvent
		found, err := getJSON(alerts, []byte(id), &a)
		if err != nil {
			return err
		}
		if !found {
			return ErrNotFound{Kind: "alert", ID: id}
		}
		index := tx.Bucket(openAlertBucket)
		dedup := []byte(a.DedupKey())
		if cur := index.Get(dedup); cur != nil && string(cur) == id {
			if err := index.Delete(dedup); err != nil {
				return err
			}
		}
		return alerts.Delete([]byte(id))
	})
}

// GetThresholds returns the stored monitoring thresholds
func (s *BoltDBStorage) GetThresholds(ctx context.Context) (model.MonitoringThresholds, error) {
	t := model.DefaultThresholds()
	err := s.db.View(func(tx *bolt.Tx) error {
		_, err := getJSON(tx.Bucket(settingsBucket), thresholdsKey, &t)
		return err
	})
	return t, err
}

// SaveThresholds replaces the monitoring thresholds
func (s *BoltDBStorage) SaveThresholds(ctx context.Context, t model.MonitoringThresholds) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(settingsBucket), thresholdsKey, &t)
	})
}

// AppendProgressEvent stores a progress event once per (pipeline, stage)
func (s *BoltDBStorage) AppendProgressEvent(ctx context.Context, e *model.ProgressEvent) (bool, error) {
	stored := false
	err := s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(progressBucket)
		key := []byte(progressKey(e.PipelineID, e.Stage))
		if b.Get(key) != nil {
			return nil
		}
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		stored = true
		return putJSON(b, key, e)
	})
	return stored, err
}

// ListProgressEvents returns a pipeline's progress events in stage order
func (s *BoltDBStorage) ListProgressEvents(ctx context.Context, pipelineID string) ([]*model.ProgressEvent, error) {
	var events []*model.ProgressEvent
	err := s.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(progressBucket)
		for _, stage := range model.ProgressStages {
			var e model.ProgressEvent
			found, err := getJSON(b, []byte(progressKey(pipelineID, stage)), &e)
			if err != nil {
				return err
			}
			if found {
				events = append(events, &e)
			}
		}
		return nil
	})
	return events, err
}

// AppendStateChange records a pipeline status transition
func (s *BoltDBStorage) AppendStateChange(ctx context.Context, c *model.StateChange) error {
	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	key := fmt.Sprintf("%s/%020d/%s", c.PipelineID, c.At.UnixNano(), c.ID)
	return s.db.Update(func(tx *bolt.Tx) error {
		return putJSON(tx.Bucket(stateChangeBucket), []byte(key), c)
	})
}

// ListStateChanges returns a pipeline's status transitions, oldest first
func (s *BoltDBStorage) ListStateChanges(ctx context.Context, pipelineID string) ([]*model.StateChange, error) {
	var changes []*model.StateChange
	prefix := []byte(pipelineID + "/")
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(stateChangeBucket).Cursor()
		for k, v := c.Seek(prefix); k != nil && bytes.HasPrefix(k, prefix); k, v = c.Next() {
			var sc model.StateChange
			if err := json.Unmarshal(v, &sc); err != nil {
				return fmt.Errorf("failed to unmarshal state change: %w", err)
			}
			changes = append(changes, &sc)
		}
		return nil
	})
	return changes, err
}

func matchesStatus(status model.PipelineStatus, statuses []model.PipelineStatus) bool {
	if len(statuses) == 0 {
		return true
	}
	for _, s := range statuses {
		if s == status {
			return true
		}
	}
	return false
}

func (f AlertFilter) matches(a *model.AlertEvent) bool {
	if f.PipelineID != "" && a.PipelineID != f.PipelineID {
		return false
	}
	if f.Resolved != nil && a.Resolved != *f.Resolved {
		return false
	}
	return true
}

func sortPipelines(p []*model.Pipeline) {
	sort.SliceStable(p, func(i, j int) bool { return p[i].CreatedAt.Before(p[j].CreatedAt) })
}

func sortAlerts(a []*model.AlertEvent) {
	sort.SliceStable(a, func(i, j int) bool { return a[i].UpdatedAt.After(a[j].UpdatedAt) })
}
