package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/withobsrvr/connectctl/internal/model"
	"github.com/withobsrvr/connectctl/internal/utils/logger"
	"go.uber.org/zap"
)

// MemoryStorage is an in-memory implementation of Store for tests and ephemeral runs
type MemoryStorage struct {
	mu           sync.RWMutex
	pipelines    map[string]*model.Pipeline
	connectors   map[string]*model.PipelineConnector // keyed by connectorKey
	alerts       map[string]*model.AlertEvent
	openAlerts   map[string]string // dedup key -> alert ID
	thresholds   *model.MonitoringThresholds
	progress     map[string]*model.ProgressEvent // keyed by progressKey
	stateChanges map[string][]*model.StateChange
}

// NewMemoryStorage creates a new in-memory storage
func NewMemoryStorage() *MemoryStorage {
	return &MemoryStorage{
		pipelines:    make(map[string]*model.Pipeline),
		connectors:   make(map[string]*model.PipelineConnector),
		alerts:       make(map[string]*model.AlertEvent),
		openAlerts:   make(map[string]string),
		progress:     make(map[string]*model.ProgressEvent),
		stateChanges: make(map[string][]*model.StateChange),
	}
}

// Open initializes the storage
func (s *MemoryStorage) Open() error {
	logger.Debug("Opening memory storage")
	return nil
}

// Close closes the storage
func (s *MemoryStorage) Close() error {
	logger.Debug("Closing memory storage")
	return nil
}

// clone deep-copies records so callers never share memory with the store
func clone[T any](v *T) *T {
	data, err := json.Marshal(v)
	if err != nil {
		panic(fmt.Sprintf("clone: %v", err))
	}
	var out T
	if err := json.Unmarshal(data, &out); err != nil {
		panic(fmt.Sprintf("clone: %v", err))
	}
	return &out
}

func (s *MemoryStorage) CreatePipeline(ctx context.Context, p *model.Pipeline) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pipelines[p.ID]; ok {
		return fmt.Errorf("pipeline already exists: %s", p.ID)
	}
	logger.Debug("Creating pipeline in memory", zap.String("id", p.ID))
	s.pipelines[p.ID] = clone(p)
	return nil
}

func (s *MemoryStorage) GetPipeline(ctx context.Context, id string) (*model.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	p, ok := s.pipelines[id]
	if !ok {
		return nil, ErrNotFound{Kind: "pipeline", ID: id}
	}
	return clone(p), nil
}

func (s *MemoryStorage) ListPipelines(ctx context.Context) ([]*model.Pipeline, error) {
	return s.ListPipelinesByStatus(ctx)
}

func (s *MemoryStorage) ListPipelinesByStatus(ctx context.Context, statuses ...model.PipelineStatus) ([]*model.Pipeline, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.Pipeline
	for _, p := range s.pipelines {
		if matchesStatus(p.Status, statuses) {
			out = append(out, clone(p))
		}
	}
	sortPipelines(out)
	return out, nil
}

func (s *MemoryStorage) UpdatePipeline(ctx context.Context, id string, updater func(*model.Pipeline) error) (*model.Pipeline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.pipelines[id]
	if !ok {
		return nil, ErrNotFound{Kind: "pipeline", ID: id}
	}
	updated := clone(p)
	if err := updater(updated); err != nil {
		return nil, err
	}
	updated.UpdatedAt = time.Now().UTC()
	s.pipelines[id] = updated
	return clone(updated), nil
}

func (s *MemoryStorage) DeletePipeline(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pipelines[id]; !ok {
		return ErrNotFound{Kind: "pipeline", ID: id}
	}
	delete(s.pipelines, id)
	for _, t := range model.ConnectorTypes {
		delete(s.connectors, connectorKey(id, t))
	}
	for _, stage := range model.ProgressStages {
		delete(s.progress, progressKey(id, stage))
	}
	delete(s.stateChanges, id)
	for alertID, a := range s.alerts {
		if a.PipelineID == id {
			delete(s.openAlerts, a.DedupKey())
			delete(s.alerts, alertID)
		}
	}
	return nil
}

func (s *MemoryStorage) UpsertConnector(ctx context.Context, c *model.PipelineConnector) (*model.PipelineConnector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := connectorKey(c.PipelineID, c.Type)
	stored := clone(c)
	now := time.Now().UTC()
	if existing, ok := s.connectors[key]; ok {
		stored.ID = existing.ID
		stored.CreatedAt = existing.CreatedAt
	} else {
		if stored.ID == "" {
			stored.ID = uuid.NewString()
		}
		stored.CreatedAt = now
	}
	stored.UpdatedAt = now
	s.connectors[key] = stored
	return clone(stored), nil
}

func (s *MemoryStorage) findConnector(id string) (string, *model.PipelineConnector, error) {
	for key, c := range s.connectors {
		if c.ID == id {
			return key, c, nil
		}
	}
	return "", nil, ErrNotFound{Kind: "connector", ID: id}
}

func (s *MemoryStorage) GetConnector(ctx context.Context, id string) (*model.PipelineConnector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	_, c, err := s.findConnector(id)
	if err != nil {
		return nil, err
	}
	return clone(c), nil
}

func (s *MemoryStorage) GetConnectorByType(ctx context.Context, pipelineID string, t model.ConnectorType) (*model.PipelineConnector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	key := connectorKey(pipelineID, t)
	c, ok := s.connectors[key]
	if !ok {
		return nil, ErrNotFound{Kind: "connector", ID: key}
	}
	return clone(c), nil
}

func (s *MemoryStorage) ListConnectors(ctx context.Context, pipelineID string) ([]*model.PipelineConnector, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.PipelineConnector
	for _, t := range model.ConnectorTypes {
		if c, ok := s.connectors[connectorKey(pipelineID, t)]; ok {
			out = append(out, clone(c))
		}
	}
	return out, nil
}

func (s *MemoryStorage) UpdateConnector(ctx context.Context, id string, updater func(*model.PipelineConnector) error) (*model.PipelineConnector, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, existing, err := s.findConnector(id)
	if err != nil {
		return nil, err
	}
	updated := clone(existing)
	if err := updater(updated); err != nil {
		return nil, err
	}
	updated.PipelineID, updated.Type = existing.PipelineID, existing.Type
	updated.UpdatedAt = time.Now().UTC()
	s.connectors[key] = updated
	return clone(updated), nil
}

func (s *MemoryStorage) DeleteConnector(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, _, err := s.findConnector(id)
	if err != nil {
		return err
	}
	delete(s.connectors, key)
	return nil
}

func (s *MemoryStorage) UpsertAlert(ctx context.Context, a *model.AlertEvent) (*model.AlertEvent, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := time.Now().UTC()
	dedup := a.DedupKey()
	if id, ok := s.openAlerts[dedup]; ok {
		if existing, ok := s.alerts[id]; ok && !existing.Resolved {
			incoming := clone(a)
			existing.Message = incoming.Message
			existing.Metadata = incoming.Metadata
			existing.Severity = incoming.Severity
			existing.UpdatedAt = now
			return clone(existing), false, nil
		}
	}

	stored := clone(a)
	stored.ID = uuid.NewString()
	stored.Resolved = false
	stored.ResolvedAt = nil
	stored.CreatedAt = now
	stored.UpdatedAt = now
	s.alerts[stored.ID] = stored
	s.openAlerts[dedup] = stored.ID
	return clone(stored), true, nil
}

func (s *MemoryStorage) GetAlert(ctx context.Context, id string) (*model.AlertEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound{Kind: "alert", ID: id}
	}
	return clone(a), nil
}

func (s *MemoryStorage) ListAlerts(ctx context.Context, filter AlertFilter) ([]*model.AlertEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.AlertEvent
	for _, a := range s.alerts {
		if filter.matches(a) {
			out = append(out, clone(a))
		}
	}
	sortAlerts(out)
	return out, nil
}

func (s *MemoryStorage) resolve(a *model.AlertEvent, at time.Time) {
	if a.Resolved {
		return
	}
	resolvedAt := at.UTC()
	a.Resolved = true
	a.ResolvedAt = &resolvedAt
	a.UpdatedAt = resolvedAt
	if s.openAlerts[a.DedupKey()] == a.ID {
		delete(s.openAlerts, a.DedupKey())
	}
}

func (s *MemoryStorage) ResolveAlert(ctx context.Context, id string, at time.Time) (*model.AlertEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return nil, ErrNotFound{Kind: "alert", ID: id}
	}
	s.resolve(a, at)
	return clone(a), nil
}

func (s *MemoryStorage) ResolveAlerts(ctx context.Context, pipelineID string, at time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	count := 0
	for _, a := range s.alerts {
		if a.PipelineID == pipelineID && !a.Resolved {
			s.resolve(a, at)
			count++
		}
	}
	return count, nil
}

func (s *MemoryStorage) DeleteAlert(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	a, ok := s.alerts[id]
	if !ok {
		return ErrNotFound{Kind: "alert", ID: id}
	}
	if s.openAlerts[a.DedupKey()] == id {
		delete(s.openAlerts, a.DedupKey())
	}
	delete(s.alerts, id)
	return nil
}

func (s *MemoryStorage) GetThresholds(ctx context.Context) (model.MonitoringThresholds, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.thresholds == nil {
		return model.DefaultThresholds(), nil
	}
	return *s.thresholds, nil
}

func (s *MemoryStorage) SaveThresholds(ctx context.Context, t model.MonitoringThresholds) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.thresholds = &t
	return nil
}

func (s *MemoryStorage) AppendProgressEvent(ctx context.Context, e *model.ProgressEvent) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := progressKey(e.PipelineID, e.Stage)
	if _, ok := s.progress[key]; ok {
		return false, nil
	}
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.progress[key] = clone(e)
	return true, nil
}

func (s *MemoryStorage) ListProgressEvents(ctx context.Context, pipelineID string) ([]*model.ProgressEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*model.ProgressEvent
	for _, stage := range model.ProgressStages {
		if e, ok := s.progress[progressKey(pipelineID, stage)]; ok {
			out = append(out, clone(e))
		}
	}
	return out, nil
}

func (s *MemoryStorage) AppendStateChange(ctx context.Context, c *model.StateChange) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c.ID == "" {
		c.ID = uuid.NewString()
	}
	s.stateChanges[c.PipelineID] = append(s.stateChanges[c.PipelineID], clone(c))
	return nil
}

func (s *MemoryStorage) ListStateChanges(ctx context.Context, pipelineID string) ([]*model.StateChange, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*model.StateChange, 0, len(s.stateChanges[pipelineID]))
	for _, c := range s.stateChanges[pipelineID] {
		out = append(out, clone(c))
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].At.Before(out[j].At) })
	return out, nil
}
