package connect

import (
	"context"
	"net/http"
)

// ConnectorInfo is the definition Kafka Connect holds for a connector
type ConnectorInfo struct {
	Name   string            `json:"name"`
	Config map[string]string `json:"config"`
	Type   string            `json:"type"`
}

// ConnectorState is the state of a connector or one of its tasks
type ConnectorState struct {
	State    string `json:"state"`
	WorkerID string `json:"worker_id"`
	Trace    string `json:"trace,omitempty"`
}

// TaskStatus is the state of one task
type TaskStatus struct {
	ID int `json:"id"`
	ConnectorState
}

// ConnectorStatus is the answer of GET /connectors/{name}/status
type ConnectorStatus struct {
	Name      string         `json:"name"`
	Connector ConnectorState `json:"connector"`
	Tasks     []TaskStatus   `json:"tasks"`
	Type      string         `json:"type"`
}

// State is the connector-level state
func (s *ConnectorStatus) State() string {
	return s.Connector.State
}

// RunningTasks counts tasks in the RUNNING state
func (s *ConnectorStatus) RunningTasks() int {
	n := 0
	for _, t := range s.Tasks {
		if t.State == StateRunning {
			n++
		}
	}
	return n
}

// FailedTasks returns the tasks in the FAILED state
func (s *ConnectorStatus) FailedTasks() []TaskStatus {
	var failed []TaskStatus
	for _, t := range s.Tasks {
		if t.State == StateFailed {
			failed = append(failed, t)
		}
	}
	return failed
}

type createRequest struct {
	Name   string            `json:"name"`
	Config map[string]string `json:"config"`
}

// Get returns the connector definition
func (c *Client) Get(ctx context.Context, name string) (*ConnectorInfo, error) {
	var info ConnectorInfo
	if err := c.do(ctx, http.MethodGet, "/connectors/{name}", name, nil, &info); err != nil {
		return nil, err
	}
	return &info, nil
}

// Exists probes for a connector by name
func (c *Client) Exists(ctx context.Context, name string) (bool, error) {
	_, err := c.Get(ctx, name)
	if IsNotFound(err) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Create registers a new connector
func (c *Client) Create(ctx context.Context, name string, config map[string]string) error {
	return c.do(ctx, http.MethodPost, "/connectors", "", createRequest{Name: name, Config: config}, nil)
}

// UpdateConfig replaces the configuration of an existing connector
func (c *Client) UpdateConfig(ctx context.Context, name string, config map[string]string) error {
	return c.do(ctx, http.MethodPut, "/connectors/{name}/config", name, config, nil)
}

// Upsert creates the connector or updates its configuration when it already
// exists, and reports whether it was created. The probe and the write are two
// calls, so racing callers may both attempt a create; the loser gets a 409.
func (c *Client) Upsert(ctx context.Context, name string, config map[string]string) (bool, error) {
	exists, err := c.Exists(ctx, name)
	if err != nil {
		return false, err
	}
	if exists {
		return false, c.UpdateConfig(ctx, name, config)
	}
	return true, c.Create(ctx, name, config)
}

// Delete removes a connector and stops its tasks
func (c *Client) Delete(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/connectors/{name}", name, nil, nil)
}

// Pause suspends a connector and its tasks
func (c *Client) Pause(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPut, "/connectors/{name}/pause", name, nil, nil)
}

// Resume resumes a paused connector
func (c *Client) Resume(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPut, "/connectors/{name}/resume", name, nil, nil)
}

// Restart restarts a connector
func (c *Client) Restart(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/connectors/{name}/restart", name, nil, nil)
}

// Status returns the connector and task states
func (c *Client) Status(ctx context.Context, name string) (*ConnectorStatus, error) {
	var status ConnectorStatus
	if err := c.do(ctx, http.MethodGet, "/connectors/{name}/status", name, nil, &status); err != nil {
		return nil, err
	}
	return &status, nil
}

// Topics returns the topics a connector has used since its topic set was last reset
func (c *Client) Topics(ctx context.Context, name string) ([]string, error) {
	var out map[string]struct {
		Topics []string `json:"topics"`
	}
	if err := c.do(ctx, http.MethodGet, "/connectors/{name}/topics", name, nil, &out); err != nil {
		return nil, err
	}
	return out[name].Topics, nil
}

// ResetOffsets deletes the committed offsets of a stopped or deleted connector.
// Workers older than Kafka 3.6 answer 404 or 405.
func (c *Client) ResetOffsets(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/connectors/{name}/offsets", name, nil, nil)
}
