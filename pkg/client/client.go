package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// ExecutorStatus mirrors the monitor API's executor snapshot.
type ExecutorStatus struct {
	Name         string   `json:"name"`
	Accepting    bool     `json:"accepting"`
	Processing   bool     `json:"processing"`
	Shutdown     bool     `json:"shutdown"`
	Workers      int      `json:"workers"`
	Running      int      `json:"running"`
	Working      int      `json:"working"`
	Idle         int      `json:"idle"`
	Pending      int      `json:"pending"`
	WorkerStates []string `json:"worker_states,omitempty"`
}

// HealthStatus mirrors the monitor API's health response.
type HealthStatus struct {
	Status    string `json:"status"`
	Executors int    `json:"executors"`
	Shutdown  int    `json:"shutdown"`
}

// Event mirrors a monitor event delivered over WebSocket.
type Event struct {
	Type      string                 `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// MonitorClient talks to a quillexec monitor server.
type MonitorClient struct {
	baseURL string
	opts    *options
	ws      *wsConn
}

// New creates a new MonitorClient.
func New(baseURL string, opts ...Option) (*MonitorClient, error) {
	baseURL = strings.TrimSuffix(baseURL, "/")
	if baseURL == "" {
		return nil, fmt.Errorf("client: base URL is required")
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}

	return &MonitorClient{
		baseURL: baseURL,
		opts:    o,
	}, nil
}

// CheckHealth checks the health of the monitor server.
func (c *MonitorClient) CheckHealth(ctx context.Context) (*HealthStatus, error) {
	var out HealthStatus
	if err := c.do(ctx, http.MethodGet, "/admin/health", &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// ListExecutors returns the status of every registered executor.
func (c *MonitorClient) ListExecutors(ctx context.Context) ([]*ExecutorStatus, error) {
	var out struct {
		Executors []*ExecutorStatus `json:"executors"`
	}
	if err := c.do(ctx, http.MethodGet, "/admin/executors/", &out); err != nil {
		return nil, err
	}
	return out.Executors, nil
}

// GetExecutor returns the status of one executor.
func (c *MonitorClient) GetExecutor(ctx context.Context, name string) (*ExecutorStatus, error) {
	var out ExecutorStatus
	if err := c.do(ctx, http.MethodGet, "/admin/executors/"+name, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

// PauseExecutor stops the executor's workers from dequeuing.
func (c *MonitorClient) PauseExecutor(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/admin/executors/"+name+"/pause", nil)
}

// ResumeExecutor lets the executor's workers dequeue again.
func (c *MonitorClient) ResumeExecutor(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/admin/executors/"+name+"/resume", nil)
}

// InterruptWorkers cancels the executor's in-flight task contexts.
func (c *MonitorClient) InterruptWorkers(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/admin/executors/"+name+"/interrupt", nil)
}

// CancelPending cancels every queued task of the executor.
func (c *MonitorClient) CancelPending(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/admin/executors/"+name+"/pending/cancel", nil)
}

// ShutdownExecutor requests a graceful shutdown.
func (c *MonitorClient) ShutdownExecutor(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/admin/executors/"+name+"/shutdown", nil)
}

func (c *MonitorClient) do(ctx context.Context, method, path string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bytes.NewReader(nil))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	c.opts.apply(req)

	resp, err := c.opts.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 400 {
		var apiErr errorResponse
		if err := json.NewDecoder(resp.Body).Decode(&apiErr); err == nil && apiErr.Message != "" {
			return fmt.Errorf("client: %s (status %d)", apiErr.Message, resp.StatusCode)
		}
		return fmt.Errorf("client: unexpected status %d", resp.StatusCode)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

// ConnectWebSocket establishes a WebSocket connection for live events.
func (c *MonitorClient) ConnectWebSocket(ctx context.Context) error {
	if c.ws != nil && c.ws.isConnected() {
		return nil
	}
	c.ws = newWSConn(c.baseURL, c.opts)
	return c.ws.connect(ctx)
}

// Events returns the channel receiving WebSocket events. ConnectWebSocket
// must have been called; without it the channel is closed.
func (c *MonitorClient) Events() <-chan *Event {
	if c.ws == nil {
		ch := make(chan *Event)
		close(ch)
		return ch
	}
	return c.ws.events()
}

// SubscribeEvents limits the WebSocket stream to the given event types.
func (c *MonitorClient) SubscribeEvents(eventTypes ...string) error {
	if c.ws == nil {
		return fmt.Errorf("client: websocket not connected")
	}
	return c.ws.subscribe(eventTypes...)
}

// CloseWebSocket closes the WebSocket connection.
func (c *MonitorClient) CloseWebSocket() error {
	if c.ws == nil {
		return nil
	}
	return c.ws.close()
}
