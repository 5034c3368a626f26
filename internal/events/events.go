package events

import (
	"context"
	"encoding/json"
	"time"
)

// EventType represents the type of event
type EventType string

const (
	// Executor events
	EventExecutorPaused       EventType = "executor.paused"
	EventExecutorResumed      EventType = "executor.resumed"
	EventExecutorAcceptingOn  EventType = "executor.accepting_on"
	EventExecutorAcceptingOff EventType = "executor.accepting_off"
	EventExecutorInterrupted  EventType = "executor.interrupted"
	EventExecutorShutdown     EventType = "executor.shutdown"
	EventPendingCancelled     EventType = "executor.pending_cancelled"
	EventPendingDrained       EventType = "executor.pending_drained"

	// System events
	EventStatsSnapshot EventType = "stats.snapshot"
)

// Event represents a system event
type Event struct {
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// NewEvent creates a new event
func NewEvent(eventType EventType, data map[string]interface{}) *Event {
	return &Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}
}

// ToJSON serializes the event to JSON
func (e *Event) ToJSON() ([]byte, error) {
	return json.Marshal(e)
}

// FromJSON deserializes an event from JSON
func FromJSON(data []byte) (*Event, error) {
	var event Event
	if err := json.Unmarshal(data, &event); err != nil {
		return nil, err
	}
	return &event, nil
}

// Publisher defines the interface for event publishers
type Publisher interface {
	Publish(ctx context.Context, event *Event) error
	Subscribe(ctx context.Context, eventTypes ...EventType) (<-chan *Event, error)
	Close() error
}

// ExecutorEventData creates event data for executor events
func ExecutorEventData(name string, extra map[string]interface{}) map[string]interface{} {
	data := map[string]interface{}{
		"executor": name,
	}
	for k, v := range extra {
		data[k] = v
	}
	return data
}
