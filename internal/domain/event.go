package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	// Definition lifecycle events.
	EventWorkflowCreated EventType = "workflow.created"
	EventWorkflowUpdated EventType = "workflow.updated"
	EventWorkflowDeleted EventType = "workflow.deleted"

	// Execution lifecycle events.
	EventExecutionStarted   EventType = "execution.started"
	EventExecutionNode      EventType = "execution.node"
	EventExecutionCompleted EventType = "execution.completed"
	EventExecutionFailed    EventType = "execution.failed"
	EventExecutionCancelled EventType = "execution.cancelled"

	// Scheduler events.
	EventScheduleFired EventType = "schedule.fired"
)

// Event is the envelope published on the event bus.
type Event struct {
	Type        EventType       `json:"type"`
	Timestamp   time.Time       `json:"timestamp"`
	WorkflowID  string          `json:"workflow_id,omitempty"`
	ExecutionID string          `json:"execution_id,omitempty"`
	Payload     json.RawMessage `json:"payload,omitempty"`
}

// ExecutionEventPayload is carried by execution.* events.
type ExecutionEventPayload struct {
	Status   ExecutionStatus `json:"status"`
	NodeID   string          `json:"node_id,omitempty"`
	NodeType NodeType        `json:"node_type,omitempty"`
	Error    string          `json:"error,omitempty"`
	Duration time.Duration   `json:"duration,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish sends an event to all matching subscribers.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains in-flight handlers and prevents new publishes.
	Close()
}
