package domain

import (
	"context"
	"encoding/json"
	"time"
)

// EventType identifies the kind of event being published.
type EventType string

const (
	EventTaskAdmitted     EventType = "task.admitted"
	EventTaskChunk        EventType = "task.chunk"
	EventTaskCompleted    EventType = "task.completed"
	EventTaskFailed       EventType = "task.failed"
	EventTaskCancelled    EventType = "task.cancelled"
	EventTaskDelegated    EventType = "task.delegated"
	EventProviderSwitch   EventType = "provider.switch"
	EventSessionCreated   EventType = "session.created"
	EventSessionCancelled EventType = "session.cancelled"
	EventSessionExpired   EventType = "session.expired"
	EventHealthReport     EventType = "health.report"
)

// HealthFieldActor is the health report field naming the actor a failure
// belongs to. Reports carrying it are routed to that actor only.
const HealthFieldActor = "actor_id"

// Event is the envelope published on the event bus.
type Event struct {
	Type      EventType       `json:"type"`
	Timestamp time.Time       `json:"timestamp"`
	SessionID string          `json:"session_id,omitempty"`
	ActorID   string          `json:"actor_id,omitempty"` // owner; empty for process-wide events
	Payload   json.RawMessage `json:"payload,omitempty"`
}

// EventHandler is a callback invoked when an event is received.
type EventHandler func(ctx context.Context, event Event)

// EventBus provides a publish/subscribe mechanism for domain events.
type EventBus interface {
	// Publish delivers an event to all matching subscribers. Events published
	// from one goroutine reach each subscriber in publish order.
	Publish(ctx context.Context, event Event)
	// Subscribe registers a handler for a specific event type.
	// Returns an unsubscribe function.
	Subscribe(eventType EventType, handler EventHandler) func()
	// SubscribeAll registers a handler that receives every event.
	// Returns an unsubscribe function.
	SubscribeAll(handler EventHandler) func()
	// Close drains queued events and prevents new publishes.
	Close()
}

// TaskEventKind is the kind of output a task delivers to the sink.
type TaskEventKind string

const (
	TaskChunk          TaskEventKind = "chunk"
	TaskFinal          TaskEventKind = "final"
	TaskError          TaskEventKind = "error"
	TaskProviderSwitch TaskEventKind = "provider_switch"
	TaskCancelled      TaskEventKind = "cancelled"
	TaskDelegated      TaskEventKind = "delegated"
)

// ProviderSwitch is the visible notice emitted on every fallback transition.
type ProviderSwitch struct {
	FromProvider string       `json:"from_provider"`
	FromModel    string       `json:"from_model"`
	ToProvider   string       `json:"to_provider"`
	ToModel      string       `json:"to_model"`
	Class        FailureClass `json:"class"`
	Reason       string       `json:"reason,omitempty"`
}

// ErrorSummary describes a terminal task failure.
type ErrorSummary struct {
	Code     ErrorCode `json:"code"`
	Message  string    `json:"message"`
	Attempts []Attempt `json:"attempts,omitempty"`
}

// Delegation describes a sub-task spawned from a directive.
type Delegation struct {
	ChildTaskID string `json:"child_task_id"`
	Role        string `json:"role"`
	Reason      string `json:"reason,omitempty"`
}

// TaskEvent is one unit of task output delivered to the sink. Exactly one of
// Text, Final, Error, Switch or Delegation is set, according to Kind.
type TaskEvent struct {
	TaskID       string          `json:"task_id"`
	ParentTaskID string          `json:"parent_task_id,omitempty"`
	Kind         TaskEventKind   `json:"kind"`
	Key          SessionKey      `json:"key"`
	Provider     string          `json:"provider,omitempty"`
	Model        string          `json:"model,omitempty"`
	Text         string          `json:"text,omitempty"`
	Final        *FinalResult    `json:"final,omitempty"`
	Error        *ErrorSummary   `json:"error,omitempty"`
	Switch       *ProviderSwitch `json:"switch,omitempty"`
	Delegation   *Delegation     `json:"delegation,omitempty"`
	Timestamp    time.Time       `json:"timestamp"`
}

// Sink accepts task output for display.
type Sink interface {
	Deliver(ctx context.Context, ev TaskEvent)
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, ev TaskEvent)

func (f SinkFunc) Deliver(ctx context.Context, ev TaskEvent) { f(ctx, ev) }

// HealthReporter is invoked on unrecoverable provider failures.
type HealthReporter interface {
	Report(ctx context.Context, component string, err error, fields map[string]string)
}

// HealthPayload is the payload for EventHealthReport events.
type HealthPayload struct {
	Component string            `json:"component"`
	Error     string            `json:"error"`
	Fields    map[string]string `json:"fields,omitempty"`
}
