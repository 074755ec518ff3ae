package domain

import (
	"context"
	"time"
)

// TaskState is a node of the per-task state machine.
type TaskState string

const (
	TaskAdmitted  TaskState = "admitted"
	TaskRouted    TaskState = "routed"
	TaskStreaming TaskState = "streaming"
	TaskCompleted TaskState = "completed"
	TaskFailed    TaskState = "failed"
	TaskCanceled  TaskState = "cancelled"
)

// Terminal reports whether no further transition can happen.
func (s TaskState) Terminal() bool {
	return s == TaskCompleted || s == TaskFailed || s == TaskCanceled
}

// TaskRecord is the journal entry written when a task reaches a terminal state.
type TaskRecord struct {
	ID           string     `json:"id"`
	ParentID     string     `json:"parent_id,omitempty"`
	Key          SessionKey `json:"key"`
	Depth        int        `json:"depth"`
	State        TaskState  `json:"state"`
	Provider     string     `json:"provider,omitempty"`
	Model        string     `json:"model,omitempty"`
	Attempts     []Attempt  `json:"attempts,omitempty"`
	ErrorCode    ErrorCode  `json:"error_code,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
	StartedAt    time.Time  `json:"started_at"`
	EndedAt      time.Time  `json:"ended_at"`
}

// TaskJournal persists terminal task outcomes for later status queries.
type TaskJournal interface {
	Record(ctx context.Context, rec TaskRecord) error
	Get(ctx context.Context, id string) (*TaskRecord, error)
	ListByConversation(ctx context.Context, actorID, conversationID string, limit int) ([]TaskRecord, error)
}

// WorkspaceResolver maps a conversation to a workspace directory.
// An empty result means the workspace root.
type WorkspaceResolver interface {
	WorkspaceFor(conversationID string) string
}
