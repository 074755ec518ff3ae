package domain

import (
	"net/url"
	"strings"
	"time"
)

// SessionStatus is the lifecycle state of a session.
type SessionStatus string

const (
	SessionActive    SessionStatus = "active"
	SessionIdle      SessionStatus = "idle"
	SessionCancelled SessionStatus = "cancelled"
	SessionExpired   SessionStatus = "expired"
)

// SessionKey identifies a session: one per role within an actor's conversation.
type SessionKey struct {
	ActorID        string `json:"actor_id"`
	ConversationID string `json:"conversation_id"`
	Role           string `json:"role"`
}

// String joins the escaped components with "/", so distinct keys never
// render the same.
func (k SessionKey) String() string {
	return strings.Join([]string{
		url.PathEscape(k.ActorID),
		url.PathEscape(k.ConversationID),
		url.PathEscape(k.Role),
	}, "/")
}

// HistoryRole marks who produced a history entry.
type HistoryRole string

const (
	HistoryUser      HistoryRole = "user"
	HistoryAssistant HistoryRole = "assistant"
	HistorySystem    HistoryRole = "system"
)

// HistoryEntry is one message record in a session's history.
type HistoryEntry struct {
	Role      HistoryRole `json:"role"`
	Text      string      `json:"text"`
	Timestamp time.Time   `json:"timestamp"`
}

// SessionSummary is a read-only snapshot of a session.
type SessionSummary struct {
	ID           string        `json:"id"`
	Key          SessionKey    `json:"key"`
	Status       SessionStatus `json:"status"`
	HistoryLen   int           `json:"history_len"`
	InFlight     int           `json:"in_flight"`
	CreatedAt    time.Time     `json:"created_at"`
	LastActivity time.Time     `json:"last_activity"`
}
