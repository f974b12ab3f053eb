package eventstream

import (
	"time"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeTurnRecorded is emitted after a turn has been persisted.
	EventTypeTurnRecorded = "chatrelay.turn.recorded"

	// EventTypeTurnPersistFailed is emitted when a completed turn could not
	// be persisted.
	EventTypeTurnPersistFailed = "chatrelay.turn.persist_failed"
)

// TurnEvent is a transport-neutral event payload for a finished turn.
type TurnEvent struct {
	SchemaVersion int             `json:"schema_version"`
	EventType     string          `json:"event_type"`
	EventID       string          `json:"event_id"`
	EmittedAt     time.Time       `json:"emitted_at"`
	Source        EventSource     `json:"source"`
	RequestMeta   TurnRequestMeta `json:"request_meta"`
	Turn          TurnPayload     `json:"turn"`

	// Error is set on persist_failed events.
	Error string `json:"error,omitempty"`
}

// EventSource identifies the provider that generated the turn.
type EventSource struct {
	Provider string `json:"provider"`
	Model    string `json:"model,omitempty"`
}

// TurnRequestMeta captures request lifecycle metadata for the event.
type TurnRequestMeta struct {
	RequestID   string    `json:"request_id"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
	Fragments   int       `json:"fragments"`
}

// TurnPayload is the exchange itself.
type TurnPayload struct {
	ConversationID   string `json:"chat_id"`
	OwnerID          string `json:"user_id"`
	UserContent      string `json:"user_content"`
	AssistantContent string `json:"assistant_content"`
}
