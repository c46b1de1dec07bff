package eventstream

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"
)

const (
	// SchemaVersionV1 is the first version of the event payload schema.
	SchemaVersionV1 = 1

	// EventTypeStreamCompleted is emitted after a relayed stream has written
	// its done event.
	EventTypeStreamCompleted = "relay.stream.completed"
)

// StreamCompletedEvent is a transport-neutral event payload for a finished
// stream. It never carries prompt or generated text.
type StreamCompletedEvent struct {
	SchemaVersion int               `json:"schema_version"`
	EventType     string            `json:"event_type"`
	EventID       string            `json:"event_id"`
	EmittedAt     time.Time         `json:"emitted_at"`
	Source        EventSource       `json:"source"`
	RequestMeta   StreamRequestMeta `json:"request_meta"`
	Stream        StreamStats       `json:"stream"`
}

// EventSource identifies which relay produced the event.
type EventSource struct {
	Service  string `json:"service"`
	Instance string `json:"instance,omitempty"`
	Provider string `json:"provider"`
}

// StreamRequestMeta captures request lifecycle metadata for the event.
type StreamRequestMeta struct {
	RequestID   string    `json:"request_id"`
	Model       string    `json:"model"`
	StartedAt   time.Time `json:"started_at"`
	CompletedAt time.Time `json:"completed_at"`
	DurationMs  int64     `json:"duration_ms"`
	Outcome     string    `json:"outcome"`
}

// StreamStats summarizes what was written to the consumer.
type StreamStats struct {
	Deltas        int             `json:"deltas"`
	Errors        int             `json:"errors"`
	Reconstructed bool            `json:"reconstructed"`
	Usage         json.RawMessage `json:"usage,omitempty"`
}

// NewStreamCompletedEvent stamps a v1 event with a fresh id and emission time.
func NewStreamCompletedEvent(source EventSource, meta StreamRequestMeta, stats StreamStats) *StreamCompletedEvent {
	return &StreamCompletedEvent{
		SchemaVersion: SchemaVersionV1,
		EventType:     EventTypeStreamCompleted,
		EventID:       uuid.NewString(),
		EmittedAt:     time.Now().UTC(),
		Source:        source,
		RequestMeta:   meta,
		Stream:        stats,
	}
}
