package backend

import "context"

// EventKind discriminates the units of a streaming backend response.
type EventKind int

const (
	// EventDelta carries an incremental fragment of assistant text.
	EventDelta EventKind = iota
	// EventDone terminates a stream successfully; no events follow.
	EventDone
	// EventFailed terminates a stream with an error; no events follow.
	EventFailed
)

// Usage is the backend's token accounting for one invocation.
type Usage struct {
	InputTokens  int
	OutputTokens int
}

// Event is one unit of a backend stream. Exactly one terminal event
// (EventDone or EventFailed) closes every stream.
type Event struct {
	Kind  EventKind
	Text  string
	Usage Usage
	Err   error
}

// Result is the outcome of a single non-streaming invocation.
type Result struct {
	Text  string
	Usage Usage
}

// Runner is the inference capability the orchestrator depends on. Prompt is
// the pre-flattened conversation context; model has already been resolved.
type Runner interface {
	// Complete blocks until the backend finishes or fails.
	Complete(ctx context.Context, prompt, model string) (Result, error)

	// Stream starts the backend and returns its ordered, single-consumer
	// event sequence. The channel is closed after the terminal event.
	// Cancelling ctx stops the backend and ends the sequence.
	Stream(ctx context.Context, prompt, model string) (<-chan Event, error)
}
