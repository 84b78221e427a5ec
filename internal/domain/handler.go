package domain

import (
	"context"
	"errors"
	"fmt"
)

// Handler turns an inbound message into a reply. Every handler owns its
// lifecycle: constructed -> Initialize -> HandleText/HandleVoice calls ->
// Shutdown. Initialize and Shutdown are idempotent; calling them out of the
// expected state logs a warning and is otherwise a no-op. A handler that has
// been shut down cannot be re-initialized: build a fresh instance instead.
//
// Handlers must be safe for concurrent HandleText/HandleVoice calls.
type Handler interface {
	Name() string
	Description() string

	Initialize(ctx context.Context) error
	Shutdown() error
	Initialized() bool

	// HandleText produces a reply for a text message. On an internal
	// failure the handler returns BOTH a user-facing apology reply AND a
	// *ProcessingError, so the dispatcher can deliver the apology while
	// still recording the failure.
	HandleText(ctx context.Context, senderID string, text string) (*Reply, error)

	// HandleVoice produces a reply for a voice message, following the same
	// soft-failure contract. audioPath points at the downloaded audio file.
	HandleVoice(ctx context.Context, senderID string, audioPath string) (*Reply, error)
}

// HandlerLookup is a read-only view of the registry, given to handlers that
// delegate messages to a sibling (e.g. the poet forwarding voice messages to
// the assistant). It is a lookup relation, never an ownership relation.
type HandlerLookup interface {
	Get(name string) (Handler, bool)
}

var (
	// ErrNoHandler is returned by routing when the registry is empty.
	ErrNoHandler = errors.New("no handler available")

	// ErrNotInitialized marks an attempt to invoke a handler before
	// Initialize or after Shutdown. The dispatcher prevents the call and
	// delivers a generic apology instead.
	ErrNotInitialized = errors.New("handler not initialized")
)

// ProcessingError is a soft failure inside a handler's business logic
// (transcription failure, provider timeout, automation failure). It was
// caught at the handler boundary and converted into an apologetic reply;
// it exists so the dispatcher can record the failure in the stats without
// treating the handler call as a crash.
type ProcessingError struct {
	Handler string
	Stage   string // e.g. "transcribe", "generate", "synthesize", "track"
	Err     error
}

func (e *ProcessingError) Error() string {
	return fmt.Sprintf("%s: %s failed: %v", e.Handler, e.Stage, e.Err)
}

func (e *ProcessingError) Unwrap() error { return e.Err }

// NewProcessingError wraps an internal handler failure.
func NewProcessingError(handler, stage string, err error) *ProcessingError {
	return &ProcessingError{Handler: handler, Stage: stage, Err: err}
}
