package relay

import (
	"errors"
	"fmt"
)

var (
	// ErrCancelled ends a turn that was stopped by the client, by an explicit
	// stop request, or by server shutdown before generation completed.
	ErrCancelled = errors.New("turn cancelled")

	// ErrEmptyGeneration ends a turn whose generation succeeded without
	// producing any text. Nothing is persisted for it.
	ErrEmptyGeneration = errors.New("generation produced no text")

	// ErrClientGone is the cancellation cause when writing to the client fails.
	ErrClientGone = errors.New("client disconnected")

	// ErrStopped is the cancellation cause for an explicit stop request.
	ErrStopped = errors.New("stopped by request")

	// ErrShutdown is the cancellation cause used when the server shuts down.
	ErrShutdown = errors.New("server shutting down")
)

// PreconditionError rejects a request before any side effect.
type PreconditionError struct {
	Reason string
}

func (e *PreconditionError) Error() string {
	return "invalid chat request: " + e.Reason
}

// ResolutionError reports that the conversation for a turn could not be
// created.
type ResolutionError struct {
	Err error
}

func (e *ResolutionError) Error() string {
	return fmt.Sprintf("resolving conversation: %v", e.Err)
}

func (e *ResolutionError) Unwrap() error { return e.Err }

// GenerationError reports a provider failure, either while connecting or
// after some fragments were streamed.
type GenerationError struct {
	Err error
}

func (e *GenerationError) Error() string {
	return fmt.Sprintf("generating response: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// PersistenceError reports that a fully generated turn could not be recorded.
type PersistenceError struct {
	ConversationID string
	Err            error
}

func (e *PersistenceError) Error() string {
	return fmt.Sprintf("persisting turn for chat %s: %v", e.ConversationID, e.Err)
}

func (e *PersistenceError) Unwrap() error { return e.Err }

// cancelledError is ErrCancelled carrying its cause.
type cancelledError struct {
	cause error
}

func (e *cancelledError) Error() string {
	if e.cause == nil {
		return ErrCancelled.Error()
	}
	return fmt.Sprintf("%s: %v", ErrCancelled, e.cause)
}

func (e *cancelledError) Is(target error) bool { return target == ErrCancelled }

func (e *cancelledError) Unwrap() error { return e.cause }
