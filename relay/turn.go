package relay

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// turn is the state of one POST /api/chat request. It is owned by the
// handler until streaming starts and by the relay goroutine afterwards.
type turn struct {
	requestID      string
	conversationID string
	ownerID        string
	model          string
	userContent    string
	startedAt      time.Time
	fragments      int

	state  State
	ctx    context.Context
	cancel context.CancelCauseFunc
	logger *slog.Logger
}

func (t *turn) transition(to State) {
	if !CanTransition(t.state, to) {
		t.logger.Error("invalid turn transition", "from", t.state.String(), "to", to.String())
	}
	t.state = to
	t.logger.Debug("turn state changed", "state", to.String())
}

// fail moves the turn to StateFailed and logs err at a level matching its
// kind.
func (t *turn) fail(err error) {
	t.transition(StateFailed)

	var (
		precondition *PreconditionError
		persistence  *PersistenceError
	)
	switch {
	case errors.As(err, &precondition):
		t.logger.Info("chat request rejected", "reason", precondition.Reason)
	case errors.Is(err, ErrCancelled):
		t.logger.Info("turn cancelled", "error", err, "fragments", t.fragments)
	case errors.As(err, &persistence):
		// already logged by persist
	default:
		t.logger.Error("turn failed", "error", err, "fragments", t.fragments)
	}
}

// streamFailure classifies an error returned by the stream.
func (t *turn) streamFailure(err error) error {
	if t.ctx.Err() != nil {
		return &cancelledError{cause: context.Cause(t.ctx)}
	}
	return &GenerationError{Err: err}
}
