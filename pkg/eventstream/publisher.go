// Package eventstream publishes turn events to external consumers. Publishing
// is best effort and happens off the request path.
package eventstream

import (
	"context"
	"errors"
)

// ErrNilTurnEvent indicates a nil turn event payload was provided to a publisher.
var ErrNilTurnEvent = errors.New("nil turn event")

// Publisher publishes turn events to an event stream backend.
type Publisher interface {
	PublishTurn(ctx context.Context, event *TurnEvent) error
	Close() error
}

// Discard returns a Publisher that validates events and drops them. It is
// used when no event stream is configured.
func Discard() Publisher {
	return discard{}
}

type discard struct{}

func (discard) PublishTurn(_ context.Context, event *TurnEvent) error {
	if event == nil {
		return ErrNilTurnEvent
	}
	return nil
}

func (discard) Close() error { return nil }
