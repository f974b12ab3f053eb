// Package memory provides a publisher that keeps events in process, for tests
// and local inspection.
package memory

import (
	"context"
	"errors"
	"sync"

	"github.com/papercomputeco/chatrelay/pkg/eventstream"
)

// ErrClosed is returned by PublishTurn after Close.
var ErrClosed = errors.New("publisher closed")

// Publisher records every published event.
type Publisher struct {
	mu     sync.Mutex
	events []eventstream.TurnEvent
	closed bool

	// Err, when set, is returned by PublishTurn instead of recording.
	Err error
}

// NewPublisher creates an empty recording publisher.
func NewPublisher() *Publisher {
	return &Publisher{}
}

func (p *Publisher) PublishTurn(_ context.Context, event *eventstream.TurnEvent) error {
	if event == nil {
		return eventstream.ErrNilTurnEvent
	}

	p.mu.Lock()
	defer p.mu.Unlock()

	if p.closed {
		return ErrClosed
	}
	if p.Err != nil {
		return p.Err
	}
	p.events = append(p.events, *event)
	return nil
}

// Events returns a copy of the recorded events in publish order.
func (p *Publisher) Events() []eventstream.TurnEvent {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]eventstream.TurnEvent(nil), p.events...)
}

// Close stops accepting events.
func (p *Publisher) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	return nil
}
