package llm

import (
	"context"
	"io"
	"strings"
)

// EmitFunc hands one fragment to the consumer of a Stream. It blocks until
// the consumer has taken the fragment or the stream is cancelled, in which
// case it returns the context error.
type EmitFunc func(fragment string) error

// ProduceFunc generates the fragments of a Stream by calling emit. Returning
// nil marks successful completion; any other error is a terminal failure.
type ProduceFunc func(ctx context.Context, emit EmitFunc) error

// Stream is a single-consumer, forward-only sequence of text fragments.
//
// The producer runs in its own goroutine and hands fragments over an
// unbuffered channel, so it never runs ahead of the consumer by more than one
// fragment.
type Stream struct {
	fragments chan string
	done      chan struct{}
	cancel    context.CancelFunc

	// err is written by the producer goroutine before fragments is closed.
	err error

	// consumer-side state
	text     strings.Builder
	terminal error
}

// NewStream starts produce in a new goroutine and returns the Stream that
// delivers its fragments. Cancelling ctx or calling Close stops the producer.
func NewStream(ctx context.Context, produce ProduceFunc) *Stream {
	ctx, cancel := context.WithCancel(ctx)
	s := &Stream{
		fragments: make(chan string),
		done:      make(chan struct{}),
		cancel:    cancel,
	}

	emit := func(fragment string) error {
		if fragment == "" {
			return nil
		}
		select {
		case s.fragments <- fragment:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	go func() {
		defer close(s.done)
		defer close(s.fragments)

		err := produce(ctx, emit)
		if err == nil && ctx.Err() != nil {
			err = ctx.Err()
		}
		s.err = err
	}()

	return s
}

// Recv returns the next non-empty fragment. It returns io.EOF once the
// producer has finished successfully and the producer's error if it failed.
// After a terminal result every further call returns the same error.
func (s *Stream) Recv() (string, error) {
	if s.terminal != nil {
		return "", s.terminal
	}

	fragment, ok := <-s.fragments
	if !ok {
		s.terminal = s.err
		if s.terminal == nil {
			s.terminal = io.EOF
		}
		return "", s.terminal
	}

	s.text.WriteString(fragment)
	return fragment, nil
}

// Text returns the concatenation of every fragment Recv has returned so far.
func (s *Stream) Text() string {
	return s.text.String()
}

// Close cancels the producer and waits for it to exit. It is safe to call
// more than once and after the stream has ended.
func (s *Stream) Close() {
	s.cancel()
	<-s.done
}

// FromFragments returns a Stream that yields fragments in order and then
// ends successfully.
func FromFragments(ctx context.Context, fragments ...string) *Stream {
	return NewStream(ctx, func(_ context.Context, emit EmitFunc) error {
		for _, f := range fragments {
			if err := emit(f); err != nil {
				return err
			}
		}
		return nil
	})
}
