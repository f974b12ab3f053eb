package relay

import (
	"context"
	"io"
	"sync"
)

// bodyStream is the response body handed to fasthttp. fasthttp calls
// CloseWithError once it is done writing the response, passing the write
// error if the client could not be reached.
//
// It must not implement io.Closer: fasthttp calls Close before
// CloseWithError, and only the first call is recorded.
type bodyStream struct {
	pr *io.PipeReader

	once   sync.Once
	closed chan struct{}
	err    error
}

func newBodyStream(pr *io.PipeReader) *bodyStream {
	return &bodyStream{pr: pr, closed: make(chan struct{})}
}

func (b *bodyStream) Read(p []byte) (int, error) {
	return b.pr.Read(p)
}

// CloseWithError records how writing the body ended and closes the pipe, so
// pending and later writes to it fail.
func (b *bodyStream) CloseWithError(err error) error {
	b.once.Do(func() {
		b.err = err
		close(b.closed)
	})
	return b.pr.CloseWithError(err)
}

// failed reports whether fasthttp has already given up on the body.
func (b *bodyStream) failed() bool {
	select {
	case <-b.closed:
		return b.err != nil
	default:
		return false
	}
}

// wait blocks until fasthttp is done with the body. It returns ErrClientGone
// when the body could not be written, and the cause of ctx if ctx ends first.
func (b *bodyStream) wait(ctx context.Context) error {
	select {
	case <-b.closed:
		if b.err != nil {
			return ErrClientGone
		}
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}
