package testutils

import (
	"context"
	"sync"
	"time"

	"github.com/papercomputeco/chatrelay/pkg/llm"
)

// ScriptedProvider is a provider that replays a fixed script instead of
// calling an upstream. It records every request it receives.
type ScriptedProvider struct {
	// Fragments are emitted in order by every stream.
	Fragments []string

	// StreamErr ends the stream with this error after Fragments are emitted.
	StreamErr error

	// ConnectErr is returned by Generate before any stream exists.
	ConnectErr error

	// Delay is waited before every fragment but the first.
	Delay time.Duration

	// Hold keeps the stream open after Fragments until it is cancelled.
	Hold bool

	mu       sync.Mutex
	requests []*llm.GenerateRequest
	finished chan error
}

// NewScriptedProvider returns a provider that streams fragments and succeeds.
func NewScriptedProvider(fragments ...string) *ScriptedProvider {
	return &ScriptedProvider{Fragments: fragments}
}

func (p *ScriptedProvider) Name() string {
	return "scripted"
}

func (p *ScriptedProvider) Generate(ctx context.Context, req *llm.GenerateRequest) (*llm.Stream, error) {
	p.mu.Lock()
	cp := *req
	cp.Messages = req.Messages.Clone()
	p.requests = append(p.requests, &cp)
	finished := p.finished
	p.mu.Unlock()

	if p.ConnectErr != nil {
		return nil, p.ConnectErr
	}

	return llm.NewStream(ctx, func(ctx context.Context, emit llm.EmitFunc) (err error) {
		if finished != nil {
			defer func() { finished <- err }()
		}
		for i, f := range p.Fragments {
			if i > 0 && p.Delay > 0 {
				select {
				case <-time.After(p.Delay):
				case <-ctx.Done():
					return ctx.Err()
				}
			}
			if err := emit(f); err != nil {
				return err
			}
		}
		if p.Hold {
			<-ctx.Done()
			return ctx.Err()
		}
		return p.StreamErr
	}), nil
}

// Calls returns how many times Generate has been called.
func (p *ScriptedProvider) Calls() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.requests)
}

// Requests returns copies of the requests Generate has received.
func (p *ScriptedProvider) Requests() []*llm.GenerateRequest {
	p.mu.Lock()
	defer p.mu.Unlock()
	return append([]*llm.GenerateRequest(nil), p.requests...)
}

// Finished returns a channel that receives the producer's result each time a
// stream's producer exits. Call it before the streams it should observe are
// generated.
func (p *ScriptedProvider) Finished() <-chan error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.finished == nil {
		p.finished = make(chan error, 16)
	}
	return p.finished
}
