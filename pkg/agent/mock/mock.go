// Package mock provides a scriptable test double for the agent.Service
// interface.
//
// Script events are replayed verbatim on the channel returned by Stream, in
// order, respecting context cancellation. Tests that need to control pacing
// can use a Feed-driven service instead: NewFeeding returns a service whose
// stream is fed manually through a channel owned by the test.
package mock

import (
	"context"
	"sync"

	"github.com/yw0nam/DesktopMatePlus-sub000/pkg/agent"
)

// StreamCall records a single invocation of Stream.
type StreamCall struct {
	// Ctx is the context passed to Stream.
	Ctx context.Context
	// Req is the Request passed to Stream.
	Req agent.Request
}

// Service is a mock implementation of agent.Service.
// Zero values cause Stream to return an immediately-closed channel.
type Service struct {
	mu sync.Mutex

	// Script is the sequence of events replayed on every Stream call.
	// If ScriptPerCall is set, call n replays ScriptPerCall[n] instead;
	// calls beyond it fall back to Script.
	Script []agent.Event

	// ScriptPerCall supplies per-call event sequences.
	ScriptPerCall [][]agent.Event

	// Err, if non-nil, is returned from Stream instead of a channel.
	Err error

	// StreamCalls records every invocation of Stream in order.
	StreamCalls []StreamCall
}

// Stream records the call and returns a channel replaying the scripted events.
func (s *Service) Stream(ctx context.Context, req agent.Request) (<-chan agent.Event, error) {
	s.mu.Lock()
	if s.Err != nil {
		err := s.Err
		s.StreamCalls = append(s.StreamCalls, StreamCall{Ctx: ctx, Req: req})
		s.mu.Unlock()
		return nil, err
	}
	source := s.Script
	if n := len(s.StreamCalls); n < len(s.ScriptPerCall) {
		source = s.ScriptPerCall[n]
	}
	events := make([]agent.Event, len(source))
	copy(events, source)
	s.StreamCalls = append(s.StreamCalls, StreamCall{Ctx: ctx, Req: req})
	s.mu.Unlock()

	ch := make(chan agent.Event, len(events))
	go func() {
		defer close(ch)
		for _, ev := range events {
			select {
			case <-ctx.Done():
				return
			case ch <- ev:
			}
		}
	}()
	return ch, nil
}

// Reset clears all recorded calls. Thread-safe.
func (s *Service) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.StreamCalls = nil
}

// Feeding is an agent.Service whose stream is driven manually by the test.
// Each Stream call hands out the same channel; the test writes events with
// Emit and ends the stream with Close.
type Feeding struct {
	ch     chan agent.Event
	closed sync.Once
}

// NewFeeding returns a Feeding service with the given channel capacity.
func NewFeeding(capacity int) *Feeding {
	return &Feeding{ch: make(chan agent.Event, capacity)}
}

// Stream implements agent.Service.
func (f *Feeding) Stream(ctx context.Context, req agent.Request) (<-chan agent.Event, error) {
	return f.ch, nil
}

// Emit sends ev on the stream. Blocks if the channel is full.
func (f *Feeding) Emit(ev agent.Event) { f.ch <- ev }

// Close ends the stream. Safe to call more than once.
func (f *Feeding) Close() { f.closed.Do(func() { close(f.ch) }) }

// Ensure both doubles implement agent.Service at compile time.
var (
	_ agent.Service = (*Service)(nil)
	_ agent.Service = (*Feeding)(nil)
)
