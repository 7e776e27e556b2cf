package ports

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"
)

// ErrStreamClosed reports an Emit on a stream already ended by Fail or Close.
var ErrStreamClosed = errors.New("event stream closed")

// Usage carries cumulative token accounting for a run. Counters are totals
// as of the event that carries them, not deltas.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
	TotalTokens  int `json:"total_tokens"`
}

// Event is the atomic unit produced by a Computation during one run.
// Payload is opaque structured content (text deltas, tool records, status
// markers); the runtime transports it without inspecting it. Exactly one
// event in a well-formed sequence has IsFinal set, and it is the last one.
type Event struct {
	Sequence  int             `json:"sequence"`
	Object    string          `json:"object,omitempty"`
	Payload   json.RawMessage `json:"payload"`
	Usage     *Usage          `json:"usage,omitempty"`
	IsFinal   bool            `json:"is_final"`
	Timestamp time.Time       `json:"timestamp"`
}

// EventStream is the lazy event sequence handed from a Computation to the
// runtime. The producer side (Emit/Fail/Close) must be driven by a single
// Computation goroutine; the consumer side (Events/Err) is driven by the
// multiplexer. Emit suspends when the consumer applies backpressure, and
// unblocks with an error when ctx is cancelled, so a slow client never
// forces unbounded buffering.
type EventStream struct {
	ch chan Event

	mu     sync.Mutex
	err    error
	closed bool
}

// NewEventStream creates a stream with a small delivery buffer.
func NewEventStream(buffer int) *EventStream {
	if buffer < 0 {
		buffer = 0
	}
	return &EventStream{ch: make(chan Event, buffer)}
}

// Emit delivers one event to the consumer, blocking until the consumer is
// ready or ctx is done. Emit after Fail or Close returns ErrStreamClosed.
func (s *EventStream) Emit(ctx context.Context, event Event) error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrStreamClosed
	}
	select {
	case s.ch <- event:
		return nil
	case <-ctx.Done():
		return context.Cause(ctx)
	}
}

// Fail records a terminal error and closes the stream. The consumer observes
// the channel closing and reads the error via Err.
func (s *EventStream) Fail(err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.err = err
	s.closed = true
	close(s.ch)
}

// Close ends the stream without an error. Safe to call after Fail.
func (s *EventStream) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.closed = true
	close(s.ch)
}

// Events returns the consumer side of the stream. The channel closes when
// the producer finishes, normally or not; check Err afterwards.
func (s *EventStream) Events() <-chan Event {
	return s.ch
}

// Err reports the terminal error recorded by Fail, if any. Only meaningful
// after the Events channel has closed.
func (s *EventStream) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.err
}
