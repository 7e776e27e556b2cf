package runtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"agentd/internal/logging"
	"agentd/internal/runtime/ports"
)

// Sink is where rendered output goes: an HTTP response in production, a
// buffer in tests. Flush pushes buffered bytes toward the client so STREAM
// frames are not held back by transport buffering.
type Sink interface {
	Write(p []byte) (int, error)
	Flush()
}

// DeliveryMode selects how events reach the caller.
type DeliveryMode string

const (
	// DeliverStream writes each event as it is produced.
	DeliverStream DeliveryMode = "stream"
	// DeliverBuffered aggregates the sequence into one final object.
	DeliverBuffered DeliveryMode = "buffered"
)

// streamDoneMarker is the explicit end-of-stream sentinel frame.
const streamDoneMarker = "[DONE]"

var errNoFinalEvent = errors.New("event sequence ended without a final event")

// RenderMeta carries request identity used in rendered output.
type RenderMeta struct {
	SessionID string
	UserID    string
	StartedAt time.Time
}

// RenderResult reports what the multiplexer observed and produced.
type RenderResult struct {
	// Terminal is the final event, nil when the sequence failed first.
	Terminal *ports.Event
	// EventCount is the number of events consumed from the sequence.
	EventCount int
	// Usage is the latest cumulative usage seen on any event.
	Usage *ports.Usage
	// Wrote reports whether any bytes reached the sink. Once true in
	// stream mode the response can no longer be retracted.
	Wrote bool
}

// BufferedResult is the single wire object for buffered delivery: the final
// event's payload plus summary metadata.
type BufferedResult struct {
	Object     string          `json:"object"`
	SessionID  string          `json:"session_id,omitempty"`
	UserID     string          `json:"user_id,omitempty"`
	Output     json.RawMessage `json:"output"`
	Usage      *ports.Usage    `json:"usage,omitempty"`
	EventCount int             `json:"event_count"`
	DurationMS int64           `json:"duration_ms"`
	Warnings   []string        `json:"warnings,omitempty"`
}

type wireError struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	Status string `json:"status"`
}

// Multiplexer renders an event sequence to a sink in one of two delivery
// modes. It owns the wire encoding; timeouts and cancellation belong to the
// coordinator.
type Multiplexer struct {
	logger            logging.Logger
	heartbeatInterval time.Duration
}

// MultiplexerOption configures optional multiplexer behavior.
type MultiplexerOption func(*Multiplexer)

// WithHeartbeatInterval sets the idle interval after which a comment frame
// keeps a stream connection alive. Zero disables heartbeats.
func WithHeartbeatInterval(interval time.Duration) MultiplexerOption {
	return func(m *Multiplexer) {
		m.heartbeatInterval = interval
	}
}

// WithMultiplexerLogger overrides the component logger.
func WithMultiplexerLogger(logger logging.Logger) MultiplexerOption {
	return func(m *Multiplexer) {
		m.logger = logging.OrNop(logger)
	}
}

// NewMultiplexer creates a multiplexer with default settings.
func NewMultiplexer(opts ...MultiplexerOption) *Multiplexer {
	m := &Multiplexer{
		logger:            logging.NewComponentLogger("Multiplexer"),
		heartbeatInterval: 30 * time.Second,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}
	return m
}

// Render consumes the event sequence and delivers it per mode.
//
// Stream mode writes every event to the sink in production order, each
// followed by a flush, then the end-of-stream sentinel after the final
// event. If the sequence fails mid-stream a distinguishable error frame is
// written while the transport is still writable, and the failure is returned.
//
// Buffered mode consumes the sequence without touching the sink: the caller
// writes the aggregated object via WriteBuffered once state persistence has
// been attempted, so save warnings can still be attached. If the sequence
// fails before a final event, nothing is ever written for this mode.
func (m *Multiplexer) Render(ctx context.Context, stream *ports.EventStream, mode DeliveryMode, sink Sink) (*RenderResult, error) {
	switch mode {
	case DeliverBuffered:
		return m.renderBuffered(ctx, stream)
	default:
		return m.renderStream(ctx, stream, sink)
	}
}

func (m *Multiplexer) renderStream(ctx context.Context, stream *ports.EventStream, sink Sink) (*RenderResult, error) {
	result := &RenderResult{}

	var heartbeat *time.Ticker
	var heartbeatC <-chan time.Time
	if m.heartbeatInterval > 0 {
		heartbeat = time.NewTicker(m.heartbeatInterval)
		heartbeatC = heartbeat.C
		defer heartbeat.Stop()
	}

	for {
		select {
		case <-ctx.Done():
			cause := context.Cause(ctx)
			if errors.Is(cause, context.DeadlineExceeded) {
				// The run hit its deadline with the transport still
				// writable: that is the computation overrunning, not a
				// transport failure. An error frame tells the client.
				m.writeErrorFrame(sink, cause, result)
				return result, ComputationError(cause)
			}
			// Client disconnect: stop writing immediately. The
			// coordinator still attempts a state save.
			return result, DeliveryError(cause)

		case <-heartbeatC:
			if err := m.writeFrame(sink, []byte(": heartbeat\n\n"), result); err != nil {
				return result, err
			}

		case event, ok := <-stream.Events():
			if !ok {
				err := stream.Err()
				if err == nil {
					err = errNoFinalEvent
				}
				m.writeErrorFrame(sink, err, result)
				return result, ComputationError(err)
			}

			result.EventCount++
			if event.Usage != nil {
				result.Usage = event.Usage
			}

			data, err := json.Marshal(event)
			if err != nil {
				m.writeErrorFrame(sink, err, result)
				return result, ComputationError(fmt.Errorf("encode event %d: %w", event.Sequence, err))
			}
			frame := fmt.Sprintf("data: %s\n\n", data)
			if err := m.writeFrame(sink, []byte(frame), result); err != nil {
				return result, err
			}
			if heartbeat != nil {
				heartbeat.Reset(m.heartbeatInterval)
			}

			if event.IsFinal {
				terminal := event
				result.Terminal = &terminal
				sentinel := fmt.Sprintf("data: %s\n\n", streamDoneMarker)
				if err := m.writeFrame(sink, []byte(sentinel), result); err != nil {
					return result, err
				}
				return result, nil
			}
		}
	}
}

func (m *Multiplexer) renderBuffered(ctx context.Context, stream *ports.EventStream) (*RenderResult, error) {
	result := &RenderResult{}

	for {
		select {
		case <-ctx.Done():
			cause := context.Cause(ctx)
			if errors.Is(cause, context.DeadlineExceeded) {
				return result, ComputationError(cause)
			}
			return result, DeliveryError(cause)

		case event, ok := <-stream.Events():
			if !ok {
				err := stream.Err()
				if err == nil {
					err = errNoFinalEvent
				}
				return result, ComputationError(err)
			}

			result.EventCount++
			if event.Usage != nil {
				result.Usage = event.Usage
			}
			if event.IsFinal {
				terminal := event
				result.Terminal = &terminal
				return result, nil
			}
			// Non-final payloads are discarded; only cumulative fields
			// (usage) are merged.
		}
	}
}

// WriteBuffered writes the single aggregated object for buffered delivery.
func (m *Multiplexer) WriteBuffered(sink Sink, meta RenderMeta, result *RenderResult, warnings []string) error {
	if result == nil || result.Terminal == nil {
		return ComputationError(errNoFinalEvent)
	}

	buffered := BufferedResult{
		Object:     "response",
		SessionID:  meta.SessionID,
		UserID:     meta.UserID,
		Output:     result.Terminal.Payload,
		Usage:      result.Usage,
		EventCount: result.EventCount,
		Warnings:   warnings,
	}
	if !meta.StartedAt.IsZero() {
		buffered.DurationMS = time.Since(meta.StartedAt).Milliseconds()
	}

	data, err := json.Marshal(buffered)
	if err != nil {
		return DeliveryError(fmt.Errorf("encode buffered result: %w", err))
	}
	if _, err := sink.Write(data); err != nil {
		return DeliveryError(err)
	}
	sink.Flush()
	result.Wrote = true
	return nil
}

func (m *Multiplexer) writeFrame(sink Sink, frame []byte, result *RenderResult) error {
	if _, err := sink.Write(frame); err != nil {
		return DeliveryError(err)
	}
	result.Wrote = true
	sink.Flush()
	return nil
}

// writeErrorFrame emits a distinguishable terminal error marker followed by
// the sentinel. Best effort: once a stream write fails there is nothing more
// to do with the transport.
func (m *Multiplexer) writeErrorFrame(sink Sink, cause error, result *RenderResult) {
	var we wireError
	we.Error.Code = "computation_error"
	we.Error.Message = cause.Error()
	we.Status = "failed"

	data, err := json.Marshal(we)
	if err != nil {
		return
	}
	frame := fmt.Sprintf("data: %s\n\ndata: %s\n\n", data, streamDoneMarker)
	if err := m.writeFrame(sink, []byte(frame), result); err != nil {
		m.logger.Warn("Failed to write terminal error frame: %v", err)
	}
}
