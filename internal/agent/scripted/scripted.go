// Package scripted provides a deterministic Computation that replays a
// scripted response per turn, streamed as text deltas. It is the default
// agent for deployments without a model backend and the workhorse of the
// end-to-end tests.
package scripted

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"agentd/internal/runtime/ports"
	"agentd/internal/shared/async"
)

const (
	defaultChunkSize   = 16
	defaultEventBuffer = 8
)

// persistedState is the serialized memory a scripted computation carries
// across turns.
type persistedState struct {
	Turns    int    `json:"turns"`
	LastSeen string `json:"last_seen,omitempty"`
}

// Config controls the scripted computation.
type Config struct {
	// Responses are replayed in order, one per turn, cycling when turns
	// outnumber entries. Empty means echo the user's text back.
	Responses []string
	// ChunkSize is how many bytes of the response each delta event carries.
	ChunkSize int
	// EmitDelay inserts a pause between events so streamed delivery is
	// observable. Zero emits as fast as the consumer accepts.
	EmitDelay time.Duration
}

// Factory builds scripted computations. Implements ports.ComputationFactory.
type Factory struct {
	config Config
	logger async.PanicLogger
}

// NewFactory creates a scripted computation factory.
func NewFactory(config Config, logger async.PanicLogger) *Factory {
	if config.ChunkSize <= 0 {
		config.ChunkSize = defaultChunkSize
	}
	return &Factory{config: config, logger: logger}
}

// New implements ports.ComputationFactory. Prior state that fails to decode
// is treated as absent rather than failing the run; the counter restarts.
func (f *Factory) New(_ context.Context, prior ports.RunState, history ports.HistoryHandle) (ports.Computation, error) {
	comp := &computation{config: f.config, logger: f.logger, history: history}
	if len(prior) > 0 {
		_ = json.Unmarshal(prior, &comp.state)
	}
	return comp, nil
}

type computation struct {
	config  Config
	logger  async.PanicLogger
	history ports.HistoryHandle

	mu    sync.Mutex
	state persistedState
}

// Run implements ports.Computation.
func (c *computation) Run(ctx context.Context, input []ports.Message) (*ports.EventStream, error) {
	if len(input) == 0 {
		return nil, fmt.Errorf("scripted: empty input")
	}

	userText := input[len(input)-1].Text()

	c.mu.Lock()
	c.state.Turns++
	c.state.LastSeen = userText
	turn := c.state.Turns
	c.mu.Unlock()

	reply := c.replyFor(turn, userText)

	stream := ports.NewEventStream(defaultEventBuffer)
	async.Go(c.logger, "scripted-run", func() {
		c.produce(ctx, stream, turn, userText, reply)
	})
	return stream, nil
}

func (c *computation) replyFor(turn int, userText string) string {
	if len(c.config.Responses) == 0 {
		return "echo: " + userText
	}
	return c.config.Responses[(turn-1)%len(c.config.Responses)]
}

func (c *computation) produce(ctx context.Context, stream *ports.EventStream, turn int, userText, reply string) {
	seq := 0
	emitted := 0
	for start := 0; start < len(reply); start += c.config.ChunkSize {
		end := start + c.config.ChunkSize
		if end > len(reply) {
			end = len(reply)
		}
		seq++
		payload, _ := json.Marshal(map[string]string{"delta": reply[start:end]})
		event := ports.Event{
			Sequence:  seq,
			Object:    "message.delta",
			Payload:   payload,
			Timestamp: time.Now().UTC(),
		}
		if err := stream.Emit(ctx, event); err != nil {
			stream.Fail(err)
			return
		}
		emitted += end - start

		if c.config.EmitDelay > 0 {
			select {
			case <-time.After(c.config.EmitDelay):
			case <-ctx.Done():
				stream.Fail(context.Cause(ctx))
				return
			}
		}
	}

	seq++
	payload, _ := json.Marshal(map[string]any{"text": reply, "turn": turn})
	final := ports.Event{
		Sequence: seq,
		Object:   "message",
		Payload:  payload,
		Usage: &ports.Usage{
			InputTokens:  len(userText),
			OutputTokens: emitted,
			TotalTokens:  len(userText) + emitted,
		},
		IsFinal:   true,
		Timestamp: time.Now().UTC(),
	}
	if err := stream.Emit(ctx, final); err != nil {
		stream.Fail(err)
		return
	}
	stream.Close()
}

// CurrentState implements ports.Computation.
func (c *computation) CurrentState() (ports.RunState, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, err := json.Marshal(c.state)
	if err != nil {
		return nil, fmt.Errorf("scripted: encode state: %w", err)
	}
	return ports.RunState(data), nil
}
