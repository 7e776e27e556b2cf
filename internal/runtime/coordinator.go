// Package runtime implements the per-request execution core: a coordinator
// that drives one agent run from validation through state persistence, and a
// multiplexer that renders the run's event sequence to the caller.
package runtime

import (
	"context"
	"errors"
	"time"

	"agentd/internal/logging"
	"agentd/internal/observability"
	"agentd/internal/runtime/ports"
)

// Phase tracks how far a run progressed. Recorded on the outcome so the
// gateway and tests can assert lifecycle ordering.
type Phase string

const (
	PhaseValidated   Phase = "validated"
	PhaseStateLoaded Phase = "state_loaded"
	PhaseRunning     Phase = "running"
	PhaseCompleted   Phase = "completed"
	PhaseFailed      Phase = "failed"
	PhaseSaved       Phase = "state_save_attempted"
	PhaseDone        Phase = "done"
)

// saveTimeout bounds the post-run persistence attempt so a wedged store
// cannot pin request goroutines forever.
const saveTimeout = 10 * time.Second

// Request is one validated, canonicalized turn ready for execution.
type Request struct {
	SessionID string
	UserID    string
	RunID     string
	Input     []ports.Message
	Mode      DeliveryMode
}

// RunOutcome reports everything the gateway needs after a run: how far it
// got, what the multiplexer produced, and any non-fatal warnings (a failed
// state save after a successful run is a warning, never an error).
type RunOutcome struct {
	Phase      Phase
	Result     *RenderResult
	StateSaved bool
	Warnings   []string
	StartedAt  time.Time
}

// Coordinator owns the lifecycle of one run: validate, load prior state,
// execute, deliver, and persist. A single Coordinator serves all requests
// concurrently; per-run mutable state lives on the stack of Run.
type Coordinator struct {
	factory ports.ComputationFactory
	states  ports.StateStore
	history ports.HistoryStore
	mux     *Multiplexer
	logger  logging.Logger
	obs     *observability.Observability

	runTimeout time.Duration
}

// CoordinatorOption configures optional coordinator behavior.
type CoordinatorOption func(*Coordinator)

// WithRunTimeout bounds the execute-and-deliver span of each run. Zero means
// no timeout beyond the request context.
func WithRunTimeout(timeout time.Duration) CoordinatorOption {
	return func(c *Coordinator) {
		c.runTimeout = timeout
	}
}

// WithHistoryStore attaches the session history log. Without it runs execute
// statelessly with respect to prior turns.
func WithHistoryStore(history ports.HistoryStore) CoordinatorOption {
	return func(c *Coordinator) {
		c.history = history
	}
}

// WithCoordinatorLogger overrides the component logger.
func WithCoordinatorLogger(logger logging.Logger) CoordinatorOption {
	return func(c *Coordinator) {
		c.logger = logging.OrNop(logger)
	}
}

// WithCoordinatorObservability attaches metrics and tracing.
func WithCoordinatorObservability(obs *observability.Observability) CoordinatorOption {
	return func(c *Coordinator) {
		c.obs = obs
	}
}

// NewCoordinator wires the run coordinator. Factory and state store are
// required; calls fail with ErrUnavailable when either is missing.
func NewCoordinator(factory ports.ComputationFactory, states ports.StateStore, mux *Multiplexer, opts ...CoordinatorOption) *Coordinator {
	c := &Coordinator{
		factory: factory,
		states:  states,
		mux:     mux,
		logger:  logging.NewComponentLogger("Coordinator"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	if c.mux == nil {
		c.mux = NewMultiplexer(WithMultiplexerLogger(c.logger))
	}
	return c
}

// Run executes one turn end to end. The returned outcome is non-nil whenever
// execution started, even on error, so the caller can distinguish "failed
// before any bytes were written" from "failed mid-stream".
//
// State persistence is attempted exactly once per run, after execution,
// whether the run succeeded or failed. A save failure after a successful run
// surfaces as a warning on the outcome and never masks the run's result; a
// save failure after a failed run is logged and the run's own error wins.
func (c *Coordinator) Run(ctx context.Context, req Request, sink Sink) (*RunOutcome, error) {
	outcome := &RunOutcome{Phase: PhaseValidated, StartedAt: time.Now()}

	if err := c.validate(req); err != nil {
		return outcome, err
	}

	ctx, span := c.startSpan(ctx, req)
	defer span()

	if m := c.metrics(); m != nil {
		m.IncrementActiveRuns(ctx)
		defer m.DecrementActiveRuns(ctx)
	}

	prior, err := c.loadState(ctx, req)
	if err != nil {
		return outcome, err
	}
	outcome.Phase = PhaseStateLoaded

	var handle ports.HistoryHandle
	if c.history != nil {
		handle = ports.ScopeHistory(c.history, req.SessionID, req.UserID)
	}

	comp, err := c.factory.New(ctx, prior, handle)
	if err != nil {
		return outcome, ComputationError(err)
	}

	c.appendHistory(ctx, handle, req.Input)

	runCtx := ctx
	cancel := context.CancelFunc(func() {})
	if c.runTimeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, c.runTimeout)
	}
	defer cancel()

	outcome.Phase = PhaseRunning
	c.logger.Info("Run started: session=%s user=%s run=%s mode=%s", req.SessionID, req.UserID, req.RunID, req.Mode)

	result, runErr := c.execute(runCtx, comp, req, sink)
	outcome.Result = result
	if runErr == nil {
		outcome.Phase = PhaseCompleted
	} else {
		outcome.Phase = PhaseFailed
		c.logger.Warn("Run failed: session=%s run=%s: %v", req.SessionID, req.RunID, runErr)
	}

	// Persist whatever the computation has, success or not. The save runs
	// on a detached context so a cancelled request still gets its state
	// recorded.
	c.saveState(ctx, comp, req, outcome, runErr)
	outcome.Phase = PhaseSaved

	if runErr == nil {
		c.recordTurn(ctx, handle, result)
		if req.Mode == DeliverBuffered {
			meta := RenderMeta{SessionID: req.SessionID, UserID: req.UserID, StartedAt: outcome.StartedAt}
			if err := c.mux.WriteBuffered(sink, meta, result, outcome.Warnings); err != nil {
				runErr = err
			}
		}
	}

	c.recordRun(ctx, req, outcome, runErr)
	outcome.Phase = PhaseDone
	return outcome, runErr
}

func (c *Coordinator) validate(req Request) error {
	if c.factory == nil {
		return UnavailableError("no computation factory configured")
	}
	if c.states == nil {
		return UnavailableError("no state store configured")
	}
	if req.SessionID == "" {
		return InvalidRequestError("session_id is required")
	}
	if req.UserID == "" {
		return InvalidRequestError("user_id is required")
	}
	if len(req.Input) == 0 {
		return InvalidRequestError("input must contain at least one message")
	}
	for _, msg := range req.Input {
		if msg.Role == "" {
			return InvalidRequestError("input message role is required")
		}
		if len(msg.Content) == 0 {
			return InvalidRequestError("input message content is empty")
		}
	}
	switch req.Mode {
	case DeliverStream, DeliverBuffered:
	default:
		return InvalidRequestError("unknown delivery mode")
	}
	return nil
}

// loadState fetches prior state for the key. A miss is normal and yields a
// fresh computation; any other failure aborts the run before execution.
func (c *Coordinator) loadState(ctx context.Context, req Request) (ports.RunState, error) {
	ctx, end := c.childSpan(ctx, observability.SpanStateLoad)
	defer end()

	prior, err := c.states.Load(ctx, req.SessionID, req.UserID)
	switch {
	case err == nil:
		if m := c.metrics(); m != nil {
			m.RecordStateLoad(ctx, "hit")
		}
		return prior, nil
	case isNotFound(err):
		if m := c.metrics(); m != nil {
			m.RecordStateLoad(ctx, "miss")
		}
		return nil, nil
	default:
		if m := c.metrics(); m != nil {
			m.RecordStateLoad(ctx, "error")
		}
		// Only a classified miss is a fresh session; an unclassified load
		// failure aborts the run before execution.
		return nil, ComputationError(StatePersistenceError("load", err))
	}
}

func (c *Coordinator) execute(ctx context.Context, comp ports.Computation, req Request, sink Sink) (*RenderResult, error) {
	stream, err := comp.Run(ctx, req.Input)
	if err != nil {
		return &RenderResult{}, ComputationError(err)
	}
	return c.mux.Render(ctx, stream, req.Mode, sink)
}

// saveState snapshots and persists the computation's state exactly once.
func (c *Coordinator) saveState(ctx context.Context, comp ports.Computation, req Request, outcome *RunOutcome, runErr error) {
	saveCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), saveTimeout)
	defer cancel()
	saveCtx, end := c.childSpan(saveCtx, observability.SpanStateSave)
	defer end()

	snapshot, err := comp.CurrentState()
	if err != nil {
		c.noteSaveFailure(saveCtx, req, outcome, runErr, StatePersistenceError("snapshot", err))
		return
	}
	if snapshot == nil {
		return
	}

	if err := c.states.Save(saveCtx, req.SessionID, req.UserID, snapshot); err != nil {
		c.noteSaveFailure(saveCtx, req, outcome, runErr, StatePersistenceError("save", err))
		return
	}
	outcome.StateSaved = true
	if m := c.metrics(); m != nil {
		m.RecordStateSave(saveCtx, "ok")
	}
}

func (c *Coordinator) noteSaveFailure(ctx context.Context, req Request, outcome *RunOutcome, runErr, saveErr error) {
	c.logger.Warn("State save failed: session=%s user=%s run=%s: %v", req.SessionID, req.UserID, req.RunID, saveErr)
	if m := c.metrics(); m != nil {
		m.RecordStateSave(ctx, "error")
	}
	if runErr == nil {
		outcome.Warnings = append(outcome.Warnings, "state persistence failed; next request may observe stale state")
	}
}

// appendHistory records the user's turn before execution so the computation
// can read a complete log. Best effort: history is auxiliary to the run.
func (c *Coordinator) appendHistory(ctx context.Context, handle ports.HistoryHandle, input []ports.Message) {
	if handle == nil {
		return
	}
	if err := handle.Append(ctx, input); err != nil {
		c.logger.Warn("Failed to append user turn to history: %v", err)
	}
}

// recordTurn appends the assistant's final output to history after a
// successful run.
func (c *Coordinator) recordTurn(ctx context.Context, handle ports.HistoryHandle, result *RenderResult) {
	if handle == nil || result == nil || result.Terminal == nil {
		return
	}
	msg := ports.Message{
		Role:    ports.RoleAssistant,
		Content: []ports.ContentPart{{Type: "output_json", Text: string(result.Terminal.Payload)}},
	}
	if err := handle.Append(context.WithoutCancel(ctx), []ports.Message{msg}); err != nil {
		c.logger.Warn("Failed to append assistant turn to history: %v", err)
	}
}

func (c *Coordinator) startSpan(ctx context.Context, req Request) (context.Context, func()) {
	if c.obs == nil || c.obs.Tracer == nil {
		return ctx, func() {}
	}
	attrs := observability.RunAttrs(req.SessionID, req.UserID, req.RunID, string(req.Mode))
	ctx, span := c.obs.Tracer.StartSpan(ctx, observability.SpanRunExecute, attrs...)
	return ctx, func() { span.End() }
}

// childSpan opens a nested span under the run span.
func (c *Coordinator) childSpan(ctx context.Context, name string) (context.Context, func()) {
	if c.obs == nil || c.obs.Tracer == nil {
		return ctx, func() {}
	}
	ctx, span := c.obs.Tracer.StartSpan(ctx, name)
	return ctx, func() { span.End() }
}

func (c *Coordinator) recordRun(ctx context.Context, req Request, outcome *RunOutcome, runErr error) {
	m := c.metrics()
	if m == nil {
		return
	}
	status := "ok"
	if runErr != nil {
		status = "error"
	}
	m.RecordRun(ctx, string(req.Mode), status, time.Since(outcome.StartedAt))
	if outcome.Result != nil && req.Mode == DeliverStream {
		m.AddEventsStreamed(ctx, outcome.Result.EventCount)
	}
}

func (c *Coordinator) metrics() *observability.MetricsCollector {
	if c.obs == nil {
		return nil
	}
	return c.obs.Metrics
}

func isNotFound(err error) bool {
	return errors.Is(err, ports.ErrStateNotFound)
}
