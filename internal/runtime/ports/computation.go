package ports

import "context"

// RunState is the opaque serialized snapshot of a Computation's internal
// memory. The runtime only transports it between the state store and the
// Computation; it never inspects or merges the contents. A nil RunState
// means "no prior state" and tells the Computation to initialize fresh.
type RunState []byte

// Clone returns an independent copy so a stored snapshot cannot alias a
// buffer the Computation may keep mutating.
func (s RunState) Clone() RunState {
	if s == nil {
		return nil
	}
	out := make(RunState, len(s))
	copy(out, s)
	return out
}

// Computation is one stateful, resumable unit of agent work. Instances are
// constructed per request, seeded with prior state and a history handle, and
// are never shared or reused across requests.
type Computation interface {
	// Run starts executing the turn and returns the lazy event sequence.
	// Production is driven by a goroutine owned by the Computation; it must
	// stop promptly when ctx is cancelled.
	Run(ctx context.Context, input []Message) (*EventStream, error)

	// CurrentState reports the serialized state snapshot at this moment.
	// It must be callable at any point, including mid-run and after a
	// failure, so the runtime can attempt a best-effort save. A nil, nil
	// return means the Computation has no state worth persisting.
	CurrentState() (RunState, error)
}

// ComputationFactory builds a fresh Computation for one request.
type ComputationFactory interface {
	New(ctx context.Context, prior RunState, history HistoryHandle) (Computation, error)
}

// ComputationFactoryFunc adapts a function to the ComputationFactory interface.
type ComputationFactoryFunc func(ctx context.Context, prior RunState, history HistoryHandle) (Computation, error)

// New implements ComputationFactory.
func (f ComputationFactoryFunc) New(ctx context.Context, prior RunState, history HistoryHandle) (Computation, error) {
	return f(ctx, prior, history)
}
