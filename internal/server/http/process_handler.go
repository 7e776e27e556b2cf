package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"agentd/internal/logging"
	"agentd/internal/runtime"
)

const maxProcessBodyBytes = 1 << 20

// runner is the slice of the run coordinator the gateway needs.
type runner interface {
	Run(ctx context.Context, req runtime.Request, sink runtime.Sink) (*runtime.RunOutcome, error)
}

// ProcessHandler serves POST /process: it decodes and canonicalizes the wire
// request, admits it against the concurrency limit, and hands it to the run
// coordinator with a sink bound to the HTTP response.
type ProcessHandler struct {
	runner runner
	logger logging.Logger
	slots  chan struct{}
}

// ProcessOption configures the handler.
type ProcessOption func(*ProcessHandler)

// WithMaxConcurrentRuns caps runs in flight; excess requests get 503 instead
// of queueing. Zero or negative means unlimited.
func WithMaxConcurrentRuns(limit int) ProcessOption {
	return func(h *ProcessHandler) {
		if limit > 0 {
			h.slots = make(chan struct{}, limit)
		}
	}
}

// WithProcessLogger overrides the component logger.
func WithProcessLogger(logger logging.Logger) ProcessOption {
	return func(h *ProcessHandler) {
		h.logger = logging.OrNop(logger)
	}
}

// NewProcessHandler creates the /process handler.
func NewProcessHandler(r runner, opts ...ProcessOption) *ProcessHandler {
	h := &ProcessHandler{
		runner: r,
		logger: logging.NewComponentLogger("ProcessHandler"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}
	return h
}

// ServeHTTP implements http.Handler.
func (h *ProcessHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	var wireReq processRequest
	body := http.MaxBytesReader(w, r.Body, maxProcessBodyBytes)
	dec := json.NewDecoder(body)
	if err := dec.Decode(&wireReq); err != nil {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "request body is not valid JSON: "+err.Error())
		return
	}
	// Trailing content after the JSON object is a malformed request, not an
	// extra document.
	if dec.More() {
		writeJSONError(w, http.StatusBadRequest, "invalid_request", "unexpected content after JSON body")
		return
	}

	req, err := wireReq.toRuntimeRequest()
	if err != nil {
		status, code := statusForError(err)
		writeJSONError(w, status, code, err.Error())
		return
	}

	if !h.admit() {
		writeJSONError(w, http.StatusServiceUnavailable, "unavailable", "too many runs in flight")
		return
	}
	defer h.release()

	var sink runtime.Sink
	if req.Mode == runtime.DeliverStream {
		flusher, ok := w.(http.Flusher)
		if !ok {
			writeJSONError(w, http.StatusInternalServerError, "internal_error", "streaming unsupported by this server")
			return
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.Header().Set("Cache-Control", "no-cache")
		w.Header().Set("Connection", "keep-alive")
		w.Header().Set("X-Accel-Buffering", "no")
		sink = &flushSink{w: w, flusher: flusher}
	} else {
		w.Header().Set("Content-Type", "application/json")
		sink = &flushSink{w: w}
	}

	outcome, err := h.runner.Run(r.Context(), req, sink)
	if err == nil {
		return
	}

	// Once bytes are on the wire the status line is gone; the multiplexer
	// already emitted an in-band error frame for streams.
	if outcome != nil && outcome.Result != nil && outcome.Result.Wrote {
		h.logger.Warn("Run failed after response began: session=%s run=%s: %v", req.SessionID, req.RunID, err)
		return
	}
	if errors.Is(err, runtime.ErrDelivery) && r.Context().Err() != nil {
		h.logger.Info("Client gone before response began: session=%s run=%s: %v", req.SessionID, req.RunID, err)
		return
	}
	status, code := statusForError(err)
	writeJSONError(w, status, code, err.Error())
}

func (h *ProcessHandler) admit() bool {
	if h.slots == nil {
		return true
	}
	select {
	case h.slots <- struct{}{}:
		return true
	default:
		return false
	}
}

func (h *ProcessHandler) release() {
	if h.slots == nil {
		return
	}
	<-h.slots
}

// flushSink adapts an http.ResponseWriter to the runtime sink. A nil flusher
// makes Flush a no-op, which is what buffered delivery wants.
type flushSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
}

func (s *flushSink) Write(p []byte) (int, error) {
	return s.w.Write(p)
}

func (s *flushSink) Flush() {
	if s.flusher != nil {
		s.flusher.Flush()
	}
}
