// Package http is the request gateway: it owns the wire contract of the
// service (request decoding, delivery headers, error statuses) and delegates
// run semantics to the runtime coordinator.
package http

import (
	"net/http"

	"agentd/internal/logging"
	"agentd/internal/observability"
	"agentd/internal/runtime/ports"
)

// RouterConfig carries the gateway's tunables and dependencies.
type RouterConfig struct {
	Runner            runner
	States            ports.StateStore
	History           ports.HistoryStore
	Obs               *observability.Observability
	MaxConcurrentRuns int
	AllowedOrigins    []string
	Logger            logging.Logger
}

// NewRouter assembles the HTTP surface: POST /process, GET /health, and
// GET /metrics when metrics are enabled.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logging.IsNil(logger) {
		logger = logging.NewComponentLogger("Router")
	}

	process := NewProcessHandler(cfg.Runner,
		WithMaxConcurrentRuns(cfg.MaxConcurrentRuns),
		WithProcessLogger(logger),
	)
	health := NewHealthHandler(cfg.States, cfg.History)

	mux := http.NewServeMux()
	mux.Handle("POST /process", process)
	mux.Handle("GET /health", health)
	if cfg.Obs != nil && cfg.Obs.Metrics != nil {
		mux.Handle("GET /metrics", cfg.Obs.Metrics.Handler())
	}

	var handler http.Handler = mux
	handler = CORSMiddleware(cfg.AllowedOrigins)(handler)
	handler = LoggingMiddleware(logger)(handler)
	handler = RecoveryMiddleware(logger)(handler)
	return handler
}
