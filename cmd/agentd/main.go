// Command agentd serves the agent execution runtime over HTTP.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/spf13/cobra"

	"agentd/internal/agent/scripted"
	"agentd/internal/config"
	"agentd/internal/history"
	"agentd/internal/logging"
	"agentd/internal/observability"
	"agentd/internal/runtime"
	"agentd/internal/runtime/ports"
	serverhttp "agentd/internal/server/http"
	"agentd/internal/state"
)

var (
	flagConfigPath string
	flagListenAddr string
)

func main() {
	root := &cobra.Command{
		Use:           "agentd",
		Short:         "Request-scoped agent execution runtime",
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	root.PersistentFlags().StringVarP(&flagConfigPath, "config", "c", "", "path to YAML config file")

	serve := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd.Context())
		},
	}
	serve.Flags().StringVar(&flagListenAddr, "listen", "", "listen address (overrides config)")
	root.AddCommand(serve)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "agentd:", err)
		os.Exit(1)
	}
}

func runServe(ctx context.Context) error {
	cfg, err := config.Load(flagConfigPath)
	if err != nil {
		return err
	}
	if flagListenAddr != "" {
		cfg.Server.ListenAddr = flagListenAddr
	}

	logging.SetDefault(os.Stderr, logging.ParseLevel(cfg.Log.Level))
	logger := logging.NewComponentLogger("Main")

	obs, err := observability.New(observability.Config{
		Metrics: observability.MetricsConfig{Enabled: cfg.Metrics.Enabled},
		Tracing: observability.TracingConfig{
			Enabled:        cfg.Tracing.Enabled,
			Exporter:       cfg.Tracing.Exporter,
			OTLPEndpoint:   cfg.Tracing.OTLPEndpoint,
			ZipkinEndpoint: cfg.Tracing.ZipkinEndpoint,
			SampleRate:     cfg.Tracing.SampleRate,
			ServiceName:    cfg.Tracing.ServiceName,
		},
	})
	if err != nil {
		return err
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		if err := obs.Shutdown(flushCtx); err != nil {
			logger.Warn("Observability shutdown: %v", err)
		}
	}()

	states, closeStates, err := buildStateStore(cfg.State)
	if err != nil {
		return err
	}
	defer closeStates()

	hist, closeHistory, err := buildHistoryStore(ctx, cfg.History)
	if err != nil {
		return err
	}
	defer closeHistory()

	factory := scripted.NewFactory(scripted.Config{
		Responses: cfg.Agent.Responses,
		ChunkSize: cfg.Agent.ChunkSize,
		EmitDelay: cfg.Agent.EmitDelay,
	}, logger)

	mux := runtime.NewMultiplexer(runtime.WithHeartbeatInterval(cfg.Server.HeartbeatInterval))
	coord := runtime.NewCoordinator(factory, states, mux,
		runtime.WithHistoryStore(hist),
		runtime.WithRunTimeout(cfg.Server.RunTimeout),
		runtime.WithCoordinatorObservability(obs),
	)

	handler := serverhttp.NewRouter(serverhttp.RouterConfig{
		Runner:            coord,
		States:            states,
		History:           hist,
		Obs:               obs,
		MaxConcurrentRuns: cfg.Server.MaxConcurrentRuns,
	})

	logger.Info("State backend: %s", cfg.State.Backend)
	server := serverhttp.NewServer(cfg.Server.ListenAddr, handler, cfg.Server.ShutdownTimeout, logger)
	return server.Run(ctx)
}

func buildStateStore(cfg config.StateConfig) (ports.StateStore, func(), error) {
	switch cfg.Backend {
	case "sqlite":
		store, err := state.OpenSQLiteStore(cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return store, func() { _ = store.Close() }, nil
	default:
		store, err := state.NewMemoryStore(cfg.MaxSessions)
		if err != nil {
			return nil, nil, err
		}
		return store, func() {}, nil
	}
}

func buildHistoryStore(ctx context.Context, cfg config.HistoryConfig) (ports.HistoryStore, func(), error) {
	if cfg.PostgresDSN == "" {
		return history.NewMemoryStore(), func() {}, nil
	}
	pool, err := pgxpool.New(ctx, cfg.PostgresDSN)
	if err != nil {
		return nil, nil, fmt.Errorf("connect history database: %w", err)
	}
	store := history.NewPostgresStore(pool)
	if err := store.EnsureSchema(ctx); err != nil {
		pool.Close()
		return nil, nil, err
	}
	return store, pool.Close, nil
}
