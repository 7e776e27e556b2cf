// Package config loads agentd settings from an optional YAML file layered
// under AGENTD_* environment overrides. Precedence, lowest to highest:
// defaults, file, environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultListenAddr   = ":8090"
	DefaultStateBackend = "memory"
	DefaultLogLevel     = "info"

	defaultRunTimeout      = 5 * time.Minute
	defaultShutdownTimeout = 15 * time.Second
	defaultMaxConcurrent   = 64
	defaultHeartbeat       = 30 * time.Second
)

// Config is the resolved runtime configuration.
type Config struct {
	Server  ServerConfig
	State   StateConfig
	History HistoryConfig
	Agent   AgentConfig
	Log     LogConfig
	Metrics MetricsConfig
	Tracing TracingConfig
}

// ServerConfig controls the HTTP listener and run admission.
type ServerConfig struct {
	ListenAddr        string
	RunTimeout        time.Duration
	ShutdownTimeout   time.Duration
	MaxConcurrentRuns int
	HeartbeatInterval time.Duration
}

// StateConfig selects and tunes the state store backend.
type StateConfig struct {
	// Backend is "memory" or "sqlite".
	Backend     string
	SQLitePath  string
	MaxSessions int
}

// HistoryConfig selects the history backend. Empty DSN keeps history
// in memory.
type HistoryConfig struct {
	PostgresDSN string
}

// AgentConfig tunes the built-in scripted agent.
type AgentConfig struct {
	Responses []string
	ChunkSize int
	EmitDelay time.Duration
}

// LogConfig controls structured log output.
type LogConfig struct {
	Level string
}

// MetricsConfig controls the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool
}

// TracingConfig controls span export.
type TracingConfig struct {
	Enabled bool
	// Exporter is "otlp" or "zipkin".
	Exporter       string
	OTLPEndpoint   string
	ZipkinEndpoint string
	SampleRate     float64
	ServiceName    string
}

// fileConfig mirrors Config for YAML decoding. Pointer fields distinguish
// "absent" from zero so the file can override only what it names.
type fileConfig struct {
	Server *struct {
		ListenAddr        string `yaml:"listen_addr"`
		RunTimeoutSeconds *int   `yaml:"run_timeout_seconds"`
		ShutdownSeconds   *int   `yaml:"shutdown_timeout_seconds"`
		MaxConcurrentRuns *int   `yaml:"max_concurrent_runs"`
		HeartbeatSeconds  *int   `yaml:"heartbeat_seconds"`
	} `yaml:"server"`
	State *struct {
		Backend     string `yaml:"backend"`
		SQLitePath  string `yaml:"sqlite_path"`
		MaxSessions *int   `yaml:"max_sessions"`
	} `yaml:"state"`
	History *struct {
		PostgresDSN string `yaml:"postgres_dsn"`
	} `yaml:"history"`
	Agent *struct {
		Responses   []string `yaml:"responses"`
		ChunkSize   *int     `yaml:"chunk_size"`
		EmitDelayMS *int     `yaml:"emit_delay_ms"`
	} `yaml:"agent"`
	Log *struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
	Metrics *struct {
		Enabled *bool `yaml:"enabled"`
	} `yaml:"metrics"`
	Tracing *struct {
		Enabled        *bool    `yaml:"enabled"`
		Exporter       string   `yaml:"exporter"`
		OTLPEndpoint   string   `yaml:"otlp_endpoint"`
		ZipkinEndpoint string   `yaml:"zipkin_endpoint"`
		SampleRate     *float64 `yaml:"sample_rate"`
		ServiceName    string   `yaml:"service_name"`
	} `yaml:"tracing"`
}

// Default returns the built-in configuration.
func Default() Config {
	return Config{
		Server: ServerConfig{
			ListenAddr:        DefaultListenAddr,
			RunTimeout:        defaultRunTimeout,
			ShutdownTimeout:   defaultShutdownTimeout,
			MaxConcurrentRuns: defaultMaxConcurrent,
			HeartbeatInterval: defaultHeartbeat,
		},
		State:   StateConfig{Backend: DefaultStateBackend},
		Log:     LogConfig{Level: DefaultLogLevel},
		Tracing: TracingConfig{Exporter: "otlp", SampleRate: 1.0, ServiceName: "agentd"},
	}
}

// Load resolves the configuration. path may be empty; a missing file at an
// explicit path is an error, so typos do not silently run on defaults.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, fmt.Errorf("read config file: %w", err)
		}
		var fc fileConfig
		if err := yaml.Unmarshal(data, &fc); err != nil {
			return cfg, fmt.Errorf("parse config file %s: %w", path, err)
		}
		applyFile(&cfg, &fc)
	}

	if err := applyEnv(&cfg); err != nil {
		return cfg, err
	}
	return cfg, cfg.validate()
}

func applyFile(cfg *Config, fc *fileConfig) {
	if s := fc.Server; s != nil {
		if s.ListenAddr != "" {
			cfg.Server.ListenAddr = s.ListenAddr
		}
		if s.RunTimeoutSeconds != nil {
			cfg.Server.RunTimeout = time.Duration(*s.RunTimeoutSeconds) * time.Second
		}
		if s.ShutdownSeconds != nil {
			cfg.Server.ShutdownTimeout = time.Duration(*s.ShutdownSeconds) * time.Second
		}
		if s.MaxConcurrentRuns != nil {
			cfg.Server.MaxConcurrentRuns = *s.MaxConcurrentRuns
		}
		if s.HeartbeatSeconds != nil {
			cfg.Server.HeartbeatInterval = time.Duration(*s.HeartbeatSeconds) * time.Second
		}
	}
	if s := fc.State; s != nil {
		if s.Backend != "" {
			cfg.State.Backend = s.Backend
		}
		if s.SQLitePath != "" {
			cfg.State.SQLitePath = s.SQLitePath
		}
		if s.MaxSessions != nil {
			cfg.State.MaxSessions = *s.MaxSessions
		}
	}
	if h := fc.History; h != nil && h.PostgresDSN != "" {
		cfg.History.PostgresDSN = h.PostgresDSN
	}
	if a := fc.Agent; a != nil {
		if len(a.Responses) > 0 {
			cfg.Agent.Responses = a.Responses
		}
		if a.ChunkSize != nil {
			cfg.Agent.ChunkSize = *a.ChunkSize
		}
		if a.EmitDelayMS != nil {
			cfg.Agent.EmitDelay = time.Duration(*a.EmitDelayMS) * time.Millisecond
		}
	}
	if l := fc.Log; l != nil && l.Level != "" {
		cfg.Log.Level = l.Level
	}
	if m := fc.Metrics; m != nil && m.Enabled != nil {
		cfg.Metrics.Enabled = *m.Enabled
	}
	if tr := fc.Tracing; tr != nil {
		if tr.Enabled != nil {
			cfg.Tracing.Enabled = *tr.Enabled
		}
		if tr.Exporter != "" {
			cfg.Tracing.Exporter = tr.Exporter
		}
		if tr.OTLPEndpoint != "" {
			cfg.Tracing.OTLPEndpoint = tr.OTLPEndpoint
		}
		if tr.ZipkinEndpoint != "" {
			cfg.Tracing.ZipkinEndpoint = tr.ZipkinEndpoint
		}
		if tr.SampleRate != nil {
			cfg.Tracing.SampleRate = *tr.SampleRate
		}
		if tr.ServiceName != "" {
			cfg.Tracing.ServiceName = tr.ServiceName
		}
	}
}

func applyEnv(cfg *Config) error {
	if v := os.Getenv("AGENTD_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("AGENTD_RUN_TIMEOUT_SECONDS"); v != "" {
		secs, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AGENTD_RUN_TIMEOUT_SECONDS: %w", err)
		}
		cfg.Server.RunTimeout = time.Duration(secs) * time.Second
	}
	if v := os.Getenv("AGENTD_MAX_CONCURRENT_RUNS"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("AGENTD_MAX_CONCURRENT_RUNS: %w", err)
		}
		cfg.Server.MaxConcurrentRuns = n
	}
	if v := os.Getenv("AGENTD_STATE_BACKEND"); v != "" {
		cfg.State.Backend = v
	}
	if v := os.Getenv("AGENTD_STATE_SQLITE_PATH"); v != "" {
		cfg.State.SQLitePath = v
	}
	if v := os.Getenv("AGENTD_HISTORY_POSTGRES_DSN"); v != "" {
		cfg.History.PostgresDSN = v
	}
	if v := os.Getenv("AGENTD_LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("AGENTD_METRICS_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AGENTD_METRICS_ENABLED: %w", err)
		}
		cfg.Metrics.Enabled = enabled
	}
	if v := os.Getenv("AGENTD_TRACING_ENABLED"); v != "" {
		enabled, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("AGENTD_TRACING_ENABLED: %w", err)
		}
		cfg.Tracing.Enabled = enabled
	}
	if v := os.Getenv("AGENTD_TRACING_EXPORTER"); v != "" {
		cfg.Tracing.Exporter = v
	}
	if v := os.Getenv("AGENTD_TRACING_OTLP_ENDPOINT"); v != "" {
		cfg.Tracing.OTLPEndpoint = v
	}
	return nil
}

func (c Config) validate() error {
	switch c.State.Backend {
	case "memory":
	case "sqlite":
		if c.State.SQLitePath == "" {
			return fmt.Errorf("state backend sqlite requires sqlite_path")
		}
	default:
		return fmt.Errorf("unknown state backend %q", c.State.Backend)
	}
	if c.Server.MaxConcurrentRuns <= 0 {
		return fmt.Errorf("max_concurrent_runs must be positive")
	}
	if c.Server.RunTimeout < 0 {
		return fmt.Errorf("run_timeout_seconds must not be negative")
	}
	if c.Tracing.Enabled {
		switch c.Tracing.Exporter {
		case "otlp", "zipkin":
		default:
			return fmt.Errorf("unknown trace exporter %q", c.Tracing.Exporter)
		}
	}
	return nil
}
