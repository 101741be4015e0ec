// Package config resolves process configuration: environment variables
// for the deployment-level knobs, optional YAML profiles for per-
// environment pipeline policy.
package config

import (
	"os"
	"strconv"

	"github.com/octavolabs/octavo/pkg/fault"
)

// Environment variables recognized at startup.
const (
	EnvArtifactsRoot  = "ARTIFACTS_ROOT"
	EnvWorkerSlots    = "INGEST_WORKER_SLOTS"
	EnvGate0Enabled   = "GATE0_ENABLED"
	EnvGateBackend    = "GATE0_BACKEND"
	EnvGateSQLitePath = "GATE0_SQLITE_PATH"
	EnvGatePostgres   = "GATE0_POSTGRES_DSN"
	EnvGateRedisAddr  = "GATE0_REDIS_ADDR"
	EnvLogLevel       = "LOG_LEVEL"
	EnvOTELEnabled    = "OTEL_ENABLED"
	EnvOTELEndpoint   = "OTEL_EXPORTER_OTLP_ENDPOINT"
	EnvAnthropicModel = "OCTAVO_ANTHROPIC_MODEL"
	EnvProfilesDir    = "OCTAVO_PROFILES_DIR"
)

// Gate store backends.
const (
	GateBackendMemory   = "memory"
	GateBackendSQLite   = "sqlite"
	GateBackendPostgres = "postgres"
)

// Config holds process-level configuration.
type Config struct {
	ArtifactsRoot string
	WorkerSlots   int
	Gate0Enabled  bool

	GateBackend     string
	GateSQLitePath  string
	GatePostgresDSN string
	GateRedisAddr   string

	LogLevel     string
	OTELEnabled  bool
	OTELEndpoint string

	AnthropicModel string
	ProfilesDir    string
}

// Load reads configuration from environment variables, applying
// defaults for everything unset.
func Load() *Config {
	c := &Config{
		ArtifactsRoot:   getenv(EnvArtifactsRoot, "./artifacts"),
		WorkerSlots:     getint(EnvWorkerSlots, 4),
		Gate0Enabled:    os.Getenv(EnvGate0Enabled) != "false",
		GateBackend:     getenv(EnvGateBackend, GateBackendSQLite),
		GateSQLitePath:  getenv(EnvGateSQLitePath, ""),
		GatePostgresDSN: os.Getenv(EnvGatePostgres),
		GateRedisAddr:   os.Getenv(EnvGateRedisAddr),
		LogLevel:        getenv(EnvLogLevel, "INFO"),
		OTELEnabled:     os.Getenv(EnvOTELEnabled) == "true",
		OTELEndpoint:    getenv(EnvOTELEndpoint, "localhost:4317"),
		AnthropicModel:  os.Getenv(EnvAnthropicModel),
		ProfilesDir:     os.Getenv(EnvProfilesDir),
	}
	return c
}

// Validate rejects configurations the process cannot start with.
func (c *Config) Validate() error {
	if c.ArtifactsRoot == "" {
		return fault.New(fault.Preflight, "config", "artifacts root must not be empty")
	}
	if c.WorkerSlots < 1 {
		return fault.Newf(fault.Preflight, "config", "worker slots must be >= 1, got %d", c.WorkerSlots)
	}
	switch c.GateBackend {
	case GateBackendMemory, GateBackendSQLite, GateBackendPostgres:
	default:
		return fault.Newf(fault.Preflight, "config",
			"unknown gate backend %q (want memory, sqlite, or postgres)", c.GateBackend)
	}
	if c.GateBackend == GateBackendPostgres && c.GatePostgresDSN == "" {
		return fault.Newf(fault.Preflight, "config", "%s required for postgres gate backend", EnvGatePostgres)
	}
	return nil
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func getint(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
