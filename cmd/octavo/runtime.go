package main

import (
	"context"
	"database/sql"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"

	_ "github.com/lib/pq" // Postgres Driver

	"github.com/octavolabs/octavo/pkg/adapters"
	"github.com/octavolabs/octavo/pkg/config"
	"github.com/octavolabs/octavo/pkg/gate"
)

// gateCacheSize bounds the in-process LRU in front of sqlite/postgres
// gate backends.
const gateCacheSize = 256

func newLogger(level string, w io.Writer) *slog.Logger {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: lvl}))
}

// openGate assembles the Gate 0 store per configuration. The returned
// closer releases whatever backend was opened.
func openGate(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*gate.Gate, func(), error) {
	var (
		backend gate.Store
		closers []func()
	)

	switch cfg.GateBackend {
	case config.GateBackendMemory:
		backend = gate.NewMemoryStore()
	case config.GateBackendSQLite:
		path := cfg.GateSQLitePath
		if path == "" {
			path = filepath.Join(cfg.ArtifactsRoot, "gate0.db")
		}
		st, err := gate.NewSQLiteStore(path)
		if err != nil {
			return nil, nil, fmt.Errorf("open gate store %s: %w", path, err)
		}
		closers = append(closers, func() { _ = st.Close() })
		cached, err := gate.NewCachedStore(st, gateCacheSize)
		if err != nil {
			return nil, nil, err
		}
		backend = cached
	case config.GateBackendPostgres:
		db, err := sql.Open("postgres", cfg.GatePostgresDSN)
		if err != nil {
			return nil, nil, fmt.Errorf("open postgres gate: %w", err)
		}
		if err := db.PingContext(ctx); err != nil {
			_ = db.Close()
			return nil, nil, fmt.Errorf("ping postgres gate: %w", err)
		}
		closers = append(closers, func() { _ = db.Close() })
		st, err := gate.NewPostgresStore(db)
		if err != nil {
			return nil, nil, err
		}
		cached, err := gate.NewCachedStore(st, gateCacheSize)
		if err != nil {
			return nil, nil, err
		}
		backend = cached
	default:
		return nil, nil, fmt.Errorf("unknown gate backend %q", cfg.GateBackend)
	}

	opts := []gate.Option{gate.WithLogger(logger)}
	if cfg.GateRedisAddr != "" {
		rs := gate.NewRedisStore(cfg.GateRedisAddr, "", 0)
		closers = append(closers, func() { _ = rs.Close() })
		opts = append(opts, gate.WithLeaser(rs))
	}

	closer := func() {
		for i := len(closers) - 1; i >= 0; i-- {
			closers[i]()
		}
	}
	return gate.New(backend, cfg.Gate0Enabled, opts...), closer, nil
}

// embeddingDim is the dimensionality of the local hash embedder.
const embeddingDim = 768

// buildBundle assembles the adapter set. Dry runs use the deterministic
// in-memory fakes; real runs use the poppler toolchain and the Anthropic
// model behind a breaker and rate limit. Both modes keep in-memory
// sinks: the on-disk vectors.jsonl and graph_delta.json artifacts are
// the durable record, replayable into any external sink.
func buildBundle(cfg *config.Config, dryRun bool) (*adapters.Bundle, error) {
	if dryRun {
		ex := adapters.TextExtractor{}
		return &adapters.Bundle{
			Extractor: ex,
			Splitter:  ex,
			LLM:       &adapters.StaticLM{},
			Embedder:  adapters.NewHashEmbedder(embeddingDim),
			Vectors:   adapters.NewMemVector(),
			Graph:     adapters.NewMemGraph(),
		}, nil
	}

	pop := adapters.NewPoppler()
	model := cfg.AnthropicModel
	if model == "" {
		model = adapters.DefaultAnthropicModel
	}
	lm, err := adapters.NewAnthropicLM(model)
	if err != nil {
		return nil, err
	}

	return &adapters.Bundle{
		Extractor: pop,
		Splitter:  pop,
		LLM:       adapters.WithRateLimit(adapters.WithBreaker(lm, "anthropic"), 2, 4),
		Embedder:  adapters.NewHashEmbedder(embeddingDim),
		Vectors:   adapters.NewMemVector(),
		Graph:     adapters.NewMemGraph(),
	}, nil
}
