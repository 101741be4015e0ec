package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/octavolabs/octavo/pkg/artifact"
	"github.com/octavolabs/octavo/pkg/config"
	"github.com/octavolabs/octavo/pkg/manifest"
	"github.com/octavolabs/octavo/pkg/observability"
	"github.com/octavolabs/octavo/pkg/orchestrator"
	"github.com/octavolabs/octavo/pkg/signing"
)

// runIngestCmd implements `octavo ingest`.
//
// Expands the --source glob, fans the matches over the worker pool, and
// reports one terminal result per source.
//
// Exit codes:
//
//	0 = every source reached a success-shaped terminal
//	1 = at least one ingest failed or was cancelled
//	2 = configuration or usage error
func runIngestCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("ingest", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		sourceGlob string
		env        string
		forceFull  bool
		noDelta    bool
		wait       bool
		dryRun     bool
		jsonOutput bool
	)

	cmd.StringVar(&sourceGlob, "source", "", "Source path or doublestar glob (REQUIRED)")
	cmd.StringVar(&env, "env", "dev", "Target environment (dev, test, prod)")
	cmd.BoolVar(&forceFull, "force-full", false, "Reprocess even when the gate would bypass or delta")
	cmd.BoolVar(&noDelta, "no-delta", false, "Disable delta planning; changed sources rebuild fully")
	cmd.BoolVar(&wait, "wait", false, "Wait for an in-flight duplicate instead of rejecting")
	cmd.BoolVar(&dryRun, "dry-run", false, "Use the deterministic in-memory adapters")
	cmd.BoolVar(&jsonOutput, "json", false, "Output results as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if sourceGlob == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --source is required")
		cmd.Usage()
		return 2
	}

	matches, err := doublestar.FilepathGlob(sourceGlob)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: bad --source pattern: %v\n", err)
		return 2
	}
	if len(matches) == 0 {
		_, _ = fmt.Fprintf(stderr, "Error: --source %q matched no files\n", sourceGlob)
		return 2
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	logger := newLogger(cfg.LogLevel, stderr)

	pol, err := config.PolicyFor(cfg.ProfilesDir, env)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	pol.ForceFull = pol.ForceFull || forceFull
	pol.NoDelta = pol.NoDelta || noDelta
	pol.WaitForDuplicate = pol.WaitForDuplicate || wait

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := artifact.NewStore(cfg.ArtifactsRoot)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	g, closeGate, err := openGate(ctx, cfg, logger)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	defer closeGate()

	bundle, err := buildBundle(cfg, dryRun)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	opts := []orchestrator.Option{
		orchestrator.WithLogger(logger),
		orchestrator.WithWorkerSlots(cfg.WorkerSlots),
	}
	if os.Getenv(signing.SeedEnvVar) != "" {
		kr, err := signing.NewKeyringFromEnv(env)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		opts = append(opts, orchestrator.WithKeyring(kr))
	}
	archiver, err := artifact.NewArchiverFromEnv(ctx)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}
	if archiver != nil {
		opts = append(opts, orchestrator.WithArchiver(archiver))
	}
	if cfg.OTELEnabled {
		obsCfg := observability.DefaultConfig()
		obsCfg.Enabled = true
		obsCfg.Environment = env
		obsCfg.OTLPEndpoint = cfg.OTELEndpoint
		provider, err := observability.New(ctx, obsCfg)
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
			return 2
		}
		defer provider.Shutdown(context.Background())
		opts = append(opts, orchestrator.WithObservability(provider))
	}

	orch := orchestrator.New(store, g, bundle, opts...)

	reqs := make([]orchestrator.IngestRequest, len(matches))
	for i, path := range matches {
		reqs[i] = orchestrator.IngestRequest{
			SourcePath:  path,
			Environment: env,
			Policy:      pol,
		}
	}

	results, batchErr := orch.IngestBatch(ctx, reqs)

	if jsonOutput {
		data, _ := json.MarshalIndent(results, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		printResults(stdout, results)
	}

	if batchErr != nil {
		if !jsonOutput {
			_, _ = fmt.Fprintf(stderr, "Error: %v\n", batchErr)
		}
		return 1
	}
	return 0
}

func printResults(w io.Writer, results []orchestrator.IngestResult) {
	for _, r := range results {
		switch r.FinalStatus {
		case orchestrator.StatusBypassed:
			fmt.Fprintf(w, "BYPASSED  %s (unchanged, prior job %s)\n", r.SourceID, r.JobID)
		case manifest.FinalSucceeded, manifest.FinalSucceededWithWarnings:
			fmt.Fprintf(w, "%-9s %s job=%s chunks=%d vectors=%d nodes=%d edges=%d %dms\n",
				r.FinalStatus, r.SourceID, r.JobID,
				r.Summary.ChunkCount, r.Summary.VectorCount,
				r.Summary.GraphNodeCount, r.Summary.GraphEdgeCount,
				r.Summary.DurationMS)
			for _, warning := range r.Warnings {
				fmt.Fprintf(w, "          warning: %s\n", warning)
			}
		default:
			fmt.Fprintf(w, "%-9s %s: %s\n", r.FinalStatus, r.SourceID, r.Error)
		}
	}
}
