package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"github.com/octavolabs/octavo/pkg/adapters"
	"github.com/octavolabs/octavo/pkg/config"
	"github.com/octavolabs/octavo/pkg/signing"
)

// runDoctorCmd implements `octavo doctor`: probes everything a real
// ingest needs up front. Informational probes (signing seed) never fail
// the run; hard requirements (poppler, writable root, gate backend) do.
//
// Exit codes: 0 = healthy, 2 = at least one probe failed or usage
// error. Probe failures are preflight-class, same as ingest's exit 2.
func runDoctorCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("doctor", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var jsonOutput bool
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	results := runProbes(ctx)

	healthy := true
	for _, r := range results {
		if !r.OK {
			healthy = false
		}
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(results, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else {
		for _, r := range results {
			mark := "ok  "
			if !r.OK {
				mark = "FAIL"
			}
			_, _ = fmt.Fprintf(stdout, "%s %-24s %s\n", mark, r.Name, r.Detail)
		}
	}

	if !healthy {
		return 2
	}
	return 0
}

func runProbes(ctx context.Context) []adapters.CheckResult {
	var results []adapters.CheckResult

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		results = append(results, adapters.CheckResult{Name: "config", OK: false, Detail: err.Error()})
	} else {
		results = append(results, adapters.CheckResult{
			Name: "config", OK: true,
			Detail: fmt.Sprintf("root=%s gate=%s slots=%d", cfg.ArtifactsRoot, cfg.GateBackend, cfg.WorkerSlots),
		})
	}

	results = append(results, probeArtifactsRoot(cfg.ArtifactsRoot))

	popplerResults, _ := adapters.PreflightPoppler(ctx, adapters.NewPoppler())
	results = append(results, popplerResults...)

	results = append(results, probeGate(ctx, cfg))

	if os.Getenv(signing.SeedEnvVar) == "" {
		results = append(results, adapters.CheckResult{
			Name: "signing seed", OK: true,
			Detail: fmt.Sprintf("%s unset, manifest sealing disabled", signing.SeedEnvVar),
		})
	} else if _, err := signing.NewKeyringFromEnv("dev"); err != nil {
		results = append(results, adapters.CheckResult{Name: "signing seed", OK: false, Detail: err.Error()})
	} else {
		results = append(results, adapters.CheckResult{Name: "signing seed", OK: true, Detail: "keyring derivable"})
	}

	return results
}

func probeArtifactsRoot(root string) adapters.CheckResult {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return adapters.CheckResult{Name: "artifacts root", OK: false, Detail: err.Error()}
	}
	probe := filepath.Join(root, ".doctor_probe")
	if err := os.WriteFile(probe, []byte("ok"), 0o644); err != nil {
		return adapters.CheckResult{Name: "artifacts root", OK: false, Detail: err.Error()}
	}
	_ = os.Remove(probe)
	return adapters.CheckResult{Name: "artifacts root", OK: true, Detail: root + " writable"}
}

func probeGate(ctx context.Context, cfg *config.Config) adapters.CheckResult {
	if !cfg.Gate0Enabled {
		return adapters.CheckResult{Name: "gate backend", OK: true, Detail: "gate disabled"}
	}
	_, closeGate, err := openGate(ctx, cfg, newLogger("ERROR", io.Discard))
	if err != nil {
		return adapters.CheckResult{Name: "gate backend", OK: false, Detail: err.Error()}
	}
	closeGate()
	return adapters.CheckResult{Name: "gate backend", OK: true, Detail: cfg.GateBackend + " reachable"}
}
