package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/octavolabs/octavo/pkg/artifact"
	"github.com/octavolabs/octavo/pkg/config"
	"github.com/octavolabs/octavo/pkg/manifest"
)

// jobRow is one listed job.
type jobRow struct {
	JobID       string `json:"job_id"`
	SourceID    string `json:"source_id"`
	FinalStatus string `json:"final_status"`
	Gate        string `json:"gate_decision"`
	CreatedAt   string `json:"created_at"`
	JobDir      string `json:"job_dir"`
}

// runJobsCmd implements `octavo jobs`: lists job directories under the
// artifacts root with their terminal status, newest first.
//
// Exit codes: 0 = listed, 2 = configuration or usage error.
func runJobsCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("jobs", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		env        string
		sourceID   string
		jsonOutput bool
	)

	cmd.StringVar(&env, "env", "dev", "Environment to list")
	cmd.StringVar(&sourceID, "source", "", "Restrict to one source id")
	cmd.BoolVar(&jsonOutput, "json", false, "Output as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}

	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	dirs, err := listJobDirs(cfg.ArtifactsRoot, env, sourceID)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	var rows []jobRow
	for _, dir := range dirs {
		handle, err := manifest.Load(filepath.Join(dir, manifest.Filename))
		if err != nil {
			_, _ = fmt.Fprintf(stderr, "Warning: skipping %s: %v\n", dir, err)
			continue
		}
		m := handle.Snapshot()
		rows = append(rows, jobRow{
			JobID:       m.JobID,
			SourceID:    m.SourceID,
			FinalStatus: string(m.FinalStatus),
			Gate:        m.Gate0Decision.Kind,
			CreatedAt:   m.CreatedAt.UTC().Format(time.RFC3339),
			JobDir:      dir,
		})
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(rows, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
		return 0
	}

	if len(rows) == 0 {
		_, _ = fmt.Fprintf(stdout, "No jobs in %s/%s\n", cfg.ArtifactsRoot, env)
		return 0
	}
	fmt.Fprintf(stdout, "%-40s %-24s %-8s %-20s\n", "JOB", "STATUS", "GATE", "CREATED")
	for _, r := range rows {
		fmt.Fprintf(stdout, "%-40s %-24s %-8s %-20s\n", r.JobID, r.FinalStatus, r.Gate, r.CreatedAt)
	}
	return 0
}

// listJobDirs returns job directories newest first, across all sources
// when sourceID is empty.
func listJobDirs(root, env, sourceID string) ([]string, error) {
	store, err := artifact.NewStore(root)
	if err != nil {
		return nil, err
	}
	if sourceID != "" {
		return store.ListJobDirs(env, sourceID)
	}

	envDir := filepath.Join(store.Root(), env)
	entries, err := os.ReadDir(envDir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var dirs []string
	for _, e := range entries {
		if e.IsDir() {
			dirs = append(dirs, filepath.Join(envDir, e.Name()))
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(dirs)))
	return dirs, nil
}
