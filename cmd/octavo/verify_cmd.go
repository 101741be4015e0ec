package main

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"

	"github.com/octavolabs/octavo/pkg/audit"
	"github.com/octavolabs/octavo/pkg/manifest"
	"github.com/octavolabs/octavo/pkg/passes"
	"github.com/octavolabs/octavo/pkg/signing"
)

// verifyCheck is one probe outcome in the verification report.
type verifyCheck struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail,omitempty"`
}

// verifyReport is the structured answer of `octavo verify`.
type verifyReport struct {
	JobDir   string        `json:"job_dir"`
	JobID    string        `json:"job_id,omitempty"`
	Verified bool          `json:"verified"`
	Checks   []verifyCheck `json:"checks"`
}

// runVerifyCmd implements `octavo verify`.
//
// Re-checks a finished job from its directory alone: the manifest
// parses against the schema, every recorded artifact still hashes to
// its manifest SHA, the audit chain replays, and the seal (when
// present) verifies against the environment-derived key.
//
// Exit codes:
//
//	0 = verification passed
//	1 = verification failed
//	2 = usage or runtime error
func runVerifyCmd(args []string, stdout, stderr io.Writer) int {
	cmd := flag.NewFlagSet("verify", flag.ContinueOnError)
	cmd.SetOutput(stderr)

	var (
		jobDir     string
		jsonOutput bool
	)

	cmd.StringVar(&jobDir, "job", "", "Path to the job directory (REQUIRED)")
	cmd.BoolVar(&jsonOutput, "json", false, "Output the report as JSON")

	if err := cmd.Parse(args); err != nil {
		return 2
	}
	if jobDir == "" {
		_, _ = fmt.Fprintln(stderr, "Error: --job is required")
		cmd.Usage()
		return 2
	}

	report, err := verifyJob(jobDir)
	if err != nil {
		_, _ = fmt.Fprintf(stderr, "Error: %v\n", err)
		return 2
	}

	if jsonOutput {
		data, _ := json.MarshalIndent(report, "", "  ")
		_, _ = fmt.Fprintln(stdout, string(data))
	} else if report.Verified {
		_, _ = fmt.Fprintf(stdout, "OK %s (%d checks)\n", report.JobID, len(report.Checks))
	} else {
		_, _ = fmt.Fprintf(stdout, "FAILED %s\n", report.JobID)
		for _, c := range report.Checks {
			if !c.OK {
				_, _ = fmt.Fprintf(stdout, "  - %s: %s\n", c.Name, c.Detail)
			}
		}
	}

	if !report.Verified {
		return 1
	}
	return 0
}

func verifyJob(jobDir string) (*verifyReport, error) {
	report := &verifyReport{JobDir: jobDir, Verified: true}
	add := func(name string, ok bool, detail string) {
		report.Checks = append(report.Checks, verifyCheck{Name: name, OK: ok, Detail: detail})
		if !ok {
			report.Verified = false
		}
	}

	manifestPath := filepath.Join(jobDir, manifest.Filename)
	raw, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read manifest: %w", err)
	}
	if err := manifest.ValidateBytes(raw); err != nil {
		add("manifest_schema", false, err.Error())
	} else {
		add("manifest_schema", true, "")
	}

	handle, err := manifest.Load(manifestPath)
	if err != nil {
		add("manifest_load", false, err.Error())
		return report, nil
	}
	snapshot := handle.Snapshot()
	report.JobID = snapshot.JobID
	add("manifest_load", true, string(snapshot.FinalStatus))

	verifyArtifacts(jobDir, snapshot, add)

	if err := audit.Verify(filepath.Join(jobDir, passes.AuditFilename)); err != nil {
		add("audit_chain", false, err.Error())
	} else {
		add("audit_chain", true, "")
	}

	verifySeal(snapshot, add)
	return report, nil
}

// verifyArtifacts re-hashes every artifact the manifest records. Paths
// are stored absolute at write time; a relocated tree falls back to the
// job-relative layout.
func verifyArtifacts(jobDir string, m manifest.Manifest, add func(string, bool, string)) {
	passIDs := make([]string, 0, len(m.PassStates))
	for id := range m.PassStates {
		passIDs = append(passIDs, id)
	}
	sort.Strings(passIDs)

	checked, bad := 0, 0
	for _, id := range passIDs {
		for _, ref := range m.PassStates[id].Artifacts {
			path := ref.Path
			if _, err := os.Stat(path); err != nil {
				path = filepath.Join(jobDir, "pass_"+id, filepath.FromSlash(ref.Name))
			}
			data, err := os.ReadFile(path)
			if err != nil {
				add(fmt.Sprintf("artifact:pass_%s/%s", id, ref.Name), false, err.Error())
				bad++
				continue
			}
			sum := sha256.Sum256(data)
			if hex.EncodeToString(sum[:]) != ref.SHA256 {
				add(fmt.Sprintf("artifact:pass_%s/%s", id, ref.Name), false, "content hash mismatch")
				bad++
				continue
			}
			checked++
		}
	}
	if bad == 0 {
		add("artifact_hashes", true, fmt.Sprintf("%d artifacts", checked))
	}
}

// verifySeal checks the Ed25519 seal when one is present. Without the
// signing seed in the environment the check is skipped, not failed: the
// verifier host may legitimately not hold key material.
func verifySeal(m manifest.Manifest, add func(string, bool, string)) {
	if m.Seal == nil {
		add("manifest_seal", true, "no seal present")
		return
	}
	if os.Getenv(signing.SeedEnvVar) == "" {
		add("manifest_seal", true, fmt.Sprintf("skipped: %s not set", signing.SeedEnvVar))
		return
	}
	kr, err := signing.NewKeyringFromEnv(m.Environment)
	if err != nil {
		add("manifest_seal", false, err.Error())
		return
	}
	if err := kr.Verify(m); err != nil {
		add("manifest_seal", false, err.Error())
		return
	}
	add("manifest_seal", true, "key "+m.Seal.KeyID)
}
