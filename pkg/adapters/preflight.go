package adapters

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"regexp"
	"strings"

	"github.com/Masterminds/semver/v3"

	"github.com/octavolabs/octavo/pkg/fault"
)

// MinPopplerVersion is the oldest poppler-utils release with stable
// UTF-8 layout output; older builds garble ligatures in rulebook fonts.
const MinPopplerVersion = ">= 0.86.0"

// CheckResult is one preflight probe outcome.
type CheckResult struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Detail string `json:"detail"`
}

var versionRe = regexp.MustCompile(`(\d+\.\d+(\.\d+)?)`)

// PreflightPoppler probes the poppler toolchain: every binary must be on
// PATH and pdftotext must satisfy the version constraint. The returned
// error is a Preflight fault when any probe fails; the full result list
// is returned either way so callers can print a report.
func PreflightPoppler(ctx context.Context, p *Poppler) ([]CheckResult, error) {
	var results []CheckResult
	ok := true

	for _, bin := range []string{p.PdfinfoPath, p.PdftotextPath, p.PdftocairoPath} {
		if path, err := exec.LookPath(bin); err != nil {
			results = append(results, CheckResult{Name: bin, OK: false, Detail: "not found on PATH"})
			ok = false
		} else {
			results = append(results, CheckResult{Name: bin, OK: true, Detail: path})
		}
	}

	if version, err := popplerVersion(ctx, p.PdftotextPath); err != nil {
		results = append(results, CheckResult{Name: "pdftotext version", OK: false, Detail: err.Error()})
		ok = false
	} else {
		constraint, err := semver.NewConstraint(MinPopplerVersion)
		if err != nil {
			return results, fmt.Errorf("adapters: bad version constraint %q: %w", MinPopplerVersion, err)
		}
		if constraint.Check(version) {
			results = append(results, CheckResult{
				Name: "pdftotext version", OK: true,
				Detail: fmt.Sprintf("%s (%s)", version, MinPopplerVersion),
			})
		} else {
			results = append(results, CheckResult{
				Name: "pdftotext version", OK: false,
				Detail: fmt.Sprintf("%s does not satisfy %s", version, MinPopplerVersion),
			})
			ok = false
		}
	}

	if !ok {
		return results, fault.New(fault.Preflight, "adapters.preflight", "poppler toolchain unusable")
	}
	return results, nil
}

// popplerVersion parses the release number out of `pdftotext -v`, which
// prints to stderr as "pdftotext version 22.02.0".
func popplerVersion(ctx context.Context, bin string) (*semver.Version, error) {
	cmd := exec.CommandContext(ctx, bin, "-v")
	var stderr bytes.Buffer
	cmd.Stderr = &stderr
	// pdftotext -v exits 0 on modern builds and 99 on ancient ones;
	// either way the banner lands on stderr.
	_ = cmd.Run()

	return ParsePopplerVersion(stderr.String())
}

// ParsePopplerVersion extracts the first dotted version from a tool
// banner.
func ParsePopplerVersion(banner string) (*semver.Version, error) {
	m := versionRe.FindString(banner)
	if m == "" {
		return nil, fmt.Errorf("no version in banner %q", strings.TrimSpace(banner))
	}
	v, err := semver.NewVersion(m)
	if err != nil {
		return nil, fmt.Errorf("unparseable version %q: %w", m, err)
	}
	return v, nil
}
