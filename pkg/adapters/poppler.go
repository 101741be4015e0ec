package adapters

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/octavolabs/octavo/pkg/fault"
)

// Poppler extracts text with the poppler-utils toolchain: pdfinfo for
// metadata, pdftotext for page text, pdftocairo for page-range slicing.
// All three are invoked as subprocesses; preflight verifies they exist
// before any job starts.
type Poppler struct {
	PdfinfoPath    string
	PdftotextPath  string
	PdftocairoPath string
}

// NewPoppler resolves the poppler binaries from PATH.
func NewPoppler() *Poppler {
	return &Poppler{
		PdfinfoPath:    "pdfinfo",
		PdftotextPath:  "pdftotext",
		PdftocairoPath: "pdftocairo",
	}
}

// PageCount parses the Pages field from pdfinfo output.
func (p *Poppler) PageCount(ctx context.Context, path string) (int, error) {
	out, err := p.run(ctx, p.PdfinfoPath, path)
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(out), "\n") {
		if rest, ok := strings.CutPrefix(line, "Pages:"); ok {
			n, err := strconv.Atoi(strings.TrimSpace(rest))
			if err != nil {
				return 0, fault.Newf(fault.SourceUnreadable, "poppler.pdfinfo",
					"unparseable page count %q in %s", rest, path)
			}
			return n, nil
		}
	}
	return 0, fault.Newf(fault.SourceUnreadable, "poppler.pdfinfo", "no Pages field for %s", path)
}

// Extract runs pdftotext over the whole document in layout mode and
// classifies each form-feed separated page into blocks.
func (p *Poppler) Extract(ctx context.Context, path string) ([]ExtractedBlock, error) {
	out, err := p.run(ctx, p.PdftotextPath, "-layout", "-enc", "UTF-8", path, "-")
	if err != nil {
		return nil, err
	}

	var blocks []ExtractedBlock
	for i, page := range strings.Split(string(out), "\f") {
		blocks = append(blocks, ClassifyPage(i+1, page)...)
	}
	return blocks, nil
}

// SplitPages writes pages [first, last] of src to dst as a standalone
// PDF via pdftocairo.
func (p *Poppler) SplitPages(ctx context.Context, src string, first, last int, dst string) error {
	_, err := p.run(ctx, p.PdftocairoPath, "-pdf",
		"-f", strconv.Itoa(first), "-l", strconv.Itoa(last), src, dst)
	return err
}

// run executes one poppler tool. A non-zero exit that mentions the
// document is classified SourceUnreadable; anything else (missing
// binary, signal, I/O) is a transient external failure.
func (p *Poppler) run(ctx context.Context, bin string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, bin, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return nil, fault.Wrap(fault.Cancelled, "poppler."+bin, ctx.Err())
		}
		msg := strings.TrimSpace(stderr.String())
		if _, isExit := err.(*exec.ExitError); isExit && looksLikeBadDocument(msg) {
			return nil, fault.Newf(fault.SourceUnreadable, "poppler."+bin, "%s", msg)
		}
		return nil, fault.Wrap(fault.ExternalUnavailable, "poppler."+bin,
			fmt.Errorf("%w: %s", err, msg))
	}
	return stdout.Bytes(), nil
}

// looksLikeBadDocument distinguishes a corrupt input from tool trouble
// based on poppler's stderr vocabulary.
func looksLikeBadDocument(stderr string) bool {
	s := strings.ToLower(stderr)
	for _, marker := range []string{
		"may not be a pdf file",
		"couldn't read xref table",
		"damaged",
		"encrypted",
		"command line error",
	} {
		if strings.Contains(s, marker) {
			return true
		}
	}
	return false
}
