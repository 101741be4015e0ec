package adapters

import (
	"context"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/octavolabs/octavo/pkg/fault"
)

// TextExtractor reads plain-text fixtures where pages are separated by
// form feeds (\f). It backs tests and the CLI dry-run path, exercising
// the exact block classification the poppler adapter uses, without a
// PDF toolchain. Non-UTF-8 input is treated as a corrupt document.
type TextExtractor struct{}

func (TextExtractor) readPages(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fault.Wrap(fault.SourceUnreadable, "textextract.read", err)
	}
	if !utf8.Valid(data) {
		return nil, fault.Newf(fault.SourceUnreadable, "textextract.read",
			"%s is not valid UTF-8 text", path)
	}
	return strings.Split(string(data), "\f"), nil
}

func (t TextExtractor) PageCount(ctx context.Context, path string) (int, error) {
	pages, err := t.readPages(path)
	if err != nil {
		return 0, err
	}
	return len(pages), nil
}

func (t TextExtractor) Extract(ctx context.Context, path string) ([]ExtractedBlock, error) {
	pages, err := t.readPages(path)
	if err != nil {
		return nil, err
	}
	var blocks []ExtractedBlock
	for i, page := range pages {
		if err := ctx.Err(); err != nil {
			return nil, fault.Wrap(fault.Cancelled, "textextract.extract", err)
		}
		blocks = append(blocks, ClassifyPage(i+1, page)...)
	}
	return blocks, nil
}

// SplitPages writes pages [first, last] to dst, preserving the form-feed
// framing so parts re-extract identically.
func (t TextExtractor) SplitPages(ctx context.Context, src string, first, last int, dst string) error {
	pages, err := t.readPages(src)
	if err != nil {
		return err
	}
	if first < 1 || last > len(pages) || first > last {
		return fault.Newf(fault.SourceUnreadable, "textextract.split",
			"page range %d-%d outside document of %d pages", first, last, len(pages))
	}
	part := strings.Join(pages[first-1:last], "\f")
	if err := os.WriteFile(dst, []byte(part), 0o644); err != nil {
		return fault.Wrap(fault.ExternalUnavailable, "textextract.split", err)
	}
	return nil
}
