// Package fingerprint computes the content identities the pipeline keys
// on: whole-file digests for Gate 0, per-page and per-section digests
// for delta planning, and chunk ids.
//
// Page text is normalized before hashing (Unicode NFC, whitespace runs
// collapsed, ends trimmed) so that extractor-level differences in
// whitespace or composition form do not register as content changes.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"strconv"
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"

	"github.com/octavolabs/octavo/pkg/fault"
)

// sep separates fields inside composite digests so adjacent values
// cannot alias (0x1e, the ASCII record separator).
const sep = 0x1e

// fileReadBlock is the streaming block size for whole-file hashing.
const fileReadBlock = 64 * 1024

// PageFingerprint identifies one page of extracted text.
type PageFingerprint struct {
	PageNumber int    `json:"page_number"`
	PageSHA    string `json:"page_sha"`
	SectionID  string `json:"section_id"`
}

// SectionFingerprint identifies one logical section of the source
// document, as resolved from the table of contents.
type SectionFingerprint struct {
	SectionID  string `json:"section_id"`
	Title      string `json:"title"`
	Depth      int    `json:"depth"`
	ParentID   string `json:"parent_id,omitempty"`
	PageStart  int    `json:"page_start"`
	PageEnd    int    `json:"page_end"`
	SectionSHA string `json:"section_sha"`
}

// Pages reports how many pages the section spans.
func (s SectionFingerprint) Pages() int {
	return s.PageEnd - s.PageStart + 1
}

// Overlap returns the number of pages shared with other.
func (s SectionFingerprint) Overlap(other SectionFingerprint) int {
	lo := max(s.PageStart, other.PageStart)
	hi := min(s.PageEnd, other.PageEnd)
	if hi < lo {
		return 0
	}
	return hi - lo + 1
}

// NormalizePage returns the canonical text form of one extracted page:
// Unicode NFC, every run of whitespace collapsed to a single space,
// leading and trailing whitespace removed.
func NormalizePage(text string) string {
	text = norm.NFC.String(text)
	var b strings.Builder
	b.Grow(len(text))
	inSpace := false
	for _, r := range text {
		if unicode.IsSpace(r) {
			inSpace = true
			continue
		}
		if inSpace && b.Len() > 0 {
			b.WriteByte(' ')
		}
		inSpace = false
		b.WriteRune(r)
	}
	return b.String()
}

// PageSHA returns the SHA-256 hex digest of the normalized page text.
// An empty or whitespace-only page hashes the empty string.
func PageSHA(text string) string {
	sum := sha256.Sum256([]byte(NormalizePage(text)))
	return hex.EncodeToString(sum[:])
}

// SectionSHA folds the ordered page digests of a section into one
// digest. Pages are separated so that boundary shifts change the result.
func SectionSHA(pageSHAs []string) string {
	h := sha256.New()
	for i, ps := range pageSHAs {
		if i > 0 {
			h.Write([]byte{sep})
		}
		io.WriteString(h, ps)
	}
	return hex.EncodeToString(h.Sum(nil))
}

// FileSHA streams the file at path through SHA-256 in 64 KiB blocks and
// returns the lowercase hex digest. The file is never loaded whole.
func FileSHA(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fault.Wrap(fault.SourceUnreadable, "fingerprint.file", err)
	}
	defer f.Close()

	h := sha256.New()
	buf := make([]byte, fileReadBlock)
	if _, err := io.CopyBuffer(h, f, buf); err != nil {
		return "", fault.Wrap(fault.SourceUnreadable, "fingerprint.file", err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// ChunkID derives the stable identity of a chunk from its coordinates
// and exact text. Same section, ordinal, and text always yield the same
// id across runs.
func ChunkID(sourceID, sectionID string, ordinal int, text string) string {
	h := sha256.New()
	io.WriteString(h, sourceID)
	h.Write([]byte{sep})
	io.WriteString(h, sectionID)
	h.Write([]byte{sep})
	io.WriteString(h, strconv.Itoa(ordinal))
	h.Write([]byte{sep})
	io.WriteString(h, text)
	return hex.EncodeToString(h.Sum(nil))
}
