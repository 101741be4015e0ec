package artifact

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/octavolabs/octavo/pkg/fault"
)

func newTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(t.TempDir())
	if err != nil {
		t.Fatalf("NewStore failed: %v", err)
	}
	return s
}

func TestCreateJobDir_Conflict(t *testing.T) {
	s := newTestStore(t)

	dir, err := s.CreateJobDir("dev", "srd_20250301T120000Z")
	if err != nil {
		t.Fatalf("CreateJobDir failed: %v", err)
	}
	if !filepath.IsAbs(dir) {
		t.Errorf("job dir not absolute: %s", dir)
	}

	_, err = s.CreateJobDir("dev", "srd_20250301T120000Z")
	if !fault.Is(err, fault.ArtifactConflict) {
		t.Errorf("second create = %v, want ArtifactConflict", err)
	}
}

func TestWriteArtifact_AtomicAndIdempotent(t *testing.T) {
	s := newTestStore(t)
	dir, _ := s.CreateJobDir("dev", "srd_20250301T120000Z")

	data := []byte(`{"sections":[]}`)
	ref, err := s.WriteArtifact(dir, "A", "toc.json", data)
	if err != nil {
		t.Fatalf("WriteArtifact failed: %v", err)
	}
	if ref.Bytes != int64(len(data)) {
		t.Errorf("ref.Bytes = %d, want %d", ref.Bytes, len(data))
	}
	if len(ref.SHA256) != 64 {
		t.Errorf("ref.SHA256 = %q, want 64 hex chars", ref.SHA256)
	}

	// Identical rewrite is a no-op.
	again, err := s.WriteArtifact(dir, "A", "toc.json", data)
	if err != nil {
		t.Fatalf("identical rewrite failed: %v", err)
	}
	if again.SHA256 != ref.SHA256 {
		t.Errorf("rewrite changed SHA: %s vs %s", again.SHA256, ref.SHA256)
	}

	// Different content over the same name must conflict.
	_, err = s.WriteArtifact(dir, "A", "toc.json", []byte(`{"sections":[1]}`))
	if !fault.Is(err, fault.ArtifactConflict) {
		t.Errorf("conflicting rewrite = %v, want ArtifactConflict", err)
	}

	// No temp residue after a clean write.
	if _, err := os.Stat(ref.Path + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after commit")
	}
}

func TestWriteArtifact_NestedName(t *testing.T) {
	s := newTestStore(t)
	dir, _ := s.CreateJobDir("dev", "srd_20250301T120000Z")

	ref, err := s.WriteArtifact(dir, "B", "parts/0001.pdf", []byte("%PDF-1.7"))
	if err != nil {
		t.Fatalf("WriteArtifact failed: %v", err)
	}
	want := filepath.Join(dir, "pass_B", "parts", "0001.pdf")
	if ref.Path != want {
		t.Errorf("ref.Path = %s, want %s", ref.Path, want)
	}
}

func TestReadArtifact_Missing(t *testing.T) {
	s := newTestStore(t)
	dir, _ := s.CreateJobDir("dev", "srd_20250301T120000Z")

	_, err := s.ReadArtifact(dir, "C", "chunks.jsonl")
	if !fault.Is(err, fault.ArtifactMissing) {
		t.Errorf("ReadArtifact on absent = %v, want ArtifactMissing", err)
	}
}

func TestListJobDirs_NewestFirst(t *testing.T) {
	s := newTestStore(t)

	for _, ts := range []string{"20250301T120000Z", "20250302T120000Z", "20250228T080000Z"} {
		if _, err := s.CreateJobDir("dev", "players-handbook_"+ts); err != nil {
			t.Fatal(err)
		}
	}
	// A different source must not appear in the listing.
	if _, err := s.CreateJobDir("dev", "monster-manual_20250301T120000Z"); err != nil {
		t.Fatal(err)
	}

	dirs, err := s.ListJobDirs("dev", "Players Handbook")
	if err != nil {
		t.Fatalf("ListJobDirs failed: %v", err)
	}
	if len(dirs) != 3 {
		t.Fatalf("got %d dirs, want 3", len(dirs))
	}
	if filepath.Base(dirs[0]) != "players-handbook_20250302T120000Z" {
		t.Errorf("newest first violated: %s", filepath.Base(dirs[0]))
	}
	if filepath.Base(dirs[2]) != "players-handbook_20250228T080000Z" {
		t.Errorf("oldest last violated: %s", filepath.Base(dirs[2]))
	}
}

func TestListJobDirs_EmptyEnvironment(t *testing.T) {
	s := newTestStore(t)
	dirs, err := s.ListJobDirs("prod", "srd")
	if err != nil {
		t.Fatalf("ListJobDirs failed: %v", err)
	}
	if dirs != nil {
		t.Errorf("expected nil for absent environment, got %v", dirs)
	}
}

func TestSweepTmp(t *testing.T) {
	s := newTestStore(t)
	dir, _ := s.CreateJobDir("dev", "srd_20250301T120000Z")

	if _, err := s.WriteArtifact(dir, "A", "toc.json", []byte("{}")); err != nil {
		t.Fatal(err)
	}
	orphan := filepath.Join(dir, "pass_C", "chunks.jsonl.tmp")
	if err := os.MkdirAll(filepath.Dir(orphan), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(orphan, []byte("partial"), 0o644); err != nil {
		t.Fatal(err)
	}

	n, err := SweepTmp(dir)
	if err != nil {
		t.Fatalf("SweepTmp failed: %v", err)
	}
	if n != 1 {
		t.Errorf("swept %d files, want 1", n)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("orphaned tmp survived sweep")
	}
	if !s.HasArtifact(dir, "A", "toc.json") {
		t.Error("sweep removed a committed artifact")
	}
}

func TestSafeSourceID(t *testing.T) {
	cases := []struct{ in, want string }{
		{"Player's Handbook (5e).pdf", "player-s-handbook-5e-pdf"},
		{"SRD_5.1", "srd-5-1"},
		{"--core--", "core"},
		{"Tome of Beasts", "tome-of-beasts"},
	}
	for _, tc := range cases {
		if got := SafeSourceID(tc.in); got != tc.want {
			t.Errorf("SafeSourceID(%q) = %q, want %q", tc.in, got, tc.want)
		}
	}
}

func TestNewJobID(t *testing.T) {
	at := time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)
	got := NewJobID("Player's Handbook", at)
	want := "player-s-handbook_20250301T120000Z"
	if got != want {
		t.Errorf("NewJobID = %q, want %q", got, want)
	}
}

func TestNewArchiverFromEnv_Disabled(t *testing.T) {
	_ = os.Unsetenv("ARCHIVE_BACKEND")

	a, err := NewArchiverFromEnv(context.Background())
	if err != nil {
		t.Fatalf("NewArchiverFromEnv failed: %v", err)
	}
	if a != nil {
		t.Errorf("expected nil archiver when disabled, got %T", a)
	}
}

func TestNewArchiverFromEnv_S3MissingBucket(t *testing.T) {
	_ = os.Setenv("ARCHIVE_BACKEND", "s3")
	_ = os.Unsetenv("ARCHIVE_S3_BUCKET")
	defer func() { _ = os.Unsetenv("ARCHIVE_BACKEND") }()

	if _, err := NewArchiverFromEnv(context.Background()); err == nil {
		t.Fatal("expected error for missing ARCHIVE_S3_BUCKET")
	}
}
