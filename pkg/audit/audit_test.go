package audit

import (
	"bufio"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func openTestLog(t *testing.T) (*Log, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "audit.ndjson")
	log, err := Open(path, "srd_20250301T120000Z")
	if err != nil {
		t.Fatalf("Open failed: %v", err)
	}
	t.Cleanup(func() { log.Close() })
	return log, path
}

func TestAppendAndVerify(t *testing.T) {
	log, path := openTestLog(t)

	if _, err := log.Append(EventJobCreated, "", map[string]any{"source_id": "srd"}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := log.Append(EventPassStarted, "pass_A", nil); err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if _, err := log.Append(EventPassSucceeded, "pass_A", map[string]any{"sections": 12}); err != nil {
		t.Fatalf("Append failed: %v", err)
	}

	if err := Verify(path); err != nil {
		t.Fatalf("Verify failed on intact chain: %v", err)
	}
	if log.Len() != 3 {
		t.Errorf("Len = %d, want 3", log.Len())
	}
}

func TestFirstLineUsesGenesis(t *testing.T) {
	log, path := openTestLog(t)
	ev, err := log.Append(EventJobCreated, "", nil)
	if err != nil {
		t.Fatalf("Append failed: %v", err)
	}
	if ev.PreviousEntryDigest != GenesisDigest {
		t.Errorf("first event prev digest = %s, want genesis", ev.PreviousEntryDigest)
	}
	if err := Verify(path); err != nil {
		t.Fatalf("Verify failed: %v", err)
	}
}

func TestReopenContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.ndjson")

	log, err := Open(path, "job-1")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := log.Append(EventJobCreated, "", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := log.Append(EventPassStarted, "pass_A", nil); err != nil {
		t.Fatal(err)
	}
	if err := log.Close(); err != nil {
		t.Fatal(err)
	}

	reopened, err := Open(path, "job-1")
	if err != nil {
		t.Fatalf("reopen failed: %v", err)
	}
	defer reopened.Close()

	if reopened.Len() != 2 {
		t.Errorf("replayed Len = %d, want 2", reopened.Len())
	}
	if _, err := reopened.Append(EventPassSucceeded, "pass_A", nil); err != nil {
		t.Fatal(err)
	}
	if err := Verify(path); err != nil {
		t.Fatalf("Verify failed after reopen+append: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	log, path := openTestLog(t)
	if _, err := log.Append(EventJobCreated, "", map[string]any{"source_id": "srd"}); err != nil {
		t.Fatal(err)
	}
	if _, err := log.Append(EventPassStarted, "pass_A", nil); err != nil {
		t.Fatal(err)
	}
	if _, err := log.Append(EventPassSucceeded, "pass_A", nil); err != nil {
		t.Fatal(err)
	}
	log.Close()

	// Flip the middle line's event type in place.
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	tampered := strings.Replace(string(data), EventPassStarted, EventPassSkipped, 1)
	if tampered == string(data) {
		t.Fatal("test setup: substitution had no effect")
	}
	if err := os.WriteFile(path, []byte(tampered), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := Verify(path); err == nil {
		t.Fatal("Verify accepted a tampered log")
	}
}

func TestVerifyDetectsDeletedLine(t *testing.T) {
	log, path := openTestLog(t)
	for _, typ := range []string{EventJobCreated, EventPassStarted, EventPassSucceeded} {
		if _, err := log.Append(typ, "", nil); err != nil {
			t.Fatal(err)
		}
	}
	log.Close()

	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	f.Close()
	if len(lines) != 3 {
		t.Fatalf("expected 3 lines, got %d", len(lines))
	}

	// Drop the middle event.
	out := lines[0] + "\n" + lines[2] + "\n"
	if err := os.WriteFile(path, []byte(out), 0o600); err != nil {
		t.Fatal(err)
	}

	if err := Verify(path); err == nil {
		t.Fatal("Verify accepted a log with a deleted line")
	}
}
