package canonical

import (
	"strings"
	"testing"
)

func TestMarshal_Sorting(t *testing.T) {
	input := map[string]any{
		"c": 3,
		"a": 1,
		"b": 2,
	}

	expected := `{"a":1,"b":2,"c":3}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_NestedSorting(t *testing.T) {
	input := map[string]any{
		"z": map[string]any{
			"y": "foo",
			"x": "bar",
		},
		"a": 1,
	}

	expected := `{"a":1,"z":{"x":"bar","y":"foo"}}`

	b, err := Marshal(input)
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_StructTags(t *testing.T) {
	type artifact struct {
		Name string `json:"name"`
		SHA  string `json:"sha256"`
		Size int64  `json:"bytes"`
	}

	b, err := Marshal(artifact{Name: "toc.json", SHA: "abc", Size: 42})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	expected := `{"bytes":42,"name":"toc.json","sha256":"abc"}`
	if string(b) != expected {
		t.Errorf("Expected %s, got %s", expected, string(b))
	}
}

func TestMarshal_NoHTMLEscaping(t *testing.T) {
	b, err := Marshal(map[string]any{"title": "Traps & Treasure <2>"})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}
	if strings.Contains(string(b), `<`) || strings.Contains(string(b), `&`) {
		t.Errorf("canonical form must not HTML-escape, got %s", string(b))
	}
}

func TestHash_Deterministic(t *testing.T) {
	v1 := map[string]any{"b": 2, "a": 1}
	v2 := map[string]any{"a": 1, "b": 2}

	h1, err := Hash(v1)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	h2, err := Hash(v2)
	if err != nil {
		t.Fatalf("Hash failed: %v", err)
	}
	if h1 != h2 {
		t.Errorf("equivalent values hashed differently: %s vs %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("expected 64 hex chars, got %d", len(h1))
	}
}

func TestAppendLine(t *testing.T) {
	var buf []byte
	var err error
	buf, err = AppendLine(buf, map[string]any{"seq": 1})
	if err != nil {
		t.Fatalf("AppendLine failed: %v", err)
	}
	buf, err = AppendLine(buf, map[string]any{"seq": 2})
	if err != nil {
		t.Fatalf("AppendLine failed: %v", err)
	}
	lines := strings.Split(strings.TrimRight(string(buf), "\n"), "\n")
	if len(lines) != 2 {
		t.Fatalf("expected 2 lines, got %d", len(lines))
	}
	if lines[0] != `{"seq":1}` {
		t.Errorf("unexpected first line: %s", lines[0])
	}
}
