package feed

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func parse(t *testing.T, content string) ([]Record, []LineError) {
	t.Helper()
	records, skipped, err := Parse(strings.NewReader(content))
	if err != nil {
		t.Fatalf("Parse: %v", err)
	}
	return records, skipped
}

func TestParse(t *testing.T) {
	lines := `{"source":"Twitter","raw_content":"Loving the new release","metadata":{"url":"https://x.example/1","likes":42,"verified":true}}
{"source":"Reddit","raw_content":"Anyone tried the free trial?","collected_at":"2024-05-01T12:00:00Z"}
{"source":"Reviews","raw_content":"Five stars","collected_at":1714564800000}`

	records, skipped := parse(t, lines)
	if len(skipped) != 0 {
		t.Fatalf("unexpected skipped lines: %v", skipped)
	}
	if len(records) != 3 {
		t.Fatalf("expected 3 records, got %d", len(records))
	}

	if records[0].Source != "Twitter" {
		t.Errorf("records[0].Source = %q, want Twitter", records[0].Source)
	}
	if records[0].Metadata["likes"] != "42" {
		t.Errorf("likes = %q, want 42", records[0].Metadata["likes"])
	}
	if records[0].Metadata["verified"] != "true" {
		t.Errorf("verified = %q, want true", records[0].Metadata["verified"])
	}
	if !records[0].CollectedAt.IsZero() {
		t.Errorf("CollectedAt = %v, want zero", records[0].CollectedAt)
	}

	want := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	if !records[1].CollectedAt.Equal(want) {
		t.Errorf("records[1].CollectedAt = %v, want %v", records[1].CollectedAt, want)
	}
	if !records[2].CollectedAt.Equal(want) {
		t.Errorf("records[2].CollectedAt = %v, want %v", records[2].CollectedAt, want)
	}
	if records[2].Line != 3 {
		t.Errorf("records[2].Line = %d, want 3", records[2].Line)
	}
}

func TestParseContentArray(t *testing.T) {
	lines := `{"source":"LLM","raw_content":[{"type":"text","text":"Summary of thread"},{"type":"image","text":""},{"type":"text","text":"Users want dark mode"}]}`

	records, _ := parse(t, lines)
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}
	if records[0].RawContent != "Summary of thread\nUsers want dark mode" {
		t.Errorf("RawContent = %q", records[0].RawContent)
	}
}

func TestParseReportsBadLines(t *testing.T) {
	lines := `# exported 2024-05-01
{"source":"Twitter","raw_content":"ok line"}
not json
{"raw_content":"no source"}
{"source":"Twitter","raw_content":"   "}
{"source":"Twitter","raw_content":"bad time","collected_at":"yesterday"}

{"source":"CRM","raw_content":"another ok line"}`

	records, skipped := parse(t, lines)
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if len(skipped) != 4 {
		t.Fatalf("expected 4 skipped lines, got %d: %v", len(skipped), skipped)
	}
	wantLines := []int{3, 4, 5, 6}
	for i, s := range skipped {
		if s.Line != wantLines[i] {
			t.Errorf("skipped[%d].Line = %d, want %d", i, s.Line, wantLines[i])
		}
	}
	if !strings.Contains(skipped[1].Error(), "missing source") {
		t.Errorf("skipped[1] = %q, want missing source", skipped[1].Error())
	}
	if records[1].Line != 8 {
		t.Errorf("records[1].Line = %d, want 8", records[1].Line)
	}
}

func TestParseLineTooLong(t *testing.T) {
	long := `{"source":"RSS","raw_content":"` + strings.Repeat("x", maxLine) + `"}`
	content := `{"source":"RSS","raw_content":"first"}` + "\n" + long + "\n" +
		`{"source":"RSS","raw_content":"never reached"}`

	records, _, err := Parse(strings.NewReader(content))
	if err == nil {
		t.Fatal("expected error for a line over the buffer limit")
	}
	if len(records) != 1 {
		t.Errorf("records before the failure = %d, want 1", len(records))
	}
}

func TestParseFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "feed.jsonl")
	body := `{"source":"RSS","raw_content":"Launch announced"}` + "\n"
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}

	records, skipped, err := ParseFile(path)
	if err != nil {
		t.Fatalf("ParseFile: %v", err)
	}
	if len(records) != 1 || len(skipped) != 0 {
		t.Fatalf("records=%d skipped=%d", len(records), len(skipped))
	}

	if _, _, err := ParseFile(filepath.Join(t.TempDir(), "missing.jsonl")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestCountBySource(t *testing.T) {
	counts := CountBySource([]Record{{Source: "Twitter"}, {Source: "Twitter"}, {Source: "CRM"}})
	if counts["Twitter"] != 2 || counts["CRM"] != 1 {
		t.Errorf("counts = %v", counts)
	}
}
