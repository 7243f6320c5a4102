package feed

import (
	"bufio"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"
)

// Line is a single line in a collector feed.
type Line struct {
	Source      string          `json:"source"`
	RawContent  json.RawMessage `json:"raw_content"` // string or []ContentItem
	Metadata    map[string]any  `json:"metadata"`
	CollectedAt json.RawMessage `json:"collected_at"` // RFC 3339 string or unix millis
}

// ContentItem is one content block emitted by structured collectors.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// Record is a fully parsed feed line, ready for ingestion.
type Record struct {
	Line        int
	Source      string
	RawContent  string
	Metadata    map[string]string
	CollectedAt time.Time // zero when the feed omits it
}

// LineError describes a line that could not be parsed.
type LineError struct {
	Line int
	Err  error
}

func (e LineError) Error() string {
	return fmt.Sprintf("line %d: %v", e.Line, e.Err)
}

const maxLine = 1024 * 1024

// ParseFile reads a JSONL feed file.
func ParseFile(path string) ([]Record, []LineError, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, fmt.Errorf("open feed: %w", err)
	}
	defer f.Close()
	return Parse(f)
}

// Parse reads JSONL records from r. Malformed lines are reported in the
// second return value and skipped; only read failures abort the parse.
func Parse(r io.Reader) ([]Record, []LineError, error) {
	var records []Record
	var skipped []LineError

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), maxLine)

	n := 0
	for scanner.Scan() {
		n++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		rec, err := parseLine([]byte(line))
		if err != nil {
			skipped = append(skipped, LineError{Line: n, Err: err})
			continue
		}
		rec.Line = n
		records = append(records, *rec)
	}
	if err := scanner.Err(); err != nil {
		return records, skipped, fmt.Errorf("scan feed: %w", err)
	}
	return records, skipped, nil
}

func parseLine(line []byte) (*Record, error) {
	var l Line
	if err := json.Unmarshal(line, &l); err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	source := strings.TrimSpace(l.Source)
	if source == "" {
		return nil, fmt.Errorf("missing source")
	}
	content := strings.TrimSpace(extractText(l.RawContent))
	if content == "" {
		return nil, fmt.Errorf("missing raw_content")
	}
	collected, err := parseTime(l.CollectedAt)
	if err != nil {
		return nil, err
	}
	return &Record{
		Source:      source,
		RawContent:  content,
		Metadata:    stringify(l.Metadata),
		CollectedAt: collected,
	}, nil
}

// extractText handles the polymorphic raw_content field.
func extractText(raw json.RawMessage) string {
	if len(raw) == 0 {
		return ""
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var items []ContentItem
	if err := json.Unmarshal(raw, &items); err == nil {
		var texts []string
		for _, item := range items {
			if item.Type == "text" && strings.TrimSpace(item.Text) != "" {
				texts = append(texts, item.Text)
			}
		}
		return strings.Join(texts, "\n")
	}
	return ""
}

func parseTime(raw json.RawMessage) (time.Time, error) {
	if len(raw) == 0 || string(raw) == "null" {
		return time.Time{}, nil
	}
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return time.Time{}, fmt.Errorf("collected_at: %w", err)
		}
		return t, nil
	}
	var ms int64
	if err := json.Unmarshal(raw, &ms); err == nil {
		return time.UnixMilli(ms), nil
	}
	return time.Time{}, fmt.Errorf("collected_at: unsupported value %s", raw)
}

// stringify flattens scalar metadata values to strings. Nested objects and
// arrays are kept as their JSON encoding.
func stringify(m map[string]any) map[string]string {
	if len(m) == 0 {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		switch val := v.(type) {
		case nil:
			continue
		case string:
			out[k] = val
		case bool:
			out[k] = strconv.FormatBool(val)
		case float64:
			out[k] = strconv.FormatFloat(val, 'f', -1, 64)
		default:
			b, _ := json.Marshal(val)
			out[k] = string(b)
		}
	}
	return out
}

// CountBySource returns the number of records per source, as reported in the
// import summary.
func CountBySource(records []Record) map[string]int {
	counts := make(map[string]int)
	for _, r := range records {
		counts[r.Source]++
	}
	return counts
}
