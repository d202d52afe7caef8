package logging

import (
	"bytes"
	"encoding/json"
	"strings"
	"testing"
)

func TestNewWriterLevelAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "warn", "app", "CardLedger")

	logger.Info("dropped")
	logger.Warn("kept")

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 1 {
		t.Fatalf("expected one line, got %d: %q", len(lines), buf.String())
	}
	var rec map[string]any
	if err := json.Unmarshal([]byte(lines[0]), &rec); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if rec["msg"] != "kept" || rec["app"] != "CardLedger" {
		t.Fatalf("unexpected record: %v", rec)
	}
	if ts, _ := rec["time"].(string); !strings.HasSuffix(ts, "Z") {
		t.Fatalf("expected UTC timestamp, got %q", ts)
	}
}

func TestNewWriterInvalidLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := NewWriter(&buf, "loud")
	logger.Debug("dropped")
	logger.Info("kept")
	if strings.Count(buf.String(), "\n") != 1 {
		t.Fatalf("expected only the info line, got %q", buf.String())
	}
}
