package safety

import (
	"bytes"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"
)

func Test_AuditLogger_Log_Format_JSON(t *testing.T) {
	var buf bytes.Buffer
	logger := NewAuditLogger(&buf)

	entry := AuditEntry{
		Timestamp: time.Date(2026, 1, 15, 10, 30, 0, 0, time.UTC),
		Source:    SourceHost,
		Action:    "qm set",
		VMID:      100,
		Params:    map[string]any{"machine": "q35"},
		Result:    "ok",
		Duration:  250 * time.Millisecond,
	}
	if err := logger.Log(entry); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var parsed map[string]any
	if err := json.Unmarshal(bytes.TrimSpace(buf.Bytes()), &parsed); err != nil {
		t.Fatalf("output is not valid JSON: %v\noutput: %s", err, buf.String())
	}
	if parsed["action"] != "qm set" {
		t.Errorf("action = %v, want %q", parsed["action"], "qm set")
	}
	if parsed["vmid"] != float64(100) {
		t.Errorf("vmid = %v, want 100", parsed["vmid"])
	}
	if parsed["source"] != SourceHost {
		t.Errorf("source = %v, want %q", parsed["source"], SourceHost)
	}
}

func Test_AuditLogger_Record_Cases(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantResult string
	}{
		{name: "success", err: nil, wantResult: "ok"},
		{name: "failure carries message", err: errors.New("exit 2: lock timeout"), wantResult: "error: exit 2: lock timeout"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewAuditLogger(&buf)
			logger.Record(SourceMCP, "reconcile_apply", 0, nil, tt.err, time.Now())

			var entry AuditEntry
			if err := json.Unmarshal(buf.Bytes(), &entry); err != nil {
				t.Fatalf("invalid JSON: %v", err)
			}
			if entry.Result != tt.wantResult {
				t.Errorf("Result = %q, want %q", entry.Result, tt.wantResult)
			}
			if entry.Source != SourceMCP {
				t.Errorf("Source = %q, want %q", entry.Source, SourceMCP)
			}
		})
	}
}

func Test_AuditLogger_Log_MultipleEntries(t *testing.T) {
	var buf bytes.Buffer
	logger := NewAuditLogger(&buf)

	for i, action := range []string{"qm shutdown", "qm set", "qm start"} {
		if err := logger.Log(AuditEntry{Timestamp: time.Now(), Action: action, VMID: 100, Result: "ok"}); err != nil {
			t.Fatalf("Log() entry %d returned error: %v", i, err)
		}
	}

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 3 {
		t.Fatalf("got %d lines, want 3", len(lines))
	}
	for i, line := range lines {
		if !json.Valid([]byte(line)) {
			t.Errorf("line %d is not valid JSON: %s", i, line)
		}
	}
}

func Test_AuditLogger_NilWriter(t *testing.T) {
	logger := NewAuditLogger(nil)
	if logger != nil {
		t.Fatal("NewAuditLogger(nil) should return nil")
	}
	if err := logger.Log(AuditEntry{}); !errors.Is(err, ErrNilWriter) {
		t.Errorf("Log() on nil logger = %v, want ErrNilWriter", err)
	}
	// Record on a nil logger must not panic.
	logger.Record(SourceHost, "qm start", 100, nil, nil, time.Now())
}
