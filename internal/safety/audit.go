package safety

import (
	"encoding/json"
	"errors"
	"io"
	"sync"
	"time"
)

// ErrNilWriter is returned by AuditLogger.Log when the logger was constructed
// with a nil writer.
var ErrNilWriter = errors.New("audit logger: writer is nil")

// Audit sources.
const (
	SourceHost = "host"
	SourceMCP  = "mcp"
)

// AuditEntry records one action that touched a guest or was requested
// through the tool server.
type AuditEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Source    string         `json:"source"`
	Action    string         `json:"action"`
	VMID      int            `json:"vmid,omitempty"`
	Params    map[string]any `json:"params,omitempty"`
	Result    string         `json:"result"`
	Duration  time.Duration  `json:"duration_ns"`
}

// AuditLogger writes AuditEntry records as newline-delimited JSON to an
// io.Writer. It is safe for concurrent use.
type AuditLogger struct {
	mu sync.Mutex
	w  io.Writer
}

// NewAuditLogger returns an AuditLogger that writes to w. If w is nil the
// returned logger is also nil.
func NewAuditLogger(w io.Writer) *AuditLogger {
	if w == nil {
		return nil
	}
	return &AuditLogger{w: w}
}

// Log serialises entry as a single JSON line.
func (l *AuditLogger) Log(entry AuditEntry) error {
	if l == nil || l.w == nil {
		return ErrNilWriter
	}

	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	l.mu.Lock()
	_, err = l.w.Write(data)
	l.mu.Unlock()

	return err
}

// Record logs an action with its outcome, measured from start. A nil logger
// is a no-op, so callers need not check whether auditing is enabled.
func (l *AuditLogger) Record(source, action string, vmid int, params map[string]any, err error, start time.Time) {
	if l == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error: " + err.Error()
	}
	_ = l.Log(AuditEntry{
		Timestamp: start,
		Source:    source,
		Action:    action,
		VMID:      vmid,
		Params:    params,
		Result:    result,
		Duration:  time.Since(start),
	})
}
