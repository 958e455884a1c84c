package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/dusancv22/CC-Release-Monitor/internal/approval"
)

const (
	auditFileMode = 0600
	auditDirMode  = 0755
)

// Event is one audit record written as a single JSON line.
type Event struct {
	Time      time.Time `json:"time"`
	Type      string    `json:"type"`
	RequestID string    `json:"request_id,omitempty"`
	SessionID string    `json:"session_id,omitempty"`
	Category  string    `json:"category,omitempty"`
	Status    string    `json:"status,omitempty"`
	DecidedBy string    `json:"decided_by,omitempty"`
	Reason    string    `json:"reason,omitempty"`
	Count     int64     `json:"count,omitempty"`
}

// Writer appends audit events to a JSONL file.
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter creates an append-only audit writer at path.
func NewWriter(path string) *Writer {
	return &Writer{path: path}
}

// Path returns the audit file location.
func (w *Writer) Path() string {
	return w.path
}

// Append writes one event as one JSONL line.
func (w *Writer) Append(event Event) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), auditDirMode); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, auditFileMode)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	encoded = append(encoded, '\n')

	if _, err := file.Write(encoded); err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync audit file: %w", err)
	}
	return nil
}

// HandleApprovalEvent implements approval.Listener. Payloads are not
// recorded; the store keeps them until purge.
func (w *Writer) HandleApprovalEvent(_ context.Context, event approval.Event) {
	record := Event{
		Time:  event.At,
		Type:  string(event.Type),
		Count: event.Count,
	}
	if req := event.Request; req != nil {
		record.RequestID = req.ID
		record.SessionID = req.SessionID
		record.Category = req.Category
		record.Status = string(req.Status)
		record.DecidedBy = req.DecidedBy
		record.Reason = req.Reason
	}
	if err := w.Append(record); err != nil {
		slog.Warn("audit append failed", "type", record.Type, "request_id", record.RequestID, "error", err)
	}
}
