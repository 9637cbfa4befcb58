// Package audit appends request lifecycle events to a JSONL journal.
package audit

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

const (
	journalFileMode = 0644
	journalDirMode  = 0755
	journalFileName = "journal.jsonl"
)

// Event types written by the engine and the decision router.
const (
	EventSubmitted = "submitted"
	EventApproved  = "approved"
	EventRejected  = "rejected"
	EventExpired   = "expired"
)

// Event is one journal record written as a single JSON line.
type Event struct {
	Time        time.Time `json:"time"`
	Type        string    `json:"type"`
	RequestID   string    `json:"request_id,omitempty"`
	RequesterID string    `json:"requester_id,omitempty"`
	ReviewerID  string    `json:"reviewer_id,omitempty"`
	Receipt     string    `json:"receipt,omitempty"`
	RequestType string    `json:"request_type,omitempty"`
	Note        string    `json:"note,omitempty"`
}

// Writer appends events to <workspace>/state/journal.jsonl. A nil Writer
// discards events.
type Writer struct {
	path string
	mu   sync.Mutex
}

// NewWriter creates an append-only journal rooted at workspace state. An
// empty workspace disables the journal.
func NewWriter(workspace string) *Writer {
	if strings.TrimSpace(workspace) == "" {
		return nil
	}
	return &Writer{
		path: filepath.Join(workspace, "state", journalFileName),
	}
}

// Path returns the journal file location.
func (w *Writer) Path() string {
	if w == nil {
		return ""
	}
	return w.path
}

// Append writes one event as one JSONL line.
func (w *Writer) Append(event Event) error {
	if w == nil {
		return nil
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), journalDirMode); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, journalFileMode)
	if err != nil {
		return fmt.Errorf("open journal file: %w", err)
	}
	defer file.Close()

	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal journal event: %w", err)
	}
	encoded = append(encoded, '\n')

	if _, err := file.Write(encoded); err != nil {
		return fmt.Errorf("append journal event: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync journal file: %w", err)
	}
	return nil
}
