// Package ledger is the append-only audit trail: JSON lines, one event per
// line, written before anything else gets to crash.
package ledger

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// Record is one audit event.
type Record struct {
	Timestamp string      `json:"ts"`
	Service   string      `json:"service"`
	Type      string      `json:"type"`
	Data      interface{} `json:"data,omitempty"`
}

// AppendJSONLine appends a single event to the file at path, creating
// directories as needed. Opens per call; use a Writer for steady streams.
func AppendJSONLine(filePath string, service string, eventType string, data interface{}) error {
	if filePath == "" {
		return errors.New("filePath is empty")
	}
	if service == "" {
		service = "unknown"
	}
	rec := Record{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Service:   service,
		Type:      eventType,
		Data:      data,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("open ledger: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// Writer keeps the ledger file open with a buffer in front, for callers
// that append continuously.
type Writer struct {
	service string

	mu sync.Mutex
	f  *os.File
	bw *bufio.Writer
}

// NewWriter opens (or creates) the ledger file for appending.
func NewWriter(filePath, service string) (*Writer, error) {
	if filePath == "" {
		return nil, errors.New("filePath is empty")
	}
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir: %w", err)
	}
	f, err := os.OpenFile(filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return nil, fmt.Errorf("open ledger: %w", err)
	}
	return &Writer{service: service, f: f, bw: bufio.NewWriter(f)}, nil
}

// Append writes one event into the buffer.
func (w *Writer) Append(eventType string, data interface{}) error {
	rec := Record{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Service:   w.service,
		Type:      eventType,
		Data:      data,
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal ledger record: %w", err)
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bw == nil {
		return errors.New("ledger writer closed")
	}
	if _, err := w.bw.Write(append(payload, '\n')); err != nil {
		return fmt.Errorf("write ledger: %w", err)
	}
	return nil
}

// Flush pushes the buffer to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bw == nil {
		return nil
	}
	return w.bw.Flush()
}

// Close flushes and releases the file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.bw == nil {
		return nil
	}
	flushErr := w.bw.Flush()
	closeErr := w.f.Close()
	w.bw, w.f = nil, nil
	if flushErr != nil {
		return flushErr
	}
	return closeErr
}
