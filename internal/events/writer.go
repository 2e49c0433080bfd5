package events

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Writer appends events to a worker output file. Every event is flushed to
// the OS before Write returns so the monitor never sees a torn line on a
// worker crash. Safe for concurrent use.
type Writer struct {
	mu       sync.Mutex
	f        *os.File
	workerID string
	records  int
}

// OpenWriter opens (creating if needed) the output file in append mode.
func OpenWriter(path, workerID string) (*Writer, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, fmt.Errorf("create output dir for %s: %w", path, err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o640)
	if err != nil {
		return nil, fmt.Errorf("open output %s: %w", path, err)
	}
	return &Writer{f: f, workerID: workerID}, nil
}

// SeedRecordCount sets the cumulative record counter, used when a worker
// resumes an output file from an earlier attempt.
func (w *Writer) SeedRecordCount(n int) {
	w.mu.Lock()
	w.records = n
	w.mu.Unlock()
}

// Heartbeat emits a liveness+progress event.
func (w *Writer) Heartbeat(store, endpoint string, page int) error {
	return w.append(Event{
		Type:     TypeHeartbeat,
		Store:    store,
		Endpoint: endpoint,
		Page:     page,
	})
}

// Record emits one extracted record with its dedup key.
func (w *Writer) Record(store, endpoint string, page int, key string, payload json.RawMessage) error {
	w.mu.Lock()
	w.records++
	w.mu.Unlock()
	return w.append(Event{
		Type:     TypeRecord,
		Store:    store,
		Endpoint: endpoint,
		Page:     page,
		Key:      key,
		Payload:  payload,
	})
}

// TaskDone marks a task terminal with its reason.
func (w *Writer) TaskDone(store, endpoint, reason string) error {
	return w.append(Event{
		Type:     TypeTaskDone,
		Store:    store,
		Endpoint: endpoint,
		Reason:   reason,
	})
}

// Block raises the positive block signal for the fleet.
func (w *Writer) Block(store, endpoint string, page int, reason string) error {
	return w.append(Event{
		Type:     TypeBlock,
		Store:    store,
		Endpoint: endpoint,
		Page:     page,
		Reason:   reason,
	})
}

// Status reports a worker lifecycle transition (starting, healthy, stopping).
func (w *Writer) Status(status string) error {
	return w.append(Event{Type: TypeStatus, Status: status})
}

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return nil
	}
	err := w.f.Close()
	w.f = nil
	return err
}

func (w *Writer) append(evt Event) error {
	evt.ID = uuid.NewString()
	evt.WorkerID = w.workerID
	evt.TS = time.Now().UTC()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.f == nil {
		return fmt.Errorf("event writer is closed")
	}
	evt.RecordsTotal = w.records
	line, err := json.Marshal(evt)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	if _, err := w.f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	if err := w.f.Sync(); err != nil {
		return fmt.Errorf("sync output: %w", err)
	}
	return nil
}
