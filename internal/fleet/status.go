package fleet

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// StatusSnapshot is the structured document periodically overwritten for
// independent monitors. Reading it never disturbs the supervisor.
type StatusSnapshot struct {
	Timestamp        time.Time      `json:"timestamp"`
	Phase            Phase          `json:"phase"`
	FleetTarget      int            `json:"fleet_target"`
	Workers          []WorkerRecord `json:"workers"`
	BlockEventsTotal int            `json:"block_events_total"`
	BacklogRemaining int            `json:"backlog_remaining"`
}

// WriteStatus atomically replaces the snapshot file so readers never see a
// torn document.
func WriteStatus(path string, snap StatusSnapshot) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return fmt.Errorf("create status dir: %w", err)
	}
	payload, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal status: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o640); err != nil {
		return fmt.Errorf("write status tmp: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("replace status file: %w", err)
	}
	return nil
}

// ReadStatus loads a snapshot written by WriteStatus. Used by the HTTP
// status surface and by operators pointing external tooling at the file.
func ReadStatus(path string) (StatusSnapshot, error) {
	var snap StatusSnapshot
	payload, err := os.ReadFile(path)
	if err != nil {
		return snap, fmt.Errorf("read status file: %w", err)
	}
	if err := json.Unmarshal(payload, &snap); err != nil {
		return snap, fmt.Errorf("decode status file: %w", err)
	}
	return snap, nil
}
