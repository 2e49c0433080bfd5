// Package events defines the newline-delimited event stream a worker process
// appends to its output file. The stream is the only channel between a worker
// and the control plane: the worker writes heartbeats, records, and status
// transitions; the health monitor tails the file out-of-band.
package events

import (
	"encoding/json"
	"time"
)

// Type discriminates event envelopes on the wire.
type Type string

// Event types written by a worker.
const (
	TypeHeartbeat Type = "heartbeat"
	TypeRecord    Type = "record"
	TypeTaskDone  Type = "task_done"
	TypeBlock     Type = "block"
	TypeStatus    Type = "status"
)

// Event is one NDJSON line in a worker's output file.
type Event struct {
	ID           string          `json:"event_id"`
	WorkerID     string          `json:"worker_id"`
	Type         Type            `json:"type"`
	Store        string          `json:"store,omitempty"`
	Endpoint     string          `json:"endpoint,omitempty"`
	Page         int             `json:"page,omitempty"`
	Key          string          `json:"key,omitempty"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	RecordsTotal int             `json:"records_total"`
	Status       string          `json:"status,omitempty"`
	Reason       string          `json:"reason,omitempty"`
	TS           time.Time       `json:"ts"`
}
