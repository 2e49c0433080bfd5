// Package fleet implements the control plane: the supervisor owning the
// worker set, the health monitor deriving per-worker status out-of-band, and
// the decision strategy turning fleet and host metrics into scale verdicts.
package fleet

import (
	"time"

	"github.com/storefleet/storefleet/internal/paginate"
)

// WorkerStatus is the supervisor-side lifecycle state of one worker.
type WorkerStatus string

// Worker statuses.
const (
	StatusStarting WorkerStatus = "starting"
	StatusHealthy  WorkerStatus = "healthy"
	StatusStalled  WorkerStatus = "stalled"
	StatusBlocked  WorkerStatus = "blocked"
	StatusCrashed  WorkerStatus = "crashed"
	StatusStopping WorkerStatus = "stopping"
)

// WorkerRecord is the supervisor's bookkeeping for one live worker. It is
// owned exclusively by the supervisor and mutated only from monitor reports
// and process-exit signals.
type WorkerRecord struct {
	ID              string       `json:"id"`
	StoreID         string       `json:"store"`
	PID             int          `json:"pid"`
	ProfilePath     string       `json:"profile_path"`
	OutputPath      string       `json:"output_path"`
	StartedAt       time.Time    `json:"started_at"`
	LastHeartbeatAt time.Time    `json:"last_heartbeat_at"`
	RecordsEmitted  int          `json:"records"`
	PagesFetched    int          `json:"pages"`
	Rate            float64      `json:"rate"`
	CPUSeconds      float64      `json:"cpu_seconds"`
	RSSBytes        uint64       `json:"rss_bytes"`
	Status          WorkerStatus `json:"status"`
}

// FleetState is the process-wide mutable state, single-writer (supervisor),
// snapshotted to the status sink each poll.
type FleetState struct {
	TargetWorkers       int            `json:"fleet_target"`
	Workers             []WorkerRecord `json:"workers"`
	LastScalingActionAt time.Time      `json:"last_scaling_action_at"`
	BlockEventsTotal    int            `json:"block_events_total"`
}

// CountByStatus tallies workers in the given status.
func (s FleetState) CountByStatus(status WorkerStatus) int {
	n := 0
	for _, w := range s.Workers {
		if w.Status == status {
			n++
		}
	}
	return n
}

// AllHealthy reports whether every live worker is healthy. An empty fleet
// is not considered healthy.
func (s FleetState) AllHealthy() bool {
	if len(s.Workers) == 0 {
		return false
	}
	for _, w := range s.Workers {
		if w.Status != StatusHealthy {
			return false
		}
	}
	return true
}

// HostResources captures host capacity at sample time.
type HostResources struct {
	MemTotalBytes     uint64  `json:"mem_total_bytes"`
	MemAvailableBytes uint64  `json:"mem_available_bytes"`
	CPUCount          int     `json:"cpu_count"`
	Load1             float64 `json:"load1"`
}

// MemHeadroom is the fraction of memory still available.
func (h HostResources) MemHeadroom() float64 {
	if h.MemTotalBytes == 0 {
		return 0
	}
	return float64(h.MemAvailableBytes) / float64(h.MemTotalBytes)
}

// CPUHeadroom is the fraction of CPU capacity not consumed by load.
func (h HostResources) CPUHeadroom() float64 {
	if h.CPUCount == 0 {
		return 0
	}
	headroom := 1 - h.Load1/float64(h.CPUCount)
	if headroom < 0 {
		return 0
	}
	return headroom
}

// Action is a scale verdict.
type Action string

// Scale actions.
const (
	ActionGrow   Action = "grow"
	ActionShrink Action = "shrink"
	ActionHold   Action = "hold"
)

// Verdict is the decision strategy's output.
type Verdict struct {
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// Assignment is the unit of work handed to one worker process: a store and
// its endpoint tasks. Assignments are independent and safely re-runnable.
type Assignment struct {
	StoreID string          `json:"store_id"`
	Tasks   []paginate.Task `json:"tasks"`
}

// Phase is the supervisor lifecycle state.
type Phase string

// Supervisor phases.
const (
	PhaseIdle       Phase = "idle"
	PhaseWarming    Phase = "warming"
	PhaseScaling    Phase = "scaling"
	PhaseSteady     Phase = "steady"
	PhaseDraining   Phase = "draining"
	PhaseTerminated Phase = "terminated"
)
