package fleet

import (
	"fmt"
	"runtime"
	"sync"
	"time"

	"github.com/prometheus/procfs"
	"go.uber.org/zap"

	"github.com/storefleet/storefleet/internal/events"
)

// WorkerReport is one monitor observation of one worker, applied to the
// worker's record by the supervisor. The monitor itself never mutates
// worker OS state or supervisor bookkeeping.
type WorkerReport struct {
	WorkerID     string
	NewRecords   int
	NewPages     int
	BlockEvents  int
	RecordsTotal int
	LastEventAt  time.Time
	SawHealthy   bool
	SawStopping  bool
	CPUSeconds   float64
	RSSBytes     uint64
	ProcessAlive bool
}

// Monitor samples worker process metrics from /proc and tails each worker's
// event file. Read-only by design: a hung worker can never block it.
type Monitor struct {
	fs     procfs.FS
	fsOK   bool
	logger *zap.Logger

	mu      sync.Mutex
	readers map[string]*events.Reader
}

// NewMonitor builds a monitor over the default proc mount. Hosts without
// procfs (e.g. macOS dev machines) degrade to event-stream-only sampling.
func NewMonitor(logger *zap.Logger) *Monitor {
	if logger == nil {
		logger = zap.NewNop()
	}
	m := &Monitor{
		logger:  logger,
		readers: make(map[string]*events.Reader),
	}
	fs, err := procfs.NewFS(procfs.DefaultMountPoint)
	if err != nil {
		logger.Warn("procfs unavailable; process metrics disabled", zap.Error(err))
	} else {
		m.fs = fs
		m.fsOK = true
	}
	return m
}

// Observe samples one worker: process CPU/RSS plus the events appended to
// its output file since the last observation. Events written by an earlier
// worker attempt against the same output file are skipped by worker ID.
func (m *Monitor) Observe(rec WorkerRecord) WorkerReport {
	report := WorkerReport{
		WorkerID:     rec.ID,
		ProcessAlive: processAlive(rec.PID),
	}
	m.sampleProc(rec.PID, &report)

	evts, err := m.poll(rec.OutputPath)
	if err != nil {
		m.logger.Warn("Event poll failed",
			zap.String("worker_id", rec.ID),
			zap.String("path", rec.OutputPath),
			zap.Error(err),
		)
		return report
	}
	for _, evt := range evts {
		if evt.WorkerID != rec.ID {
			continue
		}
		report.LastEventAt = evt.TS
		if evt.RecordsTotal > report.RecordsTotal {
			report.RecordsTotal = evt.RecordsTotal
		}
		switch evt.Type {
		case events.TypeRecord:
			report.NewRecords++
		case events.TypeHeartbeat:
			if evt.Page > 0 {
				report.NewPages++
			}
		case events.TypeBlock:
			report.BlockEvents++
		case events.TypeStatus:
			switch evt.Status {
			case "healthy":
				report.SawHealthy = true
			case "stopping":
				report.SawStopping = true
			}
		}
	}
	return report
}

// Host samples memory and load headroom for the decision strategy.
func (m *Monitor) Host() (HostResources, error) {
	host := HostResources{CPUCount: runtime.NumCPU()}
	if !m.fsOK {
		return host, fmt.Errorf("procfs unavailable")
	}
	mem, err := m.fs.Meminfo()
	if err != nil {
		return host, fmt.Errorf("read meminfo: %w", err)
	}
	if mem.MemTotal != nil {
		host.MemTotalBytes = *mem.MemTotal * 1024
	}
	if mem.MemAvailable != nil {
		host.MemAvailableBytes = *mem.MemAvailable * 1024
	}
	load, err := m.fs.LoadAvg()
	if err != nil {
		return host, fmt.Errorf("read loadavg: %w", err)
	}
	host.Load1 = load.Load1
	return host, nil
}

// Forget drops the tail position for a worker output file. Called on every
// worker exit; a respawn into the same output file re-reads from the start,
// which is harmless because reports are filtered by worker ID.
func (m *Monitor) Forget(outputPath string) {
	m.mu.Lock()
	delete(m.readers, outputPath)
	m.mu.Unlock()
}

func (m *Monitor) poll(path string) ([]events.Event, error) {
	m.mu.Lock()
	reader, ok := m.readers[path]
	if !ok {
		reader = events.NewReader(path)
		m.readers[path] = reader
	}
	m.mu.Unlock()
	return reader.Poll()
}

func (m *Monitor) sampleProc(pid int, report *WorkerReport) {
	if !m.fsOK || pid <= 0 {
		return
	}
	proc, err := m.fs.Proc(pid)
	if err != nil {
		return
	}
	stat, err := proc.Stat()
	if err != nil {
		return
	}
	report.CPUSeconds = stat.CPUTime()
	report.RSSBytes = uint64(stat.ResidentMemory())
}
