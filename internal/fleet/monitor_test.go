package fleet

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/storefleet/storefleet/internal/events"
)

func TestMonitorObserveTailsIncrementally(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store-a.ndjson")
	w, err := events.OpenWriter(path, "worker-1")
	require.NoError(t, err)
	require.NoError(t, w.Status("healthy"))
	require.NoError(t, w.Heartbeat("store-a", "https://example.test/catalog", 1))
	require.NoError(t, w.Record("store-a", "https://example.test/catalog", 1, "sku-1", json.RawMessage(`{"sku":"sku-1"}`)))
	require.NoError(t, w.Record("store-a", "https://example.test/catalog", 1, "sku-2", json.RawMessage(`{"sku":"sku-2"}`)))

	m := NewMonitor(zap.NewNop())
	rec := WorkerRecord{ID: "worker-1", OutputPath: path}

	report := m.Observe(rec)
	require.True(t, report.SawHealthy)
	require.Equal(t, 2, report.NewRecords)
	require.Equal(t, 1, report.NewPages)
	require.Equal(t, 2, report.RecordsTotal)
	require.False(t, report.LastEventAt.IsZero())

	// Nothing new appended, nothing new reported.
	report = m.Observe(rec)
	require.Zero(t, report.NewRecords)
	require.Zero(t, report.NewPages)
	require.False(t, report.SawHealthy)

	require.NoError(t, w.Block("store-a", "https://example.test/catalog", 2, "challenge interstitial"))
	require.NoError(t, w.Close())

	report = m.Observe(rec)
	require.Equal(t, 1, report.BlockEvents)
}

func TestMonitorFiltersForeignWorkerEvents(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store-a.ndjson")

	// A previous attempt against the same store left its events behind.
	old, err := events.OpenWriter(path, "worker-old")
	require.NoError(t, err)
	require.NoError(t, old.Record("store-a", "https://example.test/catalog", 1, "sku-1", nil))
	require.NoError(t, old.Block("store-a", "https://example.test/catalog", 1, "challenge interstitial"))
	require.NoError(t, old.Close())

	cur, err := events.OpenWriter(path, "worker-new")
	require.NoError(t, err)
	cur.SeedRecordCount(1)
	require.NoError(t, cur.Record("store-a", "https://example.test/catalog", 1, "sku-2", nil))
	require.NoError(t, cur.Close())

	m := NewMonitor(zap.NewNop())
	report := m.Observe(WorkerRecord{ID: "worker-new", OutputPath: path})
	require.Equal(t, 1, report.NewRecords, "only the new worker's events count")
	require.Zero(t, report.BlockEvents, "old attempt's block must not flag the new worker")
	require.Equal(t, 2, report.RecordsTotal)
}

func TestMonitorForgetResetsTail(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "store-a.ndjson")
	w, err := events.OpenWriter(path, "worker-1")
	require.NoError(t, err)
	require.NoError(t, w.Record("store-a", "https://example.test/catalog", 1, "sku-1", nil))
	require.NoError(t, w.Close())

	m := NewMonitor(zap.NewNop())
	rec := WorkerRecord{ID: "worker-1", OutputPath: path}
	require.Equal(t, 1, m.Observe(rec).NewRecords)
	require.Zero(t, m.Observe(rec).NewRecords)

	m.Forget(path)
	require.Equal(t, 1, m.Observe(rec).NewRecords, "forgotten path re-reads from the start")
}

func TestMonitorMissingOutputFile(t *testing.T) {
	t.Parallel()

	m := NewMonitor(zap.NewNop())
	report := m.Observe(WorkerRecord{
		ID:         "worker-1",
		OutputPath: filepath.Join(t.TempDir(), "not-yet.ndjson"),
	})
	require.Zero(t, report.NewRecords)
	require.True(t, report.LastEventAt.IsZero())
}

func TestHostResourcesHeadroom(t *testing.T) {
	t.Parallel()

	h := HostResources{
		MemTotalBytes:     8 << 30,
		MemAvailableBytes: 2 << 30,
		CPUCount:          4,
		Load1:             3.0,
	}
	require.InDelta(t, 0.25, h.MemHeadroom(), 1e-9)
	require.InDelta(t, 0.25, h.CPUHeadroom(), 1e-9)

	require.Zero(t, HostResources{}.MemHeadroom())
	require.Zero(t, HostResources{CPUCount: 1, Load1: 5}.CPUHeadroom())
}
