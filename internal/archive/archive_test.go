package archive

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/storefleet/storefleet/internal/archive/memory"
)

func TestArchiverUploadsOutputFile(t *testing.T) {
	t.Parallel()

	outputPath := filepath.Join(t.TempDir(), "store-a.ndjson")
	require.NoError(t, os.WriteFile(outputPath, []byte(`{"type":"record"}`+"\n"), 0o640))

	store := memory.NewBlobStore()
	archiver, err := New(store, "fleet-output", zap.NewNop())
	require.NoError(t, err)
	archiver.now = func() time.Time { return time.Date(2026, 3, 14, 12, 0, 0, 0, time.UTC) }

	uri, err := archiver.ArchiveOutput(context.Background(), "store-a", outputPath)
	require.NoError(t, err)
	require.Equal(t, "memory://fleet-output/2026-03-14/store-a.ndjson", uri)

	payload, ok := store.Object("fleet-output/2026-03-14/store-a.ndjson")
	require.True(t, ok)
	require.Contains(t, string(payload), `"type":"record"`)
}

func TestArchiverMissingFile(t *testing.T) {
	t.Parallel()

	archiver, err := New(memory.NewBlobStore(), "", zap.NewNop())
	require.NoError(t, err)

	_, err = archiver.ArchiveOutput(context.Background(), "store-a", filepath.Join(t.TempDir(), "gone.ndjson"))
	require.Error(t, err)
}

func TestNewRequiresStore(t *testing.T) {
	t.Parallel()

	_, err := New(nil, "", zap.NewNop())
	require.Error(t, err)
}
