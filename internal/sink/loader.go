package sink

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/storefleet/storefleet/internal/events"
)

// ListingStore persists one harvested record.
type ListingStore interface {
	StoreListing(ctx context.Context, row ListingRow) error
}

// Loader replays a finished worker output file into a listing store. It
// runs on the control plane after a clean worker exit, so a worker crash
// mid-assignment never leaves half-loaded state behind.
type Loader struct {
	store  ListingStore
	logger *zap.Logger
}

// NewLoader builds a loader over the given store.
func NewLoader(store ListingStore, logger *zap.Logger) (*Loader, error) {
	if store == nil {
		return nil, fmt.Errorf("listing store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Loader{store: store, logger: logger}, nil
}

// LoadOutput reads every record event from the output file and inserts it.
// Duplicate keys across worker attempts collapse in the store, so replaying
// the same file is harmless. Returns the number of rows handed to the store.
func (l *Loader) LoadOutput(ctx context.Context, path string) (int, error) {
	evts, err := events.NewReader(path).Poll()
	if err != nil {
		return 0, fmt.Errorf("read output file: %w", err)
	}

	loaded := 0
	for _, evt := range evts {
		if evt.Type != events.TypeRecord || evt.Key == "" {
			continue
		}
		row := ListingRow{
			StoreID:    evt.Store,
			Endpoint:   evt.Endpoint,
			Key:        evt.Key,
			Page:       evt.Page,
			WorkerID:   evt.WorkerID,
			Payload:    evt.Payload,
			CapturedAt: evt.TS,
		}
		if err := l.store.StoreListing(ctx, row); err != nil {
			return loaded, fmt.Errorf("store listing %s/%s: %w", evt.Store, evt.Key, err)
		}
		loaded++
	}
	l.logger.Info("output loaded",
		zap.String("path", path),
		zap.Int("rows", loaded))
	return loaded, nil
}
