// Package archive uploads finished worker output files to durable storage.
package archive

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"

	"go.uber.org/zap"
)

// BlobStore persists one artifact and returns its URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, r io.Reader) (string, error)
}

// Archiver copies completed output files into a blob store, keyed by store
// and completion date so re-runs overwrite their own artifacts.
type Archiver struct {
	store  BlobStore
	prefix string
	logger *zap.Logger
	now    func() time.Time
}

// New builds an Archiver over the given blob store.
func New(store BlobStore, prefix string, logger *zap.Logger) (*Archiver, error) {
	if store == nil {
		return nil, fmt.Errorf("blob store is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Archiver{store: store, prefix: prefix, logger: logger, now: time.Now}, nil
}

// ArchiveOutput uploads one worker output file. The local file is left in
// place; the run dir owns its lifecycle.
func (a *Archiver) ArchiveOutput(ctx context.Context, storeID, outputPath string) (string, error) {
	f, err := os.Open(outputPath)
	if err != nil {
		return "", fmt.Errorf("open output file: %w", err)
	}
	defer f.Close()

	object := filepath.ToSlash(filepath.Join(
		a.prefix,
		a.now().UTC().Format("2006-01-02"),
		storeID+".ndjson",
	))
	uri, err := a.store.PutObject(ctx, object, "application/x-ndjson", f)
	if err != nil {
		return "", fmt.Errorf("archive %s: %w", outputPath, err)
	}
	a.logger.Info("output archived",
		zap.String("store", storeID),
		zap.String("uri", uri))
	return uri, nil
}
