package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"

	"github.com/nimbusota/release-storage-backend/interfaces"
)

// MemoryBackend implements a blob backend held entirely in process memory.
// It is intended for tests and local development; nothing survives a
// restart.
type MemoryBackend struct {
	mu         sync.RWMutex
	blobs      map[string][]byte
	publicBase string
	log        *slog.Logger
}

// NewMemoryBackend creates a new in-memory blob backend. publicBase is the
// URL prefix blob URLs are built from; when empty, URLs are server-relative
// under /blobs/.
func NewMemoryBackend(publicBase string, log *slog.Logger) *MemoryBackend {
	return &MemoryBackend{
		blobs:      make(map[string][]byte),
		publicBase: strings.TrimSuffix(publicBase, "/"),
		log:        log,
	}
}

// Put reads the payload into memory under the given id.
func (b *MemoryBackend) Put(ctx context.Context, blobID string, content io.Reader, size int64) error {
	data, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("failed to read blob: %w", err)
	}

	b.mu.Lock()
	b.blobs[blobID] = data
	b.mu.Unlock()

	b.log.Debug("Stored blob in memory",
		slog.String("blob_id", blobID),
		slog.Int("size", len(data)))

	return nil
}

// Open streams a stored blob back. Returns ErrNotFound for unknown ids.
func (b *MemoryBackend) Open(ctx context.Context, blobID string) (io.ReadCloser, error) {
	b.mu.RLock()
	data, ok := b.blobs[blobID]
	b.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: blob %s", interfaces.ErrNotFound, blobID)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// URL resolves a stored blob to a fetchable URL under the configured public
// base. Returns ErrNotFound for unknown ids.
func (b *MemoryBackend) URL(ctx context.Context, blobID string) (string, error) {
	b.mu.RLock()
	_, ok := b.blobs[blobID]
	b.mu.RUnlock()

	if !ok {
		return "", fmt.Errorf("%w: blob %s", interfaces.ErrNotFound, blobID)
	}
	return b.publicBase + "/blobs/" + blobID, nil
}

// Remove deletes a stored blob. Removing a nonexistent blob is not an
// error.
func (b *MemoryBackend) Remove(ctx context.Context, blobID string) error {
	b.mu.Lock()
	delete(b.blobs, blobID)
	b.mu.Unlock()
	return nil
}

// Available always reports true; memory is never unreachable.
func (b *MemoryBackend) Available(ctx context.Context) bool {
	return true
}

// Len reports how many blobs are currently stored.
func (b *MemoryBackend) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.blobs)
}

// Name returns a unique identifier for this blob backend.
func (b *MemoryBackend) Name() string {
	return "memory"
}

// LocationURI returns the URI that identifies this blob backend.
func (b *MemoryBackend) LocationURI() string {
	return "memory://"
}
