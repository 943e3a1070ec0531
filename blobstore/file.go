package blobstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/nimbusota/release-storage-backend/interfaces"
)

// FileBackend implements a blob backend using the local file system.
// Payloads are streamed to a temporary file and renamed into place so
// readers never observe partial blobs.
type FileBackend struct {
	baseDir     string
	publicBase  string
	log         *slog.Logger
	locationURI string
}

// NewFileBackend creates a new file blob backend using the specified base
// directory. publicBase is the URL prefix blob URLs are built from; when
// empty, URLs are server-relative under /blobs/.
func NewFileBackend(baseDir, publicBase string, log *slog.Logger) (*FileBackend, error) {
	// Ensure base directory exists
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}

	return &FileBackend{
		baseDir:     baseDir,
		publicBase:  strings.TrimSuffix(publicBase, "/"),
		log:         log,
		locationURI: fmt.Sprintf("file://%s", baseDir),
	}, nil
}

// Put streams a payload to a temporary file and atomically renames it to
// its final path.
func (b *FileBackend) Put(ctx context.Context, blobID string, content io.Reader, size int64) error {
	blobPath, err := b.blobPath(blobID)
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(b.baseDir, ".upload-*")
	if err != nil {
		return fmt.Errorf("failed to create temporary file: %w", err)
	}
	tmpPath := tmp.Name()

	written, err := io.Copy(tmp, content)
	if closeErr := tmp.Close(); err == nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to write blob: %w", err)
	}

	if err := os.Rename(tmpPath, blobPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("failed to finalize blob: %w", err)
	}

	b.log.Debug("Stored blob in file",
		slog.String("path", blobPath),
		slog.Int64("size", written))

	return nil
}

// Open streams a stored blob back. Returns ErrNotFound if the file doesn't
// exist.
func (b *FileBackend) Open(ctx context.Context, blobID string) (io.ReadCloser, error) {
	blobPath, err := b.blobPath(blobID)
	if err != nil {
		return nil, err
	}

	f, err := os.Open(blobPath)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: blob %s", interfaces.ErrNotFound, blobID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to open blob: %w", err)
	}
	return f, nil
}

// URL resolves a stored blob to a fetchable URL under the configured public
// base. Returns ErrNotFound if the file doesn't exist.
func (b *FileBackend) URL(ctx context.Context, blobID string) (string, error) {
	blobPath, err := b.blobPath(blobID)
	if err != nil {
		return "", err
	}

	if _, err := os.Stat(blobPath); os.IsNotExist(err) {
		return "", fmt.Errorf("%w: blob %s", interfaces.ErrNotFound, blobID)
	} else if err != nil {
		return "", fmt.Errorf("failed to stat blob: %w", err)
	}

	return b.publicBase + "/blobs/" + blobID, nil
}

// Remove deletes a stored blob. Removing a nonexistent blob is not an
// error.
func (b *FileBackend) Remove(ctx context.Context, blobID string) error {
	blobPath, err := b.blobPath(blobID)
	if err != nil {
		return err
	}

	if err := os.Remove(blobPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove blob: %w", err)
	}
	return nil
}

// Available checks if the file backend is accessible by verifying the base
// directory exists.
func (b *FileBackend) Available(ctx context.Context) bool {
	_, err := os.Stat(b.baseDir)
	if err != nil {
		b.log.Debug("File backend unavailable", "err", err)
		return false
	}
	return true
}

// Name returns a unique identifier for this blob backend.
func (b *FileBackend) Name() string {
	return fmt.Sprintf("file-%s", filepath.Base(b.baseDir))
}

// LocationURI returns the URI that identifies this blob backend.
func (b *FileBackend) LocationURI() string {
	return b.locationURI
}

// blobPath resolves a blob id to its path, rejecting ids that would escape
// the base directory.
func (b *FileBackend) blobPath(blobID string) (string, error) {
	if blobID == "" || blobID != filepath.Base(blobID) || strings.HasPrefix(blobID, ".") {
		return "", fmt.Errorf("%w: malformed blob id %q", interfaces.ErrInvalidArgument, blobID)
	}
	return filepath.Join(b.baseDir, blobID), nil
}
