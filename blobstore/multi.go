package blobstore

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/nimbusota/release-storage-backend/interfaces"
)

// MultiBackend implements interfaces.BlobBackend over several backends for
// redundancy. A payload stream can only be consumed once, so writes go
// through the first available backend and are then mirrored to the rest by
// re-reading from it; mirror failures are logged and tolerated. Reads are
// served by the first backend that has the blob.
type MultiBackend struct {
	backends []interfaces.BlobBackend
	log      *slog.Logger
}

// NewMultiBackend creates a new replicating blob backend.
func NewMultiBackend(backends []interfaces.BlobBackend, logger *slog.Logger) *MultiBackend {
	// If no logger is provided, create a default one
	if logger == nil {
		logger = slog.Default()
	}

	return &MultiBackend{
		backends: backends,
		log:      logger,
	}
}

// Put streams the payload to the first available backend and mirrors it to
// the remaining available backends.
func (m *MultiBackend) Put(ctx context.Context, blobID string, content io.Reader, size int64) error {
	start := time.Now()

	var primary interfaces.BlobBackend
	var mirrors []interfaces.BlobBackend

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable", slog.String("backend_name", backend.Name()))
			continue
		}
		if primary == nil {
			primary = backend
		} else {
			mirrors = append(mirrors, backend)
		}
	}

	if primary == nil {
		m.log.Error("No backend available to store blob",
			slog.String("blob_id", blobID))
		return fmt.Errorf("%w: no blob backend available", interfaces.ErrUnavailable)
	}

	if err := primary.Put(ctx, blobID, content, size); err != nil {
		m.log.Error("Failed to store blob to primary backend",
			slog.String("backend_name", primary.Name()),
			slog.String("blob_id", blobID),
			"err", err)
		return fmt.Errorf("%s: %w", primary.Name(), err)
	}

	m.log.Info("Successfully stored blob",
		slog.String("backend_name", primary.Name()),
		slog.String("blob_id", blobID),
		slog.Duration("duration", time.Since(start)))

	for _, mirror := range mirrors {
		if err := m.mirror(ctx, primary, mirror, blobID, size); err != nil {
			m.log.Warn("Failed to mirror blob",
				slog.String("backend_name", mirror.Name()),
				slog.String("blob_id", blobID),
				"err", err)
		}
	}

	return nil
}

// mirror copies one blob from the primary backend to a replica.
func (m *MultiBackend) mirror(ctx context.Context, from, to interfaces.BlobBackend, blobID string, size int64) error {
	rc, err := from.Open(ctx, blobID)
	if err != nil {
		return fmt.Errorf("failed to re-read blob from %s: %w", from.Name(), err)
	}
	defer rc.Close()

	return to.Put(ctx, blobID, rc, size)
}

// Open streams a stored blob back from the first backend that has it.
func (m *MultiBackend) Open(ctx context.Context, blobID string) (io.ReadCloser, error) {
	start := time.Now()
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			m.log.Debug("Backend unavailable",
				slog.String("backend_name", backend.Name()),
				slog.String("blob_id", blobID))
			continue
		}

		rc, err := backend.Open(ctx, blobID)
		if err == nil {
			m.log.Debug("Successfully opened blob",
				slog.String("backend_name", backend.Name()),
				slog.String("blob_id", blobID),
				slog.Duration("duration", time.Since(start)))
			return rc, nil
		}

		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
		m.log.Debug("Failed to open blob from backend",
			slog.String("backend_name", backend.Name()),
			slog.String("blob_id", blobID),
			"err", err)
	}

	return nil, m.combined("open", blobID, errs)
}

// URL resolves a stored blob through the first backend that has it.
func (m *MultiBackend) URL(ctx context.Context, blobID string) (string, error) {
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}

		url, err := backend.URL(ctx, blobID)
		if err == nil {
			return url, nil
		}
		errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
	}

	return "", m.combined("resolve", blobID, errs)
}

// Remove deletes the blob from every available backend. Individual
// not-found results are fine; removal is idempotent.
func (m *MultiBackend) Remove(ctx context.Context, blobID string) error {
	var errs []error

	for _, backend := range m.backends {
		if !backend.Available(ctx) {
			continue
		}

		if err := backend.Remove(ctx, blobID); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", backend.Name(), err))
			m.log.Warn("Failed to remove blob from backend",
				slog.String("backend_name", backend.Name()),
				slog.String("blob_id", blobID),
				"err", err)
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("failed to remove blob %s: %v", blobID, errs)
	}
	return nil
}

// Available checks if any backend is available.
func (m *MultiBackend) Available(ctx context.Context) bool {
	for _, backend := range m.backends {
		if backend.Available(ctx) {
			return true
		}
	}
	return false
}

// Name returns the name of this backend.
func (m *MultiBackend) Name() string {
	return "multi-blob"
}

// LocationURI returns the combined URI of all aggregated backends.
func (m *MultiBackend) LocationURI() string {
	var locations []string
	for _, backend := range m.backends {
		locations = append(locations, backend.LocationURI())
	}

	return "multi:[" + strings.Join(locations, ",") + "]"
}

// combined folds per-backend failures into one error, keeping the not
// found sentinel when every backend that answered reported it.
func (m *MultiBackend) combined(op, blobID string, errs []error) error {
	if len(errs) == 0 {
		return fmt.Errorf("%w: no blob backend available", interfaces.ErrUnavailable)
	}

	allNotFound := true
	for _, err := range errs {
		if !errors.Is(err, interfaces.ErrNotFound) {
			allNotFound = false
			break
		}
	}
	if allNotFound {
		return fmt.Errorf("%w: blob %s", interfaces.ErrNotFound, blobID)
	}

	return fmt.Errorf("all backends failed to %s blob %s: %v", op, blobID, errs)
}
