package storage

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/nimbusota/release-storage-backend/interfaces"
)

// Factory creates metadata stores from URI strings. The blob backend is
// injected once; every store created by the factory delegates payload
// operations to it.
type Factory struct {
	log   *slog.Logger
	blobs interfaces.BlobBackend
}

// NewFactory creates a new factory instance that can create metadata
// stores backed by the given blob backend.
func NewFactory(blobs interfaces.BlobBackend, logger *slog.Logger) *Factory {
	return &Factory{
		log:   logger,
		blobs: blobs,
	}
}

// StorageFor creates a metadata store from a location URI.
//
// Supported schemes:
//   - memory:// - In-process store, contents lost on shutdown
//   - sqlite:// - Single-file SQLite store, path taken from the URI
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (f *Factory) StorageFor(location interfaces.BackendLocation) (interfaces.Storage, error) {
	u, err := url.Parse(string(location))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	switch strings.ToLower(u.Scheme) {
	case "memory":
		return f.createMemoryStore(u)
	case "sqlite":
		return f.createSQLiteStore(u)
	default:
		return nil, fmt.Errorf("%w: unsupported storage scheme %q", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// createMemoryStore creates an in-process store.
// URI format: memory://
func (f *Factory) createMemoryStore(u *url.URL) (interfaces.Storage, error) {
	f.log.Debug("Creating memory store", slog.String("uri", u.String()))
	return NewMemoryStore(f.blobs, f.log), nil
}

// createSQLiteStore creates a SQLite store.
// URI format: sqlite:///absolute/path.db or sqlite://relative/path.db
func (f *Factory) createSQLiteStore(u *url.URL) (interfaces.Storage, error) {
	f.log.Debug("Creating sqlite store", slog.String("uri", u.String()))

	path := u.Path
	if u.Opaque != "" {
		path = u.Opaque
	} else if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in sqlite URI %q", interfaces.ErrInvalidLocationURI, u.String())
	}

	return OpenSQLiteStore(path, f.blobs, f.log)
}
