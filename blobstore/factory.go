package blobstore

import (
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/nimbusota/release-storage-backend/interfaces"
)

// Factory creates blob backends from URI strings and manages multi-backend
// configurations for redundant storage.
type Factory struct {
	log *slog.Logger
}

// NewFactory creates a new factory instance that can create blob backends.
func NewFactory(logger *slog.Logger) *Factory {
	return &Factory{log: logger}
}

// BackendFor creates a blob backend from a location URI.
// The URI format should be [scheme]://[auth@]host[:port][/path][?params]
//
// Supported schemes:
//   - memory:// - In-process storage for tests and development
//   - file:// - Local filesystem storage
//   - s3:// - Amazon S3 or compatible object storage
//   - ipfs:// - IPFS mutable file system storage
//   - vault:// - HashiCorp Vault KV v2 storage
//
// Returns an error if the URI is invalid or the scheme is unsupported.
func (f *Factory) BackendFor(location interfaces.BackendLocation) (interfaces.BlobBackend, error) {
	// Parse the URI
	u, err := url.Parse(string(location))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", interfaces.ErrInvalidLocationURI, err)
	}

	// Create the appropriate backend type based on the scheme
	switch strings.ToLower(u.Scheme) {
	case "memory":
		return f.createMemoryBackend(u)
	case "file":
		return f.createFileBackend(u)
	case "s3":
		return f.createS3Backend(u)
	case "ipfs":
		return f.createIPFSBackend(u)
	case "vault":
		return f.createVaultBackend(u)
	default:
		return nil, fmt.Errorf("%w: unsupported blob backend scheme: %s", interfaces.ErrInvalidLocationURI, u.Scheme)
	}
}

// CreateMultiBackend creates a replicating blob backend from a list of
// location URIs. Writes go through the first available backend and are
// mirrored to the rest; reads are served by the first backend that has the
// blob. Returns an error if no valid backends could be created from the
// provided URIs.
func (f *Factory) CreateMultiBackend(locations []interfaces.BackendLocation) (interfaces.BlobBackend, error) {
	backends := make([]interfaces.BlobBackend, 0, len(locations))

	for _, uri := range locations {
		backend, err := f.BackendFor(uri)
		if err != nil {
			f.log.Warn("Failed to create blob backend",
				"err", err,
				slog.String("locationURI", string(uri)))
			continue
		}
		backends = append(backends, backend)
	}

	if len(backends) == 0 {
		return nil, fmt.Errorf("no valid blob backends created")
	}

	return NewMultiBackend(backends, f.log), nil
}

// createMemoryBackend creates an in-process blob backend.
// URI format: memory://?public=https://cdn.example.com
func (f *Factory) createMemoryBackend(u *url.URL) (interfaces.BlobBackend, error) {
	f.log.Debug("Creating memory blob backend", slog.String("uri", u.String()))

	return NewMemoryBackend(u.Query().Get("public"), f.log), nil
}

// createFileBackend creates a file system blob backend.
// URI format: file:///absolute/path/?public=https://cdn.example.com
func (f *Factory) createFileBackend(u *url.URL) (interfaces.BlobBackend, error) {
	f.log.Debug("Creating file blob backend", slog.String("uri", u.String()))

	// Get the path, handling relative vs absolute paths
	path := u.Path
	if u.Host != "" {
		path = u.Host + "/" + strings.TrimPrefix(path, "/")
	}

	// Make sure path is not empty
	if path == "" {
		return nil, fmt.Errorf("%w: empty path in file URI: %s", interfaces.ErrInvalidLocationURI, u.String())
	}

	return NewFileBackend(path, u.Query().Get("public"), f.log)
}

// createS3Backend creates an S3 or S3-compatible blob backend.
// URI format: s3://[ACCESS_KEY:SECRET_KEY@]bucket-name/prefix/?region=us-west-2&endpoint=custom.s3.com
// The backend supports both public buckets (read-only) and authenticated access.
func (f *Factory) createS3Backend(u *url.URL) (interfaces.BlobBackend, error) {
	f.log.Debug("Creating S3 blob backend", slog.String("uri", u.String()))

	// Get bucket name
	bucketName := u.Host

	// Parse path - remove leading slash
	prefix := strings.TrimPrefix(u.Path, "/")

	// Parse region and endpoint
	query := u.Query()
	region := query.Get("region")
	if region == "" {
		region = "us-east-1" // Default region
	}

	endpoint := query.Get("endpoint")

	// Parse credentials
	var accessKey, secretKey string
	if u.User != nil {
		accessKey = u.User.Username()
		secretKey, _ = u.User.Password()
		f.log.Debug("Using embedded credentials for write access")
	} else {
		f.log.Debug("No credentials provided, S3 bucket assumed to be public, write operations may fail")
	}

	return NewS3Backend(bucketName, prefix, region, endpoint, accessKey, secretKey, f.log)
}

// createIPFSBackend creates an IPFS blob backend.
// URI format: ipfs://host:port/rootdir?gateway=https://ipfs.io
func (f *Factory) createIPFSBackend(u *url.URL) (interfaces.BlobBackend, error) {
	f.log.Debug("Creating IPFS blob backend", slog.String("uri", u.String()))

	// Parse host and port
	host := u.Hostname()
	port := u.Port()
	if port == "" {
		port = "5001" // Default IPFS API port
	}

	return NewIPFSBackend(host, port, u.Path, u.Query().Get("gateway"), f.log)
}

// createVaultBackend creates a Vault blob backend.
// URI format: vault://[token@]host:port/mount/datapath?tls=false&public=https://releases.example.com
// The first path segment is the KV v2 mount, the rest is the data path.
func (f *Factory) createVaultBackend(u *url.URL) (interfaces.BlobBackend, error) {
	f.log.Debug("Creating Vault blob backend", slog.String("uri", u.String()))

	query := u.Query()

	// Vault addresses are http(s); the scheme carried by the blob URI only
	// selects the backend type.
	scheme := "https"
	if query.Get("tls") == "false" {
		scheme = "http"
	}
	address := fmt.Sprintf("%s://%s", scheme, u.Host)

	segments := strings.SplitN(strings.Trim(u.Path, "/"), "/", 2)
	if segments[0] == "" {
		return nil, fmt.Errorf("%w: vault URI needs a mount path: %s", interfaces.ErrInvalidLocationURI, u.String())
	}
	mountPath := segments[0]
	dataPath := ""
	if len(segments) > 1 {
		dataPath = segments[1]
	}

	var token string
	if u.User != nil {
		token = u.User.Username()
	}

	return NewVaultBackend(address, mountPath, dataPath, token, query.Get("public"), f.log)
}
