package blobstore

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	shell "github.com/ipfs/go-ipfs-api"
	"github.com/nimbusota/release-storage-backend/interfaces"
)

// DefaultIPFSGateway serves blob URLs when the location URI doesn't name a
// gateway.
const DefaultIPFSGateway = "https://ipfs.io"

// IPFSBackend implements a blob backend using the InterPlanetary File
// System. Blobs are written into the node's mutable file system under a
// configurable root so they stay addressable by blob id, and blob URLs are
// resolved through an HTTP gateway using the content hash.
type IPFSBackend struct {
	shell       *shell.Shell
	host        string
	port        string
	rootDir     string
	gateway     string
	log         *slog.Logger
	locationURI string
}

// NewIPFSBackend creates a new IPFS blob backend connected to the specified
// host and port. rootDir is the MFS directory blobs are stored under;
// gateway is the HTTP gateway base used to build blob URLs.
func NewIPFSBackend(host, port, rootDir, gateway string, log *slog.Logger) (*IPFSBackend, error) {
	// Construct API URL
	apiURL := fmt.Sprintf("%s:%s", host, port)

	if rootDir == "" {
		rootDir = "/release-blobs"
	}
	if !strings.HasPrefix(rootDir, "/") {
		rootDir = "/" + rootDir
	}
	rootDir = strings.TrimSuffix(rootDir, "/")

	if gateway == "" {
		gateway = DefaultIPFSGateway
	}
	gateway = strings.TrimSuffix(gateway, "/")

	// Format the URI for tracking
	uri := fmt.Sprintf("ipfs://%s%s/?gateway=%s", apiURL, rootDir, gateway)

	return &IPFSBackend{
		shell:       shell.NewShell(apiURL),
		host:        host,
		port:        port,
		rootDir:     rootDir,
		gateway:     gateway,
		log:         log,
		locationURI: uri,
	}, nil
}

// Put streams a payload into the node's mutable file system under the blob
// id. Returns ErrUnavailable if the IPFS node is not accessible.
func (b *IPFSBackend) Put(ctx context.Context, blobID string, content io.Reader, size int64) error {
	start := time.Now()
	path := b.blobPath(blobID)

	// Check if the IPFS node is available
	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable",
			slog.String("host", b.host),
			slog.String("port", b.port))
		return fmt.Errorf("%w: ipfs node %s:%s is down", interfaces.ErrUnavailable, b.host, b.port)
	}

	err := b.shell.FilesWrite(ctx, path, content,
		shell.FilesWrite.Create(true),
		shell.FilesWrite.Parents(true),
		shell.FilesWrite.Truncate(true))
	if err != nil {
		b.log.Error("Failed to write blob to IPFS",
			slog.String("path", path),
			slog.String("blob_id", blobID),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return fmt.Errorf("%w: %v", interfaces.ErrUnavailable, err)
	}

	b.log.Debug("Stored blob in IPFS",
		slog.String("path", path),
		slog.String("blob_id", blobID),
		slog.Duration("duration", time.Since(start)))

	return nil
}

// Open streams a stored blob back from the node's mutable file system.
// Returns ErrNotFound if the blob doesn't exist or ErrUnavailable if the
// IPFS node is not accessible.
func (b *IPFSBackend) Open(ctx context.Context, blobID string) (io.ReadCloser, error) {
	start := time.Now()
	path := b.blobPath(blobID)

	// Check if the IPFS node is available
	if !b.shell.IsUp() {
		b.log.Warn("IPFS node unavailable",
			slog.String("host", b.host),
			slog.String("port", b.port))
		return nil, fmt.Errorf("%w: ipfs node %s:%s is down", interfaces.ErrUnavailable, b.host, b.port)
	}

	reader, err := b.shell.FilesRead(ctx, path)
	if err != nil {
		if isIPFSNotFound(err) {
			b.log.Debug("Blob not found in IPFS",
				slog.String("path", path),
				slog.String("blob_id", blobID),
				slog.Duration("duration", time.Since(start)))
			return nil, fmt.Errorf("%w: blob %s", interfaces.ErrNotFound, blobID)
		}

		b.log.Error("Failed to read blob from IPFS",
			slog.String("path", path),
			slog.String("blob_id", blobID),
			"err", err,
			slog.Duration("duration", time.Since(start)))
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUnavailable, err)
	}

	return reader, nil
}

// URL resolves a stored blob to a gateway URL addressed by its content
// hash. Returns ErrNotFound if the blob doesn't exist.
func (b *IPFSBackend) URL(ctx context.Context, blobID string) (string, error) {
	path := b.blobPath(blobID)

	if !b.shell.IsUp() {
		return "", fmt.Errorf("%w: ipfs node %s:%s is down", interfaces.ErrUnavailable, b.host, b.port)
	}

	stat, err := b.shell.FilesStat(ctx, path)
	if err != nil {
		if isIPFSNotFound(err) {
			return "", fmt.Errorf("%w: blob %s", interfaces.ErrNotFound, blobID)
		}
		return "", fmt.Errorf("%w: %v", interfaces.ErrUnavailable, err)
	}

	return fmt.Sprintf("%s/ipfs/%s", b.gateway, stat.Hash), nil
}

// Remove deletes a stored blob from the mutable file system. Removing a
// nonexistent blob is not an error.
func (b *IPFSBackend) Remove(ctx context.Context, blobID string) error {
	path := b.blobPath(blobID)

	if !b.shell.IsUp() {
		return fmt.Errorf("%w: ipfs node %s:%s is down", interfaces.ErrUnavailable, b.host, b.port)
	}

	if err := b.shell.FilesRm(ctx, path, true); err != nil {
		if isIPFSNotFound(err) {
			return nil
		}
		return fmt.Errorf("%w: %v", interfaces.ErrUnavailable, err)
	}

	b.log.Debug("Removed blob from IPFS",
		slog.String("path", path),
		slog.String("blob_id", blobID))

	return nil
}

// Available checks if the IPFS node is accessible.
func (b *IPFSBackend) Available(ctx context.Context) bool {
	return b.shell.IsUp()
}

// Name returns a unique identifier for this blob backend.
func (b *IPFSBackend) Name() string {
	return fmt.Sprintf("ipfs-%s-%s", b.host, b.port)
}

// LocationURI returns the URI that identifies this blob backend.
func (b *IPFSBackend) LocationURI() string {
	return b.locationURI
}

// blobPath generates an MFS path for a blob id.
func (b *IPFSBackend) blobPath(blobID string) string {
	return fmt.Sprintf("%s/%s", b.rootDir, blobID)
}

// isIPFSNotFound matches the error strings the IPFS API surfaces for
// missing MFS paths.
func isIPFSNotFound(err error) bool {
	return strings.Contains(err.Error(), "does not exist") ||
		strings.Contains(err.Error(), "no link named")
}
