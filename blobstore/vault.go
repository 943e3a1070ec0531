package blobstore

import (
	"bytes"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/hashicorp/vault/api"
	"github.com/nimbusota/release-storage-backend/interfaces"
)

// VaultBackend implements a blob backend using HashiCorp Vault's KV v2
// secrets engine. Vault buffers whole secrets, so this backend suits small
// protected payloads rather than large release bundles.
type VaultBackend struct {
	client      *api.Client
	mountPath   string
	dataPath    string
	publicBase  string
	log         *slog.Logger
	locationURI string
}

// NewVaultBackend creates a new Vault blob backend.
//
// Parameters:
//   - address: Vault server address (e.g. https://vault.example.com:8200)
//   - mountPath: Vault KV v2 mount path (e.g. "secret")
//   - dataPath: Path within the mount (e.g. "release-blobs")
//   - token: Vault token; when empty the client falls back to VAULT_TOKEN
//   - publicBase: URL prefix blob URLs are built from
//   - log: Structured logger for operational insights
func NewVaultBackend(address, mountPath, dataPath, token, publicBase string, log *slog.Logger) (*VaultBackend, error) {
	// Create Vault config
	config := api.DefaultConfig()
	config.Address = address
	config.Timeout = 30 * time.Second

	// Create Vault client
	client, err := api.NewClient(config)
	if err != nil {
		return nil, fmt.Errorf("failed to create Vault client: %w", err)
	}
	if token != "" {
		client.SetToken(token)
	}

	// Ensure paths are properly formatted
	mountPath = strings.TrimSuffix(mountPath, "/")
	dataPath = strings.Trim(dataPath, "/")
	if dataPath == "" {
		dataPath = "release-blobs"
	}

	return &VaultBackend{
		client:      client,
		mountPath:   mountPath,
		dataPath:    dataPath,
		publicBase:  strings.TrimSuffix(publicBase, "/"),
		log:         log,
		locationURI: fmt.Sprintf("vault://%s/%s/%s", address, mountPath, dataPath),
	}, nil
}

// Put reads the payload and writes it as a base64-encoded KV v2 secret
// under the blob id.
func (b *VaultBackend) Put(ctx context.Context, blobID string, content io.Reader, size int64) error {
	start := time.Now()
	path := b.secretPath(blobID)

	data, err := io.ReadAll(content)
	if err != nil {
		return fmt.Errorf("failed to read blob: %w", err)
	}

	// Prepare data for Vault (KV v2 format)
	secretData := map[string]interface{}{
		"data": map[string]interface{}{
			"content": base64.StdEncoding.EncodeToString(data),
		},
	}

	// Write to Vault
	if _, err := b.client.Logical().WriteWithContext(ctx, path, secretData); err != nil {
		b.log.Error("Failed to write blob to Vault",
			slog.String("path", path),
			slog.String("blob_id", blobID),
			"err", err)
		return fmt.Errorf("%w: %v", interfaces.ErrUnavailable, err)
	}

	b.log.Debug("Stored blob in Vault",
		slog.String("blob_id", blobID),
		slog.Int("size", len(data)),
		slog.Duration("duration", time.Since(start)))

	return nil
}

// Open retrieves a stored blob from Vault. Returns ErrNotFound for unknown
// ids.
func (b *VaultBackend) Open(ctx context.Context, blobID string) (io.ReadCloser, error) {
	path := b.secretPath(blobID)

	// Read from Vault
	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		b.log.Error("Failed to read blob from Vault",
			slog.String("path", path),
			slog.String("blob_id", blobID),
			"err", err)
		return nil, fmt.Errorf("%w: %v", interfaces.ErrUnavailable, err)
	}

	if secret == nil || secret.Data == nil {
		b.log.Debug("Blob not found in Vault",
			slog.String("path", path),
			slog.String("blob_id", blobID))
		return nil, fmt.Errorf("%w: blob %s", interfaces.ErrNotFound, blobID)
	}

	// Extract data from the response (KV v2 format)
	data, ok := secret.Data["data"].(map[string]interface{})
	if !ok {
		// KV v2 reports deleted versions with nil data
		return nil, fmt.Errorf("%w: blob %s", interfaces.ErrNotFound, blobID)
	}

	encoded, ok := data["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content key not found in Vault data at %s", path)
	}

	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode blob content: %w", err)
	}

	return io.NopCloser(bytes.NewReader(raw)), nil
}

// URL resolves a stored blob to a fetchable URL under the configured public
// base. Vault secrets are never exposed directly; the URL points at the
// serving layer, which reads through Open.
func (b *VaultBackend) URL(ctx context.Context, blobID string) (string, error) {
	path := b.secretPath(blobID)

	secret, err := b.client.Logical().ReadWithContext(ctx, path)
	if err != nil {
		return "", fmt.Errorf("%w: %v", interfaces.ErrUnavailable, err)
	}
	if secret == nil || secret.Data == nil {
		return "", fmt.Errorf("%w: blob %s", interfaces.ErrNotFound, blobID)
	}
	if _, ok := secret.Data["data"].(map[string]interface{}); !ok {
		return "", fmt.Errorf("%w: blob %s", interfaces.ErrNotFound, blobID)
	}

	return b.publicBase + "/blobs/" + blobID, nil
}

// Remove deletes a stored blob. Removing a nonexistent blob is not an
// error.
func (b *VaultBackend) Remove(ctx context.Context, blobID string) error {
	path := b.secretPath(blobID)

	if _, err := b.client.Logical().DeleteWithContext(ctx, path); err != nil {
		return fmt.Errorf("%w: %v", interfaces.ErrUnavailable, err)
	}

	b.log.Debug("Removed blob from Vault",
		slog.String("blob_id", blobID))

	return nil
}

// Available checks if the Vault backend is accessible.
// It uses the health endpoint to verify that Vault is initialized and unsealed.
func (b *VaultBackend) Available(ctx context.Context) bool {
	healthCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	health, err := b.client.Sys().HealthWithContext(healthCtx)
	if err != nil {
		b.log.Debug("Vault health check failed", "err", err)
		return false
	}

	// Check if Vault is initialized and unsealed
	if !health.Initialized || health.Sealed {
		b.log.Debug("Vault is not available",
			slog.Bool("initialized", health.Initialized),
			slog.Bool("sealed", health.Sealed))
		return false
	}

	return true
}

// Name returns a unique identifier for this blob backend.
func (b *VaultBackend) Name() string {
	return fmt.Sprintf("vault-%s-%s", b.mountPath, b.dataPath)
}

// LocationURI returns the URI that identifies this blob backend.
func (b *VaultBackend) LocationURI() string {
	return b.locationURI
}

// secretPath generates a KV v2 data path for a blob id.
func (b *VaultBackend) secretPath(blobID string) string {
	return fmt.Sprintf("%s/data/%s/%s", b.mountPath, b.dataPath, blobID)
}
