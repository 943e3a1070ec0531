package storage

import (
	"context"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/nimbusota/release-storage-backend/interfaces"
)

// commitRetries bounds how often a release commit is retried after losing
// the label race before giving up with ErrConflict.
const commitRetries = 5

// newID generates an internal entity id.
func newID() string {
	return uuid.New().String()
}

// generateSecureKey generates a high-entropy URL-safe bearer string, used
// for deployment keys and access key ids.
func generateSecureKey() (string, error) {
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate key: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

// resolveTTL turns an optional access key ttl into a concrete expiry
// offset. A nil ttl means the caller didn't ask for one and gets the
// default; an explicit non-positive ttl is an error.
func resolveTTL(ttl *time.Duration) (time.Duration, error) {
	if ttl == nil {
		return interfaces.DefaultAccessKeyTTL, nil
	}
	if *ttl <= 0 {
		return 0, fmt.Errorf("%w: access key ttl must be positive, got %v", interfaces.ErrInvalidArgument, *ttl)
	}
	return *ttl, nil
}

// validateNewPackage checks the caller-supplied fields of a release before
// anything is persisted.
func validateNewPackage(pkg interfaces.Package, hasContent bool) error {
	if pkg.AppVersion == "" {
		return fmt.Errorf("%w: package app version is required", interfaces.ErrInvalidArgument)
	}
	if !interfaces.ValidRollout(pkg.Rollout) {
		return fmt.Errorf("%w: rollout must be within [0,100], got %d", interfaces.ErrInvalidArgument, pkg.Rollout)
	}
	if !hasContent {
		// Without a payload stream the package must reference an already
		// stored blob, as promote and rollback do.
		if pkg.PackageHash == "" || pkg.BlobID == "" {
			return fmt.Errorf("%w: package without content must carry a package hash and blob reference", interfaces.ErrInvalidArgument)
		}
	}
	return nil
}

// nextLabelOrdinal computes the ordinal for the next release of a history,
// max existing label + 1. A cleared history restarts at 1.
func nextLabelOrdinal(history []interfaces.Package) int {
	maxOrdinal := 0
	for _, pkg := range history {
		if n, ok := interfaces.ParseLabel(pkg.Label); ok && n > maxOrdinal {
			maxOrdinal = n
		}
	}
	return maxOrdinal + 1
}

// streamBlob persists a payload stream under a fresh blob id while hashing
// it, and resolves the stored blob's URL. Returns the blob id, the hex
// SHA-256 of the payload, the URL and the byte count.
func streamBlob(ctx context.Context, backend interfaces.BlobBackend, content io.Reader, size int64) (blobID, packageHash, blobURL string, written int64, err error) {
	blobID = newID()

	hasher := sha256.New()
	counted := &countingReader{r: io.TeeReader(content, hasher)}

	if err := backend.Put(ctx, blobID, counted, size); err != nil {
		return "", "", "", 0, fmt.Errorf("failed to store release payload: %w", err)
	}

	blobURL, err = backend.URL(ctx, blobID)
	if err != nil {
		return "", "", "", 0, fmt.Errorf("failed to resolve release payload URL: %w", err)
	}

	return blobID, hex.EncodeToString(hasher.Sum(nil)), blobURL, counted.n, nil
}

// countingReader counts the bytes pulled through it.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	c.n += int64(n)
	return n, err
}

// derivePromoted builds the release committed into the destination
// deployment when promoting. The payload reference is copied from the
// source release, never re-uploaded. String and rollout overrides apply
// when set; the mandatory and disabled flags are taken from overrides
// verbatim, so callers wanting to inherit them pass the source values.
func derivePromoted(src interfaces.Package, srcDeploymentName string, overrides interfaces.Package) interfaces.Package {
	pkg := interfaces.Package{
		AppVersion:         src.AppVersion,
		PackageHash:        src.PackageHash,
		BlobID:             src.BlobID,
		BlobURL:            src.BlobURL,
		Size:               src.Size,
		Description:        src.Description,
		IsMandatory:        overrides.IsMandatory,
		IsDisabled:         overrides.IsDisabled,
		Rollout:            overrides.Rollout,
		ReleaseMethod:      interfaces.ReleaseMethodPromote,
		OriginalLabel:      src.Label,
		OriginalDeployment: srcDeploymentName,
	}
	if overrides.AppVersion != "" {
		pkg.AppVersion = overrides.AppVersion
	}
	if overrides.Description != "" {
		pkg.Description = overrides.Description
	}
	return pkg
}

// deriveRollback builds the release committed when rolling a deployment
// back to an earlier entry. Metadata and the payload reference are copied
// from the target; the rollout and diff map are reset so the restored
// release reaches everyone.
func deriveRollback(target interfaces.Package, deploymentName string) interfaces.Package {
	return interfaces.Package{
		AppVersion:         target.AppVersion,
		PackageHash:        target.PackageHash,
		BlobID:             target.BlobID,
		BlobURL:            target.BlobURL,
		Size:               target.Size,
		Description:        target.Description,
		IsMandatory:        target.IsMandatory,
		IsDisabled:         target.IsDisabled,
		ReleaseMethod:      interfaces.ReleaseMethodRollback,
		OriginalLabel:      target.Label,
		OriginalDeployment: deploymentName,
	}
}

// rollbackTarget picks the history entry a rollback restores: the entry
// labeled targetLabel, or the one before the current release when
// targetLabel is empty. The current release itself is never a valid
// target.
func rollbackTarget(history []interfaces.Package, targetLabel string) (interfaces.Package, error) {
	if len(history) < 2 {
		return interfaces.Package{}, fmt.Errorf("%w: deployment needs at least two releases to roll back", interfaces.ErrInvalidArgument)
	}

	current := history[len(history)-1]
	if targetLabel == "" {
		return history[len(history)-2], nil
	}
	if targetLabel == current.Label {
		return interfaces.Package{}, fmt.Errorf("%w: cannot roll back to the current release %s", interfaces.ErrInvalidArgument, targetLabel)
	}
	for _, pkg := range history[:len(history)-1] {
		if pkg.Label == targetLabel {
			return pkg, nil
		}
	}
	return interfaces.Package{}, fmt.Errorf("%w: no release labeled %s to roll back to", interfaces.ErrInvalidArgument, targetLabel)
}

// applyHistoryPatch merges a caller-supplied history onto the stored one.
// Only the staged-release metadata may change; length, order, labels,
// hashes and payload references are immutable.
func applyHistoryPatch(existing, patch []interfaces.Package) ([]interfaces.Package, error) {
	if len(patch) == 0 {
		return nil, fmt.Errorf("%w: patched history must not be empty", interfaces.ErrInvalidArgument)
	}
	if len(patch) != len(existing) {
		return nil, fmt.Errorf("%w: patched history must keep all %d releases", interfaces.ErrInvalidArgument, len(existing))
	}

	merged := make([]interfaces.Package, len(existing))
	for i := range existing {
		if patch[i].Label != existing[i].Label {
			return nil, fmt.Errorf("%w: release labels are immutable", interfaces.ErrInvalidArgument)
		}
		if patch[i].PackageHash != existing[i].PackageHash {
			return nil, fmt.Errorf("%w: release package hashes are immutable", interfaces.ErrInvalidArgument)
		}
		if patch[i].BlobID != "" && patch[i].BlobID != existing[i].BlobID {
			return nil, fmt.Errorf("%w: release payload references are immutable", interfaces.ErrInvalidArgument)
		}
		if !interfaces.ValidRollout(patch[i].Rollout) {
			return nil, fmt.Errorf("%w: rollout must be within [0,100], got %d", interfaces.ErrInvalidArgument, patch[i].Rollout)
		}

		merged[i] = existing[i].Copy()
		merged[i].Description = patch[i].Description
		merged[i].IsDisabled = patch[i].IsDisabled
		merged[i].IsMandatory = patch[i].IsMandatory
		merged[i].Rollout = patch[i].Rollout
	}
	return merged, nil
}
