package httpserver

import (
	"errors"
	"io"
	"net/http"

	"github.com/Masterminds/semver/v3"
	"github.com/nimbusota/release-storage-backend/interfaces"
	"github.com/nimbusota/release-storage-backend/metrics"
)

// updateCheckResponse is the over-the-air protocol answer devices consume.
type updateCheckResponse struct {
	UpdateInfo updateInfo `json:"updateInfo"`
}

type updateInfo struct {
	IsAvailable bool   `json:"isAvailable"`
	IsMandatory bool   `json:"isMandatory,omitempty"`
	AppVersion  string `json:"appVersion,omitempty"`
	Label       string `json:"label,omitempty"`
	PackageHash string `json:"packageHash,omitempty"`
	PackageSize int64  `json:"packageSize,omitempty"`
	Description string `json:"description,omitempty"`
	DownloadURL string `json:"downloadUrl,omitempty"`
}

// HandleUpdateCheck answers a device's poll for the release it should run.
//
// URL format: GET /updateCheck?deploymentKey=...&appVersion=...&packageHash=...&clientUniqueId=...
//
// The newest enabled release whose target version expression matches the
// client's binary version wins. Partially rolled out releases are visible
// only to the clients deterministically selected for them; everyone else
// keeps walking toward older releases. When the winning release carries a
// diff for the client's current package hash, the diff artifact is offered
// instead of the full payload.
func (h *Handler) HandleUpdateCheck(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	deploymentKey := query.Get("deploymentKey")
	clientAppVersion := query.Get("appVersion")
	clientPackageHash := query.Get("packageHash")
	clientID := query.Get("clientUniqueId")

	if deploymentKey == "" || clientAppVersion == "" {
		h.recordUpdateCheck(metrics.UpdateCheckError)
		http.Error(w, "deploymentKey and appVersion are required", http.StatusBadRequest)
		return
	}

	clientVersion, err := semver.NewVersion(clientAppVersion)
	if err != nil {
		h.recordUpdateCheck(metrics.UpdateCheckError)
		http.Error(w, "Invalid appVersion", http.StatusBadRequest)
		return
	}

	history, err := h.store.GetPackageHistoryFromDeploymentKey(r.Context(), deploymentKey)
	if err != nil {
		if errors.Is(err, interfaces.ErrNotFound) {
			h.recordUpdateCheck(metrics.UpdateCheckNotFound)
		} else {
			h.recordUpdateCheck(metrics.UpdateCheckError)
		}
		h.writeError(w, r, err)
		return
	}

	target := pickUpdateTarget(history, clientVersion, clientID)
	if target == nil || target.PackageHash == clientPackageHash {
		h.recordUpdateCheck(metrics.UpdateCheckUpToDate)
		h.writeJSON(w, http.StatusOK, updateCheckResponse{UpdateInfo: updateInfo{IsAvailable: false}})
		return
	}

	info := updateInfo{
		IsAvailable: true,
		IsMandatory: target.IsMandatory,
		AppVersion:  target.AppVersion,
		Label:       target.Label,
		PackageHash: target.PackageHash,
		PackageSize: target.Size,
		Description: target.Description,
		DownloadURL: target.BlobURL,
	}
	if diff, ok := target.DiffPackageMap[clientPackageHash]; ok && clientPackageHash != "" {
		info.PackageSize = diff.Size
		info.DownloadURL = diff.URL
	}

	h.recordUpdateCheck(metrics.UpdateCheckUpdateAvailable)
	h.writeJSON(w, http.StatusOK, updateCheckResponse{UpdateInfo: info})
}

// pickUpdateTarget walks the history newest first and returns the first
// enabled release targeting the client's binary version that the client is
// rolled out to, or nil when the client should stay put.
func pickUpdateTarget(history []interfaces.Package, clientVersion *semver.Version, clientID string) *interfaces.Package {
	for i := len(history) - 1; i >= 0; i-- {
		pkg := history[i]
		if pkg.IsDisabled {
			continue
		}
		if !appVersionMatches(pkg.AppVersion, clientVersion) {
			continue
		}
		if !interfaces.IsSelectedForRollout(clientID, pkg.Rollout, pkg.PackageHash) {
			continue
		}
		return &pkg
	}
	return nil
}

// appVersionMatches checks a release's target version expression, which may
// be an exact version or a range, against the client's binary version.
func appVersionMatches(target string, clientVersion *semver.Version) bool {
	if constraint, err := semver.NewConstraint(target); err == nil {
		return constraint.Check(clientVersion)
	}
	if exact, err := semver.NewVersion(target); err == nil {
		return exact.Equal(clientVersion)
	}
	return false
}

// HandleDownloadBlob streams a stored payload. It backs the download URLs
// handed out for backends without natively fetchable locators.
//
// URL format: GET /blobs/{blobID}
func (h *Handler) HandleDownloadBlob(w http.ResponseWriter, r *http.Request) {
	blobID := r.PathValue("blobID")

	content, err := h.blobs.Open(r.Context(), blobID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	defer content.Close()

	w.Header().Set("Content-Type", "application/octet-stream")
	if _, err := io.Copy(w, content); err != nil {
		h.log.Debug("Blob download interrupted", "blobID", blobID, "err", err)
	}
}
