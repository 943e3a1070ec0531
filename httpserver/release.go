package httpserver

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Masterminds/semver/v3"
	"github.com/nimbusota/release-storage-backend/interfaces"
)

// releaseInfo is the metadata part of a release upload.
type releaseInfo struct {
	AppVersion  string `json:"appVersion"`
	Description string `json:"description,omitempty"`
	IsDisabled  bool   `json:"isDisabled,omitempty"`
	IsMandatory bool   `json:"isMandatory,omitempty"`
	Rollout     int    `json:"rollout,omitempty"`
}

// validAppVersion accepts an exact semver version or a version range, the
// two forms a release may target.
func validAppVersion(v string) bool {
	if _, err := semver.NewVersion(v); err == nil {
		return true
	}
	_, err := semver.NewConstraint(v)
	return err == nil
}

// HandleReleaseUpload commits a release from a streamed payload.
//
// URL format: POST /management/apps/{appID}/deployments/{deploymentID}/release
// Request body: multipart/form-data with a "packageInfo" JSON part followed
// by the payload file part. The payload is streamed to the blob store
// without buffering, so the metadata part must come first.
//
// Response: the committed package including its assigned label, content
// hash and download URL.
func (h *Handler) HandleReleaseUpload(w http.ResponseWriter, r *http.Request) {
	appID := r.PathValue("appID")
	deploymentID := r.PathValue("deploymentID")

	mr, err := r.MultipartReader()
	if err != nil {
		http.Error(w, "Expected multipart request body", http.StatusBadRequest)
		return
	}

	var info *releaseInfo
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			http.Error(w, "Malformed multipart request body", http.StatusBadRequest)
			return
		}

		if part.FormName() == "packageInfo" {
			info = &releaseInfo{}
			if err := json.NewDecoder(io.LimitReader(part, maxBodySize)).Decode(info); err != nil {
				http.Error(w, "Invalid packageInfo part", http.StatusBadRequest)
				return
			}
			continue
		}

		if part.FileName() == "" {
			continue
		}

		if info == nil {
			http.Error(w, "packageInfo part must precede the payload", http.StatusBadRequest)
			return
		}
		if info.AppVersion != "" && !validAppVersion(info.AppVersion) {
			http.Error(w, "Invalid appVersion", http.StatusBadRequest)
			return
		}

		pkg := interfaces.Package{
			AppVersion:  info.AppVersion,
			Description: info.Description,
			IsDisabled:  info.IsDisabled,
			IsMandatory: info.IsMandatory,
			Rollout:     info.Rollout,
		}
		committed, err := h.store.CommitPackage(r.Context(), accountID(r), appID, deploymentID, pkg, part, r.ContentLength)
		if err != nil {
			h.writeError(w, r, err)
			return
		}

		h.recordRelease(committed.ReleaseMethod)
		h.recordPayloadSize(committed.Size)
		h.writeJSON(w, http.StatusCreated, committed)
		return
	}

	http.Error(w, "Missing payload part", http.StatusBadRequest)
}

// promoteRequest optionally overrides release metadata on promotion.
type promoteRequest struct {
	AppVersion  string `json:"appVersion,omitempty"`
	Description string `json:"description,omitempty"`
	IsDisabled  bool   `json:"isDisabled,omitempty"`
	IsMandatory bool   `json:"isMandatory,omitempty"`
	Rollout     int    `json:"rollout,omitempty"`
}

// HandlePromote commits the source deployment's current release into the
// destination deployment, reusing the stored payload. The request body is
// an optional JSON override object.
//
// URL format: POST /management/apps/{appID}/deployments/{deploymentID}/promote/{destDeploymentID}
func (h *Handler) HandlePromote(w http.ResponseWriter, r *http.Request) {
	var req promoteRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if req.AppVersion != "" && !validAppVersion(req.AppVersion) {
		http.Error(w, "Invalid appVersion", http.StatusBadRequest)
		return
	}

	overrides := interfaces.Package{
		AppVersion:  req.AppVersion,
		Description: req.Description,
		IsDisabled:  req.IsDisabled,
		IsMandatory: req.IsMandatory,
		Rollout:     req.Rollout,
	}
	promoted, err := h.store.PromotePackage(r.Context(), accountID(r), r.PathValue("appID"), r.PathValue("deploymentID"), r.PathValue("destDeploymentID"), overrides)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.recordRelease(promoted.ReleaseMethod)
	h.writeJSON(w, http.StatusCreated, promoted)
}

// rollbackRequest selects the historical release to restore. An empty
// target label rolls back to the release before the current one.
type rollbackRequest struct {
	TargetLabel string `json:"targetLabel,omitempty"`
}

// HandleRollback commits a new release restoring an earlier entry of the
// deployment's history. The request body is an optional JSON object naming
// the target label.
//
// URL format: POST /management/apps/{appID}/deployments/{deploymentID}/rollback
func (h *Handler) HandleRollback(w http.ResponseWriter, r *http.Request) {
	var req rollbackRequest
	if err := decodeJSON(w, r, &req); err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	rolled, err := h.store.RollbackPackage(r.Context(), accountID(r), r.PathValue("appID"), r.PathValue("deploymentID"), req.TargetLabel)
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	h.recordRelease(rolled.ReleaseMethod)
	h.writeJSON(w, http.StatusCreated, rolled)
}

// HandleGetHistory returns the deployment's package history in ascending
// label order.
//
// URL format: GET /management/apps/{appID}/deployments/{deploymentID}/history
func (h *Handler) HandleGetHistory(w http.ResponseWriter, r *http.Request) {
	history, err := h.store.GetPackageHistory(r.Context(), accountID(r), r.PathValue("appID"), r.PathValue("deploymentID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, history)
}

// HandleUpdateHistory patches the mutable metadata of existing history
// entries. The submitted history must preserve length, order, labels,
// hashes and blob references.
//
// URL format: PATCH /management/apps/{appID}/deployments/{deploymentID}/history
// Request body: the full history as a JSON array.
func (h *Handler) HandleUpdateHistory(w http.ResponseWriter, r *http.Request) {
	var history []interfaces.Package
	if err := decodeJSON(w, r, &history); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	if err := h.store.UpdatePackageHistory(r.Context(), accountID(r), r.PathValue("appID"), r.PathValue("deploymentID"), history); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleClearHistory empties the deployment's history and clears its
// current package. Owner only.
//
// URL format: DELETE /management/apps/{appID}/deployments/{deploymentID}/history
func (h *Handler) HandleClearHistory(w http.ResponseWriter, r *http.Request) {
	if err := h.store.ClearPackageHistory(r.Context(), accountID(r), r.PathValue("appID"), r.PathValue("deploymentID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
