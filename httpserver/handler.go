package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/nimbusota/release-storage-backend/interfaces"
	"github.com/nimbusota/release-storage-backend/metrics"
)

// Header constants used in HTTP requests and responses.
const (
	// AccountIDHeader carries an account id resolved by a trusted upstream,
	// e.g. an SSO proxy terminating OAuth in front of this service. When
	// present it takes precedence over bearer access keys.
	AccountIDHeader = "X-Account-ID"

	// maxBodySize is the maximum allowed request body size for JSON
	// endpoints (1MB). Release payloads are streamed and not subject to it.
	maxBodySize = 1024 * 1024
)

type contextKey string

// accountIDContextKey carries the authenticated account id through the
// request context.
const accountIDContextKey contextKey = "accountID"

// Handler processes HTTP requests for the release storage service: the
// management API used by developer tooling and the acquisition API polled
// by devices.
type Handler struct {
	store   interfaces.Storage
	blobs   interfaces.BlobBackend
	metrics *metrics.Collector
	log     *slog.Logger
}

// NewHandler creates a new HTTP request handler.
//
// Parameters:
//   - store: metadata storage backend
//   - blobs: blob backend payload downloads are streamed from
//   - log: structured logger for operational insights
//
// Returns a configured Handler instance.
func NewHandler(store interfaces.Storage, blobs interfaces.BlobBackend, log *slog.Logger) *Handler {
	return &Handler{
		store: store,
		blobs: blobs,
		log:   log,
	}
}

// RequireAccount resolves the calling account and stores its id in the
// request context. Resolution uses AccountIDHeader when a trusted upstream
// set it, otherwise the Authorization bearer token is looked up as an
// access key. Unknown or expired credentials get 401.
func (h *Handler) RequireAccount(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		accountID, err := h.resolveAccountID(r)
		if err != nil {
			h.log.Debug("Authentication failed", "err", err)
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		ctx := context.WithValue(r.Context(), accountIDContextKey, accountID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (h *Handler) resolveAccountID(r *http.Request) (string, error) {
	if accountID := r.Header.Get(AccountIDHeader); accountID != "" {
		if _, err := h.store.GetAccount(r.Context(), accountID); err != nil {
			return "", err
		}
		return accountID, nil
	}

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok || token == "" {
		return "", errors.New("missing credentials")
	}
	return h.store.GetAccountIDFromAccessKey(r.Context(), token)
}

// accountID returns the authenticated account id placed in the request
// context by RequireAccount.
func accountID(r *http.Request) string {
	id, _ := r.Context().Value(accountIDContextKey).(string)
	return id
}

// writeError maps storage errors onto HTTP status codes.
func (h *Handler) writeError(w http.ResponseWriter, r *http.Request, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, interfaces.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, interfaces.ErrConflict):
		status = http.StatusConflict
	case errors.Is(err, interfaces.ErrForbidden):
		status = http.StatusForbidden
	case errors.Is(err, interfaces.ErrInvalidArgument), errors.Is(err, interfaces.ErrInvalidLocationURI):
		status = http.StatusBadRequest
	case errors.Is(err, interfaces.ErrUnavailable):
		status = http.StatusServiceUnavailable
	default:
		h.log.Error("Unclassified request error", "err", err, "path", r.URL.Path)
	}
	http.Error(w, err.Error(), status)
}

func (h *Handler) writeJSON(w http.ResponseWriter, status int, response any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		h.log.Error("Failed to encode response", "err", err)
	}
}

// decodeJSON reads a bounded JSON request body into v.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) error {
	return json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(v)
}

func (h *Handler) recordRelease(method interfaces.ReleaseMethod) {
	if h.metrics != nil {
		h.metrics.RecordRelease(string(method))
	}
}

func (h *Handler) recordUpdateCheck(outcome string) {
	if h.metrics != nil {
		h.metrics.RecordUpdateCheck(outcome)
	}
}

func (h *Handler) recordPayloadSize(bytes int64) {
	if h.metrics != nil {
		h.metrics.RecordPayloadSize(bytes)
	}
}

// HandleAddAccount registers an account.
//
// URL format: POST /management/accounts
// Request body: JSON account carrying at least the email.
func (h *Handler) HandleAddAccount(w http.ResponseWriter, r *http.Request) {
	var account interfaces.Account
	if err := decodeJSON(w, r, &account); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	created, err := h.store.AddAccount(r.Context(), account)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// HandleGetAccount returns the calling account.
//
// URL format: GET /management/account
func (h *Handler) HandleGetAccount(w http.ResponseWriter, r *http.Request) {
	account, err := h.store.GetAccount(r.Context(), accountID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, account)
}

// HandleUpdateAccount patches the calling account's display name and
// linked providers. The email is immutable.
//
// URL format: PATCH /management/account
func (h *Handler) HandleUpdateAccount(w http.ResponseWriter, r *http.Request) {
	var patch interfaces.Account
	if err := decodeJSON(w, r, &patch); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	account, err := h.store.GetAccount(r.Context(), accountID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.store.UpdateAccount(r.Context(), account.Email, patch); err != nil {
		h.writeError(w, r, err)
		return
	}

	updated, err := h.store.GetAccount(r.Context(), account.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// addAccessKeyRequest creates an access key. TTLMillis overrides the
// default key lifetime, in milliseconds.
type addAccessKeyRequest struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	CreatedBy   string `json:"createdBy,omitempty"`
	IsSession   bool   `json:"isSession,omitempty"`
	TTLMillis   *int64 `json:"ttl,omitempty"`
}

// HandleAddAccessKey mints a bearer access key for the calling account.
// The generated bearer id is returned once, in full, in the response.
//
// URL format: POST /management/accessKeys
func (h *Handler) HandleAddAccessKey(w http.ResponseWriter, r *http.Request) {
	var req addAccessKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	var ttl *time.Duration
	if req.TTLMillis != nil {
		d := time.Duration(*req.TTLMillis) * time.Millisecond
		ttl = &d
	}

	key := interfaces.AccessKey{
		Name:        req.Name,
		Description: req.Description,
		CreatedBy:   req.CreatedBy,
		IsSession:   req.IsSession,
	}
	created, err := h.store.AddAccessKey(r.Context(), accountID(r), key, ttl)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// HandleGetAccessKeys lists the calling account's access keys.
//
// URL format: GET /management/accessKeys
func (h *Handler) HandleGetAccessKeys(w http.ResponseWriter, r *http.Request) {
	keys, err := h.store.GetAccessKeys(r.Context(), accountID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, keys)
}

// HandleGetAccessKey returns one access key addressed by its name.
//
// URL format: GET /management/accessKeys/{keyName}
func (h *Handler) HandleGetAccessKey(w http.ResponseWriter, r *http.Request) {
	key, err := h.store.GetAccessKeyByName(r.Context(), accountID(r), r.PathValue("keyName"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, key)
}

// updateAccessKeyRequest patches an access key. TTLMillis, when set, moves
// the expiry to now plus the given duration in milliseconds.
type updateAccessKeyRequest struct {
	Name        string `json:"name,omitempty"`
	Description string `json:"description,omitempty"`
	TTLMillis   *int64 `json:"ttl,omitempty"`
}

// HandleUpdateAccessKey renames an access key or moves its expiry.
//
// URL format: PATCH /management/accessKeys/{keyName}
func (h *Handler) HandleUpdateAccessKey(w http.ResponseWriter, r *http.Request) {
	var req updateAccessKeyRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	existing, err := h.store.GetAccessKeyByName(r.Context(), accountID(r), r.PathValue("keyName"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}

	patch := interfaces.AccessKey{
		ID:          existing.ID,
		Name:        req.Name,
		Description: req.Description,
	}
	if req.TTLMillis != nil {
		patch.Expires = time.Now().Add(time.Duration(*req.TTLMillis) * time.Millisecond)
	}
	if err := h.store.UpdateAccessKey(r.Context(), accountID(r), patch); err != nil {
		h.writeError(w, r, err)
		return
	}

	updated, err := h.store.GetAccessKey(r.Context(), accountID(r), existing.ID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// HandleRemoveAccessKey deletes an access key addressed by its name.
//
// URL format: DELETE /management/accessKeys/{keyName}
func (h *Handler) HandleRemoveAccessKey(w http.ResponseWriter, r *http.Request) {
	existing, err := h.store.GetAccessKeyByName(r.Context(), accountID(r), r.PathValue("keyName"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	if err := h.store.RemoveAccessKey(r.Context(), accountID(r), existing.ID); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// addAppRequest creates an app. When ManuallyProvisionDeployments is unset
// the app gets default Staging and Production deployments.
type addAppRequest struct {
	Name                         string `json:"name"`
	ManuallyProvisionDeployments bool   `json:"manuallyProvisionDeployments,omitempty"`
}

// HandleAddApp creates an app owned by the calling account.
//
// URL format: POST /management/apps
func (h *Handler) HandleAddApp(w http.ResponseWriter, r *http.Request) {
	var req addAppRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	created, err := h.store.AddApp(r.Context(), accountID(r), interfaces.App{Name: req.Name}, req.ManuallyProvisionDeployments)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// HandleGetApps lists the apps visible to the calling account.
//
// URL format: GET /management/apps
func (h *Handler) HandleGetApps(w http.ResponseWriter, r *http.Request) {
	apps, err := h.store.GetApps(r.Context(), accountID(r))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, apps)
}

// HandleGetApp returns one app.
//
// URL format: GET /management/apps/{appID}
func (h *Handler) HandleGetApp(w http.ResponseWriter, r *http.Request) {
	app, err := h.store.GetApp(r.Context(), accountID(r), r.PathValue("appID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, app)
}

// updateAppRequest renames an app.
type updateAppRequest struct {
	Name string `json:"name"`
}

// HandleUpdateApp renames an app. Owner only.
//
// URL format: PATCH /management/apps/{appID}
func (h *Handler) HandleUpdateApp(w http.ResponseWriter, r *http.Request) {
	var req updateAppRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	appID := r.PathValue("appID")
	if err := h.store.UpdateApp(r.Context(), accountID(r), interfaces.App{ID: appID, Name: req.Name}); err != nil {
		h.writeError(w, r, err)
		return
	}

	updated, err := h.store.GetApp(r.Context(), accountID(r), appID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// HandleRemoveApp deletes an app with its deployments and histories. Owner
// only.
//
// URL format: DELETE /management/apps/{appID}
func (h *Handler) HandleRemoveApp(w http.ResponseWriter, r *http.Request) {
	if err := h.store.RemoveApp(r.Context(), accountID(r), r.PathValue("appID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleTransferApp hands app ownership to the account registered under
// the email in the path. Owner only.
//
// URL format: POST /management/apps/{appID}/transfer/{email}
func (h *Handler) HandleTransferApp(w http.ResponseWriter, r *http.Request) {
	if err := h.store.TransferApp(r.Context(), accountID(r), r.PathValue("appID"), r.PathValue("email")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleGetCollaborators returns the app's collaborator map.
//
// URL format: GET /management/apps/{appID}/collaborators
func (h *Handler) HandleGetCollaborators(w http.ResponseWriter, r *http.Request) {
	collaborators, err := h.store.GetCollaborators(r.Context(), accountID(r), r.PathValue("appID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, collaborators)
}

// HandleAddCollaborator grants Collaborator permission on the app to the
// account registered under the email in the path. Owner only.
//
// URL format: POST /management/apps/{appID}/collaborators/{email}
func (h *Handler) HandleAddCollaborator(w http.ResponseWriter, r *http.Request) {
	if err := h.store.AddCollaborator(r.Context(), accountID(r), r.PathValue("appID"), r.PathValue("email")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusCreated)
}

// HandleRemoveCollaborator removes a collaborator entry. The Owner may
// remove anyone but themselves; a collaborator may remove only themselves.
//
// URL format: DELETE /management/apps/{appID}/collaborators/{email}
func (h *Handler) HandleRemoveCollaborator(w http.ResponseWriter, r *http.Request) {
	if err := h.store.RemoveCollaborator(r.Context(), accountID(r), r.PathValue("appID"), r.PathValue("email")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// addDeploymentRequest creates a deployment.
type addDeploymentRequest struct {
	Name string `json:"name"`
}

// HandleAddDeployment creates a deployment in the app. The response
// includes the generated client-facing deployment key.
//
// URL format: POST /management/apps/{appID}/deployments
func (h *Handler) HandleAddDeployment(w http.ResponseWriter, r *http.Request) {
	var req addDeploymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	created, err := h.store.AddDeployment(r.Context(), accountID(r), r.PathValue("appID"), interfaces.Deployment{Name: req.Name})
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusCreated, created)
}

// HandleGetDeployments lists the app's deployments.
//
// URL format: GET /management/apps/{appID}/deployments
func (h *Handler) HandleGetDeployments(w http.ResponseWriter, r *http.Request) {
	deployments, err := h.store.GetDeployments(r.Context(), accountID(r), r.PathValue("appID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, deployments)
}

// HandleGetDeployment returns one deployment including its current
// package.
//
// URL format: GET /management/apps/{appID}/deployments/{deploymentID}
func (h *Handler) HandleGetDeployment(w http.ResponseWriter, r *http.Request) {
	deployment, err := h.store.GetDeployment(r.Context(), accountID(r), r.PathValue("appID"), r.PathValue("deploymentID"))
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, deployment)
}

// updateDeploymentRequest renames a deployment.
type updateDeploymentRequest struct {
	Name string `json:"name"`
}

// HandleUpdateDeployment renames a deployment.
//
// URL format: PATCH /management/apps/{appID}/deployments/{deploymentID}
func (h *Handler) HandleUpdateDeployment(w http.ResponseWriter, r *http.Request) {
	var req updateDeploymentRequest
	if err := decodeJSON(w, r, &req); err != nil {
		http.Error(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	appID := r.PathValue("appID")
	deploymentID := r.PathValue("deploymentID")
	if err := h.store.UpdateDeployment(r.Context(), accountID(r), appID, interfaces.Deployment{ID: deploymentID, Name: req.Name}); err != nil {
		h.writeError(w, r, err)
		return
	}

	updated, err := h.store.GetDeployment(r.Context(), accountID(r), appID, deploymentID)
	if err != nil {
		h.writeError(w, r, err)
		return
	}
	h.writeJSON(w, http.StatusOK, updated)
}

// HandleRemoveDeployment deletes a deployment and its history.
//
// URL format: DELETE /management/apps/{appID}/deployments/{deploymentID}
func (h *Handler) HandleRemoveDeployment(w http.ResponseWriter, r *http.Request) {
	if err := h.store.RemoveDeployment(r.Context(), accountID(r), r.PathValue("appID"), r.PathValue("deploymentID")); err != nil {
		h.writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
