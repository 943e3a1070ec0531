package httpserver

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/nimbusota/release-storage-backend/blobstore"
	"github.com/nimbusota/release-storage-backend/interfaces"
	"github.com/nimbusota/release-storage-backend/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestServer wires a server against in-memory storage and returns its
// router plus the backing store for direct seeding.
func newTestServer(t *testing.T) (http.Handler, interfaces.Storage) {
	t.Helper()
	logger := testLogger()
	blobs := blobstore.NewMemoryBackend("http://releases.test", logger)
	store := storage.NewMemoryStore(blobs, logger)

	srv, err := New(&HTTPServerConfig{ListenAddr: "127.0.0.1:0", Log: logger}, NewHandler(store, blobs, logger))
	require.NoError(t, err)
	return srv.getRouter(), store
}

func seedAccount(t *testing.T, store interfaces.Storage, email string) interfaces.Account {
	t.Helper()
	account, err := store.AddAccount(context.Background(), interfaces.Account{Email: email, Name: "Test User"})
	require.NoError(t, err)
	return account
}

// doJSON performs a request with an optional JSON body, authenticating via
// the trusted upstream header when accountID is set.
func doJSON(t *testing.T, router http.Handler, method, path, accountID string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var reqBody io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(raw)
	}

	req := httptest.NewRequest(method, path, reqBody)
	if accountID != "" {
		req.Header.Set(AccountIDHeader, accountID)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), v))
}

// releaseBody builds a multipart release upload with the metadata part
// preceding the payload part.
func releaseBody(t *testing.T, info string, payload []byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	require.NoError(t, mw.WriteField("packageInfo", info))
	fw, err := mw.CreateFormFile("package", "bundle.zip")
	require.NoError(t, err)
	_, err = fw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func uploadRelease(t *testing.T, router http.Handler, accountID, appID, deploymentID, info string, payload []byte) *httptest.ResponseRecorder {
	t.Helper()
	body, contentType := releaseBody(t, info, payload)
	req := httptest.NewRequest(http.MethodPost, "/management/apps/"+appID+"/deployments/"+deploymentID+"/release", body)
	req.Header.Set("Content-Type", contentType)
	req.Header.Set(AccountIDHeader, accountID)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

// deploymentNamed resolves an app's deployment through the API.
func deploymentNamed(t *testing.T, router http.Handler, accountID, appID, name string) interfaces.Deployment {
	t.Helper()
	w := doJSON(t, router, http.MethodGet, "/management/apps/"+appID+"/deployments", accountID, nil)
	require.Equal(t, http.StatusOK, w.Code)

	var deployments []interfaces.Deployment
	decodeBody(t, w, &deployments)
	for _, d := range deployments {
		if d.Name == name {
			return d
		}
	}
	t.Fatalf("deployment %s not found", name)
	return interfaces.Deployment{}
}

func TestManagementAuthRequired(t *testing.T) {
	router, store := newTestServer(t)

	// No credentials at all.
	w := doJSON(t, router, http.MethodGet, "/management/apps", "", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Unknown bearer key.
	req := httptest.NewRequest(http.MethodGet, "/management/apps", nil)
	req.Header.Set("Authorization", "Bearer no-such-key")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Unknown upstream account id.
	w = doJSON(t, router, http.MethodGet, "/management/apps", "ghost-account", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Expired bearer key.
	account := seedAccount(t, store, "auth@example.com")
	ttl := time.Hour
	key, err := store.AddAccessKey(context.Background(), account.ID, interfaces.AccessKey{Name: "stale"}, &ttl)
	require.NoError(t, err)
	err = store.UpdateAccessKey(context.Background(), account.ID, interfaces.AccessKey{ID: key.ID, Expires: time.Now().Add(-time.Minute)})
	require.NoError(t, err)

	req = httptest.NewRequest(http.MethodGet, "/management/apps", nil)
	req.Header.Set("Authorization", "Bearer "+key.ID)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// A resolvable account passes.
	w = doJSON(t, router, http.MethodGet, "/management/apps", account.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestAccountRegistrationFlow(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodPost, "/management/accounts", "", map[string]string{"email": "dev@example.com", "name": "Dev"})
	require.Equal(t, http.StatusCreated, w.Code)

	var account interfaces.Account
	decodeBody(t, w, &account)
	assert.NotEmpty(t, account.ID)
	assert.Equal(t, "dev@example.com", account.Email)

	// Emails collide case-insensitively.
	w = doJSON(t, router, http.MethodPost, "/management/accounts", "", map[string]string{"email": "DEV@example.com"})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Mint an access key through the trusted upstream identity.
	w = doJSON(t, router, http.MethodPost, "/management/accessKeys", account.ID, map[string]any{"name": "ci", "createdBy": "build-agent"})
	require.Equal(t, http.StatusCreated, w.Code)

	var key interfaces.AccessKey
	decodeBody(t, w, &key)
	require.NotEmpty(t, key.ID)
	assert.Equal(t, "build-agent", key.CreatedBy)

	// The generated key works as a bearer credential.
	req := httptest.NewRequest(http.MethodGet, "/management/account", nil)
	req.Header.Set("Authorization", "Bearer "+key.ID)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resolved interfaces.Account
	decodeBody(t, w, &resolved)
	assert.Equal(t, account.ID, resolved.ID)

	// Display name is patchable, the email is not touched.
	w = doJSON(t, router, http.MethodPatch, "/management/account", account.ID, map[string]string{"name": "Renamed Dev"})
	require.Equal(t, http.StatusOK, w.Code)

	var updated interfaces.Account
	decodeBody(t, w, &updated)
	assert.Equal(t, "Renamed Dev", updated.Name)
	assert.Equal(t, "dev@example.com", updated.Email)
}

func TestAccessKeyEndpoints(t *testing.T) {
	router, store := newTestServer(t)
	account := seedAccount(t, store, "keys@example.com")

	w := doJSON(t, router, http.MethodPost, "/management/accessKeys", account.ID, map[string]any{"name": "ci", "ttl": int64(3600000)})
	require.Equal(t, http.StatusCreated, w.Code)

	var key interfaces.AccessKey
	decodeBody(t, w, &key)
	assert.WithinDuration(t, time.Now().Add(time.Hour), key.Expires, time.Minute)

	// Non-positive ttl is rejected.
	w = doJSON(t, router, http.MethodPost, "/management/accessKeys", account.ID, map[string]any{"name": "bad", "ttl": int64(0)})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Duplicate name is rejected.
	w = doJSON(t, router, http.MethodPost, "/management/accessKeys", account.ID, map[string]any{"name": "ci"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, router, http.MethodGet, "/management/accessKeys", account.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var keys []interfaces.AccessKey
	decodeBody(t, w, &keys)
	assert.Len(t, keys, 1)

	w = doJSON(t, router, http.MethodGet, "/management/accessKeys/ci", account.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var fetched interfaces.AccessKey
	decodeBody(t, w, &fetched)
	assert.Equal(t, key.ID, fetched.ID)

	w = doJSON(t, router, http.MethodPatch, "/management/accessKeys/ci", account.ID, map[string]any{"name": "ci-legacy"})
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &fetched)
	assert.Equal(t, "ci-legacy", fetched.Name)

	w = doJSON(t, router, http.MethodGet, "/management/accessKeys/ci", account.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/management/accessKeys/ci-legacy", account.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodGet, "/management/accessKeys", account.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	keys = nil
	decodeBody(t, w, &keys)
	assert.Empty(t, keys)
}

func TestAppEndpoints(t *testing.T) {
	router, store := newTestServer(t)
	account := seedAccount(t, store, "apps@example.com")

	w := doJSON(t, router, http.MethodPost, "/management/apps", account.ID, map[string]any{"name": "barista"})
	require.Equal(t, http.StatusCreated, w.Code)

	var app interfaces.App
	decodeBody(t, w, &app)
	assert.NotEmpty(t, app.ID)
	assert.ElementsMatch(t, []string{"Staging", "Production"}, app.Deployments)
	require.Contains(t, app.Collaborators, "apps@example.com")
	assert.Equal(t, interfaces.PermissionOwner, app.Collaborators["apps@example.com"].Permission)
	assert.True(t, app.Collaborators["apps@example.com"].IsCurrentAccount)

	// Names are unique among the apps visible to the account.
	w = doJSON(t, router, http.MethodPost, "/management/apps", account.ID, map[string]any{"name": "barista"})
	assert.Equal(t, http.StatusConflict, w.Code)

	// Manual provisioning starts without deployments.
	w = doJSON(t, router, http.MethodPost, "/management/apps", account.ID, map[string]any{"name": "kiosk", "manuallyProvisionDeployments": true})
	require.Equal(t, http.StatusCreated, w.Code)
	var manual interfaces.App
	decodeBody(t, w, &manual)
	assert.Empty(t, manual.Deployments)

	w = doJSON(t, router, http.MethodGet, "/management/apps", account.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var apps []interfaces.App
	decodeBody(t, w, &apps)
	require.Len(t, apps, 2)
	assert.Equal(t, "barista", apps[0].Name)
	assert.Equal(t, "kiosk", apps[1].Name)

	w = doJSON(t, router, http.MethodGet, "/management/apps/"+app.ID, account.ID, nil)
	assert.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/management/apps/no-such-app", account.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPatch, "/management/apps/"+app.ID, account.ID, map[string]any{"name": "barista-next"})
	require.Equal(t, http.StatusOK, w.Code)
	var renamed interfaces.App
	decodeBody(t, w, &renamed)
	assert.Equal(t, "barista-next", renamed.Name)

	w = doJSON(t, router, http.MethodDelete, "/management/apps/"+app.ID, account.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodGet, "/management/apps/"+app.ID, account.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCollaboratorEndpoints(t *testing.T) {
	router, store := newTestServer(t)
	owner := seedAccount(t, store, "owner@example.com")
	helper := seedAccount(t, store, "helper@example.com")

	w := doJSON(t, router, http.MethodPost, "/management/apps", owner.ID, map[string]any{"name": "shared"})
	require.Equal(t, http.StatusCreated, w.Code)
	var app interfaces.App
	decodeBody(t, w, &app)

	// Apps are invisible to outsiders; existence is not revealed.
	w = doJSON(t, router, http.MethodGet, "/management/apps/"+app.ID, helper.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)

	w = doJSON(t, router, http.MethodPost, "/management/apps/"+app.ID+"/collaborators/helper@example.com", owner.ID, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodGet, "/management/apps/"+app.ID+"/collaborators", helper.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var collaborators interfaces.CollaboratorMap
	decodeBody(t, w, &collaborators)
	require.Len(t, collaborators, 2)
	assert.Equal(t, interfaces.PermissionOwner, collaborators["owner@example.com"].Permission)
	assert.True(t, collaborators["helper@example.com"].IsCurrentAccount)

	// Collaborators cannot rename the app.
	w = doJSON(t, router, http.MethodPatch, "/management/apps/"+app.ID, helper.ID, map[string]any{"name": "grabbed"})
	assert.Equal(t, http.StatusForbidden, w.Code)

	w = doJSON(t, router, http.MethodPost, "/management/apps/"+app.ID+"/transfer/helper@example.com", owner.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	// Ownership swapped: the old owner is demoted to collaborator.
	w = doJSON(t, router, http.MethodPatch, "/management/apps/"+app.ID, owner.ID, map[string]any{"name": "grabbed"})
	assert.Equal(t, http.StatusForbidden, w.Code)
	w = doJSON(t, router, http.MethodPatch, "/management/apps/"+app.ID, helper.ID, map[string]any{"name": "shared-next"})
	assert.Equal(t, http.StatusOK, w.Code)

	// The owner entry cannot be removed.
	w = doJSON(t, router, http.MethodDelete, "/management/apps/"+app.ID+"/collaborators/helper@example.com", helper.ID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// A collaborator may remove themselves.
	w = doJSON(t, router, http.MethodDelete, "/management/apps/"+app.ID+"/collaborators/owner@example.com", owner.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodGet, "/management/apps/"+app.ID, owner.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeploymentEndpoints(t *testing.T) {
	router, store := newTestServer(t)
	account := seedAccount(t, store, "deploy@example.com")

	w := doJSON(t, router, http.MethodPost, "/management/apps", account.ID, map[string]any{"name": "kiosk", "manuallyProvisionDeployments": true})
	require.Equal(t, http.StatusCreated, w.Code)
	var app interfaces.App
	decodeBody(t, w, &app)

	w = doJSON(t, router, http.MethodPost, "/management/apps/"+app.ID+"/deployments", account.ID, map[string]any{"name": "Canary"})
	require.Equal(t, http.StatusCreated, w.Code)
	var deployment interfaces.Deployment
	decodeBody(t, w, &deployment)
	assert.NotEmpty(t, deployment.ID)
	assert.NotEmpty(t, deployment.Key)

	w = doJSON(t, router, http.MethodPost, "/management/apps/"+app.ID+"/deployments", account.ID, map[string]any{"name": "Canary"})
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, router, http.MethodGet, "/management/apps/"+app.ID+"/deployments", account.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var deployments []interfaces.Deployment
	decodeBody(t, w, &deployments)
	assert.Len(t, deployments, 1)

	w = doJSON(t, router, http.MethodPatch, "/management/apps/"+app.ID+"/deployments/"+deployment.ID, account.ID, map[string]any{"name": "Nightly"})
	require.Equal(t, http.StatusOK, w.Code)
	var renamed interfaces.Deployment
	decodeBody(t, w, &renamed)
	assert.Equal(t, "Nightly", renamed.Name)
	assert.Equal(t, deployment.Key, renamed.Key)

	w = doJSON(t, router, http.MethodDelete, "/management/apps/"+app.ID+"/deployments/"+deployment.ID, account.ID, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodGet, "/management/apps/"+app.ID+"/deployments/"+deployment.ID, account.ID, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReleaseUploadEndpoint(t *testing.T) {
	router, store := newTestServer(t)
	account := seedAccount(t, store, "release@example.com")

	w := doJSON(t, router, http.MethodPost, "/management/apps", account.ID, map[string]any{"name": "barista"})
	require.Equal(t, http.StatusCreated, w.Code)
	var app interfaces.App
	decodeBody(t, w, &app)
	staging := deploymentNamed(t, router, account.ID, app.ID, "Staging")

	payload := []byte("bundle-contents-v1")
	w = uploadRelease(t, router, account.ID, app.ID, staging.ID, `{"appVersion":"1.0.0","description":"first"}`, payload)
	require.Equal(t, http.StatusCreated, w.Code)

	var pkg interfaces.Package
	decodeBody(t, w, &pkg)
	wantHash := sha256.Sum256(payload)
	assert.Equal(t, "v1", pkg.Label)
	assert.Equal(t, hex.EncodeToString(wantHash[:]), pkg.PackageHash)
	assert.Equal(t, int64(len(payload)), pkg.Size)
	assert.Equal(t, "release@example.com", pkg.ReleasedBy)
	assert.Equal(t, interfaces.ReleaseMethodUpload, pkg.ReleaseMethod)
	assert.Contains(t, pkg.BlobURL, "http://releases.test/blobs/")

	// Labels keep counting up.
	w = uploadRelease(t, router, account.ID, app.ID, staging.ID, `{"appVersion":"1.1.0"}`, []byte("bundle-contents-v2"))
	require.Equal(t, http.StatusCreated, w.Code)
	decodeBody(t, w, &pkg)
	assert.Equal(t, "v2", pkg.Label)

	// Plain JSON bodies are not a release upload.
	w = doJSON(t, router, http.MethodPost, "/management/apps/"+app.ID+"/deployments/"+staging.ID+"/release", account.ID, map[string]any{"appVersion": "1.0.0"})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// The metadata part alone is not enough.
	var noPayload bytes.Buffer
	mw := multipart.NewWriter(&noPayload)
	require.NoError(t, mw.WriteField("packageInfo", `{"appVersion":"1.0.0"}`))
	require.NoError(t, mw.Close())
	req := httptest.NewRequest(http.MethodPost, "/management/apps/"+app.ID+"/deployments/"+staging.ID+"/release", &noPayload)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(AccountIDHeader, account.ID)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// The payload cannot precede the metadata; it is streamed on sight.
	var reversed bytes.Buffer
	mw = multipart.NewWriter(&reversed)
	fw, err := mw.CreateFormFile("package", "bundle.zip")
	require.NoError(t, err)
	_, err = fw.Write(payload)
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("packageInfo", `{"appVersion":"1.0.0"}`))
	require.NoError(t, mw.Close())
	req = httptest.NewRequest(http.MethodPost, "/management/apps/"+app.ID+"/deployments/"+staging.ID+"/release", &reversed)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set(AccountIDHeader, account.ID)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Target version expressions must parse.
	w = uploadRelease(t, router, account.ID, app.ID, staging.ID, `{"appVersion":"not a version"}`, payload)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Rollout must stay within [0,100].
	w = uploadRelease(t, router, account.ID, app.ID, staging.ID, `{"appVersion":"1.0.0","rollout":150}`, payload)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Failed uploads left no trace in the history.
	w = doJSON(t, router, http.MethodGet, "/management/apps/"+app.ID+"/deployments/"+staging.ID+"/history", account.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history []interfaces.Package
	decodeBody(t, w, &history)
	assert.Len(t, history, 2)
}

func TestPromoteRollbackHistoryEndpoints(t *testing.T) {
	router, store := newTestServer(t)
	account := seedAccount(t, store, "flow@example.com")

	w := doJSON(t, router, http.MethodPost, "/management/apps", account.ID, map[string]any{"name": "barista"})
	require.Equal(t, http.StatusCreated, w.Code)
	var app interfaces.App
	decodeBody(t, w, &app)
	staging := deploymentNamed(t, router, account.ID, app.ID, "Staging")
	production := deploymentNamed(t, router, account.ID, app.ID, "Production")

	payloadV1 := []byte("staging-bundle-v1")
	payloadV2 := []byte("staging-bundle-v2")
	w = uploadRelease(t, router, account.ID, app.ID, staging.ID, `{"appVersion":"1.0.0"}`, payloadV1)
	require.Equal(t, http.StatusCreated, w.Code)
	var stagingV1 interfaces.Package
	decodeBody(t, w, &stagingV1)
	w = uploadRelease(t, router, account.ID, app.ID, staging.ID, `{"appVersion":"1.1.0"}`, payloadV2)
	require.Equal(t, http.StatusCreated, w.Code)
	var stagingV2 interfaces.Package
	decodeBody(t, w, &stagingV2)

	// Promotion reuses the stored payload and applies overrides.
	w = doJSON(t, router, http.MethodPost, "/management/apps/"+app.ID+"/deployments/"+staging.ID+"/promote/"+production.ID, account.ID, map[string]any{"rollout": 25, "isMandatory": true})
	require.Equal(t, http.StatusCreated, w.Code)
	var promoted interfaces.Package
	decodeBody(t, w, &promoted)
	assert.Equal(t, "v1", promoted.Label)
	assert.Equal(t, stagingV2.PackageHash, promoted.PackageHash)
	assert.Equal(t, stagingV2.BlobID, promoted.BlobID)
	assert.Equal(t, 25, promoted.Rollout)
	assert.True(t, promoted.IsMandatory)
	assert.Equal(t, interfaces.ReleaseMethodPromote, promoted.ReleaseMethod)
	assert.Equal(t, "Staging", promoted.OriginalDeployment)
	assert.Equal(t, "v2", promoted.OriginalLabel)

	// A single-entry history has nothing to roll back to.
	w = doJSON(t, router, http.MethodPost, "/management/apps/"+app.ID+"/deployments/"+production.ID+"/rollback", account.ID, nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Rolling back staging restores the previous release as a new label.
	w = doJSON(t, router, http.MethodPost, "/management/apps/"+app.ID+"/deployments/"+staging.ID+"/rollback", account.ID, map[string]any{"targetLabel": ""})
	require.Equal(t, http.StatusCreated, w.Code)
	var rolled interfaces.Package
	decodeBody(t, w, &rolled)
	assert.Equal(t, "v3", rolled.Label)
	assert.Equal(t, "v1", rolled.OriginalLabel)
	assert.Equal(t, stagingV1.PackageHash, rolled.PackageHash)
	assert.Equal(t, interfaces.ReleaseMethodRollback, rolled.ReleaseMethod)

	w = doJSON(t, router, http.MethodGet, "/management/apps/"+app.ID+"/deployments/"+staging.ID+"/history", account.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var history []interfaces.Package
	decodeBody(t, w, &history)
	require.Len(t, history, 3)
	assert.Equal(t, []string{"v1", "v2", "v3"}, []string{history[0].Label, history[1].Label, history[2].Label})

	// Staged metadata is patchable through the history.
	history[1].Description = "known bad"
	history[1].IsDisabled = true
	w = doJSON(t, router, http.MethodPatch, "/management/apps/"+app.ID+"/deployments/"+staging.ID+"/history", account.ID, history)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodGet, "/management/apps/"+app.ID+"/deployments/"+staging.ID+"/history", account.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	decodeBody(t, w, &history)
	assert.Equal(t, "known bad", history[1].Description)
	assert.True(t, history[1].IsDisabled)

	// Content hashes are immutable.
	history[0].PackageHash = "forged"
	w = doJSON(t, router, http.MethodPatch, "/management/apps/"+app.ID+"/deployments/"+staging.ID+"/history", account.ID, history)
	assert.Equal(t, http.StatusBadRequest, w.Code)

	// Clearing the history also clears the current package.
	w = doJSON(t, router, http.MethodDelete, "/management/apps/"+app.ID+"/deployments/"+staging.ID+"/history", account.ID, nil)
	require.Equal(t, http.StatusNoContent, w.Code)

	w = doJSON(t, router, http.MethodGet, "/management/apps/"+app.ID+"/deployments/"+staging.ID, account.ID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cleared interfaces.Deployment
	decodeBody(t, w, &cleared)
	assert.Nil(t, cleared.Package)
}
