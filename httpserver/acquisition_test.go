package httpserver

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"

	"github.com/nimbusota/release-storage-backend/blobstore"
	"github.com/nimbusota/release-storage-backend/interfaces"
	"github.com/nimbusota/release-storage-backend/storage"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type acquisitionFixture struct {
	router     http.Handler
	store      interfaces.Storage
	accountID  string
	appID      string
	deployment interfaces.Deployment
}

func newAcquisitionFixture(t *testing.T) *acquisitionFixture {
	t.Helper()
	router, store := newTestServer(t)
	account := seedAccount(t, store, "acq@example.com")

	app, err := store.AddApp(context.Background(), account.ID, interfaces.App{Name: "barista"}, true)
	require.NoError(t, err)
	deployment, err := store.AddDeployment(context.Background(), account.ID, app.ID, interfaces.Deployment{Name: "Staging"})
	require.NoError(t, err)

	return &acquisitionFixture{
		router:     router,
		store:      store,
		accountID:  account.ID,
		appID:      app.ID,
		deployment: deployment,
	}
}

func (f *acquisitionFixture) commit(t *testing.T, pkg interfaces.Package, content string) interfaces.Package {
	t.Helper()
	committed, err := f.store.CommitPackage(context.Background(), f.accountID, f.appID, f.deployment.ID, pkg, strings.NewReader(content), int64(len(content)))
	require.NoError(t, err)
	return committed
}

// check performs an update check against the fixture deployment and
// decodes the protocol response.
func (f *acquisitionFixture) check(t *testing.T, params url.Values) updateCheckResponse {
	t.Helper()
	if params.Get("deploymentKey") == "" {
		params.Set("deploymentKey", f.deployment.Key)
	}

	req := httptest.NewRequest(http.MethodGet, "/updateCheck?"+params.Encode(), nil)
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)

	var resp updateCheckResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestUpdateCheckValidation(t *testing.T) {
	f := newAcquisitionFixture(t)

	cases := []struct {
		name       string
		query      string
		wantStatus int
	}{
		{"missing deployment key", "appVersion=1.0.0", http.StatusBadRequest},
		{"missing app version", "deploymentKey=" + f.deployment.Key, http.StatusBadRequest},
		{"malformed app version", "deploymentKey=" + f.deployment.Key + "&appVersion=soup", http.StatusBadRequest},
		{"unknown deployment key", "deploymentKey=not-a-key&appVersion=1.0.0", http.StatusNotFound},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/updateCheck?"+tc.query, nil)
			w := httptest.NewRecorder()
			f.router.ServeHTTP(w, req)
			assert.Equal(t, tc.wantStatus, w.Code)
		})
	}
}

func TestUpdateCheckFlow(t *testing.T) {
	f := newAcquisitionFixture(t)

	// Nothing released yet.
	resp := f.check(t, url.Values{"appVersion": {"1.0.0"}})
	assert.False(t, resp.UpdateInfo.IsAvailable)

	v1 := f.commit(t, interfaces.Package{AppVersion: "1.0.0", Description: "first"}, "payload-one")

	resp = f.check(t, url.Values{"appVersion": {"1.0.0"}, "clientUniqueId": {"device-1"}})
	require.True(t, resp.UpdateInfo.IsAvailable)
	assert.Equal(t, "v1", resp.UpdateInfo.Label)
	assert.Equal(t, v1.PackageHash, resp.UpdateInfo.PackageHash)
	assert.Equal(t, v1.BlobURL, resp.UpdateInfo.DownloadURL)
	assert.Equal(t, int64(len("payload-one")), resp.UpdateInfo.PackageSize)
	assert.Equal(t, "first", resp.UpdateInfo.Description)

	// A client already running v1 stays put.
	resp = f.check(t, url.Values{"appVersion": {"1.0.0"}, "packageHash": {v1.PackageHash}})
	assert.False(t, resp.UpdateInfo.IsAvailable)

	v2 := f.commit(t, interfaces.Package{AppVersion: "1.0.0", IsMandatory: true}, "payload-two")

	resp = f.check(t, url.Values{"appVersion": {"1.0.0"}, "packageHash": {v1.PackageHash}})
	require.True(t, resp.UpdateInfo.IsAvailable)
	assert.Equal(t, "v2", resp.UpdateInfo.Label)
	assert.Equal(t, v2.PackageHash, resp.UpdateInfo.PackageHash)
	assert.True(t, resp.UpdateInfo.IsMandatory)
}

func TestUpdateCheckVersionTargeting(t *testing.T) {
	f := newAcquisitionFixture(t)

	f.commit(t, interfaces.Package{AppVersion: "1.x"}, "one")
	f.commit(t, interfaces.Package{AppVersion: ">=2.0.0 <3.0.0"}, "two")
	f.commit(t, interfaces.Package{AppVersion: "3.0.0"}, "three")

	cases := []struct {
		clientVersion string
		wantLabel     string
	}{
		{"1.5.0", "v1"},
		{"2.1.0", "v2"},
		{"3.0.0", "v3"},
	}
	for _, tc := range cases {
		resp := f.check(t, url.Values{"appVersion": {tc.clientVersion}})
		require.True(t, resp.UpdateInfo.IsAvailable, "client %s", tc.clientVersion)
		assert.Equal(t, tc.wantLabel, resp.UpdateInfo.Label, "client %s", tc.clientVersion)
	}

	// No release targets this binary version.
	resp := f.check(t, url.Values{"appVersion": {"0.9.0"}})
	assert.False(t, resp.UpdateInfo.IsAvailable)
}

func TestUpdateCheckSkipsDisabled(t *testing.T) {
	f := newAcquisitionFixture(t)

	f.commit(t, interfaces.Package{AppVersion: "1.0.0"}, "one")
	f.commit(t, interfaces.Package{AppVersion: "1.0.0"}, "two")

	history, err := f.store.GetPackageHistory(context.Background(), f.accountID, f.appID, f.deployment.ID)
	require.NoError(t, err)
	history[1].IsDisabled = true
	require.NoError(t, f.store.UpdatePackageHistory(context.Background(), f.accountID, f.appID, f.deployment.ID, history))

	resp := f.check(t, url.Values{"appVersion": {"1.0.0"}})
	require.True(t, resp.UpdateInfo.IsAvailable)
	assert.Equal(t, "v1", resp.UpdateInfo.Label)
}

func TestUpdateCheckRollout(t *testing.T) {
	f := newAcquisitionFixture(t)

	f.commit(t, interfaces.Package{AppVersion: "1.0.0"}, "one")
	v2 := f.commit(t, interfaces.Package{AppVersion: "1.0.0", Rollout: 50}, "two")

	// Find one client on each side of the rollout split.
	var selected, unselected string
	for i := 0; i < 1000 && (selected == "" || unselected == ""); i++ {
		id := fmt.Sprintf("device-%d", i)
		if interfaces.IsSelectedForRollout(id, 50, v2.PackageHash) {
			if selected == "" {
				selected = id
			}
		} else if unselected == "" {
			unselected = id
		}
	}
	require.NotEmpty(t, selected)
	require.NotEmpty(t, unselected)

	resp := f.check(t, url.Values{"appVersion": {"1.0.0"}, "clientUniqueId": {selected}})
	require.True(t, resp.UpdateInfo.IsAvailable)
	assert.Equal(t, "v2", resp.UpdateInfo.Label)

	// Clients outside the rollout fall back to the previous full release.
	resp = f.check(t, url.Values{"appVersion": {"1.0.0"}, "clientUniqueId": {unselected}})
	require.True(t, resp.UpdateInfo.IsAvailable)
	assert.Equal(t, "v1", resp.UpdateInfo.Label)

	// The answer is stable for a given client.
	resp = f.check(t, url.Values{"appVersion": {"1.0.0"}, "clientUniqueId": {unselected}})
	assert.Equal(t, "v1", resp.UpdateInfo.Label)
}

func TestUpdateCheckServesDiff(t *testing.T) {
	f := newAcquisitionFixture(t)

	v1 := f.commit(t, interfaces.Package{AppVersion: "1.0.0"}, "full-payload-one")
	v2 := f.commit(t, interfaces.Package{
		AppVersion: "1.0.0",
		DiffPackageMap: map[string]interfaces.DiffInfo{
			v1.PackageHash: {Size: 128, URL: "https://cdn.example.com/diffs/v1-v2.patch"},
		},
	}, "full-payload-two")

	// A client on v1 gets the diff artifact, with the full package hash
	// for verification after patching.
	resp := f.check(t, url.Values{"appVersion": {"1.0.0"}, "packageHash": {v1.PackageHash}})
	require.True(t, resp.UpdateInfo.IsAvailable)
	assert.Equal(t, "https://cdn.example.com/diffs/v1-v2.patch", resp.UpdateInfo.DownloadURL)
	assert.Equal(t, int64(128), resp.UpdateInfo.PackageSize)
	assert.Equal(t, v2.PackageHash, resp.UpdateInfo.PackageHash)

	// A client with no known hash gets the full payload.
	resp = f.check(t, url.Values{"appVersion": {"1.0.0"}})
	require.True(t, resp.UpdateInfo.IsAvailable)
	assert.Equal(t, v2.BlobURL, resp.UpdateInfo.DownloadURL)
	assert.Equal(t, int64(len("full-payload-two")), resp.UpdateInfo.PackageSize)
}

func TestDownloadBlob(t *testing.T) {
	router, store := newTestServer(t)

	content := "payload-bytes"
	blobID, err := store.AddBlob(context.Background(), strings.NewReader(content), int64(len(content)))
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodGet, "/blobs/"+blobID, nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, content, w.Body.String())
	assert.Equal(t, "application/octet-stream", w.Header().Get("Content-Type"))

	req = httptest.NewRequest(http.MethodGet, "/blobs/no-such-blob", nil)
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAcquisitionStorageUnavailable(t *testing.T) {
	logger := testLogger()
	blobs := blobstore.NewMemoryBackend("", logger)
	store, err := storage.OpenSQLiteStore(filepath.Join(t.TempDir(), "meta.db"), blobs, logger)
	require.NoError(t, err)

	srv, err := New(&HTTPServerConfig{ListenAddr: "127.0.0.1:0", Log: logger}, NewHandler(store, blobs, logger))
	require.NoError(t, err)
	require.NoError(t, store.Close())

	req := httptest.NewRequest(http.MethodGet, "/updateCheck?deploymentKey=k&appVersion=1.0.0", nil)
	w := httptest.NewRecorder()
	srv.getRouter().ServeHTTP(w, req)
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}
