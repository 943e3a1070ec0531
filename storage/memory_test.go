package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/nimbusota/release-storage-backend/blobstore"
	"github.com/nimbusota/release-storage-backend/interfaces"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newMemoryStore(t *testing.T) *MemoryStore {
	t.Helper()
	return NewMemoryStore(blobstore.NewMemoryBackend("", testLogger()), testLogger())
}

func addTestAccount(t *testing.T, store interfaces.Storage, email string) interfaces.Account {
	t.Helper()
	account, err := store.AddAccount(context.Background(), interfaces.Account{Email: email, Name: "Test User"})
	require.NoError(t, err)
	return account
}

func addTestApp(t *testing.T, store interfaces.Storage, accountID, name string, manual bool) interfaces.App {
	t.Helper()
	app, err := store.AddApp(context.Background(), accountID, interfaces.App{Name: name}, manual)
	require.NoError(t, err)
	return app
}

func deploymentByName(t *testing.T, store interfaces.Storage, accountID, appID, name string) interfaces.Deployment {
	t.Helper()
	deployments, err := store.GetDeployments(context.Background(), accountID, appID)
	require.NoError(t, err)
	for _, dep := range deployments {
		if dep.Name == name {
			return dep
		}
	}
	t.Fatalf("no deployment named %s", name)
	return interfaces.Deployment{}
}

func commitTestRelease(t *testing.T, store interfaces.Storage, accountID, appID, deploymentID, appVersion, content string) interfaces.Package {
	t.Helper()
	pkg, err := store.CommitPackage(context.Background(), accountID, appID, deploymentID,
		interfaces.Package{AppVersion: appVersion},
		strings.NewReader(content), int64(len(content)))
	require.NoError(t, err)
	return pkg
}

func TestAccountLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)

	account, err := store.AddAccount(ctx, interfaces.Account{Email: "Dev@Example.com", Name: "Dev"})
	require.NoError(t, err)
	assert.NotEmpty(t, account.ID)
	assert.False(t, account.CreatedTime.IsZero())

	// Lookups by id and by email, the latter case-insensitively.
	byID, err := store.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "Dev@Example.com", byID.Email)

	byEmail, err := store.GetAccountByEmail(ctx, "dev@example.COM")
	require.NoError(t, err)
	assert.Equal(t, account.ID, byEmail.ID)

	_, err = store.GetAccount(ctx, "missing")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	// A second registration under the same email must not pass, whatever
	// the casing.
	_, err = store.AddAccount(ctx, interfaces.Account{Email: "DEV@EXAMPLE.COM"})
	assert.ErrorIs(t, err, interfaces.ErrConflict)

	_, err = store.AddAccount(ctx, interfaces.Account{Email: "not-an-email"})
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	require.NoError(t, store.UpdateAccount(ctx, "dev@example.com", interfaces.Account{Name: "Renamed", LinkedProviders: []string{"GitHub"}}))
	updated, err := store.GetAccount(ctx, account.ID)
	require.NoError(t, err)
	assert.Equal(t, "Renamed", updated.Name)
	assert.Equal(t, []string{"GitHub"}, updated.LinkedProviders)

	err = store.UpdateAccount(ctx, "ghost@example.com", interfaces.Account{Name: "x"})
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestAccessKeyTTL(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	account := addTestAccount(t, store, "keys@example.com")

	// No ttl means the far-future default.
	key, err := store.AddAccessKey(ctx, account.ID, interfaces.AccessKey{Name: "ci"}, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, key.ID)
	assert.True(t, key.Expires.After(time.Now().Add(9*365*24*time.Hour)))

	hour := time.Hour
	shortKey, err := store.AddAccessKey(ctx, account.ID, interfaces.AccessKey{Name: "short"}, &hour)
	require.NoError(t, err)
	assert.WithinDuration(t, time.Now().Add(time.Hour), shortKey.Expires, time.Minute)

	zero := time.Duration(0)
	_, err = store.AddAccessKey(ctx, account.ID, interfaces.AccessKey{}, &zero)
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	negative := -time.Minute
	_, err = store.AddAccessKey(ctx, account.ID, interfaces.AccessKey{}, &negative)
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
}

func TestAccessKeyLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	account := addTestAccount(t, store, "keys@example.com")

	key, err := store.AddAccessKey(ctx, account.ID, interfaces.AccessKey{Name: "laptop", CreatedBy: "cli"}, nil)
	require.NoError(t, err)

	_, err = store.AddAccessKey(ctx, account.ID, interfaces.AccessKey{Name: "laptop"}, nil)
	assert.ErrorIs(t, err, interfaces.ErrConflict)

	resolved, err := store.GetAccountIDFromAccessKey(ctx, key.ID)
	require.NoError(t, err)
	assert.Equal(t, account.ID, resolved)

	_, err = store.GetAccountIDFromAccessKey(ctx, "unknown-bearer")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	byName, err := store.GetAccessKeyByName(ctx, account.ID, "laptop")
	require.NoError(t, err)
	assert.Equal(t, key.ID, byName.ID)

	keys, err := store.GetAccessKeys(ctx, account.ID)
	require.NoError(t, err)
	require.Len(t, keys, 1)

	// Expiring a key turns authentication into a permission failure, not a
	// missing key.
	require.NoError(t, store.UpdateAccessKey(ctx, account.ID, interfaces.AccessKey{ID: key.ID, Expires: time.Now().Add(-time.Hour)}))
	_, err = store.GetAccountIDFromAccessKey(ctx, key.ID)
	assert.ErrorIs(t, err, interfaces.ErrForbidden)

	require.NoError(t, store.RemoveAccessKey(ctx, account.ID, key.ID))
	_, err = store.GetAccessKey(ctx, account.ID, key.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = store.GetAccountIDFromAccessKey(ctx, key.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestAppLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	owner := addTestAccount(t, store, "owner@example.com")

	app := addTestApp(t, store, owner.ID, "barista", false)
	assert.NotEmpty(t, app.ID)
	assert.ElementsMatch(t, []string{"Staging", "Production"}, app.Deployments)
	require.Contains(t, app.Collaborators, "owner@example.com")
	assert.Equal(t, interfaces.PermissionOwner, app.Collaborators["owner@example.com"].Permission)
	assert.True(t, app.Collaborators["owner@example.com"].IsCurrentAccount)

	manual := addTestApp(t, store, owner.ID, "espresso", true)
	assert.Empty(t, manual.Deployments)

	_, err := store.AddApp(ctx, owner.ID, interfaces.App{Name: "barista"}, false)
	assert.ErrorIs(t, err, interfaces.ErrConflict)

	_, err = store.AddApp(ctx, owner.ID, interfaces.App{}, false)
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	apps, err := store.GetApps(ctx, owner.ID)
	require.NoError(t, err)
	require.Len(t, apps, 2)
	assert.Equal(t, "barista", apps[0].Name)
	assert.Equal(t, "espresso", apps[1].Name)

	require.NoError(t, store.UpdateApp(ctx, owner.ID, interfaces.App{ID: manual.ID, Name: "espresso-shots"}))
	renamed, err := store.GetApp(ctx, owner.ID, manual.ID)
	require.NoError(t, err)
	assert.Equal(t, "espresso-shots", renamed.Name)

	err = store.UpdateApp(ctx, owner.ID, interfaces.App{ID: manual.ID, Name: "barista"})
	assert.ErrorIs(t, err, interfaces.ErrConflict)

	staging := deploymentByName(t, store, owner.ID, app.ID, "Staging")
	require.NoError(t, store.RemoveApp(ctx, owner.ID, app.ID))
	_, err = store.GetApp(ctx, owner.ID, app.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = store.GetDeploymentInfo(ctx, staging.Key)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestCollaborators(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	owner := addTestAccount(t, store, "owner@example.com")
	helper := addTestAccount(t, store, "helper@example.com")
	addTestAccount(t, store, "other@example.com")
	app := addTestApp(t, store, owner.ID, "barista", true)

	// Apps are invisible to accounts without a collaborator entry.
	_, err := store.GetApp(ctx, helper.ID, app.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	require.NoError(t, store.AddCollaborator(ctx, owner.ID, app.ID, "Helper@Example.com"))
	err = store.AddCollaborator(ctx, owner.ID, app.ID, "helper@example.com")
	assert.ErrorIs(t, err, interfaces.ErrConflict)
	err = store.AddCollaborator(ctx, owner.ID, app.ID, "ghost@example.com")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	collaborators, err := store.GetCollaborators(ctx, helper.ID, app.ID)
	require.NoError(t, err)
	require.Len(t, collaborators, 2)
	assert.Equal(t, interfaces.PermissionCollaborator, collaborators["helper@example.com"].Permission)
	assert.True(t, collaborators["helper@example.com"].IsCurrentAccount)
	assert.False(t, collaborators["owner@example.com"].IsCurrentAccount)

	// Collaborators cannot administer the app.
	err = store.UpdateApp(ctx, helper.ID, interfaces.App{ID: app.ID, Name: "renamed"})
	assert.ErrorIs(t, err, interfaces.ErrForbidden)
	err = store.RemoveApp(ctx, helper.ID, app.ID)
	assert.ErrorIs(t, err, interfaces.ErrForbidden)

	// Only the owner may remove others, and never the owner entry itself.
	require.NoError(t, store.AddCollaborator(ctx, owner.ID, app.ID, "other@example.com"))
	err = store.RemoveCollaborator(ctx, helper.ID, app.ID, "other@example.com")
	assert.ErrorIs(t, err, interfaces.ErrForbidden)
	err = store.RemoveCollaborator(ctx, owner.ID, app.ID, "owner@example.com")
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
	require.NoError(t, store.RemoveCollaborator(ctx, helper.ID, app.ID, "helper@example.com"))
	require.NoError(t, store.RemoveCollaborator(ctx, owner.ID, app.ID, "other@example.com"))

	collaborators, err = store.GetCollaborators(ctx, owner.ID, app.ID)
	require.NoError(t, err)
	assert.Len(t, collaborators, 1)
}

func TestTransferApp(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	owner := addTestAccount(t, store, "owner@example.com")
	next := addTestAccount(t, store, "next@example.com")
	app := addTestApp(t, store, owner.ID, "barista", true)

	err := store.TransferApp(ctx, owner.ID, app.ID, "ghost@example.com")
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	// Transferring to an account that already has an app with this name
	// would collide in the target's namespace.
	nextApp := addTestApp(t, store, next.ID, "barista", true)
	err = store.TransferApp(ctx, owner.ID, app.ID, "next@example.com")
	assert.ErrorIs(t, err, interfaces.ErrConflict)
	require.NoError(t, store.UpdateApp(ctx, next.ID, interfaces.App{ID: nextApp.ID, Name: "barista-legacy"}))

	require.NoError(t, store.TransferApp(ctx, owner.ID, app.ID, "next@example.com"))

	transferred, err := store.GetApp(ctx, next.ID, app.ID)
	require.NoError(t, err)
	assert.Equal(t, "next@example.com", transferred.Collaborators.OwnerEmail())
	assert.Equal(t, interfaces.PermissionCollaborator, transferred.Collaborators["owner@example.com"].Permission)

	// The old owner can no longer administer.
	err = store.RemoveApp(ctx, owner.ID, app.ID)
	assert.ErrorIs(t, err, interfaces.ErrForbidden)

	// Transferring to the current owner is a no-op.
	require.NoError(t, store.TransferApp(ctx, next.ID, app.ID, "next@example.com"))
}

func TestDeploymentLifecycle(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	owner := addTestAccount(t, store, "owner@example.com")
	app := addTestApp(t, store, owner.ID, "barista", true)

	dep, err := store.AddDeployment(ctx, owner.ID, app.ID, interfaces.Deployment{Name: "Canary"})
	require.NoError(t, err)
	assert.NotEmpty(t, dep.ID)
	assert.NotEmpty(t, dep.Key)
	assert.Nil(t, dep.Package)

	_, err = store.AddDeployment(ctx, owner.ID, app.ID, interfaces.Deployment{Name: "Canary"})
	assert.ErrorIs(t, err, interfaces.ErrConflict)
	_, err = store.AddDeployment(ctx, owner.ID, app.ID, interfaces.Deployment{})
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	info, err := store.GetDeploymentInfo(ctx, dep.Key)
	require.NoError(t, err)
	assert.Equal(t, interfaces.DeploymentInfo{AppID: app.ID, DeploymentID: dep.ID}, info)

	require.NoError(t, store.UpdateDeployment(ctx, owner.ID, app.ID, interfaces.Deployment{ID: dep.ID, Name: "Nightly"}))
	renamed, err := store.GetDeployment(ctx, owner.ID, app.ID, dep.ID)
	require.NoError(t, err)
	assert.Equal(t, "Nightly", renamed.Name)
	assert.Equal(t, dep.Key, renamed.Key)

	refreshed, err := store.GetApp(ctx, owner.ID, app.ID)
	require.NoError(t, err)
	assert.Equal(t, []string{"Nightly"}, refreshed.Deployments)

	require.NoError(t, store.RemoveDeployment(ctx, owner.ID, app.ID, dep.ID))
	_, err = store.GetDeployment(ctx, owner.ID, app.ID, dep.ID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
	_, err = store.GetDeploymentInfo(ctx, dep.Key)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)
}

func TestCommitPackage(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	owner := addTestAccount(t, store, "owner@example.com")
	app := addTestApp(t, store, owner.ID, "barista", false)
	staging := deploymentByName(t, store, owner.ID, app.ID, "Staging")

	content := "bundle-one-bytes"
	pkg, err := store.CommitPackage(ctx, owner.ID, app.ID, staging.ID,
		interfaces.Package{AppVersion: "1.0.0", Description: "first", Rollout: 100},
		strings.NewReader(content), int64(len(content)))
	require.NoError(t, err)

	assert.Equal(t, "v1", pkg.Label)
	assert.Equal(t, interfaces.ReleaseMethodUpload, pkg.ReleaseMethod)
	assert.Equal(t, "owner@example.com", pkg.ReleasedBy)
	assert.Equal(t, int64(len(content)), pkg.Size)
	assert.NotEmpty(t, pkg.BlobID)
	assert.NotEmpty(t, pkg.BlobURL)
	wantHash := sha256.Sum256([]byte(content))
	assert.Equal(t, hex.EncodeToString(wantHash[:]), pkg.PackageHash)

	// The payload must be durable and addressable before the release shows
	// up in metadata.
	url, err := store.GetBlobURL(ctx, pkg.BlobID)
	require.NoError(t, err)
	assert.Equal(t, pkg.BlobURL, url)

	second := commitTestRelease(t, store, owner.ID, app.ID, staging.ID, "1.1.0", "bundle-two-bytes")
	assert.Equal(t, "v2", second.Label)

	dep, err := store.GetDeployment(ctx, owner.ID, app.ID, staging.ID)
	require.NoError(t, err)
	require.NotNil(t, dep.Package)
	assert.Equal(t, "v2", dep.Package.Label)

	history, err := store.GetPackageHistory(ctx, owner.ID, app.ID, staging.ID)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "v1", history[0].Label)
	assert.Equal(t, "v2", history[1].Label)

	byKey, err := store.GetPackageHistoryFromDeploymentKey(ctx, staging.Key)
	require.NoError(t, err)
	assert.Equal(t, history, byKey)
}

func TestCommitPackageValidation(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	owner := addTestAccount(t, store, "owner@example.com")
	app := addTestApp(t, store, owner.ID, "barista", false)
	staging := deploymentByName(t, store, owner.ID, app.ID, "Staging")

	testCases := []struct {
		name    string
		pkg     interfaces.Package
		content io.Reader
	}{
		{
			name:    "missing app version",
			pkg:     interfaces.Package{},
			content: strings.NewReader("x"),
		},
		{
			name:    "rollout above range",
			pkg:     interfaces.Package{AppVersion: "1.0.0", Rollout: 101},
			content: strings.NewReader("x"),
		},
		{
			name:    "negative rollout",
			pkg:     interfaces.Package{AppVersion: "1.0.0", Rollout: -5},
			content: strings.NewReader("x"),
		},
		{
			name: "metadata-only release without payload reference",
			pkg:  interfaces.Package{AppVersion: "1.0.0"},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := store.CommitPackage(ctx, owner.ID, app.ID, staging.ID, tc.pkg, tc.content, 1)
			assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
		})
	}

	history, err := store.GetPackageHistory(ctx, owner.ID, app.ID, staging.ID)
	require.NoError(t, err)
	assert.Empty(t, history)
}

func TestCommitPackagePermissions(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	owner := addTestAccount(t, store, "owner@example.com")
	helper := addTestAccount(t, store, "helper@example.com")
	outsider := addTestAccount(t, store, "outsider@example.com")
	app := addTestApp(t, store, owner.ID, "barista", false)
	staging := deploymentByName(t, store, owner.ID, app.ID, "Staging")
	require.NoError(t, store.AddCollaborator(ctx, owner.ID, app.ID, "helper@example.com"))

	_, err := store.CommitPackage(ctx, outsider.ID, app.ID, staging.ID,
		interfaces.Package{AppVersion: "1.0.0"}, strings.NewReader("x"), 1)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	pkg := commitTestRelease(t, store, helper.ID, app.ID, staging.ID, "1.0.0", "helper-bundle")
	assert.Equal(t, "helper@example.com", pkg.ReleasedBy)

	// History wipes are owner-only; labels restart afterwards.
	err = store.ClearPackageHistory(ctx, helper.ID, app.ID, staging.ID)
	assert.ErrorIs(t, err, interfaces.ErrForbidden)
	require.NoError(t, store.ClearPackageHistory(ctx, owner.ID, app.ID, staging.ID))

	dep, err := store.GetDeployment(ctx, owner.ID, app.ID, staging.ID)
	require.NoError(t, err)
	assert.Nil(t, dep.Package)

	restarted := commitTestRelease(t, store, owner.ID, app.ID, staging.ID, "1.0.1", "fresh-bundle")
	assert.Equal(t, "v1", restarted.Label)
}

func TestCommitPackageConcurrentLabels(t *testing.T) {
	const writers = 40

	ctx := context.Background()
	store := newMemoryStore(t)
	owner := addTestAccount(t, store, "owner@example.com")
	app := addTestApp(t, store, owner.ID, "barista", false)
	staging := deploymentByName(t, store, owner.ID, app.ID, "Staging")

	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			content := fmt.Sprintf("bundle-%03d", n)
			_, err := store.CommitPackage(ctx, owner.ID, app.ID, staging.ID,
				interfaces.Package{AppVersion: "1.0.0"},
				strings.NewReader(content), int64(len(content)))
			errs <- err
		}(i)
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	// Every writer got exactly one label and the sequence has no gaps and
	// no duplicates.
	history, err := store.GetPackageHistory(ctx, owner.ID, app.ID, staging.ID)
	require.NoError(t, err)
	require.Len(t, history, writers)

	seen := make(map[string]bool, writers)
	for _, pkg := range history {
		seen[pkg.Label] = true
	}
	for n := 1; n <= writers; n++ {
		assert.True(t, seen[interfaces.FormatLabel(n)], "missing label %s", interfaces.FormatLabel(n))
	}

	dep, err := store.GetDeployment(ctx, owner.ID, app.ID, staging.ID)
	require.NoError(t, err)
	require.NotNil(t, dep.Package)
	assert.Equal(t, interfaces.FormatLabel(writers), dep.Package.Label)
}

func TestPromotePackage(t *testing.T) {
	ctx := context.Background()
	blobs := blobstore.NewMemoryBackend("", testLogger())
	store := NewMemoryStore(blobs, testLogger())
	owner := addTestAccount(t, store, "owner@example.com")
	app := addTestApp(t, store, owner.ID, "barista", false)
	staging := deploymentByName(t, store, owner.ID, app.ID, "Staging")
	production := deploymentByName(t, store, owner.ID, app.ID, "Production")

	_, err := store.PromotePackage(ctx, owner.ID, app.ID, staging.ID, production.ID, interfaces.Package{})
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	src := commitTestRelease(t, store, owner.ID, app.ID, staging.ID, "1.0.0", "stable-bundle")

	promoted, err := store.PromotePackage(ctx, owner.ID, app.ID, staging.ID, production.ID,
		interfaces.Package{Rollout: 25, IsMandatory: true})
	require.NoError(t, err)

	// The payload is shared with the source release, never re-uploaded.
	assert.Equal(t, "v1", promoted.Label)
	assert.Equal(t, src.PackageHash, promoted.PackageHash)
	assert.Equal(t, src.BlobID, promoted.BlobID)
	assert.Equal(t, src.Size, promoted.Size)
	assert.Equal(t, interfaces.ReleaseMethodPromote, promoted.ReleaseMethod)
	assert.Equal(t, "v1", promoted.OriginalLabel)
	assert.Equal(t, "Staging", promoted.OriginalDeployment)
	assert.Equal(t, 25, promoted.Rollout)
	assert.True(t, promoted.IsMandatory)

	again, err := store.PromotePackage(ctx, owner.ID, app.ID, staging.ID, production.ID,
		interfaces.Package{AppVersion: "2.0.0", Description: "hotfix"})
	require.NoError(t, err)
	assert.Equal(t, "v2", again.Label)
	assert.Equal(t, "2.0.0", again.AppVersion)
	assert.Equal(t, "hotfix", again.Description)
	assert.Equal(t, src.PackageHash, again.PackageHash)

	dep, err := store.GetDeployment(ctx, owner.ID, app.ID, production.ID)
	require.NoError(t, err)
	require.NotNil(t, dep.Package)
	assert.Equal(t, "v2", dep.Package.Label)

	// Two promotes later the backend still holds only the uploaded payload.
	assert.Equal(t, 1, blobs.Len())
}

func TestRollbackPackage(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	owner := addTestAccount(t, store, "owner@example.com")
	app := addTestApp(t, store, owner.ID, "barista", false)
	staging := deploymentByName(t, store, owner.ID, app.ID, "Staging")

	// A single release is nothing to roll back from.
	commitTestRelease(t, store, owner.ID, app.ID, staging.ID, "1.0.0", "bundle-one")
	_, err := store.RollbackPackage(ctx, owner.ID, app.ID, staging.ID, "")
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	v2, err := store.CommitPackage(ctx, owner.ID, app.ID, staging.ID,
		interfaces.Package{AppVersion: "1.1.0", Rollout: 50},
		strings.NewReader("bundle-two"), int64(len("bundle-two")))
	require.NoError(t, err)
	commitTestRelease(t, store, owner.ID, app.ID, staging.ID, "1.2.0", "bundle-three")

	rolled, err := store.RollbackPackage(ctx, owner.ID, app.ID, staging.ID, "v2")
	require.NoError(t, err)
	assert.Equal(t, "v4", rolled.Label)
	assert.Equal(t, interfaces.ReleaseMethodRollback, rolled.ReleaseMethod)
	assert.Equal(t, "v2", rolled.OriginalLabel)
	assert.Equal(t, "Staging", rolled.OriginalDeployment)
	assert.Equal(t, v2.PackageHash, rolled.PackageHash)
	assert.Equal(t, v2.BlobID, rolled.BlobID)
	assert.Equal(t, "1.1.0", rolled.AppVersion)
	// The restored release goes to everyone regardless of the original
	// staged rollout.
	assert.Equal(t, 0, rolled.Rollout)
	assert.Nil(t, rolled.DiffPackageMap)

	_, err = store.RollbackPackage(ctx, owner.ID, app.ID, staging.ID, "v4")
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
	_, err = store.RollbackPackage(ctx, owner.ID, app.ID, staging.ID, "v9")
	assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)

	// Empty target restores the entry before the current one, v3.
	back, err := store.RollbackPackage(ctx, owner.ID, app.ID, staging.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "v5", back.Label)
	assert.Equal(t, "v3", back.OriginalLabel)
	assert.Equal(t, "1.2.0", back.AppVersion)
}

func TestUpdatePackageHistory(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	owner := addTestAccount(t, store, "owner@example.com")
	app := addTestApp(t, store, owner.ID, "barista", false)
	staging := deploymentByName(t, store, owner.ID, app.ID, "Staging")
	commitTestRelease(t, store, owner.ID, app.ID, staging.ID, "1.0.0", "bundle-one")
	commitTestRelease(t, store, owner.ID, app.ID, staging.ID, "1.1.0", "bundle-two")

	history, err := store.GetPackageHistory(ctx, owner.ID, app.ID, staging.ID)
	require.NoError(t, err)

	patch := copyHistory(history)
	patch[0].Description = "first bundle"
	patch[0].IsDisabled = true
	patch[1].Rollout = 40
	patch[1].IsMandatory = true
	require.NoError(t, store.UpdatePackageHistory(ctx, owner.ID, app.ID, staging.ID, patch))

	updated, err := store.GetPackageHistory(ctx, owner.ID, app.ID, staging.ID)
	require.NoError(t, err)
	assert.Equal(t, "first bundle", updated[0].Description)
	assert.True(t, updated[0].IsDisabled)
	assert.Equal(t, 40, updated[1].Rollout)
	assert.True(t, updated[1].IsMandatory)

	dep, err := store.GetDeployment(ctx, owner.ID, app.ID, staging.ID)
	require.NoError(t, err)
	require.NotNil(t, dep.Package)
	assert.Equal(t, 40, dep.Package.Rollout)

	testCases := []struct {
		name   string
		mutate func(patch []interfaces.Package) []interfaces.Package
	}{
		{
			name: "empty history",
			mutate: func(patch []interfaces.Package) []interfaces.Package {
				return nil
			},
		},
		{
			name: "truncated history",
			mutate: func(patch []interfaces.Package) []interfaces.Package {
				return patch[:1]
			},
		},
		{
			name: "relabeled release",
			mutate: func(patch []interfaces.Package) []interfaces.Package {
				patch[0].Label = "v9"
				return patch
			},
		},
		{
			name: "rewritten package hash",
			mutate: func(patch []interfaces.Package) []interfaces.Package {
				patch[1].PackageHash = "deadbeef"
				return patch
			},
		},
		{
			name: "rewritten payload reference",
			mutate: func(patch []interfaces.Package) []interfaces.Package {
				patch[1].BlobID = "other-blob"
				return patch
			},
		},
		{
			name: "rollout out of range",
			mutate: func(patch []interfaces.Package) []interfaces.Package {
				patch[0].Rollout = 150
				return patch
			},
		},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			base, err := store.GetPackageHistory(ctx, owner.ID, app.ID, staging.ID)
			require.NoError(t, err)
			err = store.UpdatePackageHistory(ctx, owner.ID, app.ID, staging.ID, tc.mutate(base))
			assert.ErrorIs(t, err, interfaces.ErrInvalidArgument)
		})
	}
}

func TestBlobRetentionPolicy(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	owner := addTestAccount(t, store, "owner@example.com")
	app := addTestApp(t, store, owner.ID, "barista", false)
	staging := deploymentByName(t, store, owner.ID, app.ID, "Staging")
	pkg := commitTestRelease(t, store, owner.ID, app.ID, staging.ID, "1.0.0", "bundle-one")

	// Explicit blob removal is allowed even while a live package references
	// the payload, and is idempotent. The stored locator string stays.
	require.NoError(t, store.RemoveBlob(ctx, pkg.BlobID))
	require.NoError(t, store.RemoveBlob(ctx, pkg.BlobID))
	_, err := store.GetBlobURL(ctx, pkg.BlobID)
	assert.ErrorIs(t, err, interfaces.ErrNotFound)

	history, err := store.GetPackageHistory(ctx, owner.ID, app.ID, staging.ID)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, pkg.BlobURL, history[0].BlobURL)

	// Metadata deletion never deletes payloads.
	second := commitTestRelease(t, store, owner.ID, app.ID, staging.ID, "1.1.0", "bundle-two")
	require.NoError(t, store.RemoveApp(ctx, owner.ID, app.ID))
	url, err := store.GetBlobURL(ctx, second.BlobID)
	require.NoError(t, err)
	assert.NotEmpty(t, url)
}

func TestAddBlob(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)

	blobID, err := store.AddBlob(ctx, strings.NewReader("raw-bytes"), int64(len("raw-bytes")))
	require.NoError(t, err)
	assert.NotEmpty(t, blobID)

	url, err := store.GetBlobURL(ctx, blobID)
	require.NoError(t, err)
	assert.Contains(t, url, blobID)
}

func TestReturnedValuesAreCopies(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)
	owner := addTestAccount(t, store, "owner@example.com")
	app := addTestApp(t, store, owner.ID, "barista", false)
	staging := deploymentByName(t, store, owner.ID, app.ID, "Staging")
	commitTestRelease(t, store, owner.ID, app.ID, staging.ID, "1.0.0", "bundle-one")

	// Mutating returned values must not leak into the store.
	fetched, err := store.GetApp(ctx, owner.ID, app.ID)
	require.NoError(t, err)
	fetched.Collaborators["intruder@example.com"] = interfaces.CollaboratorProperties{Permission: interfaces.PermissionOwner}
	fetched.Deployments[0] = "Hijacked"

	clean, err := store.GetApp(ctx, owner.ID, app.ID)
	require.NoError(t, err)
	assert.NotContains(t, clean.Collaborators, "intruder@example.com")
	assert.NotContains(t, clean.Deployments, "Hijacked")

	history, err := store.GetPackageHistory(ctx, owner.ID, app.ID, staging.ID)
	require.NoError(t, err)
	history[0].Description = "mutated"

	cleanHistory, err := store.GetPackageHistory(ctx, owner.ID, app.ID, staging.ID)
	require.NoError(t, err)
	assert.Empty(t, cleanHistory[0].Description)
}

func TestCheckHealth(t *testing.T) {
	store := newMemoryStore(t)
	assert.NoError(t, store.CheckHealth(context.Background()))
	assert.NoError(t, store.Close())
}

func TestEndToEndReleaseFlow(t *testing.T) {
	ctx := context.Background()
	store := newMemoryStore(t)

	owner := addTestAccount(t, store, "release-eng@example.com")
	app, err := store.AddApp(ctx, owner.ID, interfaces.App{Name: "field-app"}, true)
	require.NoError(t, err)
	assert.Empty(t, app.Deployments)

	staging, err := store.AddDeployment(ctx, owner.ID, app.ID, interfaces.Deployment{Name: "Staging"})
	require.NoError(t, err)

	v1 := commitTestRelease(t, store, owner.ID, app.ID, staging.ID, "1.0.0", "initial-bundle")
	v2 := commitTestRelease(t, store, owner.ID, app.ID, staging.ID, "1.1.0", "broken-bundle")
	assert.Equal(t, "v1", v1.Label)
	assert.Equal(t, "v2", v2.Label)

	// The bad release ships, gets caught, and is rolled back. The result is
	// a brand-new v3 carrying v1's payload.
	rolled, err := store.RollbackPackage(ctx, owner.ID, app.ID, staging.ID, "")
	require.NoError(t, err)
	assert.Equal(t, "v3", rolled.Label)
	assert.Equal(t, interfaces.ReleaseMethodRollback, rolled.ReleaseMethod)
	assert.Equal(t, "v1", rolled.OriginalLabel)
	assert.Equal(t, v1.PackageHash, rolled.PackageHash)
	assert.Equal(t, v1.BlobID, rolled.BlobID)

	history, err := store.GetPackageHistoryFromDeploymentKey(ctx, staging.Key)
	require.NoError(t, err)
	require.Len(t, history, 3)

	dep, err := store.GetDeployment(ctx, owner.ID, app.ID, staging.ID)
	require.NoError(t, err)
	require.NotNil(t, dep.Package)
	assert.Equal(t, "v3", dep.Package.Label)
}
