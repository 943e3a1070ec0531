package interfaces

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrNotFound is returned when an entity id, deployment key, blob id or
	// email has no match.
	ErrNotFound = errors.New("not found")

	// ErrConflict is returned on uniqueness violations (duplicate email, app
	// name, deployment name, access key name) and when a label race is lost
	// after the bounded internal retries.
	ErrConflict = errors.New("conflict")

	// ErrForbidden is returned when the caller lacks the required permission
	// on the target entity, including auth with an expired access key.
	ErrForbidden = errors.New("forbidden")

	// ErrInvalidArgument is returned for malformed input: non-positive ttl,
	// rollout outside [0,100], rollback without sufficient history, history
	// patches that alter immutable fields.
	ErrInvalidArgument = errors.New("invalid argument")

	// ErrUnavailable is returned for transient backend failures. Raw
	// backend errors (network, timeout, database contention) are mapped to
	// this sentinel at the backend boundary and never leaked.
	ErrUnavailable = errors.New("backend unavailable")

	// ErrInvalidLocationURI is returned when a backend location URI is
	// malformed or names an unsupported scheme.
	ErrInvalidLocationURI = errors.New("invalid backend location URI")
)

// BackendLocation is a URI selecting and configuring a concrete backend,
// e.g. sqlite:///var/lib/release-server/meta.db or
// s3://AKIA...:secret@bucket/releases?region=us-east-1.
type BackendLocation string

// BlobStore stores opaque release payloads addressed by generated ids.
// Blobs are write-once; many packages may reference the same blob, and
// deleting package metadata never deletes blobs.
type BlobStore interface {
	// AddBlob persists a byte stream without buffering it whole and returns
	// the generated blob id. size is the expected payload length in bytes.
	AddBlob(ctx context.Context, content io.Reader, size int64) (string, error)

	// GetBlobURL returns a fetchable locator for a stored blob. Returns
	// ErrNotFound for unknown ids.
	GetBlobURL(ctx context.Context, blobID string) (string, error)

	// RemoveBlob deletes a blob. Removing a nonexistent id is not an error.
	RemoveBlob(ctx context.Context, blobID string) error
}

// BlobBackend is one concrete blob storage implementation (file system, S3,
// IPFS, Vault, in-memory, or a replicating aggregate). Blob ids are chosen
// by the caller so that replicated backends agree on the id.
type BlobBackend interface {
	// Put persists a byte stream under the given id without buffering it
	// whole. size is the expected payload length, advisory for backends
	// that can use it.
	Put(ctx context.Context, blobID string, content io.Reader, size int64) error

	// Open streams a stored blob back. Returns ErrNotFound for unknown ids.
	Open(ctx context.Context, blobID string) (io.ReadCloser, error)

	// URL returns a fetchable locator for a stored blob. Returns
	// ErrNotFound for unknown ids.
	URL(ctx context.Context, blobID string) (string, error)

	// Remove deletes a blob; idempotent.
	Remove(ctx context.Context, blobID string) error

	// Available checks if the backend is accessible.
	Available(ctx context.Context) bool

	// Name returns an identifier for logging.
	Name() string

	// LocationURI returns the URI identifying this backend.
	LocationURI() string
}

// BlobBackendFactory creates blob backends from location URIs.
type BlobBackendFactory interface {
	// BackendFor creates a backend from a URI.
	// Supports memory://, file://, s3://, ipfs://, vault://.
	BackendFor(location BackendLocation) (BlobBackend, error)

	// CreateMultiBackend aggregates several backends into one replicating
	// backend: writes go to all available backends, reads are served by the
	// first that has the content.
	CreateMultiBackend(locations []BackendLocation) (BlobBackend, error)
}

// AccountStore manages accounts.
type AccountStore interface {
	// AddAccount creates an account, assigning its id. Fails with
	// ErrConflict if the email is already registered. Email matching is
	// case-insensitive throughout; the original casing is preserved.
	AddAccount(ctx context.Context, account Account) (Account, error)

	// GetAccount retrieves an account by id.
	GetAccount(ctx context.Context, accountID string) (Account, error)

	// GetAccountByEmail retrieves an account by email, case-insensitively.
	GetAccountByEmail(ctx context.Context, email string) (Account, error)

	// UpdateAccount patches the display name and linked providers of the
	// account registered under email. The email itself is immutable.
	UpdateAccount(ctx context.Context, email string, account Account) error

	// GetAccountIDFromAccessKey resolves a bearer access key to its owning
	// account. Unknown keys fail with ErrNotFound, expired keys with
	// ErrForbidden.
	GetAccountIDFromAccessKey(ctx context.Context, accessKeyID string) (string, error)
}

// AccessKeyStore manages access keys.
type AccessKeyStore interface {
	// AddAccessKey creates a key for the account, generating the bearer id
	// and computing the expiry from ttl. A nil ttl applies
	// DefaultAccessKeyTTL; a non-positive ttl fails with
	// ErrInvalidArgument. A duplicate non-empty Name within the account
	// fails with ErrConflict.
	AddAccessKey(ctx context.Context, accountID string, key AccessKey, ttl *time.Duration) (AccessKey, error)

	// GetAccessKey retrieves one key of the account by bearer id.
	GetAccessKey(ctx context.Context, accountID, accessKeyID string) (AccessKey, error)

	// GetAccessKeyByName retrieves one key of the account by its human
	// label.
	GetAccessKeyByName(ctx context.Context, accountID, name string) (AccessKey, error)

	// GetAccessKeys lists the account's keys.
	GetAccessKeys(ctx context.Context, accountID string) ([]AccessKey, error)

	// UpdateAccessKey patches Name, Description and Expires of the key
	// identified by key.ID.
	UpdateAccessKey(ctx context.Context, accountID string, key AccessKey) error

	// RemoveAccessKey deletes one key of the account.
	RemoveAccessKey(ctx context.Context, accountID, accessKeyID string) error
}

// AppStore manages apps and their collaborator maps.
type AppStore interface {
	// AddApp creates an app owned by the account, which becomes the sole
	// Owner in the collaborator map. Unless manuallyProvisionDeployments is
	// set, default "Staging" and "Production" deployments are created.
	// Fails with ErrConflict when the name already exists among the apps
	// visible to the account (owned plus collaborating).
	AddApp(ctx context.Context, accountID string, app App, manuallyProvisionDeployments bool) (App, error)

	// GetApps lists the apps visible to the account.
	GetApps(ctx context.Context, accountID string) ([]App, error)

	// GetApp retrieves one app. Accounts without a collaborator entry get
	// ErrNotFound; existence is not revealed.
	GetApp(ctx context.Context, accountID, appID string) (App, error)

	// UpdateApp renames the app identified by app.ID. Owner only.
	UpdateApp(ctx context.Context, accountID string, app App) error

	// RemoveApp deletes the app, its deployments and their histories.
	// Owner only. Blobs referenced by removed packages stay in place.
	RemoveApp(ctx context.Context, accountID, appID string) error

	// TransferApp makes the account registered under email the new Owner
	// and demotes the current Owner to Collaborator, atomically. Owner
	// only.
	TransferApp(ctx context.Context, accountID, appID, email string) error

	// AddCollaborator grants Collaborator permission to the account
	// registered under email. Owner only; ErrConflict if already present.
	AddCollaborator(ctx context.Context, accountID, appID, email string) error

	// GetCollaborators returns the app's collaborator map.
	GetCollaborators(ctx context.Context, accountID, appID string) (CollaboratorMap, error)

	// RemoveCollaborator removes a collaborator entry. The Owner may remove
	// anyone but themselves; a collaborator may remove only themselves.
	// Removing the Owner fails with ErrInvalidArgument.
	RemoveCollaborator(ctx context.Context, accountID, appID, email string) error
}

// DeploymentStore manages deployments.
type DeploymentStore interface {
	// AddDeployment creates a deployment in the app, generating its
	// internal id and the high-entropy client-facing key. Requires
	// Collaborator permission; duplicate names within the app fail with
	// ErrConflict.
	AddDeployment(ctx context.Context, accountID, appID string, deployment Deployment) (Deployment, error)

	// GetDeployment retrieves one deployment including its current package.
	GetDeployment(ctx context.Context, accountID, appID, deploymentID string) (Deployment, error)

	// GetDeployments lists the app's deployments.
	GetDeployments(ctx context.Context, accountID, appID string) ([]Deployment, error)

	// UpdateDeployment renames the deployment identified by deployment.ID.
	UpdateDeployment(ctx context.Context, accountID, appID string, deployment Deployment) error

	// RemoveDeployment deletes the deployment and its history. Blobs stay
	// in place.
	RemoveDeployment(ctx context.Context, accountID, appID, deploymentID string) error

	// GetDeploymentInfo resolves a client-facing deployment key. Used on
	// the acquisition path; no account is involved.
	GetDeploymentInfo(ctx context.Context, deploymentKey string) (DeploymentInfo, error)
}

// ReleaseStore is the versioning engine: append-only per-deployment package
// histories with strictly increasing labels.
type ReleaseStore interface {
	// CommitPackage appends a release to the deployment's history and
	// repoints the current package, atomically with respect to concurrent
	// commits on the same deployment. When content is non-nil the payload
	// is streamed to the blob store and hashed before any metadata becomes
	// visible; when content is nil the package must carry the hash and blob
	// reference of an existing payload. The next label is assigned as max
	// existing label + 1, starting at "v1". A lost label race is retried a
	// bounded number of times and then fails with ErrConflict.
	CommitPackage(ctx context.Context, accountID, appID, deploymentID string, pkg Package, content io.Reader, size int64) (Package, error)

	// GetPackageHistory returns the deployment's history in ascending label
	// order.
	GetPackageHistory(ctx context.Context, accountID, appID, deploymentID string) ([]Package, error)

	// GetPackageHistoryFromDeploymentKey is the acquisition-path variant of
	// GetPackageHistory, addressed by client-facing deployment key.
	GetPackageHistoryFromDeploymentKey(ctx context.Context, deploymentKey string) ([]Package, error)

	// UpdatePackageHistory patches the mutable metadata (Description,
	// IsDisabled, IsMandatory, Rollout) of existing history entries. The
	// patch must preserve length, order, labels, hashes and blob
	// references; anything else, or an empty history, fails with
	// ErrInvalidArgument.
	UpdatePackageHistory(ctx context.Context, accountID, appID, deploymentID string, history []Package) error

	// ClearPackageHistory empties the history and clears the current
	// package. Owner only. Blobs stay in place.
	ClearPackageHistory(ctx context.Context, accountID, appID, deploymentID string) error

	// PromotePackage commits the source deployment's current package into
	// the destination deployment, reusing its hash and blob reference
	// without re-uploading. overrides may set AppVersion, Description,
	// IsMandatory, IsDisabled and Rollout for the new release.
	PromotePackage(ctx context.Context, accountID, appID, sourceDeploymentID, destDeploymentID string, overrides Package) (Package, error)

	// RollbackPackage commits a new release whose metadata is copied from
	// an earlier entry of the same deployment's history: the entry labeled
	// targetLabel, or the one before the current package when targetLabel
	// is empty. Fails with ErrInvalidArgument when the history has fewer
	// than two entries or the target label does not exist.
	RollbackPackage(ctx context.Context, accountID, appID, deploymentID, targetLabel string) (Package, error)
}

// Storage is the single polymorphic contract every metadata backend
// satisfies. A concrete backend is selected once at process start; callers
// never branch on the backend type.
type Storage interface {
	AccountStore
	AccessKeyStore
	AppStore
	DeploymentStore
	ReleaseStore
	BlobStore

	// CheckHealth performs one lightweight round-trip against the active
	// backend and the blob store. It never panics and returns nil or an
	// error, with no partial-degradation states.
	CheckHealth(ctx context.Context) error

	// Close releases backend resources.
	Close() error
}

// StorageFactory creates metadata stores from location URIs.
type StorageFactory interface {
	// StorageFor creates a store from a URI. Supports memory:// and
	// sqlite://.
	StorageFor(location BackendLocation) (Storage, error)
}
