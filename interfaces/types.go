package interfaces

import (
	"strconv"
	"strings"
	"time"
)

// Permission is the access level a collaborator holds on an app.
type Permission string

const (
	// PermissionOwner grants full control: transfer, deletion, collaborator
	// management and everything a collaborator can do. Exactly one
	// collaborator holds this permission per app at any time.
	PermissionOwner Permission = "Owner"

	// PermissionCollaborator grants deployment and release management.
	PermissionCollaborator Permission = "Collaborator"
)

// CollaboratorProperties describes one entry of an app's collaborator map.
type CollaboratorProperties struct {
	Permission Permission `json:"permission"`

	// IsCurrentAccount marks the entry belonging to the account the request
	// was resolved for. Computed per request, never persisted.
	IsCurrentAccount bool `json:"isCurrentAccount,omitempty"`
}

// CollaboratorMap maps collaborator emails to their properties.
type CollaboratorMap map[string]CollaboratorProperties

// OwnerEmail returns the email holding the Owner permission, or "" if the
// map is empty.
func (m CollaboratorMap) OwnerEmail() string {
	for email, props := range m {
		if props.Permission == PermissionOwner {
			return email
		}
	}
	return ""
}

// Copy returns an independent copy of the map.
func (m CollaboratorMap) Copy() CollaboratorMap {
	if m == nil {
		return nil
	}
	out := make(CollaboratorMap, len(m))
	for email, props := range m {
		out[email] = props
	}
	return out
}

// Account is a registered user. The email is the natural key and is
// immutable after creation.
type Account struct {
	ID              string    `json:"id"`
	Email           string    `json:"email"`
	Name            string    `json:"name,omitempty"`
	LinkedProviders []string  `json:"linkedProviders,omitempty"`
	CreatedTime     time.Time `json:"createdTime"`
}

// Copy returns an independent copy of the account.
func (a Account) Copy() Account {
	out := a
	if a.LinkedProviders != nil {
		out.LinkedProviders = append([]string(nil), a.LinkedProviders...)
	}
	return out
}

// DefaultAccessKeyTTL is applied when an access key is created without an
// explicit ttl. Keys are long-lived by default; expiry still gates auth.
const DefaultAccessKeyTTL = 10 * 365 * 24 * time.Hour

// AccessKey authenticates API calls on behalf of an account. The ID is the
// generated bearer string itself; Name is an optional human label, unique
// per account when set. An expired key fails auth but is not removed.
type AccessKey struct {
	ID          string    `json:"id"`
	Name        string    `json:"name,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedBy   string    `json:"createdBy,omitempty"`
	CreatedTime time.Time `json:"createdTime"`
	Expires     time.Time `json:"expires"`
	IsSession   bool      `json:"isSession,omitempty"`
}

// Expired reports whether the key no longer authenticates.
func (k AccessKey) Expired() bool {
	return time.Now().After(k.Expires)
}

// App is a distributable application. Deployments holds the ordered names
// of its deployments as back-references; the deployment objects themselves
// are owned by the store.
type App struct {
	ID            string          `json:"id"`
	Name          string          `json:"name"`
	Collaborators CollaboratorMap `json:"collaborators"`
	Deployments   []string        `json:"deployments,omitempty"`
	CreatedTime   time.Time       `json:"createdTime"`
}

// Copy returns an independent copy of the app.
func (a App) Copy() App {
	out := a
	out.Collaborators = a.Collaborators.Copy()
	if a.Deployments != nil {
		out.Deployments = append([]string(nil), a.Deployments...)
	}
	return out
}

// Deployment is a named release channel of an app. Key is the unguessable
// client-facing deployment key end devices use to request updates; it is
// distinct from the internal ID. Package points at the latest committed
// release, nil for a fresh deployment.
type Deployment struct {
	ID          string    `json:"id"`
	Name        string    `json:"name"`
	Key         string    `json:"key"`
	Package     *Package  `json:"package,omitempty"`
	CreatedTime time.Time `json:"createdTime"`
}

// Copy returns an independent copy of the deployment.
func (d Deployment) Copy() Deployment {
	out := d
	if d.Package != nil {
		pkg := d.Package.Copy()
		out.Package = &pkg
	}
	return out
}

// DeploymentInfo resolves a client-facing deployment key to its owning
// entities.
type DeploymentInfo struct {
	AppID        string `json:"appId"`
	DeploymentID string `json:"deploymentId"`
}

// ReleaseMethod records how a package entered its deployment's history.
type ReleaseMethod string

const (
	ReleaseMethodUpload   ReleaseMethod = "Upload"
	ReleaseMethodPromote  ReleaseMethod = "Promote"
	ReleaseMethodRollback ReleaseMethod = "Rollback"
)

// DiffInfo locates a binary diff artifact that upgrades a client from one
// historical package hash to the package carrying the map.
type DiffInfo struct {
	Size int64  `json:"size"`
	URL  string `json:"url"`
}

// Package is one committed release in a deployment's history. Packages are
// immutable once committed except for the staged-release metadata
// (Description, IsDisabled, IsMandatory, Rollout) patched through
// UpdatePackageHistory.
type Package struct {
	AppVersion  string `json:"appVersion"`
	Label       string `json:"label"`
	PackageHash string `json:"packageHash"`

	// BlobID is the blob store handle backing BlobURL. It is copied, never
	// re-uploaded, when a release is promoted or rolled back.
	BlobID  string `json:"blobId,omitempty"`
	BlobURL string `json:"blobUrl"`

	// DiffPackageMap maps a historical package hash to the diff artifact
	// that upgrades clients on that hash to this package.
	DiffPackageMap map[string]DiffInfo `json:"diffPackageMap,omitempty"`

	// Rollout is the percentage of clients receiving this release, in
	// [0,100]. Zero means unset: full rollout.
	Rollout int `json:"rollout,omitempty"`

	IsDisabled  bool   `json:"isDisabled,omitempty"`
	IsMandatory bool   `json:"isMandatory,omitempty"`
	Description string `json:"description,omitempty"`
	ReleasedBy  string `json:"releasedBy,omitempty"`

	ReleaseMethod ReleaseMethod `json:"releaseMethod"`

	// OriginalLabel and OriginalDeployment record provenance for promoted
	// and rolled-back releases, empty otherwise.
	OriginalLabel      string `json:"originalLabel,omitempty"`
	OriginalDeployment string `json:"originalDeployment,omitempty"`

	Size       int64     `json:"size"`
	UploadTime time.Time `json:"uploadTime"`
}

// Copy returns an independent copy of the package.
func (p Package) Copy() Package {
	out := p
	if p.DiffPackageMap != nil {
		out.DiffPackageMap = make(map[string]DiffInfo, len(p.DiffPackageMap))
		for hash, info := range p.DiffPackageMap {
			out.DiffPackageMap[hash] = info
		}
	}
	return out
}

// FormatLabel renders the n-th release label of a deployment, e.g.
// FormatLabel(1) == "v1".
func FormatLabel(n int) string {
	return "v" + strconv.Itoa(n)
}

// ParseLabel extracts the ordinal from a release label. It reports false
// for anything that is not "v" followed by a positive integer.
func ParseLabel(label string) (int, bool) {
	rest, ok := strings.CutPrefix(label, "v")
	if !ok {
		return 0, false
	}
	n, err := strconv.Atoi(rest)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}
