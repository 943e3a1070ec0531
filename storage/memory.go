package storage

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/nimbusota/release-storage-backend/interfaces"
)

// MemoryStore implements interfaces.Storage entirely in process memory.
// A single mutex guards all metadata; payload streaming happens outside
// the critical section so commits stay linearizable per deployment without
// serializing blob IO.
type MemoryStore struct {
	mu    sync.RWMutex
	log   *slog.Logger
	blobs interfaces.BlobBackend

	accounts           map[string]*interfaces.Account
	emailIndex         map[string]string
	accessKeys         map[string]map[string]*interfaces.AccessKey
	accessKeyIndex     map[string]string
	apps               map[string]*interfaces.App
	deployments        map[string]*memDeployment
	deploymentKeyIndex map[string]string
}

// memDeployment couples a deployment with its owning app and release
// history.
type memDeployment struct {
	deployment interfaces.Deployment
	appID      string
	history    []interfaces.Package
}

var _ interfaces.Storage = (*MemoryStore)(nil)

// NewMemoryStore creates an empty in-memory store using the given blob
// backend for payloads.
func NewMemoryStore(blobs interfaces.BlobBackend, log *slog.Logger) *MemoryStore {
	return &MemoryStore{
		log:                log,
		blobs:              blobs,
		accounts:           make(map[string]*interfaces.Account),
		emailIndex:         make(map[string]string),
		accessKeys:         make(map[string]map[string]*interfaces.AccessKey),
		accessKeyIndex:     make(map[string]string),
		apps:               make(map[string]*interfaces.App),
		deployments:        make(map[string]*memDeployment),
		deploymentKeyIndex: make(map[string]string),
	}
}

// accountLocked resolves an account id. Callers hold s.mu.
func (s *MemoryStore) accountLocked(accountID string) (*interfaces.Account, error) {
	account, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: account %s", interfaces.ErrNotFound, accountID)
	}
	return account, nil
}

// collaboratorEntry finds the collaborator map entry for an email,
// case-insensitively, returning the stored key casing.
func collaboratorEntry(app *interfaces.App, email string) (string, interfaces.CollaboratorProperties, bool) {
	lowered := strings.ToLower(email)
	for storedEmail, props := range app.Collaborators {
		if strings.ToLower(storedEmail) == lowered {
			return storedEmail, props, true
		}
	}
	return "", interfaces.CollaboratorProperties{}, false
}

// appForLocked resolves an app on behalf of an account, enforcing the
// required permission. Accounts without a collaborator entry get
// ErrNotFound so the app's existence is not revealed; collaborators
// lacking a required Owner permission get ErrForbidden. Callers hold s.mu.
func (s *MemoryStore) appForLocked(accountID, appID string, need interfaces.Permission) (*interfaces.App, *interfaces.Account, error) {
	account, err := s.accountLocked(accountID)
	if err != nil {
		return nil, nil, err
	}

	app, ok := s.apps[appID]
	if !ok {
		return nil, nil, fmt.Errorf("%w: app %s", interfaces.ErrNotFound, appID)
	}

	_, props, ok := collaboratorEntry(app, account.Email)
	if !ok {
		return nil, nil, fmt.Errorf("%w: app %s", interfaces.ErrNotFound, appID)
	}
	if need == interfaces.PermissionOwner && props.Permission != interfaces.PermissionOwner {
		return nil, nil, fmt.Errorf("%w: account %s is not the owner of app %s", interfaces.ErrForbidden, accountID, appID)
	}

	return app, account, nil
}

// deploymentForLocked resolves a deployment within an app on behalf of an
// account. Callers hold s.mu.
func (s *MemoryStore) deploymentForLocked(accountID, appID, deploymentID string, need interfaces.Permission) (*memDeployment, *interfaces.App, *interfaces.Account, error) {
	app, account, err := s.appForLocked(accountID, appID, need)
	if err != nil {
		return nil, nil, nil, err
	}

	dep, ok := s.deployments[deploymentID]
	if !ok || dep.appID != appID {
		return nil, nil, nil, fmt.Errorf("%w: deployment %s", interfaces.ErrNotFound, deploymentID)
	}
	return dep, app, account, nil
}

// visibleAppNameTakenLocked reports whether an app named name is already
// visible to the given email, excluding excludeAppID. Callers hold s.mu.
func (s *MemoryStore) visibleAppNameTakenLocked(email, name, excludeAppID string) bool {
	for id, app := range s.apps {
		if id == excludeAppID {
			continue
		}
		if _, _, ok := collaboratorEntry(app, email); ok && app.Name == name {
			return true
		}
	}
	return false
}

// markCurrentAccount sets the per-request IsCurrentAccount flag on the
// entry belonging to email in a copied collaborator map.
func markCurrentAccount(collaborators interfaces.CollaboratorMap, email string) {
	lowered := strings.ToLower(email)
	for storedEmail, props := range collaborators {
		if strings.ToLower(storedEmail) == lowered {
			props.IsCurrentAccount = true
			collaborators[storedEmail] = props
		}
	}
}

// AddAccount creates an account, assigning its id.
func (s *MemoryStore) AddAccount(ctx context.Context, account interfaces.Account) (interfaces.Account, error) {
	if account.Email == "" || !strings.Contains(account.Email, "@") {
		return interfaces.Account{}, fmt.Errorf("%w: malformed account email %q", interfaces.ErrInvalidArgument, account.Email)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	lowered := strings.ToLower(account.Email)
	if _, exists := s.emailIndex[lowered]; exists {
		return interfaces.Account{}, fmt.Errorf("%w: email %s is already registered", interfaces.ErrConflict, account.Email)
	}

	stored := account.Copy()
	stored.ID = newID()
	stored.CreatedTime = time.Now().UTC()

	s.accounts[stored.ID] = &stored
	s.emailIndex[lowered] = stored.ID
	s.accessKeys[stored.ID] = make(map[string]*interfaces.AccessKey)

	s.log.Debug("Added account",
		slog.String("account_id", stored.ID))

	return stored.Copy(), nil
}

// GetAccount retrieves an account by id.
func (s *MemoryStore) GetAccount(ctx context.Context, accountID string) (interfaces.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, err := s.accountLocked(accountID)
	if err != nil {
		return interfaces.Account{}, err
	}
	return account.Copy(), nil
}

// GetAccountByEmail retrieves an account by email, case-insensitively.
func (s *MemoryStore) GetAccountByEmail(ctx context.Context, email string) (interfaces.Account, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accountID, ok := s.emailIndex[strings.ToLower(email)]
	if !ok {
		return interfaces.Account{}, fmt.Errorf("%w: account for email %s", interfaces.ErrNotFound, email)
	}
	return s.accounts[accountID].Copy(), nil
}

// UpdateAccount patches the display name and linked providers of the
// account registered under email.
func (s *MemoryStore) UpdateAccount(ctx context.Context, email string, account interfaces.Account) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	accountID, ok := s.emailIndex[strings.ToLower(email)]
	if !ok {
		return fmt.Errorf("%w: account for email %s", interfaces.ErrNotFound, email)
	}

	stored := s.accounts[accountID]
	if account.Name != "" {
		stored.Name = account.Name
	}
	if account.LinkedProviders != nil {
		stored.LinkedProviders = append([]string(nil), account.LinkedProviders...)
	}
	return nil
}

// GetAccountIDFromAccessKey resolves a bearer access key to its owning
// account.
func (s *MemoryStore) GetAccountIDFromAccessKey(ctx context.Context, accessKeyID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	accountID, ok := s.accessKeyIndex[accessKeyID]
	if !ok {
		return "", fmt.Errorf("%w: access key", interfaces.ErrNotFound)
	}

	key := s.accessKeys[accountID][accessKeyID]
	if key.Expired() {
		return "", fmt.Errorf("%w: access key expired %s", interfaces.ErrForbidden, key.Expires.Format(time.RFC3339))
	}
	return accountID, nil
}

// AddAccessKey creates a key for the account, generating the bearer id and
// computing the expiry from ttl.
func (s *MemoryStore) AddAccessKey(ctx context.Context, accountID string, key interfaces.AccessKey, ttl *time.Duration) (interfaces.AccessKey, error) {
	lifetime, err := resolveTTL(ttl)
	if err != nil {
		return interfaces.AccessKey{}, err
	}

	id, err := generateSecureKey()
	if err != nil {
		return interfaces.AccessKey{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.accountLocked(accountID); err != nil {
		return interfaces.AccessKey{}, err
	}

	if key.Name != "" {
		for _, existing := range s.accessKeys[accountID] {
			if existing.Name == key.Name {
				return interfaces.AccessKey{}, fmt.Errorf("%w: access key named %q already exists", interfaces.ErrConflict, key.Name)
			}
		}
	}

	now := time.Now().UTC()
	stored := key
	stored.ID = id
	stored.CreatedTime = now
	stored.Expires = now.Add(lifetime)

	s.accessKeys[accountID][id] = &stored
	s.accessKeyIndex[id] = accountID

	s.log.Debug("Added access key",
		slog.String("account_id", accountID),
		slog.Time("expires", stored.Expires))

	return stored, nil
}

// GetAccessKey retrieves one key of the account by bearer id.
func (s *MemoryStore) GetAccessKey(ctx context.Context, accountID, accessKeyID string) (interfaces.AccessKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.accountLocked(accountID); err != nil {
		return interfaces.AccessKey{}, err
	}
	key, ok := s.accessKeys[accountID][accessKeyID]
	if !ok {
		return interfaces.AccessKey{}, fmt.Errorf("%w: access key", interfaces.ErrNotFound)
	}
	return *key, nil
}

// GetAccessKeyByName retrieves one key of the account by its human label.
func (s *MemoryStore) GetAccessKeyByName(ctx context.Context, accountID, name string) (interfaces.AccessKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.accountLocked(accountID); err != nil {
		return interfaces.AccessKey{}, err
	}
	for _, key := range s.accessKeys[accountID] {
		if key.Name == name {
			return *key, nil
		}
	}
	return interfaces.AccessKey{}, fmt.Errorf("%w: access key named %q", interfaces.ErrNotFound, name)
}

// GetAccessKeys lists the account's keys, oldest first.
func (s *MemoryStore) GetAccessKeys(ctx context.Context, accountID string) ([]interfaces.AccessKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, err := s.accountLocked(accountID); err != nil {
		return nil, err
	}

	keys := make([]interfaces.AccessKey, 0, len(s.accessKeys[accountID]))
	for _, key := range s.accessKeys[accountID] {
		keys = append(keys, *key)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].CreatedTime.Equal(keys[j].CreatedTime) {
			return keys[i].ID < keys[j].ID
		}
		return keys[i].CreatedTime.Before(keys[j].CreatedTime)
	})
	return keys, nil
}

// UpdateAccessKey patches Name, Description and Expires of the key
// identified by key.ID.
func (s *MemoryStore) UpdateAccessKey(ctx context.Context, accountID string, key interfaces.AccessKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.accountLocked(accountID); err != nil {
		return err
	}
	stored, ok := s.accessKeys[accountID][key.ID]
	if !ok {
		return fmt.Errorf("%w: access key", interfaces.ErrNotFound)
	}

	if key.Name != "" && key.Name != stored.Name {
		for _, existing := range s.accessKeys[accountID] {
			if existing.ID != key.ID && existing.Name == key.Name {
				return fmt.Errorf("%w: access key named %q already exists", interfaces.ErrConflict, key.Name)
			}
		}
		stored.Name = key.Name
	}
	if key.Description != "" {
		stored.Description = key.Description
	}
	if !key.Expires.IsZero() {
		stored.Expires = key.Expires
	}
	return nil
}

// RemoveAccessKey deletes one key of the account.
func (s *MemoryStore) RemoveAccessKey(ctx context.Context, accountID, accessKeyID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, err := s.accountLocked(accountID); err != nil {
		return err
	}
	if _, ok := s.accessKeys[accountID][accessKeyID]; !ok {
		return fmt.Errorf("%w: access key", interfaces.ErrNotFound)
	}

	delete(s.accessKeys[accountID], accessKeyID)
	delete(s.accessKeyIndex, accessKeyID)
	return nil
}

// AddApp creates an app owned by the account.
func (s *MemoryStore) AddApp(ctx context.Context, accountID string, app interfaces.App, manuallyProvisionDeployments bool) (interfaces.App, error) {
	if app.Name == "" {
		return interfaces.App{}, fmt.Errorf("%w: app name is required", interfaces.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	account, err := s.accountLocked(accountID)
	if err != nil {
		return interfaces.App{}, err
	}
	if s.visibleAppNameTakenLocked(account.Email, app.Name, "") {
		return interfaces.App{}, fmt.Errorf("%w: app named %q already exists", interfaces.ErrConflict, app.Name)
	}

	stored := interfaces.App{
		ID:   newID(),
		Name: app.Name,
		Collaborators: interfaces.CollaboratorMap{
			account.Email: {Permission: interfaces.PermissionOwner},
		},
		CreatedTime: time.Now().UTC(),
	}
	s.apps[stored.ID] = &stored

	if !manuallyProvisionDeployments {
		for _, name := range []string{"Staging", "Production"} {
			if _, err := s.addDeploymentLocked(stored.ID, interfaces.Deployment{Name: name}); err != nil {
				delete(s.apps, stored.ID)
				return interfaces.App{}, err
			}
		}
	}

	s.log.Debug("Added app",
		slog.String("app_id", stored.ID),
		slog.String("account_id", accountID))

	out := stored.Copy()
	markCurrentAccount(out.Collaborators, account.Email)
	return out, nil
}

// GetApps lists the apps visible to the account, sorted by name.
func (s *MemoryStore) GetApps(ctx context.Context, accountID string) ([]interfaces.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	account, err := s.accountLocked(accountID)
	if err != nil {
		return nil, err
	}

	apps := make([]interfaces.App, 0)
	for _, app := range s.apps {
		if _, _, ok := collaboratorEntry(app, account.Email); ok {
			out := app.Copy()
			markCurrentAccount(out.Collaborators, account.Email)
			apps = append(apps, out)
		}
	}
	sort.Slice(apps, func(i, j int) bool { return apps[i].Name < apps[j].Name })
	return apps, nil
}

// GetApp retrieves one app on behalf of the account.
func (s *MemoryStore) GetApp(ctx context.Context, accountID, appID string) (interfaces.App, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, account, err := s.appForLocked(accountID, appID, interfaces.PermissionCollaborator)
	if err != nil {
		return interfaces.App{}, err
	}

	out := app.Copy()
	markCurrentAccount(out.Collaborators, account.Email)
	return out, nil
}

// UpdateApp renames the app identified by app.ID. Owner only.
func (s *MemoryStore) UpdateApp(ctx context.Context, accountID string, app interfaces.App) error {
	if app.Name == "" {
		return fmt.Errorf("%w: app name is required", interfaces.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stored, account, err := s.appForLocked(accountID, app.ID, interfaces.PermissionOwner)
	if err != nil {
		return err
	}
	if s.visibleAppNameTakenLocked(account.Email, app.Name, app.ID) {
		return fmt.Errorf("%w: app named %q already exists", interfaces.ErrConflict, app.Name)
	}

	stored.Name = app.Name
	return nil
}

// RemoveApp deletes the app, its deployments and their histories. Owner
// only. Blobs referenced by removed releases stay in place.
func (s *MemoryStore) RemoveApp(ctx context.Context, accountID, appID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, _, err := s.appForLocked(accountID, appID, interfaces.PermissionOwner); err != nil {
		return err
	}

	for depID, dep := range s.deployments {
		if dep.appID == appID {
			delete(s.deploymentKeyIndex, dep.deployment.Key)
			delete(s.deployments, depID)
		}
	}
	delete(s.apps, appID)

	s.log.Debug("Removed app", slog.String("app_id", appID))
	return nil
}

// TransferApp makes the account registered under email the new Owner and
// demotes the current Owner to Collaborator. Owner only.
func (s *MemoryStore) TransferApp(ctx context.Context, accountID, appID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, _, err := s.appForLocked(accountID, appID, interfaces.PermissionOwner)
	if err != nil {
		return err
	}

	targetID, ok := s.emailIndex[strings.ToLower(email)]
	if !ok {
		return fmt.Errorf("%w: account for email %s", interfaces.ErrNotFound, email)
	}
	target := s.accounts[targetID]

	ownerEmail := app.Collaborators.OwnerEmail()
	if strings.EqualFold(ownerEmail, target.Email) {
		return nil
	}
	if s.visibleAppNameTakenLocked(target.Email, app.Name, appID) {
		return fmt.Errorf("%w: account %s already has an app named %q", interfaces.ErrConflict, target.Email, app.Name)
	}

	app.Collaborators[ownerEmail] = interfaces.CollaboratorProperties{Permission: interfaces.PermissionCollaborator}
	storedEmail, _, ok := collaboratorEntry(app, target.Email)
	if ok {
		app.Collaborators[storedEmail] = interfaces.CollaboratorProperties{Permission: interfaces.PermissionOwner}
	} else {
		app.Collaborators[target.Email] = interfaces.CollaboratorProperties{Permission: interfaces.PermissionOwner}
	}

	s.log.Debug("Transferred app",
		slog.String("app_id", appID),
		slog.String("new_owner", targetID))
	return nil
}

// AddCollaborator grants Collaborator permission to the account registered
// under email. Owner only.
func (s *MemoryStore) AddCollaborator(ctx context.Context, accountID, appID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, _, err := s.appForLocked(accountID, appID, interfaces.PermissionOwner)
	if err != nil {
		return err
	}

	targetID, ok := s.emailIndex[strings.ToLower(email)]
	if !ok {
		return fmt.Errorf("%w: account for email %s", interfaces.ErrNotFound, email)
	}
	target := s.accounts[targetID]

	if _, _, ok := collaboratorEntry(app, target.Email); ok {
		return fmt.Errorf("%w: %s is already a collaborator", interfaces.ErrConflict, target.Email)
	}

	app.Collaborators[target.Email] = interfaces.CollaboratorProperties{Permission: interfaces.PermissionCollaborator}
	return nil
}

// GetCollaborators returns the app's collaborator map.
func (s *MemoryStore) GetCollaborators(ctx context.Context, accountID, appID string) (interfaces.CollaboratorMap, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	app, account, err := s.appForLocked(accountID, appID, interfaces.PermissionCollaborator)
	if err != nil {
		return nil, err
	}

	out := app.Collaborators.Copy()
	markCurrentAccount(out, account.Email)
	return out, nil
}

// RemoveCollaborator removes a collaborator entry. The Owner may remove
// anyone but themselves; a collaborator may remove only themselves.
func (s *MemoryStore) RemoveCollaborator(ctx context.Context, accountID, appID, email string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	app, account, err := s.appForLocked(accountID, appID, interfaces.PermissionCollaborator)
	if err != nil {
		return err
	}

	storedEmail, props, ok := collaboratorEntry(app, email)
	if !ok {
		return fmt.Errorf("%w: %s is not a collaborator", interfaces.ErrNotFound, email)
	}
	if props.Permission == interfaces.PermissionOwner {
		return fmt.Errorf("%w: the owner cannot be removed from an app", interfaces.ErrInvalidArgument)
	}

	_, callerProps, _ := collaboratorEntry(app, account.Email)
	selfRemoval := strings.EqualFold(account.Email, storedEmail)
	if callerProps.Permission != interfaces.PermissionOwner && !selfRemoval {
		return fmt.Errorf("%w: only the owner can remove other collaborators", interfaces.ErrForbidden)
	}

	delete(app.Collaborators, storedEmail)
	return nil
}

// addDeploymentLocked creates a deployment within an app. Callers hold
// s.mu and have checked permissions.
func (s *MemoryStore) addDeploymentLocked(appID string, deployment interfaces.Deployment) (interfaces.Deployment, error) {
	if deployment.Name == "" {
		return interfaces.Deployment{}, fmt.Errorf("%w: deployment name is required", interfaces.ErrInvalidArgument)
	}

	app := s.apps[appID]
	for _, dep := range s.deployments {
		if dep.appID == appID && dep.deployment.Name == deployment.Name {
			return interfaces.Deployment{}, fmt.Errorf("%w: deployment named %q already exists", interfaces.ErrConflict, deployment.Name)
		}
	}

	key, err := generateSecureKey()
	if err != nil {
		return interfaces.Deployment{}, err
	}

	stored := interfaces.Deployment{
		ID:          newID(),
		Name:        deployment.Name,
		Key:         key,
		CreatedTime: time.Now().UTC(),
	}
	s.deployments[stored.ID] = &memDeployment{deployment: stored, appID: appID}
	s.deploymentKeyIndex[key] = stored.ID
	app.Deployments = append(app.Deployments, stored.Name)

	return stored.Copy(), nil
}

// AddDeployment creates a deployment in the app, generating its internal
// id and client-facing key.
func (s *MemoryStore) AddDeployment(ctx context.Context, accountID, appID string, deployment interfaces.Deployment) (interfaces.Deployment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, _, err := s.appForLocked(accountID, appID, interfaces.PermissionCollaborator); err != nil {
		return interfaces.Deployment{}, err
	}
	return s.addDeploymentLocked(appID, deployment)
}

// GetDeployment retrieves one deployment including its current package.
func (s *MemoryStore) GetDeployment(ctx context.Context, accountID, appID, deploymentID string) (interfaces.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dep, _, _, err := s.deploymentForLocked(accountID, appID, deploymentID, interfaces.PermissionCollaborator)
	if err != nil {
		return interfaces.Deployment{}, err
	}
	return dep.deployment.Copy(), nil
}

// GetDeployments lists the app's deployments, sorted by name.
func (s *MemoryStore) GetDeployments(ctx context.Context, accountID, appID string) ([]interfaces.Deployment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, _, err := s.appForLocked(accountID, appID, interfaces.PermissionCollaborator); err != nil {
		return nil, err
	}

	deployments := make([]interfaces.Deployment, 0)
	for _, dep := range s.deployments {
		if dep.appID == appID {
			deployments = append(deployments, dep.deployment.Copy())
		}
	}
	sort.Slice(deployments, func(i, j int) bool { return deployments[i].Name < deployments[j].Name })
	return deployments, nil
}

// UpdateDeployment renames the deployment identified by deployment.ID.
func (s *MemoryStore) UpdateDeployment(ctx context.Context, accountID, appID string, deployment interfaces.Deployment) error {
	if deployment.Name == "" {
		return fmt.Errorf("%w: deployment name is required", interfaces.ErrInvalidArgument)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	dep, app, _, err := s.deploymentForLocked(accountID, appID, deployment.ID, interfaces.PermissionCollaborator)
	if err != nil {
		return err
	}
	if deployment.Name == dep.deployment.Name {
		return nil
	}
	for _, other := range s.deployments {
		if other.appID == appID && other.deployment.Name == deployment.Name {
			return fmt.Errorf("%w: deployment named %q already exists", interfaces.ErrConflict, deployment.Name)
		}
	}

	for i, name := range app.Deployments {
		if name == dep.deployment.Name {
			app.Deployments[i] = deployment.Name
			break
		}
	}
	dep.deployment.Name = deployment.Name
	return nil
}

// RemoveDeployment deletes the deployment and its history. Blobs stay in
// place.
func (s *MemoryStore) RemoveDeployment(ctx context.Context, accountID, appID, deploymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dep, app, _, err := s.deploymentForLocked(accountID, appID, deploymentID, interfaces.PermissionCollaborator)
	if err != nil {
		return err
	}

	for i, name := range app.Deployments {
		if name == dep.deployment.Name {
			app.Deployments = append(app.Deployments[:i], app.Deployments[i+1:]...)
			break
		}
	}
	delete(s.deploymentKeyIndex, dep.deployment.Key)
	delete(s.deployments, deploymentID)
	return nil
}

// GetDeploymentInfo resolves a client-facing deployment key.
func (s *MemoryStore) GetDeploymentInfo(ctx context.Context, deploymentKey string) (interfaces.DeploymentInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	depID, ok := s.deploymentKeyIndex[deploymentKey]
	if !ok {
		return interfaces.DeploymentInfo{}, fmt.Errorf("%w: deployment key", interfaces.ErrNotFound)
	}
	dep := s.deployments[depID]
	return interfaces.DeploymentInfo{AppID: dep.appID, DeploymentID: depID}, nil
}

// CommitPackage appends a release to the deployment's history and repoints
// the current package. The payload is streamed to the blob backend before
// the metadata mutation, outside the lock, so a cancelled upload leaves at
// worst an orphaned blob and no metadata.
func (s *MemoryStore) CommitPackage(ctx context.Context, accountID, appID, deploymentID string, pkg interfaces.Package, content io.Reader, size int64) (interfaces.Package, error) {
	if err := validateNewPackage(pkg, content != nil); err != nil {
		return interfaces.Package{}, err
	}

	// Fail fast on permissions before any payload bytes move.
	s.mu.RLock()
	_, _, account, err := s.deploymentForLocked(accountID, appID, deploymentID, interfaces.PermissionCollaborator)
	s.mu.RUnlock()
	if err != nil {
		return interfaces.Package{}, err
	}

	if content != nil {
		blobID, hash, url, written, err := streamBlob(ctx, s.blobs, content, size)
		if err != nil {
			return interfaces.Package{}, err
		}
		pkg.BlobID = blobID
		pkg.PackageHash = hash
		pkg.BlobURL = url
		pkg.Size = written
	} else if pkg.BlobURL == "" {
		url, err := s.blobs.URL(ctx, pkg.BlobID)
		if err != nil {
			return interfaces.Package{}, err
		}
		pkg.BlobURL = url
	}

	if err := ctx.Err(); err != nil {
		return interfaces.Package{}, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	// The deployment may have vanished while the payload streamed; the
	// stored blob is then orphaned, which reconciliation may clean up.
	dep, _, _, err := s.deploymentForLocked(accountID, appID, deploymentID, interfaces.PermissionCollaborator)
	if err != nil {
		return interfaces.Package{}, err
	}

	pkg.Label = interfaces.FormatLabel(nextLabelOrdinal(dep.history))
	pkg.UploadTime = time.Now().UTC()
	pkg.ReleasedBy = account.Email
	if pkg.ReleaseMethod == "" {
		pkg.ReleaseMethod = interfaces.ReleaseMethodUpload
	}

	stored := pkg.Copy()
	dep.history = append(dep.history, stored)
	current := stored.Copy()
	dep.deployment.Package = &current

	s.log.Info("Committed release",
		slog.String("deployment_id", deploymentID),
		slog.String("label", stored.Label),
		slog.String("release_method", string(stored.ReleaseMethod)))

	return stored.Copy(), nil
}

// GetPackageHistory returns the deployment's history in ascending label
// order.
func (s *MemoryStore) GetPackageHistory(ctx context.Context, accountID, appID, deploymentID string) ([]interfaces.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	dep, _, _, err := s.deploymentForLocked(accountID, appID, deploymentID, interfaces.PermissionCollaborator)
	if err != nil {
		return nil, err
	}
	return copyHistory(dep.history), nil
}

// GetPackageHistoryFromDeploymentKey returns the history addressed by
// client-facing deployment key.
func (s *MemoryStore) GetPackageHistoryFromDeploymentKey(ctx context.Context, deploymentKey string) ([]interfaces.Package, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	depID, ok := s.deploymentKeyIndex[deploymentKey]
	if !ok {
		return nil, fmt.Errorf("%w: deployment key", interfaces.ErrNotFound)
	}
	return copyHistory(s.deployments[depID].history), nil
}

// UpdatePackageHistory patches the mutable metadata of existing history
// entries.
func (s *MemoryStore) UpdatePackageHistory(ctx context.Context, accountID, appID, deploymentID string, history []interfaces.Package) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dep, _, _, err := s.deploymentForLocked(accountID, appID, deploymentID, interfaces.PermissionCollaborator)
	if err != nil {
		return err
	}

	merged, err := applyHistoryPatch(dep.history, history)
	if err != nil {
		return err
	}

	dep.history = merged
	current := merged[len(merged)-1].Copy()
	dep.deployment.Package = &current
	return nil
}

// ClearPackageHistory empties the history and clears the current package.
// Owner only. Blobs stay in place.
func (s *MemoryStore) ClearPackageHistory(ctx context.Context, accountID, appID, deploymentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dep, _, _, err := s.deploymentForLocked(accountID, appID, deploymentID, interfaces.PermissionOwner)
	if err != nil {
		return err
	}

	dep.history = nil
	dep.deployment.Package = nil
	return nil
}

// PromotePackage commits the source deployment's current release into the
// destination deployment, reusing its payload.
func (s *MemoryStore) PromotePackage(ctx context.Context, accountID, appID, sourceDeploymentID, destDeploymentID string, overrides interfaces.Package) (interfaces.Package, error) {
	s.mu.RLock()
	src, _, _, err := s.deploymentForLocked(accountID, appID, sourceDeploymentID, interfaces.PermissionCollaborator)
	if err != nil {
		s.mu.RUnlock()
		return interfaces.Package{}, err
	}
	if src.deployment.Package == nil {
		s.mu.RUnlock()
		return interfaces.Package{}, fmt.Errorf("%w: deployment %s has no releases", interfaces.ErrNotFound, sourceDeploymentID)
	}
	promoted := derivePromoted(*src.deployment.Package, src.deployment.Name, overrides)
	s.mu.RUnlock()

	return s.CommitPackage(ctx, accountID, appID, destDeploymentID, promoted, nil, 0)
}

// RollbackPackage commits a new release restoring an earlier entry of the
// deployment's history.
func (s *MemoryStore) RollbackPackage(ctx context.Context, accountID, appID, deploymentID, targetLabel string) (interfaces.Package, error) {
	s.mu.RLock()
	dep, _, _, err := s.deploymentForLocked(accountID, appID, deploymentID, interfaces.PermissionCollaborator)
	if err != nil {
		s.mu.RUnlock()
		return interfaces.Package{}, err
	}
	target, err := rollbackTarget(dep.history, targetLabel)
	depName := dep.deployment.Name
	s.mu.RUnlock()
	if err != nil {
		return interfaces.Package{}, err
	}

	return s.CommitPackage(ctx, accountID, appID, deploymentID, deriveRollback(target, depName), nil, 0)
}

// AddBlob persists a byte stream and returns the generated blob id.
func (s *MemoryStore) AddBlob(ctx context.Context, content io.Reader, size int64) (string, error) {
	blobID := newID()
	if err := s.blobs.Put(ctx, blobID, content, size); err != nil {
		return "", err
	}
	return blobID, nil
}

// GetBlobURL returns a fetchable locator for a stored blob.
func (s *MemoryStore) GetBlobURL(ctx context.Context, blobID string) (string, error) {
	return s.blobs.URL(ctx, blobID)
}

// RemoveBlob deletes a blob. Removing a nonexistent id is not an error.
func (s *MemoryStore) RemoveBlob(ctx context.Context, blobID string) error {
	return s.blobs.Remove(ctx, blobID)
}

// CheckHealth verifies the blob backend is reachable. The metadata side of
// a memory store cannot fail.
func (s *MemoryStore) CheckHealth(ctx context.Context) error {
	if !s.blobs.Available(ctx) {
		return fmt.Errorf("%w: blob backend %s", interfaces.ErrUnavailable, s.blobs.Name())
	}
	return nil
}

// Close releases nothing; memory stores hold no external resources.
func (s *MemoryStore) Close() error {
	return nil
}

// copyHistory deep-copies a release history.
func copyHistory(history []interfaces.Package) []interfaces.Package {
	out := make([]interfaces.Package, len(history))
	for i, pkg := range history {
		out[i] = pkg.Copy()
	}
	return out
}
