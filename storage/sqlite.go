package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/nimbusota/release-storage-backend/interfaces"
	"github.com/nimbusota/release-storage-backend/storage/migrations"
	_ "modernc.org/sqlite"
)

// toMillis normalizes timestamps into millisecond precision for storage.
func toMillis(value time.Time) int64 {
	return value.UTC().UnixMilli()
}

// fromMillis restores millisecond precision and keeps UTC normalization.
func fromMillis(value int64) time.Time {
	return time.UnixMilli(value).UTC()
}

// SQLiteStore implements interfaces.Storage over a single-file SQLite
// database. Metadata lives in SQLite; payload bytes go to the blob
// backend. Release commits run as optimistic transactions: the packages
// primary key (deployment_id, label_num) turns a lost label race into a
// constraint violation that triggers a bounded retry.
type SQLiteStore struct {
	sqlDB *sql.DB
	blobs interfaces.BlobBackend
	log   *slog.Logger
}

var _ interfaces.Storage = (*SQLiteStore)(nil)

// querier abstracts *sql.DB and *sql.Tx for helpers used inside and
// outside transactions.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// OpenSQLiteStore opens the SQLite store at path and applies bundled
// migrations.
func OpenSQLiteStore(path string, blobs interfaces.BlobBackend, log *slog.Logger) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}

	cleanPath := filepath.Clean(path)
	dsn := cleanPath + "?_journal_mode=WAL&_foreign_keys=ON&_busy_timeout=5000&_synchronous=NORMAL"
	sqlDB, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite db: %w", err)
	}

	if err := sqlDB.Ping(); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping sqlite db: %w", err)
	}

	if err := applyMigrations(sqlDB, migrations.FS, ""); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("run migrations: %w", err)
	}

	return &SQLiteStore{sqlDB: sqlDB, blobs: blobs, log: log}, nil
}

// Close releases the underlying SQLite database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.sqlDB == nil {
		return nil
	}
	return s.sqlDB.Close()
}

// CheckHealth performs one round-trip against SQLite and the blob backend.
func (s *SQLiteStore) CheckHealth(ctx context.Context) error {
	if err := s.sqlDB.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: sqlite: %v", interfaces.ErrUnavailable, err)
	}
	if !s.blobs.Available(ctx) {
		return fmt.Errorf("%w: blob backend %s", interfaces.ErrUnavailable, s.blobs.Name())
	}
	return nil
}

// isUniqueViolation reports whether err is a SQLite uniqueness constraint
// failure.
func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "unique constraint failed")
}

// isBusyError reports whether err is SQLite write contention worth
// retrying.
func isBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "database is locked") || strings.Contains(value, "busy")
}

// dbErr wraps an unexpected database failure into the unavailable
// sentinel so raw driver errors never cross the storage boundary.
func (s *SQLiteStore) dbErr(op string, err error) error {
	s.log.Error("Database operation failed", slog.String("op", op), "err", err)
	return fmt.Errorf("%w: %s: %v", interfaces.ErrUnavailable, op, err)
}

func marshalStrings(values []string) string {
	if len(values) == 0 {
		return ""
	}
	raw, _ := json.Marshal(values)
	return string(raw)
}

func unmarshalStrings(raw string) []string {
	if raw == "" {
		return nil
	}
	var values []string
	if err := json.Unmarshal([]byte(raw), &values); err != nil {
		return nil
	}
	return values
}

func marshalDiffMap(m map[string]interfaces.DiffInfo) string {
	if len(m) == 0 {
		return ""
	}
	raw, _ := json.Marshal(m)
	return string(raw)
}

func unmarshalDiffMap(raw string) map[string]interfaces.DiffInfo {
	if raw == "" {
		return nil
	}
	var m map[string]interfaces.DiffInfo
	if err := json.Unmarshal([]byte(raw), &m); err != nil {
		return nil
	}
	return m
}

// accountEmail resolves an account id to its stored email.
func (s *SQLiteStore) accountEmail(ctx context.Context, q querier, accountID string) (string, error) {
	var email string
	err := q.QueryRowContext(ctx, `SELECT email FROM accounts WHERE id = ?`, accountID).Scan(&email)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: account %s", interfaces.ErrNotFound, accountID)
	}
	if err != nil {
		return "", s.dbErr("resolve account", err)
	}
	return email, nil
}

// appPermission checks that the account is a collaborator of the app with
// at least the required permission and returns the account email.
// Accounts without a collaborator entry get ErrNotFound so the app's
// existence is not revealed.
func (s *SQLiteStore) appPermission(ctx context.Context, q querier, accountID, appID string, need interfaces.Permission) (string, error) {
	email, err := s.accountEmail(ctx, q, accountID)
	if err != nil {
		return "", err
	}

	var permission string
	err = q.QueryRowContext(ctx,
		`SELECT permission FROM collaborators WHERE app_id = ? AND email_lower = ?`,
		appID, strings.ToLower(email)).Scan(&permission)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: app %s", interfaces.ErrNotFound, appID)
	}
	if err != nil {
		return "", s.dbErr("resolve app permission", err)
	}

	if need == interfaces.PermissionOwner && interfaces.Permission(permission) != interfaces.PermissionOwner {
		return "", fmt.Errorf("%w: account %s is not the owner of app %s", interfaces.ErrForbidden, accountID, appID)
	}
	return email, nil
}

// visibleAppNameTaken reports whether an app named name is already visible
// to email, excluding excludeAppID.
func (s *SQLiteStore) visibleAppNameTaken(ctx context.Context, q querier, email, name, excludeAppID string) (bool, error) {
	var count int
	err := q.QueryRowContext(ctx, `
SELECT COUNT(*) FROM apps a
JOIN collaborators c ON c.app_id = a.id
WHERE c.email_lower = ? AND a.name = ? AND a.id <> ?`,
		strings.ToLower(email), name, excludeAppID).Scan(&count)
	if err != nil {
		return false, s.dbErr("check app name", err)
	}
	return count > 0, nil
}

// loadApp assembles a full app with its collaborator map and deployment
// names.
func (s *SQLiteStore) loadApp(ctx context.Context, q querier, appID string) (interfaces.App, error) {
	var app interfaces.App
	var createdMs int64
	err := q.QueryRowContext(ctx, `SELECT id, name, created_ms FROM apps WHERE id = ?`, appID).
		Scan(&app.ID, &app.Name, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.App{}, fmt.Errorf("%w: app %s", interfaces.ErrNotFound, appID)
	}
	if err != nil {
		return interfaces.App{}, s.dbErr("load app", err)
	}
	app.CreatedTime = fromMillis(createdMs)

	rows, err := q.QueryContext(ctx, `SELECT email, permission FROM collaborators WHERE app_id = ?`, appID)
	if err != nil {
		return interfaces.App{}, s.dbErr("load collaborators", err)
	}
	defer rows.Close()

	app.Collaborators = make(interfaces.CollaboratorMap)
	for rows.Next() {
		var email, permission string
		if err := rows.Scan(&email, &permission); err != nil {
			return interfaces.App{}, s.dbErr("scan collaborator", err)
		}
		app.Collaborators[email] = interfaces.CollaboratorProperties{Permission: interfaces.Permission(permission)}
	}
	if err := rows.Err(); err != nil {
		return interfaces.App{}, s.dbErr("iterate collaborators", err)
	}

	depRows, err := q.QueryContext(ctx,
		`SELECT name FROM deployments WHERE app_id = ? ORDER BY created_ms, name`, appID)
	if err != nil {
		return interfaces.App{}, s.dbErr("load deployment names", err)
	}
	defer depRows.Close()

	for depRows.Next() {
		var name string
		if err := depRows.Scan(&name); err != nil {
			return interfaces.App{}, s.dbErr("scan deployment name", err)
		}
		app.Deployments = append(app.Deployments, name)
	}
	if err := depRows.Err(); err != nil {
		return interfaces.App{}, s.dbErr("iterate deployment names", err)
	}

	return app, nil
}

// sqliteDeployment is a deployments table row.
type sqliteDeployment struct {
	id           string
	appID        string
	name         string
	key          string
	currentLabel int
	createdMs    int64
}

// deploymentRow loads one deployment row scoped to its app.
func (s *SQLiteStore) deploymentRow(ctx context.Context, q querier, appID, deploymentID string) (sqliteDeployment, error) {
	var dep sqliteDeployment
	err := q.QueryRowContext(ctx, `
SELECT id, app_id, name, deploy_key, current_label_num, created_ms
FROM deployments WHERE id = ? AND app_id = ?`, deploymentID, appID).
		Scan(&dep.id, &dep.appID, &dep.name, &dep.key, &dep.currentLabel, &dep.createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return sqliteDeployment{}, fmt.Errorf("%w: deployment %s", interfaces.ErrNotFound, deploymentID)
	}
	if err != nil {
		return sqliteDeployment{}, s.dbErr("load deployment", err)
	}
	return dep, nil
}

const packageColumns = `label_num, app_version, package_hash, blob_id, blob_url, diff_package_map,
rollout, is_disabled, is_mandatory, description, released_by, release_method,
original_label, original_deployment, size, upload_ms`

type rowScanner interface {
	Scan(dest ...any) error
}

// scanPackage reads one packages row in packageColumns order.
func scanPackage(row rowScanner) (interfaces.Package, error) {
	var pkg interfaces.Package
	var labelNum int
	var diffMap string
	var uploadMs int64
	err := row.Scan(&labelNum, &pkg.AppVersion, &pkg.PackageHash, &pkg.BlobID, &pkg.BlobURL, &diffMap,
		&pkg.Rollout, &pkg.IsDisabled, &pkg.IsMandatory, &pkg.Description, &pkg.ReleasedBy, &pkg.ReleaseMethod,
		&pkg.OriginalLabel, &pkg.OriginalDeployment, &pkg.Size, &uploadMs)
	if err != nil {
		return interfaces.Package{}, err
	}
	pkg.Label = interfaces.FormatLabel(labelNum)
	pkg.DiffPackageMap = unmarshalDiffMap(diffMap)
	pkg.UploadTime = fromMillis(uploadMs)
	return pkg, nil
}

// loadHistory returns a deployment's releases in ascending label order.
func (s *SQLiteStore) loadHistory(ctx context.Context, q querier, deploymentID string) ([]interfaces.Package, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE deployment_id = ? ORDER BY label_num ASC`, deploymentID)
	if err != nil {
		return nil, s.dbErr("load history", err)
	}
	defer rows.Close()

	var history []interfaces.Package
	for rows.Next() {
		pkg, err := scanPackage(rows)
		if err != nil {
			return nil, s.dbErr("scan release", err)
		}
		history = append(history, pkg)
	}
	if err := rows.Err(); err != nil {
		return nil, s.dbErr("iterate history", err)
	}
	return history, nil
}

// currentPackage loads the release a deployment's current label points at,
// nil when there is none.
func (s *SQLiteStore) currentPackage(ctx context.Context, q querier, dep sqliteDeployment) (*interfaces.Package, error) {
	if dep.currentLabel == 0 {
		return nil, nil
	}
	row := q.QueryRowContext(ctx,
		`SELECT `+packageColumns+` FROM packages WHERE deployment_id = ? AND label_num = ?`,
		dep.id, dep.currentLabel)
	pkg, err := scanPackage(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, s.dbErr("load current release", err)
	}
	return &pkg, nil
}

func (s *SQLiteStore) toDeployment(ctx context.Context, q querier, dep sqliteDeployment) (interfaces.Deployment, error) {
	current, err := s.currentPackage(ctx, q, dep)
	if err != nil {
		return interfaces.Deployment{}, err
	}
	return interfaces.Deployment{
		ID:          dep.id,
		Name:        dep.name,
		Key:         dep.key,
		Package:     current,
		CreatedTime: fromMillis(dep.createdMs),
	}, nil
}

// AddAccount creates an account, assigning its id.
func (s *SQLiteStore) AddAccount(ctx context.Context, account interfaces.Account) (interfaces.Account, error) {
	if account.Email == "" || !strings.Contains(account.Email, "@") {
		return interfaces.Account{}, fmt.Errorf("%w: malformed account email %q", interfaces.ErrInvalidArgument, account.Email)
	}

	stored := account.Copy()
	stored.ID = newID()
	stored.CreatedTime = time.Now().UTC()

	_, err := s.sqlDB.ExecContext(ctx, `
INSERT INTO accounts (id, email, email_lower, name, linked_providers, created_ms)
VALUES (?, ?, ?, ?, ?, ?)`,
		stored.ID, stored.Email, strings.ToLower(stored.Email), stored.Name,
		marshalStrings(stored.LinkedProviders), toMillis(stored.CreatedTime))
	if isUniqueViolation(err) {
		return interfaces.Account{}, fmt.Errorf("%w: email %s is already registered", interfaces.ErrConflict, account.Email)
	}
	if err != nil {
		return interfaces.Account{}, s.dbErr("add account", err)
	}
	return stored, nil
}

// GetAccount retrieves an account by id.
func (s *SQLiteStore) GetAccount(ctx context.Context, accountID string) (interfaces.Account, error) {
	return s.getAccount(ctx, `SELECT id, email, name, linked_providers, created_ms FROM accounts WHERE id = ?`, accountID)
}

// GetAccountByEmail retrieves an account by email, case-insensitively.
func (s *SQLiteStore) GetAccountByEmail(ctx context.Context, email string) (interfaces.Account, error) {
	return s.getAccount(ctx,
		`SELECT id, email, name, linked_providers, created_ms FROM accounts WHERE email_lower = ?`,
		strings.ToLower(email))
}

func (s *SQLiteStore) getAccount(ctx context.Context, query string, arg any) (interfaces.Account, error) {
	var account interfaces.Account
	var providers string
	var createdMs int64
	err := s.sqlDB.QueryRowContext(ctx, query, arg).
		Scan(&account.ID, &account.Email, &account.Name, &providers, &createdMs)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.Account{}, fmt.Errorf("%w: account", interfaces.ErrNotFound)
	}
	if err != nil {
		return interfaces.Account{}, s.dbErr("get account", err)
	}
	account.LinkedProviders = unmarshalStrings(providers)
	account.CreatedTime = fromMillis(createdMs)
	return account, nil
}

// UpdateAccount patches the display name and linked providers of the
// account registered under email.
func (s *SQLiteStore) UpdateAccount(ctx context.Context, email string, account interfaces.Account) error {
	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE accounts
SET name = COALESCE(NULLIF(?, ''), name),
    linked_providers = COALESCE(NULLIF(?, ''), linked_providers)
WHERE email_lower = ?`,
		account.Name, marshalStrings(account.LinkedProviders), strings.ToLower(email))
	if err != nil {
		return s.dbErr("update account", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return s.dbErr("update account", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: account for email %s", interfaces.ErrNotFound, email)
	}
	return nil
}

// GetAccountIDFromAccessKey resolves a bearer access key to its owning
// account.
func (s *SQLiteStore) GetAccountIDFromAccessKey(ctx context.Context, accessKeyID string) (string, error) {
	var accountID string
	var expiresMs int64
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT account_id, expires_ms FROM access_keys WHERE id = ?`, accessKeyID).
		Scan(&accountID, &expiresMs)
	if errors.Is(err, sql.ErrNoRows) {
		return "", fmt.Errorf("%w: access key", interfaces.ErrNotFound)
	}
	if err != nil {
		return "", s.dbErr("resolve access key", err)
	}

	if time.Now().After(fromMillis(expiresMs)) {
		return "", fmt.Errorf("%w: access key expired %s", interfaces.ErrForbidden, fromMillis(expiresMs).Format(time.RFC3339))
	}
	return accountID, nil
}

// AddAccessKey creates a key for the account, generating the bearer id and
// computing the expiry from ttl.
func (s *SQLiteStore) AddAccessKey(ctx context.Context, accountID string, key interfaces.AccessKey, ttl *time.Duration) (interfaces.AccessKey, error) {
	lifetime, err := resolveTTL(ttl)
	if err != nil {
		return interfaces.AccessKey{}, err
	}

	if _, err := s.accountEmail(ctx, s.sqlDB, accountID); err != nil {
		return interfaces.AccessKey{}, err
	}

	id, err := generateSecureKey()
	if err != nil {
		return interfaces.AccessKey{}, err
	}

	now := time.Now().UTC()
	stored := key
	stored.ID = id
	stored.CreatedTime = now
	stored.Expires = now.Add(lifetime)

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO access_keys (id, account_id, name, description, created_by, is_session, created_ms, expires_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		stored.ID, accountID, stored.Name, stored.Description, stored.CreatedBy,
		stored.IsSession, toMillis(stored.CreatedTime), toMillis(stored.Expires))
	if isUniqueViolation(err) {
		return interfaces.AccessKey{}, fmt.Errorf("%w: access key named %q already exists", interfaces.ErrConflict, key.Name)
	}
	if err != nil {
		return interfaces.AccessKey{}, s.dbErr("add access key", err)
	}
	return stored, nil
}

const accessKeyColumns = `id, name, description, created_by, is_session, created_ms, expires_ms`

func scanAccessKey(row rowScanner) (interfaces.AccessKey, error) {
	var key interfaces.AccessKey
	var createdMs, expiresMs int64
	err := row.Scan(&key.ID, &key.Name, &key.Description, &key.CreatedBy, &key.IsSession, &createdMs, &expiresMs)
	if err != nil {
		return interfaces.AccessKey{}, err
	}
	key.CreatedTime = fromMillis(createdMs)
	key.Expires = fromMillis(expiresMs)
	return key, nil
}

// GetAccessKey retrieves one key of the account by bearer id.
func (s *SQLiteStore) GetAccessKey(ctx context.Context, accountID, accessKeyID string) (interfaces.AccessKey, error) {
	if _, err := s.accountEmail(ctx, s.sqlDB, accountID); err != nil {
		return interfaces.AccessKey{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+accessKeyColumns+` FROM access_keys WHERE id = ? AND account_id = ?`,
		accessKeyID, accountID)
	key, err := scanAccessKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.AccessKey{}, fmt.Errorf("%w: access key", interfaces.ErrNotFound)
	}
	if err != nil {
		return interfaces.AccessKey{}, s.dbErr("get access key", err)
	}
	return key, nil
}

// GetAccessKeyByName retrieves one key of the account by its human label.
func (s *SQLiteStore) GetAccessKeyByName(ctx context.Context, accountID, name string) (interfaces.AccessKey, error) {
	if _, err := s.accountEmail(ctx, s.sqlDB, accountID); err != nil {
		return interfaces.AccessKey{}, err
	}

	row := s.sqlDB.QueryRowContext(ctx,
		`SELECT `+accessKeyColumns+` FROM access_keys WHERE account_id = ? AND name = ? AND name <> ''`,
		accountID, name)
	key, err := scanAccessKey(row)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.AccessKey{}, fmt.Errorf("%w: access key named %q", interfaces.ErrNotFound, name)
	}
	if err != nil {
		return interfaces.AccessKey{}, s.dbErr("get access key by name", err)
	}
	return key, nil
}

// GetAccessKeys lists the account's keys, oldest first.
func (s *SQLiteStore) GetAccessKeys(ctx context.Context, accountID string) ([]interfaces.AccessKey, error) {
	if _, err := s.accountEmail(ctx, s.sqlDB, accountID); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx,
		`SELECT `+accessKeyColumns+` FROM access_keys WHERE account_id = ? ORDER BY created_ms, id`, accountID)
	if err != nil {
		return nil, s.dbErr("list access keys", err)
	}
	defer rows.Close()

	keys := make([]interfaces.AccessKey, 0)
	for rows.Next() {
		key, err := scanAccessKey(rows)
		if err != nil {
			return nil, s.dbErr("scan access key", err)
		}
		keys = append(keys, key)
	}
	if err := rows.Err(); err != nil {
		return nil, s.dbErr("iterate access keys", err)
	}
	return keys, nil
}

// UpdateAccessKey patches Name, Description and Expires of the key
// identified by key.ID.
func (s *SQLiteStore) UpdateAccessKey(ctx context.Context, accountID string, key interfaces.AccessKey) error {
	if _, err := s.accountEmail(ctx, s.sqlDB, accountID); err != nil {
		return err
	}

	var expiresMs any
	if !key.Expires.IsZero() {
		expiresMs = toMillis(key.Expires)
	}

	result, err := s.sqlDB.ExecContext(ctx, `
UPDATE access_keys
SET name = COALESCE(NULLIF(?, ''), name),
    description = COALESCE(NULLIF(?, ''), description),
    expires_ms = COALESCE(?, expires_ms)
WHERE id = ? AND account_id = ?`,
		key.Name, key.Description, expiresMs, key.ID, accountID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: access key named %q already exists", interfaces.ErrConflict, key.Name)
	}
	if err != nil {
		return s.dbErr("update access key", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return s.dbErr("update access key", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: access key", interfaces.ErrNotFound)
	}
	return nil
}

// RemoveAccessKey deletes one key of the account.
func (s *SQLiteStore) RemoveAccessKey(ctx context.Context, accountID, accessKeyID string) error {
	if _, err := s.accountEmail(ctx, s.sqlDB, accountID); err != nil {
		return err
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM access_keys WHERE id = ? AND account_id = ?`, accessKeyID, accountID)
	if err != nil {
		return s.dbErr("remove access key", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return s.dbErr("remove access key", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: access key", interfaces.ErrNotFound)
	}
	return nil
}

// AddApp creates an app owned by the account.
func (s *SQLiteStore) AddApp(ctx context.Context, accountID string, app interfaces.App, manuallyProvisionDeployments bool) (interfaces.App, error) {
	if app.Name == "" {
		return interfaces.App{}, fmt.Errorf("%w: app name is required", interfaces.ErrInvalidArgument)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return interfaces.App{}, s.dbErr("begin add app", err)
	}
	defer tx.Rollback()

	email, err := s.accountEmail(ctx, tx, accountID)
	if err != nil {
		return interfaces.App{}, err
	}

	taken, err := s.visibleAppNameTaken(ctx, tx, email, app.Name, "")
	if err != nil {
		return interfaces.App{}, err
	}
	if taken {
		return interfaces.App{}, fmt.Errorf("%w: app named %q already exists", interfaces.ErrConflict, app.Name)
	}

	now := time.Now().UTC()
	appID := newID()
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO apps (id, name, created_ms) VALUES (?, ?, ?)`,
		appID, app.Name, toMillis(now)); err != nil {
		return interfaces.App{}, s.dbErr("insert app", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO collaborators (app_id, email, email_lower, permission)
VALUES (?, ?, ?, ?)`,
		appID, email, strings.ToLower(email), string(interfaces.PermissionOwner)); err != nil {
		return interfaces.App{}, s.dbErr("insert owner", err)
	}

	deploymentNames := []string(nil)
	if !manuallyProvisionDeployments {
		deploymentNames = []string{"Staging", "Production"}
		for _, name := range deploymentNames {
			key, err := generateSecureKey()
			if err != nil {
				return interfaces.App{}, err
			}
			if _, err := tx.ExecContext(ctx, `
INSERT INTO deployments (id, app_id, name, deploy_key, current_label_num, created_ms)
VALUES (?, ?, ?, ?, 0, ?)`,
				newID(), appID, name, key, toMillis(now)); err != nil {
				return interfaces.App{}, s.dbErr("insert default deployment", err)
			}
		}
	}

	if err := tx.Commit(); err != nil {
		return interfaces.App{}, s.dbErr("commit add app", err)
	}

	out := interfaces.App{
		ID:   appID,
		Name: app.Name,
		Collaborators: interfaces.CollaboratorMap{
			email: {Permission: interfaces.PermissionOwner, IsCurrentAccount: true},
		},
		Deployments: deploymentNames,
		CreatedTime: now,
	}
	return out, nil
}

// GetApps lists the apps visible to the account, sorted by name.
func (s *SQLiteStore) GetApps(ctx context.Context, accountID string) ([]interfaces.App, error) {
	email, err := s.accountEmail(ctx, s.sqlDB, accountID)
	if err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT a.id FROM apps a
JOIN collaborators c ON c.app_id = a.id
WHERE c.email_lower = ?
ORDER BY a.name`, strings.ToLower(email))
	if err != nil {
		return nil, s.dbErr("list apps", err)
	}
	defer rows.Close()

	var appIDs []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, s.dbErr("scan app id", err)
		}
		appIDs = append(appIDs, id)
	}
	if err := rows.Err(); err != nil {
		return nil, s.dbErr("iterate apps", err)
	}

	apps := make([]interfaces.App, 0, len(appIDs))
	for _, id := range appIDs {
		app, err := s.loadApp(ctx, s.sqlDB, id)
		if err != nil {
			return nil, err
		}
		markCurrentAccount(app.Collaborators, email)
		apps = append(apps, app)
	}
	return apps, nil
}

// GetApp retrieves one app on behalf of the account.
func (s *SQLiteStore) GetApp(ctx context.Context, accountID, appID string) (interfaces.App, error) {
	email, err := s.appPermission(ctx, s.sqlDB, accountID, appID, interfaces.PermissionCollaborator)
	if err != nil {
		return interfaces.App{}, err
	}

	app, err := s.loadApp(ctx, s.sqlDB, appID)
	if err != nil {
		return interfaces.App{}, err
	}
	markCurrentAccount(app.Collaborators, email)
	return app, nil
}

// UpdateApp renames the app identified by app.ID. Owner only.
func (s *SQLiteStore) UpdateApp(ctx context.Context, accountID string, app interfaces.App) error {
	if app.Name == "" {
		return fmt.Errorf("%w: app name is required", interfaces.ErrInvalidArgument)
	}

	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return s.dbErr("begin update app", err)
	}
	defer tx.Rollback()

	email, err := s.appPermission(ctx, tx, accountID, app.ID, interfaces.PermissionOwner)
	if err != nil {
		return err
	}
	taken, err := s.visibleAppNameTaken(ctx, tx, email, app.Name, app.ID)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: app named %q already exists", interfaces.ErrConflict, app.Name)
	}

	if _, err := tx.ExecContext(ctx, `UPDATE apps SET name = ? WHERE id = ?`, app.Name, app.ID); err != nil {
		return s.dbErr("update app", err)
	}
	if err := tx.Commit(); err != nil {
		return s.dbErr("commit update app", err)
	}
	return nil
}

// RemoveApp deletes the app, its deployments and their histories. Owner
// only. Blobs referenced by removed releases stay in place.
func (s *SQLiteStore) RemoveApp(ctx context.Context, accountID, appID string) error {
	if _, err := s.appPermission(ctx, s.sqlDB, accountID, appID, interfaces.PermissionOwner); err != nil {
		return err
	}

	// Foreign keys cascade to collaborators, deployments and packages.
	if _, err := s.sqlDB.ExecContext(ctx, `DELETE FROM apps WHERE id = ?`, appID); err != nil {
		return s.dbErr("remove app", err)
	}
	return nil
}

// TransferApp makes the account registered under email the new Owner and
// demotes the current Owner to Collaborator. Owner only.
func (s *SQLiteStore) TransferApp(ctx context.Context, accountID, appID, email string) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return s.dbErr("begin transfer app", err)
	}
	defer tx.Rollback()

	ownerEmail, err := s.appPermission(ctx, tx, accountID, appID, interfaces.PermissionOwner)
	if err != nil {
		return err
	}

	var targetEmail string
	err = tx.QueryRowContext(ctx,
		`SELECT email FROM accounts WHERE email_lower = ?`, strings.ToLower(email)).Scan(&targetEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: account for email %s", interfaces.ErrNotFound, email)
	}
	if err != nil {
		return s.dbErr("resolve transfer target", err)
	}

	if strings.EqualFold(ownerEmail, targetEmail) {
		return nil
	}

	var appName string
	if err := tx.QueryRowContext(ctx, `SELECT name FROM apps WHERE id = ?`, appID).Scan(&appName); err != nil {
		return s.dbErr("load app name", err)
	}
	taken, err := s.visibleAppNameTaken(ctx, tx, targetEmail, appName, appID)
	if err != nil {
		return err
	}
	if taken {
		return fmt.Errorf("%w: account %s already has an app named %q", interfaces.ErrConflict, targetEmail, appName)
	}

	if _, err := tx.ExecContext(ctx, `
UPDATE collaborators SET permission = ? WHERE app_id = ? AND permission = ?`,
		string(interfaces.PermissionCollaborator), appID, string(interfaces.PermissionOwner)); err != nil {
		return s.dbErr("demote owner", err)
	}
	if _, err := tx.ExecContext(ctx, `
INSERT INTO collaborators (app_id, email, email_lower, permission)
VALUES (?, ?, ?, ?)
ON CONFLICT (app_id, email_lower) DO UPDATE SET permission = excluded.permission`,
		appID, targetEmail, strings.ToLower(targetEmail), string(interfaces.PermissionOwner)); err != nil {
		return s.dbErr("promote new owner", err)
	}

	if err := tx.Commit(); err != nil {
		return s.dbErr("commit transfer app", err)
	}
	return nil
}

// AddCollaborator grants Collaborator permission to the account registered
// under email. Owner only.
func (s *SQLiteStore) AddCollaborator(ctx context.Context, accountID, appID, email string) error {
	if _, err := s.appPermission(ctx, s.sqlDB, accountID, appID, interfaces.PermissionOwner); err != nil {
		return err
	}

	var targetEmail string
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT email FROM accounts WHERE email_lower = ?`, strings.ToLower(email)).Scan(&targetEmail)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: account for email %s", interfaces.ErrNotFound, email)
	}
	if err != nil {
		return s.dbErr("resolve collaborator", err)
	}

	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO collaborators (app_id, email, email_lower, permission)
VALUES (?, ?, ?, ?)`,
		appID, targetEmail, strings.ToLower(targetEmail), string(interfaces.PermissionCollaborator))
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: %s is already a collaborator", interfaces.ErrConflict, targetEmail)
	}
	if err != nil {
		return s.dbErr("add collaborator", err)
	}
	return nil
}

// GetCollaborators returns the app's collaborator map.
func (s *SQLiteStore) GetCollaborators(ctx context.Context, accountID, appID string) (interfaces.CollaboratorMap, error) {
	email, err := s.appPermission(ctx, s.sqlDB, accountID, appID, interfaces.PermissionCollaborator)
	if err != nil {
		return nil, err
	}

	app, err := s.loadApp(ctx, s.sqlDB, appID)
	if err != nil {
		return nil, err
	}
	markCurrentAccount(app.Collaborators, email)
	return app.Collaborators, nil
}

// RemoveCollaborator removes a collaborator entry. The Owner may remove
// anyone but themselves; a collaborator may remove only themselves.
func (s *SQLiteStore) RemoveCollaborator(ctx context.Context, accountID, appID, email string) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return s.dbErr("begin remove collaborator", err)
	}
	defer tx.Rollback()

	callerEmail, err := s.appPermission(ctx, tx, accountID, appID, interfaces.PermissionCollaborator)
	if err != nil {
		return err
	}

	var targetEmail, targetPermission string
	err = tx.QueryRowContext(ctx,
		`SELECT email, permission FROM collaborators WHERE app_id = ? AND email_lower = ?`,
		appID, strings.ToLower(email)).Scan(&targetEmail, &targetPermission)
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %s is not a collaborator", interfaces.ErrNotFound, email)
	}
	if err != nil {
		return s.dbErr("resolve collaborator", err)
	}

	if interfaces.Permission(targetPermission) == interfaces.PermissionOwner {
		return fmt.Errorf("%w: the owner cannot be removed from an app", interfaces.ErrInvalidArgument)
	}

	var callerPermission string
	if err := tx.QueryRowContext(ctx,
		`SELECT permission FROM collaborators WHERE app_id = ? AND email_lower = ?`,
		appID, strings.ToLower(callerEmail)).Scan(&callerPermission); err != nil {
		return s.dbErr("resolve caller permission", err)
	}
	selfRemoval := strings.EqualFold(callerEmail, targetEmail)
	if interfaces.Permission(callerPermission) != interfaces.PermissionOwner && !selfRemoval {
		return fmt.Errorf("%w: only the owner can remove other collaborators", interfaces.ErrForbidden)
	}

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM collaborators WHERE app_id = ? AND email_lower = ?`,
		appID, strings.ToLower(targetEmail)); err != nil {
		return s.dbErr("remove collaborator", err)
	}
	if err := tx.Commit(); err != nil {
		return s.dbErr("commit remove collaborator", err)
	}
	return nil
}

// AddDeployment creates a deployment in the app, generating its internal
// id and client-facing key.
func (s *SQLiteStore) AddDeployment(ctx context.Context, accountID, appID string, deployment interfaces.Deployment) (interfaces.Deployment, error) {
	if deployment.Name == "" {
		return interfaces.Deployment{}, fmt.Errorf("%w: deployment name is required", interfaces.ErrInvalidArgument)
	}

	if _, err := s.appPermission(ctx, s.sqlDB, accountID, appID, interfaces.PermissionCollaborator); err != nil {
		return interfaces.Deployment{}, err
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
	_, err = s.sqlDB.ExecContext(ctx, `
INSERT INTO deployments (id, app_id, name, deploy_key, current_label_num, created_ms)
VALUES (?, ?, ?, ?, 0, ?)`,
		stored.ID, appID, stored.Name, stored.Key, toMillis(stored.CreatedTime))
	if isUniqueViolation(err) {
		return interfaces.Deployment{}, fmt.Errorf("%w: deployment named %q already exists", interfaces.ErrConflict, deployment.Name)
	}
	if err != nil {
		return interfaces.Deployment{}, s.dbErr("add deployment", err)
	}
	return stored, nil
}

// GetDeployment retrieves one deployment including its current package.
func (s *SQLiteStore) GetDeployment(ctx context.Context, accountID, appID, deploymentID string) (interfaces.Deployment, error) {
	if _, err := s.appPermission(ctx, s.sqlDB, accountID, appID, interfaces.PermissionCollaborator); err != nil {
		return interfaces.Deployment{}, err
	}

	dep, err := s.deploymentRow(ctx, s.sqlDB, appID, deploymentID)
	if err != nil {
		return interfaces.Deployment{}, err
	}
	return s.toDeployment(ctx, s.sqlDB, dep)
}

// GetDeployments lists the app's deployments, sorted by name.
func (s *SQLiteStore) GetDeployments(ctx context.Context, accountID, appID string) ([]interfaces.Deployment, error) {
	if _, err := s.appPermission(ctx, s.sqlDB, accountID, appID, interfaces.PermissionCollaborator); err != nil {
		return nil, err
	}

	rows, err := s.sqlDB.QueryContext(ctx, `
SELECT id, app_id, name, deploy_key, current_label_num, created_ms
FROM deployments WHERE app_id = ? ORDER BY name`, appID)
	if err != nil {
		return nil, s.dbErr("list deployments", err)
	}
	defer rows.Close()

	var deps []sqliteDeployment
	for rows.Next() {
		var dep sqliteDeployment
		if err := rows.Scan(&dep.id, &dep.appID, &dep.name, &dep.key, &dep.currentLabel, &dep.createdMs); err != nil {
			return nil, s.dbErr("scan deployment", err)
		}
		deps = append(deps, dep)
	}
	if err := rows.Err(); err != nil {
		return nil, s.dbErr("iterate deployments", err)
	}

	deployments := make([]interfaces.Deployment, 0, len(deps))
	for _, dep := range deps {
		out, err := s.toDeployment(ctx, s.sqlDB, dep)
		if err != nil {
			return nil, err
		}
		deployments = append(deployments, out)
	}
	return deployments, nil
}

// UpdateDeployment renames the deployment identified by deployment.ID.
func (s *SQLiteStore) UpdateDeployment(ctx context.Context, accountID, appID string, deployment interfaces.Deployment) error {
	if deployment.Name == "" {
		return fmt.Errorf("%w: deployment name is required", interfaces.ErrInvalidArgument)
	}

	if _, err := s.appPermission(ctx, s.sqlDB, accountID, appID, interfaces.PermissionCollaborator); err != nil {
		return err
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`UPDATE deployments SET name = ? WHERE id = ? AND app_id = ?`,
		deployment.Name, deployment.ID, appID)
	if isUniqueViolation(err) {
		return fmt.Errorf("%w: deployment named %q already exists", interfaces.ErrConflict, deployment.Name)
	}
	if err != nil {
		return s.dbErr("update deployment", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return s.dbErr("update deployment", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: deployment %s", interfaces.ErrNotFound, deployment.ID)
	}
	return nil
}

// RemoveDeployment deletes the deployment and its history. Blobs stay in
// place.
func (s *SQLiteStore) RemoveDeployment(ctx context.Context, accountID, appID, deploymentID string) error {
	if _, err := s.appPermission(ctx, s.sqlDB, accountID, appID, interfaces.PermissionCollaborator); err != nil {
		return err
	}

	result, err := s.sqlDB.ExecContext(ctx,
		`DELETE FROM deployments WHERE id = ? AND app_id = ?`, deploymentID, appID)
	if err != nil {
		return s.dbErr("remove deployment", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return s.dbErr("remove deployment", err)
	}
	if affected == 0 {
		return fmt.Errorf("%w: deployment %s", interfaces.ErrNotFound, deploymentID)
	}
	return nil
}

// GetDeploymentInfo resolves a client-facing deployment key.
func (s *SQLiteStore) GetDeploymentInfo(ctx context.Context, deploymentKey string) (interfaces.DeploymentInfo, error) {
	var info interfaces.DeploymentInfo
	err := s.sqlDB.QueryRowContext(ctx,
		`SELECT app_id, id FROM deployments WHERE deploy_key = ?`, deploymentKey).
		Scan(&info.AppID, &info.DeploymentID)
	if errors.Is(err, sql.ErrNoRows) {
		return interfaces.DeploymentInfo{}, fmt.Errorf("%w: deployment key", interfaces.ErrNotFound)
	}
	if err != nil {
		return interfaces.DeploymentInfo{}, s.dbErr("resolve deployment key", err)
	}
	return info, nil
}

// CommitPackage appends a release to the deployment's history and repoints
// the current package. The payload streams to the blob backend before the
// metadata transaction, so a cancelled upload leaves at worst an orphaned
// blob. The insert and pointer update run in one transaction retried a
// bounded number of times; losing every retry fails with ErrConflict.
func (s *SQLiteStore) CommitPackage(ctx context.Context, accountID, appID, deploymentID string, pkg interfaces.Package, content io.Reader, size int64) (interfaces.Package, error) {
	if err := validateNewPackage(pkg, content != nil); err != nil {
		return interfaces.Package{}, err
	}

	// Fail fast on permissions before any payload bytes move.
	email, err := s.appPermission(ctx, s.sqlDB, accountID, appID, interfaces.PermissionCollaborator)
	if err != nil {
		return interfaces.Package{}, err
	}
	if _, err := s.deploymentRow(ctx, s.sqlDB, appID, deploymentID); err != nil {
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

	pkg.ReleasedBy = email
	if pkg.ReleaseMethod == "" {
		pkg.ReleaseMethod = interfaces.ReleaseMethodUpload
	}

	for attempt := 0; attempt < commitRetries; attempt++ {
		if err := ctx.Err(); err != nil {
			return interfaces.Package{}, err
		}

		committed, err := s.tryCommit(ctx, deploymentID, pkg)
		if err == nil {
			s.log.Info("Committed release",
				slog.String("deployment_id", deploymentID),
				slog.String("label", committed.Label),
				slog.String("release_method", string(committed.ReleaseMethod)))
			return committed, nil
		}
		if !isUniqueViolation(err) && !isBusyError(err) {
			if errors.Is(err, interfaces.ErrNotFound) || errors.Is(err, interfaces.ErrUnavailable) {
				return interfaces.Package{}, err
			}
			return interfaces.Package{}, s.dbErr("commit release", err)
		}

		s.log.Debug("Retrying release commit",
			slog.String("deployment_id", deploymentID),
			slog.Int("attempt", attempt+1),
			"err", err)

		select {
		case <-ctx.Done():
			return interfaces.Package{}, ctx.Err()
		case <-time.After(time.Duration(attempt+1) * 10 * time.Millisecond):
		}
	}

	return interfaces.Package{}, fmt.Errorf("%w: deployment %s label assignment kept racing", interfaces.ErrConflict, deploymentID)
}

// tryCommit runs one optimistic label assignment attempt.
func (s *SQLiteStore) tryCommit(ctx context.Context, deploymentID string, pkg interfaces.Package) (interfaces.Package, error) {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return interfaces.Package{}, s.dbErr("begin commit release", err)
	}
	defer tx.Rollback()

	var maxLabel int
	if err := tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(label_num), 0) FROM packages WHERE deployment_id = ?`, deploymentID).
		Scan(&maxLabel); err != nil {
		return interfaces.Package{}, s.dbErr("read max label", err)
	}

	labelNum := maxLabel + 1
	pkg.Label = interfaces.FormatLabel(labelNum)
	pkg.UploadTime = time.Now().UTC()

	// The primary key on (deployment_id, label_num) turns a concurrent
	// commit that took the same label into a unique violation.
	if _, err := tx.ExecContext(ctx, `
INSERT INTO packages (deployment_id, label_num, app_version, package_hash, blob_id, blob_url,
    diff_package_map, rollout, is_disabled, is_mandatory, description, released_by,
    release_method, original_label, original_deployment, size, upload_ms)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		deploymentID, labelNum, pkg.AppVersion, pkg.PackageHash, pkg.BlobID, pkg.BlobURL,
		marshalDiffMap(pkg.DiffPackageMap), pkg.Rollout, pkg.IsDisabled, pkg.IsMandatory,
		pkg.Description, pkg.ReleasedBy, string(pkg.ReleaseMethod), pkg.OriginalLabel,
		pkg.OriginalDeployment, pkg.Size, toMillis(pkg.UploadTime)); err != nil {
		return interfaces.Package{}, err
	}

	result, err := tx.ExecContext(ctx,
		`UPDATE deployments SET current_label_num = ? WHERE id = ?`, labelNum, deploymentID)
	if err != nil {
		return interfaces.Package{}, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return interfaces.Package{}, s.dbErr("repoint deployment", err)
	}
	if affected == 0 {
		// The deployment vanished while the payload streamed; the stored
		// blob is orphaned, which reconciliation may clean up.
		return interfaces.Package{}, fmt.Errorf("%w: deployment %s", interfaces.ErrNotFound, deploymentID)
	}

	if err := tx.Commit(); err != nil {
		return interfaces.Package{}, err
	}
	return pkg, nil
}

// GetPackageHistory returns the deployment's history in ascending label
// order.
func (s *SQLiteStore) GetPackageHistory(ctx context.Context, accountID, appID, deploymentID string) ([]interfaces.Package, error) {
	if _, err := s.appPermission(ctx, s.sqlDB, accountID, appID, interfaces.PermissionCollaborator); err != nil {
		return nil, err
	}
	if _, err := s.deploymentRow(ctx, s.sqlDB, appID, deploymentID); err != nil {
		return nil, err
	}
	return s.loadHistory(ctx, s.sqlDB, deploymentID)
}

// GetPackageHistoryFromDeploymentKey returns the history addressed by
// client-facing deployment key.
func (s *SQLiteStore) GetPackageHistoryFromDeploymentKey(ctx context.Context, deploymentKey string) ([]interfaces.Package, error) {
	info, err := s.GetDeploymentInfo(ctx, deploymentKey)
	if err != nil {
		return nil, err
	}
	return s.loadHistory(ctx, s.sqlDB, info.DeploymentID)
}

// UpdatePackageHistory patches the mutable metadata of existing history
// entries.
func (s *SQLiteStore) UpdatePackageHistory(ctx context.Context, accountID, appID, deploymentID string, history []interfaces.Package) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return s.dbErr("begin update history", err)
	}
	defer tx.Rollback()

	if _, err := s.appPermission(ctx, tx, accountID, appID, interfaces.PermissionCollaborator); err != nil {
		return err
	}
	if _, err := s.deploymentRow(ctx, tx, appID, deploymentID); err != nil {
		return err
	}

	existing, err := s.loadHistory(ctx, tx, deploymentID)
	if err != nil {
		return err
	}
	merged, err := applyHistoryPatch(existing, history)
	if err != nil {
		return err
	}

	for _, pkg := range merged {
		labelNum, _ := interfaces.ParseLabel(pkg.Label)
		if _, err := tx.ExecContext(ctx, `
UPDATE packages SET description = ?, is_disabled = ?, is_mandatory = ?, rollout = ?
WHERE deployment_id = ? AND label_num = ?`,
			pkg.Description, pkg.IsDisabled, pkg.IsMandatory, pkg.Rollout,
			deploymentID, labelNum); err != nil {
			return s.dbErr("update release", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return s.dbErr("commit update history", err)
	}
	return nil
}

// ClearPackageHistory empties the history and clears the current package.
// Owner only. Blobs stay in place.
func (s *SQLiteStore) ClearPackageHistory(ctx context.Context, accountID, appID, deploymentID string) error {
	tx, err := s.sqlDB.BeginTx(ctx, nil)
	if err != nil {
		return s.dbErr("begin clear history", err)
	}
	defer tx.Rollback()

	if _, err := s.appPermission(ctx, tx, accountID, appID, interfaces.PermissionOwner); err != nil {
		return err
	}
	if _, err := s.deploymentRow(ctx, tx, appID, deploymentID); err != nil {
		return err
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM packages WHERE deployment_id = ?`, deploymentID); err != nil {
		return s.dbErr("clear history", err)
	}
	if _, err := tx.ExecContext(ctx,
		`UPDATE deployments SET current_label_num = 0 WHERE id = ?`, deploymentID); err != nil {
		return s.dbErr("reset current release", err)
	}

	if err := tx.Commit(); err != nil {
		return s.dbErr("commit clear history", err)
	}
	return nil
}

// PromotePackage commits the source deployment's current release into the
// destination deployment, reusing its payload.
func (s *SQLiteStore) PromotePackage(ctx context.Context, accountID, appID, sourceDeploymentID, destDeploymentID string, overrides interfaces.Package) (interfaces.Package, error) {
	if _, err := s.appPermission(ctx, s.sqlDB, accountID, appID, interfaces.PermissionCollaborator); err != nil {
		return interfaces.Package{}, err
	}

	src, err := s.deploymentRow(ctx, s.sqlDB, appID, sourceDeploymentID)
	if err != nil {
		return interfaces.Package{}, err
	}
	current, err := s.currentPackage(ctx, s.sqlDB, src)
	if err != nil {
		return interfaces.Package{}, err
	}
	if current == nil {
		return interfaces.Package{}, fmt.Errorf("%w: deployment %s has no releases", interfaces.ErrNotFound, sourceDeploymentID)
	}

	return s.CommitPackage(ctx, accountID, appID, destDeploymentID, derivePromoted(*current, src.name, overrides), nil, 0)
}

// RollbackPackage commits a new release restoring an earlier entry of the
// deployment's history.
func (s *SQLiteStore) RollbackPackage(ctx context.Context, accountID, appID, deploymentID, targetLabel string) (interfaces.Package, error) {
	if _, err := s.appPermission(ctx, s.sqlDB, accountID, appID, interfaces.PermissionCollaborator); err != nil {
		return interfaces.Package{}, err
	}
	dep, err := s.deploymentRow(ctx, s.sqlDB, appID, deploymentID)
	if err != nil {
		return interfaces.Package{}, err
	}

	history, err := s.loadHistory(ctx, s.sqlDB, deploymentID)
	if err != nil {
		return interfaces.Package{}, err
	}
	target, err := rollbackTarget(history, targetLabel)
	if err != nil {
		return interfaces.Package{}, err
	}

	return s.CommitPackage(ctx, accountID, appID, deploymentID, deriveRollback(target, dep.name), nil, 0)
}

// AddBlob persists a byte stream and returns the generated blob id.
func (s *SQLiteStore) AddBlob(ctx context.Context, content io.Reader, size int64) (string, error) {
	blobID := newID()
	if err := s.blobs.Put(ctx, blobID, content, size); err != nil {
		return "", err
	}
	return blobID, nil
}

// GetBlobURL returns a fetchable locator for a stored blob.
func (s *SQLiteStore) GetBlobURL(ctx context.Context, blobID string) (string, error) {
	return s.blobs.URL(ctx, blobID)
}

// RemoveBlob deletes a blob. Removing a nonexistent id is not an error.
func (s *SQLiteStore) RemoveBlob(ctx context.Context, blobID string) error {
	return s.blobs.Remove(ctx, blobID)
}
