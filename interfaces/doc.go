// Package interfaces defines the storage contract and domain types for the
// release distribution service, separating interface definitions from
// implementations.
//
// # Storage Interfaces
//
// Storage: The single polymorphic contract every metadata backend satisfies,
// composed of the account, access key, app, deployment, release and blob
// sub-stores plus health checking. A concrete backend (in-memory or SQLite)
// is selected once at process start from a location URI.
//
// BlobBackend: Streams opaque release payloads across multiple backend types
// (memory, file, S3, IPFS, Vault) behind generated blob ids.
//
// BlobBackendFactory: Creates blob backends from URI strings and manages
// multi-backend configurations for redundant storage.
//
// # Domain Types
//
// Account, AccessKey, App, Deployment and Package model the release
// hierarchy: accounts own apps through collaborator maps, apps hold named
// deployments, and each deployment carries an append-only package history
// with strictly increasing labels ("v1", "v2", ...) and a current package
// pointer.
//
// # Error Taxonomy
//
// All operations fail with exactly one of the sentinel errors ErrNotFound,
// ErrConflict, ErrForbidden, ErrInvalidArgument or ErrUnavailable, wrapped
// with context and matchable with errors.Is. Raw backend errors never leak
// past the storage boundary.
package interfaces
