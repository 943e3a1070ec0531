// Package blobstore provides streamed storage for release payloads across
// multiple backend types.
//
// Each backend implements interfaces.BlobBackend: payloads are written under
// caller-chosen blob ids, read back as streams, resolved to fetchable URLs
// and removed idempotently. Supported backends:
//
//   - memory:// - In-process storage for tests and development
//   - file://   - Local filesystem storage with atomic writes
//   - s3://     - Amazon S3 or compatible object storage with presigned URLs
//   - ipfs://   - IPFS mutable file system, resolved through a gateway
//   - vault://  - HashiCorp Vault KV v2 for small protected payloads
//
// The Factory creates backends from location URIs and can aggregate several
// of them into one replicating backend that writes through a primary and
// mirrors to the rest.
package blobstore
