// Package storage implements the metadata backends behind
// interfaces.Storage.
//
// Two backends are provided: MemoryStore keeps everything in process for
// tests and development, SQLiteStore persists to a single-file database.
// Both delegate payload bytes to an interfaces.BlobBackend and implement
// identical semantics, so the backend is selected once at startup from a
// location URI via the Factory and callers never branch on the concrete
// type.
//
// Release commits are linearizable per deployment: labels are assigned as
// max existing label + 1 with no gaps or duplicates, the payload is fully
// persisted in the blob backend before any metadata becomes visible, and a
// commit that keeps losing the label race fails with ErrConflict after a
// bounded number of internal retries.
package storage
