// Package main (cmd/httpserver) implements the release storage server binary.
//
// The server exposes the management API for accounts, apps, deployments and
// releases, the unauthenticated acquisition API devices poll for updates,
// health endpoints for orchestration, and a Prometheus scrape endpoint on a
// separate listener.
//
// Two storage axes are configured independently at startup. The metadata
// store holds accounts, apps, deployments and release histories and is
// selected by --storage-uri (memory:// or sqlite:///path/to/db). The blob
// store holds release payloads and is selected by one or more --blob-uri
// flags (memory://, file://, s3://, ipfs://, vault://); passing several
// blob URIs builds a replicating backend that writes to every configured
// store and reads from the first one that answers.
//
// The server implements graceful shutdown on receiving termination signals
// (SIGINT/SIGTERM), draining in-flight requests before exiting.
//
// Example usage for development:
//
//	release-storage-server --listen-addr=127.0.0.1:8080 \
//	    --storage-uri=memory:// \
//	    --blob-uri=memory:// \
//	    --log-debug
//
// Example usage with durable storage and replicated payloads:
//
//	release-storage-server --listen-addr=0.0.0.0:8080 \
//	    --storage-uri=sqlite:///var/lib/release-storage/meta.db \
//	    --blob-uri='s3://releases-bucket/ota?region=us-east-1' \
//	    --blob-uri=file:///var/lib/release-storage/blobs \
//	    --metrics-addr=0.0.0.0:8090
package main
