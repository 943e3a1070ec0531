/*
Package httpserver implements the HTTP server for the release storage
service.

It exposes two APIs on one listener. The management API is used by
developer tooling to administer accounts, access keys, apps, deployments
and release histories. The acquisition API is polled by installed
applications to learn about and download the release they should run;
callers there identify a release channel purely by its unguessable
deployment key.

A separate metrics listener serves Prometheus metrics when configured.

# Management API Endpoints

All management endpoints except account registration require
authentication, either an "Authorization: Bearer <accessKey>" header or an
X-Account-ID header set by a trusted upstream proxy.

  - POST /management/accounts - Register an account
  - GET /management/account - Get the calling account
  - PATCH /management/account - Update display name and linked providers
  - GET|POST /management/accessKeys - List and mint access keys
  - GET|PATCH|DELETE /management/accessKeys/{keyName} - Manage one key
  - GET|POST /management/apps - List and create apps
  - GET|PATCH|DELETE /management/apps/{appID} - Manage one app
  - POST /management/apps/{appID}/transfer/{email} - Transfer ownership
  - GET /management/apps/{appID}/collaborators - List collaborators
  - POST|DELETE /management/apps/{appID}/collaborators/{email} - Manage one
  - GET|POST /management/apps/{appID}/deployments - List and create
  - GET|PATCH|DELETE .../deployments/{deploymentID} - Manage one deployment
  - POST .../deployments/{deploymentID}/release - Upload a release
  - POST .../deployments/{deploymentID}/promote/{destDeploymentID} - Promote
  - POST .../deployments/{deploymentID}/rollback - Roll back
  - GET|PATCH|DELETE .../deployments/{deploymentID}/history - Manage history

# Acquisition API Endpoints

  - GET /updateCheck - Resolve the release a device should run
  - GET /blobs/{blobID} - Download a stored payload

# Health Endpoints

  - GET /livez - Liveness check
  - GET /readyz - Readiness check, includes a storage health probe
  - GET /drain - Gracefully mark server as not ready
  - GET /undrain - Mark server as ready

# Error Mapping

Storage errors surface as HTTP statuses: not found 404, conflict 409,
forbidden 403, invalid argument 400, backend unavailable 503.

# Example Usage

	cfg := &httpserver.HTTPServerConfig{
		ListenAddr:               ":8080",
		MetricsAddr:              ":9090",
		Log:                      logger,
		DrainDuration:            30 * time.Second,
		GracefulShutdownDuration: 30 * time.Second,
		ReadTimeout:              5 * time.Second,
		WriteTimeout:             30 * time.Second,
	}

	handler := httpserver.NewHandler(store, blobs, logger)

	server, err := httpserver.New(cfg, handler)
	if err != nil {
		log.Fatalf("Failed to create server: %v", err)
	}

	server.RunInBackground()
	defer server.Shutdown()

The server is storage-agnostic: it talks to any interfaces.Storage
implementation selected at startup through its location URI.
*/
package httpserver
