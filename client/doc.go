/*
Package client provides an HTTP client for the release storage server.

It wraps the management API used by developer tooling (accounts, access
keys, apps, deployments, releases) and the acquisition API's update check
for smoke testing a deployment end to end. Authentication uses either a
bearer access key or a trusted upstream account id header.

Server-side errors surface as *APIError carrying the HTTP status code and
the server's message:

	pkg, err := c.UploadRelease(ctx, appID, deploymentID, settings, file)
	var apiErr *client.APIError
	if errors.As(err, &apiErr) && apiErr.StatusCode == http.StatusConflict {
		// a concurrent release took the label
	}
*/
package client
