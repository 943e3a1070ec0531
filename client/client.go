package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/nimbusota/release-storage-backend/httpserver"
	"github.com/nimbusota/release-storage-backend/interfaces"
)

// Client talks to the release storage management and acquisition APIs.
type Client struct {
	// ServerURL is the base URL of the release storage server.
	ServerURL string

	// AccessKey authenticates management calls as a bearer token when set.
	AccessKey string

	// AccountID impersonates a trusted upstream identity when set. Meant
	// for deployments where authentication terminates in a proxy before
	// this service.
	AccountID string

	// HTTPClient overrides http.DefaultClient when set.
	HTTPClient *http.Client
}

// APIError is a non-2xx response from the server.
type APIError struct {
	StatusCode int
	Message    string
}

// Error renders the status code and the server's error message.
func (e *APIError) Error() string {
	return fmt.Sprintf("server returned %d: %s", e.StatusCode, e.Message)
}

func (c *Client) httpClient() *http.Client {
	if c.HTTPClient != nil {
		return c.HTTPClient
	}
	return http.DefaultClient
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader, contentType string, out any) error {
	req, err := http.NewRequestWithContext(ctx, method, c.ServerURL+path, body)
	if err != nil {
		return err
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.AccessKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.AccessKey)
	}
	if c.AccountID != "" {
		req.Header.Set(httpserver.AccountIDHeader, c.AccountID)
	}

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return fmt.Errorf("could not reach release storage server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		bodyBytes, readErr := io.ReadAll(resp.Body)
		if readErr != nil {
			return &APIError{StatusCode: resp.StatusCode}
		}
		return &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(bodyBytes))}
	}

	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("could not parse server response: %w", err)
	}
	return nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, in, out any) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		raw, err := json.Marshal(in)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
		contentType = "application/json"
	}
	return c.do(ctx, method, path, body, contentType, out)
}

// AddAccount registers an account. Registration needs no credentials.
func (c *Client) AddAccount(ctx context.Context, account interfaces.Account) (interfaces.Account, error) {
	var created interfaces.Account
	err := c.doJSON(ctx, http.MethodPost, "/management/accounts", account, &created)
	return created, err
}

// GetAccount returns the calling account.
func (c *Client) GetAccount(ctx context.Context) (interfaces.Account, error) {
	var account interfaces.Account
	err := c.doJSON(ctx, http.MethodGet, "/management/account", nil, &account)
	return account, err
}

// AddAccessKey mints a bearer access key. The generated key id is returned
// once in full; a nil ttl applies the server default.
func (c *Client) AddAccessKey(ctx context.Context, name, description, createdBy string, ttl *time.Duration) (interfaces.AccessKey, error) {
	req := struct {
		Name        string `json:"name,omitempty"`
		Description string `json:"description,omitempty"`
		CreatedBy   string `json:"createdBy,omitempty"`
		TTLMillis   *int64 `json:"ttl,omitempty"`
	}{Name: name, Description: description, CreatedBy: createdBy}
	if ttl != nil {
		millis := ttl.Milliseconds()
		req.TTLMillis = &millis
	}

	var created interfaces.AccessKey
	err := c.doJSON(ctx, http.MethodPost, "/management/accessKeys", req, &created)
	return created, err
}

// GetAccessKeys lists the calling account's access keys.
func (c *Client) GetAccessKeys(ctx context.Context) ([]interfaces.AccessKey, error) {
	var keys []interfaces.AccessKey
	err := c.doJSON(ctx, http.MethodGet, "/management/accessKeys", nil, &keys)
	return keys, err
}

// RemoveAccessKey deletes an access key by its name.
func (c *Client) RemoveAccessKey(ctx context.Context, name string) error {
	return c.doJSON(ctx, http.MethodDelete, "/management/accessKeys/"+url.PathEscape(name), nil, nil)
}

// AddApp creates an app. Unless manuallyProvisionDeployments is set the
// server provisions default Staging and Production deployments.
func (c *Client) AddApp(ctx context.Context, name string, manuallyProvisionDeployments bool) (interfaces.App, error) {
	req := struct {
		Name                         string `json:"name"`
		ManuallyProvisionDeployments bool   `json:"manuallyProvisionDeployments,omitempty"`
	}{Name: name, ManuallyProvisionDeployments: manuallyProvisionDeployments}

	var created interfaces.App
	err := c.doJSON(ctx, http.MethodPost, "/management/apps", req, &created)
	return created, err
}

// GetApps lists the apps visible to the calling account.
func (c *Client) GetApps(ctx context.Context) ([]interfaces.App, error) {
	var apps []interfaces.App
	err := c.doJSON(ctx, http.MethodGet, "/management/apps", nil, &apps)
	return apps, err
}

// GetApp returns one app.
func (c *Client) GetApp(ctx context.Context, appID string) (interfaces.App, error) {
	var app interfaces.App
	err := c.doJSON(ctx, http.MethodGet, "/management/apps/"+url.PathEscape(appID), nil, &app)
	return app, err
}

// RemoveApp deletes an app with its deployments and histories.
func (c *Client) RemoveApp(ctx context.Context, appID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/management/apps/"+url.PathEscape(appID), nil, nil)
}

// TransferApp hands app ownership to the account registered under email.
func (c *Client) TransferApp(ctx context.Context, appID, email string) error {
	return c.doJSON(ctx, http.MethodPost, "/management/apps/"+url.PathEscape(appID)+"/transfer/"+url.PathEscape(email), nil, nil)
}

// AddCollaborator grants Collaborator permission on the app.
func (c *Client) AddCollaborator(ctx context.Context, appID, email string) error {
	return c.doJSON(ctx, http.MethodPost, "/management/apps/"+url.PathEscape(appID)+"/collaborators/"+url.PathEscape(email), nil, nil)
}

// GetCollaborators returns the app's collaborator map.
func (c *Client) GetCollaborators(ctx context.Context, appID string) (interfaces.CollaboratorMap, error) {
	var collaborators interfaces.CollaboratorMap
	err := c.doJSON(ctx, http.MethodGet, "/management/apps/"+url.PathEscape(appID)+"/collaborators", nil, &collaborators)
	return collaborators, err
}

// RemoveCollaborator removes a collaborator entry.
func (c *Client) RemoveCollaborator(ctx context.Context, appID, email string) error {
	return c.doJSON(ctx, http.MethodDelete, "/management/apps/"+url.PathEscape(appID)+"/collaborators/"+url.PathEscape(email), nil, nil)
}

// AddDeployment creates a deployment. The response carries the generated
// client-facing deployment key.
func (c *Client) AddDeployment(ctx context.Context, appID, name string) (interfaces.Deployment, error) {
	req := struct {
		Name string `json:"name"`
	}{Name: name}

	var created interfaces.Deployment
	err := c.doJSON(ctx, http.MethodPost, "/management/apps/"+url.PathEscape(appID)+"/deployments", req, &created)
	return created, err
}

// GetDeployments lists the app's deployments.
func (c *Client) GetDeployments(ctx context.Context, appID string) ([]interfaces.Deployment, error) {
	var deployments []interfaces.Deployment
	err := c.doJSON(ctx, http.MethodGet, "/management/apps/"+url.PathEscape(appID)+"/deployments", nil, &deployments)
	return deployments, err
}

// RemoveDeployment deletes a deployment and its history.
func (c *Client) RemoveDeployment(ctx context.Context, appID, deploymentID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/management/apps/"+url.PathEscape(appID)+"/deployments/"+url.PathEscape(deploymentID), nil, nil)
}

// ReleaseSettings carries the caller-controlled release metadata for
// uploads and promotions.
type ReleaseSettings struct {
	AppVersion  string `json:"appVersion,omitempty"`
	Description string `json:"description,omitempty"`
	IsDisabled  bool   `json:"isDisabled,omitempty"`
	IsMandatory bool   `json:"isMandatory,omitempty"`
	Rollout     int    `json:"rollout,omitempty"`
}

// UploadRelease streams a payload to the server and commits it as a new
// release of the deployment.
func (c *Client) UploadRelease(ctx context.Context, appID, deploymentID string, settings ReleaseSettings, payload io.Reader) (interfaces.Package, error) {
	info, err := json.Marshal(settings)
	if err != nil {
		return interfaces.Package{}, err
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		writeErr := func() error {
			if err := mw.WriteField("packageInfo", string(info)); err != nil {
				return err
			}
			fw, err := mw.CreateFormFile("package", "package.bin")
			if err != nil {
				return err
			}
			if _, err := io.Copy(fw, payload); err != nil {
				return err
			}
			return mw.Close()
		}()
		pw.CloseWithError(writeErr)
	}()

	path := "/management/apps/" + url.PathEscape(appID) + "/deployments/" + url.PathEscape(deploymentID) + "/release"
	var committed interfaces.Package
	err = c.do(ctx, http.MethodPost, path, pr, mw.FormDataContentType(), &committed)
	return committed, err
}

// PromoteRelease commits the source deployment's current release into the
// destination deployment, applying the given overrides.
func (c *Client) PromoteRelease(ctx context.Context, appID, sourceDeploymentID, destDeploymentID string, overrides ReleaseSettings) (interfaces.Package, error) {
	path := "/management/apps/" + url.PathEscape(appID) + "/deployments/" + url.PathEscape(sourceDeploymentID) + "/promote/" + url.PathEscape(destDeploymentID)
	var promoted interfaces.Package
	err := c.doJSON(ctx, http.MethodPost, path, overrides, &promoted)
	return promoted, err
}

// RollbackRelease commits a release restoring an earlier history entry. An
// empty targetLabel rolls back to the release before the current one.
func (c *Client) RollbackRelease(ctx context.Context, appID, deploymentID, targetLabel string) (interfaces.Package, error) {
	req := struct {
		TargetLabel string `json:"targetLabel,omitempty"`
	}{TargetLabel: targetLabel}

	path := "/management/apps/" + url.PathEscape(appID) + "/deployments/" + url.PathEscape(deploymentID) + "/rollback"
	var rolled interfaces.Package
	err := c.doJSON(ctx, http.MethodPost, path, req, &rolled)
	return rolled, err
}

// GetHistory returns the deployment's package history in ascending label
// order.
func (c *Client) GetHistory(ctx context.Context, appID, deploymentID string) ([]interfaces.Package, error) {
	var history []interfaces.Package
	err := c.doJSON(ctx, http.MethodGet, "/management/apps/"+url.PathEscape(appID)+"/deployments/"+url.PathEscape(deploymentID)+"/history", nil, &history)
	return history, err
}

// UpdateHistory patches the mutable metadata of existing history entries.
func (c *Client) UpdateHistory(ctx context.Context, appID, deploymentID string, history []interfaces.Package) error {
	return c.doJSON(ctx, http.MethodPatch, "/management/apps/"+url.PathEscape(appID)+"/deployments/"+url.PathEscape(deploymentID)+"/history", history, nil)
}

// ClearHistory empties the deployment's history.
func (c *Client) ClearHistory(ctx context.Context, appID, deploymentID string) error {
	return c.doJSON(ctx, http.MethodDelete, "/management/apps/"+url.PathEscape(appID)+"/deployments/"+url.PathEscape(deploymentID)+"/history", nil, nil)
}

// UpdateInfo is the acquisition protocol answer for one device.
type UpdateInfo struct {
	IsAvailable bool   `json:"isAvailable"`
	IsMandatory bool   `json:"isMandatory,omitempty"`
	AppVersion  string `json:"appVersion,omitempty"`
	Label       string `json:"label,omitempty"`
	PackageHash string `json:"packageHash,omitempty"`
	PackageSize int64  `json:"packageSize,omitempty"`
	Description string `json:"description,omitempty"`
	DownloadURL string `json:"downloadUrl,omitempty"`
}

// CheckForUpdate performs an acquisition-side update check against a
// deployment key, the way an installed application would.
func (c *Client) CheckForUpdate(ctx context.Context, deploymentKey, appVersion, packageHash, clientID string) (UpdateInfo, error) {
	params := url.Values{}
	params.Set("deploymentKey", deploymentKey)
	params.Set("appVersion", appVersion)
	if packageHash != "" {
		params.Set("packageHash", packageHash)
	}
	if clientID != "" {
		params.Set("clientUniqueId", clientID)
	}

	var resp struct {
		UpdateInfo UpdateInfo `json:"updateInfo"`
	}
	err := c.do(ctx, http.MethodGet, "/updateCheck?"+params.Encode(), nil, "", &resp)
	return resp.UpdateInfo, err
}
