// Package remote is the HTTP client for the dealdesk server API. It is
// the only path the local engine uses to talk to the backend: version
// probes, draft pushes, and finalize confirmation.
package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"dealdesk/engine/internal/draft"
)

// VersionInfo is the server's view of one document.
type VersionInfo struct {
	ServerVersion int64  `json:"serverVersion"`
	Status        string `json:"status"`
	// Known is false when the server has never seen the document.
	Known bool `json:"-"`
}

// Client talks to the dealdesk server.
type Client struct {
	baseURL string
	token   string
	http    *http.Client
}

// NewClient builds a client for the given base URL. The token is sent
// as a bearer credential on every request.
func NewClient(baseURL, token string) *Client {
	return &Client{
		baseURL: baseURL,
		token:   token,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

// GetVersion fetches the server-side version of a document. A document
// the server does not know yet is reported with Known=false, not as an
// error.
func (c *Client) GetVersion(ctx context.Context, documentID string) (VersionInfo, error) {
	var info VersionInfo
	status, err := c.do(ctx, http.MethodGet,
		fmt.Sprintf("/api/documents/%s/version", documentID), nil, &info)
	if err != nil {
		return VersionInfo{}, err
	}
	if status == http.StatusNotFound {
		return VersionInfo{}, nil
	}
	if status != http.StatusOK {
		return VersionInfo{}, fmt.Errorf("get version: unexpected status %d", status)
	}
	info.Known = true
	return info, nil
}

type pushRequest struct {
	DealID       string         `json:"dealId"`
	TemplateID   string         `json:"templateId"`
	LocalVersion int64          `json:"localVersion"`
	FieldValues  map[string]any `json:"fieldValues"`
}

type pushResponse struct {
	ServerVersion int64 `json:"serverVersion"`
}

// PushDraft uploads the local draft state and returns the new server
// version. A stale local version comes back as a VersionConflictError.
func (c *Client) PushDraft(ctx context.Context, documentID, dealID, templateID string, localVersion int64, fields map[string]any) (int64, error) {
	req := pushRequest{
		DealID:       dealID,
		TemplateID:   templateID,
		LocalVersion: localVersion,
		FieldValues:  fields,
	}
	var resp pushResponse
	status, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/documents/%s/draft", documentID), req, &resp)
	if err != nil {
		return 0, err
	}
	switch status {
	case http.StatusOK:
		return resp.ServerVersion, nil
	case http.StatusConflict:
		return 0, &draft.VersionConflictError{
			ID:            documentID,
			LocalVersion:  localVersion,
			ServerVersion: resp.ServerVersion,
		}
	default:
		return 0, fmt.Errorf("push draft: unexpected status %d", status)
	}
}

type confirmRequest struct {
	LocalVersion int64  `json:"localVersion"`
	ArtifactRef  string `json:"artifactRef"`
}

type confirmResponse struct {
	ServerVersion int64 `json:"serverVersion"`
}

// ConfirmFinalized records the finalize on the server. A version
// conflict means someone else finalized or edited the document first;
// the caller must not overwrite anything locally.
func (c *Client) ConfirmFinalized(ctx context.Context, documentID string, localVersion int64, artifactRef string) (int64, error) {
	req := confirmRequest{LocalVersion: localVersion, ArtifactRef: artifactRef}
	var resp confirmResponse
	status, err := c.do(ctx, http.MethodPost,
		fmt.Sprintf("/api/documents/%s/finalize", documentID), req, &resp)
	if err != nil {
		return 0, err
	}
	switch status {
	case http.StatusOK:
		return resp.ServerVersion, nil
	case http.StatusConflict:
		return 0, &draft.VersionConflictError{
			ID:            documentID,
			LocalVersion:  localVersion,
			ServerVersion: resp.ServerVersion,
		}
	default:
		return 0, fmt.Errorf("confirm finalize: unexpected status %d", status)
	}
}

// do sends one request and decodes the body into out when it is
// non-nil. It returns the HTTP status so callers can map domain
// statuses (404, 409) themselves.
func (c *Client) do(ctx context.Context, method, path string, body, out any) (int, error) {
	var reader io.Reader
	if body != nil {
		buf, err := json.Marshal(body)
		if err != nil {
			return 0, fmt.Errorf("encode request: %w", err)
		}
		reader = bytes.NewReader(buf)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return 0, fmt.Errorf("build request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return 0, fmt.Errorf("%s %s: %w", method, path, err)
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode != http.StatusNotFound {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil && err != io.EOF {
			return resp.StatusCode, fmt.Errorf("decode response: %w", err)
		}
	}
	return resp.StatusCode, nil
}
