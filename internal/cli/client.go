package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"livesync/internal/models"
)

// Client calls the server's JSON endpoints. One Client reuses one keep-alive
// connection, so pushes for its session come back merged into responses.
type Client struct {
	BaseURL string
	HTTP    *http.Client
}

// NewClient creates a client for the server at baseURL.
func NewClient(baseURL string) *Client {
	return &Client{
		BaseURL: strings.TrimRight(baseURL, "/"),
		HTTP:    &http.Client{Timeout: 60 * time.Second},
	}
}

// ServerError is a non-200 answer from the server.
type ServerError struct {
	Status int
	Reason string
}

func (e *ServerError) Error() string {
	return fmt.Sprintf("server answered %d: %s", e.Status, e.Reason)
}

func (c *Client) post(ctx context.Context, path string, req, resp any) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+path, bytes.NewReader(body))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return fmt.Errorf("failed to reach %s: %w", c.BaseURL, err)
	}
	defer httpResp.Body.Close()

	if httpResp.StatusCode != http.StatusOK {
		var e models.ErrorResponse
		if err := json.NewDecoder(httpResp.Body).Decode(&e); err != nil || e.Error == "" {
			e.Error = http.StatusText(httpResp.StatusCode)
		}
		return &ServerError{Status: httpResp.StatusCode, Reason: e.Error}
	}
	if err := json.NewDecoder(httpResp.Body).Decode(resp); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

func (c *Client) Init(ctx context.Context, session string) (*models.EmptyResponse, error) {
	var resp models.EmptyResponse
	err := c.post(ctx, "/api/init", models.InitRequest{Session: session}, &resp)
	return &resp, err
}

func (c *Client) Watch(ctx context.Context, session, subclass string) (*models.WatchResponse, error) {
	var resp models.WatchResponse
	err := c.post(ctx, "/api/watch", models.WatchRequest{Session: session, Subclass: subclass}, &resp)
	return &resp, err
}

func (c *Client) Unwatch(ctx context.Context, session, id string) (*models.EmptyResponse, error) {
	var resp models.EmptyResponse
	err := c.post(ctx, "/api/unwatch", models.UnwatchRequest{Session: session, ID: id}, &resp)
	return &resp, err
}

func (c *Client) Forget(ctx context.Context, session string, refs []models.RefSpec) (*models.ForgetResponse, error) {
	var resp models.ForgetResponse
	err := c.post(ctx, "/api/forget", models.ForgetRequest{Session: session, Forget: refs}, &resp)
	return &resp, err
}

func (c *Client) Sync(ctx context.Context, req *models.SyncRequest) (*models.SyncResponse, error) {
	var resp models.SyncResponse
	err := c.post(ctx, "/api/sync", req, &resp)
	return &resp, err
}
