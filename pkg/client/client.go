// Package client is a Go client for the runbox HTTP API.
package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/opensandbox/runbox/pkg/types"
)

// Client is an HTTP client for the runbox API.
type Client struct {
	baseURL    string
	apiKey     string
	ownerID    string
	httpClient *http.Client
}

// Option configures a Client.
type Option func(*Client)

// WithOwner sets the X-Owner-ID sent with every request.
func WithOwner(ownerID string) Option {
	return func(c *Client) { c.ownerID = ownerID }
}

// WithHTTPClient replaces the default HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient creates a new runbox API client.
func NewClient(baseURL, apiKey string, opts ...Option) *Client {
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			// long enough for /wait with the server's maximum
			Timeout: 3 * time.Minute,
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// APIError is a non-2xx response.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("API error (status %d): %s", e.StatusCode, e.Message)
}

var codeErrors = map[string]error{
	"not_found":            types.ErrNotFound,
	"unsupported_language": types.ErrUnsupportedLanguage,
	"invalid_filename":     types.ErrInvalidFilename,
	"invalid_request":      types.ErrInvalidRequest,
	"code_too_large":       types.ErrCodeTooLarge,
	"quota_exceeded":       types.ErrQuotaExceeded,
	"already_terminal":     types.ErrAlreadyTerminal,
	"queue_full":           types.ErrQueueFull,
	"shutting_down":        types.ErrShuttingDown,
}

// Unwrap lets callers use errors.Is with the sentinels in pkg/types.
func (e *APIError) Unwrap() error {
	return codeErrors[e.Code]
}

func readAPIError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
	apiErr := &APIError{StatusCode: resp.StatusCode, Message: strings.TrimSpace(string(body))}
	var er types.ErrorResponse
	if json.Unmarshal(body, &er) == nil && er.Error != "" {
		apiErr.Message = er.Error
		apiErr.Code = er.Code
	}
	return apiErr
}

// doRequest performs an HTTP request with API key and owner headers.
func (c *Client) doRequest(ctx context.Context, method, path string, body io.Reader, contentType string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	if c.apiKey != "" {
		req.Header.Set("X-API-Key", c.apiKey)
	}
	if c.ownerID != "" {
		req.Header.Set("X-Owner-ID", c.ownerID)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("execute request: %w", err)
	}
	return resp, nil
}

// call sends in as JSON (if non-nil) and decodes a 2xx response into out
// (if non-nil).
func (c *Client) call(ctx context.Context, method, path string, in, out interface{}) error {
	var body io.Reader
	contentType := ""
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("marshal request body: %w", err)
		}
		body = bytes.NewReader(data)
		contentType = "application/json"
	}

	resp, err := c.doRequest(ctx, method, path, body, contentType)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return readAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

// --- Jobs ---

// Submit queues an execution request and returns the job ID.
func (c *Client) Submit(ctx context.Context, req types.ExecutionRequest) (string, error) {
	var resp types.SubmitResponse
	if err := c.call(ctx, http.MethodPost, "/jobs", req, &resp); err != nil {
		return "", err
	}
	return resp.JobID, nil
}

// GetJob returns the current snapshot of a job.
func (c *Client) GetJob(ctx context.Context, id string) (*types.JobSnapshot, error) {
	var snap types.JobSnapshot
	if err := c.call(ctx, http.MethodGet, "/jobs/"+url.PathEscape(id), nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// CancelJob cancels a queued or running job.
func (c *Client) CancelJob(ctx context.Context, id string) (*types.JobSnapshot, error) {
	var snap types.JobSnapshot
	if err := c.call(ctx, http.MethodPost, "/jobs/"+url.PathEscape(id)+"/cancel", nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// WaitJob blocks server-side for up to timeout and returns the snapshot,
// which is terminal unless the timeout passed first.
func (c *Client) WaitJob(ctx context.Context, id string, timeout time.Duration) (*types.JobSnapshot, error) {
	path := "/jobs/" + url.PathEscape(id) + "/wait"
	if timeout > 0 {
		path += "?timeoutMs=" + strconv.FormatInt(timeout.Milliseconds(), 10)
	}
	var snap types.JobSnapshot
	if err := c.call(ctx, http.MethodGet, path, nil, &snap); err != nil {
		return nil, err
	}
	return &snap, nil
}

// Run submits req and waits until the job is terminal or ctx ends.
func (c *Client) Run(ctx context.Context, req types.ExecutionRequest) (*types.JobSnapshot, error) {
	id, err := c.Submit(ctx, req)
	if err != nil {
		return nil, err
	}
	for {
		snap, err := c.WaitJob(ctx, id, time.Minute)
		if err != nil {
			return nil, err
		}
		if snap.Status.Terminal() {
			return snap, nil
		}
	}
}

// Health returns the service health. An unhealthy service answers 503
// with a body, which is returned without error.
func (c *Client) Health(ctx context.Context) (*types.Health, error) {
	resp, err := c.doRequest(ctx, http.MethodGet, "/health", nil, "")
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusServiceUnavailable {
		return nil, readAPIError(resp)
	}
	var h types.Health
	if err := json.NewDecoder(resp.Body).Decode(&h); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return &h, nil
}

// Languages lists the supported languages.
func (c *Client) Languages(ctx context.Context) ([]types.LanguageInfo, error) {
	var resp types.LanguageListResponse
	if err := c.call(ctx, http.MethodGet, "/languages", nil, &resp); err != nil {
		return nil, err
	}
	return resp.Languages, nil
}
