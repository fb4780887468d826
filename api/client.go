// Package api implements the job control API client.
//
// The job control API owns job creation and cancellation; the stream
// endpoint it hands back is consumed by the stream package. Requests are
// JSON over HTTP. Transient failures (5xx, network) are retried with
// exponential backoff; 4xx responses are non-retriable and fail
// immediately.
package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/pithecene-io/inkwell/iox"
	"github.com/pithecene-io/inkwell/types"
)

// DefaultTimeout is the default per-request timeout.
const DefaultTimeout = 15 * time.Second

// DefaultRetries is the default number of retry attempts.
const DefaultRetries = 2

// Config configures the job control client.
type Config struct {
	// BaseURL is the job control API root (required), e.g.
	// https://api.example.com
	BaseURL string
	// AuthToken is the bearer token added to each request, if set.
	AuthToken string
	// Timeout is the per-request timeout (default 15s).
	Timeout time.Duration
	// Retries is the number of retry attempts on transient failure
	// (default 2).
	Retries int
}

// Client talks to the job control API.
type Client struct {
	baseURL *url.URL
	token   string
	retries int
	client  *http.Client
}

// New creates a client from the given config.
func New(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("api client requires a base URL")
	}
	base, err := url.Parse(cfg.BaseURL)
	if err != nil {
		return nil, fmt.Errorf("api client: invalid base URL: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Retries < 0 {
		return nil, fmt.Errorf("retries must be >= 0, got %d", cfg.Retries)
	}

	return &Client{
		baseURL: base,
		token:   cfg.AuthToken,
		retries: cfg.Retries,
		client:  &http.Client{Timeout: cfg.Timeout},
	}, nil
}

// StatusError is returned for non-2xx HTTP responses. Wrapping the status
// code allows callers to distinguish retriable (5xx) from non-retriable
// (4xx) failures.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body != "" {
		return fmt.Sprintf("unexpected status %d: %s", e.Code, e.Body)
	}
	return fmt.Sprintf("unexpected status %d", e.Code)
}

// Retriable returns true for server-side failures.
func (e *StatusError) Retriable() bool {
	return e.Code >= 500
}

// StartJobResponse is the job control API's answer to a start request.
type StartJobResponse struct {
	JobID     string `json:"job_id"`
	StreamURL string `json:"stream_url"`
	CancelURL string `json:"cancel_url"`
}

// StartJob creates a generation job and returns its id and endpoints.
// A single idempotency key covers all retry attempts of one call, so a
// retried request never creates a second job.
func (c *Client) StartJob(ctx context.Context, req types.StartRequest) (*StartJobResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("api: marshal start request: %w", err)
	}

	idempotencyKey := uuid.NewString()
	var resp StartJobResponse
	err = c.do(ctx, http.MethodPost, c.Resolve("/v1/jobs"), body, map[string]string{
		"Idempotency-Key": idempotencyKey,
	}, &resp)
	if err != nil {
		return nil, fmt.Errorf("api: start job: %w", err)
	}

	if resp.JobID == "" || resp.StreamURL == "" {
		return nil, errors.New("api: start job response missing job_id or stream_url")
	}
	return &resp, nil
}

// CancelJob requests cancellation of a job. Idempotent: repeated calls
// succeed, and a job the server no longer knows (404/409) counts as
// canceled.
func (c *Client) CancelJob(ctx context.Context, cancelURL string) error {
	err := c.do(ctx, http.MethodPost, c.Resolve(cancelURL), nil, nil, nil)
	var statusErr *StatusError
	if errors.As(err, &statusErr) {
		if statusErr.Code == http.StatusNotFound || statusErr.Code == http.StatusConflict {
			return nil
		}
	}
	if err != nil {
		return fmt.Errorf("api: cancel job: %w", err)
	}
	return nil
}

// CancelURLFor builds the conventional cancel endpoint for a job id.
// Used by the cancel subcommand, which has a job id but no stored
// StartJobResponse.
func (c *Client) CancelURLFor(jobID string) string {
	return "/v1/jobs/" + url.PathEscape(jobID) + "/cancel"
}

// Resolve resolves a possibly relative endpoint against the base URL.
func (c *Client) Resolve(endpoint string) string {
	ref, err := url.Parse(endpoint)
	if err != nil {
		return endpoint
	}
	return c.baseURL.ResolveReference(ref).String()
}

// do performs one HTTP exchange with retries on transient failures.
func (c *Client) do(ctx context.Context, method, rawURL string, body []byte, headers map[string]string, out any) error {
	var lastErr error
	attempts := 1 + c.retries

	for i := range attempts {
		if err := ctx.Err(); err != nil {
			return fmt.Errorf("context canceled: %w", err)
		}

		// Exponential backoff before retries (not before first attempt)
		if i > 0 {
			backoff := time.Duration(1<<uint(i-1)) * 500 * time.Millisecond
			select {
			case <-ctx.Done():
				return fmt.Errorf("context canceled during backoff: %w", ctx.Err())
			case <-time.After(backoff):
			}
		}

		lastErr = c.doOnce(ctx, method, rawURL, body, headers, out)
		if lastErr == nil {
			return nil
		}

		var statusErr *StatusError
		if errors.As(lastErr, &statusErr) && !statusErr.Retriable() {
			return lastErr
		}
	}

	return fmt.Errorf("failed after %d attempts: %w", attempts, lastErr)
}

func (c *Client) doOnce(ctx context.Context, method, rawURL string, body []byte, headers map[string]string, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, reader)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", "inkwell/"+types.Version)
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer iox.DiscardClose(resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		// Include a short body excerpt; server errors carry a message.
		excerpt, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return &StatusError{Code: resp.StatusCode, Body: strings.TrimSpace(string(excerpt))}
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	// Drain any remainder to allow connection reuse
	_, _ = io.Copy(io.Discard, resp.Body)

	return nil
}
