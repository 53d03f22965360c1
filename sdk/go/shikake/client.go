package shikake

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Config holds the settings needed to construct a Client.
type Config struct {
	// BaseURL is the root URL of the shikake server (e.g. "http://localhost:8080").
	BaseURL string

	// APIKey is sent as a bearer token. Leave empty when the server runs
	// without SHIKAKE_API_KEY.
	APIKey string

	// UserID is sent as X-Shikake-User so event ingestion is rate limited
	// per user rather than per address.
	UserID string

	// HTTPClient is an optional custom HTTP client. If nil, a default client
	// with a 30-second timeout is used. Subscribe ignores its timeout.
	HTTPClient *http.Client

	// Timeout applies to individual API requests. Defaults to 30 seconds.
	Timeout time.Duration
}

// Client is an HTTP client for the shikake API.
// All methods are safe for concurrent use.
type Client struct {
	baseURL string
	apiKey  string
	userID  string
	client  *http.Client
}

// NewClient creates a Client from the given configuration.
func NewClient(cfg Config) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("shikake: BaseURL is required")
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout == 0 {
			timeout = 30 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:  cfg.APIKey,
		userID:  cfg.UserID,
		client:  httpClient,
	}, nil
}

// IngestEvent submits an event. The returned run IDs identify the runs it
// started; they execute asynchronously.
func (c *Client) IngestEvent(ctx context.Context, event Event) (*MatchResponse, error) {
	var resp MatchResponse
	if err := c.do(ctx, http.MethodPost, "/v1/events", event, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// ---------------------------------------------------------------------------
// Units
// ---------------------------------------------------------------------------

// CreateUnit stores a new unit.
func (c *Client) CreateUnit(ctx context.Context, req CreateUnitRequest) (*Unit, error) {
	var resp Unit
	if err := c.do(ctx, http.MethodPost, "/v1/units", req, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// GetUnit retrieves a unit with its run statistics.
func (c *Client) GetUnit(ctx context.Context, id uuid.UUID) (*Unit, error) {
	var resp Unit
	if err := c.do(ctx, http.MethodGet, "/v1/units/"+id.String(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// SetUnitStatus activates, pauses or archives a unit.
func (c *Client) SetUnitStatus(ctx context.Context, id uuid.UUID, status UnitStatus) (*Unit, error) {
	body := map[string]any{"status": status}
	var resp Unit
	if err := c.do(ctx, http.MethodPost, "/v1/units/"+id.String()+"/status", body, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// DeleteUnit removes a unit and its runs.
func (c *Client) DeleteUnit(ctx context.Context, id uuid.UUID) error {
	return c.do(ctx, http.MethodDelete, "/v1/units/"+id.String(), nil, nil)
}

// ---------------------------------------------------------------------------
// Runs
// ---------------------------------------------------------------------------

// GetRun retrieves a run with its steps.
func (c *Client) GetRun(ctx context.Context, id uuid.UUID) (*RunDetail, error) {
	var resp RunDetail
	if err := c.do(ctx, http.MethodGet, "/v1/runs/"+id.String(), nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// AdvanceRun executes the run's next step. IsConflict reports an error
// caused by another worker holding the run.
func (c *Client) AdvanceRun(ctx context.Context, id uuid.UUID) (*AdvanceResponse, error) {
	var resp AdvanceResponse
	if err := c.do(ctx, http.MethodPost, "/v1/runs/"+id.String()+"/advance", nil, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// WaitForRun polls GetRun every interval until the run reaches a terminal
// status or ctx ends.
func (c *Client) WaitForRun(ctx context.Context, id uuid.UUID, interval time.Duration) (*RunDetail, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		detail, err := c.GetRun(ctx, id)
		if err != nil {
			return nil, err
		}
		if detail.Run.Status.Terminal() {
			return detail, nil
		}
		select {
		case <-ctx.Done():
			return detail, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Health checks server liveness. It sends no credentials.
func (c *Client) Health(ctx context.Context) (*HealthResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/health", nil)
	if err != nil {
		return nil, fmt.Errorf("shikake: create request: %w", err)
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("shikake: GET /health: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var health HealthResponse
	if err := handleResponse(resp, &health); err != nil {
		return nil, err
	}
	return &health, nil
}

// ---------------------------------------------------------------------------
// Transport
// ---------------------------------------------------------------------------

func (c *Client) newRequest(ctx context.Context, method, path string, body any) (*http.Request, error) {
	var r io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("shikake: marshal request body: %w", err)
		}
		r = bytes.NewReader(encoded)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, r)
	if err != nil {
		return nil, fmt.Errorf("shikake: create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if c.userID != "" {
		req.Header.Set("X-Shikake-User", c.userID)
	}
	return req, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, dest any) error {
	req, err := c.newRequest(ctx, method, path, body)
	if err != nil {
		return err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("shikake: %s %s: %w", method, path, err)
	}
	defer func() { _ = resp.Body.Close() }()

	return handleResponse(resp, dest)
}

func handleResponse(resp *http.Response, dest any) error {
	bodyBytes, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("shikake: read response body: %w", err)
	}

	if resp.StatusCode >= 400 {
		return parseErrorResponse(resp.StatusCode, bodyBytes)
	}

	if resp.StatusCode == http.StatusNoContent || dest == nil {
		return nil
	}

	// Unwrap the server's { "data": ... } envelope.
	var envelope apiEnvelope
	if err := json.Unmarshal(bodyBytes, &envelope); err != nil {
		return fmt.Errorf("shikake: decode response envelope: %w", err)
	}
	if envelope.Data == nil {
		return json.Unmarshal(bodyBytes, dest)
	}
	return json.Unmarshal(envelope.Data, dest)
}

func parseErrorResponse(statusCode int, body []byte) *Error {
	apiErr := &Error{StatusCode: statusCode}

	var envelope apiErrorEnvelope
	if err := json.Unmarshal(body, &envelope); err == nil && envelope.Error.Message != "" {
		apiErr.Code = envelope.Error.Code
		apiErr.Message = envelope.Error.Message
	} else {
		apiErr.Code = http.StatusText(statusCode)
		apiErr.Message = string(body)
	}
	return apiErr
}
