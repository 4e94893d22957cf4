// Package council is a thin Go client for the module council REST API.
package council

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"time"
)

// DefaultHTTPTimeout is used by clients created without a custom http.Client.
// Synchronous runs block until the module finishes, so callers driving long
// modules should pass their own client or use RunAsync.
const DefaultHTTPTimeout = 2 * time.Minute

// Client wraps the HTTP interactions with the council daemon.
type Client struct {
	baseURL    *url.URL
	httpClient *http.Client
}

// Step mirrors a module step definition.
type Step struct {
	Name          string         `json:"name"`
	Kind          string         `json:"kind,omitempty"`
	DependsOn     []string       `json:"depends_on,omitempty"`
	Input         map[string]any `json:"input,omitempty"`
	EstimatedCost float64        `json:"estimated_cost"`
	Timeout       time.Duration  `json:"timeout,omitempty"`
	Criteria      []string       `json:"criteria,omitempty"`
}

// Module is the payload accepted by Create.
type Module struct {
	ID              string `json:"id"`
	TenantID        string `json:"tenant_id"`
	ClientID        string `json:"client_id,omitempty"`
	Steps           []Step `json:"steps"`
	RequirementsRef string `json:"requirements_ref,omitempty"`
}

// Result is the structured response of every command.
type Result struct {
	Status       string                     `json:"status"`
	ModuleID     string                     `json:"module_id"`
	ModuleStatus string                     `json:"module_status,omitempty"`
	RunID        string                     `json:"run_id,omitempty"`
	ErrorClass   string                     `json:"error_class,omitempty"`
	FailedStep   string                     `json:"failed_step,omitempty"`
	Message      string                     `json:"message,omitempty"`
	NeedsReview  bool                       `json:"needs_review,omitempty"`
	Cost         float64                    `json:"cost,omitempty"`
	Outputs      map[string]json.RawMessage `json:"outputs,omitempty"`
	Report       json.RawMessage            `json:"report,omitempty"`
}

// OK reports whether the command succeeded.
func (r Result) OK() bool { return r.Status == "ok" }

// APIError is returned for denied commands and server side failures.
type APIError struct {
	StatusCode int
	Result     Result
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Result.ErrorClass != "" {
		return fmt.Sprintf("council api error (%d): %s - %s", e.StatusCode, e.Result.ErrorClass, e.Result.Message)
	}
	return fmt.Sprintf("council api error (%d): %s", e.StatusCode, e.Result.Message)
}

// NewClient instantiates a client for the council API. When httpClient is nil,
// a default client with DefaultHTTPTimeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	return &Client{baseURL: parsed, httpClient: httpClient}, nil
}

// Create registers a module in DRAFT state.
func (c *Client) Create(ctx context.Context, mod Module) (Result, error) {
	return c.post(ctx, "/api/v1/modules", mod)
}

// Submit moves a draft into review.
func (c *Client) Submit(ctx context.Context, moduleID string) (Result, error) {
	return c.command(ctx, moduleID, "submit")
}

// Approve approves a module under review, or re-approves a failed one.
func (c *Client) Approve(ctx context.Context, moduleID string) (Result, error) {
	return c.command(ctx, moduleID, "approve")
}

// RequestChanges sends a module under review back to draft.
func (c *Client) RequestChanges(ctx context.Context, moduleID string) (Result, error) {
	return c.command(ctx, moduleID, "request-changes")
}

// Archive archives a finished module.
func (c *Client) Archive(ctx context.Context, moduleID string) (Result, error) {
	return c.command(ctx, moduleID, "archive")
}

// Run executes the module and waits for its final status. A run that ends
// FAILED is returned as a Result, not an error.
func (c *Client) Run(ctx context.Context, moduleID string) (Result, error) {
	return c.command(ctx, moduleID, "run")
}

// RunAsync enqueues the module and returns immediately.
func (c *Client) RunAsync(ctx context.Context, moduleID string) (Result, error) {
	return c.post(ctx, path.Join("/api/v1/modules", moduleID, "run")+"?async=true", nil)
}

// Abort cancels a running module.
func (c *Client) Abort(ctx context.Context, moduleID string) (Result, error) {
	return c.command(ctx, moduleID, "abort")
}

// Retry re-approves a failed module and starts a new run.
func (c *Client) Retry(ctx context.Context, moduleID string) (Result, error) {
	return c.command(ctx, moduleID, "retry")
}

// Status returns the module state and a summary of its last run.
func (c *Client) Status(ctx context.Context, moduleID string) (Result, error) {
	req, err := c.newRequest(ctx, http.MethodGet, path.Join("/api/v1/modules", moduleID), nil)
	if err != nil {
		return Result{}, err
	}
	return c.do(req)
}

// WaitUntilFinished polls Status until the module leaves APPROVED/RUNNING.
func (c *Client) WaitUntilFinished(ctx context.Context, moduleID string, interval time.Duration) (Result, error) {
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		res, err := c.Status(ctx, moduleID)
		if err != nil {
			return Result{}, err
		}
		if res.ModuleStatus != "APPROVED" && res.ModuleStatus != "RUNNING" {
			return res, nil
		}
		select {
		case <-ctx.Done():
			return Result{}, ctx.Err()
		case <-ticker.C:
		}
	}
}

// Resume re-enters every module left RUNNING by a previous process.
func (c *Client) Resume(ctx context.Context) ([]Result, error) {
	req, err := c.newRequest(ctx, http.MethodPost, "/api/v1/resume", nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()
	var out struct {
		Results []Result `json:"results"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("decode response: %w", err)
	}
	return out.Results, nil
}

func (c *Client) command(ctx context.Context, moduleID, verb string) (Result, error) {
	return c.post(ctx, path.Join("/api/v1/modules", moduleID, verb), nil)
}

func (c *Client) post(ctx context.Context, endpoint string, payload any) (Result, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return Result{}, fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, body)
	if err != nil {
		return Result{}, err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, body io.Reader) (*http.Request, error) {
	rel, err := url.Parse(endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	rel.Path = path.Join(c.baseURL.Path, rel.Path)
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request) (Result, error) {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("read response: %w", err)
	}
	var res Result
	if len(bytes.TrimSpace(data)) > 0 {
		if err := json.Unmarshal(data, &res); err != nil && resp.StatusCode < 400 {
			return Result{}, fmt.Errorf("decode response: %w", err)
		}
	}
	if resp.StatusCode >= 400 {
		if res.Message == "" {
			res.Message = string(bytes.TrimSpace(data))
		}
		return res, &APIError{StatusCode: resp.StatusCode, Result: res}
	}
	return res, nil
}
