package leoprime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strconv"
	"time"
)

// DefaultHTTPTimeout defines the timeout used by clients created without a
// custom http.Client. Streams are not subject to it.
const DefaultHTTPTimeout = 15 * time.Second

// Client wraps the HTTP interactions with the LeoPrime agent API.
type Client struct {
	baseURL      *url.URL
	httpClient   *http.Client
	streamClient *http.Client
}

// PhaseEntry is one step of a run's phase history.
type PhaseEntry struct {
	Phase     string         `json:"phase"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Run is the server-side snapshot of an agent run.
type Run struct {
	ID           string       `json:"id"`
	Status       string       `json:"status"`
	Goal         string       `json:"goal"`
	CurrentPhase string       `json:"currentPhase,omitempty"`
	History      []PhaseEntry `json:"stateHistory"`
	TotalCost    float64      `json:"totalCost"`
	ArtifactID   string       `json:"artifactId,omitempty"`
	Error        string       `json:"error,omitempty"`
	CreatedAt    time.Time    `json:"createdAt"`
	UpdatedAt    time.Time    `json:"updatedAt"`
}

// Finished reports whether the run reached a final status.
func (r Run) Finished() bool {
	switch r.Status {
	case "completed", "failed", "cancelled":
		return true
	}
	return false
}

// RunSummary is returned when a run is accepted.
type RunSummary struct {
	RunID  string `json:"runId"`
	Status string `json:"status"`
}

// APIError represents server side validation or internal errors.
type APIError struct {
	StatusCode int
	Code       string `json:"code"`
	Message    string `json:"message"`
}

func (e *APIError) Error() string {
	if e == nil {
		return ""
	}
	if e.Code != "" {
		return fmt.Sprintf("leoprime api error (%d): %s - %s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("leoprime api error (%d): %s", e.StatusCode, e.Message)
}

// NewClient instantiates a client for the LeoPrime API. When httpClient is
// nil, a default client with a sensible timeout is used.
func NewClient(rawURL string, httpClient *http.Client) (*Client, error) {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("invalid base url: %w", err)
	}
	if httpClient == nil {
		httpClient = &http.Client{Timeout: DefaultHTTPTimeout}
	}
	streamClient := *httpClient
	streamClient.Timeout = 0
	return &Client{baseURL: parsed, httpClient: httpClient, streamClient: &streamClient}, nil
}

// StartRun submits a goal and returns the new run identifier.
func (c *Client) StartRun(ctx context.Context, goal string) (RunSummary, error) {
	var summary RunSummary
	payload := struct {
		Goal string `json:"goal"`
	}{Goal: goal}
	if err := c.post(ctx, "/api/agent/run", payload, &summary); err != nil {
		return RunSummary{}, err
	}
	return summary, nil
}

// GetRun fetches a run snapshot by identifier.
func (c *Client) GetRun(ctx context.Context, runID string) (Run, error) {
	var run Run
	if err := c.get(ctx, "/api/agent/runs/"+url.PathEscape(runID), nil, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// ListRuns returns the most recent runs, newest first. A non-positive limit
// uses the server default.
func (c *Client) ListRuns(ctx context.Context, limit int) ([]Run, error) {
	query := url.Values{}
	if limit > 0 {
		query.Set("limit", strconv.Itoa(limit))
	}
	var out struct {
		Runs []Run `json:"runs"`
	}
	if err := c.get(ctx, "/api/agent/runs", query, &out); err != nil {
		return nil, err
	}
	return out.Runs, nil
}

// CancelRun requests cooperative cancellation of a run.
func (c *Client) CancelRun(ctx context.Context, runID string) (Run, error) {
	var run Run
	if err := c.post(ctx, "/api/agent/runs/"+url.PathEscape(runID)+"/cancel", nil, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}

func (c *Client) post(ctx context.Context, endpoint string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}
	req, err := c.newRequest(ctx, http.MethodPost, endpoint, nil, body)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	return c.do(req, out)
}

func (c *Client) get(ctx context.Context, endpoint string, query url.Values, out any) error {
	req, err := c.newRequest(ctx, http.MethodGet, endpoint, query, nil)
	if err != nil {
		return err
	}
	return c.do(req, out)
}

func (c *Client) newRequest(ctx context.Context, method, endpoint string, query url.Values, body io.Reader) (*http.Request, error) {
	rel := &url.URL{Path: path.Join(c.baseURL.Path, endpoint)}
	if len(query) > 0 {
		rel.RawQuery = query.Encode()
	}
	u := c.baseURL.ResolveReference(rel)
	req, err := http.NewRequestWithContext(ctx, method, u.String(), body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	return req, nil
}

func (c *Client) do(req *http.Request, out any) error {
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("perform request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return decodeAPIError(resp)
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}

func decodeAPIError(resp *http.Response) error {
	apiErr := &APIError{StatusCode: resp.StatusCode}
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read error response: %w", err)
	}
	if len(data) > 0 {
		var envelope struct {
			Error *APIError `json:"error"`
		}
		envelope.Error = apiErr
		_ = json.Unmarshal(data, &envelope)
	}
	if apiErr.Message == "" {
		apiErr.Message = string(bytes.TrimSpace(data))
	}
	return apiErr
}
