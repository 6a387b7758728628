package fixlinesdk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Job status values reported by the API.
const (
	StatusPending   = "PENDING"
	StatusRunning   = "RUNNING"
	StatusCompleted = "COMPLETED"
	StatusFailed    = "FAILED"
)

// Client is a minimal Fixline HTTP API client.
type Client struct {
	BaseURL     string
	APIKey      string
	BearerToken string
	HTTPClient  *http.Client
	Timeout     time.Duration
}

// New creates a client with sane defaults.
func New(baseURL string) *Client {
	return &Client{
		BaseURL: baseURL,
		Timeout: 10 * time.Second,
	}
}

// Result is the outcome payload of a finished job.
type Result struct {
	Status  string   `json:"status"`
	Message string   `json:"message,omitempty"`
	Error   string   `json:"error,omitempty"`
	Branch  string   `json:"branch,omitempty"`
	URL     string   `json:"url,omitempty"`
	Output  string   `json:"output,omitempty"`
	Logs    []string `json:"logs"`
}

// Job represents the API job model.
type Job struct {
	ID        string            `json:"id"`
	Type      string            `json:"type"`
	Status    string            `json:"status"`
	Progress  string            `json:"progress,omitempty"`
	Params    map[string]string `json:"params,omitempty"`
	Result    *Result           `json:"result,omitempty"`
	Error     string            `json:"error,omitempty"`
	CreatedAt string            `json:"created_at"`
	UpdatedAt string            `json:"updated_at"`
}

// Done reports whether the job reached COMPLETED or FAILED.
func (j Job) Done() bool {
	return j.Status == StatusCompleted || j.Status == StatusFailed
}

// Recipe is one catalog entry.
type Recipe struct {
	ID          string `json:"id"`
	DisplayName string `json:"displayName,omitempty"`
	Description string `json:"description,omitempty"`
}

// Event represents a job lifecycle entry.
type Event struct {
	ID      int64          `json:"id"`
	TS      string         `json:"ts"`
	Type    string         `json:"type"`
	JobID   string         `json:"job_id"`
	ActorID string         `json:"actor_id,omitempty"`
	Payload map[string]any `json:"payload"`
}

// PaginatedEvents wraps list responses with cursors.
type PaginatedEvents struct {
	Items      []Event `json:"items"`
	NextCursor string  `json:"next_cursor"`
}

// Submission acknowledges a background job.
type Submission struct {
	JobID   string `json:"job_id"`
	Status  string `json:"status"`
	Message string `json:"message"`
}

// AutomationRequest starts the full fix pipeline.
type AutomationRequest struct {
	RepoURL      string `json:"repo_url"`
	Goal         string `json:"goal"`
	BranchName   string `json:"branch_name"`
	SourceBranch string `json:"source_branch,omitempty"`
	ForceClean   *bool  `json:"force_clean,omitempty"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Body       string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("api error: status=%d code=%s message=%s", e.StatusCode, e.Code, e.Message)
	}
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// SubmitAutomation starts the full automation pipeline in the background.
func (c *Client) SubmitAutomation(ctx context.Context, req AutomationRequest) (Submission, error) {
	var resp Submission
	err := c.do(ctx, http.MethodPost, "v0/automations", req, &resp)
	return resp, err
}

// SubmitBuild rebuilds LSTs for the server's workspace.
func (c *Client) SubmitBuild(ctx context.Context) (Submission, error) {
	var resp Submission
	err := c.do(ctx, http.MethodPost, "v0/builds", nil, &resp)
	return resp, err
}

// SubmitRecipeRun runs one recipe across the server's workspace.
func (c *Client) SubmitRecipeRun(ctx context.Context, recipeID string, options map[string]string) (Submission, error) {
	body := map[string]any{"recipe_id": recipeID}
	if len(options) > 0 {
		body["options"] = options
	}
	var resp Submission
	err := c.do(ctx, http.MethodPost, "v0/recipe-runs", body, &resp)
	return resp, err
}

// GetJob polls a job by id.
func (c *Client) GetJob(ctx context.Context, id string) (Job, error) {
	var resp Job
	err := c.do(ctx, http.MethodGet, "v0/jobs/"+url.PathEscape(id), nil, &resp)
	return resp, err
}

// WaitJob polls until the job finishes or ctx is done.
func (c *Client) WaitJob(ctx context.Context, id string, interval time.Duration) (Job, error) {
	if interval <= 0 {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		job, err := c.GetJob(ctx, id)
		if err != nil {
			return job, err
		}
		if job.Done() {
			return job, nil
		}
		select {
		case <-ctx.Done():
			return job, ctx.Err()
		case <-ticker.C:
		}
	}
}

// ListJobs returns recent jobs, newest first.
func (c *Client) ListJobs(ctx context.Context, limit int) ([]Job, error) {
	endpoint := "v0/jobs"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Items []Job `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// JobEvents returns a page of lifecycle events for a job.
func (c *Client) JobEvents(ctx context.Context, id string, limit int, cursor string) (PaginatedEvents, error) {
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprint(limit))
	}
	if cursor != "" {
		q.Set("cursor", cursor)
	}
	endpoint := "v0/jobs/" + url.PathEscape(id) + "/events"
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp PaginatedEvents
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// ListRecipes searches the recipe catalog.
func (c *Client) ListRecipes(ctx context.Context, query string) ([]Recipe, error) {
	endpoint := "v0/recipes"
	if query != "" {
		endpoint += "?query=" + url.QueryEscape(query)
	}
	var resp struct {
		Items []Recipe `json:"items"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Items, err
}

// ClearWorkspace deletes the server's workspace directory.
func (c *Client) ClearWorkspace(ctx context.Context) (string, error) {
	var resp struct {
		Message string `json:"message"`
	}
	err := c.do(ctx, http.MethodDelete, "v0/workspace", nil, &resp)
	return resp.Message, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	url := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, url, &buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	switch {
	case c.BearerToken != "":
		req.Header.Set("Authorization", "Bearer "+c.BearerToken)
	case c.APIKey != "":
		req.Header.Set("X-Api-Key", c.APIKey)
	}
	resp, err := c.HTTPClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		apiErr := &APIError{StatusCode: resp.StatusCode, Body: string(b)}
		var env struct {
			Error struct {
				Code    string `json:"code"`
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(b, &env) == nil {
			apiErr.Code = env.Error.Code
			apiErr.Message = env.Error.Message
		}
		return apiErr
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
