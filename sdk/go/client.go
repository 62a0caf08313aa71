package brieflinesdk

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

// Client is a minimal Briefline HTTP API client.
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
		Timeout: 5 * time.Minute, // runs wait on model and API calls
	}
}

// TaskOutcome is one per-task result in a run summary.
type TaskOutcome struct {
	Position    int    `json:"position"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	ExternalGID string `json:"external_gid,omitempty"`
	ExternalURL string `json:"external_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RunSummary is the report returned by process and preview calls.
type RunSummary struct {
	RunID        string        `json:"run_id"`
	CampaignName string        `json:"campaign_name"`
	Status       string        `json:"status"`
	Preview      bool          `json:"preview"`
	TotalTasks   int           `json:"total_tasks"`
	TasksCreated int           `json:"tasks_created"`
	TasksFailed  int           `json:"tasks_failed"`
	Results      []TaskOutcome `json:"results"`
	Warnings     []string      `json:"warnings,omitempty"`
}

// Run represents the stored run record (partial).
type Run struct {
	ID            string `json:"id"`
	DocID         string `json:"doc_id"`
	ProjectGID    string `json:"project_gid"`
	CampaignName  string `json:"campaign_name,omitempty"`
	Preview       bool   `json:"preview"`
	Status        string `json:"status"`
	TasksExpected int    `json:"tasks_expected"`
	TasksCreated  int    `json:"tasks_created"`
	TasksFailed   int    `json:"tasks_failed"`
	CreatedAt     string `json:"created_at"`
}

// VerifyField summarizes one schema field.
type VerifyField struct {
	GID     string `json:"gid"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Options int    `json:"options,omitempty"`
}

// VerifyResult reports target reachability and schema.
type VerifyResult struct {
	ProjectGID  string        `json:"project_gid"`
	ProjectName string        `json:"project_name,omitempty"`
	SectionGID  string        `json:"section_gid,omitempty"`
	SectionName string        `json:"section_name,omitempty"`
	Fields      []VerifyField `json:"fields"`
}

// ProjectConfig is a registered project mapping.
type ProjectConfig struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	ProjectGID string  `json:"project_gid"`
	SectionGID *string `json:"section_gid,omitempty"`
}

// Event represents a log entry. Payload is the raw JSON payload.
type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}

// APIError wraps non-2xx responses.
type APIError struct {
	StatusCode int
	Body       string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("api error: status=%d body=%s", e.StatusCode, e.Body)
}

// ProcessOptions configure a brief submission.
type ProcessOptions struct {
	Project     string
	ProjectGID  string
	SectionGID  string
	AssigneeGID string
}

// ProcessBrief submits a brief for processing.
func (c *Client) ProcessBrief(ctx context.Context, docURL string, opts ProcessOptions) (RunSummary, error) {
	body := map[string]any{"doc_url": docURL}
	applyOptions(body, opts)
	var resp RunSummary
	err := c.do(ctx, http.MethodPost, "v0/briefs/process", body, &resp)
	return resp, err
}

// PreviewBrief runs extraction and resolution without creating tasks.
func (c *Client) PreviewBrief(ctx context.Context, docURL string, opts ProcessOptions) (RunSummary, error) {
	body := map[string]any{"doc_url": docURL}
	applyOptions(body, opts)
	var resp RunSummary
	err := c.do(ctx, http.MethodPost, "v0/briefs/preview", body, &resp)
	return resp, err
}

func applyOptions(body map[string]any, opts ProcessOptions) {
	if opts.Project != "" {
		body["project"] = opts.Project
	}
	if opts.ProjectGID != "" {
		body["project_gid"] = opts.ProjectGID
	}
	if opts.SectionGID != "" {
		body["section_gid"] = opts.SectionGID
	}
	if opts.AssigneeGID != "" {
		body["assignee_gid"] = opts.AssigneeGID
	}
}

// Verify checks a target project and section.
func (c *Client) Verify(ctx context.Context, projectGID, sectionGID string) (VerifyResult, error) {
	endpoint := "v0/briefs/verify"
	q := url.Values{}
	if projectGID != "" {
		q.Set("project_gid", projectGID)
	}
	if sectionGID != "" {
		q.Set("section_gid", sectionGID)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp VerifyResult
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp, err
}

// Runs lists recent runs.
func (c *Client) Runs(ctx context.Context, limit int) ([]Run, error) {
	endpoint := "v0/runs"
	if limit > 0 {
		endpoint = fmt.Sprintf("%s?limit=%d", endpoint, limit)
	}
	var resp struct {
		Runs []Run `json:"runs"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Runs, err
}

// Run fetches one run with its per-task outcomes.
func (c *Client) Run(ctx context.Context, runID string) (Run, []TaskOutcome, error) {
	var resp struct {
		Run   Run `json:"run"`
		Tasks []struct {
			Position    int     `json:"position"`
			Name        string  `json:"name"`
			Status      string  `json:"status"`
			ExternalGID *string `json:"external_gid,omitempty"`
			ExternalURL *string `json:"external_url,omitempty"`
			Error       *string `json:"error,omitempty"`
		} `json:"tasks"`
	}
	endpoint := fmt.Sprintf("v0/runs/%s", url.PathEscape(runID))
	if err := c.do(ctx, http.MethodGet, endpoint, nil, &resp); err != nil {
		return Run{}, nil, err
	}
	outcomes := make([]TaskOutcome, 0, len(resp.Tasks))
	for _, t := range resp.Tasks {
		out := TaskOutcome{Position: t.Position, Name: t.Name, Status: t.Status}
		if t.ExternalGID != nil {
			out.ExternalGID = *t.ExternalGID
		}
		if t.ExternalURL != nil {
			out.ExternalURL = *t.ExternalURL
		}
		if t.Error != nil {
			out.Error = *t.Error
		}
		outcomes = append(outcomes, out)
	}
	return resp.Run, outcomes, nil
}

// Projects lists registered project mappings.
func (c *Client) Projects(ctx context.Context) ([]ProjectConfig, error) {
	var resp struct {
		Projects []ProjectConfig `json:"projects"`
	}
	err := c.do(ctx, http.MethodGet, "v0/projects", nil, &resp)
	return resp.Projects, err
}

// RegisterProject registers a named project mapping.
func (c *Client) RegisterProject(ctx context.Context, name, projectGID, sectionGID string) (ProjectConfig, error) {
	body := map[string]any{
		"name":        name,
		"project_gid": projectGID,
	}
	if sectionGID != "" {
		body["section_gid"] = sectionGID
	}
	var resp ProjectConfig
	err := c.do(ctx, http.MethodPost, "v0/projects", body, &resp)
	return resp, err
}

// Events returns recent events.
func (c *Client) Events(ctx context.Context, limit int, runID string) ([]Event, error) {
	endpoint := "v0/events"
	q := url.Values{}
	if limit > 0 {
		q.Set("limit", fmt.Sprintf("%d", limit))
	}
	if runID != "" {
		q.Set("run_id", runID)
	}
	if len(q) > 0 {
		endpoint += "?" + q.Encode()
	}
	var resp struct {
		Events []Event `json:"events"`
	}
	err := c.do(ctx, http.MethodGet, endpoint, nil, &resp)
	return resp.Events, err
}

func (c *Client) do(ctx context.Context, method, endpoint string, body any, out any) error {
	if c.HTTPClient == nil {
		c.HTTPClient = &http.Client{Timeout: c.Timeout}
	}
	u := c.base() + "/" + strings.TrimLeft(endpoint, "/")
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return err
		}
	}
	req, err := http.NewRequestWithContext(ctx, method, u, &buf)
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
		return &APIError{StatusCode: resp.StatusCode, Body: string(b)}
	}
	if out != nil {
		return json.NewDecoder(resp.Body).Decode(out)
	}
	return nil
}

func (c *Client) base() string {
	return strings.TrimRight(c.BaseURL, "/")
}
