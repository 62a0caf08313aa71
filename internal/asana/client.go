// Package asana is a thin client for the pieces of the Asana REST API
// the service needs: project schema reads, section listing, task
// creation, and attachments.
package asana

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

	"briefline/internal/fault"
)

const defaultBaseURL = "https://app.asana.com/api/1.0"

// Custom field resource subtypes as reported by the API.
const (
	FieldTypeEnum      = "enum"
	FieldTypeMultiEnum = "multi_enum"
	FieldTypeText      = "text"
	FieldTypeNumber    = "number"
	FieldTypeDate      = "date"
	FieldTypePeople    = "people"
)

type Config struct {
	AccessToken  string
	WorkspaceGID string
	BaseURL      string
	Timeout      time.Duration
}

type Client struct {
	accessToken  string
	workspaceGID string
	baseURL      string
	httpClient   *http.Client
}

func New(cfg Config) *Client {
	if cfg.BaseURL == "" {
		cfg.BaseURL = defaultBaseURL
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		accessToken:  cfg.AccessToken,
		workspaceGID: cfg.WorkspaceGID,
		baseURL:      strings.TrimRight(cfg.BaseURL, "/"),
		httpClient:   &http.Client{Timeout: cfg.Timeout},
	}
}

type EnumOption struct {
	GID     string `json:"gid"`
	Name    string `json:"name"`
	Enabled bool   `json:"enabled"`
}

// CustomField is a field definition attached to a project.
type CustomField struct {
	GID             string       `json:"gid"`
	Name            string       `json:"name"`
	ResourceSubtype string       `json:"resource_subtype"`
	EnumOptions     []EnumOption `json:"enum_options,omitempty"`
}

type Section struct {
	GID  string `json:"gid"`
	Name string `json:"name"`
}

type Project struct {
	GID  string `json:"gid"`
	Name string `json:"name"`
}

// Task is the subset of a created task the service cares about.
type Task struct {
	GID          string `json:"gid"`
	Name         string `json:"name"`
	PermalinkURL string `json:"permalink_url"`
}

// TaskCreate is the payload for creating a task. CustomFields maps
// field GIDs to API values: option GIDs for enums, option GID lists
// for multi enums, {"date": "YYYY-MM-DD"} objects for date fields.
type TaskCreate struct {
	Name         string
	ProjectGID   string
	SectionGID   string
	Notes        string
	CustomFields map[string]any
	AssigneeGID  string
	DueOn        string
	StartOn      string
}

func (c *Client) do(ctx context.Context, method, path string, query url.Values, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("marshal payload: %w", err)
		}
		body = bytes.NewReader(data)
	}
	u := c.baseURL + path
	if len(query) > 0 {
		u += "?" + query.Encode()
	}
	req, err := http.NewRequestWithContext(ctx, method, u, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+c.accessToken)
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", fault.ErrUnavailable, err)
	}
	defer resp.Body.Close()
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("%w: read response: %v", fault.ErrUnavailable, err)
	}

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s %s", fault.ErrNotFound, method, path)
	case resp.StatusCode == http.StatusBadRequest || resp.StatusCode == http.StatusUnprocessableEntity:
		return fmt.Errorf("%w: %s", fault.ErrValidation, apiErrorMessage(raw))
	case resp.StatusCode >= 500:
		return fmt.Errorf("%w: asana status %d", fault.ErrUnavailable, resp.StatusCode)
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return fmt.Errorf("asana status %d: %s", resp.StatusCode, apiErrorMessage(raw))
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("%w: %v", fault.ErrMalformedResponse, err)
	}
	return nil
}

func apiErrorMessage(raw []byte) string {
	var envelope struct {
		Errors []struct {
			Message string `json:"message"`
		} `json:"errors"`
	}
	if err := json.Unmarshal(raw, &envelope); err == nil && len(envelope.Errors) > 0 {
		var msgs []string
		for _, e := range envelope.Errors {
			msgs = append(msgs, e.Message)
		}
		return strings.Join(msgs, "; ")
	}
	s := strings.TrimSpace(string(raw))
	if len(s) > 512 {
		s = s[:512] + "..."
	}
	return s
}

// ProjectCustomFields returns the custom field definitions attached to
// a project via its custom field settings.
func (c *Client) ProjectCustomFields(ctx context.Context, projectGID string) ([]CustomField, error) {
	query := url.Values{}
	query.Set("opt_fields", "custom_field.gid,custom_field.name,custom_field.resource_subtype,custom_field.enum_options.gid,custom_field.enum_options.name,custom_field.enum_options.enabled")
	var out struct {
		Data []struct {
			CustomField CustomField `json:"custom_field"`
		} `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/projects/"+projectGID+"/custom_field_settings", query, nil, &out); err != nil {
		return nil, err
	}
	fields := make([]CustomField, 0, len(out.Data))
	for _, s := range out.Data {
		if s.CustomField.GID != "" {
			fields = append(fields, s.CustomField)
		}
	}
	return fields, nil
}

// ProjectSections lists the sections of a project.
func (c *Client) ProjectSections(ctx context.Context, projectGID string) ([]Section, error) {
	query := url.Values{}
	query.Set("opt_fields", "name,gid")
	var out struct {
		Data []Section `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/projects/"+projectGID+"/sections", query, nil, &out); err != nil {
		return nil, err
	}
	return out.Data, nil
}

// GetProject fetches a project's name, mostly as an existence check.
func (c *Client) GetProject(ctx context.Context, projectGID string) (Project, error) {
	query := url.Values{}
	query.Set("opt_fields", "name,gid")
	var out struct {
		Data Project `json:"data"`
	}
	if err := c.do(ctx, http.MethodGet, "/projects/"+projectGID, query, nil, &out); err != nil {
		return Project{}, err
	}
	return out.Data, nil
}

// CreateTask creates a task. When SectionGID is set the task is placed
// there through a membership rather than the project list.
func (c *Client) CreateTask(ctx context.Context, tc TaskCreate) (Task, error) {
	data := map[string]any{
		"name":     tc.Name,
		"projects": []string{tc.ProjectGID},
	}
	if tc.Notes != "" {
		data["notes"] = tc.Notes
	}
	if tc.AssigneeGID != "" {
		data["assignee"] = tc.AssigneeGID
	}
	if tc.DueOn != "" {
		data["due_on"] = tc.DueOn
	}
	if tc.StartOn != "" {
		data["start_on"] = tc.StartOn
	}
	if len(tc.CustomFields) > 0 {
		data["custom_fields"] = tc.CustomFields
	}
	if tc.SectionGID != "" {
		data["memberships"] = []map[string]string{
			{"project": tc.ProjectGID, "section": tc.SectionGID},
		}
	}
	var out struct {
		Data Task `json:"data"`
	}
	if err := c.do(ctx, http.MethodPost, "/tasks", nil, map[string]any{"data": data}, &out); err != nil {
		return Task{}, err
	}
	return out.Data, nil
}

// AttachResource attaches an external URL to a task. Google Docs and
// Drive links use the google subtype so Asana renders them natively;
// if that is rejected the call retries as a plain external link.
func (c *Client) AttachResource(ctx context.Context, taskGID, resourceURL, name string) error {
	subtype := "external"
	if strings.Contains(resourceURL, "docs.google.com") || strings.Contains(resourceURL, "drive.google.com") {
		subtype = "google"
	}
	data := map[string]any{
		"parent":           taskGID,
		"resource_subtype": subtype,
		"url":              resourceURL,
	}
	if name != "" {
		data["name"] = name
	}
	err := c.do(ctx, http.MethodPost, "/attachments", nil, map[string]any{"data": data}, nil)
	if err != nil && subtype == "google" {
		data["resource_subtype"] = "external"
		err = c.do(ctx, http.MethodPost, "/attachments", nil, map[string]any{"data": data}, nil)
	}
	return err
}
