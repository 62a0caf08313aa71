package domain

import (
	"encoding/json"
	"fmt"
)

const (
	RunPending   = "pending"
	RunRunning   = "running"
	RunCompleted = "completed"
	RunFailed    = "failed"
)

const (
	TaskPending   = "pending"
	TaskSucceeded = "succeeded"
	TaskFailed    = "failed"
)

// Run is one processing of a campaign brief against a target project.
type Run struct {
	ID            string  `json:"id"`
	DocID         string  `json:"doc_id"`
	DocURL        string  `json:"doc_url,omitempty"`
	ProjectGID    string  `json:"project_gid"`
	SectionGID    *string `json:"section_gid,omitempty"`
	CampaignName  string  `json:"campaign_name,omitempty"`
	BriefJSON     *string `json:"brief_json,omitempty"`
	Preview       bool    `json:"preview"`
	Status        string  `json:"status" enum:"pending,running,completed,failed"`
	TasksExpected int     `json:"tasks_expected"`
	TasksCreated  int     `json:"tasks_created"`
	TasksFailed   int     `json:"tasks_failed"`
	ErrorMessage  *string `json:"error_message,omitempty"`
	CreatedBy     string  `json:"created_by"`
	CreatedAt     string  `json:"created_at" format:"date-time"`
	StartedAt     *string `json:"started_at,omitempty" format:"date-time"`
	CompletedAt   *string `json:"completed_at,omitempty" format:"date-time"`
}

// RunTask records the outcome of a single task line from a brief.
type RunTask struct {
	ID          string  `json:"id"`
	RunID       string  `json:"run_id"`
	Position    int     `json:"position"`
	Name        string  `json:"name"`
	Notes       string  `json:"notes,omitempty"`
	FieldsJSON  *string `json:"fields_json,omitempty"`
	Status      string  `json:"status" enum:"pending,succeeded,failed"`
	ExternalGID *string `json:"external_gid,omitempty"`
	ExternalURL *string `json:"external_url,omitempty"`
	ErrorMsg    *string `json:"error,omitempty"`
	CreatedAt   string  `json:"created_at" format:"date-time"`
}

// CampaignBrief is the structured result of extracting a brief document.
type CampaignBrief struct {
	DocID       string           `json:"doc_id,omitempty"`
	Name        string           `json:"campaign_name"`
	Description string           `json:"campaign_description,omitempty"`
	Tasks       []TaskDescriptor `json:"tasks"`
}

// TaskDescriptor is one deliverable extracted from a brief. Fields holds
// the raw custom-field values as named in the document, prior to
// resolution against the target project's schema.
type TaskDescriptor struct {
	Position    int                   `json:"position"`
	Name        string                `json:"name"`
	Description string                `json:"description,omitempty"`
	Notes       string                `json:"notes,omitempty"`
	Subject     string                `json:"subject_line,omitempty"`
	Copy        string                `json:"copy,omitempty"`
	SendDate    string                `json:"send_date,omitempty"`
	Fields      map[string]FieldValue `json:"fields,omitempty"`
}

// FieldValue is a custom-field value that may be a single string or a
// list of strings, depending on the field type in the document.
type FieldValue struct {
	One  string
	Many []string
}

func (v FieldValue) IsList() bool { return v.Many != nil }

func (v FieldValue) MarshalJSON() ([]byte, error) {
	if v.Many != nil {
		return json.Marshal(v.Many)
	}
	return json.Marshal(v.One)
}

func (v *FieldValue) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		v.One = s
		v.Many = nil
		return nil
	}
	var list []string
	if err := json.Unmarshal(b, &list); err == nil {
		v.Many = list
		v.One = ""
		return nil
	}
	return fmt.Errorf("field value must be a string or a list of strings")
}

// ProjectConfig maps a human-friendly project name to its target
// project and default section in the task system.
type ProjectConfig struct {
	ID         string  `json:"id"`
	Name       string  `json:"name"`
	ProjectGID string  `json:"project_gid"`
	SectionGID *string `json:"section_gid,omitempty"`
	CreatedAt  string  `json:"created_at" format:"date-time"`
	UpdatedAt  string  `json:"updated_at" format:"date-time"`
}

type APIKey struct {
	ID        string `json:"id"`
	ActorID   string `json:"actor_id"`
	Name      string `json:"name,omitempty"`
	KeyHash   string `json:"key_hash"`
	CreatedAt string `json:"created_at" format:"date-time"`
}

type Event struct {
	ID         int64  `json:"id"`
	TS         string `json:"ts" format:"date-time"`
	Type       string `json:"type"`
	RunID      string `json:"run_id,omitempty"`
	EntityKind string `json:"entity_kind"`
	EntityID   string `json:"entity_id,omitempty"`
	ActorID    string `json:"actor_id"`
	Payload    string `json:"payload_json"`
}
