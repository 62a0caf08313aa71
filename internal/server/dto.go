package server

import (
	"briefline/internal/domain"
	"briefline/internal/engine"
)

// Request payloads

type ProcessBriefRequest struct {
	DocURL      string `json:"doc_url"`
	Project     string `json:"project,omitempty"`
	ProjectGID  string `json:"project_gid,omitempty"`
	SectionGID  string `json:"section_gid,omitempty"`
	AssigneeGID string `json:"assignee_gid,omitempty"`
	Preview     bool   `json:"preview,omitempty"`
}

type RegisterProjectRequest struct {
	Name       string `json:"name"`
	ProjectGID string `json:"project_gid"`
	SectionGID string `json:"section_gid,omitempty"`
}

type CreateAPIKeyRequest struct {
	ActorID string `json:"actor_id"`
	Name    string `json:"name,omitempty"`
}

// Response payloads

// TaskOutcome is one per-task result line in a run summary.
type TaskOutcome struct {
	Position    int    `json:"position"`
	Name        string `json:"name"`
	Status      string `json:"status" enum:"pending,succeeded,failed"`
	ExternalGID string `json:"external_gid,omitempty"`
	ExternalURL string `json:"external_url,omitempty"`
	Error       string `json:"error,omitempty"`
}

// RunSummary is the caller-facing report for one run.
type RunSummary struct {
	RunID        string        `json:"run_id"`
	CampaignName string        `json:"campaign_name"`
	Status       string        `json:"status" enum:"pending,running,completed,failed"`
	Preview      bool          `json:"preview"`
	TotalTasks   int           `json:"total_tasks"`
	TasksCreated int           `json:"tasks_created"`
	TasksFailed  int           `json:"tasks_failed"`
	Results      []TaskOutcome `json:"results"`
	Warnings     []string      `json:"warnings,omitempty"`
}

func toTaskOutcome(rt domain.RunTask) TaskOutcome {
	out := TaskOutcome{
		Position: rt.Position,
		Name:     rt.Name,
		Status:   rt.Status,
	}
	if rt.ExternalGID != nil {
		out.ExternalGID = *rt.ExternalGID
	}
	if rt.ExternalURL != nil {
		out.ExternalURL = *rt.ExternalURL
	}
	if rt.ErrorMsg != nil {
		out.Error = *rt.ErrorMsg
	}
	return out
}

func toRunSummary(res engine.RunResult) RunSummary {
	summary := RunSummary{
		RunID:        res.Run.ID,
		CampaignName: res.Run.CampaignName,
		Status:       res.Run.Status,
		Preview:      res.Run.Preview,
		TotalTasks:   res.Run.TasksExpected,
		TasksCreated: res.Run.TasksCreated,
		TasksFailed:  res.Run.TasksFailed,
		Warnings:     res.Warnings,
	}
	for _, rt := range res.Tasks {
		summary.Results = append(summary.Results, toTaskOutcome(rt))
	}
	return summary
}
