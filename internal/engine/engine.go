// Package engine coordinates a brief run: extract the brief, resolve
// each task's fields against the target project's schema, create the
// tasks sequentially, and record the outcome of every step.
package engine

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"briefline/internal/asana"
	"briefline/internal/brief"
	"briefline/internal/config"
	"briefline/internal/domain"
	"briefline/internal/events"
	"briefline/internal/fault"
	"briefline/internal/fields"
	"briefline/internal/gdocs"
	"briefline/internal/llm"
	"briefline/internal/repo"
)

type Engine struct {
	DB     *sql.DB
	Repo   repo.Repo
	Events events.Writer
	Config *config.Config
	Docs   DocumentSource
	Tasks  TaskSystem
	Model  llm.Client
	Now    func() time.Time
}

func New(db *sql.DB, cfg *config.Config, docs DocumentSource, tasks TaskSystem, model llm.Client) Engine {
	return Engine{
		DB:     db,
		Repo:   repo.Repo{DB: db},
		Events: events.Writer{DB: db},
		Config: cfg,
		Docs:   docs,
		Tasks:  tasks,
		Model:  model,
		Now:    time.Now,
	}
}

func (e Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

// ProcessOptions are parameters for one brief run.
type ProcessOptions struct {
	DocRef      string // Google Doc URL or bare document ID
	ProjectName string // registered project name; overrides ProjectGID
	ProjectGID  string
	SectionGID  string
	AssigneeGID string
	Preview     bool
	ActorID     string
}

// RunResult is the full outcome of a run: the terminal Run record, the
// per-task outcomes in document order, and non-fatal warnings.
type RunResult struct {
	Run      domain.Run
	Tasks    []domain.RunTask
	Warnings []string
}

// resolveTarget picks the project and section for a run: an explicitly
// registered project name wins, then explicit GIDs, then the
// configured defaults.
func (e Engine) resolveTarget(ctx context.Context, opts ProcessOptions) (projectGID string, sectionGID string, err error) {
	if opts.ProjectName != "" {
		pc, err := e.Repo.GetProjectConfigByName(ctx, opts.ProjectName)
		if err != nil {
			if errors.Is(err, repo.ErrNotFound) {
				return "", "", fmt.Errorf("%w: project %q is not registered", fault.ErrNotFound, opts.ProjectName)
			}
			return "", "", err
		}
		projectGID = pc.ProjectGID
		if pc.SectionGID != nil {
			sectionGID = *pc.SectionGID
		}
	} else {
		projectGID = opts.ProjectGID
	}
	if projectGID == "" && e.Config != nil {
		projectGID = e.Config.Asana.ProjectGID
	}
	if opts.SectionGID != "" {
		sectionGID = opts.SectionGID
	}
	if sectionGID == "" && e.Config != nil {
		sectionGID = e.Config.Asana.SectionGID
	}
	if projectGID == "" {
		return "", "", fmt.Errorf("%w: no target project", fault.ErrValidation)
	}
	return projectGID, sectionGID, nil
}

// ProcessBrief runs the full workflow. Extraction failure is fatal to
// the run; a single task's creation failure is recorded and the loop
// continues. In preview mode extraction and resolution happen but no
// external task is created.
func (e Engine) ProcessBrief(ctx context.Context, opts ProcessOptions) (RunResult, error) {
	docID, err := gdocs.ExtractDocID(opts.DocRef)
	if err != nil {
		return RunResult{}, err
	}
	projectGID, sectionGID, err := e.resolveTarget(ctx, opts)
	if err != nil {
		return RunResult{}, err
	}
	if opts.ActorID == "" {
		opts.ActorID = "system"
	}

	run := domain.Run{
		ID:         uuid.NewString(),
		DocID:      docID,
		DocURL:     gdocs.DocURL(docID, ""),
		ProjectGID: projectGID,
		Preview:    opts.Preview,
		Status:     domain.RunPending,
		CreatedBy:  opts.ActorID,
		CreatedAt:  e.now().UTC().Format(time.RFC3339),
	}
	if sectionGID != "" {
		run.SectionGID = &sectionGID
	}
	if err := e.Repo.InsertRun(ctx, run); err != nil {
		return RunResult{}, fmt.Errorf("insert run: %w", err)
	}

	doc, err := e.Docs.Fetch(ctx, docID)
	if err != nil {
		e.failRun(ctx, &run, opts.ActorID, fmt.Errorf("fetch document: %w", err))
		return RunResult{Run: run}, err
	}

	started := e.now().UTC().Format(time.RFC3339)
	run.Status = domain.RunRunning
	run.StartedAt = &started
	if err := e.updateRunStarted(ctx, run, opts.ActorID); err != nil {
		return RunResult{Run: run}, err
	}

	extractor := brief.Extractor{LLM: e.Model}
	cb, err := extractor.Extract(ctx, docID, doc.Text)
	if err != nil {
		e.failRun(ctx, &run, opts.ActorID, err)
		return RunResult{Run: run}, err
	}

	briefJSON, err := json.Marshal(cb)
	if err != nil {
		e.failRun(ctx, &run, opts.ActorID, err)
		return RunResult{Run: run}, err
	}
	bj := string(briefJSON)
	run.CampaignName = cb.Name
	run.BriefJSON = &bj
	run.TasksExpected = len(cb.Tasks)
	if err := e.Repo.UpdateRun(ctx, nil, run.ID, repo.RunUpdate{
		CampaignName:  &cb.Name,
		BriefJSON:     &bj,
		TasksExpected: &run.TasksExpected,
	}); err != nil {
		return RunResult{Run: run}, err
	}

	var minConfidence float64
	if e.Config != nil {
		minConfidence = e.Config.Resolver.MinConfidence
	}
	resolver := fields.Resolver{LLM: e.Model, MinConfidence: minConfidence}
	cache := fields.NewCache(e.Tasks)

	result := RunResult{Run: run}
	for _, td := range cb.Tasks {
		rt := e.processTask(ctx, &result, cache, resolver, run, doc, td, projectGID, sectionGID, opts)
		if err := e.recordTask(ctx, rt, opts.ActorID); err != nil {
			return result, err
		}
		result.Tasks = append(result.Tasks, rt)
		if rt.Status == domain.TaskSucceeded {
			run.TasksCreated++
		} else {
			run.TasksFailed++
		}
	}

	completed := e.now().UTC().Format(time.RFC3339)
	run.Status = domain.RunCompleted
	run.CompletedAt = &completed
	if err := e.finishRun(ctx, run, opts.ActorID); err != nil {
		return result, err
	}
	result.Run = run
	return result, nil
}

// processTask resolves one task's fields and, outside preview mode,
// creates it in the external system. Errors become a failed RunTask
// rather than propagating.
func (e Engine) processTask(ctx context.Context, result *RunResult, cache *fields.Cache, resolver fields.Resolver,
	run domain.Run, doc gdocs.Document, td domain.TaskDescriptor, projectGID, sectionGID string, opts ProcessOptions) domain.RunTask {

	rt := domain.RunTask{
		ID:        uuid.NewString(),
		RunID:     run.ID,
		Position:  td.Position,
		Name:      td.Name,
		Status:    domain.TaskPending,
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}

	var resolved fields.ResolvedSet
	schema, err := cache.Schema(ctx, projectGID)
	if err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("task %d: schema unavailable, creating without custom fields: %v", td.Position, err))
	} else {
		var warns []string
		resolved, warns = resolver.Resolve(ctx, schema, rawFields(td, e.now()))
		for _, w := range warns {
			result.Warnings = append(result.Warnings, fmt.Sprintf("task %d: %s", td.Position, w))
		}
	}
	if len(resolved) > 0 {
		if data, err := json.Marshal(resolved.APIValues()); err == nil {
			fj := string(data)
			rt.FieldsJSON = &fj
		}
	}

	briefURL := run.DocURL
	if headingID := gdocs.FindHeadingForTask(td.Name, doc.Headings); headingID != "" {
		briefURL = gdocs.DocURL(run.DocID, headingID)
	}
	rt.Notes = composeNotes(td, briefURL)

	if opts.Preview {
		rt.Status = domain.TaskSucceeded
		return rt
	}

	created, err := e.Tasks.CreateTask(ctx, toCreate(td, rt.Notes, resolved, projectGID, sectionGID, opts.AssigneeGID))
	if err != nil {
		msg := err.Error()
		rt.Status = domain.TaskFailed
		rt.ErrorMsg = &msg
		return rt
	}
	rt.Status = domain.TaskSucceeded
	rt.ExternalGID = &created.GID
	if created.PermalinkURL != "" {
		url := created.PermalinkURL
		rt.ExternalURL = &url
	}
	if err := e.Tasks.AttachResource(ctx, created.GID, briefURL, "Campaign Brief"); err != nil {
		result.Warnings = append(result.Warnings, fmt.Sprintf("task %d: attach brief failed: %v", td.Position, err))
	}
	return rt
}

func toCreate(td domain.TaskDescriptor, notes string, resolved fields.ResolvedSet, projectGID, sectionGID, assigneeGID string) asana.TaskCreate {
	return asana.TaskCreate{
		Name:         td.Name,
		ProjectGID:   projectGID,
		SectionGID:   sectionGID,
		Notes:        notes,
		CustomFields: resolved.APIValues(),
		AssigneeGID:  assigneeGID,
		DueOn:        td.SendDate,
	}
}

// rawFields collects the name/value pairs to resolve: the brief's own
// field map plus derived values under their conventional display names.
// The send date doubles as a field, Content Type is always "Campaign",
// Priority escalates for imminent sends and Month names the send month.
// Explicit brief fields always win over derived ones.
func rawFields(td domain.TaskDescriptor, now time.Time) map[string]domain.FieldValue {
	raw := make(map[string]domain.FieldValue, len(td.Fields)+4)
	for k, v := range td.Fields {
		raw[k] = v
	}
	setDefault := func(name, value string) {
		if value == "" {
			return
		}
		for k := range raw {
			if strings.EqualFold(k, name) {
				return
			}
		}
		raw[name] = domain.FieldValue{One: value}
	}
	setDefault("Send Date", td.SendDate)
	setDefault("Content Type", "Campaign")
	setDefault("Priority", derivePriority(td.SendDate, now))
	setDefault("Month", deriveMonth(td.SendDate))
	return raw
}

// derivePriority marks sends due within the next 7 days as High and
// everything else, including unparseable dates, as Low.
func derivePriority(sendDate string, now time.Time) string {
	d, err := time.Parse("2006-01-02", sendDate)
	if err != nil {
		return "Low"
	}
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	days := int(d.Sub(today).Hours() / 24)
	if days >= 0 && days <= 7 {
		return "High"
	}
	return "Low"
}

func deriveMonth(sendDate string) string {
	d, err := time.Parse("2006-01-02", sendDate)
	if err != nil {
		return ""
	}
	return d.Month().String()
}

// composeNotes builds the task body: brief link first, then subject,
// details and remaining notes.
func composeNotes(td domain.TaskDescriptor, briefURL string) string {
	var parts []string
	parts = append(parts, "Campaign Brief: "+briefURL)
	if td.Subject != "" {
		parts = append(parts, "Subject Line:\n"+td.Subject)
	}
	if td.Description != "" {
		parts = append(parts, "Task Details:\n"+td.Description)
	}
	if td.Notes != "" {
		parts = append(parts, td.Notes)
	}
	return strings.Join(parts, "\n\n")
}

func (e Engine) recordTask(ctx context.Context, rt domain.RunTask, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.InsertRunTask(ctx, tx, rt); err != nil {
		return fmt.Errorf("insert run task: %w", err)
	}
	evtType := "task.created"
	payload := events.EventPayload{"position": rt.Position, "name": rt.Name, "status": rt.Status}
	if rt.Status == domain.TaskFailed {
		evtType = "task.failed"
		if rt.ErrorMsg != nil {
			payload["error"] = *rt.ErrorMsg
		}
	}
	if rt.ExternalGID != nil {
		payload["external_gid"] = *rt.ExternalGID
	}
	if err := e.Events.Append(ctx, tx, evtType, rt.RunID, "run_task", rt.ID, actorID, payload); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) updateRunStarted(ctx context.Context, run domain.Run, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRun(ctx, tx, run.ID, repo.RunUpdate{Status: run.Status, StartedAt: run.StartedAt}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "run.started", run.ID, "run", run.ID, actorID, events.EventPayload{"doc_id": run.DocID, "preview": run.Preview}); err != nil {
		return err
	}
	return tx.Commit()
}

func (e Engine) finishRun(ctx context.Context, run domain.Run, actorID string) error {
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRun(ctx, tx, run.ID, repo.RunUpdate{
		Status:       run.Status,
		TasksCreated: &run.TasksCreated,
		TasksFailed:  &run.TasksFailed,
		CompletedAt:  run.CompletedAt,
	}); err != nil {
		return err
	}
	if err := e.Events.Append(ctx, tx, "run.completed", run.ID, "run", run.ID, actorID, events.EventPayload{
		"tasks_created": run.TasksCreated,
		"tasks_failed":  run.TasksFailed,
		"preview":       run.Preview,
	}); err != nil {
		return err
	}
	return tx.Commit()
}

// failRun marks the run failed in storage. Best effort: the original
// error is what the caller reports, not any bookkeeping failure here.
func (e Engine) failRun(ctx context.Context, run *domain.Run, actorID string, cause error) {
	msg := cause.Error()
	completed := e.now().UTC().Format(time.RFC3339)
	run.Status = domain.RunFailed
	run.ErrorMessage = &msg
	run.CompletedAt = &completed

	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return
	}
	defer tx.Rollback()
	if err := e.Repo.UpdateRun(ctx, tx, run.ID, repo.RunUpdate{
		Status:       domain.RunFailed,
		ErrorMessage: &msg,
		CompletedAt:  &completed,
	}); err != nil {
		return
	}
	if err := e.Events.Append(ctx, tx, "run.failed", run.ID, "run", run.ID, actorID, events.EventPayload{"error": msg}); err != nil {
		return
	}
	_ = tx.Commit()
}

// GetRun returns a run together with its per-task outcomes.
func (e Engine) GetRun(ctx context.Context, id string) (domain.Run, []domain.RunTask, error) {
	run, err := e.Repo.GetRun(ctx, id)
	if err != nil {
		return domain.Run{}, nil, err
	}
	tasks, err := e.Repo.ListRunTasks(ctx, id)
	if err != nil {
		return domain.Run{}, nil, err
	}
	return run, tasks, nil
}

// VerifyField summarizes one schema field for the verify endpoint.
type VerifyField struct {
	GID     string `json:"gid"`
	Name    string `json:"name"`
	Type    string `json:"type"`
	Options int    `json:"options,omitempty"`
}

// VerifyResult reports whether a target is usable and what its schema
// looks like.
type VerifyResult struct {
	ProjectGID  string        `json:"project_gid"`
	ProjectName string        `json:"project_name,omitempty"`
	SectionGID  string        `json:"section_gid,omitempty"`
	SectionName string        `json:"section_name,omitempty"`
	Fields      []VerifyField `json:"fields"`
}

// VerifyTarget checks the project and optional section are reachable
// and returns the project's field schema. Nothing is extracted or
// created.
func (e Engine) VerifyTarget(ctx context.Context, projectGID, sectionGID string) (VerifyResult, error) {
	if projectGID == "" && e.Config != nil {
		projectGID = e.Config.Asana.ProjectGID
	}
	if projectGID == "" {
		return VerifyResult{}, fmt.Errorf("%w: no target project", fault.ErrValidation)
	}

	res := VerifyResult{ProjectGID: projectGID}
	if p, err := e.Tasks.Project(ctx, projectGID); err == nil {
		res.ProjectName = p.Name
	}

	schema, err := e.Tasks.Schema(ctx, projectGID)
	if err != nil {
		return VerifyResult{}, err
	}
	for _, fd := range schema.Fields() {
		res.Fields = append(res.Fields, VerifyField{GID: fd.GID, Name: fd.Name, Type: fd.Type, Options: len(fd.Options)})
	}

	if sectionGID != "" {
		sections, err := e.Tasks.Sections(ctx, projectGID)
		if err != nil {
			return VerifyResult{}, err
		}
		found := false
		for _, s := range sections {
			if s.GID == sectionGID {
				res.SectionGID = s.GID
				res.SectionName = s.Name
				found = true
				break
			}
		}
		if !found {
			return VerifyResult{}, fmt.Errorf("%w: section %s not in project %s", fault.ErrNotFound, sectionGID, projectGID)
		}
	}
	return res, nil
}
