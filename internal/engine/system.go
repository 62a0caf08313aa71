package engine

import (
	"context"

	"briefline/internal/asana"
	"briefline/internal/fields"
	"briefline/internal/gdocs"
)

// DocumentSource fetches brief documents.
type DocumentSource interface {
	Fetch(ctx context.Context, docID string) (gdocs.Document, error)
}

// TaskSystem is the slice of the external task system the engine
// needs. It doubles as the resolver's schema source.
type TaskSystem interface {
	Schema(ctx context.Context, projectGID string) (fields.Schema, error)
	Sections(ctx context.Context, projectGID string) ([]asana.Section, error)
	Project(ctx context.Context, projectGID string) (asana.Project, error)
	CreateTask(ctx context.Context, tc asana.TaskCreate) (asana.Task, error)
	AttachResource(ctx context.Context, taskGID, resourceURL, name string) error
}

// AsanaSystem adapts the Asana client to the TaskSystem interface.
type AsanaSystem struct {
	Client *asana.Client
}

func (s AsanaSystem) Schema(ctx context.Context, projectGID string) (fields.Schema, error) {
	defs, err := s.Client.ProjectCustomFields(ctx, projectGID)
	if err != nil {
		return fields.Schema{}, err
	}
	return fields.NewSchema(defs), nil
}

func (s AsanaSystem) Sections(ctx context.Context, projectGID string) ([]asana.Section, error) {
	return s.Client.ProjectSections(ctx, projectGID)
}

func (s AsanaSystem) Project(ctx context.Context, projectGID string) (asana.Project, error) {
	return s.Client.GetProject(ctx, projectGID)
}

func (s AsanaSystem) CreateTask(ctx context.Context, tc asana.TaskCreate) (asana.Task, error) {
	return s.Client.CreateTask(ctx, tc)
}

func (s AsanaSystem) AttachResource(ctx context.Context, taskGID, resourceURL, name string) error {
	return s.Client.AttachResource(ctx, taskGID, resourceURL, name)
}
