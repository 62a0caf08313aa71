package engine

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"briefline/internal/domain"
	"briefline/internal/events"
	"briefline/internal/repo"
)

// RegisterProject creates or updates a named project mapping.
func (e Engine) RegisterProject(ctx context.Context, name, projectGID, sectionGID, actorID string) (domain.ProjectConfig, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return domain.ProjectConfig{}, fmt.Errorf("name is required")
	}
	if strings.TrimSpace(projectGID) == "" {
		return domain.ProjectConfig{}, fmt.Errorf("project_gid is required")
	}
	now := e.now().UTC().Format(time.RFC3339)
	pc := domain.ProjectConfig{
		ID:         uuid.NewString(),
		Name:       name,
		ProjectGID: projectGID,
		CreatedAt:  now,
		UpdatedAt:  now,
	}
	if sectionGID != "" {
		pc.SectionGID = &sectionGID
	}
	if err := e.Repo.UpsertProjectConfig(ctx, pc); err != nil {
		return domain.ProjectConfig{}, err
	}
	// Re-read so an upsert over an existing name reflects the stored row.
	stored, err := e.Repo.GetProjectConfigByName(ctx, name)
	if err != nil {
		return domain.ProjectConfig{}, err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return domain.ProjectConfig{}, err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "project.registered", "", "project_config", stored.ID, actorID, events.EventPayload{
		"name":        stored.Name,
		"project_gid": stored.ProjectGID,
	}); err != nil {
		return domain.ProjectConfig{}, err
	}
	if err := tx.Commit(); err != nil {
		return domain.ProjectConfig{}, err
	}
	return stored, nil
}

// RemoveProject deletes a registered project mapping by ID.
func (e Engine) RemoveProject(ctx context.Context, id, actorID string) error {
	if err := e.Repo.DeleteProjectConfig(ctx, id); err != nil {
		return err
	}
	tx, err := e.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()
	if err := e.Events.Append(ctx, tx, "project.removed", "", "project_config", id, actorID, nil); err != nil {
		return err
	}
	return tx.Commit()
}

// CreateAPIKey mints a new API key for an actor and returns the key in
// the clear exactly once; only its hash is stored.
func (e Engine) CreateAPIKey(ctx context.Context, actorID, name string) (domain.APIKey, string, error) {
	if strings.TrimSpace(actorID) == "" {
		return domain.APIKey{}, "", fmt.Errorf("actor_id is required")
	}
	buf := make([]byte, 24)
	if _, err := rand.Read(buf); err != nil {
		return domain.APIKey{}, "", err
	}
	secret := "blk_" + hex.EncodeToString(buf)
	key := domain.APIKey{
		ID:        uuid.NewString(),
		ActorID:   actorID,
		Name:      name,
		KeyHash:   repo.HashAPIKey(secret),
		CreatedAt: e.now().UTC().Format(time.RFC3339),
	}
	if err := e.Repo.InsertAPIKey(ctx, key); err != nil {
		return domain.APIKey{}, "", err
	}
	return key, secret, nil
}

// RevokeAPIKey deletes a key by ID.
func (e Engine) RevokeAPIKey(ctx context.Context, id string) error {
	return e.Repo.DeleteAPIKey(ctx, id)
}
