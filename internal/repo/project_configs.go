package repo

import (
	"context"
	"database/sql"
	"errors"
	"strings"

	"briefline/internal/domain"
)

// UpsertProjectConfig registers or updates a named project mapping.
func (r Repo) UpsertProjectConfig(ctx context.Context, pc domain.ProjectConfig) error {
	if strings.TrimSpace(pc.Name) == "" {
		return errors.New("name required")
	}
	if strings.TrimSpace(pc.ProjectGID) == "" {
		return errors.New("project_gid required")
	}
	_, err := r.DB.ExecContext(ctx, `INSERT INTO project_configs(id,name,project_gid,section_gid,created_at,updated_at) VALUES (?,?,?,?,?,?)
ON CONFLICT(name) DO UPDATE SET project_gid=excluded.project_gid, section_gid=excluded.section_gid, updated_at=excluded.updated_at`,
		pc.ID, pc.Name, pc.ProjectGID, nullableStringPtr(pc.SectionGID), pc.CreatedAt, pc.UpdatedAt)
	return err
}

func scanProjectConfig(row *sql.Row) (domain.ProjectConfig, error) {
	var pc domain.ProjectConfig
	err := row.Scan(&pc.ID, &pc.Name, &pc.ProjectGID, &pc.SectionGID, &pc.CreatedAt, &pc.UpdatedAt)
	if err == sql.ErrNoRows {
		return pc, ErrNotFound
	}
	return pc, err
}

func (r Repo) GetProjectConfig(ctx context.Context, id string) (domain.ProjectConfig, error) {
	return scanProjectConfig(r.DB.QueryRowContext(ctx, `SELECT id,name,project_gid,section_gid,created_at,updated_at FROM project_configs WHERE id=?`, id))
}

// GetProjectConfigByName matches the registered name case-insensitively.
func (r Repo) GetProjectConfigByName(ctx context.Context, name string) (domain.ProjectConfig, error) {
	return scanProjectConfig(r.DB.QueryRowContext(ctx, `SELECT id,name,project_gid,section_gid,created_at,updated_at FROM project_configs WHERE name=? COLLATE NOCASE`, name))
}

func (r Repo) ListProjectConfigs(ctx context.Context) ([]domain.ProjectConfig, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,name,project_gid,section_gid,created_at,updated_at FROM project_configs ORDER BY name ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.ProjectConfig
	for rows.Next() {
		var pc domain.ProjectConfig
		if err := rows.Scan(&pc.ID, &pc.Name, &pc.ProjectGID, &pc.SectionGID, &pc.CreatedAt, &pc.UpdatedAt); err != nil {
			return nil, err
		}
		res = append(res, pc)
	}
	return res, rows.Err()
}

func (r Repo) DeleteProjectConfig(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM project_configs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}
