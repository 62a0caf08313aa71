package repo

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"briefline/internal/domain"
	"briefline/internal/fault"
)

type Repo struct {
	DB *sql.DB
}

var ErrNotFound = fault.ErrNotFound

func (r Repo) InsertRun(ctx context.Context, run domain.Run) error {
	_, err := r.DB.ExecContext(ctx, `INSERT INTO runs(id,doc_id,doc_url,project_gid,section_gid,campaign_name,brief_json,preview,status,tasks_expected,tasks_created,tasks_failed,error_message,created_by,created_at,started_at,completed_at) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		run.ID, run.DocID, run.DocURL, run.ProjectGID, nullableStringPtr(run.SectionGID), run.CampaignName,
		nullableStringPtr(run.BriefJSON), boolInt(run.Preview), run.Status, run.TasksExpected, run.TasksCreated,
		run.TasksFailed, nullableStringPtr(run.ErrorMessage), run.CreatedBy, run.CreatedAt,
		nullableStringPtr(run.StartedAt), nullableStringPtr(run.CompletedAt))
	return err
}

// RunUpdate carries the mutable portion of a run. Nil pointers leave
// the stored value untouched.
type RunUpdate struct {
	Status        string
	CampaignName  *string
	BriefJSON     *string
	TasksExpected *int
	TasksCreated  *int
	TasksFailed   *int
	ErrorMessage  *string
	StartedAt     *string
	CompletedAt   *string
}

func (r Repo) UpdateRun(ctx context.Context, tx *sql.Tx, id string, u RunUpdate) error {
	var (
		fields []string
		args   []any
	)
	if u.Status != "" {
		fields = append(fields, "status=?")
		args = append(args, u.Status)
	}
	if u.CampaignName != nil {
		fields = append(fields, "campaign_name=?")
		args = append(args, *u.CampaignName)
	}
	if u.BriefJSON != nil {
		fields = append(fields, "brief_json=?")
		args = append(args, nullable(*u.BriefJSON))
	}
	if u.TasksExpected != nil {
		fields = append(fields, "tasks_expected=?")
		args = append(args, *u.TasksExpected)
	}
	if u.TasksCreated != nil {
		fields = append(fields, "tasks_created=?")
		args = append(args, *u.TasksCreated)
	}
	if u.TasksFailed != nil {
		fields = append(fields, "tasks_failed=?")
		args = append(args, *u.TasksFailed)
	}
	if u.ErrorMessage != nil {
		fields = append(fields, "error_message=?")
		args = append(args, nullable(*u.ErrorMessage))
	}
	if u.StartedAt != nil {
		fields = append(fields, "started_at=?")
		args = append(args, *u.StartedAt)
	}
	if u.CompletedAt != nil {
		fields = append(fields, "completed_at=?")
		args = append(args, *u.CompletedAt)
	}
	if len(fields) == 0 {
		return nil
	}
	args = append(args, id)
	exec := func(query string, a ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, a...)
		}
		return r.DB.ExecContext(ctx, query, a...)
	}
	res, err := exec(fmt.Sprintf(`UPDATE runs SET %s WHERE id=?`, strings.Join(fields, ",")), args...)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

const runColumns = `id,doc_id,doc_url,project_gid,section_gid,campaign_name,brief_json,preview,status,tasks_expected,tasks_created,tasks_failed,error_message,created_by,created_at,started_at,completed_at`

func scanRun(scan func(dest ...any) error) (domain.Run, error) {
	var run domain.Run
	var preview int
	err := scan(&run.ID, &run.DocID, &run.DocURL, &run.ProjectGID, &run.SectionGID, &run.CampaignName,
		&run.BriefJSON, &preview, &run.Status, &run.TasksExpected, &run.TasksCreated, &run.TasksFailed,
		&run.ErrorMessage, &run.CreatedBy, &run.CreatedAt, &run.StartedAt, &run.CompletedAt)
	if err == sql.ErrNoRows {
		return run, ErrNotFound
	}
	run.Preview = preview != 0
	return run, err
}

func (r Repo) GetRun(ctx context.Context, id string) (domain.Run, error) {
	row := r.DB.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id=?`, id)
	return scanRun(row.Scan)
}

// RunFilter narrows ListRuns. Zero values mean no constraint.
type RunFilter struct {
	Status          string
	ProjectGID      string
	Limit           int
	CursorCreatedAt string
	CursorID        string
}

func (r Repo) ListRuns(ctx context.Context, f RunFilter) ([]domain.Run, error) {
	var (
		clauses []string
		args    []any
	)
	if f.Status != "" {
		clauses = append(clauses, "status=?")
		args = append(args, f.Status)
	}
	if f.ProjectGID != "" {
		clauses = append(clauses, "project_gid=?")
		args = append(args, f.ProjectGID)
	}
	if f.CursorCreatedAt != "" && f.CursorID != "" {
		clauses = append(clauses, "(created_at < ? OR (created_at = ? AND id < ?))")
		args = append(args, f.CursorCreatedAt, f.CursorCreatedAt, f.CursorID)
	}
	query := `SELECT ` + runColumns + ` FROM runs`
	if len(clauses) > 0 {
		query += ` WHERE ` + strings.Join(clauses, " AND ")
	}
	query += ` ORDER BY created_at DESC, id DESC`
	if f.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, f.Limit)
	}
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.Run
	for rows.Next() {
		run, err := scanRun(rows.Scan)
		if err != nil {
			return nil, err
		}
		res = append(res, run)
	}
	return res, rows.Err()
}

func (r Repo) InsertRunTask(ctx context.Context, tx *sql.Tx, t domain.RunTask) error {
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	_, err := exec(`INSERT INTO run_tasks(id,run_id,position,name,notes,fields_json,status,external_gid,external_url,error,created_at) VALUES (?,?,?,?,?,?,?,?,?,?,?)`,
		t.ID, t.RunID, t.Position, t.Name, t.Notes, nullableStringPtr(t.FieldsJSON), t.Status,
		nullableStringPtr(t.ExternalGID), nullableStringPtr(t.ExternalURL), nullableStringPtr(t.ErrorMsg), t.CreatedAt)
	return err
}

func (r Repo) ListRunTasks(ctx context.Context, runID string) ([]domain.RunTask, error) {
	rows, err := r.DB.QueryContext(ctx, `SELECT id,run_id,position,name,notes,fields_json,status,external_gid,external_url,error,created_at FROM run_tasks WHERE run_id=? ORDER BY position ASC`, runID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.RunTask
	for rows.Next() {
		var t domain.RunTask
		if err := rows.Scan(&t.ID, &t.RunID, &t.Position, &t.Name, &t.Notes, &t.FieldsJSON, &t.Status,
			&t.ExternalGID, &t.ExternalURL, &t.ErrorMsg, &t.CreatedAt); err != nil {
			return nil, err
		}
		res = append(res, t)
	}
	return res, rows.Err()
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

func nullableStringPtr(v *string) any {
	if v == nil {
		return nil
	}
	if *v == "" {
		return nil
	}
	return *v
}

func boolInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
