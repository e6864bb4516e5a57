package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/basket/go-claw/internal/goerr"
	"github.com/basket/go-claw/internal/model"
)

// CreateTask inserts a new Task row in PENDING status.
func (s *Store) CreateTask(ctx context.Context, t model.Task) (model.Task, error) {
	ts := now()
	t.Status.UpdatedAt = ts
	if t.Status.Status == "" {
		t.Status.Status = model.TaskPending
	}
	labels, _ := json.Marshal(t.Labels)
	appData, _ := json.Marshal(t.AppData)
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO tasks (owner_id, title, team_name, team_namespace, workspace_name, labels, status, progress, error_message, result, app_data, is_active, created_at, updated_at)
		 VALUES (`+placeholders(s, 14)+`)`,
		t.OwnerID, t.Title, t.TeamName, t.TeamNamespace, t.WorkspaceName, string(labels),
		t.Status.Status, t.Status.Progress, t.Status.ErrorMessage, t.Status.Result, string(appData), true, ts, ts)
	if err != nil {
		return model.Task{}, goerr.Wrap(goerr.KindFatal, "create task", err)
	}
	id, _ := res.LastInsertId()
	t.ID = id
	t.CreatedAt, t.UpdatedAt = ts, ts
	t.IsActive = true
	return t, nil
}

// GetTask loads a Task by id.
func (s *Store) GetTask(ctx context.Context, id int64) (model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, owner_id, title, team_name, team_namespace, workspace_name, labels, status, progress, error_message, result, app_data, is_active, created_at, updated_at, completed_at
		 FROM tasks WHERE id = `+s.placeholder(1), id)
	return scanTaskRow(row)
}

func scanTaskRow(row *sql.Row) (model.Task, error) {
	var (
		t           model.Task
		labels      string
		appData     string
		completedAt sql.NullTime
	)
	if err := row.Scan(&t.ID, &t.OwnerID, &t.Title, &t.TeamName, &t.TeamNamespace, &t.WorkspaceName,
		&labels, &t.Status.Status, &t.Status.Progress, &t.Status.ErrorMessage, &t.Status.Result,
		&appData, &t.IsActive, &t.CreatedAt, &t.UpdatedAt, &completedAt); err != nil {
		if err == sql.ErrNoRows {
			return model.Task{}, goerr.New(goerr.KindResourceNotFound, "task not found")
		}
		return model.Task{}, goerr.Wrap(goerr.KindFatal, "scan task", err)
	}
	_ = json.Unmarshal([]byte(labels), &t.Labels)
	_ = json.Unmarshal([]byte(appData), &t.AppData)
	if completedAt.Valid {
		ct := completedAt.Time
		t.Status.CompletedAt = &ct
	}
	return t, nil
}

// UpdateTaskStatus overwrites status/progress/error/result with the
// reducer's output. completedAt is set only for terminal states.
func (s *Store) UpdateTaskStatus(ctx context.Context, id int64, status model.TaskStatus, progress int, errMsg, result string, completedAt *time.Time) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = `+s.placeholder(1)+`, progress = `+s.placeholder(2)+`, error_message = `+s.placeholder(3)+
			`, result = `+s.placeholder(4)+`, completed_at = `+s.placeholder(5)+`, updated_at = `+s.placeholder(6)+` WHERE id = `+s.placeholder(7),
		status, progress, errMsg, result, completedAt, now(), id)
	if err != nil {
		return goerr.Wrap(goerr.KindFatal, "update task status", err)
	}
	return nil
}

// PromoteTaskRunning moves a task PENDING->RUNNING, never regressing a
// task already past PENDING.
func (s *Store) PromoteTaskRunning(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = `+s.placeholder(1)+`, updated_at = `+s.placeholder(2)+
			` WHERE id = `+s.placeholder(3)+` AND status = `+s.placeholder(4),
		model.TaskRunning, now(), id, model.TaskPending)
	if err != nil {
		return goerr.Wrap(goerr.KindFatal, "promote task running", err)
	}
	return nil
}

// MarkTaskCancelling transitions a task to CANCELLING.
func (s *Store) MarkTaskCancelling(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET status = `+s.placeholder(1)+`, updated_at = `+s.placeholder(2)+` WHERE id = `+s.placeholder(3),
		model.TaskCancelling, now(), id)
	if err != nil {
		return goerr.Wrap(goerr.KindFatal, "mark task cancelling", err)
	}
	return nil
}

// DispatchCandidateFilter selects tasks eligible for a dispatcher scan.
type DispatchCandidateFilter struct {
	Type   model.TaskType
	Limit  int
	TaskIDs []int64
}

// ListDispatchCandidates returns up to Limit active tasks in PENDING
// or RUNNING whose labels.type matches Filter.Type, or exactly the
// given TaskIDs when provided (limit is ignored in that case).
func (s *Store) ListDispatchCandidates(ctx context.Context, f DispatchCandidateFilter) ([]model.Task, error) {
	var rows *sql.Rows
	var err error
	if len(f.TaskIDs) > 0 {
		placeholders := ""
		args := make([]any, 0, len(f.TaskIDs))
		for i, id := range f.TaskIDs {
			if i > 0 {
				placeholders += ", "
			}
			placeholders += s.placeholder(i + 1)
			args = append(args, id)
		}
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, owner_id, title, team_name, team_namespace, workspace_name, labels, status, progress, error_message, result, app_data, is_active, created_at, updated_at, completed_at
			 FROM tasks WHERE is_active AND id IN (`+placeholders+`)`, args...)
	} else {
		limit := f.Limit
		if limit <= 0 {
			limit = 50
		}
		rows, err = s.db.QueryContext(ctx,
			`SELECT id, owner_id, title, team_name, team_namespace, workspace_name, labels, status, progress, error_message, result, app_data, is_active, created_at, updated_at, completed_at
			 FROM tasks WHERE is_active AND status IN ('PENDING','RUNNING')
			 ORDER BY id ASC LIMIT `+s.placeholder(1), limit)
	}
	if err != nil {
		return nil, goerr.Wrap(goerr.KindFatal, "list dispatch candidates", err)
	}
	defer rows.Close()

	var out []model.Task
	for rows.Next() {
		var (
			t           model.Task
			labels      string
			appData     string
			completedAt sql.NullTime
		)
		if err := rows.Scan(&t.ID, &t.OwnerID, &t.Title, &t.TeamName, &t.TeamNamespace, &t.WorkspaceName,
			&labels, &t.Status.Status, &t.Status.Progress, &t.Status.ErrorMessage, &t.Status.Result,
			&appData, &t.IsActive, &t.CreatedAt, &t.UpdatedAt, &completedAt); err != nil {
			return nil, goerr.Wrap(goerr.KindFatal, "scan dispatch candidate", err)
		}
		_ = json.Unmarshal([]byte(labels), &t.Labels)
		_ = json.Unmarshal([]byte(appData), &t.AppData)
		if completedAt.Valid {
			ct := completedAt.Time
			t.Status.CompletedAt = &ct
		}
		if f.Type != "" && t.Labels.Type != f.Type {
			continue
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func placeholders(s *Store, n int) string {
	out := ""
	for i := 1; i <= n; i++ {
		if i > 1 {
			out += ", "
		}
		out += s.placeholder(i)
	}
	return out
}
