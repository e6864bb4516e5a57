package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"strconv"
	"strings"

	"github.com/basket/go-claw/internal/goerr"
	"github.com/basket/go-claw/internal/model"
)

// NextMessageID returns the next message_id for a task; ids are unique
// and strictly monotonic per task.
func (s *Store) NextMessageID(ctx context.Context, taskID int64) (int64, error) {
	var max sql.NullInt64
	row := s.db.QueryRowContext(ctx, `SELECT MAX(message_id) FROM subtasks WHERE task_id = `+s.placeholder(1), taskID)
	if err := row.Scan(&max); err != nil {
		return 0, goerr.Wrap(goerr.KindFatal, "max message_id", err)
	}
	return max.Int64 + 1, nil
}

// CreateSubtask inserts a new Subtask row.
func (s *Store) CreateSubtask(ctx context.Context, st model.Subtask) (model.Subtask, error) {
	ts := now()
	botIDs := joinIDs(st.BotIDs)
	attachments, _ := json.Marshal(st.Attachments)
	result, _ := json.Marshal(st.Result)
	corrections, _ := json.Marshal(st.Corrections)

	res, err := s.db.ExecContext(ctx,
		`INSERT INTO subtasks (task_id, team_id, role, bot_ids, title, prompt, attachments, result, status, progress, message_id, parent_id, executor_name, executor_namespace, new_session, corrections, error_message, created_at, updated_at)
		 VALUES (`+placeholders(s, 19)+`)`,
		st.TaskID, st.TeamID, st.Role, botIDs, st.Title, st.Prompt, string(attachments), string(result),
		st.Status, st.Progress, st.MessageID, st.ParentID, st.ExecutorName, st.ExecutorNamespace,
		st.NewSession, string(corrections), st.ErrorMessage, ts, ts)
	if err != nil {
		return model.Subtask{}, goerr.Wrap(goerr.KindFatal, "create subtask", err)
	}
	id, _ := res.LastInsertId()
	st.ID = id
	st.CreatedAt, st.UpdatedAt = ts, ts
	return st, nil
}

// GetSubtask loads a Subtask by id.
func (s *Store) GetSubtask(ctx context.Context, id int64) (model.Subtask, error) {
	row := s.db.QueryRowContext(ctx, subtaskSelect+` WHERE id = `+s.placeholder(1), id)
	return scanSubtaskRow(row)
}

// GetSubtaskByMessageID loads the subtask with the given message_id
// within a task — used to recover the USER turn's prompt for a
// dispatched ASSISTANT subtask via its parent_id.
func (s *Store) GetSubtaskByMessageID(ctx context.Context, taskID, messageID int64) (model.Subtask, error) {
	row := s.db.QueryRowContext(ctx,
		subtaskSelect+` WHERE task_id = `+s.placeholder(1)+` AND message_id = `+s.placeholder(2), taskID, messageID)
	return scanSubtaskRow(row)
}

// ListSubtasksByTask returns all subtasks of a task ordered by
// (message_id asc, created_at asc) — the canonical sort.
func (s *Store) ListSubtasksByTask(ctx context.Context, taskID int64) ([]model.Subtask, error) {
	rows, err := s.db.QueryContext(ctx,
		subtaskSelectMulti+` WHERE task_id = `+s.placeholder(1)+` ORDER BY message_id ASC, created_at ASC`, taskID)
	if err != nil {
		return nil, goerr.Wrap(goerr.KindFatal, "list subtasks", err)
	}
	defer rows.Close()
	return scanSubtaskRows(rows)
}

// FirstPendingAssistant returns the first ASSISTANT subtask in PENDING
// status for a task, ordered by (message_id asc, created_at asc).
// Returns goerr.KindResourceNotFound if none.
func (s *Store) FirstPendingAssistant(ctx context.Context, taskID int64) (model.Subtask, error) {
	row := s.db.QueryRowContext(ctx,
		subtaskSelect+` WHERE task_id = `+s.placeholder(1)+` AND role = `+s.placeholder(2)+` AND status = `+s.placeholder(3)+
			` ORDER BY message_id ASC, created_at ASC LIMIT 1`,
		taskID, model.RoleAssistant, model.SubtaskPending)
	return scanSubtaskRow(row)
}

// HasRunningAssistant reports whether any ASSISTANT subtask of the task
// is currently RUNNING (at most one running ASSISTANT per task, relaxed
// for `parallel` teams — callers pass allowMultiple=true for those).
func (s *Store) HasRunningAssistant(ctx context.Context, taskID int64) (bool, error) {
	var count int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM subtasks WHERE task_id = `+s.placeholder(1)+` AND role = `+s.placeholder(2)+` AND status = `+s.placeholder(3),
		taskID, model.RoleAssistant, model.SubtaskRunning)
	if err := row.Scan(&count); err != nil {
		return false, goerr.Wrap(goerr.KindFatal, "count running assistants", err)
	}
	return count > 0, nil
}

// ClaimSubtask transitions a subtask PENDING->RUNNING using a
// conditional UPDATE keyed on status=PENDING. Returns false if another
// worker already claimed it.
func (s *Store) ClaimSubtask(ctx context.Context, id int64) (bool, error) {
	res, err := s.db.ExecContext(ctx,
		`UPDATE subtasks SET status = `+s.placeholder(1)+`, updated_at = `+s.placeholder(2)+
			` WHERE id = `+s.placeholder(3)+` AND status = `+s.placeholder(4),
		model.SubtaskRunning, now(), id, model.SubtaskPending)
	if err != nil {
		return false, goerr.Wrap(goerr.KindFatal, "claim subtask", err)
	}
	n, _ := res.RowsAffected()
	return n == 1, nil
}

// ResetSubtaskPending resets a subtask back to PENDING for a same-id
// retry, preserving message_id.
func (s *Store) ResetSubtaskPending(ctx context.Context, id int64) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subtasks SET status = `+s.placeholder(1)+`, error_message = '', updated_at = `+s.placeholder(2)+` WHERE id = `+s.placeholder(3),
		model.SubtaskPending, now(), id)
	if err != nil {
		return goerr.Wrap(goerr.KindFatal, "reset subtask pending", err)
	}
	return nil
}

// BindExecutor sets executor_name/namespace; immutable once set, so
// callers only call this on first dispatch.
func (s *Store) BindExecutor(ctx context.Context, id int64, name, namespace string) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE subtasks SET executor_name = `+s.placeholder(1)+`, executor_namespace = `+s.placeholder(2)+
			`, updated_at = `+s.placeholder(3)+` WHERE id = `+s.placeholder(4)+` AND executor_name = ''`,
		name, namespace, now(), id)
	if err != nil {
		return goerr.Wrap(goerr.KindFatal, "bind executor", err)
	}
	return nil
}

// UpdateSubtaskResult applies a status/progress/result/error delta
// from the streaming engine or the executor callback.
func (s *Store) UpdateSubtaskResult(ctx context.Context, id int64, status model.SubtaskStatus, progress int, result model.SubtaskResult, errMsg string) error {
	resultJSON, _ := json.Marshal(result)
	_, err := s.db.ExecContext(ctx,
		`UPDATE subtasks SET status = `+s.placeholder(1)+`, progress = `+s.placeholder(2)+`, result = `+s.placeholder(3)+
			`, error_message = `+s.placeholder(4)+`, updated_at = `+s.placeholder(5)+` WHERE id = `+s.placeholder(6),
		status, progress, string(resultJSON), errMsg, now(), id)
	if err != nil {
		return goerr.Wrap(goerr.KindFatal, "update subtask result", err)
	}
	return nil
}

// AppendCorrection records a post-hoc prompt edit made via `chat:correct`;
// additive and audit-only, never re-triggers generation.
func (s *Store) AppendCorrection(ctx context.Context, id int64, c model.Correction) error {
	st, err := s.GetSubtask(ctx, id)
	if err != nil {
		return err
	}
	st.Corrections = append(st.Corrections, c)
	corrections, _ := json.Marshal(st.Corrections)
	_, err = s.db.ExecContext(ctx,
		`UPDATE subtasks SET corrections = `+s.placeholder(1)+`, updated_at = `+s.placeholder(2)+` WHERE id = `+s.placeholder(3),
		string(corrections), now(), id)
	if err != nil {
		return goerr.Wrap(goerr.KindFatal, "append correction", err)
	}
	return nil
}

const subtaskSelect = `SELECT id, task_id, team_id, role, bot_ids, title, prompt, attachments, result, status, progress, message_id, parent_id, executor_name, executor_namespace, new_session, corrections, error_message, created_at, updated_at FROM subtasks`
const subtaskSelectMulti = subtaskSelect

func scanSubtaskRow(row *sql.Row) (model.Subtask, error) {
	var (
		st          model.Subtask
		botIDs      string
		attachments string
		result      string
		corrections string
	)
	if err := row.Scan(&st.ID, &st.TaskID, &st.TeamID, &st.Role, &botIDs, &st.Title, &st.Prompt,
		&attachments, &result, &st.Status, &st.Progress, &st.MessageID, &st.ParentID,
		&st.ExecutorName, &st.ExecutorNamespace, &st.NewSession, &corrections, &st.ErrorMessage,
		&st.CreatedAt, &st.UpdatedAt); err != nil {
		if err == sql.ErrNoRows {
			return model.Subtask{}, goerr.New(goerr.KindResourceNotFound, "subtask not found")
		}
		return model.Subtask{}, goerr.Wrap(goerr.KindFatal, "scan subtask", err)
	}
	st.BotIDs = splitIDs(botIDs)
	_ = json.Unmarshal([]byte(attachments), &st.Attachments)
	_ = json.Unmarshal([]byte(result), &st.Result)
	_ = json.Unmarshal([]byte(corrections), &st.Corrections)
	return st, nil
}

func scanSubtaskRows(rows *sql.Rows) ([]model.Subtask, error) {
	var out []model.Subtask
	for rows.Next() {
		var (
			st          model.Subtask
			botIDs      string
			attachments string
			result      string
			corrections string
		)
		if err := rows.Scan(&st.ID, &st.TaskID, &st.TeamID, &st.Role, &botIDs, &st.Title, &st.Prompt,
			&attachments, &result, &st.Status, &st.Progress, &st.MessageID, &st.ParentID,
			&st.ExecutorName, &st.ExecutorNamespace, &st.NewSession, &corrections, &st.ErrorMessage,
			&st.CreatedAt, &st.UpdatedAt); err != nil {
			return nil, goerr.Wrap(goerr.KindFatal, "scan subtask row", err)
		}
		st.BotIDs = splitIDs(botIDs)
		_ = json.Unmarshal([]byte(attachments), &st.Attachments)
		_ = json.Unmarshal([]byte(result), &st.Result)
		_ = json.Unmarshal([]byte(corrections), &st.Corrections)
		out = append(out, st)
	}
	return out, rows.Err()
}

func joinIDs(ids []int64) string {
	parts := make([]string, len(ids))
	for i, id := range ids {
		parts[i] = strconv.FormatInt(id, 10)
	}
	return strings.Join(parts, ",")
}

func splitIDs(s string) []int64 {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]int64, 0, len(parts))
	for _, p := range parts {
		if v, err := strconv.ParseInt(p, 10, 64); err == nil {
			out = append(out, v)
		}
	}
	return out
}
