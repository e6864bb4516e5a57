package store

import (
	"context"
	"database/sql"
	"time"

	"github.com/basket/go-claw/internal/goerr"
	"github.com/basket/go-claw/internal/model"
)

// CreateBackgroundExecution inserts a new BackgroundExecution row in
// PENDING status.
func (s *Store) CreateBackgroundExecution(ctx context.Context, e model.BackgroundExecution) (model.BackgroundExecution, error) {
	ts := now()
	if e.Status == "" {
		e.Status = model.ExecutionPending
	}
	res, err := s.db.ExecContext(ctx,
		`INSERT INTO background_executions (subscription_id, user_id, task_id, trigger_type, trigger_reason, prompt, status, error_message, retry_attempt, started_at, completed_at, created_at, updated_at)
		 VALUES (`+placeholders(s, 13)+`)`,
		e.SubscriptionID, e.UserID, e.TaskID, e.TriggerType, e.TriggerReason, e.Prompt, e.Status,
		e.ErrorMessage, e.RetryAttempt, e.StartedAt, e.CompletedAt, ts, ts)
	if err != nil {
		return model.BackgroundExecution{}, goerr.Wrap(goerr.KindFatal, "create background execution", err)
	}
	id, _ := res.LastInsertId()
	e.ID = id
	e.CreatedAt, e.UpdatedAt = ts, ts
	return e, nil
}

// LinkBackgroundExecution attaches a task_id and flips the execution
// to RUNNING with started_at stamped.
func (s *Store) LinkBackgroundExecution(ctx context.Context, id, taskID int64) error {
	startedAt := now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE background_executions SET task_id = `+s.placeholder(1)+`, status = `+s.placeholder(2)+
			`, started_at = `+s.placeholder(3)+`, updated_at = `+s.placeholder(4)+` WHERE id = `+s.placeholder(5),
		taskID, model.ExecutionRunning, startedAt, startedAt, id)
	if err != nil {
		return goerr.Wrap(goerr.KindFatal, "link background execution", err)
	}
	return nil
}

// CompleteBackgroundExecution marks an execution COMPLETED or FAILED
// with an optional error message.
func (s *Store) CompleteBackgroundExecution(ctx context.Context, id int64, status model.BackgroundExecutionStatus, errMsg string) error {
	completedAt := now()
	_, err := s.db.ExecContext(ctx,
		`UPDATE background_executions SET status = `+s.placeholder(1)+`, error_message = `+s.placeholder(2)+
			`, completed_at = `+s.placeholder(3)+`, updated_at = `+s.placeholder(4)+` WHERE id = `+s.placeholder(5),
		status, errMsg, completedAt, completedAt, id)
	if err != nil {
		return goerr.Wrap(goerr.KindFatal, "complete background execution", err)
	}
	return nil
}

// GetBackgroundExecution loads one execution row by id.
func (s *Store) GetBackgroundExecution(ctx context.Context, id int64) (model.BackgroundExecution, error) {
	rows, err := s.db.QueryContext(ctx, bgExecSelect+` WHERE id = `+s.placeholder(1), id)
	if err != nil {
		return model.BackgroundExecution{}, goerr.Wrap(goerr.KindFatal, "get background execution", err)
	}
	defer rows.Close()
	out, err := scanBgExecRows(rows)
	if err != nil {
		return model.BackgroundExecution{}, err
	}
	if len(out) == 0 {
		return model.BackgroundExecution{}, goerr.New(goerr.KindResourceNotFound, "background execution not found")
	}
	return out[0], nil
}

// ListOrphanedPendingExecutions finds BackgroundExecutions PENDING with
// task_id=0 older than olderThan.
func (s *Store) ListOrphanedPendingExecutions(ctx context.Context, olderThan time.Duration) ([]model.BackgroundExecution, error) {
	cutoff := now().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx,
		bgExecSelect+` WHERE status = `+s.placeholder(1)+` AND task_id = 0 AND created_at < `+s.placeholder(2),
		model.ExecutionPending, cutoff)
	if err != nil {
		return nil, goerr.Wrap(goerr.KindFatal, "list orphaned executions", err)
	}
	defer rows.Close()
	return scanBgExecRows(rows)
}

// ListStuckRunningExecutions finds BackgroundExecutions RUNNING whose
// started_at is older than olderThan.
func (s *Store) ListStuckRunningExecutions(ctx context.Context, olderThan time.Duration) ([]model.BackgroundExecution, error) {
	cutoff := now().Add(-olderThan)
	rows, err := s.db.QueryContext(ctx,
		bgExecSelect+` WHERE status = `+s.placeholder(1)+` AND started_at IS NOT NULL AND started_at < `+s.placeholder(2),
		model.ExecutionRunning, cutoff)
	if err != nil {
		return nil, goerr.Wrap(goerr.KindFatal, "list stuck executions", err)
	}
	defer rows.Close()
	return scanBgExecRows(rows)
}

// ListDueSubscriptions pages through active Subscription resources for
// the trigger scan.
func (s *Store) ListDueSubscriptions(ctx context.Context, batchSize int) ([]model.Resource, error) {
	if batchSize <= 0 {
		batchSize = 100
	}
	return s.ListResources(ctx, ListResourcesFilter{Kind: model.KindSubscription, Limit: batchSize})
}

const bgExecSelect = `SELECT id, subscription_id, user_id, task_id, trigger_type, trigger_reason, prompt, status, error_message, retry_attempt, started_at, completed_at, created_at, updated_at FROM background_executions`

func scanBgExecRows(rows *sql.Rows) ([]model.BackgroundExecution, error) {
	var out []model.BackgroundExecution
	for rows.Next() {
		var (
			e           model.BackgroundExecution
			startedAt   sql.NullTime
			completedAt sql.NullTime
		)
		if err := rows.Scan(&e.ID, &e.SubscriptionID, &e.UserID, &e.TaskID, &e.TriggerType, &e.TriggerReason,
			&e.Prompt, &e.Status, &e.ErrorMessage, &e.RetryAttempt, &startedAt, &completedAt, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, goerr.Wrap(goerr.KindFatal, "scan background execution", err)
		}
		if startedAt.Valid {
			t := startedAt.Time
			e.StartedAt = &t
		}
		if completedAt.Valid {
			t := completedAt.Time
			e.CompletedAt = &t
		}
		out = append(out, e)
	}
	return out, rows.Err()
}
