package reducer

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/goerr"
	"github.com/basket/go-claw/internal/model"
)

// Store is the subset of internal/store.Store the reducer service needs
// to load a task's full subtask history and persist the outcome of
// Reduce. Kept narrow so tests can fake it without a real database.
type Store interface {
	GetTask(ctx context.Context, id int64) (model.Task, error)
	ListSubtasksByTask(ctx context.Context, taskID int64) ([]model.Subtask, error)
	CreateSubtask(ctx context.Context, st model.Subtask) (model.Subtask, error)
	UpdateTaskStatus(ctx context.Context, id int64, status model.TaskStatus, progress int, errMsg, result string, completedAt *time.Time) error
	ResetSubtaskPending(ctx context.Context, id int64) error
}

// TeamResolver resolves the Team CRD a task references, needed for
// pipeline-stage policy.
type TeamResolver interface {
	ResolveTeam(ctx context.Context, owner int64, name, namespace string) (model.Team, error)
}

// Bus is the narrow publish surface the reducer service needs to emit
// task:status and the terminal chat:done mirror.
type Bus interface {
	Publish(ctx context.Context, room string, ev bus.Event) error
}

// Service wires the pure Reduce function (this package's Reduce) to the
// store and bus, so every caller that moves a subtask to a non-PENDING
// status (internal/streaming.Engine, internal/gateway's chat:cancel, the
// executor callback handler) can fold that change back into the owning
// task's status the same way. Apply just persists what Reduce already
// computed, it does not re-derive it.
type Service struct {
	store  Store
	teams  TeamResolver
	bus    Bus
	logger *slog.Logger
}

func NewService(store Store, teams TeamResolver, b Bus, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{store: store, teams: teams, bus: b, logger: logger}
}

// Apply re-derives and persists a task's status after one of its
// subtasks changed. It is idempotent: calling it twice for
// the same persisted state yields the same task row and, beyond the
// first call, a harmless re-publish of the same events.
func (s *Service) Apply(ctx context.Context, taskID int64) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	team, err := s.teams.ResolveTeam(ctx, task.OwnerID, task.TeamName, task.TeamNamespace)
	if err != nil {
		// A task whose team was since deleted/renamed still needs its
		// subtask-status bookkeeping; pipeline-stage policy just can't
		// apply, so Reduce runs rules 1-3/5 against an empty Team.
		s.logger.WarnContext(ctx, "reducer: team resolve failed, degrading to non-pipeline rules", "task_id", taskID, "error", err)
		team = model.Team{}
	}
	subtasks, err := s.store.ListSubtasksByTask(ctx, taskID)
	if err != nil {
		return err
	}

	outcome := Reduce(task, team, subtasks)

	if err := s.store.UpdateTaskStatus(ctx, taskID, outcome.Status.Status, outcome.Status.Progress, outcome.Status.ErrorMessage, outcome.Status.Result, outcome.Status.CompletedAt); err != nil {
		return err
	}

	if outcome.NextSubtask != nil {
		if _, err := s.store.CreateSubtask(ctx, *outcome.NextSubtask); err != nil {
			return err
		}
	}

	statusJSON, _ := json.Marshal(outcome.Status)
	ev := bus.Event{Type: bus.EventTaskStatus, TaskID: taskID, Payload: json.RawMessage(statusJSON)}
	_ = s.bus.Publish(ctx, bus.UserRoom(task.OwnerID), ev)
	_ = s.bus.Publish(ctx, bus.TaskRoom(taskID), ev)

	if outcome.Terminal {
		if latest := latestNonPending(subtasks); latest != nil {
			resultJSON, _ := json.Marshal(latest.Result)
			_ = s.bus.Publish(ctx, bus.TaskRoom(taskID), bus.Event{
				Type: bus.EventChatDone, TaskID: taskID, SubtaskID: latest.ID, MessageID: latest.MessageID,
				Payload: json.RawMessage(resultJSON),
			})
		}
	}
	return nil
}

// Confirm resolves a stage-confirmation decision: a client resolves a
// PENDING_CONFIRMATION task by either continuing to the next pipeline
// stage with a (possibly edited) prompt, or retrying the stage that just
// completed.
func (s *Service) Confirm(ctx context.Context, taskID int64, confirmedPrompt string, action model.ConfirmAction) error {
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		return err
	}
	if task.Status.Status != model.TaskPendingConfirmation {
		return goerr.New(goerr.KindConflictingState, "task is not awaiting confirmation")
	}
	subtasks, err := s.store.ListSubtasksByTask(ctx, taskID)
	if err != nil {
		return err
	}
	latest := latestNonPending(subtasks)
	if latest == nil {
		return goerr.New(goerr.KindConflictingState, "no completed subtask to confirm")
	}

	switch action {
	case model.ConfirmRetry:
		// Re-run the same stage: leave message_id/parent_id untouched,
		// reset to PENDING so the dispatcher/streaming engine pick it
		// back up (mirrors chat:retry's same-id semantics).
		if err := s.store.ResetSubtaskPending(ctx, latest.ID); err != nil {
			return err
		}
		if err := s.store.UpdateTaskStatus(ctx, taskID, model.TaskRunning, latest.Progress, "", "", nil); err != nil {
			return err
		}
		return nil
	default: // model.ConfirmContinue
		next := model.Subtask{
			TaskID:            latest.TaskID,
			TeamID:            latest.TeamID,
			Role:              model.RoleAssistant,
			Status:            model.SubtaskPending,
			Prompt:            confirmedPrompt,
			MessageID:         latest.MessageID + 1,
			ParentID:          latest.MessageID,
			NewSession:        true, // next stage starts with no inherited history
			ExecutorName:      latest.ExecutorName,
			ExecutorNamespace: latest.ExecutorNamespace,
		}
		if _, err := s.store.CreateSubtask(ctx, next); err != nil {
			return err
		}
		return s.store.UpdateTaskStatus(ctx, taskID, model.TaskRunning, latest.Progress, "", "", nil)
	}
}
