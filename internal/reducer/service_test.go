package reducer

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/model"
)

type fakeStore struct {
	task     model.Task
	subtasks []model.Subtask
	created  []model.Subtask
	resetIDs []int64
}

func (f *fakeStore) GetTask(ctx context.Context, id int64) (model.Task, error) { return f.task, nil }
func (f *fakeStore) ListSubtasksByTask(ctx context.Context, taskID int64) ([]model.Subtask, error) {
	return f.subtasks, nil
}
func (f *fakeStore) CreateSubtask(ctx context.Context, st model.Subtask) (model.Subtask, error) {
	st.ID = int64(len(f.created) + 1000)
	f.created = append(f.created, st)
	return st, nil
}
func (f *fakeStore) UpdateTaskStatus(ctx context.Context, id int64, status model.TaskStatus, progress int, errMsg, result string, completedAt *time.Time) error {
	f.task.Status = model.TaskStatusBlock{Status: status, Progress: progress, ErrorMessage: errMsg, Result: result, CompletedAt: completedAt}
	return nil
}
func (f *fakeStore) ResetSubtaskPending(ctx context.Context, id int64) error {
	f.resetIDs = append(f.resetIDs, id)
	return nil
}

type fakeTeams struct{ team model.Team }

func (f *fakeTeams) ResolveTeam(ctx context.Context, owner int64, name, namespace string) (model.Team, error) {
	return f.team, nil
}

type fakeBus struct{ events []bus.Event }

func (f *fakeBus) Publish(ctx context.Context, room string, ev bus.Event) error {
	f.events = append(f.events, ev)
	return nil
}

func TestService_Apply_PersistsReducedStatusAndPublishes(t *testing.T) {
	ctx := context.Background()
	st := &fakeStore{
		task: model.Task{ID: 1, OwnerID: 9, Status: model.TaskStatusBlock{Status: model.TaskRunning}},
		subtasks: []model.Subtask{
			{ID: 100, MessageID: 1, Role: model.RoleUser, Status: model.SubtaskCompleted},
			{ID: 101, MessageID: 2, Role: model.RoleAssistant, Status: model.SubtaskCompleted, Result: model.SubtaskResult{Value: "done"}},
		},
	}
	b := &fakeBus{}
	svc := NewService(st, &fakeTeams{team: model.Team{CollaborationModel: model.CollaborationSolo}}, b, nil)

	assert.NilError(t, svc.Apply(ctx, 1))
	assert.Equal(t, st.task.Status.Status, model.TaskCompleted)
	assert.Equal(t, len(b.events), 3, "expects task:status on user room, task:status on task room, and a terminal chat:done mirror")
}

func TestService_Confirm_RetryResetsSubtaskAndTask(t *testing.T) {
	ctx := context.Background()
	st := &fakeStore{
		task: model.Task{ID: 2, Status: model.TaskStatusBlock{Status: model.TaskPendingConfirmation}},
		subtasks: []model.Subtask{
			{ID: 100, MessageID: 1, Role: model.RoleUser, Status: model.SubtaskCompleted},
			{ID: 101, MessageID: 2, Role: model.RoleAssistant, Status: model.SubtaskCompleted, Progress: 100},
		},
	}
	svc := NewService(st, &fakeTeams{}, &fakeBus{}, nil)

	assert.NilError(t, svc.Confirm(ctx, 2, "", model.ConfirmRetry))
	assert.Equal(t, len(st.resetIDs), 1)
	assert.Equal(t, st.resetIDs[0], int64(101), "retry must reset the subtask that just completed, not merely flip the task back to RUNNING")
	assert.Equal(t, st.task.Status.Status, model.TaskRunning)
}

func TestService_Confirm_ContinueCreatesNextStage(t *testing.T) {
	ctx := context.Background()
	st := &fakeStore{
		task: model.Task{ID: 2, Status: model.TaskStatusBlock{Status: model.TaskPendingConfirmation}},
		subtasks: []model.Subtask{
			{ID: 101, TaskID: 2, TeamID: 5, MessageID: 2, Role: model.RoleAssistant, Status: model.SubtaskCompleted, ExecutorName: "exec-1"},
		},
	}
	svc := NewService(st, &fakeTeams{}, &fakeBus{}, nil)

	assert.NilError(t, svc.Confirm(ctx, 2, "edited prompt", model.ConfirmContinue))
	assert.Equal(t, len(st.created), 1)
	assert.Equal(t, st.created[0].Prompt, "edited prompt")
	assert.Equal(t, st.created[0].MessageID, int64(3))
	assert.Equal(t, st.created[0].ParentID, int64(2))
	assert.Assert(t, st.created[0].NewSession)
	assert.Equal(t, st.task.Status.Status, model.TaskRunning)
}

func TestService_Confirm_RejectsTaskNotAwaitingConfirmation(t *testing.T) {
	ctx := context.Background()
	st := &fakeStore{task: model.Task{ID: 3, Status: model.TaskStatusBlock{Status: model.TaskRunning}}}
	svc := NewService(st, &fakeTeams{}, &fakeBus{}, nil)

	err := svc.Confirm(ctx, 3, "", model.ConfirmContinue)
	assert.Assert(t, err != nil)
}
