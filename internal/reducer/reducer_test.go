package reducer

import (
	"testing"

	"gotest.tools/v3/assert"

	"github.com/basket/go-claw/internal/model"
)

func TestReduce_SimpleCompletion(t *testing.T) {
	task := model.Task{ID: 1, Status: model.TaskStatusBlock{Status: model.TaskRunning}}
	team := model.Team{CollaborationModel: model.CollaborationSolo}
	subtasks := []model.Subtask{
		{ID: 100, MessageID: 1, Role: model.RoleUser, Status: model.SubtaskCompleted},
		{ID: 101, MessageID: 2, Role: model.RoleAssistant, Status: model.SubtaskCompleted, Result: model.SubtaskResult{Value: "hello"}},
	}

	out := Reduce(task, team, subtasks)
	assert.Equal(t, out.Status.Status, model.TaskCompleted)
	assert.Equal(t, out.Status.Progress, 100)
	assert.Equal(t, out.Status.Result, "hello")
	assert.Assert(t, out.Terminal)
}

func TestReduce_FailurePropagatesErrorMessage(t *testing.T) {
	task := model.Task{ID: 1}
	team := model.Team{CollaborationModel: model.CollaborationSolo}
	subtasks := []model.Subtask{
		{ID: 100, MessageID: 1, Role: model.RoleUser, Status: model.SubtaskCompleted},
		{ID: 101, MessageID: 2, Role: model.RoleAssistant, Status: model.SubtaskFailed, ErrorMessage: "boom", Progress: 40},
	}

	out := Reduce(task, team, subtasks)
	assert.Equal(t, out.Status.Status, model.TaskFailed)
	assert.Equal(t, out.Status.ErrorMessage, "boom")
	assert.Equal(t, out.Status.Progress, 40)
}

func TestReduce_CancellingWithCancelledSubtaskWins(t *testing.T) {
	task := model.Task{Status: model.TaskStatusBlock{Status: model.TaskCancelling}}
	team := model.Team{CollaborationModel: model.CollaborationSolo}
	subtasks := []model.Subtask{
		{ID: 100, MessageID: 1, Role: model.RoleUser, Status: model.SubtaskCompleted},
		{ID: 101, MessageID: 2, Role: model.RoleAssistant, Status: model.SubtaskCancelled},
	}

	out := Reduce(task, team, subtasks)
	assert.Equal(t, out.Status.Status, model.TaskCancelled)
	assert.Equal(t, out.Status.Progress, 100)
}

func TestReduce_PipelineRequiresConfirmation(t *testing.T) {
	task := model.Task{ID: 2}
	team := model.Team{
		CollaborationModel: model.CollaborationPipeline,
		Members: []model.TeamMember{
			{BotName: "m1", RequireConfirmation: true},
			{BotName: "m2"},
		},
	}
	subtasks := []model.Subtask{
		{ID: 1, MessageID: 1, Role: model.RoleUser, Status: model.SubtaskCompleted},
		{ID: 2, MessageID: 2, Role: model.RoleAssistant, Status: model.SubtaskCompleted, Result: model.SubtaskResult{Value: "DRAFT"}},
	}

	out := Reduce(task, team, subtasks)
	assert.Equal(t, out.Status.Status, model.TaskPendingConfirmation)
	assert.Assert(t, out.NextSubtask == nil)
}

func TestReduce_PipelineCreatesNextStageWhenNoConfirmationNeeded(t *testing.T) {
	task := model.Task{ID: 2}
	team := model.Team{
		CollaborationModel: model.CollaborationPipeline,
		Members: []model.TeamMember{
			{BotName: "m1"},
			{BotName: "m2"},
		},
	}
	subtasks := []model.Subtask{
		{ID: 1, MessageID: 1, Role: model.RoleUser, Status: model.SubtaskCompleted},
		{ID: 2, TaskID: 2, TeamID: 5, MessageID: 2, Role: model.RoleAssistant, Status: model.SubtaskCompleted, ExecutorName: "exec-1"},
	}

	out := Reduce(task, team, subtasks)
	assert.Equal(t, out.Status.Status, model.TaskRunning)
	assert.Assert(t, out.NextSubtask != nil)
	assert.Equal(t, out.NextSubtask.MessageID, int64(3))
	assert.Equal(t, out.NextSubtask.ParentID, int64(2))
	assert.Equal(t, out.NextSubtask.ExecutorName, "exec-1")
	assert.Equal(t, out.NextSubtask.Status, model.SubtaskPending)
}

func TestReduce_PipelineLastStageCompletes(t *testing.T) {
	task := model.Task{ID: 2}
	team := model.Team{
		CollaborationModel: model.CollaborationPipeline,
		Members:            []model.TeamMember{{BotName: "m1"}, {BotName: "m2"}},
	}
	subtasks := []model.Subtask{
		{ID: 1, MessageID: 1, Role: model.RoleUser, Status: model.SubtaskCompleted},
		{ID: 2, MessageID: 2, Role: model.RoleAssistant, Status: model.SubtaskCompleted},
		{ID: 3, MessageID: 3, Role: model.RoleAssistant, Status: model.SubtaskCompleted, Result: model.SubtaskResult{Value: "final"}},
	}

	out := Reduce(task, team, subtasks)
	assert.Equal(t, out.Status.Status, model.TaskCompleted)
	assert.Equal(t, out.Status.Result, "final")
}

func TestReduce_SingleRunningSubtaskMirrorsProgress(t *testing.T) {
	task := model.Task{ID: 3}
	team := model.Team{CollaborationModel: model.CollaborationSolo}
	subtasks := []model.Subtask{
		{ID: 1, MessageID: 1, Role: model.RoleAssistant, Status: model.SubtaskRunning, Progress: 55},
	}

	out := Reduce(task, team, subtasks)
	assert.Equal(t, out.Status.Status, model.TaskRunning)
	assert.Equal(t, out.Status.Progress, 55)
}
