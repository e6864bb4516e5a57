// Package reducer derives task status from subtask status: a pure
// function mapping a subtask update plus its task's full subtask
// history into the task's new status, evaluated as an ordered rule list
// (first match wins).
package reducer

import (
	"time"

	"github.com/basket/go-claw/internal/model"
)

// Outcome is what Reduce decided: the task's new status block, plus
// optionally the next pipeline-stage subtask to create.
type Outcome struct {
	Status      model.TaskStatusBlock
	NextSubtask *model.Subtask // non-nil only for rule 4b
	Terminal    bool
}

// Reduce recomputes a task's status block. task carries the resource
// spec (collaboration model, members) needed for pipeline-stage policy;
// subtasks must be ordered by (message_id asc) and include the subtask
// that was just updated.
func Reduce(task model.Task, team model.Team, subtasks []model.Subtask) Outcome {
	latest := latestNonPending(subtasks)

	// Rule 1: CANCELLING + any CANCELLED -> CANCELLED.
	if task.Status.Status == model.TaskCancelling {
		for _, s := range subtasks {
			if s.Status == model.SubtaskCancelled {
				return terminal(model.TaskCancelled, 100, "", "")
			}
		}
	}

	if latest == nil {
		return running(subtasks)
	}

	// Rule 2: latest non-PENDING is CANCELLED -> CANCELLED.
	if latest.Status == model.SubtaskCancelled {
		return terminal(model.TaskCancelled, 100, "", resultOf(*latest))
	}

	// Rule 3: latest non-PENDING is FAILED -> FAILED.
	if latest.Status == model.SubtaskFailed {
		return terminal(model.TaskFailed, latest.Progress, latest.ErrorMessage, resultOf(*latest))
	}

	// Rule 4: latest non-PENDING is COMPLETED.
	if latest.Status == model.SubtaskCompleted {
		if team.CollaborationModel == model.CollaborationPipeline {
			round := currentRound(subtasks, *latest)
			idx := memberIndexInRound(round, *latest)
			if idx >= 0 && idx < len(team.Members) {
				member := team.Members[idx]
				hasNext := idx+1 < len(team.Members)
				if member.RequireConfirmation && hasNext {
					// 4a: pause for confirmation.
					return Outcome{Status: model.TaskStatusBlock{
						Status: model.TaskPendingConfirmation, Progress: latest.Progress,
						Result: resultOf(*latest), UpdatedAt: now(),
					}}
				}
				if hasNext {
					// 4b: create next pipeline stage.
					next := model.Subtask{
						TaskID:            latest.TaskID,
						TeamID:            latest.TeamID,
						Role:              model.RoleAssistant,
						Status:            model.SubtaskPending,
						MessageID:         latest.MessageID + 1,
						ParentID:          latest.MessageID,
						ExecutorName:      firstAssistantInRound(round).ExecutorName,
						ExecutorNamespace: firstAssistantInRound(round).ExecutorNamespace,
					}
					return Outcome{
						Status: model.TaskStatusBlock{
							Status: model.TaskRunning, Progress: latest.Progress, UpdatedAt: now(),
						},
						NextSubtask: &next,
					}
				}
			}
		}
		// 4c: terminal completion.
		return terminal(model.TaskCompleted, 100, "", resultOf(*latest))
	}

	// Rule 5: otherwise RUNNING; mirror the sole subtask if there's only one.
	return running(subtasks)
}

func running(subtasks []model.Subtask) Outcome {
	status := model.TaskStatusBlock{Status: model.TaskRunning, UpdatedAt: now()}
	if len(subtasks) == 1 {
		s := subtasks[0]
		status.Progress = s.Progress
		status.ErrorMessage = s.ErrorMessage
		status.Result = resultOf(s)
	}
	return Outcome{Status: status}
}

func terminal(status model.TaskStatus, progress int, errMsg, result string) Outcome {
	t := now()
	return Outcome{
		Terminal: true,
		Status: model.TaskStatusBlock{
			Status: status, Progress: progress, ErrorMessage: errMsg, Result: result,
			UpdatedAt: t, CompletedAt: &t,
		},
	}
}

func resultOf(s model.Subtask) string { return s.Result.Value }

// latestNonPending returns the subtask with the greatest message_id
// whose status is not PENDING, or nil if none exist yet.
func latestNonPending(subtasks []model.Subtask) *model.Subtask {
	var latest *model.Subtask
	for i := range subtasks {
		s := &subtasks[i]
		if s.Status == model.SubtaskPending {
			continue
		}
		if latest == nil || s.MessageID > latest.MessageID {
			latest = s
		}
	}
	return latest
}

// currentRound is the group of ASSISTANT subtasks created after the
// last USER subtask.
func currentRound(subtasks []model.Subtask, latest model.Subtask) []model.Subtask {
	var lastUserMsgID int64 = -1
	for _, s := range subtasks {
		if s.Role == model.RoleUser && s.MessageID <= latest.MessageID && s.MessageID > lastUserMsgID {
			lastUserMsgID = s.MessageID
		}
	}
	var round []model.Subtask
	for _, s := range subtasks {
		if s.Role == model.RoleAssistant && s.MessageID > lastUserMsgID && s.MessageID <= latest.MessageID {
			round = append(round, s)
		}
	}
	return round
}

func memberIndexInRound(round []model.Subtask, latest model.Subtask) int {
	for i, s := range round {
		if s.ID == latest.ID {
			return i
		}
	}
	return -1
}

func firstAssistantInRound(round []model.Subtask) model.Subtask {
	if len(round) == 0 {
		return model.Subtask{}
	}
	return round[0]
}

var now = func() time.Time { return time.Now().UTC() }
