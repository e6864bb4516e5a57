package dispatcher

import (
	"context"
	"encoding/json"
	"strings"

	"github.com/basket/go-claw/internal/goerr"
	"github.com/basket/go-claw/internal/model"
)

func unmarshalSubscription(doc string, out *model.Subscription) error {
	if err := json.Unmarshal([]byte(doc), out); err != nil {
		return goerr.Wrap(goerr.KindFatal, "parse subscription json", err)
	}
	return nil
}

// CreateTaskForSubscription builds and persists the Task a firing
// Subscription starts,
// satisfying internal/trigger.Dispatch. A rental subscription overlays
// the source subscription's team/prompt/workspace while keeping the
// rental's own trigger and model; rental
// executions always start a fresh session regardless of
// preserveHistory, since the rented team's prior history belongs to the
// source subscription's owner, not the renter.
func (d *Dispatcher) CreateTaskForSubscription(ctx context.Context, res model.Resource, sub model.Subscription, execution model.BackgroundExecution) (model.Task, error) {
	teamName, workspace, prompt, newSession := sub.TeamName, sub.WorkspaceName, sub.PromptTemplate, !sub.PreserveHistory

	if sub.Rental {
		source, err := d.resourceByID(ctx, sub.RentalSourceID)
		if err != nil {
			return model.Task{}, goerr.Wrap(goerr.KindValidationFailed, "resolve rental source subscription", err)
		}
		var sourceSub model.Subscription
		if err := unmarshalSubscription(source.JSON, &sourceSub); err != nil {
			return model.Task{}, err
		}
		teamName, workspace, prompt = sourceSub.TeamName, sourceSub.WorkspaceName, sourceSub.PromptTemplate
		newSession = true
	}

	prompt = strings.ReplaceAll(prompt, "{{trigger_reason}}", execution.TriggerReason)

	// A history-preserving subscription reuses its bound task while that
	// task is still active, so successive firings share one conversation
	// thread. The scheduler
	// rebinds _internal.bound_task_id after each firing.
	if sub.PreserveHistory && !sub.Rental && sub.Internal.BoundTaskID != 0 {
		if bound, err := d.store.GetTask(ctx, sub.Internal.BoundTaskID); err == nil && bound.IsActive {
			return bound, d.appendSubscriptionTurn(ctx, bound, prompt, newSession)
		}
	}

	task := model.Task{
		OwnerID:       res.OwnerID,
		Title:         "Subscription: " + res.Name,
		TeamName:      teamName,
		WorkspaceName: workspace,
		Labels: model.TaskLabels{
			Type:           model.TaskTypeSubscription,
			Source:         "subscription",
			SubscriptionID: res.ID,
			ExecutionID:    execution.ID,
			ModelID:        sub.ModelRef,
		},
	}
	task, err := d.store.CreateTask(ctx, task)
	if err != nil {
		return model.Task{}, err
	}
	return task, d.appendSubscriptionTurn(ctx, task, prompt, newSession)
}

// appendSubscriptionTurn records one firing as a USER/ASSISTANT subtask
// pair on the task, the same two-row shape chat:send creates.
func (d *Dispatcher) appendSubscriptionTurn(ctx context.Context, task model.Task, prompt string, newSession bool) error {
	userMessageID, err := d.store.NextMessageID(ctx, task.ID)
	if err != nil {
		return err
	}
	_, err = d.store.CreateSubtask(ctx, model.Subtask{
		TaskID: task.ID, Role: model.RoleUser, Status: model.SubtaskCompleted,
		Progress: 100, Prompt: prompt, MessageID: userMessageID, NewSession: newSession,
	})
	if err != nil {
		return err
	}
	assistantMessageID, err := d.store.NextMessageID(ctx, task.ID)
	if err != nil {
		return err
	}
	_, err = d.store.CreateSubtask(ctx, model.Subtask{
		TaskID: task.ID, Role: model.RoleAssistant, Status: model.SubtaskPending,
		MessageID: assistantMessageID, ParentID: userMessageID, NewSession: newSession,
	})
	return err
}

func (d *Dispatcher) resourceByID(ctx context.Context, id int64) (model.Resource, error) {
	return d.store.GetResourceByID(ctx, id)
}
