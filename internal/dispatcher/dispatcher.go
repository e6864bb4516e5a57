// Package dispatcher selects work for executor-backed shells: it polls
// PENDING subtasks, atomically transitions them to RUNNING (optimistic
// concurrency via internal/store.ClaimSubtask), builds the executor
// payload, and hands off via internal/executor.
package dispatcher

import (
	"context"
	"log/slog"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/executor"
	"github.com/basket/go-claw/internal/goerr"
	"github.com/basket/go-claw/internal/model"
	otelpkg "github.com/basket/go-claw/internal/otel"
	"github.com/basket/go-claw/internal/secret"
	"github.com/basket/go-claw/internal/shared"
	"github.com/basket/go-claw/internal/store"
)

// Resolver resolves the resource graph a dispatch unit needs (Team,
// Bot, Ghost, Shell, Model) with the user-then-public fallback lookup.
// Implemented against internal/store in production; fakeable in tests.
type Resolver interface {
	ResolveTeam(ctx context.Context, owner int64, name, namespace string) (model.Team, error)
	ResolveBot(ctx context.Context, owner int64, name, namespace string) (model.Bot, error)
	ResolveGhost(ctx context.Context, owner int64, name, namespace string) (model.Ghost, error)
	ResolveShell(ctx context.Context, owner int64, name, namespace string) (model.Shell, error)
	ResolveModel(ctx context.Context, owner int64, bindType model.BindModelType, name, namespace string) (model.ModelConfig, error)
	ResolveWorkspace(ctx context.Context, owner int64, name, namespace string) (model.Workspace, error)
}

// Dispatcher polls and dispatches subtasks to out-of-process executors.
type Dispatcher struct {
	store          *store.Store
	bus            bus.Bus
	resolver       Resolver
	exec           *executor.Client
	logger         *slog.Logger
	tracer         trace.Tracer
	modelSecretKey string

	MaxConcurrentTasks int

	// Metrics is optional; when set, each dispatched unit records its
	// claim-and-build duration.
	Metrics *otelpkg.Metrics

	// AuthToken is stamped onto every dispatch unit so the executor's
	// inbound /callback/subtask POSTs authenticate back to this control
	// plane.
	AuthToken string
}

func New(st *store.Store, b bus.Bus, r Resolver, exec *executor.Client, logger *slog.Logger, maxConcurrent int, modelSecretKey string) *Dispatcher {
	return &Dispatcher{
		store: st, bus: b, resolver: r, exec: exec, logger: logger,
		tracer:             otelapi.GetTracerProvider().Tracer(otelpkg.TracerName),
		MaxConcurrentTasks: maxConcurrent,
		modelSecretKey:     modelSecretKey,
	}
}

// Filter narrows Dispatch's candidate set.
type Filter struct {
	Type    model.TaskType
	TaskIDs []int64
}

// Dispatch runs one scan/dispatch cycle.
func (d *Dispatcher) Dispatch(ctx context.Context, f Filter, limit int) error {
	tasks, err := d.store.ListDispatchCandidates(ctx, store.DispatchCandidateFilter{Type: f.Type, Limit: limit, TaskIDs: f.TaskIDs})
	if err != nil {
		return err
	}

	var units []executor.DispatchUnit
	for _, task := range tasks {
		unit, ok, err := d.dispatchOneTask(ctx, task)
		if err != nil {
			d.logger.ErrorContext(ctx, "dispatch task failed", "task_id", task.ID, "error", err)
			continue
		}
		if ok {
			units = append(units, unit)
		}
	}
	if len(units) == 0 {
		return nil
	}
	return d.exec.Dispatch(ctx, units)
}

func (d *Dispatcher) dispatchOneTask(ctx context.Context, task model.Task) (unit executor.DispatchUnit, dispatched bool, err error) {
	ctx, span := otelpkg.StartSpan(ctx, d.tracer, "dispatcher.dispatch_subtask",
		otelpkg.AttrTaskID.Int64(task.ID))
	start := time.Now()
	defer func() {
		if err != nil {
			span.RecordError(err)
		}
		if dispatched && d.Metrics != nil {
			d.Metrics.DispatchDuration.Record(ctx, time.Since(start).Seconds())
		}
		span.End()
	}()

	team, err := d.resolver.ResolveTeam(ctx, task.OwnerID, task.TeamName, task.TeamNamespace)
	if err != nil {
		return executor.DispatchUnit{}, false, err
	}

	// Step 2: skip if an ASSISTANT is already running, unless the team's
	// collaboration model is `parallel`, which relaxes the at-most-one
	// rule specifically for that mode.
	if team.CollaborationModel != model.CollaborationParallel {
		running, err := d.store.HasRunningAssistant(ctx, task.ID)
		if err != nil {
			return executor.DispatchUnit{}, false, err
		}
		if running {
			return executor.DispatchUnit{}, false, nil
		}
	}

	// Step 3: first PENDING ASSISTANT ordered by (message_id, created_at).
	sub, err := d.store.FirstPendingAssistant(ctx, task.ID)
	if err != nil {
		if goerr.Is(err, goerr.KindResourceNotFound) {
			return executor.DispatchUnit{}, false, nil
		}
		return executor.DispatchUnit{}, false, err
	}

	// Step 4: conditional claim — only winners continue.
	claimed, err := d.store.ClaimSubtask(ctx, sub.ID)
	if err != nil {
		return executor.DispatchUnit{}, false, err
	}
	if !claimed {
		return executor.DispatchUnit{}, false, nil
	}
	sub.Status = model.SubtaskRunning

	// Step 5: promote task PENDING->RUNNING (never regress).
	if err := d.store.PromoteTaskRunning(ctx, task.ID); err != nil {
		return executor.DispatchUnit{}, false, err
	}

	unit, err = d.buildDispatchUnit(ctx, task, team, sub)
	if err != nil {
		return executor.DispatchUnit{}, false, err
	}
	span.SetAttributes(
		otelpkg.AttrSubtaskID.Int64(sub.ID),
		otelpkg.AttrShellType.String(string(unit.Bot[0].ShellType)),
		otelpkg.AttrDispatchUnit.String(unit.ExecutorName),
	)

	if sub.ExecutorName == "" {
		if err := d.store.BindExecutor(ctx, sub.ID, unit.ExecutorName, unit.ExecutorNamespace); err != nil {
			return executor.DispatchUnit{}, false, err
		}
	}

	// Step 7: emit chat:start.
	_ = d.bus.Publish(ctx, bus.TaskRoom(task.ID), bus.Event{
		Type: bus.EventChatStart, TaskID: task.ID, SubtaskID: sub.ID,
		Payload: map[string]string{"shell_type": string(unit.Bot[0].ShellType)},
	})

	return unit, true, nil
}

func (d *Dispatcher) buildDispatchUnit(ctx context.Context, task model.Task, team model.Team, sub model.Subtask) (executor.DispatchUnit, error) {
	if len(team.Members) == 0 {
		return executor.DispatchUnit{}, goerr.New(goerr.KindValidationFailed, "team has no members")
	}
	member := team.Members[0]
	bot, err := d.resolver.ResolveBot(ctx, task.OwnerID, member.BotName, member.BotNamespace)
	if err != nil {
		return executor.DispatchUnit{}, err
	}
	ghost, err := d.resolver.ResolveGhost(ctx, task.OwnerID, bot.GhostName, "")
	if err != nil {
		return executor.DispatchUnit{}, err
	}
	shell, err := d.resolver.ResolveShell(ctx, task.OwnerID, bot.ShellName, "")
	if err != nil {
		return executor.DispatchUnit{}, err
	}

	modelName, bindType := ResolveModel(task, bot)
	var agentConfig map[string]any
	if modelName != "" {
		modelCfg, err := d.resolver.ResolveModel(ctx, task.OwnerID, bindType, modelName, "")
		if err != nil {
			return executor.DispatchUnit{}, err
		}
		apiKey, err := secret.Decrypt(d.modelSecretKey, modelCfg.APIKeyCipher)
		if err != nil {
			return executor.DispatchUnit{}, err
		}
		agentConfig = map[string]any{
			"provider": modelCfg.Provider,
			"model":    modelCfg.ModelName,
			"base_url": modelCfg.BaseURL,
			"api_key":  apiKey,
		}
	}

	prompt, err := d.buildPrompt(ctx, task, sub)
	if err != nil {
		return executor.DispatchUnit{}, err
	}

	executorName, executorNamespace := sub.ExecutorName, sub.ExecutorNamespace
	if executorName == "" {
		executorName = shared.NewRunID()
		executorNamespace = task.TeamNamespace
	}

	var ws model.Workspace
	if task.WorkspaceName != "" {
		ws, err = d.resolver.ResolveWorkspace(ctx, task.OwnerID, task.WorkspaceName, "")
		if err != nil && !goerr.Is(err, goerr.KindResourceNotFound) {
			return executor.DispatchUnit{}, err
		}
	}

	unit := executor.DispatchUnit{
		SubtaskID:         sub.ID,
		TaskID:            task.ID,
		Type:              task.Labels.Type,
		ExecutorName:      executorName,
		ExecutorNamespace: executorNamespace,
		SubtaskTitle:      sub.Title,
		TaskTitle:         task.Title,
		User:              executor.User{ID: task.OwnerID},
		Bot: []executor.BotUnit{{
			ID:           0,
			Name:         member.BotName,
			ShellType:    shell.Kind,
			AgentConfig:  agentConfig,
			SystemPrompt: ghost.SystemPrompt,
			MCPServers:   ghost.MCPServers,
			Skills:       ghost.Skills,
			Role:         member.Role,
			BaseImage:    executor.ResolveBaseImage(shell, ghost),
		}},
		TeamID:        0,
		TeamNamespace: task.TeamNamespace,
		GitDomain:     ws.GitDomain,
		GitRepo:       ws.GitRepo,
		GitRepoID:     ws.GitRepoID,
		BranchName:    ws.BranchName,
		GitURL:        ws.GitURL,
		Prompt:        prompt,
		AuthToken:     d.AuthToken,
		Attachments:   sub.Attachments,
		Status:        sub.Status,
		Progress:      sub.Progress,
		CreatedAt:     sub.CreatedAt,
		UpdatedAt:     now(),
		NewSession:    sub.NewSession,
		TraceContext:  map[string]string{"trace_id": shared.TraceID(ctx)},
	}
	return unit, nil
}

// buildPrompt assembles the executor prompt: `user_prompt [+
// "\nPrevious execution result: <last_result>"]`, or the
// `confirmed_prompt` carried by a pipeline confirmation. An ASSISTANT
// subtask never carries its own
// prompt directly (only USER subtasks do, and explicit confirmations);
// otherwise it is recovered by walking parent_id back to the USER turn
// that opened the round, appending the immediately preceding stage's
// result when that parent is itself a completed ASSISTANT subtask.
func (d *Dispatcher) buildPrompt(ctx context.Context, task model.Task, sub model.Subtask) (string, error) {
	if sub.Prompt != "" {
		return sub.Prompt, nil
	}
	if sub.ParentID == 0 {
		return "", nil
	}
	parent, err := d.store.GetSubtaskByMessageID(ctx, task.ID, sub.ParentID)
	if err != nil {
		if goerr.Is(err, goerr.KindResourceNotFound) {
			return "", nil
		}
		return "", err
	}
	userPrompt, err := d.originatingUserPrompt(ctx, task, parent)
	if err != nil {
		return "", err
	}
	if parent.Role == model.RoleAssistant && parent.Result.Value != "" {
		return userPrompt + "\nPrevious execution result: " + parent.Result.Value, nil
	}
	return userPrompt, nil
}

// originatingUserPrompt walks parent_id back through a chain of
// ASSISTANT subtasks (pipeline stages) until it reaches the USER turn
// that opened the round, returning that turn's prompt.
func (d *Dispatcher) originatingUserPrompt(ctx context.Context, task model.Task, sub model.Subtask) (string, error) {
	for sub.Role != model.RoleUser {
		if sub.ParentID == 0 {
			return sub.Prompt, nil
		}
		parent, err := d.store.GetSubtaskByMessageID(ctx, task.ID, sub.ParentID)
		if err != nil {
			if goerr.Is(err, goerr.KindResourceNotFound) {
				return sub.Prompt, nil
			}
			return "", err
		}
		sub = parent
	}
	return sub.Prompt, nil
}

// Cancel transitions a task to CANCELLING and pushes a fire-and-forget
// cancel to the bound executor. The authoritative subtask
// transition arrives later via the executor callback.
func (d *Dispatcher) Cancel(ctx context.Context, taskID int64) error {
	if err := d.store.MarkTaskCancelling(ctx, taskID); err != nil {
		return err
	}
	return d.exec.Cancel(ctx, taskID)
}

var now = func() time.Time { return time.Now().UTC() }
