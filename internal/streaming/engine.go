package streaming

import (
	"context"
	"encoding/json"
	"log/slog"
	"strconv"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/goerr"
	"github.com/basket/go-claw/internal/lock"
	"github.com/basket/go-claw/internal/model"
	otelpkg "github.com/basket/go-claw/internal/otel"
	"github.com/basket/go-claw/internal/store"
)

// Reconciler is the subset of internal/reducer.Service the engine
// needs: once a subtask lands in a terminal status, the reducer must
// fold that back into the owning task's status. Kept as a narrow
// interface so the engine doesn't import the reducer package's
// store/bus wiring directly and so tests can fake it.
type Reconciler interface {
	Apply(ctx context.Context, taskID int64) error
}

// persistInterval is how often the engine flushes the in-progress
// response to the KV cache so a resuming subscriber sees near-live
// content.
const persistInterval = 1 * time.Second

// KnowledgeBase resolves the knowledge-base tool surfaced to every
// agent loop.
type KnowledgeBase interface {
	Search(ctx context.Context, query string, maxResults int) ([]model.Source, error)
}

// ContextBuild carries the optional context-build features that sit
// outside the engine's core turn loop: the knowledge-base tool and
// memory recall. (MCP tool resolution is
// configured per-call via the mcpServers argument to Run/
// RunForSubscription instead, since it depends on the calling bot's
// Ghost, not on engine-wide config.) Each field is independently
// optional; a nil KB or Memory simply omits that part of the prompt.
type ContextBuild struct {
	KB               KnowledgeBase
	KBMaxResults     int
	Memory           MemoryClient
	MemoryMaxResults int

	// MCPEnabled gates MCP tool resolution entirely (CHAT_MCP_ENABLED).
	// GlobalMCPServers is the CHAT_MCP_SERVERS fallback list used when a
	// run's bot-specific mcpServers argument is empty.
	MCPEnabled       bool
	GlobalMCPServers []model.MCPServer
}

// Engine drives the agent loop for one subtask: builds the model
// context, streams tokens through Brain, fans chunks out over the bus,
// persists resumable content to the KV store, and finalizes the
// subtask/task state.
type Engine struct {
	store      *store.Store
	bus        bus.Bus
	kv         lock.KV
	brain      Brain
	reconciler Reconciler
	logger     *slog.Logger
	tracer     trace.Tracer

	toolMaxRequests int
	sem             chan struct{}

	ctxBuild ContextBuild

	// Metrics is optional; when set, each run records its duration,
	// chunk count, and active-stream gauge movement.
	Metrics *otelpkg.Metrics
}

func New(st *store.Store, b bus.Bus, kv lock.KV, brain Brain, reconciler Reconciler, logger *slog.Logger, maxConcurrentStreams, toolMaxRequests int, ctxBuild ContextBuild) *Engine {
	if maxConcurrentStreams <= 0 {
		maxConcurrentStreams = 1
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:           st,
		bus:             b,
		kv:              kv,
		brain:           brain,
		reconciler:      reconciler,
		logger:          logger,
		tracer:          otelapi.GetTracerProvider().Tracer(otelpkg.TracerName),
		toolMaxRequests: toolMaxRequests,
		sem:             make(chan struct{}, maxConcurrentStreams),
		ctxBuild:        ctxBuild,
	}
}

// reconcile folds a terminal subtask transition back into the owning
// task's status. Best-effort: a reconcile failure is logged
// but does not unwind the subtask persistence that already succeeded.
func (e *Engine) reconcile(ctx context.Context, taskID int64) {
	if e.reconciler == nil {
		return
	}
	if err := e.reconciler.Apply(ctx, taskID); err != nil {
		e.logger.ErrorContext(ctx, "task-state reduction failed", "task_id", taskID, "error", err)
	}
}

// Run executes the full streaming protocol for one ASSISTANT subtask
// already claimed RUNNING by the caller. mcpServers is the resolved
// Ghost's MCP server list, if any; pass nil when the bot declares none.
func (e *Engine) Run(ctx context.Context, task model.Task, sub model.Subtask, ghostPrompt string, toolSpecs []ToolSpec, mcpServers []model.MCPServer) error {
	return e.run(ctx, task, sub, ghostPrompt, toolSpecs, mcpServers, e.bus, 0)
}

// RunForSubscription executes the same protocol as Run but fans events
// through emitter instead of the engine's own shared bus, and caps
// conversation history to the most recent historyLimit messages (0 =
// unlimited). Used when a firing Subscription's team answers through a
// direct-chat shell: the firing has no WS room worth notifying on its
// own, so the caller supplies an emitter that folds the run's terminal
// event back into the owning BackgroundExecution row.
func (e *Engine) RunForSubscription(ctx context.Context, task model.Task, sub model.Subtask, ghostPrompt string, toolSpecs []ToolSpec, mcpServers []model.MCPServer, emitter bus.Bus, historyLimit int) error {
	return e.run(ctx, task, sub, ghostPrompt, toolSpecs, mcpServers, emitter, historyLimit)
}

func (e *Engine) run(ctx context.Context, task model.Task, sub model.Subtask, ghostPrompt string, toolSpecs []ToolSpec, mcpServers []model.MCPServer, b bus.Bus, historyLimit int) error {
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { <-e.sem }()

	if e.Metrics != nil {
		e.Metrics.ActiveStreams.Add(ctx, 1)
		start := time.Now()
		defer func() {
			e.Metrics.ActiveStreams.Add(ctx, -1)
			e.Metrics.StreamDuration.Record(ctx, time.Since(start).Seconds())
		}()
	}

	history, err := e.buildHistory(ctx, task, sub, historyLimit)
	if err != nil {
		return err
	}
	current, err := e.currentPrompt(ctx, task, sub)
	if err != nil {
		return err
	}

	var sources []model.Source
	ghostPrompt, toolSpecs, mcpClose := e.buildContext(ctx, task, current, ghostPrompt, toolSpecs, mcpServers, &sources)
	defer mcpClose()

	cancelKey := lock.KeyStreamingCancel(sub.ID)
	contentKey := lock.KeyStreamingContent(sub.ID)
	taskStreamKey := lock.KeyTaskStreaming(task.ID)

	registry, _ := json.Marshal(taskStreamState{SubtaskID: sub.ID, UserID: task.OwnerID})
	_ = e.kv.Set(ctx, taskStreamKey, string(registry), 10*time.Minute)
	_ = e.publish(ctx, b, task.ID, sub.ID, sub.MessageID, bus.EventChatStart, map[string]string{"shell_type": string(model.ShellChat)})

	var (
		full       string
		lastFlush  time.Time
		toolEvents []model.ThinkingStep
		requests   int
	)

	onChunk := func(delta string, tool *ToolEvent) error {
		if cancelled, _, _ := e.kv.Get(ctx, cancelKey); cancelled != "" {
			return goerr.New(goerr.KindStreamCancelled, "cancelled by user")
		}

		if tool != nil {
			requests++
			if requests > e.toolMaxRequests {
				return goerr.New(goerr.KindStreamTimeout, "tool-loop bound exceeded")
			}
			step := model.ThinkingStep{
				Title: tool.ToolName,
				Details: model.ThinkingStepDetails{
					Type: "tool_call", ToolName: tool.ToolName, Status: tool.Status,
					Input: tool.Input, Output: tool.Output, Error: tool.Error,
				},
			}
			toolEvents = append(toolEvents, step)
			return e.publish(ctx, b, task.ID, sub.ID, sub.MessageID, bus.EventChatChunk, map[string]any{"thinking": step})
		}

		// offset is where this delta starts in the eventual full_response,
		// so a client replaying chunks in order can splice or detect gaps.
		offset := len(full)
		full += delta
		if e.Metrics != nil {
			e.Metrics.StreamChunks.Add(ctx, 1)
		}
		if time.Since(lastFlush) >= persistInterval {
			_ = e.kv.Set(ctx, contentKey, full, 10*time.Minute)
			lastFlush = time.Now()
		}
		return e.publish(ctx, b, task.ID, sub.ID, sub.MessageID, bus.EventChatChunk, map[string]any{"delta": delta, "offset": offset})
	}

	streamCtx, span := otelpkg.StartClientSpan(ctx, e.tracer, "brain.stream",
		otelpkg.AttrTaskID.Int64(task.ID),
		otelpkg.AttrSubtaskID.Int64(sub.ID),
		otelpkg.AttrMessageID.Int64(sub.MessageID))
	final, err := e.brain.Stream(streamCtx, ghostPrompt, history, current, toolSpecs, onChunk)
	if err != nil {
		span.RecordError(err)
	}
	span.End()
	_ = e.kv.Delete(ctx, cancelKey)
	_ = e.kv.Delete(ctx, contentKey)
	_ = e.kv.Delete(ctx, taskStreamKey)

	if err != nil {
		return e.finishError(ctx, b, task, sub, err, full)
	}
	if final == "" {
		final = full
	}

	result := model.SubtaskResult{Value: final, Thinking: toolEvents, Sources: sources, ShellType: model.ShellChat}
	if err := e.store.UpdateSubtaskResult(ctx, sub.ID, model.SubtaskCompleted, 100, result, ""); err != nil {
		return err
	}
	e.reconcile(ctx, task.ID)
	return e.publish(ctx, b, task.ID, sub.ID, sub.MessageID, bus.EventChatDone, map[string]any{"offset": len(final), "result": result})
}

// taskStreamState is the value persisted at task:streaming:<task_id>
// while a subtask streams, letting task:join report in-flight state on
// reconnect without the joining client having
// known the subtask_id in advance.
type taskStreamState struct {
	SubtaskID int64 `json:"subtask_id"`
	UserID    int64 `json:"user_id"`
}

// finishError lands a stream that did not end naturally. A client cancel
// keeps the partial text and closes the turn as COMPLETED with
// cancelled=true, followed by a chat:done so message ordering stays
// consistent for every room subscriber; anything else fails the
// subtask, retaining the partial text.
func (e *Engine) finishError(ctx context.Context, b bus.Bus, task model.Task, sub model.Subtask, cause error, partial string) error {
	kind := goerr.KindOf(cause)
	if kind == goerr.KindStreamCancelled {
		result := model.SubtaskResult{Value: partial, Cancelled: true}
		if err := e.store.UpdateSubtaskResult(ctx, sub.ID, model.SubtaskCompleted, 100, result, ""); err != nil {
			return err
		}
		e.reconcile(ctx, task.ID)
		if err := e.publish(ctx, b, task.ID, sub.ID, sub.MessageID, bus.EventChatCancelled, map[string]string{"partial_content": partial}); err != nil {
			return err
		}
		return e.publish(ctx, b, task.ID, sub.ID, sub.MessageID, bus.EventChatDone, map[string]any{"offset": len(partial), "result": result})
	}

	if err := e.store.UpdateSubtaskResult(ctx, sub.ID, model.SubtaskFailed, sub.Progress, model.SubtaskResult{Value: partial}, cause.Error()); err != nil {
		return err
	}
	e.reconcile(ctx, task.ID)
	return e.publish(ctx, b, task.ID, sub.ID, sub.MessageID, bus.EventChatError, map[string]string{"error": cause.Error(), "kind": string(kind)})
}

// buildHistory loads prior subtasks of the task as conversation turns
//, honoring
// NewSession to start empty for pipeline stages that must not see
// earlier context. limit caps the result to the most recent limit
// messages (0 = unlimited); subscription firings with a direct-chat team
// pass their historyMessageCount here.
func (e *Engine) buildHistory(ctx context.Context, task model.Task, sub model.Subtask, limit int) ([]Message, error) {
	if sub.NewSession {
		return nil, nil
	}
	subs, err := e.store.ListSubtasksByTask(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	history := make([]Message, 0, len(subs))
	for _, s := range subs {
		if s.ID == sub.ID || s.MessageID == sub.ParentID {
			continue
		}
		// USER turns are history whatever their status; ASSISTANT turns
		// only once they have settled on a final result.
		if s.Role == model.RoleAssistant && !s.IsTerminal() {
			continue
		}
		role := "user"
		content := s.Prompt
		if s.Role == model.RoleAssistant {
			role = "assistant"
			content = s.Result.Value
		}
		if content == "" {
			continue
		}
		history = append(history, Message{Role: role, Content: content})
	}
	if limit > 0 && len(history) > limit {
		history = history[len(history)-limit:]
	}
	return history, nil
}

// currentPrompt resolves the user message this turn answers: an
// explicit Prompt on the subtask itself
// (pipeline confirmation's confirmed_prompt) takes precedence, otherwise
// it is the USER turn named by parent_id.
func (e *Engine) currentPrompt(ctx context.Context, task model.Task, sub model.Subtask) (string, error) {
	if sub.Prompt != "" {
		return sub.Prompt, nil
	}
	if sub.ParentID == 0 {
		return "", nil
	}
	parent, err := e.store.GetSubtaskByMessageID(ctx, task.ID, sub.ParentID)
	if err != nil {
		if goerr.Is(err, goerr.KindResourceNotFound) {
			return "", nil
		}
		return "", err
	}
	return parent.Prompt, nil
}

// buildContext assembles the optional context-build features
// (knowledge-base tool, MCP tools, memory recall), appending their
// system-prompt fragments to ghostPrompt and their
// ToolSpecs to toolSpecs. Returns a close func that must run once the
// turn ends (releasing any MCP client connections opened for it).
// sources accumulates every KB citation the tool produces across the
// turn, deduplicated by (kb_id, title), for the final result.
func (e *Engine) buildContext(ctx context.Context, task model.Task, query, ghostPrompt string, toolSpecs []ToolSpec, mcpServers []model.MCPServer, sources *[]model.Source) (string, []ToolSpec, func()) {
	merged := append([]ToolSpec{}, toolSpecs...)
	var fragments []string

	if e.ctxBuild.KB != nil {
		spec, fragment := kbToolSpec(e.ctxBuild.KB, e.ctxBuild.KBMaxResults, sources)
		merged = append(merged, spec)
		fragments = append(fragments, fragment)
	}

	closeMCP := func() {}
	if e.ctxBuild.MCPEnabled {
		effectiveServers := mcpServers
		if len(effectiveServers) == 0 {
			effectiveServers = e.ctxBuild.GlobalMCPServers
		}
		if len(effectiveServers) > 0 {
			vars := map[string]string{"user.id": strconv.FormatInt(task.OwnerID, 10)}
			logf := func(msg string, args ...any) { e.logger.WarnContext(ctx, msg, args...) }
			mcpSpecs, closer := connectMCPTools(ctx, logf, effectiveServers, vars)
			merged = append(merged, mcpSpecs...)
			closeMCP = closer
		}
	}

	if e.ctxBuild.Memory != nil && query != "" {
		if fragment, err := e.ctxBuild.Memory.Recall(ctx, task.OwnerID, query, e.ctxBuild.MemoryMaxResults); err == nil && fragment != "" {
			fragments = append(fragments, fragment)
		}
	}

	for _, f := range fragments {
		ghostPrompt = ghostPrompt + "\n\n" + f
	}
	return ghostPrompt, merged, closeMCP
}

func (e *Engine) publish(ctx context.Context, b bus.Bus, taskID, subtaskID, messageID int64, eventType string, payload any) error {
	return b.Publish(ctx, bus.TaskRoom(taskID), bus.Event{
		Type: eventType, TaskID: taskID, SubtaskID: subtaskID, MessageID: messageID, Payload: payload,
	})
}

// Cancel sets the cancel flag a running Stream call observes at its next
// chunk boundary.
func (e *Engine) Cancel(ctx context.Context, subtaskID int64) error {
	return e.kv.Set(ctx, lock.KeyStreamingCancel(subtaskID), "1", 5*time.Minute)
}

// Resume returns the cached in-progress content for a subtask still
// streaming elsewhere, for a client reconnecting mid-stream.
func (e *Engine) Resume(ctx context.Context, subtaskID int64) (content string, live bool, err error) {
	content, live, err = e.kv.Get(ctx, lock.KeyStreamingContent(subtaskID))
	return content, live, err
}
