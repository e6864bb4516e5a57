// Package gateway implements the client-facing WebSocket namespace:
// a single `/chat` namespace exposing on_connect, task:join/leave,
// chat:send/cancel/retry/resume, history:sync, skill:response, and the
// chat:correct event, all dispatched through a fixed middleware chain
// over a websocket.Accept + wsjson read/dispatch/write loop, with a
// bus-forwarding goroutine per joined room.
package gateway

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"sync"
	"time"

	otelapi "go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/dispatcher"
	"github.com/basket/go-claw/internal/goerr"
	"github.com/basket/go-claw/internal/lock"
	"github.com/basket/go-claw/internal/model"
	otelpkg "github.com/basket/go-claw/internal/otel"
	"github.com/basket/go-claw/internal/shared"
	"github.com/basket/go-claw/internal/shutdown"
	"github.com/basket/go-claw/internal/store"
	"github.com/basket/go-claw/internal/streaming"
	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
)

// Reconciler is the subset of internal/reducer.Service the gateway needs
// to fold a client-initiated terminal subtask transition (chat:cancel)
// or a pipeline confirmation decision (chat:confirm) back into the
// owning task's status.
type Reconciler interface {
	Apply(ctx context.Context, taskID int64) error
	Confirm(ctx context.Context, taskID int64, confirmedPrompt string, action model.ConfirmAction) error
}

// ExecutorCanceler is the subset of internal/executor.Client's outbound
// bridge the gateway needs for chat:cancel's executor-stream branch.
type ExecutorCanceler interface {
	Cancel(ctx context.Context, taskID int64) error
}

// Config wires the WS namespace to the rest of the control plane.
type Config struct {
	Store      *store.Store
	Bus        bus.Bus
	Locks      lock.KV
	Resolver   dispatcher.Resolver
	Engine     *streaming.Engine
	Reconciler Reconciler
	Executor   ExecutorCanceler
	Shutdown   *shutdown.Coordinator
	Logger     *slog.Logger

	// AuthToken gates the connection handshake, reusing the same
	// shared-secret model as AuthMiddleware on the HTTP surface: the
	// token proves the caller is this deployment's frontend, and a
	// separate `user_id` query parameter identifies the room to join.
	AuthToken string
	// AllowOrigins restricts browser WS connections (empty = same-origin only)
	// and, via NewCORSMiddleware, the /callback/subtask HTTP surface.
	AllowOrigins []string

	// RateLimitEnabled/RequestsPerMinute/BurstSize configure the
	// per-key token-bucket middleware wrapping the whole mux.
	RateLimitEnabled           bool
	RateLimitRequestsPerMinute int
	RateLimitBurstSize         int

	// Metrics is optional; when set, every dispatched event records its
	// handling duration.
	Metrics *otelpkg.Metrics
}

// Server is the `/chat` namespace connection acceptor and event router.
type Server struct {
	cfg    Config
	tracer trace.Tracer

	mu      sync.Mutex
	clients map[*client]struct{}

	skillMu  sync.Mutex
	skillReq map[string]chan skillResult
}

func New(cfg Config) *Server {
	return &Server{
		cfg:      cfg,
		tracer:   otelapi.GetTracerProvider().Tracer(otelpkg.TracerName),
		clients:  map[*client]struct{}{},
		skillReq: map[string]chan skillResult{},
	}
}

// Handler mounts the WS endpoint plus the executor callback bridge,
// wrapped in the CORS and rate-limit middleware.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/chat", s.handleWS)
	mux.HandleFunc("/callback/subtask", s.handleExecutorCallback)

	rl := NewRateLimitMiddleware(s.cfg.RateLimitEnabled, s.cfg.RateLimitRequestsPerMinute, s.cfg.RateLimitBurstSize)
	rl.StartEviction(context.Background(), 5*time.Minute, 30*time.Minute)
	cors := NewCORSMiddleware(s.cfg.AllowOrigins)

	return cors(rl.Wrap(mux))
}

type client struct {
	conn   *websocket.Conn
	userID int64
	mu     sync.Mutex

	roomMu sync.Mutex
	rooms  map[string]context.CancelFunc // room name -> forwarder cancel
}

func (c *client) write(ctx context.Context, ev outboundEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return wsjson.Write(ctx, c.conn, ev)
}

// outboundEvent is the wire shape for every server-initiated message.
type outboundEvent struct {
	Event     string `json:"event"`
	TaskID    int64  `json:"task_id,omitempty"`
	SubtaskID int64  `json:"subtask_id,omitempty"`
	MessageID int64  `json:"message_id,omitempty"`
	Payload   any    `json:"payload,omitempty"`
}

// inboundEvent is the wire shape for every client-initiated message. Ack
// is returned on the same connection with the matching ID.
type inboundEvent struct {
	ID      string          `json:"id,omitempty"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type ackResponse struct {
	ID      string `json:"id,omitempty"`
	Event   string `json:"event"`
	OK      bool   `json:"ok"`
	Payload any    `json:"payload,omitempty"`
	Error   string `json:"error,omitempty"`
}

type skillResult struct {
	Success bool
	Result  string
	Error   string
}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	// New connections are refused while draining.
	if s.cfg.Shutdown != nil && s.cfg.Shutdown.State() != shutdown.StateRunning {
		http.Error(w, "server draining", http.StatusServiceUnavailable)
		return
	}
	token := r.URL.Query().Get("token")
	if s.cfg.AuthToken != "" && token != s.cfg.AuthToken {
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	userID := parseInt64(r.URL.Query().Get("user_id"))
	if userID == 0 {
		http.Error(w, "missing user_id", http.StatusBadRequest)
		return
	}

	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.cfg.AllowOrigins})
	if err != nil {
		return
	}
	c := &client{conn: conn, userID: userID, rooms: map[string]context.CancelFunc{}}
	s.addClient(c)
	s.joinRoom(c, bus.UserRoom(userID))
	defer func() {
		s.removeClient(c)
		_ = conn.Close(websocket.StatusNormalClosure, "bye")
	}()

	for {
		var in inboundEvent
		if err := wsjson.Read(r.Context(), conn, &in); err != nil {
			return
		}
		ctx := shared.WithUserID(shared.WithRequestID(r.Context(), shared.NewRunID()), userID)
		ack := s.dispatch(ctx, c, in)
		if ack == nil {
			continue
		}
		_ = c.write(ctx, outboundEvent{Event: ack.Event + ":ack", Payload: ack})
	}
}

// handler is the shape every event handler implements, before the
// middleware chain and the per-event server span wrap it.
type handler func(ctx context.Context, c *client, payload json.RawMessage) (any, error)

// middleware wraps a handler. The chain applied by dispatch runs, in
// order: restore context -> trace -> handler -> error-to-ack mapping.
// Authentication happens once at connect time (single-namespace,
// single-token deployment); authorization is per-resource, so each
// task-scoped handler resolves its task through authorizeTask /
// authorizeSubtask rather than a payload-blind middleware stage.
type middleware func(handler) handler

func (s *Server) middlewares() []middleware {
	return []middleware{
		s.traceMiddleware,
	}
}

func (s *Server) traceMiddleware(next handler) handler {
	return func(ctx context.Context, c *client, payload json.RawMessage) (any, error) {
		ctx = shared.WithTraceID(ctx, shared.NewTraceID())
		return next(ctx, c, payload)
	}
}

func (s *Server) dispatch(ctx context.Context, c *client, in inboundEvent) *ackResponse {
	h, ok := s.handlerFor(in.Event)
	if !ok {
		if in.ID == "" {
			return nil
		}
		return &ackResponse{ID: in.ID, Event: in.Event, OK: false, Error: "unknown event"}
	}
	for _, mw := range s.middlewares() {
		h = mw(h)
	}

	ctx, span := otelpkg.StartServerSpan(ctx, s.tracer, "ws."+in.Event,
		otelpkg.AttrEvent.String(in.Event),
		otelpkg.AttrUserID.Int64(c.userID))
	start := time.Now()
	result, err := h(ctx, c, in.Payload)
	if err != nil {
		span.RecordError(err)
	}
	if s.cfg.Metrics != nil {
		s.cfg.Metrics.RequestDuration.Record(ctx, time.Since(start).Seconds())
	}
	span.End()

	if err != nil {
		s.logger().ErrorContext(ctx, "ws handler error", "event", in.Event, "error", err)
		return &ackResponse{ID: in.ID, Event: in.Event, OK: false, Error: err.Error()}
	}
	return &ackResponse{ID: in.ID, Event: in.Event, OK: true, Payload: result}
}

func (s *Server) handlerFor(event string) (handler, bool) {
	switch event {
	case "task:join":
		return s.handleTaskJoin, true
	case "task:leave":
		return s.handleTaskLeave, true
	case "chat:send":
		return s.handleChatSend, true
	case "chat:cancel":
		return s.handleChatCancel, true
	case "chat:retry":
		return s.handleChatRetry, true
	case "chat:resume":
		return s.handleChatResume, true
	case "history:sync":
		return s.handleHistorySync, true
	case "skill:response":
		return s.handleSkillResponse, true
	case "chat:correct":
		return s.handleChatCorrect, true
	case "confirm-stage":
		return s.handleConfirmStage, true
	default:
		return nil, false
	}
}

func (s *Server) logger() *slog.Logger {
	if s.cfg.Logger != nil {
		return s.cfg.Logger
	}
	return slog.Default()
}

// authorizeTask resolves a task and enforces row-level ownership: every
// task-scoped event is refused unless the connected user owns the task.
func (s *Server) authorizeTask(ctx context.Context, c *client, taskID int64) (model.Task, error) {
	task, err := s.cfg.Store.GetTask(ctx, taskID)
	if err != nil {
		return model.Task{}, err
	}
	if task.OwnerID != c.userID {
		return model.Task{}, goerr.New(goerr.KindAuthorizationFailed, "not a member of this task")
	}
	return task, nil
}

// authorizeSubtask is the subtask-keyed variant: it resolves the subtask,
// then authorizes through its owning task.
func (s *Server) authorizeSubtask(ctx context.Context, c *client, subtaskID int64) (model.Subtask, model.Task, error) {
	sub, err := s.cfg.Store.GetSubtask(ctx, subtaskID)
	if err != nil {
		return model.Subtask{}, model.Task{}, err
	}
	task, err := s.authorizeTask(ctx, c, sub.TaskID)
	if err != nil {
		return model.Subtask{}, model.Task{}, err
	}
	return sub, task, nil
}

// --- task:join / task:leave --------------------------------------------

type taskJoinRequest struct {
	TaskID int64 `json:"task_id"`
}

func (s *Server) handleTaskJoin(ctx context.Context, c *client, payload json.RawMessage) (any, error) {
	var req taskJoinRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, goerr.Wrap(goerr.KindValidationFailed, "decode task:join", err)
	}
	if _, err := s.authorizeTask(ctx, c, req.TaskID); err != nil {
		return nil, err
	}
	s.joinRoom(c, bus.TaskRoom(req.TaskID))

	cached, ok, err := s.cfg.Locks.Get(ctx, lock.KeyTaskStreaming(req.TaskID))
	if err != nil {
		return nil, err
	}
	if !ok {
		return map[string]any{"streaming": nil}, nil
	}
	var state struct {
		SubtaskID int64 `json:"subtask_id"`
	}
	_ = json.Unmarshal([]byte(cached), &state)
	content, _, err := s.cfg.Engine.Resume(ctx, state.SubtaskID)
	if err != nil {
		return nil, err
	}
	return map[string]any{"streaming": map[string]any{
		"subtask_id":     state.SubtaskID,
		"offset":         len(content),
		"cached_content": content,
	}}, nil
}

func (s *Server) handleTaskLeave(ctx context.Context, c *client, payload json.RawMessage) (any, error) {
	var req taskJoinRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, goerr.Wrap(goerr.KindValidationFailed, "decode task:leave", err)
	}
	s.leaveRoom(c, bus.TaskRoom(req.TaskID))
	return map[string]any{"success": true}, nil
}

// --- chat:send -----------------------------------------------------------

type chatSendRequest struct {
	TeamName      string            `json:"team_name"`
	TeamNamespace string            `json:"team_namespace,omitempty"`
	WorkspaceName string            `json:"workspace_name,omitempty"`
	Message       string            `json:"message"`
	Attachments   []model.Attachment `json:"attachments,omitempty"`
	TaskID        int64             `json:"task_id,omitempty"` // continue an existing task's thread
}

func (s *Server) handleChatSend(ctx context.Context, c *client, payload json.RawMessage) (any, error) {
	var req chatSendRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, goerr.Wrap(goerr.KindValidationFailed, "decode chat:send", err)
	}

	task, err := s.resolveOrCreateTask(ctx, c, req)
	if err != nil {
		return nil, err
	}
	ctx = shared.WithTaskID(ctx, task.ID)

	userMsgID, err := s.cfg.Store.NextMessageID(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	userSub, err := s.cfg.Store.CreateSubtask(ctx, model.Subtask{
		TaskID: task.ID, Role: model.RoleUser, Title: "user message", Prompt: req.Message,
		Attachments: req.Attachments, Status: model.SubtaskCompleted, Progress: 100, MessageID: userMsgID,
	})
	if err != nil {
		return nil, err
	}
	_ = s.cfg.Bus.Publish(ctx, bus.TaskRoom(task.ID), bus.Event{
		Type: bus.EventChatMessage, TaskID: task.ID, SubtaskID: userSub.ID, MessageID: userMsgID,
		SenderID: c.userID, Payload: map[string]string{"prompt": req.Message},
	})

	team, err := s.cfg.Resolver.ResolveTeam(ctx, c.userID, req.TeamName, req.TeamNamespace)
	if err != nil {
		return nil, err
	}
	assistantMsgID, err := s.cfg.Store.NextMessageID(ctx, task.ID)
	if err != nil {
		return nil, err
	}
	assistantSub, err := s.cfg.Store.CreateSubtask(ctx, model.Subtask{
		TaskID: task.ID, Role: model.RoleAssistant, Title: "assistant response",
		Status: model.SubtaskPending, MessageID: assistantMsgID, ParentID: userMsgID,
	})
	if err != nil {
		return nil, err
	}

	if s.teamSupportsDirectChat(ctx, c.userID, team) {
		s.runDirectChat(task, assistantSub, team)
	}
	// Otherwise the ASSISTANT subtask stays PENDING for the dispatcher.

	return map[string]any{"task_id": task.ID, "subtask_id": userSub.ID, "message_id": userMsgID}, nil
}

func (s *Server) resolveOrCreateTask(ctx context.Context, c *client, req chatSendRequest) (model.Task, error) {
	if req.TaskID != 0 {
		return s.authorizeTask(ctx, c, req.TaskID)
	}
	return s.cfg.Store.CreateTask(ctx, model.Task{
		OwnerID: c.userID, Title: req.Message, TeamName: req.TeamName, TeamNamespace: req.TeamNamespace,
		WorkspaceName: req.WorkspaceName, Labels: model.TaskLabels{Type: model.TaskTypeOnline, UserInteracted: true},
	})
}

func (s *Server) teamSupportsDirectChat(ctx context.Context, ownerID int64, team model.Team) bool {
	kinds := make([]model.ShellKind, 0, len(team.Members))
	for _, m := range team.Members {
		bot, err := s.cfg.Resolver.ResolveBot(ctx, ownerID, m.BotName, m.BotNamespace)
		if err != nil {
			return false
		}
		shell, err := s.cfg.Resolver.ResolveShell(ctx, ownerID, bot.ShellName, "")
		if err != nil {
			return false
		}
		kinds = append(kinds, shell.Kind)
	}
	return team.SupportsDirectChat(kinds)
}

// runDirectChat streams the first team member's response in-process
//. It runs detached,
// tracked by the shutdown coordinator so Drain waits for it.
func (s *Server) runDirectChat(task model.Task, sub model.Subtask, team model.Team) {
	done, ok := s.trackWork()
	if !ok {
		return
	}
	go func() {
		defer done()
		ctx := context.Background()
		if claimed, err := s.cfg.Store.ClaimSubtask(ctx, sub.ID); err != nil || !claimed {
			return
		}
		sub.Status = model.SubtaskRunning
		if err := s.cfg.Store.PromoteTaskRunning(ctx, task.ID); err != nil {
			s.logger().ErrorContext(ctx, "promote task running failed", "task_id", task.ID, "error", err)
		}
		member := team.Members[0]
		ghostPrompt := member.Prompt
		var mcpServers []model.MCPServer
		if bot, err := s.cfg.Resolver.ResolveBot(ctx, task.OwnerID, member.BotName, member.BotNamespace); err == nil {
			if ghost, err := s.cfg.Resolver.ResolveGhost(ctx, task.OwnerID, bot.GhostName, ""); err == nil {
				mcpServers = ghost.MCPServers
			}
		}
		if err := s.cfg.Engine.Run(ctx, task, sub, ghostPrompt, nil, mcpServers); err != nil {
			s.logger().ErrorContext(ctx, "direct chat run failed", "subtask_id", sub.ID, "error", err)
		}
	}()
}

func (s *Server) trackWork() (func(), bool) {
	if s.cfg.Shutdown == nil {
		return func() {}, true
	}
	return s.cfg.Shutdown.Track()
}

// --- chat:cancel -----------------------------------------------------------

type chatCancelRequest struct {
	SubtaskID      int64  `json:"subtask_id"`
	PartialContent string `json:"partial_content,omitempty"`
	ShellType      string `json:"shell_type,omitempty"`
}

func (s *Server) handleChatCancel(ctx context.Context, c *client, payload json.RawMessage) (any, error) {
	var req chatCancelRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, goerr.Wrap(goerr.KindValidationFailed, "decode chat:cancel", err)
	}
	sub, _, err := s.authorizeSubtask(ctx, c, req.SubtaskID)
	if err != nil {
		return nil, err
	}
	// Cancel after a terminal status is absorbed: nothing left to stop,
	// nothing to rewrite.
	if sub.IsTerminal() {
		return map[string]any{"success": true}, nil
	}

	// In-process streams get the cancel flag; executor streams get a
	// best-effort POST /cancel instead, since the streaming engine
	// never touched this subtask in the first place.
	if model.ShellKind(req.ShellType).IsDirect() || req.ShellType == "" {
		if err := s.cfg.Engine.Cancel(ctx, req.SubtaskID); err != nil {
			return nil, err
		}
	} else if s.cfg.Executor != nil {
		if err := s.cfg.Executor.Cancel(ctx, sub.TaskID); err != nil {
			s.logger().ErrorContext(ctx, "executor cancel failed", "task_id", sub.TaskID, "error", err)
		}
	}
	result := sub.Result
	result.Value = req.PartialContent
	result.Cancelled = true
	if err := s.cfg.Store.UpdateSubtaskResult(ctx, req.SubtaskID, model.SubtaskCompleted, 100, result, ""); err != nil {
		return nil, err
	}
	if s.cfg.Reconciler != nil {
		if err := s.cfg.Reconciler.Apply(ctx, sub.TaskID); err != nil {
			s.logger().ErrorContext(ctx, "task-state reduction failed", "task_id", sub.TaskID, "error", err)
		}
	}
	_ = s.cfg.Bus.Publish(ctx, bus.TaskRoom(sub.TaskID), bus.Event{
		Type: bus.EventChatCancelled, TaskID: sub.TaskID, SubtaskID: sub.ID, Payload: map[string]string{"partial_content": req.PartialContent},
	})
	_ = s.cfg.Bus.Publish(ctx, bus.TaskRoom(sub.TaskID), bus.Event{
		Type: bus.EventChatDone, TaskID: sub.TaskID, SubtaskID: sub.ID,
	})
	return map[string]any{"success": true}, nil
}

// --- chat:retry --------------------------------------------------------

type chatRetryRequest struct {
	TaskID                      int64  `json:"task_id"`
	SubtaskID                   int64  `json:"subtask_id"`
	UseModelOverride            bool   `json:"use_model_override,omitempty"`
	ForceOverrideBotModel       string `json:"force_override_bot_model,omitempty"`
	ForceOverrideBotModelType   string `json:"force_override_bot_model_type,omitempty"`
}

func (s *Server) handleChatRetry(ctx context.Context, c *client, payload json.RawMessage) (any, error) {
	var req chatRetryRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, goerr.Wrap(goerr.KindValidationFailed, "decode chat:retry", err)
	}
	task, err := s.authorizeTask(ctx, c, req.TaskID)
	if err != nil {
		return nil, err
	}
	// An override flag with no concrete model
	// name falls through to the task's original dispatch-time metadata
	// rather than forcing the bot's static default.
	if req.UseModelOverride && req.ForceOverrideBotModel != "" {
		task.Labels.ForceOverrideBotModel = true
		task.Labels.ModelID = req.ForceOverrideBotModel
		if err := s.cfg.Store.UpdateTaskStatus(ctx, task.ID, task.Status.Status, task.Status.Progress, task.Status.ErrorMessage, task.Status.Result, nil); err != nil {
			return nil, err
		}
	}
	if err := s.cfg.Store.ResetSubtaskPending(ctx, req.SubtaskID); err != nil {
		return nil, err
	}

	// The dispatcher never dispatches Chat-type shells, so a
	// direct-chat task's retry must re-invoke the streaming engine
	// itself here or the reset subtask sits PENDING
	// forever.
	team, err := s.cfg.Resolver.ResolveTeam(ctx, task.OwnerID, task.TeamName, task.TeamNamespace)
	if err != nil {
		return nil, err
	}
	if s.teamSupportsDirectChat(ctx, task.OwnerID, team) {
		sub, err := s.cfg.Store.GetSubtask(ctx, req.SubtaskID)
		if err != nil {
			return nil, err
		}
		s.runDirectChat(task, sub, team)
	}
	return map[string]any{"success": true}, nil
}

// --- chat:resume -----------------------------------------------------------

type chatResumeRequest struct {
	TaskID    int64 `json:"task_id"`
	SubtaskID int64 `json:"subtask_id"`
	Offset    int   `json:"offset"`
}

func (s *Server) handleChatResume(ctx context.Context, c *client, payload json.RawMessage) (any, error) {
	var req chatResumeRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, goerr.Wrap(goerr.KindValidationFailed, "decode chat:resume", err)
	}
	sub, _, err := s.authorizeSubtask(ctx, c, req.SubtaskID)
	if err != nil {
		return nil, err
	}
	if sub.TaskID != req.TaskID {
		return nil, goerr.New(goerr.KindValidationFailed, "subtask does not belong to this task")
	}
	s.joinRoom(c, bus.TaskRoom(req.TaskID))
	content, live, err := s.cfg.Engine.Resume(ctx, req.SubtaskID)
	if err != nil {
		return nil, err
	}
	tail := ""
	if req.Offset < len(content) {
		tail = content[req.Offset:]
	}
	return map[string]any{"content": tail, "live": live}, nil
}

// --- history:sync -----------------------------------------------------------

type historySyncRequest struct {
	TaskID        int64 `json:"task_id"`
	AfterMessageID int64 `json:"after_message_id"`
}

func (s *Server) handleHistorySync(ctx context.Context, c *client, payload json.RawMessage) (any, error) {
	var req historySyncRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, goerr.Wrap(goerr.KindValidationFailed, "decode history:sync", err)
	}
	if _, err := s.authorizeTask(ctx, c, req.TaskID); err != nil {
		return nil, err
	}
	all, err := s.cfg.Store.ListSubtasksByTask(ctx, req.TaskID)
	if err != nil {
		return nil, err
	}
	out := make([]model.Subtask, 0, len(all))
	for _, st := range all {
		if st.MessageID > req.AfterMessageID {
			out = append(out, st)
		}
	}
	return map[string]any{"subtasks": out}, nil
}

// --- skill:response -----------------------------------------------------------

type skillResponseRequest struct {
	RequestID string `json:"request_id"`
	Success   bool   `json:"success"`
	Result    string `json:"result,omitempty"`
	Error     string `json:"error,omitempty"`
}

// RegisterSkillRequest lets the streaming engine's tool loop register an
// outstanding skill call and block until skill:response resolves it. A
// cross-worker caller instead polls lock.KV under the same request_id
// (same backing store as the streaming engine's cancel/content keys), so
// any worker — not just the one that issued the request — can complete
// it.
func (s *Server) RegisterSkillRequest(requestID string) <-chan skillResult {
	ch := make(chan skillResult, 1)
	s.skillMu.Lock()
	s.skillReq[requestID] = ch
	s.skillMu.Unlock()
	return ch
}

func (s *Server) handleSkillResponse(ctx context.Context, c *client, payload json.RawMessage) (any, error) {
	var req skillResponseRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, goerr.Wrap(goerr.KindValidationFailed, "decode skill:response", err)
	}
	s.skillMu.Lock()
	ch, ok := s.skillReq[req.RequestID]
	if ok {
		delete(s.skillReq, req.RequestID)
	}
	s.skillMu.Unlock()
	if ok {
		ch <- skillResult{Success: req.Success, Result: req.Result, Error: req.Error}
		close(ch)
	} else if s.cfg.Locks != nil {
		body, _ := json.Marshal(req)
		_ = s.cfg.Locks.Set(ctx, "skill:response:"+req.RequestID, string(body), 0)
	}
	return map[string]any{"resolved": ok}, nil
}

// --- chat:correct -----------------------------------------------------------

type chatCorrectRequest struct {
	SubtaskID int64  `json:"subtask_id"`
	NewPrompt string `json:"new_prompt"`
}

// handleChatCorrect lets a user edit a prior USER subtask's prompt
// post-hoc for audit purposes, without re-triggering generation.
func (s *Server) handleChatCorrect(ctx context.Context, c *client, payload json.RawMessage) (any, error) {
	var req chatCorrectRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, goerr.Wrap(goerr.KindValidationFailed, "decode chat:correct", err)
	}
	sub, _, err := s.authorizeSubtask(ctx, c, req.SubtaskID)
	if err != nil {
		return nil, err
	}
	if sub.Role != model.RoleUser {
		return nil, goerr.New(goerr.KindValidationFailed, "chat:correct only applies to USER subtasks")
	}
	correction := model.Correction{PreviousPrompt: sub.Prompt, NewPrompt: req.NewPrompt, CorrectedBy: c.userID, CorrectedAt: time.Now().UTC()}
	if err := s.cfg.Store.AppendCorrection(ctx, req.SubtaskID, correction); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

// --- confirm-stage -----------------------------------------------------------

type confirmStageRequest struct {
	TaskID          int64  `json:"task_id"`
	ConfirmedPrompt string `json:"confirmed_prompt,omitempty"`
	Action          string `json:"action,omitempty"` // "continue" (default) | "retry"
}

// handleConfirmStage handles the confirm-stage event, resolving a task
// parked in
// PENDING_CONFIRMATION by either advancing to the next pipeline stage
// with the (possibly edited) prompt, or retrying the stage that just
// completed.
func (s *Server) handleConfirmStage(ctx context.Context, c *client, payload json.RawMessage) (any, error) {
	var req confirmStageRequest
	if err := json.Unmarshal(payload, &req); err != nil {
		return nil, goerr.Wrap(goerr.KindValidationFailed, "decode confirm-stage", err)
	}
	if s.cfg.Reconciler == nil {
		return nil, goerr.New(goerr.KindFatal, "reconciler not configured")
	}
	if _, err := s.authorizeTask(ctx, c, req.TaskID); err != nil {
		return nil, err
	}
	action := model.ConfirmContinue
	if req.Action == string(model.ConfirmRetry) {
		action = model.ConfirmRetry
	}
	if err := s.cfg.Reconciler.Confirm(ctx, req.TaskID, req.ConfirmedPrompt, action); err != nil {
		return nil, err
	}
	return map[string]any{"success": true}, nil
}

// --- room plumbing -----------------------------------------------------------

func (s *Server) addClient(c *client) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.clients[c] = struct{}{}
}

func (s *Server) removeClient(c *client) {
	c.roomMu.Lock()
	for _, cancel := range c.rooms {
		cancel()
	}
	c.roomMu.Unlock()

	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.clients, c)
}

func (s *Server) joinRoom(c *client, room string) {
	c.roomMu.Lock()
	defer c.roomMu.Unlock()
	if _, ok := c.rooms[room]; ok {
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	c.rooms[room] = cancel
	go s.forwardRoom(ctx, c, room)
}

func (s *Server) leaveRoom(c *client, room string) {
	c.roomMu.Lock()
	defer c.roomMu.Unlock()
	if cancel, ok := c.rooms[room]; ok {
		cancel()
		delete(c.rooms, room)
	}
}

// forwardRoom relays bus events for one room to the client until the
// room is left or the connection closes.
func (s *Server) forwardRoom(ctx context.Context, c *client, room string) {
	sub, err := s.cfg.Bus.Subscribe(ctx, room)
	if err != nil {
		return
	}
	defer sub.Close()
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			// A broadcast of the client's own action is not echoed back;
			// the sender already has the message locally.
			if ev.SenderID != 0 && ev.SenderID == c.userID {
				continue
			}
			_ = c.write(ctx, outboundEvent{Event: ev.Type, TaskID: ev.TaskID, SubtaskID: ev.SubtaskID, MessageID: ev.MessageID, Payload: ev.Payload})
		}
	}
}

func parseInt64(s string) int64 {
	var v int64
	for _, r := range s {
		if r < '0' || r > '9' {
			return 0
		}
		v = v*10 + int64(r-'0')
	}
	return v
}

