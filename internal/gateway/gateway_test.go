package gateway_test

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"
	"gotest.tools/v3/assert"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/gateway"
	"github.com/basket/go-claw/internal/lock"
	"github.com/basket/go-claw/internal/model"
	"github.com/basket/go-claw/internal/shutdown"
	"github.com/basket/go-claw/internal/store"
	"github.com/basket/go-claw/internal/streaming"
)

type fakeResolver struct {
	team  model.Team
	bot   model.Bot
	ghost model.Ghost
	shell model.Shell
}

func (f *fakeResolver) ResolveTeam(ctx context.Context, owner int64, name, namespace string) (model.Team, error) {
	return f.team, nil
}
func (f *fakeResolver) ResolveBot(ctx context.Context, owner int64, name, namespace string) (model.Bot, error) {
	return f.bot, nil
}
func (f *fakeResolver) ResolveGhost(ctx context.Context, owner int64, name, namespace string) (model.Ghost, error) {
	return f.ghost, nil
}
func (f *fakeResolver) ResolveShell(ctx context.Context, owner int64, name, namespace string) (model.Shell, error) {
	return f.shell, nil
}
func (f *fakeResolver) ResolveModel(ctx context.Context, owner int64, bindType model.BindModelType, name, namespace string) (model.ModelConfig, error) {
	return model.ModelConfig{}, nil
}
func (f *fakeResolver) ResolveWorkspace(ctx context.Context, owner int64, name, namespace string) (model.Workspace, error) {
	return model.Workspace{}, nil
}

type fakeBrain struct{ reply string }

func (b *fakeBrain) Stream(ctx context.Context, systemPrompt string, history []streaming.Message, current string, tools []streaming.ToolSpec, onChunk streaming.ChunkHandler) (string, error) {
	_ = onChunk(b.reply, nil)
	return b.reply, nil
}

func newTestServer(t *testing.T, direct bool) (*gateway.Server, *store.Store) {
	t.Helper()
	st, err := store.Open(context.Background(), config.Config{StorageType: config.StorageSQLite, DatabaseURL: ":memory:"})
	assert.NilError(t, err)
	t.Cleanup(func() { st.Close() })

	b := bus.NewMemoryBus()
	kv := lock.NewMemoryStore()
	eng := streaming.New(st, b, kv, &fakeBrain{reply: "hello there"}, nil, nil, 4, 10, streaming.ContextBuild{})

	shellKind := model.ShellClaudeCode
	if direct {
		shellKind = model.ShellChat
	}
	resolver := &fakeResolver{
		team:  model.Team{Members: []model.TeamMember{{BotName: "bot1"}}, CollaborationModel: model.CollaborationSolo},
		bot:   model.Bot{GhostName: "g1", ShellName: "s1"},
		ghost: model.Ghost{SystemPrompt: "be nice"},
		shell: model.Shell{Kind: shellKind},
	}

	srv := gateway.New(gateway.Config{
		Store: st, Bus: b, Locks: kv, Resolver: resolver, Engine: eng,
		Shutdown: shutdown.New(nil), AuthToken: "secret",
	})
	return srv, st
}

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.Dial(context.Background(), url, nil)
	assert.NilError(t, err)
	t.Cleanup(func() { _ = conn.Close(websocket.StatusNormalClosure, "") })
	return conn
}

func TestGateway_ChatSend_DirectChatCompletesAssistant(t *testing.T) {
	srv, st := newTestServer(t, true)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + ts.URL[len("http"):] + "/chat?token=secret&user_id=7"
	conn := dial(t, wsURL)
	ctx := context.Background()

	payload, _ := json.Marshal(map[string]any{"team_name": "support", "message": "hi there"})
	assert.NilError(t, wsjson.Write(ctx, conn, map[string]any{"id": "1", "event": "chat:send", "payload": json.RawMessage(payload)}))

	var ack map[string]any
	assert.NilError(t, wsjson.Read(ctx, conn, &ack))
	assert.Equal(t, ack["event"], "chat:send:ack")

	taskID := int64(ack["payload"].(map[string]any)["payload"].(map[string]any)["task_id"].(float64))

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		task, err := st.GetTask(ctx, taskID)
		assert.NilError(t, err)
		if task.Status.Status == model.TaskRunning || task.Status.Status == model.TaskCompleted {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestGateway_HandleWS_RejectsBadToken(t *testing.T) {
	srv, _ := newTestServer(t, false)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + ts.URL[len("http"):] + "/chat?token=wrong&user_id=7"
	_, _, err := websocket.Dial(context.Background(), wsURL, nil)
	if err == nil {
		t.Fatal("expected dial to fail with bad token")
	}
}

func TestGateway_HistorySync_ReturnsOnlyNewerMessages(t *testing.T) {
	srv, st := newTestServer(t, false)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx := context.Background()
	task, err := st.CreateTask(ctx, model.Task{OwnerID: 7, TeamName: "support"})
	assert.NilError(t, err)
	_, err = st.CreateSubtask(ctx, model.Subtask{TaskID: task.ID, Role: model.RoleUser, MessageID: 1, Status: model.SubtaskCompleted})
	assert.NilError(t, err)
	_, err = st.CreateSubtask(ctx, model.Subtask{TaskID: task.ID, Role: model.RoleUser, MessageID: 2, Status: model.SubtaskCompleted})
	assert.NilError(t, err)

	wsURL := "ws" + ts.URL[len("http"):] + "/chat?token=secret&user_id=7"
	conn := dial(t, wsURL)

	payload, _ := json.Marshal(map[string]any{"task_id": task.ID, "after_message_id": 1})
	assert.NilError(t, wsjson.Write(ctx, conn, map[string]any{"id": "2", "event": "history:sync", "payload": json.RawMessage(payload)}))

	var ack struct {
		Payload struct {
			OK      bool `json:"ok"`
			Payload struct {
				Subtasks []model.Subtask `json:"subtasks"`
			} `json:"payload"`
		} `json:"payload"`
	}
	assert.NilError(t, wsjson.Read(ctx, conn, &ack))
	assert.Assert(t, ack.Payload.OK)
	assert.Equal(t, len(ack.Payload.Payload.Subtasks), 1)
	assert.Equal(t, ack.Payload.Payload.Subtasks[0].MessageID, int64(2))
}

func TestGateway_ChatCancel_AfterTerminalIsNoOp(t *testing.T) {
	srv, st := newTestServer(t, true)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx := context.Background()
	task, err := st.CreateTask(ctx, model.Task{OwnerID: 7, TeamName: "support"})
	assert.NilError(t, err)
	sub, err := st.CreateSubtask(ctx, model.Subtask{TaskID: task.ID, Role: model.RoleAssistant, MessageID: 2, Status: model.SubtaskRunning})
	assert.NilError(t, err)
	assert.NilError(t, st.UpdateSubtaskResult(ctx, sub.ID, model.SubtaskCompleted, 100, model.SubtaskResult{Value: "final answer"}, ""))

	wsURL := "ws" + ts.URL[len("http"):] + "/chat?token=secret&user_id=7"
	conn := dial(t, wsURL)

	payload, _ := json.Marshal(map[string]any{"subtask_id": sub.ID, "partial_content": "should not stick"})
	assert.NilError(t, wsjson.Write(ctx, conn, map[string]any{"id": "3", "event": "chat:cancel", "payload": json.RawMessage(payload)}))

	var ack struct {
		Payload struct {
			OK bool `json:"ok"`
		} `json:"payload"`
	}
	assert.NilError(t, wsjson.Read(ctx, conn, &ack))
	assert.Assert(t, ack.Payload.OK, "cancel after terminal must still succeed")

	got, err := st.GetSubtask(ctx, sub.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Status, model.SubtaskCompleted)
	assert.Equal(t, got.Result.Value, "final answer", "a terminal result must not be rewritten by a late cancel")
}

func TestGateway_RejectsForeignTask(t *testing.T) {
	srv, st := newTestServer(t, false)
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	ctx := context.Background()
	task, err := st.CreateTask(ctx, model.Task{OwnerID: 8, TeamName: "support"})
	assert.NilError(t, err)
	sub, err := st.CreateSubtask(ctx, model.Subtask{TaskID: task.ID, Role: model.RoleAssistant, MessageID: 1, Status: model.SubtaskRunning})
	assert.NilError(t, err)

	// Connected as user 7; task 8's conversation must be unreachable.
	wsURL := "ws" + ts.URL[len("http"):] + "/chat?token=secret&user_id=7"
	conn := dial(t, wsURL)

	send := func(id, event string, payload map[string]any) bool {
		body, _ := json.Marshal(payload)
		assert.NilError(t, wsjson.Write(ctx, conn, map[string]any{"id": id, "event": event, "payload": json.RawMessage(body)}))
		var ack struct {
			Payload struct {
				OK bool `json:"ok"`
			} `json:"payload"`
		}
		assert.NilError(t, wsjson.Read(ctx, conn, &ack))
		return ack.Payload.OK
	}

	assert.Assert(t, !send("1", "history:sync", map[string]any{"task_id": task.ID}), "history:sync must not leak a foreign task")
	assert.Assert(t, !send("2", "task:join", map[string]any{"task_id": task.ID}), "task:join must refuse a foreign task")
	assert.Assert(t, !send("3", "chat:resume", map[string]any{"task_id": task.ID, "subtask_id": sub.ID, "offset": 0}), "chat:resume must refuse a foreign subtask")
	assert.Assert(t, !send("4", "chat:cancel", map[string]any{"subtask_id": sub.ID}), "chat:cancel must refuse a foreign subtask")
	assert.Assert(t, !send("5", "chat:retry", map[string]any{"task_id": task.ID, "subtask_id": sub.ID}), "chat:retry must refuse a foreign task")
}
