package streaming

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"

	"github.com/basket/go-claw/internal/bus"
	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/lock"
	"github.com/basket/go-claw/internal/model"
	"github.com/basket/go-claw/internal/store"
)

type fakeBrain struct {
	chunks         []string
	fail           error
	onChunk1       func() // runs once, before the first chunk
	onEachChunk    func() // runs before every chunk
	toolCallsAfter int    // emit this many tool events after the text chunks
}

func (b *fakeBrain) Stream(ctx context.Context, systemPrompt string, history []Message, current string, tools []ToolSpec, onChunk ChunkHandler) (string, error) {
	var full string
	for i, c := range b.chunks {
		if i == 0 && b.onChunk1 != nil {
			b.onChunk1()
		}
		if b.onEachChunk != nil {
			b.onEachChunk()
		}
		if err := onChunk(c, nil); err != nil {
			return full, err
		}
		full += c
	}
	for i := 0; i < b.toolCallsAfter; i++ {
		if err := onChunk("", &ToolEvent{ToolName: "lookup", Status: "started"}); err != nil {
			return full, err
		}
	}
	if b.fail != nil {
		return full, b.fail
	}
	return full, nil
}

func newTestStore(t *testing.T) *store.Store {
	t.Helper()
	cfg := config.Config{StorageType: config.StorageSQLite, DatabaseURL: ":memory:"}
	st, err := store.Open(context.Background(), cfg)
	assert.NilError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func TestEngine_Run_CompletesSubtask(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	task, err := st.CreateTask(ctx, model.Task{OwnerID: 1, TeamName: "support", Title: "hi"})
	assert.NilError(t, err)
	sub, err := st.CreateSubtask(ctx, model.Subtask{TaskID: task.ID, Role: model.RoleAssistant, Status: model.SubtaskRunning, Prompt: "hello", MessageID: 1})
	assert.NilError(t, err)

	b := bus.NewMemoryBus()
	kv := lock.NewMemoryStore()

	sub.MessageID = 2
	sub2 := sub

	stream, err := b.Subscribe(ctx, bus.TaskRoom(task.ID))
	assert.NilError(t, err)

	// task:streaming:<task_id> must be observable mid-stream and cleared
	// once the run terminates.
	var registryPresentMidStream bool
	brain := &fakeBrain{chunks: []string{"hel", "lo "}}
	brain.onChunk1 = func() {
		_, ok, _ := kv.Get(ctx, lock.KeyTaskStreaming(task.ID))
		registryPresentMidStream = ok
	}
	e := New(st, b, kv, brain, nil, nil, 2, 10, ContextBuild{})

	err = e.Run(ctx, task, sub2, "be nice", nil, nil)
	assert.NilError(t, err)
	assert.Equal(t, registryPresentMidStream, true)

	got, err := st.GetSubtask(ctx, sub.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Status, model.SubtaskCompleted)
	assert.Equal(t, got.Result.Value, "hello ")

	_, ok, err := kv.Get(ctx, lock.KeyTaskStreaming(task.ID))
	assert.NilError(t, err)
	assert.Equal(t, ok, false)

	var offsets []int
	var doneOffset int
	var doneMessageID int64
	var sawStart bool
	for i := 0; i < 4; i++ {
		ev := <-stream.Events()
		assert.Equal(t, ev.MessageID, int64(2))
		switch ev.Type {
		case bus.EventChatStart:
			sawStart = true
		case bus.EventChatChunk:
			payload := ev.Payload.(map[string]any)
			offsets = append(offsets, payload["offset"].(int))
		case bus.EventChatDone:
			payload := ev.Payload.(map[string]any)
			doneOffset = payload["offset"].(int)
			doneMessageID = ev.MessageID
		}
	}
	assert.Equal(t, sawStart, true)
	assert.Equal(t, len(offsets), 2)
	assert.Equal(t, offsets[0], 0)
	assert.Equal(t, offsets[1], 3)
	assert.Equal(t, doneOffset, 6)
	assert.Equal(t, doneMessageID, int64(2))
}

func TestEngine_Run_CancelledMidStream(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	task, err := st.CreateTask(ctx, model.Task{OwnerID: 1, TeamName: "support"})
	assert.NilError(t, err)
	sub, err := st.CreateSubtask(ctx, model.Subtask{TaskID: task.ID, Role: model.RoleAssistant, Status: model.SubtaskRunning, MessageID: 1})
	assert.NilError(t, err)

	b := bus.NewMemoryBus()
	kv := lock.NewMemoryStore()

	stream, err := b.Subscribe(ctx, bus.TaskRoom(task.ID))
	assert.NilError(t, err)

	// Flag set after the first chunk lands, so "partial" streams before
	// the cancel is observed.
	brain := &fakeBrain{chunks: []string{"partial", "never sent"}}
	sent := false
	brain.onEachChunk = func() {
		if sent {
			assert.NilError(t, kv.Set(ctx, lock.KeyStreamingCancel(sub.ID), "1", time.Minute))
		}
		sent = true
	}

	e := New(st, b, kv, brain, nil, nil, 1, 10, ContextBuild{})
	err = e.Run(ctx, task, sub, "", nil, nil)
	assert.NilError(t, err)

	// A client cancel closes the turn as COMPLETED with the partial text
	// retained and cancelled=true, not as a CANCELLED subtask.
	got, err := st.GetSubtask(ctx, sub.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Status, model.SubtaskCompleted)
	assert.Equal(t, got.Result.Cancelled, true)
	assert.Equal(t, got.Result.Value, "partial")

	// chat:cancelled is followed by a chat:done mirror so late room
	// subscribers still see a terminal message.
	var types []string
	for i := 0; i < 4; i++ {
		ev := <-stream.Events()
		types = append(types, ev.Type)
	}
	assert.DeepEqual(t, types, []string{bus.EventChatStart, bus.EventChatChunk, bus.EventChatCancelled, bus.EventChatDone})
}

func TestEngine_Run_ToolLoopBound(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)

	task, err := st.CreateTask(ctx, model.Task{OwnerID: 1, TeamName: "support"})
	assert.NilError(t, err)
	sub, err := st.CreateSubtask(ctx, model.Subtask{TaskID: task.ID, Role: model.RoleAssistant, Status: model.SubtaskRunning, MessageID: 1})
	assert.NilError(t, err)

	b := bus.NewMemoryBus()
	e := New(st, b, lock.NewMemoryStore(), &fakeBrain{chunks: []string{"some text"}, toolCallsAfter: 3}, nil, nil, 1, 2, ContextBuild{})
	err = e.Run(ctx, task, sub, "", nil, nil)
	assert.NilError(t, err)

	// Hitting the bound fails the subtask but retains the partial text.
	got, err := st.GetSubtask(ctx, sub.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.Status, model.SubtaskFailed)
	assert.Equal(t, got.Result.Value, "some text")
	assert.Assert(t, got.ErrorMessage != "")
}

func TestEngine_Resume_ReadsCachedContent(t *testing.T) {
	ctx := context.Background()
	st := newTestStore(t)
	b := bus.NewMemoryBus()
	kv := lock.NewMemoryStore()
	e := New(st, b, kv, &fakeBrain{}, nil, nil, 1, 10, ContextBuild{})

	assert.NilError(t, kv.Set(ctx, lock.KeyStreamingContent(42), "partial text", time.Minute))
	content, live, err := e.Resume(ctx, 42)
	assert.NilError(t, err)
	assert.Equal(t, live, true)
	assert.Equal(t, content, "partial text")
}
