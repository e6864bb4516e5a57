package bus

import (
	"context"
	"testing"
	"time"

	"gotest.tools/v3/assert"
)

func TestMemoryBus_PublishSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	sub, err := b.Subscribe(ctx, TaskRoom(42))
	assert.NilError(t, err)
	defer sub.Close()

	assert.NilError(t, b.Publish(ctx, TaskRoom(42), Event{Type: EventChatStart, TaskID: 42}))

	select {
	case ev := <-sub.Events():
		assert.Equal(t, ev.Type, EventChatStart)
		assert.Equal(t, ev.TaskID, int64(42))
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for event")
	}
}

func TestMemoryBus_OnlyDeliversAfterSubscribe(t *testing.T) {
	b := NewMemoryBus()
	defer b.Close()
	ctx := context.Background()

	assert.NilError(t, b.Publish(ctx, TaskRoom(1), Event{Type: EventChatChunk}))

	sub, err := b.Subscribe(ctx, TaskRoom(1))
	assert.NilError(t, err)
	defer sub.Close()

	select {
	case ev := <-sub.Events():
		t.Fatalf("unexpected event delivered to late subscriber: %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestRoomNames(t *testing.T) {
	assert.Equal(t, UserRoom(7), "user:7")
	assert.Equal(t, TaskRoom(99), "task:99")
}
