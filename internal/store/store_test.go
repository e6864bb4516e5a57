package store_test

import (
	"context"
	"testing"

	"gotest.tools/v3/assert"

	"github.com/basket/go-claw/internal/config"
	"github.com/basket/go-claw/internal/goerr"
	"github.com/basket/go-claw/internal/model"
	"github.com/basket/go-claw/internal/store"
)

func newStore(t *testing.T) *store.Store {
	t.Helper()
	st, err := store.Open(context.Background(), config.Config{StorageType: config.StorageSQLite, DatabaseURL: ":memory:"})
	assert.NilError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

// Owner-scoped lookup wins; a miss falls back to the public scope
// (owner_id=0).
func TestResourceFallback(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	_, err := st.UpsertResource(ctx, model.PublicOwner, model.KindBot, "helper", "", `{"name":"public"}`)
	assert.NilError(t, err)

	got, err := st.GetResourceWithFallback(ctx, 42, model.KindBot, "helper", "")
	assert.NilError(t, err)
	assert.Equal(t, got.OwnerID, model.PublicOwner)

	_, err = st.UpsertResource(ctx, 42, model.KindBot, "helper", "", `{"name":"mine"}`)
	assert.NilError(t, err)

	got, err = st.GetResourceWithFallback(ctx, 42, model.KindBot, "helper", "")
	assert.NilError(t, err)
	assert.Equal(t, got.OwnerID, int64(42))
}

func TestResourceFallback_NotFound(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)
	_, err := st.GetResourceWithFallback(ctx, 1, model.KindBot, "missing", "")
	assert.Assert(t, goerr.Is(err, goerr.KindResourceNotFound))
}

// Soft-deleted rows are never purged but stop being visible to
// lookups.
func TestSoftDeleteExcludesFromLookup(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	r, err := st.UpsertResource(ctx, 1, model.KindTeam, "support", "", `{"name":"support"}`)
	assert.NilError(t, err)

	assert.NilError(t, st.SoftDeleteResource(ctx, r.ID))

	_, err = st.GetResource(ctx, 1, model.KindTeam, "support", "")
	assert.Assert(t, goerr.Is(err, goerr.KindResourceNotFound))

	// The row itself still exists, fetchable by primary key.
	byID, err := st.GetResourceByID(ctx, r.ID)
	assert.NilError(t, err)
	assert.Equal(t, byID.IsActive, false)
}

// TestSetAndGetResourceField exercises the sjson/gjson read-modify-write
// pair: a single top-level field can be patched
// and re-read without round-tripping the whole document through a typed
// struct.
func TestSetAndGetResourceField(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	r, err := st.UpsertResource(ctx, 1, model.KindSubscription, "daily", "", `{"_internal":{"enabled":true}}`)
	assert.NilError(t, err)

	assert.NilError(t, st.SetResourceField(ctx, r.ID, "_internal.enabled", false))

	field, err := st.GetResourceField(ctx, r.ID, "_internal.enabled")
	assert.NilError(t, err)
	assert.Equal(t, field.Bool(), false)
}

// A subtask transitions PENDING->RUNNING at most once, via a
// conditional UPDATE: only the first of two concurrent claimers wins.
func TestClaimSubtask_OptimisticConcurrency(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	task, err := st.CreateTask(ctx, model.Task{OwnerID: 1, Title: "t", TeamName: "support"})
	assert.NilError(t, err)

	sub, err := st.CreateSubtask(ctx, model.Subtask{
		TaskID: task.ID, TeamID: 1, Role: model.RoleAssistant,
		Status: model.SubtaskPending, MessageID: 2,
	})
	assert.NilError(t, err)

	first, err := st.ClaimSubtask(ctx, sub.ID)
	assert.NilError(t, err)
	assert.Assert(t, first)

	second, err := st.ClaimSubtask(ctx, sub.ID)
	assert.NilError(t, err)
	assert.Assert(t, !second, "a subtask already RUNNING must not be claimable again")
}

// executor_name, once set, is immutable.
func TestBindExecutor_Immutable(t *testing.T) {
	ctx := context.Background()
	st := newStore(t)

	task, err := st.CreateTask(ctx, model.Task{OwnerID: 1, Title: "t", TeamName: "support"})
	assert.NilError(t, err)
	sub, err := st.CreateSubtask(ctx, model.Subtask{
		TaskID: task.ID, TeamID: 1, Role: model.RoleAssistant, Status: model.SubtaskPending, MessageID: 2,
	})
	assert.NilError(t, err)

	assert.NilError(t, st.BindExecutor(ctx, sub.ID, "exec-a", "ns-a"))
	assert.NilError(t, st.BindExecutor(ctx, sub.ID, "exec-b", "ns-b"))

	got, err := st.GetSubtask(ctx, sub.ID)
	assert.NilError(t, err)
	assert.Equal(t, got.ExecutorName, "exec-a")
	assert.Equal(t, got.ExecutorNamespace, "ns-a")
}
