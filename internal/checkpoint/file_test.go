package checkpoint

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seeds(ids ...string) []ItemSeed {
	out := make([]ItemSeed, len(ids))
	for i, id := range ids {
		out[i] = ItemSeed{ID: id, Label: "label-" + id, Payload: json.RawMessage(`{"n":1}`)}
	}
	return out
}

func TestFileStoreCreateAndLoad(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	id, err := store.Create(ctx, "add_user", map[string]any{"email": "a@b.c"}, seeds("p1", "p2", "p3"))
	require.NoError(t, err)
	require.NotEmpty(t, id)

	state, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, SchemaVersion, state.Version)
	assert.Equal(t, StatusCreated, state.Status)
	assert.Equal(t, "add_user", state.Kind)
	assert.Equal(t, "a@b.c", state.Params["email"])
	assert.Equal(t, Counters{Total: 3, Pending: 3}, state.Counters)
	assert.Equal(t, []string{"p1", "p2", "p3"}, itemIDs(state))
	assert.JSONEq(t, `{"n":1}`, string(state.Items[0].Payload))
}

func TestFileStoreCreateRejectsDuplicateItems(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Create(context.Background(), "k", nil, seeds("a", "a"))
	assert.ErrorIs(t, err, ErrInvalidItems)
}

func TestFileStoreLoadMissing(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreApplyIncrementsSequence(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	id, err := store.Create(ctx, "k", nil, seeds("a", "b"))
	require.NoError(t, err)

	st, err := store.Apply(ctx, id, StatusChange{Status: StatusRunning})
	require.NoError(t, err)
	assert.Equal(t, uint64(1), st.Sequence)

	st, err = store.Apply(ctx, id, ProgressCheckpoint{Transitions: []ItemTransition{
		{ItemID: "a", Status: ItemInFlight},
		{ItemID: "a", Status: ItemCompleted, Attempts: 2, Output: "ok"},
		{ItemID: "b", Status: ItemInFlight},
	}})
	require.NoError(t, err)
	assert.Equal(t, uint64(2), st.Sequence)
	assert.Equal(t, Counters{Total: 2, InFlight: 1, Completed: 1}, st.Counters)

	loaded, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, st.Sequence, loaded.Sequence)
	item, ok := loaded.Item("a")
	require.True(t, ok)
	assert.Equal(t, ItemCompleted, item.Status)
	assert.Equal(t, 2, item.Attempts)
	assert.Equal(t, "ok", item.Output)
}

func TestFileStoreApplyRejectsInvalidTransition(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	id, err := store.Create(ctx, "k", nil, seeds("a", "b"))
	require.NoError(t, err)

	_, err = store.Apply(ctx, id, ProgressCheckpoint{Transitions: []ItemTransition{
		{ItemID: "a", Status: ItemCompleted},
	}})
	require.NoError(t, err)

	// a later batch that violates monotonicity is rejected as a whole
	_, err = store.Apply(ctx, id, ProgressCheckpoint{Transitions: []ItemTransition{
		{ItemID: "b", Status: ItemCompleted},
		{ItemID: "a", Status: ItemPending},
	}})
	assert.ErrorIs(t, err, ErrInvalidTransition)

	state, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), state.Sequence)
	b, _ := state.Item("b")
	assert.Equal(t, ItemPending, b.Status)

	_, err = store.Apply(ctx, id, ProgressCheckpoint{Transitions: []ItemTransition{{ItemID: "zzz", Status: ItemCompleted}}})
	assert.ErrorIs(t, err, ErrUnknownItem)
}

func TestFileStoreWritesAtomically(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	id, err := store.Create(ctx, "k", nil, seeds("a"))
	require.NoError(t, err)

	for i := 0; i < 5; i++ {
		_, err = store.Apply(ctx, id, ProgressCheckpoint{})
		require.NoError(t, err)
	}

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, id+".json", entries[0].Name())

	// a torn temp file from a crash never shadows the real document
	require.NoError(t, os.WriteFile(filepath.Join(dir, id+".json.123.tmp"), []byte(`{"version":`), 0o644))
	state, err := store.Load(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, uint64(5), state.Sequence)
}

func TestFileStoreListFiltersAndSkipsCorrupt(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	a, err := store.Create(ctx, "add_user", nil, seeds("x"))
	require.NoError(t, err)
	b, err := store.Create(ctx, "upload", nil, seeds("y"))
	require.NoError(t, err)
	_, err = store.Apply(ctx, b, StatusChange{Status: StatusRunning})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.json"), []byte("{"), 0o644))

	all, err := store.List(ctx, Filter{})
	require.NoError(t, err)
	require.Len(t, all, 2)
	assert.Equal(t, b, all[0].ID)

	running, err := store.List(ctx, Filter{Status: StatusRunning})
	require.NoError(t, err)
	require.Len(t, running, 1)
	assert.Equal(t, b, running[0].ID)

	byKind, err := store.List(ctx, Filter{Kind: "add_user"})
	require.NoError(t, err)
	require.Len(t, byKind, 1)
	assert.Equal(t, a, byKind[0].ID)
}

func TestFileStoreLoadRejectsCorruptAndFutureVersions(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "bad.json"), []byte("not json"), 0o644))
	_, err = store.Load(ctx, "bad")
	assert.ErrorIs(t, err, ErrCorrupt)

	require.NoError(t, os.WriteFile(filepath.Join(dir, "future.json"),
		[]byte(`{"version":2,"operation_id":"future","status":"running","items":[]}`), 0o644))
	_, err = store.Load(ctx, "future")
	assert.ErrorIs(t, err, ErrUnsupportedVersion)
}

func TestFileStoreDelete(t *testing.T) {
	ctx := context.Background()
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	id, err := store.Create(ctx, "k", nil, seeds("a"))
	require.NoError(t, err)

	require.NoError(t, store.Delete(ctx, id))
	require.NoError(t, store.Delete(ctx, id))
	_, err = store.Load(ctx, id)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreRejectsPathTraversal(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)

	_, err = store.Load(context.Background(), "../etc/passwd")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestFileStoreClosed(t *testing.T) {
	store, err := NewFileStore(t.TempDir())
	require.NoError(t, err)
	require.NoError(t, store.Close())

	_, err = store.Create(context.Background(), "k", nil, seeds("a"))
	assert.ErrorIs(t, err, ErrClosed)
}

func itemIDs(s *OperationState) []string {
	ids := make([]string, len(s.Items))
	for i, item := range s.Items {
		ids[i] = item.ID
	}
	return ids
}

func TestStateFileIsIndentedJSON(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)
	id, err := store.Create(ctx, "k", nil, seeds("a"))
	require.NoError(t, err)

	data, err := os.ReadFile(filepath.Join(dir, id+".json"))
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(string(data), "{\n  \"version\": 1"))
}

func TestFileStoreLockIsExclusiveAcrossStores(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	first, err := NewFileStore(dir)
	require.NoError(t, err)
	second, err := NewFileStore(dir)
	require.NoError(t, err)

	release, err := first.Lock(ctx, "op-1")
	require.NoError(t, err)

	_, err = second.Lock(ctx, "op-1")
	assert.ErrorIs(t, err, ErrLocked)
	assert.Contains(t, err.Error(), "held by pid")

	other, err := second.Lock(ctx, "op-2")
	require.NoError(t, err)
	require.NoError(t, other())

	require.NoError(t, release())
	require.NoError(t, release(), "release is idempotent")

	again, err := second.Lock(ctx, "op-1")
	require.NoError(t, err)
	require.NoError(t, again())

	ops, err := first.List(ctx, Filter{})
	require.NoError(t, err)
	assert.Empty(t, ops, "lock files are not listed")
}

func TestFileStoreLockTakesOverDeadOwner(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	store, err := NewFileStore(dir)
	require.NoError(t, err)

	host, err := os.Hostname()
	require.NoError(t, err)
	dead, err := json.Marshal(leaseOwner{Token: "old", PID: 1 << 30, Host: host})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "op-1"+lockExt), dead, 0o644))

	release, err := store.Lock(ctx, "op-1")
	require.NoError(t, err)
	held, err := readLockFile(filepath.Join(dir, "op-1"+lockExt))
	require.NoError(t, err)
	assert.Equal(t, os.Getpid(), held.PID)
	require.NoError(t, release())

	remote, err := json.Marshal(leaseOwner{Token: "remote", PID: 1 << 30, Host: host + "-elsewhere"})
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "op-2"+lockExt), remote, 0o644))
	_, err = store.Lock(ctx, "op-2")
	assert.ErrorIs(t, err, ErrLocked, "owners on other hosts are not taken over")
}
