package paramstore_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/mocks"
	"github.com/dukex/entropy/pkg/models"
	"github.com/dukex/entropy/pkg/paramstore"
	"github.com/dukex/entropy/pkg/persistence"
	"github.com/dukex/entropy/pkg/persistence/file"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newStore(t *testing.T) *paramstore.ParamStore {
	t.Helper()

	p, err := file.NewPersistence(t.Context(), testLogger(), "")
	require.NoError(t, err)

	store, err := paramstore.New(t.Context(), p, paramstore.WithLogger(testLogger()))
	require.NoError(t, err)

	return store
}

func TestParamStore_Lifecycle(t *testing.T) {
	ctx := t.Context()
	store := newStore(t)

	require.NoError(t, store.Set("foo", "bar"))
	id1, err := store.Commit(ctx, "a")
	require.NoError(t, err)

	require.NoError(t, store.Set("foo", "baz"))
	id2, err := store.Commit(ctx, "b")
	require.NoError(t, err)

	value, err := store.GetValue(ctx, "foo", id1)
	require.NoError(t, err)
	assert.Equal(t, "bar", value)

	value, err = store.GetValue(ctx, "foo", id2)
	require.NoError(t, err)
	assert.Equal(t, "baz", value)

	value, err = store.GetValue(ctx, "foo", "")
	require.NoError(t, err)
	assert.Equal(t, "baz", value)

	rows, err := store.ListValues(ctx, "foo")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "bar", rows[0].Value)
	assert.Equal(t, "baz", rows[1].Value)
	assert.Equal(t, "a", *rows[0].Label)
	assert.Equal(t, "b", *rows[1].Label)
	assert.Equal(t, id1, *rows[0].CommitID)
}

func TestParamStore_CommitAlwaysNewID(t *testing.T) {
	ctx := t.Context()
	store := newStore(t)

	require.NoError(t, store.Set("a", 1))

	first, err := store.Commit(ctx, "")
	require.NoError(t, err)
	assert.False(t, store.IsDirty())

	second, err := store.Commit(ctx, "")
	require.NoError(t, err)

	assert.NotEqual(t, first, second)
	assert.Equal(t, second, store.CommitID())

	// The unchanged param keeps the id of the commit that last changed it
	param, err := store.GetParam(ctx, "a", second)
	require.NoError(t, err)
	assert.Equal(t, first, param.CommitID)
}

func TestParamStore_SetKeepsMetadata(t *testing.T) {
	ctx := t.Context()
	store := newStore(t)

	require.NoError(t, store.SetParam("freq", 5.0, paramstore.WithDescription("qubit frequency"), paramstore.WithNodeID("calib")))
	require.NoError(t, store.Set("freq", 5.1))

	param, err := store.GetParam(ctx, "freq", "")
	require.NoError(t, err)
	assert.Equal(t, 5.1, param.Value)
	assert.Equal(t, "qubit frequency", param.Description)
	assert.Equal(t, "calib", param.NodeID)

	// Returned params are copies
	param.Description = "changed"
	again, err := store.GetParam(ctx, "freq", "")
	require.NoError(t, err)
	assert.Equal(t, "qubit frequency", again.Description)
}

func TestParamStore_Expiration(t *testing.T) {
	ctx := t.Context()
	store := newStore(t)

	require.NoError(t, store.SetParam("short", 1, paramstore.WithExpiresIn(time.Millisecond)))
	require.NoError(t, store.SetParam("fixed", 2, paramstore.WithExpiration(time.Now().Add(time.Hour))))

	before := time.Now()
	id, err := store.Commit(ctx, "")
	require.NoError(t, err)

	short, err := store.GetParam(ctx, "short", id)
	require.NoError(t, err)
	require.NotNil(t, short.ExpiresAt)
	assert.False(t, short.ExpiresAt.Before(before.Add(time.Millisecond)))
	assert.True(t, short.HasExpired(time.Now().Add(time.Second)))

	fixed, err := store.GetParam(ctx, "fixed", id)
	require.NoError(t, err)
	assert.False(t, fixed.HasExpired(time.Now()))
}

func TestParamStore_SetParamKwargs(t *testing.T) {
	store := newStore(t)

	tests := []struct {
		name    string
		kwargs  map[string]any
		wantErr bool
	}{
		{name: "description", kwargs: map[string]any{"description": "d"}},
		{name: "expires in seconds", kwargs: map[string]any{"expires_in": float64(30)}},
		{name: "expires in duration", kwargs: map[string]any{"expires_in": "1m"}},
		{name: "expiration", kwargs: map[string]any{"expiration": "2030-01-01T00:00:00Z"}},
		{name: "commit id rejected", kwargs: map[string]any{"commit_id": "x"}, wantErr: true},
		{name: "value rejected", kwargs: map[string]any{"value": 1}, wantErr: true},
		{name: "unknown attribute", kwargs: map[string]any{"color": "red"}, wantErr: true},
		{name: "bad expiration", kwargs: map[string]any{"expiration": "tomorrow"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := store.SetParamKwargs("key", 1, tt.kwargs)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, errdefs.IsInvalidArgument(err))

				return
			}

			require.NoError(t, err)
		})
	}
}

func TestParamStore_PrivateKeysRejected(t *testing.T) {
	store := newStore(t)

	err := store.Set("__secret", 1)
	assert.True(t, errdefs.IsInvalidArgument(err))
	assert.False(t, store.Has("__secret"))
}

func TestParamStore_DeleteAndTags(t *testing.T) {
	store := newStore(t)

	require.NoError(t, store.Set("a", 1))
	require.NoError(t, store.Set("b", 2))
	require.NoError(t, store.AddTag("t", "a"))
	require.NoError(t, store.AddTag("t", "b"))
	require.NoError(t, store.AddTag("u", "a"))

	err := store.AddTag("t", "missing")
	assert.True(t, errdefs.IsNotFound(err))

	assert.Equal(t, []string{"t", "u"}, store.ListTagsForKey("a"))

	require.NoError(t, store.Delete("a"))
	assert.Equal(t, []string{"b"}, store.ListKeysForTag("t"))
	assert.Empty(t, store.ListTagsForKey("a"))

	store.RemoveTag("t", "b")
	store.RemoveTag("t", "b")
	store.RemoveTag("nope", "b")
	assert.Empty(t, store.ListKeysForTag("t"))

	assert.True(t, errdefs.IsNotFound(store.Delete("a")))
}

func TestParamStore_RenameKey(t *testing.T) {
	store := newStore(t)

	require.NoError(t, store.Set("old", 1))
	require.NoError(t, store.Set("other", 2))
	require.NoError(t, store.AddTag("t", "old"))

	err := store.RenameKey("old", "other")
	assert.True(t, errdefs.IsAlreadyExists(err))

	err = store.RenameKey("missing", "new")
	assert.True(t, errdefs.IsNotFound(err))

	require.NoError(t, store.RenameKey("old", "new"))
	assert.False(t, store.Has("old"))

	value, ok := store.Get("new")
	assert.True(t, ok)
	assert.Equal(t, 1, value)
	assert.Equal(t, []string{"new"}, store.ListKeysForTag("t"))
	assert.Contains(t, store.DirtyKeys(), "old")
	assert.Contains(t, store.DirtyKeys(), "new")
}

func TestParamStore_Checkout(t *testing.T) {
	ctx := t.Context()
	store := newStore(t)

	// Empty store checkout is a no-op
	require.NoError(t, store.Checkout(ctx, paramstore.CheckoutOptions{}))

	require.NoError(t, store.Set("v", 1))
	id1, err := store.Commit(ctx, "one")
	require.NoError(t, err)

	require.NoError(t, store.Set("v", 2))
	require.NoError(t, store.AddTag("latest", "v"))
	_, err = store.Commit(ctx, "two")
	require.NoError(t, err)

	require.NoError(t, store.Set("v", 3))

	require.NoError(t, store.Checkout(ctx, paramstore.CheckoutOptions{CommitID: id1}))
	value, _ := store.Get("v")
	assert.EqualValues(t, 1, value)
	assert.False(t, store.IsDirty())
	assert.Empty(t, store.ListKeysForTag("latest"))

	require.NoError(t, store.Checkout(ctx, paramstore.CheckoutOptions{MoveBy: 1}))
	value, _ = store.Get("v")
	assert.EqualValues(t, 2, value)

	err = store.Checkout(ctx, paramstore.CheckoutOptions{MoveBy: 1})
	assert.True(t, errdefs.IsNotFound(err))

	require.NoError(t, store.Checkout(ctx, paramstore.CheckoutOptions{CommitNum: 1}))
	assert.Equal(t, id1, store.CommitID())

	err = store.Checkout(ctx, paramstore.CheckoutOptions{CommitNum: -1})
	assert.True(t, errdefs.IsNotFound(err))

	err = store.Checkout(ctx, paramstore.CheckoutOptions{CommitID: "missing"})
	assert.True(t, persistence.IsCommitNotFound(err))

	commits, err := store.ListCommits(ctx, "two")
	require.NoError(t, err)
	require.Len(t, commits, 1)
	assert.Equal(t, "two", commits[0].Label)

	all, err := store.ListCommits(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestParamStore_ListValuesDirtyRow(t *testing.T) {
	ctx := t.Context()
	store := newStore(t)

	require.NoError(t, store.Set("k", "committed"))
	_, err := store.Commit(ctx, "")
	require.NoError(t, err)

	require.NoError(t, store.Set("k", "live"))

	rows, err := store.ListValues(ctx, "k")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "live", rows[1].Value)
	assert.Nil(t, rows[1].Time)
	assert.Nil(t, rows[1].CommitID)
	assert.Nil(t, rows[1].Label)
}

func TestParamStore_Diff(t *testing.T) {
	ctx := t.Context()
	store := newStore(t)

	require.NoError(t, store.Set("same", 1))
	require.NoError(t, store.Set("changed", "old"))
	require.NoError(t, store.Set("deleted", true))
	first, err := store.Commit(ctx, "")
	require.NoError(t, err)

	require.NoError(t, store.Set("changed", "new"))
	require.NoError(t, store.Delete("deleted"))
	require.NoError(t, store.Set("added", 0))

	live, err := store.Diff(ctx, "", "")
	require.NoError(t, err)

	expected := map[string]paramstore.DiffEntry{
		"changed": {OldValue: "old", NewValue: "new", HasOld: true, HasNew: true},
		"deleted": {OldValue: true, HasOld: true},
		"added":   {NewValue: 0, HasNew: true},
	}
	assert.Equal(t, expected, live)

	second, err := store.Commit(ctx, "")
	require.NoError(t, err)

	committed, err := store.Diff(ctx, first, second)
	require.NoError(t, err)
	assert.Len(t, committed, 3)
	assert.EqualValues(t, 0, committed["added"].NewValue)

	data, err := json.Marshal(committed["added"])
	require.NoError(t, err)
	assert.JSONEq(t, `{"new_value": 0}`, string(data))
}

func mergeInputs() (map[string]any, map[string]any) {
	ours := map[string]any{"a": 1, "b": map[string]any{"y": 5, "z": 6}}
	theirs := map[string]any{"b": map[string]any{"x": 4, "y": -5}, "c": 3}

	return ours, theirs
}

func TestParamStore_MergeOurs(t *testing.T) {
	ours, theirs := mergeInputs()

	a := newStore(t)
	require.NoError(t, a.Set("foo", ours))

	b := newStore(t)
	require.NoError(t, b.Set("foo", theirs))

	require.NoError(t, a.Merge(b, paramstore.MergeOurs))

	value, _ := a.Get("foo")
	assert.Equal(t, map[string]any{"a": 1, "b": map[string]any{"x": 4, "y": 5, "z": 6}, "c": 3}, value)
}

func TestParamStore_MergeTheirs(t *testing.T) {
	ctx := t.Context()
	ours, theirs := mergeInputs()

	a := newStore(t)
	require.NoError(t, a.Set("foo", ours))
	_, err := a.Commit(ctx, "")
	require.NoError(t, err)
	require.False(t, a.IsDirty())

	require.NoError(t, a.MergeParams(map[string]*models.Param{"foo": models.NewParam(theirs)}, paramstore.MergeTheirs))

	value, _ := a.Get("foo")
	assert.True(t, models.ValuesEqual(
		map[string]any{"a": 1, "b": map[string]any{"x": 4, "y": -5, "z": 6}, "c": 3},
		value,
	))
	assert.True(t, a.IsDirty())
}

func TestParamStore_MergeLeaves(t *testing.T) {
	store := newStore(t)
	require.NoError(t, store.Set("x", 1))

	require.NoError(t, store.MergeParams(map[string]*models.Param{"x": models.NewParam(2), "y": models.NewParam(3)}, paramstore.MergeOurs))

	x, _ := store.Get("x")
	y, _ := store.Get("y")
	assert.Equal(t, 1, x)
	assert.Equal(t, 3, y)

	err := store.MergeParams(nil, paramstore.MergeStrategy(42))
	assert.True(t, errdefs.IsUnsupported(err))
}

func TestParamStore_Temp(t *testing.T) {
	ctx := t.Context()
	store := newStore(t)

	err := store.LoadTemp(ctx)
	require.Error(t, err)
	assert.True(t, errdefs.IsNotFound(err))
	assert.Contains(t, err.Error(), "temp is empty")

	require.NoError(t, store.Set("draft", 1))
	require.NoError(t, store.SaveTemp(ctx))
	assert.False(t, store.IsDirty())

	require.NoError(t, store.Set("draft", 2))
	require.NoError(t, store.LoadTemp(ctx))

	value, _ := store.Get("draft")
	assert.EqualValues(t, 1, value)
	assert.False(t, store.IsDirty())
}

func TestParamStore_CommitHookAndReopen(t *testing.T) {
	ctx := t.Context()
	path := filepath.Join(t.TempDir(), "params.json")

	p, err := file.NewPersistence(ctx, testLogger(), path)
	require.NoError(t, err)

	var committed []models.CommitMetadata

	store, err := paramstore.New(ctx, p, paramstore.WithCommitHook(func(_ context.Context, metadata models.CommitMetadata) {
		committed = append(committed, metadata)
	}))
	require.NoError(t, err)

	require.NoError(t, store.Set("persisted", "yes"))
	id, err := store.Commit(ctx, "hooked")
	require.NoError(t, err)
	require.NoError(t, store.Close(ctx))

	require.Len(t, committed, 1)
	assert.Equal(t, id, committed[0].ID)
	assert.Equal(t, "hooked", committed[0].Label)

	p, err = file.NewPersistence(ctx, testLogger(), path)
	require.NoError(t, err)

	reopened, err := paramstore.New(ctx, p)
	require.NoError(t, err)

	value, ok := reopened.Get("persisted")
	assert.True(t, ok)
	assert.Equal(t, "yes", value)
	assert.Equal(t, id, reopened.CommitID())
}

func TestParamStore_CommitFailureKeepsLiveState(t *testing.T) {
	ctx := t.Context()

	p := &mocks.MockPersistence{}
	p.On("GetLatestCommit", mock.Anything).Return(nil, nil)
	p.On("Commit", mock.Anything, mock.Anything, []string{"voltage"}).Return("", errors.New("disk full"))

	store, err := paramstore.New(ctx, p, paramstore.WithLogger(testLogger()))
	require.NoError(t, err)

	require.NoError(t, store.Set("voltage", 1.5))

	_, err = store.Commit(ctx, "broken")
	require.EqualError(t, err, "disk full")

	assert.True(t, store.IsDirty())
	assert.Equal(t, []string{"voltage"}, store.DirtyKeys())
	assert.Empty(t, store.CommitID())
	p.AssertExpectations(t)
}
