package file

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/dukex/entropy/pkg/errdefs"
	"github.com/dukex/entropy/pkg/models"
	"github.com/dukex/entropy/pkg/persistence"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newCommit(label string, params map[string]any) *models.Commit {
	commit := &models.Commit{Label: label, Params: map[string]*models.Param{}, Tags: map[string][]string{}}
	for key, value := range params {
		commit.Params[key] = models.NewParam(value)
	}

	return commit
}

func TestNewPersistence(t *testing.T) {
	dir := t.TempDir()

	// Test with file:// prefix
	p, err := NewPersistence(t.Context(), testLogger(), "file://"+filepath.Join(dir, "params.json"))
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "params.json"), p.path)
	assert.FileExists(t, filepath.Join(dir, "params.json"))

	version, err := readVersion(p.path)
	require.NoError(t, err)
	assert.Equal(t, CurrentVersion, version)

	require.NoError(t, p.Close(t.Context()))
}

func TestNewPersistence_VersionMismatch(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"info":{"version":"0.2"},"commits":[]}`), 0600))

	_, err := NewPersistence(t.Context(), testLogger(), path)
	require.Error(t, err)
	assert.True(t, errdefs.IsVersionMismatch(err))
	assert.Contains(t, err.Error(), "Please upgrade")
}

func TestPersistence_CommitAndGet(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.json")

	p, err := NewPersistence(t.Context(), testLogger(), path)
	require.NoError(t, err)

	commit := newCommit("first", map[string]any{"qubit.freq": 5.1, "count": 3, "nested": map[string]any{"a": 1}})
	commit.Params["ttl"] = &models.Param{Value: "x", ExpiresIn: time.Hour}

	id, err := p.Commit(t.Context(), commit, nil)
	require.NoError(t, err)
	assert.NotEmpty(t, id)
	assert.Equal(t, id, commit.ID)
	assert.Equal(t, id, commit.Params["count"].CommitID)

	// Reopen to make sure everything went to disk
	require.NoError(t, p.Close(t.Context()))

	p, err = NewPersistence(t.Context(), testLogger(), path)
	require.NoError(t, err)

	loaded, err := p.GetCommit(t.Context(), id)
	require.NoError(t, err)
	assert.Equal(t, "first", loaded.Label)
	assert.Equal(t, commit.Timestamp, loaded.Timestamp)
	assert.Equal(t, int64(3), loaded.Params["count"].Value)
	assert.InDelta(t, 5.1, loaded.Params["qubit.freq"].Value, 1e-9)
	assert.Equal(t, map[string]any{"a": int64(1)}, loaded.Params["nested"].Value)

	require.NotNil(t, loaded.Params["ttl"].ExpiresAt)
	assert.Equal(t, time.Duration(0), loaded.Params["ttl"].ExpiresIn)
	assert.Equal(t, commit.Params["ttl"].ExpiresAt.UnixNano(), loaded.Params["ttl"].ExpiresAt.UnixNano())

	byNum, err := p.GetCommitByNum(t.Context(), 1)
	require.NoError(t, err)
	assert.Equal(t, id, byNum.ID)
}

func TestPersistence_DirtyKeysOnly(t *testing.T) {
	p, err := NewPersistence(t.Context(), testLogger(), "")
	require.NoError(t, err)

	first := newCommit("", map[string]any{"a": 1, "b": 2})
	firstID, err := p.Commit(t.Context(), first, nil)
	require.NoError(t, err)

	second := first.Clone()
	second.Params["b"] = models.NewParam(3)
	secondID, err := p.Commit(t.Context(), second, []string{"b"})
	require.NoError(t, err)

	assert.NotEqual(t, firstID, secondID)

	latest, err := p.GetLatestCommit(t.Context())
	require.NoError(t, err)
	assert.Equal(t, secondID, latest.ID)
	assert.Equal(t, firstID, latest.Params["a"].CommitID)
	assert.Equal(t, secondID, latest.Params["b"].CommitID)
}

func TestPersistence_NotFound(t *testing.T) {
	p, err := NewPersistence(t.Context(), testLogger(), "")
	require.NoError(t, err)

	latest, err := p.GetLatestCommit(t.Context())
	require.NoError(t, err)
	assert.Nil(t, latest)

	_, err = p.GetCommit(t.Context(), "missing")
	assert.True(t, persistence.IsCommitNotFound(err))
	assert.True(t, errdefs.IsNotFound(err))

	_, err = p.GetCommitByNum(t.Context(), 1)
	assert.True(t, persistence.IsCommitNotFound(err))

	_, err = p.LoadTemp(t.Context())
	assert.True(t, persistence.IsTempEmpty(err))
}

func TestPersistence_SearchCommits(t *testing.T) {
	p, err := NewPersistence(t.Context(), testLogger(), "")
	require.NoError(t, err)

	_, err = p.Commit(t.Context(), newCommit("calib", map[string]any{"a": 1}), nil)
	require.NoError(t, err)
	_, err = p.Commit(t.Context(), newCommit("calibration", map[string]any{"b": 1}), nil)
	require.NoError(t, err)
	_, err = p.Commit(t.Context(), newCommit("calib", map[string]any{"b": 2}), nil)
	require.NoError(t, err)

	tests := []struct {
		name       string
		label      string
		keyPresent string
		expected   int
	}{
		{name: "all", expected: 3},
		{name: "exact label", label: "calib", expected: 2},
		{name: "key present", keyPresent: "b", expected: 2},
		{name: "label and key", label: "calib", keyPresent: "b", expected: 1},
		{name: "no match", label: "other", expected: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			commits, err := p.SearchCommits(t.Context(), tt.label, tt.keyPresent)
			require.NoError(t, err)
			assert.Len(t, commits, tt.expected)
		})
	}
}

func TestPersistence_Temp(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.json")

	p, err := NewPersistence(t.Context(), testLogger(), path)
	require.NoError(t, err)

	temp := newCommit("", map[string]any{"draft": "yes"})
	temp.Tags["wip"] = []string{"draft"}
	require.NoError(t, p.SaveTemp(t.Context(), temp))

	loaded, err := p.LoadTemp(t.Context())
	require.NoError(t, err)
	assert.Equal(t, "yes", loaded.Params["draft"].Value)
	assert.Equal(t, []string{"draft"}, loaded.Tags["wip"])

	commits, err := p.SearchCommits(t.Context(), "", "")
	require.NoError(t, err)
	assert.Empty(t, commits)
}

func TestPersistence_ConcurrentHandles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "params.json")

	first, err := NewPersistence(t.Context(), testLogger(), path)
	require.NoError(t, err)
	second, err := NewPersistence(t.Context(), testLogger(), path)
	require.NoError(t, err)

	var wg sync.WaitGroup

	for i := range 10 {
		handle := first
		if i%2 == 1 {
			handle = second
		}

		wg.Add(1)

		go func() {
			defer wg.Done()

			_, commitErr := handle.Commit(t.Context(), newCommit("", map[string]any{"i": i}), nil)
			assert.NoError(t, commitErr)
		}()
	}

	wg.Wait()

	commits, err := first.SearchCommits(t.Context(), "", "")
	require.NoError(t, err)
	assert.Len(t, commits, 10)
}

func TestPersistence_FilePermissions(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "params.json")

	p, err := NewPersistence(t.Context(), testLogger(), path)
	require.NoError(t, err)

	_, err = p.Commit(t.Context(), newCommit("", map[string]any{"a": 1}), nil)
	require.NoError(t, err)

	info, err := os.Stat(path)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0600), info.Mode().Perm())

	var doc map[string]any
	data, err := os.ReadFile(path)
	require.NoError(t, err)
	require.NoError(t, json.Unmarshal(data, &doc))
	assert.Contains(t, doc, "info")
	assert.Contains(t, doc, "commits")
}
