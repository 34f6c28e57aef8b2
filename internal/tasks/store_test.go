package tasks

import (
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStore_LoadMissingFileIsEmpty(t *testing.T) {
	store := NewStore(t.TempDir())

	tasks, err := store.Load()
	require.NoError(t, err)
	assert.Empty(t, tasks)
	assert.False(t, store.Exists())
}

func TestStore_ReplaceStartsFirstTask(t *testing.T) {
	store := NewStore(t.TempDir())

	tasks, err := store.Replace([]string{"Create package.json", "Create server.js"})
	require.NoError(t, err)
	require.Len(t, tasks, 2)
	assert.Equal(t, StatusInProgress, tasks[0].Status)
	assert.Equal(t, StatusPending, tasks[1].Status)
	assert.NotEmpty(t, tasks[0].ID)
	assert.True(t, store.Exists())

	// Written as a plain JSON array other processes can read.
	data, err := os.ReadFile(store.Path())
	require.NoError(t, err)
	var raw []map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "Create package.json", raw[0]["title"])
}

func TestStore_CompletionAdvancesNextPending(t *testing.T) {
	store := NewStore(t.TempDir())
	tasks, err := store.Replace([]string{"one", "two", "three"})
	require.NoError(t, err)

	tasks, err = store.Update(tasks[0].ID, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tasks[0].Status)
	assert.Equal(t, StatusInProgress, tasks[1].Status)
	assert.Equal(t, StatusPending, tasks[2].Status)

	tasks, err = store.Update(tasks[1].ID, StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, tasks[2].Status)

	tasks, err = store.Update(tasks[2].ID, StatusCompleted)
	require.NoError(t, err)
	for _, task := range tasks {
		assert.Equal(t, StatusCompleted, task.Status)
	}

	unfinished, err := store.HasUnfinished()
	require.NoError(t, err)
	assert.False(t, unfinished)
}

func TestStore_StartingTaskDemotesCurrent(t *testing.T) {
	store := NewStore(t.TempDir())
	tasks, err := store.Replace([]string{"a", "b", "c"})
	require.NoError(t, err)

	tasks, err = store.Update(tasks[2].ID, StatusInProgress)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, tasks[0].Status)
	assert.Equal(t, StatusInProgress, tasks[2].Status)
}

func TestStore_UpdateAcceptsPositionAndTitle(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.Replace([]string{"first", "second"})
	require.NoError(t, err)

	tasks, err := store.Update("1", StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tasks[0].Status)

	tasks, err = store.Update("second", StatusCompleted)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, tasks[1].Status)
}

func TestStore_UpdateUnknownRefFails(t *testing.T) {
	store := NewStore(t.TempDir())
	_, err := store.Replace([]string{"only"})
	require.NoError(t, err)

	_, err = store.Update("no-such-task", StatusCompleted)
	assert.Error(t, err)
}

func TestStore_NextPendingPrefersInProgress(t *testing.T) {
	store := NewStore(t.TempDir())
	tasks, err := store.Replace([]string{"a", "b"})
	require.NoError(t, err)

	next, err := store.NextPending()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, tasks[0].ID, next.ID)

	_, err = store.Update(tasks[0].ID, StatusCompleted)
	require.NoError(t, err)
	next, err = store.NextPending()
	require.NoError(t, err)
	require.NotNil(t, next)
	assert.Equal(t, tasks[1].ID, next.ID)

	_, err = store.Update(tasks[1].ID, StatusCompleted)
	require.NoError(t, err)
	next, err = store.NextPending()
	require.NoError(t, err)
	assert.Nil(t, next)
}

func TestStore_LoadRepairsDoubleInProgress(t *testing.T) {
	dir := t.TempDir()
	corrupt := `[
  {"id":"t1","title":"a","status":"in_progress"},
  {"id":"t2","title":"b","status":"in_progress"}
]`
	require.NoError(t, os.WriteFile(filepath.Join(dir, FileName), []byte(corrupt), 0o644))

	store := NewStore(dir)
	tasks, err := store.Load()
	require.NoError(t, err)
	assert.Equal(t, StatusInProgress, tasks[0].Status)
	assert.Equal(t, StatusPending, tasks[1].Status)
}

func TestStore_SingleInProgressProperty(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 100
	properties := gopter.NewProperties(parameters)

	statuses := []Status{StatusPending, StatusInProgress, StatusCompleted}
	genPositions := gen.SliceOfN(8, gen.IntRange(1, 4))
	genStatuses := gen.SliceOfN(8, gen.IntRange(0, 2))

	properties.Property("at most one in_progress after any update sequence", prop.ForAll(
		func(positions, statusPicks []int) bool {
			store := NewStore(t.TempDir())
			tasks, err := store.Replace([]string{"w", "x", "y", "z"})
			if err != nil || len(tasks) != 4 {
				return false
			}
			for i := range positions {
				if _, err := store.Update(tasks[positions[i]-1].ID, statuses[statusPicks[i]]); err != nil {
					return false
				}
			}
			final, err := store.Load()
			if err != nil {
				return false
			}
			inFlight := 0
			for _, task := range final {
				if task.Status == StatusInProgress {
					inFlight++
				}
			}
			return inFlight <= 1
		},
		genPositions, genStatuses,
	))

	properties.TestingRun(t)
}
