package diff

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSessionTracker_DiffSpansWholeTurn(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "app.js")
	require.NoError(t, os.WriteFile(path, []byte("v1\n"), 0o644))

	tracker := NewSessionTracker()

	// Two edits to the same file within one turn.
	tracker.CaptureBefore(path, "app.js")
	require.NoError(t, os.WriteFile(path, []byte("v2\n"), 0o644))
	tracker.CaptureAfter(path)

	tracker.CaptureBefore(path, "app.js")
	require.NoError(t, os.WriteFile(path, []byte("v3\n"), 0o644))
	tracker.CaptureAfter(path)

	diffs := tracker.FileDiffs()
	require.Len(t, diffs, 1)
	assert.Equal(t, "app.js", diffs[0].Path)
	assert.Contains(t, diffs[0].Diff, "-v1")
	assert.Contains(t, diffs[0].Diff, "+v3")
	assert.NotContains(t, diffs[0].Diff, "v2")
}

func TestSessionTracker_CreatedFileHasNoBeforeImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "new.txt")

	tracker := NewSessionTracker()
	tracker.CaptureBefore(path, "new.txt")
	require.NoError(t, os.WriteFile(path, []byte("born\n"), 0o644))
	tracker.CaptureAfter(path)

	diffs := tracker.FileDiffs()
	require.Len(t, diffs, 1)
	assert.Contains(t, diffs[0].Diff, "--- /dev/null")
	assert.Contains(t, diffs[0].Diff, "+born")
}

func TestSessionTracker_DeletedFileDiffsToDevNull(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "old.txt")
	require.NoError(t, os.WriteFile(path, []byte("bye\n"), 0o644))

	tracker := NewSessionTracker()
	tracker.CaptureBefore(path, "old.txt")
	require.NoError(t, os.Remove(path))
	tracker.CaptureAfter(path)

	diffs := tracker.FileDiffs()
	require.Len(t, diffs, 1)
	assert.Contains(t, diffs[0].Diff, "+++ /dev/null")
}

func TestSessionTracker_UnchangedTouchProducesNothing(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "same.txt")
	require.NoError(t, os.WriteFile(path, []byte("still\n"), 0o644))

	tracker := NewSessionTracker()
	tracker.CaptureBefore(path, "same.txt")
	tracker.CaptureAfter(path)

	assert.False(t, tracker.HasChanges())
	assert.Empty(t, tracker.FileDiffs())
	assert.Empty(t, tracker.ChangedPaths())
}

func TestSessionTracker_FailedToolLeavesNoAfterImage(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("orig\n"), 0o644))

	tracker := NewSessionTracker()
	tracker.CaptureBefore(path, "f.txt")
	// Tool failed, CaptureAfter never ran.

	assert.False(t, tracker.HasChanges())
	assert.Empty(t, tracker.FileDiffs())
}

func TestSessionTracker_SortsByPath(t *testing.T) {
	dir := t.TempDir()
	tracker := NewSessionTracker()
	for _, name := range []string{"zeta.txt", "alpha.txt", "mid.txt"} {
		path := filepath.Join(dir, name)
		tracker.CaptureBefore(path, name)
		require.NoError(t, os.WriteFile(path, []byte(name+"\n"), 0o644))
		tracker.CaptureAfter(path)
	}

	assert.Equal(t, []string{"alpha.txt", "mid.txt", "zeta.txt"}, tracker.ChangedPaths())

	diffs := tracker.FileDiffs()
	require.Len(t, diffs, 3)
	assert.Equal(t, "alpha.txt", diffs[0].Path)
	assert.Equal(t, "zeta.txt", diffs[2].Path)
}

func TestSessionTracker_ResetClearsState(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "f.txt")

	tracker := NewSessionTracker()
	tracker.CaptureBefore(path, "f.txt")
	require.NoError(t, os.WriteFile(path, []byte("x\n"), 0o644))
	tracker.CaptureAfter(path)
	require.True(t, tracker.HasChanges())

	tracker.Reset()
	assert.False(t, tracker.HasChanges())
	assert.Empty(t, tracker.FileDiffs())
}
