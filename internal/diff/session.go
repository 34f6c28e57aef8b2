package diff

import (
	"os"
	"sort"
	"sync"

	"milo/internal/agent/ports"
)

// SessionTracker records before and after images of files a turn mutates,
// so the turn can emit one aggregated diff chunk. The before image is read
// lazily on the first mutating touch; a file the turn creates has none.
type SessionTracker struct {
	mu      sync.Mutex
	touched map[string]*fileTouch // keyed by absolute path
}

type fileTouch struct {
	relPath  string
	before   string
	after    string
	afterSet bool
}

func NewSessionTracker() *SessionTracker {
	return &SessionTracker{touched: make(map[string]*fileTouch)}
}

// CaptureBefore snapshots the file's current content before a mutating tool
// runs. Repeat touches of the same file keep the first snapshot, so the diff
// spans the whole turn. A missing file records empty content.
func (t *SessionTracker) CaptureBefore(absPath, relPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.touched[absPath]; ok {
		return
	}
	content := ""
	if data, err := os.ReadFile(absPath); err == nil {
		content = string(data)
	}
	t.touched[absPath] = &fileTouch{relPath: relPath, before: content}
}

// CaptureAfter snapshots the file's content once the mutating tool
// succeeded. A file the tool deleted records empty content.
func (t *SessionTracker) CaptureAfter(absPath string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	touch, ok := t.touched[absPath]
	if !ok {
		return
	}
	touch.after = ""
	if data, err := os.ReadFile(absPath); err == nil {
		touch.after = string(data)
	}
	touch.afterSet = true
}

// HasChanges reports whether any touched file actually changed.
func (t *SessionTracker) HasChanges() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, touch := range t.touched {
		if touch.afterSet && touch.before != touch.after {
			return true
		}
	}
	return false
}

// ChangedPaths lists the relative paths of files that changed, sorted.
func (t *SessionTracker) ChangedPaths() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	var paths []string
	for _, touch := range t.touched {
		if touch.afterSet && touch.before != touch.after {
			paths = append(paths, touch.relPath)
		}
	}
	sort.Strings(paths)
	return paths
}

// FileDiffs renders a unified diff per changed file, sorted by path.
// Touches whose content is unchanged produce nothing.
func (t *SessionTracker) FileDiffs() []ports.FileDiff {
	t.mu.Lock()
	defer t.mu.Unlock()

	touches := make([]*fileTouch, 0, len(t.touched))
	for _, touch := range t.touched {
		if touch.afterSet && touch.before != touch.after {
			touches = append(touches, touch)
		}
	}
	sort.Slice(touches, func(i, j int) bool { return touches[i].relPath < touches[j].relPath })

	var diffs []ports.FileDiff
	for _, touch := range touches {
		rendered := GenerateUnified(touch.relPath, touch.before, touch.after)
		if rendered == "" {
			continue
		}
		diffs = append(diffs, ports.FileDiff{Path: touch.relPath, Diff: rendered})
	}
	return diffs
}

// Reset clears all recorded touches for the next turn.
func (t *SessionTracker) Reset() {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.touched = make(map[string]*fileTouch)
}
