// Package watch fans file-change notifications out to conversation streams.
// One recursive fsnotify watcher per project, shared by every subscriber and
// closed when the last one leaves.
package watch

import (
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"milo/internal/logging"
)

// DefaultDebounce is how long a path must stay quiet before its change is
// emitted. Editors and build tools write files in bursts.
const DefaultDebounce = 300 * time.Millisecond

const subscriberBuffer = 256

// Change is one coalesced file event.
type Change struct {
	EventType string    `json:"eventType"`
	Filename  string    `json:"filename"`
	Timestamp time.Time `json:"timestamp"`
}

const (
	ChangeCreated  = "created"
	ChangeModified = "modified"
	ChangeDeleted  = "deleted"
)

// Hub hands out subscriptions to per-project watchers.
type Hub struct {
	mu       sync.Mutex
	projects map[string]*projectWatcher
	logger   logging.Logger
	debounce time.Duration
}

func NewHub(logger logging.Logger) *Hub {
	return &Hub{
		projects: make(map[string]*projectWatcher),
		logger:   logging.OrNop(logger),
		debounce: DefaultDebounce,
	}
}

// Subscription is one consumer's view of a project watcher.
type Subscription struct {
	hub  *Hub
	key  string
	id   int
	ch   chan Change
	once sync.Once
}

// Events yields coalesced changes until the subscription closes.
func (s *Subscription) Events() <-chan Change {
	return s.ch
}

// Close detaches the subscriber. The underlying watcher shuts down when no
// subscribers remain.
func (s *Subscription) Close() {
	s.once.Do(func() { s.hub.unsubscribe(s.key, s.id) })
}

// Subscribe attaches a consumer to the project's watcher, creating it on
// first use.
func (h *Hub) Subscribe(projectPath string) (*Subscription, error) {
	key := filepath.Clean(projectPath)

	h.mu.Lock()
	defer h.mu.Unlock()

	pw, found := h.projects[key]
	if !found {
		created, err := newProjectWatcher(key, h.debounce, h.logger)
		if err != nil {
			return nil, err
		}
		h.projects[key] = created
		pw = created
	}

	id, ch := pw.addSubscriber()
	return &Subscription{hub: h, key: key, id: id, ch: ch}, nil
}

func (h *Hub) unsubscribe(key string, id int) {
	h.mu.Lock()
	defer h.mu.Unlock()

	pw, found := h.projects[key]
	if !found {
		return
	}
	if pw.removeSubscriber(id) == 0 {
		delete(h.projects, key)
		pw.stop()
	}
}

// Close tears down every watcher, typically at shutdown.
func (h *Hub) Close() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for key, pw := range h.projects {
		delete(h.projects, key)
		pw.stop()
	}
}

// watcherCount reports live project watchers. Test hook.
func (h *Hub) watcherCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.projects)
}

// projectWatcher owns one fsnotify watcher across the project tree and
// coalesces raw events per path before fanning them out.
type projectWatcher struct {
	root     string
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   logging.Logger

	mu      sync.Mutex
	subs    map[int]chan Change
	nextID  int
	pending map[string]*pendingChange
	stopped bool

	stopCh chan struct{}
}

type pendingChange struct {
	timer     *time.Timer
	eventType string
}

func newProjectWatcher(root string, debounce time.Duration, logger logging.Logger) (*projectWatcher, error) {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	pw := &projectWatcher{
		root:     root,
		watcher:  watcher,
		debounce: debounce,
		logger:   logger,
		subs:     make(map[int]chan Change),
		pending:  make(map[string]*pendingChange),
		stopCh:   make(chan struct{}),
	}
	if err := pw.watchTree(root); err != nil {
		_ = watcher.Close()
		return nil, err
	}

	go pw.loop()
	return pw, nil
}

func (pw *projectWatcher) addSubscriber() (int, chan Change) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	pw.nextID++
	id := pw.nextID
	ch := make(chan Change, subscriberBuffer)
	pw.subs[id] = ch
	return id, ch
}

// removeSubscriber drops one consumer and returns how many remain.
func (pw *projectWatcher) removeSubscriber(id int) int {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if ch, found := pw.subs[id]; found {
		delete(pw.subs, id)
		close(ch)
	}
	return len(pw.subs)
}

func (pw *projectWatcher) stop() {
	pw.mu.Lock()
	if pw.stopped {
		pw.mu.Unlock()
		return
	}
	pw.stopped = true
	for path, pending := range pw.pending {
		pending.timer.Stop()
		delete(pw.pending, path)
	}
	for id, ch := range pw.subs {
		delete(pw.subs, id)
		close(ch)
	}
	pw.mu.Unlock()

	close(pw.stopCh)
	_ = pw.watcher.Close()
}

// watchTree registers the directory and every non-ignored directory below it.
// A missing or unreadable root is an error; deeper problems are skipped.
func (pw *projectWatcher) watchTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			return nil
		}
		if !entry.IsDir() {
			return nil
		}
		if path != dir && ignoredEntry(entry.Name()) {
			return filepath.SkipDir
		}
		if err := pw.watcher.Add(path); err != nil {
			pw.logger.Warn("watch %s: %v", path, err)
		}
		return nil
	})
}

func (pw *projectWatcher) loop() {
	for {
		select {
		case <-pw.stopCh:
			return
		case event, ok := <-pw.watcher.Events:
			if !ok {
				return
			}
			pw.handleEvent(event)
		case err, ok := <-pw.watcher.Errors:
			if !ok {
				return
			}
			pw.logger.Warn("watcher error for %s: %v", pw.root, err)
		}
	}
}

func (pw *projectWatcher) handleEvent(event fsnotify.Event) {
	if event.Name == "" {
		return
	}

	rel, err := filepath.Rel(pw.root, event.Name)
	if err != nil || rel == "." || ignoredPath(rel) {
		return
	}

	if event.Op&fsnotify.Create != 0 {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if err := pw.watchTree(event.Name); err != nil {
				pw.logger.Warn("watch new directory %s: %v", event.Name, err)
			}
			return
		}
	}

	eventType := classifyOp(event.Op)
	if eventType == "" {
		return
	}
	pw.schedule(filepath.ToSlash(rel), eventType)
}

func classifyOp(op fsnotify.Op) string {
	switch {
	case op&fsnotify.Create != 0:
		return ChangeCreated
	case op&(fsnotify.Remove|fsnotify.Rename) != 0:
		return ChangeDeleted
	case op&fsnotify.Write != 0:
		return ChangeModified
	default:
		return ""
	}
}

// schedule arms or re-arms the per-path quiet timer. A path created inside
// the window stays "created" through subsequent writes; a deletion always
// wins.
func (pw *projectWatcher) schedule(rel, eventType string) {
	pw.mu.Lock()
	defer pw.mu.Unlock()
	if pw.stopped {
		return
	}

	if pending, found := pw.pending[rel]; found {
		pending.timer.Stop()
		if eventType == ChangeDeleted {
			pending.eventType = ChangeDeleted
		} else if pending.eventType != ChangeCreated {
			pending.eventType = eventType
		}
		pending.timer = time.AfterFunc(pw.debounce, func() { pw.emit(rel) })
		return
	}

	pw.pending[rel] = &pendingChange{
		eventType: eventType,
		timer:     time.AfterFunc(pw.debounce, func() { pw.emit(rel) }),
	}
}

func (pw *projectWatcher) emit(rel string) {
	pw.mu.Lock()
	pending, found := pw.pending[rel]
	if !found || pw.stopped {
		pw.mu.Unlock()
		return
	}
	delete(pw.pending, rel)
	change := Change{EventType: pending.eventType, Filename: rel, Timestamp: time.Now()}
	for _, ch := range pw.subs {
		select {
		case ch <- change:
		default:
		}
	}
	pw.mu.Unlock()
}

func ignoredPath(rel string) bool {
	for _, segment := range strings.Split(filepath.ToSlash(rel), "/") {
		if ignoredEntry(segment) {
			return true
		}
	}
	return false
}

func ignoredEntry(name string) bool {
	if name == "node_modules" || name == "__pycache__" {
		return true
	}
	return strings.HasPrefix(name, ".")
}
