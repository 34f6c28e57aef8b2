// Package tasks persists the per-project task list the agent works through
// during a build. The list lives as a JSON array inside the project so the
// UI and later turns see the same progress.
package tasks

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"sync"

	"github.com/google/uuid"

	"milo/internal/agent/ports"
)

// FileName is the task list file inside a project directory.
const FileName = ".agent-tasks.json"

// Status is a task's lifecycle state.
type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
)

// Task is one unit of planned work.
type Task struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status Status `json:"status"`
}

// Store reads and writes a project's task list. At most one task is
// in_progress at any time; completing a task promotes the next pending one.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore returns a store for the project's task list file.
func NewStore(projectDir string) *Store {
	return &Store{path: filepath.Join(projectDir, FileName)}
}

// Path returns the backing file location.
func (s *Store) Path() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.path
}

// Exists reports whether a task list has been materialized for the project.
func (s *Store) Exists() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := os.Stat(s.path)
	return err == nil
}

// Load returns the current task list. A missing file is an empty list.
func (s *Store) Load() ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.load()
}

// Replace materializes a fresh task list from plan step titles. The first
// task starts in_progress so the loop has an active target immediately.
func (s *Store) Replace(titles []string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks := make([]Task, 0, len(titles))
	for i, title := range titles {
		status := StatusPending
		if i == 0 {
			status = StatusInProgress
		}
		tasks = append(tasks, Task{ID: uuid.NewString(), Title: title, Status: status})
	}
	if err := s.save(tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Add appends pending tasks to the existing list.
func (s *Store) Add(titles []string) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	for _, title := range titles {
		tasks = append(tasks, Task{ID: uuid.NewString(), Title: title, Status: StatusPending})
	}
	tasks = normalize(tasks)
	if err := s.save(tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// Update sets a task's status. The ref may be a task id or a 1-based list
// position. Completing a task promotes the next pending task when nothing
// else is in flight; starting a task demotes any other in-flight task.
func (s *Store) Update(ref string, status Status) ([]Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	idx := findTask(tasks, ref)
	if idx < 0 {
		return nil, fmt.Errorf("no task matching %q", ref)
	}

	if status == StatusInProgress {
		for i := range tasks {
			if i != idx && tasks[i].Status == StatusInProgress {
				tasks[i].Status = StatusPending
			}
		}
	}
	tasks[idx].Status = status

	if status == StatusCompleted {
		advanceNextPending(tasks)
	}
	tasks = normalize(tasks)
	if err := s.save(tasks); err != nil {
		return nil, err
	}
	return tasks, nil
}

// NextPending returns the first task that is in_progress, or failing that
// the first pending one. Nil when everything is done.
func (s *Store) NextPending() (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return nil, err
	}
	for i := range tasks {
		if tasks[i].Status == StatusInProgress {
			t := tasks[i]
			return &t, nil
		}
	}
	for i := range tasks {
		if tasks[i].Status == StatusPending {
			t := tasks[i]
			return &t, nil
		}
	}
	return nil, nil
}

// HasUnfinished reports whether any task is still pending or in flight.
func (s *Store) HasUnfinished() (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tasks, err := s.load()
	if err != nil {
		return false, err
	}
	for _, t := range tasks {
		if t.Status != StatusCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (s *Store) load() ([]Task, error) {
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read task list: %w", err)
	}
	var tasks []Task
	if err := json.Unmarshal(data, &tasks); err != nil {
		return nil, fmt.Errorf("decode task list %s: %w", s.path, err)
	}
	return normalize(tasks), nil
}

func (s *Store) save(tasks []Task) error {
	data, err := json.MarshalIndent(tasks, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(s.path, data, 0644)
}

// normalize repairs the single in-flight invariant, keeping the first
// in_progress task by list order and demoting the rest.
func normalize(tasks []Task) []Task {
	seen := false
	for i := range tasks {
		switch tasks[i].Status {
		case StatusInProgress:
			if seen {
				tasks[i].Status = StatusPending
			}
			seen = true
		case StatusPending, StatusCompleted:
		default:
			tasks[i].Status = StatusPending
		}
	}
	return tasks
}

func advanceNextPending(tasks []Task) {
	for _, t := range tasks {
		if t.Status == StatusInProgress {
			return
		}
	}
	for i := range tasks {
		if tasks[i].Status == StatusPending {
			tasks[i].Status = StatusInProgress
			return
		}
	}
}

// findTask resolves a task reference: id match first, then exact title,
// then a 1-based position.
func findTask(tasks []Task, ref string) int {
	for i := range tasks {
		if tasks[i].ID == ref {
			return i
		}
	}
	for i := range tasks {
		if tasks[i].Title == ref {
			return i
		}
	}
	if n, err := strconv.Atoi(ref); err == nil && n >= 1 && n <= len(tasks) {
		return n - 1
	}
	return -1
}

// Items converts tasks to the wire shape used by tasks chunks.
func Items(tasks []Task) []ports.TaskItem {
	items := make([]ports.TaskItem, 0, len(tasks))
	for _, t := range tasks {
		items = append(items, ports.TaskItem{ID: t.ID, Title: t.Title, Status: string(t.Status)})
	}
	return items
}
