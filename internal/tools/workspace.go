// Package tools hosts the tool catalogue's shared infrastructure: the
// registry, the path sandbox, argument validation, the command block-list
// and the dispatch wrapper the agent loops call.
package tools

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"

	errs "milo/internal/errors"
)

// Workspace resolves tool path arguments against the project directory.
// When sandboxed, any path resolving outside the directory is refused.
type Workspace struct {
	root      string
	sandboxed bool
}

// NewWorkspace returns a workspace rooted at dir. An empty dir disables
// sandboxing and resolves paths against the process working directory.
func NewWorkspace(dir string, sandboxed bool) (*Workspace, error) {
	if dir == "" {
		return &Workspace{sandboxed: false}, nil
	}
	abs, err := filepath.Abs(dir)
	if err != nil {
		return nil, fmt.Errorf("resolve workspace root: %w", err)
	}
	return &Workspace{root: filepath.Clean(abs), sandboxed: sandboxed}, nil
}

// Root returns the canonical project directory, empty when unrooted.
func (w *Workspace) Root() string { return w.root }

// Sandboxed reports whether out-of-project paths are refused.
func (w *Workspace) Sandboxed() bool { return w.sandboxed }

// Resolve turns a tool-supplied path into an absolute one. Relative paths
// join the project root. Under sandboxing the resolved path must stay inside
// the root.
func (w *Workspace) Resolve(path string) (string, error) {
	if path == "" {
		path = "."
	}
	candidate := path
	if !filepath.IsAbs(candidate) {
		candidate = filepath.Join(w.root, candidate)
	}
	abs, err := filepath.Abs(candidate)
	if err != nil {
		return "", fmt.Errorf("resolve %q: %w", path, err)
	}
	abs = filepath.Clean(abs)

	if w.sandboxed && w.root != "" {
		rel, err := filepath.Rel(w.root, abs)
		if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return "", fmt.Errorf("path %q is outside the project directory: %w", path, errs.ErrPathEscape)
		}
	}
	return abs, nil
}

// Rel converts an absolute path back to project-relative form for display.
func (w *Workspace) Rel(abs string) string {
	if w.root == "" {
		return abs
	}
	rel, err := filepath.Rel(w.root, abs)
	if err != nil {
		return abs
	}
	return rel
}

type outputCallbackKey struct{}

// OutputCallback receives incremental command output for UI tailing.
type OutputCallback func(chunk string)

// WithOutputCallback attaches a command-output sink to the context so
// execution tools can stream while they run.
func WithOutputCallback(ctx context.Context, cb OutputCallback) context.Context {
	if cb == nil {
		return ctx
	}
	return context.WithValue(ctx, outputCallbackKey{}, cb)
}

// OutputCallbackFrom returns the attached sink, or a no-op.
func OutputCallbackFrom(ctx context.Context) OutputCallback {
	if cb, ok := ctx.Value(outputCallbackKey{}).(OutputCallback); ok && cb != nil {
		return cb
	}
	return func(string) {}
}
