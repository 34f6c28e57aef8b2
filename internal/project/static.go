package project

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// StaticServer serves a directory of plain files for projects that have an
// index.html and nothing to execute.
type StaticServer struct {
	root string
	srv  *http.Server
	ln   net.Listener
}

func NewStaticServer(root string, port int) *StaticServer {
	s := &StaticServer{root: root}
	s.srv = &http.Server{
		Addr:              fmt.Sprintf("127.0.0.1:%d", port),
		Handler:           http.HandlerFunc(s.serve),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

// Start binds the listener and serves in the background. A bind failure is
// returned synchronously so the caller can mark the project errored.
func (s *StaticServer) Start() error {
	ln, err := net.Listen("tcp", s.srv.Addr)
	if err != nil {
		return fmt.Errorf("bind %s: %w", s.srv.Addr, err)
	}
	s.ln = ln
	go func() { _ = s.srv.Serve(ln) }()
	return nil
}

func (s *StaticServer) Close() error {
	return s.srv.Close()
}

// Addr returns the bound address. Empty before Start.
func (s *StaticServer) Addr() string {
	if s.ln == nil {
		return ""
	}
	return s.ln.Addr().String()
}

func (s *StaticServer) serve(w http.ResponseWriter, r *http.Request) {
	rel := strings.TrimPrefix(filepath.Clean("/"+r.URL.Path), "/")
	if rel == "" {
		rel = "index.html"
	}

	for _, segment := range strings.Split(filepath.ToSlash(rel), "/") {
		if strings.HasPrefix(segment, ".") {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
	}

	target := filepath.Join(s.root, rel)
	info, err := os.Stat(target)
	if err == nil && info.IsDir() {
		target = filepath.Join(target, "index.html")
		info, err = os.Stat(target)
	}
	if err != nil || !info.Mode().IsRegular() {
		http.NotFound(w, r)
		return
	}

	// A symlink inside the root must not lead outside it.
	resolved, err := filepath.EvalSymlinks(target)
	if err != nil {
		http.NotFound(w, r)
		return
	}
	rootResolved, err := filepath.EvalSymlinks(s.root)
	if err != nil {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}
	if escaped, err := filepath.Rel(rootResolved, resolved); err != nil ||
		escaped == ".." || strings.HasPrefix(escaped, ".."+string(filepath.Separator)) {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	http.ServeFile(w, r, target)
}
