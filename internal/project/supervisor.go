// Package project runs user projects as supervised subprocesses: entry-point
// detection, port allocation, output capture and lifecycle events.
package project

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"milo/internal/logging"
)

// Status is a project's lifecycle state.
type Status string

const (
	StatusStopped  Status = "stopped"
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusError    Status = "error"
)

const logRingCapacity = 1000

var (
	// startupGrace promotes a quiet project to running when its output never
	// matched a port pattern.
	startupGrace = 8 * time.Second
	// stopGrace is how long SIGTERM gets before SIGKILL.
	stopGrace = 5 * time.Second
)

// Port patterns checked against every output line until one matches. The
// port is always capture group 1.
var portPatterns = []*regexp.Regexp{
	regexp.MustCompile(`https?://(?:localhost|127\.0\.0\.1|0\.0\.0\.0):(\d+)`),
	regexp.MustCompile(`(?i)(?:listening|running|started|ready)[^0-9]*(\d{2,5})`),
	regexp.MustCompile(`(?i)port\s+(\d+)`),
	regexp.MustCompile(`Local:.*:(\d+)`),
}

// Info is a read-only snapshot of one supervised project.
type Info struct {
	ProjectPath string    `json:"projectPath"`
	Status      Status    `json:"status"`
	Port        int       `json:"port,omitempty"`
	Label       string    `json:"label,omitempty"`
	StartedAt   time.Time `json:"startedAt,omitempty"`
}

// runningProject is the supervisor's private record of one child. The
// supervisor mutex guards every field; the child handle never leaves this
// package.
type runningProject struct {
	path      string
	label     string
	cmd       *exec.Cmd
	static    *StaticServer
	port      int
	status    Status
	logs      *logRing
	portFound bool
	fallback  *time.Timer
	waitDone  chan struct{}
	startedAt time.Time
}

// Supervisor owns the table of supervised projects, keyed by project
// directory.
type Supervisor struct {
	mu     sync.Mutex
	table  map[string]*runningProject
	ports  *PortAllocator
	events *Hub
	logger logging.Logger

	// detect is swapped out in tests.
	detect func(projectDir string, port int) (*LaunchPlan, error)
}

func NewSupervisor(events *Hub, logger logging.Logger) *Supervisor {
	if events == nil {
		events = NewHub()
	}
	return &Supervisor{
		table:  make(map[string]*runningProject),
		ports:  NewPortAllocator(),
		events: events,
		logger: logging.OrNop(logger),
		detect: DetectCommand,
	}
}

// Events exposes the fan-out hub for transport subscribers.
func (s *Supervisor) Events() *Hub {
	return s.events
}

// RestorePorts advances the allocator past ports recorded before a restart.
func (s *Supervisor) RestorePorts(existing []int) {
	s.ports.Restore(existing)
}

// Start brings a project up. It refuses when the project is already starting
// or running; any detection, bind or spawn failure marks the project errored
// and is returned to the caller.
func (s *Supervisor) Start(projectPath string) (int, error) {
	key := filepath.Clean(projectPath)

	s.mu.Lock()
	if existing, found := s.table[key]; found {
		if existing.status == StatusStarting || existing.status == StatusRunning {
			s.mu.Unlock()
			return 0, fmt.Errorf("project %s is already %s", key, existing.status)
		}
	}

	port := s.ports.Next()
	rp := &runningProject{
		path:      key,
		port:      port,
		status:    StatusStarting,
		logs:      newLogRing(logRingCapacity),
		waitDone:  make(chan struct{}),
		startedAt: time.Now(),
	}
	s.table[key] = rp
	s.mu.Unlock()

	s.events.Publish(Event{Type: EventStatus, ProjectPath: key, Status: StatusStarting})

	plan, err := s.detect(key, port)
	if err != nil {
		s.failStart(rp, err)
		return 0, err
	}

	s.mu.Lock()
	rp.label = plan.Label
	s.mu.Unlock()

	if plan.StaticRoot != "" {
		return port, s.startStatic(rp, plan)
	}
	return port, s.spawn(rp, plan)
}

func (s *Supervisor) startStatic(rp *runningProject, plan *LaunchPlan) error {
	server := NewStaticServer(plan.StaticRoot, rp.port)
	if err := server.Start(); err != nil {
		s.failStart(rp, err)
		return err
	}

	s.mu.Lock()
	rp.static = server
	s.mu.Unlock()

	s.setStatus(rp, StatusRunning)
	s.logger.Info("static server for %s on port %d (root %s)", rp.path, rp.port, plan.StaticRoot)
	return nil
}

func (s *Supervisor) spawn(rp *runningProject, plan *LaunchPlan) error {
	cmd := exec.Command(plan.Args[0], plan.Args[1:]...)
	cmd.Dir = rp.path
	cmd.Env = append(os.Environ(),
		"PORT="+strconv.Itoa(rp.port),
		"FORCE_COLOR=0",
	)
	// Own process group so Stop can signal the whole tree, not just npm.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		s.failStart(rp, err)
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		s.failStart(rp, err)
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		s.failStart(rp, err)
		return fmt.Errorf("start %s: %w", plan.Label, err)
	}

	s.mu.Lock()
	rp.cmd = cmd
	rp.fallback = time.AfterFunc(startupGrace, func() { s.promoteQuietStart(rp) })
	s.mu.Unlock()

	s.logger.Info("started %s for %s (pid %d, port %d)", plan.Label, rp.path, cmd.Process.Pid, rp.port)

	var collectors sync.WaitGroup
	collectors.Add(2)
	go s.collect(rp, stdout, &collectors)
	go s.collect(rp, stderr, &collectors)

	go func() {
		collectors.Wait()
		err := cmd.Wait()

		s.mu.Lock()
		if rp.fallback != nil {
			rp.fallback.Stop()
		}
		exited := rp.status != StatusError
		s.mu.Unlock()

		if exited {
			s.setStatus(rp, StatusStopped)
		}
		if err != nil {
			s.logger.Info("project %s exited: %v", rp.path, err)
		} else {
			s.logger.Info("project %s exited cleanly", rp.path)
		}
		close(rp.waitDone)
	}()

	return nil
}

// collect drains one output pipe into the ring, publishes log events and
// watches for a port announcement.
func (s *Supervisor) collect(rp *runningProject, pipe io.Reader, wg *sync.WaitGroup) {
	defer wg.Done()

	scanner := bufio.NewScanner(pipe)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		line := scanner.Text()
		rp.logs.Add(line)
		s.events.Publish(Event{Type: EventLog, ProjectPath: rp.path, Line: line})
		s.inspectLine(rp, line)
	}
}

// inspectLine applies the port patterns until the first match, which
// promotes the project to running and corrects the recorded port when the
// process picked a different one.
func (s *Supervisor) inspectLine(rp *runningProject, line string) {
	s.mu.Lock()
	if rp.portFound {
		s.mu.Unlock()
		return
	}
	port, found := scanPort(line)
	if !found {
		s.mu.Unlock()
		return
	}
	rp.portFound = true
	if rp.fallback != nil {
		rp.fallback.Stop()
	}
	changed := port != rp.port
	if changed {
		rp.port = port
	}
	s.mu.Unlock()

	s.setStatus(rp, StatusRunning)
	if changed {
		s.events.Publish(Event{Type: EventPortChanged, ProjectPath: rp.path, Port: port})
		s.logger.Info("project %s announced port %d", rp.path, port)
	}
}

func scanPort(line string) (int, bool) {
	for _, pattern := range portPatterns {
		loc := pattern.FindStringSubmatchIndex(line)
		if loc == nil {
			continue
		}
		digits := line[loc[2]:loc[3]]
		if isDuration(line[loc[3]:]) {
			continue
		}
		port, err := strconv.Atoi(digits)
		if err != nil || port <= 0 || port > 65535 {
			continue
		}
		return port, true
	}
	return 0, false
}

// isDuration reports whether the text after a matched number marks it as a
// timing, the way startup banners print "ready in 294 ms".
func isDuration(rest string) bool {
	rest = strings.TrimLeft(rest, " ")
	return strings.HasPrefix(rest, "ms") || rest == "s" || strings.HasPrefix(rest, "s ")
}

// promoteQuietStart assumes a process that survived the grace window without
// announcing a port is serving on the one we assigned.
func (s *Supervisor) promoteQuietStart(rp *runningProject) {
	s.mu.Lock()
	starting := rp.status == StatusStarting
	s.mu.Unlock()
	if starting {
		s.setStatus(rp, StatusRunning)
	}
}

func (s *Supervisor) failStart(rp *runningProject, err error) {
	rp.logs.Add(err.Error())
	s.events.Publish(Event{Type: EventLog, ProjectPath: rp.path, Line: err.Error()})
	s.setStatus(rp, StatusError)
	s.logger.Warn("project %s failed to start: %v", rp.path, err)
	close(rp.waitDone)
}

// setStatus records a transition and publishes it; repeated states are
// silent.
func (s *Supervisor) setStatus(rp *runningProject, status Status) {
	s.mu.Lock()
	if rp.status == status {
		s.mu.Unlock()
		return
	}
	rp.status = status
	s.mu.Unlock()

	s.events.Publish(Event{Type: EventStatus, ProjectPath: rp.path, Status: status})
}

// Stop terminates a project. Children get SIGTERM and then SIGKILL after the
// grace window; the call returns once the process has been reaped.
func (s *Supervisor) Stop(projectPath string) error {
	key := filepath.Clean(projectPath)

	s.mu.Lock()
	rp, found := s.table[key]
	if !found {
		s.mu.Unlock()
		return fmt.Errorf("project %s is not supervised", key)
	}
	status := rp.status
	static := rp.static
	cmd := rp.cmd
	s.mu.Unlock()

	if status == StatusStopped || status == StatusError {
		return nil
	}

	if static != nil {
		_ = static.Close()
		s.setStatus(rp, StatusStopped)
		return nil
	}
	if cmd == nil || cmd.Process == nil {
		s.setStatus(rp, StatusStopped)
		return nil
	}

	pgid := -cmd.Process.Pid
	_ = syscall.Kill(pgid, syscall.SIGTERM)

	select {
	case <-rp.waitDone:
	case <-time.After(stopGrace):
		s.logger.Warn("project %s ignored SIGTERM, killing", key)
		_ = syscall.Kill(pgid, syscall.SIGKILL)
		<-rp.waitDone
	}
	return nil
}

// StopAll brings every live project down, typically at shutdown.
func (s *Supervisor) StopAll() {
	s.mu.Lock()
	paths := make([]string, 0, len(s.table))
	for path, rp := range s.table {
		if rp.status == StatusStarting || rp.status == StatusRunning {
			paths = append(paths, path)
		}
	}
	s.mu.Unlock()

	for _, path := range paths {
		if err := s.Stop(path); err != nil {
			s.logger.Warn("stop %s: %v", path, err)
		}
	}
}

// TailLogs returns the last n captured output lines for the project.
func (s *Supervisor) TailLogs(projectPath string, n int) []string {
	s.mu.Lock()
	rp, found := s.table[filepath.Clean(projectPath)]
	s.mu.Unlock()
	if !found {
		return nil
	}
	return rp.logs.Tail(n)
}

// RunningPort returns the detected port when the project is running.
func (s *Supervisor) RunningPort(projectPath string) (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp, found := s.table[filepath.Clean(projectPath)]
	if !found || rp.status != StatusRunning {
		return 0, false
	}
	return rp.port, true
}

// StatusOf reports the project's lifecycle state; unknown projects are
// stopped.
func (s *Supervisor) StatusOf(projectPath string) Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	rp, found := s.table[filepath.Clean(projectPath)]
	if !found {
		return StatusStopped
	}
	return rp.status
}

// Snapshot lists every supervised project, sorted by path.
func (s *Supervisor) Snapshot() []Info {
	s.mu.Lock()
	infos := make([]Info, 0, len(s.table))
	for _, rp := range s.table {
		infos = append(infos, Info{
			ProjectPath: rp.path,
			Status:      rp.status,
			Port:        rp.port,
			Label:       rp.label,
			StartedAt:   rp.startedAt,
		})
	}
	s.mu.Unlock()

	sort.Slice(infos, func(i, j int) bool { return infos[i].ProjectPath < infos[j].ProjectPath })
	return infos
}
