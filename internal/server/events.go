package server

import (
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"milo/internal/project"
	"milo/internal/watch"
)

const (
	wsWriteWait  = 10 * time.Second
	wsPingPeriod = 30 * time.Second
)

// projectEvent is the WebSocket wire format: supervisor events keep their
// type (log, status, port_changed); file events are type file_change.
type projectEvent struct {
	Type        string    `json:"type"`
	ProjectPath string    `json:"projectPath,omitempty"`
	Line        string    `json:"line,omitempty"`
	Status      string    `json:"status,omitempty"`
	Port        int       `json:"port,omitempty"`
	Filename    string    `json:"filename,omitempty"`
	EventType   string    `json:"eventType,omitempty"`
	Timestamp   time.Time `json:"timestamp"`
}

func fromSupervisor(evt project.Event) projectEvent {
	return projectEvent{
		Type:        string(evt.Type),
		ProjectPath: evt.ProjectPath,
		Line:        evt.Line,
		Status:      string(evt.Status),
		Port:        evt.Port,
		Timestamp:   evt.Timestamp,
	}
}

func fromWatch(change watch.Change) projectEvent {
	return projectEvent{
		Type:      "file_change",
		Filename:  change.Filename,
		EventType: change.EventType,
		Timestamp: change.Timestamp,
	}
}

// handleEvents upgrades to WebSocket and forwards the conversation project's
// supervisor events and debounced file changes until the client disconnects.
func (s *Server) handleEvents(c *gin.Context) {
	path, ok := s.projectOf(c)
	if !ok {
		return
	}

	conn, err := s.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		s.logger.Warn("WebSocket upgrade failed: %v", err)
		return
	}
	defer conn.Close()

	var supEvents <-chan project.Event
	if s.deps.Supervisor != nil {
		id, ch := s.deps.Supervisor.Events().Subscribe()
		defer s.deps.Supervisor.Events().Unsubscribe(id)
		supEvents = ch
	}

	var fileEvents <-chan watch.Change
	if s.deps.Watch != nil {
		sub, err := s.deps.Watch.Subscribe(path)
		if err != nil {
			s.logger.Warn("File watch unavailable for %s: %v", path, err)
		} else {
			defer sub.Close()
			fileEvents = sub.Events()
		}
	}

	// Read pump: the client sends nothing meaningful, but reading surfaces
	// close frames and pong responses.
	done := make(chan struct{})
	go func() {
		defer close(done)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(wsPingPeriod)
	defer ticker.Stop()

	write := func(evt projectEvent) bool {
		conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
		if err := conn.WriteJSON(evt); err != nil {
			s.logger.Debug("WebSocket write failed: %v", err)
			return false
		}
		return true
	}

	for {
		select {
		case evt, open := <-supEvents:
			if !open {
				return
			}
			if evt.ProjectPath != path {
				continue
			}
			if !write(fromSupervisor(evt)) {
				return
			}
		case change, open := <-fileEvents:
			if !open {
				return
			}
			if !write(fromWatch(change)) {
				return
			}
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-done:
			return
		case <-c.Request.Context().Done():
			return
		}
	}
}
