package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milo/internal/agent"
	"milo/internal/agent/ports"
	"milo/internal/project"
	"milo/internal/store"
	"milo/internal/watch"
)

type h = map[string]any

// scriptedRunner replays a fixed chunk sequence instead of running a model.
type scriptedRunner struct {
	chunks []ports.StreamChunk
	err    error
	gotReq agent.TurnRequest
}

func (r *scriptedRunner) Run(_ context.Context, req agent.TurnRequest) (<-chan ports.StreamChunk, error) {
	r.gotReq = req
	if r.err != nil {
		return nil, r.err
	}
	ch := make(chan ports.StreamChunk, len(r.chunks))
	for _, chunk := range r.chunks {
		ch <- chunk
	}
	close(ch)
	return ch, nil
}

func newTestServer(t *testing.T, mutate ...func(*Deps)) (*Server, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "test.sqlite"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })

	deps := Deps{
		Engine: &scriptedRunner{chunks: []ports.StreamChunk{ports.DoneChunk()}},
		Store:  st,
		Apps:   st,
		Auth:   NewStaticTokenAuth(""),
	}
	for _, fn := range mutate {
		fn(&deps)
	}

	srv, err := New(Config{
		Host:        "127.0.0.1",
		Port:        0,
		ProjectsDir: t.TempDir(),
		Version:     "test",
	}, deps)
	require.NoError(t, err)
	return srv, st
}

func doJSON(t *testing.T, srv *Server, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(raw)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestServer_HealthSkipsAuth(t *testing.T) {
	srv, _ := newTestServer(t, func(d *Deps) { d.Auth = NewStaticTokenAuth("secret") })

	rec := doJSON(t, srv, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"status":"ok"`)
}

func TestServer_AuthRequired(t *testing.T) {
	srv, _ := newTestServer(t, func(d *Deps) { d.Auth = NewStaticTokenAuth("secret") })

	rec := doJSON(t, srv, http.MethodGet, "/api/conversations", nil)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/conversations", nil, "Authorization", "Bearer wrong")
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/conversations", nil, "Authorization", "Bearer secret")
	assert.Equal(t, http.StatusOK, rec.Code)

	// WebSocket clients pass the token as a query parameter instead.
	rec = doJSON(t, srv, http.MethodGet, "/api/conversations?token=secret", nil)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestServer_ConversationLifecycle(t *testing.T) {
	srv, _ := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPost, "/api/conversations", h{
		"title":       "My app",
		"mode":        "plan",
		"projectName": "my-app",
	})
	require.Equal(t, http.StatusCreated, rec.Code)

	var conv ports.Conversation
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &conv))
	assert.Equal(t, "My app", conv.Title)
	assert.Equal(t, ports.ModePlan, conv.Mode)
	assert.DirExists(t, conv.ProjectPath)
	assert.Equal(t, filepath.Join(srv.cfg.ProjectsDir, "my-app"), conv.ProjectPath)

	// Same project again conflicts.
	rec = doJSON(t, srv, http.MethodPost, "/api/conversations", h{"projectName": "my-app"})
	assert.Equal(t, http.StatusConflict, rec.Code)

	// Traversal in the project name is rejected.
	rec = doJSON(t, srv, http.MethodPost, "/api/conversations", h{"projectName": "../evil"})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/conversations", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), conv.ID)

	rec = doJSON(t, srv, http.MethodPut, "/api/conversations/"+conv.ID, h{"title": "Renamed", "mode": "build"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "Renamed")

	rec = doJSON(t, srv, http.MethodGet, "/api/conversations/"+conv.ID+"/messages", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"messages":[]}`, rec.Body.String())

	rec = doJSON(t, srv, http.MethodDelete, "/api/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/conversations/"+conv.ID, nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestServer_SendMessageStreamsChunks(t *testing.T) {
	runner := &scriptedRunner{chunks: []ports.StreamChunk{
		ports.IterationChunk(1, 25, "thinking"),
		ports.ToolStartChunk(ports.ToolCall{ID: "call_1", Name: "read_file", Arguments: map[string]any{"path": "main.go"}}, "read_file main.go"),
		ports.ToolEndChunk(ports.ToolCall{ID: "call_1", Name: "read_file"}, "package main", true),
		ports.ContentChunk("All done."),
		ports.DoneChunk(),
	}}
	srv, st := newTestServer(t, func(d *Deps) { d.Engine = runner })

	conv := &ports.Conversation{UserID: DefaultUserID}
	require.NoError(t, st.CreateConversation(context.Background(), conv))

	rec := doJSON(t, srv, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", h{"message": "hi"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))
	assert.Equal(t, "hi", runner.gotReq.Message)
	assert.Equal(t, conv.ID, runner.gotReq.ConversationID)

	var types []string
	scanner := bufio.NewScanner(rec.Body)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var chunk ports.StreamChunk
		require.NoError(t, json.Unmarshal([]byte(line[len("data: "):]), &chunk))
		types = append(types, string(chunk.Type))
	}
	assert.Equal(t, []string{"iteration_status", "tool_call", "tool_call", "content", "done"}, types)
}

func TestServer_SendMessageValidation(t *testing.T) {
	runner := &scriptedRunner{err: fmt.Errorf("model endpoint is not configured")}
	srv, st := newTestServer(t, func(d *Deps) { d.Engine = runner })

	conv := &ports.Conversation{UserID: DefaultUserID}
	require.NoError(t, st.CreateConversation(context.Background(), conv))

	rec := doJSON(t, srv, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", h{"message": "  "})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/conversations/missing/messages", h{"message": "hi"})
	assert.Equal(t, http.StatusNotFound, rec.Code)

	rec = doJSON(t, srv, http.MethodPost, "/api/conversations/"+conv.ID+"/messages", h{"message": "hi"})
	assert.Equal(t, http.StatusUnprocessableEntity, rec.Code)
}

func TestServer_SettingsMasked(t *testing.T) {
	srv, st := newTestServer(t)

	rec := doJSON(t, srv, http.MethodPut, "/api/settings", h{
		"endpointUrl": "http://localhost:11434/v1",
		"apiKey":      "sk-secret",
		"modelName":   "qwen2.5-coder",
		"mode":        "build",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), redactedKey)
	assert.NotContains(t, rec.Body.String(), "sk-secret")

	rec = doJSON(t, srv, http.MethodGet, "/api/settings", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "sk-secret")

	// Round-tripping the masked key keeps the stored secret.
	rec = doJSON(t, srv, http.MethodPut, "/api/settings", h{
		"endpointUrl": "http://localhost:11434/v1",
		"apiKey":      redactedKey,
		"modelName":   "qwen3",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	stored, err := st.GetSettings(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "sk-secret", stored.APIKey)
	assert.Equal(t, "qwen3", stored.ModelName)
}

func TestServer_ChangeLogEndpoint(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	conv := &ports.Conversation{UserID: DefaultUserID}
	require.NoError(t, st.CreateConversation(ctx, conv))
	require.NoError(t, st.AppendChangeLog(ctx, &ports.ChangeLogEntry{
		ConversationID: conv.ID,
		Paths:          []string{"src/app.js"},
		Summary:        "added app shell",
	}))

	rec := doJSON(t, srv, http.MethodGet, "/api/conversations/"+conv.ID+"/changes", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "src/app.js")
	assert.Contains(t, rec.Body.String(), "added app shell")
}

func TestServer_PublishedApps(t *testing.T) {
	srv, st := newTestServer(t)
	ctx := context.Background()

	conv := &ports.Conversation{UserID: DefaultUserID, ProjectPath: t.TempDir()}
	require.NoError(t, st.CreateConversation(ctx, conv))

	rec := doJSON(t, srv, http.MethodPost, "/api/apps", h{"name": "todo", "conversationId": conv.ID})
	require.Equal(t, http.StatusCreated, rec.Code)
	var app ports.PublishedApp
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &app))
	assert.Equal(t, conv.ProjectPath, app.ProjectPath)

	rec = doJSON(t, srv, http.MethodPost, "/api/apps", h{"name": "todo", "conversationId": conv.ID})
	assert.Equal(t, http.StatusConflict, rec.Code)

	rec = doJSON(t, srv, http.MethodGet, "/api/apps", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `"todo"`)

	rec = doJSON(t, srv, http.MethodDelete, "/api/apps/"+app.ID, nil)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestServer_WebSocketSupervisorEvents(t *testing.T) {
	hub := project.NewHub()
	sup := project.NewSupervisor(hub, nil)
	srv, st := newTestServer(t, func(d *Deps) { d.Supervisor = sup })

	projectDir := t.TempDir()
	conv := &ports.Conversation{UserID: DefaultUserID, ProjectPath: projectDir}
	require.NoError(t, st.CreateConversation(context.Background(), conv))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/conversations/" + conv.ID + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	// Publish until the subscription (registered after the upgrade) sees one.
	stop := make(chan struct{})
	defer close(stop)
	go func() {
		ticker := time.NewTicker(50 * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				hub.Publish(project.Event{
					Type:        project.EventStatus,
					ProjectPath: projectDir,
					Status:      project.StatusRunning,
					Port:        3100,
				})
			}
		}
	}()

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	var evt projectEvent
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, "status", evt.Type)
	assert.Equal(t, string(project.StatusRunning), evt.Status)
	assert.Equal(t, 3100, evt.Port)
}

func TestServer_WebSocketFileChanges(t *testing.T) {
	watchHub := watch.NewHub(nil)
	defer watchHub.Close()
	srv, st := newTestServer(t, func(d *Deps) { d.Watch = watchHub })

	projectDir := t.TempDir()
	conv := &ports.Conversation{UserID: DefaultUserID, ProjectPath: projectDir}
	require.NoError(t, st.CreateConversation(context.Background(), conv))

	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	wsURL := "ws" + strings.TrimPrefix(ts.URL, "http") + "/api/conversations/" + conv.ID + "/events"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer conn.Close()
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}

	// Give the handler a moment to register the watch subscription, then
	// touch a file and wait for the debounced event.
	time.Sleep(200 * time.Millisecond)
	require.NoError(t, os.WriteFile(filepath.Join(projectDir, "index.js"), []byte("console.log(1)\n"), 0o644))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var evt projectEvent
	require.NoError(t, conn.ReadJSON(&evt))
	assert.Equal(t, "file_change", evt.Type)
	assert.Equal(t, "index.js", evt.Filename)
}

