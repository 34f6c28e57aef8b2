package server

import (
	"errors"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"milo/internal/agent/ports"
	errs "milo/internal/errors"
)

const redactedKey = "[REDACTED]"

func (s *Server) handleHealth(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.cfg.Version,
		"uptime":  s.started.UTC().Format("2006-01-02T15:04:05Z07:00"),
	})
}

func (s *Server) handleListModels(c *gin.Context) {
	if s.deps.Prober == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "model endpoint is not configured"})
		return
	}
	models, err := s.deps.Prober.Probe(c.Request.Context())
	if err != nil {
		c.JSON(http.StatusBadGateway, gin.H{"error": errs.FormatForLLM(err)})
		return
	}
	c.JSON(http.StatusOK, gin.H{"models": models})
}

type createConversationRequest struct {
	Title       string `json:"title"`
	Mode        string `json:"mode"`
	ProjectName string `json:"projectName"`
	ProjectPath string `json:"projectPath"`
}

func (s *Server) handleCreateConversation(c *gin.Context) {
	var req createConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}

	mode := strings.ToLower(strings.TrimSpace(req.Mode))
	if mode == "" {
		mode = ports.ModeBuild
	}
	if mode != ports.ModePlan && mode != ports.ModeBuild {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be plan or build"})
		return
	}

	projectPath := strings.TrimSpace(req.ProjectPath)
	if projectPath == "" && req.ProjectName != "" {
		path, err := s.createProjectDir(req.ProjectName)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		projectPath = path
	}

	conv := &ports.Conversation{
		Title:       strings.TrimSpace(req.Title),
		Mode:        mode,
		ProjectPath: projectPath,
		UserID:      s.userID(c),
	}
	if err := s.deps.Store.CreateConversation(c.Request.Context(), conv); err != nil {
		if errors.Is(err, errs.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "a conversation for this project already exists"})
			return
		}
		s.logger.Error("Create conversation failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to create conversation"})
		return
	}
	c.JSON(http.StatusCreated, conv)
}

// createProjectDir makes a fresh project directory under ProjectsDir. Names
// must stay a single path element.
func (s *Server) createProjectDir(name string) (string, error) {
	name = strings.TrimSpace(name)
	if name == "" || name != filepath.Base(name) || strings.HasPrefix(name, ".") {
		return "", errors.New("invalid project name")
	}
	if s.cfg.ProjectsDir == "" {
		return "", errors.New("no projects directory is configured")
	}
	path := filepath.Join(s.cfg.ProjectsDir, name)
	if err := os.MkdirAll(path, 0o755); err != nil {
		return "", errors.New("failed to create project directory")
	}
	return path, nil
}

func (s *Server) handleListConversations(c *gin.Context) {
	convs, err := s.deps.Store.ListConversations(c.Request.Context(), s.userID(c))
	if err != nil {
		s.logger.Error("List conversations failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list conversations"})
		return
	}
	if convs == nil {
		convs = []*ports.Conversation{}
	}
	c.JSON(http.StatusOK, gin.H{"conversations": convs})
}

// loadOwned fetches the conversation and enforces ownership. Both a missing
// row and another user's row read as 404 so ids do not leak.
func (s *Server) loadOwned(c *gin.Context) *ports.Conversation {
	conv, err := s.deps.Store.GetConversation(c.Request.Context(), c.Param("id"))
	if err != nil {
		if errors.Is(err, errs.ErrNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		} else {
			s.logger.Error("Load conversation failed: %v", err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load conversation"})
		}
		return nil
	}
	if conv.UserID != s.userID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return nil
	}
	return conv
}

func (s *Server) handleGetConversation(c *gin.Context) {
	if conv := s.loadOwned(c); conv != nil {
		c.JSON(http.StatusOK, conv)
	}
}

type updateConversationRequest struct {
	Title *string `json:"title"`
	Mode  *string `json:"mode"`
}

func (s *Server) handleUpdateConversation(c *gin.Context) {
	conv := s.loadOwned(c)
	if conv == nil {
		return
	}
	var req updateConversationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if req.Title != nil {
		conv.Title = strings.TrimSpace(*req.Title)
	}
	if req.Mode != nil {
		mode := strings.ToLower(strings.TrimSpace(*req.Mode))
		if mode != ports.ModePlan && mode != ports.ModeBuild {
			c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be plan or build"})
			return
		}
		conv.Mode = mode
	}
	if err := s.deps.Store.UpdateConversation(c.Request.Context(), conv); err != nil {
		s.logger.Error("Update conversation failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to update conversation"})
		return
	}
	c.JSON(http.StatusOK, conv)
}

func (s *Server) handleDeleteConversation(c *gin.Context) {
	conv := s.loadOwned(c)
	if conv == nil {
		return
	}
	if err := s.deps.Store.DeleteConversation(c.Request.Context(), conv.ID); err != nil {
		s.logger.Error("Delete conversation failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to delete conversation"})
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleListMessages(c *gin.Context) {
	conv := s.loadOwned(c)
	if conv == nil {
		return
	}
	msgs, err := s.deps.Store.Messages(c.Request.Context(), conv.ID)
	if err != nil {
		s.logger.Error("List messages failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list messages"})
		return
	}
	if msgs == nil {
		msgs = []*ports.StoredMessage{}
	}
	c.JSON(http.StatusOK, gin.H{"messages": msgs})
}

func (s *Server) handleChangeLog(c *gin.Context) {
	conv := s.loadOwned(c)
	if conv == nil {
		return
	}
	entries, err := s.deps.Store.ChangeLog(c.Request.Context(), conv.ID)
	if err != nil {
		s.logger.Error("List change log failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list changes"})
		return
	}
	if entries == nil {
		entries = []*ports.ChangeLogEntry{}
	}
	c.JSON(http.StatusOK, gin.H{"changes": entries})
}

func (s *Server) handleGetSettings(c *gin.Context) {
	settings, err := s.deps.Store.GetSettings(c.Request.Context())
	if err != nil {
		s.logger.Error("Get settings failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to load settings"})
		return
	}
	c.JSON(http.StatusOK, maskSettings(settings))
}

func (s *Server) handleSaveSettings(c *gin.Context) {
	var incoming ports.Settings
	if err := c.ShouldBindJSON(&incoming); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request body"})
		return
	}
	if incoming.Mode != "" && incoming.Mode != ports.ModePlan && incoming.Mode != ports.ModeBuild {
		c.JSON(http.StatusBadRequest, gin.H{"error": "mode must be plan or build"})
		return
	}

	// A blank or redacted key means "keep the stored one"; the UI round-trips
	// the masked settings it was shown.
	if incoming.APIKey == "" || incoming.APIKey == redactedKey {
		if current, err := s.deps.Store.GetSettings(c.Request.Context()); err == nil {
			incoming.APIKey = current.APIKey
		}
	}

	if err := s.deps.Store.SaveSettings(c.Request.Context(), &incoming); err != nil {
		s.logger.Error("Save settings failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to save settings"})
		return
	}
	c.JSON(http.StatusOK, maskSettings(&incoming))
}

func maskSettings(settings *ports.Settings) *ports.Settings {
	masked := *settings
	if masked.APIKey != "" {
		masked.APIKey = redactedKey
	}
	return &masked
}

func (s *Server) requireSupervisor(c *gin.Context) bool {
	if s.deps.Supervisor == nil {
		c.JSON(http.StatusNotImplemented, gin.H{"error": "project supervision is not available"})
		return false
	}
	return true
}

// projectOf resolves the conversation's linked project path, or replies 400.
func (s *Server) projectOf(c *gin.Context) (string, bool) {
	conv := s.loadOwned(c)
	if conv == nil {
		return "", false
	}
	if conv.ProjectPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation has no linked project"})
		return "", false
	}
	return conv.ProjectPath, true
}

func (s *Server) handleProjectStart(c *gin.Context) {
	if !s.requireSupervisor(c) {
		return
	}
	path, ok := s.projectOf(c)
	if !ok {
		return
	}
	port, err := s.deps.Supervisor.Start(path)
	if err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"port": port, "status": s.deps.Supervisor.StatusOf(path)})
}

func (s *Server) handleProjectStop(c *gin.Context) {
	if !s.requireSupervisor(c) {
		return
	}
	path, ok := s.projectOf(c)
	if !ok {
		return
	}
	if err := s.deps.Supervisor.Stop(path); err != nil {
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": s.deps.Supervisor.StatusOf(path)})
}

func (s *Server) handleProjectLogs(c *gin.Context) {
	if !s.requireSupervisor(c) {
		return
	}
	path, ok := s.projectOf(c)
	if !ok {
		return
	}
	n := 100
	if raw := c.Query("n"); raw != "" {
		if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
			n = parsed
		}
	}
	logs := s.deps.Supervisor.TailLogs(path, n)
	if logs == nil {
		logs = []string{}
	}
	c.JSON(http.StatusOK, gin.H{"logs": logs})
}

func (s *Server) handleProjectStatus(c *gin.Context) {
	if !s.requireSupervisor(c) {
		return
	}
	path, ok := s.projectOf(c)
	if !ok {
		return
	}
	status := s.deps.Supervisor.StatusOf(path)
	resp := gin.H{"status": status}
	if port, running := s.deps.Supervisor.RunningPort(path); running {
		resp["port"] = port
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) handleProjectSnapshot(c *gin.Context) {
	if !s.requireSupervisor(c) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"projects": s.deps.Supervisor.Snapshot()})
}

type publishAppRequest struct {
	Name           string `json:"name"`
	ConversationID string `json:"conversationId"`
}

func (s *Server) handlePublishApp(c *gin.Context) {
	var req publishAppRequest
	if err := c.ShouldBindJSON(&req); err != nil || strings.TrimSpace(req.Name) == "" || req.ConversationID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "name and conversationId are required"})
		return
	}

	conv, err := s.deps.Store.GetConversation(c.Request.Context(), req.ConversationID)
	if err != nil || conv.UserID != s.userID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "conversation not found"})
		return
	}
	if conv.ProjectPath == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "conversation has no linked project"})
		return
	}

	app := &ports.PublishedApp{
		Name:        strings.TrimSpace(req.Name),
		ProjectPath: conv.ProjectPath,
		UserID:      s.userID(c),
	}
	if s.deps.Supervisor != nil {
		if port, running := s.deps.Supervisor.RunningPort(conv.ProjectPath); running {
			app.Port = port
		}
	}
	if err := s.deps.Apps.PublishApp(c.Request.Context(), app); err != nil {
		if errors.Is(err, errs.ErrConflict) {
			c.JSON(http.StatusConflict, gin.H{"error": "app name is already taken"})
			return
		}
		s.logger.Error("Publish app failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to publish app"})
		return
	}
	c.JSON(http.StatusCreated, app)
}

func (s *Server) handleListApps(c *gin.Context) {
	apps, err := s.deps.Apps.ListPublishedApps(c.Request.Context(), s.userID(c))
	if err != nil {
		s.logger.Error("List apps failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to list apps"})
		return
	}
	if apps == nil {
		apps = []*ports.PublishedApp{}
	}
	c.JSON(http.StatusOK, gin.H{"apps": apps})
}

func (s *Server) handleUnpublishApp(c *gin.Context) {
	app, err := s.deps.Apps.GetPublishedApp(c.Request.Context(), c.Param("id"))
	if err != nil || app.UserID != s.userID(c) {
		c.JSON(http.StatusNotFound, gin.H{"error": "app not found"})
		return
	}
	if err := s.deps.Apps.UnpublishApp(c.Request.Context(), app.ID); err != nil {
		s.logger.Error("Unpublish app failed: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "failed to unpublish app"})
		return
	}
	c.Status(http.StatusNoContent)
}
