// Package agent runs conversation turns: it drives the model loop, dispatches
// tool calls, and produces the typed chunk stream the transport forwards to
// clients. The engine is transport-agnostic; internal/server adapts it to SSE.
package agent

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"milo/internal/agent/ports"
	"milo/internal/checkpoint"
	"milo/internal/diff"
	"milo/internal/llm"
	"milo/internal/logging"
	"milo/internal/tasks"
	"milo/internal/tools"
	"milo/internal/tools/builtin"
)

// ProjectStarter starts a project's dev process and reports the port it came
// up on. The project supervisor implements it; the loop uses it for the
// one-shot auto-start after a file-mutating build turn.
type ProjectStarter interface {
	Start(projectPath string) (int, error)
}

// Observer receives turn lifecycle signals. The observability package
// provides the Prometheus-backed implementation.
type Observer interface {
	TurnStarted(mode string)
	TurnCompleted(mode string, iterations int, duration time.Duration)
	ModelRetry(class string)
}

type nopObserver struct{}

func (nopObserver) TurnStarted(string)                        {}
func (nopObserver) TurnCompleted(string, int, time.Duration)  {}
func (nopObserver) ModelRetry(string)                         {}

// Deps wires the engine's collaborators. Store is required; everything else
// degrades gracefully when absent.
type Deps struct {
	Store    ports.Persistence
	Runtime  builtin.ProjectRuntime
	Starter  ProjectStarter
	Remote   ports.RemoteFileClient
	HTTP     *http.Client
	Metrics  tools.Metrics
	Observer Observer
	Logger   logging.Logger
}

// Engine creates and runs turns. One engine serves all conversations; each
// turn gets its own tool stack rooted at the conversation's project.
type Engine struct {
	store    ports.Persistence
	runtime  builtin.ProjectRuntime
	starter  ProjectStarter
	remote   ports.RemoteFileClient
	http     *http.Client
	metrics  tools.Metrics
	observer Observer
	logger   logging.Logger
	digests  *digestCache

	mu          sync.Mutex
	autoStarted map[string]bool // conversation id → auto-start attempted
}

// NewEngine validates deps and returns a ready engine.
func NewEngine(deps Deps) (*Engine, error) {
	if deps.Store == nil {
		return nil, fmt.Errorf("agent: persistence store is required")
	}
	if deps.Observer == nil {
		deps.Observer = nopObserver{}
	}
	return &Engine{
		store:       deps.Store,
		runtime:     deps.Runtime,
		starter:     deps.Starter,
		remote:      deps.Remote,
		http:        deps.HTTP,
		metrics:     deps.Metrics,
		observer:    deps.Observer,
		logger:      logging.OrNop(deps.Logger),
		digests:     newDigestCache(),
		autoStarted: make(map[string]bool),
	}, nil
}

// TurnRequest names the conversation and carries the user's message.
type TurnRequest struct {
	ConversationID string
	Message        string
}

// Run starts one turn. The returned channel delivers the turn's chunks and
// closes after the done chunk; cancelling ctx aborts the turn.
func (e *Engine) Run(ctx context.Context, req TurnRequest) (<-chan ports.StreamChunk, error) {
	if strings.TrimSpace(req.Message) == "" {
		return nil, fmt.Errorf("agent: message is empty")
	}
	conv, err := e.store.GetConversation(ctx, req.ConversationID)
	if err != nil {
		return nil, fmt.Errorf("agent: load conversation: %w", err)
	}
	settings, err := e.store.GetSettings(ctx)
	if err != nil {
		return nil, fmt.Errorf("agent: load settings: %w", err)
	}

	t, err := e.newTurn(ctx, conv, settings, req.Message)
	if err != nil {
		return nil, err
	}
	go t.run(ctx)
	return t.emit.Chunks(), nil
}

// turn is the per-request state bundle. Everything rooted at the project
// (workspace, registry, task list, checkpoints) is nil for conversations
// without a linked project.
type turn struct {
	engine   *Engine
	conv     *ports.Conversation
	settings *ports.Settings
	userText string
	mode     string
	planMode bool
	emit     *emitter
	logger   logging.Logger

	client  ports.StreamingLLMClient // single loop and dual-loop coder
	planner ports.StreamingLLMClient // dual-loop planner, nil in single mode

	workspace   *tools.Workspace
	registry    *tools.Registry
	dispatcher  *tools.Dispatcher
	tracker     *diff.SessionTracker
	taskStore   *tasks.Store
	checkpoints *checkpoint.Store

	// accumulated across the whole turn, including dual-loop tasks
	records    []ports.ToolCallRecord
	toolCalls  int
	trimmed    bool
	skipReview bool // dual loop ran its own planner review
}

func (e *Engine) newTurn(ctx context.Context, conv *ports.Conversation, settings *ports.Settings, message string) (*turn, error) {
	if settings == nil || settings.EndpointURL == "" || settings.ModelName == "" {
		return nil, fmt.Errorf("agent: model endpoint is not configured; save settings before sending messages")
	}

	mode := conv.Mode
	if mode == "" {
		mode = settings.Mode
	}
	if mode != ports.ModePlan {
		mode = ports.ModeBuild
	}

	t := &turn{
		engine:   e,
		conv:     conv,
		settings: settings,
		userText: message,
		mode:     mode,
		planMode: mode == ports.ModePlan,
		emit:     newEmitter(ctx),
		logger:   e.logger,
		tracker:  diff.NewSessionTracker(),
	}

	client, err := e.newClient(settings, settings.ModelName)
	if err != nil {
		return nil, err
	}
	t.client = client

	if settings.DualModelEnabled && settings.PlannerModelName != "" {
		planner, err := e.newClient(settings, settings.PlannerModelName)
		if err != nil {
			return nil, err
		}
		t.planner = planner
		if settings.CoderModelName != "" {
			coder, err := e.newClient(settings, settings.CoderModelName)
			if err != nil {
				return nil, err
			}
			t.client = coder
		}
	}

	if conv.ProjectPath != "" {
		ws, err := tools.NewWorkspace(conv.ProjectPath, true)
		if err != nil {
			return nil, fmt.Errorf("agent: open project workspace: %w", err)
		}
		registry := tools.NewRegistry()
		err = builtin.Register(registry, builtin.Deps{
			Workspace: ws,
			Runtime:   e.runtime,
			Remote:    e.remote,
			HTTP:      e.http,
			Logger:    e.logger,
		})
		if err != nil {
			return nil, fmt.Errorf("agent: register tools: %w", err)
		}
		t.workspace = ws
		t.registry = registry
		t.dispatcher = tools.NewDispatcher(registry, e.metrics, e.logger)
		t.taskStore = tasks.NewStore(conv.ProjectPath)
		t.checkpoints = checkpoint.NewStore(conv.ProjectPath, e.logger)
	}
	return t, nil
}

func (e *Engine) newClient(settings *ports.Settings, model string) (ports.StreamingLLMClient, error) {
	base, err := llm.NewClient(llm.Config{
		APIKey:  settings.APIKey,
		BaseURL: settings.EndpointURL,
		Model:   model,
	}, e.logger)
	if err != nil {
		return nil, err
	}
	return llm.NewRetryingClient(base, e.logger).WithRetryNotifier(e.observer.ModelRetry), nil
}

// markAutoStart claims the conversation's single auto-start attempt. It
// reports false when a previous turn already claimed it.
func (e *Engine) markAutoStart(conversationID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.autoStarted[conversationID] {
		return false
	}
	e.autoStarted[conversationID] = true
	return true
}

// clearAutoStart releases the claim after a failed start so a later turn can
// try again.
func (e *Engine) clearAutoStart(conversationID string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.autoStarted, conversationID)
}

const titleMaxRunes = 60

// titleFrom derives a conversation title from the first user message,
// clipped at a word boundary.
func titleFrom(message string) string {
	title := strings.Join(strings.Fields(message), " ")
	runes := []rune(title)
	if len(runes) <= titleMaxRunes {
		return title
	}
	clipped := string(runes[:titleMaxRunes])
	if idx := strings.LastIndex(clipped, " "); idx > 30 {
		clipped = clipped[:idx]
	}
	return clipped + "..."
}
