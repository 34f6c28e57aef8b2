package tools

import (
	"context"
	stderr "errors"
	"fmt"
	"time"

	"milo/internal/agent/ports"
	errs "milo/internal/errors"
	"milo/internal/logging"
)

// DefaultTimeout bounds a tool call unless the catalogue says otherwise.
const DefaultTimeout = 60 * time.Second

var toolTimeouts = map[string]time.Duration{
	"execute_command": 90 * time.Second,
	"run_test":        30 * time.Second,
	"install_package": 120 * time.Second,
}

// TimeoutFor returns the wall-clock budget for a tool call.
func TimeoutFor(name string) time.Duration {
	if d, ok := toolTimeouts[name]; ok {
		return d
	}
	return DefaultTimeout
}

// Metrics receives execution outcomes. The observability package provides
// the Prometheus-backed implementation.
type Metrics interface {
	ToolExecuted(name, status string, duration time.Duration)
}

type nopMetrics struct{}

func (nopMetrics) ToolExecuted(string, string, time.Duration) {}

// DispatchOptions carries per-call policy from the loop.
type DispatchOptions struct {
	// PlanMode restricts the call to read-only tools.
	PlanMode bool
	// OnOutput receives incremental command output for UI tailing.
	OnOutput OutputCallback
}

// Dispatcher validates, times and guards every tool call. Tool failures of
// any shape, including panics, come back as failed results so the loop can
// echo them to the model instead of crashing the turn.
type Dispatcher struct {
	registry  *Registry
	validator *Validator
	metrics   Metrics
	logger    logging.Logger
}

func NewDispatcher(registry *Registry, metrics Metrics, logger logging.Logger) *Dispatcher {
	if metrics == nil {
		metrics = nopMetrics{}
	}
	return &Dispatcher{
		registry:  registry,
		validator: NewValidator(),
		metrics:   metrics,
		logger:    logging.OrNop(logger),
	}
}

// Registry exposes the catalogue for definition listing.
func (d *Dispatcher) Registry() *Registry { return d.registry }

// Execute runs one tool call to completion.
func (d *Dispatcher) Execute(ctx context.Context, call ports.ToolCall, opts DispatchOptions) *ports.ToolResult {
	started := time.Now()
	result := d.execute(ctx, call, opts)
	status := "success"
	if !result.Success() {
		status = "error"
	}
	d.metrics.ToolExecuted(call.Name, status, time.Since(started))
	if result.Success() {
		d.logger.Debug("Tool %s completed in %s", call.Name, time.Since(started).Round(time.Millisecond))
	} else {
		d.logger.Warn("Tool %s failed in %s: %v", call.Name, time.Since(started).Round(time.Millisecond), result.Error)
	}
	return result
}

func (d *Dispatcher) execute(ctx context.Context, call ports.ToolCall, opts DispatchOptions) *ports.ToolResult {
	tool, err := d.registry.Get(call.Name)
	if err != nil {
		return &ports.ToolResult{CallID: call.ID, Error: err}
	}

	meta := tool.Metadata()
	if opts.PlanMode && !meta.ReadOnly {
		return &ports.ToolResult{
			CallID: call.ID,
			Error:  fmt.Errorf("tool %s is not available in plan mode; present a plan and wait for approval before modifying anything", call.Name),
		}
	}

	if err := d.validator.Validate(tool.Definition(), call.Arguments); err != nil {
		return &ports.ToolResult{CallID: call.ID, Error: err}
	}

	toolCtx, cancel := context.WithTimeout(ctx, TimeoutFor(call.Name))
	defer cancel()
	toolCtx = WithOutputCallback(toolCtx, opts.OnOutput)

	result, runErr := d.runGuarded(toolCtx, tool, call)
	if runErr != nil {
		return &ports.ToolResult{CallID: call.ID, Error: runErr}
	}
	if result == nil {
		result = &ports.ToolResult{CallID: call.ID, Error: fmt.Errorf("tool %s returned no result", call.Name)}
	}
	if result.CallID == "" {
		result.CallID = call.ID
	}

	// A deadline hit inside the tool keeps any partial content it captured.
	if result.Error != nil && stderr.Is(toolCtx.Err(), context.DeadlineExceeded) {
		msg := fmt.Sprintf("%s exceeded its %s budget and was stopped", call.Name, TimeoutFor(call.Name))
		if result.Content != "" {
			msg += "; partial output:\n" + result.Content
		}
		result.Error = fmt.Errorf("%s: %w", msg, errs.ErrToolTimeout)
	}
	return result
}

func (d *Dispatcher) runGuarded(ctx context.Context, tool ports.ToolExecutor, call ports.ToolCall) (result *ports.ToolResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("Tool %s panicked: %v", call.Name, r)
			result = nil
			err = fmt.Errorf("tool %s crashed: %v", call.Name, r)
		}
	}()
	return tool.Execute(ctx, call)
}
