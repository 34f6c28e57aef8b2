package tools

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"milo/internal/agent/ports"
	errs "milo/internal/errors"
)

type stubTool struct {
	name     string
	readOnly bool
	execute  func(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error)
}

func (s *stubTool) Execute(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
	return s.execute(ctx, call)
}

func (s *stubTool) Definition() ports.ToolDefinition {
	return ports.ToolDefinition{
		Name:        s.name,
		Description: "stub",
		Parameters: ports.ParameterSchema{
			Type: "object",
			Properties: map[string]ports.Property{
				"path": {Type: "string", Description: "target"},
			},
			Required: []string{"path"},
		},
	}
}

func (s *stubTool) Metadata() ports.ToolMetadata {
	return ports.ToolMetadata{Name: s.name, Category: "test", ReadOnly: s.readOnly, Mutating: !s.readOnly}
}

func newTestDispatcher(t *testing.T, tools ...ports.ToolExecutor) *Dispatcher {
	t.Helper()
	reg := NewRegistry()
	for _, tool := range tools {
		require.NoError(t, reg.Register(tool))
	}
	return NewDispatcher(reg, nil, nil)
}

func okTool(name string, readOnly bool) *stubTool {
	return &stubTool{
		name:     name,
		readOnly: readOnly,
		execute: func(_ context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
			return &ports.ToolResult{CallID: call.ID, Content: "ok"}, nil
		},
	}
}

func TestDispatcher_UnknownToolFailsInsideResult(t *testing.T) {
	d := newTestDispatcher(t)

	result := d.Execute(context.Background(), ports.ToolCall{ID: "c1", Name: "nope"}, DispatchOptions{})

	require.NotNil(t, result)
	assert.False(t, result.Success())
	assert.Contains(t, result.Text(), "not found")
}

func TestDispatcher_PlanModeRestrictsToReadOnly(t *testing.T) {
	d := newTestDispatcher(t, okTool("writer", false), okTool("reader", true))
	args := map[string]any{"path": "a.txt"}

	blocked := d.Execute(context.Background(), ports.ToolCall{ID: "c1", Name: "writer", Arguments: args}, DispatchOptions{PlanMode: true})
	assert.False(t, blocked.Success())
	assert.Contains(t, blocked.Text(), "plan mode")

	allowed := d.Execute(context.Background(), ports.ToolCall{ID: "c2", Name: "reader", Arguments: args}, DispatchOptions{PlanMode: true})
	assert.True(t, allowed.Success())
}

func TestDispatcher_ValidatesArguments(t *testing.T) {
	d := newTestDispatcher(t, okTool("reader", true))

	missing := d.Execute(context.Background(), ports.ToolCall{ID: "c1", Name: "reader"}, DispatchOptions{})
	require.False(t, missing.Success())
	assert.ErrorIs(t, missing.Error, errs.ErrSchemaInvalid)

	wrongType := d.Execute(context.Background(), ports.ToolCall{
		ID: "c2", Name: "reader", Arguments: map[string]any{"path": 42},
	}, DispatchOptions{})
	require.False(t, wrongType.Success())
	assert.ErrorIs(t, wrongType.Error, errs.ErrSchemaInvalid)

	good := d.Execute(context.Background(), ports.ToolCall{
		ID: "c3", Name: "reader", Arguments: map[string]any{"path": "a.txt"},
	}, DispatchOptions{})
	assert.True(t, good.Success())
}

func TestDispatcher_RecoversPanics(t *testing.T) {
	panicky := &stubTool{
		name: "panicky",
		execute: func(context.Context, ports.ToolCall) (*ports.ToolResult, error) {
			panic("boom")
		},
	}
	d := newTestDispatcher(t, panicky)

	result := d.Execute(context.Background(), ports.ToolCall{
		ID: "c1", Name: "panicky", Arguments: map[string]any{"path": "x"},
	}, DispatchOptions{})

	require.NotNil(t, result)
	assert.False(t, result.Success())
	assert.Contains(t, result.Text(), "crashed")
}

func TestDispatcher_TimeoutKeepsPartialOutput(t *testing.T) {
	toolTimeouts["sleepy"] = 30 * time.Millisecond
	defer delete(toolTimeouts, "sleepy")

	sleepy := &stubTool{
		name: "sleepy",
		execute: func(ctx context.Context, call ports.ToolCall) (*ports.ToolResult, error) {
			<-ctx.Done()
			return &ports.ToolResult{CallID: call.ID, Content: "partial", Error: ctx.Err()}, nil
		},
	}
	d := newTestDispatcher(t, sleepy)

	result := d.Execute(context.Background(), ports.ToolCall{
		ID: "c1", Name: "sleepy", Arguments: map[string]any{"path": "x"},
	}, DispatchOptions{})

	require.False(t, result.Success())
	assert.ErrorIs(t, result.Error, errs.ErrToolTimeout)
	assert.Contains(t, result.Text(), "partial")
}

func TestDispatcher_FillsMissingCallID(t *testing.T) {
	forgetful := &stubTool{
		name: "forgetful",
		execute: func(context.Context, ports.ToolCall) (*ports.ToolResult, error) {
			return &ports.ToolResult{Content: "done"}, nil
		},
	}
	d := newTestDispatcher(t, forgetful)

	result := d.Execute(context.Background(), ports.ToolCall{
		ID: "c9", Name: "forgetful", Arguments: map[string]any{"path": "x"},
	}, DispatchOptions{})

	assert.Equal(t, "c9", result.CallID)
}

func TestTimeoutFor_PerToolBudgets(t *testing.T) {
	assert.Equal(t, 90*time.Second, TimeoutFor("execute_command"))
	assert.Equal(t, 30*time.Second, TimeoutFor("run_test"))
	assert.Equal(t, 120*time.Second, TimeoutFor("install_package"))
	assert.Equal(t, DefaultTimeout, TimeoutFor("read_file"))
}

func TestRegistry_RejectsDuplicates(t *testing.T) {
	reg := NewRegistry()
	require.NoError(t, reg.Register(okTool("dup", true)))
	assert.Error(t, reg.Register(okTool("dup", true)))
	assert.True(t, reg.Has("dup"))
	assert.Equal(t, []string{"dup"}, reg.Names())
}

func TestOutputCallback_RoundTrip(t *testing.T) {
	var got []string
	ctx := WithOutputCallback(context.Background(), func(chunk string) {
		got = append(got, chunk)
	})

	OutputCallbackFrom(ctx)("hello")
	OutputCallbackFrom(context.Background())("dropped")

	assert.Equal(t, []string{"hello"}, got)
}
