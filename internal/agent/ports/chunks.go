package ports

// ChunkType discriminates the stream chunk union.
type ChunkType string

const (
	ChunkContent         ChunkType = "content"
	ChunkIterationStatus ChunkType = "iteration_status"
	ChunkToolCall        ChunkType = "tool_call"
	ChunkCommandOutput   ChunkType = "command_output"
	ChunkPlan            ChunkType = "plan"
	ChunkPlanDelta       ChunkType = "plan_chunk"
	ChunkDiff            ChunkType = "diff"
	ChunkReview          ChunkType = "review"
	ChunkTasks           ChunkType = "tasks"
	ChunkAutoStart       ChunkType = "auto_start"
	ChunkError           ChunkType = "error"
	ChunkDone            ChunkType = "done"
)

// Tool statuses reported on tool_call end chunks.
const (
	ToolStatusSuccess = "success"
	ToolStatusError   = "error"
)

// StreamChunk is one typed event on a turn's stream. The JSON field names
// are the transport wire format; unset fields are omitted so each chunk
// type serializes exactly its own schema.
type StreamChunk struct {
	Type ChunkType `json:"type"`

	// content, plan, plan_chunk, review, error, and the human-readable line
	// accompanying a tool_call start.
	Content string `json:"content,omitempty"`

	// iteration_status
	Iteration     int    `json:"iteration,omitempty"`
	MaxIterations int    `json:"maxIterations,omitempty"`
	Phase         string `json:"phase,omitempty"`

	// tool_call start and end, command_output
	ToolName   string         `json:"toolName,omitempty"`
	ToolCallID string         `json:"toolCallId,omitempty"`
	ToolArgs   map[string]any `json:"toolArgs,omitempty"`
	ToolResult string         `json:"toolResult,omitempty"`
	ToolStatus string         `json:"toolStatus,omitempty"`

	// diff
	Diffs []FileDiff `json:"diffs,omitempty"`

	// tasks
	Tasks []TaskItem `json:"tasks,omitempty"`

	// auto_start
	Port int `json:"port,omitempty"`
}

// FileDiff is one file's unified diff inside a diff chunk.
type FileDiff struct {
	Path string `json:"path"`
	Diff string `json:"diff"`
}

// TaskItem mirrors one task-list entry inside a tasks chunk.
type TaskItem struct {
	ID     string `json:"id"`
	Title  string `json:"title"`
	Status string `json:"status"`
}

// ContentChunk builds a visible-text chunk.
func ContentChunk(text string) StreamChunk {
	return StreamChunk{Type: ChunkContent, Content: text}
}

// IterationChunk reports loop progress before each model call.
func IterationChunk(iteration, maxIterations int, phase string) StreamChunk {
	return StreamChunk{Type: ChunkIterationStatus, Iteration: iteration, MaxIterations: maxIterations, Phase: phase}
}

// ToolStartChunk announces a tool invocation with its arguments.
func ToolStartChunk(call ToolCall, line string) StreamChunk {
	return StreamChunk{
		Type:       ChunkToolCall,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		ToolArgs:   call.Arguments,
		Content:    line,
	}
}

// ToolEndChunk reports a tool invocation outcome.
func ToolEndChunk(call ToolCall, result string, ok bool) StreamChunk {
	status := ToolStatusSuccess
	if !ok {
		status = ToolStatusError
	}
	return StreamChunk{
		Type:       ChunkToolCall,
		ToolName:   call.Name,
		ToolCallID: call.ID,
		ToolResult: result,
		ToolStatus: status,
	}
}

// CommandOutputChunk tails live output of an executing command.
func CommandOutputChunk(callID, output string) StreamChunk {
	return StreamChunk{Type: ChunkCommandOutput, ToolCallID: callID, Content: output}
}

// PlanChunk carries a detected plan.
func PlanChunk(plan string) StreamChunk {
	return StreamChunk{Type: ChunkPlan, Content: plan}
}

// PlanDeltaChunk streams plan text as it is produced.
func PlanDeltaChunk(delta string) StreamChunk {
	return StreamChunk{Type: ChunkPlanDelta, Content: delta}
}

// DiffChunk aggregates the turn's file diffs.
func DiffChunk(diffs []FileDiff) StreamChunk {
	return StreamChunk{Type: ChunkDiff, Diffs: diffs}
}

// ReviewChunk carries the post-turn review summary.
func ReviewChunk(text string) StreamChunk {
	return StreamChunk{Type: ChunkReview, Content: text}
}

// TasksChunk mirrors the current task list.
func TasksChunk(tasks []TaskItem) StreamChunk {
	return StreamChunk{Type: ChunkTasks, Tasks: tasks}
}

// AutoStartChunk reports the port of an auto-started project.
func AutoStartChunk(port int) StreamChunk {
	return StreamChunk{Type: ChunkAutoStart, Port: port}
}

// ErrorChunk carries short banner prose for the UI.
func ErrorChunk(message string) StreamChunk {
	return StreamChunk{Type: ChunkError, Content: message}
}

// DoneChunk terminates a turn's stream.
func DoneChunk() StreamChunk {
	return StreamChunk{Type: ChunkDone}
}
