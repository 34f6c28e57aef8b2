package agent

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"

	"milo/internal/agent/ports"
	errs "milo/internal/errors"
	"milo/internal/tasks"
	"milo/internal/tools"
)

// Loop budgets. The iteration ceiling bounds a runaway model; the nudge and
// recovery caps bound how often the loop argues with it.
const (
	maxIterations       = 25
	maxNudges           = 3
	maxEmptyResponses   = 3
	maxConsecutiveFails = 5
	maxRecoveries       = 8
	reviewMinToolCalls  = 3
	taskReminderAfter   = 2
)

const iterationCeilingNotice = "Reached the iteration limit for this turn before finishing. Progress so far is saved; send another message to continue."

// run is the turn goroutine body. It owns the emitter and always closes it.
func (t *turn) run(ctx context.Context) {
	defer t.emit.Close()
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("Turn %s panicked: %v", t.conv.ID, r)
			t.emit.Send(ports.ErrorChunk(fmt.Sprintf("internal error: %v", r)))
			t.emit.Send(ports.DoneChunk())
		}
	}()

	ctx, span := startTurnSpan(ctx, traceSpanTurn, t)
	defer span.End()

	started := time.Now()
	t.engine.observer.TurnStarted(t.mode)
	iterations := t.execute(ctx)
	t.engine.observer.TurnCompleted(t.mode, iterations, time.Since(started))
	span.SetAttributes(attribute.Int(traceAttrIterations, iterations))
	markSpanResult(span, nil)
}

// execute persists the user message and runs the configured loop, returning
// the iteration count for instrumentation.
func (t *turn) execute(ctx context.Context) int {
	if err := t.persistUserMessage(ctx); err != nil {
		t.emit.Send(ports.ErrorChunk("Failed to save your message: " + err.Error()))
		t.emit.Send(ports.DoneChunk())
		return 0
	}

	if t.planner != nil {
		return t.runDual(ctx)
	}

	messages, err := t.prepareMessages(ctx)
	if err != nil {
		t.emit.Send(ports.ErrorChunk(err.Error()))
		t.emit.Send(ports.DoneChunk())
		return 0
	}
	return t.loop(ctx, messages)
}

func (t *turn) persistUserMessage(ctx context.Context) error {
	msg := &ports.StoredMessage{
		ID:             uuid.NewString(),
		ConversationID: t.conv.ID,
		Role:           ports.RoleUser,
		Content:        t.userText,
		Status:         ports.StatusComplete,
		CreatedAt:      time.Now(),
	}
	if err := t.engine.store.AppendMessage(ctx, msg); err != nil {
		return err
	}
	if t.conv.Title == "" {
		t.conv.Title = titleFrom(t.userText)
		t.conv.UpdatedAt = time.Now()
		if err := t.engine.store.UpdateConversation(ctx, t.conv); err != nil {
			t.logger.Warn("Failed to title conversation %s: %v", t.conv.ID, err)
		}
	}
	return nil
}

// prepareMessages assembles the system prompt and replayed history, and
// materializes an approved plan into the task list before the loop starts.
func (t *turn) prepareMessages(ctx context.Context) ([]ports.Message, error) {
	stored, err := t.engine.store.Messages(ctx, t.conv.ID)
	if err != nil {
		return nil, fmt.Errorf("load conversation history: %w", err)
	}

	digest := ""
	if t.conv.ProjectPath != "" {
		digest = t.engine.digests.ProjectDigest(t.conv.ProjectPath)
	}
	system := systemPrompt(t.planMode, t.conv.ProjectPath, digest, t.engine.remote != nil)
	messages := append([]ports.Message{{Role: ports.RoleSystem, Content: system}}, buildHistory(stored)...)
	t.logger.Debug("Prepared %d messages (~%d tokens) for conversation %s", len(messages), historyTokens(messages), t.conv.ID)

	if plan := approvedPlan(t.userText); plan != "" && !t.planMode && t.taskStore != nil {
		t.materializePlan(plan)
	}
	return messages, nil
}

// materializePlan converts approved plan steps into a fresh task list and
// snapshots the project before the build touches anything.
func (t *turn) materializePlan(plan string) {
	steps := planSteps(plan)
	if len(steps) == 0 {
		return
	}
	list, err := t.taskStore.Replace(steps)
	if err != nil {
		t.logger.Warn("Failed to materialize task list: %v", err)
		return
	}
	t.emit.Send(ports.TasksChunk(tasks.Items(list)))
	if t.checkpoints != nil {
		if _, err := t.checkpoints.Create("pre-build"); err != nil {
			t.logger.Warn("Pre-build checkpoint failed: %v", err)
		}
	}
}

// loop runs the single-agent iteration cycle until the model produces a
// terminal text answer or a budget runs out.
func (t *turn) loop(ctx context.Context, messages []ports.Message) int {
	var (
		iteration     int
		emptyStreak   int
		failStreak    int
		recoveries    int
		nudges        int
		stopInjects   int
		idleTaskIters int
		forceWrap     bool
		finalContent  string
		completed     bool
	)

	for iteration = 1; iteration <= maxIterations; iteration++ {
		if ctx.Err() != nil {
			t.persistTerminal(ctx, ports.RoleAssistant, finalContent)
			return iteration - 1
		}
		if !t.emit.Send(ports.IterationChunk(iteration, maxIterations, "thinking")) {
			t.persistTerminal(ctx, ports.RoleAssistant, finalContent)
			return iteration - 1
		}

		if t.taskStore != nil && t.taskStore.Exists() {
			idleTaskIters++
			if idleTaskIters > taskReminderAfter {
				if reminder := t.taskReminder(); reminder != "" {
					messages = append(messages, ports.Message{Role: ports.RoleSystem, Content: reminder})
					idleTaskIters = 0
				}
			}
		}

		resp, err := t.callModel(ctx, messages, forceWrap)
		if err != nil {
			if errs.Classify(err) == errs.ClassContextOverflow && !t.trimmed {
				t.trimmed = true
				messages = trimForOverflow(messages)
				t.emit.Send(ports.IterationChunk(iteration, maxIterations, "Context too long, trimming history and retrying..."))
				iteration--
				continue
			}
			t.pause(ctx, err, finalContent)
			return iteration
		}

		content := strings.TrimSpace(resp.Content)
		calls := resp.ToolCalls

		if len(calls) == 0 && content == "" {
			emptyStreak++
			if emptyStreak >= maxEmptyResponses {
				t.emit.Send(ports.ErrorChunk("The model returned empty responses three times in a row; stopping this turn."))
				t.persistTerminal(ctx, ports.RoleAssistant, pausedNotice)
				t.emit.Send(ports.DoneChunk())
				return iteration
			}
			messages = append(messages, ports.Message{Role: ports.RoleSystem, Content: emptyResponseNudge})
			continue
		}
		emptyStreak = 0

		// A tool call smuggled into prose instead of the structured field.
		if len(calls) == 0 && t.registry != nil {
			if rescued := rescueToolCall(resp.Content, t.registry.Has); rescued != nil {
				rescued.ID = fmt.Sprintf("rescued_%d", time.Now().UnixNano())
				calls = append(calls, *rescued)
			}
		}
		for i := range calls {
			if calls[i].ID == "" {
				calls[i].ID = fmt.Sprintf("call_%d_%d", iteration, i)
			}
		}

		if len(calls) == 0 {
			if !t.planMode && t.registry != nil && announcesWork(content) && nudges < maxNudges {
				nudges++
				messages = append(messages,
					ports.Message{Role: ports.RoleAssistant, Content: resp.Content},
					ports.Message{Role: ports.RoleSystem, Content: toolNudgeMessage},
				)
				continue
			}
			if !t.planMode && t.taskStore != nil && stopInjects < maxNudges {
				if unfinished, err := t.taskStore.HasUnfinished(); err == nil && unfinished {
					stopInjects++
					messages = append(messages,
						ports.Message{Role: ports.RoleAssistant, Content: resp.Content},
						ports.Message{Role: ports.RoleSystem, Content: doNotStopNudge},
					)
					continue
				}
			}
			finalContent = resp.Content
			completed = true
			break
		}

		messages = append(messages, ports.Message{Role: ports.RoleAssistant, Content: resp.Content, ToolCalls: calls})

		anyFailed := false
		for _, call := range calls {
			if ctx.Err() != nil {
				t.persistTerminal(ctx, ports.RoleAssistant, finalContent)
				return iteration
			}
			result := t.dispatch(ctx, call)
			if !result.Success() {
				anyFailed = true
			}
			if call.Name == "task_list" {
				idleTaskIters = 0
			}
			messages = append(messages, toolMessage(call, result))
		}

		if anyFailed {
			failStreak++
			recoveries++
			switch {
			case recoveries >= maxRecoveries && !forceWrap:
				forceWrap = true
				messages = append(messages, ports.Message{Role: ports.RoleSystem, Content: wrapUpNudge})
			case failStreak >= maxConsecutiveFails:
				failStreak = 0
				messages = append(messages, ports.Message{Role: ports.RoleSystem, Content: differentApproachNudge})
			}
		} else {
			failStreak = 0
		}

		if resp.FinishReason == ports.FinishLength {
			finalContent = resp.Content
			completed = true
			break
		}
		// finish_reason tool_calls: keep iterating.
	}

	if !completed {
		iteration = maxIterations
		finalContent = iterationCeilingNotice
		t.emit.Send(ports.ContentChunk(finalContent))
	}

	t.finish(ctx, finalContent)
	return iteration
}

// callModel opens one completion stream. forceWrap withholds the tool
// catalogue so the model has to answer in text.
func (t *turn) callModel(ctx context.Context, messages []ports.Message, forceWrap bool) (*ports.CompletionResponse, error) {
	req := ports.CompletionRequest{
		Messages:    messages,
		Temperature: t.settings.Temperature,
		MaxTokens:   t.settings.MaxTokens,
	}
	if t.registry != nil && !forceWrap {
		req.Tools = t.registry.List()
	}
	return t.client.StreamComplete(ctx, req, ports.CompletionStreamCallbacks{OnContent: t.onContent})
}

// onContent forwards visible deltas as they stream. Plan mode labels them
// plan text so the client renders the plan panel instead of chat prose.
func (t *turn) onContent(delta string) {
	if delta == "" {
		return
	}
	if t.planMode {
		t.emit.Send(ports.PlanDeltaChunk(delta))
		return
	}
	t.emit.Send(ports.ContentChunk(delta))
}

// taskReminder names the exact next task_list call when the model has gone
// quiet on the list.
func (t *turn) taskReminder() string {
	next, err := t.taskStore.NextPending()
	if err != nil || next == nil {
		return ""
	}
	if next.Status == tasks.StatusInProgress {
		return fmt.Sprintf(
			"Reminder: task %q is still in progress. When it is done, call task_list with {\"action\":\"update\",\"task\":%q,\"status\":\"completed\"} before moving on.",
			next.Title, next.ID)
	}
	return fmt.Sprintf(
		"Reminder: the next pending task is %q. Call task_list with {\"action\":\"update\",\"task\":%q,\"status\":\"in_progress\"} and start working on it.",
		next.Title, next.ID)
}

// dispatch executes one tool call with full stream bookkeeping: start chunk,
// live command output, end chunk, diff capture and the persisted record.
func (t *turn) dispatch(ctx context.Context, call ports.ToolCall) *ports.ToolResult {
	t.toolCalls++

	if t.dispatcher == nil {
		result := &ports.ToolResult{
			CallID: call.ID,
			Error:  fmt.Errorf("tool %s is unavailable: no project is linked to this conversation", call.Name),
		}
		t.emit.Send(ports.ToolStartChunk(call, describeCall(call)))
		t.emit.Send(ports.ToolEndChunk(call, result.Text(), false))
		t.record(call, result)
		return result
	}

	t.captureBefore(call)
	t.emit.Send(ports.ToolStartChunk(call, describeCall(call)))

	opts := tools.DispatchOptions{PlanMode: t.planMode}
	if streamsOutput(call.Name) {
		callID := call.ID
		opts.OnOutput = func(chunk string) {
			t.emit.Send(ports.CommandOutputChunk(callID, chunk))
		}
	}

	spanCtx, span := startTurnSpan(ctx, traceSpanToolExecute, t,
		attribute.String(traceAttrToolName, call.Name))
	result := t.dispatcher.Execute(spanCtx, call, opts)
	markSpanResult(span, result.Error)
	span.End()
	if result.Success() {
		t.captureAfter(call)
	}
	t.emit.Send(ports.ToolEndChunk(call, result.Text(), result.Success()))
	t.record(call, result)

	if result.Success() && call.Name == "task_list" {
		t.emitTasksFromMeta(result)
	}
	return result
}

func (t *turn) record(call ports.ToolCall, result *ports.ToolResult) {
	status := ports.ToolStatusSuccess
	if !result.Success() {
		status = ports.ToolStatusError
	}
	t.records = append(t.records, ports.ToolCallRecord{
		Name:   call.Name,
		Args:   call.Arguments,
		Status: status,
		Result: ports.TruncateResult(result.Text(), 0),
	})
}

// emitTasksFromMeta mirrors a task_list mutation to the client.
func (t *turn) emitTasksFromMeta(result *ports.ToolResult) {
	items, ok := result.Meta["tasks"].([]ports.TaskItem)
	if !ok || len(items) == 0 {
		return
	}
	t.emit.Send(ports.TasksChunk(items))
}

// captureBefore snapshots the target of a mutating call for the session diff.
func (t *turn) captureBefore(call ports.ToolCall) {
	if abs := t.mutatingTarget(call); abs != "" {
		t.tracker.CaptureBefore(abs, t.workspace.Rel(abs))
	}
}

func (t *turn) captureAfter(call ports.ToolCall) {
	if abs := t.mutatingTarget(call); abs != "" {
		t.tracker.CaptureAfter(abs)
	}
}

// mutatingTarget resolves the path argument of a mutating tool; empty for
// read-only tools, pathless calls and sandbox escapes.
func (t *turn) mutatingTarget(call ports.ToolCall) string {
	if t.registry == nil || t.workspace == nil {
		return ""
	}
	tool, err := t.registry.Get(call.Name)
	if err != nil || !tool.Metadata().Mutating {
		return ""
	}
	path, _ := call.Arguments["path"].(string)
	if path == "" {
		return ""
	}
	abs, err := t.workspace.Resolve(path)
	if err != nil {
		return ""
	}
	return abs
}

// toolMessage renders a result as the role=tool message echoed to the model.
func toolMessage(call ports.ToolCall, result *ports.ToolResult) ports.Message {
	var content string
	switch {
	case !result.Success():
		content = fmt.Sprintf("Tool %s failed: %s", call.Name, errs.FormatForLLM(result.Error))
	case strings.TrimSpace(result.Content) != "":
		content = result.Content
	default:
		content = fmt.Sprintf("Tool %s completed successfully.", call.Name)
	}
	return ports.Message{Role: ports.RoleTool, Content: content, ToolCallID: call.ID, Name: call.Name}
}

// describeCall renders the one-line description shown on a tool start chunk.
func describeCall(call ports.ToolCall) string {
	if arg := firstArgValue(call.Arguments); arg != "" {
		return call.Name + " " + arg
	}
	return call.Name
}

// firstArgValue picks the most descriptive argument for display and loop
// signatures: well-known keys first, then the alphabetically first one.
func firstArgValue(args map[string]any) string {
	for _, key := range []string{"path", "command", "pattern", "query", "name", "action"} {
		if v, ok := args[key]; ok {
			return fmt.Sprintf("%v", v)
		}
	}
	first := ""
	var value any
	for k, v := range args {
		if first == "" || k < first {
			first, value = k, v
		}
	}
	if first == "" {
		return ""
	}
	return fmt.Sprintf("%v", value)
}

// streamsOutput lists the tools whose incremental output is tailed to the UI.
func streamsOutput(name string) bool {
	switch name {
	case "execute_command", "run_test", "install_package":
		return true
	}
	return false
}

// pause surfaces a model failure and ends the turn in a resumable state.
func (t *turn) pause(ctx context.Context, err error, partial string) {
	t.logger.Error("Turn %s paused: %v", t.conv.ID, err)
	t.emit.Send(ports.ErrorChunk(errs.FormatForLLM(err)))

	content := strings.TrimSpace(partial)
	if content != "" {
		content += "\n\n"
	}
	content += pausedNotice
	t.persistTerminal(ctx, ports.RoleAssistant, content)
	t.emit.Send(ports.DoneChunk())
}

// finish runs the end-of-turn pipeline: post-build checkpoint, diff chunk,
// plan detection, self-review, auto-start, terminal persistence, done.
func (t *turn) finish(ctx context.Context, finalContent string) {
	modified := t.tracker.HasChanges()

	if modified && t.checkpoints != nil && !t.planMode {
		if _, err := t.checkpoints.Create("post-build"); err != nil {
			t.logger.Warn("Post-build checkpoint failed: %v", err)
		}
	}

	if diffs := t.tracker.FileDiffs(); len(diffs) > 0 {
		t.emit.Send(ports.DiffChunk(diffs))
	}
	if modified && !t.planMode {
		t.recordChangeLog(ctx, finalContent)
	}

	role := ports.RoleAssistant
	if t.planMode && looksLikePlan(finalContent) {
		t.emit.Send(ports.PlanChunk(finalContent))
		role = ports.RolePlan
	}

	if modified && t.toolCalls >= reviewMinToolCalls && !t.planMode && !t.skipReview {
		if review := t.reviewChanges(ctx); review != "" {
			t.emit.Send(ports.ReviewChunk(review))
		}
	}

	t.maybeAutoStart(modified)
	t.persistTerminal(ctx, role, finalContent)
	t.emit.Send(ports.DoneChunk())
}

// recordChangeLog persists the turn's touched files so the conversation keeps
// a change history independent of the streamed diffs.
func (t *turn) recordChangeLog(ctx context.Context, summary string) {
	paths := t.tracker.ChangedPaths()
	if len(paths) == 0 {
		return
	}
	entry := &ports.ChangeLogEntry{
		ID:             uuid.NewString(),
		ConversationID: t.conv.ID,
		Paths:          paths,
		Summary:        titleFrom(summary),
		CreatedAt:      time.Now(),
	}
	if err := t.engine.store.AppendChangeLog(ctx, entry); err != nil {
		t.logger.Warn("Failed to record change log for %s: %v", t.conv.ID, err)
	}
}

const reviewDiffBudget = 2000

// reviewChanges asks the model for a short self-review of the turn's edits,
// buffered and low temperature so it stays terse.
func (t *turn) reviewChanges(ctx context.Context) string {
	paths := t.tracker.ChangedPaths()
	if len(paths) == 0 {
		return ""
	}

	var diffText strings.Builder
	for _, d := range t.tracker.FileDiffs() {
		if diffText.Len()+len(d.Diff) > reviewDiffBudget {
			diffText.WriteString("[remaining diffs omitted]\n")
			break
		}
		diffText.WriteString(d.Diff)
		diffText.WriteString("\n")
	}

	prompt := fmt.Sprintf(
		"You just modified these files: %s.\n\nDiffs:\n%s\nIn 2-4 sentences, review the changes for obvious gaps: missing imports, unfinished wiring, or steps the user still has to run. No praise and no restating the task.",
		strings.Join(paths, ", "), diffText.String())

	resp, err := t.client.Complete(ctx, ports.CompletionRequest{
		Messages:    []ports.Message{{Role: ports.RoleUser, Content: prompt}},
		Temperature: 0.2,
		MaxTokens:   400,
	})
	if err != nil {
		t.logger.Warn("Review call failed: %v", err)
		return ""
	}
	return strings.TrimSpace(resp.Content)
}

// maybeAutoStart starts the project once per conversation after the first
// file-mutating build turn.
func (t *turn) maybeAutoStart(modified bool) {
	if t.engine.starter == nil || t.conv.ProjectPath == "" || t.planMode || !modified {
		return
	}
	if t.engine.runtime != nil {
		if _, running := t.engine.runtime.RunningPort(t.conv.ProjectPath); running {
			return
		}
	}
	if !t.engine.markAutoStart(t.conv.ID) {
		return
	}

	port, err := t.engine.starter.Start(t.conv.ProjectPath)
	if err != nil {
		t.engine.clearAutoStart(t.conv.ID)
		t.logger.Warn("Auto-start of %s failed: %v", t.conv.ProjectPath, err)
		t.emit.Send(ports.ErrorChunk("Failed to auto-start the project: " + err.Error()))
		return
	}
	t.emit.Send(ports.AutoStartChunk(port))
}

// persistTerminal stores the turn's terminal message with its accumulated
// tool-call records. A detached context bounds the writes so a dropped client
// cannot lose the trace.
func (t *turn) persistTerminal(ctx context.Context, role, content string) {
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
	defer cancel()

	msg := &ports.StoredMessage{
		ID:             uuid.NewString(),
		ConversationID: t.conv.ID,
		Role:           role,
		Content:        content,
		ToolCalls:      t.records,
		Status:         ports.StatusStreaming,
		CreatedAt:      time.Now(),
	}
	if err := t.engine.store.AppendMessage(pctx, msg); err != nil {
		t.logger.Error("Failed to persist terminal message for %s: %v", t.conv.ID, err)
		return
	}
	if err := t.engine.store.CompleteMessage(pctx, msg.ID); err != nil {
		t.logger.Warn("Failed to finalize terminal message %s: %v", msg.ID, err)
	}
	t.conv.UpdatedAt = time.Now()
	if err := t.engine.store.UpdateConversation(pctx, t.conv); err != nil {
		t.logger.Warn("Failed to touch conversation %s: %v", t.conv.ID, err)
	}
}
