// Package agent runs the reasoning loop for one conversation turn: an
// optional hook-provided fast path, prompt assembly from hook-shaped
// sections, and a bounded act/observe cycle against the LLM and the
// tool registry.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/straycat-ai/straycat/internal/events"
	"github.com/straycat-ai/straycat/internal/hooks"
	"github.com/straycat-ai/straycat/internal/llm"
	"github.com/straycat-ai/straycat/internal/memory"
	"github.com/straycat-ai/straycat/internal/tools"
)

// Default prompt sections. Each is dispatched through its hook point,
// so plugins can rewrite or replace them per turn.
const (
	defaultPromptPrefix = "You are StrayCat, a curious and helpful AI assistant. " +
		"You answer with brief, direct replies and a touch of wit."

	defaultPromptInstructions = "You may call tools to look things up or act on the " +
		"user's behalf. Call a tool only when it helps answer the request; " +
		"otherwise reply directly with plain text."

	defaultPromptSuffix = "Reply to the user's last message."
)

// degradedText is returned when the model backend stays unreachable
// after a retry. The turn still completes.
const degradedText = "I could not reach my language model just now. Please try again in a moment."

const defaultRetryBackoff = 250 * time.Millisecond

// Input is the assembled material handed to the model for one turn.
// Hooks at before_agent_starts may rewrite it.
type Input struct {
	// Query is the user's request text.
	Query string
	// Context is the rendered recall and working-memory block injected
	// into the system prompt. Empty when nothing was recalled.
	Context string
}

// Loop drives the agent cycle for conversation turns.
type Loop struct {
	logger *slog.Logger
	llm    llm.Client
	hooks  *hooks.Registry
	tools  *tools.Registry
	bus    *events.Bus

	maxToolCalls int
	retryBackoff time.Duration
}

// New creates an agent loop. maxToolCalls bounds the number of tool
// invocations per turn; values below one fall back to one.
func New(logger *slog.Logger, client llm.Client, reg *hooks.Registry, toolReg *tools.Registry, bus *events.Bus, maxToolCalls int) *Loop {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	if maxToolCalls < 1 {
		maxToolCalls = 1
	}
	return &Loop{
		logger:       logger,
		llm:          client,
		hooks:        reg,
		tools:        toolReg,
		bus:          bus,
		maxToolCalls: maxToolCalls,
		retryBackoff: defaultRetryBackoff,
	}
}

// Run executes one turn and always produces a terminal response: the
// fast path, a model answer, or a degraded reply when the backend is
// down. It never returns nil.
func (l *Loop) Run(ctx context.Context, run *hooks.Context) *hooks.Response {
	// Fast path: a hook may answer directly, skipping the model.
	if fast, _ := hooks.DispatchValue[*hooks.Response](l.hooks, run, hooks.AgentFastReply, nil); fast != nil && fast.Direct {
		if fast.SessionID == "" {
			fast.SessionID = run.SessionID
		}
		l.logger.Debug("fast reply", "run_id", run.ID)
		return fast
	}

	input, _ := hooks.DispatchValue(l.hooks, run, hooks.BeforeAgentStarts, &Input{
		Query:   run.Input.Text,
		Context: renderContext(run),
	})

	prefix, _ := hooks.DispatchValue(l.hooks, run, hooks.AgentPromptPrefix, defaultPromptPrefix)
	instructions, _ := hooks.DispatchValue(l.hooks, run, hooks.AgentPromptInstructions, defaultPromptInstructions)
	suffix, _ := hooks.DispatchValue(l.hooks, run, hooks.AgentPromptSuffix, defaultPromptSuffix)

	allowed, _ := hooks.DispatchValue(l.hooks, run, hooks.AgentAllowedTools, l.tools.Names())
	reg := l.tools.FilteredCopy(allowed)
	toolDefs := reg.List()

	messages := []llm.Message{
		{Role: "system", Content: systemPrompt(prefix, instructions, input.Context, suffix)},
		{Role: "user", Content: input.Query},
	}

	for i := 0; i < l.maxToolCalls; i++ {
		if err := ctx.Err(); err != nil {
			return l.degraded(run, err)
		}

		comp, err := l.complete(ctx, messages, toolDefs)
		if err != nil {
			return l.degraded(run, err)
		}

		if comp.ToolCall == nil {
			return l.finalize(run, comp.Text)
		}

		messages = append(messages, l.executeTool(ctx, run, reg, comp.ToolCall)...)
	}

	// Tool budget spent: one last call without tools to force text.
	l.logger.Warn("tool budget exhausted, forcing text response",
		"run_id", run.ID, "max_tool_calls", l.maxToolCalls)
	comp, err := l.complete(ctx, messages, nil)
	if err != nil {
		return l.degraded(run, err)
	}
	return l.finalize(run, comp.Text)
}

// executeTool runs one requested tool and returns the message pair to
// append to the transcript: the assistant's call and the observation. A
// tool failure becomes an observation the model can react to.
func (l *Loop) executeTool(ctx context.Context, run *hooks.Context, reg *tools.Registry, tc *llm.ToolCall) []llm.Message {
	ev := hooks.ToolEvent{Tool: tc.Name, Args: tc.Arguments, At: time.Now()}

	l.logger.Info("tool exec", "run_id", run.ID, "tool", tc.Name)
	l.bus.Emit(events.SourceAgent, events.KindToolCall, run.SessionID,
		map[string]any{"tool": tc.Name})

	result, err := reg.Execute(ctx, run, tc.Name, tc.Arguments)
	if err != nil {
		result = "Error: " + err.Error()
		ev.Error = err.Error()
		l.logger.Error("tool exec failed", "run_id", run.ID, "tool", tc.Name, "error", err)
	} else {
		ev.Result = result
	}
	run.RecordTool(ev)

	argsJSON, _ := json.Marshal(tc.Arguments)
	return []llm.Message{
		{Role: "assistant", Content: fmt.Sprintf("[tool_call] %s(%s)", tc.Name, argsJSON)},
		{Role: "tool", Content: result},
	}
}

// complete calls the model, retrying once after a short backoff when
// the failure is transient.
func (l *Loop) complete(ctx context.Context, messages []llm.Message, toolDefs []map[string]any) (*llm.Completion, error) {
	start := time.Now()
	comp, err := l.llm.Complete(ctx, messages, toolDefs)
	if err == nil {
		l.emitLLMCall(comp, time.Since(start))
		return comp, nil
	}
	if !llm.IsTransient(err) {
		return nil, err
	}

	l.logger.Warn("llm call failed, retrying", "error", err, "backoff", l.retryBackoff)
	select {
	case <-time.After(l.retryBackoff):
	case <-ctx.Done():
		return nil, ctx.Err()
	}

	comp, err = l.llm.Complete(ctx, messages, toolDefs)
	if err != nil {
		return nil, fmt.Errorf("llm retry failed: %w", err)
	}
	l.emitLLMCall(comp, time.Since(start))
	return comp, nil
}

func (l *Loop) emitLLMCall(comp *llm.Completion, elapsed time.Duration) {
	l.bus.Emit(events.SourceAgent, events.KindLLMCall, "", map[string]any{
		"model":         comp.Model,
		"input_tokens":  comp.InputTokens,
		"output_tokens": comp.OutputTokens,
		"elapsed_ms":    elapsed.Milliseconds(),
	})
}

// finalize builds the terminal response with its evidence trace.
func (l *Loop) finalize(run *hooks.Context, text string) *hooks.Response {
	resp := &hooks.Response{
		Text:      text,
		SessionID: run.SessionID,
	}
	if len(run.Recalled) > 0 || len(run.ToolHistory) > 0 {
		resp.Why = &hooks.Why{Memories: run.Recalled, Tools: run.ToolHistory}
	}
	return resp
}

// degraded builds the terminal response for a turn the backend could
// not serve.
func (l *Loop) degraded(run *hooks.Context, err error) *hooks.Response {
	l.logger.Error("turn degraded", "run_id", run.ID, "error", err)
	return &hooks.Response{
		Text:      degradedText,
		SessionID: run.SessionID,
		Metadata:  map[string]any{"degraded": true, "error": err.Error()},
	}
}

// systemPrompt joins the non-empty prompt sections.
func systemPrompt(sections ...string) string {
	var sb strings.Builder
	for _, s := range sections {
		if s == "" {
			continue
		}
		if sb.Len() > 0 {
			sb.WriteString("\n\n")
		}
		sb.WriteString(s)
	}
	return sb.String()
}

// renderContext flattens recalled memories and working-memory entries
// into a prompt block.
func renderContext(run *hooks.Context) string {
	var sb strings.Builder

	if len(run.Recalled) > 0 {
		sb.WriteString("## Recalled memories\n")
		kinds := make([]memory.Kind, 0, len(run.Recalled))
		for k := range run.Recalled {
			kinds = append(kinds, k)
		}
		sort.Slice(kinds, func(i, j int) bool { return kinds[i] < kinds[j] })
		for _, k := range kinds {
			for _, rec := range run.Recalled[k] {
				fmt.Fprintf(&sb, "- (%s) %s\n", k, rec.Text)
			}
		}
	}

	if run.Working != nil && run.Working.Len() > 0 {
		if sb.Len() > 0 {
			sb.WriteString("\n")
		}
		sb.WriteString("## Working notes\n")
		for _, key := range run.Working.Keys() {
			v, _ := run.Working.Get(key)
			fmt.Fprintf(&sb, "- %s: %v\n", key, v)
		}
	}

	return strings.TrimRight(sb.String(), "\n")
}
