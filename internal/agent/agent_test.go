package agent

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/straycat-ai/straycat/internal/hooks"
	"github.com/straycat-ai/straycat/internal/llm"
	"github.com/straycat-ai/straycat/internal/tools"
)

// scriptedLLM replays a fixed sequence of completions and records what
// it was asked.
type scriptedLLM struct {
	script []scriptStep
	calls  []llmCall
}

type scriptStep struct {
	comp *llm.Completion
	err  error
}

type llmCall struct {
	messages []llm.Message
	toolDefs []map[string]any
}

func (s *scriptedLLM) Complete(_ context.Context, messages []llm.Message, toolDefs []map[string]any) (*llm.Completion, error) {
	s.calls = append(s.calls, llmCall{messages: messages, toolDefs: toolDefs})
	if len(s.calls) > len(s.script) {
		return nil, fmt.Errorf("unexpected llm call %d", len(s.calls))
	}
	step := s.script[len(s.calls)-1]
	return step.comp, step.err
}

func textStep(text string) scriptStep {
	return scriptStep{comp: &llm.Completion{Text: text, Model: "test"}}
}

func toolStep(name string, args map[string]any) scriptStep {
	return scriptStep{comp: &llm.Completion{ToolCall: &llm.ToolCall{Name: name, Arguments: args}, Model: "test"}}
}

func newTestLoop(t *testing.T, client llm.Client, toolReg *tools.Registry) (*Loop, *hooks.Registry, *hooks.Context) {
	t.Helper()
	reg := hooks.NewRegistry(nil)
	if toolReg == nil {
		toolReg = tools.NewRegistry()
	}
	loop := New(nil, client, reg, toolReg, nil, 3)
	loop.retryBackoff = time.Millisecond
	run := hooks.NewContext("s1", nil, nil)
	run.Input = hooks.Message{Text: "what is the answer?", SessionID: "s1"}
	return loop, reg, run
}

func TestPlainCompletion(t *testing.T) {
	client := &scriptedLLM{script: []scriptStep{textStep("forty-two")}}
	loop, _, run := newTestLoop(t, client, nil)

	resp := loop.Run(context.Background(), run)
	if resp.Text != "forty-two" {
		t.Fatalf("Text = %q, want forty-two", resp.Text)
	}
	if resp.SessionID != "s1" {
		t.Fatalf("SessionID = %q, want s1", resp.SessionID)
	}
	if len(client.calls) != 1 {
		t.Fatalf("llm calls = %d, want 1", len(client.calls))
	}
	sys := client.calls[0].messages[0]
	if sys.Role != "system" || !strings.Contains(sys.Content, "StrayCat") {
		t.Fatalf("unexpected system message %+v", sys)
	}
	user := client.calls[0].messages[1]
	if user.Role != "user" || user.Content != "what is the answer?" {
		t.Fatalf("unexpected user message %+v", user)
	}
}

func TestFastReplySkipsModel(t *testing.T) {
	client := &scriptedLLM{}
	loop, reg, run := newTestLoop(t, client, nil)

	reg.Register(hooks.AgentFastReply, "ping", "tester", 0,
		func(value any, c *hooks.Context) hooks.Result {
			return hooks.Continue(&hooks.Response{Text: "pong", Direct: true})
		})

	resp := loop.Run(context.Background(), run)
	if resp.Text != "pong" {
		t.Fatalf("Text = %q, want pong", resp.Text)
	}
	if resp.SessionID != "s1" {
		t.Fatalf("SessionID = %q, want run session", resp.SessionID)
	}
	if len(client.calls) != 0 {
		t.Fatalf("llm called %d times on fast path, want 0", len(client.calls))
	}
}

func TestNonDirectFastReplyIgnored(t *testing.T) {
	client := &scriptedLLM{script: []scriptStep{textStep("ok")}}
	loop, reg, run := newTestLoop(t, client, nil)

	reg.Register(hooks.AgentFastReply, "no-direct", "tester", 0,
		func(value any, c *hooks.Context) hooks.Result {
			return hooks.Continue(&hooks.Response{Text: "ignored"})
		})

	resp := loop.Run(context.Background(), run)
	if resp.Text != "ok" {
		t.Fatalf("Text = %q, want model answer", resp.Text)
	}
}

func TestToolLoop(t *testing.T) {
	toolReg := tools.NewRegistry()
	toolReg.Register(&tools.Tool{
		Name:        "lookup",
		Description: "look a thing up",
		Handler: func(ctx context.Context, run *hooks.Context, args map[string]any) (string, error) {
			return "42", nil
		},
	})

	client := &scriptedLLM{script: []scriptStep{
		toolStep("lookup", map[string]any{"q": "answer"}),
		textStep("the answer is 42"),
	}}
	loop, _, run := newTestLoop(t, client, toolReg)

	resp := loop.Run(context.Background(), run)
	if resp.Text != "the answer is 42" {
		t.Fatalf("Text = %q", resp.Text)
	}

	if len(run.ToolHistory) != 1 {
		t.Fatalf("ToolHistory len = %d, want 1", len(run.ToolHistory))
	}
	ev := run.ToolHistory[0]
	if ev.Tool != "lookup" || ev.Result != "42" || ev.Error != "" {
		t.Fatalf("unexpected tool event %+v", ev)
	}

	// The observation must reach the second model call.
	second := client.calls[1].messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.Content != "42" {
		t.Fatalf("observation message = %+v", last)
	}

	if resp.Why == nil || len(resp.Why.Tools) != 1 {
		t.Fatalf("expected tool trace in Why, got %+v", resp.Why)
	}
}

func TestToolErrorBecomesObservation(t *testing.T) {
	toolReg := tools.NewRegistry()
	toolReg.Register(&tools.Tool{
		Name: "flaky",
		Handler: func(ctx context.Context, run *hooks.Context, args map[string]any) (string, error) {
			return "", errors.New("boom")
		},
	})

	client := &scriptedLLM{script: []scriptStep{
		toolStep("flaky", nil),
		textStep("could not find out"),
	}}
	loop, _, run := newTestLoop(t, client, toolReg)

	resp := loop.Run(context.Background(), run)
	if resp.Text != "could not find out" {
		t.Fatalf("Text = %q", resp.Text)
	}
	if run.ToolHistory[0].Error != "boom" {
		t.Fatalf("tool event error = %q, want boom", run.ToolHistory[0].Error)
	}
	second := client.calls[1].messages
	last := second[len(second)-1]
	if last.Role != "tool" || last.Content != "Error: boom" {
		t.Fatalf("observation = %+v", last)
	}
}

func TestToolBudgetForcesText(t *testing.T) {
	toolReg := tools.NewRegistry()
	toolReg.Register(&tools.Tool{
		Name: "again",
		Handler: func(ctx context.Context, run *hooks.Context, args map[string]any) (string, error) {
			return "more", nil
		},
	})

	client := &scriptedLLM{script: []scriptStep{
		toolStep("again", nil),
		toolStep("again", nil),
		toolStep("again", nil),
		textStep("best effort"),
	}}
	loop, _, run := newTestLoop(t, client, toolReg) // maxToolCalls = 3

	resp := loop.Run(context.Background(), run)
	if resp.Text != "best effort" {
		t.Fatalf("Text = %q", resp.Text)
	}
	if len(client.calls) != 4 {
		t.Fatalf("llm calls = %d, want 4", len(client.calls))
	}
	// The forced final call must not offer tools.
	if client.calls[3].toolDefs != nil {
		t.Fatalf("final call offered tools: %v", client.calls[3].toolDefs)
	}
	if len(run.ToolHistory) != 3 {
		t.Fatalf("ToolHistory len = %d, want 3", len(run.ToolHistory))
	}
}

func TestTransientRetrySucceeds(t *testing.T) {
	client := &scriptedLLM{script: []scriptStep{
		{err: llm.Transient(errors.New("timeout"))},
		textStep("recovered"),
	}}
	loop, _, run := newTestLoop(t, client, nil)

	resp := loop.Run(context.Background(), run)
	if resp.Text != "recovered" {
		t.Fatalf("Text = %q, want recovered", resp.Text)
	}
	if len(client.calls) != 2 {
		t.Fatalf("llm calls = %d, want 2", len(client.calls))
	}
}

func TestFatalErrorDegrades(t *testing.T) {
	client := &scriptedLLM{script: []scriptStep{
		{err: llm.Fatal(errors.New("bad model"))},
	}}
	loop, _, run := newTestLoop(t, client, nil)

	resp := loop.Run(context.Background(), run)
	if resp.Text != degradedText {
		t.Fatalf("Text = %q, want degraded text", resp.Text)
	}
	if v, _ := resp.Metadata["degraded"].(bool); !v {
		t.Fatalf("Metadata missing degraded flag: %v", resp.Metadata)
	}
	if len(client.calls) != 1 {
		t.Fatalf("fatal error retried: %d calls", len(client.calls))
	}
}

func TestTransientRetryExhaustedDegrades(t *testing.T) {
	client := &scriptedLLM{script: []scriptStep{
		{err: llm.Transient(errors.New("timeout"))},
		{err: llm.Transient(errors.New("timeout"))},
	}}
	loop, _, run := newTestLoop(t, client, nil)

	resp := loop.Run(context.Background(), run)
	if resp.Text != degradedText {
		t.Fatalf("Text = %q, want degraded text", resp.Text)
	}
	if len(client.calls) != 2 {
		t.Fatalf("llm calls = %d, want 2", len(client.calls))
	}
}

func TestAllowedToolsHookFilters(t *testing.T) {
	toolReg := tools.NewRegistry()
	for _, name := range []string{"alpha", "beta"} {
		toolReg.Register(&tools.Tool{
			Name: name,
			Handler: func(ctx context.Context, run *hooks.Context, args map[string]any) (string, error) {
				return "", nil
			},
		})
	}

	client := &scriptedLLM{script: []scriptStep{textStep("done")}}
	loop, reg, run := newTestLoop(t, client, toolReg)

	reg.Register(hooks.AgentAllowedTools, "only-alpha", "tester", 0,
		func(value any, c *hooks.Context) hooks.Result {
			return hooks.Continue([]string{"alpha"})
		})

	loop.Run(context.Background(), run)
	defs := client.calls[0].toolDefs
	if len(defs) != 1 {
		t.Fatalf("toolDefs len = %d, want 1", len(defs))
	}
}

func TestPromptSectionHooks(t *testing.T) {
	client := &scriptedLLM{script: []scriptStep{textStep("done")}}
	loop, reg, run := newTestLoop(t, client, nil)

	reg.Register(hooks.AgentPromptPrefix, "pirate", "tester", 0,
		func(value any, c *hooks.Context) hooks.Result {
			return hooks.Continue("You are a pirate.")
		})

	loop.Run(context.Background(), run)
	sys := client.calls[0].messages[0].Content
	if !strings.Contains(sys, "You are a pirate.") {
		t.Fatalf("system prompt missing hook prefix: %q", sys)
	}
	if strings.Contains(sys, "StrayCat") {
		t.Fatalf("default prefix survived replacement: %q", sys)
	}
}

func TestRenderContextIncludesRecallAndWorking(t *testing.T) {
	run := hooks.NewContext("s1", nil, nil)
	run.Working.Set("mood", "curious")

	got := renderContext(run)
	if !strings.Contains(got, "mood: curious") {
		t.Fatalf("renderContext missing working notes: %q", got)
	}
	if strings.Contains(got, "Recalled memories") {
		t.Fatalf("empty recall rendered a section: %q", got)
	}
}
