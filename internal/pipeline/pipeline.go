// Package pipeline runs one conversation turn end to end: ingress,
// recall query rewrite, memory recall, the agent loop, and egress. Each
// stage passes through its hook point, so plugins can observe, rewrite,
// or veto the turn at well-defined seams.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/straycat-ai/straycat/internal/agent"
	"github.com/straycat-ai/straycat/internal/events"
	"github.com/straycat-ai/straycat/internal/hooks"
	"github.com/straycat-ai/straycat/internal/memory"
)

// Status is the terminal disposition of a turn.
type Status string

const (
	// StatusCompleted means a response was produced normally.
	StatusCompleted Status = "completed"
	// StatusRejected means an ingress hook vetoed the message before
	// any downstream stage ran.
	StatusRejected Status = "rejected"
	// StatusDegraded means a response was produced without the model
	// (backend failure or turn timeout).
	StatusDegraded Status = "degraded"
)

// ParseError marks an inbound payload that could not be decoded. It
// aborts the turn before any hook runs.
type ParseError struct {
	Err error
}

func (e *ParseError) Error() string { return fmt.Sprintf("parse message: %v", e.Err) }
func (e *ParseError) Unwrap() error { return e.Err }

// RecallRequest is the mutable recall plan dispatched to recall hooks:
// the query text and the number of records to fetch.
type RecallRequest struct {
	Query string
	K     int
}

// TurnResult is the outcome of one conversation turn.
type TurnResult struct {
	Status   Status          `json:"status"`
	Response *hooks.Response `json:"response,omitempty"`
	// Reason carries the veto reason for rejected turns.
	Reason string `json:"reason,omitempty"`
	RunID  string `json:"run_id,omitempty"`
}

// Options tune pipeline behavior.
type Options struct {
	// RecallK is the per-kind recall depth. Values below one disable
	// recall.
	RecallK int
	// RecallVetoStopsAll widens a per-kind recall veto to skip the
	// remaining kinds as well.
	RecallVetoStopsAll bool
	// TurnTimeout bounds one turn end to end. Zero means no limit.
	TurnTimeout time.Duration
}

// Pipeline wires the stages together for a running instance.
type Pipeline struct {
	logger   *slog.Logger
	hooks    *hooks.Registry
	store    *memory.Store
	agent    *agent.Loop
	bus      *events.Bus
	settings hooks.SettingsFunc
	opts     Options
}

// New creates a conversation pipeline.
func New(logger *slog.Logger, reg *hooks.Registry, store *memory.Store, loop *agent.Loop, bus *events.Bus, settings hooks.SettingsFunc, opts Options) *Pipeline {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	return &Pipeline{
		logger:   logger,
		hooks:    reg,
		store:    store,
		agent:    loop,
		bus:      bus,
		settings: settings,
		opts:     opts,
	}
}

// RunRaw decodes a JSON payload and runs the turn. A decode failure
// aborts before any hook runs.
func (p *Pipeline) RunRaw(ctx context.Context, payload []byte) (*TurnResult, error) {
	var msg hooks.Message
	if err := json.Unmarshal(payload, &msg); err != nil {
		return nil, &ParseError{Err: err}
	}
	if msg.Text == "" {
		return nil, &ParseError{Err: fmt.Errorf("message text is required")}
	}
	return p.Run(ctx, msg), nil
}

// Run executes one turn. It always returns a result; backend failures
// and timeouts surface as a degraded response, never as an error.
func (p *Pipeline) Run(ctx context.Context, msg hooks.Message) *TurnResult {
	if p.opts.TurnTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.TurnTimeout)
		defer cancel()
	}

	run := hooks.NewContext(msg.SessionID, p.store, p.logger)
	run.Input = msg
	run.Settings = p.settings

	p.logger.Info("turn started", "run_id", run.ID, "session", run.SessionID)
	p.bus.Emit(events.SourcePipeline, events.KindTurnStarted, run.SessionID,
		map[string]any{"run_id": run.ID})

	// Ingress. A veto here rejects the turn with no downstream stages.
	input, veto := hooks.DispatchValue(p.hooks, run, hooks.BeforeCatReadsMessage, msg)
	if veto != nil {
		p.logger.Info("turn rejected", "run_id", run.ID, "owner", veto.Owner, "reason", veto.Reason)
		p.bus.Emit(events.SourcePipeline, events.KindTurnRejected, run.SessionID,
			map[string]any{"run_id": run.ID, "reason": veto.Reason})
		return &TurnResult{Status: StatusRejected, Reason: veto.Reason, RunID: run.ID}
	}
	run.Input = input

	// Recall query rewrite.
	run.RecallQuery, _ = hooks.DispatchValue(p.hooks, run, hooks.CatRecallQuery, run.Input.Text)

	p.recall(ctx, run)

	resp := p.agent.Run(ctx, run)
	run.Output = resp

	// Egress. The final hook-threaded value is what gets delivered.
	final, _ := hooks.DispatchValue(p.hooks, run, hooks.BeforeCatSendsMessage, resp)
	if final == nil {
		final = resp
	}
	run.Output = final

	p.storeEpisodicPair(ctx, run, final)

	status := StatusCompleted
	if degraded, _ := final.Metadata["degraded"].(bool); degraded {
		status = StatusDegraded
	}

	p.logger.Info("turn completed", "run_id", run.ID, "status", status)
	p.bus.Emit(events.SourcePipeline, events.KindTurnCompleted, run.SessionID,
		map[string]any{"run_id": run.ID, "status": string(status)})

	return &TurnResult{Status: status, Response: final, RunID: run.ID}
}

// recall fills run.Recalled for each memory kind, dispatching the
// whole-stage hook once and the per-kind hooks around each lookup. A
// whole-stage veto skips recall entirely; a per-kind veto skips that
// kind, or the remaining kinds too when RecallVetoStopsAll is set.
func (p *Pipeline) recall(ctx context.Context, run *hooks.Context) {
	if p.store == nil || p.opts.RecallK < 1 {
		return
	}

	plan, veto := hooks.DispatchValue(p.hooks, run, hooks.BeforeCatRecallsMemories,
		&RecallRequest{Query: run.RecallQuery, K: p.opts.RecallK})
	if veto != nil {
		p.logger.Debug("recall skipped", "run_id", run.ID, "reason", veto.Reason)
		return
	}

	for _, kind := range memory.Kinds() {
		req := &RecallRequest{Query: plan.Query, K: plan.K}
		req, veto = hooks.DispatchValue(p.hooks, run, hooks.RecallPointFor(kind), req)
		if veto != nil {
			p.logger.Debug("recall kind skipped",
				"run_id", run.ID, "kind", kind, "reason", veto.Reason)
			if p.opts.RecallVetoStopsAll {
				break
			}
			continue
		}

		records, err := p.store.Recall(ctx, kind, req.Query, req.K)
		if err != nil {
			p.logger.Warn("recall failed", "run_id", run.ID, "kind", kind, "error", err)
			continue
		}
		if len(records) > 0 {
			run.Recalled[kind] = records
		}
	}

	run.Recalled, _ = hooks.DispatchValue(p.hooks, run, hooks.AfterCatRecallsMemories, run.Recalled)
}

// storeEpisodicPair appends the user message and the response to
// episodic memory as one turn pair. Storage failures are logged, never
// raised: the response has already been decided.
func (p *Pipeline) storeEpisodicPair(ctx context.Context, run *hooks.Context, resp *hooks.Response) {
	if p.store == nil {
		return
	}
	// The pair outlives a turn timeout.
	ctx = context.WithoutCancel(ctx)

	meta := func(role string) map[string]any {
		return map[string]any{"role": role, "session_id": run.SessionID, "run_id": run.ID}
	}
	if _, err := p.store.Store(ctx, memory.Episodic, run.Input.Text, meta("user")); err != nil {
		p.logger.Warn("episodic store failed", "run_id", run.ID, "role", "user", "error", err)
		return
	}
	if _, err := p.store.Store(ctx, memory.Episodic, resp.Text, meta("assistant")); err != nil {
		p.logger.Warn("episodic store failed", "run_id", run.ID, "role", "assistant", "error", err)
	}
}
