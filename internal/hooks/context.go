package hooks

import (
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/straycat-ai/straycat/internal/memory"
)

// Message is the raw inbound payload: a JSON-like structure with at
// least a text field and a session identifier.
type Message struct {
	Text      string         `json:"text"`
	SessionID string         `json:"session_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
}

// Response is the outbound payload, same shape as Message plus a trace
// of how it was produced.
type Response struct {
	Text      string         `json:"text"`
	SessionID string         `json:"session_id"`
	Metadata  map[string]any `json:"metadata,omitempty"`
	Why       *Why           `json:"why,omitempty"`

	// Direct marks a fast-path reply. When an agent_fast_reply hook
	// returns a Response with Direct set, the agent loop terminates
	// without invoking the LLM.
	Direct bool `json:"-"`
}

// Why traces the evidence behind a response: what was recalled and
// which tools ran.
type Why struct {
	Memories map[memory.Kind][]memory.Record `json:"memories,omitempty"`
	Tools    []ToolEvent                     `json:"tools,omitempty"`
}

// ToolEvent records one tool invocation during a turn.
type ToolEvent struct {
	Tool   string         `json:"tool"`
	Args   map[string]any `json:"args,omitempty"`
	Result string         `json:"result,omitempty"`
	Error  string         `json:"error,omitempty"`
	At     time.Time      `json:"at"`
}

// SettingsFunc resolves the configuration key-value map for a plugin
// identifier. Supplied by the plugin host.
type SettingsFunc func(owner string) map[string]any

// Context is the shared mutable state for one pipeline run. It is owned
// exclusively by that run and must not be shared across concurrent
// tasks; the only cross-task state is the memory store behind the
// facade.
type Context struct {
	// ID uniquely identifies this run.
	ID string
	// SessionID groups turns into a conversation.
	SessionID string

	// Memory is the long-term store facade.
	Memory *memory.Store
	// Working is the per-run key-value working memory.
	Working *WorkingMemory

	// Input is the parsed inbound message (conversation runs only).
	Input Message
	// RecallQuery is the (possibly rewritten) query used for recall.
	RecallQuery string
	// Recalled holds recall results grouped by kind.
	Recalled map[memory.Kind][]memory.Record
	// ToolHistory accumulates tool invocations for this run.
	ToolHistory []ToolEvent
	// Output is the terminal response once the agent loop finishes.
	Output *Response

	// Settings resolves per-plugin configuration. Nil-safe via
	// PluginSettings.
	Settings SettingsFunc

	Logger *slog.Logger
}

// NewContext creates an execution context for one run.
func NewContext(sessionID string, store *memory.Store, logger *slog.Logger) *Context {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	id, _ := uuid.NewV7()
	return &Context{
		ID:        id.String(),
		SessionID: sessionID,
		Memory:    store,
		Working:   NewWorkingMemory(),
		Recalled:  make(map[memory.Kind][]memory.Record),
		Logger:    logger,
	}
}

// PluginSettings returns the configuration map for a plugin, or an
// empty map when no settings source is wired.
func (c *Context) PluginSettings(owner string) map[string]any {
	if c.Settings == nil {
		return map[string]any{}
	}
	if m := c.Settings(owner); m != nil {
		return m
	}
	return map[string]any{}
}

// RecordTool appends a tool event to the run's history.
func (c *Context) RecordTool(ev ToolEvent) {
	c.ToolHistory = append(c.ToolHistory, ev)
}

// WorkingMemory is an insertion-ordered key-value map with unique keys.
// It belongs to a single run and is not safe for concurrent use; runs
// never share it.
type WorkingMemory struct {
	keys   []string
	values map[string]any
}

// NewWorkingMemory creates an empty working memory.
func NewWorkingMemory() *WorkingMemory {
	return &WorkingMemory{values: make(map[string]any)}
}

// Set stores a value. A new key is appended to the iteration order; an
// existing key keeps its original position.
func (w *WorkingMemory) Set(key string, value any) {
	if _, ok := w.values[key]; !ok {
		w.keys = append(w.keys, key)
	}
	w.values[key] = value
}

// Get returns the value for key and whether it exists.
func (w *WorkingMemory) Get(key string) (any, bool) {
	v, ok := w.values[key]
	return v, ok
}

// Delete removes a key. Unknown keys are a no-op.
func (w *WorkingMemory) Delete(key string) {
	if _, ok := w.values[key]; !ok {
		return
	}
	delete(w.values, key)
	for i, k := range w.keys {
		if k == key {
			w.keys = append(w.keys[:i], w.keys[i+1:]...)
			break
		}
	}
}

// Keys returns the keys in insertion order.
func (w *WorkingMemory) Keys() []string {
	out := make([]string, len(w.keys))
	copy(out, w.keys)
	return out
}

// Len returns the number of stored keys.
func (w *WorkingMemory) Len() int {
	return len(w.keys)
}
