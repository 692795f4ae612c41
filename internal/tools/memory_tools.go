package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/straycat-ai/straycat/internal/hooks"
	"github.com/straycat-ai/straycat/internal/memory"
)

// SeedProceduralMemory stores each registered tool's description as a
// procedural record, so recall over the tool-and-skill kind has real
// entries to return. Seeding is skipped when procedural records already
// exist, keeping restarts from duplicating them.
func SeedProceduralMemory(ctx context.Context, store *memory.Store, r *Registry) error {
	if store.Count()[memory.Procedural] > 0 {
		return nil
	}
	for _, name := range r.Names() {
		t := r.Get(name)
		text := fmt.Sprintf("%s: %s", t.Name, t.Description)
		if _, err := store.Store(ctx, memory.Procedural, text, map[string]any{"tool": t.Name}); err != nil {
			return fmt.Errorf("seed procedural memory for %q: %w", t.Name, err)
		}
	}
	return nil
}

// RegisterMemoryTools adds the built-in tools that operate on the
// long-term memory facade.
func RegisterMemoryTools(r *Registry, store *memory.Store) {
	r.Register(&Tool{
		Name:        "recall_memory",
		Description: "Search long-term memory. Use this to look up facts, past conversations, or known procedures before answering from guesswork.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"kind": map[string]any{
					"type":        "string",
					"description": "Memory kind to search: episodic (conversation history), declarative (documents), or procedural (skills)",
				},
				"query": map[string]any{
					"type":        "string",
					"description": "What to search for",
				},
				"k": map[string]any{
					"type":        "integer",
					"description": "Maximum results to return (default 5)",
				},
			},
			"required": []string{"query"},
		},
		Handler: func(ctx context.Context, _ *hooks.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("query is required")
			}

			kind := memory.Declarative
			if k, ok := args["kind"].(string); ok && k != "" {
				kind = memory.Kind(k)
				if !kind.Valid() {
					return "", fmt.Errorf("unknown memory kind %q", k)
				}
			}

			k := 5
			if v, ok := args["k"].(float64); ok && v > 0 {
				k = int(v)
			}

			recs, err := store.Recall(ctx, kind, query, k)
			if err != nil {
				return "", err
			}
			if len(recs) == 0 {
				return fmt.Sprintf("No %s memories found for %q.", kind, query), nil
			}

			var sb strings.Builder
			fmt.Fprintf(&sb, "Found %d %s memories:\n", len(recs), kind)
			for _, rec := range recs {
				fmt.Fprintf(&sb, "- [%s] (score %.2f) %s\n", rec.ID, rec.Score, rec.Text)
			}
			return sb.String(), nil
		},
	})

	r.Register(&Tool{
		Name:        "save_note",
		Description: "Save a fact to long-term declarative memory so it can be recalled in future conversations.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"text": map[string]any{
					"type":        "string",
					"description": "The fact to remember, phrased as a standalone sentence",
				},
			},
			"required": []string{"text"},
		},
		Handler: func(ctx context.Context, run *hooks.Context, args map[string]any) (string, error) {
			text, _ := args["text"].(string)
			if text == "" {
				return "", fmt.Errorf("text is required")
			}

			meta := map[string]any{"source": "save_note"}
			if run != nil {
				meta["session_id"] = run.SessionID
			}
			id, err := store.Store(ctx, memory.Declarative, text, meta)
			if err != nil {
				return "", err
			}
			return fmt.Sprintf("Saved note %s.", id), nil
		},
	})

	r.Register(&Tool{
		Name:        "forget_memory",
		Description: "Delete one memory by kind and identifier. Deleting an unknown identifier is harmless.",
		Parameters: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"kind": map[string]any{
					"type":        "string",
					"description": "Memory kind: episodic, declarative, or procedural",
				},
				"id": map[string]any{
					"type":        "string",
					"description": "The memory identifier to delete",
				},
			},
			"required": []string{"kind", "id"},
		},
		Handler: func(ctx context.Context, _ *hooks.Context, args map[string]any) (string, error) {
			kindStr, _ := args["kind"].(string)
			id, _ := args["id"].(string)
			if kindStr == "" || id == "" {
				return "", fmt.Errorf("kind and id are required")
			}
			kind := memory.Kind(kindStr)
			if !kind.Valid() {
				return "", fmt.Errorf("unknown memory kind %q", kindStr)
			}
			if err := store.Delete(ctx, kind, id); err != nil {
				return "", err
			}
			return fmt.Sprintf("Forgot %s memory %s.", kind, id), nil
		},
	})
}
