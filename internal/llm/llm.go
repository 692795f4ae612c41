// Package llm defines the language model collaborator boundary and its
// Ollama-compatible HTTP implementation.
package llm

import (
	"context"
	"errors"
	"fmt"
)

// Message represents a chat message for the LLM.
type Message struct {
	Role    string `json:"role"` // system, user, assistant, tool
	Content string `json:"content"`
}

// ToolCall is the structured tool request in a completion.
type ToolCall struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Completion is the unified result of one model call: text, an optional
// tool request, and token accounting.
type Completion struct {
	Text         string
	ToolCall     *ToolCall
	Model        string
	InputTokens  int
	OutputTokens int
}

// Client is the LLM backend boundary. Implementations return text
// and/or a structured tool call; errors carry a transient or fatal
// kind so callers can decide whether to retry.
type Client interface {
	Complete(ctx context.Context, messages []Message, tools []map[string]any) (*Completion, error)
}

// ErrorKind classifies backend failures.
type ErrorKind int

const (
	// KindTransient marks failures worth one retry (timeouts, 5xx).
	KindTransient ErrorKind = iota
	// KindFatal marks failures a retry will not fix (bad request, auth).
	KindFatal
)

// BackendError wraps a backend failure with its retry classification.
type BackendError struct {
	Kind ErrorKind
	Err  error
}

func (e *BackendError) Error() string {
	if e.Kind == KindTransient {
		return fmt.Sprintf("llm backend (transient): %v", e.Err)
	}
	return fmt.Sprintf("llm backend (fatal): %v", e.Err)
}

func (e *BackendError) Unwrap() error { return e.Err }

// Transient wraps err as a retryable backend error.
func Transient(err error) error {
	return &BackendError{Kind: KindTransient, Err: err}
}

// Fatal wraps err as a non-retryable backend error.
func Fatal(err error) error {
	return &BackendError{Kind: KindFatal, Err: err}
}

// IsTransient reports whether err is a retryable backend error.
// Unclassified errors are treated as transient, erring on the side of
// one retry.
func IsTransient(err error) bool {
	var be *BackendError
	if errors.As(err, &be) {
		return be.Kind == KindTransient
	}
	return true
}
