package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/straycat-ai/straycat/internal/httpkit"
)

// OllamaClient talks to an Ollama-compatible chat API.
type OllamaClient struct {
	baseURL     string
	model       string
	temperature float64
	httpClient  *http.Client
}

// NewOllamaClient creates a client for the given endpoint and model.
func NewOllamaClient(baseURL, model string, temperature float64) *OllamaClient {
	if baseURL == "" {
		baseURL = "http://localhost:11434"
	}
	return &OllamaClient{
		baseURL:     baseURL,
		model:       model,
		temperature: temperature,
		httpClient: httpkit.NewClient(
			// Large models with tools need time.
			httpkit.WithTimeout(5 * time.Minute),
		),
	}
}

// wire types for the Ollama chat API.

type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []wireToolCall `json:"tool_calls,omitempty"`
}

type wireToolCall struct {
	Function struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	} `json:"function"`
}

type chatRequest struct {
	Model    string           `json:"model"`
	Messages []chatMessage    `json:"messages"`
	Stream   bool             `json:"stream"`
	Tools    []map[string]any `json:"tools,omitempty"`
	Options  *chatOptions     `json:"options,omitempty"`
}

type chatOptions struct {
	Temperature float64 `json:"temperature,omitempty"`
}

type chatResponse struct {
	Model           string      `json:"model"`
	Message         chatMessage `json:"message"`
	Done            bool        `json:"done"`
	PromptEvalCount int         `json:"prompt_eval_count,omitempty"`
	EvalCount       int         `json:"eval_count,omitempty"`
}

// Complete sends a non-streaming chat request. Network failures and
// 5xx responses are classified transient; other HTTP errors are fatal.
func (c *OllamaClient) Complete(ctx context.Context, messages []Message, tools []map[string]any) (*Completion, error) {
	req := chatRequest{
		Model:    c.model,
		Messages: make([]chatMessage, len(messages)),
		Stream:   false,
		Tools:    tools,
	}
	for i, m := range messages {
		req.Messages[i] = chatMessage{Role: m.Role, Content: m.Content}
	}
	if c.temperature > 0 {
		req.Options = &chatOptions{Temperature: c.temperature}
	}

	jsonData, err := json.Marshal(req)
	if err != nil {
		return nil, Fatal(fmt.Errorf("marshal request: %w", err))
	}

	httpReq, err := http.NewRequestWithContext(ctx, "POST", c.baseURL+"/api/chat", bytes.NewReader(jsonData))
	if err != nil {
		return nil, Fatal(fmt.Errorf("create request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return nil, Transient(fmt.Errorf("request failed: %w", err))
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body := httpkit.ReadErrorBody(resp.Body, 512)
		err := fmt.Errorf("API error %d: %s", resp.StatusCode, body)
		if resp.StatusCode >= 500 {
			return nil, Transient(err)
		}
		return nil, Fatal(err)
	}

	var chatResp chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&chatResp); err != nil {
		return nil, Transient(fmt.Errorf("decode response: %w", err))
	}

	out := &Completion{
		Text:         chatResp.Message.Content,
		Model:        chatResp.Model,
		InputTokens:  chatResp.PromptEvalCount,
		OutputTokens: chatResp.EvalCount,
	}

	if len(chatResp.Message.ToolCalls) > 0 {
		tc := chatResp.Message.ToolCalls[0]
		out.ToolCall = &ToolCall{Name: tc.Function.Name, Arguments: tc.Function.Arguments}
		return out, nil
	}

	// Many models emit tool calls as JSON in the content instead of the
	// native tool_calls field.
	if parsed := parseTextToolCall(out.Text); parsed != nil {
		out.ToolCall = parsed
		out.Text = ""
	}
	return out, nil
}

// Ping checks whether the backend is reachable.
func (c *OllamaClient) Ping(ctx context.Context) error {
	httpReq, err := http.NewRequestWithContext(ctx, "GET", c.baseURL+"/api/tags", nil)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("API error %d", resp.StatusCode)
	}
	return nil
}

// parseTextToolCall extracts a tool call from content text. Handles the
// common formats:
//   - Raw JSON object: {"name": "...", "arguments": {...}}
//   - JSON array: [{"name": "...", "arguments": {...}}]
//   - Tagged: <tool_call>...</tool_call>
func parseTextToolCall(content string) *ToolCall {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil
	}

	if strings.Contains(content, "<tool_call>") {
		start := strings.Index(content, "<tool_call>")
		end := strings.Index(content, "</tool_call>")
		if start != -1 && end > start {
			content = strings.TrimSpace(content[start+len("<tool_call>") : end])
		} else if start != -1 {
			// No closing tag, take rest of content.
			content = strings.TrimSpace(content[start+len("<tool_call>"):])
		}
	}

	var calls []struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(content), &calls); err == nil && len(calls) > 0 && calls[0].Name != "" {
		return &ToolCall{Name: calls[0].Name, Arguments: calls[0].Arguments}
	}

	var single struct {
		Name      string         `json:"name"`
		Arguments map[string]any `json:"arguments"`
	}
	if err := json.Unmarshal([]byte(content), &single); err == nil && single.Name != "" {
		return &ToolCall{Name: single.Name, Arguments: single.Arguments}
	}

	return nil
}
