// Package llm is a client for an OpenAI-compatible chat-completions and
// embeddings API. It speaks the function-calling dialect: tools are
// offered as JSON-schema function definitions and the model answers
// either with text or with tool calls to execute.
package llm

import (
	"encoding/json"
	"fmt"
)

// Chat message roles on the wire.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// FunctionCall is the function name and raw JSON arguments of one tool call.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// ToolCall is one tool invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// ChatMessage is one turn in a chat-completions conversation. ToolCalls is
// set on assistant turns that request tools; ToolCallID ties a tool-role
// turn back to the call it answers.
type ChatMessage struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// FunctionDef describes one callable function. Parameters is a JSON schema
// passed through opaquely.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

// Tool wraps a function definition in the provider's tool envelope.
type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// NewFunctionTool builds a Tool of type "function".
func NewFunctionTool(name, description string, parameters json.RawMessage) Tool {
	return Tool{Type: "function", Function: FunctionDef{
		Name:        name,
		Description: description,
		Parameters:  parameters,
	}}
}

// Completion is the assistant's reply to one chat request.
type Completion struct {
	Message      ChatMessage
	FinishReason string
}

// HasToolCalls reports whether the model asked for tools instead of (or in
// addition to) answering.
func (c *Completion) HasToolCalls() bool {
	return len(c.Message.ToolCalls) > 0
}

// APIError is a non-2xx reply from the provider.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("llm: provider returned %d: %s", e.Status, e.Message)
}
