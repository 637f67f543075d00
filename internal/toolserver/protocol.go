package toolserver

import (
	"encoding/json"
	"fmt"
)

// protocolVersion is the MCP protocol revision sent during initialize.
const protocolVersion = "2024-11-05"

// request is an outbound JSON-RPC 2.0 request or notification. A nil ID
// marks a notification: no response is ever expected for it.
type request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      *int64 `json:"id,omitempty"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// response is an inbound JSON-RPC 2.0 response after id extraction.
type response struct {
	id     int64
	result json.RawMessage
	err    *rpcError
}

type rpcError struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// inbound is the raw shape of any message arriving on a server's stdout.
// The variant is determined by which fields are present: a Method marks a
// request or notification from the server, an ID with Result or Error marks
// a response to one of ours.
type inbound struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *rpcError       `json:"error,omitempty"`
}

// asResponse interprets the message as a response to a pending request.
// It returns false for server-initiated requests, notifications, and
// responses whose id is not an integer.
func (m *inbound) asResponse() (*response, bool) {
	if m.Method != "" || len(m.ID) == 0 {
		return nil, false
	}
	var id int64
	if err := json.Unmarshal(m.ID, &id); err != nil {
		return nil, false
	}
	return &response{id: id, result: m.Result, err: m.Error}, true
}

// ToolDescriptor describes one tool as reported by its server during
// discovery. InputSchema is the server's JSON Schema for the tool's
// arguments, passed through untouched.
type ToolDescriptor struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ContentBlock is one element of a tool result's content array.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// ToolResult is the outcome of a tools/call invocation that reached the
// server. IsError set means the tool itself rejected the call; the content
// then carries the tool's error text.
type ToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Text concatenates the text content blocks of the result.
func (r *ToolResult) Text() string {
	var out string
	for _, block := range r.Content {
		if block.Type != "text" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += block.Text
	}
	return out
}

type clientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

type initializeParams struct {
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities"`
	ClientInfo      clientInfo     `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string `json:"protocolVersion"`
	ServerInfo      struct {
		Name    string `json:"name"`
		Version string `json:"version"`
	} `json:"serverInfo"`
}

type listToolsResult struct {
	Tools []ToolDescriptor `json:"tools"`
}

type callToolParams struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

func parseToolResult(raw json.RawMessage) (*ToolResult, error) {
	var res ToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("decode tool result: %w", err)
	}
	return &res, nil
}
