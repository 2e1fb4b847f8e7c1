package proxy

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Message is one chat message in an OpenAI-compatible request or response.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// ToolCall is a function invocation requested by the model.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its arguments as a JSON string,
// which may be empty.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool declares a function the model may call.
type Tool struct {
	Type     string      `json:"type"`
	Function FunctionDef `json:"function"`
}

// FunctionDef is the declaration of a callable function.
type FunctionDef struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters,omitempty"`
}

const (
	ToolChoiceAuto = "auto"
	ToolChoiceNone = "none"
)

// ChatRequest is a non-streaming chat completion request.
type ChatRequest struct {
	Model      string    `json:"model"`
	Messages   []Message `json:"messages"`
	Tools      []Tool    `json:"tools,omitempty"`
	ToolChoice string    `json:"tool_choice,omitempty"`
}

// ChatResponse is the subset of a chat completion response the client reads.
type ChatResponse struct {
	ID      string   `json:"id,omitempty"`
	Choices []Choice `json:"choices"`
}

// Choice is one completion alternative.
type Choice struct {
	Message      Message `json:"message"`
	FinishReason string  `json:"finish_reason,omitempty"`
}

// errorEnvelope is the upstream error body, e.g.
// {"error":{"code":502,"message":"provider returned error"}}.
type errorEnvelope struct {
	Error *struct {
		Code    json.RawMessage `json:"code"`
		Message string          `json:"message"`
	} `json:"error"`
}

// numericCode returns the envelope's code when it is a number. Some providers
// send string codes such as "invalid_api_key".
func (e errorEnvelope) numericCode() (int, bool) {
	if e.Error == nil || len(e.Error.Code) == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(string(e.Error.Code))
	if err != nil {
		return 0, false
	}
	return n, true
}

func (e errorEnvelope) hasCode() bool {
	if e.Error == nil {
		return false
	}
	c := string(e.Error.Code)
	return c != "" && c != "null"
}

func (e errorEnvelope) codeText() string {
	if !e.hasCode() {
		return "none"
	}
	return strings.Trim(string(e.Error.Code), `"`)
}

// Model represents a model entry returned by the /models endpoint.
type Model struct {
	ID      string `json:"id"`
	Name    string `json:"name,omitempty"`
	Object  string `json:"object,omitempty"`
	Created int64  `json:"created,omitempty"`
	OwnedBy string `json:"owned_by,omitempty"`
}

// ModelList is the response from /models.
type ModelList struct {
	Object string  `json:"object,omitempty"`
	Data   []Model `json:"data"`
}
