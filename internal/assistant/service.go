// Package assistant answers dictionary questions by letting a chat model call
// semantic search once per turn.
package assistant

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/lensisku/lexiassist/internal/apperr"
	"github.com/lensisku/lexiassist/internal/lexicon"
	"github.com/lensisku/lexiassist/internal/proxy"
)

// DefaultModel is the chat model used when none is configured.
const DefaultModel = "openrouter/free"

// Message is one turn of the conversation history supplied by the caller.
type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// Request is a chat turn: the history so far and an optional locale hint.
type Request struct {
	Messages []Message `json:"messages"`
	Locale   string    `json:"locale,omitempty"`
}

// Completer sends chat completion requests, retrying transient failures.
type Completer interface {
	Complete(ctx context.Context, req proxy.ChatRequest) (*proxy.ChatResponse, error)
}

// SearchTool is the single tool offered to the model.
type SearchTool interface {
	Definition() lexicon.ToolDefinition
	Execute(ctx context.Context, args lexicon.Args) (lexicon.Result, error)
}

// Service runs one chat turn: a first completion that may request a search,
// the search itself, and a second completion with tool use disabled.
type Service struct {
	completer Completer
	tool      SearchTool
	model     string
	logger    *slog.Logger
}

// NewService creates a Service. An empty model selects DefaultModel.
func NewService(completer Completer, tool SearchTool, model string, logger *slog.Logger) *Service {
	if model == "" {
		model = DefaultModel
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{completer: completer, tool: tool, model: model, logger: logger}
}

// Chat returns the assistant's reply to req.
func (s *Service) Chat(ctx context.Context, req Request) (string, error) {
	if len(req.Messages) == 0 {
		return "", apperr.New(apperr.KindValidation, "at least one message is required", nil)
	}
	start := time.Now()

	def := s.tool.Definition()
	tools := []proxy.Tool{{
		Type: "function",
		Function: proxy.FunctionDef{
			Name:        def.Name,
			Description: def.Description,
			Parameters:  def.Parameters,
		},
	}}
	msgs := buildContext(req, s.logger)

	first, err := s.complete(ctx, proxy.ChatRequest{
		Model:      s.model,
		Messages:   msgs,
		Tools:      tools,
		ToolChoice: proxy.ToolChoiceAuto,
	})
	if err != nil {
		return "", err
	}

	if len(first.ToolCalls) == 0 {
		s.logger.Info("chat completed", "tool_used", false, "duration", time.Since(start))
		return first.Content, nil
	}
	call := first.ToolCalls[0]
	if n := len(first.ToolCalls); n > 1 {
		s.logger.Warn("model requested several tool calls, honoring the first", "count", n, "honored", call.Function.Name)
	}
	if call.Function.Name != def.Name {
		s.logger.Warn("model called an unknown tool", "tool", call.Function.Name)
		return first.Content, nil
	}

	args, err := lexicon.ParseArgs(call.Function.Arguments)
	if err != nil {
		s.logger.Warn("invalid tool arguments", "tool", call.Function.Name, "error", err)
		return "", err
	}
	result, err := s.tool.Execute(ctx, args)
	if err != nil {
		return "", err
	}
	payload, err := json.Marshal(result)
	if err != nil {
		return "", apperr.New(apperr.KindInternal, "encoding tool result", err)
	}

	if call.Type == "" {
		call.Type = "function"
	}
	role := first.Role
	if role == "" {
		role = "assistant"
	}
	second := make([]proxy.Message, 0, len(msgs)+2)
	second = append(second, msgs...)
	second = append(second,
		proxy.Message{Role: role, Content: first.Content, ToolCalls: []proxy.ToolCall{call}},
		proxy.Message{Role: "tool", ToolCallID: call.ID, Name: call.Function.Name, Content: string(payload)},
	)

	final, err := s.complete(ctx, proxy.ChatRequest{
		Model:      s.model,
		Messages:   second,
		Tools:      tools,
		ToolChoice: proxy.ToolChoiceNone,
	})
	if err != nil {
		return "", err
	}

	s.logger.Info("chat completed",
		"tool_used", true,
		"query", args.Query,
		"results", len(result.Results),
		"duration", time.Since(start),
	)
	return final.Content, nil
}

func (s *Service) complete(ctx context.Context, req proxy.ChatRequest) (proxy.Message, error) {
	resp, err := s.completer.Complete(ctx, req)
	if err != nil {
		return proxy.Message{}, err
	}
	if resp == nil || len(resp.Choices) == 0 {
		return proxy.Message{}, apperr.New(apperr.KindExternalService, "no choices returned", nil)
	}
	return resp.Choices[0].Message, nil
}
