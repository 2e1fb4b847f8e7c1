package assistant

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/google/go-cmp/cmp"

	"github.com/lensisku/lexiassist/internal/apperr"
	"github.com/lensisku/lexiassist/internal/lexicon"
	"github.com/lensisku/lexiassist/internal/proxy"
)

// scriptedCompleter returns its responses in order and records every request.
type scriptedCompleter struct {
	responses []*proxy.ChatResponse
	errs      []error
	requests  []proxy.ChatRequest
}

func (c *scriptedCompleter) Complete(_ context.Context, req proxy.ChatRequest) (*proxy.ChatResponse, error) {
	i := len(c.requests)
	c.requests = append(c.requests, req)
	if i < len(c.errs) && c.errs[i] != nil {
		return nil, c.errs[i]
	}
	return c.responses[i], nil
}

func textResponse(content string) *proxy.ChatResponse {
	return &proxy.ChatResponse{Choices: []proxy.Choice{{Message: proxy.Message{Role: "assistant", Content: content}}}}
}

func toolResponse(calls ...proxy.ToolCall) *proxy.ChatResponse {
	return &proxy.ChatResponse{Choices: []proxy.Choice{{Message: proxy.Message{Role: "assistant", ToolCalls: calls}}}}
}

func searchCall(id, args string) proxy.ToolCall {
	return proxy.ToolCall{ID: id, Type: "function", Function: proxy.FunctionCall{Name: lexicon.ToolName, Arguments: args}}
}

// recordingTool stands in for the search tool and records its invocations.
type recordingTool struct {
	calls  []lexicon.Args
	result lexicon.Result
	err    error
}

func (t *recordingTool) Definition() lexicon.ToolDefinition {
	return lexicon.NewTool(nil, nil, nil).Definition()
}

func (t *recordingTool) Execute(_ context.Context, args lexicon.Args) (lexicon.Result, error) {
	t.calls = append(t.calls, args)
	return t.result, t.err
}

func userTurn(content string) Request {
	return Request{Messages: []Message{{Role: "user", Content: content}}}
}

func TestChat_NoToolCallReturnsContentVerbatim(t *testing.T) {
	c := &scriptedCompleter{responses: []*proxy.ChatResponse{textResponse("  coi! mi'e lexiassist  ")}}
	tool := &recordingTool{}
	svc := NewService(c, tool, "", nil)

	got, err := svc.Chat(context.Background(), userTurn("hello"))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != "  coi! mi'e lexiassist  " {
		t.Errorf("reply = %q", got)
	}
	if len(tool.calls) != 0 {
		t.Errorf("tool invoked %d times, want 0", len(tool.calls))
	}
	if len(c.requests) != 1 {
		t.Fatalf("completions = %d, want 1", len(c.requests))
	}
	req := c.requests[0]
	if req.Model != DefaultModel || req.ToolChoice != proxy.ToolChoiceAuto {
		t.Errorf("model = %q, tool_choice = %q", req.Model, req.ToolChoice)
	}
	if len(req.Tools) != 1 || req.Tools[0].Function.Name != lexicon.ToolName {
		t.Errorf("tools = %+v, want only %s", req.Tools, lexicon.ToolName)
	}
}

func TestChat_UnknownRoleMappedToUser(t *testing.T) {
	c := &scriptedCompleter{responses: []*proxy.ChatResponse{textResponse("ok")}}
	svc := NewService(c, &recordingTool{}, "", nil)

	_, err := svc.Chat(context.Background(), Request{Messages: []Message{
		{Role: "narrator", Content: "Once upon a time"},
		{Role: "assistant", Content: "go on"},
	}})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}

	var roles []string
	for _, m := range c.requests[0].Messages {
		roles = append(roles, m.Role)
	}
	if diff := cmp.Diff([]string{"system", "user", "assistant"}, roles); diff != "" {
		t.Errorf("roles mismatch (-want +got):\n%s", diff)
	}
	if c.requests[0].Messages[1].Content != "Once upon a time" {
		t.Error("narrator message content was altered")
	}
}

func TestChat_LocaleHint(t *testing.T) {
	c := &scriptedCompleter{responses: []*proxy.ChatResponse{textResponse("ok"), textResponse("ok")}}
	svc := NewService(c, &recordingTool{}, "", nil)

	req := userTurn("hi")
	req.Locale = "ja"
	if _, err := svc.Chat(context.Background(), req); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if _, err := svc.Chat(context.Background(), userTurn("hi")); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	withLocale := c.requests[0].Messages[0].Content
	without := c.requests[1].Messages[0].Content
	if !strings.Contains(withLocale, "`ja`") {
		t.Errorf("system prompt lacks locale hint: %q", withLocale)
	}
	if strings.Contains(without, "locale") {
		t.Errorf("system prompt has locale hint without locale: %q", without)
	}
	if !strings.HasPrefix(withLocale, without) {
		t.Error("locale hint should be appended to the policy text")
	}
}

func TestChat_EmptyArgumentsUseDefaults(t *testing.T) {
	c := &scriptedCompleter{responses: []*proxy.ChatResponse{
		toolResponse(searchCall("call_1", "")),
		textResponse("done"),
	}}
	tool := &recordingTool{result: lexicon.Result{Results: []lexicon.Summary{}}}
	svc := NewService(c, tool, "", nil)

	if _, err := svc.Chat(context.Background(), userTurn("anything")); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(tool.calls) != 1 {
		t.Fatalf("tool invoked %d times, want 1", len(tool.calls))
	}
	if got := tool.calls[0].EffectiveLimit(); got != 10 {
		t.Errorf("limit = %d, want 10", got)
	}
	if tool.calls[0].Query != "" {
		t.Errorf("query = %q, want empty", tool.calls[0].Query)
	}
}

func TestChat_MalformedArgumentsAreFatal(t *testing.T) {
	raw := `{"query": "cat"`
	c := &scriptedCompleter{responses: []*proxy.ChatResponse{toolResponse(searchCall("call_1", raw))}}
	tool := &recordingTool{}
	svc := NewService(c, tool, "", nil)

	_, err := svc.Chat(context.Background(), userTurn("word for cat"))
	if !apperr.Is(err, apperr.KindToolArgument) {
		t.Fatalf("err = %v, want tool argument error", err)
	}
	if apperr.RawOf(err) != raw {
		t.Errorf("raw = %q, want %q", apperr.RawOf(err), raw)
	}
	if len(tool.calls) != 0 || len(c.requests) != 1 {
		t.Errorf("tool calls = %d, completions = %d; want 0 and 1", len(tool.calls), len(c.requests))
	}
}

func TestChat_UnknownToolReturnsFirstContent(t *testing.T) {
	call := proxy.ToolCall{ID: "x", Type: "function", Function: proxy.FunctionCall{Name: "web_search", Arguments: "{}"}}
	resp := toolResponse(call)
	resp.Choices[0].Message.Content = "let me think"
	c := &scriptedCompleter{responses: []*proxy.ChatResponse{resp}}
	tool := &recordingTool{}
	svc := NewService(c, tool, "", nil)

	got, err := svc.Chat(context.Background(), userTurn("hi"))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != "let me think" || len(tool.calls) != 0 || len(c.requests) != 1 {
		t.Errorf("reply = %q, tool calls = %d, completions = %d", got, len(tool.calls), len(c.requests))
	}
}

func TestChat_OnlyFirstToolCallHonored(t *testing.T) {
	c := &scriptedCompleter{responses: []*proxy.ChatResponse{
		toolResponse(searchCall("call_1", `{"query":"dog"}`), searchCall("call_2", `{"query":"cat"}`)),
		textResponse("dogs"),
	}}
	tool := &recordingTool{result: lexicon.Result{Results: []lexicon.Summary{}}}
	svc := NewService(c, tool, "", nil)

	if _, err := svc.Chat(context.Background(), userTurn("dog and cat")); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(tool.calls) != 1 || tool.calls[0].Query != "dog" {
		t.Fatalf("tool calls = %+v, want one call for dog", tool.calls)
	}
	msgs := c.requests[1].Messages
	echoed := msgs[len(msgs)-2]
	if len(echoed.ToolCalls) != 1 || echoed.ToolCalls[0].ID != "call_1" {
		t.Errorf("assistant echo carries %+v, want only call_1", echoed.ToolCalls)
	}
}

func TestChat_ToolErrorPropagatesUnchanged(t *testing.T) {
	toolErr := apperr.New(apperr.KindExternalService, "semantic search failed", errors.New("db down"))
	c := &scriptedCompleter{responses: []*proxy.ChatResponse{toolResponse(searchCall("call_1", `{"query":"cat"}`))}}
	svc := NewService(c, &recordingTool{err: toolErr}, "", nil)

	_, err := svc.Chat(context.Background(), userTurn("cat"))
	if err != toolErr {
		t.Errorf("err = %v, want the tool's error unchanged", err)
	}
	if len(c.requests) != 1 {
		t.Errorf("completions = %d, want 1", len(c.requests))
	}
}

func TestChat_CompletionErrorPropagates(t *testing.T) {
	upstream := apperr.New(apperr.KindExternalServiceRetryable, "unexpected status 502", nil)
	c := &scriptedCompleter{errs: []error{upstream}}
	svc := NewService(c, &recordingTool{}, "", nil)

	_, err := svc.Chat(context.Background(), userTurn("cat"))
	if !apperr.IsRetryable(err) {
		t.Errorf("err = %v, want retryable-class error", err)
	}
}

func TestChat_SecondCallShape(t *testing.T) {
	c := &scriptedCompleter{responses: []*proxy.ChatResponse{
		toolResponse(searchCall("call_9", `{"query":"cat","limit":3}`)),
		textResponse("final"),
	}}
	tool := &recordingTool{result: lexicon.Result{
		Results: []lexicon.Summary{{Valsi: "mlatu", Definition: "x1 is a cat", Lang: "English"}},
		Total:   1,
	}}
	svc := NewService(c, tool, "test/model", nil)

	got, err := svc.Chat(context.Background(), userTurn("cat"))
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if got != "final" {
		t.Errorf("reply = %q, want %q", got, "final")
	}

	second := c.requests[1]
	if second.ToolChoice != proxy.ToolChoiceNone || second.Model != "test/model" {
		t.Errorf("tool_choice = %q, model = %q", second.ToolChoice, second.Model)
	}
	toolMsg := second.Messages[len(second.Messages)-1]
	if toolMsg.Role != "tool" || toolMsg.ToolCallID != "call_9" || toolMsg.Name != lexicon.ToolName {
		t.Errorf("tool message = %+v", toolMsg)
	}
	var payload lexicon.Result
	if err := json.Unmarshal([]byte(toolMsg.Content), &payload); err != nil {
		t.Fatalf("tool content is not JSON: %v", err)
	}
	if diff := cmp.Diff(tool.result, payload); diff != "" {
		t.Errorf("tool payload mismatch (-want +got):\n%s", diff)
	}
}

func TestChat_EmptyHistoryRejected(t *testing.T) {
	svc := NewService(&scriptedCompleter{}, &recordingTool{}, "", nil)
	_, err := svc.Chat(context.Background(), Request{})
	if !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("err = %v, want validation error", err)
	}
}
