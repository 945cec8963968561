package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"
	"go.uber.org/zap/zaptest/observer"

	"browserpilot-mcp-client/internal/llm"
	"browserpilot-mcp-client/internal/router"
	"browserpilot-mcp-client/internal/tools"
)

// scriptedModel replays canned responses and records every request.
type scriptedModel struct {
	responses []llm.Response
	err       error
	requests  []llm.Request
}

func (m *scriptedModel) Complete(_ context.Context, req llm.Request) (*llm.Response, error) {
	m.requests = append(m.requests, req)
	if m.err != nil {
		return nil, m.err
	}
	i := len(m.requests) - 1
	if i >= len(m.responses) {
		i = len(m.responses) - 1
	}
	r := m.responses[i]
	return &r, nil
}

type fakeDispatcher struct {
	catalog   []tools.Descriptor
	results   map[string]tools.Result
	calls     []string
	args      []map[string]any
	refreshed int
}

func (d *fakeDispatcher) Dispatch(_ context.Context, name string, args map[string]any) (tools.Result, error) {
	d.calls = append(d.calls, name)
	d.args = append(d.args, args)
	res, ok := d.results[name]
	if !ok {
		return tools.Result{}, fmt.Errorf("%w: %s", router.ErrToolNotFound, name)
	}
	return res, nil
}

func (d *fakeDispatcher) Tools() []tools.Descriptor { return d.catalog }

func (d *fakeDispatcher) Refresh(context.Context) error {
	d.refreshed++
	return nil
}

func toolCall(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Type: "function", Function: llm.FunctionCall{Name: name, Arguments: args}}
}

func assistant(content string, calls ...llm.ToolCall) llm.Response {
	return llm.Response{Message: llm.Message{Role: llm.RoleAssistant, Content: content, ToolCalls: calls}}
}

func newDispatcher() *fakeDispatcher {
	return &fakeDispatcher{
		catalog: []tools.Descriptor{
			{Name: "browser_navigate", InputSchema: map[string]any{"properties": map[string]any{"url": map[string]any{"type": "string"}}}},
			{Name: "browser_snapshot"},
		},
		results: map[string]tools.Result{
			"browser_navigate": tools.TextResult("navigated"),
			"browser_snapshot": tools.ContentResult(
				tools.ContentItem{Type: "text", Text: "- heading \"Example\" [ref=e1]"},
				tools.ContentItem{Type: "text", Text: "- link \"More\" [ref=e2]"},
			),
		},
	}
}

func TestRunDirectAnswer(t *testing.T) {
	model := &scriptedModel{responses: []llm.Response{assistant("Hello!")}}
	a := New(model, newDispatcher(), Options{Temperature: 0.7}, zaptest.NewLogger(t))

	res, err := a.Run(context.Background(), "hi", "be brief")
	require.NoError(t, err)

	assert.Equal(t, "Hello!", res.Answer)
	assert.Equal(t, 1, res.Iterations)
	assert.False(t, res.HitIterationLimit)
	assert.Equal(t, StopAnswer, res.StopReason)
	assert.NotEmpty(t, res.RunID)

	req := model.requests[0]
	require.Len(t, req.Messages, 2)
	assert.Equal(t, llm.RoleSystem, req.Messages[0].Role)
	assert.Equal(t, llm.RoleUser, req.Messages[1].Role)
	assert.Len(t, req.Tools, 2)
	assert.Equal(t, 0.7, req.Temperature)
	assert.Equal(t, []string{"url"}, req.Tools[0].Function.Parameters["required"])
}

func TestRunToolRoundTrip(t *testing.T) {
	model := &scriptedModel{responses: []llm.Response{
		assistant("", toolCall("c1", "browser_navigate", `{"url":"https://example.com"}`), toolCall("c2", "browser_snapshot", "")),
		assistant("The page shows Example."),
	}}
	d := newDispatcher()
	a := New(model, d, Options{}, zaptest.NewLogger(t))

	res, err := a.Run(context.Background(), "open example.com", "")
	require.NoError(t, err)

	assert.Equal(t, "The page shows Example.", res.Answer)
	assert.Equal(t, 2, res.Iterations)
	assert.Equal(t, 2, res.ToolCalls)
	assert.Equal(t, []string{"browser_navigate", "browser_snapshot"}, d.calls, "tool calls run in request order")
	assert.Equal(t, "https://example.com", d.args[0]["url"])
	assert.Equal(t, map[string]any{}, d.args[1], "empty arguments decode to an empty object")

	history := a.History()
	require.Len(t, history, 5)
	assert.Equal(t, llm.RoleUser, history[0].Role)
	assert.Equal(t, llm.RoleAssistant, history[1].Role)
	assert.Equal(t, llm.RoleTool, history[2].Role)
	assert.Equal(t, "c1", history[2].ToolCallID)
	assert.Equal(t, "navigated", history[2].Content)
	assert.Equal(t, "c2", history[3].ToolCallID)
	assert.Equal(t, "- heading \"Example\" [ref=e1]\n- link \"More\" [ref=e2]", history[3].Content)

	// Second request carries the tool messages.
	assert.Len(t, model.requests[1].Messages, 4)
}

func TestRunToolErrorsFedBack(t *testing.T) {
	model := &scriptedModel{responses: []llm.Response{
		assistant("", toolCall("c1", "browser_navigate", `{not json`), toolCall("c2", "browser_hover", `{}`)),
		assistant("I could not do that."),
	}}
	a := New(model, newDispatcher(), Options{}, zaptest.NewLogger(t))

	res, err := a.Run(context.Background(), "hover", "")
	require.NoError(t, err)
	assert.Equal(t, "I could not do that.", res.Answer)

	history := a.History()
	require.Len(t, history, 5)

	var payload map[string]string
	require.NoError(t, json.Unmarshal([]byte(history[2].Content), &payload))
	assert.Contains(t, payload["error"], ErrInvalidArguments.Error())

	require.NoError(t, json.Unmarshal([]byte(history[3].Content), &payload))
	assert.Contains(t, payload["error"], "tool not found")
	assert.Equal(t, "c2", history[3].ToolCallID)
}

func TestRunIterationLimit(t *testing.T) {
	core, logs := observer.New(zap.WarnLevel)
	model := &scriptedModel{responses: []llm.Response{
		assistant("", toolCall("c1", "browser_snapshot", `{}`)),
	}}
	a := New(model, newDispatcher(), Options{MaxIterations: 1}, zap.New(core))

	res, err := a.Run(context.Background(), "loop forever", "")
	require.NoError(t, err)

	assert.Len(t, model.requests, 1, "never more than N model round-trips")
	assert.True(t, res.HitIterationLimit)
	assert.Equal(t, StopMaxIterations, res.StopReason)
	assert.Equal(t, "- heading \"Example\" [ref=e1]\n- link \"More\" [ref=e2]", res.Answer)
	assert.Equal(t, 1, logs.FilterMessage("Hit maximum iterations").Len())
}

func TestRunIterationLimitEmptyContent(t *testing.T) {
	d := newDispatcher()
	d.results["browser_snapshot"] = tools.TextResult("")
	model := &scriptedModel{responses: []llm.Response{
		assistant("", toolCall("c1", "browser_snapshot", `{}`)),
	}}
	a := New(model, d, Options{MaxIterations: 3}, zaptest.NewLogger(t))

	res, err := a.Run(context.Background(), "loop", "")
	require.NoError(t, err)
	assert.Len(t, model.requests, 3)
	assert.Equal(t, "Max iterations reached", res.Answer)
}

func TestRunStopAfterToolCalls(t *testing.T) {
	resp := assistant("", toolCall("c1", "browser_navigate", `{"url":"https://a.test"}`))
	resp.FinishReason = "stop"
	model := &scriptedModel{responses: []llm.Response{resp}}
	core, logs := observer.New(zap.WarnLevel)
	a := New(model, newDispatcher(), Options{}, zap.New(core))

	res, err := a.Run(context.Background(), "go", "")
	require.NoError(t, err)
	assert.Len(t, model.requests, 1)
	assert.False(t, res.HitIterationLimit)
	assert.Equal(t, StopAfterTools, res.StopReason)
	assert.Equal(t, "navigated", res.Answer)
	assert.Equal(t, 1, logs.FilterMessageSnippet("stopped after tool calls").Len())
}

func TestRunModelErrorAborts(t *testing.T) {
	boom := errors.New("rate limited")
	a := New(&scriptedModel{err: boom}, newDispatcher(), Options{}, zaptest.NewLogger(t))

	_, err := a.Run(context.Background(), "hi", "")
	assert.ErrorIs(t, err, boom)
}

func TestRunResetsConversation(t *testing.T) {
	model := &scriptedModel{responses: []llm.Response{assistant("one"), assistant("two")}}
	a := New(model, newDispatcher(), Options{}, zaptest.NewLogger(t))

	_, err := a.Run(context.Background(), "first", "")
	require.NoError(t, err)
	_, err = a.Run(context.Background(), "second", "")
	require.NoError(t, err)

	history := a.History()
	require.Len(t, history, 2)
	assert.Equal(t, "second", history[0].Content)

	a.Clear()
	assert.Empty(t, a.History())
}

func TestRefreshTools(t *testing.T) {
	d := newDispatcher()
	a := New(&scriptedModel{}, d, Options{}, zaptest.NewLogger(t))
	assert.Equal(t, 2, a.ToolCount())

	d.catalog = append(d.catalog, tools.Descriptor{Name: "browser_tabs"})
	n, err := a.RefreshTools(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, 1, d.refreshed)
}

func TestParseArguments(t *testing.T) {
	tests := []struct {
		name    string
		raw     string
		want    map[string]any
		wantErr bool
	}{
		{"empty", "", map[string]any{}, false},
		{"whitespace", "  ", map[string]any{}, false},
		{"null", "null", map[string]any{}, false},
		{"object", `{"a":1}`, map[string]any{"a": float64(1)}, false},
		{"array", `[1]`, nil, true},
		{"garbage", `{"a":`, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := parseArguments(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidArguments)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
