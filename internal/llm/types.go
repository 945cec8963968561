// Package llm holds the chat message model shared by the agent and the model client.
package llm

import "context"

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of a conversation.
type Message struct {
	Role       string     `json:"role"`
	Content    string     `json:"content"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	Name       string     `json:"name,omitempty"`
}

// ToolCall is a model-issued request to invoke a named tool.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall carries the tool name and its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// FunctionDef is a tool definition in the model's function-calling format.
type FunctionDef struct {
	Type     string         `json:"type"`
	Function FunctionSchema `json:"function"`
}

// FunctionSchema describes a callable function.
type FunctionSchema struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	Parameters  map[string]any `json:"parameters"`
}

// Conversation is the ordered message history of an agent run.
type Conversation []Message

// Request is a single completion request.
type Request struct {
	Messages    []Message
	Tools       []FunctionDef
	Temperature float64
	// Zero omits the limit.
	MaxTokens int
}

// Usage reports token accounting when the endpoint returns it.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// Response is the model's reply: an assistant message that may carry tool calls.
type Response struct {
	Message      Message
	FinishReason string
	Usage        Usage
}

// Model is the completion capability the agent loop depends on.
type Model interface {
	Complete(ctx context.Context, req Request) (*Response, error)
}
