// Package agent runs the model tool-calling loop over the router's tool catalog.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"browserpilot-mcp-client/internal/llm"
	"browserpilot-mcp-client/internal/tools"
)

// ErrInvalidArguments marks a tool call whose argument payload is not a JSON object.
var ErrInvalidArguments = errors.New("invalid arguments")

// DefaultMaxIterations bounds model round-trips per run.
const DefaultMaxIterations = 40

const maxIterationsMessage = "Max iterations reached"

// Dispatcher executes tools by name and lists the available catalog.
type Dispatcher interface {
	Dispatch(ctx context.Context, name string, args map[string]any) (tools.Result, error)
	Tools() []tools.Descriptor
}

type refresher interface {
	Refresh(ctx context.Context) error
}

// Options tune a single agent.
type Options struct {
	MaxIterations int
	Temperature   float64
	MaxTokens     int
}

// StopReason records why a run ended.
type StopReason string

const (
	// StopAnswer means the model replied without tool calls.
	StopAnswer StopReason = "answer"
	// StopAfterTools means the model finished with "stop" on a turn that also
	// requested tools; Answer is then the last tool output, not model prose.
	StopAfterTools StopReason = "stop_after_tools"
	// StopMaxIterations means the iteration budget ran out.
	StopMaxIterations StopReason = "max_iterations"
)

// Result summarizes one Run.
type Result struct {
	RunID             string
	Answer            string
	Iterations        int
	ToolCalls         int
	StopReason        StopReason
	HitIterationLimit bool
}

// Agent owns one conversation at a time.
type Agent struct {
	model      llm.Model
	dispatcher Dispatcher
	opts       Options
	logger     *zap.Logger

	mu    sync.Mutex
	conv  llm.Conversation
	defs  []tools.FunctionDef
	runMu sync.Mutex
}

// New builds an agent and adapts the dispatcher's current catalog.
func New(model llm.Model, dispatcher Dispatcher, opts Options, logger *zap.Logger) *Agent {
	if logger == nil {
		logger = zap.NewNop()
	}
	if opts.MaxIterations <= 0 {
		opts.MaxIterations = DefaultMaxIterations
	}
	logger = logger.Named("agent")
	return &Agent{
		model:      model,
		dispatcher: dispatcher,
		opts:       opts,
		logger:     logger,
		defs:       tools.Adapt(dispatcher.Tools(), logger),
	}
}

// Run resets the conversation, seeds it with the optional system prompt and the
// user message, and loops until the model answers without tool calls or the
// iteration budget runs out. Model failures abort the run; tool failures are
// fed back to the model as error-shaped tool messages.
func (a *Agent) Run(ctx context.Context, userMessage, systemPrompt string) (*Result, error) {
	a.runMu.Lock()
	defer a.runMu.Unlock()

	res := &Result{RunID: uuid.NewString()}
	logger := a.logger.With(zap.String("run_id", res.RunID))

	a.mu.Lock()
	a.conv = a.conv[:0]
	if systemPrompt != "" {
		a.conv = append(a.conv, llm.Message{Role: llm.RoleSystem, Content: systemPrompt})
	}
	a.conv = append(a.conv, llm.Message{Role: llm.RoleUser, Content: userMessage})
	defs := a.defs
	a.mu.Unlock()

	logger.Info("Agent run started", zap.Int("max_iterations", a.opts.MaxIterations), zap.Int("tools", len(defs)))

	for res.Iterations < a.opts.MaxIterations {
		res.Iterations++

		resp, err := a.model.Complete(ctx, llm.Request{
			Messages:    a.History(),
			Tools:       defs,
			Temperature: a.opts.Temperature,
			MaxTokens:   a.opts.MaxTokens,
		})
		if err != nil {
			return res, fmt.Errorf("model completion (iteration %d): %w", res.Iterations, err)
		}

		msg := resp.Message
		msg.Role = llm.RoleAssistant
		a.append(msg)

		if len(msg.ToolCalls) == 0 {
			res.Answer = msg.Content
			res.StopReason = StopAnswer
			logger.Info("Agent run finished", zap.Int("iterations", res.Iterations), zap.Int("tool_calls", res.ToolCalls))
			return res, nil
		}

		logger.Debug("Executing tool calls", zap.Int("iteration", res.Iterations), zap.Int("count", len(msg.ToolCalls)))
		for _, tc := range msg.ToolCalls {
			a.append(a.execute(ctx, tools.ExtractCall(tc), logger))
			res.ToolCalls++
		}

		if resp.FinishReason == "stop" {
			res.Answer = a.lastContent()
			res.StopReason = StopAfterTools
			logger.Warn("Model stopped after tool calls without a final answer; returning last tool output",
				zap.Int("iterations", res.Iterations))
			return res, nil
		}
	}

	res.HitIterationLimit = true
	res.StopReason = StopMaxIterations
	res.Answer = a.lastContent()
	if res.Answer == "" {
		res.Answer = maxIterationsMessage
	}
	logger.Warn("Hit maximum iterations", zap.Int("max_iterations", a.opts.MaxIterations))
	return res, nil
}

// execute runs one tool call and always produces a tool message.
func (a *Agent) execute(ctx context.Context, call tools.Call, logger *zap.Logger) llm.Message {
	args, err := parseArguments(call.Arguments)
	if err != nil {
		logger.Warn("Tool call with invalid arguments", zap.String("tool", call.Name), zap.Error(err))
		return tools.FormatError(call.ID, err)
	}

	res, err := a.dispatcher.Dispatch(ctx, call.Name, args)
	if err != nil {
		logger.Warn("Tool call failed", zap.String("tool", call.Name), zap.Error(err))
		return tools.FormatError(call.ID, err)
	}
	if res.IsError {
		logger.Debug("Tool reported an error result", zap.String("tool", call.Name))
	}
	return tools.FormatResult(call.ID, res)
}

func parseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
	}
	if args == nil {
		args = map[string]any{}
	}
	return args, nil
}

func (a *Agent) append(m llm.Message) {
	a.mu.Lock()
	a.conv = append(a.conv, m)
	a.mu.Unlock()
}

func (a *Agent) lastContent() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if len(a.conv) == 0 {
		return ""
	}
	return a.conv[len(a.conv)-1].Content
}

// History returns a copy of the current conversation.
func (a *Agent) History() llm.Conversation {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append(llm.Conversation(nil), a.conv...)
}

// Clear drops the conversation.
func (a *Agent) Clear() {
	a.mu.Lock()
	a.conv = nil
	a.mu.Unlock()
	a.logger.Debug("Cleared conversation history")
}

// RefreshTools re-lists the backends when the dispatcher supports it and
// re-adapts the catalog offered to the model.
func (a *Agent) RefreshTools(ctx context.Context) (int, error) {
	if r, ok := a.dispatcher.(refresher); ok {
		if err := r.Refresh(ctx); err != nil {
			return 0, err
		}
	}
	defs := tools.Adapt(a.dispatcher.Tools(), a.logger)
	a.mu.Lock()
	a.defs = defs
	a.mu.Unlock()
	return len(defs), nil
}

// ToolCount returns the number of tools offered to the model.
func (a *Agent) ToolCount() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.defs)
}
