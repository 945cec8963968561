package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"browserpilot-mcp-client/internal/tools"
	"browserpilot-mcp-client/internal/workflow"
)

var workflowInputSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"workflow": map[string]any{
			"type":        "object",
			"description": "Inline workflow document: {name, description, steps[]}",
		},
		"name": map[string]any{
			"type":        "string",
			"description": "Name of a workflow to fetch from the workflows backend",
		},
	},
}

// resolveWorkflow returns the inline workflow from args, or fetches the named
// one through the catalog.
func (s *Server) resolveWorkflow(ctx context.Context, args map[string]any) (*workflow.Workflow, error) {
	if raw, ok := args["workflow"]; ok && raw != nil {
		data, err := json.Marshal(raw)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", workflow.ErrParseWorkflow, err)
		}
		return workflow.Parse(data, workflow.FormatJSON)
	}
	if name := getStringArg(args, "name"); name != "" {
		return workflow.Fetch(ctx, s.deps.Catalog, s.deps.WorkflowFetch, name)
	}
	return nil, errors.New("either workflow or name is required")
}

// WorkflowRunTool executes a workflow and returns its report.
type WorkflowRunTool struct {
	server *Server
}

func (t *WorkflowRunTool) Name() string { return "workflow-run" }
func (t *WorkflowRunTool) Description() string {
	return "Run a semantic browser workflow (inline or by name) and return the step log. Runs are serialized."
}
func (t *WorkflowRunTool) InputSchema() map[string]any {
	props := map[string]any{
		"validate": map[string]any{
			"type":        "boolean",
			"description": "Reject the whole workflow up front when any step is invalid (default: steps fail when reached)",
		},
	}
	for k, v := range workflowInputSchema["properties"].(map[string]any) {
		props[k] = v
	}
	return map[string]any{"type": "object", "properties": props}
}

func (t *WorkflowRunTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	s := t.server
	wf, err := s.resolveWorkflow(ctx, args)
	if err != nil {
		return nil, err
	}
	if getBoolArg(args, "validate") {
		if err := workflow.Validate(wf); err != nil {
			return nil, err
		}
	}

	s.runMu.Lock()
	defer s.runMu.Unlock()

	report, runErr := s.deps.Engine.Run(ctx, wf)
	if s.deps.History != nil && report != nil {
		if err := s.deps.History.Save(ctx, report, runErr); err != nil {
			s.logger.Warn("Failed to record run", zap.String("run_id", report.RunID), zap.Error(err))
		}
	}

	out := map[string]any{"success": runErr == nil, "report": report}
	if runErr != nil {
		out["error"] = runErr.Error()
		return out, runErr
	}
	return out, nil
}

// WorkflowValidateTool checks a workflow without running it.
type WorkflowValidateTool struct {
	server *Server
}

func (t *WorkflowValidateTool) Name() string { return "workflow-validate" }
func (t *WorkflowValidateTool) Description() string {
	return "Validate a workflow document (inline or by name) without touching the browser."
}
func (t *WorkflowValidateTool) InputSchema() map[string]any { return workflowInputSchema }

func (t *WorkflowValidateTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	wf, err := t.server.resolveWorkflow(ctx, args)
	if err != nil {
		return nil, err
	}
	problems := splitErrors(workflow.Validate(wf))
	return map[string]any{
		"valid":  len(problems) == 0,
		"name":   wf.Name,
		"steps":  len(wf.Steps),
		"errors": problems,
	}, nil
}

func splitErrors(err error) []string {
	if err == nil {
		return []string{}
	}
	var joined interface{ Unwrap() []error }
	if errors.As(err, &joined) {
		out := make([]string, 0, len(joined.Unwrap()))
		for _, e := range joined.Unwrap() {
			out = append(out, e.Error())
		}
		return out
	}
	return []string{err.Error()}
}

// AgentAskTool hands a prompt to the tool-calling agent.
type AgentAskTool struct {
	agent        Asker
	systemPrompt string
}

func (t *AgentAskTool) Name() string { return "agent-ask" }
func (t *AgentAskTool) Description() string {
	return "Ask the browser agent to complete a task using the backend tools."
}
func (t *AgentAskTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"prompt":        map[string]any{"type": "string", "description": "Task for the agent"},
			"system_prompt": map[string]any{"type": "string", "description": "Overrides the configured system prompt"},
		},
		"required": []string{"prompt"},
	}
}

func (t *AgentAskTool) Execute(ctx context.Context, args map[string]any) (any, error) {
	prompt := getStringArg(args, "prompt")
	if prompt == "" {
		return nil, errors.New("prompt is required")
	}
	system := getStringArg(args, "system_prompt")
	if system == "" {
		system = t.systemPrompt
	}

	res, err := t.agent.Run(ctx, prompt, system)
	if err != nil {
		return nil, err
	}
	return map[string]any{
		"run_id":              res.RunID,
		"answer":              res.Answer,
		"iterations":          res.Iterations,
		"tool_calls":          res.ToolCalls,
		"stop_reason":         res.StopReason,
		"hit_iteration_limit": res.HitIterationLimit,
	}, nil
}

// ListBackendToolsTool lists the merged catalog grouped by backend.
type ListBackendToolsTool struct {
	catalog Catalog
}

func (t *ListBackendToolsTool) Name() string { return "list-backend-tools" }
func (t *ListBackendToolsTool) Description() string {
	return "List the tools exposed by the connected MCP backends."
}
func (t *ListBackendToolsTool) InputSchema() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"backend": map[string]any{"type": "string", "description": "Only list this backend"},
			"limit":   map[string]any{"type": "integer", "description": "Max tools per backend (0 = all)"},
		},
	}
}

type toolSummary struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
}

func (t *ListBackendToolsTool) Execute(_ context.Context, args map[string]any) (any, error) {
	only := getStringArg(args, "backend")
	limit := getIntArg(args, "limit", 0)

	groups, order := tools.GroupByBackend(t.catalog.Tools())
	if only != "" {
		if _, ok := groups[only]; !ok {
			known := append([]string(nil), order...)
			sort.Strings(known)
			return nil, fmt.Errorf("unknown backend %q (have %v)", only, known)
		}
		order = []string{only}
	}

	out := make(map[string][]toolSummary, len(order))
	total := 0
	for _, backend := range order {
		list := groups[backend]
		if limit > 0 && len(list) > limit {
			list = list[:limit]
		}
		summaries := make([]toolSummary, 0, len(list))
		for _, d := range list {
			summaries = append(summaries, toolSummary{Name: d.Name, Description: d.Description})
		}
		out[backend] = summaries
		total += len(groups[backend])
	}
	return map[string]any{"backends": out, "total": total}, nil
}
