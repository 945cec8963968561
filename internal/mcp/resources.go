package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"browserpilot-mcp-client/internal/history"
)

const (
	resourceMIMEJSON = "application/json"
)

// RunReader reads recorded runs. *history.Store satisfies it.
type RunReader interface {
	Recent(ctx context.Context, limit int) ([]history.Run, error)
	Steps(ctx context.Context, runID string) ([]history.Step, error)
}

func (s *Server) registerAllResources() {
	if s == nil || s.mcpServer == nil {
		return
	}

	s.mcpServer.AddResource(
		mcp.NewResource(
			"browserpilot://about",
			"BrowserPilot About",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("Server info, connected backends and registered tools."),
		),
		s.handleAboutResource,
	)

	if s.deps.Runs == nil {
		return
	}
	s.mcpServer.AddResource(
		mcp.NewResource(
			"browserpilot://runs",
			"Recent Workflow Runs",
			mcp.WithMIMEType(resourceMIMEJSON),
			mcp.WithResourceDescription("The most recent workflow runs, newest first."),
		),
		s.handleRecentRunsResource,
	)
	s.mcpServer.AddResourceTemplate(
		mcp.NewResourceTemplate(
			"browserpilot://runs/{runId}{?limit}",
			"Workflow Run Steps",
			mcp.WithTemplateMIMEType(resourceMIMEJSON),
			mcp.WithTemplateDescription("Step log of one recorded workflow run."),
		),
		s.handleRunStepsResource,
	)
}

func (s *Server) handleAboutResource(_ context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	groups := map[string]int{}
	for _, d := range s.deps.Catalog.Tools() {
		groups[d.Backend]++
	}
	payload := map[string]any{
		"name":         s.cfg.Server.Name,
		"version":      s.cfg.Server.Version,
		"tools":        s.ToolNames(),
		"backends":     groups,
		"timestamp_ms": time.Now().UnixMilli(),
	}
	return jsonResource(request.Params.URI, payload)
}

func (s *Server) handleRecentRunsResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	runs, err := s.deps.Runs.Recent(ctx, 20)
	if err != nil {
		return nil, err
	}
	return jsonResource(request.Params.URI, map[string]any{"count": len(runs), "runs": runs})
}

func (s *Server) handleRunStepsResource(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
	runID := argString(request.Params.Arguments["runId"])
	if runID == "" {
		return nil, fmt.Errorf("missing runId")
	}
	limit := asInt(request.Params.Arguments["limit"])

	steps, err := s.deps.Runs.Steps(ctx, runID)
	if errors.Is(err, history.ErrRunNotFound) {
		return nil, err
	}
	if err != nil {
		return nil, fmt.Errorf("read run %s: %w", runID, err)
	}
	if limit > 0 && len(steps) > limit {
		steps = steps[:limit]
	}
	return jsonResource(request.Params.URI, map[string]any{"run_id": runID, "count": len(steps), "steps": steps})
}

func jsonResource(uri string, payload any) ([]mcp.ResourceContents, error) {
	text, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return []mcp.ResourceContents{
		mcp.TextResourceContents{
			URI:      uri,
			MIMEType: resourceMIMEJSON,
			Text:     string(text),
		},
	}, nil
}
