package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strconv"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	mcpserver "github.com/mark3labs/mcp-go/server"
	"go.uber.org/zap"

	"browserpilot-mcp-client/internal/agent"
	"browserpilot-mcp-client/internal/config"
	"browserpilot-mcp-client/internal/tools"
	"browserpilot-mcp-client/internal/workflow"
)

// WorkflowRunner executes parsed workflows. *workflow.Engine satisfies it.
type WorkflowRunner interface {
	Run(ctx context.Context, wf *workflow.Workflow) (*workflow.Report, error)
}

// Catalog lists the merged backend tools. *router.Router satisfies it.
type Catalog interface {
	workflow.Caller
	Tools() []tools.Descriptor
}

// Asker answers a prompt through the tool-calling loop. *agent.Agent satisfies it.
type Asker interface {
	Run(ctx context.Context, userMessage, systemPrompt string) (*agent.Result, error)
}

// RunStore persists finished workflow runs. *history.Store satisfies it.
type RunStore interface {
	Save(ctx context.Context, report *workflow.Report, runErr error) error
}

// Deps are the collaborators exposed through the server. Agent and History
// are optional; their tools are simply not registered when nil.
type Deps struct {
	Engine        WorkflowRunner
	Catalog       Catalog
	Agent         Asker
	History       RunStore
	Runs          RunReader
	SystemPrompt  string
	WorkflowFetch string
}

// Server exposes the workflow engine and agent as MCP tools.
type Server struct {
	cfg       config.Config
	deps      Deps
	tools     map[string]Tool
	mcpServer *mcpserver.MCPServer
	logger    *zap.Logger

	// one workflow run at a time: runs share the browser backend
	runMu sync.Mutex
}

// Tool describes the contract for MCP tool implementations.
type Tool interface {
	Name() string
	Description() string
	InputSchema() map[string]any
	Execute(ctx context.Context, args map[string]any) (any, error)
}

// NewServer constructs the MCP server and registers the tools deps support.
func NewServer(cfg config.Config, deps Deps, logger *zap.Logger) (*Server, error) {
	if deps.Engine == nil || deps.Catalog == nil {
		return nil, errors.New("serve mode requires a workflow engine and a tool catalog")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if deps.WorkflowFetch == "" {
		deps.WorkflowFetch = cfg.Workflow.ResolvedTools().Fetch
	}

	mcpSrv := mcpserver.NewMCPServer(
		cfg.Server.Name,
		cfg.Server.Version,
		mcpserver.WithResourceCapabilities(true, true),
		mcpserver.WithToolCapabilities(true),
		mcpserver.WithLogging(),
		mcpserver.WithRecovery(),
	)

	server := &Server{
		cfg:       cfg,
		deps:      deps,
		tools:     make(map[string]Tool),
		mcpServer: mcpSrv,
		logger:    logger.Named("mcp"),
	}

	server.registerAllTools()
	server.registerAllResources()
	return server, nil
}

// Start serves over stdio. Nothing else may write to stdout while it runs.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("Serving over stdio", zap.Int("tools", len(s.tools)))
	stdio := mcpserver.NewStdioServer(s.mcpServer)
	return stdio.Listen(ctx, os.Stdin, os.Stdout)
}

// StartSSE hosts the server over HTTP using SSE endpoints with graceful shutdown.
func (s *Server) StartSSE(ctx context.Context, port int) error {
	sseServer := mcpserver.NewSSEServer(s.mcpServer, mcpserver.WithBaseURL("http://localhost:"+strconv.Itoa(port)))

	mux := http.NewServeMux()
	mux.Handle("/sse", sseServer.SSEHandler())
	mux.Handle("/message", sseServer.MessageHandler())

	httpServer := &http.Server{
		Addr:              ":" + strconv.Itoa(port),
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	s.logger.Info("Serving over SSE", zap.Int("port", port), zap.Int("tools", len(s.tools)))

	select {
	case <-ctx.Done():
		s.logger.Info("SSE server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

// ExecuteTool executes a tool directly, bypassing the protocol layer.
func (s *Server) ExecuteTool(ctx context.Context, name string, args map[string]any) (any, error) {
	tool, exists := s.tools[name]
	if !exists {
		return nil, fmt.Errorf("tool not found: %s", name)
	}
	return tool.Execute(ctx, args)
}

// ToolNames lists the registered tools.
func (s *Server) ToolNames() []string {
	names := make([]string, 0, len(s.tools))
	for name := range s.tools {
		names = append(names, name)
	}
	return names
}

func (s *Server) registerAllTools() {
	s.registerTool(&WorkflowRunTool{server: s})
	s.registerTool(&WorkflowValidateTool{server: s})
	s.registerTool(&ListBackendToolsTool{catalog: s.deps.Catalog})
	if s.deps.Agent != nil {
		s.registerTool(&AgentAskTool{agent: s.deps.Agent, systemPrompt: s.deps.SystemPrompt})
	}
}

func (s *Server) registerTool(tool Tool) {
	s.tools[tool.Name()] = tool

	schema, err := json.Marshal(tool.InputSchema())
	if err != nil {
		schema = json.RawMessage(`{"type":"object"}`)
	}

	mcpTool := mcp.NewToolWithRawSchema(tool.Name(), tool.Description(), schema)
	s.mcpServer.AddTool(mcpTool, s.wrapTool(tool))
}

func (s *Server) wrapTool(tool Tool) mcpserver.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		return s.handle(ctx, tool, request.GetArguments()), nil
	}
}

// handle runs a tool and shapes its outcome. Failures become IsError results;
// a failure that still carries a payload (a partial report) keeps it.
func (s *Server) handle(ctx context.Context, tool Tool, args map[string]any) *mcp.CallToolResult {
	if args == nil {
		args = map[string]any{}
	}

	result, err := tool.Execute(ctx, args)
	if err != nil {
		s.logger.Warn("Tool failed", zap.String("tool", tool.Name()), zap.Error(err))
		text := fmt.Sprintf("tool %s failed: %v", tool.Name(), err)
		if result != nil {
			text = string(marshalToolPayload(tool.Name(), result))
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{mcp.NewTextContent(text)},
			IsError: true,
		}
	}

	payload := marshalToolPayload(tool.Name(), result)
	return &mcp.CallToolResult{
		Content: []mcp.Content{mcp.NewTextContent(string(payload))},
	}
}

func marshalToolPayload(toolName string, result any) []byte {
	payload, marshalErr := json.Marshal(result)
	if marshalErr == nil {
		return payload
	}

	fallback := map[string]any{
		"success": false,
		"error":   fmt.Sprintf("tool %s returned non-serializable payload: %v", toolName, marshalErr),
	}
	payload, fallbackErr := json.Marshal(fallback)
	if fallbackErr == nil {
		return payload
	}

	return []byte(fmt.Sprintf(`{"success":false,"error":"tool %s failed to encode payload"}`, toolName))
}
