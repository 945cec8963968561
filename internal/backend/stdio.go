// Package backend opens MCP sessions to remote tool servers over stdio.
package backend

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"
	"go.uber.org/zap"

	"browserpilot-mcp-client/internal/config"
	"browserpilot-mcp-client/internal/router"
	"browserpilot-mcp-client/internal/tools"
)

// ClientInfo identifies this client during the MCP handshake.
type ClientInfo struct {
	Name    string
	Version string
}

// mcpClient is the subset of *client.Client a Conn uses.
type mcpClient interface {
	Initialize(ctx context.Context, request mcp.InitializeRequest) (*mcp.InitializeResult, error)
	ListTools(ctx context.Context, request mcp.ListToolsRequest) (*mcp.ListToolsResult, error)
	CallTool(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error)
	Close() error
}

// Conn is a live MCP session with one backend process.
type Conn struct {
	name   string
	client mcpClient
	logger *zap.Logger
}

// NewDialer returns a router.Dialer that spawns each backend as a subprocess
// and performs the MCP initialize handshake.
func NewDialer(info ClientInfo, logger *zap.Logger) router.Dialer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return func(ctx context.Context, cfg config.BackendConfig) (router.Conn, error) {
		c, err := client.NewStdioMCPClient(cfg.Command, cfg.Env, cfg.Args...)
		if err != nil {
			return nil, fmt.Errorf("starting %s: %w", cfg.Command, err)
		}
		conn, err := open(ctx, cfg.Name, c, info, logger)
		if err != nil {
			_ = c.Close()
			return nil, err
		}
		return conn, nil
	}
}

func open(ctx context.Context, name string, c mcpClient, info ClientInfo, logger *zap.Logger) (*Conn, error) {
	req := mcp.InitializeRequest{}
	req.Params.ProtocolVersion = mcp.LATEST_PROTOCOL_VERSION
	req.Params.ClientInfo = mcp.Implementation{Name: info.Name, Version: info.Version}

	res, err := c.Initialize(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	logger = logger.Named("backend").With(zap.String("backend", name))
	logger.Debug("MCP session initialized",
		zap.String("server", res.ServerInfo.Name),
		zap.String("server_version", res.ServerInfo.Version),
		zap.String("protocol", res.ProtocolVersion))

	return &Conn{name: name, client: c, logger: logger}, nil
}

// ListTools returns the backend's advertised tools.
func (c *Conn) ListTools(ctx context.Context) ([]tools.Descriptor, error) {
	res, err := c.client.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, err
	}

	out := make([]tools.Descriptor, 0, len(res.Tools))
	for _, t := range res.Tools {
		schema, err := inputSchema(t)
		if err != nil {
			c.logger.Warn("Dropping unreadable input schema", zap.String("tool", t.Name), zap.Error(err))
			schema = nil
		}
		out = append(out, tools.Descriptor{
			Name:        t.Name,
			Description: t.Description,
			InputSchema: schema,
			Backend:     c.name,
		})
	}
	return out, nil
}

// CallTool invokes a tool and converts the reply into a tagged result.
func (c *Conn) CallTool(ctx context.Context, name string, args map[string]any) (tools.Result, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = args

	res, err := c.client.CallTool(ctx, req)
	if err != nil {
		return tools.Result{}, err
	}
	return convertResult(res), nil
}

// Close terminates the session and the backend process.
func (c *Conn) Close() error {
	return c.client.Close()
}

// inputSchema decodes the tool's JSON schema through its wire encoding, which
// covers both the typed and the raw schema forms.
func inputSchema(t mcp.Tool) (map[string]any, error) {
	raw, err := json.Marshal(t)
	if err != nil {
		return nil, err
	}
	var wire struct {
		InputSchema map[string]any `json:"inputSchema"`
	}
	if err := json.Unmarshal(raw, &wire); err != nil {
		return nil, err
	}
	return wire.InputSchema, nil
}

func convertResult(res *mcp.CallToolResult) tools.Result {
	if res == nil {
		return tools.UnknownResult(nil)
	}

	var out tools.Result
	switch {
	case len(res.Content) > 0:
		items := make([]tools.ContentItem, 0, len(res.Content))
		for _, content := range res.Content {
			items = append(items, convertContent(content))
		}
		out = tools.ContentResult(items...)
	case res.StructuredContent != nil:
		out = tools.UnknownResult(res.StructuredContent)
	default:
		out = tools.ContentResult()
	}
	out.IsError = res.IsError
	return out
}

func convertContent(content mcp.Content) tools.ContentItem {
	switch v := content.(type) {
	case mcp.TextContent:
		return tools.ContentItem{Type: "text", Text: v.Text}
	case *mcp.TextContent:
		return tools.ContentItem{Type: "text", Text: v.Text}
	}

	item := tools.ContentItem{Type: "unknown", Raw: content}
	raw, err := json.Marshal(content)
	if err != nil {
		return item
	}
	var head struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}
	if json.Unmarshal(raw, &head) == nil && head.Type != "" {
		item.Type = head.Type
		if head.Type == "text" {
			item.Text = head.Text
			item.Raw = nil
		}
	}
	return item
}
