package main

import (
	"context"
	"errors"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"browserpilot-mcp-client/internal/mcp"
	"browserpilot-mcp-client/internal/prompts"
)

func newServeCommand(a *app) *cobra.Command {
	var ssePort int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Expose workflows and the agent as an MCP server (stdio, or SSE with --sse-port)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			if ssePort != 0 {
				a.cfg.Server.SSEPort = ssePort
			}
			// stdout carries the protocol in stdio mode
			if a.cfg.Server.SSEPort == 0 && !a.cfg.Logging.Quiet {
				a.cfg.Logging.Quiet = true
				if err := a.buildLogger(cmd); err != nil {
					return err
				}
			}

			ctx := cmd.Context()
			r, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer a.shutdown(r)

			engine, err := a.newEngine(r)
			if err != nil {
				return err
			}
			deps := mcp.Deps{
				Engine:       engine,
				Catalog:      r,
				SystemPrompt: a.prompts().Build(prompts.KindDefault),
			}

			if ag, err := a.newAgent(r); err != nil {
				a.logger.Warn("agent-ask disabled", zap.Error(err))
			} else {
				deps.Agent = ag
			}

			store, err := a.openHistory()
			if err != nil {
				a.logger.Warn("History unavailable", zap.Error(err))
			} else if store != nil {
				defer store.Close()
				deps.History = store
				deps.Runs = store
			}

			server, err := mcp.NewServer(a.cfg, deps, a.logger)
			if err != nil {
				return err
			}

			if a.cfg.Server.SSEPort > 0 {
				err = server.StartSSE(ctx, a.cfg.Server.SSEPort)
			} else {
				err = server.Start(ctx)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&ssePort, "sse-port", 0, "serve over SSE on this port instead of stdio")
	return cmd
}
