package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"browserpilot-mcp-client/internal/agent"
	"browserpilot-mcp-client/internal/prompts"
	"browserpilot-mcp-client/internal/repl"
)

func newAskCommand(a *app) *cobra.Command {
	var (
		systemPrompt string
		workflowMode bool
	)
	cmd := &cobra.Command{
		Use:   "ask <query>",
		Short: "Run one query through the agent and print the answer",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			r, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer a.shutdown(r)

			ag, err := a.newAgent(r)
			if err != nil {
				return err
			}
			if systemPrompt == "" {
				kind := prompts.KindDefault
				if workflowMode {
					kind = prompts.KindWorkflow
				}
				systemPrompt = a.prompts().Build(kind)
			}

			res, err := ag.Run(ctx, strings.Join(args, " "), systemPrompt)
			if err != nil {
				return err
			}
			if res.StopReason != agent.StopAnswer {
				a.logger.Warn("Answer may be incomplete",
					zap.String("stop_reason", string(res.StopReason)), zap.Int("iterations", res.Iterations))
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Answer)
			return nil
		},
	}
	cmd.Flags().StringVarP(&systemPrompt, "system-prompt", "s", "", "system prompt (default: built-in prompt plus knowledge base)")
	cmd.Flags().BoolVarP(&workflowMode, "workflow-prompt", "w", false, "use the workflow execution prompt")
	return cmd
}

func newChatCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "chat",
		Short: "Interactive conversation with the agent",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			r, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer a.shutdown(r)

			ag, err := a.newAgent(r)
			if err != nil {
				return err
			}
			in := cmd.InOrStdin()
			if in == nil {
				in = os.Stdin
			}
			s := &repl.Session{
				Agent:        ag,
				Catalog:      r,
				SystemPrompt: a.prompts().Build(prompts.KindDefault),
				In:           in,
				Out:          cmd.OutOrStdout(),
				Logger:       a.logger,
			}
			return s.Run(ctx)
		},
	}
}

func newToolsCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools exposed by the configured backends",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			r, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown(r)

			out := cmd.OutOrStdout()
			descs := r.Tools()
			fmt.Fprintf(out, "%d tools from %d backends\n", len(descs), len(r.Backends()))
			repl.PrintTools(out, descs, limit)
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "max tools shown per backend (0 = all)")
	return cmd
}
