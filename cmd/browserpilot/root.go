package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"browserpilot-mcp-client/internal/agent"
	"browserpilot-mcp-client/internal/backend"
	"browserpilot-mcp-client/internal/config"
	"browserpilot-mcp-client/internal/history"
	"browserpilot-mcp-client/internal/llm"
	"browserpilot-mcp-client/internal/logging"
	"browserpilot-mcp-client/internal/prompts"
	"browserpilot-mcp-client/internal/recorder"
	"browserpilot-mcp-client/internal/router"
	"browserpilot-mcp-client/internal/workflow"
)

const skipConfig = "skip-config"

// env holds the collaborators tests replace.
type env struct {
	dial     func(info backend.ClientInfo, logger *zap.Logger) router.Dialer
	newModel func(cfg config.ModelConfig, logger *zap.Logger) llm.Model
}

func defaultEnv() env {
	return env{
		dial: backend.NewDialer,
		newModel: func(cfg config.ModelConfig, logger *zap.Logger) llm.Model {
			return llm.NewOpenAIClient(llm.OpenAIConfig{
				APIKey:            cfg.APIKey,
				BaseURL:           cfg.BaseURL,
				Model:             cfg.Model,
				Timeout:           cfg.RequestTimeout(),
				RequestsPerMinute: cfg.RequestsPerMinute,
			}, logger)
		},
	}
}

// app is the state shared by every subcommand once the root pre-run has
// loaded configuration.
type app struct {
	env env

	configPath   string
	logLevel     string
	workspaceDir string
	noWorkspace  bool
	quiet        bool

	cfg    config.Config
	wsDir  string
	logger *zap.Logger
}

func newRootCommand(e env) *cobra.Command {
	a := &app{env: e, logger: zap.NewNop()}

	root := &cobra.Command{
		Use:           "browserpilot",
		Short:         "Drive a browser through MCP backends with an LLM agent or semantic workflows",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			if cmd.Annotations[skipConfig] == "true" {
				return nil
			}
			return a.load(cmd)
		},
		PersistentPostRun: func(*cobra.Command, []string) {
			logging.Sync(a.logger)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file layered over the workspace config")
	flags.StringVar(&a.logLevel, "log-level", "", "log level override (debug, info, warn, error)")
	flags.StringVar(&a.workspaceDir, "workspace", "", "workspace root (default: discover from the working directory)")
	flags.BoolVar(&a.noWorkspace, "no-workspace", false, "skip .browserpilot workspace discovery")
	flags.BoolVarP(&a.quiet, "quiet", "q", false, "no console logging")

	root.AddCommand(
		newAskCommand(a),
		newChatCommand(a),
		newToolsCommand(a),
		newWorkflowCommand(a),
		newServeCommand(a),
		newHistoryCommand(a),
		newInitCommand(a),
	)
	return root
}

func (a *app) load(cmd *cobra.Command) error {
	cfg, wsDir, err := config.LoadWithWorkspace(a.configPath, config.WorkspaceOptions{
		Disable:     a.noWorkspace,
		ExplicitDir: a.workspaceDir,
	})
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	if a.logLevel != "" {
		cfg.Logging.Level = a.logLevel
	}
	if a.quiet {
		cfg.Logging.Quiet = true
	}
	a.cfg = cfg
	a.wsDir = wsDir
	return a.buildLogger(cmd)
}

func (a *app) buildLogger(cmd *cobra.Command) error {
	logger, err := logging.NewWithWriter(a.cfg.Logging, zapcore.AddSync(cmd.ErrOrStderr()))
	if err != nil {
		return err
	}
	a.logger = logger
	if a.wsDir != "" {
		a.logger.Debug("Using workspace", zap.String("dir", a.wsDir))
	}
	return nil
}

// connect starts every configured backend and merges their catalogs.
func (a *app) connect(ctx context.Context) (*router.Router, error) {
	dial := a.env.dial(backend.ClientInfo{Name: a.cfg.Server.Name, Version: a.cfg.Server.Version}, a.logger)
	r := router.New(dial, a.logger)
	if err := r.Initialize(ctx, a.cfg.BackendConfigs()); err != nil {
		return nil, err
	}
	for _, d := range r.Shadowed() {
		a.logger.Warn("Tool shadowed by an earlier backend", zap.String("tool", d.Name), zap.String("backend", d.Backend))
	}
	return r, nil
}

func (a *app) shutdown(r *router.Router) {
	if err := r.Shutdown(); err != nil {
		a.logger.Warn("Backend shutdown reported errors", zap.Error(err))
	}
}

func (a *app) newAgent(r *router.Router) (*agent.Agent, error) {
	if err := a.cfg.ValidateModel(); err != nil {
		return nil, err
	}
	model := a.env.newModel(a.cfg.Model, a.logger)
	return agent.New(model, r, agent.Options{
		MaxIterations: a.cfg.Agent.MaxIterations,
		Temperature:   a.cfg.Model.Temperature,
		MaxTokens:     a.cfg.Model.MaxTokens,
	}, a.logger), nil
}

func (a *app) prompts() *prompts.Builder {
	return prompts.NewBuilder(a.cfg.Agent.SystemPromptFile, a.cfg.Agent.KnowledgeBaseFile, a.logger)
}

// newEngine builds the workflow engine, with a trace recorder when a trace
// directory is configured.
func (a *app) newEngine(caller workflow.Caller) (*workflow.Engine, error) {
	opts := workflow.Options{
		Tools:        a.cfg.Workflow.ResolvedTools(),
		WaitAttempts: a.cfg.Workflow.WaitAttempts,
		WaitSeconds:  a.cfg.Workflow.GetWaitSeconds(),
	}
	if a.cfg.Workflow.TraceDir != "" {
		rec, err := recorder.New(a.cfg.Workflow.TraceDir, a.logger)
		if err != nil {
			return nil, err
		}
		opts.Trace = rec
	}
	return workflow.New(caller, opts, a.logger), nil
}

// openHistory returns nil when history is disabled.
func (a *app) openHistory() (*history.Store, error) {
	if a.cfg.History.Path == "" {
		return nil, nil
	}
	return history.Open(a.cfg.History.Path, a.logger)
}
