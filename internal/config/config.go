package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	// WorkspaceDirName is the directory name for project-level browserpilot config.
	WorkspaceDirName = ".browserpilot"
	// WorkspaceConfigFile is the config file name inside the workspace directory.
	WorkspaceConfigFile = "config.yaml"
	// MaxSearchDepth limits how many parent directories to walk when discovering a workspace.
	MaxSearchDepth = 10

	// PlaywrightBackend is the backend name that receives the playwright flags.
	PlaywrightBackend = "playwright"
)

var (
	// ErrMissingAPIKey is returned when a model-backed command runs without credentials.
	ErrMissingAPIKey = errors.New("model.api_key is required (set OPENAI_API_KEY)")
	// ErrNoBackends is returned when no remote backend is configured.
	ErrNoBackends = errors.New("at least one backend must be configured")
)

// WorkspaceOptions controls workspace discovery behavior.
type WorkspaceOptions struct {
	// Disable skips workspace discovery entirely (--no-workspace flag).
	Disable bool
	// ExplicitDir uses this directory as workspace root instead of walking up.
	ExplicitDir string
}

// Config captures all tunable settings for the browserpilot client.
type Config struct {
	Server     ServerConfig     `yaml:"server"`
	Model      ModelConfig      `yaml:"model"`
	Agent      AgentConfig      `yaml:"agent"`
	Backends   []BackendConfig  `yaml:"backends"`
	Playwright PlaywrightConfig `yaml:"playwright"`
	Workflow   WorkflowConfig   `yaml:"workflow"`
	History    HistoryConfig    `yaml:"history"`
	Logging    LoggingConfig    `yaml:"logging"`
}

// ServerConfig describes the MCP server exposed by `browserpilot serve`.
type ServerConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
	// When set, serve starts an SSE server on this port instead of stdio.
	SSEPort int `yaml:"sse_port"`
}

// ModelConfig configures the OpenAI-compatible chat completion endpoint.
type ModelConfig struct {
	APIKey      string  `yaml:"api_key"`
	BaseURL     string  `yaml:"base_url"`
	Model       string  `yaml:"model"`
	Temperature float64 `yaml:"temperature"`
	// Zero leaves max_tokens out of the request.
	MaxTokens int `yaml:"max_tokens"`
	// HTTP timeout per request (e.g., "60s").
	Timeout string `yaml:"timeout"`
	// Client-side throttle; zero disables it.
	RequestsPerMinute int `yaml:"requests_per_minute"`
}

// AgentConfig bounds the tool-calling loop.
type AgentConfig struct {
	MaxIterations     int    `yaml:"max_iterations"`
	SystemPromptFile  string `yaml:"system_prompt_file"`
	KnowledgeBaseFile string `yaml:"knowledge_base_file"`
}

// BackendConfig is how one remote MCP backend process is launched.
type BackendConfig struct {
	Name    string   `yaml:"name"`
	Command string   `yaml:"command"`
	Args    []string `yaml:"args"`
	Env     []string `yaml:"env"`
}

// PlaywrightConfig toggles flags appended to the playwright backend command.
type PlaywrightConfig struct {
	// Headless appends --headless.
	Headless bool `yaml:"headless"`
	// Isolated appends --isolated (fresh browser profile per session).
	Isolated bool `yaml:"isolated"`
}

// WorkflowConfig tunes the semantic workflow engine.
type WorkflowConfig struct {
	// WaitAttempts is the default retry ceiling for wait_for steps.
	WaitAttempts int `yaml:"wait_attempts"`
	// WaitSeconds is passed to the remote wait tool between attempts.
	WaitSeconds int `yaml:"wait_seconds"`
	// TraceDir enables per-run JSONL traces when non-empty.
	TraceDir string    `yaml:"trace_dir"`
	Tools    ToolNames `yaml:"tools"`
}

// ToolNames maps engine actions to remote tool names.
type ToolNames struct {
	Navigate     string `yaml:"navigate"`
	Snapshot     string `yaml:"snapshot"`
	Type         string `yaml:"type"`
	Click        string `yaml:"click"`
	SelectOption string `yaml:"select_option"`
	Wait         string `yaml:"wait"`
	Fetch        string `yaml:"fetch"`
}

// HistoryConfig points at the SQLite run history; empty disables it.
type HistoryConfig struct {
	Path string `yaml:"path"`
}

// LoggingConfig configures the zap logger.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	// Optional JSON log file rotated by lumberjack.
	File       string `yaml:"file"`
	MaxSizeMB  int    `yaml:"max_size_mb"`
	MaxBackups int    `yaml:"max_backups"`
	MaxAgeDays int    `yaml:"max_age_days"`
	Compress   bool   `yaml:"compress"`
	// Quiet drops the console sink (stdio serve mode owns stdout/stderr).
	Quiet bool `yaml:"quiet"`
}

// DefaultToolNames returns the Playwright MCP / workflows MCP tool names.
func DefaultToolNames() ToolNames {
	return ToolNames{
		Navigate:     "browser_navigate",
		Snapshot:     "browser_snapshot",
		Type:         "browser_type",
		Click:        "browser_click",
		SelectOption: "browser_select_option",
		Wait:         "browser_wait_for",
		Fetch:        "workflow_fetch",
	}
}

// DefaultConfig provides reasonable defaults for local development.
func DefaultConfig() Config {
	return Config{
		Server: ServerConfig{
			Name:    "browserpilot",
			Version: "0.1.0",
		},
		Model: ModelConfig{
			BaseURL:     "https://api.openai.com",
			Model:       "gpt-4o",
			Temperature: 0.7,
			Timeout:     "60s",
		},
		Agent: AgentConfig{
			MaxIterations: 40,
		},
		Backends: []BackendConfig{
			{Name: PlaywrightBackend, Command: "npx", Args: []string{"@playwright/mcp@latest"}},
			{Name: "workflows", Command: "node", Args: []string{"workflows-mcp/server.js"}},
		},
		Playwright: PlaywrightConfig{
			Headless: false,
			Isolated: true,
		},
		Workflow: WorkflowConfig{
			WaitAttempts: 10,
			WaitSeconds:  1,
			Tools:        DefaultToolNames(),
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "console",
			MaxSizeMB:  10,
			MaxBackups: 3,
			MaxAgeDays: 7,
		},
	}
}

// Load reads YAML config from disk and overlays defaults.
func Load(path string) (Config, error) {
	cfg := DefaultConfig()

	if path == "" {
		return cfg, errors.New("config path is required")
	}

	raw, err := os.ReadFile(path)
	if err != nil {
		return cfg, err
	}

	if err := yaml.Unmarshal(raw, &cfg); err != nil {
		return cfg, err
	}

	return cfg, cfg.Validate()
}

// DiscoverWorkspace walks up from startDir looking for a .browserpilot/config.yaml file.
// Returns the workspace root directory (parent of .browserpilot/) or empty string if not found.
func DiscoverWorkspace(startDir string) (string, error) {
	dir, err := filepath.Abs(startDir)
	if err != nil {
		return "", fmt.Errorf("resolving start directory: %w", err)
	}

	for i := 0; i < MaxSearchDepth; i++ {
		candidate := filepath.Join(dir, WorkspaceDirName, WorkspaceConfigFile)
		if _, err := os.Stat(candidate); err == nil {
			return dir, nil
		}

		parent := filepath.Dir(dir)
		if parent == dir {
			break
		}
		dir = parent
	}

	return "", nil
}

// LoadWithWorkspace implements the layered config merge:
//
//	DefaultConfig() <- .browserpilot/config.yaml <- explicit --config <- environment
//
// Returns the merged config and the workspace directory (empty if none found).
func LoadWithWorkspace(explicitConfig string, opts WorkspaceOptions) (Config, string, error) {
	cfg := DefaultConfig()
	wsDir := ""

	if !opts.Disable {
		var err error
		if opts.ExplicitDir != "" {
			candidate := filepath.Join(opts.ExplicitDir, WorkspaceDirName, WorkspaceConfigFile)
			if _, statErr := os.Stat(candidate); statErr == nil {
				wsDir = opts.ExplicitDir
			}
		} else {
			cwd, cwdErr := os.Getwd()
			if cwdErr != nil {
				return cfg, "", fmt.Errorf("getting working directory: %w", cwdErr)
			}
			wsDir, err = DiscoverWorkspace(cwd)
			if err != nil {
				return cfg, "", fmt.Errorf("discovering workspace: %w", err)
			}
		}

		if wsDir != "" {
			wsConfigPath := filepath.Join(wsDir, WorkspaceDirName, WorkspaceConfigFile)
			raw, err := os.ReadFile(wsConfigPath)
			if err != nil {
				return cfg, "", fmt.Errorf("reading workspace config %s: %w", wsConfigPath, err)
			}
			if err := yaml.Unmarshal(raw, &cfg); err != nil {
				return cfg, "", fmt.Errorf("parsing workspace config %s: %w", wsConfigPath, err)
			}
			cfg = resolveWorkspacePaths(cfg, wsDir)
		}
	}

	if explicitConfig != "" {
		raw, err := os.ReadFile(explicitConfig)
		if err != nil {
			return cfg, wsDir, fmt.Errorf("reading explicit config %s: %w", explicitConfig, err)
		}
		if err := yaml.Unmarshal(raw, &cfg); err != nil {
			return cfg, wsDir, fmt.Errorf("parsing explicit config %s: %w", explicitConfig, err)
		}
	}

	if err := ApplyEnv(&cfg); err != nil {
		return cfg, wsDir, err
	}

	return cfg, wsDir, cfg.Validate()
}

// InitWorkspace creates a .browserpilot/ directory with template files at root.
func InitWorkspace(root string) error {
	wsDir := filepath.Join(root, WorkspaceDirName)

	if _, err := os.Stat(wsDir); err == nil {
		return fmt.Errorf("workspace directory already exists: %s", wsDir)
	}

	dirs := []string{
		wsDir,
		filepath.Join(wsDir, "workflows"),
		filepath.Join(wsDir, "data"),
	}
	for _, d := range dirs {
		if err := os.MkdirAll(d, 0755); err != nil {
			return fmt.Errorf("creating directory %s: %w", d, err)
		}
	}

	templateConfig := `# browserpilot project-level configuration
# Values here override defaults but are overridden by --config and environment variables.

# model:
#   model: gpt-4o
#   temperature: 0.7

# agent:
#   max_iterations: 40
#   knowledge_base_file: "knowledge_base.md"

# playwright:
#   headless: true
#   isolated: true

# workflow:
#   wait_attempts: 10
#   trace_dir: "data/traces"

# history:
#   path: "data/history.db"
`
	configPath := filepath.Join(wsDir, WorkspaceConfigFile)
	if err := os.WriteFile(configPath, []byte(templateConfig), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}

	gitignoreContent := "# Runtime data (traces, history) - do not version control\ndata/\n"
	gitignorePath := filepath.Join(wsDir, ".gitignore")
	if err := os.WriteFile(gitignorePath, []byte(gitignoreContent), 0644); err != nil {
		return fmt.Errorf("writing .gitignore: %w", err)
	}

	return nil
}

// resolveWorkspacePaths resolves relative paths in the config against the workspace directory.
func resolveWorkspacePaths(cfg Config, wsDir string) Config {
	resolve := func(p string) string {
		if p == "" || filepath.IsAbs(p) {
			return p
		}
		return filepath.Join(wsDir, WorkspaceDirName, p)
	}

	cfg.Logging.File = resolve(cfg.Logging.File)
	cfg.Workflow.TraceDir = resolve(cfg.Workflow.TraceDir)
	cfg.History.Path = resolve(cfg.History.Path)
	cfg.Agent.SystemPromptFile = resolve(cfg.Agent.SystemPromptFile)
	cfg.Agent.KnowledgeBaseFile = resolve(cfg.Agent.KnowledgeBaseFile)
	return cfg
}

// Validate ensures required fields exist so the client can start deterministically.
// Model credentials are checked separately by ValidateModel.
func (c *Config) Validate() error {
	if c.Server.Name == "" {
		return errors.New("server.name is required")
	}
	if len(c.Backends) == 0 {
		return ErrNoBackends
	}
	seen := make(map[string]struct{}, len(c.Backends))
	for i, b := range c.Backends {
		if b.Name == "" {
			return fmt.Errorf("backends[%d].name is required", i)
		}
		if b.Command == "" {
			return fmt.Errorf("backends[%d].command is required for %q", i, b.Name)
		}
		if _, dup := seen[b.Name]; dup {
			return fmt.Errorf("duplicate backend name %q", b.Name)
		}
		seen[b.Name] = struct{}{}
	}
	if c.Agent.MaxIterations <= 0 {
		return errors.New("agent.max_iterations must be positive")
	}
	if c.Workflow.WaitAttempts <= 0 {
		return errors.New("workflow.wait_attempts must be positive")
	}
	return nil
}

// ValidateModel checks the settings needed to talk to the model endpoint.
func (c *Config) ValidateModel() error {
	if c.Model.APIKey == "" {
		return ErrMissingAPIKey
	}
	if c.Model.Model == "" {
		return errors.New("model.model is required")
	}
	return nil
}

// BackendConfigs returns the configured backends in registration order, with the
// playwright flags appended to the playwright backend.
func (c Config) BackendConfigs() []BackendConfig {
	out := make([]BackendConfig, 0, len(c.Backends))
	for _, b := range c.Backends {
		b.Args = append([]string(nil), b.Args...)
		if b.Name == PlaywrightBackend {
			if c.Playwright.Headless && !containsArg(b.Args, "--headless") {
				b.Args = append(b.Args, "--headless")
			}
			if c.Playwright.Isolated && !containsArg(b.Args, "--isolated") {
				b.Args = append(b.Args, "--isolated")
			}
		}
		out = append(out, b)
	}
	return out
}

func containsArg(args []string, want string) bool {
	for _, a := range args {
		if a == want {
			return true
		}
	}
	return false
}

// RequestTimeout returns the parsed model request timeout with a sane default.
func (m ModelConfig) RequestTimeout() time.Duration {
	if m.Timeout == "" {
		return 60 * time.Second
	}
	d, err := time.ParseDuration(m.Timeout)
	if err != nil {
		return 60 * time.Second
	}
	return d
}

// GetWaitSeconds returns the remote wait duration with a sane default.
func (w WorkflowConfig) GetWaitSeconds() int {
	if w.WaitSeconds <= 0 {
		return 1
	}
	return w.WaitSeconds
}

// ResolvedTools fills empty tool names with the defaults.
func (w WorkflowConfig) ResolvedTools() ToolNames {
	d := DefaultToolNames()
	t := w.Tools
	if t.Navigate == "" {
		t.Navigate = d.Navigate
	}
	if t.Snapshot == "" {
		t.Snapshot = d.Snapshot
	}
	if t.Type == "" {
		t.Type = d.Type
	}
	if t.Click == "" {
		t.Click = d.Click
	}
	if t.SelectOption == "" {
		t.SelectOption = d.SelectOption
	}
	if t.Wait == "" {
		t.Wait = d.Wait
	}
	if t.Fetch == "" {
		t.Fetch = d.Fetch
	}
	return t
}
