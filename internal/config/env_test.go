package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// setEnv blanks every recognised variable and then applies env.
func setEnv(t *testing.T, env map[string]string) {
	t.Helper()
	for _, b := range envBindings {
		t.Setenv(b.env, "")
	}
	for k, v := range env {
		t.Setenv(k, v)
	}
}

func TestApplyEnv(t *testing.T) {
	setEnv(t, map[string]string{
		"OPENAI_API_KEY":      "sk-abc",
		"OPENAI_MODEL":        "gpt-4.1",
		"OPENAI_BASE_URL":     "http://localhost:8080",
		"LOG_LEVEL":           "DEBUG",
		"MAX_ITERATIONS":      "7",
		"PLAYWRIGHT_HEADLESS": "true",
		"PLAYWRIGHT_ISOLATED": "false",
		"PLAYWRIGHT_MCP_ARGS": `["@playwright/mcp@0.0.41","--browser","firefox"]`,
		"WORKFLOWS_MCP_CMD":   "bun",
	})

	cfg := DefaultConfig()
	require.NoError(t, ApplyEnv(&cfg))

	assert.Equal(t, "sk-abc", cfg.Model.APIKey)
	assert.Equal(t, "gpt-4.1", cfg.Model.Model)
	assert.Equal(t, "http://localhost:8080", cfg.Model.BaseURL)
	assert.Equal(t, "debug", cfg.Logging.Level)
	assert.Equal(t, 7, cfg.Agent.MaxIterations)
	assert.True(t, cfg.Playwright.Headless)
	assert.False(t, cfg.Playwright.Isolated)

	require.Len(t, cfg.Backends, 2)
	assert.Equal(t, "npx", cfg.Backends[0].Command)
	assert.Equal(t, []string{"@playwright/mcp@0.0.41", "--browser", "firefox"}, cfg.Backends[0].Args)
	assert.Equal(t, "bun", cfg.Backends[1].Command)
	assert.Equal(t, []string{"workflows-mcp/server.js"}, cfg.Backends[1].Args)
}

func TestApplyEnvBlankValuesIgnored(t *testing.T) {
	setEnv(t, map[string]string{"OPENAI_MODEL": "  "})

	cfg := DefaultConfig()
	require.NoError(t, ApplyEnv(&cfg))
	assert.Equal(t, "gpt-4o", cfg.Model.Model)
	assert.Equal(t, DefaultConfig().Backends, cfg.Backends)
}

func TestApplyEnvAddsMissingBackend(t *testing.T) {
	setEnv(t, map[string]string{
		"WORKFLOWS_MCP_CMD":  "node",
		"WORKFLOWS_MCP_ARGS": `["server.js"]`,
	})

	cfg := DefaultConfig()
	cfg.Backends = cfg.Backends[:1]
	require.NoError(t, ApplyEnv(&cfg))

	require.Len(t, cfg.Backends, 2)
	assert.Equal(t, BackendConfig{Name: "workflows", Command: "node", Args: []string{"server.js"}}, cfg.Backends[1])
}

func TestApplyEnvErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{"bad iterations", map[string]string{"MAX_ITERATIONS": "forty"}},
		{"bad headless", map[string]string{"PLAYWRIGHT_HEADLESS": "maybe"}},
		{"bad isolated", map[string]string{"PLAYWRIGHT_ISOLATED": "2"}},
		{"args not json", map[string]string{"PLAYWRIGHT_MCP_ARGS": "--headless"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			setEnv(t, tt.env)
			cfg := DefaultConfig()
			assert.Error(t, ApplyEnv(&cfg))
		})
	}
}

func TestLoadWithWorkspace_EnvOverridesFiles(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("model:\n  model: from-file\nagent:\n  max_iterations: 9\n"), 0644))
	setEnv(t, map[string]string{"OPENAI_MODEL": "from-env", "OPENAI_API_KEY": "sk-env"})

	cfg, _, err := LoadWithWorkspace(path, WorkspaceOptions{Disable: true})
	require.NoError(t, err)
	assert.Equal(t, "from-env", cfg.Model.Model)
	assert.Equal(t, "sk-env", cfg.Model.APIKey)
	assert.Equal(t, 9, cfg.Agent.MaxIterations, "keys without a variable keep the file value")
}

func TestLoadWithWorkspace_EnvError(t *testing.T) {
	setEnv(t, map[string]string{"MAX_ITERATIONS": "many"})

	_, _, err := LoadWithWorkspace("", WorkspaceOptions{Disable: true})
	assert.ErrorContains(t, err, "MAX_ITERATIONS")
}
