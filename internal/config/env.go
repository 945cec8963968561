package config

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cast"
	"github.com/spf13/viper"
)

// Environment variables recognised on top of the YAML layers, keyed by the
// config path they override.
var envBindings = []struct {
	key string
	env string
}{
	{"model.api_key", "OPENAI_API_KEY"},
	{"model.model", "OPENAI_MODEL"},
	{"model.base_url", "OPENAI_BASE_URL"},
	{"logging.level", "LOG_LEVEL"},
	{"agent.max_iterations", "MAX_ITERATIONS"},
	{"playwright.headless", "PLAYWRIGHT_HEADLESS"},
	{"playwright.isolated", "PLAYWRIGHT_ISOLATED"},
	{"backends.playwright.command", "PLAYWRIGHT_MCP_CMD"},
	{"backends.playwright.args", "PLAYWRIGHT_MCP_ARGS"},
	{"backends.workflows.command", "WORKFLOWS_MCP_CMD"},
	{"backends.workflows.args", "WORKFLOWS_MCP_ARGS"},
}

// newEnvViper returns a viper instance that only knows the bound variables.
func newEnvViper() *viper.Viper {
	v := viper.New()
	for _, b := range envBindings {
		_ = v.BindEnv(b.key, b.env)
	}
	return v
}

// ApplyEnv overlays the recognised environment variables onto cfg. Blank
// values are ignored.
func ApplyEnv(cfg *Config) error {
	v := newEnvViper()

	if s, ok := envString(v, "model.api_key"); ok {
		cfg.Model.APIKey = s
	}
	if s, ok := envString(v, "model.model"); ok {
		cfg.Model.Model = s
	}
	if s, ok := envString(v, "model.base_url"); ok {
		cfg.Model.BaseURL = s
	}
	if s, ok := envString(v, "logging.level"); ok {
		cfg.Logging.Level = strings.ToLower(s)
	}
	if s, ok := envString(v, "agent.max_iterations"); ok {
		n, err := cast.ToIntE(s)
		if err != nil {
			return fmt.Errorf("MAX_ITERATIONS: %w", err)
		}
		cfg.Agent.MaxIterations = n
	}
	if s, ok := envString(v, "playwright.headless"); ok {
		b, err := cast.ToBoolE(s)
		if err != nil {
			return fmt.Errorf("PLAYWRIGHT_HEADLESS: %w", err)
		}
		cfg.Playwright.Headless = b
	}
	if s, ok := envString(v, "playwright.isolated"); ok {
		b, err := cast.ToBoolE(s)
		if err != nil {
			return fmt.Errorf("PLAYWRIGHT_ISOLATED: %w", err)
		}
		cfg.Playwright.Isolated = b
	}

	if err := overlayBackend(cfg, v, PlaywrightBackend, "PLAYWRIGHT_MCP_ARGS"); err != nil {
		return err
	}
	return overlayBackend(cfg, v, "workflows", "WORKFLOWS_MCP_ARGS")
}

// overlayBackend replaces the command/args of the named backend, adding it when absent.
// Args are a JSON array of strings.
func overlayBackend(cfg *Config, v *viper.Viper, name, argsEnv string) error {
	cmd, hasCmd := envString(v, "backends."+name+".command")
	rawArgs, hasArgs := envString(v, "backends."+name+".args")
	if !hasCmd && !hasArgs {
		return nil
	}

	var args []string
	if hasArgs {
		if err := json.Unmarshal([]byte(rawArgs), &args); err != nil {
			return fmt.Errorf("%s must be a JSON array of strings: %w", argsEnv, err)
		}
	}

	for i := range cfg.Backends {
		if cfg.Backends[i].Name != name {
			continue
		}
		if hasCmd {
			cfg.Backends[i].Command = cmd
		}
		if hasArgs {
			cfg.Backends[i].Args = args
		}
		return nil
	}

	cfg.Backends = append(cfg.Backends, BackendConfig{Name: name, Command: cmd, Args: args})
	return nil
}

func envString(v *viper.Viper, key string) (string, bool) {
	if !v.IsSet(key) {
		return "", false
	}
	s := strings.TrimSpace(v.GetString(key))
	return s, s != ""
}
