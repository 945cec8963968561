// Package tools adapts remote tool descriptors into the model's function-calling
// format and converts tool results back into conversation messages.
package tools

import (
	"encoding/json"
	"fmt"
	"sort"

	"go.uber.org/zap"

	"browserpilot-mcp-client/internal/llm"
)

// Descriptor is a tool advertised by a remote backend.
type Descriptor struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
	// Backend is the name of the backend that advertised the tool.
	Backend string `json:"backend,omitempty"`
}

// FunctionDef is the model-facing definition of a tool.
type FunctionDef = llm.FunctionDef

// Call is a tool invocation extracted from a model tool call.
type Call struct {
	ID        string
	Name      string
	Arguments string
}

// Adapt converts descriptors into function definitions. The required list of each
// schema becomes the declared required names plus every property that carries no
// default. Descriptors with a malformed schema are skipped with a warning.
func Adapt(descs []Descriptor, logger *zap.Logger) []FunctionDef {
	if logger == nil {
		logger = zap.NewNop()
	}

	out := make([]FunctionDef, 0, len(descs))
	for _, d := range descs {
		params, err := adaptSchema(d.InputSchema)
		if err != nil {
			logger.Warn("Skipping tool with malformed input schema",
				zap.String("tool", d.Name),
				zap.String("backend", d.Backend),
				zap.Error(err))
			continue
		}

		desc := d.Description
		if desc == "" {
			desc = "Execute " + d.Name
		}

		out = append(out, FunctionDef{
			Type: "function",
			Function: llm.FunctionSchema{
				Name:        d.Name,
				Description: desc,
				Parameters:  params,
			},
		})
	}
	return out
}

// adaptSchema returns a copy of schema with the computed required list.
func adaptSchema(schema map[string]any) (map[string]any, error) {
	out := make(map[string]any, len(schema)+2)
	for k, v := range schema {
		out[k] = v
	}
	if _, ok := out["type"]; !ok {
		out["type"] = "object"
	}

	var props map[string]any
	switch p := out["properties"].(type) {
	case nil:
		props = map[string]any{}
		out["properties"] = props
	case map[string]any:
		props = p
	default:
		return nil, fmt.Errorf("properties must be an object, got %T", p)
	}

	declared, err := stringList(out["required"])
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(props))
	for name, raw := range props {
		prop, ok := raw.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("property %q must be an object, got %T", name, raw)
		}
		if _, hasDefault := prop["default"]; !hasDefault {
			names = append(names, name)
		}
	}
	sort.Strings(names)

	seen := make(map[string]struct{}, len(declared)+len(names))
	required := make([]string, 0, len(declared)+len(names))
	for _, list := range [][]string{declared, names} {
		for _, name := range list {
			if _, dup := seen[name]; dup {
				continue
			}
			seen[name] = struct{}{}
			required = append(required, name)
		}
	}
	out["required"] = required
	return out, nil
}

func stringList(v any) ([]string, error) {
	switch list := v.(type) {
	case nil:
		return nil, nil
	case []string:
		return list, nil
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("required entries must be strings, got %T", item)
			}
			out = append(out, s)
		}
		return out, nil
	default:
		return nil, fmt.Errorf("required must be a list, got %T", v)
	}
}

// ExtractCall pulls the id, name and raw argument text out of a model tool call.
func ExtractCall(tc llm.ToolCall) Call {
	return Call{ID: tc.ID, Name: tc.Function.Name, Arguments: tc.Function.Arguments}
}

// FormatResult builds the tool message answering call id.
func FormatResult(id string, res Result) llm.Message {
	return llm.Message{Role: llm.RoleTool, ToolCallID: id, Content: res.String()}
}

// FormatError builds an error-shaped tool message answering call id.
func FormatError(id string, err error) llm.Message {
	payload, _ := json.Marshal(map[string]string{"error": err.Error()})
	return llm.Message{Role: llm.RoleTool, ToolCallID: id, Content: string(payload)}
}

// GroupByBackend groups descriptors by backend. The returned order lists backend
// names as first seen.
func GroupByBackend(descs []Descriptor) (map[string][]Descriptor, []string) {
	groups := make(map[string][]Descriptor)
	var order []string
	for _, d := range descs {
		if _, ok := groups[d.Backend]; !ok {
			order = append(order, d.Backend)
		}
		groups[d.Backend] = append(groups[d.Backend], d)
	}
	return groups, order
}
