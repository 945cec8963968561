package workflow

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"gopkg.in/yaml.v3"
)

// Document formats.
const (
	FormatJSON = "json"
	FormatYAML = "yaml"
)

// Parse decodes a workflow document. Steps without an index are numbered by
// position.
func Parse(data []byte, format string) (*Workflow, error) {
	var wf Workflow
	switch format {
	case FormatJSON:
		dec := json.NewDecoder(bytes.NewReader(data))
		if err := dec.Decode(&wf); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParseWorkflow, err)
		}
	case FormatYAML, "yml":
		if err := yaml.Unmarshal(data, &wf); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParseWorkflow, err)
		}
	default:
		return nil, fmt.Errorf("%w: unsupported format %q", ErrParseWorkflow, format)
	}
	if wf.Name == "" && len(wf.Steps) == 0 {
		return nil, fmt.Errorf("%w: document has neither name nor steps", ErrParseWorkflow)
	}
	for i := range wf.Steps {
		if wf.Steps[i].Step == 0 {
			wf.Steps[i].Step = i + 1
		}
	}
	return &wf, nil
}

// LoadFile reads a workflow from disk. .json and .yaml/.yml are parsed
// directly; any other file is scanned for an embedded fenced block.
func LoadFile(path string) (*Workflow, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		return Parse(data, FormatJSON)
	case ".yaml", ".yml":
		return Parse(data, FormatYAML)
	default:
		return ParseEmbedded(string(data))
	}
}

// Block is one fenced code block.
type Block struct {
	Lang string
	Body string
}

// FencedBlocks scans text for ``` delimited blocks. The opening fence may
// carry a language tag; an unterminated block is dropped.
func FencedBlocks(text string) []Block {
	var (
		out  []Block
		open bool
		lang string
		body []string
	)
	for _, line := range strings.Split(text, "\n") {
		trimmed := strings.TrimSpace(strings.TrimSuffix(line, "\r"))
		if !open {
			if strings.HasPrefix(trimmed, "```") {
				open = true
				lang = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(trimmed, "```")))
				body = body[:0]
			}
			continue
		}
		if trimmed == "```" {
			out = append(out, Block{Lang: lang, Body: strings.Join(body, "\n")})
			open = false
			continue
		}
		body = append(body, strings.TrimSuffix(line, "\r"))
	}
	return out
}

// ParseEmbedded parses the first fenced block in text that decodes as a
// workflow. Untagged blocks are tried as JSON, then YAML.
func ParseEmbedded(text string) (*Workflow, error) {
	for _, b := range FencedBlocks(text) {
		var formats []string
		switch b.Lang {
		case "json":
			formats = []string{FormatJSON}
		case "yaml", "yml":
			formats = []string{FormatYAML}
		case "":
			formats = []string{FormatJSON, FormatYAML}
		default:
			continue
		}
		for _, f := range formats {
			if wf, err := Parse([]byte(b.Body), f); err == nil {
				return wf, nil
			}
		}
	}
	return nil, fmt.Errorf("%w from result: %s", ErrParseWorkflow, preview(text, 200))
}

// Fetch asks the workflows backend for a named workflow and parses the block
// embedded in its reply.
func Fetch(ctx context.Context, caller Caller, tool, name string) (*Workflow, error) {
	res, err := caller.Dispatch(ctx, tool, map[string]any{"workflowName": name})
	if err != nil {
		return nil, fmt.Errorf("fetching workflow %q: %w", name, err)
	}
	if res.IsError {
		return nil, fmt.Errorf("%w: %s: %s", ErrToolError, tool, res.String())
	}
	return ParseEmbedded(res.String())
}

// preview shortens s to at most n runes.
func preview(s string, n int) string {
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n]) + "..."
}
