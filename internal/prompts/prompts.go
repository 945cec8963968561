// Package prompts builds the system prompts handed to the agent.
package prompts

import (
	_ "embed"
	"errors"
	"io/fs"
	"os"
	"strings"

	"go.uber.org/zap"
)

var (
	//go:embed templates/default.md
	defaultPrompt string

	//go:embed templates/workflow.md
	workflowPrompt string
)

const separator = "\n---\n\n"

// Kind selects a base prompt.
type Kind string

const (
	KindDefault  Kind = "default"
	KindWorkflow Kind = "workflow"
)

// Builder assembles system prompts from a base prompt, an optional override
// file and an optional knowledge base file.
type Builder struct {
	OverrideFile      string
	KnowledgeBaseFile string
	logger            *zap.Logger
}

// NewBuilder returns a builder. Empty paths disable the corresponding file.
func NewBuilder(overrideFile, knowledgeBaseFile string, logger *zap.Logger) *Builder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Builder{
		OverrideFile:      overrideFile,
		KnowledgeBaseFile: knowledgeBaseFile,
		logger:            logger.Named("prompts"),
	}
}

// Base returns the built-in prompt for kind.
func Base(kind Kind) string {
	if kind == KindWorkflow {
		return strings.TrimSpace(workflowPrompt)
	}
	return strings.TrimSpace(defaultPrompt)
}

// Build returns the system prompt for kind. An unreadable override falls back
// to the built-in prompt; a missing knowledge base is skipped with a warning.
func (b *Builder) Build(kind Kind) string {
	prompt := Base(kind)
	if b.OverrideFile != "" && kind == KindDefault {
		if text, ok := b.read(b.OverrideFile, "system prompt"); ok {
			prompt = text
		}
	}
	if b.KnowledgeBaseFile != "" {
		if kb, ok := b.read(b.KnowledgeBaseFile, "knowledge base"); ok {
			prompt += separator + kb
		}
	}
	return prompt
}

func (b *Builder) read(path, what string) (string, bool) {
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		b.logger.Warn("File not found, using built-in prompt", zap.String("kind", what), zap.String("path", path))
		return "", false
	case err != nil:
		b.logger.Error("Failed to read prompt file", zap.String("kind", what), zap.String("path", path), zap.Error(err))
		return "", false
	}
	text := strings.TrimSpace(string(data))
	return text, text != ""
}
