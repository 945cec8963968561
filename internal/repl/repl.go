// Package repl is the interactive chat loop.
package repl

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strings"

	"go.uber.org/zap"

	"browserpilot-mcp-client/internal/agent"
	"browserpilot-mcp-client/internal/llm"
	"browserpilot-mcp-client/internal/tools"
)

const (
	toolsPerBackend = 5
	historyPreview  = 200
	descPreview     = 60
)

// Chatter is the part of *agent.Agent the loop drives.
type Chatter interface {
	Run(ctx context.Context, userMessage, systemPrompt string) (*agent.Result, error)
	History() llm.Conversation
	Clear()
}

// Catalog lists backend tools. *router.Router satisfies it.
type Catalog interface {
	Tools() []tools.Descriptor
}

// Session reads lines from In and answers on Out until quit or EOF.
type Session struct {
	Agent        Chatter
	Catalog      Catalog
	SystemPrompt string
	In           io.Reader
	Out          io.Writer
	Logger       *zap.Logger
}

// Run loops until the user quits, input ends or ctx is cancelled. Agent
// errors are printed and the loop continues.
func (s *Session) Run(ctx context.Context) error {
	logger := s.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("repl")

	s.banner()
	scanner := bufio.NewScanner(s.In)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	for {
		if ctx.Err() != nil {
			fmt.Fprintln(s.Out, "\nInterrupted. Goodbye!")
			return nil
		}
		fmt.Fprint(s.Out, "\nYou: ")
		if !scanner.Scan() {
			break
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch strings.ToLower(line) {
		case "quit", "exit", "q":
			fmt.Fprintln(s.Out, "Goodbye!")
			return nil
		case "clear":
			s.Agent.Clear()
			fmt.Fprintln(s.Out, "Conversation history cleared")
			continue
		case "history":
			s.printHistory()
			continue
		case "tools":
			s.printTools()
			continue
		}

		res, err := s.Agent.Run(ctx, line, s.SystemPrompt)
		if err != nil {
			logger.Error("Error processing query", zap.Error(err))
			fmt.Fprintf(s.Out, "Error: %v\n", err)
			continue
		}
		fmt.Fprintf(s.Out, "\nAssistant: %s\n", res.Answer)
	}

	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read input: %w", err)
	}
	fmt.Fprintln(s.Out, "\nEOF. Goodbye!")
	return nil
}

func (s *Session) banner() {
	rule := strings.Repeat("=", 80)
	fmt.Fprintln(s.Out, rule)
	fmt.Fprintln(s.Out, " browserpilot - interactive mode")
	fmt.Fprintln(s.Out, rule)
	fmt.Fprintln(s.Out, "Commands:")
	fmt.Fprintln(s.Out, "  clear           clear conversation history")
	fmt.Fprintln(s.Out, "  history         show conversation history")
	fmt.Fprintln(s.Out, "  tools           list available tools")
	fmt.Fprintln(s.Out, "  quit | exit | q leave")
	fmt.Fprintln(s.Out, rule)
}

func (s *Session) printHistory() {
	conv := s.Agent.History()
	if len(conv) == 0 {
		fmt.Fprintln(s.Out, "No conversation yet")
		return
	}
	fmt.Fprintln(s.Out, "\nConversation history:")
	for i, msg := range conv {
		content := msg.Content
		if content == "" && len(msg.ToolCalls) > 0 {
			names := make([]string, len(msg.ToolCalls))
			for j, tc := range msg.ToolCalls {
				names[j] = tc.Function.Name
			}
			content = "(calls " + strings.Join(names, ", ") + ")"
		}
		fmt.Fprintf(s.Out, "%d. [%s]: %s\n", i+1, strings.ToUpper(string(msg.Role)), truncate(content, historyPreview))
	}
}

// PrintTools writes the catalog grouped by backend, at most limit tools per
// backend when limit > 0.
func PrintTools(w io.Writer, descs []tools.Descriptor, limit int) {
	groups, order := tools.GroupByBackend(descs)
	for _, backend := range order {
		list := groups[backend]
		fmt.Fprintf(w, "\n%s (%d tools):\n", strings.ToUpper(backend), len(list))
		shown := list
		if limit > 0 && len(shown) > limit {
			shown = shown[:limit]
		}
		for _, d := range shown {
			fmt.Fprintf(w, "  - %s: %s\n", d.Name, truncate(d.Description, descPreview))
		}
		if len(list) > len(shown) {
			fmt.Fprintf(w, "  ... and %d more\n", len(list)-len(shown))
		}
	}
}

func (s *Session) printTools() {
	fmt.Fprintln(s.Out, "\nAvailable tools:")
	PrintTools(s.Out, s.Catalog.Tools(), toolsPerBackend)
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n]) + "..."
}
