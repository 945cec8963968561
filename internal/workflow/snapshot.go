package workflow

import (
	"fmt"
	"regexp"
	"strings"

	"browserpilot-mcp-client/internal/tools"
)

// elementLine matches `- role "name" [ref=token]`, name optional. Trailing
// attributes after the ref marker are ignored.
var elementLine = regexp.MustCompile(`^-\s+(\w+)(?:\s+"([^"]*)")?\s+\[ref=([^\]]+)\]`)

// Element is one interactive node of a snapshot.
type Element struct {
	Role string
	Name string
	Ref  string
	// Line is the trimmed source line.
	Line string
}

// Snapshot is an accessibility tree dump tagged with its generation in the run
// lineage. The zero value means no snapshot is held.
type Snapshot struct {
	Text       string
	Generation uint64
}

// Held reports whether s is an actual snapshot.
func (s Snapshot) Held() bool { return s.Generation != 0 }

// ParseSnapshot extracts element records in snapshot order. Lines that are not
// list items with a ref marker are structural and skipped.
func ParseSnapshot(text string) []Element {
	var out []Element
	for _, raw := range strings.Split(text, "\n") {
		line := strings.TrimSpace(raw)
		if !strings.HasPrefix(line, "-") {
			continue
		}
		m := elementLine.FindStringSubmatch(line)
		if m == nil {
			continue
		}
		out = append(out, Element{Role: m[1], Name: m[2], Ref: m[3], Line: line})
	}
	return out
}

// LineCount is the number of lines in a snapshot text.
func LineCount(text string) int {
	return strings.Count(text, "\n") + 1
}

// looksLikeSnapshot reports whether text carries at least one element line.
func looksLikeSnapshot(text string) bool {
	return strings.Contains(text, "- ") && strings.Contains(text, "[ref=")
}

// ExtractSnapshot finds an embedded accessibility snapshot in a tool result.
func ExtractSnapshot(res tools.Result) (string, bool) {
	switch res.Kind {
	case tools.KindText:
		if looksLikeSnapshot(res.Text) {
			return res.Text, true
		}
	case tools.KindContent:
		for _, item := range res.Items {
			if item.Type == "text" && looksLikeSnapshot(item.Text) {
				return item.Text, true
			}
		}
	case tools.KindUnknown:
		if s, ok := res.Raw.(string); ok && looksLikeSnapshot(s) {
			return s, true
		}
	}
	return "", false
}

// Resolve picks the element matching t from snap. It is a pure function of its
// inputs.
func Resolve(snap Snapshot, t Target) (Element, error) {
	var pattern *regexp.Regexp
	if t.NamePattern != "" {
		re, err := regexp.Compile("(?i)" + t.NamePattern)
		if err != nil {
			return Element{}, fmt.Errorf("%w: name_pattern %q: %v", ErrInvalidStep, t.NamePattern, err)
		}
		pattern = re
	}
	contains := strings.ToLower(t.NameContains)

	var matches []Element
	for _, el := range ParseSnapshot(snap.Text) {
		if t.Role != "" && el.Role != t.Role {
			continue
		}
		if t.Name != "" && el.Name != t.Name {
			continue
		}
		if contains != "" && !strings.Contains(strings.ToLower(el.Name), contains) {
			continue
		}
		if pattern != nil && !pattern.MatchString(el.Name) {
			continue
		}
		matches = append(matches, el)
	}

	if len(matches) == 0 {
		return Element{}, fmt.Errorf("%w: %s (snapshot has %d lines)", ErrTargetNotFound, t.Label(), LineCount(snap.Text))
	}

	switch t.Position.Kind {
	case PositionLast:
		return matches[len(matches)-1], nil
	case PositionIndex:
		i := t.Position.Index
		if i < 0 {
			i += len(matches)
		}
		if i < 0 || i >= len(matches) {
			return Element{}, fmt.Errorf("%w: position %d with %d candidates for %s",
				ErrPositionOutOfRange, t.Position.Index, len(matches), t.Label())
		}
		return matches[i], nil
	default:
		return matches[0], nil
	}
}

// lineage hands out snapshot generations for one run.
type lineage struct {
	current uint64
}

// fresh tags text as the newest snapshot.
func (l *lineage) fresh(text string) Snapshot {
	l.current++
	return Snapshot{Text: text, Generation: l.current}
}

// supersede invalidates the held snapshot without replacing it.
func (l *lineage) supersede() Snapshot {
	l.current++
	return Snapshot{}
}

// check rejects a snapshot that is not the newest generation.
func (l *lineage) check(s Snapshot) error {
	if s.Held() && s.Generation != l.current {
		return fmt.Errorf("%w: generation %d, current %d", ErrStaleSnapshot, s.Generation, l.current)
	}
	return nil
}
