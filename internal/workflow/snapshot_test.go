package workflow

import (
	"errors"
	"fmt"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"browserpilot-mcp-client/internal/tools"
)

const searchPage = `- Page URL: https://example.com/
- Page Title: Example
- Page Snapshot:
` + "```yaml" + `
- generic [ref=e1]:
  - banner [ref=e2]:
    - link "Home" [ref=e3] [cursor=pointer]
    - navigation:
      - link "Docs" [ref=e4]
      - link "Docs (beta)" [ref=e5]
  - main [ref=e6]:
    - heading "Search the catalog" [level=1] [ref=e7]
    - textbox "Search" [ref=e8]
    - button "Search" [ref=e9] [cursor=pointer]
    - checkbox "In stock only" [ref=e10]
    - combobox "Sort by" [ref=e11]
    - text: Results appear below
` + "```"

func TestParseSnapshot(t *testing.T) {
	els := ParseSnapshot(searchPage)

	var refs []string
	for _, el := range els {
		refs = append(refs, el.Ref)
	}
	assert.Equal(t, []string{"e1", "e2", "e3", "e4", "e5", "e6", "e8", "e9", "e10", "e11"}, refs,
		"structural lines and lines with attributes before the ref are skipped")

	assert.Equal(t, Element{Role: "link", Name: "Home", Ref: "e3", Line: `- link "Home" [ref=e3] [cursor=pointer]`}, els[2])
	assert.Equal(t, "generic", els[0].Role)
	assert.Equal(t, "", els[0].Name)
}

func TestParseSnapshotIgnoresNonListLines(t *testing.T) {
	text := "button \"Go\" [ref=e1]\n  * link \"x\" [ref=e2]\n-link \"y\" [ref=e3]\n- link \"z\" [ref=e4]"
	els := ParseSnapshot(text)
	require.Len(t, els, 1)
	assert.Equal(t, "e4", els[0].Ref)
}

func TestLineCount(t *testing.T) {
	assert.Equal(t, 1, LineCount(""))
	assert.Equal(t, 3, LineCount("a\nb\nc"))
}

func TestResolveFilters(t *testing.T) {
	snap := Snapshot{Text: searchPage, Generation: 1}

	tests := []struct {
		name   string
		target Target
		want   string
	}{
		{"role only picks first", Target{Role: "link"}, "e3"},
		{"exact name", Target{Role: "button", Name: "Search"}, "e9"},
		{"exact name across roles", Target{Name: "Search"}, "e8"},
		{"contains is case-insensitive", Target{Role: "link", NameContains: "BETA"}, "e5"},
		{"pattern is case-insensitive", Target{NamePattern: "^in stock"}, "e10"},
		{"all criteria", Target{Role: "link", NameContains: "docs", NamePattern: `\(beta\)$`}, "e5"},
		{"last", Target{Role: "link", Position: Last()}, "e5"},
		{"explicit first", Target{Role: "link", Position: First()}, "e3"},
		{"index", Target{Role: "link", Position: Index(1)}, "e4"},
		{"negative index", Target{Role: "link", Position: Index(-2)}, "e4"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			el, err := Resolve(snap, tt.target)
			require.NoError(t, err)
			assert.Equal(t, tt.want, el.Ref)
		})
	}
}

func TestResolveDisambiguation(t *testing.T) {
	snap := Snapshot{Text: "- button \"A\" [ref=e1]\n- button \"B\" [ref=e2]\n- button \"C\" [ref=e3]", Generation: 1}

	for pos, want := range map[string]string{"first": "e1", "last": "e3", "1": "e2"} {
		el, err := Resolve(snap, Target{Role: "button", Position: parsePosition(pos)})
		require.NoError(t, err)
		assert.Equal(t, want, el.Ref, "position %s", pos)
	}
}

func TestResolveErrors(t *testing.T) {
	snap := Snapshot{Text: searchPage, Generation: 1}

	_, err := Resolve(snap, Target{Role: "slider"})
	require.ErrorIs(t, err, ErrTargetNotFound)
	assert.Contains(t, err.Error(), fmt.Sprintf("snapshot has %d lines", LineCount(searchPage)))

	_, err = Resolve(snap, Target{Role: "link", Position: Index(3)})
	assert.ErrorIs(t, err, ErrPositionOutOfRange)

	_, err = Resolve(snap, Target{Role: "link", Position: Index(-4)})
	assert.ErrorIs(t, err, ErrPositionOutOfRange)

	_, err = Resolve(snap, Target{NamePattern: "("})
	assert.ErrorIs(t, err, ErrInvalidStep)
}

func TestResolveDeterministic(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		roles := []string{"button", "link", "textbox", "checkbox"}
		names := []string{"", "Search", "search box", "Submit", "Docs"}

		n := rapid.IntRange(0, 12).Draw(t, "n")
		var lines []string
		for i := 0; i < n; i++ {
			role := rapid.SampledFrom(roles).Draw(t, "role")
			name := rapid.SampledFrom(names).Draw(t, "name")
			if name == "" {
				lines = append(lines, fmt.Sprintf("- %s [ref=e%d]", role, i))
			} else {
				lines = append(lines, fmt.Sprintf("- %s %q [ref=e%d]", role, name, i))
			}
		}
		snap := Snapshot{Text: strings.Join(lines, "\n"), Generation: 1}

		target := Target{
			Role:         rapid.SampledFrom(append([]string{""}, roles...)).Draw(t, "target_role"),
			NameContains: rapid.SampledFrom([]string{"", "search", "SUB", "x"}).Draw(t, "contains"),
			Position:     rapid.SampledFrom([]Position{{}, First(), Last(), Index(0), Index(1), Index(-1)}).Draw(t, "position"),
		}

		first, err1 := Resolve(snap, target)
		second, err2 := Resolve(snap, target)
		if (err1 == nil) != (err2 == nil) || first != second {
			t.Fatalf("resolution not deterministic: %v/%v vs %v/%v", first, err1, second, err2)
		}
		if err1 != nil && !errors.Is(err1, ErrTargetNotFound) && !errors.Is(err1, ErrPositionOutOfRange) {
			t.Fatalf("unexpected error: %v", err1)
		}
	})
}

func TestExtractSnapshot(t *testing.T) {
	tests := []struct {
		name string
		res  tools.Result
		want string
		ok   bool
	}{
		{"text", tools.TextResult("- button \"Go\" [ref=e1]"), "- button \"Go\" [ref=e1]", true},
		{
			"content picks the item with refs",
			tools.ContentResult(
				tools.ContentItem{Type: "text", Text: "### Ran Playwright code"},
				tools.ContentItem{Type: "text", Text: "- link \"a\" [ref=e2]"},
			),
			"- link \"a\" [ref=e2]", true,
		},
		{"content without refs", tools.ContentResult(tools.ContentItem{Type: "text", Text: "done"}), "", false},
		{"unknown string", tools.UnknownResult("- a [ref=e1]"), "- a [ref=e1]", true},
		{"unknown structured", tools.UnknownResult(map[string]any{"x": 1}), "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := ExtractSnapshot(tt.res)
			assert.Equal(t, tt.ok, ok)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestLineage(t *testing.T) {
	var l lineage
	a := l.fresh("a")
	assert.NoError(t, l.check(a))

	b := l.fresh("b")
	assert.ErrorIs(t, l.check(a), ErrStaleSnapshot)
	assert.NoError(t, l.check(b))

	none := l.supersede()
	assert.False(t, none.Held())
	assert.NoError(t, l.check(none))
	assert.ErrorIs(t, l.check(b), ErrStaleSnapshot)
}
