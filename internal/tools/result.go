package tools

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Kind tags which shape a tool result arrived in.
type Kind int

const (
	// KindText is a plain text payload.
	KindText Kind = iota
	// KindContent is an ordered list of typed content items.
	KindContent
	// KindUnknown is any other payload, kept as-is.
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindText:
		return "text"
	case KindContent:
		return "content"
	default:
		return "unknown"
	}
}

// ContentItem is one element of a content-list result.
type ContentItem struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
	// Raw holds the original item when it is not text (images, resources).
	Raw any `json:"-"`
}

// Result is the outcome of a remote tool call.
type Result struct {
	Kind    Kind
	Text    string
	Items   []ContentItem
	Raw     any
	IsError bool
}

// TextResult wraps a plain string.
func TextResult(text string) Result {
	return Result{Kind: KindText, Text: text}
}

// ContentResult wraps a list of content items.
func ContentResult(items ...ContentItem) Result {
	return Result{Kind: KindContent, Items: items}
}

// UnknownResult wraps a payload of unrecognised shape.
func UnknownResult(v any) Result {
	return Result{Kind: KindUnknown, Raw: v}
}

// Texts returns every text fragment the result carries, in order.
func (r Result) Texts() []string {
	switch r.Kind {
	case KindText:
		return []string{r.Text}
	case KindContent:
		out := make([]string, 0, len(r.Items))
		for _, item := range r.Items {
			if item.Type == "text" {
				out = append(out, item.Text)
			}
		}
		return out
	default:
		if s, ok := r.Raw.(string); ok {
			return []string{s}
		}
		return nil
	}
}

// String flattens the result into the text sent back to the model.
// Content items are joined by newlines; non-text items are stringified.
func (r Result) String() string {
	switch r.Kind {
	case KindText:
		return r.Text
	case KindContent:
		parts := make([]string, 0, len(r.Items))
		for _, item := range r.Items {
			parts = append(parts, item.String())
		}
		return strings.Join(parts, "\n")
	default:
		return stringify(r.Raw)
	}
}

// String returns the item text, or a JSON rendering of non-text items.
func (c ContentItem) String() string {
	if c.Type == "text" {
		return c.Text
	}
	if c.Raw != nil {
		return stringify(c.Raw)
	}
	if c.Text != "" {
		return c.Text
	}
	return fmt.Sprintf("[%s content]", c.Type)
}

func stringify(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case fmt.Stringer:
		return x.String()
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Sprint(v)
	}
	return string(raw)
}

// MarshalJSON renders the result for logs, traces and run reports.
func (r Result) MarshalJSON() ([]byte, error) {
	payload := map[string]any{"kind": r.Kind.String()}
	switch r.Kind {
	case KindText:
		payload["text"] = r.Text
	case KindContent:
		items := make([]map[string]any, 0, len(r.Items))
		for _, item := range r.Items {
			items = append(items, map[string]any{"type": item.Type, "text": item.String()})
		}
		payload["content"] = items
	default:
		payload["value"] = r.Raw
	}
	if r.IsError {
		payload["is_error"] = true
	}
	return json.Marshal(payload)
}
