// Package workflow executes selector-free browser workflows. Each step names its
// target semantically (role, accessible name, pattern, position) and the engine
// resolves it against the freshest accessibility snapshot at run time.
package workflow

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

var (
	ErrTargetNotFound     = errors.New("target not found")
	ErrNotAppeared        = errors.New("target did not appear")
	ErrStaleSnapshot      = errors.New("stale snapshot")
	ErrPositionOutOfRange = errors.New("position out of range")
	ErrUnknownAction      = errors.New("unknown action")
	ErrParseWorkflow      = errors.New("could not parse workflow")
	ErrInvalidStep        = errors.New("invalid step")
	ErrToolError          = errors.New("tool reported an error")
)

// Step actions.
const (
	ActionNavigate     = "navigate"
	ActionType         = "type"
	ActionClick        = "click"
	ActionSelect       = "select"
	ActionSelectOption = "select_option"
	ActionWaitFor      = "wait_for"
	ActionVerify       = "verify"
	ActionSnapshot     = "snapshot"
)

// Log entry statuses.
const (
	StatusSuccess = "success"
	StatusFailed  = "failed"
)

// Workflow is an ordered list of declarative steps.
type Workflow struct {
	Name        string `json:"name" yaml:"name"`
	Description string `json:"description,omitempty" yaml:"description,omitempty"`
	Steps       []Step `json:"steps" yaml:"steps"`
}

// Step is one declarative action.
type Step struct {
	Step        int     `json:"step" yaml:"step"`
	Description string  `json:"description,omitempty" yaml:"description,omitempty"`
	Action      string  `json:"action" yaml:"action"`
	URL         string  `json:"url,omitempty" yaml:"url,omitempty"`
	Target      *Target `json:"target,omitempty" yaml:"target,omitempty"`
	Value       string  `json:"value,omitempty" yaml:"value,omitempty"`
	Submit      bool    `json:"submit,omitempty" yaml:"submit,omitempty"`
	Option      string  `json:"option,omitempty" yaml:"option,omitempty"`
	// MaxAttempts overrides the wait_for retry ceiling.
	MaxAttempts int `json:"max_attempts,omitempty" yaml:"max_attempts,omitempty"`
	// ContinueOnError records a failure of this step and moves on instead of aborting the run.
	ContinueOnError bool `json:"continue_on_error,omitempty" yaml:"continue_on_error,omitempty"`
}

// Target is a semantic element query. Every criterion present must match.
type Target struct {
	Role         string   `json:"role,omitempty" yaml:"role,omitempty"`
	Name         string   `json:"name,omitempty" yaml:"name,omitempty"`
	NameContains string   `json:"name_contains,omitempty" yaml:"name_contains,omitempty"`
	NamePattern  string   `json:"name_pattern,omitempty" yaml:"name_pattern,omitempty"`
	Position     Position `json:"position,omitempty" yaml:"position,omitempty"`
	Description  string   `json:"description,omitempty" yaml:"description,omitempty"`
}

// Label is the human-readable element description sent to the backend.
func (t Target) Label() string {
	if t.Description != "" {
		return t.Description
	}
	var parts []string
	if t.Role != "" {
		parts = append(parts, t.Role)
	}
	switch {
	case t.Name != "":
		parts = append(parts, strconv.Quote(t.Name))
	case t.NameContains != "":
		parts = append(parts, "containing "+strconv.Quote(t.NameContains))
	case t.NamePattern != "":
		parts = append(parts, "matching /"+t.NamePattern+"/")
	}
	if len(parts) == 0 {
		return "element"
	}
	return strings.Join(parts, " ")
}

// PositionKind selects how multiple candidates are disambiguated.
type PositionKind int

const (
	// PositionDefault behaves like PositionFirst.
	PositionDefault PositionKind = iota
	PositionFirst
	PositionLast
	PositionIndex
)

// Position is "first", "last" or an index; negative indexes count from the end.
type Position struct {
	Kind  PositionKind
	Index int
}

// First selects the first candidate in snapshot order.
func First() Position { return Position{Kind: PositionFirst} }

// Last selects the last candidate in snapshot order.
func Last() Position { return Position{Kind: PositionLast} }

// Index selects candidate i; negative values count from the end.
func Index(i int) Position { return Position{Kind: PositionIndex, Index: i} }

// IsZero reports whether no position was given.
func (p Position) IsZero() bool { return p.Kind == PositionDefault }

func (p Position) String() string {
	switch p.Kind {
	case PositionFirst:
		return "first"
	case PositionLast:
		return "last"
	case PositionIndex:
		return strconv.Itoa(p.Index)
	default:
		return ""
	}
}

// parsePosition maps a scalar to a position. Unrecognised words fall back to
// the default.
func parsePosition(s string) Position {
	s = strings.TrimSpace(strings.ToLower(s))
	switch s {
	case "first":
		return First()
	case "last":
		return Last()
	}
	if n, err := strconv.Atoi(s); err == nil {
		return Index(n)
	}
	return Position{}
}

func (p Position) MarshalJSON() ([]byte, error) {
	switch p.Kind {
	case PositionIndex:
		return []byte(strconv.Itoa(p.Index)), nil
	case PositionFirst, PositionLast:
		return json.Marshal(p.String())
	default:
		return []byte("null"), nil
	}
}

func (p *Position) UnmarshalJSON(data []byte) error {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return err
	}
	switch x := v.(type) {
	case nil:
		*p = Position{}
	case float64:
		if x != float64(int(x)) {
			return fmt.Errorf("position must be an integer, got %v", x)
		}
		*p = Index(int(x))
	case string:
		*p = parsePosition(x)
	default:
		return fmt.Errorf("position must be \"first\", \"last\" or an integer, got %T", v)
	}
	return nil
}

func (p Position) MarshalYAML() (any, error) {
	switch p.Kind {
	case PositionIndex:
		return p.Index, nil
	case PositionFirst, PositionLast:
		return p.String(), nil
	default:
		return nil, nil
	}
}

func (p *Position) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("position must be a scalar (line %d)", node.Line)
	}
	switch node.Tag {
	case "!!null":
		*p = Position{}
	case "!!int":
		var n int
		if err := node.Decode(&n); err != nil {
			return fmt.Errorf("position (line %d): %w", node.Line, err)
		}
		*p = Index(n)
	case "!!float":
		var f float64
		if err := node.Decode(&f); err != nil {
			return fmt.Errorf("position (line %d): %w", node.Line, err)
		}
		if f != float64(int(f)) {
			return fmt.Errorf("position must be an integer, got %v (line %d)", f, node.Line)
		}
		*p = Index(int(f))
	default:
		*p = parsePosition(node.Value)
	}
	return nil
}

// LogEntry is the outcome of one step.
type LogEntry struct {
	Step        int    `json:"step"`
	Status      string `json:"status"`
	Description string `json:"description,omitempty"`
	Action      string `json:"action,omitempty"`
	Result      any    `json:"result,omitempty"`
	Error       string `json:"error,omitempty"`
}

// Report summarizes a workflow run.
type Report struct {
	RunID          string        `json:"run_id"`
	Workflow       string        `json:"workflow"`
	TotalSteps     int           `json:"total_steps"`
	CompletedSteps int           `json:"completed_steps"`
	FailedSteps    int           `json:"failed_steps"`
	Log            []LogEntry    `json:"log"`
	StartedAt      time.Time     `json:"started_at"`
	Duration       time.Duration `json:"duration"`
}

// StepError is returned when a step aborts a run.
type StepError struct {
	Step   int
	Action string
	Err    error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("step %d (%s): %v", e.Step, e.Action, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }
