package workflow

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"browserpilot-mcp-client/internal/tools"
)

type recordedCall struct {
	Tool string
	Args map[string]any
}

// fakeBrowser plays a tiny page: handlers per tool name return canned results.
type fakeBrowser struct {
	mu       sync.Mutex
	calls    []recordedCall
	handlers map[string]func(args map[string]any) (tools.Result, error)
}

func (f *fakeBrowser) Dispatch(_ context.Context, name string, args map[string]any) (tools.Result, error) {
	f.mu.Lock()
	f.calls = append(f.calls, recordedCall{Tool: name, Args: args})
	h := f.handlers[name]
	f.mu.Unlock()
	if h == nil {
		return tools.Result{}, fmt.Errorf("tool not found: %s", name)
	}
	return h(args)
}

func (f *fakeBrowser) toolNames() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.calls))
	for i, c := range f.calls {
		out[i] = c.Tool
	}
	return out
}

func (f *fakeBrowser) count(tool string) int {
	n := 0
	for _, name := range f.toolNames() {
		if name == tool {
			n++
		}
	}
	return n
}

const loginPage = "- textbox \"Email\" [ref=e1]\n- textbox \"Password\" [ref=e2]\n- checkbox \"Remember me\" [ref=e3]\n- combobox \"Region\" [ref=e4]\n- button \"Sign in\" [ref=e5]"
const dashboardPage = "- heading \"Welcome back\" [ref=e10]\n- link \"Logout\" [ref=e11]"

func snapshotText(page string) tools.Result {
	return tools.ContentResult(
		tools.ContentItem{Type: "text", Text: "### Page state"},
		tools.ContentItem{Type: "text", Text: page},
	)
}

func newLoginBrowser() *fakeBrowser {
	page := loginPage
	b := &fakeBrowser{}
	b.handlers = map[string]func(map[string]any) (tools.Result, error){
		"browser_navigate": func(map[string]any) (tools.Result, error) { return snapshotText(page), nil },
		"browser_snapshot": func(map[string]any) (tools.Result, error) { return snapshotText(page), nil },
		"browser_type":     func(map[string]any) (tools.Result, error) { return tools.TextResult("typed"), nil },
		"browser_select_option": func(map[string]any) (tools.Result, error) {
			return snapshotText(page), nil
		},
		"browser_click": func(args map[string]any) (tools.Result, error) {
			if args["ref"] == "e5" {
				page = dashboardPage
			}
			return snapshotText(page), nil
		},
		"browser_wait_for": func(map[string]any) (tools.Result, error) { return tools.TextResult("waited"), nil },
	}
	return b
}

func newEngine(t *testing.T, b *fakeBrowser, opts Options) *Engine {
	return New(b, opts, zaptest.NewLogger(t))
}

func TestRunLoginWorkflow(t *testing.T) {
	b := newLoginBrowser()
	e := newEngine(t, b, Options{})

	wf := &Workflow{
		Name: "login",
		Steps: []Step{
			{Step: 1, Action: ActionNavigate, URL: "https://app.test/login"},
			{Step: 2, Action: ActionType, Target: &Target{Role: "textbox", Name: "Email", Description: "email field"}, Value: "a@b.c"},
			{Step: 3, Action: ActionType, Target: &Target{Role: "textbox", NameContains: "pass"}, Value: "secret", Submit: true},
			{Step: 4, Action: ActionSelect, Target: &Target{Role: "checkbox"}},
			{Step: 5, Action: ActionSelectOption, Target: &Target{Role: "combobox"}, Option: "EU"},
			{Step: 6, Action: ActionClick, Target: &Target{Role: "button", Name: "Sign in"}},
			{Step: 7, Action: ActionVerify, Target: &Target{Role: "heading", NamePattern: "^welcome"}},
			{Step: 8, Action: ActionSnapshot},
		},
	}

	report, err := e.Run(context.Background(), wf)
	require.NoError(t, err)

	assert.Equal(t, "login", report.Workflow)
	assert.Equal(t, 8, report.TotalSteps)
	assert.Equal(t, 8, report.CompletedSteps)
	assert.Zero(t, report.FailedSteps)
	assert.NotEmpty(t, report.RunID)
	require.Len(t, report.Log, 8)
	for _, entry := range report.Log {
		assert.Equal(t, StatusSuccess, entry.Status)
	}

	// browser_type returns no snapshot, so the step after it must take one.
	assert.Equal(t, []string{
		"browser_navigate",
		"browser_type",
		"browser_snapshot", "browser_type",
		"browser_snapshot", "browser_click",
		"browser_select_option",
		"browser_click",
		"browser_snapshot",
		"browser_snapshot",
	}, b.toolNames())

	assert.Equal(t, map[string]any{"element": "email field", "ref": "e1", "text": "a@b.c", "submit": false}, b.calls[1].Args)
	assert.Equal(t, map[string]any{"element": `textbox containing "pass"`, "ref": "e2", "text": "secret", "submit": true}, b.calls[3].Args)
	assert.Equal(t, map[string]any{"element": "combobox", "ref": "e4", "values": []string{"EU"}}, b.calls[6].Args)
	assert.Equal(t, map[string]any{"verified": true, "ref": "e10"}, report.Log[6].Result)
}

func TestRunAbortsOnFailure(t *testing.T) {
	b := newLoginBrowser()
	e := newEngine(t, b, Options{})

	wf := &Workflow{
		Name: "broken",
		Steps: []Step{
			{Step: 1, Description: "open", Action: ActionNavigate, URL: "https://app.test"},
			{Step: 2, Description: "click missing", Action: ActionClick, Target: &Target{Role: "button", Name: "Nope"}},
			{Step: 3, Description: "never", Action: ActionSnapshot},
		},
	}

	report, err := e.Run(context.Background(), wf)
	require.Error(t, err)

	var stepErr *StepError
	require.True(t, errors.As(err, &stepErr))
	assert.Equal(t, 2, stepErr.Step)
	assert.ErrorIs(t, err, ErrTargetNotFound)

	require.Len(t, report.Log, 2)
	assert.Equal(t, StatusSuccess, report.Log[0].Status)
	assert.Equal(t, StatusFailed, report.Log[1].Status)
	assert.Equal(t, "click missing", report.Log[1].Description)
	assert.Contains(t, report.Log[1].Error, "target not found")
	assert.Equal(t, 1, report.CompletedSteps)
	assert.Equal(t, 3, report.TotalSteps)
	assert.Equal(t, []string{"browser_navigate"}, b.toolNames(), "step 3 is never attempted")
}

func TestRunContinueOnError(t *testing.T) {
	b := newLoginBrowser()
	e := newEngine(t, b, Options{})

	wf := &Workflow{
		Name: "tolerant",
		Steps: []Step{
			{Step: 1, Action: ActionNavigate, URL: "https://app.test"},
			{Step: 2, Action: ActionVerify, Target: &Target{Name: "Cookie banner"}, ContinueOnError: true},
			{Step: 3, Action: ActionClick, Target: &Target{Role: "button"}},
		},
	}

	report, err := e.Run(context.Background(), wf)
	require.NoError(t, err)
	assert.Equal(t, 2, report.CompletedSteps)
	assert.Equal(t, 1, report.FailedSteps)
	require.Len(t, report.Log, 3)
	assert.Equal(t, StatusFailed, report.Log[1].Status)
	assert.Equal(t, StatusSuccess, report.Log[2].Status)
}

func TestRunUnknownAction(t *testing.T) {
	e := newEngine(t, newLoginBrowser(), Options{})
	report, err := e.Run(context.Background(), &Workflow{Name: "x", Steps: []Step{{Step: 1, Action: "hover"}}})
	assert.ErrorIs(t, err, ErrUnknownAction)
	require.Len(t, report.Log, 1)
	assert.Equal(t, StatusFailed, report.Log[0].Status)
}

func TestRunToolErrorResultFailsStep(t *testing.T) {
	b := newLoginBrowser()
	b.handlers["browser_navigate"] = func(map[string]any) (tools.Result, error) {
		res := tools.TextResult("net::ERR_NAME_NOT_RESOLVED")
		res.IsError = true
		return res, nil
	}
	e := newEngine(t, b, Options{})

	_, err := e.Run(context.Background(), &Workflow{Name: "x", Steps: []Step{{Step: 1, Action: ActionNavigate, URL: "https://nowhere.invalid"}}})
	assert.ErrorIs(t, err, ErrToolError)
	assert.Contains(t, err.Error(), "ERR_NAME_NOT_RESOLVED")
}

func TestRunCancelledContext(t *testing.T) {
	b := newLoginBrowser()
	e := newEngine(t, b, Options{})
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	report, err := e.Run(ctx, &Workflow{Name: "x", Steps: []Step{
		{Step: 1, Action: ActionSnapshot, ContinueOnError: true},
		{Step: 2, Action: ActionSnapshot},
	}})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Len(t, report.Log, 1)
	assert.Empty(t, b.toolNames())
}

func TestWaitForExhaustsCeiling(t *testing.T) {
	tests := []struct {
		name        string
		opts        Options
		maxAttempts int
		want        int
	}{
		{"default ceiling", Options{}, 0, 10},
		{"engine option", Options{WaitAttempts: 4}, 0, 4},
		{"step override", Options{WaitAttempts: 4}, 2, 2},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := newLoginBrowser()
			e := newEngine(t, b, tt.opts)

			_, err := e.Run(context.Background(), &Workflow{Name: "wait", Steps: []Step{{
				Step:        1,
				Action:      ActionWaitFor,
				Target:      &Target{Role: "alert", Description: "toast"},
				MaxAttempts: tt.maxAttempts,
			}}})

			require.ErrorIs(t, err, ErrNotAppeared)
			assert.Contains(t, err.Error(), fmt.Sprintf("toast did not appear after %d attempts", tt.want))
			assert.Equal(t, tt.want, b.count("browser_snapshot"))
			assert.Equal(t, tt.want-1, b.count("browser_wait_for"), "no wait after the last attempt")
		})
	}
}

func TestWaitForAppearsLater(t *testing.T) {
	b := newLoginBrowser()
	snapshots := 0
	b.handlers["browser_snapshot"] = func(map[string]any) (tools.Result, error) {
		snapshots++
		if snapshots < 3 {
			return snapshotText("- progressbar [ref=e1]"), nil
		}
		return snapshotText("- alert \"Saved\" [ref=e9]"), nil
	}
	var waitArgs map[string]any
	b.handlers["browser_wait_for"] = func(args map[string]any) (tools.Result, error) {
		waitArgs = args
		return tools.TextResult("waited"), nil
	}

	e := newEngine(t, b, Options{WaitSeconds: 2})
	report, err := e.Run(context.Background(), &Workflow{Name: "wait", Steps: []Step{
		{Step: 1, Action: ActionWaitFor, Target: &Target{Role: "alert"}},
	}})
	require.NoError(t, err)

	assert.Equal(t, map[string]any{"found": true, "ref": "e9", "attempts": 3}, report.Log[0].Result)
	assert.Equal(t, 2, b.count("browser_wait_for"))
	assert.Equal(t, map[string]any{"time": 2}, waitArgs)
}

func TestSessionStaleSnapshot(t *testing.T) {
	b := newLoginBrowser()
	s := newEngine(t, b, Options{}).NewSession("run-1")
	ctx := context.Background()

	first, _, err := s.Snapshot(ctx)
	require.NoError(t, err)

	// A mutating step replaces the held snapshot.
	_, next, err := s.Execute(ctx, first, Step{Action: ActionClick, Target: &Target{Role: "button"}})
	require.NoError(t, err)
	require.True(t, next.Held())
	assert.Greater(t, next.Generation, first.Generation)

	_, _, err = s.Resolve(ctx, first, Target{Role: "link"})
	assert.ErrorIs(t, err, ErrStaleSnapshot)

	el, _, err := s.Resolve(ctx, next, Target{Role: "link"})
	require.NoError(t, err)
	assert.Equal(t, "e11", el.Ref)
}

func TestSessionMutationWithoutSnapshotSupersedes(t *testing.T) {
	b := newLoginBrowser()
	s := newEngine(t, b, Options{}).NewSession("run-1")
	ctx := context.Background()

	held, _, err := s.Snapshot(ctx)
	require.NoError(t, err)

	_, next, err := s.Execute(ctx, held, Step{Action: ActionType, Target: &Target{Name: "Email"}, Value: "x"})
	require.NoError(t, err)
	assert.False(t, next.Held(), "type result carries no snapshot")

	_, _, err = s.Execute(ctx, held, Step{Action: ActionClick, Target: &Target{Role: "button"}})
	assert.ErrorIs(t, err, ErrStaleSnapshot, "reusing the pre-mutation snapshot is rejected")

	before := b.count("browser_snapshot")
	_, _, err = s.Execute(ctx, next, Step{Action: ActionClick, Target: &Target{Role: "button"}})
	require.NoError(t, err)
	assert.Equal(t, before+1, b.count("browser_snapshot"), "absent snapshot is fetched before resolving")
}

func TestIndependentSessions(t *testing.T) {
	e := newEngine(t, newLoginBrowser(), Options{})
	ctx := context.Background()

	a := e.NewSession("a")
	b := e.NewSession("b")

	snapA, _, err := a.Snapshot(ctx)
	require.NoError(t, err)
	_, _, err = b.Snapshot(ctx)
	require.NoError(t, err)
	_, _, err = b.Snapshot(ctx)
	require.NoError(t, err)

	_, _, err = a.Resolve(ctx, snapA, Target{Role: "button"})
	assert.NoError(t, err, "another session's snapshots do not supersede this lineage")
}

func TestStepRequiresTarget(t *testing.T) {
	s := newEngine(t, newLoginBrowser(), Options{}).NewSession("r")
	for _, action := range []string{ActionType, ActionClick, ActionSelect, ActionSelectOption, ActionWaitFor, ActionVerify} {
		_, _, err := s.Execute(context.Background(), Snapshot{}, Step{Action: action})
		assert.ErrorIs(t, err, ErrInvalidStep, action)
	}
	_, _, err := s.Execute(context.Background(), Snapshot{}, Step{Action: ActionNavigate})
	assert.ErrorIs(t, err, ErrInvalidStep)
}

type memTracer struct {
	started []string
	events  []string
	closed  int
	fail    bool
}

func (m *memTracer) Start(runID string) error {
	if m.fail {
		return errors.New("disk full")
	}
	m.started = append(m.started, runID)
	return nil
}

func (m *memTracer) Log(eventType, runID string, _ any) {
	m.events = append(m.events, eventType)
}

func (m *memTracer) Close() error {
	m.closed++
	return nil
}

func TestRunTraces(t *testing.T) {
	tr := &memTracer{}
	e := newEngine(t, newLoginBrowser(), Options{Trace: tr})

	report, err := e.Run(context.Background(), &Workflow{Name: "t", Steps: []Step{
		{Step: 1, Action: ActionSnapshot},
		{Step: 2, Action: ActionVerify, Target: &Target{Role: "slider"}},
	}})
	require.Error(t, err)

	assert.Equal(t, []string{report.RunID}, tr.started)
	assert.Equal(t, []string{"run_start", "step_ok", "step_failed", "run_end"}, tr.events)
	assert.Equal(t, 1, tr.closed)
}

func TestRunTraceStartFailureIsNotFatal(t *testing.T) {
	tr := &memTracer{fail: true}
	e := newEngine(t, newLoginBrowser(), Options{Trace: tr})

	_, err := e.Run(context.Background(), &Workflow{Name: "t", Steps: []Step{{Step: 1, Action: ActionSnapshot}}})
	require.NoError(t, err)
	assert.Empty(t, tr.events)
	assert.Zero(t, tr.closed)
}

func TestTargetLabel(t *testing.T) {
	assert.Equal(t, "the search box", Target{Role: "textbox", Description: "the search box"}.Label())
	assert.Equal(t, `button "Go"`, Target{Role: "button", Name: "Go"}.Label())
	assert.Equal(t, "link matching /^doc/", Target{Role: "link", NamePattern: "^doc"}.Label())
	assert.Equal(t, "element", Target{}.Label())
	assert.True(t, strings.HasPrefix(Target{NameContains: "x"}.Label(), "containing"))
}

func TestTypeEmptyValueClearsField(t *testing.T) {
	b := newLoginBrowser()
	e := newEngine(t, b, Options{})

	report, err := e.Run(context.Background(), &Workflow{Name: "clear", Steps: []Step{
		{Step: 1, Action: ActionType, Target: &Target{Role: "textbox", Name: "Email"}},
	}})
	require.NoError(t, err)
	assert.Equal(t, 1, report.CompletedSteps)

	last := b.calls[len(b.calls)-1]
	assert.Equal(t, "browser_type", last.Tool)
	assert.Equal(t, "", last.Args["text"])
}
