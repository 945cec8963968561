package workflow

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"browserpilot-mcp-client/internal/config"
	"browserpilot-mcp-client/internal/tools"
)

// DefaultWaitAttempts is the wait_for retry ceiling when neither the step nor
// the engine options set one.
const DefaultWaitAttempts = 10

// Caller invokes remote tools. *router.Router satisfies it.
type Caller interface {
	Dispatch(ctx context.Context, name string, args map[string]any) (tools.Result, error)
}

// Tracer receives run events. *recorder.Recorder satisfies it.
type Tracer interface {
	Start(runID string) error
	Log(eventType, runID string, data any)
	Close() error
}

// Options tune an engine.
type Options struct {
	Tools        config.ToolNames
	WaitAttempts int
	WaitSeconds  int
	Trace        Tracer
}

// Engine executes workflows. It holds no snapshot state of its own; every run
// gets its own Session.
type Engine struct {
	caller Caller
	opts   Options
	logger *zap.Logger
}

// New builds an engine. Empty tool names fall back to the Playwright MCP names.
func New(caller Caller, opts Options, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	opts.Tools = config.WorkflowConfig{Tools: opts.Tools}.ResolvedTools()
	if opts.WaitAttempts <= 0 {
		opts.WaitAttempts = DefaultWaitAttempts
	}
	if opts.WaitSeconds <= 0 {
		opts.WaitSeconds = 1
	}
	return &Engine{caller: caller, opts: opts, logger: logger.Named("workflow")}
}

// Session is one snapshot lineage. Snapshots are passed in and returned by
// every operation; a snapshot from an older generation is rejected.
type Session struct {
	engine *Engine
	runID  string
	lin    lineage
	logger *zap.Logger
}

// NewSession starts a lineage tagged with runID.
func (e *Engine) NewSession(runID string) *Session {
	return &Session{
		engine: e,
		runID:  runID,
		logger: e.logger.With(zap.String("run_id", runID)),
	}
}

// Run executes wf top to bottom. A failing step aborts the run unless it sets
// ContinueOnError; the partial report is returned together with a *StepError.
func (e *Engine) Run(ctx context.Context, wf *Workflow) (*Report, error) {
	report := &Report{
		RunID:      uuid.NewString(),
		Workflow:   wf.Name,
		TotalSteps: len(wf.Steps),
		Log:        make([]LogEntry, 0, len(wf.Steps)),
		StartedAt:  time.Now(),
	}
	s := e.NewSession(report.RunID)
	s.logger.Info("Executing workflow", zap.String("workflow", wf.Name), zap.Int("steps", len(wf.Steps)))

	trace := e.opts.Trace
	if trace != nil {
		if err := trace.Start(report.RunID); err != nil {
			s.logger.Warn("Trace unavailable", zap.Error(err))
			trace = nil
		}
	}
	if trace != nil {
		defer trace.Close()
		trace.Log("run_start", report.RunID, map[string]any{"workflow": wf.Name, "total_steps": len(wf.Steps)})
	}

	finish := func() {
		report.Duration = time.Since(report.StartedAt)
		if trace != nil {
			trace.Log("run_end", report.RunID, map[string]any{
				"completed_steps": report.CompletedSteps,
				"failed_steps":    report.FailedSteps,
				"duration_ms":     report.Duration.Milliseconds(),
			})
		}
	}

	var snap Snapshot
	for _, step := range wf.Steps {
		var (
			result any
			err    error
		)
		if err = ctx.Err(); err == nil {
			result, snap, err = s.Execute(ctx, snap, step)
		}

		if err != nil {
			report.FailedSteps++
			report.Log = append(report.Log, LogEntry{
				Step:        step.Step,
				Status:      StatusFailed,
				Description: step.Description,
				Action:      step.Action,
				Error:       err.Error(),
			})
			if trace != nil {
				trace.Log("step_failed", report.RunID, map[string]any{"step": step.Step, "action": step.Action, "error": err.Error()})
			}

			if step.ContinueOnError && ctx.Err() == nil {
				s.logger.Warn("Step failed, continuing",
					zap.Int("step", step.Step), zap.String("action", step.Action), zap.Error(err))
				continue
			}

			s.logger.Error("Step failed", zap.Int("step", step.Step), zap.String("action", step.Action), zap.Error(err))
			finish()
			return report, &StepError{Step: step.Step, Action: step.Action, Err: err}
		}

		report.CompletedSteps++
		report.Log = append(report.Log, LogEntry{
			Step:        step.Step,
			Status:      StatusSuccess,
			Description: step.Description,
			Action:      step.Action,
			Result:      result,
		})
		if trace != nil {
			trace.Log("step_ok", report.RunID, map[string]any{"step": step.Step, "action": step.Action, "description": step.Description})
		}
		s.logger.Info("Step completed", zap.Int("step", step.Step), zap.String("description", step.Description))
	}

	finish()
	return report, nil
}

// Execute runs one step against snap and returns the step result together
// with the snapshot the next step should use.
func (s *Session) Execute(ctx context.Context, snap Snapshot, step Step) (any, Snapshot, error) {
	names := s.engine.opts.Tools

	switch step.Action {
	case ActionNavigate:
		if step.URL == "" {
			return nil, snap, fmt.Errorf("%w: navigate requires url", ErrInvalidStep)
		}
		s.logger.Info("Navigating", zap.String("url", step.URL))
		return s.mutate(ctx, names.Navigate, map[string]any{"url": step.URL})

	case ActionType:
		return s.actOn(ctx, snap, step, names.Type, func(label, ref string) map[string]any {
			return map[string]any{"element": label, "ref": ref, "text": step.Value, "submit": step.Submit}
		})

	case ActionClick, ActionSelect:
		return s.actOn(ctx, snap, step, names.Click, func(label, ref string) map[string]any {
			return map[string]any{"element": label, "ref": ref}
		})

	case ActionSelectOption:
		return s.actOn(ctx, snap, step, names.SelectOption, func(label, ref string) map[string]any {
			return map[string]any{"element": label, "ref": ref, "values": []string{step.Option}}
		})

	case ActionWaitFor:
		return s.waitFor(ctx, snap, step)

	case ActionVerify:
		if step.Target == nil {
			return nil, snap, fmt.Errorf("%w: verify requires a target", ErrInvalidStep)
		}
		fresh, _, err := s.Snapshot(ctx)
		if err != nil {
			return nil, Snapshot{}, err
		}
		el, _, err := s.Resolve(ctx, fresh, *step.Target)
		if err != nil {
			return nil, fresh, err
		}
		s.logger.Info("Verified element", zap.String("target", step.Target.Label()), zap.String("ref", el.Ref))
		return map[string]any{"verified": true, "ref": el.Ref}, fresh, nil

	case ActionSnapshot:
		fresh, res, err := s.Snapshot(ctx)
		if err != nil {
			return nil, Snapshot{}, err
		}
		return res, fresh, nil

	default:
		return nil, snap, fmt.Errorf("%w: %q", ErrUnknownAction, step.Action)
	}
}

// actOn resolves the step target and invokes a mutating tool on it.
func (s *Session) actOn(ctx context.Context, snap Snapshot, step Step, tool string, args func(label, ref string) map[string]any) (any, Snapshot, error) {
	if step.Target == nil {
		return nil, snap, fmt.Errorf("%w: %s requires a target", ErrInvalidStep, step.Action)
	}
	el, snap, err := s.Resolve(ctx, snap, *step.Target)
	if err != nil {
		return nil, snap, err
	}
	label := step.Target.Label()
	s.logger.Info("Acting on element",
		zap.String("action", step.Action),
		zap.String("target", label),
		zap.String("ref", el.Ref))
	return s.mutate(ctx, tool, args(label, el.Ref))
}

// mutate calls a state-changing tool. The held snapshot is replaced by the one
// embedded in the result, or superseded when the result carries none.
func (s *Session) mutate(ctx context.Context, tool string, args map[string]any) (any, Snapshot, error) {
	res, err := s.call(ctx, tool, args)
	if err != nil {
		return nil, s.lin.supersede(), err
	}
	if text, ok := ExtractSnapshot(res); ok {
		next := s.lin.fresh(text)
		s.logger.Debug("Snapshot refreshed from result", zap.Uint64("generation", next.Generation), zap.Int("chars", len(text)))
		return res, next, nil
	}
	return res, s.lin.supersede(), nil
}

// Snapshot requests a fresh snapshot. A result without element lines is still
// a snapshot of the current state, just one with nothing to resolve.
func (s *Session) Snapshot(ctx context.Context) (Snapshot, tools.Result, error) {
	res, err := s.call(ctx, s.engine.opts.Tools.Snapshot, map[string]any{})
	if err != nil {
		return Snapshot{}, res, err
	}
	text, ok := ExtractSnapshot(res)
	if !ok {
		text = res.String()
	}
	snap := s.lin.fresh(text)
	s.logger.Debug("Snapshot taken", zap.Uint64("generation", snap.Generation), zap.Int("lines", LineCount(text)))
	return snap, res, nil
}

// Resolve resolves t against snap, taking a snapshot first when none is held.
// A superseded snapshot fails with ErrStaleSnapshot.
func (s *Session) Resolve(ctx context.Context, snap Snapshot, t Target) (Element, Snapshot, error) {
	if err := s.lin.check(snap); err != nil {
		return Element{}, Snapshot{}, err
	}
	if !snap.Held() {
		var err error
		if snap, _, err = s.Snapshot(ctx); err != nil {
			return Element{}, Snapshot{}, err
		}
	}
	el, err := Resolve(snap, t)
	return el, snap, err
}

func (s *Session) waitFor(ctx context.Context, snap Snapshot, step Step) (any, Snapshot, error) {
	if step.Target == nil {
		return nil, snap, fmt.Errorf("%w: wait_for requires a target", ErrInvalidStep)
	}
	attempts := step.MaxAttempts
	if attempts <= 0 {
		attempts = s.engine.opts.WaitAttempts
	}
	label := step.Target.Label()

	for i := 0; i < attempts; i++ {
		fresh, _, err := s.Snapshot(ctx)
		if err != nil {
			return nil, Snapshot{}, err
		}
		snap = fresh

		el, err := Resolve(snap, *step.Target)
		if err == nil {
			s.logger.Info("Element appeared", zap.String("target", label), zap.String("ref", el.Ref), zap.Int("attempt", i+1))
			return map[string]any{"found": true, "ref": el.Ref, "attempts": i + 1}, snap, nil
		}
		if !isNotFound(err) {
			return nil, snap, err
		}

		if i < attempts-1 {
			s.logger.Info("Waiting for element", zap.String("target", label), zap.Int("attempt", i+1), zap.Int("max_attempts", attempts))
			if _, err := s.call(ctx, s.engine.opts.Tools.Wait, map[string]any{"time": s.engine.opts.WaitSeconds}); err != nil {
				return nil, snap, err
			}
		}
	}

	return nil, snap, fmt.Errorf("%w: %s did not appear after %d attempts", ErrNotAppeared, label, attempts)
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrTargetNotFound) || errors.Is(err, ErrPositionOutOfRange)
}

// call dispatches a tool and turns error-flagged results into errors.
func (s *Session) call(ctx context.Context, tool string, args map[string]any) (tools.Result, error) {
	res, err := s.engine.caller.Dispatch(ctx, tool, args)
	if err != nil {
		return res, err
	}
	if res.IsError {
		return res, fmt.Errorf("%w: %s: %s", ErrToolError, tool, res.String())
	}
	return res, nil
}
