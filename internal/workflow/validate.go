package workflow

import (
	"errors"
	"fmt"
	"regexp"
)

// Validate checks a workflow statically: a name, known actions, the fields
// each action needs and compilable name patterns. All problems are joined.
func Validate(wf *Workflow) error {
	if wf == nil {
		return fmt.Errorf("%w: nil workflow", ErrInvalidStep)
	}

	var errs []error
	if wf.Name == "" {
		errs = append(errs, errors.New("workflow name is required"))
	}
	if len(wf.Steps) == 0 {
		errs = append(errs, errors.New("workflow has no steps"))
	}

	for i, step := range wf.Steps {
		fail := func(format string, args ...any) {
			errs = append(errs, fmt.Errorf("%w: step %d (#%d): %s", ErrInvalidStep, step.Step, i+1, fmt.Sprintf(format, args...)))
		}

		switch step.Action {
		case ActionNavigate:
			if step.URL == "" {
				fail("navigate requires url")
			}
		case ActionSelectOption:
			if step.Option == "" {
				fail("select_option requires option")
			}
		case ActionType, ActionClick, ActionSelect, ActionWaitFor, ActionVerify, ActionSnapshot:
		case "":
			fail("action is required")
			continue
		default:
			errs = append(errs, fmt.Errorf("%w: step %d (#%d): %q", ErrUnknownAction, step.Step, i+1, step.Action))
			continue
		}

		if needsTarget(step.Action) {
			if step.Target == nil {
				fail("%s requires a target", step.Action)
				continue
			}
			if step.Target.NamePattern != "" {
				if _, err := regexp.Compile("(?i)" + step.Target.NamePattern); err != nil {
					fail("invalid name_pattern: %v", err)
				}
			}
		}
		if step.MaxAttempts < 0 {
			fail("max_attempts must not be negative")
		}
	}

	return errors.Join(errs...)
}

func needsTarget(action string) bool {
	switch action {
	case ActionType, ActionClick, ActionSelect, ActionSelectOption, ActionWaitFor, ActionVerify:
		return true
	}
	return false
}
