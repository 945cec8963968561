package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"

	"browserpilot-mcp-client/internal/workflow"
)

func newWorkflowCommand(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "workflow",
		Short: "Run, validate and fetch semantic workflows",
	}
	cmd.AddCommand(newWorkflowRunCommand(a), newWorkflowValidateCommand(a), newWorkflowFetchCommand(a))
	return cmd
}

func newWorkflowRunCommand(a *app) *cobra.Command {
	var (
		name     string
		asJSON   bool
		noStore  bool
		validate bool
	)
	cmd := &cobra.Command{
		Use:   "run [file]",
		Short: "Execute a workflow from a file or, with --name, from the workflows backend",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if (len(args) == 0) == (name == "") {
				return errors.New("give either a workflow file or --name")
			}
			ctx := cmd.Context()

			var (
				wf  *workflow.Workflow
				err error
			)
			if len(args) == 1 {
				if wf, err = workflow.LoadFile(args[0]); err != nil {
					return err
				}
				if validate {
					if err := workflow.Validate(wf); err != nil {
						return err
					}
				}
			}

			r, err := a.connect(ctx)
			if err != nil {
				return err
			}
			defer a.shutdown(r)

			if wf == nil {
				if wf, err = workflow.Fetch(ctx, r, a.cfg.Workflow.ResolvedTools().Fetch, name); err != nil {
					return err
				}
				if validate {
					if err := workflow.Validate(wf); err != nil {
						return err
					}
				}
			}

			engine, err := a.newEngine(r)
			if err != nil {
				return err
			}
			report, runErr := engine.Run(ctx, wf)

			if !noStore {
				a.record(cmd, report, runErr)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				if err := enc.Encode(report); err != nil {
					return err
				}
			} else {
				printReport(out, report)
			}
			return runErr
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "fetch the workflow by name from the workflows backend")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full report as JSON")
	cmd.Flags().BoolVar(&noStore, "no-history", false, "do not record the run in the history database")
	cmd.Flags().BoolVar(&validate, "validate", false, "check every step before touching the browser")
	return cmd
}

func (a *app) record(cmd *cobra.Command, report *workflow.Report, runErr error) {
	store, err := a.openHistory()
	if err != nil {
		a.logger.Warn("History unavailable", zap.Error(err))
		return
	}
	if store == nil {
		return
	}
	defer store.Close()
	if err := store.Save(cmd.Context(), report, runErr); err != nil {
		a.logger.Warn("Failed to record run", zap.String("run_id", report.RunID), zap.Error(err))
	}
}

func printReport(w io.Writer, report *workflow.Report) {
	fmt.Fprintf(w, "Workflow %s (run %s)\n", report.Workflow, report.RunID)
	for _, entry := range report.Log {
		mark := "ok  "
		if entry.Status == workflow.StatusFailed {
			mark = "FAIL"
		}
		desc := entry.Description
		if desc == "" {
			desc = entry.Action
		}
		fmt.Fprintf(w, "  [%s] step %d: %s\n", mark, entry.Step, desc)
		if entry.Error != "" {
			fmt.Fprintf(w, "         %s\n", entry.Error)
		}
	}
	fmt.Fprintf(w, "%d/%d steps completed, %d failed in %s\n",
		report.CompletedSteps, report.TotalSteps, report.FailedSteps, report.Duration.Round(time.Millisecond))
}

func newWorkflowValidateCommand(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "validate <file>",
		Short: "Check a workflow file without running it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			wf, err := workflow.LoadFile(args[0])
			if err != nil {
				return err
			}
			if err := workflow.Validate(wf); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: workflow %q is valid (%d steps)\n", args[0], wf.Name, len(wf.Steps))
			return nil
		},
	}
}

func newWorkflowFetchCommand(a *app) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "fetch <name>",
		Short: "Fetch a workflow from the workflows backend and print it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := a.connect(cmd.Context())
			if err != nil {
				return err
			}
			defer a.shutdown(r)

			wf, err := workflow.Fetch(cmd.Context(), r, a.cfg.Workflow.ResolvedTools().Fetch, args[0])
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			switch format {
			case workflow.FormatJSON:
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(wf)
			case workflow.FormatYAML:
				enc := yaml.NewEncoder(out)
				enc.SetIndent(2)
				defer enc.Close()
				return enc.Encode(wf)
			default:
				return fmt.Errorf("unknown format %q", format)
			}
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", workflow.FormatYAML, "output format (yaml or json)")
	return cmd
}
