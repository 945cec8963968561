package main

import (
	"errors"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "List recorded workflow runs, or the steps of one run",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			store, err := a.openHistory()
			if err != nil {
				return err
			}
			if store == nil {
				return errors.New("history is disabled (set history.path)")
			}
			defer store.Close()

			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			defer tw.Flush()

			if len(args) == 1 {
				steps, err := store.Steps(cmd.Context(), args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(tw, "STEP\tSTATUS\tACTION\tDESCRIPTION\tERROR")
				for _, s := range steps {
					fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", s.Step, s.Status, s.Action, s.Description, s.Error)
				}
				return nil
			}

			runs, err := store.Recent(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if len(runs) == 0 {
				fmt.Fprintln(tw, "No runs recorded")
				return nil
			}
			fmt.Fprintln(tw, "RUN\tWORKFLOW\tSTATUS\tSTEPS\tSTARTED\tDURATION")
			for _, r := range runs {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d/%d\t%s\t%s\n",
					r.RunID, r.Workflow, r.Status, r.CompletedSteps, r.TotalSteps,
					r.StartedAt.Local().Format(time.DateTime), r.Duration)
			}
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "l", 20, "number of runs to list")
	return cmd
}
