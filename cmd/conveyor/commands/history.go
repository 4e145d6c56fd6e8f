package commands

import (
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
)

func newHistoryCommand() *cobra.Command {
	var (
		dbPath string
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "history [run-id]",
		Short: "Show recorded runs",
		Long: `Show runs recorded in the history database.

Without arguments the most recent runs are listed. With a run ID the
per-stage results and the events of that run are shown.`,
		Example: `  conveyor history --db conveyor.db
  conveyor history --db conveyor.db 5f0c...`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if dbPath == "" {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				dbPath = cfg.Store.Path
			}

			store, err := openStore(cmd.Context(), dbPath)
			if err != nil {
				return err
			}
			defer store.Close()

			out := cmd.OutOrStdout()
			if len(args) == 0 {
				runs, err := store.ListRuns(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if jsonOutput {
					return writeJSON(out, runs)
				}
				tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(tw, "RUN\tMODE\tSTATUS\tCYCLES\tFAILURES\tSTARTED\tDURATION")
				for _, r := range runs {
					fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\t%s\n",
						r.ID, r.Mode, r.Status, r.Cycles, r.Failures,
						r.StartedAt.Local().Format(time.DateTime), r.Duration().Round(time.Millisecond))
				}
				return tw.Flush()
			}

			run, err := store.GetRun(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			results, err := store.ListStageResults(cmd.Context(), run.ID)
			if err != nil {
				return err
			}
			events, err := store.ListEvents(cmd.Context(), run.ID, nil)
			if err != nil {
				return err
			}

			if jsonOutput {
				return writeJSON(out, map[string]interface{}{
					"run":    run,
					"stages": results,
					"events": events,
				})
			}

			fmt.Fprintf(out, "run %s: %s (mode=%s, cycles=%d, failures=%d)\n\n",
				run.ID, run.Status, run.Mode, run.Cycles, run.Failures)
			tw := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(tw, "STAGE\tSTATE\tINVOCATIONS\tIN\tOUT\tERROR")
			for _, s := range results {
				errMsg := ""
				if s.Error != nil {
					errMsg = *s.Error
				}
				fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%d\t%s\n",
					s.Name, s.State, s.Invocations, s.ItemsIn, s.ItemsOut, errMsg)
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			if len(events) > 0 {
				fmt.Fprintln(out)
				for _, e := range events {
					fmt.Fprintf(out, "%s  %-8s %-20s %s\n",
						e.Timestamp.Local().Format(time.TimeOnly), e.Level, e.Type, e.Message)
				}
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dbPath, "db", "", "history database (default from config)")
	cmd.Flags().IntVar(&limit, "limit", 20, "number of runs to list")

	return cmd
}
