package main

import (
	"github.com/spf13/cobra"

	"github.com/shaneisley/fetchplanner/pkg/recorder"
	"github.com/shaneisley/fetchplanner/pkg/ui"
)

func newStatsCmd(opts *globalOptions) *cobra.Command {
	var (
		asJSON bool
		limit  int
	)

	cmd := &cobra.Command{
		Use:   "stats [run-id]",
		Short: "Show recorded runs",
		Long: `Without arguments stats lists the most recent runs in the database. Given a
run ID it prints that run's summary, or the summary and every event with --json.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, _, err := loadConfiguration(cmd, opts, false)
			if err != nil {
				return err
			}

			path := cfg.Recorder.Path
			if path == "" {
				path = recorder.GetDefaultDatabasePath()
			}
			rec, err := recorder.Open(path, cfg.NewLogger(cmd.ErrOrStderr(), "recorder"))
			if err != nil {
				return err
			}
			defer rec.Close()

			ctx := cmd.Context()
			reporter := ui.NewReporter(cmd.OutOrStdout())

			if len(args) == 0 {
				runs, err := rec.Runs(ctx, limit)
				if err != nil {
					return err
				}
				reporter.RunList(runs)
				return nil
			}

			if asJSON {
				return rec.ExportJSON(ctx, cmd.OutOrStdout(), args[0])
			}
			summary, err := rec.Summary(ctx, args[0])
			if err != nil {
				return err
			}
			reporter.RunSummary(summary)
			return nil
		},
	}

	cmd.Flags().String("db", "", "SQLite file with recorded events (default: ~/.fetchplanner/runs.db)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Export the run summary and events as JSON")
	cmd.Flags().IntVar(&limit, "limit", 20, "Number of runs to list")

	return cmd
}
