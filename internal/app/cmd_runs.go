package app

import (
	"fmt"

	"github.com/spf13/cobra"
)

func (a *App) runsCmd() *cobra.Command {
	var (
		limit int
		runID string
	)
	cmd := &cobra.Command{
		Use:   "runs [job]",
		Short: "List recorded runs, or show one in full",
		Long: `Lists the most recent runs, optionally of one job. With --id, prints the
full summary of that run including chunk failures and skipped records.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			if runID != "" {
				res, err := a.sync.GetRun(ctx, runID)
				if err != nil {
					return err
				}
				return a.report(res)
			}

			job := ""
			if len(args) == 1 {
				job = args[0]
			}
			logs, err := a.sync.ListRunLogs(ctx, job, limit)
			if err != nil {
				return err
			}
			if a.jsonOutput {
				return writeJSON(a.out, logs)
			}
			printRunLogs(a.out, logs)
			return nil
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "runs to list")
	cmd.Flags().StringVar(&runID, "id", "", "show the full summary of one run")
	return cmd
}

func (a *App) jobsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "jobs",
		Short: "List the jobs in the config file",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			jobs := a.sync.ListJobs()
			if a.jsonOutput {
				return writeJSON(a.out, jobs)
			}
			printJobs(a.out, jobs)
			return nil
		},
	}
}

func (a *App) validateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Check the config file",
		Long: `Loads and validates the config file: connections, job endpoints, keys,
transforms and cron expressions. Nothing is contacted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			// Startup already failed on an invalid file.
			fmt.Fprintf(a.out, "%s: ok, %d jobs, %d portals, %d databases\n",
				a.configPath, len(a.cfg.Jobs), len(a.cfg.Portals), len(a.cfg.Databases))
			return nil
		},
	}
}
