package app

import (
	"github.com/spf13/cobra"
)

// skipStartup marks commands that run without loading the config file.
const skipStartup = "layersync/skip-startup"

// Execute builds the command tree, runs it and releases resources.
func Execute(version string) error {
	a := New(version)
	defer a.Shutdown()
	return a.RootCmd().Execute()
}

// RootCmd returns the layersync command tree bound to a.
func (a *App) RootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "layersync",
		Short: "Copy records missing from a feature layer or table into the other",
		Long: `layersync reconciles a hosted feature layer and a database table that hold
the same entities. It reads both sides, normalizes them to the destination
schema, finds the records whose key exists only in the source and delivers
them in chunks. Records present only in the destination are reported and
left alone.

Jobs are declared in a YAML config file (--config, $LAYERSYNC_CONFIG or
./layersync.yaml). A single reconciliation can also be run ad hoc:

  layersync run --service 4f2e... --layer Parcels --table parcels --key parcel_id`,
		Version:       a.version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" || cmd.Annotations[skipStartup] == "true" {
				return nil
			}
			return a.Startup(cmd)
		},
	}

	root.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "config file (default $LAYERSYNC_CONFIG or ./layersync.yaml)")
	root.PersistentFlags().BoolVarP(&a.verbose, "verbose", "v", false, "enable debug logging")
	root.PersistentFlags().BoolVar(&a.jsonOutput, "json", false, "print results as JSON")

	root.AddCommand(
		a.runCmd(),
		a.diffCmd(),
		a.serveCmd(),
		a.mcpCmd(),
		a.runsCmd(),
		a.jobsCmd(),
		a.validateCmd(),
		a.checkCmd(),
	)
	return root
}
