package app

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"layersync/internal/config"
	"layersync/internal/etl"
)

// errIncomplete is returned when a run finished without delivering
// everything, so the process exits non-zero after printing the summary.
var errIncomplete = errors.New("run did not deliver every record")

// adhocFlags describe a job given on the command line instead of the config
// file. The feature layer is the source unless --reverse is set.
type adhocFlags struct {
	service    string
	layer      string
	portal     string
	table      string
	connection string
	where      string
	keys       []string
	reverse    bool
	chunkSize  int
}

func (f *adhocFlags) bind(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&f.service, "service", "", "feature service item ID or URL")
	fs.StringVar(&f.layer, "layer", "", "layer or table name within the service")
	fs.StringVar(&f.portal, "portal", "", "portal name from the config file (default \""+config.DefaultPortal+"\")")
	fs.StringVar(&f.table, "table", "", "database table name")
	fs.StringVar(&f.connection, "connection", "default", "database connection name from the config file")
	fs.StringVar(&f.where, "where", "", "filter applied when reading the source")
	fs.StringSliceVarP(&f.keys, "key", "k", nil, "key column(s), comma separated")
	fs.BoolVar(&f.reverse, "reverse", false, "copy from the table into the layer")
	fs.IntVar(&f.chunkSize, "chunk-size", 0, "records per write (default from config)")
}

func (f *adhocFlags) set() bool {
	return f.service != "" || f.layer != "" || f.table != "" || len(f.keys) > 0
}

// job builds the ad-hoc job.
func (f *adhocFlags) job() (*etl.SyncJob, error) {
	if f.service == "" || f.layer == "" || f.table == "" || len(f.keys) == 0 {
		return nil, fmt.Errorf("give a job name, or --service, --layer, --table and --key")
	}

	layer := etl.EndpointConfig{Type: etl.TypeFeatureLayer, Portal: f.portal, Layer: f.layer}
	if strings.HasPrefix(f.service, "http://") || strings.HasPrefix(f.service, "https://") {
		layer.URL = f.service
	} else {
		layer.Item = f.service
	}
	table := etl.EndpointConfig{Type: etl.TypeDatabase, Connection: f.connection, Table: f.table}

	job := &etl.SyncJob{
		Name:        fmt.Sprintf("%s:%s", f.layer, f.table),
		Source:      layer,
		Destination: table,
		Keys:        f.keys,
		ChunkSize:   f.chunkSize,
	}
	if f.reverse {
		job.Name = fmt.Sprintf("%s:%s", f.table, f.layer)
		job.Source, job.Destination = table, layer
	}
	job.Source.Where = f.where
	return job, nil
}

// resolveJob picks the named job from the config, or the ad-hoc one.
func (a *App) resolveJob(args []string, adhoc *adhocFlags) (*etl.SyncJob, error) {
	if len(args) == 1 {
		if adhoc.set() {
			return nil, fmt.Errorf("a job name cannot be combined with --service, --layer, --table or --key")
		}
		return a.cfg.Job(args[0])
	}
	return adhoc.job()
}

// ── run ────────────────────────────────────────────────────

func (a *App) runCmd() *cobra.Command {
	var (
		adhoc  adhocFlags
		dryRun bool
	)
	cmd := &cobra.Command{
		Use:   "run [job]",
		Short: "Deliver the records missing from the destination",
		Long: `Runs one reconciliation: reads both sides, computes the source-only
records and writes them to the destination in chunks.

The exit status is non-zero unless every record was accepted.

Examples:
  layersync run parcels
  layersync run --service 4f2e... --layer Parcels --table parcels --key parcel_id
  layersync run --service 4f2e... --layer Parcels --table parcels --key parcel_id --reverse`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.resolveJob(args, &adhoc)
			if err != nil {
				return err
			}
			if dryRun {
				job.DryRun = true
			}

			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()

			res, runErr := a.sync.Run(ctx, job)
			if res == nil {
				return runErr
			}
			if err := a.report(res); err != nil {
				return err
			}
			if runErr != nil {
				return runErr
			}
			if res.Status == etl.StatusPartial {
				return fmt.Errorf("%w: %d of %d accepted", errIncomplete, res.Accepted, res.Submitted)
			}
			return nil
		},
	}
	adhoc.bind(cmd)
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute the delivery set without writing")
	return cmd
}

func (a *App) report(res *etl.SyncResult) error {
	if a.jsonOutput {
		return writeJSON(a.out, res)
	}
	printResult(a.out, res)
	return nil
}

// ── diff ───────────────────────────────────────────────────

func (a *App) diffCmd() *cobra.Command {
	var (
		adhoc adhocFlags
		limit int
	)
	cmd := &cobra.Command{
		Use:   "diff [job]",
		Short: "Show what a run would deliver without writing",
		Long: `Computes the delivery set of a job and prints its summary and the first
records. Nothing is written and the run is not recorded.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			job, err := a.resolveJob(args, &adhoc)
			if err != nil {
				return err
			}
			ctx, cancel := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer cancel()
			return a.diff(ctx, job, limit)
		},
	}
	adhoc.bind(cmd)
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "records to show")
	return cmd
}

func (a *App) diff(ctx context.Context, job *etl.SyncJob, limit int) error {
	preview, err := a.sync.Preview(ctx, job, limit)
	if err != nil {
		return err
	}
	if a.jsonOutput {
		return writeJSON(a.out, preview)
	}
	printPreview(a.out, preview)
	return nil
}
