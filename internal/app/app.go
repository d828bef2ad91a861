package app

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"layersync/internal/config"
	"layersync/internal/metrics"
	"layersync/internal/secret"
	"layersync/internal/service"
	"layersync/internal/storage"
)

// DefaultConfigPath is used when neither --config nor LAYERSYNC_CONFIG is set.
const DefaultConfigPath = "layersync.yaml"

// App holds the state shared by every command: the root flags and the
// services opened from the config file.
type App struct {
	version string

	// persistent flags
	configPath string
	verbose    bool
	jsonOutput bool

	out     io.Writer
	cfg     *config.Config
	logger  *zap.Logger
	db      *storage.DB
	metrics *metrics.Recorder
	sync    *service.SyncService
}

// New creates a new App.
func New(version string) *App {
	return &App{version: version, out: os.Stdout}
}

// Startup loads the configuration and opens storage and services.
// Called from the root command's PersistentPreRunE.
func (a *App) Startup(cmd *cobra.Command) error {
	a.out = cmd.OutOrStdout()

	path := a.configPath
	if path == "" {
		path = os.Getenv("LAYERSYNC_CONFIG")
	}
	if path == "" {
		path = DefaultConfigPath
	}
	a.configPath = path

	cfg, err := config.Load(path)
	if err != nil {
		return err
	}
	if a.verbose {
		cfg.Logging.Level = "debug"
	}
	a.cfg = cfg

	logger, err := cfg.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.logger = logger

	secrets, err := secret.New(cfg.Secrets.Backend, cfg.Secrets.Prefix)
	if err != nil {
		return err
	}

	db, err := storage.New(cfg.Storage.Path)
	if err != nil {
		return fmt.Errorf("failed to open run log: %w", err)
	}
	a.db = db

	a.metrics = metrics.NewRecorder()
	a.sync = service.NewSyncService(service.Options{
		Config:     cfg,
		ConfigPath: path,
		Secrets:    secrets,
		Runs:       storage.NewRunLogStore(db),
		Metrics:    a.metrics,
		Logger:     logger,
	})

	logger.Debug("startup complete",
		zap.String("config", path),
		zap.String("storage", cfg.Storage.Path),
		zap.Int("jobs", len(cfg.Jobs)))
	return nil
}

// Shutdown releases everything Startup opened.
func (a *App) Shutdown() {
	if a.sync != nil {
		a.sync.Stop()
	}
	if a.db != nil {
		if err := a.db.Close(); err != nil {
			a.logger.Warn("failed to close run log", zap.Error(err))
		}
	}
	if a.logger != nil {
		_ = a.logger.Sync()
	}
}
