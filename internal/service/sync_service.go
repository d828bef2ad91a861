package service

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"layersync/internal/config"
	"layersync/internal/etl"
	"layersync/internal/etl/sources"
	"layersync/internal/metrics"
	"layersync/internal/secret"
	"layersync/internal/storage"
)

// ─────────────────────────────────────────────────────────────
// Sync Service: runs reconciliation jobs from the config file
// ─────────────────────────────────────────────────────────────

// ErrAlreadyRunning is returned when a run targets a destination that another
// run is currently writing to.
var ErrAlreadyRunning = errors.New("a sync into this destination is already running")

// Options wires a SyncService.
type Options struct {
	Config     *config.Config
	ConfigPath string // watched by Start when set
	Secrets    secret.SecretStore
	Runs       *storage.RunLogStore // optional
	Metrics    *metrics.Recorder    // optional
	Emitter    EventEmitter         // optional
	Logger     *zap.Logger
}

// SyncService resolves jobs, runs them through the engine, records run logs
// and owns the cron scheduler and config watcher used by `serve`.
type SyncService struct {
	mu      sync.RWMutex
	cfg     *config.Config
	cfgPath string

	res     *resources
	runs    *storage.RunLogStore
	metrics *metrics.Recorder
	emitter EventEmitter
	logger  *zap.Logger

	runningJobs runningJobsGuard

	// watcher / cron lifecycle
	watchCancel context.CancelFunc
	watchDone   chan struct{}
	watcher     *fsnotify.Watcher
	cronSched   *cron.Cron
}

// NewSyncService creates a SyncService ready for use.
func NewSyncService(opts Options) *SyncService {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	secrets := opts.Secrets
	if secrets == nil {
		secrets = secret.NewEnvStore(cfg.Secrets.Prefix)
	}
	emitter := opts.Emitter
	if emitter == nil {
		emitter = NewLogEmitter(logger)
	}
	return &SyncService{
		cfg:     cfg,
		cfgPath: opts.ConfigPath,
		res:     newResources(cfg, secrets, logger),
		runs:    opts.Runs,
		metrics: opts.Metrics,
		emitter: emitter,
		logger:  logger,
	}
}

// Config returns the active configuration.
func (s *SyncService) Config() *config.Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cfg
}

// ── Jobs ───────────────────────────────────────────────────

// ListJobs returns the configured jobs.
func (s *SyncService) ListJobs() []etl.SyncJob {
	cfg := s.Config()
	jobs := make([]etl.SyncJob, len(cfg.Jobs))
	copy(jobs, cfg.Jobs)
	return jobs
}

// ListEndpointTypes returns the registered endpoint types.
func (s *SyncService) ListEndpointTypes() []etl.EndpointSpec {
	return sources.List()
}

// ── Run ────────────────────────────────────────────────────

// RunJob executes the named job. dryRun computes the delivery set without
// writing, whatever the job says.
func (s *SyncService) RunJob(ctx context.Context, name string, dryRun bool) (*etl.SyncResult, error) {
	job, err := s.Config().Job(name)
	if err != nil {
		return nil, err
	}
	if dryRun {
		job.DryRun = true
	}
	return s.Run(ctx, job)
}

// Run executes a job that need not be in the config file (the ad-hoc form
// of `layersync run`). Two runs into the same destination never overlap.
func (s *SyncService) Run(ctx context.Context, job *etl.SyncJob) (*etl.SyncResult, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}

	lockKey := job.Destination.Identity()
	if !s.runningJobs.TryLock(lockKey) {
		return nil, fmt.Errorf("job %s: %w", job.Name, ErrAlreadyRunning)
	}
	defer s.runningJobs.Unlock(lockKey)

	cfg := s.Config()
	runCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout())
	defer cancel()

	s.emitter.Emit(ctx, "sync:started", map[string]string{"job": job.Name})
	result, runErr := s.engine(cfg).RunSync(runCtx, job)

	if s.runs != nil {
		// Use the parent context so a timed-out run is still recorded.
		if err := s.runs.Record(ctx, result); err != nil {
			s.logger.Error("failed to record run", zap.String("run_id", result.RunID), zap.Error(err))
		} else if cfg.Storage.KeepRuns > 0 {
			if _, err := s.runs.Prune(ctx, job.Name, cfg.Storage.KeepRuns); err != nil {
				s.logger.Warn("failed to prune run logs", zap.String("job", job.Name), zap.Error(err))
			}
		}
	}
	s.metrics.ObserveRun(result)
	s.emitter.Emit(ctx, "sync:completed", result)

	return result, runErr
}

// PreviewResult is the response of a preview: the run summary and the first
// records that would be delivered.
type PreviewResult struct {
	Summary *etl.SyncResult `json:"summary"`
	Records []etl.Record    `json:"records"`
}

// PreviewJob computes what the named job would deliver.
func (s *SyncService) PreviewJob(ctx context.Context, name string, maxRows int) (*PreviewResult, error) {
	job, err := s.Config().Job(name)
	if err != nil {
		return nil, err
	}
	return s.Preview(ctx, job, maxRows)
}

// Preview computes the delivery set of job without writing or recording it.
func (s *SyncService) Preview(ctx context.Context, job *etl.SyncJob, maxRows int) (*PreviewResult, error) {
	if err := job.Validate(); err != nil {
		return nil, err
	}
	cfg := s.Config()
	previewCtx, cancel := context.WithTimeout(ctx, cfg.RunTimeout())
	defer cancel()

	summary, records, err := s.engine(cfg).Preview(previewCtx, job, maxRows)
	if err != nil {
		return nil, err
	}
	return &PreviewResult{Summary: summary, Records: records}, nil
}

func (s *SyncService) engine(cfg *config.Config) *etl.Engine {
	engine := etl.NewEngine(sources.Opener(s.res), s.logger)
	engine.Deliverer.ChunkSize = cfg.Delivery.ChunkSize
	engine.Deliverer.Retry = cfg.RetryPolicy()
	engine.Deliverer.Limiter = cfg.Limiter()
	if s.metrics != nil {
		engine.Deliverer.OnChunk = s.metrics.ObserveChunk
	}
	return engine
}

// ── Run logs ───────────────────────────────────────────────

// ListRunLogs returns recent runs, newest first.
func (s *SyncService) ListRunLogs(ctx context.Context, jobName string, limit int) ([]etl.SyncRunLog, error) {
	if s.runs == nil {
		return nil, fmt.Errorf("run log storage is not configured")
	}
	return s.runs.List(ctx, jobName, limit)
}

// GetRun returns the full summary of a recorded run.
func (s *SyncService) GetRun(ctx context.Context, id string) (*etl.SyncResult, error) {
	if s.runs == nil {
		return nil, fmt.Errorf("run log storage is not configured")
	}
	return s.runs.Get(ctx, id)
}

// ── Reload ─────────────────────────────────────────────────

// Reload re-reads the config file. On error the active configuration stays.
func (s *SyncService) Reload(ctx context.Context) error {
	if s.cfgPath == "" {
		return fmt.Errorf("no config file to reload")
	}
	cfg, err := config.Load(s.cfgPath)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.cfg = cfg
	s.mu.Unlock()
	s.res.reset(cfg)

	s.logger.Info("configuration reloaded", zap.Int("jobs", len(cfg.Jobs)))
	s.restartCron(ctx)
	s.emitter.Emit(ctx, "config:reloaded", cfg.JobNames())
	return nil
}

// ── Watchers (cron + config file) ──────────────────────────

// Start schedules jobs that have a cron expression and, when the service was
// built from a file, reloads whenever that file changes.
func (s *SyncService) Start(ctx context.Context) error {
	s.restartCron(ctx)
	if s.cfgPath == "" {
		return nil
	}
	return s.watchConfig(ctx)
}

func (s *SyncService) restartCron(ctx context.Context) {
	s.mu.Lock()
	old := s.cronSched
	s.cronSched = nil
	cfg := s.cfg
	s.mu.Unlock()
	if old != nil {
		<-old.Stop().Done()
	}

	c := cron.New()
	scheduled := 0
	for _, j := range cfg.Jobs {
		if j.Schedule == "" {
			continue
		}
		name := j.Name
		_, err := c.AddFunc(j.Schedule, func() {
			s.logger.Info("cron: running job", zap.String("job", name))
			if _, err := s.RunJob(ctx, name, false); err != nil {
				s.logger.Error("cron: job failed", zap.String("job", name), zap.Error(err))
			}
		})
		if err != nil {
			s.logger.Error("cron: invalid expression",
				zap.String("job", name), zap.String("schedule", j.Schedule), zap.Error(err))
			continue
		}
		scheduled++
	}
	if scheduled == 0 {
		return
	}

	c.Start()
	s.mu.Lock()
	s.cronSched = c
	s.mu.Unlock()
	s.logger.Info("cron: jobs scheduled", zap.Int("count", scheduled))
}

// watchConfig watches the directory of the config file, since editors often
// replace the file instead of writing it in place.
func (s *SyncService) watchConfig(ctx context.Context) error {
	absPath, err := filepath.Abs(s.cfgPath)
	if err != nil {
		return fmt.Errorf("config path: %w", err)
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create watcher: %w", err)
	}
	if err := watcher.Add(filepath.Dir(absPath)); err != nil {
		watcher.Close()
		return fmt.Errorf("watch %q: %w", filepath.Dir(absPath), err)
	}

	watchCtx, cancel := context.WithCancel(ctx)
	done := make(chan struct{})
	s.mu.Lock()
	s.watcher = watcher
	s.watchCancel = cancel
	s.watchDone = done
	s.mu.Unlock()

	go func() {
		defer close(done)
		var timer *time.Timer
		defer func() {
			if timer != nil {
				timer.Stop()
			}
		}()
		for {
			select {
			case <-watchCtx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) {
					continue
				}
				if p, _ := filepath.Abs(event.Name); p != absPath {
					continue
				}
				if timer != nil {
					timer.Stop()
				}
				timer = time.AfterFunc(500*time.Millisecond, func() {
					if watchCtx.Err() != nil {
						return
					}
					if err := s.Reload(watchCtx); err != nil {
						s.logger.Error("config reload failed", zap.String("path", absPath), zap.Error(err))
					}
				})
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				s.logger.Warn("config watcher error", zap.Error(err))
			}
		}
	}()

	s.logger.Info("watching config file", zap.String("path", absPath))
	return nil
}

// WaitRunning blocks until all running jobs finish or ctx is cancelled.
// Used for graceful shutdown.
func (s *SyncService) WaitRunning(ctx context.Context) {
	s.runningJobs.WaitAll(ctx)
}

// Stop tears down the watcher and scheduler. Runs already in progress are
// not interrupted; use WaitRunning for that.
func (s *SyncService) Stop() {
	s.mu.Lock()
	cancel, done, watcher, sched := s.watchCancel, s.watchDone, s.watcher, s.cronSched
	s.watchCancel, s.watchDone, s.watcher, s.cronSched = nil, nil, nil, nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if watcher != nil {
		watcher.Close()
	}
	if done != nil {
		<-done
	}
	if sched != nil {
		<-sched.Stop().Done()
	}
}
