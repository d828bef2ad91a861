package etl

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// ── SyncJob ────────────────────────────────────────────────
// Orchestrates: fetch both sides → normalize → diff → deliver.
//
// Pattern: Airbyte sync / Singer tap→target pipeline, append-only.

// SyncJob holds the configuration for a single reconciliation.
type SyncJob struct {
	Name        string            `yaml:"name" json:"name"`
	Description string            `yaml:"description,omitempty" json:"description,omitempty"`
	Source      EndpointConfig    `yaml:"source" json:"source"`
	Destination EndpointConfig    `yaml:"destination" json:"destination"`
	Keys        []string          `yaml:"keys" json:"keys"`
	Transforms  []TransformConfig `yaml:"transforms,omitempty" json:"transforms,omitempty"`
	Schedule    string            `yaml:"schedule,omitempty" json:"schedule,omitempty"` // cron expression
	ChunkSize   int               `yaml:"chunk_size,omitempty" json:"chunkSize,omitempty"`
	DryRun      bool              `yaml:"dry_run,omitempty" json:"dryRun,omitempty"`
}

// Validate checks the job for missing or inconsistent settings.
func (j *SyncJob) Validate() error {
	if j.Name == "" {
		return fmt.Errorf("job name is required")
	}
	if len(j.Keys) == 0 {
		return fmt.Errorf("job %q: %w", j.Name, ErrNoKeys)
	}
	if err := j.Source.Validate(); err != nil {
		return fmt.Errorf("job %q source: %w", j.Name, err)
	}
	if err := j.Destination.Validate(); err != nil {
		return fmt.Errorf("job %q destination: %w", j.Name, err)
	}
	if j.Source.Identity() == j.Destination.Identity() {
		return fmt.Errorf("job %q: source and destination are the same collection", j.Name)
	}
	if j.ChunkSize < 0 {
		return fmt.Errorf("job %q: chunk_size must be positive", j.Name)
	}
	if _, err := BuildTransformers(j.Transforms); err != nil {
		return fmt.Errorf("job %q: %w", j.Name, err)
	}
	return nil
}

// Status is the overall outcome of a run.
type Status string

const (
	StatusSuccess Status = "success" // every submitted record accepted
	StatusPartial Status = "partial" // some chunks or records failed
	StatusNoop    Status = "noop"    // nothing to synchronize
	StatusDryRun  Status = "dry_run" // delivery set computed, nothing written
	StatusError   Status = "error"   // aborted before any write
)

// SyncResult is the run summary.
type SyncResult struct {
	RunID     string    `json:"runId"`
	JobName   string    `json:"jobName"`
	Status    Status    `json:"status"`
	Message   string    `json:"message,omitempty"`
	StartedAt time.Time `json:"startedAt"`

	SourceRead      int `json:"sourceRead"`
	DestinationRead int `json:"destinationRead"`
	Filtered        int `json:"filtered"`

	NormalizationFailures []*RecordError `json:"normalizationFailures,omitempty"`

	Matched             int      `json:"matched"`
	SourceOnly          int      `json:"sourceOnly"`
	DestinationOnly     int      `json:"destinationOnly"`
	DestinationOnlyKeys []string `json:"destinationOnlyKeys,omitempty"`

	Submitted    int           `json:"submitted"`
	Accepted     int           `json:"accepted"`
	Rejected     int           `json:"rejected"`
	FailedChunks int           `json:"failedChunks"`
	Batches      []BatchResult `json:"batches,omitempty"`

	Duration time.Duration `json:"duration"`
	Error    string        `json:"error,omitempty"`
}

// SyncRunLog is a historical record of a sync run.
type SyncRunLog struct {
	ID              string    `json:"id" db:"id"`
	JobName         string    `json:"jobName" db:"job_name"`
	StartedAt       time.Time `json:"startedAt" db:"started_at"`
	FinishedAt      time.Time `json:"finishedAt" db:"finished_at"`
	Status          string    `json:"status" db:"status"`
	SourceRead      int       `json:"sourceRead" db:"source_read"`
	DestinationRead int       `json:"destinationRead" db:"destination_read"`
	Matched         int       `json:"matched" db:"matched"`
	DestinationOnly int       `json:"destinationOnly" db:"destination_only"`
	Submitted       int       `json:"submitted" db:"submitted"`
	Accepted        int       `json:"accepted" db:"accepted"`
	Rejected        int       `json:"rejected" db:"rejected"`
	SkippedRecords  int       `json:"skippedRecords" db:"skipped_records"`
	Error           string    `json:"error,omitempty" db:"error"`
}

// RunLog flattens a result into its persisted form.
func (r *SyncResult) RunLog() SyncRunLog {
	return SyncRunLog{
		ID:              r.RunID,
		JobName:         r.JobName,
		StartedAt:       r.StartedAt.UTC(),
		FinishedAt:      r.StartedAt.Add(r.Duration).UTC(),
		Status:          string(r.Status),
		SourceRead:      r.SourceRead,
		DestinationRead: r.DestinationRead,
		Matched:         r.Matched,
		DestinationOnly: r.DestinationOnly,
		Submitted:       r.Submitted,
		Accepted:        r.Accepted,
		Rejected:        r.Rejected,
		SkippedRecords:  len(r.NormalizationFailures),
		Error:           r.Error,
	}
}

// ── Engine ─────────────────────────────────────────────────

// Engine runs reconciliations between endpoints resolved through Open.
type Engine struct {
	Open      OpenFunc
	Deliverer *Deliverer
	Logger    *zap.Logger
}

// NewEngine returns an Engine with a default Deliverer.
func NewEngine(open OpenFunc, logger *zap.Logger) *Engine {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{Open: open, Deliverer: NewDeliverer(logger), Logger: logger}
}

func (e *Engine) logger() *zap.Logger {
	if e.Logger == nil {
		return zap.NewNop()
	}
	return e.Logger
}

// plan holds what RunSync needs after the diff: the open destination and the
// delivery set.
type plan struct {
	dest     Endpoint
	writer   Writer
	src      Endpoint
	delivery []Record
}

func (p *plan) close() {
	if p.src != nil {
		_ = p.src.Close()
	}
	if p.dest != nil {
		_ = p.dest.Close()
	}
}

// RunSync executes a job end-to-end. Lookup, schema and duplicate-key errors
// abort before any write and are returned; chunk failures are reported in
// the result only.
func (e *Engine) RunSync(ctx context.Context, job *SyncJob) (*SyncResult, error) {
	result := newResult(job)
	logger := e.logger().With(zap.String("run_id", result.RunID), zap.String("job", job.Name))

	p, err := e.plan(ctx, job, !job.DryRun, result, logger)
	defer p.close()
	if err != nil {
		return e.fail(result, err, logger), err
	}

	switch {
	case len(p.delivery) == 0:
		result.Status = StatusNoop
		result.Message = "nothing to synchronize"
	case job.DryRun:
		result.Status = StatusDryRun
		result.Message = fmt.Sprintf("%d record(s) would be delivered", len(p.delivery))
	default:
		result.Batches = e.deliverer(job).Deliver(ctx, p.writer, p.delivery)
		tally(result)
	}

	result.Duration = time.Since(result.StartedAt)
	logger.Info("sync finished",
		zap.String("status", string(result.Status)),
		zap.Int("source_read", result.SourceRead),
		zap.Int("destination_read", result.DestinationRead),
		zap.Int("matched", result.Matched),
		zap.Int("source_only", result.SourceOnly),
		zap.Int("destination_only", result.DestinationOnly),
		zap.Int("submitted", result.Submitted),
		zap.Int("accepted", result.Accepted),
		zap.Int("skipped", len(result.NormalizationFailures)),
		zap.Duration("duration", result.Duration))
	return result, nil
}

// Preview computes the delivery set without writing. It returns at most
// maxRows records of it (all when maxRows <= 0).
func (e *Engine) Preview(ctx context.Context, job *SyncJob, maxRows int) (*SyncResult, []Record, error) {
	result := newResult(job)
	logger := e.logger().With(zap.String("run_id", result.RunID), zap.String("job", job.Name))

	p, err := e.plan(ctx, job, false, result, logger)
	defer p.close()
	if err != nil {
		return e.fail(result, err, logger), nil, err
	}

	result.Status = StatusDryRun
	if len(p.delivery) == 0 {
		result.Status = StatusNoop
		result.Message = "nothing to synchronize"
	}
	result.Duration = time.Since(result.StartedAt)

	rows := p.delivery
	if maxRows > 0 && len(rows) > maxRows {
		rows = rows[:maxRows]
	}
	return result, rows, nil
}

func newResult(job *SyncJob) *SyncResult {
	return &SyncResult{RunID: uuid.NewString(), JobName: job.Name, StartedAt: time.Now()}
}

func (e *Engine) fail(result *SyncResult, err error, logger *zap.Logger) *SyncResult {
	result.Status = StatusError
	result.Error = err.Error()
	result.Duration = time.Since(result.StartedAt)
	logger.Error("sync aborted", zap.Error(err))
	return result
}

func (e *Engine) deliverer(job *SyncJob) *Deliverer {
	d := NewDeliverer(e.logger())
	if e.Deliverer != nil {
		cp := *e.Deliverer
		d = &cp
	}
	if job.ChunkSize > 0 {
		d.ChunkSize = job.ChunkSize
	}
	d.GeometryField = job.Destination.GeometryColumn()
	return d
}

// plan opens both endpoints, checks keys and computes the delivery set.
// With write set, a destination that cannot accept records fails before
// either side is read. The returned plan is never nil and must be closed.
func (e *Engine) plan(ctx context.Context, job *SyncJob, write bool, result *SyncResult, logger *zap.Logger) (*plan, error) {
	p := &plan{}
	if len(job.Keys) == 0 {
		return p, ErrNoKeys
	}
	transforms, err := BuildTransformers(job.Transforms)
	if err != nil {
		return p, err
	}

	p.dest, err = e.Open(ctx, job.Destination)
	if err != nil {
		return p, fmt.Errorf("open destination: %w", err)
	}
	if write {
		w, ok := p.dest.(Writer)
		if !ok {
			return p, fmt.Errorf("%s: %w", job.Destination.Type, ErrNotWritable)
		}
		p.writer = w
	}
	p.src, err = e.Open(ctx, job.Source)
	if err != nil {
		return p, fmt.Errorf("open source: %w", err)
	}

	destSchema, err := p.dest.Discover(ctx)
	if err != nil {
		return p, fmt.Errorf("discover destination: %w", err)
	}
	srcSchema, err := p.src.Discover(ctx)
	if err != nil {
		return p, fmt.Errorf("discover source: %w", err)
	}
	srcSchema = transformSchema(srcSchema, transforms)

	if err := CheckKeys(destSchema, srcSchema, job.Keys); err != nil {
		return p, err
	}

	// Build side: destination keys only.
	destNorm := NewNormalizer(job.Destination.GeometryColumn())
	index := NewKeyIndex(job.Keys)
	err = drain(ctx, p.dest, func(r Record) error {
		result.DestinationRead++
		nr, nerr := destNorm.NormalizeRecord(r, destSchema.Spatial())
		if nerr != nil {
			logger.Debug("destination record normalized with errors", zap.Error(nerr))
		}
		return index.Add(nr)
	})
	if err != nil {
		return p, fmt.Errorf("read destination: %w", err)
	}

	// Probe side.
	srcNorm := NewNormalizer(job.Source.GeometryColumn())
	joiner := NewJoiner(index, destSchema)
	n := 0
	err = drain(ctx, p.src, func(r Record) error {
		i := n
		n++
		result.SourceRead++
		tr, keep := ApplyTransformers(r, transforms)
		if !keep {
			result.Filtered++
			return nil
		}
		nr, nerr := srcNorm.NormalizeRecord(tr, srcSchema.Spatial())
		if nerr != nil {
			re := asRecordError(nerr, i)
			re.Key = DisplayKey(KeyOf(nr, job.Keys))
			result.NormalizationFailures = append(result.NormalizationFailures, re)
			logger.Warn("skipping source record", zap.Error(re))
			return nil
		}
		return joiner.Probe(nr)
	})
	if err != nil {
		return p, fmt.Errorf("read source: %w", err)
	}

	diff := joiner.Result()
	result.Matched = diff.Matched
	result.SourceOnly = diff.SourceOnly
	result.DestinationOnly = diff.DestinationOnly
	result.DestinationOnlyKeys = diff.DestinationOnlyKeys
	p.delivery = diff.Delivery

	logger.Debug("diff computed",
		zap.Int("matched", diff.Matched),
		zap.Int("source_only", diff.SourceOnly),
		zap.Int("destination_only", diff.DestinationOnly))
	return p, nil
}

// drain consumes an endpoint's stream, stopping at the first error from fn
// or from the endpoint.
func drain(ctx context.Context, ep Endpoint, fn func(Record) error) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	recCh, errCh := ep.Read(ctx)
	var fnErr error
	for rec := range recCh {
		if fnErr != nil {
			continue
		}
		if err := fn(rec); err != nil {
			fnErr = err
			cancel()
		}
	}
	readErr := <-errCh
	if fnErr != nil {
		return fnErr
	}
	if readErr != nil && !errors.Is(readErr, context.Canceled) {
		return readErr
	}
	return ctx.Err()
}

// tally folds batch results into the run summary.
func tally(result *SyncResult) {
	for _, b := range result.Batches {
		result.Submitted += b.Submitted
		result.Accepted += b.Accepted
		result.Rejected += len(b.Failures)
		if b.Err != nil {
			result.FailedChunks++
		}
	}
	result.Status = StatusSuccess
	if result.FailedChunks > 0 || result.Rejected > 0 || len(result.NormalizationFailures) > 0 {
		result.Status = StatusPartial
	}
	if result.Accepted == 0 && result.Submitted > 0 {
		result.Message = "no records were accepted"
	}
}
