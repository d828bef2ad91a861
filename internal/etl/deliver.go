package etl

import (
	"context"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// ── Batch Deliverer ────────────────────────────────────────
// Splits a delivery set into fixed-size chunks and submits them one at a
// time. A failed chunk never stops the ones after it.

// DefaultChunkSize is the number of records per write request.
const DefaultChunkSize = 100

// Feature is the unit handed to a Writer.
type Feature struct {
	Attributes map[string]any `json:"attributes"`
	Geometry   *Point         `json:"geometry,omitempty"`
}

// RecordFailure is a record the destination refused.
type RecordFailure struct {
	Index   int    `json:"index"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// WriteResult is what a Writer reports for one chunk.
type WriteResult struct {
	Accepted int             `json:"accepted"`
	Failures []RecordFailure `json:"failures,omitempty"`
}

// Writer is the write side of a destination endpoint.
type Writer interface {
	// Add writes one chunk. A returned error means the chunk as a whole failed;
	// per-record rejections are reported in the WriteResult instead.
	Add(ctx context.Context, features []Feature) (*WriteResult, error)

	// GeometryOutOfBand reports whether geometry travels next to the attributes
	// rather than as an attribute column.
	GeometryOutOfBand() bool
}

// BatchResult is the outcome of one chunk.
type BatchResult struct {
	Index     int             `json:"index"`
	Offset    int             `json:"offset"`
	Submitted int             `json:"submitted"`
	Accepted  int             `json:"accepted"`
	Attempts  int             `json:"attempts"`
	Failures  []RecordFailure `json:"failures,omitempty"`
	Err       error           `json:"-"`
	Error     string          `json:"error,omitempty"`
}

// Deliverer submits delivery sets to a Writer.
type Deliverer struct {
	ChunkSize     int
	GeometryField string
	Retry         RetryPolicy
	Limiter       *rate.Limiter
	Logger        *zap.Logger

	// OnChunk, when set, observes every finished chunk.
	OnChunk func(BatchResult)
}

// NewDeliverer returns a Deliverer with default chunking and retry.
func NewDeliverer(logger *zap.Logger) *Deliverer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Deliverer{
		ChunkSize:     DefaultChunkSize,
		GeometryField: DefaultGeometryField,
		Retry:         DefaultRetryPolicy,
		Logger:        logger,
	}
}

// Chunk splits records into consecutive slices of at most size elements.
func Chunk(records []Record, size int) [][]Record {
	if size <= 0 {
		size = DefaultChunkSize
	}
	chunks := make([][]Record, 0, (len(records)+size-1)/size)
	for i := 0; i < len(records); i += size {
		end := i + size
		if end > len(records) {
			end = len(records)
		}
		chunks = append(chunks, records[i:end])
	}
	return chunks
}

// Deliver writes records through w chunk by chunk and returns one result per
// chunk, in order. Cancellation is checked between chunks; chunks that were
// never attempted are reported as failed with the context error.
func (d *Deliverer) Deliver(ctx context.Context, w Writer, records []Record) []BatchResult {
	logger := d.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	size := d.ChunkSize
	if size <= 0 {
		size = DefaultChunkSize
	}
	policy := d.Retry
	if policy.MaxAttempts == 0 {
		policy = DefaultRetryPolicy
	}

	chunks := Chunk(records, size)
	results := make([]BatchResult, 0, len(chunks))
	for i, chunk := range chunks {
		res := BatchResult{Index: i, Offset: i * size, Submitted: len(chunk)}

		if err := ctx.Err(); err != nil {
			res.Err = err
		} else if d.Limiter != nil {
			if err := d.Limiter.Wait(ctx); err != nil {
				res.Err = err
			}
		}

		if res.Err == nil {
			features, positions, skipped := d.features(chunk, w.GeometryOutOfBand())
			res.Failures = skipped
			if len(features) > 0 {
				var wr *WriteResult
				var err error
				res.Attempts, err = retry(ctx, policy, logger.With(zap.Int("chunk", i)), func(ctx context.Context) error {
					var werr error
					wr, werr = w.Add(ctx, features)
					return werr
				})
				if err != nil {
					res.Err = &ChunkError{Chunk: i, Attempts: res.Attempts, Err: err}
				} else if wr != nil {
					res.Accepted = wr.Accepted
					for _, f := range wr.Failures {
						if f.Index >= 0 && f.Index < len(positions) {
							f.Index = positions[f.Index]
						}
						res.Failures = append(res.Failures, f)
					}
				}
			}
		}

		if res.Err != nil {
			res.Error = res.Err.Error()
			logger.Warn("chunk failed",
				zap.Int("chunk", i),
				zap.Int("submitted", res.Submitted),
				zap.Int("attempts", res.Attempts),
				zap.Error(res.Err))
		} else {
			logger.Debug("chunk delivered",
				zap.Int("chunk", i),
				zap.Int("submitted", res.Submitted),
				zap.Int("accepted", res.Accepted),
				zap.Int("rejected", len(res.Failures)))
		}
		if d.OnChunk != nil {
			d.OnChunk(res)
		}
		results = append(results, res)
	}
	return results
}

// features converts records to Features. The empty sentinel is written as
// null. A record whose geometry cannot be decoded is left out and reported
// as a failure; positions maps each Feature back to its index in chunk.
func (d *Deliverer) features(chunk []Record, geometryOutOfBand bool) (out []Feature, positions []int, skipped []RecordFailure) {
	geomField := d.GeometryField
	if geomField == "" {
		geomField = DefaultGeometryField
	}

	out = make([]Feature, 0, len(chunk))
	positions = make([]int, 0, len(chunk))
	for i, r := range chunk {
		attrs := make(map[string]any, len(r.Data))
		for k, v := range r.Data {
			if s, ok := v.(string); ok && s == Empty {
				v = nil
			}
			attrs[k] = v
		}
		f := Feature{Attributes: attrs}
		if geometryOutOfBand {
			if g, ok := attrs[geomField]; ok {
				delete(attrs, geomField)
				if s, ok := g.(string); ok {
					p, err := DecodeGeometry(s)
					if err != nil {
						skipped = append(skipped, RecordFailure{Index: i, Message: err.Error()})
						continue
					}
					f.Geometry = p
				}
			}
		}
		out = append(out, f)
		positions = append(positions, i)
	}
	return out, positions, skipped
}
