package etl

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

var fastRetry = RetryPolicy{MaxAttempts: 3, InitialInterval: time.Millisecond, MaxInterval: 5 * time.Millisecond, Multiplier: 2}

func numbered(n int) []Record {
	out := make([]Record, n)
	for i := range out {
		out[i] = Record{Data: map[string]any{"id": fmt.Sprintf("%04d", i)}}
	}
	return out
}

func TestChunk(t *testing.T) {
	sizes := func(chunks [][]Record) []int {
		out := make([]int, len(chunks))
		for i, c := range chunks {
			out[i] = len(c)
		}
		return out
	}
	assert.Equal(t, []int{100, 100, 50}, sizes(Chunk(numbered(250), 100)))
	assert.Equal(t, []int{3}, sizes(Chunk(numbered(3), 0)))
	assert.Empty(t, Chunk(nil, 10))
}

func TestDeliver_FailedChunkDoesNotStopTheRest(t *testing.T) {
	w := newMem(nil)
	w.failChunk = map[int]error{1: errors.New("400 invalid parameters")}
	d := NewDeliverer(zaptest.NewLogger(t))
	d.Retry = fastRetry

	var observed []int
	d.OnChunk = func(b BatchResult) { observed = append(observed, b.Index) }

	results := d.Deliver(context.Background(), w, numbered(250))
	require.Len(t, results, 3)
	assert.Equal(t, []int{100, 100, 50}, w.chunkSizes())
	assert.Equal(t, []int{0, 1, 2}, observed)

	assert.NoError(t, results[0].Err)
	assert.Equal(t, 100, results[0].Accepted)

	var ce *ChunkError
	require.ErrorAs(t, results[1].Err, &ce)
	assert.Equal(t, 1, ce.Chunk)
	assert.Equal(t, 1, results[1].Attempts, "permanent errors are not retried")
	assert.Equal(t, 100, results[1].Offset)
	assert.NotEmpty(t, results[1].Error)

	assert.NoError(t, results[2].Err)
	assert.Equal(t, 50, results[2].Accepted)
	assert.Equal(t, 200, results[2].Offset)
}

func TestDeliver_RetriesTransientFailures(t *testing.T) {
	w := newMem(nil)
	w.failChunk = map[int]error{0: fmt.Errorf("%w: 503 service unavailable", ErrTransient)}
	d := NewDeliverer(nil)
	d.Retry = fastRetry

	results := d.Deliver(context.Background(), w, numbered(2))
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 2, results[0].Attempts)
	assert.Equal(t, 2, results[0].Accepted)
}

func TestDeliver_GivesUpAfterMaxAttempts(t *testing.T) {
	transient := fmt.Errorf("%w: timeout", ErrTransient)
	w := newMem(nil)
	w.failChunk = map[int]error{0: transient, 1: transient, 2: transient}
	d := NewDeliverer(nil)
	d.Retry = fastRetry

	results := d.Deliver(context.Background(), w, numbered(1))
	require.Len(t, results, 1)
	assert.ErrorIs(t, results[0].Err, ErrTransient)
	assert.Equal(t, 3, results[0].Attempts)
}

func TestDeliver_ReportsRecordRejections(t *testing.T) {
	w := newMem(nil)
	w.reject = map[int][]int{0: {1}}
	d := NewDeliverer(nil)

	results := d.Deliver(context.Background(), w, numbered(3))
	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 2, results[0].Accepted)
	require.Len(t, results[0].Failures, 1)
	assert.Equal(t, 1, results[0].Failures[0].Index)
}

func TestDeliver_CancelledContextSkipsRemainingChunks(t *testing.T) {
	w := newMem(nil)
	d := NewDeliverer(nil)
	d.ChunkSize = 1

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	results := d.Deliver(ctx, w, numbered(3))
	require.Len(t, results, 3)
	for _, r := range results {
		assert.ErrorIs(t, r.Err, context.Canceled)
	}
	assert.Empty(t, w.chunkSizes())
}

func TestDeliver_GeometryTravelsOutOfBand(t *testing.T) {
	w := newMem(nil)
	w.outOfBand = true
	d := NewDeliverer(nil)

	d.Deliver(context.Background(), w, []Record{
		{Data: map[string]any{"id": "1", "owner": Empty, "geometry": pointOneTwo}},
		{Data: map[string]any{"id": "2", "owner": "Bo", "geometry": Empty}},
	})

	require.Len(t, w.calls, 1)
	f := w.calls[0]
	assert.Equal(t, map[string]any{"id": "1", "owner": nil}, f[0].Attributes)
	assert.Equal(t, &Point{X: 1, Y: 2}, f[0].Geometry)
	assert.Nil(t, f[1].Geometry)
}

func TestDeliver_UndecodableGeometrySkipsOnlyThatRecord(t *testing.T) {
	w := newMem(nil)
	w.outOfBand = true
	w.reject = map[int][]int{0: {1}}
	d := NewDeliverer(nil)

	results := d.Deliver(context.Background(), w, []Record{
		{Data: map[string]any{"id": "1", "geometry": pointOneTwo}},
		{Data: map[string]any{"id": "2", "geometry": "not-wkb"}},
		{Data: map[string]any{"id": "3", "geometry": pointOneTwo}},
	})

	require.Len(t, results, 1)
	assert.NoError(t, results[0].Err)
	assert.Equal(t, 3, results[0].Submitted)
	require.Len(t, w.calls, 1)
	assert.Len(t, w.calls[0], 2, "healthy records are still written")
	assert.Equal(t, 1, results[0].Accepted)

	require.Len(t, results[0].Failures, 2)
	assert.Equal(t, 1, results[0].Failures[0].Index)
	assert.Contains(t, results[0].Failures[0].Message, "malformed geometry")
	assert.Equal(t, 2, results[0].Failures[1].Index, "writer indexes map back to the chunk")
}

func TestDeliver_DecodesEWKBOutOfBand(t *testing.T) {
	w := newMem(nil)
	w.outOfBand = true
	d := NewDeliverer(nil)

	results := d.Deliver(context.Background(), w, []Record{
		{Data: map[string]any{"id": "1", "geometry": pointOneTwo}},
		{Data: map[string]any{"id": "2", "geometry": ewkbPointOneTwo}},
	})

	require.Len(t, results, 1)
	assert.Equal(t, 2, results[0].Accepted)
	assert.Empty(t, results[0].Failures)
	require.Len(t, w.calls, 1)
	assert.Equal(t, &Point{X: 1, Y: 2}, w.calls[0][1].Geometry)
}

func TestDeliver_GeometryStaysInlineForTables(t *testing.T) {
	w := newMem(nil)
	d := NewDeliverer(nil)

	d.Deliver(context.Background(), w, []Record{{Data: map[string]any{"id": "1", "geometry": pointOneTwo}}})

	require.Len(t, w.calls, 1)
	assert.Equal(t, pointOneTwo, w.calls[0][0].Attributes["geometry"])
	assert.Nil(t, w.calls[0][0].Geometry)
}

func TestRetryPolicy_Backoff(t *testing.T) {
	p := RetryPolicy{InitialInterval: 100 * time.Millisecond, MaxInterval: time.Second, Multiplier: 2}
	assert.Equal(t, 100*time.Millisecond, p.Backoff(0))
	assert.Equal(t, 400*time.Millisecond, p.Backoff(2))
	assert.Equal(t, time.Second, p.Backoff(10))

	p.Jitter = true
	got := p.Backoff(0)
	assert.GreaterOrEqual(t, got, 100*time.Millisecond)
	assert.LessOrEqual(t, got, 110*time.Millisecond)
}

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(fmt.Errorf("wrap: %w", ErrTransient)))
	assert.True(t, IsTransient(context.DeadlineExceeded), "deadline exceeded is a net.Error timeout")
	assert.False(t, IsTransient(errors.New("400 bad request")))
	assert.False(t, IsTransient(nil))
}
