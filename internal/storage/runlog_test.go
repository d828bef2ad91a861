package storage

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"layersync/internal/etl"
)

func newTestStore(t *testing.T) *RunLogStore {
	t.Helper()
	db, err := New(filepath.Join(t.TempDir(), "nested", "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewRunLogStore(db)
}

func result(id, job string, started time.Time, status etl.Status) *etl.SyncResult {
	r := &etl.SyncResult{
		RunID:      id,
		JobName:    job,
		Status:     status,
		StartedAt:  started,
		SourceRead: 10,
		Matched:    7,
		SourceOnly: 3,
		Submitted:  3,
		Accepted:   2,
		Rejected:   1,
		Duration:   2 * time.Second,
	}
	r.NormalizationFailures = []*etl.RecordError{
		{Index: 4, Key: "P-4", Field: "geometry", Err: etl.ErrMalformedGeometry},
	}
	r.Batches = []etl.BatchResult{{
		Index: 0, Submitted: 3, Accepted: 2, Attempts: 1,
		Failures: []etl.RecordFailure{{Index: 1, Code: 1000, Message: "refused"}},
	}}
	return r
}

func TestRunLogStore_RecordAndList(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)

	require.NoError(t, s.Record(ctx, result("r1", "parcels", base, etl.StatusSuccess)))
	require.NoError(t, s.Record(ctx, result("r2", "parcels", base.Add(time.Hour), etl.StatusPartial)))
	require.NoError(t, s.Record(ctx, result("r3", "hydrants", base.Add(2*time.Hour), etl.StatusNoop)))

	all, err := s.List(ctx, "", 10)
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, []string{"r3", "r2", "r1"}, []string{all[0].ID, all[1].ID, all[2].ID})

	parcels, err := s.List(ctx, "parcels", 1)
	require.NoError(t, err)
	require.Len(t, parcels, 1)
	got := parcels[0]
	assert.Equal(t, "r2", got.ID)
	assert.Equal(t, "partial", got.Status)
	assert.Equal(t, 10, got.SourceRead)
	assert.Equal(t, 2, got.Accepted)
	assert.Equal(t, 1, got.SkippedRecords)
	assert.True(t, got.FinishedAt.Equal(base.Add(time.Hour+2*time.Second)))
}

func TestRunLogStore_GetReturnsDetail(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, result("r1", "parcels", time.Now(), etl.StatusPartial)))

	got, err := s.Get(ctx, "r1")
	require.NoError(t, err)
	assert.Equal(t, etl.StatusPartial, got.Status)
	require.Len(t, got.Batches, 1)
	assert.Equal(t, "refused", got.Batches[0].Failures[0].Message)
	require.Len(t, got.NormalizationFailures, 1)
	assert.Equal(t, "P-4", got.NormalizationFailures[0].Key)
	assert.EqualError(t, got.NormalizationFailures[0].Err, etl.ErrMalformedGeometry.Error())

	_, err = s.Get(ctx, "nope")
	assert.ErrorIs(t, err, ErrRunNotFound)
}

func TestRunLogStore_DuplicateID(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.Record(ctx, result("r1", "parcels", time.Now(), etl.StatusSuccess)))
	assert.Error(t, s.Record(ctx, result("r1", "parcels", time.Now(), etl.StatusSuccess)))
}

func TestRunLogStore_Prune(t *testing.T) {
	s := newTestStore(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 8, 0, 0, 0, time.UTC)
	for i, id := range []string{"a", "b", "c", "d"} {
		require.NoError(t, s.Record(ctx, result(id, "parcels", base.Add(time.Duration(i)*time.Minute), etl.StatusSuccess)))
	}
	require.NoError(t, s.Record(ctx, result("other", "hydrants", base, etl.StatusSuccess)))

	n, err := s.Prune(ctx, "parcels", 2)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	left, err := s.List(ctx, "parcels", 10)
	require.NoError(t, err)
	assert.Equal(t, []string{"d", "c"}, []string{left[0].ID, left[1].ID})

	others, err := s.List(ctx, "hydrants", 10)
	require.NoError(t, err)
	assert.Len(t, others, 1)
}

func TestNew_ReopensExistingDatabase(t *testing.T) {
	path := filepath.Join(t.TempDir(), "runs.db")
	db, err := New(path)
	require.NoError(t, err)
	require.NoError(t, NewRunLogStore(db).Record(context.Background(), result("r1", "parcels", time.Now(), etl.StatusSuccess)))
	require.NoError(t, db.Close())

	db, err = New(path)
	require.NoError(t, err, "migrations are re-runnable")
	defer db.Close()
	logs, err := NewRunLogStore(db).List(context.Background(), "", 0)
	require.NoError(t, err)
	assert.Len(t, logs, 1)
}
