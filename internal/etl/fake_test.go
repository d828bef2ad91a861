package etl

import (
	"context"
	"fmt"
	"sync"
)

// memEndpoint is an in-memory endpoint used across the package tests.
type memEndpoint struct {
	schema  *Schema
	records []Record
	readErr error

	mu        sync.Mutex
	reads     int
	outOfBand bool
	calls     [][]Feature
	// failChunk maps a 0-based Add call to the error it returns.
	failChunk map[int]error
	// reject maps a 0-based Add call to the record indexes it refuses.
	reject map[int][]int
	closed bool
}

func newMem(fields []Field, rows ...map[string]any) *memEndpoint {
	m := &memEndpoint{schema: &Schema{Fields: fields}}
	for _, r := range rows {
		m.records = append(m.records, Record{Data: r})
	}
	return m
}

func (m *memEndpoint) Discover(ctx context.Context) (*Schema, error) {
	if m.schema == nil {
		return nil, fmt.Errorf("layer parcels: %w", ErrNotFound)
	}
	return m.schema, nil
}

func (m *memEndpoint) Read(ctx context.Context) (<-chan Record, <-chan error) {
	m.mu.Lock()
	m.reads++
	m.mu.Unlock()
	recCh := make(chan Record, 100)
	errCh := make(chan error, 1)
	go func() {
		defer close(recCh)
		defer close(errCh)
		for _, r := range m.records {
			select {
			case recCh <- r.Clone():
			case <-ctx.Done():
				errCh <- ctx.Err()
				return
			}
		}
		if m.readErr != nil {
			errCh <- m.readErr
		}
	}()
	return recCh, errCh
}

func (m *memEndpoint) Add(ctx context.Context, features []Feature) (*WriteResult, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	call := len(m.calls)
	m.calls = append(m.calls, features)
	if err, ok := m.failChunk[call]; ok {
		return nil, err
	}
	res := &WriteResult{}
	refused := map[int]bool{}
	for _, i := range m.reject[call] {
		refused[i] = true
		res.Failures = append(res.Failures, RecordFailure{Index: i, Code: 1000, Message: "refused"})
	}
	for i, f := range features {
		if refused[i] {
			continue
		}
		res.Accepted++
		m.records = append(m.records, Record{Data: f.Attributes})
	}
	return res, nil
}

func (m *memEndpoint) GeometryOutOfBand() bool { return m.outOfBand }

func (m *memEndpoint) Close() error {
	m.closed = true
	return nil
}

func (m *memEndpoint) chunkSizes() []int {
	m.mu.Lock()
	defer m.mu.Unlock()
	sizes := make([]int, len(m.calls))
	for i, c := range m.calls {
		sizes[i] = len(c)
	}
	return sizes
}

// readOnly hides the Writer methods of a memEndpoint.
type readOnly struct{ *memEndpoint }

func (r readOnly) Add() {}

// openMem resolves endpoint configs by Identity.
func openMem(eps map[string]Endpoint) OpenFunc {
	return func(ctx context.Context, cfg EndpointConfig) (Endpoint, error) {
		ep, ok := eps[cfg.Identity()]
		if !ok {
			return nil, fmt.Errorf("%s: %w", cfg.Identity(), ErrNotFound)
		}
		return ep, nil
	}
}

var (
	layerCfg = EndpointConfig{Type: TypeFeatureLayer, Item: "abc", Layer: "Parcels"}
	tableCfg = EndpointConfig{Type: TypeDatabase, Connection: "gis", Table: "parcels"}
)

func testJob() *SyncJob {
	return &SyncJob{Name: "parcels", Source: tableCfg, Destination: layerCfg, Keys: []string{"id"}}
}

var parcelFields = []Field{
	{Name: "id", Type: FieldNumber},
	{Name: "owner", Type: FieldText},
	{Name: "notes", Type: FieldText},
}
