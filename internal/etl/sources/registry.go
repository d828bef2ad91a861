// Package sources holds the endpoint implementations. Each endpoint type
// registers itself from init().
package sources

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"layersync/internal/arcgis"
	"layersync/internal/dbclient"
	"layersync/internal/etl"
)

// Resources gives endpoint types access to configured portals and databases.
type Resources interface {
	// Portal returns the client for a named portal. Clients may be shared.
	Portal(ctx context.Context, name string) (*arcgis.Client, error)

	// Database opens a new connector for a named connection. The caller owns
	// it and must close it.
	Database(ctx context.Context, name string) (dbclient.Connector, error)

	Logger() *zap.Logger
}

// Kind is an endpoint type.
type Kind interface {
	Spec() etl.EndpointSpec
	Open(ctx context.Context, cfg etl.EndpointConfig, res Resources) (etl.Endpoint, error)
}

// ── Registry ───────────────────────────────────────────────
// Compile-time registration via init() in each endpoint file.

var (
	registryMu sync.RWMutex
	registry   = map[string]Kind{}
)

// Register registers an endpoint type by its spec type.
func Register(k Kind) {
	registryMu.Lock()
	defer registryMu.Unlock()
	registry[k.Spec().Type] = k
}

// Get returns a registered endpoint type, or an error if not found.
func Get(typ string) (Kind, error) {
	registryMu.RLock()
	defer registryMu.RUnlock()
	k, ok := registry[typ]
	if !ok {
		return nil, fmt.Errorf("unknown endpoint type: %q", typ)
	}
	return k, nil
}

// List returns the specs of all registered endpoint types, sorted by type.
func List() []etl.EndpointSpec {
	registryMu.RLock()
	defer registryMu.RUnlock()
	specs := make([]etl.EndpointSpec, 0, len(registry))
	for _, k := range registry {
		specs = append(specs, k.Spec())
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Type < specs[j].Type })
	return specs
}

// Open validates cfg and opens it through its registered type.
func Open(ctx context.Context, cfg etl.EndpointConfig, res Resources) (etl.Endpoint, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	k, err := Get(cfg.Type)
	if err != nil {
		return nil, err
	}
	return k.Open(ctx, cfg, res)
}

// Opener binds res into an etl.OpenFunc for the engine.
func Opener(res Resources) etl.OpenFunc {
	return func(ctx context.Context, cfg etl.EndpointConfig) (etl.Endpoint, error) {
		return Open(ctx, cfg, res)
	}
}

// emit sends rec unless ctx is done.
func emit(ctx context.Context, out chan<- etl.Record, rec etl.Record) bool {
	select {
	case out <- rec:
		return true
	case <-ctx.Done():
		return false
	}
}
