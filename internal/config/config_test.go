package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"layersync/internal/domain"
	"layersync/internal/etl"
)

const sampleYAML = `
portals:
  default:
    url: https://gis.example.org/portal
    username: sync
    password_secret: portal-pass
databases:
  assets:
    driver: postgres
    host: db.internal
    port: 5432
    database: gis
    username: etl
    password_secret: assets-pass
jobs:
  - name: hydrants
    source:
      type: database
      connection: assets
      table: public.hydrants
    destination:
      type: featurelayer
      item: 4f2e
      layer: Hydrants
    keys: [asset_id]
    schedule: "@every 1h"
    chunk_size: 50
delivery:
  max_attempts: 5
  initial_interval: 1s
  rate_per_second: 2
storage:
  path: /tmp/runs.db
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "layersync.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestLoad_MissingFileReturnsDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.NoError(t, err)

	assert.Equal(t, etl.DefaultChunkSize, cfg.Delivery.ChunkSize)
	assert.Equal(t, "env", cfg.Secrets.Backend)
	assert.Empty(t, cfg.Jobs)
}

func TestLoad_ParsesFile(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	require.Len(t, cfg.Jobs, 1)
	job := cfg.Jobs[0]
	assert.Equal(t, "hydrants", job.Name)
	assert.Equal(t, []string{"asset_id"}, job.Keys)
	assert.Equal(t, etl.TypeFeatureLayer, job.Destination.Type)
	assert.Equal(t, 50, job.ChunkSize)

	db, ok := cfg.Database("assets")
	require.True(t, ok)
	assert.Equal(t, "assets", db.Name)
	assert.Equal(t, domain.DatabaseDriverPostgres, db.Driver)

	portal, ok := cfg.Portal("")
	require.True(t, ok)
	assert.Equal(t, DefaultPortal, portal.Name)

	// Unset delivery fields keep their defaults.
	assert.Equal(t, "10s", cfg.Delivery.MaxInterval)
	assert.Equal(t, "/tmp/runs.db", cfg.Storage.Path)

	p := cfg.RetryPolicy()
	assert.Equal(t, 5, p.MaxAttempts)
	assert.Equal(t, time.Second, p.InitialInterval)
	assert.Equal(t, 10*time.Second, p.MaxInterval)
	assert.NotNil(t, cfg.Limiter())
}

func TestLoad_InvalidYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "jobs: [unclosed"))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "failed to parse config")
}

func TestValidate(t *testing.T) {
	job := func() etl.SyncJob {
		return etl.SyncJob{
			Name:        "j",
			Source:      etl.EndpointConfig{Type: etl.TypeFeatureLayer, URL: "https://x/FeatureServer", Layer: "L"},
			Destination: etl.EndpointConfig{Type: etl.TypeDatabase, Connection: "main", Table: "t"},
			Keys:        []string{"id"},
		}
	}
	base := func() *Config {
		cfg := DefaultConfig()
		cfg.Databases["main"] = domain.DatabaseConnection{Driver: domain.DatabaseDriverSQLite, Host: "/tmp/x.db"}
		cfg.Jobs = []etl.SyncJob{job()}
		return cfg
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, base().Validate())
	})

	t.Run("chunk size", func(t *testing.T) {
		cfg := base()
		cfg.Delivery.ChunkSize = 0
		assert.ErrorContains(t, cfg.Validate(), "chunk_size")
	})

	t.Run("bad duration", func(t *testing.T) {
		cfg := base()
		cfg.Delivery.MaxInterval = "soon"
		assert.ErrorContains(t, cfg.Validate(), "delivery.max_interval")
	})

	t.Run("unknown secrets backend", func(t *testing.T) {
		cfg := base()
		cfg.Secrets.Backend = "vault"
		assert.ErrorContains(t, cfg.Validate(), "secrets backend")
	})

	t.Run("unknown driver", func(t *testing.T) {
		cfg := base()
		cfg.Databases["main"] = domain.DatabaseConnection{Driver: "oracle", Host: "h"}
		assert.ErrorContains(t, cfg.Validate(), "unsupported driver")
	})

	t.Run("unknown connection", func(t *testing.T) {
		cfg := base()
		cfg.Jobs[0].Destination.Connection = "other"
		assert.ErrorContains(t, cfg.Validate(), "unknown database connection")
	})

	t.Run("unknown portal", func(t *testing.T) {
		cfg := base()
		cfg.Jobs[0].Source.Portal = "enterprise"
		assert.ErrorContains(t, cfg.Validate(), "unknown portal")
	})

	t.Run("duplicate job", func(t *testing.T) {
		cfg := base()
		cfg.Jobs = append(cfg.Jobs, job())
		assert.ErrorContains(t, cfg.Validate(), "duplicate job name")
	})

	t.Run("bad schedule", func(t *testing.T) {
		cfg := base()
		cfg.Jobs[0].Schedule = "every tuesday"
		assert.ErrorContains(t, cfg.Validate(), "invalid schedule")
	})

	t.Run("job without keys", func(t *testing.T) {
		cfg := base()
		cfg.Jobs[0].Keys = nil
		assert.ErrorIs(t, cfg.Validate(), etl.ErrNoKeys)
	})
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("LAYERSYNC_DB_PATH", "/var/lib/layersync.db")
	t.Setenv("LAYERSYNC_CHUNK_SIZE", "25")
	t.Setenv("LAYERSYNC_METRICS_ADDR", ":9108")
	t.Setenv("LAYERSYNC_PORTAL_URL", "https://portal.example.org")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, "/var/lib/layersync.db", cfg.Storage.Path)
	assert.Equal(t, 25, cfg.Delivery.ChunkSize)
	assert.Equal(t, ":9108", cfg.Metrics.Addr)
	assert.Equal(t, "https://portal.example.org", cfg.Portals[DefaultPortal].URL)
}

func TestEnvOverrides_IgnoresBadChunkSize(t *testing.T) {
	t.Setenv("LAYERSYNC_CHUNK_SIZE", "lots")

	cfg := DefaultConfig()
	cfg.applyEnvOverrides()

	assert.Equal(t, etl.DefaultChunkSize, cfg.Delivery.ChunkSize)
}

func TestJobLookup(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	job, err := cfg.Job("hydrants")
	require.NoError(t, err)
	assert.Equal(t, "hydrants", job.Name)

	_, err = cfg.Job("missing")
	assert.ErrorIs(t, err, etl.ErrNotFound)

	assert.Equal(t, []string{"hydrants"}, cfg.JobNames())
}

func TestSaveRoundTrip(t *testing.T) {
	cfg, err := Load(writeConfig(t, sampleYAML))
	require.NoError(t, err)

	out := filepath.Join(t.TempDir(), "nested", "out.yaml")
	require.NoError(t, cfg.Save(out))

	again, err := Load(out)
	require.NoError(t, err)
	assert.Equal(t, cfg.Jobs, again.Jobs)
	assert.Equal(t, cfg.Delivery, again.Delivery)
}
