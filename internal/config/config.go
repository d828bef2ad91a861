package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
	"golang.org/x/time/rate"
	"gopkg.in/yaml.v3"

	"layersync/internal/domain"
	"layersync/internal/etl"
)

// DefaultPortal is the portal used by feature layer endpoints that name none.
const DefaultPortal = etl.DefaultPortal

// Config holds the layersync configuration file.
type Config struct {
	// Named connections referenced by job endpoints.
	Portals   map[string]domain.PortalConnection   `yaml:"portals"`
	Databases map[string]domain.DatabaseConnection `yaml:"databases"`

	Jobs []etl.SyncJob `yaml:"jobs"`

	Delivery DeliveryConfig `yaml:"delivery"`
	Storage  StorageConfig  `yaml:"storage"`
	Logging  LoggingConfig  `yaml:"logging"`
	Metrics  MetricsConfig  `yaml:"metrics"`
	Secrets  SecretsConfig  `yaml:"secrets"`
}

// DeliveryConfig tunes chunked writes.
type DeliveryConfig struct {
	ChunkSize       int     `yaml:"chunk_size"`
	MaxAttempts     int     `yaml:"max_attempts"`
	InitialInterval string  `yaml:"initial_interval"`
	MaxInterval     string  `yaml:"max_interval"`
	RatePerSecond   float64 `yaml:"rate_per_second"` // 0 = unlimited
	RunTimeout      string  `yaml:"run_timeout"`
}

// StorageConfig locates the run-log database.
type StorageConfig struct {
	Path     string `yaml:"path"`
	KeepRuns int    `yaml:"keep_runs"` // per job; 0 keeps everything
}

// LoggingConfig configures logging.
type LoggingConfig struct {
	Level  string `yaml:"level"`  // debug, info, warn, error
	Format string `yaml:"format"` // json, console
}

// MetricsConfig configures the Prometheus endpoint served by `serve`.
type MetricsConfig struct {
	Addr string `yaml:"addr"` // empty disables the endpoint
}

// SecretsConfig selects where passwords and tokens are looked up.
type SecretsConfig struct {
	Backend string `yaml:"backend"` // env, keychain
	Prefix  string `yaml:"prefix"`  // env backend only
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Portals:   map[string]domain.PortalConnection{},
		Databases: map[string]domain.DatabaseConnection{},
		Delivery: DeliveryConfig{
			ChunkSize:       etl.DefaultChunkSize,
			MaxAttempts:     etl.DefaultRetryPolicy.MaxAttempts,
			InitialInterval: "500ms",
			MaxInterval:     "10s",
			RunTimeout:      "30m",
		},
		Storage: StorageConfig{
			Path:     defaultStoragePath(),
			KeepRuns: 200,
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
		Secrets: SecretsConfig{
			Backend: "env",
			Prefix:  "LAYERSYNC_SECRET_",
		},
	}
}

func defaultStoragePath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "layersync.db"
	}
	return filepath.Join(home, ".local", "share", "layersync", "runs.db")
}

// Load reads configuration from a YAML file. A missing file yields the
// defaults. Environment overrides are applied last, then the result is
// validated.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	switch {
	case os.IsNotExist(err):
	case err != nil:
		return nil, fmt.Errorf("failed to read config: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config: %w", err)
		}
	}

	cfg.applyEnvOverrides()
	cfg.fillNames()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Save writes the configuration as YAML.
func (c *Config) Save(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// applyEnvOverrides applies environment variable overrides.
func (c *Config) applyEnvOverrides() {
	if path := os.Getenv("LAYERSYNC_DB_PATH"); path != "" {
		c.Storage.Path = path
	}
	if v := os.Getenv("LAYERSYNC_CHUNK_SIZE"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			c.Delivery.ChunkSize = n
		}
	}
	if addr := os.Getenv("LAYERSYNC_METRICS_ADDR"); addr != "" {
		c.Metrics.Addr = addr
	}
	if lvl := os.Getenv("LAYERSYNC_LOG_LEVEL"); lvl != "" {
		c.Logging.Level = lvl
	}

	// LAYERSYNC_PORTAL_URL sets (or creates) the default portal.
	if url := os.Getenv("LAYERSYNC_PORTAL_URL"); url != "" {
		if c.Portals == nil {
			c.Portals = map[string]domain.PortalConnection{}
		}
		p := c.Portals[DefaultPortal]
		p.URL = url
		c.Portals[DefaultPortal] = p
	}
}

// fillNames copies map keys into the Name fields.
func (c *Config) fillNames() {
	for name, p := range c.Portals {
		p.Name = name
		c.Portals[name] = p
	}
	for name, d := range c.Databases {
		d.Name = name
		c.Databases[name] = d
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Delivery.ChunkSize <= 0 {
		return fmt.Errorf("delivery.chunk_size must be positive, got %d", c.Delivery.ChunkSize)
	}
	if c.Delivery.MaxAttempts < 1 {
		return fmt.Errorf("delivery.max_attempts must be at least 1, got %d", c.Delivery.MaxAttempts)
	}
	if c.Delivery.RatePerSecond < 0 {
		return fmt.Errorf("delivery.rate_per_second must not be negative")
	}
	for _, d := range []struct{ key, val string }{
		{"delivery.initial_interval", c.Delivery.InitialInterval},
		{"delivery.max_interval", c.Delivery.MaxInterval},
		{"delivery.run_timeout", c.Delivery.RunTimeout},
	} {
		if d.val == "" {
			continue
		}
		if _, err := time.ParseDuration(d.val); err != nil {
			return fmt.Errorf("%s: %w", d.key, err)
		}
	}

	switch c.Secrets.Backend {
	case "env", "keychain":
	default:
		return fmt.Errorf("invalid secrets backend: %q (valid: env, keychain)", c.Secrets.Backend)
	}
	if _, err := zap.ParseAtomicLevel(c.Logging.Level); err != nil {
		return fmt.Errorf("logging.level: %w", err)
	}

	for name, p := range c.Portals {
		if p.URL == "" {
			return fmt.Errorf("portal %q: url is required", name)
		}
	}
	for name, d := range c.Databases {
		if !d.Driver.Valid() {
			return fmt.Errorf("database %q: unsupported driver %q", name, d.Driver)
		}
		if d.Host == "" {
			return fmt.Errorf("database %q: host is required", name)
		}
	}

	seen := map[string]bool{}
	for i := range c.Jobs {
		job := &c.Jobs[i]
		if err := job.Validate(); err != nil {
			return err
		}
		if seen[job.Name] {
			return fmt.Errorf("duplicate job name %q", job.Name)
		}
		seen[job.Name] = true
		if job.Schedule != "" {
			if _, err := cron.ParseStandard(job.Schedule); err != nil {
				return fmt.Errorf("job %q: invalid schedule %q: %w", job.Name, job.Schedule, err)
			}
		}
		if err := c.checkRefs(job.Source); err != nil {
			return fmt.Errorf("job %q source: %w", job.Name, err)
		}
		if err := c.checkRefs(job.Destination); err != nil {
			return fmt.Errorf("job %q destination: %w", job.Name, err)
		}
	}
	return nil
}

// checkRefs verifies that an endpoint names a configured connection.
func (c *Config) checkRefs(ep etl.EndpointConfig) error {
	switch ep.Type {
	case etl.TypeFeatureLayer:
		// Without a configured default portal, ArcGIS Online is used anonymously.
		if _, ok := c.Portals[ep.Portal]; !ok && ep.Portal != "" && ep.Portal != DefaultPortal {
			return fmt.Errorf("unknown portal %q", ep.Portal)
		}
	case etl.TypeDatabase:
		if _, ok := c.Databases[ep.Connection]; !ok {
			return fmt.Errorf("unknown database connection %q", ep.Connection)
		}
	}
	return nil
}

// Portal returns the named portal; "" means DefaultPortal.
func (c *Config) Portal(name string) (domain.PortalConnection, bool) {
	if name == "" {
		name = DefaultPortal
	}
	p, ok := c.Portals[name]
	return p, ok
}

// Database returns the named database connection.
func (c *Config) Database(name string) (domain.DatabaseConnection, bool) {
	d, ok := c.Databases[name]
	return d, ok
}

// Job returns the job named name.
func (c *Config) Job(name string) (*etl.SyncJob, error) {
	for i := range c.Jobs {
		if c.Jobs[i].Name == name {
			job := c.Jobs[i]
			return &job, nil
		}
	}
	return nil, fmt.Errorf("job %q: %w", name, etl.ErrNotFound)
}

// JobNames returns the configured job names, sorted.
func (c *Config) JobNames() []string {
	names := make([]string, len(c.Jobs))
	for i, j := range c.Jobs {
		names[i] = j.Name
	}
	sort.Strings(names)
	return names
}

// RetryPolicy builds the chunk retry policy.
func (c *Config) RetryPolicy() etl.RetryPolicy {
	p := etl.DefaultRetryPolicy
	p.MaxAttempts = c.Delivery.MaxAttempts
	p.InitialInterval = parseDuration(c.Delivery.InitialInterval, p.InitialInterval)
	p.MaxInterval = parseDuration(c.Delivery.MaxInterval, p.MaxInterval)
	return p
}

// Limiter returns the chunk rate limiter, or nil when unlimited.
func (c *Config) Limiter() *rate.Limiter {
	if c.Delivery.RatePerSecond <= 0 {
		return nil
	}
	return rate.NewLimiter(rate.Limit(c.Delivery.RatePerSecond), 1)
}

// RunTimeout returns the per-run timeout.
func (c *Config) RunTimeout() time.Duration {
	return parseDuration(c.Delivery.RunTimeout, 30*time.Minute)
}

func parseDuration(s string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil || d <= 0 {
		return def
	}
	return d
}

// NewLogger builds a zap logger from the logging section.
func (c *Config) NewLogger() (*zap.Logger, error) {
	lvl, err := zap.ParseAtomicLevel(c.Logging.Level)
	if err != nil {
		return nil, err
	}
	zc := zap.NewProductionConfig()
	if c.Logging.Format == "console" {
		zc = zap.NewDevelopmentConfig()
	}
	zc.Level = lvl
	return zc.Build()
}
