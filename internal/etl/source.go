package etl

import (
	"context"
	"fmt"
	"strings"
)

// ── Endpoint ───────────────────────────────────────────────
// An Endpoint is one side of a reconciliation: a feature layer or a table.
// Implementations live in etl/sources/, one file per endpoint type.
//
// Pattern: Airbyte connector protocol (spec → discover → read).

// Endpoint types.
const (
	TypeFeatureLayer = "featurelayer"
	TypeDatabase     = "database"
	TypeFile         = "file"
)

// EndpointConfig locates a collection. Which fields apply depends on Type.
type EndpointConfig struct {
	Type string `yaml:"type" json:"type"`

	// featurelayer
	Portal string `yaml:"portal,omitempty" json:"portal,omitempty"`
	Item   string `yaml:"item,omitempty" json:"item,omitempty"`
	URL    string `yaml:"url,omitempty" json:"url,omitempty"`
	Layer  string `yaml:"layer,omitempty" json:"layer,omitempty"`
	Where  string `yaml:"where,omitempty" json:"where,omitempty"`

	// database
	Connection string `yaml:"connection,omitempty" json:"connection,omitempty"`
	Table      string `yaml:"table,omitempty" json:"table,omitempty"`

	// file (read-only)
	Path      string `yaml:"path,omitempty" json:"path,omitempty"`
	Format    string `yaml:"format,omitempty" json:"format,omitempty"` // "csv" | "json"
	DataPath  string `yaml:"data_path,omitempty" json:"dataPath,omitempty"`
	Delimiter string `yaml:"delimiter,omitempty" json:"delimiter,omitempty"`

	GeometryField string `yaml:"geometry_field,omitempty" json:"geometryField,omitempty"`
}

// DefaultPortal is the portal a feature layer endpoint uses when it names none.
const DefaultPortal = "default"

// Identity names the physical collection. Two configs with the same
// identity address the same data. A layer addressed by URL does not depend
// on the portal, so its identity leaves the portal out.
func (c EndpointConfig) Identity() string {
	switch c.Type {
	case TypeFeatureLayer:
		if c.Item == "" {
			return fmt.Sprintf("%s:%s/%s", c.Type, strings.TrimRight(c.URL, "/"), c.Layer)
		}
		portal := c.Portal
		if portal == "" {
			portal = DefaultPortal
		}
		return fmt.Sprintf("%s:%s/%s/%s", c.Type, portal, c.Item, c.Layer)
	case TypeDatabase:
		return fmt.Sprintf("%s:%s/%s", c.Type, c.Connection, c.Table)
	case TypeFile:
		return fmt.Sprintf("%s:%s", c.Type, c.Path)
	default:
		return c.Type
	}
}

// GeometryColumn returns the configured geometry column or the default.
func (c EndpointConfig) GeometryColumn() string {
	if c.GeometryField == "" {
		return DefaultGeometryField
	}
	return c.GeometryField
}

// Validate checks that the fields required by Type are set.
func (c EndpointConfig) Validate() error {
	switch c.Type {
	case TypeFeatureLayer:
		if c.Item == "" && c.URL == "" {
			return fmt.Errorf("featurelayer: item or url is required")
		}
		if c.Layer == "" {
			return fmt.Errorf("featurelayer: layer is required")
		}
	case TypeDatabase:
		if c.Connection == "" {
			return fmt.Errorf("database: connection is required")
		}
		if c.Table == "" {
			return fmt.Errorf("database: table is required")
		}
	case TypeFile:
		if c.Path == "" {
			return fmt.Errorf("file: path is required")
		}
		switch c.Format {
		case "", "csv", "json":
		default:
			return fmt.Errorf("file: unknown format %q", c.Format)
		}
	case "":
		return fmt.Errorf("endpoint type is required")
	default:
		return fmt.Errorf("unknown endpoint type: %q", c.Type)
	}
	return nil
}

// ConfigField describes a single configuration input for an endpoint type.
type ConfigField struct {
	Key      string `json:"key"`
	Label    string `json:"label"`
	Required bool   `json:"required"`
	Help     string `json:"help,omitempty"`
}

// EndpointSpec describes an endpoint type and the config it accepts.
type EndpointSpec struct {
	Type         string        `json:"type"`
	Label        string        `json:"label"`
	Writable     bool          `json:"writable"`
	ConfigFields []ConfigField `json:"configFields"`
}

// Endpoint is the read side every endpoint must implement.
type Endpoint interface {
	// Discover returns the collection's schema. A missing layer or table
	// yields an error wrapping ErrNotFound.
	Discover(ctx context.Context) (*Schema, error)

	// Read streams records into a channel.
	// The channel is closed when all records have been read or ctx is cancelled.
	// Errors are sent on the error channel (buffered size 1).
	Read(ctx context.Context) (<-chan Record, <-chan error)

	Close() error
}

// OpenFunc resolves an EndpointConfig to a live Endpoint.
type OpenFunc func(ctx context.Context, cfg EndpointConfig) (Endpoint, error)
