package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"layersync/internal/dbclient"
	"layersync/internal/etl"
)

// ── Database Endpoint ──────────────────────────────────────
// A table (or MongoDB collection) behind a configured connection.
// Reuses the dbclient.Connector cursor for paged reads.

const fetchSize = 500

type databaseKind struct{}

func init() { Register(databaseKind{}) }

func (databaseKind) Spec() etl.EndpointSpec {
	return etl.EndpointSpec{
		Type:     etl.TypeDatabase,
		Label:    "Database Table",
		Writable: true,
		ConfigFields: []etl.ConfigField{
			{Key: "connection", Label: "Connection", Required: true, Help: "Name of a configured database connection"},
			{Key: "table", Label: "Table", Required: true, Help: "Table name; include the schema as schema.table"},
			{Key: "where", Label: "Where", Help: "SQL condition (JSON filter for MongoDB) applied to reads"},
			{Key: "geometry_field", Label: "Geometry Field", Help: "Column holding hex WKB geometry (default geometry)"},
		},
	}
}

func (databaseKind) Open(ctx context.Context, cfg etl.EndpointConfig, res Resources) (etl.Endpoint, error) {
	if !dbclient.ValidTableName(cfg.Table) {
		return nil, fmt.Errorf("invalid table name %q", cfg.Table)
	}
	conn, err := res.Database(ctx, cfg.Connection)
	if err != nil {
		return nil, err
	}
	return &tableEndpoint{
		conn:   conn,
		cfg:    cfg,
		logger: res.Logger().With(zap.String("endpoint", cfg.Identity())),
	}, nil
}

type tableEndpoint struct {
	conn    dbclient.Connector
	cfg     etl.EndpointConfig
	logger  *zap.Logger
	columns []string
}

func (t *tableEndpoint) Discover(ctx context.Context) (*etl.Schema, error) {
	cols, err := t.conn.Columns(ctx, t.cfg.Table)
	if errors.Is(err, dbclient.ErrTableNotFound) {
		return nil, fmt.Errorf("%w: %v", etl.ErrNotFound, err)
	}
	if err != nil {
		return nil, err
	}

	geomField := t.cfg.GeometryColumn()
	schema := &etl.Schema{Fields: make([]etl.Field, len(cols))}
	t.columns = make([]string, len(cols))
	for i, c := range cols {
		typ := sqlFieldType(c.Type)
		if c.Name == geomField {
			typ = etl.FieldGeometry
		}
		schema.Fields[i] = etl.Field{Name: c.Name, Type: typ}
		t.columns[i] = c.Name
	}
	return schema, nil
}

func sqlFieldType(dbType string) string {
	t := strings.ToLower(dbType)
	switch {
	case strings.Contains(t, "date"), strings.Contains(t, "time"):
		return etl.FieldDatetime
	case strings.Contains(t, "bool"):
		return etl.FieldBoolean
	case strings.Contains(t, "int"), strings.Contains(t, "real"), strings.Contains(t, "double"),
		strings.Contains(t, "float"), strings.Contains(t, "numeric"), strings.Contains(t, "decimal"):
		return etl.FieldNumber
	default:
		return etl.FieldText
	}
}

func (t *tableEndpoint) Read(ctx context.Context) (<-chan etl.Record, <-chan error) {
	out := make(chan etl.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		query := dbclient.SelectAllQuery(t.conn.Driver(), t.cfg.Table, t.cfg.Where)
		page, err := t.conn.Execute(ctx, query, fetchSize)
		if err != nil {
			errCh <- fmt.Errorf("execute: %w", err)
			return
		}
		if !emitPage(ctx, out, page) {
			return
		}

		for page.HasMore {
			page, err = t.conn.FetchMore(ctx, fetchSize)
			if err != nil {
				errCh <- fmt.Errorf("fetch more: %w", err)
				return
			}
			if !emitPage(ctx, out, page) {
				return
			}
		}
	}()

	return out, errCh
}

func emitPage(ctx context.Context, out chan<- etl.Record, page *dbclient.QueryPage) bool {
	for _, row := range page.Rows {
		data := make(map[string]any, len(page.Columns))
		for i, col := range page.Columns {
			if i < len(row) {
				data[col] = row[i]
			}
		}
		if !emit(ctx, out, etl.Record{Data: data}) {
			return false
		}
	}
	return true
}

// ── Writer ─────────────────────────────────────────────────

func (t *tableEndpoint) GeometryOutOfBand() bool { return false }

// Add inserts a chunk. Columns that are null in every row of the chunk are
// left out so database defaults (serial ids, timestamps) apply.
func (t *tableEndpoint) Add(ctx context.Context, features []etl.Feature) (*etl.WriteResult, error) {
	if t.columns == nil {
		if _, err := t.Discover(ctx); err != nil {
			return nil, err
		}
	}

	var cols []string
	for _, c := range t.columns {
		for _, f := range features {
			if v, ok := f.Attributes[c]; ok && v != nil {
				cols = append(cols, c)
				break
			}
		}
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("insert into %s: no non-null columns in chunk", t.cfg.Table)
	}

	rows := make([][]any, len(features))
	for i, f := range features {
		row := make([]any, len(cols))
		for j, c := range cols {
			row[j] = f.Attributes[c]
		}
		rows[i] = row
	}

	res, err := t.conn.InsertRows(ctx, t.cfg.Table, cols, rows)
	if err != nil {
		return nil, err
	}
	wr := &etl.WriteResult{Accepted: res.Inserted}
	for _, rf := range res.Failures {
		wr.Failures = append(wr.Failures, etl.RecordFailure{Index: rf.Index, Code: rf.Code, Message: rf.Message})
	}
	t.logger.Debug("rows inserted", zap.Int("inserted", res.Inserted), zap.Int("rejected", len(res.Failures)))
	return wr, nil
}

func (t *tableEndpoint) Close() error { return t.conn.Close() }
