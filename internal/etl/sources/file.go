package sources

import (
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"layersync/internal/etl"
)

// ── File Endpoint ──────────────────────────────────────────
// Reads records from a local CSV or JSON export. Read-only: it can seed a
// destination but never receives writes.

type fileKind struct{}

func init() { Register(fileKind{}) }

func (fileKind) Spec() etl.EndpointSpec {
	return etl.EndpointSpec{
		Type:  etl.TypeFile,
		Label: "CSV / JSON File",
		ConfigFields: []etl.ConfigField{
			{Key: "path", Label: "File Path", Required: true, Help: "Path to the CSV or JSON file"},
			{Key: "format", Label: "Format", Help: "csv or json (default: from the file extension)"},
			{Key: "delimiter", Label: "Delimiter", Help: "CSV column delimiter (default: comma)"},
			{Key: "data_path", Label: "Data Path", Help: "Dot-separated path to the array in a JSON document"},
		},
	}
}

func (fileKind) Open(_ context.Context, cfg etl.EndpointConfig, _ Resources) (etl.Endpoint, error) {
	format := cfg.Format
	if format == "" {
		switch strings.ToLower(filepath.Ext(cfg.Path)) {
		case ".json", ".geojson":
			format = "json"
		default:
			format = "csv"
		}
	}
	return &fileEndpoint{cfg: cfg, format: format}, nil
}

type fileEndpoint struct {
	cfg    etl.EndpointConfig
	format string
}

func (f *fileEndpoint) load() (*etl.Schema, []etl.Record, error) {
	if f.format == "json" {
		return readJSONFile(f.cfg)
	}
	return readCSVFile(f.cfg)
}

func (f *fileEndpoint) Discover(context.Context) (*etl.Schema, error) {
	schema, _, err := f.load()
	return schema, err
}

func (f *fileEndpoint) Read(ctx context.Context) (<-chan etl.Record, <-chan error) {
	out := make(chan etl.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		_, records, err := f.load()
		if err != nil {
			errCh <- err
			return
		}
		for _, rec := range records {
			if !emit(ctx, out, rec) {
				return
			}
		}
	}()

	return out, errCh
}

func (f *fileEndpoint) Close() error { return nil }

func openFile(path string) (*os.File, error) {
	fh, err := os.Open(path)
	if os.IsNotExist(err) {
		return nil, fmt.Errorf("%w: %s", etl.ErrNotFound, path)
	}
	if err != nil {
		return nil, fmt.Errorf("open file: %w", err)
	}
	return fh, nil
}

// ── CSV ────────────────────────────────────────────────────

func readCSVFile(cfg etl.EndpointConfig) (*etl.Schema, []etl.Record, error) {
	fh, err := openFile(cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	defer fh.Close()

	reader := csv.NewReader(fh)
	if len(cfg.Delimiter) > 0 {
		reader.Comma = rune(cfg.Delimiter[0])
	}
	reader.LazyQuotes = true
	reader.FieldsPerRecord = -1
	reader.TrimLeadingSpace = true

	rows, err := reader.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("parse csv: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil, fmt.Errorf("empty csv file")
	}

	headers := rows[0]
	schema := &etl.Schema{Fields: make([]etl.Field, len(headers))}
	for i, h := range headers {
		schema.Fields[i] = etl.Field{Name: h, Type: etl.FieldText}
	}

	records := make([]etl.Record, 0, len(rows)-1)
	for _, row := range rows[1:] {
		data := make(map[string]any, len(headers))
		for j, h := range headers {
			if j < len(row) {
				data[h] = inferCSVValue(row[j])
			} else {
				data[h] = nil
			}
		}
		records = append(records, etl.Record{Data: data})
	}
	return schema, records, nil
}

// inferCSVValue turns empty cells into nil and numeric cells into numbers.
func inferCSVValue(s string) any {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return f
	}
	return s
}

// ── JSON ───────────────────────────────────────────────────

func readJSONFile(cfg etl.EndpointConfig) (*etl.Schema, []etl.Record, error) {
	fh, err := openFile(cfg.Path)
	if err != nil {
		return nil, nil, err
	}
	defer fh.Close()

	var raw any
	if err := json.NewDecoder(fh).Decode(&raw); err != nil {
		return nil, nil, fmt.Errorf("parse json: %w", err)
	}

	if cfg.DataPath != "" {
		for _, part := range strings.Split(cfg.DataPath, ".") {
			m, ok := raw.(map[string]any)
			if !ok {
				return nil, nil, fmt.Errorf("invalid data path: %q not found", part)
			}
			raw = m[part]
		}
	}

	records := toRecords(raw)
	return inferSchema(records), records, nil
}

// toRecords converts a JSON array (or single object) into Records.
// Point geometries ({"x":..,"y":..}) are kept as maps.
func toRecords(raw any) []etl.Record {
	switch v := raw.(type) {
	case []any:
		records := make([]etl.Record, 0, len(v))
		for _, item := range v {
			if m, ok := item.(map[string]any); ok {
				records = append(records, etl.Record{Data: m})
			}
		}
		return records
	case map[string]any:
		return []etl.Record{{Data: v}}
	default:
		return nil
	}
}

// inferSchema derives a schema from the union of record fields, sorted by name.
func inferSchema(records []etl.Record) *etl.Schema {
	types := map[string]string{}
	for _, rec := range records {
		for k, v := range rec.Data {
			if t, ok := types[k]; ok && t != etl.FieldText {
				continue
			}
			types[k] = inferType(v)
		}
	}

	names := make([]string, 0, len(types))
	for name := range types {
		names = append(names, name)
	}
	sort.Strings(names)

	schema := &etl.Schema{Fields: make([]etl.Field, len(names))}
	for i, name := range names {
		schema.Fields[i] = etl.Field{Name: name, Type: types[name]}
	}
	return schema
}

func inferType(v any) string {
	switch val := v.(type) {
	case float64:
		return etl.FieldNumber
	case bool:
		return etl.FieldBoolean
	case map[string]any:
		if _, ok := val["x"]; ok {
			return etl.FieldGeometry
		}
	}
	return etl.FieldText
}
