package sources

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"layersync/internal/arcgis"
	"layersync/internal/etl"
)

// ── Feature Layer Endpoint ─────────────────────────────────
// A hosted layer or table inside an ArcGIS feature service, addressed by
// service item id (or service URL) plus layer name.

const defaultPageSize = 1000

type featureLayerKind struct{}

func init() { Register(featureLayerKind{}) }

func (featureLayerKind) Spec() etl.EndpointSpec {
	return etl.EndpointSpec{
		Type:     etl.TypeFeatureLayer,
		Label:    "ArcGIS Feature Layer",
		Writable: true,
		ConfigFields: []etl.ConfigField{
			{Key: "portal", Label: "Portal", Help: "Name of a configured portal (default portal when empty)"},
			{Key: "item", Label: "Service Item ID", Help: "Portal item id of the feature service"},
			{Key: "url", Label: "Service URL", Help: "FeatureServer URL, used when no item id is given"},
			{Key: "layer", Label: "Layer", Required: true, Help: "Layer or table name inside the service"},
			{Key: "where", Label: "Where", Help: "Attribute filter for reads (default 1=1)"},
			{Key: "geometry_field", Label: "Geometry Field", Help: "Column that carries geometry (default geometry)"},
		},
	}
}

func (featureLayerKind) Open(ctx context.Context, cfg etl.EndpointConfig, res Resources) (etl.Endpoint, error) {
	client, err := res.Portal(ctx, cfg.Portal)
	if err != nil {
		return nil, err
	}
	return &featureLayer{
		client: client,
		cfg:    cfg,
		logger: res.Logger().With(zap.String("endpoint", cfg.Identity())),
	}, nil
}

type featureLayer struct {
	client *arcgis.Client
	cfg    etl.EndpointConfig
	logger *zap.Logger

	mu    sync.Mutex
	layer *arcgis.LayerInfo
}

// resolve looks the layer up once: item → service URL → layer by name.
func (f *featureLayer) resolve(ctx context.Context) (*arcgis.LayerInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.layer != nil {
		return f.layer, nil
	}

	serviceURL := f.cfg.URL
	if f.cfg.Item != "" {
		item, err := f.client.Item(ctx, f.cfg.Item)
		if err != nil {
			return nil, lookupError(err)
		}
		serviceURL = item.URL
	}
	layer, err := f.client.FindLayer(ctx, serviceURL, f.cfg.Layer)
	if err != nil {
		return nil, lookupError(err)
	}
	f.logger.Debug("layer resolved",
		zap.String("url", layer.URL),
		zap.String("type", layer.Type),
		zap.Int("fields", len(layer.Fields)))
	f.layer = layer
	return layer, nil
}

func lookupError(err error) error {
	if errors.Is(err, arcgis.ErrNotFound) {
		return fmt.Errorf("%w: %v", etl.ErrNotFound, err)
	}
	return err
}

func (f *featureLayer) Discover(ctx context.Context) (*etl.Schema, error) {
	layer, err := f.resolve(ctx)
	if err != nil {
		return nil, err
	}
	schema := &etl.Schema{Fields: make([]etl.Field, 0, len(layer.Fields)+1)}
	for _, fld := range layer.Fields {
		schema.Fields = append(schema.Fields, etl.Field{Name: fld.Name, Type: esriFieldType(fld.Type)})
	}
	if !layer.IsTable() {
		schema.Fields = append(schema.Fields, etl.Field{Name: f.cfg.GeometryColumn(), Type: etl.FieldGeometry})
	}
	return schema, nil
}

func esriFieldType(t string) string {
	switch t {
	case arcgis.FieldTypeDate, "esriFieldTypeDateOnly", "esriFieldTypeTimestampOffset":
		return etl.FieldDatetime
	case arcgis.FieldTypeOID, "esriFieldTypeInteger", "esriFieldTypeSmallInteger",
		"esriFieldTypeBigInteger", "esriFieldTypeDouble", "esriFieldTypeSingle":
		return etl.FieldNumber
	default:
		return etl.FieldText
	}
}

func (f *featureLayer) Read(ctx context.Context) (<-chan etl.Record, <-chan error) {
	out := make(chan etl.Record, 100)
	errCh := make(chan error, 1)

	go func() {
		defer close(out)
		defer close(errCh)

		layer, err := f.resolve(ctx)
		if err != nil {
			errCh <- err
			return
		}
		dateFields := fieldsOfType(layer, arcgis.FieldTypeDate)
		spatial := !layer.IsTable()
		geomField := f.cfg.GeometryColumn()

		pageSize := layer.MaxRecordCount
		if pageSize <= 0 || pageSize > defaultPageSize {
			pageSize = defaultPageSize
		}

		offset := 0
		for {
			page, err := f.client.Query(ctx, layer.URL, arcgis.Query{
				Where:          f.cfg.Where,
				ReturnGeometry: spatial,
				Offset:         offset,
				Count:          pageSize,
				OrderBy:        layer.ObjectIDField,
			})
			if err != nil {
				errCh <- err
				return
			}
			for _, feat := range page.Features {
				data := make(map[string]any, len(feat.Attributes)+1)
				for k, v := range feat.Attributes {
					if dateFields[k] {
						v = epochToTime(v)
					}
					data[k] = v
				}
				if spatial {
					if feat.Geometry != nil {
						data[geomField] = feat.Geometry
					} else {
						data[geomField] = nil
					}
				}
				if !emit(ctx, out, etl.Record{Data: data}) {
					return
				}
			}
			offset += len(page.Features)
			if !page.ExceededTransferLimit || len(page.Features) == 0 {
				return
			}
		}
	}()

	return out, errCh
}

func fieldsOfType(layer *arcgis.LayerInfo, typ string) map[string]bool {
	m := map[string]bool{}
	for _, fld := range layer.Fields {
		if fld.Type == typ {
			m[fld.Name] = true
		}
	}
	return m
}

// epochToTime converts an epoch-millisecond date value to time.Time.
func epochToTime(v any) any {
	switch n := v.(type) {
	case float64:
		return time.UnixMilli(int64(n)).UTC()
	case int64:
		return time.UnixMilli(n).UTC()
	default:
		return v
	}
}

// ── Writer ─────────────────────────────────────────────────

func (f *featureLayer) GeometryOutOfBand() bool { return true }

func (f *featureLayer) Add(ctx context.Context, features []etl.Feature) (*etl.WriteResult, error) {
	layer, err := f.resolve(ctx)
	if err != nil {
		return nil, err
	}

	editable := map[string]string{}
	for _, fld := range layer.Fields {
		if fld.IsEditable() {
			editable[fld.Name] = fld.Type
		}
	}

	payload := make([]arcgis.Feature, len(features))
	for i, feat := range features {
		attrs := make(map[string]any, len(feat.Attributes))
		for k, v := range feat.Attributes {
			typ, ok := editable[k]
			if !ok {
				continue
			}
			if typ == arcgis.FieldTypeDate {
				v = timeToEpoch(v)
			}
			attrs[k] = v
		}
		payload[i] = arcgis.Feature{Attributes: attrs}
		if feat.Geometry != nil && !layer.IsTable() {
			payload[i].Geometry = map[string]any{"x": feat.Geometry.X, "y": feat.Geometry.Y}
		}
	}

	results, err := f.client.AddFeatures(ctx, layer.URL, payload)
	if err != nil {
		return nil, err
	}

	wr := &etl.WriteResult{}
	for i, r := range results {
		if r.Success {
			wr.Accepted++
			continue
		}
		rf := etl.RecordFailure{Index: i, Message: "rejected"}
		if r.Error != nil {
			rf.Code = r.Error.Code
			rf.Message = r.Error.Description
		}
		wr.Failures = append(wr.Failures, rf)
	}
	for i := len(results); i < len(features); i++ {
		wr.Failures = append(wr.Failures, etl.RecordFailure{Index: i, Message: "no result returned"})
	}
	return wr, nil
}

var dateLayouts = []string{time.RFC3339, "2006-01-02 15:04:05", "2006-01-02"}

// timeToEpoch converts normalized date text back to epoch milliseconds.
// Values that do not parse are passed through for the service to judge.
func timeToEpoch(v any) any {
	switch t := v.(type) {
	case time.Time:
		return t.UnixMilli()
	case string:
		s := strings.TrimSpace(t)
		for _, layout := range dateLayouts {
			if ts, err := time.Parse(layout, s); err == nil {
				return ts.UnixMilli()
			}
		}
	}
	return v
}

func (f *featureLayer) Close() error { return nil }
