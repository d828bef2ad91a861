package sources

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest"

	"layersync/internal/arcgis"
	"layersync/internal/arcgis/arcgistest"
	"layersync/internal/dbclient"
	"layersync/internal/domain"
	"layersync/internal/etl"
)

// testResources resolves one portal and SQLite files by connection name.
type testResources struct {
	portal *arcgis.Client
	dbs    map[string]string
	logger *zap.Logger
}

func (r *testResources) Portal(_ context.Context, name string) (*arcgis.Client, error) {
	if r.portal == nil {
		return nil, fmt.Errorf("unknown portal %q", name)
	}
	return r.portal, nil
}

func (r *testResources) Database(ctx context.Context, name string) (dbclient.Connector, error) {
	path, ok := r.dbs[name]
	if !ok {
		return nil, fmt.Errorf("unknown database connection %q", name)
	}
	return dbclient.NewConnector(&domain.DatabaseConnection{Name: name, Driver: domain.DatabaseDriverSQLite, Host: path}, "", r.logger)
}

func (r *testResources) Logger() *zap.Logger { return r.logger }

func readAll(t *testing.T, ep etl.Endpoint) []etl.Record {
	t.Helper()
	recCh, errCh := ep.Read(context.Background())
	var out []etl.Record
	for r := range recCh {
		out = append(out, r)
	}
	require.NoError(t, <-errCh)
	return out
}

func TestRegistry(t *testing.T) {
	var types []string
	for _, s := range List() {
		types = append(types, s.Type)
	}
	assert.Equal(t, []string{etl.TypeDatabase, etl.TypeFeatureLayer, etl.TypeFile}, types)

	_, err := Get("kafka")
	assert.ErrorContains(t, err, "unknown endpoint type")

	_, err = Open(context.Background(), etl.EndpointConfig{Type: etl.TypeDatabase}, &testResources{})
	assert.ErrorContains(t, err, "connection is required")
}

// ── File ───────────────────────────────────────────────────

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0644))
	return path
}

func TestFile_CSV(t *testing.T) {
	path := writeFile(t, "parcels.csv", "id;owner;area\n1;Ann;12.5\n2; Bo ;\n3\n")
	ep, err := Open(context.Background(), etl.EndpointConfig{Type: etl.TypeFile, Path: path, Delimiter: ";"}, &testResources{})
	require.NoError(t, err)
	defer ep.Close()

	schema, err := ep.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"id", "owner", "area"}, schema.FieldNames())

	records := readAll(t, ep)
	require.Len(t, records, 3)
	assert.Equal(t, map[string]any{"id": 1.0, "owner": "Ann", "area": 12.5}, records[0].Data)
	assert.Equal(t, map[string]any{"id": 2.0, "owner": "Bo", "area": nil}, records[1].Data)
	assert.Equal(t, map[string]any{"id": 3.0, "owner": nil, "area": nil}, records[2].Data)
}

func TestFile_JSONWithDataPath(t *testing.T) {
	path := writeFile(t, "export.json", `{"result":{"items":[
		{"id": 1, "name": "Pump", "active": true, "geometry": {"x": 1, "y": 2}},
		{"id": 2, "name": "Valve"}
	]}}`)
	ep, err := Open(context.Background(), etl.EndpointConfig{Type: etl.TypeFile, Path: path, DataPath: "result.items"}, &testResources{})
	require.NoError(t, err)

	schema, err := ep.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []etl.Field{
		{Name: "active", Type: etl.FieldBoolean},
		{Name: "geometry", Type: etl.FieldGeometry},
		{Name: "id", Type: etl.FieldNumber},
		{Name: "name", Type: etl.FieldText},
	}, schema.Fields)
	assert.Len(t, readAll(t, ep), 2)
}

func TestFile_Errors(t *testing.T) {
	ctx := context.Background()

	ep, err := Open(ctx, etl.EndpointConfig{Type: etl.TypeFile, Path: filepath.Join(t.TempDir(), "gone.csv")}, &testResources{})
	require.NoError(t, err)
	_, err = ep.Discover(ctx)
	assert.ErrorIs(t, err, etl.ErrNotFound)

	ep, err = Open(ctx, etl.EndpointConfig{Type: etl.TypeFile, Path: writeFile(t, "x.json", `{"a":1}`), DataPath: "a.b"}, &testResources{})
	require.NoError(t, err)
	_, err = ep.Discover(ctx)
	assert.ErrorContains(t, err, "invalid data path")

	_, isWriter := ep.(etl.Writer)
	assert.False(t, isWriter, "file endpoints are read-only")
}

// ── Database ───────────────────────────────────────────────

func newTableResources(t *testing.T) (*testResources, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gis.db")
	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE parcels (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		parcel_no TEXT NOT NULL,
		area REAL,
		surveyed_date TEXT,
		shape TEXT,
		created TEXT DEFAULT 'now'
	)`)
	require.NoError(t, err)
	for i := 1; i <= 3; i++ {
		_, err = db.Exec(`INSERT INTO parcels (parcel_no, area) VALUES (?, ?)`, fmt.Sprintf("P-%d", i), float64(i*100))
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())
	return &testResources{dbs: map[string]string{"gis": path}, logger: zaptest.NewLogger(t)}, path
}

func TestDatabase_DiscoverAndRead(t *testing.T) {
	res, _ := newTableResources(t)
	ep, err := Open(context.Background(), etl.EndpointConfig{
		Type: etl.TypeDatabase, Connection: "gis", Table: "parcels", Where: "area >= 200", GeometryField: "shape",
	}, res)
	require.NoError(t, err)
	defer ep.Close()

	schema, err := ep.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []etl.Field{
		{Name: "id", Type: etl.FieldNumber},
		{Name: "parcel_no", Type: etl.FieldText},
		{Name: "area", Type: etl.FieldNumber},
		{Name: "surveyed_date", Type: etl.FieldText},
		{Name: "shape", Type: etl.FieldGeometry},
		{Name: "created", Type: etl.FieldText},
	}, schema.Fields)

	records := readAll(t, ep)
	require.Len(t, records, 2)
	assert.Equal(t, "P-2", records[0].Data["parcel_no"])
}

func TestDatabase_MissingTable(t *testing.T) {
	res, _ := newTableResources(t)
	ep, err := Open(context.Background(), etl.EndpointConfig{Type: etl.TypeDatabase, Connection: "gis", Table: "roads"}, res)
	require.NoError(t, err)
	defer ep.Close()

	_, err = ep.Discover(context.Background())
	assert.ErrorIs(t, err, etl.ErrNotFound)
}

func TestDatabase_RejectsUnsafeTableName(t *testing.T) {
	res, _ := newTableResources(t)
	_, err := Open(context.Background(), etl.EndpointConfig{Type: etl.TypeDatabase, Connection: "gis", Table: "parcels--"}, res)
	assert.ErrorContains(t, err, "invalid table name")
}

func TestDatabase_AddOmitsNullColumns(t *testing.T) {
	res, path := newTableResources(t)
	ep, err := Open(context.Background(), etl.EndpointConfig{Type: etl.TypeDatabase, Connection: "gis", Table: "parcels"}, res)
	require.NoError(t, err)
	defer ep.Close()

	w, ok := ep.(etl.Writer)
	require.True(t, ok)
	assert.False(t, w.GeometryOutOfBand())

	wr, err := w.Add(context.Background(), []etl.Feature{
		{Attributes: map[string]any{"id": nil, "parcel_no": "P-9", "area": 50.0, "created": nil}},
		{Attributes: map[string]any{"id": nil, "parcel_no": "P-10", "area": nil, "created": nil}},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, wr.Accepted)

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	defer db.Close()
	var id int
	var created string
	require.NoError(t, db.QueryRow(`SELECT id, created FROM parcels WHERE parcel_no = 'P-10'`).Scan(&id, &created))
	assert.Equal(t, 5, id)
	assert.Equal(t, "now", created)
}

// ── Feature layer ──────────────────────────────────────────

func newPortal(t *testing.T) (*arcgistest.Server, *testResources) {
	t.Helper()
	layer := &arcgistest.Layer{
		ID:   0,
		Name: "Hydrants",
		Fields: []arcgis.Field{
			{Name: "OBJECTID", Type: arcgis.FieldTypeOID},
			{Name: "asset_id", Type: "esriFieldTypeString"},
			{Name: "flow", Type: "esriFieldTypeDouble"},
			{Name: "inspected", Type: arcgis.FieldTypeDate},
		},
		MaxRecordCount: 2,
		Reject:         func(a map[string]any) bool { return a["asset_id"] == "H-bad" },
	}
	for i := 1; i <= 3; i++ {
		layer.Features = append(layer.Features, arcgis.Feature{
			Attributes: map[string]any{"OBJECTID": i, "asset_id": fmt.Sprintf("H-%d", i), "flow": float64(i), "inspected": 1704067200000},
			Geometry:   map[string]any{"x": float64(i), "y": -float64(i)},
		})
	}
	srv := arcgistest.NewServer(t, layer)
	srv.AddItem("4f2e")
	return srv, &testResources{portal: arcgis.New(srv.URL, arcgis.Credentials{}), logger: zaptest.NewLogger(t)}
}

func TestFeatureLayer_DiscoverAndReadAllPages(t *testing.T) {
	srv, res := newPortal(t)
	ep, err := Open(context.Background(), etl.EndpointConfig{Type: etl.TypeFeatureLayer, Item: "4f2e", Layer: "Hydrants"}, res)
	require.NoError(t, err)

	schema, err := ep.Discover(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []etl.Field{
		{Name: "OBJECTID", Type: etl.FieldNumber},
		{Name: "asset_id", Type: etl.FieldText},
		{Name: "flow", Type: etl.FieldNumber},
		{Name: "inspected", Type: etl.FieldDatetime},
		{Name: "geometry", Type: etl.FieldGeometry},
	}, schema.Fields)

	records := readAll(t, ep)
	require.Len(t, records, 3)
	assert.Equal(t, 2, srv.Queries(), "two pages of two")
	assert.Equal(t, "H-1", records[0].Data["asset_id"])
	assert.Equal(t, map[string]any{"x": 1.0, "y": -1.0}, records[0].Data["geometry"])
	inspected, ok := records[0].Data["inspected"].(time.Time)
	require.True(t, ok)
	assert.True(t, inspected.Equal(time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)))
}

func TestFeatureLayer_UnknownLayer(t *testing.T) {
	_, res := newPortal(t)
	ep, err := Open(context.Background(), etl.EndpointConfig{Type: etl.TypeFeatureLayer, Item: "4f2e", Layer: "Valves"}, res)
	require.NoError(t, err)

	_, err = ep.Discover(context.Background())
	assert.ErrorIs(t, err, etl.ErrNotFound)
}

func TestFeatureLayer_AddSendsGeometryAndEditableFields(t *testing.T) {
	srv, res := newPortal(t)
	ep, err := Open(context.Background(), etl.EndpointConfig{Type: etl.TypeFeatureLayer, URL: srv.ServiceURL(), Layer: "Hydrants"}, res)
	require.NoError(t, err)

	w := ep.(etl.Writer)
	assert.True(t, w.GeometryOutOfBand())

	wr, err := w.Add(context.Background(), []etl.Feature{
		{Attributes: map[string]any{"OBJECTID": 99, "asset_id": "H-4", "inspected": "2024-01-02T00:00:00Z", "unknown": "x"}, Geometry: &etl.Point{X: 4, Y: -4}},
		{Attributes: map[string]any{"asset_id": "H-bad"}},
	})
	require.NoError(t, err)
	assert.Equal(t, 1, wr.Accepted)
	require.Len(t, wr.Failures, 1)
	assert.Equal(t, 1, wr.Failures[0].Index)
	assert.Equal(t, 1000, wr.Failures[0].Code)

	stored := srv.Features("Hydrants")
	require.Len(t, stored, 4)
	added := stored[3]
	assert.Equal(t, map[string]any{"asset_id": "H-4", "inspected": float64(1704153600000)}, added.Attributes)
	assert.Equal(t, map[string]any{"x": 4.0, "y": -4.0}, added.Geometry)
}
