package dbclient

import (
	"context"
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"layersync/internal/domain"
)

func newSQLiteFixture(t *testing.T, rows int) Connector {
	t.Helper()
	path := filepath.Join(t.TempDir(), "gis.db")

	db, err := sql.Open("sqlite", path)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE hydrants (asset_id TEXT NOT NULL, flow REAL, inspected_at DATETIME, geometry TEXT)`)
	require.NoError(t, err)
	for i := 0; i < rows; i++ {
		_, err = db.Exec(`INSERT INTO hydrants (asset_id, flow) VALUES (?, ?)`, fmt.Sprintf("H-%02d", i), float64(i)*1.5)
		require.NoError(t, err)
	}
	require.NoError(t, db.Close())

	c, err := NewConnector(&domain.DatabaseConnection{Name: "gis", Driver: domain.DatabaseDriverSQLite, Host: path}, "", nil)
	require.NoError(t, err)
	t.Cleanup(func() { c.Close() })
	require.NoError(t, c.TestConnection(context.Background()))
	return c
}

func TestSQLite_Columns(t *testing.T) {
	c := newSQLiteFixture(t, 0)

	cols, err := c.Columns(context.Background(), "hydrants")
	require.NoError(t, err)
	assert.Equal(t, []ColumnInfo{
		{Name: "asset_id", Type: "TEXT"},
		{Name: "flow", Type: "REAL"},
		{Name: "inspected_at", Type: "DATETIME"},
		{Name: "geometry", Type: "TEXT"},
	}, cols)

	_, err = c.Columns(context.Background(), "valves")
	assert.ErrorIs(t, err, ErrTableNotFound)

	_, err = c.Columns(context.Background(), "hydrants; DROP TABLE hydrants")
	assert.ErrorContains(t, err, "invalid table name")
}

func TestSQLite_ExecutePagesThroughCursor(t *testing.T) {
	c := newSQLiteFixture(t, 5)
	ctx := context.Background()

	page, err := c.Execute(ctx, SelectAllQuery(c.Driver(), "hydrants", ""), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"asset_id", "flow", "inspected_at", "geometry"}, page.Columns)
	assert.Len(t, page.Rows, 2)
	assert.True(t, page.HasMore)

	total := len(page.Rows)
	for page.HasMore {
		page, err = c.FetchMore(ctx, 2)
		require.NoError(t, err)
		total += len(page.Rows)
	}
	assert.Equal(t, 5, total)
	assert.Equal(t, 5, page.TotalFetched)

	_, err = c.FetchMore(ctx, 2)
	assert.Error(t, err, "cursor is closed once exhausted")
}

func TestSQLite_ExecuteWithWhere(t *testing.T) {
	c := newSQLiteFixture(t, 5)

	page, err := c.Execute(context.Background(), SelectAllQuery(c.Driver(), "hydrants", "flow > 3"), 10)
	require.NoError(t, err)
	require.Len(t, page.Rows, 2)
	assert.Equal(t, "H-03", page.Rows[0][0])
	assert.Nil(t, page.Rows[0][2])
	assert.False(t, page.HasMore)
}

func TestSQLite_InsertRows(t *testing.T) {
	c := newSQLiteFixture(t, 1)
	ctx := context.Background()

	res, err := c.InsertRows(ctx, "hydrants", []string{"asset_id", "flow"}, [][]any{
		{"H-10", 3.0},
		{"H-11", nil},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, res.Inserted)
	assert.Empty(t, res.Failures)

	page, err := c.Execute(ctx, `SELECT asset_id FROM hydrants ORDER BY asset_id`, 10)
	require.NoError(t, err)
	assert.Equal(t, [][]any{{"H-00"}, {"H-10"}, {"H-11"}}, page.Rows)
}

func TestSQLite_InsertRowsIsAllOrNothing(t *testing.T) {
	c := newSQLiteFixture(t, 0)
	ctx := context.Background()

	_, err := c.InsertRows(ctx, "hydrants", []string{"asset_id"}, [][]any{{"H-01"}, {nil}})
	require.Error(t, err)

	page, err := c.Execute(ctx, `SELECT COUNT(*) FROM hydrants`, 1)
	require.NoError(t, err)
	assert.EqualValues(t, 0, page.Rows[0][0])
}

func TestNewConnector_UnsupportedDriver(t *testing.T) {
	_, err := NewConnector(&domain.DatabaseConnection{Driver: "oracle"}, "", nil)
	assert.ErrorContains(t, err, "unsupported driver")
}

func TestQuoteIdentAndSelect(t *testing.T) {
	assert.Equal(t, `"public"."parcels"`, QuoteIdent(domain.DatabaseDriverPostgres, "public.parcels"))
	assert.Equal(t, "`parcels`", QuoteIdent(domain.DatabaseDriverMySQL, "parcels"))

	assert.Equal(t, `SELECT * FROM "parcels" WHERE zone = 'A'`,
		SelectAllQuery(domain.DatabaseDriverSQLite, "parcels", "zone = 'A'"))
	assert.Equal(t, `{"collection":"parcels","filter":{}}`,
		SelectAllQuery(domain.DatabaseDriverMongoDB, "parcels", ""))

	assert.True(t, ValidTableName("gis.parcels"))
	assert.False(t, ValidTableName("a.b.c"))
	assert.False(t, ValidTableName(`parcels"`))
}

func TestBuildInsert_Placeholders(t *testing.T) {
	pg := &sqlConnector{driver: domain.DatabaseDriverPostgres}
	q, args := pg.buildInsert("parcels", []string{"id", "owner"}, [][]any{{1, "Ann"}, {2}})
	assert.Equal(t, `INSERT INTO "parcels" ("id", "owner") VALUES ($1, $2), ($3, $4)`, q)
	assert.Equal(t, []any{1, "Ann", 2, nil}, args)

	my := &sqlConnector{driver: domain.DatabaseDriverMySQL}
	q, _ = my.buildInsert("parcels", []string{"id"}, [][]any{{1}, {2}})
	assert.Equal(t, "INSERT INTO `parcels` (`id`) VALUES (?), (?)", q)
}

func TestDSNBuilders(t *testing.T) {
	conn := &domain.DatabaseConnection{
		Host:     "db.internal",
		Database: "gis",
		Username: "etl",
		Options:  map[string]string{"connect_timeout": "5"},
	}

	t.Run("postgres", func(t *testing.T) {
		dsn := buildPostgresDSN(conn, "p w'd")
		assert.Equal(t, `host=db.internal port=5432 user=etl password='p w\'d' dbname=gis sslmode=disable connect_timeout=5`, dsn)
	})

	t.Run("mysql", func(t *testing.T) {
		dsn := buildMySQLDSN(conn, "pw")
		assert.Equal(t, "etl:pw@tcp(db.internal:3306)/gis?parseTime=true&charset=utf8mb4&connect_timeout=5", dsn)
	})

	t.Run("mongo", func(t *testing.T) {
		assert.Equal(t, "mongodb://etl:pw@db.internal:27017/?connect_timeout=5", buildMongoURI(conn, "pw"))

		atlas := &domain.DatabaseConnection{Host: "mongodb+srv://etl:<db_password>@cluster0.example.net/"}
		uri := buildMongoURI(atlas, "pw")
		assert.True(t, strings.HasPrefix(uri, "mongodb+srv://etl:pw@"), uri)
	})
}

func TestUnmarshalEJSON(t *testing.T) {
	got, err := unmarshalEJSON(map[string]any{"count": map[string]any{"$numberLong": "42"}})
	require.NoError(t, err)
	assert.Equal(t, int64(42), got["count"])

	got, err = unmarshalEJSON(nil)
	require.NoError(t, err)
	assert.Nil(t, got)
}
