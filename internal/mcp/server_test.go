package mcpserver

import (
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	_ "modernc.org/sqlite"

	"layersync/internal/config"
	"layersync/internal/domain"
	"layersync/internal/etl"
	"layersync/internal/service"
	"layersync/internal/storage"
)

func newTestServer(t *testing.T) (*Server, string) {
	t.Helper()
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "parcels.csv")
	dbPath := filepath.Join(dir, "target.db")
	require.NoError(t, os.WriteFile(csvPath, []byte("parcel_id,owner\nA1,Ann\nB2,Bo\n"), 0644))

	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	_, err = db.Exec(`CREATE TABLE parcels (parcel_id TEXT, owner TEXT)`)
	require.NoError(t, err)
	_, err = db.Exec(`INSERT INTO parcels VALUES ('A1', 'Ann')`)
	require.NoError(t, err)
	require.NoError(t, db.Close())

	store, err := storage.New(filepath.Join(dir, "runs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	cfg := config.DefaultConfig()
	cfg.Databases["target"] = domain.DatabaseConnection{Name: "target", Driver: domain.DatabaseDriverSQLite, Host: dbPath}
	cfg.Jobs = []etl.SyncJob{{
		Name:        "parcels",
		Source:      etl.EndpointConfig{Type: etl.TypeFile, Path: csvPath},
		Destination: etl.EndpointConfig{Type: etl.TypeDatabase, Connection: "target", Table: "parcels"},
		Keys:        []string{"parcel_id"},
	}}

	svc := service.NewSyncService(service.Options{
		Config:  cfg,
		Runs:    storage.NewRunLogStore(store),
		Emitter: &service.MockEmitter{},
	})
	return New(Deps{Sync: svc}), dbPath
}

func callRequest(args map[string]any) mcp.CallToolRequest {
	var req mcp.CallToolRequest
	req.Params.Arguments = args
	return req
}

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	require.NotNil(t, res)
	require.Len(t, res.Content, 1)
	tc, ok := res.Content[0].(mcp.TextContent)
	require.True(t, ok)
	return tc.Text
}

func countRows(t *testing.T, dbPath string) int {
	t.Helper()
	db, err := sql.Open("sqlite", dbPath)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM parcels`).Scan(&n))
	return n
}

func TestListSyncJobs(t *testing.T) {
	s, _ := newTestServer(t)

	res, err := s.handleListSyncJobs(context.Background(), callRequest(nil))
	require.NoError(t, err)

	var jobs []jobSummary
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &jobs))
	require.Len(t, jobs, 1)
	assert.Equal(t, "parcels", jobs[0].Name)
	assert.Equal(t, "database:target/parcels", jobs[0].Destination)
	assert.Equal(t, []string{"parcel_id"}, jobs[0].Keys)
}

func TestListEndpointTypes(t *testing.T) {
	s, _ := newTestServer(t)

	res, err := s.handleListEndpointTypes(context.Background(), callRequest(nil))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), `"featurelayer"`)
}

func TestPreviewSync(t *testing.T) {
	s, dbPath := newTestServer(t)

	res, err := s.handlePreviewSync(context.Background(), callRequest(map[string]any{"jobName": "parcels"}))
	require.NoError(t, err)

	var preview service.PreviewResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &preview))
	assert.Equal(t, 1, preview.Summary.SourceOnly)
	require.Len(t, preview.Records, 1)
	assert.Equal(t, "B2", preview.Records[0].Data["parcel_id"])
	assert.Equal(t, 1, countRows(t, dbPath))
}

func TestPreviewSync_RequiresJob(t *testing.T) {
	s, _ := newTestServer(t)
	_, err := s.handlePreviewSync(context.Background(), callRequest(map[string]any{}))
	assert.ErrorContains(t, err, "jobName or jobJSON is required")
}

func TestRunSyncJob_NeedsConfirmToWrite(t *testing.T) {
	s, dbPath := newTestServer(t)
	ctx := context.Background()

	res, err := s.handleRunSyncJob(ctx, callRequest(map[string]any{"jobName": "parcels"}))
	require.NoError(t, err)
	assert.Contains(t, resultText(t, res), "confirm=true")
	assert.Equal(t, 1, countRows(t, dbPath))

	res, err = s.handleRunSyncJob(ctx, callRequest(map[string]any{"jobName": "parcels", "confirm": true}))
	require.NoError(t, err)

	var result etl.SyncResult
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &result))
	assert.Equal(t, etl.StatusSuccess, result.Status)
	assert.Equal(t, 1, result.Accepted)
	assert.Equal(t, 2, countRows(t, dbPath))

	res, err = s.handleListSyncRuns(ctx, callRequest(map[string]any{"jobName": "parcels", "limit": float64(5)}))
	require.NoError(t, err)
	var runs []etl.SyncRunLog
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &runs))
	require.Len(t, runs, 2)
	assert.Equal(t, "success", runs[0].Status)
	assert.Equal(t, "dry_run", runs[1].Status)
}

func TestRunIDFromURI(t *testing.T) {
	assert.Equal(t, "abc-123", runIDFromURI("layersync://runs/abc-123"))
	assert.Empty(t, runIDFromURI("layersync://runs/abc/extra"))
	assert.Empty(t, runIDFromURI("notes://page/1/blocks"))
}

func TestCheckConnections(t *testing.T) {
	s, _ := newTestServer(t)

	res, err := s.handleCheckConnections(context.Background(), callRequest(nil))
	require.NoError(t, err)

	var statuses []service.ConnectionStatus
	require.NoError(t, json.Unmarshal([]byte(resultText(t, res)), &statuses))
	require.Len(t, statuses, 1)
	assert.Equal(t, "target", statuses[0].Name)
	assert.True(t, statuses[0].OK, statuses[0].Error)
}
