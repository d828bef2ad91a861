package dbclient

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	"layersync/internal/domain"
)

// sqlConnector is the shared implementation for MySQL, Postgres, and SQLite.
type sqlConnector struct {
	driver domain.DatabaseDriver
	db     *sql.DB

	mu         sync.Mutex
	activeRows *sql.Rows
	lastAccess time.Time
	columns    []string
	fetched    int
}

// newSQLConnector creates a generic SQL connector.
func newSQLConnector(driver domain.DatabaseDriver, driverName, dsn string) (*sqlConnector, error) {
	db, err := sql.Open(driverName, dsn)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", driverName, err)
	}
	db.SetMaxOpenConns(5)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(10 * time.Minute)

	return &sqlConnector{driver: driver, db: db}, nil
}

func (c *sqlConnector) Driver() domain.DatabaseDriver { return c.driver }

func (c *sqlConnector) TestConnection(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	return c.db.PingContext(ctx)
}

func (c *sqlConnector) Execute(ctx context.Context, query string, fetchSize int) (*QueryPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	// Close any previously open cursor
	c.closeCursorLocked()

	if fetchSize <= 0 {
		fetchSize = 50
	}

	// The cursor lives on ctx; a derived timeout would cut it off between pages.
	rows, err := c.db.QueryContext(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query: %w", err)
	}

	cols, err := rows.Columns()
	if err != nil {
		rows.Close()
		return nil, fmt.Errorf("columns: %w", err)
	}

	c.activeRows = rows
	c.columns = cols
	c.fetched = 0
	c.lastAccess = time.Now()

	return c.fetchBatchLocked(fetchSize)
}

func (c *sqlConnector) FetchMore(ctx context.Context, fetchSize int) (*QueryPage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.activeRows == nil {
		return nil, fmt.Errorf("no active cursor, execute a query first")
	}
	if err := ctx.Err(); err != nil {
		c.closeCursorLocked()
		return nil, err
	}
	if fetchSize <= 0 {
		fetchSize = 50
	}
	c.lastAccess = time.Now()
	return c.fetchBatchLocked(fetchSize)
}

// fetchBatchLocked reads up to fetchSize rows from the active cursor.
// Must be called while holding c.mu.
func (c *sqlConnector) fetchBatchLocked(fetchSize int) (*QueryPage, error) {
	var resultRows [][]any
	numCols := len(c.columns)

	for i := 0; i < fetchSize; i++ {
		if !c.activeRows.Next() {
			break
		}
		values := make([]any, numCols)
		ptrs := make([]any, numCols)
		for j := range values {
			ptrs[j] = &values[j]
		}
		if err := c.activeRows.Scan(ptrs...); err != nil {
			c.closeCursorLocked()
			return nil, fmt.Errorf("scan row: %w", err)
		}

		row := make([]any, numCols)
		for j, v := range values {
			row[j] = formatValue(v)
		}
		resultRows = append(resultRows, row)
	}

	c.fetched += len(resultRows)

	// Check for iteration errors before the cursor is released.
	if err := c.activeRows.Err(); err != nil {
		c.closeCursorLocked()
		return nil, fmt.Errorf("iterate: %w", err)
	}

	hasMore := true
	if len(resultRows) < fetchSize {
		hasMore = false
		c.closeCursorLocked()
	}

	return &QueryPage{
		Columns:      c.columns,
		Rows:         resultRows,
		TotalFetched: c.fetched,
		HasMore:      hasMore,
	}, nil
}

// formatValue converts driver values to plain Go scalars.
func formatValue(v any) any {
	if v == nil {
		return nil
	}
	switch val := v.(type) {
	case []byte:
		return string(val)
	case time.Time:
		return val.UTC().Format(time.RFC3339)
	default:
		return val
	}
}

// ── Columns ────────────────────────────────────────────────

func (c *sqlConnector) Columns(ctx context.Context, table string) ([]ColumnInfo, error) {
	if !ValidTableName(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	var (
		cols []ColumnInfo
		err  error
	)
	switch c.driver {
	case domain.DatabaseDriverSQLite:
		cols, err = c.sqliteColumns(ctx, table)
	default:
		cols, err = c.infoSchemaColumns(ctx, table)
	}
	if err != nil {
		return nil, err
	}
	if len(cols) == 0 {
		return nil, fmt.Errorf("%s: %w", table, ErrTableNotFound)
	}
	return cols, nil
}

// sqliteColumns uses PRAGMA table_info.
func (c *sqlConnector) sqliteColumns(ctx context.Context, table string) ([]ColumnInfo, error) {
	schema, name := splitTable(table)
	pragma := "PRAGMA table_info(" + QuoteIdent(c.driver, name) + ")"
	if schema != "" {
		pragma = "PRAGMA " + QuoteIdent(c.driver, schema) + ".table_info(" + QuoteIdent(c.driver, name) + ")"
	}
	rows, err := c.db.QueryContext(ctx, pragma)
	if err != nil {
		return nil, fmt.Errorf("table info: %w", err)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var cid int
		var name, colType string
		var notNull, pk int
		var dfltValue sql.NullString
		if err := rows.Scan(&cid, &name, &colType, &notNull, &dfltValue, &pk); err != nil {
			return nil, fmt.Errorf("scan table info: %w", err)
		}
		cols = append(cols, ColumnInfo{Name: name, Type: colType})
	}
	return cols, rows.Err()
}

// infoSchemaColumns works for MySQL and Postgres via INFORMATION_SCHEMA.
func (c *sqlConnector) infoSchemaColumns(ctx context.Context, table string) ([]ColumnInfo, error) {
	schema, name := splitTable(table)

	var query string
	args := []any{name}
	switch {
	case c.driver == domain.DatabaseDriverPostgres && schema != "":
		query = `SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_name = $1 AND table_schema = $2 ORDER BY ordinal_position`
		args = append(args, schema)
	case c.driver == domain.DatabaseDriverPostgres:
		query = `SELECT column_name, data_type FROM information_schema.columns
		 WHERE table_name = $1 AND table_schema = current_schema() ORDER BY ordinal_position`
	case schema != "":
		query = `SELECT COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS
		 WHERE TABLE_NAME = ? AND TABLE_SCHEMA = ? ORDER BY ORDINAL_POSITION`
		args = append(args, schema)
	default:
		query = `SELECT COLUMN_NAME, DATA_TYPE FROM INFORMATION_SCHEMA.COLUMNS
		 WHERE TABLE_NAME = ? AND TABLE_SCHEMA = DATABASE() ORDER BY ORDINAL_POSITION`
	}

	rows, err := c.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list columns: %w", err)
	}
	defer rows.Close()

	var cols []ColumnInfo
	for rows.Next() {
		var ci ColumnInfo
		if err := rows.Scan(&ci.Name, &ci.Type); err != nil {
			return nil, fmt.Errorf("scan column: %w", err)
		}
		cols = append(cols, ci)
	}
	return cols, rows.Err()
}

// ── Insert ─────────────────────────────────────────────────

func (c *sqlConnector) InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (*InsertResult, error) {
	if len(rows) == 0 {
		return &InsertResult{}, nil
	}
	if !ValidTableName(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}

	query, args := c.buildInsert(table, columns, rows)

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("insert into %s: %w", table, err)
	}
	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	inserted := len(rows)
	if n, err := res.RowsAffected(); err == nil {
		inserted = int(n)
	}
	return &InsertResult{Inserted: inserted}, nil
}

// buildInsert renders one multi-row INSERT with driver placeholders.
func (c *sqlConnector) buildInsert(table string, columns []string, rows [][]any) (string, []any) {
	quoted := make([]string, len(columns))
	for i, col := range columns {
		quoted[i] = QuoteIdent(c.driver, col)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "INSERT INTO %s (%s) VALUES ", QuoteIdent(c.driver, table), strings.Join(quoted, ", "))

	args := make([]any, 0, len(rows)*len(columns))
	n := 0
	for i, row := range rows {
		if i > 0 {
			b.WriteString(", ")
		}
		b.WriteByte('(')
		for j := range columns {
			if j > 0 {
				b.WriteString(", ")
			}
			n++
			b.WriteString(c.placeholder(n))
			var v any
			if j < len(row) {
				v = row[j]
			}
			args = append(args, v)
		}
		b.WriteByte(')')
	}
	return b.String(), args
}

func (c *sqlConnector) placeholder(n int) string {
	if c.driver == domain.DatabaseDriverPostgres {
		return fmt.Sprintf("$%d", n)
	}
	return "?"
}

func (c *sqlConnector) Close() error {
	c.mu.Lock()
	c.closeCursorLocked()
	c.mu.Unlock()
	return c.db.Close()
}

func (c *sqlConnector) closeCursorLocked() {
	if c.activeRows != nil {
		c.activeRows.Close()
		c.activeRows = nil
	}
}
