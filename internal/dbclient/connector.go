package dbclient

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"go.uber.org/zap"

	"layersync/internal/domain"
)

// ErrTableNotFound is returned when a table or collection does not exist.
var ErrTableNotFound = errors.New("table not found")

// QueryPage is a batch of rows fetched from a query cursor.
type QueryPage struct {
	Columns      []string `json:"columns"`
	Rows         [][]any  `json:"rows"`
	TotalFetched int      `json:"totalFetched"` // total rows fetched so far
	HasMore      bool     `json:"hasMore"`      // cursor has more rows
}

// ColumnInfo describes a column/field.
type ColumnInfo struct {
	Name string `json:"name"`
	Type string `json:"type"`
}

// RowFailure is a row the database refused during InsertRows.
type RowFailure struct {
	Index   int    `json:"index"`
	Code    int    `json:"code,omitempty"`
	Message string `json:"message"`
}

// InsertResult summarizes an InsertRows call.
type InsertResult struct {
	Inserted int          `json:"inserted"`
	Failures []RowFailure `json:"failures,omitempty"`
}

// Connector abstracts interaction with an external database.
type Connector interface {
	// TestConnection verifies connectivity.
	TestConnection(ctx context.Context) error

	// Driver reports the database engine.
	Driver() domain.DatabaseDriver

	// Execute runs a read query and returns the first batch of rows.
	// The cursor stays open on ctx until exhausted or Close is called.
	Execute(ctx context.Context, query string, fetchSize int) (*QueryPage, error)

	// FetchMore continues reading from the open cursor.
	FetchMore(ctx context.Context, fetchSize int) (*QueryPage, error)

	// Columns returns the ordered columns of table, or ErrTableNotFound.
	Columns(ctx context.Context, table string) ([]ColumnInfo, error)

	// InsertRows appends rows to table. SQL engines insert all rows in one
	// transaction or none; document stores may report per-row failures.
	InsertRows(ctx context.Context, table string, columns []string, rows [][]any) (*InsertResult, error)

	// Close closes the connection and any open cursors.
	Close() error
}

// NewConnector creates a Connector for the given database connection.
// The password must be provided separately (from a secret store).
func NewConnector(conn *domain.DatabaseConnection, password string, logger *zap.Logger) (Connector, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch conn.Driver {
	case domain.DatabaseDriverSQLite:
		return newSQLiteConnector(conn)
	case domain.DatabaseDriverMySQL:
		return newSQLConnector(domain.DatabaseDriverMySQL, "mysql", buildMySQLDSN(conn, password))
	case domain.DatabaseDriverPostgres:
		return newSQLConnector(domain.DatabaseDriverPostgres, "postgres", buildPostgresDSN(conn, password))
	case domain.DatabaseDriverMongoDB:
		return newMongoConnector(conn, password, logger)
	default:
		return nil, fmt.Errorf("unsupported driver: %s", conn.Driver)
	}
}

var identPattern = regexp.MustCompile(`^[A-Za-z_][A-Za-z0-9_]*(\.[A-Za-z_][A-Za-z0-9_]*)?$`)

// ValidTableName reports whether name is a plain or schema-qualified identifier.
func ValidTableName(name string) bool {
	return identPattern.MatchString(name)
}

// QuoteIdent quotes a (possibly schema-qualified) identifier for driver.
func QuoteIdent(driver domain.DatabaseDriver, name string) string {
	q := `"`
	if driver == domain.DatabaseDriverMySQL {
		q = "`"
	}
	parts := strings.Split(name, ".")
	for i, p := range parts {
		parts[i] = q + strings.ReplaceAll(p, q, q+q) + q
	}
	return strings.Join(parts, ".")
}

// SelectAllQuery builds the query that reads every row of table.
// For MongoDB it is the JSON find document understood by Execute.
func SelectAllQuery(driver domain.DatabaseDriver, table, where string) string {
	if driver == domain.DatabaseDriverMongoDB {
		if where == "" {
			where = "{}"
		}
		return fmt.Sprintf(`{"collection":%q,"filter":%s}`, table, where)
	}
	q := "SELECT * FROM " + QuoteIdent(driver, table)
	if where != "" {
		q += " WHERE " + where
	}
	return q
}

// splitTable separates an optional schema prefix from a table name.
func splitTable(table string) (schema, name string) {
	if i := strings.LastIndex(table, "."); i >= 0 {
		return table[:i], table[i+1:]
	}
	return "", table
}
