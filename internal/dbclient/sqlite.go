package dbclient

import (
	"layersync/internal/domain"

	_ "modernc.org/sqlite"
)

// newSQLiteConnector creates a connector for an external SQLite file.
// The modernc driver takes pragmas as _pragma query parameters.
func newSQLiteConnector(conn *domain.DatabaseConnection) (*sqlConnector, error) {
	dsn := conn.Host
	if dsn != ":memory:" {
		dsn += "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
	}
	return newSQLConnector(domain.DatabaseDriverSQLite, "sqlite", dsn)
}
