package dbclient

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"layersync/internal/domain"

	_ "github.com/lib/pq"
)

// buildPostgresDSN constructs a Postgres connection string from a DatabaseConnection.
func buildPostgresDSN(conn *domain.DatabaseConnection, password string) string {
	port := conn.Port
	if port == 0 {
		port = 5432
	}
	sslMode := conn.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	parts := []string{
		"host=" + quoteDSNValue(conn.Host),
		fmt.Sprintf("port=%d", port),
		"user=" + quoteDSNValue(conn.Username),
		"password=" + quoteDSNValue(password),
		"dbname=" + quoteDSNValue(conn.Database),
		"sslmode=" + quoteDSNValue(sslMode),
	}
	for _, k := range sortedKeys(conn.Options) {
		parts = append(parts, k+"="+quoteDSNValue(conn.Options[k]))
	}
	return strings.Join(parts, " ")
}

// quoteDSNValue quotes a key/value DSN value when it is empty or contains
// spaces, quotes or backslashes.
func quoteDSNValue(v string) string {
	if v != "" && !strings.ContainsAny(v, ` '\`) {
		return v
	}
	v = strings.ReplaceAll(v, `\`, `\\`)
	v = strings.ReplaceAll(v, `'`, `\'`)
	return "'" + v + "'"
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func encodeOptions(m map[string]string) string {
	v := url.Values{}
	for k, val := range m {
		v.Set(k, val)
	}
	return v.Encode()
}
