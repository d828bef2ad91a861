package domain

// DatabaseDriver represents the type of database engine.
type DatabaseDriver string

const (
	DatabaseDriverMySQL    DatabaseDriver = "mysql"
	DatabaseDriverPostgres DatabaseDriver = "postgres"
	DatabaseDriverMongoDB  DatabaseDriver = "mongodb"
	DatabaseDriverSQLite   DatabaseDriver = "sqlite"
)

// Valid reports whether d is a supported driver.
func (d DatabaseDriver) Valid() bool {
	switch d {
	case DatabaseDriverMySQL, DatabaseDriverPostgres, DatabaseDriverMongoDB, DatabaseDriverSQLite:
		return true
	}
	return false
}

// DatabaseConnection holds the metadata for connecting to an external database.
// The password is resolved separately through a secret store.
type DatabaseConnection struct {
	Name     string         `yaml:"-" json:"name"`
	Driver   DatabaseDriver `yaml:"driver" json:"driver"`
	Host     string         `yaml:"host" json:"host"`                             // hostname or file path (sqlite)
	Port     int            `yaml:"port,omitempty" json:"port,omitempty"`         // 0 for sqlite
	Database string         `yaml:"database,omitempty" json:"database,omitempty"` // db name or empty for sqlite
	Username string         `yaml:"username,omitempty" json:"username,omitempty"`
	SSLMode  string         `yaml:"ssl_mode,omitempty" json:"sslMode,omitempty"`

	// Options are driver-specific DSN query parameters.
	Options map[string]string `yaml:"options,omitempty" json:"options,omitempty"`

	// PasswordSecret names the secret holding the password.
	PasswordSecret string `yaml:"password_secret,omitempty" json:"passwordSecret,omitempty"`
}

// PortalConnection describes an ArcGIS portal and how to authenticate to it.
type PortalConnection struct {
	Name     string `yaml:"-" json:"name"`
	URL      string `yaml:"url" json:"url"`
	Username string `yaml:"username,omitempty" json:"username,omitempty"`

	// PasswordSecret and TokenSecret name secrets; a token takes precedence.
	PasswordSecret string `yaml:"password_secret,omitempty" json:"passwordSecret,omitempty"`
	TokenSecret    string `yaml:"token_secret,omitempty" json:"tokenSecret,omitempty"`
}
