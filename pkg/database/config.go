package database

import (
	"database/sql"
	"errors"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

// Config holds database configuration
// ARCHITECTURAL DISCOVERY: Configuration struct provides all database settings
// needed for production deployment without hardcoded values
type Config struct {
	DatabasePath    string        `json:"database_path" env:"DATABASE_PATH"`
	MaxConnections  int           `json:"max_connections" env:"DATABASE_MAX_CONNECTIONS"`
	ConnMaxLifetime time.Duration `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	ConnMaxIdleTime time.Duration `json:"conn_max_idle_time" env:"DATABASE_CONN_MAX_IDLE_TIME"`
	// Empty means the migrations compiled into the binary.
	MigrationsPath string `json:"migrations_path" env:"DATABASE_MIGRATIONS_PATH"`
}

// DefaultConfig returns production-ready database configuration
func DefaultConfig() *Config {
	return &Config{
		DatabasePath:    "./data/communityhub.db",
		MaxConnections:  10, // SQLite recommended limit for concurrent access
		ConnMaxLifetime: time.Hour,
		ConnMaxIdleTime: time.Minute * 10,
	}
}

// Validate ensures the configuration is valid
func (c *Config) Validate() error {
	if c.DatabasePath == "" {
		return errors.New("database path cannot be empty")
	}
	if c.MaxConnections <= 0 {
		return errors.New("max connections must be greater than 0")
	}
	if c.ConnMaxLifetime <= 0 {
		return errors.New("connection max lifetime must be greater than 0")
	}
	if c.ConnMaxIdleTime <= 0 {
		return errors.New("connection max idle time must be greater than 0")
	}
	return nil
}

// ARCHITECTURAL DISCOVERY: WAL mode enables concurrent history reads from the
// HTTP API while the store keeps a single writer
const sqliteOptimizations = `
	PRAGMA journal_mode = WAL;
	PRAGMA synchronous = NORMAL;
	PRAGMA cache_size = -64000;
	PRAGMA temp_store = MEMORY;
	PRAGMA busy_timeout = 5000;
`

// ApplyOptimizations applies the SQLite pragmas to an open handle.
func ApplyOptimizations(db *sql.DB) error {
	_, err := db.Exec(sqliteOptimizations)
	return err
}
