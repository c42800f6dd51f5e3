package sqlstore

import (
	"database/sql"
	_ "embed"
	"fmt"
	"strings"
)

//go:embed schema_postgres.sql
var postgresSchema string

//go:embed schema_sqlite.sql
var sqliteSchema string

// dialect captures what differs between the supported databases. Both
// accept $n placeholders, savepoints and ON CONFLICT upserts.
type dialect struct {
	name      string
	driver    string
	schema    string
	forUpdate string
	// singleConn serializes every transaction on one connection, which is
	// how sqlite provides the root lock.
	singleConn bool
	// snapshot opens the read-only transaction behind Store.Snapshot. Nil
	// takes the driver default.
	snapshot *sql.TxOptions
}

var dialects = map[string]dialect{
	"postgres": {name: "postgres", driver: "postgres", schema: postgresSchema, forUpdate: " FOR UPDATE",
		snapshot: &sql.TxOptions{Isolation: sql.LevelRepeatableRead, ReadOnly: true}},
	"sqlite":   {name: "sqlite", driver: "sqlite3", schema: sqliteSchema, singleConn: true},
}

func dialectFor(name string) (dialect, error) {
	switch strings.ToLower(strings.TrimSpace(name)) {
	case "postgres", "postgresql", "pq":
		return dialects["postgres"], nil
	case "sqlite", "sqlite3":
		return dialects["sqlite"], nil
	}
	return dialect{}, fmt.Errorf("unsupported database driver %q", name)
}
