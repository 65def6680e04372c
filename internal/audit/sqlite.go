package audit

import (
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// NewSQLiteStore opens a pure-Go SQLite-backed audit Store, suitable
// for local development and tests, at the given file path (or
// ":memory:" for an ephemeral store).
func NewSQLiteStore(path string) (Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// modernc.org/sqlite does not support concurrent writers on a
	// single connection; cap the pool at one to avoid "database is
	// locked" under concurrent tool calls.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	return newSQLStore(db, dialectSQLite)
}
