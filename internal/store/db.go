// Package store persists the last known room lists and sync checkpoints in a
// per-session SQLite database so a restarted daemon can render before the
// first bulk fetch completes.
package store

import (
	"database/sql"
	"fmt"
	"net/url"

	_ "github.com/mattn/go-sqlite3"
)

// DB wraps the session's rooms.db connection.
type DB struct {
	*sql.DB
	path string
}

// Open opens (creating if needed) the database at path in WAL mode. Writers
// share one connection: the reconciler and logout never interleave statements.
func Open(path string) (*DB, error) {
	q := url.Values{}
	q.Set("_journal_mode", "WAL")
	q.Set("_busy_timeout", "5000")
	q.Set("_synchronous", "NORMAL")
	q.Set("_foreign_keys", "on")
	db, err := sql.Open("sqlite3", "file:"+path+"?"+q.Encode())
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	db.SetMaxOpenConns(1)
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db %s: %w", path, err)
	}
	return &DB{DB: db, path: path}, nil
}

// Path returns the database file path.
func (db *DB) Path() string {
	return db.path
}

// Close folds the WAL back into the main file and closes the connection.
func (db *DB) Close() error {
	if _, err := db.Exec("PRAGMA wal_checkpoint(TRUNCATE)"); err != nil {
		_ = db.DB.Close()
		return fmt.Errorf("checkpoint %s: %w", db.path, err)
	}
	return db.DB.Close()
}
