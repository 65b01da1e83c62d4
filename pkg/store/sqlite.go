package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/mattn/go-sqlite3"
)

var sqliteDialect = dialect{
	name: "sqlite",
	createTable: func(table string) []string {
		return []string{
			`CREATE TABLE ` + table + ` (
				id INTEGER PRIMARY KEY AUTOINCREMENT,
				birth_time REAL NOT NULL,
				x REAL NOT NULL,
				y REAL NOT NULL,
				finished INTEGER NOT NULL DEFAULT 0,
				created_at DATETIME NOT NULL
			)`,
			`CREATE INDEX ` + table + `_pending_idx ON ` + table + `(finished, birth_time)`,
		}
	},
}

// SQLiteStore is a SQLite-backed experiment store
type SQLiteStore struct {
	*sqlStore
}

// NewSQLiteStore opens (or creates) the SQLite database at dbPath
func NewSQLiteStore(dbPath string, params Params) (*SQLiteStore, error) {
	// Workers write to the same file from other processes:
	// - _journal_mode=WAL: readers don't block the writer
	// - _busy_timeout=10000: wait up to 10 seconds when the database is locked
	// - _txlock=immediate: acquire the write lock at transaction start
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=10000&_synchronous=NORMAL&_txlock=immediate", dbPath)

	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Single writer for SQLite to avoid lock contention
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &SQLiteStore{sqlStore: newSQLStore(db, sqliteDialect, params)}, nil
}
