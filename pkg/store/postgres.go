package store

import (
	"database/sql"
	"fmt"
	"time"

	_ "github.com/lib/pq"
)

var postgresDialect = dialect{
	name:     "postgres",
	numbered: true,
	createTable: func(table string) []string {
		return []string{
			`CREATE TABLE ` + table + ` (
				id BIGSERIAL PRIMARY KEY,
				birth_time DOUBLE PRECISION NOT NULL,
				x DOUBLE PRECISION NOT NULL,
				y DOUBLE PRECISION NOT NULL,
				finished SMALLINT NOT NULL DEFAULT 0,
				created_at TIMESTAMP NOT NULL
			)`,
			`CREATE INDEX ` + table + `_pending_idx ON ` + table + `(finished, birth_time)`,
		}
	},
}

// PostgreSQLStore is a PostgreSQL-backed experiment store
type PostgreSQLStore struct {
	*sqlStore
}

// NewPostgreSQLStore connects to PostgreSQL using a lib/pq DSN
func NewPostgreSQLStore(dsn string, params Params) (*PostgreSQLStore, error) {
	if dsn == "" {
		return nil, fmt.Errorf("PostgreSQL DSN is required")
	}

	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// The supervisor only polls; workers hold their own pools
	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)
	db.SetConnMaxIdleTime(1 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &PostgreSQLStore{sqlStore: newSQLStore(db, postgresDialect, params)}, nil
}
