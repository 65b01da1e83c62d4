package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
)

var mysqlDialect = dialect{
	name: "mysql",
	createTable: func(table string) []string {
		return []string{
			`CREATE TABLE ` + table + ` (
				id BIGINT AUTO_INCREMENT PRIMARY KEY,
				birth_time DOUBLE NOT NULL,
				x DOUBLE NOT NULL,
				y DOUBLE NOT NULL,
				finished TINYINT NOT NULL DEFAULT 0,
				created_at DATETIME(6) NOT NULL,
				INDEX ` + table + `_pending_idx (finished, birth_time)
			)`,
		}
	},
}

// MySQLStore is a MySQL-backed experiment store
type MySQLStore struct {
	*sqlStore
}

// NewMySQLStore connects to MySQL using a go-sql-driver DSN
// (user:pass@tcp(host:3306)/db).
func NewMySQLStore(dsn string, params Params) (*MySQLStore, error) {
	cfg, err := mysql.ParseDSN(dsn)
	if err != nil {
		return nil, fmt.Errorf("invalid MySQL DSN: %w", err)
	}
	// created_at is scanned into time.Time
	cfg.ParseTime = true
	cfg.Loc = time.UTC

	connector, err := mysql.NewConnector(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to create MySQL connector: %w", err)
	}
	db := sql.OpenDB(connector)

	db.SetMaxOpenConns(4)
	db.SetMaxIdleConns(2)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}

	return &MySQLStore{sqlStore: newSQLStore(db, mysqlDialect, params)}, nil
}
