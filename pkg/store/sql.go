package store

import (
	"context"
	"database/sql"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/psantana5/ec14-supervisor/pkg/models"
)

// dialect captures the few statements that differ between SQL backends.
type dialect struct {
	name        string
	createTable func(table string) []string
	// numbered placeholders ($1, $2) instead of ?
	numbered bool
}

// sqlStore implements Store on database/sql. The SQLite, PostgreSQL and
// MySQL stores are sqlStores with different dialects and connection setup.
type sqlStore struct {
	db      *sql.DB
	dialect dialect
	table   string
	params  Params
}

func newSQLStore(db *sql.DB, d dialect, params Params) *sqlStore {
	return &sqlStore{
		db:      db,
		dialect: d,
		table:   TableName(params.Experiment),
		params:  params,
	}
}

// rebind converts ? placeholders for dialects that number them
func (s *sqlStore) rebind(query string) string {
	if !s.dialect.numbered {
		return query
	}
	var b strings.Builder
	n := 0
	for _, r := range query {
		if r == '?' {
			n++
			b.WriteString("$" + strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// DropSchema removes the experiment's individuals table
func (s *sqlStore) DropSchema(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, "DROP TABLE IF EXISTS "+s.table); err != nil {
		return fmt.Errorf("failed to drop %s: %w", s.table, err)
	}
	return nil
}

// CreateSchema creates the experiment's individuals table
func (s *sqlStore) CreateSchema(ctx context.Context) error {
	for _, stmt := range s.dialect.createTable(s.table) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to create schema (%s): %w", s.dialect.name, err)
		}
	}
	return nil
}

// CreateIndividual inserts one unfinished individual
func (s *sqlStore) CreateIndividual(ctx context.Context, birth, x, y float64) error {
	_, err := s.db.ExecContext(ctx, s.rebind(
		"INSERT INTO "+s.table+" (birth_time, x, y, finished, created_at) VALUES (?, ?, ?, 0, ?)"),
		birth, x, y, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("failed to create individual: %w", err)
	}
	return nil
}

// GetUnfinishedCount counts individuals born before the end time that
// the workers have not finished yet
func (s *sqlStore) GetUnfinishedCount(ctx context.Context) (int, error) {
	var count int
	err := s.db.QueryRowContext(ctx, s.rebind(
		"SELECT COUNT(*) FROM "+s.table+" WHERE finished = 0 AND birth_time < ?"),
		s.params.EndTime).Scan(&count)
	if err != nil {
		return 0, fmt.Errorf("failed to count unfinished individuals: %w", err)
	}
	return count, nil
}

// CountIndividuals counts all individuals
func (s *sqlStore) CountIndividuals(ctx context.Context) (int, error) {
	var count int
	if err := s.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM "+s.table).Scan(&count); err != nil {
		return 0, fmt.Errorf("failed to count individuals: %w", err)
	}
	return count, nil
}

// ListIndividuals returns all individuals ordered by id
func (s *sqlStore) ListIndividuals(ctx context.Context) ([]models.Individual, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, birth_time, x, y, finished, created_at FROM "+s.table+" ORDER BY id")
	if err != nil {
		return nil, fmt.Errorf("failed to list individuals: %w", err)
	}
	defer rows.Close()

	var individuals []models.Individual
	for rows.Next() {
		var ind models.Individual
		var finished int
		if err := rows.Scan(&ind.ID, &ind.BirthTime, &ind.X, &ind.Y, &finished, &ind.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan individual: %w", err)
		}
		ind.Finished = finished != 0
		individuals = append(individuals, ind)
	}
	return individuals, rows.Err()
}

// Params returns the parameters the store was opened with
func (s *sqlStore) Params() Params {
	return s.params
}

// HealthCheck verifies the database connection is alive
func (s *sqlStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database connection
func (s *sqlStore) Close() error {
	return s.db.Close()
}
