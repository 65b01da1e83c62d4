package store

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"
)

func newTestSQLite(t *testing.T, experiment string, endTime float64) *SQLiteStore {
	t.Helper()
	path := filepath.Join(t.TempDir(), "ec14.db")
	s, err := NewSQLiteStore(path, Params{ConnString: "sqlite://" + path, Experiment: experiment, EndTime: endTime})
	if err != nil {
		t.Fatalf("Failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// TestSQLiteSchemaLifecycle tests drop-then-create and population counts
func TestSQLiteSchemaLifecycle(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t, "walkers", 10)

	if err := s.DropSchema(ctx); err != nil {
		t.Fatalf("DropSchema on empty database: %v", err)
	}
	if err := s.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}

	births := []float64{0, 2.5, 9.9999, 10, 15}
	for _, b := range births {
		if err := s.CreateIndividual(ctx, b, 1.25, 0.5); err != nil {
			t.Fatalf("CreateIndividual(%v): %v", b, err)
		}
	}

	total, err := s.CountIndividuals(ctx)
	if err != nil {
		t.Fatalf("CountIndividuals: %v", err)
	}
	if total != len(births) {
		t.Errorf("Expected %d individuals, got %d", len(births), total)
	}

	// Births at or after the end time never count as unfinished
	unfinished, err := s.GetUnfinishedCount(ctx)
	if err != nil {
		t.Fatalf("GetUnfinishedCount: %v", err)
	}
	if unfinished != 3 {
		t.Errorf("Expected 3 unfinished, got %d", unfinished)
	}

	individuals, err := s.ListIndividuals(ctx)
	if err != nil {
		t.Fatalf("ListIndividuals: %v", err)
	}
	if individuals[1].BirthTime != 2.5 || individuals[1].X != 1.25 || individuals[1].Finished {
		t.Errorf("Unexpected individual: %+v", individuals[1])
	}

	// Recreating the schema wipes the population
	if err := s.DropSchema(ctx); err != nil {
		t.Fatalf("DropSchema: %v", err)
	}
	if err := s.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}
	total, err = s.CountIndividuals(ctx)
	if err != nil || total != 0 {
		t.Errorf("Expected empty table after recreate, got %d (%v)", total, err)
	}
}

// TestSQLiteFinishedIndividualsNotCounted simulates a worker finishing individuals
func TestSQLiteFinishedIndividualsNotCounted(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t, "walkers", 100)

	if err := s.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}
	for i := 0; i < 4; i++ {
		if err := s.CreateIndividual(ctx, float64(i), 0, 0); err != nil {
			t.Fatalf("CreateIndividual: %v", err)
		}
	}

	if _, err := s.db.Exec("UPDATE " + s.table + " SET finished = 1 WHERE birth_time < 2"); err != nil {
		t.Fatalf("update: %v", err)
	}

	unfinished, err := s.GetUnfinishedCount(ctx)
	if err != nil {
		t.Fatalf("GetUnfinishedCount: %v", err)
	}
	if unfinished != 2 {
		t.Errorf("Expected 2 unfinished, got %d", unfinished)
	}
}

// TestSQLiteExperimentsAreIsolated checks that dropping one experiment leaves another alone
func TestSQLiteExperimentsAreIsolated(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "shared.db")

	a, err := NewSQLiteStore(path, Params{Experiment: "alpha", EndTime: 10})
	if err != nil {
		t.Fatalf("open alpha: %v", err)
	}
	defer a.Close()
	b, err := NewSQLiteStore(path, Params{Experiment: "beta", EndTime: 10})
	if err != nil {
		t.Fatalf("open beta: %v", err)
	}
	defer b.Close()

	for _, s := range []*SQLiteStore{a, b} {
		if err := s.CreateSchema(ctx); err != nil {
			t.Fatalf("CreateSchema: %v", err)
		}
		if err := s.CreateIndividual(ctx, 1, 1, 1); err != nil {
			t.Fatalf("CreateIndividual: %v", err)
		}
	}

	if err := a.DropSchema(ctx); err != nil {
		t.Fatalf("DropSchema alpha: %v", err)
	}
	if n, err := b.CountIndividuals(ctx); err != nil || n != 1 {
		t.Errorf("beta should be untouched, got %d (%v)", n, err)
	}
}

// TestSQLiteConcurrentInserts mirrors workers writing while the supervisor polls
func TestSQLiteConcurrentInserts(t *testing.T) {
	ctx := context.Background()
	s := newTestSQLite(t, "concurrent", 1000)
	if err := s.CreateSchema(ctx); err != nil {
		t.Fatalf("CreateSchema: %v", err)
	}

	n := 25
	var wg sync.WaitGroup
	errs := make(chan error, 2*n)
	for i := 0; i < n; i++ {
		wg.Add(2)
		go func(idx int) {
			defer wg.Done()
			if err := s.CreateIndividual(ctx, float64(idx), 0, 0); err != nil {
				errs <- fmt.Errorf("insert %d: %w", idx, err)
			}
		}(i)
		go func() {
			defer wg.Done()
			if _, err := s.GetUnfinishedCount(ctx); err != nil {
				errs <- err
			}
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		t.Errorf("Concurrent access error: %v", err)
	}

	if total, _ := s.CountIndividuals(ctx); total != n {
		t.Errorf("Expected %d individuals, got %d", n, total)
	}
}

func TestOpen(t *testing.T) {
	dir := t.TempDir()

	tests := []struct {
		conn    string
		wantErr error
		kind    string
	}{
		{"sqlite://" + filepath.Join(dir, "a.db"), nil, "*store.SQLiteStore"},
		{filepath.Join(dir, "b.db"), nil, "*store.SQLiteStore"},
		{"memory://", nil, "*store.MemoryStore"},
		{"oracle://scott:tiger@db", ErrUnsupportedDatabase, ""},
		{"not-a-connection-string", ErrUnsupportedDatabase, ""},
	}

	for _, tt := range tests {
		t.Run(tt.conn, func(t *testing.T) {
			s, err := Open(tt.conn, "walkers", 10, 5)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("Open(%q) error = %v, want %v", tt.conn, err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("Open(%q): %v", tt.conn, err)
			}
			defer s.Close()

			if got := fmt.Sprintf("%T", s); got != tt.kind {
				t.Errorf("Open(%q) returned %s, want %s", tt.conn, got, tt.kind)
			}
			p := s.Params()
			if p.ConnString != tt.conn || p.Experiment != "walkers" || p.EndTime != 10 || p.MaxAge != 5 {
				t.Errorf("unexpected params: %+v", p)
			}
		})
	}
}

func TestTableName(t *testing.T) {
	tests := map[string]string{
		"walkers":        "walkers_individuals",
		"EC14 Run-2":     "ec14_run_2_individuals",
		"2024-flat":      "exp_2024_flat_individuals",
		"; DROP TABLE x": "drop_table_x_individuals",
		"":               "exp__individuals",
	}
	for in, want := range tests {
		if got := TableName(in); got != want {
			t.Errorf("TableName(%q) = %q, want %q", in, got, want)
		}
	}
}
