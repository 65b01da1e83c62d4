package store

import (
	"context"
	"sync"
	"time"

	"github.com/psantana5/ec14-supervisor/pkg/models"
)

// MemoryStore is an in-memory store for tests and dry runs. It is not
// shared with worker processes.
type MemoryStore struct {
	mu          sync.RWMutex
	params      Params
	schema      bool
	individuals []models.Individual
	nextID      int64
	closed      bool
}

// NewMemoryStore creates a new in-memory store
func NewMemoryStore(params Params) *MemoryStore {
	return &MemoryStore{params: params, nextID: 1}
}

func (s *MemoryStore) DropSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schema = false
	s.individuals = nil
	return nil
}

func (s *MemoryStore) CreateSchema(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.schema = true
	return nil
}

func (s *MemoryStore) CreateIndividual(ctx context.Context, birth, x, y float64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.schema {
		return ErrSchemaMissing
	}
	s.individuals = append(s.individuals, models.Individual{
		ID:        s.nextID,
		BirthTime: birth,
		X:         x,
		Y:         y,
		CreatedAt: time.Now().UTC(),
	})
	s.nextID++
	return nil
}

func (s *MemoryStore) GetUnfinishedCount(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.schema {
		return 0, ErrSchemaMissing
	}
	count := 0
	for _, ind := range s.individuals {
		if !ind.Finished && ind.BirthTime < s.params.EndTime {
			count++
		}
	}
	return count, nil
}

func (s *MemoryStore) CountIndividuals(ctx context.Context) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.schema {
		return 0, ErrSchemaMissing
	}
	return len(s.individuals), nil
}

func (s *MemoryStore) ListIndividuals(ctx context.Context) ([]models.Individual, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if !s.schema {
		return nil, ErrSchemaMissing
	}
	out := make([]models.Individual, len(s.individuals))
	copy(out, s.individuals)
	return out, nil
}

// FinishAll marks every individual finished, standing in for the workers.
func (s *MemoryStore) FinishAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := range s.individuals {
		s.individuals[i].Finished = true
	}
}

// HasSchema reports whether CreateSchema ran since the last DropSchema
func (s *MemoryStore) HasSchema() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.schema
}

func (s *MemoryStore) Params() Params {
	return s.params
}

func (s *MemoryStore) HealthCheck(ctx context.Context) error {
	return nil
}

func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// IsClosed reports whether Close was called
func (s *MemoryStore) IsClosed() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.closed
}
