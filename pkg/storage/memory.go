package storage

import (
	"sync"

	"svs-binarizer/pkg/models"
)

// MemoryBuilder keeps records in memory. It backs dry runs and tests.
type MemoryBuilder struct {
	records   []*models.Record
	finalized bool
	abandoned bool
	mu        sync.RWMutex
}

func NewMemoryBuilder() *MemoryBuilder {
	return &MemoryBuilder{}
}

func (s *MemoryBuilder) AddItem(rec *models.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return ErrFinalized
	}
	if err := rec.Validate(); err != nil {
		return err
	}
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryBuilder) Finalize() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return ErrFinalized
	}
	s.finalized = true
	return nil
}

func (s *MemoryBuilder) Abandon() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.finalized {
		return ErrFinalized
	}
	s.finalized = true
	s.abandoned = true
	s.records = nil
	return nil
}

// Finalized reports whether the builder was sealed successfully.
func (s *MemoryBuilder) Finalized() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.finalized && !s.abandoned
}

func (s *MemoryBuilder) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}

func (s *MemoryBuilder) Get(idx int) (*models.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if idx < 0 || idx >= len(s.records) {
		return nil, ErrRecordNotFound
	}
	return s.records[idx], nil
}

// Names lists record names in write order.
func (s *MemoryBuilder) Names() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()

	names := make([]string, len(s.records))
	for i, r := range s.records {
		names[i] = r.Name
	}
	return names
}
