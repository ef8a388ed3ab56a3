package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/kandev/cmdq/internal/command/models"
)

// MemoryRepository keeps records in process memory.
type MemoryRepository struct {
	mu      sync.RWMutex
	records map[string]*models.StatusRecord
}

var _ Repository = (*MemoryRepository)(nil)

// NewMemoryRepository creates an empty in-memory repository.
func NewMemoryRepository() *MemoryRepository {
	return &MemoryRepository{records: make(map[string]*models.StatusRecord)}
}

// Close is a no-op for the in-memory repository.
func (r *MemoryRepository) Close() error {
	return nil
}

func (r *MemoryRepository) SaveCommand(_ context.Context, rec *models.StatusRecord) error {
	if rec == nil {
		return fmt.Errorf("record is nil")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.records[rec.ID] = rec.Clone()
	return nil
}

func (r *MemoryRepository) GetCommand(_ context.Context, id string) (*models.StatusRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	rec, ok := r.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return rec.Clone(), nil
}

func (r *MemoryRepository) ListCommands(_ context.Context) ([]*models.StatusRecord, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	result := make([]*models.StatusRecord, 0, len(r.records))
	for _, rec := range r.records {
		result = append(result, rec.Clone())
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (r *MemoryRepository) DeleteCommand(_ context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.records[id]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	delete(r.records, id)
	return nil
}

func (r *MemoryRepository) DeleteFinishedBefore(_ context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var n int64
	for id, rec := range r.records {
		if rec.State.IsTerminal() && rec.EndedAt != nil && rec.EndedAt.Before(cutoff) {
			delete(r.records, id)
			n++
		}
	}
	return n, nil
}
