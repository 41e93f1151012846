package actionlog

import (
	"context"
	"sort"
	"sync"

	"github.com/haasonsaas/nexus/pkg/models"
)

// MemoryStore is an in-memory, append-only Store used for tests and local
// development.
type MemoryStore struct {
	mu      sync.RWMutex
	records []*models.ActionRecord
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Record(_ context.Context, rec *models.ActionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

func (s *MemoryStore) List(_ context.Context, filter Filter) ([]*models.ActionRecord, int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	matched := make([]*models.ActionRecord, 0, len(s.records))
	for _, rec := range s.records {
		if filter.OrgID != "" && rec.OrgID != filter.OrgID {
			continue
		}
		if filter.Status != "" && rec.Status != filter.Status {
			continue
		}
		matched = append(matched, rec)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	total := len(matched)
	limit := filter.Limit
	if limit <= 0 {
		limit = total
	}
	offset := filter.Offset
	if offset > total {
		offset = total
	}
	end := offset + limit
	if end > total {
		end = total
	}
	return matched[offset:end], total, nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*models.ActionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, rec := range s.records {
		if rec.ID == id {
			return rec, nil
		}
	}
	return nil, ErrNotFound
}
