package credentials

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/pkg/models"
)

// MemoryStore is an in-memory Store used for tests and local development.
type MemoryStore struct {
	mu   sync.Mutex
	rows map[string]*models.Credential // keyed by userID+"\x00"+sourceID, active only
}

// NewMemoryStore constructs an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{rows: make(map[string]*models.Credential)}
}

func (s *MemoryStore) ActiveFor(_ context.Context, userID, sourceID string) (*models.Credential, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cred, ok := s.rows[rowKey(userID, sourceID)]
	if !ok {
		return nil, ErrNotFound
	}
	copied := *cred
	return &copied, nil
}

func (s *MemoryStore) Upsert(_ context.Context, cred *models.Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if cred.ID == "" {
		cred.ID = uuid.NewString()
	}
	cred.Active = true
	copied := *cred
	s.rows[rowKey(cred.UserID, cred.SourceID)] = &copied
	return nil
}

func (s *MemoryStore) Revoke(_ context.Context, userID, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rows, rowKey(userID, sourceID))
	return nil
}

func rowKey(userID, sourceID string) string {
	return userID + "\x00" + sourceID
}
