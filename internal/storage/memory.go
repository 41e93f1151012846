package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/haasonsaas/nexus/pkg/models"
)

// MemorySourceStore is an in-memory SourceStore, suitable for tests and
// single-process deployments.
type MemorySourceStore struct {
	mu      sync.RWMutex
	sources map[string]*models.Source
}

func NewMemorySourceStore() *MemorySourceStore {
	return &MemorySourceStore{sources: make(map[string]*models.Source)}
}

func (s *MemorySourceStore) Create(ctx context.Context, src *models.Source) error {
	if src == nil || src.ID == "" {
		return fmt.Errorf("source is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sources[src.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *src
	s.sources[src.ID] = &cp
	return nil
}

func (s *MemorySourceStore) Get(ctx context.Context, id string) (*models.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	src, ok := s.sources[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *src
	return &cp, nil
}

func (s *MemorySourceStore) List(ctx context.Context, orgID string) ([]*models.Source, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Source, 0, len(s.sources))
	for _, src := range s.sources {
		if orgID != "" && src.OrgID != orgID {
			continue
		}
		cp := *src
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemorySourceStore) Update(ctx context.Context, src *models.Source) error {
	if src == nil || src.ID == "" {
		return fmt.Errorf("source is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sources[src.ID]; !exists {
		return ErrNotFound
	}
	cp := *src
	s.sources[src.ID] = &cp
	return nil
}

func (s *MemorySourceStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.sources[id]; !exists {
		return ErrNotFound
	}
	delete(s.sources, id)
	return nil
}

// MemoryOperationStore is an in-memory OperationStore, keyed by sourceID.
type MemoryOperationStore struct {
	mu     sync.RWMutex
	byID   map[string]models.Operation
	source map[string][]string // sourceID -> ordered operation IDs
}

func NewMemoryOperationStore() *MemoryOperationStore {
	return &MemoryOperationStore{
		byID:   make(map[string]models.Operation),
		source: make(map[string][]string),
	}
}

func (s *MemoryOperationStore) OperationsForSource(ctx context.Context, sourceID string) ([]models.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.source[sourceID]
	out := make([]models.Operation, 0, len(ids))
	for _, id := range ids {
		out = append(out, s.byID[id])
	}
	return out, nil
}

// ReplaceForSource swaps the entire Operation set for sourceID in one
// call, matching a catalog re-parse where prior Operation IDs are
// discarded wholesale rather than diffed.
func (s *MemoryOperationStore) ReplaceForSource(ctx context.Context, sourceID string, ops []models.Operation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, old := range s.source[sourceID] {
		delete(s.byID, old)
	}
	ids := make([]string, 0, len(ops))
	for _, op := range ops {
		s.byID[op.ID] = op
		ids = append(ids, op.ID)
	}
	s.source[sourceID] = ids
	return nil
}

func (s *MemoryOperationStore) Get(ctx context.Context, id string) (*models.Operation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	op, ok := s.byID[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := op
	return &cp, nil
}

// MemoryAgentStore is an in-memory AgentStore.
type MemoryAgentStore struct {
	mu     sync.RWMutex
	agents map[string]*models.Agent
}

func NewMemoryAgentStore() *MemoryAgentStore {
	return &MemoryAgentStore{agents: make(map[string]*models.Agent)}
}

func (s *MemoryAgentStore) Create(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agent.ID]; exists {
		return ErrAlreadyExists
	}
	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}

func (s *MemoryAgentStore) Get(ctx context.Context, id string) (*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	agent, ok := s.agents[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *agent
	return &cp, nil
}

func (s *MemoryAgentStore) List(ctx context.Context, orgID string) ([]*models.Agent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]*models.Agent, 0, len(s.agents))
	for _, agent := range s.agents {
		if orgID != "" && agent.OrgID != orgID {
			continue
		}
		cp := *agent
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryAgentStore) Update(ctx context.Context, agent *models.Agent) error {
	if agent == nil || agent.ID == "" {
		return fmt.Errorf("agent is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[agent.ID]; !exists {
		return ErrNotFound
	}
	cp := *agent
	s.agents[agent.ID] = &cp
	return nil
}

func (s *MemoryAgentStore) Delete(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.agents[id]; !exists {
		return ErrNotFound
	}
	delete(s.agents, id)
	return nil
}

// MemoryAgentSourceLinkStore is an in-memory AgentSourceLinkStore.
type MemoryAgentSourceLinkStore struct {
	mu    sync.RWMutex
	links map[string]models.AgentSourceLink // agentID+"\x00"+sourceID -> link
}

func NewMemoryAgentSourceLinkStore() *MemoryAgentSourceLinkStore {
	return &MemoryAgentSourceLinkStore{links: make(map[string]models.AgentSourceLink)}
}

func linkKey(agentID, sourceID string) string {
	return agentID + "\x00" + sourceID
}

func (s *MemoryAgentSourceLinkStore) Link(ctx context.Context, link models.AgentSourceLink) error {
	if link.AgentID == "" || link.SourceID == "" {
		return fmt.Errorf("agentId and sourceId are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.links[linkKey(link.AgentID, link.SourceID)] = link
	return nil
}

func (s *MemoryAgentSourceLinkStore) Unlink(ctx context.Context, agentID, sourceID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := linkKey(agentID, sourceID)
	if _, exists := s.links[key]; !exists {
		return ErrNotFound
	}
	delete(s.links, key)
	return nil
}

func (s *MemoryAgentSourceLinkStore) ForAgent(ctx context.Context, agentID string) ([]models.AgentSourceLink, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []models.AgentSourceLink
	for _, link := range s.links {
		if link.AgentID == agentID {
			out = append(out, link)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SourceID < out[j].SourceID })
	return out, nil
}

// MemoryMessageStore is an in-memory MessageStore, ordered by append order
// within each chat (which Append always preserves, since Messages are
// only ever appended in CreatedAt order by the caller).
type MemoryMessageStore struct {
	mu     sync.RWMutex
	byChat map[string][]models.Message
}

func NewMemoryMessageStore() *MemoryMessageStore {
	return &MemoryMessageStore{byChat: make(map[string][]models.Message)}
}

func (s *MemoryMessageStore) Append(ctx context.Context, msg *models.Message) error {
	if msg == nil || msg.ChatID == "" {
		return fmt.Errorf("message with chatId is required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.byChat[msg.ChatID] = append(s.byChat[msg.ChatID], *msg)
	return nil
}

func (s *MemoryMessageStore) ForChat(ctx context.Context, chatID string) ([]models.Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.byChat[chatID]
	out := make([]models.Message, len(msgs))
	copy(out, msgs)
	return out, nil
}

// NewMemoryStores constructs a StoreSet backed entirely by memory.
func NewMemoryStores() StoreSet {
	return StoreSet{
		Sources:          NewMemorySourceStore(),
		Operations:       NewMemoryOperationStore(),
		Agents:           NewMemoryAgentStore(),
		AgentSourceLinks: NewMemoryAgentSourceLinkStore(),
		Messages:         NewMemoryMessageStore(),
	}
}
