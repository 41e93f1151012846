// Package storage persists the broker's durable catalog and conversation
// state: Sources, their parsed Operations, Agents, the AgentSourceLinks
// binding them, and the Messages of each chat. Credentials (internal/
// credentials) and ActionRecords (internal/actionlog) are persisted by
// their own components, each with the same Memory/Postgres split, since
// they have independent lifecycles and access patterns.
package storage

import (
	"context"
	"errors"

	"github.com/haasonsaas/nexus/pkg/models"
)

var (
	ErrNotFound      = errors.New("storage: not found")
	ErrAlreadyExists = errors.New("storage: already exists")
)

// SourceStore persists Sources, scoped by org.
type SourceStore interface {
	Create(ctx context.Context, src *models.Source) error
	Get(ctx context.Context, id string) (*models.Source, error)
	List(ctx context.Context, orgID string) ([]*models.Source, error)
	Update(ctx context.Context, src *models.Source) error
	Delete(ctx context.Context, id string) error
}

// OperationStore persists the Operations a Source's catalog parses into.
// ReplaceForSource is the write path a re-parse of a Source's spec takes:
// the whole Operation set for that Source is swapped atomically, since
// Operation IDs are only stable within one parse, not across them.
type OperationStore interface {
	OperationsForSource(ctx context.Context, sourceID string) ([]models.Operation, error)
	ReplaceForSource(ctx context.Context, sourceID string, ops []models.Operation) error
	Get(ctx context.Context, id string) (*models.Operation, error)
}

// AgentStore persists Agents, scoped by org.
type AgentStore interface {
	Create(ctx context.Context, agent *models.Agent) error
	Get(ctx context.Context, id string) (*models.Agent, error)
	List(ctx context.Context, orgID string) ([]*models.Agent, error)
	Update(ctx context.Context, agent *models.Agent) error
	Delete(ctx context.Context, id string) error
}

// AgentSourceLinkStore persists the bindings between Agents and Sources
// that the Tool Selector (C4) resolves at the start of every Turn.
type AgentSourceLinkStore interface {
	Link(ctx context.Context, link models.AgentSourceLink) error
	Unlink(ctx context.Context, agentID, sourceID string) error
	ForAgent(ctx context.Context, agentID string) ([]models.AgentSourceLink, error)
}

// MessageStore persists a chat's Messages. Append is the only write:
// Messages are immutable once written, matching the "only fully received
// chunks are persisted" rule the Turn orchestrator enforces upstream.
type MessageStore interface {
	Append(ctx context.Context, msg *models.Message) error
	ForChat(ctx context.Context, chatID string) ([]models.Message, error)
}

// StoreSet groups the persistence dependencies the gateway wires at
// startup, so cmd/broker has one value to thread through instead of five.
type StoreSet struct {
	Sources          SourceStore
	Operations       OperationStore
	Agents           AgentStore
	AgentSourceLinks AgentSourceLinkStore
	Messages         MessageStore
	closer           func() error
}

// Close closes any underlying resources (a *sql.DB for Postgres-backed
// sets, a no-op for memory-backed ones).
func (s StoreSet) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
