package brokerapi

import (
	"sync"

	"github.com/haasonsaas/nexus/internal/pagination"
	"github.com/haasonsaas/nexus/internal/value"
	"github.com/haasonsaas/nexus/pkg/models"
)

// paginationEntry is the live PageCache for one series of POST
// /tools/paginate calls, plus the argument overrides the next
// fetchNextPage must apply. §6's paginate request carries no
// ToolInvocation id, so the series is keyed on tenant plus the addressed
// Operation rather than on a live Turn.
type paginationEntry struct {
	cache *models.PageCache
	next  pagination.NextArgs
}

// paginationRegistry is the broker's process-lifetime substitute for the
// per-ToolInvocation PageCache: entries are never persisted and vanish on
// restart, matching "lives only for the user's viewing session."
type paginationRegistry struct {
	mu      sync.Mutex
	entries map[string]*paginationEntry
}

func newPaginationRegistry() *paginationRegistry {
	return &paginationRegistry{entries: make(map[string]*paginationEntry)}
}

func (r *paginationRegistry) get(key string) (*paginationEntry, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.entries[key]
	return e, ok
}

func (r *paginationRegistry) put(key string, e *paginationEntry) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[key] = e
}

func (r *paginationRegistry) delete(key string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, key)
}

// mergeArgs layers overrides (pagination cursor/offset/page fields) onto a
// caller's base input, overrides winning on key collision.
func mergeArgs(base value.Value, overrides map[string]value.Value) value.Value {
	fields := make(map[string]value.Value, len(base.Keys())+len(overrides))
	for _, k := range base.Keys() {
		v, _ := base.Get(k)
		fields[k] = v
	}
	for k, v := range overrides {
		fields[k] = v
	}
	return value.Obj(fields)
}
