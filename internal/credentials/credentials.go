// Package credentials implements the Credential Resolver (C1): looking up
// the calling user's active secret for a bound upstream Source.
package credentials

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/brokererr"
	"github.com/haasonsaas/nexus/pkg/models"
)

// ErrNotFound is returned by a Store when no credential row matches.
var ErrNotFound = errors.New("credentials: not found")

// Store persists Credentials. At most one active row may exist per
// (user, Source) at any time; Store implementations enforce this on write
// rather than relying on callers to check first.
type Store interface {
	// ActiveFor returns the active Credential for (userID, sourceID), or
	// ErrNotFound if none exists.
	ActiveFor(ctx context.Context, userID, sourceID string) (*models.Credential, error)
	// Upsert replaces the active Credential for (cred.UserID, cred.SourceID),
	// deactivating any prior one. cred.Active is forced true.
	Upsert(ctx context.Context, cred *models.Credential) error
	// Revoke deactivates the active Credential for (userID, sourceID), if any.
	Revoke(ctx context.Context, userID, sourceID string) error
}

// SourceLookup resolves a Source by id, used only to read AuthKind so
// Resolve can tell "no credential needed" apart from "credential missing".
type SourceLookup func(ctx context.Context, sourceID string) (*models.Source, error)

// Resolver is the Credential Resolver (C1) entry point.
type Resolver struct {
	store  Store
	source SourceLookup
	cache  *ttlCache
}

// Option configures a Resolver.
type Option func(*Resolver)

// WithCache enables a short-TTL per-request cache. A zero or negative ttl
// disables caching (the default).
func WithCache(ttl time.Duration) Option {
	return func(r *Resolver) {
		if ttl > 0 {
			r.cache = newTTLCache(ttl)
		}
	}
}

// New constructs a Resolver backed by store, consulting sourceLookup to
// decide whether a missing credential is an error for a given Source.
func New(store Store, sourceLookup SourceLookup, opts ...Option) *Resolver {
	r := &Resolver{store: store, source: sourceLookup}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Resolve looks up the caller's active Credential for sourceID, keyed by
// (orgID, userID, sourceID) so a cross-tenant cache-key collision is
// structurally impossible rather than merely unlikely. Returns
// brokererr.MissingCredentials when the Source's authKind requires a
// credential and none is active.
func (r *Resolver) Resolve(ctx context.Context, orgID, userID, sourceID string) (*models.Credential, error) {
	key := cacheKey(orgID, userID, sourceID)
	if r.cache != nil {
		if cred, ok := r.cache.Get(key); ok {
			return cred, nil
		}
	}

	cred, err := r.store.ActiveFor(ctx, userID, sourceID)
	switch {
	case err == nil:
		if r.cache != nil {
			r.cache.Set(key, cred)
		}
		return cred, nil
	case errors.Is(err, ErrNotFound):
		if r.source == nil {
			return nil, brokererr.New(brokererr.MissingCredentials, fmt.Errorf("no active credential for source %s", sourceID))
		}
		src, srcErr := r.source(ctx, sourceID)
		if srcErr != nil {
			return nil, brokererr.New(brokererr.Internal, fmt.Errorf("resolve source for credential lookup: %w", srcErr))
		}
		if src.AuthKind == models.AuthNone {
			return nil, nil
		}
		return nil, brokererr.New(brokererr.MissingCredentials, fmt.Errorf("source %s requires authKind %s, no active credential", src.Name, src.AuthKind)).WithSource(src.Name)
	default:
		return nil, brokererr.New(brokererr.Internal, fmt.Errorf("resolve credential: %w", err))
	}
}

// Invalidate clears any cached entry for (orgID, userID, sourceID),
// called after Upsert/Revoke so a stale cache hit never outlives a write.
func (r *Resolver) Invalidate(orgID, userID, sourceID string) {
	if r.cache != nil {
		r.cache.Delete(cacheKey(orgID, userID, sourceID))
	}
}

func cacheKey(orgID, userID, sourceID string) string {
	return orgID + "\x00" + userID + "\x00" + sourceID
}

// ttlCache is a small, per-request-scoped cache of resolved Credentials.
// Deliberately minimal compared to a general LRU: credential lookups are
// rare and short-lived within a single Turn, so a plain map with lazy
// expiry checks on read is sufficient.
type ttlCache struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[string]cacheEntry
}

type cacheEntry struct {
	cred    *models.Credential
	expires time.Time
}

func newTTLCache(ttl time.Duration) *ttlCache {
	return &ttlCache{ttl: ttl, entries: make(map[string]cacheEntry)}
}

func (c *ttlCache) Get(key string) (*models.Credential, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	entry, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if time.Now().After(entry.expires) {
		delete(c.entries, key)
		return nil, false
	}
	return entry.cred, true
}

func (c *ttlCache) Set(key string, cred *models.Credential) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = cacheEntry{cred: cred, expires: time.Now().Add(c.ttl)}
}

func (c *ttlCache) Delete(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
}
