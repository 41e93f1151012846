package credentials

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/nexus/internal/brokererr"
	"github.com/haasonsaas/nexus/pkg/models"
)

func sourceLookup(kind models.AuthKind) SourceLookup {
	return func(_ context.Context, sourceID string) (*models.Source, error) {
		return &models.Source{ID: sourceID, Name: "stripe", AuthKind: kind}, nil
	}
}

func TestResolveReturnsActiveCredential(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Upsert(t.Context(), &models.Credential{UserID: "u1", SourceID: "s1", Token: "tok"}))

	r := New(store, sourceLookup(models.AuthBearer))
	cred, err := r.Resolve(t.Context(), "org1", "u1", "s1")
	require.NoError(t, err)
	require.Equal(t, "tok", cred.Token)
}

func TestResolveMissingCredentialIsBrokererr(t *testing.T) {
	store := NewMemoryStore()
	r := New(store, sourceLookup(models.AuthBearer))

	_, err := r.Resolve(t.Context(), "org1", "u1", "s1")
	require.Error(t, err)
	require.True(t, brokererr.Is(err, brokererr.MissingCredentials))
}

func TestResolveAuthNoneMissingCredentialIsNotAnError(t *testing.T) {
	store := NewMemoryStore()
	r := New(store, sourceLookup(models.AuthNone))

	cred, err := r.Resolve(t.Context(), "org1", "u1", "s1")
	require.NoError(t, err)
	require.Nil(t, cred)
}

func TestUpsertDeactivatesPriorCredential(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Upsert(t.Context(), &models.Credential{UserID: "u1", SourceID: "s1", Token: "old"}))
	require.NoError(t, store.Upsert(t.Context(), &models.Credential{UserID: "u1", SourceID: "s1", Token: "new"}))

	cred, err := store.ActiveFor(t.Context(), "u1", "s1")
	require.NoError(t, err)
	require.Equal(t, "new", cred.Token)
}

func TestRevokeClearsActiveCredential(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Upsert(t.Context(), &models.Credential{UserID: "u1", SourceID: "s1", Token: "tok"}))
	require.NoError(t, store.Revoke(t.Context(), "u1", "s1"))

	_, err := store.ActiveFor(t.Context(), "u1", "s1")
	require.ErrorIs(t, err, ErrNotFound)
}

func TestResolveCachesWithinTTL(t *testing.T) {
	store := &countingStore{MemoryStore: NewMemoryStore()}
	require.NoError(t, store.Upsert(t.Context(), &models.Credential{UserID: "u1", SourceID: "s1", Token: "tok"}))

	r := New(store, sourceLookup(models.AuthBearer), WithCache(time.Minute))
	_, err := r.Resolve(t.Context(), "org1", "u1", "s1")
	require.NoError(t, err)
	_, err = r.Resolve(t.Context(), "org1", "u1", "s1")
	require.NoError(t, err)

	require.Equal(t, 1, store.calls)
}

func TestResolveCacheKeyIsScopedPerOrg(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Upsert(t.Context(), &models.Credential{UserID: "u1", SourceID: "s1", Token: "tok"}))

	r := New(store, sourceLookup(models.AuthBearer), WithCache(time.Minute))
	_, err := r.Resolve(t.Context(), "org-a", "u1", "s1")
	require.NoError(t, err)

	require.NoError(t, store.Revoke(t.Context(), "u1", "s1"))
	_, err = r.Resolve(t.Context(), "org-b", "u1", "s1")
	require.Error(t, err)
}

func TestInvalidateClearsCacheEntry(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Upsert(t.Context(), &models.Credential{UserID: "u1", SourceID: "s1", Token: "tok"}))

	r := New(store, sourceLookup(models.AuthBearer), WithCache(time.Minute))
	_, err := r.Resolve(t.Context(), "org1", "u1", "s1")
	require.NoError(t, err)

	require.NoError(t, store.Revoke(t.Context(), "u1", "s1"))
	r.Invalidate("org1", "u1", "s1")

	_, err = r.Resolve(t.Context(), "org1", "u1", "s1")
	require.True(t, brokererr.Is(err, brokererr.MissingCredentials))
}

type countingStore struct {
	*MemoryStore
	calls int
}

func (s *countingStore) ActiveFor(ctx context.Context, userID, sourceID string) (*models.Credential, error) {
	s.calls++
	return s.MemoryStore.ActiveFor(ctx, userID, sourceID)
}
