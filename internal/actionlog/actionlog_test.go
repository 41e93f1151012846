package actionlog

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/nexus/internal/audit"
	"github.com/haasonsaas/nexus/pkg/models"
)

func TestRecordDispatchWritesAndListsNewestFirst(t *testing.T) {
	store := NewMemoryStore()
	auditLogger, err := audit.NewLogger(audit.Config{Enabled: false})
	require.NoError(t, err)
	log := New(store, auditLogger, nil)

	first := &models.ActionRecord{ID: "rec1", OrgID: "org1", Status: models.ActionCompleted, CreatedAt: time.Now().Add(-time.Minute)}
	second := &models.ActionRecord{ID: "rec2", OrgID: "org1", Status: models.ActionCompleted, CreatedAt: time.Now()}

	require.NoError(t, log.RecordDispatch(t.Context(), first))
	require.NoError(t, log.RecordDispatch(t.Context(), second))

	records, total, err := log.List(t.Context(), Filter{OrgID: "org1"})
	require.NoError(t, err)
	require.Equal(t, 2, total)
	require.Equal(t, "rec2", records[0].ID)
	require.Equal(t, "rec1", records[1].ID)
}

func TestListFiltersByStatus(t *testing.T) {
	store := NewMemoryStore()
	log := New(store, nil, nil)

	require.NoError(t, log.RecordDispatch(t.Context(), &models.ActionRecord{ID: "rec1", OrgID: "org1", Status: models.ActionFailed, CreatedAt: time.Now()}))
	require.NoError(t, log.RecordDispatch(t.Context(), &models.ActionRecord{ID: "rec2", OrgID: "org1", Status: models.ActionCompleted, CreatedAt: time.Now()}))

	records, total, err := log.List(t.Context(), Filter{OrgID: "org1", Status: models.ActionFailed})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, "rec1", records[0].ID)
}

func TestListRespectsLimitAndOffset(t *testing.T) {
	store := NewMemoryStore()
	log := New(store, nil, nil)

	for i := 0; i < 5; i++ {
		require.NoError(t, log.RecordDispatch(t.Context(), &models.ActionRecord{
			ID: uuidFor(i), OrgID: "org1", Status: models.ActionCompleted, CreatedAt: time.Now().Add(time.Duration(i) * time.Second),
		}))
	}

	records, total, err := log.List(t.Context(), Filter{OrgID: "org1", Limit: 2, Offset: 1})
	require.NoError(t, err)
	require.Equal(t, 5, total)
	require.Len(t, records, 2)
}

func TestRecordDispatchTruncatesOversizedResponseBody(t *testing.T) {
	store := NewMemoryStore()
	log := New(store, nil, nil)

	huge := make([]byte, responseBodyCap+500)
	for i := range huge {
		huge[i] = 'a'
	}
	rec := &models.ActionRecord{ID: "rec1", OrgID: "org1", Status: models.ActionCompleted, ResponseBody: string(huge), CreatedAt: time.Now()}
	require.NoError(t, log.RecordDispatch(t.Context(), rec))

	stored, err := store.Get(t.Context(), "rec1")
	require.NoError(t, err)
	require.Len(t, stored.ResponseBody, responseBodyCap)
}

func TestMemoryStoreGetMissReturnsNotFound(t *testing.T) {
	store := NewMemoryStore()
	_, err := store.Get(context.Background(), "missing")
	require.ErrorIs(t, err, ErrNotFound)
}

func uuidFor(i int) string {
	return "rec-" + string(rune('a'+i))
}
