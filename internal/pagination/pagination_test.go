package pagination

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/nexus/internal/value"
	"github.com/haasonsaas/nexus/pkg/models"
)

func TestDetectCursorFamily(t *testing.T) {
	body := value.Obj(map[string]value.Value{
		"data": value.Arr([]value.Value{
			value.Obj(map[string]value.Value{"id": value.Str("ch_1")}),
			value.Obj(map[string]value.Value{"id": value.Str("ch_2")}),
		}),
		"has_more": value.Bool(true),
	})
	next := Detect(body, value.Obj(nil))
	require.Equal(t, FamilyCursor, next.Family)
	require.True(t, next.HasMore)
	startingAfter := next.Args["starting_after"]
	require.Equal(t, "ch_2", startingAfter.Str())
}

func TestDetectOffsetLimitFamily(t *testing.T) {
	args := value.Obj(map[string]value.Value{"limit": value.Num(2), "offset": value.Num(0)})
	body := value.Obj(map[string]value.Value{
		"items": value.Arr([]value.Value{value.Str("a"), value.Str("b")}),
	})
	next := Detect(body, args)
	require.Equal(t, FamilyOffsetLimit, next.Family)
	require.True(t, next.HasMore)
	require.Equal(t, float64(2), next.Args["offset"].Num())
}

func TestDetectOffsetLimitExhausted(t *testing.T) {
	args := value.Obj(map[string]value.Value{"limit": value.Num(5), "offset": value.Num(0)})
	body := value.Obj(map[string]value.Value{
		"items": value.Arr([]value.Value{value.Str("a"), value.Str("b")}),
	})
	next := Detect(body, args)
	require.False(t, next.HasMore)
}

func TestDetectPageNumberFamily(t *testing.T) {
	args := value.Obj(map[string]value.Value{"page": value.Num(1)})
	body := value.Obj(map[string]value.Value{
		"total_pages": value.Num(3),
	})
	next := Detect(body, args)
	require.Equal(t, FamilyPageNumber, next.Family)
	require.True(t, next.HasMore)
	require.Equal(t, float64(2), next.Args["page"].Num())
}

func TestDetectPageNumberLastPage(t *testing.T) {
	args := value.Obj(map[string]value.Value{"page": value.Num(3)})
	body := value.Obj(map[string]value.Value{"total_pages": value.Num(3)})
	next := Detect(body, args)
	require.False(t, next.HasMore)
}

func TestDetectNoFamilyMatches(t *testing.T) {
	body := value.Obj(map[string]value.Value{"ok": value.Bool(true)})
	next := Detect(body, value.Obj(nil))
	require.Equal(t, FamilyNone, next.Family)
	require.False(t, next.HasMore)
}

func TestFetchNextPageAppendsAndReleasesSlot(t *testing.T) {
	cache := models.NewPageCache()
	calls := 0
	fetch := func(_ context.Context, _ map[string]value.Value) (value.Value, error) {
		calls++
		return value.Obj(map[string]value.Value{
			"data": value.Arr([]value.Value{
				value.Obj(map[string]value.Value{"id": value.Str("x1")}),
			}),
			"has_more": value.Bool(false),
		}), nil
	}

	next, ok, err := FetchNextPage(context.Background(), cache, NextArgs{Args: map[string]value.Value{}}, fetch)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, next.HasMore)
	require.Equal(t, 1, calls)
	require.Equal(t, 1, cache.CachedPages())
	require.False(t, cache.HasMore)
}

func TestFetchNextPageRejectsConcurrentFetch(t *testing.T) {
	cache := models.NewPageCache()
	require.True(t, cache.TryBeginFetch())

	fetch := func(_ context.Context, _ map[string]value.Value) (value.Value, error) {
		t.Fatal("fetch should not be called while a fetch is in flight")
		return value.Null(), nil
	}
	_, ok, err := FetchNextPage(context.Background(), cache, NextArgs{}, fetch)
	require.NoError(t, err)
	require.False(t, ok)
}

func TestViewPageAndViewAll(t *testing.T) {
	cache := models.NewPageCache()
	fetch := func(_ context.Context, _ map[string]value.Value) (value.Value, error) {
		return value.Obj(map[string]value.Value{
			"data":     value.Arr([]value.Value{value.Obj(map[string]value.Value{"id": value.Str("p1")})}),
			"has_more": value.Bool(false),
		}), nil
	}
	_, _, err := FetchNextPage(context.Background(), cache, NextArgs{Args: map[string]value.Value{}}, fetch)
	require.NoError(t, err)

	page, ok := ViewPage(cache, 1)
	require.True(t, ok)
	require.Len(t, page, 1)

	all := ViewAll(cache)
	require.Len(t, all, 1)
}

func TestSeedPageCursorFamily(t *testing.T) {
	cache := models.NewPageCache()
	body := value.Obj(map[string]value.Value{
		"data": value.Arr([]value.Value{
			value.Obj(map[string]value.Value{"id": value.Str("ch_1")}),
			value.Obj(map[string]value.Value{"id": value.Str("ch_2")}),
		}),
		"has_more": value.Bool(true),
	})

	next := SeedPage(cache, body, value.Obj(nil))
	require.Equal(t, FamilyCursor, next.Family)
	require.True(t, next.HasMore)
	require.Equal(t, "ch_2", next.Args["starting_after"].Str())
	require.Equal(t, 1, cache.CachedPages())
	require.True(t, cache.HasMore)
}

func TestSeedPageNoFamily(t *testing.T) {
	cache := models.NewPageCache()
	body := value.Obj(map[string]value.Value{"ok": value.Bool(true)})

	next := SeedPage(cache, body, value.Obj(nil))
	require.Equal(t, FamilyNone, next.Family)
	require.Equal(t, 0, cache.CachedPages())
}
