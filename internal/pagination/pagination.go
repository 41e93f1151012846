// Package pagination implements the Pagination Engine (C8): detecting the
// pagination family on a successful response body and driving follow-on
// fetches under the same Operation identity, backed by a per-invocation
// PageCache.
package pagination

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/nexus/internal/value"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Family is one of the three recognized pagination shapes, checked in this
// priority order since a response can technically carry cues for more than
// one family (e.g. both a cursor and a page field).
type Family int

const (
	FamilyNone Family = iota
	FamilyCursor
	FamilyOffsetLimit
	FamilyPageNumber
)

// NextArgs describes the argument overrides a follow-on fetch must apply to
// reissue the same Operation under the next page's parameters.
type NextArgs struct {
	Family  Family
	HasMore bool
	Args    map[string]value.Value
}

var listBodyKeys = []string{"data", "results", "items", "records", "entries", "list", "rows", "objects"}

// Detect inspects a response body (and the arguments that produced it) to
// classify which pagination family applies, returning the argument
// overrides for fetchNextPage. FamilyNone with HasMore=false means the
// engine found nothing paginatable.
func Detect(body value.Value, requestArgs value.Value) NextArgs {
	if family, next := detectCursor(body); family != FamilyNone {
		return next
	}
	if family, next := detectOffsetLimit(body, requestArgs); family != FamilyNone {
		return next
	}
	if family, next := detectPageNumber(body, requestArgs); family != FamilyNone {
		return next
	}
	return NextArgs{Family: FamilyNone}
}

func listArray(body value.Value) ([]value.Value, bool) {
	if body.Kind() != value.KindObj {
		return nil, false
	}
	for _, key := range listBodyKeys {
		if v, ok := body.Get(key); ok && v.Kind() == value.KindArr {
			return v.Arr(), true
		}
	}
	return nil, false
}

func detectCursor(body value.Value) (Family, NextArgs) {
	if body.Kind() != value.KindObj {
		return FamilyNone, NextArgs{}
	}
	hasMore, ok := body.Get("has_more")
	if !ok || hasMore.Kind() != value.KindBool || !hasMore.Bool() {
		return FamilyNone, NextArgs{}
	}
	items, ok := listArray(body)
	if !ok || len(items) == 0 {
		return FamilyNone, NextArgs{}
	}
	last := items[len(items)-1]
	id, ok := last.Get("id")
	if !ok {
		return FamilyNone, NextArgs{}
	}
	return FamilyCursor, NextArgs{
		Family:  FamilyCursor,
		HasMore: true,
		Args:    map[string]value.Value{"starting_after": id},
	}
}

func detectOffsetLimit(body value.Value, requestArgs value.Value) (Family, NextArgs) {
	limitV, hasLimit := numField(requestArgs, "limit")
	offsetV, hasOffset := numField(requestArgs, "offset")
	if !hasLimit && !hasOffset {
		limitV, hasLimit = numField(body, "limit")
		offsetV, hasOffset = numField(body, "offset")
	}
	if !hasLimit && !hasOffset {
		return FamilyNone, NextArgs{}
	}

	items, ok := listArray(body)
	returned := 0
	if ok {
		returned = len(items)
	}
	if returned == 0 {
		return FamilyNone, NextArgs{}
	}

	hasMore := true
	if hasLimit && returned < int(limitV) {
		hasMore = false
	}

	nextOffset := offsetV + float64(returned)
	args := map[string]value.Value{"offset": value.Num(nextOffset)}
	if hasLimit {
		args["limit"] = value.Num(limitV)
	}
	return FamilyOffsetLimit, NextArgs{Family: FamilyOffsetLimit, HasMore: hasMore, Args: args}
}

func detectPageNumber(body value.Value, requestArgs value.Value) (Family, NextArgs) {
	pageV, hasPage := numField(requestArgs, "page")
	if !hasPage {
		pageV, hasPage = numField(body, "page")
	}
	if !hasPage {
		return FamilyNone, NextArgs{}
	}

	totalPages, hasTotalPages := numField(body, "total_pages")
	hasMore := true
	if hasTotalPages && pageV >= totalPages {
		hasMore = false
	}

	return FamilyPageNumber, NextArgs{
		Family:  FamilyPageNumber,
		HasMore: hasMore,
		Args:    map[string]value.Value{"page": value.Num(pageV + 1)},
	}
}

func numField(v value.Value, key string) (float64, bool) {
	if v.Kind() != value.KindObj {
		return 0, false
	}
	f, ok := v.Get(key)
	if !ok || f.Kind() != value.KindNum {
		return 0, false
	}
	return f.Num(), true
}

// Fetcher reissues an Operation with overridden pagination arguments. The
// Turn/Executor glue supplies this so the engine itself stays free of
// Executor-specific types.
type Fetcher func(ctx context.Context, overrides map[string]value.Value) (value.Value, error)

// FetchNextPage claims the invocation's single in-flight fetch slot,
// reissues the Operation via fetch, appends the resulting data array to
// the cache, and releases the slot. Returns false without error if a fetch
// is already in flight. The returned NextArgs is what the following
// fetchNextPage call must apply.
func FetchNextPage(ctx context.Context, cache *models.PageCache, lastNext NextArgs, fetch Fetcher) (NextArgs, bool, error) {
	if !cache.TryBeginFetch() {
		return NextArgs{}, false, nil
	}
	defer cache.EndFetch()

	body, err := fetch(ctx, lastNext.Args)
	if err != nil {
		return NextArgs{}, false, err
	}

	items, _ := listArray(body)

	cursor := ""
	if v, ok := lastNext.Args["starting_after"]; ok {
		cursor = v.Str()
	}
	next := Detect(body, value.Obj(lastNext.Args))
	appendPage(cache, items, cursor, next.HasMore)
	return next, true, nil
}

// SeedPage detects the pagination family on an Operation's first response
// within a series and, if one is found, appends it as page 1. The returned
// NextArgs is what the following fetchNextPage call must apply; FamilyNone
// means the response was not paginated.
func SeedPage(cache *models.PageCache, body value.Value, requestArgs value.Value) NextArgs {
	next := Detect(body, requestArgs)
	if next.Family == FamilyNone {
		return next
	}
	items, _ := listArray(body)
	appendPage(cache, items, "", next.HasMore)
	return next
}

// appendPage bridges value.Value list items into the json.RawMessage-keyed
// PageCache, marshaling once at the cache boundary.
func appendPage(cache *models.PageCache, items []value.Value, cursor string, hasMore bool) {
	raws := make([]json.RawMessage, 0, len(items))
	for _, it := range items {
		b, err := it.MarshalJSON()
		if err != nil {
			continue
		}
		raws = append(raws, json.RawMessage(b))
	}
	cache.AppendPage(raws, cursor, hasMore)
}

// ViewPage returns cached page k as parsed Values, or false if unfetched.
func ViewPage(cache *models.PageCache, k int) ([]value.Value, bool) {
	raw, ok := cache.ViewPage(k)
	if !ok {
		return nil, false
	}
	return toValues(raw), true
}

// ViewAll concatenates all cached pages in index order as parsed Values.
func ViewAll(cache *models.PageCache) []value.Value {
	return toValues(cache.ViewAll())
}

func toValues(raws []json.RawMessage) []value.Value {
	out := make([]value.Value, 0, len(raws))
	for _, r := range raws {
		v, err := value.FromJSON(r)
		if err != nil {
			continue
		}
		out = append(out, v)
	}
	return out
}
