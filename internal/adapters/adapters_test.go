package adapters

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/nexus/internal/value"
	"github.com/haasonsaas/nexus/pkg/models"
)

func TestRegistryMatchesStripe(t *testing.T) {
	reg := NewRegistry()
	a := reg.For("https://api.stripe.com/v1")
	require.Equal(t, ContentTypeFormURLEncoded, a.ContentType())
}

func TestRegistryMatchesGitHub(t *testing.T) {
	reg := NewRegistry()
	a := reg.For("https://api.github.com")
	require.Equal(t, ContentTypeJSON, a.ContentType())
	headers := a.Headers(models.Source{})
	require.Equal(t, "2022-11-28", headers["X-GitHub-Api-Version"])
}

func TestRegistryFallsBackToDefault(t *testing.T) {
	reg := NewRegistry()
	a := reg.For("https://example.com/api")
	require.Equal(t, ContentTypeJSON, a.ContentType())
	require.IsType(t, DefaultAdapter{}, a)
}

func TestEncodeFormFlatObject(t *testing.T) {
	body := value.Obj(map[string]value.Value{
		"amount":   value.Num(500),
		"currency": value.Str("usd"),
	})
	got := EncodeForm(body)
	require.Equal(t, "amount=500&currency=usd", got)
}

func TestEncodeFormNestedObject(t *testing.T) {
	body := value.Obj(map[string]value.Value{
		"metadata": value.Obj(map[string]value.Value{
			"order_id": value.Str("abc"),
		}),
	})
	got := EncodeForm(body)
	require.Equal(t, "metadata%5Border_id%5D=abc", got)
}

func TestEncodeFormArray(t *testing.T) {
	body := value.Obj(map[string]value.Value{
		"items": value.Arr([]value.Value{value.Str("a"), value.Str("b")}),
	})
	got := EncodeForm(body)
	require.Equal(t, "items%5B0%5D=a&items%5B1%5D=b", got)
}

func TestEncodeFormSkipsNull(t *testing.T) {
	body := value.Obj(map[string]value.Value{
		"amount":      value.Num(100),
		"description": value.Null(),
	})
	got := EncodeForm(body)
	require.Equal(t, "amount=100", got)
}

func TestApplyLinkHeaderSetsHasMore(t *testing.T) {
	body := value.Obj(map[string]value.Value{"login": value.Str("octocat")})
	link := `<https://api.github.com/user/repos?page=2>; rel="next", <https://api.github.com/user/repos?page=5>; rel="last"`

	got := ApplyLinkHeader(body, link)
	hasMore, _ := got.Get("has_more")
	next, _ := got.Get("next")
	require.True(t, hasMore.Bool())
	require.Equal(t, "https://api.github.com/user/repos?page=2", next.Str())
}

func TestApplyLinkHeaderNoNextRel(t *testing.T) {
	body := value.Obj(map[string]value.Value{"login": value.Str("octocat")})
	got := ApplyLinkHeader(body, `<https://api.github.com/user/repos?page=1>; rel="first"`)
	_, ok := got.Get("has_more")
	require.False(t, ok)
}
