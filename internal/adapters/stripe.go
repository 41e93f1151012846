package adapters

import (
	"fmt"
	"net/url"
	"sort"
	"strings"

	"github.com/haasonsaas/nexus/internal/value"
	"github.com/haasonsaas/nexus/pkg/models"
)

// StripeAdapter matches the Stripe API host and encodes request bodies as
// form-urlencoded using Stripe's bracket notation for nested values.
type StripeAdapter struct{}

// NewStripeAdapter constructs the built-in Stripe adapter.
func NewStripeAdapter() StripeAdapter { return StripeAdapter{} }

func (StripeAdapter) Matches(baseURL string) bool {
	return hostContains(baseURL, "api.stripe.com")
}

func (StripeAdapter) ContentType() ContentType { return ContentTypeFormURLEncoded }

func (StripeAdapter) BeforeRequest(args value.Value, _ models.Operation, _ models.Source) value.Value {
	return args
}

func (StripeAdapter) Headers(models.Source) map[string]string { return nil }

func (StripeAdapter) AfterResponse(body value.Value, _ models.Operation, _ models.Source) value.Value {
	return body
}

// EncodeForm renders a request body Value as Stripe's bracket-notation
// form-urlencoded body: parent[child]=v for nested objects, parent[0]=v for
// array elements, parent[0][child]=v for objects nested in arrays. Null and
// undefined (absent) values are skipped entirely rather than encoded.
func EncodeForm(body value.Value) string {
	vals := url.Values{}
	encodeFormValue("", body, vals)

	keys := make([]string, 0, len(vals))
	for k := range vals {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var sb strings.Builder
	for i, k := range keys {
		for j, v := range vals[k] {
			if i > 0 || j > 0 {
				sb.WriteByte('&')
			}
			sb.WriteString(url.QueryEscape(k))
			sb.WriteByte('=')
			sb.WriteString(url.QueryEscape(v))
		}
	}
	return sb.String()
}

func encodeFormValue(prefix string, v value.Value, out url.Values) {
	switch v.Kind() {
	case value.KindNull:
		return
	case value.KindObj:
		for _, k := range v.Keys() {
			child, _ := v.Get(k)
			encodeFormValue(formKey(prefix, k), child, out)
		}
	case value.KindArr:
		for i, el := range v.Arr() {
			encodeFormValue(formKey(prefix, fmt.Sprintf("%d", i)), el, out)
		}
	case value.KindBool:
		out.Add(prefix, fmt.Sprintf("%t", v.Bool()))
	case value.KindNum:
		out.Add(prefix, formatNum(v.Num()))
	case value.KindStr:
		out.Add(prefix, v.Str())
	}
}

func formKey(prefix, key string) string {
	if prefix == "" {
		return key
	}
	return prefix + "[" + key + "]"
}

func formatNum(n float64) string {
	if n == float64(int64(n)) {
		return fmt.Sprintf("%d", int64(n))
	}
	return fmt.Sprintf("%g", n)
}
