package executor

import (
	"fmt"
	"strings"

	"github.com/haasonsaas/nexus/internal/value"
)

// successCap and errCap bound the text handed back to the model, as
// distinct from the full body persisted in the ActionRecord and streamed
// to the UI.
const (
	successCap = 500
	errCap     = 2048
)

// Summarize renders a model-facing summary of a dispatch Result, following
// the list/single-object/generic-object/error rules of §4.8.
func Summarize(result Result) string {
	if result.ErrorMessage != "" {
		return truncate(result.ErrorMessage, errCap)
	}
	return truncate(summarizeSuccess(result.Body), successCap)
}

func summarizeSuccess(body value.Value) string {
	if body.Kind() != value.KindObj {
		return "Success"
	}

	if data, ok := body.Get("data"); ok && data.Kind() == value.KindArr {
		return summarizeListShape(data.Arr(), body)
	}

	if id, ok := body.Get("id"); ok {
		label := objectLabel(body)
		kind := "object"
		if t, ok := body.Get("object"); ok && t.Kind() == value.KindStr {
			kind = t.Str()
		} else if t, ok := body.Get("type"); ok && t.Kind() == value.KindStr {
			kind = t.Str()
		}
		if label != "" {
			return fmt.Sprintf("Success: %s %s (%s)", kind, scalarString(id), label)
		}
		return fmt.Sprintf("Success: %s %s", kind, scalarString(id))
	}

	keys := body.Keys()
	if len(keys) <= 5 {
		return fmt.Sprintf("Success: {%s}", strings.Join(keys, ", "))
	}
	return fmt.Sprintf("Success: object with %d fields", len(keys))
}

func summarizeListShape(items []value.Value, body value.Value) string {
	n := len(items)
	hasMore := false
	if hm, ok := body.Get("has_more"); ok && hm.Kind() == value.KindBool {
		hasMore = hm.Bool()
	}

	s := fmt.Sprintf("Success: %d items returned", n)
	if hasMore {
		s += "; has_more: true"
	}
	if n > 0 && items[0].Kind() == value.KindObj {
		first := items[0]
		if id, ok := first.Get("id"); ok {
			label := objectLabel(first)
			kind := "object"
			if t, ok := first.Get("object"); ok && t.Kind() == value.KindStr {
				kind = t.Str()
			}
			if label != "" {
				s += fmt.Sprintf(". First: %s (%s: %s)", scalarString(id), kind, label)
			} else {
				s += fmt.Sprintf(". First: %s", scalarString(id))
			}
		}
	}
	return s
}

// objectLabel picks the first present label field in name/email/description
// preference order.
func objectLabel(obj value.Value) string {
	for _, key := range []string{"name", "email", "description"} {
		if v, ok := obj.Get(key); ok && v.Kind() == value.KindStr && v.Str() != "" {
			return v.Str()
		}
	}
	return ""
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
