package mcppool

import (
	"encoding/json"
	"strings"

	"github.com/haasonsaas/nexus/internal/pattern"
	"github.com/haasonsaas/nexus/internal/value"
	"github.com/haasonsaas/nexus/pkg/models"
)

// ApplyArgumentHints mutates a tool call's arguments in place according to a
// Source's RuntimeHints before the call is dispatched: ListExpansion seeds a
// default expand/include parameter on tools whose name matches its glob,
// unless the caller already supplied one.
func ApplyArgumentHints(hints models.RuntimeHints, toolName string, args map[string]any) map[string]any {
	if hints.ListExpansion == nil {
		return args
	}
	exp := hints.ListExpansion
	if !pattern.Match([]string{exp.ToolNameGlob}, toolName) {
		return args
	}
	if args == nil {
		args = map[string]any{}
	}
	if _, ok := args[exp.Param]; ok {
		return args
	}
	defaults := make([]any, len(exp.Default))
	for i, d := range exp.Default {
		defaults[i] = d
	}
	args[exp.Param] = defaults
	return args
}

// ApplyResponseHints post-processes a folded CallTool result according to a
// Source's RuntimeHints: UnwrapData lifts a top-level "data" envelope field,
// and DetectThin flags id-only list shapes so the caller can surface a
// warning recommending the ListExpansion param rather than failing the
// call.
func ApplyResponseHints(hints models.RuntimeHints, structured json.RawMessage) (unwrapped json.RawMessage, thin bool) {
	unwrapped = structured
	if hints.UnwrapData && len(structured) > 0 {
		var env map[string]json.RawMessage
		if err := json.Unmarshal(structured, &env); err == nil {
			if data, ok := env["data"]; ok {
				unwrapped = data
			}
		}
	}
	if hints.DetectThin {
		thin = IsThinResult(unwrapped)
	}
	return unwrapped, thin
}

// thinResultGuidance renders the LLMGuidance hint as the warning text
// attached to a thin result, falling back to a generic suggestion when the
// Source carries no custom guidance.
func thinResultGuidance(hints models.RuntimeHints, toolName string) string {
	if hints.LLMGuidance != "" {
		return hints.LLMGuidance
	}
	if hints.ListExpansion != nil {
		return "Result objects carry only an id field. Pass \"" + hints.ListExpansion.Param + "\" to " + toolName + " to fetch full records."
	}
	return "Result objects carry only an id field; a follow-up fetch per id may be required."
}

// valueFromRaw converts a possibly-empty json.RawMessage into a value.Value,
// treating absence as null rather than an error.
func valueFromRaw(raw json.RawMessage) value.Value {
	if len(raw) == 0 {
		return value.Null()
	}
	v, err := value.FromJSON(raw)
	if err != nil {
		return value.Str(strings.TrimSpace(string(raw)))
	}
	return v
}
