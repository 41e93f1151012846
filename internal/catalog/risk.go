package catalog

import (
	"strings"

	"github.com/haasonsaas/nexus/pkg/models"
)

// dangerousKeywords, safePrefixes, and moderateKeywords implement the risk
// classification rules uniformly for both OpenAPI- and MCP-derived
// Operations. First matching rule wins, in this order.
var dangerousKeywords = []string{
	"delete", "remove", "destroy", "drop", "truncate", "clear", "purge",
	"wipe", "reset", "revoke", "terminate", "kill", "cancel", "disable",
	"deactivate", "suspend", "ban", "block",
}

var safePrefixes = []string{
	"get", "list", "read", "fetch", "query", "search", "find", "show",
	"describe", "inspect", "view", "check",
}

var moderateKeywords = []string{
	"update", "modify", "edit", "change", "set", "patch", "write", "create",
	"insert", "add", "post", "put", "send", "execute", "run", "trigger",
	"invoke",
}

// ClassifyRisk derives an Operation's RiskLevel from its name and
// description.
func ClassifyRisk(name, description string) models.RiskLevel {
	haystack := strings.ToLower(name + " " + description)
	for _, kw := range dangerousKeywords {
		if strings.Contains(haystack, kw) {
			return models.RiskDangerous
		}
	}
	lowerName := strings.ToLower(name)
	for _, prefix := range safePrefixes {
		if strings.HasPrefix(lowerName, prefix) {
			return models.RiskSafe
		}
	}
	for _, kw := range moderateKeywords {
		if strings.Contains(haystack, kw) {
			return models.RiskModerate
		}
	}
	return models.RiskSafe
}

// RequiresConfirmation is forced true whenever ClassifyRisk yields
// dangerous; the converse is not forced (an Operation may still require
// confirmation via an explicit override — see ReclassifyOperation).
func RequiresConfirmation(risk models.RiskLevel) bool {
	return risk == models.RiskDangerous
}
