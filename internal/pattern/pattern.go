// Package pattern implements the small glob dialect used to match operation
// and tool identifiers against allow/deny lists: exact match, "prefix*",
// "*suffix", the wildcard "*", and an "mcp:*" namespace prefix for MCP tool
// names.
package pattern

import "strings"

// Normalize lowercases and trims an identifier for matching.
func Normalize(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}

// Match reports whether name matches any pattern in the list.
func Match(patterns []string, name string) bool {
	normalizedName := Normalize(name)
	for _, p := range patterns {
		if p == "" {
			continue
		}
		np := Normalize(p)
		switch {
		case np == "*":
			return true
		case np == normalizedName:
			return true
		case np == "mcp:*" && strings.HasPrefix(normalizedName, "mcp:"):
			return true
		case len(np) > 1 && np[len(np)-1] == '*':
			prefix := np[:len(np)-1]
			if strings.HasPrefix(normalizedName, prefix) {
				return true
			}
		case len(np) > 1 && np[0] == '*':
			suffix := np[1:]
			if strings.HasSuffix(normalizedName, suffix) {
				return true
			}
		}
	}
	return false
}
