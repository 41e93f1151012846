package adapters

import (
	"regexp"
	"strings"

	"github.com/haasonsaas/nexus/internal/value"
	"github.com/haasonsaas/nexus/pkg/models"
)

// GitHubAdapter matches the GitHub API host. GitHub paginates via the
// RFC 5988 Link response header rather than body fields, so AfterResponse
// unwraps that header into has_more/next body fields the Pagination
// Engine's cursor family already knows how to recognize, keeping C8 free
// of vendor-specific branches.
type GitHubAdapter struct{}

// NewGitHubAdapter constructs the built-in GitHub adapter.
func NewGitHubAdapter() GitHubAdapter { return GitHubAdapter{} }

func (GitHubAdapter) Matches(baseURL string) bool {
	return hostContains(baseURL, "api.github.com")
}

func (GitHubAdapter) ContentType() ContentType { return ContentTypeJSON }

func (GitHubAdapter) BeforeRequest(args value.Value, _ models.Operation, _ models.Source) value.Value {
	return args
}

func (GitHubAdapter) Headers(models.Source) map[string]string {
	return map[string]string{"X-GitHub-Api-Version": "2022-11-28"}
}

var linkRel = regexp.MustCompile(`<([^>]+)>;\s*rel="([^"]+)"`)

// AfterResponse passes the response body through unchanged. It sees only
// the parsed body, so the Link header is unwrapped into body-level
// has_more/next fields separately, by ApplyLinkHeader.
func (GitHubAdapter) AfterResponse(body value.Value, _ models.Operation, _ models.Source) value.Value {
	return body
}

// ApplyLinkHeader rewrites a parsed response body to add has_more/next
// fields derived from a raw Link header value. The Executor calls this
// after AfterResponse once it has access to the raw HTTP headers, since
// AfterResponse itself only sees the parsed body.
func ApplyLinkHeader(body value.Value, linkHeader string) value.Value {
	if linkHeader == "" || body.Kind() != value.KindObj {
		return body
	}
	next := ""
	hasMore := false
	for _, m := range linkRel.FindAllStringSubmatch(linkHeader, -1) {
		url, rel := m[1], m[2]
		if strings.EqualFold(rel, "next") {
			next = url
			hasMore = true
		}
	}
	if !hasMore {
		return body
	}

	fields := make(map[string]value.Value, len(body.Keys())+2)
	for _, k := range body.Keys() {
		v, _ := body.Get(k)
		fields[k] = v
	}
	fields["has_more"] = value.Bool(true)
	fields["next"] = value.Str(next)
	return value.Obj(fields)
}
