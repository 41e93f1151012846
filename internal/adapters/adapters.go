// Package adapters implements the Vendor Adapter Registry (C5): per-URL-
// pattern hooks for request encoding, response post-processing, and extra
// headers, matched first-match-wins against a Source's base URL.
package adapters

import (
	"strings"

	"github.com/haasonsaas/nexus/internal/value"
	"github.com/haasonsaas/nexus/pkg/models"
)

// ContentType is how the Executor's HTTP branch encodes a request body.
type ContentType string

const (
	ContentTypeJSON           ContentType = "json"
	ContentTypeFormURLEncoded ContentType = "form-urlencoded"
)

// Adapter is a per-vendor set of hooks into the Executor's HTTP branch.
type Adapter interface {
	// Matches reports whether this adapter applies to a Source's base URL.
	Matches(baseURL string) bool

	// ContentType selects how the request body is encoded.
	ContentType() ContentType

	// BeforeRequest transforms the cleaned argument set prior to URL/body
	// construction. The default adapter returns args unchanged.
	BeforeRequest(args value.Value, op models.Operation, source models.Source) value.Value

	// Headers returns extra headers to attach beyond the auth headers the
	// Executor already adds for the Source's authKind.
	Headers(source models.Source) map[string]string

	// AfterResponse transforms the raw parsed response body before it
	// reaches the Pagination Engine and Summarizer.
	AfterResponse(body value.Value, op models.Operation, source models.Source) value.Value
}

// Registry holds an ordered adapter list, first-match-wins, falling back to
// the default adapter when nothing matches.
type Registry struct {
	adapters []Adapter
	fallback Adapter
}

// NewRegistry constructs a Registry with the built-in Stripe and GitHub
// adapters pre-registered, in that order.
func NewRegistry() *Registry {
	return &Registry{
		adapters: []Adapter{NewStripeAdapter(), NewGitHubAdapter()},
		fallback: DefaultAdapter{},
	}
}

// Register appends an adapter to the end of the match list, after the
// built-ins.
func (r *Registry) Register(a Adapter) {
	r.adapters = append(r.adapters, a)
}

// For returns the first adapter whose Matches reports true for baseURL, or
// the default adapter when none match.
func (r *Registry) For(baseURL string) Adapter {
	for _, a := range r.adapters {
		if a.Matches(baseURL) {
			return a
		}
	}
	return r.fallback
}

// DefaultAdapter is the identity adapter used when no vendor-specific
// adapter matches a Source's base URL.
type DefaultAdapter struct{}

func (DefaultAdapter) Matches(string) bool { return true }

func (DefaultAdapter) ContentType() ContentType { return ContentTypeJSON }

func (DefaultAdapter) BeforeRequest(args value.Value, _ models.Operation, _ models.Source) value.Value {
	return args
}

func (DefaultAdapter) Headers(models.Source) map[string]string { return nil }

func (DefaultAdapter) AfterResponse(body value.Value, _ models.Operation, _ models.Source) value.Value {
	return body
}

func hostContains(baseURL, needle string) bool {
	return strings.Contains(strings.ToLower(baseURL), needle)
}
