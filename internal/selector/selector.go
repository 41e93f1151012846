// Package selector implements the Tool Selector (C4): narrowing an agent's
// bound Sources down to the bounded candidate set a model may call for a
// single Turn.
package selector

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"regexp"
	"sort"
	"strings"

	"github.com/haasonsaas/nexus/internal/embeddings"
	"github.com/haasonsaas/nexus/pkg/models"
)

// KCap bounds how many Operations are exposed to the model in a single
// Turn before k-NN narrowing kicks in.
const KCap = 64

// SearchToolName is the built-in tool every Turn exposes regardless of its
// bound sources, letting the model page past the KCap boundary mid-turn.
const SearchToolName = "search_tools"

// Catalog resolves the Operations available for a Source. Implemented by
// the storage layer; kept as an interface here so selection logic has no
// direct database dependency.
type Catalog interface {
	OperationsForSource(ctx context.Context, sourceID string) ([]models.Operation, error)
}

// Selector implements C4's resolve-then-narrow algorithm.
type Selector struct {
	catalog Catalog
	index   *embeddings.Index
}

// NewSelector constructs a Selector. index may be nil, in which case
// candidate sets above KCap fall back to lexical ordering (the embedding
// fallback edge case).
func NewSelector(catalog Catalog, index *embeddings.Index) *Selector {
	return &Selector{catalog: catalog, index: index}
}

// Candidate is one Operation exposed to the model for a Turn, carrying the
// stable tool identifier the model will reference in its tool calls.
type Candidate struct {
	Operation models.Operation
	ToolID    string
}

// Select resolves links into the model-visible candidate list for turnText.
// Links must all belong to the same agent; Select does not itself verify
// that, callers are expected to have scoped the query already.
func (s *Selector) Select(ctx context.Context, links []models.AgentSourceLink, turnText string) ([]Candidate, error) {
	var visible []models.Operation
	for _, link := range links {
		ops, err := s.catalog.OperationsForSource(ctx, link.SourceID)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			if link.Permission == models.PermissionReadWrite || op.Method.IsReadOnly() {
				visible = append(visible, op)
			}
		}
	}

	narrowed := s.narrow(ctx, visible, turnText)

	candidates := make([]Candidate, 0, len(narrowed)+1)
	for _, op := range narrowed {
		candidates = append(candidates, Candidate{Operation: op, ToolID: ToolID(op)})
	}
	candidates = append(candidates, Candidate{
		Operation: searchToolsOperation(),
		ToolID:    SearchToolName,
	})
	return candidates, nil
}

// narrow applies the KCap bound, via k-NN over embeddings when available,
// falling back to lexical order by Operation ID when the index is absent
// or an Operation set arrives unembedded.
func (s *Selector) narrow(ctx context.Context, ops []models.Operation, turnText string) []models.Operation {
	if len(ops) <= KCap {
		return ops
	}
	if s.index != nil {
		if vec, err := s.index.EmbedQuery(ctx, turnText); err == nil {
			scored := embeddings.NearestOperations(ops, vec, KCap)
			if len(scored) > 0 {
				out := make([]models.Operation, len(scored))
				for i, sc := range scored {
					out[i] = sc.Operation
				}
				return out
			}
		}
	}
	sorted := make([]models.Operation, len(ops))
	copy(sorted, ops)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })
	return sorted[:KCap]
}

// SearchTools re-runs narrowing over the complete Operation set for an
// agent's bound sources, independent of the current KCap window, letting
// the model discover Operations that didn't make the initial cut.
func (s *Selector) SearchTools(ctx context.Context, links []models.AgentSourceLink, query string, limit int) ([]Candidate, error) {
	var all []models.Operation
	for _, link := range links {
		ops, err := s.catalog.OperationsForSource(ctx, link.SourceID)
		if err != nil {
			return nil, err
		}
		for _, op := range ops {
			if link.Permission == models.PermissionReadWrite || op.Method.IsReadOnly() {
				all = append(all, op)
			}
		}
	}
	if limit <= 0 || limit > KCap {
		limit = KCap
	}
	narrowed := s.narrow(ctx, all, query)
	if len(narrowed) > limit {
		narrowed = narrowed[:limit]
	}
	candidates := make([]Candidate, len(narrowed))
	for i, op := range narrowed {
		candidates[i] = Candidate{Operation: op, ToolID: ToolID(op)}
	}
	return candidates, nil
}

func searchToolsOperation() models.Operation {
	return models.Operation{
		ID:          SearchToolName,
		OperationID: SearchToolName,
		Name:        SearchToolName,
		Description: "Search for additional tools beyond the ones currently offered, by natural-language query.",
		Method:      models.MethodGET,
		RiskLevel:   models.RiskSafe,
		ParameterSchema: []models.ParamSchema{
			{Name: "query", In: models.ParamBody, Type: "string", Required: true},
		},
	}
}

var nonIdentChars = regexp.MustCompile(`[^a-zA-Z0-9_]+`)

// ToolID generates the tool identifier format: sanitize(name,55) +
// "_" + shortId(toolId,8), bounded to 64 characters. It is deterministic
// over (op.ID, op.Name) so a given Turn re-derives the same identifier for
// the same Operation — the stability the Confirmation Gate and the
// toolCallId dedup rule depend on.
func ToolID(op models.Operation) string {
	name := sanitize(op.Name, 55)
	short := shortID(op.ID, 8)
	id := name + "_" + short
	if len(id) > 64 {
		id = id[:64]
	}
	return id
}

func sanitize(s string, maxLen int) string {
	s = nonIdentChars.ReplaceAllString(s, "_")
	for strings.Contains(s, "__") {
		s = strings.ReplaceAll(s, "__", "_")
	}
	s = strings.Trim(s, "_")
	if len(s) > maxLen {
		s = s[:maxLen]
	}
	return s
}

func shortID(id string, n int) string {
	sum := sha256.Sum256([]byte(id))
	h := hex.EncodeToString(sum[:])
	if len(h) > n {
		return h[:n]
	}
	return h
}
