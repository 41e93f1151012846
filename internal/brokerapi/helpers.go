package brokerapi

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/haasonsaas/nexus/internal/brokererr"
	"github.com/haasonsaas/nexus/internal/selector"
	"github.com/haasonsaas/nexus/pkg/models"
)

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// identity is the caller's resolved (org, user) identity, handed to the
// core by the external authentication provider (out of scope per §1) as
// request headers rather than re-verified here.
type identity struct {
	OrgID  string
	UserID string
}

func identityFromRequest(r *http.Request) (identity, bool) {
	orgID := r.Header.Get("X-Org-Id")
	userID := r.Header.Get("X-User-Id")
	if orgID == "" || userID == "" {
		return identity{}, false
	}
	return identity{OrgID: orgID, UserID: userID}, true
}

func writeBrokerErr(w http.ResponseWriter, err error) {
	be, ok := brokererr.Of(err)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]any{"error": "internal error"})
		return
	}
	status := http.StatusInternalServerError
	switch be.Kind {
	case brokererr.Unauthorized:
		status = http.StatusUnauthorized
	case brokererr.Forbidden:
		status = http.StatusForbidden
	case brokererr.MissingCredentials, brokererr.InvalidSpec:
		status = http.StatusUnprocessableEntity
	case brokererr.UpstreamHTTPError, brokererr.UpstreamTransportError:
		status = http.StatusBadGateway
	case brokererr.MCPUnsupportedTransport:
		status = http.StatusNotImplemented
	case brokererr.ApprovalTimeout:
		status = http.StatusConflict
	}
	writeJSON(w, status, map[string]any{"error": brokererr.CallerMessage(err)})
}

// resolveCandidate finds the candidate among agentID's bound sources
// whose selector.ToolID matches toolID, the lookup POST /tools/execute
// and POST /tools/paginate need since both address an Operation by its
// stable tool identifier rather than by a live model tool call.
func (s *Server) resolveCandidate(ctx context.Context, agentID, toolID string) (selector.Candidate, error) {
	links, err := s.deps.Stores.AgentSourceLinks.ForAgent(ctx, agentID)
	if err != nil {
		return selector.Candidate{}, brokererr.New(brokererr.Internal, err)
	}
	candidates, err := s.deps.Selector.SearchTools(ctx, links, "", 0)
	if err != nil {
		return selector.Candidate{}, brokererr.New(brokererr.Internal, err)
	}
	for _, c := range candidates {
		if c.ToolID == toolID {
			return c, nil
		}
	}
	return selector.Candidate{}, brokererr.Newf(brokererr.InvalidSpec, "unknown tool id %q", toolID)
}

func (s *Server) sourceOf(ctx context.Context, sourceID string) (*models.Source, error) {
	return s.deps.Stores.Sources.Get(ctx, sourceID)
}

// resolveOperationInSource finds the Operation within sourceID whose
// selector.ToolID matches toolID, the lookup POST /tools/paginate needs
// since it addresses an Operation by tool identifier plus the sourceId
// it already knows, rather than by a live agent binding.
func (s *Server) resolveOperationInSource(ctx context.Context, sourceID, toolID string) (models.Operation, error) {
	ops, err := s.deps.Stores.Operations.OperationsForSource(ctx, sourceID)
	if err != nil {
		return models.Operation{}, brokererr.New(brokererr.Internal, err)
	}
	for _, op := range ops {
		if selector.ToolID(op) == toolID {
			return op, nil
		}
	}
	return models.Operation{}, brokererr.Newf(brokererr.InvalidSpec, "unknown tool id %q", toolID)
}
