package brokerapi

import (
	"net/http"
	"strconv"

	"github.com/haasonsaas/nexus/internal/actionlog"
	"github.com/haasonsaas/nexus/internal/brokererr"
	"github.com/haasonsaas/nexus/pkg/models"
)

type activityResponse struct {
	Records []*models.ActionRecord `json:"records"`
	Total   int                    `json:"total"`
}

// handleActivity lists the caller's org's ActionRecords, newest first.
func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFromRequest(r)
	if !ok {
		writeBrokerErr(w, brokererr.New(brokererr.Unauthorized, nil))
		return
	}

	q := r.URL.Query()
	filter := actionlog.Filter{
		OrgID:  id.OrgID,
		Status: models.ActionStatus(q.Get("status")),
		Limit:  50,
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	records, total, err := s.deps.ActionLog.List(r.Context(), filter)
	if err != nil {
		writeBrokerErr(w, brokererr.New(brokererr.Internal, err))
		return
	}
	writeJSON(w, http.StatusOK, activityResponse{Records: records, Total: total})
}
