package brokerapi

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/brokererr"
	"github.com/haasonsaas/nexus/internal/confirmation"
	"github.com/haasonsaas/nexus/internal/executor"
	"github.com/haasonsaas/nexus/internal/pagination"
	"github.com/haasonsaas/nexus/internal/value"
	"github.com/haasonsaas/nexus/pkg/models"
)

type toolsExecuteRequest struct {
	ToolID  string          `json:"toolId"`
	Params  json.RawMessage `json:"params"`
	AgentID string          `json:"agentId"`
}

type toolsExecuteResponse struct {
	OK                   bool            `json:"ok"`
	RequiresConfirmation bool            `json:"requiresConfirmation,omitempty"`
	Result               json.RawMessage `json:"result,omitempty"`
	Error                string          `json:"error,omitempty"`
}

// handleToolsExecute dispatches a single Operation outside the model
// stream, for explicit slash-command style invocation. A dangerous
// Operation is never dispatched here: it is recorded pending_confirmation
// and requiresConfirmation is reported back, since there is no model
// turn whose approval channel could carry the eventual decision.
func (s *Server) handleToolsExecute(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := identityFromRequest(r)
	if !ok {
		writeBrokerErr(w, brokererr.New(brokererr.Unauthorized, nil))
		return
	}

	var req toolsExecuteRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBrokerErr(w, brokererr.Newf(brokererr.InvalidSpec, "decode request: %v", err))
		return
	}

	candidate, err := s.resolveCandidate(ctx, req.AgentID, req.ToolID)
	if err != nil {
		writeJSON(w, http.StatusOK, toolsExecuteResponse{OK: false, Error: brokererr.CallerMessage(err)})
		return
	}
	op := candidate.Operation

	args, err := value.FromJSON(req.Params)
	if err != nil {
		args = value.Obj(nil)
	}

	decision := s.deps.Gate.Check(req.AgentID, op)
	s.deps.Metrics.RecordConfirmationDecision(string(decision))
	if decision == confirmation.DecisionPending {
		s.recordAction(ctx, id, req.AgentID, op, models.ActionPendingConfirmation, executor.Result{}, false, "")
		writeJSON(w, http.StatusOK, toolsExecuteResponse{OK: false, RequiresConfirmation: true})
		return
	}

	src, err := s.sourceOf(ctx, op.SourceID)
	if err != nil {
		writeJSON(w, http.StatusOK, toolsExecuteResponse{OK: false, Error: brokererr.CallerMessage(err)})
		return
	}
	cred, err := s.deps.Credentials.Resolve(ctx, id.OrgID, id.UserID, op.SourceID)
	if err != nil {
		s.recordAction(ctx, id, req.AgentID, op, models.ActionFailed, executor.Result{}, false, brokererr.CallerMessage(err))
		writeJSON(w, http.StatusOK, toolsExecuteResponse{OK: false, Error: brokererr.CallerMessage(err)})
		return
	}

	start := time.Now()
	result, execErr := s.deps.Executor.Execute(ctx, op, args, executor.Context{Source: *src, Credential: cred, UserID: id.UserID})
	if execErr != nil {
		s.deps.Metrics.RecordDispatch(op.SourceID, op.OperationID, "error", time.Since(start).Seconds())
		s.recordAction(ctx, id, req.AgentID, op, models.ActionFailed, result, false, brokererr.CallerMessage(execErr))
		writeJSON(w, http.StatusOK, toolsExecuteResponse{OK: false, Error: brokererr.CallerMessage(execErr)})
		return
	}
	s.deps.Metrics.RecordDispatch(op.SourceID, op.OperationID, "success", time.Since(start).Seconds())

	s.recordAction(ctx, id, req.AgentID, op, models.ActionCompleted, result, false, "")
	envelope, merr := json.Marshal(actionChatEnvelope(candidate.ToolID, op, src.Name, result))
	if merr != nil {
		writeBrokerErr(w, brokererr.New(brokererr.Internal, merr))
		return
	}
	writeJSON(w, http.StatusOK, toolsExecuteResponse{OK: true, Result: envelope})
}

type toolsPaginateRequest struct {
	ToolID   string          `json:"toolId"`
	Input    json.RawMessage `json:"input"`
	SourceID string          `json:"sourceId"`
}

// handleToolsPaginate drives the Pagination Engine (C8): on the first call
// for a (caller, source, tool) series it dispatches toolID as given and
// seeds a PageCache from whatever cursor/offset/page family the response
// carries; on every later call it reissues the Operation with the cached
// series' next-page overrides layered over the caller's input. Either
// way the resulting ActionRecord is persisted with Paginated=true per §6.
func (s *Server) handleToolsPaginate(w http.ResponseWriter, r *http.Request) {
	ctx := r.Context()
	id, ok := identityFromRequest(r)
	if !ok {
		writeBrokerErr(w, brokererr.New(brokererr.Unauthorized, nil))
		return
	}

	var req toolsPaginateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeBrokerErr(w, brokererr.Newf(brokererr.InvalidSpec, "decode request: %v", err))
		return
	}

	op, err := s.resolveOperationInSource(ctx, req.SourceID, req.ToolID)
	if err != nil {
		writeBrokerErr(w, err)
		return
	}

	src, err := s.sourceOf(ctx, req.SourceID)
	if err != nil {
		writeBrokerErr(w, err)
		return
	}
	cred, err := s.deps.Credentials.Resolve(ctx, id.OrgID, id.UserID, req.SourceID)
	if err != nil {
		writeBrokerErr(w, err)
		return
	}

	args, err := value.FromJSON(req.Input)
	if err != nil {
		args = value.Obj(nil)
	}

	execCtx := executor.Context{Source: *src, Credential: cred, UserID: id.UserID}
	key := id.OrgID + "|" + req.SourceID + "|" + req.ToolID

	var result executor.Result
	var execErr error
	start := time.Now()

	if entry, found := s.pages.get(key); found && entry.cache.HasMore {
		fetcher := func(fctx context.Context, overrides map[string]value.Value) (value.Value, error) {
			res, ferr := s.deps.Executor.Execute(fctx, op, mergeArgs(args, overrides), execCtx)
			result = res
			return res.Body, ferr
		}
		next, claimed, ferr := pagination.FetchNextPage(ctx, entry.cache, entry.next, fetcher)
		switch {
		case ferr != nil:
			execErr = ferr
		case !claimed:
			execErr = brokererr.Newf(brokererr.InvalidSpec, "a page fetch is already in progress for tool %q", req.ToolID)
		default:
			entry.next = next
		}
	} else {
		s.pages.delete(key)
		result, execErr = s.deps.Executor.Execute(ctx, op, args, execCtx)
		if execErr == nil {
			cache := models.NewPageCache()
			next := pagination.SeedPage(cache, result.Body, args)
			s.pages.put(key, &paginationEntry{cache: cache, next: next})
		}
	}

	status := models.ActionCompleted
	errMsg := ""
	dispatchStatus := "success"
	if execErr != nil {
		status = models.ActionFailed
		errMsg = brokererr.CallerMessage(execErr)
		dispatchStatus = "error"
	}
	s.deps.Metrics.RecordDispatch(op.SourceID, op.OperationID, dispatchStatus, time.Since(start).Seconds())
	s.recordAction(ctx, id, "", op, status, result, true, errMsg)
	if execErr != nil {
		writeBrokerErr(w, execErr)
		return
	}

	writeJSON(w, http.StatusOK, actionChatEnvelope(req.ToolID, op, src.Name, result))
}

// actionChatEnvelope wraps an Executor result as the _actionchat/result
// shape the UI and the model each read a different half of (§6).
func actionChatEnvelope(toolID string, op models.Operation, sourceName string, result executor.Result) map[string]any {
	return map[string]any{
		"_actionchat": map[string]any{
			"tool_id":         toolID,
			"tool_name":       op.Name,
			"source_id":       op.SourceID,
			"source_name":     sourceName,
			"method":          op.Method,
			"url":             result.URL,
			"response_status": result.Status,
			"response_body":   result.RawBody,
			"duration_ms":     result.DurationMs,
			"error_message":   result.ErrorMessage,
		},
		"result": executor.Summarize(result),
	}
}

// recordAction writes the ActionRecord for a direct (non-turn) dispatch.
// agentID is empty for pagination re-executes, which are not attributed
// to a single agent.
func (s *Server) recordAction(ctx context.Context, id identity, agentID string, op models.Operation, status models.ActionStatus, result executor.Result, paginated bool, errMsg string) {
	rec := &models.ActionRecord{
		ID:             uuid.NewString(),
		OrgID:          id.OrgID,
		UserID:         id.UserID,
		AgentID:        agentID,
		SourceID:       op.SourceID,
		OperationID:    op.ID,
		Method:         op.Method,
		URL:            result.URL,
		ResponseStatus: result.Status,
		ResponseBody:   result.RawBody,
		DurationMs:     result.DurationMs,
		Status:         status,
		ErrorMessage:   errMsg,
		CreatedAt:      time.Now(),
		Paginated:      paginated,
	}
	if err := s.deps.ActionLog.RecordDispatch(ctx, rec); err != nil {
		s.logger.Error("record action failed", "error", err)
	}
}
