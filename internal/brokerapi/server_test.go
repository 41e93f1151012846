package brokerapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/nexus/internal/actionlog"
	"github.com/haasonsaas/nexus/internal/adapters"
	"github.com/haasonsaas/nexus/internal/confirmation"
	"github.com/haasonsaas/nexus/internal/credentials"
	"github.com/haasonsaas/nexus/internal/executor"
	"github.com/haasonsaas/nexus/internal/selector"
	"github.com/haasonsaas/nexus/internal/storage"
	"github.com/haasonsaas/nexus/internal/turn"
	"github.com/haasonsaas/nexus/pkg/models"
)

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"acct_1","object":"account","name":"Acme"}`))
	}))
	t.Cleanup(upstream.Close)
	return upstream
}

func newTestServer(t *testing.T, src models.Source, op models.Operation) *Server {
	t.Helper()

	stores := storage.NewMemoryStores()
	require.NoError(t, stores.Sources.Create(t.Context(), &src))
	require.NoError(t, stores.Operations.ReplaceForSource(t.Context(), src.ID, []models.Operation{op}))

	agent := &models.Agent{ID: "agent1", OrgID: "org1", Name: "support-bot", Model: "gpt-4o", CreatedAt: time.Now(), UpdatedAt: time.Now()}
	require.NoError(t, stores.Agents.Create(t.Context(), agent))
	require.NoError(t, stores.AgentSourceLinks.Link(t.Context(), models.AgentSourceLink{AgentID: agent.ID, SourceID: src.ID, Permission: models.PermissionReadWrite}))

	sel := selector.NewSelector(stores.Operations, nil)
	execCfg := executor.DefaultConfig()
	execCfg.AllowPrivateNetworks = true
	exec := executor.New(execCfg, adapters.NewRegistry(), nil, nil)

	credStore := credentials.NewMemoryStore()
	require.NoError(t, credStore.Upsert(t.Context(), &models.Credential{UserID: "user1", SourceID: src.ID}))
	resolver := credentials.New(credStore, func(_ context.Context, sourceID string) (*models.Source, error) {
		return stores.Sources.Get(context.Background(), sourceID)
	})

	gate := confirmation.NewGate(confirmation.DefaultPolicy(), confirmation.NewMemoryStore())
	actionStore := actionlog.NewMemoryStore()
	alog := actionlog.New(actionStore, nil, nil)

	orch := turn.New(exec, gate, resolver, alog, func(ctx context.Context, sourceID string) (*models.Source, error) {
		return stores.Sources.Get(ctx, sourceID)
	}, nil)

	return New("127.0.0.1", 0, Deps{
		Stores:       stores,
		Selector:     sel,
		Executor:     exec,
		Gate:         gate,
		Credentials:  resolver,
		ActionLog:    alog,
		Orchestrator: orch,
	})
}

func testOperation(sourceID string) models.Operation {
	return models.Operation{
		ID:          "op1",
		SourceID:    sourceID,
		OperationID: "getAccount",
		Name:        "get_account",
		Method:      models.MethodGET,
		Path:        "/account",
		RiskLevel:   models.RiskSafe,
	}
}

func TestHandleToolsExecuteDispatchesSafeOperation(t *testing.T) {
	upstream := newUpstream(t)
	src := models.Source{ID: "src1", OrgID: "org1", Name: "stripe", BaseURL: upstream.URL, AuthKind: models.AuthNone}
	op := testOperation(src.ID)
	s := newTestServer(t, src, op)
	toolID := selector.ToolID(op)

	body, err := json.Marshal(toolsExecuteRequest{ToolID: toolID, Params: json.RawMessage(`{}`), AgentID: "agent1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/tools/execute", bytes.NewReader(body))
	req.Header.Set("X-Org-Id", "org1")
	req.Header.Set("X-User-Id", "user1")
	w := httptest.NewRecorder()

	s.handleToolsExecute(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp toolsExecuteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.True(t, resp.OK)
	require.Empty(t, resp.Error)
}

func TestHandleToolsExecuteRequiresConfirmationForDangerousOperation(t *testing.T) {
	upstream := newUpstream(t)
	src := models.Source{ID: "src1", OrgID: "org1", Name: "stripe", BaseURL: upstream.URL, AuthKind: models.AuthNone}
	op := testOperation(src.ID)
	op.ID = "op2"
	op.OperationID = "deleteAccount"
	op.Name = "delete_account"
	op.Method = models.MethodDELETE
	op.RiskLevel = models.RiskDangerous
	op.RequiresConfirmation = true
	s := newTestServer(t, src, op)
	toolID := selector.ToolID(op)

	body, err := json.Marshal(toolsExecuteRequest{ToolID: toolID, Params: json.RawMessage(`{}`), AgentID: "agent1"})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/tools/execute", bytes.NewReader(body))
	req.Header.Set("X-Org-Id", "org1")
	req.Header.Set("X-User-Id", "user1")
	w := httptest.NewRecorder()

	s.handleToolsExecute(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp toolsExecuteResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.False(t, resp.OK)
	require.True(t, resp.RequiresConfirmation)
}

func TestHandleToolsExecuteRejectsMissingIdentity(t *testing.T) {
	upstream := newUpstream(t)
	src := models.Source{ID: "src1", OrgID: "org1", Name: "stripe", BaseURL: upstream.URL, AuthKind: models.AuthNone}
	op := testOperation(src.ID)
	s := newTestServer(t, src, op)

	req := httptest.NewRequest(http.MethodPost, "/tools/execute", bytes.NewReader([]byte(`{}`)))
	w := httptest.NewRecorder()

	s.handleToolsExecute(w, req)

	require.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHandleToolsPaginateWritesPaginatedRecord(t *testing.T) {
	upstream := newUpstream(t)
	src := models.Source{ID: "src1", OrgID: "org1", Name: "stripe", BaseURL: upstream.URL, AuthKind: models.AuthNone}
	op := testOperation(src.ID)
	s := newTestServer(t, src, op)
	toolID := selector.ToolID(op)

	body, err := json.Marshal(toolsPaginateRequest{ToolID: toolID, Input: json.RawMessage(`{}`), SourceID: src.ID})
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/tools/paginate", bytes.NewReader(body))
	req.Header.Set("X-Org-Id", "org1")
	req.Header.Set("X-User-Id", "user1")
	w := httptest.NewRecorder()

	s.handleToolsPaginate(w, req)

	require.Equal(t, http.StatusOK, w.Code)

	records, total, err := s.deps.ActionLog.List(t.Context(), actionlog.Filter{OrgID: "org1"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.True(t, records[0].Paginated)
}

func TestHandleToolsPaginateFollowsCursorSeries(t *testing.T) {
	var calls int
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.Header().Set("Content-Type", "application/json")
		if r.URL.Query().Get("starting_after") == "ch_2" {
			_, _ = w.Write([]byte(`{"data":[{"id":"ch_3"}],"has_more":false}`))
			return
		}
		_, _ = w.Write([]byte(`{"data":[{"id":"ch_1"},{"id":"ch_2"}],"has_more":true}`))
	}))
	t.Cleanup(upstream.Close)

	src := models.Source{ID: "src1", OrgID: "org1", Name: "stripe", BaseURL: upstream.URL, AuthKind: models.AuthNone}
	op := testOperation(src.ID)
	op.ParameterSchema = []models.ParamSchema{{Name: "starting_after", In: models.ParamQuery}}
	s := newTestServer(t, src, op)
	toolID := selector.ToolID(op)

	reqBody, err := json.Marshal(toolsPaginateRequest{ToolID: toolID, Input: json.RawMessage(`{}`), SourceID: src.ID})
	require.NoError(t, err)

	first := httptest.NewRequest(http.MethodPost, "/tools/paginate", bytes.NewReader(reqBody))
	first.Header.Set("X-Org-Id", "org1")
	first.Header.Set("X-User-Id", "user1")
	w1 := httptest.NewRecorder()
	s.handleToolsPaginate(w1, first)
	require.Equal(t, http.StatusOK, w1.Code)

	entry, ok := s.pages.get("org1|src1|" + toolID)
	require.True(t, ok)
	require.Equal(t, 1, entry.cache.CachedPages())
	require.True(t, entry.cache.HasMore)

	second := httptest.NewRequest(http.MethodPost, "/tools/paginate", bytes.NewReader(reqBody))
	second.Header.Set("X-Org-Id", "org1")
	second.Header.Set("X-User-Id", "user1")
	w2 := httptest.NewRecorder()
	s.handleToolsPaginate(w2, second)
	require.Equal(t, http.StatusOK, w2.Code)

	require.Equal(t, 2, calls)
	require.Equal(t, 2, entry.cache.CachedPages())
	require.False(t, entry.cache.HasMore)

	records, total, err := s.deps.ActionLog.List(t.Context(), actionlog.Filter{OrgID: "org1"})
	require.NoError(t, err)
	require.Equal(t, 2, total)
}

func TestHandleActivityFiltersByOrg(t *testing.T) {
	upstream := newUpstream(t)
	src := models.Source{ID: "src1", OrgID: "org1", Name: "stripe", BaseURL: upstream.URL, AuthKind: models.AuthNone}
	op := testOperation(src.ID)
	s := newTestServer(t, src, op)

	require.NoError(t, s.deps.ActionLog.RecordDispatch(t.Context(), &models.ActionRecord{
		ID: "rec1", OrgID: "org1", Status: models.ActionCompleted, CreatedAt: time.Now(),
	}))
	require.NoError(t, s.deps.ActionLog.RecordDispatch(t.Context(), &models.ActionRecord{
		ID: "rec2", OrgID: "org2", Status: models.ActionCompleted, CreatedAt: time.Now(),
	}))

	req := httptest.NewRequest(http.MethodGet, "/activity", nil)
	req.Header.Set("X-Org-Id", "org1")
	req.Header.Set("X-User-Id", "user1")
	w := httptest.NewRecorder()

	s.handleActivity(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp activityResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Equal(t, 1, resp.Total)
	require.Equal(t, "rec1", resp.Records[0].ID)
}

func TestHandleWorkspaceChatReturnsMessagesInOrder(t *testing.T) {
	upstream := newUpstream(t)
	src := models.Source{ID: "src1", OrgID: "org1", Name: "stripe", BaseURL: upstream.URL, AuthKind: models.AuthNone}
	op := testOperation(src.ID)
	s := newTestServer(t, src, op)

	require.NoError(t, s.deps.Stores.Messages.Append(t.Context(), &models.Message{ID: "m1", ChatID: "chat1", Role: models.RoleUser, Content: "hi"}))
	require.NoError(t, s.deps.Stores.Messages.Append(t.Context(), &models.Message{ID: "m2", ChatID: "chat1", Role: models.RoleAssistant, Content: "hello"}))

	req := httptest.NewRequest(http.MethodGet, "/workspace/chats/chat1", nil)
	req.SetPathValue("chatId", "chat1")
	req.Header.Set("X-Org-Id", "org1")
	req.Header.Set("X-User-Id", "user1")
	w := httptest.NewRecorder()

	s.handleWorkspaceChat(w, req)

	require.Equal(t, http.StatusOK, w.Code)
	var resp workspaceChatResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	require.Len(t, resp.Messages, 2)
	require.Equal(t, "m1", resp.Messages[0].ID)
}

func TestHandleHealthz(t *testing.T) {
	upstream := newUpstream(t)
	src := models.Source{ID: "src1", OrgID: "org1", Name: "stripe", BaseURL: upstream.URL, AuthKind: models.AuthNone}
	op := testOperation(src.ID)
	s := newTestServer(t, src, op)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()

	s.handleHealthz(w, req)

	require.Equal(t, http.StatusOK, w.Code)
}
