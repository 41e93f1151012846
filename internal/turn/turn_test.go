package turn

import (
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
	"github.com/haasonsaas/nexus/pkg/models"
)

func newUpstream(t *testing.T) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"acct_1","object":"account","name":"Acme"}`))
	}))
}

func testOrchestrator(t *testing.T, src models.Source, gate *confirmation.Gate) (*Orchestrator, *actionlog.Log, *actionlog.MemoryStore) {
	t.Helper()
	store := actionlog.NewMemoryStore()
	log := actionlog.New(store, nil, nil)
	execCfg := executor.DefaultConfig()
	execCfg.AllowPrivateNetworks = true
	exec := executor.New(execCfg, adapters.NewRegistry(), nil, nil)
	credStore := credentials.NewMemoryStore()
	resolver := credentials.New(credStore, func(_ context.Context, sourceID string) (*models.Source, error) {
		return &src, nil
	})
	if gate == nil {
		gate = confirmation.NewGate(confirmation.DefaultPolicy(), confirmation.NewMemoryStore())
	}
	o := New(exec, gate, resolver, log, func(_ context.Context, sourceID string) (*models.Source, error) {
		return &src, nil
	}, nil)
	return o, log, store
}

func getAccountOperation(sourceID string) models.Operation {
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

func deleteAccountOperation(sourceID string) models.Operation {
	return models.Operation{
		ID:                   "op2",
		SourceID:             sourceID,
		OperationID:          "deleteAccount",
		Name:                 "delete_account",
		Method:               models.MethodDELETE,
		Path:                 "/account",
		RiskLevel:            models.RiskDangerous,
		RequiresConfirmation: true,
	}
}

func TestRunDispatchesSafeToolCallAndRecordsAction(t *testing.T) {
	upstream := newUpstream(t)
	defer upstream.Close()
	src := models.Source{ID: "src1", Name: "stripe", BaseURL: upstream.URL, AuthKind: models.AuthNone}

	o, _, store := testOrchestrator(t, src, nil)
	op := getAccountOperation(src.ID)
	candidate := selector.Candidate{Operation: op, ToolID: selector.ToolID(op)}

	turn := models.NewTurn("t1", "chat1", "agent1", "user1", "org1")
	streamCh := make(chan Chunk, 2)
	streamCh <- Chunk{Kind: ChunkToolCall, ToolCallID: "call1", ToolID: candidate.ToolID, Arguments: json.RawMessage(`{}`)}
	streamCh <- Chunk{Kind: ChunkDone}
	close(streamCh)

	_, err := o.Run(t.Context(), turn, []selector.Candidate{candidate}, streamCh, nil)
	require.NoError(t, err)

	inv, ok := turn.DispatchedInvocation("call1")
	require.True(t, ok)
	require.Equal(t, models.StateOutputAvailable, inv.State)

	_, total, err := store.List(t.Context(), actionlog.Filter{OrgID: "org1"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
}

func TestRunDeduplicatesRepeatedToolCallID(t *testing.T) {
	upstream := newUpstream(t)
	defer upstream.Close()
	src := models.Source{ID: "src1", Name: "stripe", BaseURL: upstream.URL, AuthKind: models.AuthNone}

	o, _, store := testOrchestrator(t, src, nil)
	op := getAccountOperation(src.ID)
	candidate := selector.Candidate{Operation: op, ToolID: selector.ToolID(op)}

	turn := models.NewTurn("t1", "chat1", "agent1", "user1", "org1")
	streamCh := make(chan Chunk, 3)
	streamCh <- Chunk{Kind: ChunkToolCall, ToolCallID: "call1", ToolID: candidate.ToolID, Arguments: json.RawMessage(`{}`)}
	streamCh <- Chunk{Kind: ChunkToolCall, ToolCallID: "call1", ToolID: candidate.ToolID, Arguments: json.RawMessage(`{}`)}
	streamCh <- Chunk{Kind: ChunkDone}
	close(streamCh)

	_, err := o.Run(t.Context(), turn, []selector.Candidate{candidate}, streamCh, nil)
	require.NoError(t, err)

	_, total, err := store.List(t.Context(), actionlog.Filter{OrgID: "org1"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
}

func TestRunDangerousCallAwaitsApprovalAndDispatchesOnApprove(t *testing.T) {
	upstream := newUpstream(t)
	defer upstream.Close()
	src := models.Source{ID: "src1", Name: "stripe", BaseURL: upstream.URL, AuthKind: models.AuthNone}

	o, _, store := testOrchestrator(t, src, nil)
	op := deleteAccountOperation(src.ID)
	candidate := selector.Candidate{Operation: op, ToolID: selector.ToolID(op)}

	turn := models.NewTurn("t1", "chat1", "agent1", "user1", "org1")
	streamCh := make(chan Chunk, 2)
	streamCh <- Chunk{Kind: ChunkToolCall, ToolCallID: "call1", ToolID: candidate.ToolID, Arguments: json.RawMessage(`{}`)}
	streamCh <- Chunk{Kind: ChunkDone}
	close(streamCh)

	go func() {
		time.Sleep(20 * time.Millisecond)
		o.Resolve(Approval{ApprovalID: "appr_call1", Approved: true})
	}()

	_, err := o.Run(t.Context(), turn, []selector.Candidate{candidate}, streamCh, nil)
	require.NoError(t, err)

	inv, ok := turn.DispatchedInvocation("call1")
	require.True(t, ok)
	require.Equal(t, models.StateOutputAvailable, inv.State)

	_, total, err := store.List(t.Context(), actionlog.Filter{OrgID: "org1"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
}

func TestRunDangerousCallRejectedProducesRejectedAction(t *testing.T) {
	upstream := newUpstream(t)
	defer upstream.Close()
	src := models.Source{ID: "src1", Name: "stripe", BaseURL: upstream.URL, AuthKind: models.AuthNone}

	o, _, store := testOrchestrator(t, src, nil)
	op := deleteAccountOperation(src.ID)
	candidate := selector.Candidate{Operation: op, ToolID: selector.ToolID(op)}

	turn := models.NewTurn("t1", "chat1", "agent1", "user1", "org1")
	streamCh := make(chan Chunk, 2)
	streamCh <- Chunk{Kind: ChunkToolCall, ToolCallID: "call1", ToolID: candidate.ToolID, Arguments: json.RawMessage(`{}`)}
	streamCh <- Chunk{Kind: ChunkDone}
	close(streamCh)

	go func() {
		time.Sleep(20 * time.Millisecond)
		o.Resolve(Approval{ApprovalID: "appr_call1", Approved: false})
	}()

	_, err := o.Run(t.Context(), turn, []selector.Candidate{candidate}, streamCh, nil)
	require.NoError(t, err)

	records, total, err := store.List(t.Context(), actionlog.Filter{OrgID: "org1"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, models.ActionRejected, records[0].Status)
}

func TestRunMissingCredentialProducesFailedAction(t *testing.T) {
	upstream := newUpstream(t)
	defer upstream.Close()
	src := models.Source{ID: "src1", Name: "stripe", BaseURL: upstream.URL, AuthKind: models.AuthBearer}

	o, _, store := testOrchestrator(t, src, nil)
	op := getAccountOperation(src.ID)
	candidate := selector.Candidate{Operation: op, ToolID: selector.ToolID(op)}

	turn := models.NewTurn("t1", "chat1", "agent1", "user1", "org1")
	streamCh := make(chan Chunk, 2)
	streamCh <- Chunk{Kind: ChunkToolCall, ToolCallID: "call1", ToolID: candidate.ToolID, Arguments: json.RawMessage(`{}`)}
	streamCh <- Chunk{Kind: ChunkDone}
	close(streamCh)

	_, err := o.Run(t.Context(), turn, []selector.Candidate{candidate}, streamCh, nil)
	require.NoError(t, err)

	records, total, err := store.List(t.Context(), actionlog.Filter{OrgID: "org1"})
	require.NoError(t, err)
	require.Equal(t, 1, total)
	require.Equal(t, models.ActionFailed, records[0].Status)
}

func TestRunAccumulatesTextDeltas(t *testing.T) {
	src := models.Source{ID: "src1", Name: "stripe", AuthKind: models.AuthNone}
	o, _, _ := testOrchestrator(t, src, nil)

	turn := models.NewTurn("t1", "chat1", "agent1", "user1", "org1")
	streamCh := make(chan Chunk, 3)
	streamCh <- Chunk{Kind: ChunkTextDelta, Text: "Hello, "}
	streamCh <- Chunk{Kind: ChunkTextDelta, Text: "world."}
	streamCh <- Chunk{Kind: ChunkDone}
	close(streamCh)

	text, err := o.Run(t.Context(), turn, nil, streamCh, nil)
	require.NoError(t, err)
	require.Equal(t, "Hello, world.", text)
}
