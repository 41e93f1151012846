package confirmation

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/nexus/pkg/models"
)

func mustParseTime(t *testing.T, s string) time.Time {
	t.Helper()
	tm, err := time.Parse(time.RFC3339, s)
	require.NoError(t, err)
	return tm
}

func TestCheckDangerousRequiresApproval(t *testing.T) {
	gate := NewGate(DefaultPolicy(), NewMemoryStore())
	op := models.Operation{OperationID: "delete_user", RiskLevel: models.RiskDangerous, RequiresConfirmation: true}
	require.Equal(t, DecisionPending, gate.Check("agent1", op))
}

func TestCheckSafeDefaultsToAllowed(t *testing.T) {
	gate := NewGate(DefaultPolicy(), NewMemoryStore())
	op := models.Operation{OperationID: "get_customer", RiskLevel: models.RiskSafe}
	require.Equal(t, DecisionAllowed, gate.Check("agent1", op))
}

func TestCheckDenylistWinsOverAllowlist(t *testing.T) {
	policy := DefaultPolicy()
	policy.Allowlist = []string{"*"}
	policy.Denylist = []string{"delete_*"}
	gate := NewGate(policy, NewMemoryStore())

	op := models.Operation{OperationID: "delete_user", RiskLevel: models.RiskSafe}
	require.Equal(t, DecisionPending, gate.Check("agent1", op))
}

func TestCheckMCPNamespaceMatch(t *testing.T) {
	policy := DefaultPolicy()
	policy.RequireApproval = []string{"mcp:delete_*"}
	gate := NewGate(policy, NewMemoryStore())

	op := models.Operation{Method: models.MethodMCP, MCPToolName: "delete_issue", RiskLevel: models.RiskSafe}
	require.Equal(t, DecisionPending, gate.Check("agent1", op))
}

func TestPerAgentPolicyOverride(t *testing.T) {
	gate := NewGate(DefaultPolicy(), NewMemoryStore())
	restrictive := DefaultPolicy()
	restrictive.DefaultDecision = DecisionPending
	gate.SetAgentPolicy("agent-strict", restrictive)

	op := models.Operation{OperationID: "get_customer", RiskLevel: models.RiskSafe}
	require.Equal(t, DecisionAllowed, gate.Check("agent1", op))
	require.Equal(t, DecisionPending, gate.Check("agent-strict", op))
}

func TestRequestApprovalTransitionsState(t *testing.T) {
	store := NewMemoryStore()
	gate := NewGate(DefaultPolicy(), store)
	inv := &models.ToolInvocation{ToolCallID: "tc1", State: models.StateInputAvailable}
	op := models.Operation{ID: "op1"}

	err := gate.RequestApproval(t.Context(), inv, op, "agent1", "appr1")
	require.NoError(t, err)
	require.Equal(t, models.StateApprovalRequested, inv.State)

	pending, err := store.ListPending(t.Context(), "agent1")
	require.NoError(t, err)
	require.Len(t, pending, 1)
}

func TestDecideApprovedTransitionsState(t *testing.T) {
	store := NewMemoryStore()
	gate := NewGate(DefaultPolicy(), store)
	inv := &models.ToolInvocation{ToolCallID: "tc1", State: models.StateInputAvailable}
	op := models.Operation{ID: "op1"}
	require.NoError(t, gate.RequestApproval(t.Context(), inv, op, "agent1", "appr1"))

	err := gate.Decide(t.Context(), inv, true)
	require.NoError(t, err)
	require.Equal(t, models.StateApprovalResponded, inv.State)
	require.NotNil(t, inv.Approved)
	require.True(t, *inv.Approved)
}

func TestMemoryStorePruneRemovesOld(t *testing.T) {
	store := NewMemoryStore()
	require.NoError(t, store.Create(t.Context(), Request{ApprovalID: "a1", CreatedAt: mustParseTime(t, "2020-01-01T00:00:00Z")}))
	require.NoError(t, store.Prune(t.Context(), mustParseTime(t, "2024-01-01T00:00:00Z")))

	_, ok, err := store.Get(t.Context(), "a1")
	require.NoError(t, err)
	require.False(t, ok)
}
