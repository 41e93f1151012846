// Package confirmation implements the Confirmation Gate (C7): the
// approval state machine woven into the model-streaming loop for
// Operations whose risk demands a human decision before dispatch.
package confirmation

import (
	"context"
	"sync"
	"time"

	"github.com/haasonsaas/nexus/internal/pattern"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Policy mirrors the teacher's ApprovalPolicy shape: an allow/deny list
// evaluated in a fixed priority order, with a default decision for
// anything neither list matches.
type Policy struct {
	Allowlist       []string // tool-id / mcp:* globs that bypass confirmation
	Denylist        []string // globs that always require confirmation
	RequireApproval []string // globs in addition to riskLevel=dangerous
	DefaultDecision Decision
	RequestTTL      time.Duration
}

// DefaultPolicy matches the teacher's DefaultApprovalPolicy defaults,
// adapted to operate over Operation risk instead of a tool registry.
func DefaultPolicy() Policy {
	return Policy{
		DefaultDecision: DecisionAllowed,
		RequestTTL:      5 * time.Minute,
	}
}

// Decision is the gate's verdict for a candidate dispatch.
type Decision string

const (
	DecisionAllowed Decision = "allowed"
	DecisionDenied  Decision = "denied"
	DecisionPending Decision = "pending"
)

// Request is a pending human approval for one ToolInvocation.
type Request struct {
	ApprovalID   string
	ToolCallID   string
	OperationID  string
	AgentID      string
	CreatedAt    time.Time
	DecidedAt    time.Time
	Decided      bool
	Approved     bool
}

// Store persists pending/decided approval requests. MemoryStore is the
// only implementation; there is no Postgres-backed Store, so approval
// requests do not survive a process restart.
type Store interface {
	Create(ctx context.Context, req Request) error
	Get(ctx context.Context, approvalID string) (Request, bool, error)
	Decide(ctx context.Context, approvalID string, approved bool) error
	ListPending(ctx context.Context, agentID string) ([]Request, error)
	Prune(ctx context.Context, olderThan time.Time) error
}

// Gate evaluates operations against a Policy and tracks pending approvals
// through Store.
type Gate struct {
	mu              sync.RWMutex
	policies        map[string]Policy // agentID -> policy
	defaultPolicy   Policy
	store           Store
}

// NewGate constructs a Gate with a default policy and backing Store.
func NewGate(defaultPolicy Policy, store Store) *Gate {
	return &Gate{
		policies:      make(map[string]Policy),
		defaultPolicy: defaultPolicy,
		store:         store,
	}
}

// SetAgentPolicy overrides the policy for one agent.
func (g *Gate) SetAgentPolicy(agentID string, p Policy) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.policies[agentID] = p
}

func (g *Gate) policyFor(agentID string) Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()
	if p, ok := g.policies[agentID]; ok {
		return p
	}
	return g.defaultPolicy
}

// Check evaluates whether op requires confirmation for agentID, in
// priority order: denylist, allowlist, requireApproval patterns,
// riskLevel=dangerous, then the policy's default decision. Denylist is
// checked first so an explicit deny can never be bypassed by an allowlist
// entry added for a broader pattern.
func (g *Gate) Check(agentID string, op models.Operation) Decision {
	policy := g.policyFor(agentID)
	id := operationMatchKey(op)

	if pattern.Match(policy.Denylist, id) {
		return DecisionPending
	}
	if pattern.Match(policy.Allowlist, id) {
		return DecisionAllowed
	}
	if pattern.Match(policy.RequireApproval, id) {
		return DecisionPending
	}
	if op.RequiresConfirmation || op.RiskLevel == models.RiskDangerous {
		return DecisionPending
	}
	return policy.DefaultDecision
}

func operationMatchKey(op models.Operation) string {
	if op.Method == models.MethodMCP {
		return "mcp:" + op.MCPToolName
	}
	return op.OperationID
}

// RequestApproval records a new pending Request for an invocation whose
// Check returned DecisionPending, moving it to approval_requested.
func (g *Gate) RequestApproval(ctx context.Context, inv *models.ToolInvocation, op models.Operation, agentID, approvalID string) error {
	if !inv.Transition(models.StateApprovalRequested) {
		return errInvalidTransition(inv.State, models.StateApprovalRequested)
	}
	inv.ApprovalID = approvalID
	return g.store.Create(ctx, Request{
		ApprovalID:  approvalID,
		ToolCallID:  inv.ToolCallID,
		OperationID: op.ID,
		AgentID:     agentID,
		CreatedAt:   time.Now(),
	})
}

// Decide records an external approval decision and transitions inv to
// approval_responded. The caller is responsible for then dispatching (on
// approved=true) or synthesizing the rejected body (on approved=false).
func (g *Gate) Decide(ctx context.Context, inv *models.ToolInvocation, approved bool) error {
	if err := g.store.Decide(ctx, inv.ApprovalID, approved); err != nil {
		return err
	}
	if !inv.Transition(models.StateApprovalResponded) {
		return errInvalidTransition(inv.State, models.StateApprovalResponded)
	}
	inv.Approved = &approved
	return nil
}

// RejectedBody is the synthetic output body for a denied invocation.
func RejectedBody() []byte {
	return []byte(`{"rejected":true}`)
}

type transitionError struct {
	from, to models.InvocationState
}

func (e transitionError) Error() string {
	return "invalid invocation transition from " + string(e.from) + " to " + string(e.to)
}

func errInvalidTransition(from, to models.InvocationState) error {
	return transitionError{from: from, to: to}
}
