package models

import (
	"encoding/json"
	"time"
)

// SourceKind distinguishes how a Source's Operations are derived.
type SourceKind string

const (
	SourceKindOpenAPI SourceKind = "openapi"
	SourceKindMCP      SourceKind = "mcp"
	SourceKindManual   SourceKind = "manual"
)

// AuthKind selects how the Executor attaches credentials to an outbound
// request for a Source.
type AuthKind string

const (
	AuthNone       AuthKind = "none"
	AuthBearer     AuthKind = "bearer"
	AuthAPIKey     AuthKind = "apiKey"
	AuthBasic      AuthKind = "basic"
	AuthHeaderPair AuthKind = "headerPair"
	AuthPassthrough AuthKind = "passthrough"
)

// AuthConfig carries the field/header names an authKind needs. Which
// fields are meaningful depends on AuthKind.
type AuthConfig struct {
	HeaderName string `json:"header_name,omitempty" yaml:"header_name,omitempty"`
}

// RuntimeHints are template-level rewrites applied by the MCP Client Pool
// (C9) to arguments and responses for tools belonging to a Source.
type RuntimeHints struct {
	ListExpansion    *ListExpansionHint `json:"list_expansion,omitempty" yaml:"list_expansion,omitempty"`
	FetchEnrichment  string             `json:"fetch_enrichment,omitempty" yaml:"fetch_enrichment,omitempty"`
	LLMGuidance      string             `json:"llm_guidance,omitempty" yaml:"llm_guidance,omitempty"`
	UnwrapData       bool               `json:"unwrap_data,omitempty" yaml:"response.unwrap_data,omitempty"`
	DetectThin       bool               `json:"detect_thin,omitempty" yaml:"response.detect_thin,omitempty"`
}

// ListExpansionHint gates a default expansion parameter by a glob pattern
// matched against the tool name (e.g. "list_*").
type ListExpansionHint struct {
	ToolNameGlob string   `json:"tool_name_glob" yaml:"tool_name_glob"`
	Param        string   `json:"param" yaml:"param"`
	Default      []string `json:"default" yaml:"default"`
}

// SourceTemplate is a shared catalog entry a Source's TemplateRef points
// to, carrying RuntimeHints so many Sources of the same vendor share one
// hint set.
type SourceTemplate struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	RuntimeHints RuntimeHints `json:"runtime_hints"`
}

// Source is a bound upstream service. Every Source belongs to exactly one
// org; a Source may be linked to many Agents via AgentSourceLink.
type Source struct {
	ID          string      `json:"id"`
	OrgID       string      `json:"org_id"`
	Name        string      `json:"name"`
	BaseURL     string      `json:"base_url"` // HTTP base URL, or MCP server URI
	SourceKind  SourceKind  `json:"source_kind"`
	AuthKind    AuthKind    `json:"auth_kind"`
	AuthConfig  *AuthConfig `json:"auth_config,omitempty"`
	TemplateRef string      `json:"template_ref,omitempty"`
	CreatedAt   time.Time   `json:"created_at"`
}

// Method is an Operation's HTTP verb, or MCP for MCP-sourced tools.
type Method string

const (
	MethodGET     Method = "GET"
	MethodPOST    Method = "POST"
	MethodPUT     Method = "PUT"
	MethodPATCH   Method = "PATCH"
	MethodDELETE  Method = "DELETE"
	MethodHEAD    Method = "HEAD"
	MethodOPTIONS Method = "OPTIONS"
	MethodMCP     Method = "MCP"
)

// IsReadOnly reports whether this method is safe to expose under a
// read-only AgentSourceLink.
func (m Method) IsReadOnly() bool {
	switch m {
	case MethodGET, MethodHEAD, MethodOPTIONS:
		return true
	default:
		return false
	}
}

// RiskLevel classifies how dangerous invoking an Operation is.
type RiskLevel string

const (
	RiskSafe      RiskLevel = "safe"
	RiskModerate  RiskLevel = "moderate"
	RiskDangerous RiskLevel = "dangerous"
)

// ParamLocation is where a schema property's value is taken from when
// building a request.
type ParamLocation string

const (
	ParamPath  ParamLocation = "path"
	ParamQuery ParamLocation = "query"
	ParamBody  ParamLocation = "body"
)

// ParamSchema describes one property of an Operation's parameterSchema.
type ParamSchema struct {
	Name     string        `json:"name"`
	In       ParamLocation `json:"in"`
	Type     string        `json:"type,omitempty"` // JSON Schema type, defaults to "string"
	Required bool          `json:"required,omitempty"`
}

// Embedding is the dense vector computed for an Operation's description.
// Only one of Vec1536/Vec768 is populated per record, per the single
// active dimension per deployment.
type Embedding struct {
	Vec1536 []float32 `json:"vec1536,omitempty"`
	Vec768  []float32 `json:"vec768,omitempty"`
}

// Dim reports the populated width, or 0 if the Operation has no embedding.
func (e Embedding) Dim() int {
	switch {
	case len(e.Vec1536) > 0:
		return 1536
	case len(e.Vec768) > 0:
		return 768
	default:
		return 0
	}
}

// Vector returns whichever column is populated.
func (e Embedding) Vector() []float32 {
	if len(e.Vec1536) > 0 {
		return e.Vec1536
	}
	return e.Vec768
}

// Operation is a callable API operation derived from a Source.
type Operation struct {
	ID                string            `json:"id"`
	SourceID          string            `json:"source_id"`
	OperationID       string            `json:"operation_id"` // stable id within the Source (e.g. OpenAPI operationId)
	Name              string            `json:"name"`
	Description       string            `json:"description"`
	Method            Method            `json:"method"`
	Path              string            `json:"path,omitempty"`         // HTTP path
	MCPToolName       string            `json:"mcp_tool_name,omitempty"` // MCP branch
	ParameterSchema   []ParamSchema     `json:"parameter_schema"`
	RequestBodySchema []string          `json:"request_body_schema,omitempty"` // keys drawn from args when present
	RiskLevel         RiskLevel         `json:"risk_level"`
	RequiresConfirmation bool           `json:"requires_confirmation"`
	Tags              []string          `json:"tags,omitempty"`
	Embedding         Embedding         `json:"embedding,omitempty"`
}

// Permission is the capability an AgentSourceLink grants.
type Permission string

const (
	PermissionRead      Permission = "read"
	PermissionReadWrite Permission = "read_write"
)

// AgentSourceLink connects an Agent to a Source with a capability.
type AgentSourceLink struct {
	AgentID    string     `json:"agent_id"`
	SourceID   string     `json:"source_id"`
	Permission Permission `json:"permission"`
}

// Credential is a per-user secret bound to a single Source. Never shared
// across users; at most one active Credential per (user, Source).
type Credential struct {
	ID          string    `json:"id"`
	UserID      string    `json:"user_id"`
	SourceID    string    `json:"source_id"`
	Active      bool      `json:"active"`
	Token       string    `json:"-"` // bearer / passthrough
	APIKey      string    `json:"-"`
	BasicUser   string    `json:"-"`
	BasicPass   string    `json:"-"`
	HeaderName  string    `json:"-"`
	HeaderValue string    `json:"-"`
	CreatedAt   time.Time `json:"created_at"`
}

// Tail returns the last n characters of the credential's identifying
// secret, used as part of the MCP client pool's cache key. Never logged.
func (c Credential) Tail(n int) string {
	s := c.Token
	if s == "" {
		s = c.APIKey
	}
	if s == "" {
		s = c.HeaderValue
	}
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// InvocationState is a ToolInvocation's position in its monotonic
// state-machine sequence.
type InvocationState string

const (
	StateInputStreaming    InvocationState = "input_streaming"
	StateInputAvailable    InvocationState = "input_available"
	StateApprovalRequested InvocationState = "approval_requested"
	StateApprovalResponded InvocationState = "approval_responded"
	StateOutputAvailable   InvocationState = "output_available"
	StateOutputError       InvocationState = "output_error"
)

// stateOrder gives each state its position in the monotonic sequence for
// validating transitions; approval states are optional but, if taken,
// must occur in order between input_available and output_*.
var stateOrder = map[InvocationState]int{
	StateInputStreaming:    0,
	StateInputAvailable:    1,
	StateApprovalRequested: 2,
	StateApprovalResponded: 3,
	StateOutputAvailable:   4,
	StateOutputError:       4,
}

// CanTransition reports whether moving from cur to next respects the
// monotonic ordering of §3. Output states are terminal.
func CanTransition(cur, next InvocationState) bool {
	if cur == StateOutputAvailable || cur == StateOutputError {
		return false
	}
	co, ok1 := stateOrder[cur]
	no, ok2 := stateOrder[next]
	if !ok1 || !ok2 {
		return false
	}
	return no > co
}

// ToolInvocation is one Operation dispatch within a Turn.
type ToolInvocation struct {
	ToolCallID       string          `json:"tool_call_id"`
	OperationRef     string          `json:"operation_ref"`
	Arguments        json.RawMessage `json:"arguments"`
	State            InvocationState `json:"state"`
	ApprovalID       string          `json:"approval_id,omitempty"`
	Approved         *bool           `json:"approved,omitempty"`
	Output           json.RawMessage `json:"output,omitempty"`
	DurationMs       int64           `json:"duration_ms,omitempty"`
	UpstreamStatus   int             `json:"upstream_status,omitempty"`
	ErrorMessage     string          `json:"error_message,omitempty"`
	DispatchStart    time.Time       `json:"dispatch_start"`
	PageCache        *PageCache      `json:"-"`
}

// Transition moves the invocation to next, returning false (and leaving
// the state unchanged) if the transition would violate monotonicity.
func (t *ToolInvocation) Transition(next InvocationState) bool {
	if !CanTransition(t.State, next) {
		return false
	}
	t.State = next
	return true
}

// ActionStatus is an ActionRecord's lifecycle status.
type ActionStatus string

const (
	ActionPendingConfirmation ActionStatus = "pending_confirmation"
	ActionConfirmed           ActionStatus = "confirmed"
	ActionRejected            ActionStatus = "rejected"
	ActionExecuting           ActionStatus = "executing"
	ActionCompleted           ActionStatus = "completed"
	ActionFailed              ActionStatus = "failed"
)

// ActionRecordBodyCap bounds the persisted response body size (§6).
const ActionRecordBodyCap = 64 * 1024

// ActionRecord is the durable audit entry written for every dispatched
// Operation. Writes are append-only and never mutate past records.
type ActionRecord struct {
	ID             string       `json:"id"`
	OrgID          string       `json:"org_id"`
	UserID         string       `json:"user_id"`
	AgentID        string       `json:"agent_id"`
	SourceID       string       `json:"source_id"`
	OperationID    string       `json:"operation_id"`
	ToolCallID     string       `json:"tool_call_id"`
	Method         Method       `json:"method"`
	URL            string       `json:"url"`
	RequestBody    string       `json:"request_body,omitempty"`
	ResponseStatus int          `json:"response_status"`
	ResponseBody   string       `json:"response_body,omitempty"`
	DurationMs     int64        `json:"duration_ms"`
	Status         ActionStatus `json:"status"`
	ErrorMessage   string       `json:"error_message,omitempty"`
	CreatedAt      time.Time    `json:"created_at"`
	Paginated      bool         `json:"paginated"`
}

// PageCache is the per-ToolInvocation ordered cache of fetched pages. It
// is created on first paginated response and is never persisted.
type PageCache struct {
	Pages            map[int][]json.RawMessage `json:"pages"`
	PaginationCursor  string                    `json:"pagination_cursor,omitempty"`
	HasMore           bool                      `json:"has_more"`
	fetchInFlight     bool
}

// NewPageCache returns an empty PageCache.
func NewPageCache() *PageCache {
	return &PageCache{Pages: make(map[int][]json.RawMessage)}
}

// CachedPages returns the number of contiguous pages currently cached.
func (p *PageCache) CachedPages() int {
	return len(p.Pages)
}

// AppendPage adds the next page's data array at index CachedPages()+1.
func (p *PageCache) AppendPage(data []json.RawMessage, cursor string, hasMore bool) int {
	idx := p.CachedPages() + 1
	p.Pages[idx] = data
	p.PaginationCursor = cursor
	p.HasMore = hasMore
	return idx
}

// ViewPage returns the cached page k, or false if it has not been fetched.
func (p *PageCache) ViewPage(k int) ([]json.RawMessage, bool) {
	data, ok := p.Pages[k]
	return data, ok
}

// ViewAll concatenates all cached pages in index order.
func (p *PageCache) ViewAll() []json.RawMessage {
	out := make([]json.RawMessage, 0)
	for i := 1; i <= p.CachedPages(); i++ {
		out = append(out, p.Pages[i]...)
	}
	return out
}

// TryBeginFetch claims the single in-flight fetchNextPage slot for this
// cache, returning false if a fetch is already underway.
func (p *PageCache) TryBeginFetch() bool {
	if p.fetchInFlight {
		return false
	}
	p.fetchInFlight = true
	return true
}

// EndFetch releases the in-flight slot.
func (p *PageCache) EndFetch() {
	p.fetchInFlight = false
}

// Turn is one user message round, carrying a stable chatId and an ordered
// list of ToolInvocations. The Turn owns its ToolInvocations by index; a
// ToolInvocation never holds a back-pointer to its Turn.
type Turn struct {
	ID           string
	ChatID       string
	AgentID      string
	UserID       string
	OrgID        string
	Invocations  []*ToolInvocation
	dispatched   map[string]*ToolInvocation // toolCallId -> invocation, for at-most-once dedup
}

// NewTurn starts a Turn for the given chat/agent/user.
func NewTurn(id, chatID, agentID, userID, orgID string) *Turn {
	return &Turn{
		ID: id, ChatID: chatID, AgentID: agentID, UserID: userID, OrgID: orgID,
		dispatched: make(map[string]*ToolInvocation),
	}
}

// DispatchedInvocation returns the previously-created invocation for
// toolCallID, if the Model has re-emitted an identical tool call.
func (t *Turn) DispatchedInvocation(toolCallID string) (*ToolInvocation, bool) {
	inv, ok := t.dispatched[toolCallID]
	return inv, ok
}

// AddInvocation records a newly created invocation, keyed by toolCallId
// for the at-most-once dedup guarantee of §5.
func (t *Turn) AddInvocation(inv *ToolInvocation) {
	t.Invocations = append(t.Invocations, inv)
	t.dispatched[inv.ToolCallID] = inv
}
