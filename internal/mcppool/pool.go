package mcppool

import (
	"context"
	"encoding/base64"
	"fmt"
	"log/slog"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/nexus/internal/backoff"
	"github.com/haasonsaas/nexus/internal/brokererr"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/value"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Pool keeps one long-lived Client per (sourceId, credentialTail), so a
// reconnect on credential rotation doesn't disturb other users of the same
// Source. It implements executor.MCPDispatcher.
type Pool struct {
	logger  *slog.Logger
	clients map[string]*Client
	tracer  *observability.Tracer

	templates func(templateRef string) models.RuntimeHints

	mu sync.Mutex
}

// NewPool constructs an empty Pool. templates resolves a Source's
// TemplateRef to its RuntimeHints; pass a func returning the zero value if
// the Source carries inline hints instead of a template reference.
func NewPool(logger *slog.Logger, templates func(templateRef string) models.RuntimeHints) *Pool {
	if logger == nil {
		logger = slog.Default()
	}
	if templates == nil {
		templates = func(string) models.RuntimeHints { return models.RuntimeHints{} }
	}
	tracer, _ := observability.NewTracer(observability.TraceConfig{ServiceName: "nexus-broker.mcppool"})
	return &Pool{
		logger:    logger,
		clients:   make(map[string]*Client),
		tracer:    tracer,
		templates: templates,
	}
}

func poolKey(sourceID string, cred *models.Credential) string {
	tail := "anonymous"
	if cred != nil {
		tail = cred.Tail(8)
	}
	return sourceID + "#" + tail
}

// clientFor returns the pooled Client for (source, cred), binding and
// connecting a new one on first use. A connection failure evicts the slot
// so the next call gets a fresh attempt rather than a poisoned entry.
func (p *Pool) clientFor(ctx context.Context, source models.Source, cred *models.Credential) (*Client, error) {
	key := poolKey(source.ID, cred)

	p.mu.Lock()
	if c, ok := p.clients[key]; ok {
		p.mu.Unlock()
		return c, nil
	}
	p.mu.Unlock()

	headers, err := mcpAuthHeaders(source, cred)
	if err != nil {
		return nil, err
	}

	client, err := Bind(source, headers, p.logger)
	if err != nil {
		return nil, err
	}

	result, err := backoff.RetryWithBackoff(ctx, backoff.AggressivePolicy(), 2, func(int) (struct{}, error) {
		return struct{}{}, client.Connect(ctx)
	})
	if err != nil {
		return nil, brokererr.New(brokererr.UpstreamTransportError, fmt.Errorf("connect to %s after %d attempts: %w", source.Name, result.Attempts, err)).WithSource(source.Name)
	}

	p.mu.Lock()
	p.clients[key] = client
	p.mu.Unlock()
	return client, nil
}

// Evict drops the pooled client for (sourceID, cred), forcing a fresh
// connection on the next Call. Used when a caller observes a dead
// connection outside of Call's own retry.
func (p *Pool) Evict(sourceID string, cred *models.Credential) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.clients, poolKey(sourceID, cred))
}

// Call implements executor.MCPDispatcher: it resolves the pooled Client,
// applies argument hints, invokes the tool, folds the content array, and
// applies response hints. A thin-result warning is appended to the
// returned value rather than raised as an error.
func (p *Pool) Call(ctx context.Context, source models.Source, cred *models.Credential, toolName string, args value.Value) (value.Value, error) {
	ctx, span := p.tracer.Start(ctx, "mcp."+toolName, trace.SpanKindClient,
		attribute.String("mcp.source_id", source.ID),
		attribute.String("mcp.tool_name", toolName),
	)
	defer span.End()

	client, err := p.clientFor(ctx, source, cred)
	if err != nil {
		observability.RecordError(span, err)
		return value.Null(), err
	}

	hints := p.templates(source.TemplateRef)
	arguments := ApplyArgumentHints(hints, toolName, toAnyMap(args))

	result, err := client.CallTool(ctx, toolName, arguments)
	if err != nil && brokererr.Is(err, brokererr.UpstreamTransportError) {
		// A transport error gets one reconnect-and-retry before the call fails.
		p.Evict(source.ID, cred)
		if client, err = p.clientFor(ctx, source, cred); err == nil {
			result, err = client.CallTool(ctx, toolName, arguments)
		}
	}
	if err != nil {
		p.Evict(source.ID, cred)
		observability.RecordError(span, err)
		return value.Null(), err
	}

	text, structured := FoldContent(result.Content)
	if result.IsError {
		toolErr := brokererr.Newf(brokererr.UpstreamHTTPError, "%s", text).WithSource(source.Name).WithOperation(toolName)
		observability.RecordError(span, toolErr)
		return value.Null(), toolErr
	}

	unwrapped, thin := ApplyResponseHints(hints, structured)
	if len(unwrapped) == 0 {
		return value.Str(text), nil
	}

	out := valueFromRaw(unwrapped)
	if thin {
		p.logger.Warn("MCP tool returned a thin result", "source", source.Name, "tool", toolName)
		fields := map[string]value.Value{
			"data":    out,
			"warning": value.Str(thinResultGuidance(hints, toolName)),
		}
		return value.Obj(fields), nil
	}
	return out, nil
}

func toAnyMap(v value.Value) map[string]any {
	if v.Kind() != value.KindObj {
		return nil
	}
	out := make(map[string]any, len(v.Keys()))
	for _, k := range v.Keys() {
		field, _ := v.Get(k)
		out[k] = field.ToAny()
	}
	return out
}

// mcpAuthHeaders mirrors the Executor's authKind handling for the subset
// relevant to MCP servers: bearer, API key, basic, and static header-pair
// auth. Passthrough auth has no meaning for a pooled MCP connection since
// there is no per-request caller identity to forward, so it resolves to no
// headers.
func mcpAuthHeaders(source models.Source, cred *models.Credential) (map[string]string, error) {
	headers := map[string]string{}
	switch source.AuthKind {
	case models.AuthNone, models.AuthPassthrough:
		return headers, nil
	case models.AuthBearer:
		if cred == nil || cred.Token == "" {
			return nil, brokererr.Newf(brokererr.MissingCredentials, "bearer token required for %s", source.Name).WithSource(source.Name)
		}
		headers["Authorization"] = "Bearer " + cred.Token
	case models.AuthAPIKey:
		if cred == nil || cred.APIKey == "" {
			return nil, brokererr.Newf(brokererr.MissingCredentials, "API key required for %s", source.Name).WithSource(source.Name)
		}
		headerName := "X-API-Key"
		if source.AuthConfig != nil && source.AuthConfig.HeaderName != "" {
			headerName = source.AuthConfig.HeaderName
		}
		headers[headerName] = cred.APIKey
	case models.AuthBasic:
		if cred == nil || cred.BasicUser == "" {
			return nil, brokererr.Newf(brokererr.MissingCredentials, "basic auth credentials required for %s", source.Name).WithSource(source.Name)
		}
		raw := cred.BasicUser + ":" + cred.BasicPass
		headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
	case models.AuthHeaderPair:
		if cred == nil || cred.HeaderName == "" {
			return nil, brokererr.Newf(brokererr.MissingCredentials, "header credentials required for %s", source.Name).WithSource(source.Name)
		}
		headers[cred.HeaderName] = cred.HeaderValue
	}
	return headers, nil
}
