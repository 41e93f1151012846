// Package executor implements the Executor (C6): dispatching a selected
// Operation over HTTP or MCP, attaching auth and vendor adapter hooks,
// capturing timing and status, and summarizing the result for the model.
package executor

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/haasonsaas/nexus/internal/adapters"
	"github.com/haasonsaas/nexus/internal/brokererr"
	"github.com/haasonsaas/nexus/internal/net/ssrf"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/value"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Config bounds concurrency and per-dispatch timeouts/retries, mirroring
// the teacher's executor config shape.
type Config struct {
	MaxConcurrency  int
	DefaultTimeout  time.Duration
	DefaultRetries  int
	RetryBackoff    time.Duration
	MaxRetryBackoff time.Duration

	// AllowPrivateNetworks disables the SSRF guard's private/loopback-IP
	// rejection, for local development and tests dispatching against an
	// in-process httptest.Server. Production configuration must leave this
	// false: a Source's BaseURL is tenant-supplied, so the HTTP branch is
	// exactly the outbound path internal/net/ssrf exists to guard.
	AllowPrivateNetworks bool
}

// DefaultConfig matches the spec's default connection timeout window and
// a conservative concurrency bound.
func DefaultConfig() Config {
	return Config{
		MaxConcurrency:  5,
		DefaultTimeout:  30 * time.Second,
		DefaultRetries:  0, // HTTP branch retries are off by default; see DESIGN.md
		RetryBackoff:    100 * time.Millisecond,
		MaxRetryBackoff: 5 * time.Second,
	}
}

// ToolConfig overrides Config on a per-Operation basis.
type ToolConfig struct {
	Timeout time.Duration
	Retries int
}

// Metrics counts executor-wide outcomes for the /metrics endpoint.
type Metrics struct {
	TotalExecutions int64
	TotalRetries    int64
	TotalFailures   int64
	TotalTimeouts   int64
	TotalPanics     int64
}

// MCPDispatcher is implemented by the MCP Client Pool (C9); kept as an
// interface here so the Executor has no direct dependency on the pool's
// connection-management internals.
type MCPDispatcher interface {
	Call(ctx context.Context, source models.Source, cred *models.Credential, toolName string, args value.Value) (value.Value, error)
}

// Executor dispatches Operations for a Turn.
type Executor struct {
	config     Config
	toolConfig map[string]ToolConfig
	adapters   *adapters.Registry
	mcp        MCPDispatcher
	httpClient *http.Client
	logger     *slog.Logger
	tracer     *observability.Tracer

	sem     chan struct{}
	metrics Metrics
	mu      sync.RWMutex
}

// New constructs an Executor against the global TracerProvider; call
// cmd/broker's observability.NewTracer during startup to register a real
// exporter before any Executor is built, or every dispatch span is a no-op.
func New(cfg Config, registry *adapters.Registry, mcp MCPDispatcher, logger *slog.Logger) *Executor {
	if cfg.MaxConcurrency <= 0 {
		cfg.MaxConcurrency = 5
	}
	if logger == nil {
		logger = slog.Default()
	}
	tracer, _ := observability.NewTracer(observability.TraceConfig{ServiceName: "nexus-broker.executor"})
	return &Executor{
		config:     cfg,
		toolConfig: make(map[string]ToolConfig),
		adapters:   registry,
		mcp:        mcp,
		httpClient: &http.Client{},
		logger:     logger,
		tracer:     tracer,
		sem:        make(chan struct{}, cfg.MaxConcurrency),
	}
}

// ConfigureTool registers a per-Operation timeout/retry override, keyed by
// Operation.ID.
func (e *Executor) ConfigureTool(operationID string, cfg ToolConfig) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.toolConfig[operationID] = cfg
}

func (e *Executor) getToolConfig(operationID string) (time.Duration, int) {
	e.mu.RLock()
	cfg, ok := e.toolConfig[operationID]
	e.mu.RUnlock()
	timeout := e.config.DefaultTimeout
	retries := e.config.DefaultRetries
	if ok {
		if cfg.Timeout > 0 {
			timeout = cfg.Timeout
		}
		retries = cfg.Retries
	}
	return timeout, retries
}

// Context carries everything a dispatch needs beyond the Operation and
// arguments, replacing the closure-captured state the teacher's tool
// `execute` functions relied on.
type Context struct {
	Source     models.Source
	Credential *models.Credential
	UserID     string
}

// Result is the outcome of one dispatch: the raw parsed body plus enough
// metadata to build an ActionRecord and a model-facing summary.
type Result struct {
	URL          string
	Status       int
	Body         value.Value
	RawBody      string
	DurationMs   int64
	ErrorMessage string
	LinkHeader   string // raw Link header, for adapters.ApplyLinkHeader
}

// Execute dispatches op against HTTP or MCP depending on its method,
// bounded by the executor's semaphore and per-tool timeout/retry policy,
// with panic recovery around the dispatch itself.
func (e *Executor) Execute(ctx context.Context, op models.Operation, args value.Value, ec Context) (Result, error) {
	select {
	case e.sem <- struct{}{}:
		defer func() { <-e.sem }()
	case <-ctx.Done():
		return Result{}, ctx.Err()
	}

	atomic.AddInt64(&e.metrics.TotalExecutions, 1)

	timeout, retries := e.getToolConfig(op.ID)
	var lastErr error
	var lastResult Result
	backoff := e.config.RetryBackoff

	for attempt := 0; attempt <= retries; attempt++ {
		if attempt > 0 {
			atomic.AddInt64(&e.metrics.TotalRetries, 1)
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return Result{}, ctx.Err()
			}
			backoff *= 2
			if backoff > e.config.MaxRetryBackoff {
				backoff = e.config.MaxRetryBackoff
			}
		}

		result, err := e.dispatchWithTimeout(ctx, op, args, ec, timeout)
		if err == nil {
			return result, nil
		}
		lastErr = err
		lastResult = result
		if !isRetryable(err) {
			break
		}
	}

	atomic.AddInt64(&e.metrics.TotalFailures, 1)
	// lastResult carries the upstream status/body for non-2xx responses so
	// the caller can still build an ActionRecord; transport-level failures
	// leave it zero-valued.
	return lastResult, lastErr
}

func (e *Executor) dispatchWithTimeout(ctx context.Context, op models.Operation, args value.Value, ec Context, timeout time.Duration) (result Result, err error) {
	dctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	type outcome struct {
		result Result
		err    error
	}
	done := make(chan outcome, 1)

	go func() {
		defer func() {
			if r := recover(); r != nil {
				atomic.AddInt64(&e.metrics.TotalPanics, 1)
				e.logger.Error("executor dispatch panic", "operation", op.ID, "panic", r, "stack", string(debug.Stack()))
				done <- outcome{err: brokererr.Newf(brokererr.Internal, "panic during dispatch: %v", r).WithOperation(op.ID)}
			}
		}()
		r, derr := e.dispatch(dctx, op, args, ec)
		done <- outcome{result: r, err: derr}
	}()

	select {
	case o := <-done:
		return o.result, o.err
	case <-dctx.Done():
		atomic.AddInt64(&e.metrics.TotalTimeouts, 1)
		return Result{}, brokererr.New(brokererr.UpstreamTransportError, dctx.Err()).WithOperation(op.ID)
	}
}

// dispatch wraps the HTTP/MCP branch in a span named after the Operation,
// per SPEC_FULL §2.1's "tracing spans wrap each ToolInvocation dispatch".
func (e *Executor) dispatch(ctx context.Context, op models.Operation, args value.Value, ec Context) (Result, error) {
	ctx, span := e.tracer.Start(ctx, "tool."+op.ID, trace.SpanKindClient,
		attribute.String("operation.id", op.ID),
		attribute.String("source.id", ec.Source.ID),
	)
	defer span.End()

	var result Result
	var err error
	if op.Method == models.MethodMCP || ec.Source.SourceKind == models.SourceKindMCP {
		result, err = e.dispatchMCP(ctx, op, args, ec)
	} else {
		result, err = e.dispatchHTTP(ctx, op, args, ec)
	}
	if err != nil {
		observability.RecordError(span, err)
	} else {
		span.SetAttributes(attribute.Int("http.status_code", result.Status))
	}
	return result, err
}

func (e *Executor) dispatchMCP(ctx context.Context, op models.Operation, args value.Value, ec Context) (Result, error) {
	if e.mcp == nil {
		return Result{}, brokererr.Newf(brokererr.Internal, "no MCP dispatcher configured").WithOperation(op.ID)
	}
	cleaned := cleanArgs(args)
	start := time.Now()
	body, err := e.mcp.Call(ctx, ec.Source, ec.Credential, op.MCPToolName, cleaned)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		return Result{DurationMs: duration}, err
	}
	return Result{
		URL:        ec.Source.BaseURL + "#" + op.MCPToolName,
		Status:     200,
		Body:       body,
		DurationMs: duration,
	}, nil
}

// cleanArgs drops keys whose value is null, empty string, or empty array,
// per §4.6 step 1.
func cleanArgs(args value.Value) value.Value {
	if args.Kind() != value.KindObj {
		return args
	}
	fields := make(map[string]value.Value)
	for _, k := range args.Keys() {
		v, _ := args.Get(k)
		if !v.IsEmpty() {
			fields[k] = v
		}
	}
	return value.Obj(fields)
}

func isRetryable(err error) bool {
	be, ok := brokererr.Of(err)
	if !ok {
		return false
	}
	return be.Kind == brokererr.UpstreamTransportError
}

// Snapshot returns a copy of the executor's running metrics counters.
func (e *Executor) Snapshot() Metrics {
	return Metrics{
		TotalExecutions: atomic.LoadInt64(&e.metrics.TotalExecutions),
		TotalRetries:    atomic.LoadInt64(&e.metrics.TotalRetries),
		TotalFailures:   atomic.LoadInt64(&e.metrics.TotalFailures),
		TotalTimeouts:   atomic.LoadInt64(&e.metrics.TotalTimeouts),
		TotalPanics:     atomic.LoadInt64(&e.metrics.TotalPanics),
	}
}

// buildAuthHeaders attaches Source-credential headers per authKind.
func buildAuthHeaders(source models.Source, cred *models.Credential) (map[string]string, error) {
	headers := map[string]string{}
	switch source.AuthKind {
	case models.AuthBearer:
		token := ""
		if cred != nil {
			token = cred.Token
		}
		if token == "" {
			return nil, brokererr.Newf(brokererr.MissingCredentials, "bearer token required for %s", source.Name).WithSource(source.Name)
		}
		headers["Authorization"] = "Bearer " + token
	case models.AuthAPIKey:
		key := ""
		if cred != nil {
			key = cred.APIKey
		}
		if key == "" {
			return nil, brokererr.Newf(brokererr.MissingCredentials, "API key required for %s", source.Name).WithSource(source.Name)
		}
		headerName := "X-API-Key"
		if source.AuthConfig != nil && source.AuthConfig.HeaderName != "" {
			headerName = source.AuthConfig.HeaderName
		}
		headers[headerName] = key
	case models.AuthBasic:
		if cred == nil || cred.BasicUser == "" {
			return nil, brokererr.Newf(brokererr.MissingCredentials, "basic auth credentials required for %s", source.Name).WithSource(source.Name)
		}
		raw := cred.BasicUser + ":" + cred.BasicPass
		headers["Authorization"] = "Basic " + base64.StdEncoding.EncodeToString([]byte(raw))
	case models.AuthHeaderPair:
		if cred == nil || cred.HeaderName == "" {
			return nil, brokererr.Newf(brokererr.MissingCredentials, "header-pair credential required for %s", source.Name).WithSource(source.Name)
		}
		headers[cred.HeaderName] = cred.HeaderValue
	case models.AuthNone, models.AuthPassthrough:
		// no header added; passthrough forwards the user's own token
		// upstream via a different path (the chat gateway), not here.
	}
	return headers, nil
}

// buildURL substitutes path parameters and appends query parameters, per
// §4.6 step 3.
func buildURL(baseURL, path string, op models.Operation, args value.Value) (string, error) {
	base := strings.TrimRight(baseURL, "/")
	p := path

	query := url.Values{}
	for _, ps := range op.ParameterSchema {
		v, ok := args.Get(ps.Name)
		if !ok || v.IsEmpty() {
			continue
		}
		switch ps.In {
		case models.ParamPath:
			placeholder := "{" + ps.Name + "}"
			if !strings.Contains(p, placeholder) {
				continue
			}
			p = strings.ReplaceAll(p, placeholder, url.PathEscape(scalarString(v)))
		case models.ParamQuery:
			query.Set(ps.Name, scalarString(v))
		}
	}

	if !strings.HasPrefix(p, "/") {
		p = "/" + p
	}
	full := base + p
	if encoded := query.Encode(); encoded != "" {
		full += "?" + encoded
	}
	return full, nil
}

func scalarString(v value.Value) string {
	switch v.Kind() {
	case value.KindStr:
		return v.Str()
	case value.KindBool:
		return fmt.Sprintf("%t", v.Bool())
	case value.KindNum:
		return formatNum(v.Num())
	default:
		return ""
	}
}

func formatNum(n float64) string {
	if n == float64(int64(n)) {
		return fmt.Sprintf("%d", int64(n))
	}
	return fmt.Sprintf("%g", n)
}

// buildBody collects body-eligible args (requestBodySchema keys, or
// everything not claimed by path/query params) for write methods, per
// §4.6 step 4.
func buildBody(op models.Operation, args value.Value) value.Value {
	if !isWriteMethod(op.Method) || args.Kind() != value.KindObj {
		return value.Null()
	}

	claimed := map[string]bool{}
	for _, ps := range op.ParameterSchema {
		if ps.In == models.ParamPath || ps.In == models.ParamQuery {
			claimed[ps.Name] = true
		}
	}

	fields := map[string]value.Value{}
	if len(op.RequestBodySchema) > 0 {
		for _, key := range op.RequestBodySchema {
			if v, ok := args.Get(key); ok && !v.IsEmpty() {
				fields[key] = v
			}
		}
	} else {
		for _, k := range args.Keys() {
			if claimed[k] {
				continue
			}
			if v, ok := args.Get(k); ok && !v.IsEmpty() {
				fields[k] = v
			}
		}
	}
	if len(fields) == 0 {
		return value.Null()
	}
	return value.Obj(fields)
}

func isWriteMethod(m models.Method) bool {
	switch m {
	case models.MethodPOST, models.MethodPUT, models.MethodPATCH, models.MethodDELETE:
		return true
	default:
		return false
	}
}

func (e *Executor) dispatchHTTP(ctx context.Context, op models.Operation, args value.Value, ec Context) (Result, error) {
	cleaned := cleanArgs(args)
	adapter := e.adapters.For(ec.Source.BaseURL)
	cleaned = adapter.BeforeRequest(cleaned, op, ec.Source)

	fullURL, err := buildURL(ec.Source.BaseURL, op.Path, op, cleaned)
	if err != nil {
		return Result{}, brokererr.New(brokererr.Internal, err).WithOperation(op.ID)
	}

	if !e.config.AllowPrivateNetworks {
		parsed, perr := url.Parse(fullURL)
		if perr != nil {
			return Result{}, brokererr.New(brokererr.Internal, perr).WithOperation(op.ID)
		}
		if verr := ssrf.ValidatePublicHostname(parsed.Hostname()); verr != nil {
			return Result{}, brokererr.New(brokererr.Forbidden, verr).WithSource(ec.Source.Name).WithOperation(op.ID)
		}
	}

	body := buildBody(op, cleaned)

	var bodyReader io.Reader
	contentType := ""
	if !body.IsNull() && !body.IsEmpty() {
		switch adapter.ContentType() {
		case adapters.ContentTypeFormURLEncoded:
			bodyReader = strings.NewReader(adapters.EncodeForm(body))
			contentType = "application/x-www-form-urlencoded"
		default:
			raw, merr := body.MarshalJSON()
			if merr != nil {
				return Result{}, brokererr.New(brokererr.Internal, merr).WithOperation(op.ID)
			}
			bodyReader = strings.NewReader(string(raw))
			contentType = "application/json"
		}
	}

	req, err := http.NewRequestWithContext(ctx, string(op.Method), fullURL, bodyReader)
	if err != nil {
		return Result{}, brokererr.New(brokererr.Internal, err).WithOperation(op.ID)
	}
	req.Header.Set("Accept", "application/json")
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}

	authHeaders, err := buildAuthHeaders(ec.Source, ec.Credential)
	if err != nil {
		return Result{}, err
	}
	for k, v := range authHeaders {
		req.Header.Set(k, v)
	}
	for k, v := range adapter.Headers(ec.Source) {
		req.Header.Set(k, v)
	}
	if ec.UserID != "" {
		req.Header.Set("X-Mock-User", ec.UserID)
	}

	start := time.Now()
	resp, err := e.httpClient.Do(req)
	duration := time.Since(start).Milliseconds()
	if err != nil {
		return Result{DurationMs: duration}, brokererr.New(brokererr.UpstreamTransportError, err).WithSource(ec.Source.Name).WithOperation(op.ID)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 10*1024*1024))
	if err != nil {
		return Result{DurationMs: duration}, brokererr.New(brokererr.UpstreamTransportError, err).WithSource(ec.Source.Name).WithOperation(op.ID)
	}

	parsed, perr := value.FromJSON(raw)
	if perr != nil {
		parsed = value.Obj(map[string]value.Value{"text": value.Str(truncate(string(raw), errCap))})
	}
	parsed = adapter.AfterResponse(parsed, op, ec.Source)
	parsed = adapters.ApplyLinkHeader(parsed, resp.Header.Get("Link"))

	result := Result{
		URL:        fullURL,
		Status:     resp.StatusCode,
		Body:       parsed,
		RawBody:    string(raw),
		DurationMs: duration,
		LinkHeader: resp.Header.Get("Link"),
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		result.ErrorMessage = fmt.Sprintf("HTTP %d Error:\n%s", resp.StatusCode, truncate(string(raw), errCap))
		return result, brokererr.Newf(brokererr.UpstreamHTTPError, "upstream returned %d", resp.StatusCode).WithSource(ec.Source.Name).WithOperation(op.ID)
	}
	return result, nil
}
