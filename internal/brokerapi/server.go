// Package brokerapi exposes the broker's five HTTP endpoints over the
// component graph wired in internal/turn, internal/executor,
// internal/selector, and internal/storage. It mirrors the teacher's
// internal/gateway/http_server.go lifecycle (ServeMux, promhttp,
// graceful shutdown) rather than extending that package directly, since
// internal/gateway's Server is wired to channel bridging and the web
// console this service does not have.
package brokerapi

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/haasonsaas/nexus/internal/actionlog"
	"github.com/haasonsaas/nexus/internal/confirmation"
	"github.com/haasonsaas/nexus/internal/credentials"
	"github.com/haasonsaas/nexus/internal/executor"
	"github.com/haasonsaas/nexus/internal/metrics"
	"github.com/haasonsaas/nexus/internal/model"
	"github.com/haasonsaas/nexus/internal/selector"
	"github.com/haasonsaas/nexus/internal/storage"
	"github.com/haasonsaas/nexus/internal/turn"
)

// Deps bundles every component the HTTP surface dispatches into. All
// fields are required except Logger and Metrics, which a caller may leave
// nil to use a default logger or run without Prometheus instrumentation.
type Deps struct {
	Stores       storage.StoreSet
	Selector     *selector.Selector
	Executor     *executor.Executor
	Gate         *confirmation.Gate
	Credentials  *credentials.Resolver
	ActionLog    *actionlog.Log
	Orchestrator *turn.Orchestrator
	Model        *model.Client
	Logger       *slog.Logger
	Metrics      *metrics.Metrics
}

// Server owns the broker's HTTP listener.
type Server struct {
	deps   Deps
	logger *slog.Logger

	host string
	port int

	httpServer *http.Server
	listener   net.Listener

	pages *paginationRegistry
}

// New constructs a Server bound to host:port. It does not start
// listening until Start is called.
func New(host string, port int, deps Deps) *Server {
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		deps:   deps,
		logger: logger.With("component", "brokerapi"),
		host:   host,
		port:   port,
		pages:  newPaginationRegistry(),
	}
}

func (s *Server) mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/healthz", s.instrument("/healthz", s.handleHealthz))
	mux.HandleFunc("POST /chat", s.instrument("/chat", s.handleChat))
	mux.HandleFunc("POST /tools/execute", s.instrument("/tools/execute", s.handleToolsExecute))
	mux.HandleFunc("POST /tools/paginate", s.instrument("/tools/paginate", s.handleToolsPaginate))
	mux.HandleFunc("GET /activity", s.instrument("/activity", s.handleActivity))
	mux.HandleFunc("GET /workspace/chats/{chatId}", s.instrument("/workspace/chats", s.handleWorkspaceChat))
	return mux
}

// instrument wraps h to record broker_http_requests_total/duration under
// a fixed path label, avoiding unbounded cardinality from path values
// like chat IDs.
func (s *Server) instrument(path string, h http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		start := time.Now()
		h(rec, r)
		s.deps.Metrics.RecordHTTPRequest(r.Method, path, strconv.Itoa(rec.status), time.Since(start).Seconds())
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

// Start binds the listener and serves in a background goroutine,
// returning once the listener is ready. Call Stop to shut down.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.host, s.port)

	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("http listen: %w", err)
	}

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.mux(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.listener = listener

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("http server error", "error", err)
		}
	}()

	s.logger.Info("starting http server", "addr", addr)
	return nil
}

// Stop gracefully shuts down the listener, bounding the wait on ctx.
func (s *Server) Stop(ctx context.Context) {
	if s.httpServer == nil {
		return
	}
	shutdownCtx := ctx
	if shutdownCtx == nil {
		var cancel context.CancelFunc
		shutdownCtx, cancel = context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
	}
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.httpServer = nil
	s.listener = nil
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"status": "ok"})
}
