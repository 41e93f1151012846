package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/haasonsaas/nexus/internal/actionlog"
	"github.com/haasonsaas/nexus/internal/adapters"
	"github.com/haasonsaas/nexus/internal/audit"
	"github.com/haasonsaas/nexus/internal/brokerapi"
	"github.com/haasonsaas/nexus/internal/brokerconfig"
	"github.com/haasonsaas/nexus/internal/confirmation"
	"github.com/haasonsaas/nexus/internal/credentials"
	"github.com/haasonsaas/nexus/internal/embeddings"
	embeddingsopenai "github.com/haasonsaas/nexus/internal/embeddings/openai"
	"github.com/haasonsaas/nexus/internal/embeddings/ollama"
	"github.com/haasonsaas/nexus/internal/executor"
	"github.com/haasonsaas/nexus/internal/mcppool"
	"github.com/haasonsaas/nexus/internal/metrics"
	"github.com/haasonsaas/nexus/internal/model"
	"github.com/haasonsaas/nexus/internal/observability"
	"github.com/haasonsaas/nexus/internal/selector"
	"github.com/haasonsaas/nexus/internal/storage"
	"github.com/haasonsaas/nexus/internal/turn"
	"github.com/haasonsaas/nexus/pkg/models"
)

// serveDeps bundles the constructed component graph runServe needs, plus
// the config it was built from for logging Start/Stop addresses.
type serveDeps struct {
	cfg *brokerconfig.Config
	api brokerapi.Deps
}

// buildDeps loads configuration and wires every broker component into an
// brokerapi.Deps graph, mirroring the teacher's NewManagedServer: build
// the storage layer first, then each component that reads from it, then
// the components that dispatch through those, and finally the Orchestrator
// that ties model streaming to dispatch. The returned closer releases any
// database connections opened along the way.
func buildDeps(configPath string, logger *slog.Logger) (serveDeps, func(), error) {
	noop := func() {}

	cfg, err := brokerconfig.Load(configPath)
	if err != nil {
		return serveDeps{}, noop, err
	}

	_, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName:    cfg.Tracing.ServiceName,
		Endpoint:       cfg.Tracing.Endpoint,
		SamplingRate:   cfg.Tracing.SamplingRate,
		EnableInsecure: cfg.Tracing.EnableInsecure,
	})

	stores, closeStores, err := buildStores(cfg, logger)
	if err != nil {
		shutdownTracer(context.Background())
		return serveDeps{}, noop, err
	}
	closer := func() {
		if err := closeStores(); err != nil {
			logger.Warn("close storage", "error", err)
		}
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("shutdown tracer provider", "error", err)
		}
	}

	index, err := buildEmbeddingIndex(cfg)
	if err != nil {
		closer()
		return serveDeps{}, noop, err
	}

	sel := selector.NewSelector(stores.Operations, index)

	registry := adapters.NewRegistry()

	pool := mcppool.NewPool(logger.With("component", "mcppool"), func(string) models.RuntimeHints {
		// No shared SourceTemplate catalog is wired yet; every Source
		// carries its own RuntimeHints directly.
		return models.RuntimeHints{}
	})

	execCfg := executor.DefaultConfig()
	execCfg.AllowPrivateNetworks = cfg.Server.AllowPrivateNetworks
	exec := executor.New(execCfg, registry, pool, logger.With("component", "executor"))

	credStore, err := buildCredentialStore(cfg)
	if err != nil {
		closer()
		return serveDeps{}, noop, err
	}
	credResolver := credentials.New(credStore, func(ctx context.Context, sourceID string) (*models.Source, error) {
		return stores.Sources.Get(ctx, sourceID)
	}, credentials.WithCache(5*time.Minute))

	gate := confirmation.NewGate(toPolicy(cfg.Confirmation), buildConfirmationStore(cfg))
	for agentID, override := range cfg.Confirmation.AgentOverrides {
		gate.SetAgentPolicy(agentID, confirmation.Policy{
			Allowlist:       override.AlwaysAllow,
			RequireApproval: override.AlwaysConfirm,
			DefaultDecision: confirmation.DecisionAllowed,
			RequestTTL:      cfg.Confirmation.ApprovalTimeout,
		})
	}

	auditLogger, err := audit.NewLogger(audit.DefaultConfig())
	if err != nil {
		closer()
		return serveDeps{}, noop, fmt.Errorf("build audit logger: %w", err)
	}

	actionStore, err := buildActionLogStore(cfg)
	if err != nil {
		closer()
		return serveDeps{}, noop, err
	}
	alog := actionlog.New(actionStore, auditLogger, logger.With("component", "actionlog"))

	orch := turn.New(exec, gate, credResolver, alog, func(ctx context.Context, sourceID string) (*models.Source, error) {
		return stores.Sources.Get(ctx, sourceID)
	}, logger.With("component", "turn"))

	modelClient := model.New(cfg.LLM.APIKey)

	return serveDeps{
		cfg: cfg,
		api: brokerapi.Deps{
			Stores:       stores,
			Selector:     sel,
			Executor:     exec,
			Gate:         gate,
			Credentials:  credResolver,
			ActionLog:    alog,
			Orchestrator: orch,
			Model:        modelClient,
			Logger:       logger,
			Metrics:      metrics.New(),
		},
	}, closer, nil
}

func newAPIServer(deps serveDeps) *brokerapi.Server {
	return brokerapi.New(deps.cfg.Server.Host, deps.cfg.Server.HTTPPort, deps.api)
}

func buildStores(cfg *brokerconfig.Config, logger *slog.Logger) (storage.StoreSet, func() error, error) {
	if cfg.Database.URL == "" {
		logger.Info("no database.url configured, running with in-memory stores")
		stores := storage.NewMemoryStores()
		return stores, stores.Close, nil
	}
	dbCfg := storage.DefaultCockroachConfig()
	dbCfg.MaxOpenConns = cfg.Database.MaxConnections
	dbCfg.MaxIdleConns = cfg.Database.MaxConnections
	dbCfg.ConnMaxLifetime = cfg.Database.ConnMaxLifetime
	stores, err := storage.NewCockroachStoresFromDSN(cfg.Database.URL, dbCfg)
	if err != nil {
		return storage.StoreSet{}, nil, fmt.Errorf("connect storage: %w", err)
	}
	return stores, stores.Close, nil
}

func buildEmbeddingIndex(cfg *brokerconfig.Config) (*embeddings.Index, error) {
	switch cfg.Embeddings.Provider {
	case "":
		return nil, nil
	case "openai":
		provider, err := embeddingsopenai.New(embeddingsopenai.Config{
			APIKey:  cfg.Embeddings.APIKey,
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("build openai embedding provider: %w", err)
		}
		return embeddings.NewIndex(provider), nil
	case "ollama":
		provider, err := ollama.New(ollama.Config{
			BaseURL: cfg.Embeddings.BaseURL,
			Model:   cfg.Embeddings.Model,
		})
		if err != nil {
			return nil, fmt.Errorf("build ollama embedding provider: %w", err)
		}
		return embeddings.NewIndex(provider), nil
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Embeddings.Provider)
	}
}

// buildCredentialStore and buildActionLogStore each open their own
// *sql.DB from the same DSN the catalog stores use, since every
// Postgres-backed store type here takes a *sql.DB directly rather than a
// DSN of its own. confirmation has no Postgres-backed Store yet, so the
// Confirmation Gate always runs against the in-memory one regardless of
// database.url; pending approvals do not need to survive a restart the
// way catalog/credential/action-log data does.
func buildCredentialStore(cfg *brokerconfig.Config) (credentials.Store, error) {
	if cfg.Database.URL == "" {
		return credentials.NewMemoryStore(), nil
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open credentials database: %w", err)
	}
	return credentials.NewPostgresStore(db), nil
}

func buildConfirmationStore(cfg *brokerconfig.Config) confirmation.Store {
	return confirmation.NewMemoryStore()
}

func buildActionLogStore(cfg *brokerconfig.Config) (actionlog.Store, error) {
	if cfg.Database.URL == "" {
		return actionlog.NewMemoryStore(), nil
	}
	db, err := sql.Open("postgres", cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("open action log database: %w", err)
	}
	return actionlog.NewPostgresStore(db), nil
}

func toPolicy(cfg brokerconfig.ConfirmationConfig) confirmation.Policy {
	p := confirmation.DefaultPolicy()
	p.RequestTTL = cfg.ApprovalTimeout
	return p
}
