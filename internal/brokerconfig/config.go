// Package brokerconfig loads the broker's YAML (optionally JSON5)
// configuration: server binding, storage backend, the model provider, the
// embedding index, and confirmation policy overrides. It mirrors
// internal/config's $include-resolve then env-expand then strict-decode
// then defaults then validate pipeline, scoped to the sections this
// service actually has.
package brokerconfig

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// ServerConfig is the HTTP listener configuration.
type ServerConfig struct {
	Host     string `yaml:"host"`
	HTTPPort int    `yaml:"http_port"`

	// AllowPrivateNetworks disables the Executor's SSRF guard against
	// private/loopback destinations. Leave false in production, since a
	// Source's BaseURL is tenant-supplied; set true only for local
	// development against sources bound to localhost or a private network.
	AllowPrivateNetworks bool `yaml:"allow_private_networks"`
}

// DatabaseConfig selects the persistence backend. An empty URL means
// every store (catalog, credentials, action log, confirmation gate) runs
// in-memory, which is the zero-config default for local development.
type DatabaseConfig struct {
	URL             string        `yaml:"url"`
	MaxConnections  int           `yaml:"max_connections"`
	ConnMaxLifetime time.Duration `yaml:"conn_max_lifetime"`
}

// LLMConfig selects the model provider backing the Turn loop's streaming
// chat completions.
type LLMConfig struct {
	APIKey       string        `yaml:"api_key"`
	DefaultModel string        `yaml:"default_model"`
	Timeout      time.Duration `yaml:"timeout"`
}

// EmbeddingConfig selects the provider the Embedding Index (C3) computes
// Operation vectors with. Provider is "openai", "ollama", or "" to run
// without an index (the Tool Selector then falls back to lexical order
// whenever an agent's candidate set exceeds KCap).
type EmbeddingConfig struct {
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	BaseURL  string `yaml:"base_url"`
	Model    string `yaml:"model"`
}

// TracingConfig configures the OTLP/gRPC trace exporter wrapping each
// ToolInvocation dispatch and MCP round trip (SPEC_FULL §2.1). An empty
// Endpoint disables export; spans are still created against the global
// no-op tracer so GetTraceID/GetSpanID stay harmless to call.
type TracingConfig struct {
	Endpoint       string  `yaml:"endpoint"`
	ServiceName    string  `yaml:"service_name"`
	SamplingRate   float64 `yaml:"sampling_rate"`
	EnableInsecure bool    `yaml:"enable_insecure"`
}

// ConfirmationConfig seeds the Confirmation Gate's (C7) default policy
// and per-agent overrides.
type ConfirmationConfig struct {
	ApprovalTimeout time.Duration            `yaml:"approval_timeout"`
	AgentOverrides  map[string]PolicyConfig `yaml:"agent_overrides"`
}

// PolicyConfig is one agent's confirmation policy override: operation
// match keys (the operationId, or mcp:<toolName> for MCP operations, see
// confirmation.operationMatchKey) that are
// always allowed or always require approval regardless of RiskLevel.
type PolicyConfig struct {
	AlwaysAllow   []string `yaml:"always_allow"`
	AlwaysConfirm []string `yaml:"always_confirm"`
}

// Config is the broker's top-level configuration.
type Config struct {
	Server       ServerConfig       `yaml:"server"`
	Database     DatabaseConfig     `yaml:"database"`
	LLM          LLMConfig          `yaml:"llm"`
	Embeddings   EmbeddingConfig    `yaml:"embeddings"`
	Confirmation ConfirmationConfig `yaml:"confirmation"`
	Tracing      TracingConfig      `yaml:"tracing"`
}

// Load reads path, resolving any $include directives (depth-first, cycle
// checked), expands environment variables once over the merged document,
// then strictly decodes it, applies environment
// overrides, fills defaults, and validates the result. path and its
// includes may be YAML or JSON5, selected by file extension (.json/.json5
// vs anything else).
func Load(path string) (*Config, error) {
	raw, err := loadRaw(path)
	if err != nil {
		return nil, err
	}

	cfg, err := decodeRawConfig(raw)
	if err != nil {
		return nil, err
	}

	applyEnvOverrides(cfg)
	applyDefaults(cfg)

	if err := validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := strings.TrimSpace(os.Getenv("BROKER_HOST")); v != "" {
		cfg.Server.Host = v
	}
	if v := strings.TrimSpace(os.Getenv("BROKER_HTTP_PORT")); v != "" {
		if parsed, err := strconv.Atoi(v); err == nil {
			cfg.Server.HTTPPort = parsed
		}
	}
	if v := strings.TrimSpace(os.Getenv("DATABASE_URL")); v != "" {
		cfg.Database.URL = v
	}
	if v := strings.TrimSpace(os.Getenv("OPENAI_API_KEY")); v != "" {
		if cfg.LLM.APIKey == "" {
			cfg.LLM.APIKey = v
		}
		if cfg.Embeddings.APIKey == "" {
			cfg.Embeddings.APIKey = v
		}
	}
	if v := strings.TrimSpace(os.Getenv("OTEL_ENDPOINT")); v != "" {
		cfg.Tracing.Endpoint = v
	}
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Host == "" {
		cfg.Server.Host = "0.0.0.0"
	}
	if cfg.Server.HTTPPort == 0 {
		cfg.Server.HTTPPort = 8080
	}
	if cfg.Database.MaxConnections == 0 {
		cfg.Database.MaxConnections = 25
	}
	if cfg.Database.ConnMaxLifetime == 0 {
		cfg.Database.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.LLM.DefaultModel == "" {
		cfg.LLM.DefaultModel = "gpt-4o"
	}
	if cfg.LLM.Timeout == 0 {
		cfg.LLM.Timeout = 60 * time.Second
	}
	if cfg.Confirmation.ApprovalTimeout == 0 {
		cfg.Confirmation.ApprovalTimeout = 5 * time.Minute
	}
	if cfg.Tracing.ServiceName == "" {
		cfg.Tracing.ServiceName = "nexus-broker"
	}
	if cfg.Tracing.SamplingRate == 0 {
		cfg.Tracing.SamplingRate = 1.0
	}
}

// ConfigValidationError aggregates every validation issue found, so an
// operator sees the whole list in one failed startup rather than one at
// a time.
type ConfigValidationError struct {
	Issues []string
}

func (e *ConfigValidationError) Error() string {
	return "config validation failed:\n- " + strings.Join(e.Issues, "\n- ")
}

func validate(cfg *Config) error {
	var issues []string
	if cfg.Server.HTTPPort <= 0 || cfg.Server.HTTPPort > 65535 {
		issues = append(issues, "server.http_port must be between 1 and 65535")
	}
	if cfg.Embeddings.Provider != "" && cfg.Embeddings.Provider != "openai" && cfg.Embeddings.Provider != "ollama" {
		issues = append(issues, `embeddings.provider must be "openai", "ollama", or unset`)
	}
	if len(issues) > 0 {
		return &ConfigValidationError{Issues: issues}
	}
	return nil
}
