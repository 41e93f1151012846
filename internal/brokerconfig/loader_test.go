package brokerconfig

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, dir, name, contents string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, []byte(strings.TrimSpace(contents)), 0o644))
	return path
}

func TestLoadResolvesInclude(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "llm.yaml", `
llm:
  api_key: included-key
  default_model: gpt-4o-mini
`)
	main := writeFile(t, dir, "broker.yaml", `
$include: llm.yaml
server:
  http_port: 9090
`)

	cfg, err := Load(main)
	require.NoError(t, err)
	require.Equal(t, "included-key", cfg.LLM.APIKey)
	require.Equal(t, "gpt-4o-mini", cfg.LLM.DefaultModel)
	require.Equal(t, 9090, cfg.Server.HTTPPort)
}

func TestLoadIncludingFileWinsKeyCollision(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "base.yaml", `
llm:
  api_key: base-key
  default_model: base-model
`)
	main := writeFile(t, dir, "broker.yaml", `
$include: base.yaml
llm:
  default_model: override-model
`)

	cfg, err := Load(main)
	require.NoError(t, err)
	require.Equal(t, "base-key", cfg.LLM.APIKey)
	require.Equal(t, "override-model", cfg.LLM.DefaultModel)
}

func TestLoadResolvesMultipleIncludes(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "llm.yaml", `llm: {api_key: k1}`)
	writeFile(t, dir, "db.yaml", `database: {url: "postgres://local"}`)
	main := writeFile(t, dir, "broker.yaml", `
$include: [llm.yaml, db.yaml]
server:
  http_port: 9091
`)

	cfg, err := Load(main)
	require.NoError(t, err)
	require.Equal(t, "k1", cfg.LLM.APIKey)
	require.Equal(t, "postgres://local", cfg.Database.URL)
	require.Equal(t, 9091, cfg.Server.HTTPPort)
}

func TestLoadDetectsIncludeCycle(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "a.yaml", `$include: b.yaml`)
	b := writeFile(t, dir, "b.yaml", `$include: a.yaml`)

	_, err := Load(b)
	require.Error(t, err)
	require.Contains(t, err.Error(), "cycle")
}

func TestLoadParsesJSON5(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "broker.json5", `
{
  // JSON5 allows comments and trailing commas
  server: { http_port: 9092 },
  llm: { api_key: "json5-key" },
}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, 9092, cfg.Server.HTTPPort)
	require.Equal(t, "json5-key", cfg.LLM.APIKey)
}

func TestLoadExpandsEnvVarAfterIncludeMerge(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "llm.yaml", `llm: {api_key: "${TEST_BROKER_API_KEY}"}`)
	main := writeFile(t, dir, "broker.yaml", `$include: llm.yaml`)

	t.Setenv("TEST_BROKER_API_KEY", "expanded-value")
	cfg, err := Load(main)
	require.NoError(t, err)
	require.Equal(t, "expanded-value", cfg.LLM.APIKey)
}

func TestLoadExpandsEnvVarDefault(t *testing.T) {
	dir := t.TempDir()
	path := writeFile(t, dir, "broker.yaml", `
llm:
  api_key: "${TEST_BROKER_MISSING_KEY:-fallback-value}"
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "fallback-value", cfg.LLM.APIKey)
}

func TestLoadJSON5CanIncludeYAML(t *testing.T) {
	dir := t.TempDir()
	writeFile(t, dir, "llm.yaml", `llm: {api_key: yaml-from-json5}`)
	path := writeFile(t, dir, "broker.json5", `
{
  $include: "llm.yaml",
  server: { http_port: 9093 },
}
`)

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "yaml-from-json5", cfg.LLM.APIKey)
	require.Equal(t, 9093, cfg.Server.HTTPPort)
}
