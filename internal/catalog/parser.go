// Package catalog implements the Spec Parser (C2): turning an upstream
// OpenAPI document or a live MCP tool listing into normalized Operation
// records with risk classification.
package catalog

import (
	"log/slog"

	"github.com/haasonsaas/nexus/internal/brokererr"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Parser ingests Source specifications into Operation records.
type Parser struct {
	logger *slog.Logger
}

// NewParser returns a Parser. If logger is nil, slog.Default is used.
func NewParser(logger *slog.Logger) *Parser {
	if logger == nil {
		logger = slog.Default()
	}
	return &Parser{logger: logger.With("component", "catalog.parser")}
}

// Ingest parses raw according to the Source's kind and returns the
// resulting Operations. A manual Source always yields zero Operations.
func (p *Parser) Ingest(source *models.Source, raw []byte) ([]models.Operation, error) {
	switch source.SourceKind {
	case models.SourceKindManual:
		return nil, nil
	case models.SourceKindMCP:
		ops, err := ParseMCPListing(source, raw)
		if err != nil {
			p.logger.Warn("mcp listing rejected", "source", source.Name, "error", err)
			return nil, err
		}
		return ops, nil
	case models.SourceKindOpenAPI:
		ops, err := ParseOpenAPI(source, raw)
		if err != nil {
			p.logger.Warn("openapi document rejected", "source", source.Name, "error", err)
			return nil, err
		}
		return ops, nil
	default:
		return nil, brokererr.Newf(brokererr.InvalidSpec, "unknown source kind %q", source.SourceKind).WithSource(source.Name)
	}
}

// RiskOverride is an admin-facing escape hatch recording a manual risk
// reclassification for an Operation, kept separate from the keyword-based
// default so the classification tables themselves are never mutated.
type RiskOverride struct {
	OperationID          string
	RiskLevel            models.RiskLevel
	RequiresConfirmation bool
}

// ApplyOverride returns a copy of op with the override's risk level and
// confirmation requirement applied.
func ApplyOverride(op models.Operation, override RiskOverride) models.Operation {
	op.RiskLevel = override.RiskLevel
	op.RequiresConfirmation = override.RequiresConfirmation
	return op
}
