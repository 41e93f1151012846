package main

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/haasonsaas/nexus/internal/catalog"
	"github.com/haasonsaas/nexus/pkg/models"
)

// newSourcesCmd groups the administrative operations §1 treats as an
// external collaborator's concern (team/org administration screens): a
// Source's spec still has to be ingested into Operations by something,
// so this CLI is that something, calling straight into the Spec Parser
// (C2) and the storage layer rather than inventing an HTTP admin surface
// the five endpoints in §6 don't list.
func newSourcesCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sources",
		Short: "Manage bound upstream Sources and their Operation catalogs",
	}
	cmd.AddCommand(newSourcesIngestCmd())
	cmd.AddCommand(newSourcesReclassifyCmd())
	return cmd
}

func newSourcesIngestCmd() *cobra.Command {
	var (
		configPath string
		orgID      string
		name       string
		baseURL    string
		kind       string
		authKind   string
		specPath   string
	)
	cmd := &cobra.Command{
		Use:   "ingest",
		Short: "Create a Source and parse its OpenAPI document or MCP tool listing into Operations",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			deps, closer, err := buildDeps(configPath, newCLILogger())
			if err != nil {
				return fmt.Errorf("build dependency graph: %w", err)
			}
			defer closer()

			raw, err := os.ReadFile(specPath)
			if err != nil {
				return fmt.Errorf("read spec file: %w", err)
			}

			src := &models.Source{
				ID:         uuid.NewString(),
				OrgID:      orgID,
				Name:       name,
				BaseURL:    baseURL,
				SourceKind: models.SourceKind(kind),
				AuthKind:   models.AuthKind(authKind),
				CreatedAt:  time.Now(),
			}

			parser := catalog.NewParser(deps.api.Logger)
			ops, err := parser.Ingest(src, raw)
			if err != nil {
				return fmt.Errorf("parse spec: %w", err)
			}

			if err := deps.api.Stores.Sources.Create(ctx, src); err != nil {
				return fmt.Errorf("create source: %w", err)
			}
			if err := deps.api.Stores.Operations.ReplaceForSource(ctx, src.ID, ops); err != nil {
				return fmt.Errorf("store operations: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "source %s ingested: %d operations\n", src.ID, len(ops))
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "broker.yaml", "path to the broker's YAML configuration")
	cmd.Flags().StringVar(&orgID, "org", "", "owning organization id")
	cmd.Flags().StringVar(&name, "name", "", "source display name")
	cmd.Flags().StringVar(&baseURL, "base-url", "", "HTTP base URL or MCP server URI")
	cmd.Flags().StringVar(&kind, "kind", string(models.SourceKindOpenAPI), "openapi, mcp, or manual")
	cmd.Flags().StringVar(&authKind, "auth", string(models.AuthNone), "none, bearer, apiKey, basic, headerPair, or passthrough")
	cmd.Flags().StringVar(&specPath, "spec", "", "path to the OpenAPI document or MCP tools/list response")
	return cmd
}

func newSourcesReclassifyCmd() *cobra.Command {
	var (
		configPath           string
		operationID          string
		riskLevel            string
		requiresConfirmation bool
	)
	cmd := &cobra.Command{
		Use:   "reclassify",
		Short: "Override an Operation's risk classification",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			deps, closer, err := buildDeps(configPath, newCLILogger())
			if err != nil {
				return fmt.Errorf("build dependency graph: %w", err)
			}
			defer closer()

			op, err := deps.api.Stores.Operations.Get(ctx, operationID)
			if err != nil {
				return fmt.Errorf("load operation: %w", err)
			}

			updated := catalog.ApplyOverride(*op, catalog.RiskOverride{
				OperationID:          operationID,
				RiskLevel:            models.RiskLevel(riskLevel),
				RequiresConfirmation: requiresConfirmation,
			})

			ops, err := deps.api.Stores.Operations.OperationsForSource(ctx, op.SourceID)
			if err != nil {
				return fmt.Errorf("load source operations: %w", err)
			}
			for i := range ops {
				if ops[i].ID == updated.ID {
					ops[i] = updated
				}
			}
			if err := deps.api.Stores.Operations.ReplaceForSource(ctx, op.SourceID, ops); err != nil {
				return fmt.Errorf("store operations: %w", err)
			}

			fmt.Fprintf(cmd.OutOrStdout(), "operation %s reclassified to %s\n", operationID, riskLevel)
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "broker.yaml", "path to the broker's YAML configuration")
	cmd.Flags().StringVar(&operationID, "operation-id", "", "operation row id")
	cmd.Flags().StringVar(&riskLevel, "risk", string(models.RiskDangerous), "safe, moderate, or dangerous")
	cmd.Flags().BoolVar(&requiresConfirmation, "requires-confirmation", true, "whether the Confirmation Gate should suspend dispatch")
	return cmd
}
