package catalog

import (
	"encoding/json"
	"sort"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/brokererr"
	"github.com/haasonsaas/nexus/pkg/models"
)

// MCPToolListing is the shape of a single entry in an MCP server's
// `tools/list` response.
type MCPToolListing struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema"`
}

// mcpSchema is the minimal subset of JSON Schema needed to recover
// property names and their required-ness for parameterSchema.
type mcpSchema struct {
	Type       string                 `json:"type"`
	Properties map[string]mcpProperty `json:"properties"`
	Required   []string               `json:"required"`
}

type mcpProperty struct {
	Type string `json:"type"`
}

// ParseMCPListing converts a live MCP list_tools response into normalized
// Operation records. A listing that isn't valid JSON is an invalid_spec
// failure.
func ParseMCPListing(source *models.Source, raw []byte) ([]models.Operation, error) {
	var listings []MCPToolListing
	if err := json.Unmarshal(raw, &listings); err != nil {
		return nil, brokererr.New(brokererr.InvalidSpec, err).WithSource(source.Name)
	}

	ops := make([]models.Operation, 0, len(listings))
	for _, l := range listings {
		ops = append(ops, operationFromMCPListing(source, l))
	}
	return ops, nil
}

func operationFromMCPListing(source *models.Source, l MCPToolListing) models.Operation {
	required := map[string]bool{}
	var schema mcpSchema
	if len(l.InputSchema) > 0 {
		_ = json.Unmarshal(l.InputSchema, &schema)
		for _, r := range schema.Required {
			required[r] = true
		}
	}

	keys := make([]string, 0, len(schema.Properties))
	for k := range schema.Properties {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	params := make([]models.ParamSchema, 0, len(keys))
	for _, k := range keys {
		t := schema.Properties[k].Type
		if t == "" {
			t = "string" // default-typed to string when missing
		}
		params = append(params, models.ParamSchema{
			Name:     k,
			In:       models.ParamBody,
			Type:     t,
			Required: required[k],
		})
	}

	risk := ClassifyRisk(l.Name, l.Description)
	return models.Operation{
		ID:                   uuid.NewString(),
		SourceID:             source.ID,
		OperationID:          l.Name,
		Name:                 l.Name,
		Description:          l.Description,
		Method:               models.MethodMCP,
		MCPToolName:          l.Name,
		ParameterSchema:      params,
		RiskLevel:            risk,
		RequiresConfirmation: RequiresConfirmation(risk),
	}
}
