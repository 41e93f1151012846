package selector

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/nexus/pkg/models"
)

type fakeCatalog struct {
	bySource map[string][]models.Operation
}

func (f *fakeCatalog) OperationsForSource(_ context.Context, sourceID string) ([]models.Operation, error) {
	return f.bySource[sourceID], nil
}

func TestSelectReadOnlyLinkExcludesWrites(t *testing.T) {
	catalog := &fakeCatalog{bySource: map[string][]models.Operation{
		"src1": {
			{ID: "op-get", Name: "get_customer", Method: models.MethodGET},
			{ID: "op-post", Name: "refund_charge", Method: models.MethodPOST},
		},
	}}
	sel := NewSelector(catalog, nil)

	links := []models.AgentSourceLink{{AgentID: "a1", SourceID: "src1", Permission: models.PermissionRead}}
	candidates, err := sel.Select(context.Background(), links, "refund a customer")
	require.NoError(t, err)

	var names []string
	for _, c := range candidates {
		names = append(names, c.Operation.Name)
	}
	require.Contains(t, names, "get_customer")
	require.NotContains(t, names, "refund_charge")
	require.Contains(t, names, SearchToolName)
}

func TestSelectReadWriteLinkIncludesWrites(t *testing.T) {
	catalog := &fakeCatalog{bySource: map[string][]models.Operation{
		"src1": {
			{ID: "op-post", Name: "refund_charge", Method: models.MethodPOST},
		},
	}}
	sel := NewSelector(catalog, nil)

	links := []models.AgentSourceLink{{AgentID: "a1", SourceID: "src1", Permission: models.PermissionReadWrite}}
	candidates, err := sel.Select(context.Background(), links, "refund")
	require.NoError(t, err)

	found := false
	for _, c := range candidates {
		if c.Operation.Name == "refund_charge" {
			found = true
		}
	}
	require.True(t, found)
}

func TestSelectFallsBackToLexicalOrderAboveKCap(t *testing.T) {
	var ops []models.Operation
	for i := 0; i < KCap+10; i++ {
		ops = append(ops, models.Operation{ID: string(rune('a' + i%26)) + "-op", Name: "op", Method: models.MethodGET})
	}
	catalog := &fakeCatalog{bySource: map[string][]models.Operation{"src1": ops}}
	sel := NewSelector(catalog, nil) // no index: forces lexical fallback

	links := []models.AgentSourceLink{{AgentID: "a1", SourceID: "src1", Permission: models.PermissionReadWrite}}
	candidates, err := sel.Select(context.Background(), links, "anything")
	require.NoError(t, err)
	// KCap narrowed operations plus the always-present search_tools entry.
	require.Len(t, candidates, KCap+1)
}

func TestToolIDStableAndBounded(t *testing.T) {
	op := models.Operation{ID: "abc-123", Name: "Get Customer By ID!!"}
	id1 := ToolID(op)
	id2 := ToolID(op)
	require.Equal(t, id1, id2)
	require.LessOrEqual(t, len(id1), 64)
	require.NotContains(t, id1, " ")
	require.NotContains(t, id1, "!")
}

func TestToolIDDiffersByOperationID(t *testing.T) {
	op1 := models.Operation{ID: "op-1", Name: "same_name"}
	op2 := models.Operation{ID: "op-2", Name: "same_name"}
	require.NotEqual(t, ToolID(op1), ToolID(op2))
}
