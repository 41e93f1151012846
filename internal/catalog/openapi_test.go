package catalog

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/nexus/pkg/models"
)

const sampleOpenAPI = `
openapi: 3.0.0
info:
  title: Sample API
  version: "1.0"
paths:
  /v1/customers/{id}:
    get:
      operationId: getCustomer
      parameters:
        - name: id
          in: path
          required: true
          schema:
            type: string
      responses:
        "200":
          description: ok
  /v1/customers:
    post:
      operationId: createCustomer
      requestBody:
        content:
          application/json:
            schema:
              type: object
              properties:
                name:
                  type: string
                email:
                  type: string
      responses:
        "200":
          description: ok
`

func TestParseOpenAPI(t *testing.T) {
	source := &models.Source{ID: "src1", Name: "stripe", SourceKind: models.SourceKindOpenAPI}
	ops, err := ParseOpenAPI(source, []byte(sampleOpenAPI))
	require.NoError(t, err)
	require.Len(t, ops, 2)

	byID := map[string]models.Operation{}
	for _, op := range ops {
		byID[op.OperationID] = op
	}

	get := byID["getCustomer"]
	require.Equal(t, models.MethodGET, get.Method)
	require.Equal(t, models.RiskSafe, get.RiskLevel)
	require.Len(t, get.ParameterSchema, 1)
	require.Equal(t, models.ParamPath, get.ParameterSchema[0].In)

	create := byID["createCustomer"]
	require.Equal(t, models.MethodPOST, create.Method)
	require.ElementsMatch(t, []string{"name", "email"}, create.RequestBodySchema)
}

func TestParseOpenAPIInvalidDocument(t *testing.T) {
	source := &models.Source{Name: "broken"}
	_, err := ParseOpenAPI(source, []byte("not: [valid"))
	require.Error(t, err)
}
