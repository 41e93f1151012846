package catalog

import (
	"fmt"
	"sort"
	"strings"

	"github.com/getkin/kin-openapi/openapi3"
	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/brokererr"
	"github.com/haasonsaas/nexus/pkg/models"
)

// ParseOpenAPI converts an OpenAPI document into normalized Operation
// records for the given Source. The document is validated before
// ingestion; a document that fails to parse or validate is an
// invalid_spec failure and no Operations are returned.
func ParseOpenAPI(source *models.Source, raw []byte) ([]models.Operation, error) {
	loader := openapi3.NewLoader()
	loader.IsExternalRefsAllowed = false

	doc, err := loader.LoadFromData(raw)
	if err != nil {
		return nil, brokererr.New(brokererr.InvalidSpec, err).WithSource(source.Name)
	}
	if err := doc.Validate(loader.Context); err != nil {
		return nil, brokererr.New(brokererr.InvalidSpec, err).WithSource(source.Name)
	}

	paths := doc.Paths
	if paths == nil {
		return nil, brokererr.Newf(brokererr.InvalidSpec, "document has no paths").WithSource(source.Name)
	}

	pathKeys := make([]string, 0, paths.Len())
	pathMap := paths.Map()
	for p := range pathMap {
		pathKeys = append(pathKeys, p)
	}
	sort.Strings(pathKeys)

	var ops []models.Operation
	for _, p := range pathKeys {
		item := pathMap[p]
		for method, op := range item.Operations() {
			operation, err := operationFromOpenAPI(source, p, method, op)
			if err != nil {
				return nil, err
			}
			ops = append(ops, operation)
		}
	}
	return ops, nil
}

func operationFromOpenAPI(source *models.Source, path, method string, op *openapi3.Operation) (models.Operation, error) {
	m, err := toMethod(method)
	if err != nil {
		return models.Operation{}, brokererr.New(brokererr.InvalidSpec, err).WithSource(source.Name)
	}

	opID := op.OperationID
	if opID == "" {
		opID = strings.ToLower(method) + "_" + sanitizeForID(path)
	}
	name := opID
	description := op.Description
	if description == "" {
		description = op.Summary
	}

	var params []models.ParamSchema
	for _, ref := range op.Parameters {
		if ref == nil || ref.Value == nil {
			continue
		}
		p := ref.Value
		loc, ok := toParamLocation(p.In)
		if !ok {
			continue // header/cookie parameters are not modeled
		}
		paramType := "string"
		if p.Schema != nil && p.Schema.Value != nil && len(p.Schema.Value.Type.Slice()) > 0 {
			paramType = p.Schema.Value.Type.Slice()[0]
		}
		params = append(params, models.ParamSchema{
			Name:     p.Name,
			In:       loc,
			Type:     paramType,
			Required: p.Required,
		})
	}

	var bodyKeys []string
	if op.RequestBody != nil && op.RequestBody.Value != nil {
		media := op.RequestBody.Value.Content.Get("application/json")
		if media == nil {
			// fall back to the first declared media type
			for _, m := range op.RequestBody.Value.Content {
				media = m
				break
			}
		}
		if media != nil && media.Schema != nil && media.Schema.Value != nil {
			keys := make([]string, 0, len(media.Schema.Value.Properties))
			for k := range media.Schema.Value.Properties {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			bodyKeys = keys
		}
	}

	risk := ClassifyRisk(name, description)
	return models.Operation{
		ID:                   uuid.NewString(),
		SourceID:             source.ID,
		OperationID:          opID,
		Name:                 name,
		Description:          description,
		Method:               m,
		Path:                 path,
		ParameterSchema:      params,
		RequestBodySchema:    bodyKeys,
		RiskLevel:            risk,
		RequiresConfirmation: RequiresConfirmation(risk),
	}, nil
}

func toMethod(method string) (models.Method, error) {
	switch strings.ToUpper(method) {
	case "GET":
		return models.MethodGET, nil
	case "POST":
		return models.MethodPOST, nil
	case "PUT":
		return models.MethodPUT, nil
	case "PATCH":
		return models.MethodPATCH, nil
	case "DELETE":
		return models.MethodDELETE, nil
	case "HEAD":
		return models.MethodHEAD, nil
	case "OPTIONS":
		return models.MethodOPTIONS, nil
	default:
		return "", fmt.Errorf("unsupported HTTP method %q", method)
	}
}

func toParamLocation(in string) (models.ParamLocation, bool) {
	switch in {
	case "path":
		return models.ParamPath, true
	case "query":
		return models.ParamQuery, true
	default:
		return "", false
	}
}

func sanitizeForID(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return b.String()
}
