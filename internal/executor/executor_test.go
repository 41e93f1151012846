package executor

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/haasonsaas/nexus/internal/adapters"
	"github.com/haasonsaas/nexus/internal/brokererr"
	"github.com/haasonsaas/nexus/internal/value"
	"github.com/haasonsaas/nexus/pkg/models"
)

func TestBuildURLSubstitutesPathAndQuery(t *testing.T) {
	op := models.Operation{
		Path: "/v1/customers/{id}",
		ParameterSchema: []models.ParamSchema{
			{Name: "id", In: models.ParamPath},
			{Name: "limit", In: models.ParamQuery},
		},
	}
	args := value.Obj(map[string]value.Value{
		"id":    value.Str("cus_123"),
		"limit": value.Num(10),
	})
	got, err := buildURL("https://api.example.com/", op.Path, op, args)
	require.NoError(t, err)
	require.Equal(t, "https://api.example.com/v1/customers/cus_123?limit=10", got)
}

func TestBuildBodyUsesRequestBodySchema(t *testing.T) {
	op := models.Operation{
		Method:            models.MethodPOST,
		RequestBodySchema: []string{"name", "email"},
	}
	args := value.Obj(map[string]value.Value{
		"name":  value.Str("Ada"),
		"email": value.Str("ada@example.com"),
		"extra": value.Str("dropped"),
	})
	body := buildBody(op, args)
	_, hasExtra := body.Get("extra")
	require.False(t, hasExtra)
	name, _ := body.Get("name")
	require.Equal(t, "Ada", name.Str())
}

func TestBuildBodyEmptyForGet(t *testing.T) {
	op := models.Operation{Method: models.MethodGET}
	args := value.Obj(map[string]value.Value{"q": value.Str("x")})
	body := buildBody(op, args)
	require.True(t, body.IsNull())
}

func TestBuildAuthHeadersBearerMissingCredential(t *testing.T) {
	source := models.Source{Name: "stripe", AuthKind: models.AuthBearer}
	_, err := buildAuthHeaders(source, nil)
	require.Error(t, err)
}

func TestBuildAuthHeadersAPIKeyDefaultHeader(t *testing.T) {
	source := models.Source{Name: "svc", AuthKind: models.AuthAPIKey}
	cred := &models.Credential{APIKey: "sk_test"}
	headers, err := buildAuthHeaders(source, cred)
	require.NoError(t, err)
	require.Equal(t, "sk_test", headers["X-API-Key"])
}

func TestCleanArgsDropsEmpty(t *testing.T) {
	args := value.Obj(map[string]value.Value{
		"keep":  value.Str("x"),
		"drop1": value.Null(),
		"drop2": value.Str(""),
		"drop3": value.Arr(nil),
	})
	cleaned := cleanArgs(args)
	require.Len(t, cleaned.Keys(), 1)
	_, ok := cleaned.Get("keep")
	require.True(t, ok)
}

func TestExecuteHTTPSuccess(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/ping", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"id":"pong_1","object":"ping"}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.AllowPrivateNetworks = true
	ex := New(cfg, adapters.NewRegistry(), nil, nil)
	op := models.Operation{ID: "op1", Method: models.MethodGET, Path: "/v1/ping"}
	source := models.Source{Name: "test", BaseURL: srv.URL, AuthKind: models.AuthNone}

	result, err := ex.Execute(t.Context(), op, value.Obj(nil), Context{Source: source})
	require.NoError(t, err)
	require.Equal(t, 200, result.Status)
	id, _ := result.Body.Get("id")
	require.Equal(t, "pong_1", id.Str())
}

func TestExecuteHTTPNonSuccessStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"error":"bad request"}`))
	}))
	defer srv.Close()

	cfg := DefaultConfig()
	cfg.AllowPrivateNetworks = true
	ex := New(cfg, adapters.NewRegistry(), nil, nil)
	op := models.Operation{ID: "op1", Method: models.MethodGET, Path: "/v1/x"}
	source := models.Source{Name: "test", BaseURL: srv.URL, AuthKind: models.AuthNone}

	_, err := ex.Execute(t.Context(), op, value.Obj(nil), Context{Source: source})
	require.Error(t, err)
}

func TestExecuteHTTPBlocksPrivateNetworkByDefault(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"id":"pong_1"}`))
	}))
	defer srv.Close()

	ex := New(DefaultConfig(), adapters.NewRegistry(), nil, nil)
	op := models.Operation{ID: "op1", Method: models.MethodGET, Path: "/v1/ping"}
	source := models.Source{Name: "test", BaseURL: srv.URL, AuthKind: models.AuthNone}

	_, err := ex.Execute(t.Context(), op, value.Obj(nil), Context{Source: source})
	require.Error(t, err)
	require.True(t, brokererr.Is(err, brokererr.Forbidden))
}

func TestSummarizeListShape(t *testing.T) {
	result := Result{
		Body: value.Obj(map[string]value.Value{
			"data": value.Arr([]value.Value{
				value.Obj(map[string]value.Value{
					"id":     value.Str("cus_1"),
					"object": value.Str("customer"),
					"name":   value.Str("Ada Lovelace"),
				}),
			}),
			"has_more": value.Bool(true),
		}),
	}
	got := Summarize(result)
	require.Contains(t, got, "1 items returned")
	require.Contains(t, got, "has_more: true")
	require.Contains(t, got, "cus_1")
}

func TestSummarizeSingleObject(t *testing.T) {
	result := Result{Body: value.Obj(map[string]value.Value{
		"id":     value.Str("cus_1"),
		"object": value.Str("customer"),
		"email":  value.Str("ada@example.com"),
	})}
	got := Summarize(result)
	require.Equal(t, "Success: customer cus_1 (ada@example.com)", got)
}

func TestSummarizeError(t *testing.T) {
	result := Result{ErrorMessage: "HTTP 404 Error:\nnot found"}
	got := Summarize(result)
	require.Equal(t, "HTTP 404 Error:\nnot found", got)
}
