// Package mcppool implements the MCP Client Pool & Hint Applier (C9):
// long-lived, HTTP-transport-only MCP connections keyed by
// (sourceId, credentialTail), with template-level argument/response
// rewrites layered on top of CallTool.
package mcppool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/brokererr"
)

// JSONRPCRequest is a JSON-RPC 2.0 request envelope.
type JSONRPCRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// JSONRPCResponse is a JSON-RPC 2.0 response envelope.
type JSONRPCResponse struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      string          `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

// JSONRPCError is a JSON-RPC 2.0 error object.
type JSONRPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

// Transport is the HTTP-only JSON-RPC transport. MCP's stdio transport is
// deliberately unimplemented here: binding a Source with a non-HTTP
// server URI fails fast with mcp_unsupported_transport rather than
// spawning a local subprocess, since the broker has no sandboxing story
// for third-party-supplied commands.
type Transport struct {
	url     string
	headers map[string]string
	client  *http.Client
}

// NewHTTPTransport constructs a Transport bound to an MCP server's HTTP
// endpoint.
func NewHTTPTransport(url string, headers map[string]string, timeout time.Duration) *Transport {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &Transport{
		url:     url,
		headers: headers,
		client:  &http.Client{Timeout: timeout},
	}
}

// Call sends a JSON-RPC request and waits for its response.
func (t *Transport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := JSONRPCRequest{JSONRPC: "2.0", ID: uuid.New().String(), Method: method}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, brokererr.New(brokererr.Internal, err)
		}
		req.Params = raw
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, brokererr.New(brokererr.Internal, err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, brokererr.New(brokererr.Internal, err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	for k, v := range t.headers {
		httpReq.Header.Set(k, v)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		return nil, brokererr.New(brokererr.UpstreamTransportError, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		return nil, brokererr.Newf(brokererr.UpstreamHTTPError, "MCP HTTP %d: %s", resp.StatusCode, string(raw))
	}

	var rpcResp JSONRPCResponse
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return nil, brokererr.New(brokererr.UpstreamTransportError, err)
	}
	if rpcResp.Error != nil {
		return nil, brokererr.Newf(brokererr.UpstreamHTTPError, "MCP error %d: %s", rpcResp.Error.Code, rpcResp.Error.Message)
	}
	return rpcResp.Result, nil
}

// Notify sends a notification with no expected response.
func (t *Transport) Notify(ctx context.Context, method string, params any) error {
	_, err := t.Call(ctx, method, params)
	return err
}

// errUnsupportedTransport is wrapped into a brokererr.MCPUnsupportedTransport
// by Bind when a Source's server URI is not http(s).
var errUnsupportedTransport = fmt.Errorf("stdio transport is not supported")

func isHTTPURL(url string) bool {
	return strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://")
}
