package mcppool

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/haasonsaas/nexus/internal/brokererr"
	"github.com/haasonsaas/nexus/pkg/models"
)

// ContentBlock mirrors one element of an MCP tool-call result's content
// array: a text block, an image block, or an embedded resource.
type ContentBlock struct {
	Type string          `json:"type"`
	Text string          `json:"text,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// ToolCallResult is the raw MCP tools/call response shape.
type ToolCallResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// Client is a connection to a single MCP server over HTTP.
type Client struct {
	transport *Transport
	logger    *slog.Logger

	mu    sync.RWMutex
	tools []models.Operation
}

// NewClient constructs a Client bound to an already-validated HTTP
// transport. Use Bind to construct from a Source, which enforces the
// HTTP-only restriction.
func NewClient(transport *Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{transport: transport, logger: logger}
}

// Bind constructs a Client for source, rejecting any server URI that is
// not an http(s) URL. stdio (or any other) transport is the deliberate
// behavior change from the teacher: the broker has no sandbox for
// arbitrary subprocess commands, so unsupported transports fail at bind
// time rather than silently degrading.
func Bind(source models.Source, headers map[string]string, logger *slog.Logger) (*Client, error) {
	if !isHTTPURL(source.BaseURL) {
		return nil, brokererr.New(brokererr.MCPUnsupportedTransport, fmt.Errorf("source %s: %w (got %q)", source.Name, errUnsupportedTransport, source.BaseURL)).WithSource(source.Name)
	}
	transport := NewHTTPTransport(source.BaseURL, headers, 0)
	return NewClient(transport, logger), nil
}

// Connect performs the MCP initialize handshake and sends the initialized
// notification; it does not fetch or cache the tool list.
func (c *Client) Connect(ctx context.Context) error {
	_, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": "2024-11-05",
		"capabilities":    map[string]any{},
		"clientInfo":      map[string]any{"name": "broker", "version": "1.0.0"},
	})
	if err != nil {
		return fmt.Errorf("initialize: %w", err)
	}
	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}
	return nil
}

// CallTool invokes a tool and returns its raw result; folding the content
// array (§4.7) is done separately by FoldContent.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	params := map[string]any{"name": name}
	if arguments != nil {
		params["arguments"] = arguments
	}

	raw, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}
	var result ToolCallResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, brokererr.New(brokererr.UpstreamTransportError, err)
	}
	return &result, nil
}

// FoldContent concatenates text blocks and replaces non-text blocks with a
// placeholder, returning the combined text plus any JSON value it parsed
// as.
func FoldContent(blocks []ContentBlock) (text string, structured json.RawMessage) {
	var sb strings.Builder
	for _, b := range blocks {
		switch b.Type {
		case "text":
			sb.WriteString(b.Text)
			var probe any
			if json.Unmarshal([]byte(b.Text), &probe) == nil {
				structured = json.RawMessage(b.Text)
			}
		case "image":
			sb.WriteString("[image content omitted]")
		default:
			sb.WriteString(fmt.Sprintf("[%s content omitted]", b.Type))
		}
	}
	return sb.String(), structured
}

// IsThinResult reports whether a content array looks like a list of bare
// id-only objects — the shape the spec flags with a warning recommending
// an expand parameter, never a hard failure.
func IsThinResult(structured json.RawMessage) bool {
	if len(structured) == 0 {
		return false
	}
	var items []map[string]json.RawMessage
	if err := json.Unmarshal(structured, &items); err != nil || len(items) == 0 {
		return false
	}
	for _, item := range items {
		if len(item) != 1 {
			return false
		}
		if _, ok := item["id"]; !ok {
			return false
		}
	}
	return true
}
