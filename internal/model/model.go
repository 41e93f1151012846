// Package model is the concrete type the Turn orchestration's Chunk
// stream is consumed through. The raw model provider is an external
// collaborator out of this core's scope, but the streaming-consumption
// contract (SPEC_FULL §5) needs a real type to hang deltas off of, so
// this wraps an OpenAI-compatible chat-completion stream the way the
// teacher's provider adapters do.
package model

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/nexus/internal/selector"
	"github.com/haasonsaas/nexus/internal/turn"
	"github.com/haasonsaas/nexus/pkg/models"
)

// Message is one entry in the conversation history sent to the model.
type Message struct {
	Role    string // "system" | "user" | "assistant" | "tool"
	Content string
}

// Request carries one Turn's model-stream input: the conversation so far
// and the candidate Operations the Tool Selector (C4) narrowed to.
type Request struct {
	Model      string
	System     string
	Messages   []Message
	Candidates []selector.Candidate
}

// Client wraps an OpenAI-compatible chat-completion API, converting its
// streamed deltas into turn.Chunk values.
type Client struct {
	api *openai.Client
}

// New constructs a Client. An empty apiKey yields a Client whose Stream
// always fails, matching the teacher's "unconfigured provider" shape
// rather than panicking at construction time.
func New(apiKey string) *Client {
	if apiKey == "" {
		return &Client{}
	}
	return &Client{api: openai.NewClient(apiKey)}
}

// Stream issues req and returns a channel of turn.Chunk, closed when the
// stream completes or errors. Tool-call argument deltas are accumulated
// internally (the wire format streams them piecewise) and emitted as one
// complete ChunkToolCall, matching turn.Orchestrator's expectation that a
// tool call arrives fully formed.
func (c *Client) Stream(ctx context.Context, req Request) (<-chan turn.Chunk, error) {
	if c.api == nil {
		return nil, fmt.Errorf("model: no API key configured")
	}

	chatReq := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req),
		Tools:    toOpenAITools(req.Candidates),
		Stream:   true,
	}

	stream, err := c.api.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, fmt.Errorf("create chat completion stream: %w", err)
	}

	out := make(chan turn.Chunk)
	go c.consume(ctx, stream, out)
	return out, nil
}

func (c *Client) consume(ctx context.Context, stream *openai.ChatCompletionStream, out chan<- turn.Chunk) {
	defer close(out)
	defer stream.Close()

	type building struct {
		id   string
		name string
		args string
	}
	pending := make(map[int]*building)

	emit := func(idx int) {
		b := pending[idx]
		if b == nil || b.id == "" || b.name == "" {
			return
		}
		out <- turn.Chunk{
			Kind:       turn.ChunkToolCall,
			ToolCallID: b.id,
			ToolID:     b.name,
			Arguments:  json.RawMessage(b.args),
		}
		delete(pending, idx)
	}

	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		resp, err := stream.Recv()
		if err != nil {
			if err != io.EOF {
				select {
				case out <- turn.Chunk{Kind: turn.ChunkDone}:
				case <-ctx.Done():
				}
			} else {
				for idx := range pending {
					emit(idx)
				}
				select {
				case out <- turn.Chunk{Kind: turn.ChunkDone}:
				case <-ctx.Done():
				}
			}
			return
		}
		if len(resp.Choices) == 0 {
			continue
		}
		choice := resp.Choices[0]
		delta := choice.Delta

		if delta.Content != "" {
			select {
			case out <- turn.Chunk{Kind: turn.ChunkTextDelta, Text: delta.Content}:
			case <-ctx.Done():
				return
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			b := pending[idx]
			if b == nil {
				b = &building{}
				pending[idx] = b
			}
			if tc.ID != "" {
				b.id = tc.ID
			}
			if tc.Function.Name != "" {
				b.name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				b.args += tc.Function.Arguments
			}
		}

		if choice.FinishReason == openai.FinishReasonToolCalls {
			for idx := range pending {
				emit(idx)
			}
		}
	}
}

func toOpenAIMessages(req Request) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		out = append(out, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: req.System})
	}
	for _, m := range req.Messages {
		out = append(out, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	return out
}

// toOpenAITools builds one function-tool definition per candidate, with a
// JSON Schema assembled from its parameterSchema/requestBodySchema — the
// same shape the Executor (C6) walks when dispatching the call.
func toOpenAITools(candidates []selector.Candidate) []openai.Tool {
	out := make([]openai.Tool, 0, len(candidates))
	for _, c := range candidates {
		out = append(out, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        c.ToolID,
				Description: c.Operation.Description,
				Parameters:  paramSchemaToJSONSchema(c.Operation),
			},
		})
	}
	return out
}

// paramSchemaToJSONSchema builds the JSON Schema object the model sees
// for one Operation, from its parameterSchema (path/query args) plus any
// requestBodySchema keys, all treated as string-typed unless a richer
// type were recorded on the ParamSchema entry.
func paramSchemaToJSONSchema(op models.Operation) map[string]any {
	properties := map[string]any{}
	var required []string

	for _, ps := range op.ParameterSchema {
		t := ps.Type
		if t == "" {
			t = "string"
		}
		properties[ps.Name] = map[string]any{"type": t}
		if ps.Required {
			required = append(required, ps.Name)
		}
	}
	for _, key := range op.RequestBodySchema {
		if _, exists := properties[key]; !exists {
			properties[key] = map[string]any{"type": "string"}
		}
	}

	schema := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}
