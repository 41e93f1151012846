package brokerapi

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"

	"github.com/google/uuid"

	"github.com/haasonsaas/nexus/internal/brokererr"
	"github.com/haasonsaas/nexus/internal/model"
	"github.com/haasonsaas/nexus/internal/turn"
	"github.com/haasonsaas/nexus/pkg/models"
)

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	ChatID   string        `json:"chatId"`
	AgentID  string        `json:"agentId"`
	Messages []chatMessage `json:"messages"`
}

type approvalFrame struct {
	ApprovalID string `json:"approvalId"`
	Approved   bool   `json:"approved"`
}

type chatEvent struct {
	Type       string                 `json:"type"`
	Text       string                 `json:"text,omitempty"`
	Invocation *models.ToolInvocation `json:"invocation,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// handleChat streams one Turn: assistant text deltas, tool-invocation
// state transitions, and a closing "done" event, over a chunked HTTP
// response. Approval decisions for tool calls the Confirmation Gate
// suspended arrive back on the same connection, as additional JSON
// objects decoded off the request body after the initial chatRequest.
func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	id, ok := identityFromRequest(r)
	if !ok {
		writeBrokerErr(w, brokererr.New(brokererr.Unauthorized, nil))
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeBrokerErr(w, brokererr.New(brokererr.Internal, nil))
		return
	}

	decoder := json.NewDecoder(r.Body)
	var req chatRequest
	if err := decoder.Decode(&req); err != nil {
		writeBrokerErr(w, brokererr.Newf(brokererr.InvalidSpec, "decode request: %v", err))
		return
	}
	if req.AgentID == "" {
		writeBrokerErr(w, brokererr.Newf(brokererr.InvalidSpec, "agentId is required"))
		return
	}

	chatID := req.ChatID
	if chatID == "" {
		chatID = uuid.NewString()
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Approval frames stream in on the same request body for the rest of
	// this connection's lifetime; this goroutine dies with ctx.
	go s.readApprovals(ctx, decoder)

	agent, err := s.deps.Stores.Agents.Get(ctx, req.AgentID)
	if err != nil {
		writeBrokerErr(w, brokererr.New(brokererr.InvalidSpec, err))
		return
	}
	links, err := s.deps.Stores.AgentSourceLinks.ForAgent(ctx, req.AgentID)
	if err != nil {
		writeBrokerErr(w, brokererr.New(brokererr.Internal, err))
		return
	}

	turnText := lastUserMessage(req.Messages)
	candidates, err := s.deps.Selector.Select(ctx, links, turnText)
	if err != nil {
		writeBrokerErr(w, brokererr.New(brokererr.Internal, err))
		return
	}

	for _, m := range req.Messages {
		_ = s.deps.Stores.Messages.Append(ctx, &models.Message{
			ID: uuid.NewString(), ChatID: chatID, Role: models.Role(m.Role), Content: m.Content,
		})
	}

	modelStream, err := s.deps.Model.Stream(ctx, model.Request{
		Model:      agent.Model,
		System:     agent.SystemPrompt,
		Messages:   toModelMessages(req.Messages),
		Candidates: candidates,
	})
	if err != nil {
		writeBrokerErr(w, brokererr.New(brokererr.Internal, err))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Chat-Id", chatID)
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	s.deps.Metrics.ChatStreamOpened()
	defer s.deps.Metrics.ChatStreamClosed()

	var mu sync.Mutex
	sink := &sseSink{w: w, flusher: flusher, mu: &mu}

	proxied := make(chan turn.Chunk)
	go func() {
		defer close(proxied)
		for chunk := range modelStream {
			if chunk.Kind == turn.ChunkTextDelta {
				writeSSE(w, flusher, &mu, chatEvent{Type: "text_delta", Text: chunk.Text})
			}
			select {
			case proxied <- chunk:
			case <-ctx.Done():
				return
			}
		}
	}()

	t := models.NewTurn(uuid.NewString(), chatID, req.AgentID, id.UserID, id.OrgID)
	assistantText, runErr := s.deps.Orchestrator.Run(ctx, t, candidates, proxied, sink)

	opNames := make(map[string]string, len(candidates))
	for _, c := range candidates {
		opNames[c.Operation.ID] = c.Operation.Name
	}
	toolCalls := make([]models.ToolCall, 0, len(t.Invocations))
	for _, inv := range t.Invocations {
		toolCalls = append(toolCalls, models.ToolCall{
			ID: inv.ToolCallID, Name: opNames[inv.OperationRef], Input: inv.Arguments, State: string(inv.State), Output: inv.Output,
		})
	}
	_ = s.deps.Stores.Messages.Append(ctx, &models.Message{
		ID: uuid.NewString(), ChatID: chatID, Role: models.RoleAssistant, Content: assistantText, ToolCalls: toolCalls,
	})
	s.deps.Metrics.RecordChatTurn(len(toolCalls))

	final := chatEvent{Type: "done"}
	if runErr != nil {
		final.Error = brokererr.CallerMessage(runErr)
	}
	writeSSE(w, flusher, &mu, final)
}

// readApprovals decodes additional JSON objects off the chat request body
// after the initial chatRequest, forwarding each as a turn.Approval until
// ctx is done or the connection closes.
func (s *Server) readApprovals(ctx context.Context, decoder *json.Decoder) {
	for {
		var frame approvalFrame
		if err := decoder.Decode(&frame); err != nil {
			return
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		s.deps.Orchestrator.Resolve(turn.Approval{ApprovalID: frame.ApprovalID, Approved: frame.Approved})
	}
}

// sseSink adapts turn.Sink to the chat SSE stream, serializing writes
// against concurrent tool-call goroutines with mu.
type sseSink struct {
	w       http.ResponseWriter
	flusher http.Flusher
	mu      *sync.Mutex
}

func (s *sseSink) Emit(_ context.Context, inv models.ToolInvocation) {
	writeSSE(s.w, s.flusher, s.mu, chatEvent{Type: "tool_invocation", Invocation: &inv})
}

func writeSSE(w http.ResponseWriter, flusher http.Flusher, mu *sync.Mutex, event chatEvent) {
	mu.Lock()
	defer mu.Unlock()
	data, err := json.Marshal(event)
	if err != nil {
		return
	}
	_, _ = w.Write([]byte("data: "))
	_, _ = w.Write(data)
	_, _ = w.Write([]byte("\n\n"))
	flusher.Flush()
}

func lastUserMessage(messages []chatMessage) string {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == string(models.RoleUser) {
			return messages[i].Content
		}
	}
	return ""
}

func toModelMessages(messages []chatMessage) []model.Message {
	out := make([]model.Message, len(messages))
	for i, m := range messages {
		out[i] = model.Message{Role: m.Role, Content: m.Content}
	}
	return out
}
