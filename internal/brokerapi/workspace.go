package brokerapi

import (
	"net/http"

	"github.com/haasonsaas/nexus/internal/brokererr"
	"github.com/haasonsaas/nexus/pkg/models"
)

type workspaceChatResponse struct {
	ChatID   string           `json:"chatId"`
	Messages []models.Message `json:"messages"`
}

// handleWorkspaceChat returns a chat's persisted messages with their
// toolCalls[] snapshots intact. Refreshing signed attachment URLs is the
// object store's job (an external collaborator per §1); this handler
// returns the message record as stored.
func (s *Server) handleWorkspaceChat(w http.ResponseWriter, r *http.Request) {
	if _, ok := identityFromRequest(r); !ok {
		writeBrokerErr(w, brokererr.New(brokererr.Unauthorized, nil))
		return
	}

	chatID := r.PathValue("chatId")
	messages, err := s.deps.Stores.Messages.ForChat(r.Context(), chatID)
	if err != nil {
		writeBrokerErr(w, brokererr.New(brokererr.Internal, err))
		return
	}
	writeJSON(w, http.StatusOK, workspaceChatResponse{ChatID: chatID, Messages: messages})
}
