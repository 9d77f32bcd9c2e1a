package handler

import (
	"encoding/json"
	"net/http"

	"github.com/connexus-ai/mnemo-gateway/internal/model"
	"github.com/connexus-ai/mnemo-gateway/internal/summary"
)

// AppendChatRequest is the body for POST /chat.
type AppendChatRequest struct {
	SessionID     string `json:"session_id"`
	UserText      string `json:"user_text"`
	AssistantText string `json:"assistant_text"`
}

// AppendChatResponse is the response for POST /chat.
type AppendChatResponse struct {
	SessionID string `json:"session_id"`
	TurnID    int    `json:"turn_id"`
}

// AppendChat handles POST /chat: a direct, non-streaming write of one
// already-produced user/assistant turn into the Summarization Engine,
// bypassing the proxy/upstream-dispatch path entirely.
func AppendChat(store summary.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req AppendChatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSONErrorEnvelope(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.SessionID == "" {
			writeJSONErrorEnvelope(w, http.StatusBadRequest, "session_id is required")
			return
		}

		turnID, err := store.AppendTurn(r.Context(), model.ChatTurn{
			SessionID:     req.SessionID,
			UserText:      req.UserText,
			AssistantText: req.AssistantText,
		})
		if err != nil {
			writeJSONErrorEnvelope(w, http.StatusInternalServerError, err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(AppendChatResponse{SessionID: req.SessionID, TurnID: turnID})
	}
}
