package handler

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/connexus-ai/mnemo-gateway/internal/summary"
)

// ProactiveEnable handles POST /sessions/{id}/proactive/enable: turns on
// proactive messaging for a session that has at least one recorded turn.
func ProactiveEnable(store summary.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")

		exists, err := store.SessionExists(r.Context(), sessionID)
		if err != nil {
			writeJSONErrorEnvelope(w, http.StatusInternalServerError, err.Error())
			return
		}
		if !exists {
			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(map[string]any{"ok": false, "error": "session not found"})
			return
		}

		if err := store.SetProactiveEnabled(r.Context(), sessionID, true); err != nil {
			writeJSONErrorEnvelope(w, http.StatusInternalServerError, err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{"ok": true})
	}
}
