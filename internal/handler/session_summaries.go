package handler

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/connexus-ai/mnemo-gateway/internal/model"
	"github.com/connexus-ai/mnemo-gateway/internal/summary"
)

const (
	s4SummaryLimit  = 5
	s60SummaryLimit = 2
)

type summaryEntry struct {
	Range     [2]int         `json:"range"`
	Summary   map[string]any `json:"summary"`
	CreatedAt string         `json:"created_at"`
}

func toSummaryEntries(rows []model.SummaryRow) []summaryEntry {
	out := make([]summaryEntry, 0, len(rows))
	for _, row := range rows {
		out = append(out, summaryEntry{
			Range:     [2]int{row.FromTurn, row.ToTurn},
			Summary:   row.SummaryJSON,
			CreatedAt: row.CreatedAt.UTC().Format("2006-01-02T15:04:05Z07:00"),
		})
	}
	return out
}

// SessionSummaries handles GET /sessions/{id}/summaries: the most recent S4
// (up to 5) and S60 (up to 2) rows for a session, newest first.
func SessionSummaries(store summary.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")

		s4Rows, err := store.ListSummaries(r.Context(), sessionID, "s4", s4SummaryLimit)
		if err != nil {
			writeJSONErrorEnvelope(w, http.StatusInternalServerError, err.Error())
			return
		}
		s60Rows, err := store.ListSummaries(r.Context(), sessionID, "s60", s60SummaryLimit)
		if err != nil {
			writeJSONErrorEnvelope(w, http.StatusInternalServerError, err.Error())
			return
		}

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"s4":  toSummaryEntries(s4Rows),
			"s60": toSummaryEntries(s60Rows),
		})
	}
}

// SessionSummariesDebug handles GET /sessions/{id}/summaries/debug?limit=80:
// the recent in-memory cadence/debug event ring for a session.
func SessionSummariesDebug(store summary.Store) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sessionID := chi.URLParam(r, "id")

		limit := 80
		if raw := r.URL.Query().Get("limit"); raw != "" {
			if parsed, err := strconv.Atoi(raw); err == nil && parsed > 0 {
				limit = parsed
			}
		}

		events := store.RecentDebugEvents(sessionID, limit)

		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"session_id": sessionID,
			"events":     events,
		})
	}
}

func writeJSONErrorEnvelope(w http.ResponseWriter, status int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(map[string]any{"error": message})
}
