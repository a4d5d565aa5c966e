package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gradeworks/examengine/internal/attempt"
	"github.com/gradeworks/examengine/internal/rbac"
)

// POST /attempts/{attemptID}/regrade { "reason": "rubric fix #42" }
func RegradeHandler(coord *attempt.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		sub := rbac.SubjectFromContext(r.Context())
		rev, err := coord.Regrade(r.Context(), sub, chi.URLParam(r, "attemptID"), req.Reason)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, rev)
	}
}

// POST /exams/{examID}/regrade-all { "reason": "..." }
func RegradeAllHandler(coord *attempt.Coordinator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Reason string `json:"reason"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		sub := rbac.SubjectFromContext(r.Context())
		sum, err := coord.RegradeAll(r.Context(), sub, chi.URLParam(r, "examID"), req.Reason)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, sum)
	}
}
