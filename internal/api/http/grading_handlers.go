package http

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gradeworks/examengine/internal/attempt"
	"github.com/gradeworks/examengine/internal/rbac"
)

// POST /attempts/{attemptID}/grades
// { "items": { "<question_id>": { "score": 3, "rationale": "..." } } }
func ApplyManualGradesHandler(mgr *attempt.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Items map[string]attempt.ManualGrade `json:"items"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if len(req.Items) == 0 {
			http.Error(w, "items required", http.StatusBadRequest)
			return
		}
		sub := rbac.SubjectFromContext(r.Context())
		a, err := mgr.GradeManually(r.Context(), sub, chi.URLParam(r, "attemptID"), req.Items)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, a)
	}
}

// POST /attempts/{attemptID}/ai-grading — re-queue a stuck batch.
func TriggerAIGradingHandler(mgr *attempt.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := mgr.TriggerAIGrading(r.Context(), chi.URLParam(r, "attemptID")); err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, map[string]string{"status": "queued"})
	}
}
