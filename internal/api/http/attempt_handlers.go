package http

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/gradeworks/examengine/internal/attempt"
	"github.com/gradeworks/examengine/internal/exam"
	"github.com/gradeworks/examengine/internal/rbac"
)

// POST /attempts { "exam_id": "..." }
func StartAttemptHandler(mgr *attempt.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			ExamID string `json:"exam_id"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		if req.ExamID == "" {
			http.Error(w, "exam_id required", http.StatusBadRequest)
			return
		}
		sub := rbac.SubjectFromContext(r.Context())
		role := rbac.RoleFromContext(r.Context())
		a, err := mgr.Start(r.Context(), sub, role, req.ExamID)
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, a)
	}
}

// POST /attempts/{attemptID}/answers { "question_id": "...", "value": ... }
func SaveAnswerHandler(mgr *attempt.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			QuestionID string      `json:"question_id"`
			Value      interface{} `json:"value"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		sub := rbac.SubjectFromContext(r.Context())
		a, err := mgr.SaveAnswer(r.Context(), sub, chi.URLParam(r, "attemptID"), req.QuestionID, req.Value)
		if err != nil {
			// Expired still transitions the attempt; tell the client both.
			if errors.Is(err, exam.ErrExpired) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusGone)
				_ = json.NewEncoder(w).Encode(map[string]interface{}{"error": "attempt expired", "attempt": a})
				return
			}
			writeErr(w, err)
			return
		}
		writeJSON(w, a)
	}
}

type selectionReq struct {
	SectionID  string `json:"section_id"`
	QuestionID string `json:"question_id"`
}

// POST /attempts/{attemptID}/selections
func SelectQuestionHandler(mgr *attempt.Manager) http.HandlerFunc {
	return selectionHandler(mgr, true)
}

// DELETE /attempts/{attemptID}/selections
func DeselectQuestionHandler(mgr *attempt.Manager) http.HandlerFunc {
	return selectionHandler(mgr, false)
}

func selectionHandler(mgr *attempt.Manager, add bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req selectionReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json", http.StatusBadRequest)
			return
		}
		sub := rbac.SubjectFromContext(r.Context())
		id := chi.URLParam(r, "attemptID")
		var (
			a   exam.Attempt
			err error
		)
		if add {
			a, err = mgr.SelectQuestion(r.Context(), sub, id, req.SectionID, req.QuestionID)
		} else {
			a, err = mgr.DeselectQuestion(r.Context(), sub, id, req.SectionID, req.QuestionID)
		}
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, a)
	}
}

// POST /attempts/{attemptID}/submit
func SubmitAttemptHandler(mgr *attempt.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := rbac.SubjectFromContext(r.Context())
		a, err := mgr.Submit(r.Context(), sub, chi.URLParam(r, "attemptID"))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, a)
	}
}

// GET /attempts/{attemptID} — full result snapshot: score breakdown,
// revision history, timestamps and resolved scope.
func GetResultHandler(mgr *attempt.Manager) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sub := rbac.SubjectFromContext(r.Context())
		role := rbac.RoleFromContext(r.Context())
		a, err := mgr.GetResult(r.Context(), sub, role, chi.URLParam(r, "attemptID"))
		if err != nil {
			writeErr(w, err)
			return
		}
		writeJSON(w, a)
	}
}

// GET /attempts?exam_id=...&user_id=...&status=...&limit=50&offset=0
// Callers without attempt:view-all are scoped to their own attempts.
func ListAttemptsHandler(store exam.Store, checker *rbac.Checker) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		role := rbac.RoleFromContext(r.Context())
		sub := rbac.SubjectFromContext(r.Context())
		if role == "" {
			http.Error(w, "forbidden", http.StatusForbidden)
			return
		}
		q := r.URL.Query()
		opts := exam.AttemptListOpts{
			ExamID: q.Get("exam_id"),
			UserID: q.Get("user_id"),
			Status: q.Get("status"),
			Limit:  parseIntDefault(q.Get("limit"), 50),
			Offset: parseIntDefault(q.Get("offset"), 0),
		}
		if !checker.Has(role, "attempt:view-all") {
			opts.UserID = sub
		}
		list, err := store.ListAttempts(r.Context(), opts)
		if err != nil {
			writeErr(w, err)
			return
		}
		if list == nil {
			list = []exam.Attempt{}
		}
		writeJSON(w, list)
	}
}
