package http

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gradeworks/examengine/internal/exam"
)

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}

// writeErr maps domain sentinels onto HTTP status codes. Anything
// unmapped is a 500; state-machine violations from the client are 4xx.
func writeErr(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, exam.ErrExamNotFound),
		errors.Is(err, exam.ErrAttemptNotFound),
		errors.Is(err, exam.ErrQuestionNotFound),
		errors.Is(err, exam.ErrSectionNotFound):
		code = http.StatusNotFound
	case errors.Is(err, exam.ErrConflict):
		code = http.StatusConflict
	case errors.Is(err, exam.ErrForbidden):
		code = http.StatusForbidden
	case errors.Is(err, exam.ErrExpired):
		code = http.StatusGone
	case errors.Is(err, exam.ErrAlreadySubmitted),
		errors.Is(err, exam.ErrNotSubmitted),
		errors.Is(err, exam.ErrNotSelective),
		errors.Is(err, exam.ErrSelectionLimitExceeded),
		errors.Is(err, exam.ErrNotFinalized),
		errors.Is(err, exam.ErrInvalidDefinition):
		code = http.StatusUnprocessableEntity
	case errors.Is(err, exam.ErrInvariantViolation):
		code = http.StatusInternalServerError
	}
	http.Error(w, err.Error(), code)
}

func parseIntDefault(s string, def int) int {
	if s == "" {
		return def
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return def
	}
	return n
}
