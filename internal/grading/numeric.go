package grading

import (
	"math"
	"strconv"
	"strings"

	"github.com/gradeworks/examengine/internal/exam"
)

// Numeric answer keys hold the target first, then optional tolerances:
//
//	["3.14159", "tol=0.01"]   absolute tolerance
//	["100", "reltol=0.05"]    5% relative tolerance
//
// An exact string match always passes, so non-parseable targets still
// grade correctly.
func scoreNumeric(q exam.Question, response interface{}) float64 {
	resp, ok := response.(string)
	if !ok || len(q.AnswerKey) == 0 {
		return 0
	}
	target := q.AnswerKey[0]
	if strings.TrimSpace(resp) == strings.TrimSpace(target) {
		return q.Points
	}

	rv, rOK := parseLeadingFloat(resp)
	tv, tOK := parseLeadingFloat(target)
	if !rOK || !tOK {
		return 0
	}

	absTol, relTol := tolerances(q.AnswerKey[1:])
	diff := math.Abs(rv - tv)
	if absTol >= 0 && diff <= absTol {
		return q.Points
	}
	if relTol >= 0 && diff <= relTol*math.Abs(tv) {
		return q.Points
	}
	if diff == 0 {
		return q.Points
	}
	return 0
}

// parseLeadingFloat parses the whole string, or its first field when the
// answer carries units ("9.8 m/s^2").
func parseLeadingFloat(s string) (float64, bool) {
	s = strings.TrimSpace(s)
	if v, err := strconv.ParseFloat(s, 64); err == nil {
		return v, true
	}
	if fields := strings.Fields(s); len(fields) > 0 {
		if v, err := strconv.ParseFloat(fields[0], 64); err == nil {
			return v, true
		}
	}
	return 0, false
}

func tolerances(keys []string) (absTol, relTol float64) {
	absTol, relTol = -1, -1
	for _, k := range keys {
		k = strings.TrimSpace(strings.ToLower(k))
		if v, ok := strings.CutPrefix(k, "tol="); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				absTol = f
			}
		}
		if v, ok := strings.CutPrefix(k, "reltol="); ok {
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				relTol = f
			}
		}
	}
	return
}
