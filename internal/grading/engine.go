package grading

import (
	"errors"

	"github.com/gradeworks/examengine/internal/exam"
)

// Result is the outcome of scoring a single objective response.
type Result struct {
	Score    float64
	MaxScore float64
}

var ErrNotObjective = errors.New("question kind is not objective")

// Engine scores objective questions. Scoring is a pure function of
// (question, response): no state, no randomness, no external calls.
// That determinism is what makes a regrade a meaningful diagnostic.
type Engine struct {
	byKind map[string]scoreFunc
}

type scoreFunc func(q exam.Question, response interface{}) float64

func NewEngine() *Engine {
	return &Engine{byKind: map[string]scoreFunc{
		exam.KindMCQSingle: scoreExactChoice,
		exam.KindTrueFalse: scoreExactChoice,
		exam.KindMCQMulti:  scoreChoiceSet,
		exam.KindShortWord: scoreShortWord,
		exam.KindNumeric:   scoreNumeric,
	}}
}

// Score grades an objective question. Exact match yields full points,
// anything else yields zero; there is no partial credit.
func (e *Engine) Score(q exam.Question, response interface{}) (Result, error) {
	fn, ok := e.byKind[q.Kind]
	if !ok {
		return Result{MaxScore: q.Points}, ErrNotObjective
	}
	return Result{Score: fn(q, response), MaxScore: q.Points}, nil
}

func scoreExactChoice(q exam.Question, response interface{}) float64 {
	resp, ok := response.(string)
	if !ok {
		return 0
	}
	for _, k := range q.AnswerKey {
		if resp == k {
			return q.Points
		}
	}
	return 0
}

// scoreChoiceSet awards full points only when the response matches the
// answer key exactly as a set.
func scoreChoiceSet(q exam.Question, response interface{}) float64 {
	resp, ok := toStringSlice(response)
	if !ok {
		return 0
	}
	if len(resp) != len(q.AnswerKey) {
		return 0
	}
	key := map[string]int{}
	for _, k := range q.AnswerKey {
		key[k]++
	}
	for _, r := range resp {
		key[r]--
	}
	for _, n := range key {
		if n != 0 {
			return 0
		}
	}
	return q.Points
}

func scoreShortWord(q exam.Question, response interface{}) float64 {
	resp, ok := response.(string)
	if !ok {
		return 0
	}
	got := normalize(resp)
	for _, k := range q.AnswerKey {
		if normalize(k) == got {
			return q.Points
		}
	}
	return 0
}

func toStringSlice(v interface{}) ([]string, bool) {
	switch t := v.(type) {
	case []string:
		return t, true
	case []interface{}:
		out := make([]string, 0, len(t))
		for _, e := range t {
			s, ok := e.(string)
			if !ok {
				return nil, false
			}
			out = append(out, s)
		}
		return out, true
	default:
		return nil, false
	}
}
