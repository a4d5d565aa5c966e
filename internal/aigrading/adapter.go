// Package aigrading delegates open-ended answers to an external
// OpenAI-compatible grading service. The engine only sees the Grader
// interface; availability and latency of the service stay behind it.
package aigrading

import "context"

// Policy tunes how the external grader evaluates free-text answers.
type Policy struct {
	StrictnessPercent   int  `json:"strictness_percent"`
	EnablePartialCredit bool `json:"enable_partial_credit"`
	ConsiderSpelling    bool `json:"consider_spelling"`
	ConsiderGrammar     bool `json:"consider_grammar"`
}

func DefaultPolicy() Policy {
	return Policy{StrictnessPercent: 50, EnablePartialCredit: true}
}

// Item is one essay answer to grade.
type Item struct {
	QuestionID  string
	Prompt      string
	Rubric      string
	ModelAnswer string
	MaxScore    float64
	Answer      string
}

// ItemResult is the grader's verdict for one item.
type ItemResult struct {
	QuestionID string  `json:"question_id"`
	Score      float64 `json:"score"`
	MaxScore   float64 `json:"max_score"`
	Rationale  string  `json:"rationale"`
}

// Grader grades a whole attempt's essays in one batched call. One batch
// per submission bounds load on the external service.
type Grader interface {
	GradeBatch(ctx context.Context, items []Item, policy Policy) ([]ItemResult, error)
}
