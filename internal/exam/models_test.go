package exam

import "testing"

func TestValidTransition(t *testing.T) {
	cases := []struct {
		from, to string
		want     bool
	}{
		{StatusInProgress, StatusSubmitted, true},
		{StatusSubmitted, StatusAutoGraded, true},
		{StatusAutoGraded, StatusAIGradingPending, true},
		{StatusAutoGraded, StatusFinalized, true},
		{StatusAIGradingPending, StatusFinalized, true},
		{StatusInProgress, StatusFinalized, false},
		{StatusFinalized, StatusInProgress, false},
		{StatusSubmitted, StatusInProgress, false},
	}
	for _, tc := range cases {
		if got := ValidTransition(tc.from, tc.to); got != tc.want {
			t.Errorf("ValidTransition(%s, %s) = %v, want %v", tc.from, tc.to, got, tc.want)
		}
	}
}

func TestAdvanceEnforcesTable(t *testing.T) {
	a := Attempt{Status: StatusInProgress}
	for _, s := range []string{StatusSubmitted, StatusAutoGraded, StatusAIGradingPending, StatusFinalized} {
		if err := a.Advance(s); err != nil {
			t.Fatalf("Advance(%s) from %s: %v", s, a.Status, err)
		}
	}
	if a.Status != StatusFinalized {
		t.Fatalf("status = %s, want finalized", a.Status)
	}
	// Terminal: no step out of finalized.
	if err := a.Advance(StatusInProgress); err != ErrInvariantViolation {
		t.Fatalf("err = %v, want ErrInvariantViolation", err)
	}
	// Skipping the submitted step is illegal.
	b := Attempt{Status: StatusInProgress}
	if err := b.Advance(StatusFinalized); err != ErrInvariantViolation {
		t.Fatalf("err = %v, want ErrInvariantViolation", err)
	}
	if b.Status != StatusInProgress {
		t.Fatal("rejected advance mutated the status")
	}
}

func TestRecomputeSkipsPending(t *testing.T) {
	rev := ScoreRevision{PerQuestion: map[string]QuestionScore{
		"q1": {Score: 2, MaxScore: 2, Method: MethodObjective},
		"q2": {MaxScore: 5, Method: MethodPending},
		"q3": {Score: 1, MaxScore: 3, Method: MethodManual},
	}}
	rev.Recompute()
	if rev.TotalScore != 3 {
		t.Fatalf("total = %v, want 3", rev.TotalScore)
	}
	pending := rev.PendingQuestions()
	if len(pending) != 1 || pending[0] != "q2" {
		t.Fatalf("pending = %v, want [q2]", pending)
	}
}

func TestExamValidate(t *testing.T) {
	e := selectiveExam()
	if err := e.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	bad := selectiveExam()
	bad.Sections[1].RequiredSelectionCount = 10
	if err := bad.Validate(); err == nil {
		t.Fatal("expected error for required count above question count")
	}
	dup := selectiveExam()
	dup.Sections[0].Questions[1].ID = "q1"
	if err := dup.Validate(); err == nil {
		t.Fatal("expected error for duplicate question id")
	}
}

func TestRedactedStripsGradingData(t *testing.T) {
	e := selectiveExam()
	e.Sections[0].Questions[0].AnswerKey = []string{"a"}
	e.Sections[0].Questions[0].Rubric = "secret"
	red := e.Redacted()
	if red.Sections[0].Questions[0].AnswerKey != nil {
		t.Fatal("answer key leaked")
	}
	if red.Sections[0].Questions[0].Rubric != "" {
		t.Fatal("rubric leaked")
	}
	// Original untouched.
	if e.Sections[0].Questions[0].AnswerKey == nil {
		t.Fatal("redaction mutated the original definition")
	}
}
