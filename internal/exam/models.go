package exam

// Question kinds. Everything except essay is objective and auto-gradable.
const (
	KindMCQSingle = "mcq_single"
	KindMCQMulti  = "mcq_multi"
	KindTrueFalse = "true_false"
	KindShortWord = "short_word"
	KindNumeric   = "numeric"
	KindEssay     = "essay"
)

// IsObjective reports whether a question kind is deterministically gradable.
func IsObjective(kind string) bool {
	switch kind {
	case KindMCQSingle, KindMCQMulti, KindTrueFalse, KindShortWord, KindNumeric:
		return true
	}
	return false
}

type Choice struct {
	ID        string `json:"id,omitempty"`
	LabelHTML string `json:"label_html,omitempty"`
}

type Question struct {
	ID         string   `json:"id"`
	Kind       string   `json:"kind"`
	PromptHTML string   `json:"prompt_html,omitempty"`
	Choices    []Choice `json:"choices,omitempty"`
	// AnswerKey for objective kinds; numeric keys may carry tolerance
	// entries like "tol=0.01" or "reltol=0.05" after the target value.
	AnswerKey []string `json:"answer_key,omitempty"`
	// Rubric and ModelAnswer guide AI and manual grading of essays.
	Rubric      string  `json:"rubric,omitempty"`
	ModelAnswer string  `json:"model_answer,omitempty"`
	Points      float64 `json:"points"`
}

// Section groups questions. A selective section lets the student pick
// RequiredSelectionCount questions to count toward their score.
type Section struct {
	ID                     string     `json:"id"`
	Title                  string     `json:"title,omitempty"`
	Questions              []Question `json:"questions"`
	Selective              bool       `json:"selective,omitempty"`
	RequiredSelectionCount int        `json:"required_selection_count,omitempty"`
}

// Exam is the published definition. The engine never mutates it.
type Exam struct {
	ID             string    `json:"id"`
	Title          string    `json:"title"`
	TimeLimitMin   int       `json:"time_limit_min"`
	Sections       []Section `json:"sections"`
	TotalPoints    float64   `json:"total_points,omitempty"`
	AllowSelective bool      `json:"allow_selective_answering,omitempty"`
	Locked         bool      `json:"locked,omitempty"`
	CreatedAt      int64     `json:"created_at,omitempty"`
}

// QuestionByID scans all sections for a question.
func (e Exam) QuestionByID(id string) (Question, bool) {
	for _, s := range e.Sections {
		for _, q := range s.Questions {
			if q.ID == id {
				return q, true
			}
		}
	}
	return Question{}, false
}

// SectionByID returns the section with the given id.
func (e Exam) SectionByID(id string) (Section, bool) {
	for _, s := range e.Sections {
		if s.ID == id {
			return s, true
		}
	}
	return Section{}, false
}

// Redacted returns a copy safe to serve to students: answer keys,
// rubrics and model answers stripped.
func (e Exam) Redacted() Exam {
	out := e
	out.Sections = make([]Section, len(e.Sections))
	for i, s := range e.Sections {
		sc := s
		sc.Questions = make([]Question, len(s.Questions))
		for j, q := range s.Questions {
			q.AnswerKey = nil
			q.Rubric = ""
			q.ModelAnswer = ""
			sc.Questions[j] = q
		}
		out.Sections[i] = sc
	}
	return out
}

// Validate checks the structural invariants a definition must satisfy
// before the engine will accept attempts against it.
func (e Exam) Validate() error {
	if e.ID == "" {
		return ErrInvalidDefinition
	}
	seen := map[string]bool{}
	for _, s := range e.Sections {
		if s.Selective && s.RequiredSelectionCount > len(s.Questions) {
			return ErrInvalidDefinition
		}
		if !s.Selective && s.RequiredSelectionCount != 0 {
			return ErrInvalidDefinition
		}
		for _, q := range s.Questions {
			if seen[q.ID] {
				return ErrInvalidDefinition
			}
			seen[q.ID] = true
		}
	}
	return nil
}

// Attempt states.
const (
	StatusInProgress       = "in_progress"
	StatusSubmitted        = "submitted"
	StatusAutoGraded       = "auto_graded"
	StatusAIGradingPending = "ai_grading_pending"
	StatusFinalized        = "finalized"
)

// IsTerminal reports whether an attempt can no longer change state.
func IsTerminal(status string) bool { return status == StatusFinalized }

var transitions = map[string][]string{
	StatusInProgress:       {StatusSubmitted},
	StatusSubmitted:        {StatusAutoGraded},
	StatusAutoGraded:       {StatusAIGradingPending, StatusFinalized},
	StatusAIGradingPending: {StatusFinalized},
}

// ValidTransition reports whether moving from one status to another is legal.
func ValidTransition(from, to string) bool {
	for _, t := range transitions[from] {
		if t == to {
			return true
		}
	}
	return false
}

// Advance moves the attempt one step along the status machine. Any step
// the transitions table does not allow is an invariant violation; every
// status write goes through here so an illegal jump cannot be persisted.
func (a *Attempt) Advance(to string) error {
	if !ValidTransition(a.Status, to) {
		return ErrInvariantViolation
	}
	a.Status = to
	return nil
}

// Answer is one saved response. Overwritable while the attempt is
// in progress, frozen at submission.
type Answer struct {
	QuestionID string      `json:"question_id"`
	Value      interface{} `json:"value"`
	SavedAt    int64       `json:"saved_at"`
}

// Grading methods recorded per question in a revision.
const (
	MethodObjective = "objective"
	MethodAI        = "ai"
	MethodManual    = "manual"
	MethodPending   = "pending"
	MethodNone      = "none" // in scope but unanswered
)

type QuestionScore struct {
	Score     float64 `json:"score"`
	MaxScore  float64 `json:"max_score"`
	Method    string  `json:"method"`
	Rationale string  `json:"rationale,omitempty"`
}

// ScoreRevision is one immutable grading pass. Regrading appends a new
// revision; prior revisions are never touched.
type ScoreRevision struct {
	ID          string                   `json:"id"`
	ProducedAt  int64                    `json:"produced_at"`
	ProducedBy  string                   `json:"produced_by"` // "auto" or "admin:<id>"
	Reason      string                   `json:"reason,omitempty"`
	TotalScore  float64                  `json:"total_score"`
	PerQuestion map[string]QuestionScore `json:"per_question"`
}

// Recompute refreshes TotalScore from the per-question entries.
// Pending entries contribute nothing: an ungraded essay is not a zero.
func (r *ScoreRevision) Recompute() {
	total := 0.0
	for _, qs := range r.PerQuestion {
		if qs.Method == MethodPending {
			continue
		}
		total += qs.Score
	}
	r.TotalScore = total
}

// PendingQuestions lists questions still awaiting AI or manual grading.
func (r ScoreRevision) PendingQuestions() []string {
	var out []string
	for id, qs := range r.PerQuestion {
		if qs.Method == MethodPending {
			out = append(out, id)
		}
	}
	return out
}

// Clone deep-copies the revision so an override pass can start from it.
func (r ScoreRevision) Clone() ScoreRevision {
	out := r
	out.PerQuestion = make(map[string]QuestionScore, len(r.PerQuestion))
	for k, v := range r.PerQuestion {
		out.PerQuestion[k] = v
	}
	return out
}

// Attempt is one student's run through an exam definition.
type Attempt struct {
	ID          string `json:"id"`
	ExamID      string `json:"exam_id"`
	UserID      string `json:"user_id"`
	Status      string `json:"status"`
	StartedAt   int64  `json:"started_at"`
	DeadlineAt  int64  `json:"deadline_at,omitempty"` // 0 means untimed
	SubmittedAt int64  `json:"submitted_at,omitempty"`

	// Selections maps selective section id -> chosen question ids, in
	// the order the student picked them.
	Selections map[string][]string `json:"selections,omitempty"`
	Responses  map[string]Answer   `json:"responses"`

	// ResolvedScope is fixed at submit time and never reopened.
	ResolvedScope []string        `json:"resolved_scope,omitempty"`
	Revisions     []ScoreRevision `json:"revisions,omitempty"`
}

// CurrentRevision returns the latest revision, or nil before grading.
func (a *Attempt) CurrentRevision() *ScoreRevision {
	if len(a.Revisions) == 0 {
		return nil
	}
	return &a.Revisions[len(a.Revisions)-1]
}

// Score is the attempt's current total: the latest revision wins.
func (a Attempt) Score() float64 {
	if len(a.Revisions) == 0 {
		return 0
	}
	return a.Revisions[len(a.Revisions)-1].TotalScore
}

// Clone deep-copies an attempt. Stores hand out clones so callers can
// never mutate persisted history in place.
func (a Attempt) Clone() Attempt {
	out := a
	if a.Selections != nil {
		out.Selections = make(map[string][]string, len(a.Selections))
		for k, v := range a.Selections {
			out.Selections[k] = append([]string(nil), v...)
		}
	}
	if a.Responses != nil {
		out.Responses = make(map[string]Answer, len(a.Responses))
		for k, v := range a.Responses {
			out.Responses[k] = v
		}
	}
	out.ResolvedScope = append([]string(nil), a.ResolvedScope...)
	if a.Revisions != nil {
		out.Revisions = make([]ScoreRevision, len(a.Revisions))
		for i, r := range a.Revisions {
			out.Revisions[i] = r.Clone()
		}
	}
	return out
}

// AttemptListOpts filters ListAttempts.
type AttemptListOpts struct {
	ExamID string
	UserID string
	Status string
	Limit  int
	Offset int
}
