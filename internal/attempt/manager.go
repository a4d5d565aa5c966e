// Package attempt owns the exam attempt lifecycle: start, answer
// collection, selective answering, submission, grading hand-off and
// regrading. All writes to one attempt serialize through a per-attempt
// mutex; operations on different attempts run in parallel.
package attempt

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/gradeworks/examengine/internal/aigrading"
	"github.com/gradeworks/examengine/internal/audit"
	"github.com/gradeworks/examengine/internal/exam"
	"github.com/gradeworks/examengine/internal/grading"
	"github.com/gradeworks/examengine/internal/lock"
)

const (
	RoleStudent = "student"
	RoleTeacher = "teacher"
	RoleAdmin   = "admin"
)

// ProducedByAuto marks engine-produced revisions; admin-produced ones
// carry "admin:<id>".
const ProducedByAuto = "auto"

// Enqueuer schedules background AI grading for an attempt.
type Enqueuer interface {
	Enqueue(attemptID string, items []aigrading.Item)
}

// ManualGrade is one admin-entered score for a question.
type ManualGrade struct {
	Score     float64 `json:"score"`
	Rationale string  `json:"rationale,omitempty"`
}

type Manager struct {
	store  exam.Store
	scorer *grading.Engine
	gate   lock.StatusProvider
	events audit.Recorder
	queue  Enqueuer

	locks keyedMutex
	now   func() time.Time
	newID func() string
}

type Option func(*Manager)

// WithClock injects a deterministic clock for tests.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithIDFunc injects deterministic ids for tests.
func WithIDFunc(fn func() string) Option {
	return func(m *Manager) { m.newID = fn }
}

func NewManager(store exam.Store, scorer *grading.Engine, gate lock.StatusProvider, events audit.Recorder, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		scorer: scorer,
		gate:   gate,
		events: events,
		now:    time.Now,
		newID:  uuid.NewString,
	}
	for _, o := range opts {
		o(m)
	}
	return m
}

// SetQueue attaches the AI grading queue. Wired after construction
// because the queue's completion callback points back at the manager.
func (m *Manager) SetQueue(q Enqueuer) { m.queue = q }

func (m *Manager) record(ctx context.Context, typ, key string, data interface{}) {
	if m.events != nil {
		m.events.Record(ctx, typ, key, data)
	}
}

// Start creates a fresh in-progress attempt. At most one non-terminal
// attempt may exist per (user, exam) pair; a second start is a conflict.
func (m *Manager) Start(ctx context.Context, userID, role, examID string) (exam.Attempt, error) {
	e, err := m.store.GetExam(ctx, examID)
	if err != nil {
		return exam.Attempt{}, err
	}
	if e.Locked {
		return exam.Attempt{}, exam.ErrForbidden
	}
	if m.gate != nil && m.gate.IsLocked(ctx) && role != RoleAdmin {
		return exam.Attempt{}, exam.ErrForbidden
	}

	// Serialize on the pair so two racing starts cannot both pass the
	// uniqueness check.
	unlock := m.locks.lock("start:" + examID + ":" + userID)
	defer unlock()

	if _, active, err := m.store.ActiveAttempt(ctx, examID, userID); err != nil {
		return exam.Attempt{}, err
	} else if active {
		return exam.Attempt{}, exam.ErrConflict
	}

	now := m.now()
	a := exam.Attempt{
		ID:         m.newID(),
		ExamID:     examID,
		UserID:     userID,
		Status:     exam.StatusInProgress,
		StartedAt:  now.Unix(),
		Selections: map[string][]string{},
		Responses:  map[string]exam.Answer{},
	}
	if e.TimeLimitMin > 0 {
		a.DeadlineAt = now.Add(time.Duration(e.TimeLimitMin) * time.Minute).Unix()
	}
	if err := m.store.InsertAttempt(ctx, a); err != nil {
		return exam.Attempt{}, err
	}
	m.record(ctx, audit.TypeAttemptStarted, a.ID, map[string]string{"exam_id": examID, "user_id": userID})
	return a, nil
}

// SaveAnswer upserts one answer. Past the deadline the attempt is
// force-submitted and ErrExpired is returned.
func (m *Manager) SaveAnswer(ctx context.Context, userID, attemptID, questionID string, value interface{}) (exam.Attempt, error) {
	entry := m.now()
	unlock := m.locks.lock(attemptID)
	defer unlock()

	a, e, err := m.loadOwned(ctx, userID, attemptID)
	if err != nil {
		return exam.Attempt{}, err
	}
	if a.Status != exam.StatusInProgress {
		return exam.Attempt{}, exam.ErrAlreadySubmitted
	}
	if _, ok := e.QuestionByID(questionID); !ok {
		return exam.Attempt{}, exam.ErrQuestionNotFound
	}
	if expired(a, entry) {
		if err := m.finishSubmission(ctx, &a, e, entry); err != nil {
			return exam.Attempt{}, err
		}
		return a, exam.ErrExpired
	}

	a.Responses[questionID] = exam.Answer{
		QuestionID: questionID,
		Value:      value,
		SavedAt:    entry.Unix(),
	}
	if err := m.store.UpdateAttempt(ctx, a); err != nil {
		return exam.Attempt{}, err
	}
	return a, nil
}

// SelectQuestion adds a question to the student's selection for a
// selective section. The cap is enforced here, at write time, so an
// over-count can never be persisted.
func (m *Manager) SelectQuestion(ctx context.Context, userID, attemptID, sectionID, questionID string) (exam.Attempt, error) {
	return m.mutateSelection(ctx, userID, attemptID, sectionID, questionID, true)
}

// DeselectQuestion removes a question from the selection.
func (m *Manager) DeselectQuestion(ctx context.Context, userID, attemptID, sectionID, questionID string) (exam.Attempt, error) {
	return m.mutateSelection(ctx, userID, attemptID, sectionID, questionID, false)
}

func (m *Manager) mutateSelection(ctx context.Context, userID, attemptID, sectionID, questionID string, add bool) (exam.Attempt, error) {
	entry := m.now()
	unlock := m.locks.lock(attemptID)
	defer unlock()

	a, e, err := m.loadOwned(ctx, userID, attemptID)
	if err != nil {
		return exam.Attempt{}, err
	}
	if a.Status != exam.StatusInProgress {
		return exam.Attempt{}, exam.ErrAlreadySubmitted
	}
	if expired(a, entry) {
		if err := m.finishSubmission(ctx, &a, e, entry); err != nil {
			return exam.Attempt{}, err
		}
		return a, exam.ErrExpired
	}

	sec, ok := e.SectionByID(sectionID)
	if !ok {
		return exam.Attempt{}, exam.ErrSectionNotFound
	}
	if !sec.Selective {
		return exam.Attempt{}, exam.ErrNotSelective
	}
	belongs := false
	for _, q := range sec.Questions {
		if q.ID == questionID {
			belongs = true
			break
		}
	}
	if !belongs {
		return exam.Attempt{}, exam.ErrQuestionNotFound
	}

	cur := a.Selections[sectionID]
	idx := -1
	for i, id := range cur {
		if id == questionID {
			idx = i
			break
		}
	}
	if add {
		if idx >= 0 {
			return a, nil // already selected, idempotent
		}
		if len(cur) >= sec.RequiredSelectionCount {
			return exam.Attempt{}, exam.ErrSelectionLimitExceeded
		}
		a.Selections[sectionID] = append(cur, questionID)
	} else {
		if idx < 0 {
			return a, nil
		}
		a.Selections[sectionID] = append(cur[:idx], cur[idx+1:]...)
	}
	if err := m.store.UpdateAttempt(ctx, a); err != nil {
		return exam.Attempt{}, err
	}
	return a, nil
}

// Submit freezes answers, resolves the scored question set, grades the
// objective part synchronously and either finalizes or parks the attempt
// in ai_grading_pending with a batch queued. The deadline is evaluated
// against the time the request entered, so a submit racing the deadline
// wins; a late submit just lands on the auto-submit path, which performs
// the same work.
func (m *Manager) Submit(ctx context.Context, userID, attemptID string) (exam.Attempt, error) {
	entry := m.now()
	unlock := m.locks.lock(attemptID)
	defer unlock()

	a, e, err := m.loadOwned(ctx, userID, attemptID)
	if err != nil {
		return exam.Attempt{}, err
	}
	if a.Status != exam.StatusInProgress {
		return exam.Attempt{}, exam.ErrAlreadySubmitted
	}
	if err := m.finishSubmission(ctx, &a, e, entry); err != nil {
		return exam.Attempt{}, err
	}
	return a, nil
}

// finishSubmission runs the shared submit pipeline. Caller holds the
// attempt lock and has verified the in-progress state.
func (m *Manager) finishSubmission(ctx context.Context, a *exam.Attempt, e exam.Exam, at time.Time) error {
	answered := map[string]bool{}
	for id := range a.Responses {
		answered[id] = true
	}
	scope, err := exam.ResolveScope(e, a.Selections, answered)
	if err != nil {
		return err
	}
	a.ResolvedScope = scope

	rev := exam.ScoreRevision{
		ID:          m.newID(),
		ProducedAt:  at.Unix(),
		ProducedBy:  ProducedByAuto,
		PerQuestion: map[string]exam.QuestionScore{},
	}
	var items []aigrading.Item
	for _, qid := range scope {
		q, ok := e.QuestionByID(qid)
		if !ok {
			return exam.ErrInvariantViolation
		}
		ans, has := a.Responses[qid]
		switch {
		case !has:
			rev.PerQuestion[qid] = exam.QuestionScore{MaxScore: q.Points, Method: exam.MethodNone}
		case exam.IsObjective(q.Kind):
			res, err := m.scorer.Score(q, ans.Value)
			if err != nil {
				return err
			}
			rev.PerQuestion[qid] = exam.QuestionScore{Score: res.Score, MaxScore: res.MaxScore, Method: exam.MethodObjective}
		default:
			rev.PerQuestion[qid] = exam.QuestionScore{MaxScore: q.Points, Method: exam.MethodPending}
			items = append(items, essayItem(q, ans))
		}
	}
	rev.Recompute()

	a.Revisions = append(a.Revisions, rev)
	a.SubmittedAt = at.Unix()
	// Submission walks the full status machine in one call: the answers
	// freeze (submitted), the objective part is scored (auto_graded),
	// and the attempt lands where the essays dictate. Only the landing
	// status is persisted.
	landing := exam.StatusFinalized
	if len(items) > 0 {
		landing = exam.StatusAIGradingPending
	}
	for _, s := range []string{exam.StatusSubmitted, exam.StatusAutoGraded, landing} {
		if err := a.Advance(s); err != nil {
			return err
		}
	}
	if err := m.store.UpdateAttempt(ctx, *a); err != nil {
		return err
	}
	m.record(ctx, audit.TypeAttemptSubmitted, a.ID, map[string]interface{}{"status": a.Status, "total": rev.TotalScore})
	if a.Status == exam.StatusFinalized {
		m.record(ctx, audit.TypeAttemptFinalized, a.ID, map[string]interface{}{"total": rev.TotalScore})
	}
	if len(items) > 0 && m.queue != nil {
		// Enqueue is non-blocking; the external call happens off-lock.
		m.queue.Enqueue(a.ID, items)
	}
	return nil
}

// CompleteAIGrading merges a finished batch into the revision opened at
// submit time. The initial grading pass never grows a second revision.
// Results arriving after an admin already graded manually are dropped:
// recorded manual scores always win over AI output.
func (m *Manager) CompleteAIGrading(ctx context.Context, attemptID string, results []aigrading.ItemResult) error {
	unlock := m.locks.lock(attemptID)
	defer unlock()

	a, err := m.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if a.Status != exam.StatusAIGradingPending {
		return nil
	}
	rev := a.CurrentRevision()
	if rev == nil {
		return exam.ErrInvariantViolation
	}
	for _, r := range results {
		qs, ok := rev.PerQuestion[r.QuestionID]
		if !ok || qs.Method != exam.MethodPending {
			continue
		}
		score := r.Score
		if score < 0 {
			score = 0
		}
		if score > qs.MaxScore {
			score = qs.MaxScore
		}
		rev.PerQuestion[r.QuestionID] = exam.QuestionScore{
			Score:     score,
			MaxScore:  qs.MaxScore,
			Method:    exam.MethodAI,
			Rationale: r.Rationale,
		}
	}
	rev.Recompute()
	if len(rev.PendingQuestions()) == 0 {
		if err := a.Advance(exam.StatusFinalized); err != nil {
			return err
		}
	}
	if err := m.store.UpdateAttempt(ctx, a); err != nil {
		return err
	}
	if a.Status == exam.StatusFinalized {
		m.record(ctx, audit.TypeAttemptFinalized, a.ID, map[string]interface{}{"total": rev.TotalScore})
	}
	return nil
}

// GradeManually records admin scores. On an attempt still in its initial
// grading pass the current revision is completed in place and stamped
// with the admin's identity; on a finalized attempt a new override
// revision is appended. Manual scores take precedence over AI output.
func (m *Manager) GradeManually(ctx context.Context, adminID, attemptID string, grades map[string]ManualGrade) (exam.Attempt, error) {
	unlock := m.locks.lock(attemptID)
	defer unlock()

	a, err := m.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return exam.Attempt{}, err
	}
	if a.Status == exam.StatusInProgress {
		return exam.Attempt{}, exam.ErrNotSubmitted
	}
	cur := a.CurrentRevision()
	if cur == nil {
		return exam.Attempt{}, exam.ErrInvariantViolation
	}

	rev := cur
	appended := false
	if a.Status == exam.StatusFinalized {
		next := cur.Clone()
		next.ID = m.newID()
		next.ProducedAt = m.now().Unix()
		a.Revisions = append(a.Revisions, next)
		rev = &a.Revisions[len(a.Revisions)-1]
		appended = true
	}
	rev.ProducedBy = "admin:" + adminID

	for qid, g := range grades {
		qs, ok := rev.PerQuestion[qid]
		if !ok {
			return exam.Attempt{}, exam.ErrQuestionNotFound
		}
		score := g.Score
		if score < 0 {
			score = 0
		}
		if score > qs.MaxScore {
			score = qs.MaxScore
		}
		rev.PerQuestion[qid] = exam.QuestionScore{
			Score:     score,
			MaxScore:  qs.MaxScore,
			Method:    exam.MethodManual,
			Rationale: g.Rationale,
		}
	}
	rev.Recompute()
	if !appended && len(rev.PendingQuestions()) == 0 {
		if err := a.Advance(exam.StatusFinalized); err != nil {
			return exam.Attempt{}, err
		}
	}
	if err := m.store.UpdateAttempt(ctx, a); err != nil {
		return exam.Attempt{}, err
	}
	if a.Status == exam.StatusFinalized {
		m.record(ctx, audit.TypeAttemptFinalized, a.ID, map[string]interface{}{"total": rev.TotalScore, "by": rev.ProducedBy})
	}
	return a, nil
}

// TriggerAIGrading re-queues the pending essays of a stuck attempt,
// typically after the grading service recovers.
func (m *Manager) TriggerAIGrading(ctx context.Context, attemptID string) error {
	unlock := m.locks.lock(attemptID)
	defer unlock()

	a, err := m.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return err
	}
	if a.Status != exam.StatusAIGradingPending {
		// Nothing pending; a finalized attempt is regraded instead.
		return nil
	}
	e, err := m.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return err
	}
	rev := a.CurrentRevision()
	if rev == nil {
		return exam.ErrInvariantViolation
	}
	var items []aigrading.Item
	for _, qid := range rev.PendingQuestions() {
		q, ok := e.QuestionByID(qid)
		if !ok {
			continue
		}
		ans, has := a.Responses[qid]
		if !has {
			continue
		}
		items = append(items, essayItem(q, ans))
	}
	if len(items) > 0 && m.queue != nil {
		m.queue.Enqueue(a.ID, items)
	}
	return nil
}

// GetResult returns an attempt snapshot. Students see only their own
// attempts; teachers and admins see any.
func (m *Manager) GetResult(ctx context.Context, userID, role, attemptID string) (exam.Attempt, error) {
	a, err := m.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return exam.Attempt{}, err
	}
	if a.UserID != userID && role != RoleTeacher && role != RoleAdmin {
		return exam.Attempt{}, exam.ErrForbidden
	}
	return a, nil
}

// loadOwned fetches the attempt and its definition, enforcing that the
// caller owns the attempt.
func (m *Manager) loadOwned(ctx context.Context, userID, attemptID string) (exam.Attempt, exam.Exam, error) {
	a, err := m.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return exam.Attempt{}, exam.Exam{}, err
	}
	if a.UserID != userID {
		return exam.Attempt{}, exam.Exam{}, exam.ErrForbidden
	}
	e, err := m.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return exam.Attempt{}, exam.Exam{}, err
	}
	return a, e, nil
}

func expired(a exam.Attempt, at time.Time) bool {
	return a.DeadlineAt > 0 && at.Unix() > a.DeadlineAt
}

func essayItem(q exam.Question, ans exam.Answer) aigrading.Item {
	text, _ := ans.Value.(string)
	return aigrading.Item{
		QuestionID:  q.ID,
		Prompt:      q.PromptHTML,
		Rubric:      q.Rubric,
		ModelAnswer: q.ModelAnswer,
		MaxScore:    q.Points,
		Answer:      text,
	}
}
