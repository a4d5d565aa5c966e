package attempt

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/gradeworks/examengine/internal/aigrading"
	"github.com/gradeworks/examengine/internal/audit"
	"github.com/gradeworks/examengine/internal/exam"
	"github.com/gradeworks/examengine/internal/grading"
	"github.com/gradeworks/examengine/internal/lock"
)

// fakeQueue records enqueued batches instead of calling out.
type fakeQueue struct {
	mu      sync.Mutex
	batches map[string][]aigrading.Item
}

func newFakeQueue() *fakeQueue {
	return &fakeQueue{batches: map[string][]aigrading.Item{}}
}

func (f *fakeQueue) Enqueue(attemptID string, items []aigrading.Item) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.batches[attemptID] = append(f.batches[attemptID], items...)
}

func (f *fakeQueue) items(attemptID string) []aigrading.Item {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.batches[attemptID]
}

// testClock is a settable clock.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Unix(1_700_000_000, 0)}
}

func (c *testClock) now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func seqIDs() func() string {
	var n int
	var mu sync.Mutex
	return func() string {
		mu.Lock()
		defer mu.Unlock()
		n++
		return fmt.Sprintf("id-%d", n)
	}
}

func mixedExam() exam.Exam {
	return exam.Exam{
		ID:           "ex1",
		Title:        "Mixed",
		TimeLimitMin: 60,
		Sections: []exam.Section{
			{
				ID: "s1",
				Questions: []exam.Question{
					{ID: "q1", Kind: exam.KindMCQSingle, Points: 2, AnswerKey: []string{"b"}},
					{ID: "q2", Kind: exam.KindNumeric, Points: 2, AnswerKey: []string{"42"}},
					{ID: "essay1", Kind: exam.KindEssay, Points: 10, Rubric: "depth and accuracy"},
				},
			},
			{
				ID:                     "s2",
				Selective:              true,
				RequiredSelectionCount: 1,
				Questions: []exam.Question{
					{ID: "q3", Kind: exam.KindMCQSingle, Points: 3, AnswerKey: []string{"a"}},
					{ID: "q4", Kind: exam.KindMCQSingle, Points: 3, AnswerKey: []string{"b"}},
				},
			},
		},
	}
}

type env struct {
	mgr   *Manager
	store *exam.MemoryStore
	queue *fakeQueue
	clock *testClock
	log   *audit.MemoryLog
}

func newEnv(t *testing.T, e exam.Exam) *env {
	t.Helper()
	store := exam.NewMemoryStore()
	if err := store.PutExam(context.Background(), e); err != nil {
		t.Fatalf("PutExam: %v", err)
	}
	clock := newTestClock()
	log := audit.NewMemoryLog()
	mgr := NewManager(store, grading.NewEngine(), lock.NewStatic(false), log,
		WithClock(clock.now), WithIDFunc(seqIDs()))
	queue := newFakeQueue()
	mgr.SetQueue(queue)
	return &env{mgr: mgr, store: store, queue: queue, clock: clock, log: log}
}

func TestStartSecondActiveAttemptConflicts(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, mixedExam())

	if _, err := v.mgr.Start(ctx, "u1", RoleStudent, "ex1"); err != nil {
		t.Fatalf("first start: %v", err)
	}
	if _, err := v.mgr.Start(ctx, "u1", RoleStudent, "ex1"); !errors.Is(err, exam.ErrConflict) {
		t.Fatalf("second start err = %v, want ErrConflict", err)
	}
	// A different user is unaffected.
	if _, err := v.mgr.Start(ctx, "u2", RoleStudent, "ex1"); err != nil {
		t.Fatalf("other user start: %v", err)
	}
}

func TestStartAfterFinalizeAllowed(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, mixedExam())

	a, err := v.mgr.Start(ctx, "u1", RoleStudent, "ex1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := v.mgr.SaveAnswer(ctx, "u1", a.ID, "q1", "b"); err != nil {
		t.Fatalf("save: %v", err)
	}
	if _, err := v.mgr.Submit(ctx, "u1", a.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := v.mgr.Start(ctx, "u1", RoleStudent, "ex1"); err != nil {
		t.Fatalf("restart after finalize: %v", err)
	}
}

func TestStartBlockedByLocks(t *testing.T) {
	ctx := context.Background()
	locked := mixedExam()
	locked.Locked = true
	v := newEnv(t, locked)
	if _, err := v.mgr.Start(ctx, "u1", RoleStudent, "ex1"); !errors.Is(err, exam.ErrForbidden) {
		t.Fatalf("locked exam err = %v, want ErrForbidden", err)
	}

	v2 := newEnv(t, mixedExam())
	v2.mgr.gate = lock.NewStatic(true)
	if _, err := v2.mgr.Start(ctx, "u1", RoleStudent, "ex1"); !errors.Is(err, exam.ErrForbidden) {
		t.Fatalf("system lock err = %v, want ErrForbidden", err)
	}
	// Admins bypass the system lock.
	if _, err := v2.mgr.Start(ctx, "a1", RoleAdmin, "ex1"); err != nil {
		t.Fatalf("admin start under system lock: %v", err)
	}
}

func TestSaveAnswerPastDeadlineForceSubmits(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, mixedExam())

	a, err := v.mgr.Start(ctx, "u1", RoleStudent, "ex1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := v.mgr.SaveAnswer(ctx, "u1", a.ID, "q1", "b"); err != nil {
		t.Fatalf("save before deadline: %v", err)
	}

	v.clock.advance(61 * time.Minute)
	got, err := v.mgr.SaveAnswer(ctx, "u1", a.ID, "q2", "42")
	if !errors.Is(err, exam.ErrExpired) {
		t.Fatalf("err = %v, want ErrExpired", err)
	}
	if got.Status == exam.StatusInProgress {
		t.Fatalf("status = %s, want submitted state", got.Status)
	}
	// The late answer was not recorded; only q1 scored.
	if got.Score() != 2 {
		t.Fatalf("total = %v, want 2 (q1 only)", got.Score())
	}

	// Further writes see the submitted state, not a second expiry.
	if _, err := v.mgr.SaveAnswer(ctx, "u1", a.ID, "q1", "a"); !errors.Is(err, exam.ErrAlreadySubmitted) {
		t.Fatalf("post-expiry save err = %v, want ErrAlreadySubmitted", err)
	}
}

func TestSelectionCapEnforced(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, mixedExam())
	a, _ := v.mgr.Start(ctx, "u1", RoleStudent, "ex1")

	if _, err := v.mgr.SelectQuestion(ctx, "u1", a.ID, "s2", "q3"); err != nil {
		t.Fatalf("select q3: %v", err)
	}
	// Re-selecting is idempotent.
	if _, err := v.mgr.SelectQuestion(ctx, "u1", a.ID, "s2", "q3"); err != nil {
		t.Fatalf("re-select q3: %v", err)
	}
	if _, err := v.mgr.SelectQuestion(ctx, "u1", a.ID, "s2", "q4"); !errors.Is(err, exam.ErrSelectionLimitExceeded) {
		t.Fatalf("over-cap err = %v, want ErrSelectionLimitExceeded", err)
	}
	// Swap works: deselect then select.
	if _, err := v.mgr.DeselectQuestion(ctx, "u1", a.ID, "s2", "q3"); err != nil {
		t.Fatalf("deselect: %v", err)
	}
	if _, err := v.mgr.SelectQuestion(ctx, "u1", a.ID, "s2", "q4"); err != nil {
		t.Fatalf("select q4 after swap: %v", err)
	}
	// Non-selective section rejects selection outright.
	if _, err := v.mgr.SelectQuestion(ctx, "u1", a.ID, "s1", "q1"); !errors.Is(err, exam.ErrNotSelective) {
		t.Fatalf("non-selective err = %v, want ErrNotSelective", err)
	}
}

func TestSubmitScoresOnlySelectedScope(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, mixedExam())
	a, _ := v.mgr.Start(ctx, "u1", RoleStudent, "ex1")

	// Answer both selective questions but select only q4; q3 must not
	// count against the student.
	v.mgr.SaveAnswer(ctx, "u1", a.ID, "q1", "b")   // correct, 2
	v.mgr.SaveAnswer(ctx, "u1", a.ID, "q3", "b")   // would be wrong
	v.mgr.SaveAnswer(ctx, "u1", a.ID, "q4", "b")   // correct, 3
	v.mgr.SelectQuestion(ctx, "u1", a.ID, "s2", "q4")

	got, err := v.mgr.Submit(ctx, "u1", a.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	rev := got.CurrentRevision()
	if rev == nil {
		t.Fatal("no revision after submit")
	}
	if _, scored := rev.PerQuestion["q3"]; scored {
		t.Fatal("unselected q3 appeared in the scored scope")
	}
	if rev.PerQuestion["q4"].Score != 3 || rev.PerQuestion["q1"].Score != 2 {
		t.Fatalf("per-question = %+v", rev.PerQuestion)
	}
	// essay1 unanswered: present with no score, attempt finalizes.
	if rev.PerQuestion["essay1"].Method != exam.MethodNone {
		t.Fatalf("essay1 method = %s, want none", rev.PerQuestion["essay1"].Method)
	}
	if got.Status != exam.StatusFinalized {
		t.Fatalf("status = %s, want finalized", got.Status)
	}
	if got.Score() != 5 {
		t.Fatalf("total = %v, want 5", got.Score())
	}
}

func TestSubmitTwiceRejected(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, mixedExam())
	a, _ := v.mgr.Start(ctx, "u1", RoleStudent, "ex1")
	if _, err := v.mgr.Submit(ctx, "u1", a.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if _, err := v.mgr.Submit(ctx, "u1", a.ID); !errors.Is(err, exam.ErrAlreadySubmitted) {
		t.Fatalf("second submit err = %v, want ErrAlreadySubmitted", err)
	}
}

func TestSubmitWithEssayParksPendingAndEnqueues(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, mixedExam())
	a, _ := v.mgr.Start(ctx, "u1", RoleStudent, "ex1")

	v.mgr.SaveAnswer(ctx, "u1", a.ID, "q1", "b")
	v.mgr.SaveAnswer(ctx, "u1", a.ID, "essay1", "long form answer")

	got, err := v.mgr.Submit(ctx, "u1", a.ID)
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if got.Status != exam.StatusAIGradingPending {
		t.Fatalf("status = %s, want ai_grading_pending", got.Status)
	}
	rev := got.CurrentRevision()
	if rev.PerQuestion["essay1"].Method != exam.MethodPending {
		t.Fatalf("essay method = %s, want pending", rev.PerQuestion["essay1"].Method)
	}
	// Pending never counts as zero: total reflects objective marks only.
	if got.Score() != 2 {
		t.Fatalf("total = %v, want 2", got.Score())
	}
	items := v.queue.items(a.ID)
	if len(items) != 1 || items[0].QuestionID != "essay1" || items[0].Answer != "long form answer" {
		t.Fatalf("enqueued items = %+v", items)
	}
}

func TestCompleteAIGradingFinalizesSameRevision(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, mixedExam())
	a, _ := v.mgr.Start(ctx, "u1", RoleStudent, "ex1")
	v.mgr.SaveAnswer(ctx, "u1", a.ID, "q1", "b")
	v.mgr.SaveAnswer(ctx, "u1", a.ID, "essay1", "answer")
	v.mgr.Submit(ctx, "u1", a.ID)

	err := v.mgr.CompleteAIGrading(ctx, a.ID, []aigrading.ItemResult{
		{QuestionID: "essay1", Score: 8, MaxScore: 10, Rationale: "solid"},
	})
	if err != nil {
		t.Fatalf("CompleteAIGrading: %v", err)
	}
	got, _ := v.store.GetAttempt(ctx, a.ID)
	if got.Status != exam.StatusFinalized {
		t.Fatalf("status = %s, want finalized", got.Status)
	}
	if len(got.Revisions) != 1 {
		t.Fatalf("revisions = %d, want 1 (initial pass completes in place)", len(got.Revisions))
	}
	qs := got.CurrentRevision().PerQuestion["essay1"]
	if qs.Method != exam.MethodAI || qs.Score != 8 || qs.Rationale != "solid" {
		t.Fatalf("essay score = %+v", qs)
	}
	if got.Score() != 10 {
		t.Fatalf("total = %v, want 10", got.Score())
	}
}

func TestCompleteAIGradingClampsScores(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, mixedExam())
	a, _ := v.mgr.Start(ctx, "u1", RoleStudent, "ex1")
	v.mgr.SaveAnswer(ctx, "u1", a.ID, "essay1", "answer")
	v.mgr.Submit(ctx, "u1", a.ID)

	v.mgr.CompleteAIGrading(ctx, a.ID, []aigrading.ItemResult{
		{QuestionID: "essay1", Score: 99, MaxScore: 10},
	})
	got, _ := v.store.GetAttempt(ctx, a.ID)
	if s := got.CurrentRevision().PerQuestion["essay1"].Score; s != 10 {
		t.Fatalf("score = %v, want clamped to 10", s)
	}
}

func TestManualGradeFinalizesPendingAttempt(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, mixedExam())
	a, _ := v.mgr.Start(ctx, "u1", RoleStudent, "ex1")
	v.mgr.SaveAnswer(ctx, "u1", a.ID, "q1", "b")
	v.mgr.SaveAnswer(ctx, "u1", a.ID, "essay1", "answer")
	v.mgr.Submit(ctx, "u1", a.ID)

	got, err := v.mgr.GradeManually(ctx, "adm1", a.ID, map[string]ManualGrade{
		"essay1": {Score: 7, Rationale: "good but shallow"},
	})
	if err != nil {
		t.Fatalf("GradeManually: %v", err)
	}
	if got.Status != exam.StatusFinalized {
		t.Fatalf("status = %s, want finalized", got.Status)
	}
	if len(got.Revisions) != 1 {
		t.Fatalf("revisions = %d, want 1", len(got.Revisions))
	}
	rev := got.CurrentRevision()
	if rev.ProducedBy != "admin:adm1" {
		t.Fatalf("producedBy = %s, want admin:adm1", rev.ProducedBy)
	}
	if rev.PerQuestion["essay1"].Method != exam.MethodManual {
		t.Fatalf("method = %s, want manual", rev.PerQuestion["essay1"].Method)
	}
	if got.Score() != 9 {
		t.Fatalf("total = %v, want 9", got.Score())
	}

	// An AI result landing afterwards is dropped: manual wins.
	if err := v.mgr.CompleteAIGrading(ctx, a.ID, []aigrading.ItemResult{
		{QuestionID: "essay1", Score: 2, MaxScore: 10},
	}); err != nil {
		t.Fatalf("late CompleteAIGrading: %v", err)
	}
	again, _ := v.store.GetAttempt(ctx, a.ID)
	if again.CurrentRevision().PerQuestion["essay1"].Score != 7 {
		t.Fatal("late AI result overwrote a manual grade")
	}
}

func TestManualGradeOnFinalizedAppendsRevision(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, mixedExam())
	a, _ := v.mgr.Start(ctx, "u1", RoleStudent, "ex1")
	v.mgr.SaveAnswer(ctx, "u1", a.ID, "q1", "b")
	v.mgr.Submit(ctx, "u1", a.ID)

	got, err := v.mgr.GradeManually(ctx, "adm1", a.ID, map[string]ManualGrade{
		"q1": {Score: 1, Rationale: "half credit on review"},
	})
	if err != nil {
		t.Fatalf("GradeManually: %v", err)
	}
	if len(got.Revisions) != 2 {
		t.Fatalf("revisions = %d, want 2", len(got.Revisions))
	}
	if got.Revisions[0].PerQuestion["q1"].Score != 2 {
		t.Fatal("prior revision was modified")
	}
	if got.Score() != 1 {
		t.Fatalf("current total = %v, want 1", got.Score())
	}
}

func TestManualGradeRequiresSubmission(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, mixedExam())
	a, _ := v.mgr.Start(ctx, "u1", RoleStudent, "ex1")
	_, err := v.mgr.GradeManually(ctx, "adm1", a.ID, map[string]ManualGrade{"q1": {Score: 2}})
	if !errors.Is(err, exam.ErrNotSubmitted) {
		t.Fatalf("err = %v, want ErrNotSubmitted", err)
	}
}

func TestTriggerAIGradingRequeuesPendingOnly(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, mixedExam())
	a, _ := v.mgr.Start(ctx, "u1", RoleStudent, "ex1")
	v.mgr.SaveAnswer(ctx, "u1", a.ID, "essay1", "answer")
	v.mgr.Submit(ctx, "u1", a.ID)

	if err := v.mgr.TriggerAIGrading(ctx, a.ID); err != nil {
		t.Fatalf("TriggerAIGrading: %v", err)
	}
	if n := len(v.queue.items(a.ID)); n != 2 { // submit enqueue + retrigger
		t.Fatalf("enqueued = %d items, want 2", n)
	}

	v.mgr.CompleteAIGrading(ctx, a.ID, []aigrading.ItemResult{{QuestionID: "essay1", Score: 5, MaxScore: 10}})
	// Finalized attempt: trigger is a no-op, not an error.
	if err := v.mgr.TriggerAIGrading(ctx, a.ID); err != nil {
		t.Fatalf("trigger on finalized: %v", err)
	}
	if n := len(v.queue.items(a.ID)); n != 2 {
		t.Fatalf("enqueued grew to %d after finalize", n)
	}
}

func TestGetResultOwnership(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, mixedExam())
	a, _ := v.mgr.Start(ctx, "u1", RoleStudent, "ex1")

	if _, err := v.mgr.GetResult(ctx, "u1", RoleStudent, a.ID); err != nil {
		t.Fatalf("owner read: %v", err)
	}
	if _, err := v.mgr.GetResult(ctx, "u2", RoleStudent, a.ID); !errors.Is(err, exam.ErrForbidden) {
		t.Fatalf("foreign read err = %v, want ErrForbidden", err)
	}
	if _, err := v.mgr.GetResult(ctx, "t1", RoleTeacher, a.ID); err != nil {
		t.Fatalf("teacher read: %v", err)
	}
}

func TestConcurrentStartsOnlyOneWins(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, mixedExam())

	const n = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	var okCount, conflictCount int
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := v.mgr.Start(ctx, "u1", RoleStudent, "ex1")
			mu.Lock()
			defer mu.Unlock()
			switch {
			case err == nil:
				okCount++
			case errors.Is(err, exam.ErrConflict):
				conflictCount++
			default:
				t.Errorf("unexpected err: %v", err)
			}
		}()
	}
	wg.Wait()
	if okCount != 1 || conflictCount != n-1 {
		t.Fatalf("ok=%d conflict=%d, want 1/%d", okCount, conflictCount, n-1)
	}
}
