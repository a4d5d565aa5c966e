package attempt

import (
	"context"
	"errors"
	"reflect"
	"sync"
	"testing"
	"time"

	"github.com/gradeworks/examengine/internal/aigrading"
	"github.com/gradeworks/examengine/internal/exam"
)

// scriptedGrader returns a fixed score per question, or fails outright.
type scriptedGrader struct {
	mu     sync.Mutex
	scores map[string]float64
	fail   error
	calls  int
}

func (g *scriptedGrader) GradeBatch(ctx context.Context, items []aigrading.Item, _ aigrading.Policy) ([]aigrading.ItemResult, error) {
	g.mu.Lock()
	g.calls++
	fail := g.fail
	g.mu.Unlock()
	if fail != nil {
		return nil, fail
	}
	out := make([]aigrading.ItemResult, 0, len(items))
	for _, it := range items {
		out = append(out, aigrading.ItemResult{
			QuestionID: it.QuestionID,
			Score:      g.scores[it.QuestionID],
			MaxScore:   it.MaxScore,
			Rationale:  "scripted",
		})
	}
	return out, nil
}

func (g *scriptedGrader) setFail(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.fail = err
}

// finalizedAttempt drives one attempt through submit and AI completion.
func finalizedAttempt(t *testing.T, v *env, userID string, essayScore float64) exam.Attempt {
	t.Helper()
	ctx := context.Background()
	a, err := v.mgr.Start(ctx, userID, RoleStudent, "ex1")
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	v.mgr.SaveAnswer(ctx, userID, a.ID, "q1", "b")
	v.mgr.SaveAnswer(ctx, userID, a.ID, "q2", "42")
	v.mgr.SaveAnswer(ctx, userID, a.ID, "essay1", "an essay")
	if _, err := v.mgr.Submit(ctx, userID, a.ID); err != nil {
		t.Fatalf("submit: %v", err)
	}
	if err := v.mgr.CompleteAIGrading(ctx, a.ID, []aigrading.ItemResult{
		{QuestionID: "essay1", Score: essayScore, MaxScore: 10, Rationale: "initial"},
	}); err != nil {
		t.Fatalf("complete: %v", err)
	}
	got, _ := v.store.GetAttempt(ctx, a.ID)
	return got
}

func TestRegradeRequiresFinalized(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, mixedExam())
	a, _ := v.mgr.Start(ctx, "u1", RoleStudent, "ex1")
	coord := NewCoordinator(v.mgr, &scriptedGrader{}, aigrading.DefaultPolicy(), 2)
	if _, err := coord.Regrade(ctx, "adm1", a.ID, "spot check"); !errors.Is(err, exam.ErrNotFinalized) {
		t.Fatalf("err = %v, want ErrNotFinalized", err)
	}
}

func TestRegradeIsIdempotent(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, mixedExam())
	a := finalizedAttempt(t, v, "u1", 8)

	grader := &scriptedGrader{scores: map[string]float64{"essay1": 8}}
	coord := NewCoordinator(v.mgr, grader, aigrading.DefaultPolicy(), 2)

	r1, err := coord.Regrade(ctx, "adm1", a.ID, "audit")
	if err != nil {
		t.Fatalf("first regrade: %v", err)
	}
	r2, err := coord.Regrade(ctx, "adm1", a.ID, "audit")
	if err != nil {
		t.Fatalf("second regrade: %v", err)
	}
	if r1.TotalScore != r2.TotalScore {
		t.Fatalf("totals diverged: %v vs %v", r1.TotalScore, r2.TotalScore)
	}
	if !reflect.DeepEqual(r1.PerQuestion, r2.PerQuestion) {
		t.Fatalf("per-question diverged:\n%+v\n%+v", r1.PerQuestion, r2.PerQuestion)
	}
}

func TestRegradeAppendsAndPreservesHistory(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, mixedExam())
	a := finalizedAttempt(t, v, "u1", 8)

	before, _ := v.store.GetAttempt(ctx, a.ID)
	wantFirst := before.Revisions[0].Clone()

	grader := &scriptedGrader{scores: map[string]float64{"essay1": 6}}
	coord := NewCoordinator(v.mgr, grader, aigrading.DefaultPolicy(), 2)
	rev, err := coord.Regrade(ctx, "adm1", a.ID, "rubric tightened")
	if err != nil {
		t.Fatalf("regrade: %v", err)
	}
	if rev.Reason != "rubric tightened" || rev.ProducedBy != "admin:adm1" {
		t.Fatalf("revision meta = %+v", rev)
	}

	after, _ := v.store.GetAttempt(ctx, a.ID)
	if len(after.Revisions) != len(before.Revisions)+1 {
		t.Fatalf("revisions = %d, want %d", len(after.Revisions), len(before.Revisions)+1)
	}
	if !reflect.DeepEqual(after.Revisions[0].PerQuestion, wantFirst.PerQuestion) ||
		after.Revisions[0].TotalScore != wantFirst.TotalScore {
		t.Fatal("a prior revision changed during regrade")
	}
	// New total reflects the rescored essay: 2 + 2 + 6.
	if after.Score() != 10 {
		t.Fatalf("total = %v, want 10", after.Score())
	}
}

func TestRegradePreservesManualScores(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, mixedExam())
	a := finalizedAttempt(t, v, "u1", 8)

	if _, err := v.mgr.GradeManually(ctx, "adm1", a.ID, map[string]ManualGrade{
		"essay1": {Score: 9, Rationale: "override"},
	}); err != nil {
		t.Fatalf("manual grade: %v", err)
	}

	grader := &scriptedGrader{scores: map[string]float64{"essay1": 1}}
	coord := NewCoordinator(v.mgr, grader, aigrading.DefaultPolicy(), 2)
	rev, err := coord.Regrade(ctx, "adm2", a.ID, "batch rerun")
	if err != nil {
		t.Fatalf("regrade: %v", err)
	}
	qs := rev.PerQuestion["essay1"]
	if qs.Method != exam.MethodManual || qs.Score != 9 {
		t.Fatalf("manual entry not preserved: %+v", qs)
	}
	if grader.calls != 0 {
		t.Fatalf("grader called %d times for a fully manual essay set", grader.calls)
	}
}

func TestRegradeAIOutageKeepsPriorScores(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, mixedExam())
	a := finalizedAttempt(t, v, "u1", 8)

	grader := &scriptedGrader{fail: errors.New("service down")}
	coord := NewCoordinator(v.mgr, grader, aigrading.DefaultPolicy(), 2)
	rev, err := coord.Regrade(ctx, "adm1", a.ID, "rerun")
	if err != nil {
		t.Fatalf("regrade: %v", err)
	}
	qs := rev.PerQuestion["essay1"]
	if qs.Score != 8 || qs.Method != exam.MethodAI {
		t.Fatalf("prior essay score not carried: %+v", qs)
	}
	got, _ := v.store.GetAttempt(ctx, a.ID)
	if got.Score() != 12 { // 2 + 2 + 8, unchanged
		t.Fatalf("total = %v, want 12", got.Score())
	}
}

// cancelingGrader cancels the batch context on its first call, then
// finishes the call it is in.
type cancelingGrader struct {
	cancel context.CancelFunc
	once   sync.Once
	inner  *scriptedGrader
}

func (g *cancelingGrader) GradeBatch(ctx context.Context, items []aigrading.Item, p aigrading.Policy) ([]aigrading.ItemResult, error) {
	g.once.Do(g.cancel)
	time.Sleep(50 * time.Millisecond)
	return g.inner.GradeBatch(ctx, items, p)
}

func TestRegradeAllCancellationCountsInFlightWork(t *testing.T) {
	v := newEnv(t, mixedExam())
	finalizedAttempt(t, v, "u1", 8)
	finalizedAttempt(t, v, "u2", 5)
	finalizedAttempt(t, v, "u3", 7)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	grader := &cancelingGrader{
		cancel: cancel,
		inner:  &scriptedGrader{scores: map[string]float64{"essay1": 8}},
	}
	coord := NewCoordinator(v.mgr, grader, aigrading.DefaultPolicy(), 1)

	sum, err := coord.RegradeAll(ctx, "adm1", "ex1", "cut short")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	// The worker already running when the batch was cancelled still
	// finishes and its outcome is reported.
	if sum.Succeeded < 1 {
		t.Fatalf("summary = %+v, in-flight regrade dropped", sum)
	}
	if sum.Succeeded+sum.Failed >= 3 {
		t.Fatalf("summary = %+v, cancellation did not cut the batch short", sum)
	}
	if sum.Failed != 0 {
		t.Fatalf("summary = %+v, want no failures", sum)
	}
}

func TestRegradeAllContinuesPastFailures(t *testing.T) {
	ctx := context.Background()
	v := newEnv(t, mixedExam())
	a1 := finalizedAttempt(t, v, "u1", 8)
	finalizedAttempt(t, v, "u2", 5)
	finalizedAttempt(t, v, "u3", 7)

	// Break one attempt's history so its regrade fails while the others
	// still succeed.
	broken, _ := v.store.GetAttempt(ctx, a1.ID)
	broken.Revisions = nil
	if err := v.store.UpdateAttempt(ctx, broken); err != nil {
		t.Fatalf("update: %v", err)
	}

	grader := &scriptedGrader{scores: map[string]float64{"essay1": 8}}
	coord := NewCoordinator(v.mgr, grader, aigrading.DefaultPolicy(), 2)
	sum, err := coord.RegradeAll(ctx, "adm1", "ex1", "policy update")
	if err != nil {
		t.Fatalf("RegradeAll: %v", err)
	}
	if sum.Succeeded != 2 || sum.Failed != 1 {
		t.Fatalf("summary = %+v, want 2 succeeded / 1 failed", sum)
	}
}
