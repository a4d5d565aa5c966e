package attempt

import (
	"context"
	"log"
	"sync"
	"sync/atomic"

	"golang.org/x/sync/semaphore"

	"github.com/gradeworks/examengine/internal/aigrading"
	"github.com/gradeworks/examengine/internal/audit"
	"github.com/gradeworks/examengine/internal/exam"
)

// Coordinator re-runs scoring for finalized attempts. A regrade appends
// a new revision and never touches prior ones; the selection scope
// frozen at submit time is never reopened.
type Coordinator struct {
	mgr    *Manager
	grader aigrading.Grader
	policy aigrading.Policy
	// maxParallel bounds RegradeAll workers.
	maxParallel int64
}

func NewCoordinator(mgr *Manager, grader aigrading.Grader, policy aigrading.Policy, maxParallel int64) *Coordinator {
	if maxParallel <= 0 {
		maxParallel = 4
	}
	return &Coordinator{mgr: mgr, grader: grader, policy: policy, maxParallel: maxParallel}
}

// Regrade rescores one finalized attempt against the current definition.
// Objective questions go back through the scoring engine; essays are
// re-graded by the AI service, except entries an admin graded manually,
// which are always preserved. If the AI call fails the prior revision's
// score carries forward, so a regrade can never degrade a student's
// standing through an outage.
//
// With an unchanged rubric and policy the appended revision's total
// equals the previous one — two back-to-back regrades produce equal
// totals, which is what makes a regrade a useful diagnostic.
func (c *Coordinator) Regrade(ctx context.Context, adminID, attemptID, reason string) (exam.ScoreRevision, error) {
	m := c.mgr
	unlock := m.locks.lock(attemptID)
	defer unlock()

	a, err := m.store.GetAttempt(ctx, attemptID)
	if err != nil {
		return exam.ScoreRevision{}, err
	}
	if a.Status != exam.StatusFinalized {
		return exam.ScoreRevision{}, exam.ErrNotFinalized
	}
	e, err := m.store.GetExam(ctx, a.ExamID)
	if err != nil {
		return exam.ScoreRevision{}, err
	}
	prev := a.CurrentRevision()
	if prev == nil {
		return exam.ScoreRevision{}, exam.ErrInvariantViolation
	}

	rev := exam.ScoreRevision{
		ID:          m.newID(),
		ProducedAt:  m.now().Unix(),
		ProducedBy:  "admin:" + adminID,
		Reason:      reason,
		PerQuestion: map[string]exam.QuestionScore{},
	}

	var essays []aigrading.Item
	for _, qid := range a.ResolvedScope {
		prevQS, hadPrev := prev.PerQuestion[qid]
		q, ok := e.QuestionByID(qid)
		if !ok {
			// Question removed from the definition since grading; keep
			// the previous entry rather than dropping points.
			if hadPrev {
				rev.PerQuestion[qid] = prevQS
			}
			continue
		}
		ans, has := a.Responses[qid]
		switch {
		case !has:
			rev.PerQuestion[qid] = exam.QuestionScore{MaxScore: q.Points, Method: exam.MethodNone}
		case exam.IsObjective(q.Kind):
			res, err := m.scorer.Score(q, ans.Value)
			if err != nil {
				return exam.ScoreRevision{}, err
			}
			rev.PerQuestion[qid] = exam.QuestionScore{Score: res.Score, MaxScore: res.MaxScore, Method: exam.MethodObjective}
		case hadPrev && prevQS.Method == exam.MethodManual:
			rev.PerQuestion[qid] = prevQS
		default:
			essays = append(essays, essayItem(q, ans))
		}
	}

	if len(essays) > 0 {
		results, err := c.grader.GradeBatch(ctx, essays, c.policy)
		if err != nil {
			// Carry prior essay scores forward.
			log.Printf("regrade %s: ai grading unavailable, keeping prior essay scores: %v", attemptID, err)
			for _, it := range essays {
				if prevQS, ok := prev.PerQuestion[it.QuestionID]; ok {
					rev.PerQuestion[it.QuestionID] = prevQS
				}
			}
		} else {
			for _, r := range results {
				score := r.Score
				if score < 0 {
					score = 0
				}
				if score > r.MaxScore {
					score = r.MaxScore
				}
				rev.PerQuestion[r.QuestionID] = exam.QuestionScore{
					Score:     score,
					MaxScore:  r.MaxScore,
					Method:    exam.MethodAI,
					Rationale: r.Rationale,
				}
			}
		}
	}

	rev.Recompute()
	a.Revisions = append(a.Revisions, rev)
	if err := m.store.UpdateAttempt(ctx, a); err != nil {
		return exam.ScoreRevision{}, err
	}
	m.record(ctx, audit.TypeAttemptRegraded, a.ID, map[string]interface{}{
		"reason": reason,
		"delta":  rev.TotalScore - prev.TotalScore,
		"total":  rev.TotalScore,
	})
	return rev.Clone(), nil
}

// Summary reports a batch regrade outcome.
type Summary struct {
	Succeeded int `json:"succeeded"`
	Failed    int `json:"failed"`
}

// RegradeAll regrades every finalized attempt of an exam. Attempts are
// processed independently with bounded parallelism; one failure never
// aborts the batch.
func (c *Coordinator) RegradeAll(ctx context.Context, adminID, examID, reason string) (Summary, error) {
	attempts, err := c.mgr.store.ListAttempts(ctx, exam.AttemptListOpts{
		ExamID: examID,
		Status: exam.StatusFinalized,
		Limit:  -1,
	})
	if err != nil {
		return Summary{}, err
	}

	sem := semaphore.NewWeighted(c.maxParallel)
	var wg sync.WaitGroup
	var ok, failed int64
	for _, a := range attempts {
		if err := sem.Acquire(ctx, 1); err != nil {
			// Cancelled mid-batch: let in-flight workers finish so their
			// outcomes still count.
			wg.Wait()
			return Summary{
				Succeeded: int(atomic.LoadInt64(&ok)),
				Failed:    int(atomic.LoadInt64(&failed)),
			}, err
		}
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			defer sem.Release(1)
			if _, err := c.Regrade(ctx, adminID, id, reason); err != nil {
				log.Printf("regrade all %s: attempt %s failed: %v", examID, id, err)
				atomic.AddInt64(&failed, 1)
				return
			}
			atomic.AddInt64(&ok, 1)
		}(a.ID)
	}
	wg.Wait()
	return Summary{Succeeded: int(ok), Failed: int(failed)}, nil
}
