package aigrading

import (
	"context"
	"log"
	"sync"

	"golang.org/x/sync/semaphore"
)

// CompleteFunc merges a finished batch back into its attempt.
type CompleteFunc func(ctx context.Context, attemptID string, results []ItemResult) error

// Queue runs grading batches in the background with a bounded number of
// concurrent calls to the external service. Excess batches wait on the
// semaphore instead of failing. The per-attempt lock is NOT held while a
// batch is in flight; the attempt sits in ai_grading_pending and the
// completion callback re-acquires it only to merge.
type Queue struct {
	grader   Grader
	policy   Policy
	sem      *semaphore.Weighted
	complete CompleteFunc
	wg       sync.WaitGroup
}

func NewQueue(grader Grader, policy Policy, maxConcurrent int64, complete CompleteFunc) *Queue {
	if maxConcurrent <= 0 {
		maxConcurrent = 4
	}
	return &Queue{
		grader:   grader,
		policy:   policy,
		sem:      semaphore.NewWeighted(maxConcurrent),
		complete: complete,
	}
}

// Enqueue schedules one attempt's batch. Non-blocking; safe to call
// while holding the attempt lock.
func (q *Queue) Enqueue(attemptID string, items []Item) {
	if len(items) == 0 {
		return
	}
	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		ctx := context.Background()
		if err := q.sem.Acquire(ctx, 1); err != nil {
			return
		}
		defer q.sem.Release(1)

		results, err := q.grader.GradeBatch(ctx, items, q.policy)
		if err != nil {
			// Retries are exhausted inside the grader. The attempt stays
			// pending and surfaces to admins for manual grading.
			log.Printf("ai grading: attempt %s left pending: %v", attemptID, err)
			return
		}
		if err := q.complete(ctx, attemptID, results); err != nil {
			log.Printf("ai grading: merge for attempt %s failed: %v", attemptID, err)
		}
	}()
}

// Wait blocks until all enqueued batches have finished. Used in tests
// and on shutdown.
func (q *Queue) Wait() { q.wg.Wait() }
