package exam

import "context"

// defaultListLimit is the page size ListAttempts applies when
// AttemptListOpts.Limit is zero. A negative Limit means unbounded.
const defaultListLimit = 100

// Store is the persistence boundary for definitions and attempts.
//
// Attempts are append-only: there is deliberately no delete, and
// revision history only ever grows. Implementations return copies, so
// mutating a returned value never changes persisted state until the
// caller writes it back.
type Store interface {
	PutExam(ctx context.Context, e Exam) error
	GetExam(ctx context.Context, id string) (Exam, error)

	InsertAttempt(ctx context.Context, a Attempt) error
	UpdateAttempt(ctx context.Context, a Attempt) error
	GetAttempt(ctx context.Context, id string) (Attempt, error)
	// ActiveAttempt returns the non-terminal attempt for the pair, if any.
	ActiveAttempt(ctx context.Context, examID, userID string) (Attempt, bool, error)
	ListAttempts(ctx context.Context, opts AttemptListOpts) ([]Attempt, error)
}
