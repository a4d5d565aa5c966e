package exam

import "errors"

var (
	// ErrExamNotFound indicates the definition id is unknown.
	ErrExamNotFound = errors.New("exam not found")
	// ErrAttemptNotFound indicates the attempt id is unknown.
	ErrAttemptNotFound = errors.New("attempt not found")
	// ErrQuestionNotFound indicates a question id outside the definition.
	ErrQuestionNotFound = errors.New("question not found")
	// ErrSectionNotFound indicates a section id outside the definition.
	ErrSectionNotFound = errors.New("section not found")
	// ErrInvalidDefinition indicates a definition violating structural rules.
	ErrInvalidDefinition = errors.New("invalid exam definition")

	// ErrConflict is returned when a second attempt is started while one
	// is still active for the same (user, exam) pair.
	ErrConflict = errors.New("active attempt already exists")
	// ErrForbidden covers role and lock violations.
	ErrForbidden = errors.New("forbidden")
	// ErrExpired is returned when the attempt deadline has passed.
	ErrExpired = errors.New("attempt expired")
	// ErrAlreadySubmitted is returned for writes after submission.
	ErrAlreadySubmitted = errors.New("attempt already submitted")
	// ErrNotSubmitted is returned when grading an in-progress attempt.
	ErrNotSubmitted = errors.New("attempt not yet submitted")
	// ErrNotSelective is returned when selecting in a non-selective section.
	ErrNotSelective = errors.New("section is not selective")
	// ErrSelectionLimitExceeded is returned when a selection would exceed
	// the section's required selection count.
	ErrSelectionLimitExceeded = errors.New("selection limit exceeded")
	// ErrNotFinalized is returned when regrading a non-finalized attempt.
	ErrNotFinalized = errors.New("attempt not finalized")
	// ErrInvariantViolation marks states the write-time checks should
	// have made unreachable.
	ErrInvariantViolation = errors.New("invariant violation")
)
