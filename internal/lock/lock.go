// Package lock exposes the system-wide lock flag as a read-only
// capability, so the engine can be tested without the lock subsystem.
package lock

import "context"

// StatusProvider reports whether the system-wide lock is engaged. When
// it is, non-admins cannot start new attempts.
type StatusProvider interface {
	IsLocked(ctx context.Context) bool
}

// Static always answers the same; used for env-configured deployments
// and tests.
type Static struct{ locked bool }

func NewStatic(locked bool) *Static { return &Static{locked: locked} }

func (s *Static) IsLocked(context.Context) bool { return s.locked }

// Func adapts a closure, for callers that read the flag from elsewhere.
type Func func(ctx context.Context) bool

func (f Func) IsLocked(ctx context.Context) bool { return f(ctx) }
