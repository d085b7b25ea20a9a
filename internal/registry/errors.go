package registry

import "errors"

var (
	// ErrNotFound is returned when a session or workspace lookup misses.
	ErrNotFound = errors.New("registry: not found")

	// ErrHeadRegression is returned by AdvanceHead when the candidate event
	// is not a descendant of the session's current head.
	ErrHeadRegression = errors.New("registry: head regression")

	// ErrAlreadyArchived is returned by Archive on a session archived twice.
	ErrAlreadyArchived = errors.New("registry: already archived")

	// ErrForkSourceNotFound is returned by Fork when the source event does
	// not belong to the parent session.
	ErrForkSourceNotFound = errors.New("registry: fork source event not found")
)
