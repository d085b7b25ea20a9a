package eventstore

import "errors"

// Error taxonomy per the append-only event tree's contract. Callers type
// assert with errors.Is; the RPC Coordinator maps these onto JSON-RPC codes.
var (
	// ErrStoreUnavailable is returned by every operation once the store has
	// been closed.
	ErrStoreUnavailable = errors.New("eventstore: unavailable")

	// ErrWriteFailed wraps an underlying transactional failure (e.g. disk
	// full) that aborts the triggering turn.
	ErrWriteFailed = errors.New("eventstore: write failed")

	// ErrDecodeFailed marks a corrupted JSON payload; reconstruction skips
	// the offending event with a warning rather than failing the walk.
	ErrDecodeFailed = errors.New("eventstore: decode failed")

	// ErrSequenceConflict is returned when a concurrent writer raced the
	// (session_id, sequence) uniqueness constraint.
	ErrSequenceConflict = errors.New("eventstore: sequence conflict")

	// ErrParentMissing is returned when Append is given a parentID that is
	// not a known event of the same session.
	ErrParentMissing = errors.New("eventstore: parent missing")

	// ErrHeadRegression is returned by head-advancement callers when the
	// target event is not a descendant of the current head.
	ErrHeadRegression = errors.New("eventstore: head regression")

	// ErrNotFound is returned by Get when no event with the given id exists.
	ErrNotFound = errors.New("eventstore: not found")
)
