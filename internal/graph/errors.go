package graph

import "errors"

// Sentinel errors surfaced by the store. Callers branch with errors.Is:
// ownership and state errors are never retried, transient errors follow the
// retry policy, and ErrDegraded signals that the client is journaling writes.
var (
	// ErrNotFound: the referenced node does not exist.
	ErrNotFound = errors.New("graph: not found")

	// ErrAlreadyClaimed: the task was claimed by another agent first.
	ErrAlreadyClaimed = errors.New("graph: task already claimed")

	// ErrStaleOwnership: complete/fail attempted by an agent that does not
	// hold the task, or the task is not in_progress.
	ErrStaleOwnership = errors.New("graph: stale task ownership")

	// ErrRateLimited: the per-agent hourly counter for the operation is
	// exhausted. Never retried implicitly.
	ErrRateLimited = errors.New("graph: rate limited")

	// ErrDegraded: the graph is unreachable and the requested read has no
	// cached value. Writes in this state are journaled, not lost.
	ErrDegraded = errors.New("graph: degraded mode")

	// ErrInvalidInput: an identifier or enum value failed closed-set
	// validation at the store boundary.
	ErrInvalidInput = errors.New("graph: invalid input")

	// ErrCurationExcess: a single curation pass attempted to delete more
	// than the per-tier safety cap and was aborted.
	ErrCurationExcess = errors.New("graph: curation would exceed per-tier deletion cap")
)
