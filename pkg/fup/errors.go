package fup

import "errors"

var (
	// ErrNotFound indicates the user does not exist in the directory.
	ErrNotFound = errors.New("fup: subscriber not found")

	// ErrAlreadyEvaluating indicates a concurrent evaluation holds the
	// per-user lock. Callers should try later; the orchestrator never
	// queues or retries these itself.
	ErrAlreadyEvaluating = errors.New("fup: evaluation already in flight for user")

	// ErrNasUnreachable indicates the NAS did not answer within the
	// transport's retry budget. The persisted usage state is still
	// advanced; the next sweep re-pushes the recorded speed once the NAS
	// is reachable again.
	ErrNasUnreachable = errors.New("fup: NAS unreachable")
)
