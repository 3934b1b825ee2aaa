package domain

import "errors"

// Common domain errors returned by store and matrix operations.
var (
	// ErrTrialNotFound indicates the requested trial ID is not in the ledger.
	ErrTrialNotFound = errors.New("trial not found")

	// ErrNotClaimable indicates a claim attempt on a trial that is not
	// pending: another worker holds it or it is already terminal.
	ErrNotClaimable = errors.New("trial not claimable")

	// ErrInvalidTransition indicates a status transition the ledger forbids,
	// such as completing a trial that was never claimed.
	ErrInvalidTransition = errors.New("invalid trial status transition")

	// ErrEmptyMatrix indicates matrix generation produced no trials.
	ErrEmptyMatrix = errors.New("trial matrix is empty")
)
