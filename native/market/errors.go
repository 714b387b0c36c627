package market

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidBid rejects bids violating price or window rules.
	ErrInvalidBid = errors.New("market: invalid bid")
	// ErrInvalidStateForOperation rejects operations illegal in the escrow's
	// current state.
	ErrInvalidStateForOperation = errors.New("market: operation invalid for current state")
	// ErrStaleTransition is returned to the loser of a transition race: the
	// state observed by the caller no longer matches the authoritative state.
	ErrStaleTransition = errors.New("market: stale transition")
	// ErrNoBids is returned by winner selection over an empty bid set.
	ErrNoBids = errors.New("market: no bids")
	// ErrNoValidatorsAvailable is returned when the validator pool is empty.
	ErrNoValidatorsAvailable = errors.New("market: no validators available")
	// ErrNotDisputed rejects verdicts against escrows that are not in an
	// unresolved dispute.
	ErrNotDisputed = errors.New("market: escrow not disputed")
	// ErrAlreadyResolved rejects a second verdict for the same dispute.
	ErrAlreadyResolved = errors.New("market: dispute already resolved")
	// ErrJobNotFound is returned for operations against an unknown job id.
	ErrJobNotFound = errors.New("market: job not found")
	// ErrInvariantViolation reports corrupted marketplace state. Processing of
	// the affected job id halts rather than guessing a resolution.
	ErrInvariantViolation = errors.New("market: invariant violation")
)

// StateError wraps a rejection with the authoritative escrow state at the
// time of the decision, so callers can decide whether to retry, wait or
// escalate.
type StateError struct {
	Err   error
	State EscrowState
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%v (state %s)", e.Err, e.State)
}

func (e *StateError) Unwrap() error { return e.Err }

func rejectInState(err error, state EscrowState) error {
	return &StateError{Err: err, State: state}
}
