package domain

import "errors"

// Every violation surfaces as a distinct named error so callers and tests can
// assert on cause, never on a generic failure. Timing violations are
// recoverable by calling at a different time; state violations require the
// caller to re-read canonical state; validation violations are
// caller-correctable.
var (
	// Validation violations.
	ErrInvalidDuration   = errors.New("market duration out of range")
	ErrEmptyPrediction   = errors.New("prediction text is empty")
	ErrPredictionTooLong = errors.New("prediction text exceeds maximum length")
	ErrInsufficientStake = errors.New("stake below minimum")

	// Timing violations.
	ErrMarketEnded         = errors.New("market has ended")
	ErrMarketNotEnded      = errors.New("market has not ended")
	ErrBettingCutoffPassed = errors.New("betting cutoff has passed")
	ErrGracePeriodActive   = errors.New("grace period has not elapsed")

	// State violations.
	ErrMarketNotFound           = errors.New("market not found")
	ErrSubmissionNotFound       = errors.New("submission not found")
	ErrMarketAlreadyResolved    = errors.New("market already resolved")
	ErrMinimumSubmissionsNotMet = errors.New("minimum submission count not met")
	ErrNotWinningSubmission     = errors.New("submission did not win")
	ErrAlreadyClaimed           = errors.New("payout already claimed")
	ErrNothingToWithdraw        = errors.New("no unclaimed balance")

	// Oracle violations.
	ErrReporterNotAuthorized = errors.New("reporter is not an active node")
	ErrAlreadyAttested       = errors.New("reporter already attested for this market")
	ErrAttestationMismatch   = errors.New("attestation does not match the fixed claim")
	ErrConsensusNotReached   = errors.New("consensus not reached")

	// Access and infrastructure.
	ErrNotAuthorized = errors.New("caller not authorized")
	ErrNotFound      = errors.New("not found")
	ErrRateLimited   = errors.New("rate limited")
	ErrLockHeld      = errors.New("lock already held")
)
