package custom_errors

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound means no job with the given id exists in the
	// ledger or the live queue.
	ErrJobNotFound = errors.New("job not found")

	// ErrAccessDenied means the requester does not own the job.
	ErrAccessDenied = errors.New("access denied")

	// ErrUnsupportedTarget means no automation recipe exists for the
	// posting's destination site.
	ErrUnsupportedTarget = errors.New("unsupported application target")

	// ErrExecutionTimeout means the worker process exceeded its wall
	// clock budget and was killed.
	ErrExecutionTimeout = errors.New("execution timed out")

	// ErrClaimConflict means another executor already holds the claim.
	// This is an expected race outcome, not a fault.
	ErrClaimConflict = errors.New("job already claimed")

	// ErrNotClaimedByCaller means the caller no longer owns the claim
	// it is reporting against.
	ErrNotClaimedByCaller = errors.New("job not claimed by caller")

	// ErrAlreadyFinalized means the job reached a terminal state
	// before the attempted update. Completion treats it as a no-op.
	ErrAlreadyFinalized = errors.New("job already finalized")

	// ErrCancelNotAllowed means the job left the QUEUED state and can
	// no longer be cancelled.
	ErrCancelNotAllowed = errors.New("job can no longer be cancelled")

	// ErrProxyExhausted means no endpoint passed the selection filter.
	ErrProxyExhausted = errors.New("no usable proxy endpoint")
)

// Suggested actions attached to admission denials.
const (
	ActionUpgradeRequired    = "upgrade_required"
	ActionWaitUntilTomorrow  = "wait_until_tomorrow"
	ActionDownloadDesktopApp = "download_desktop_app"
)

// AdmissionError is a synchronous quota denial. Reason holds the
// failing axis, SuggestedAction what the user can do about it.
type AdmissionError struct {
	Reason          string
	SuggestedAction string
	UpgradeRequired bool
}

func (e *AdmissionError) Error() string {
	return fmt.Sprintf("admission denied: %s (suggested action: %s)", e.Reason, e.SuggestedAction)
}
