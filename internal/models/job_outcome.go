package models

import (
	"time"

	"jobpilot/internal/state"
)

// JobOutcome travels from an executor goroutine back to the dispatch
// result processor.
type JobOutcome struct {
	JobID    string
	UserID   string
	Status   state.JobStatus
	Result   *ApplicationResult
	Err      error
	Duration time.Duration
	ProxyID  string
}
