package state

// JobStatus is the lifecycle state of an automation job as stored in
// the ledger and reported to callers.
type JobStatus string

const (
	// StatusQueued means the job waits in the server-pool ready queue.
	StatusQueued JobStatus = "QUEUED"

	// StatusQueuedForRemote means the job is parked for a remote worker
	// to claim; the server dispatcher ignores it.
	StatusQueuedForRemote JobStatus = "QUEUED_FOR_REMOTE"

	// StatusProcessing means exactly one executor holds the claim.
	StatusProcessing JobStatus = "PROCESSING"

	StatusCompleted JobStatus = "COMPLETED"
	StatusFailed    JobStatus = "FAILED"
	StatusCancelled JobStatus = "CANCELLED"
)

// ServerClaimant is the claimed_by sentinel used by the shared pool
// executor. Remote workers claim under their own worker ids.
const ServerClaimant = "SERVER"

func (s JobStatus) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is allowed from s.
func (s JobStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

var AllStatuses = []JobStatus{
	StatusQueued,
	StatusQueuedForRemote,
	StatusProcessing,
	StatusCompleted,
	StatusFailed,
	StatusCancelled,
}

type Transition struct {
	From JobStatus
	To   JobStatus
}

// ValidTransitions is the complete transition table. PROCESSING moves
// back to a queued state only through stale-claim recovery or an
// explicit release by the claim owner.
var ValidTransitions = []Transition{
	{From: StatusQueued, To: StatusProcessing},
	{From: StatusQueued, To: StatusQueuedForRemote},
	{From: StatusQueued, To: StatusCancelled},
	{From: StatusQueuedForRemote, To: StatusProcessing},
	{From: StatusProcessing, To: StatusCompleted},
	{From: StatusProcessing, To: StatusFailed},
	{From: StatusProcessing, To: StatusQueued},
	{From: StatusProcessing, To: StatusQueuedForRemote},
}

func IsValidTransition(from, to JobStatus) bool {
	for _, t := range ValidTransitions {
		if t.From == from && t.To == to {
			return true
		}
	}
	return false
}
