package models

import (
	"time"

	"jobpilot/internal/state"
)

// ExecutionMode selects which executor family may run a job.
type ExecutionMode string

const (
	// ModeServer runs the job on the shared server pool.
	ModeServer ExecutionMode = "server"
	// ModeRemote parks the job for a user-owned remote worker.
	ModeRemote ExecutionMode = "remote"
)

// JobPosting is the target of one application attempt. The json tags
// follow the worker process contract (job_data object in the context
// file), so the struct marshals straight into the payload.
type JobPosting struct {
	ID           string   `json:"job_id"`
	Title        string   `json:"title"`
	Company      string   `json:"company"`
	ApplyURL     string   `json:"apply_url"`
	Location     string   `json:"location,omitempty"`
	Description  string   `json:"description,omitempty"`
	Requirements []string `json:"requirements,omitempty"`
}

// ApplicantProfile is the immutable snapshot of the applicant taken at
// submission time. Later profile edits never affect queued jobs.
type ApplicantProfile struct {
	FirstName         string            `json:"first_name"`
	LastName          string            `json:"last_name"`
	Email             string            `json:"email"`
	Phone             string            `json:"phone"`
	ResumeURL         string            `json:"resume_url,omitempty"`
	ResumeLocalPath   string            `json:"resume_local_path,omitempty"`
	CurrentTitle      string            `json:"current_title,omitempty"`
	YearsExperience   int               `json:"years_experience,omitempty"`
	Skills            []string          `json:"skills,omitempty"`
	CurrentLocation   string            `json:"current_location,omitempty"`
	LinkedInURL       string            `json:"linkedin_url,omitempty"`
	WorkAuthorization string            `json:"work_authorization,omitempty"`
	CoverLetter       string            `json:"cover_letter,omitempty"`
	CustomFields      map[string]string `json:"custom_fields,omitempty"`
}

// JobOptions carries per-job execution knobs.
type JobOptions struct {
	Headless    bool          `json:"headless"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	MaxAttempts int           `json:"max_attempts,omitempty"`
}

// AutomationJob is the ledger record of one application attempt.
type AutomationJob struct {
	ID       string
	UserID   string
	Posting  JobPosting
	Profile  ApplicantProfile
	Options  JobOptions
	Priority int
	Mode     ExecutionMode
	Target   string

	Status          state.JobStatus
	QueuedAt        time.Time
	StartedAt       *time.Time
	CompletedAt     *time.Time
	ClaimedBy       *string
	ClaimedAt       *time.Time
	WorkerSessionID *string
	Attempts        int
	MaxAttempts     int
	LastError       *string

	Result *ApplicationResult
}

// ClaimedByServer reports whether the shared pool executor holds the
// claim on the job.
func (j *AutomationJob) ClaimedByServer() bool {
	return j.ClaimedBy != nil && *j.ClaimedBy == state.ServerClaimant
}
