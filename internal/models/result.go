package models

import "time"

// Application statuses reported by the automation worker. The strings
// are part of the worker stdout contract and must not change.
const (
	ApplicationSuccess        = "success"
	ApplicationFailed         = "failed"
	ApplicationCaptchaBlocked = "captcha_required"
	ApplicationLoginRequired  = "login_required"
	ApplicationTimeout        = "timeout"
	ApplicationRateLimited    = "rate_limited"
	ApplicationFormError      = "form_error"
	ApplicationNetworkError   = "network_error"
	ApplicationUnknownError   = "unknown_error"
)

// Captcha challenge types the worker can report.
const (
	CaptchaRecaptcha  = "recaptcha"
	CaptchaHcaptcha   = "hcaptcha"
	CaptchaCloudflare = "cloudflare"
	CaptchaImage      = "image_captcha"
	CaptchaText       = "text_captcha"
	CaptchaUnknown    = "unknown"
)

// AutomationStep is one recorded action of the worker run.
type AutomationStep struct {
	StepName     string    `json:"step_name"`
	Action       string    `json:"action"`
	Success      bool      `json:"success"`
	Timestamp    time.Time `json:"timestamp"`
	DurationMs   int64     `json:"duration_ms"`
	ErrorMessage string    `json:"error_message,omitempty"`
}

// CaptchaEvent records a captcha challenge hit during the run.
type CaptchaEvent struct {
	CaptchaType      string    `json:"captcha_type"`
	DetectedAt       time.Time `json:"detected_at"`
	Resolved         bool      `json:"resolved"`
	ResolutionMethod string    `json:"resolution_method,omitempty"`
}

// ApplicationResult is the single JSON document the worker writes to
// stdout when it finishes. It is stored verbatim on the job record.
type ApplicationResult struct {
	Success            bool             `json:"success"`
	ApplicationID      string           `json:"application_id,omitempty"`
	ConfirmationNumber string           `json:"confirmation_number,omitempty"`
	ExecutionTimeMs    int64            `json:"execution_time_ms,omitempty"`
	CompanyAutomation  string           `json:"company_automation,omitempty"`
	Status             string           `json:"status,omitempty"`
	ErrorMessage       string           `json:"error_message,omitempty"`
	Steps              []AutomationStep `json:"steps,omitempty"`
	Screenshots        []string         `json:"screenshots,omitempty"`
	CaptchaEvents      []CaptchaEvent   `json:"captcha_events,omitempty"`
	StepsCompleted     int              `json:"steps_completed,omitempty"`
}

// FailureResult builds a terminal result for runs that never produced
// a parseable worker document.
func FailureResult(status, message string) *ApplicationResult {
	return &ApplicationResult{
		Success:      false,
		Status:       status,
		ErrorMessage: message,
	}
}
