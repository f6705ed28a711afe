package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"jobpilot/custom_errors"
	"jobpilot/internal/bridge"
	"jobpilot/internal/config"
	"jobpilot/internal/constants"
	"jobpilot/internal/events"
	"jobpilot/internal/models"
	"jobpilot/internal/proxy"
	"jobpilot/internal/queue"
	"jobpilot/internal/quota"
	"jobpilot/internal/state"
	"jobpilot/internal/store"
)

// defaultProcessingTime seeds wait estimates until real samples exist.
const defaultProcessingTime = 2 * time.Minute

const drainTimeout = 30 * time.Second

// SubmitRequest is one application submission.
type SubmitRequest struct {
	UserID   string
	Posting  models.JobPosting
	Profile  models.ApplicantProfile
	Options  models.JobOptions
	Priority int
	Mode     models.ExecutionMode
}

func (r *SubmitRequest) validate() error {
	verr := &custom_errors.ValidationError{}
	if r.UserID == "" {
		verr.Addf("user_id is required")
	}
	if r.Posting.ID == "" {
		verr.Addf("posting job_id is required")
	}
	if r.Posting.Title == "" {
		verr.Addf("posting title is required")
	}
	if r.Posting.Company == "" {
		verr.Addf("posting company is required")
	}
	if r.Posting.ApplyURL == "" {
		verr.Addf("posting apply_url is required")
	}
	if r.Profile.FirstName == "" {
		verr.Addf("profile first_name is required")
	}
	if r.Profile.LastName == "" {
		verr.Addf("profile last_name is required")
	}
	if r.Profile.Email == "" {
		verr.Addf("profile email is required")
	}
	if r.Profile.Phone == "" {
		verr.Addf("profile phone is required")
	}
	if verr.HasError() {
		return verr
	}
	return nil
}

// StatusResponse is the caller-facing view of one job.
type StatusResponse struct {
	JobID         string
	Status        state.JobStatus
	Target        string
	Progress      int
	Attempts      int
	QueuePosition int
	EstimatedWait time.Duration
	Result        *models.ApplicationResult
	LastError     string
}

type CancelResponse struct {
	Cancelled bool
	// Refunded is part of the wire contract but stays false here:
	// quota is charged at dispatch time, so a job cancelled while
	// QUEUED never consumed anything.
	Refunded bool
}

type QueueStats struct {
	Pending          int
	Processing       int
	Completed        int
	Failed           int
	Cancelled        int
	AvgProcessingMs  int64
	MaxConcurrent    int
	SupportedTargets []string
}

// Deps bundles the dispatcher's collaborators. Proxies and Bus may be
// nil; the dispatcher then runs direct and stays silent.
type Deps struct {
	Jobs     store.JobStore
	Live     queue.LiveQueue
	Quota    *quota.Controller
	Proxies  *proxy.Pool
	Executor bridge.Executor
	Bus      *events.Bus
}

// Dispatcher owns the server-pool execution path: admission on submit,
// the ticker loop that fills free slots from the live queue, and the
// per-job executor goroutines.
type Dispatcher struct {
	jobs     store.JobStore
	live     queue.LiveQueue
	quota    *quota.Controller
	proxies  *proxy.Pool
	executor bridge.Executor
	bus      *events.Bus

	maxConcurrent int
	interval      time.Duration
	execTimeout   time.Duration

	slots   *semaphore.Weighted
	results chan models.JobOutcome
	avg     runningAverage

	mu       sync.Mutex
	index    map[string]*models.AutomationJob
	progress map[string]int

	now   func() time.Time
	newID func() string
}

func New(cfg config.DispatchConfig, deps Deps) *Dispatcher {
	maxConcurrent := cfg.MaxConcurrent
	if maxConcurrent <= 0 {
		maxConcurrent = 3
	}
	interval := cfg.Interval()
	if interval <= 0 {
		interval = 5 * time.Second
	}
	execTimeout := cfg.ExecutionTimeout()
	if execTimeout <= 0 {
		execTimeout = 10 * time.Minute
	}
	return &Dispatcher{
		jobs:          deps.Jobs,
		live:          deps.Live,
		quota:         deps.Quota,
		proxies:       deps.Proxies,
		executor:      deps.Executor,
		bus:           deps.Bus,
		maxConcurrent: maxConcurrent,
		interval:      interval,
		execTimeout:   execTimeout,
		slots:         semaphore.NewWeighted(int64(maxConcurrent)),
		results:       make(chan models.JobOutcome, maxConcurrent*4),
		index:         make(map[string]*models.AutomationJob),
		progress:      make(map[string]int),
		now:           time.Now,
		newID:         uuid.NewString,
	}
}

// Submit validates, classifies and admits one application. Denials are
// synchronous: the caller gets an *custom_errors.AdmissionError and no
// job exists afterwards.
func (d *Dispatcher) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if err := req.validate(); err != nil {
		return "", err
	}

	target := DetectTarget(req.Posting.ApplyURL)
	if !IsSupported(target) {
		return "", fmt.Errorf("%w: %s", custom_errors.ErrUnsupportedTarget, target)
	}

	mode := req.Mode
	if mode == "" {
		mode = models.ModeServer
	}

	var (
		decision quota.Decision
		err      error
	)
	switch mode {
	case models.ModeServer:
		decision, err = d.quota.CheckEligibility(ctx, req.UserID)
	case models.ModeRemote:
		decision, err = d.quota.CheckDesktopEligibility(ctx, req.UserID)
	default:
		return "", fmt.Errorf("unknown execution mode %q", mode)
	}
	if err != nil {
		return "", err
	}
	if denial := decision.Denial(); denial != nil {
		return "", denial
	}

	now := d.now()
	job := &models.AutomationJob{
		ID:          d.newID(),
		UserID:      req.UserID,
		Posting:     req.Posting,
		Profile:     req.Profile,
		Options:     req.Options,
		Priority:    req.Priority,
		Mode:        mode,
		Target:      target,
		Status:      state.StatusQueued,
		QueuedAt:    now,
		MaxAttempts: req.Options.MaxAttempts,
	}
	if job.MaxAttempts <= 0 {
		job.MaxAttempts = constants.DefaultMaxAttempts
	}
	if mode == models.ModeRemote {
		job.Status = state.StatusQueuedForRemote
	}

	if err := d.jobs.Insert(ctx, job); err != nil {
		return "", fmt.Errorf("insert job: %w", err)
	}

	if mode == models.ModeServer {
		entry := queue.Entry{JobID: job.ID, Priority: job.Priority, QueuedAt: job.QueuedAt}
		if err := d.live.Push(ctx, entry); err != nil {
			// The ledger row survives; startup restoration re-enqueues it.
			slog.Error("live queue push failed", "job_id", job.ID, "error", err)
		}
		d.mu.Lock()
		d.index[job.ID] = job
		d.mu.Unlock()
		d.publish(events.JobQueued, job, nil)
	} else {
		d.publish(events.JobQueuedForRemote, job, nil)
	}

	slog.Info("job submitted",
		"job_id", job.ID, "user_id", job.UserID, "target", target,
		"mode", mode, "priority", job.Priority)
	return job.ID, nil
}

// Status reports one job. Queue position and estimated wait appear
// only while the job sits in the server-pool ready queue.
func (d *Dispatcher) Status(ctx context.Context, jobID string) (*StatusResponse, error) {
	var snapshot models.AutomationJob

	d.mu.Lock()
	job, indexed := d.index[jobID]
	if indexed {
		snapshot = *job
	}
	pct := d.progress[jobID]
	d.mu.Unlock()

	if !indexed {
		found, err := d.jobs.FindByID(ctx, jobID)
		if err != nil {
			return nil, err
		}
		snapshot = *found
	}

	resp := &StatusResponse{
		JobID:    snapshot.ID,
		Status:   snapshot.Status,
		Target:   snapshot.Target,
		Attempts: snapshot.Attempts,
		Result:   snapshot.Result,
	}
	if snapshot.LastError != nil {
		resp.LastError = *snapshot.LastError
	}

	switch snapshot.Status {
	case state.StatusCompleted:
		resp.Progress = 100
	case state.StatusProcessing:
		resp.Progress = pct
	case state.StatusQueued:
		pos, err := d.live.Position(ctx, jobID)
		if err != nil {
			slog.Warn("queue position lookup failed", "job_id", jobID, "error", err)
		} else if pos > 0 {
			resp.QueuePosition = pos
			batches := (pos + d.maxConcurrent - 1) / d.maxConcurrent
			resp.EstimatedWait = time.Duration(batches) * d.avg.Value()
		}
	}
	return resp, nil
}

// Cancel withdraws a job that is still waiting in QUEUED. Only the
// owner may cancel.
func (d *Dispatcher) Cancel(ctx context.Context, jobID, requesterID string) (*CancelResponse, error) {
	job, err := d.lookup(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if job.UserID != requesterID {
		return nil, custom_errors.ErrAccessDenied
	}
	if job.Status != state.StatusQueued {
		return nil, fmt.Errorf("%w: job is %s", custom_errors.ErrCancelNotAllowed, job.Status)
	}

	won, err := d.jobs.MarkCancelled(ctx, jobID)
	if err != nil {
		return nil, err
	}
	if !won {
		// Dispatch or a remote claim won the row first.
		return nil, fmt.Errorf("%w: job left the queue", custom_errors.ErrCancelNotAllowed)
	}

	if err := d.live.Remove(ctx, jobID); err != nil {
		slog.Warn("live queue removal failed", "job_id", jobID, "error", err)
	}
	d.dropFromIndex(jobID)
	d.publish(events.JobCancelled, job, map[string]any{"requested_by": requesterID})
	slog.Info("job cancelled", "job_id", jobID, "user_id", requesterID)

	return &CancelResponse{Cancelled: true}, nil
}

func (d *Dispatcher) Stats(ctx context.Context) (*QueueStats, error) {
	counts, err := d.jobs.CountAllByStatus(ctx)
	if err != nil {
		return nil, err
	}
	return &QueueStats{
		Pending:          counts[state.StatusQueued] + counts[state.StatusQueuedForRemote],
		Processing:       counts[state.StatusProcessing],
		Completed:        counts[state.StatusCompleted],
		Failed:           counts[state.StatusFailed],
		Cancelled:        counts[state.StatusCancelled],
		AvgProcessingMs:  d.avg.Value().Milliseconds(),
		MaxConcurrent:    d.maxConcurrent,
		SupportedTargets: SupportedTargets(),
	}, nil
}

// History pages the user's ledger entries, newest first.
func (d *Dispatcher) History(ctx context.Context, userID string, limit, offset int, status *state.JobStatus) (*models.PaginationResult[models.AutomationJob], error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}
	if offset < 0 {
		offset = 0
	}
	return d.jobs.History(ctx, userID, limit, offset, status)
}

// Results exposes finished-job outcomes. Delivery is best effort; a
// full channel drops, the ledger stays authoritative.
func (d *Dispatcher) Results() <-chan models.JobOutcome {
	return d.results
}

// Run drives the dispatch ticker until ctx is cancelled, then waits
// for in-flight executors to wind down.
func (d *Dispatcher) Run(ctx context.Context) {
	slog.Info("dispatch loop started",
		"max_concurrent", d.maxConcurrent, "interval", d.interval)

	if d.bus != nil {
		go d.consumeEvents(ctx, d.bus.Subscribe(128))
	}

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("dispatch loop stopping")
			d.drain()
			return
		case <-ticker.C:
			d.tick(ctx)
		}
	}
}

// drain waits for running executors to finish their shutdown path.
func (d *Dispatcher) drain() {
	drainCtx, cancel := context.WithTimeout(context.Background(), drainTimeout)
	defer cancel()
	if err := d.slots.Acquire(drainCtx, int64(d.maxConcurrent)); err != nil {
		slog.Warn("dispatch drain timed out with executors still running")
		return
	}
	d.slots.Release(int64(d.maxConcurrent))
}

// tick fills every free slot with the readiest eligible job.
func (d *Dispatcher) tick(ctx context.Context) {
	permits := 0
	for permits < d.maxConcurrent && d.slots.TryAcquire(1) {
		permits++
	}
	if permits == 0 {
		return
	}

	consumed := 0
	defer func() {
		if unused := permits - consumed; unused > 0 {
			d.slots.Release(int64(unused))
		}
	}()

	entries, err := d.live.PopReady(ctx, permits)
	if err != nil {
		slog.Error("live queue pop failed", "error", err)
		return
	}
	for _, entry := range entries {
		if d.dispatchOne(ctx, entry) {
			consumed++
		}
	}
}

// dispatchOne runs the admission pipeline for one popped entry. True
// means an executor goroutine now owns one slot permit.
func (d *Dispatcher) dispatchOne(ctx context.Context, entry queue.Entry) bool {
	job, err := d.lookup(ctx, entry.JobID)
	if err != nil {
		if errors.Is(err, custom_errors.ErrJobNotFound) {
			slog.Warn("dropped live entry without ledger row", "job_id", entry.JobID)
		} else {
			slog.Error("job lookup failed", "job_id", entry.JobID, "error", err)
			d.requeue(ctx, entry)
		}
		return false
	}
	if job.Status != state.StatusQueued {
		d.dropFromIndex(job.ID)
		return false
	}

	decision, err := d.quota.CheckEligibility(ctx, job.UserID)
	if err != nil {
		slog.Error("quota check failed", "job_id", job.ID, "error", err)
		d.requeue(ctx, entry)
		return false
	}
	if !decision.Allowed {
		d.demote(ctx, job, decision)
		return false
	}

	sessionID := d.newID()
	won, err := d.jobs.MarkProcessing(ctx, job.ID, sessionID)
	if err != nil {
		slog.Error("mark processing failed", "job_id", job.ID, "error", err)
		d.requeue(ctx, entry)
		return false
	}
	if !won {
		slog.Debug("job changed state before dispatch", "job_id", job.ID)
		d.dropFromIndex(job.ID)
		return false
	}

	now := d.now()
	claimant := state.ServerClaimant
	d.mu.Lock()
	job.Status = state.StatusProcessing
	job.StartedAt = &now
	job.ClaimedBy = &claimant
	job.ClaimedAt = &now
	job.WorkerSessionID = &sessionID
	job.Attempts++
	d.index[job.ID] = job
	d.mu.Unlock()

	if err := d.quota.RecordServerApplication(ctx, job.UserID); err != nil {
		slog.Warn("quota record failed", "user_id", job.UserID, "error", err)
	}
	d.publish(events.JobProcessing, job, map[string]any{
		"claimed_by": state.ServerClaimant,
		"session_id": sessionID,
	})

	go d.process(ctx, job, sessionID)
	return true
}

// process runs the bridge for one claimed job and finalizes the ledger
// row. It owns one slot permit.
func (d *Dispatcher) process(ctx context.Context, job *models.AutomationJob, sessionID string) {
	defer d.slots.Release(1)

	var endpoint *models.ProxyEndpoint
	if d.proxies != nil {
		var perr error
		endpoint, perr = d.proxies.GetNextProxy()
		if perr != nil {
			slog.Warn("no usable proxy, running direct", "job_id", job.ID, "error", perr)
		}
	}

	req := bridge.Request{
		Job:       job,
		Proxy:     endpoint,
		SessionID: sessionID,
		Timeout:   d.jobTimeout(job),
		OnOutput: func(stream, line string) {
			slog.Debug("worker output", "job_id", job.ID, "stream", stream, "line", line)
		},
	}

	start := d.now()
	result, err := d.executor.Execute(ctx, req)
	duration := d.now().Sub(start)

	if endpoint != nil && !endpoint.IsDirect() {
		healthy := err == nil && result != nil && result.Success
		reason := ""
		if err != nil {
			reason = err.Error()
		} else if result != nil && !result.Success {
			reason = result.Status
		}
		d.proxies.ReportHealth(endpoint.ID, healthy, float64(duration.Milliseconds()), reason)
	}

	if ctx.Err() != nil && !errors.Is(err, custom_errors.ErrExecutionTimeout) {
		// Shutdown interrupted the run. The row stays PROCESSING and
		// the recovery sweep requeues it.
		slog.Warn("run interrupted by shutdown, leaving job for recovery", "job_id", job.ID)
		d.dropFromIndex(job.ID)
		return
	}

	finCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	outcome := models.JobOutcome{
		JobID:    job.ID,
		UserID:   job.UserID,
		Result:   result,
		Err:      err,
		Duration: duration,
	}
	if endpoint != nil {
		outcome.ProxyID = endpoint.ID
	}

	if err == nil && result != nil && result.Success {
		won, uerr := d.jobs.MarkCompleted(finCtx, job.ID, result)
		if uerr != nil {
			slog.Error("mark completed failed", "job_id", job.ID, "error", uerr)
		} else if !won {
			slog.Warn("completion lost the row to recovery", "job_id", job.ID)
		}
		outcome.Status = state.StatusCompleted
		d.publish(events.JobCompleted, job, map[string]any{
			"confirmation_number": result.ConfirmationNumber,
			"duration_ms":         duration.Milliseconds(),
		})
		slog.Info("job completed", "job_id", job.ID, "duration_ms", duration.Milliseconds())
	} else {
		msg := failureMessage(err, result)
		won, uerr := d.jobs.MarkFailed(finCtx, job.ID, msg, result)
		if uerr != nil {
			slog.Error("mark failed failed", "job_id", job.ID, "error", uerr)
		} else if !won {
			slog.Warn("failure lost the row to recovery", "job_id", job.ID)
		}
		outcome.Status = state.StatusFailed
		d.publish(events.JobFailed, job, map[string]any{"error": msg})
		slog.Info("job failed", "job_id", job.ID, "error", msg)
	}

	d.avg.Observe(duration)
	d.dropFromIndex(job.ID)
	d.deliver(outcome)
}

func failureMessage(err error, result *models.ApplicationResult) string {
	if err != nil {
		return err.Error()
	}
	if result != nil && result.ErrorMessage != "" {
		return result.ErrorMessage
	}
	return "application failed"
}

func (d *Dispatcher) jobTimeout(job *models.AutomationJob) time.Duration {
	if job.Options.Timeout > 0 {
		return job.Options.Timeout
	}
	return d.execTimeout
}

func (d *Dispatcher) demote(ctx context.Context, job *models.AutomationJob, decision quota.Decision) {
	won, err := d.jobs.DemoteToRemote(ctx, job.ID)
	if err != nil {
		slog.Error("demotion failed", "job_id", job.ID, "error", err)
		return
	}
	d.dropFromIndex(job.ID)
	if !won {
		slog.Debug("demotion lost the row", "job_id", job.ID)
		return
	}
	d.publish(events.JobQueuedForRemote, job, map[string]any{
		"reason":           decision.Reason,
		"suggested_action": decision.SuggestedAction,
	})
	slog.Info("job demoted to remote queue", "job_id", job.ID, "reason", decision.Reason)
}

func (d *Dispatcher) lookup(ctx context.Context, jobID string) (*models.AutomationJob, error) {
	d.mu.Lock()
	job, ok := d.index[jobID]
	d.mu.Unlock()
	if ok {
		return job, nil
	}
	return d.jobs.FindByID(ctx, jobID)
}

func (d *Dispatcher) requeue(ctx context.Context, entry queue.Entry) {
	if err := d.live.Push(ctx, entry); err != nil {
		slog.Error("requeue failed, entry recoverable only by restart", "job_id", entry.JobID, "error", err)
	}
}

func (d *Dispatcher) dropFromIndex(jobID string) {
	d.mu.Lock()
	delete(d.index, jobID)
	delete(d.progress, jobID)
	d.mu.Unlock()
}

func (d *Dispatcher) publish(t events.Type, job *models.AutomationJob, payload map[string]any) {
	if d.bus == nil {
		return
	}
	d.bus.Publish(events.Event{Type: t, JobID: job.ID, UserID: job.UserID, Payload: payload})
}

func (d *Dispatcher) deliver(outcome models.JobOutcome) {
	select {
	case d.results <- outcome:
	default:
		slog.Debug("job outcome dropped, channel full", "job_id", outcome.JobID)
	}
}

// consumeEvents keeps the in-memory view in step with lifecycle
// changes made by other components, mainly the remote claim path.
func (d *Dispatcher) consumeEvents(ctx context.Context, ch <-chan events.Event) {
	for {
		select {
		case <-ctx.Done():
			return
		case evt, ok := <-ch:
			if !ok {
				return
			}
			switch evt.Type {
			case events.JobProgress:
				if pct, ok := asPercent(evt.Payload["percent"]); ok {
					d.mu.Lock()
					d.progress[evt.JobID] = pct
					d.mu.Unlock()
				}
			case events.JobProcessing:
				// A remote worker claiming a job this instance still
				// indexes invalidates the indexed copy.
				if claimant, _ := evt.Payload["claimed_by"].(string); claimant != state.ServerClaimant {
					d.dropFromIndex(evt.JobID)
				}
			case events.JobCompleted, events.JobFailed, events.JobCancelled:
				d.dropFromIndex(evt.JobID)
			}
		}
	}
}

func asPercent(v any) (int, bool) {
	switch n := v.(type) {
	case int:
		return n, true
	case int64:
		return int(n), true
	case float64:
		return int(n), true
	}
	return 0, false
}

// runningAverage tracks mean processing time for wait estimates.
type runningAverage struct {
	mu    sync.Mutex
	count int64
	mean  float64
}

func (r *runningAverage) Observe(d time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.count++
	r.mean += (float64(d.Milliseconds()) - r.mean) / float64(r.count)
}

func (r *runningAverage) Value() time.Duration {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.count == 0 {
		return defaultProcessingTime
	}
	return time.Duration(r.mean) * time.Millisecond
}
