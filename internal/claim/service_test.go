package claim

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jobpilot/custom_errors"
	"jobpilot/internal/config"
	"jobpilot/internal/events"
	"jobpilot/internal/models"
	"jobpilot/internal/quota"
	"jobpilot/internal/state"
)

// memoryLedger mirrors the conditional-update semantics of the real
// store so races behave the same way they do against postgres.
type memoryLedger struct {
	mu   sync.Mutex
	jobs map[string]*models.AutomationJob
}

func newMemoryLedger(jobs ...*models.AutomationJob) *memoryLedger {
	l := &memoryLedger{jobs: make(map[string]*models.AutomationJob)}
	for _, j := range jobs {
		l.jobs[j.ID] = j
	}
	return l
}

func (l *memoryLedger) get(id string) *models.AutomationJob {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.jobs[id]
}

func (l *memoryLedger) Claim(ctx context.Context, jobID, workerID, sessionID string, staleBefore time.Time) (*models.AutomationJob, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.jobs[jobID]
	if !ok {
		return nil, nil
	}

	unclaimed := (job.Status == state.StatusQueued || job.Status == state.StatusQueuedForRemote) &&
		job.ClaimedBy == nil
	stale := job.Status == state.StatusProcessing &&
		job.ClaimedBy != nil && *job.ClaimedBy != state.ServerClaimant &&
		job.ClaimedAt != nil && !job.ClaimedAt.After(staleBefore)
	if !unclaimed && !stale {
		return nil, nil
	}

	now := time.Now()
	job.Status = state.StatusProcessing
	job.ClaimedBy = &workerID
	job.ClaimedAt = &now
	job.WorkerSessionID = &sessionID
	if job.StartedAt == nil {
		job.StartedAt = &now
	}
	job.Attempts++

	cp := *job
	return &cp, nil
}

func (l *memoryLedger) RefreshClaim(ctx context.Context, jobID, workerID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.jobs[jobID]
	if !ok || job.Status != state.StatusProcessing || job.ClaimedBy == nil || *job.ClaimedBy != workerID {
		return false, nil
	}
	now := time.Now()
	job.ClaimedAt = &now
	return true, nil
}

func (l *memoryLedger) CompleteClaimed(ctx context.Context, jobID, workerID string, success bool, errMsg string, result *models.ApplicationResult) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.jobs[jobID]
	if !ok || job.Status != state.StatusProcessing || job.ClaimedBy == nil || *job.ClaimedBy != workerID {
		return false, nil
	}
	if success {
		job.Status = state.StatusCompleted
	} else {
		job.Status = state.StatusFailed
	}
	if errMsg != "" {
		job.LastError = &errMsg
	}
	job.Result = result
	now := time.Now()
	job.CompletedAt = &now
	return true, nil
}

func (l *memoryLedger) ReleaseClaim(ctx context.Context, jobID, workerID string) (bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	job, ok := l.jobs[jobID]
	if !ok || job.Status != state.StatusProcessing || job.ClaimedBy == nil || *job.ClaimedBy != workerID {
		return false, nil
	}
	job.Status = state.StatusQueuedForRemote
	job.ClaimedBy = nil
	job.ClaimedAt = nil
	job.WorkerSessionID = nil
	return true, nil
}

func (l *memoryLedger) Insert(ctx context.Context, job *models.AutomationJob) error { return nil }

func (l *memoryLedger) FindByID(ctx context.Context, id string) (*models.AutomationJob, error) {
	if job := l.get(id); job != nil {
		cp := *job
		return &cp, nil
	}
	return nil, custom_errors.ErrJobNotFound
}

func (l *memoryLedger) ExistsByID(ctx context.Context, id string) (bool, error) {
	return l.get(id) != nil, nil
}

func (l *memoryLedger) MarkProcessing(ctx context.Context, jobID, sessionID string) (bool, error) {
	return false, nil
}

func (l *memoryLedger) DemoteToRemote(ctx context.Context, jobID string) (bool, error) {
	return false, nil
}

func (l *memoryLedger) MarkCompleted(ctx context.Context, jobID string, result *models.ApplicationResult) (bool, error) {
	return false, nil
}

func (l *memoryLedger) MarkFailed(ctx context.Context, jobID, errMsg string, result *models.ApplicationResult) (bool, error) {
	return false, nil
}

func (l *memoryLedger) MarkCancelled(ctx context.Context, jobID string) (bool, error) {
	return false, nil
}

func (l *memoryLedger) ResetStaleServerJobs(ctx context.Context, cutoff time.Time, annotation string) (int64, error) {
	return 0, nil
}

func (l *memoryLedger) ResetStaleRemoteJobs(ctx context.Context, cutoff time.Time, annotation string) (int64, error) {
	return 0, nil
}

func (l *memoryLedger) ListQueuedServerJobs(ctx context.Context) ([]models.AutomationJob, error) {
	return nil, nil
}

func (l *memoryLedger) History(ctx context.Context, userID string, limit, offset int, status *state.JobStatus) (*models.PaginationResult[models.AutomationJob], error) {
	return nil, nil
}

func (l *memoryLedger) CountAllByStatus(ctx context.Context) (map[state.JobStatus]int, error) {
	return nil, nil
}

func (l *memoryLedger) Close() error { return nil }

type quotaStoreStub struct{}

func (quotaStoreStub) Get(ctx context.Context, userID string) (*models.UserQuota, error) {
	return nil, nil
}
func (quotaStoreStub) Upsert(ctx context.Context, quota *models.UserQuota) error { return nil }
func (quotaStoreStub) ResetDaily(ctx context.Context) (int64, error)             { return 0, nil }

func remoteJob(id string) *models.AutomationJob {
	return &models.AutomationJob{
		ID:     id,
		UserID: "user-1",
		Posting: models.JobPosting{
			ID:       "job-9",
			Title:    "Backend Engineer",
			Company:  "Acme",
			ApplyURL: "https://boards.greenhouse.io/acme/jobs/123",
		},
		Mode:        models.ModeRemote,
		Status:      state.StatusQueuedForRemote,
		QueuedAt:    time.Now().Add(-time.Minute),
		MaxAttempts: 3,
	}
}

func newTestService(t *testing.T, ledger *memoryLedger) (*Service, <-chan events.Event) {
	t.Helper()
	bus := events.NewBus()
	t.Cleanup(bus.Close)
	evts := bus.Subscribe(32)

	ctrl := quota.NewController(quotaStoreStub{}, bus)
	svc := NewService(config.ClaimConfig{StaleMinutes: 10}, ledger, ctrl, bus)
	return svc, evts
}

func expectEvent(t *testing.T, ch <-chan events.Event, want events.Type) events.Event {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		select {
		case evt := <-ch:
			if evt.Type == want {
				return evt
			}
		case <-deadline:
			t.Fatalf("no %s event arrived", want)
			return events.Event{}
		}
	}
}

func TestClaim_TakesUnclaimedRemoteJob(t *testing.T) {
	ledger := newMemoryLedger(remoteJob("j1"))
	svc, evts := newTestService(t, ledger)

	job, err := svc.Claim(context.Background(), "j1", "worker-a")
	require.NoError(t, err)

	assert.Equal(t, state.StatusProcessing, job.Status)
	require.NotNil(t, job.ClaimedBy)
	assert.Equal(t, "worker-a", *job.ClaimedBy)
	assert.NotNil(t, job.WorkerSessionID)
	assert.NotNil(t, job.StartedAt)
	assert.Equal(t, 1, job.Attempts)

	evt := expectEvent(t, evts, events.JobProcessing)
	assert.Equal(t, "j1", evt.JobID)
	assert.Equal(t, "worker-a", evt.Payload["claimed_by"])
}

func TestClaim_ChargesDesktopQuota(t *testing.T) {
	ledger := newMemoryLedger(remoteJob("j1"))
	svc, _ := newTestService(t, ledger)

	_, err := svc.Claim(context.Background(), "j1", "worker-a")
	require.NoError(t, err)

	q, err := svc.quotas.Quota(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, 1, q.DailyUsed)
	assert.Equal(t, 1, q.TotalUsed)
	assert.Zero(t, q.ServerUsed, "remote runs never touch the server axis")
}

func TestClaim_QueuedServerJobIsClaimable(t *testing.T) {
	job := remoteJob("j1")
	job.Status = state.StatusQueued
	job.Mode = models.ModeServer
	ledger := newMemoryLedger(job)
	svc, _ := newTestService(t, ledger)

	claimed, err := svc.Claim(context.Background(), "j1", "worker-a")
	require.NoError(t, err)
	assert.Equal(t, state.StatusProcessing, claimed.Status)
}

func TestClaim_ConflictWhenFreshlyClaimed(t *testing.T) {
	job := remoteJob("j1")
	owner := "worker-b"
	claimedAt := time.Now().Add(-time.Minute)
	job.Status = state.StatusProcessing
	job.ClaimedBy = &owner
	job.ClaimedAt = &claimedAt
	ledger := newMemoryLedger(job)
	svc, _ := newTestService(t, ledger)

	_, err := svc.Claim(context.Background(), "j1", "worker-a")
	require.ErrorIs(t, err, custom_errors.ErrClaimConflict)

	stored := ledger.get("j1")
	assert.Equal(t, "worker-b", *stored.ClaimedBy)
}

func TestClaim_TakesOverStaleRemoteClaim(t *testing.T) {
	job := remoteJob("j1")
	owner := "worker-dead"
	claimedAt := time.Now().Add(-20 * time.Minute)
	job.Status = state.StatusProcessing
	job.ClaimedBy = &owner
	job.ClaimedAt = &claimedAt
	job.Attempts = 1
	ledger := newMemoryLedger(job)
	svc, _ := newTestService(t, ledger)

	claimed, err := svc.Claim(context.Background(), "j1", "worker-a")
	require.NoError(t, err)
	assert.Equal(t, "worker-a", *claimed.ClaimedBy)
	assert.Equal(t, 2, claimed.Attempts)
}

func TestClaim_NeverStealsServerClaim(t *testing.T) {
	job := remoteJob("j1")
	owner := state.ServerClaimant
	claimedAt := time.Now().Add(-2 * time.Hour)
	job.Status = state.StatusProcessing
	job.ClaimedBy = &owner
	job.ClaimedAt = &claimedAt
	ledger := newMemoryLedger(job)
	svc, _ := newTestService(t, ledger)

	_, err := svc.Claim(context.Background(), "j1", "worker-a")
	require.ErrorIs(t, err, custom_errors.ErrClaimConflict)
}

func TestClaim_UnknownJob(t *testing.T) {
	svc, _ := newTestService(t, newMemoryLedger())

	_, err := svc.Claim(context.Background(), "missing", "worker-a")
	require.ErrorIs(t, err, custom_errors.ErrClaimConflict)
}

func TestClaim_RejectsReservedWorkerID(t *testing.T) {
	svc, _ := newTestService(t, newMemoryLedger(remoteJob("j1")))

	var verr *custom_errors.ValidationError
	_, err := svc.Claim(context.Background(), "j1", state.ServerClaimant)
	require.ErrorAs(t, err, &verr)

	_, err = svc.Claim(context.Background(), "j1", "")
	require.ErrorAs(t, err, &verr)
}

func TestClaim_SingleWinnerUnderContention(t *testing.T) {
	ledger := newMemoryLedger(remoteJob("j1"))
	svc, _ := newTestService(t, ledger)

	const workers = 8
	var wg sync.WaitGroup
	errs := make([]error, workers)

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			_, errs[n] = svc.Claim(context.Background(), "j1", string(rune('a'+n))+"-worker")
		}(i)
	}
	wg.Wait()

	wins, conflicts := 0, 0
	for _, err := range errs {
		switch {
		case err == nil:
			wins++
		case errors.Is(err, custom_errors.ErrClaimConflict):
			conflicts++
		default:
			t.Fatalf("unexpected error: %v", err)
		}
	}
	assert.Equal(t, 1, wins)
	assert.Equal(t, workers-1, conflicts)
	assert.Equal(t, 1, ledger.get("j1").Attempts)
}

func TestProgress_RefreshesClaimAndPublishes(t *testing.T) {
	ledger := newMemoryLedger(remoteJob("j1"))
	svc, evts := newTestService(t, ledger)

	_, err := svc.Claim(context.Background(), "j1", "worker-a")
	require.NoError(t, err)
	before := *ledger.get("j1").ClaimedAt

	time.Sleep(5 * time.Millisecond)
	require.NoError(t, svc.Progress(context.Background(), "j1", "worker-a", 50, "form_fill", "filling fields"))

	after := *ledger.get("j1").ClaimedAt
	assert.True(t, after.After(before), "heartbeat must refresh the claim timestamp")

	expectEvent(t, evts, events.JobProcessing)
	evt := expectEvent(t, evts, events.JobProgress)
	assert.Equal(t, 50, evt.Payload["percent"])
	assert.Equal(t, "form_fill", evt.Payload["step"])
}

func TestProgress_ClampsPercent(t *testing.T) {
	ledger := newMemoryLedger(remoteJob("j1"))
	svc, evts := newTestService(t, ledger)

	_, err := svc.Claim(context.Background(), "j1", "worker-a")
	require.NoError(t, err)

	require.NoError(t, svc.Progress(context.Background(), "j1", "worker-a", 150, "done", ""))

	expectEvent(t, evts, events.JobProcessing)
	evt := expectEvent(t, evts, events.JobProgress)
	assert.Equal(t, 100, evt.Payload["percent"])
}

func TestProgress_NotOwner(t *testing.T) {
	ledger := newMemoryLedger(remoteJob("j1"))
	svc, _ := newTestService(t, ledger)

	_, err := svc.Claim(context.Background(), "j1", "worker-a")
	require.NoError(t, err)

	err = svc.Progress(context.Background(), "j1", "worker-b", 10, "", "")
	require.ErrorIs(t, err, custom_errors.ErrNotClaimedByCaller)
}

func TestComplete_Success(t *testing.T) {
	ledger := newMemoryLedger(remoteJob("j1"))
	svc, evts := newTestService(t, ledger)

	_, err := svc.Claim(context.Background(), "j1", "worker-a")
	require.NoError(t, err)

	result := &models.ApplicationResult{Success: true, ConfirmationNumber: "CONF-9"}
	require.NoError(t, svc.Complete(context.Background(), "j1", "worker-a", true, "", result))

	stored := ledger.get("j1")
	assert.Equal(t, state.StatusCompleted, stored.Status)
	require.NotNil(t, stored.Result)
	assert.Equal(t, "CONF-9", stored.Result.ConfirmationNumber)
	assert.NotNil(t, stored.CompletedAt)

	evt := expectEvent(t, evts, events.JobCompleted)
	assert.Equal(t, "CONF-9", evt.Payload["confirmation_number"])
}

func TestComplete_FailureTakesWorkerMessage(t *testing.T) {
	ledger := newMemoryLedger(remoteJob("j1"))
	svc, evts := newTestService(t, ledger)

	_, err := svc.Claim(context.Background(), "j1", "worker-a")
	require.NoError(t, err)

	result := &models.ApplicationResult{Success: false, Status: models.ApplicationFormError, ErrorMessage: "required field missing"}
	require.NoError(t, svc.Complete(context.Background(), "j1", "worker-a", false, "", result))

	stored := ledger.get("j1")
	assert.Equal(t, state.StatusFailed, stored.Status)
	require.NotNil(t, stored.LastError)
	assert.Equal(t, "required field missing", *stored.LastError)

	evt := expectEvent(t, evts, events.JobFailed)
	assert.Equal(t, "required field missing", evt.Payload["error"])
}

func TestComplete_AfterReclaimIsNoOp(t *testing.T) {
	job := remoteJob("j1")
	owner := "worker-a"
	claimedAt := time.Now().Add(-20 * time.Minute)
	job.Status = state.StatusProcessing
	job.ClaimedBy = &owner
	job.ClaimedAt = &claimedAt
	ledger := newMemoryLedger(job)
	svc, _ := newTestService(t, ledger)

	// worker-b takes over the stale claim before worker-a reports.
	_, err := svc.Claim(context.Background(), "j1", "worker-b")
	require.NoError(t, err)

	err = svc.Complete(context.Background(), "j1", "worker-a", true, "", nil)
	require.ErrorIs(t, err, custom_errors.ErrAlreadyFinalized)

	stored := ledger.get("j1")
	assert.Equal(t, state.StatusProcessing, stored.Status)
	assert.Equal(t, "worker-b", *stored.ClaimedBy)
}

func TestRelease_ReturnsJobToRemoteQueue(t *testing.T) {
	ledger := newMemoryLedger(remoteJob("j1"))
	svc, evts := newTestService(t, ledger)

	_, err := svc.Claim(context.Background(), "j1", "worker-a")
	require.NoError(t, err)

	require.NoError(t, svc.Release(context.Background(), "j1", "worker-a"))

	stored := ledger.get("j1")
	assert.Equal(t, state.StatusQueuedForRemote, stored.Status)
	assert.Nil(t, stored.ClaimedBy)
	assert.Nil(t, stored.ClaimedAt)
	assert.Nil(t, stored.WorkerSessionID)

	evt := expectEvent(t, evts, events.JobQueuedForRemote)
	assert.Equal(t, "worker-a", evt.Payload["released_by"])

	err = svc.Release(context.Background(), "j1", "worker-a")
	require.ErrorIs(t, err, custom_errors.ErrJobNotFound)
}
