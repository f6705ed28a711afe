package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"jobpilot/custom_errors"
	"jobpilot/internal/models"
	"jobpilot/internal/state"
)

const jobColumns = `id,
	       user_id,
	       status,
	       execution_mode,
	       target,
	       priority,
	       posting,
	       profile,
	       options,
	       attempts,
	       max_attempts,
	       scheduled_at,
	       started_at,
	       completed_at,
	       claimed_by,
	       claimed_at,
	       worker_session_id,
	       last_error,
	       result`

type PostgresJobStore struct {
	db *sql.DB
}

func NewPostgresJobStore(db *sql.DB) *PostgresJobStore {
	return &PostgresJobStore{
		db: db,
	}
}

func (s *PostgresJobStore) Insert(ctx context.Context, job *models.AutomationJob) error {
	postingJSON, err := json.Marshal(job.Posting)
	if err != nil {
		return fmt.Errorf("marshal posting: %w", err)
	}
	profileJSON, err := json.Marshal(job.Profile)
	if err != nil {
		return fmt.Errorf("marshal profile: %w", err)
	}
	optionsJSON, err := json.Marshal(job.Options)
	if err != nil {
		return fmt.Errorf("marshal options: %w", err)
	}

	query := `
        INSERT INTO jobpilot_schema.automation_jobs (
            id,
            user_id,
            status,
            execution_mode,
            target,
            priority,
            posting,
            profile,
            options,
            max_attempts,
            scheduled_at
        )
        VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
    `

	_, err = s.db.ExecContext(ctx, query,
		job.ID,
		job.UserID,
		job.Status,
		job.Mode,
		job.Target,
		job.Priority,
		postingJSON,
		profileJSON,
		optionsJSON,
		job.MaxAttempts,
		job.QueuedAt,
	)
	return err
}

func (s *PostgresJobStore) FindByID(ctx context.Context, id string) (*models.AutomationJob, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobpilot_schema.automation_jobs
		WHERE id = $1
	`, id)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, custom_errors.ErrJobNotFound
	}
	return job, err
}

func (s *PostgresJobStore) ExistsByID(ctx context.Context, id string) (bool, error) {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS (SELECT 1 FROM jobpilot_schema.automation_jobs WHERE id = $1)
	`, id).Scan(&exists)
	return exists, err
}

func (s *PostgresJobStore) MarkProcessing(ctx context.Context, jobID, sessionID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobpilot_schema.automation_jobs
		SET status = $1,
		    claimed_by = $2,
		    claimed_at = NOW(),
		    started_at = NOW(),
		    worker_session_id = $3,
		    attempts = attempts + 1
		WHERE id = $4 AND status = $5
	`, state.StatusProcessing, state.ServerClaimant, sessionID, jobID, state.StatusQueued)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresJobStore) DemoteToRemote(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobpilot_schema.automation_jobs
		SET status = $1
		WHERE id = $2 AND status = $3
	`, state.StatusQueuedForRemote, jobID, state.StatusQueued)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresJobStore) MarkCompleted(ctx context.Context, jobID string, result *models.ApplicationResult) (bool, error) {
	resultJSON, err := marshalResult(result)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobpilot_schema.automation_jobs
		SET status = $1,
		    result = $2,
		    completed_at = NOW()
		WHERE id = $3 AND status = $4 AND claimed_by = $5
	`, state.StatusCompleted, resultJSON, jobID, state.StatusProcessing, state.ServerClaimant)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresJobStore) MarkFailed(ctx context.Context, jobID string, errMsg string, result *models.ApplicationResult) (bool, error) {
	resultJSON, err := marshalResult(result)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobpilot_schema.automation_jobs
		SET status = $1,
		    result = $2,
		    last_error = $3,
		    completed_at = NOW()
		WHERE id = $4 AND status = $5 AND claimed_by = $6
	`, state.StatusFailed, resultJSON, errMsg, jobID, state.StatusProcessing, state.ServerClaimant)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresJobStore) MarkCancelled(ctx context.Context, jobID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobpilot_schema.automation_jobs
		SET status = $1,
		    completed_at = NOW()
		WHERE id = $2 AND status = $3
	`, state.StatusCancelled, jobID, state.StatusQueued)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresJobStore) Claim(ctx context.Context, jobID, workerID, sessionID string, staleBefore time.Time) (*models.AutomationJob, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE jobpilot_schema.automation_jobs
		SET status = $1,
		    claimed_by = $2,
		    claimed_at = NOW(),
		    worker_session_id = $3,
		    started_at = COALESCE(started_at, NOW()),
		    attempts = attempts + 1
		WHERE id = $4
		  AND (
		        (status IN ($5, $6) AND claimed_by IS NULL)
		     OR (status = $7 AND claimed_by IS NOT NULL AND claimed_by <> $8 AND claimed_at <= $9)
		  )
		RETURNING `+jobColumns+`
	`, state.StatusProcessing, workerID, sessionID, jobID,
		state.StatusQueued, state.StatusQueuedForRemote,
		state.StatusProcessing, state.ServerClaimant, staleBefore)

	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return job, err
}

func (s *PostgresJobStore) RefreshClaim(ctx context.Context, jobID, workerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobpilot_schema.automation_jobs
		SET claimed_at = NOW()
		WHERE id = $1 AND claimed_by = $2 AND status = $3
	`, jobID, workerID, state.StatusProcessing)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresJobStore) CompleteClaimed(ctx context.Context, jobID, workerID string, success bool, errMsg string, result *models.ApplicationResult) (bool, error) {
	status := state.StatusCompleted
	if !success {
		status = state.StatusFailed
	}
	resultJSON, err := marshalResult(result)
	if err != nil {
		return false, err
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobpilot_schema.automation_jobs
		SET status = $1,
		    result = $2,
		    last_error = NULLIF($3, ''),
		    completed_at = NOW()
		WHERE id = $4 AND claimed_by = $5 AND status = $6
	`, status, resultJSON, errMsg, jobID, workerID, state.StatusProcessing)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresJobStore) ReleaseClaim(ctx context.Context, jobID, workerID string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobpilot_schema.automation_jobs
		SET status = $1,
		    claimed_by = NULL,
		    claimed_at = NULL,
		    worker_session_id = NULL
		WHERE id = $2 AND claimed_by = $3 AND status = $4
	`, state.StatusQueuedForRemote, jobID, workerID, state.StatusProcessing)
	if err != nil {
		return false, err
	}
	affected, _ := res.RowsAffected()
	return affected > 0, nil
}

func (s *PostgresJobStore) ResetStaleServerJobs(ctx context.Context, cutoff time.Time, annotation string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobpilot_schema.automation_jobs
		SET status = $1,
		    claimed_by = NULL,
		    claimed_at = NULL,
		    worker_session_id = NULL,
		    last_error = $2
		WHERE status = $3 AND claimed_by = $4 AND claimed_at <= $5
	`, state.StatusQueued, annotation, state.StatusProcessing, state.ServerClaimant, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresJobStore) ResetStaleRemoteJobs(ctx context.Context, cutoff time.Time, annotation string) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE jobpilot_schema.automation_jobs
		SET status = $1,
		    claimed_by = NULL,
		    claimed_at = NULL,
		    worker_session_id = NULL,
		    last_error = $2
		WHERE status = $3 AND claimed_by IS NOT NULL AND claimed_by <> $4 AND claimed_at <= $5
	`, state.StatusQueuedForRemote, annotation, state.StatusProcessing, state.ServerClaimant, cutoff)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func (s *PostgresJobStore) ListQueuedServerJobs(ctx context.Context) ([]models.AutomationJob, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+jobColumns+`
		FROM jobpilot_schema.automation_jobs
		WHERE status = $1 AND execution_mode = $2
		ORDER BY priority DESC, scheduled_at ASC
	`, state.StatusQueued, models.ModeServer)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.AutomationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	return jobs, rows.Err()
}

func (s *PostgresJobStore) History(ctx context.Context, userID string, limit, offset int, status *state.JobStatus) (*models.PaginationResult[models.AutomationJob], error) {
	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}

	where := "user_id = $1"
	args := []interface{}{userID}
	argIndex := 2

	if status != nil && *status != "" {
		where += fmt.Sprintf(" AND status = $%d", argIndex)
		args = append(args, *status)
		argIndex++
	}

	countQuery := `SELECT COUNT(*) FROM jobpilot_schema.automation_jobs WHERE ` + where
	selectQuery := `
		SELECT ` + jobColumns + `
		FROM jobpilot_schema.automation_jobs
		WHERE ` + where + fmt.Sprintf(" ORDER BY scheduled_at DESC LIMIT $%d OFFSET $%d", argIndex, argIndex+1)

	var totalItems int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&totalItems); err != nil {
		return nil, err
	}

	args = append(args, limit, offset)
	rows, err := s.db.QueryContext(ctx, selectQuery, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []models.AutomationJob
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, *job)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	result := models.NewPaginationResult(jobs, totalItems, limit, offset)
	return &result, nil
}

func (s *PostgresJobStore) CountAllByStatus(ctx context.Context) (map[state.JobStatus]int, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT status, COUNT(*)
		FROM jobpilot_schema.automation_jobs
		GROUP BY status
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[state.JobStatus]int)
	for rows.Next() {
		var status state.JobStatus
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return nil, err
		}
		counts[status] = count
	}
	return counts, rows.Err()
}

func (s *PostgresJobStore) Close() error {
	return s.db.Close()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*models.AutomationJob, error) {
	var (
		job        models.AutomationJob
		postingRaw []byte
		profileRaw []byte
		optionsRaw []byte
		resultRaw  []byte
	)
	if err := row.Scan(
		&job.ID,
		&job.UserID,
		&job.Status,
		&job.Mode,
		&job.Target,
		&job.Priority,
		&postingRaw,
		&profileRaw,
		&optionsRaw,
		&job.Attempts,
		&job.MaxAttempts,
		&job.QueuedAt,
		&job.StartedAt,
		&job.CompletedAt,
		&job.ClaimedBy,
		&job.ClaimedAt,
		&job.WorkerSessionID,
		&job.LastError,
		&resultRaw,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal(postingRaw, &job.Posting); err != nil {
		return nil, fmt.Errorf("unmarshal posting: %w", err)
	}
	if err := json.Unmarshal(profileRaw, &job.Profile); err != nil {
		return nil, fmt.Errorf("unmarshal profile: %w", err)
	}
	if len(optionsRaw) > 0 {
		if err := json.Unmarshal(optionsRaw, &job.Options); err != nil {
			return nil, fmt.Errorf("unmarshal options: %w", err)
		}
	}
	if len(resultRaw) > 0 {
		job.Result = &models.ApplicationResult{}
		if err := json.Unmarshal(resultRaw, job.Result); err != nil {
			return nil, fmt.Errorf("unmarshal result: %w", err)
		}
	}
	return &job, nil
}

func marshalResult(result *models.ApplicationResult) ([]byte, error) {
	if result == nil {
		return nil, nil
	}
	data, err := json.Marshal(result)
	if err != nil {
		return nil, fmt.Errorf("marshal result: %w", err)
	}
	return data, nil
}
