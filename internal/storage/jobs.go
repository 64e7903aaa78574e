package storage

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
)

const defaultMaxAttempts = 3

const jobColumns = `id, kind, target_id, payload_json, status, attempts, max_attempts, last_error,
	worker_id, run_after, lease_expires_at, created_at, updated_at`

// ExponentialBackoff returns a schedule of base * 2^attempt, capped at max.
func ExponentialBackoff(base, max time.Duration) func(attempt int) time.Duration {
	return func(attempt int) time.Duration {
		if attempt < 0 {
			attempt = 0
		}
		if attempt > 30 {
			return max
		}
		d := time.Duration(math.Pow(2, float64(attempt))) * base
		if d <= 0 || d > max {
			return max
		}
		return d
	}
}

// Enqueue records a new queued job for (kind, targetID) and returns its id.
// payload is marshalled to JSON. maxAttempts <= 0 selects the default.
func (s *Store) Enqueue(kind, targetID string, payload any, maxAttempts int) (string, error) {
	raw := []byte("{}")
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return "", fmt.Errorf("marshalling %s payload: %w", kind, err)
		}
		raw = b
	}
	job := Job{
		ID:          uuid.New().String(),
		Kind:        kind,
		TargetID:    targetID,
		PayloadJSON: string(raw),
		MaxAttempts: maxAttempts,
	}
	if err := s.EnqueueJob(job); err != nil {
		return "", err
	}
	return job.ID, nil
}

func (s *Store) EnqueueJob(job Job) error {
	_, err := s.insertJob(job, false)
	return err
}

// EnqueueOnce inserts job unless a job with the same id already exists.
// Callers derive the id from what the job is for, so a retried emitter does
// not queue the same work twice. Reports whether the job was inserted.
func (s *Store) EnqueueOnce(job Job) (bool, error) {
	if job.ID == "" {
		return false, errors.New("enqueue once needs a job id")
	}
	return s.insertJob(job, true)
}

func (s *Store) insertJob(job Job, ignoreExisting bool) (bool, error) {
	now := s.now()
	runAfter := now
	if !job.RunAfter.IsZero() {
		runAfter = job.RunAfter
	}
	maxAttempts := job.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = defaultMaxAttempts
	}
	payload := job.PayloadJSON
	if payload == "" {
		payload = "{}"
	}
	query := `
		INSERT INTO jobs (id, kind, target_id, payload_json, status, attempts, max_attempts, run_after, created_at, updated_at)
		VALUES (?, ?, ?, ?, 'queued', 0, ?, ?, ?, ?)`
	if ignoreExisting {
		query += ` ON CONFLICT(id) DO NOTHING`
	}
	res, err := s.db.Exec(query,
		job.ID, job.Kind, job.TargetID, payload, maxAttempts,
		toMillis(runAfter), toMillis(now), toMillis(now),
	)
	if err != nil {
		return false, fmt.Errorf("inserting job %s: %w", job.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

// ClaimNextJob atomically takes the oldest due job of one of the given kinds
// for workerID. Due means queued or retrying with run_after in the past, or
// running with an expired lease. Returns nil when nothing is due or another
// worker won the race for the selected row.
func (s *Store) ClaimNextJob(workerID string, kinds []string, lease time.Duration) (*Job, error) {
	if len(kinds) == 0 {
		return nil, nil
	}

	now := s.now()
	nowMs := toMillis(now)

	tx, err := s.db.Begin()
	if err != nil {
		return nil, fmt.Errorf("beginning claim transaction: %w", err)
	}
	defer tx.Rollback()

	// A lease that expires on the final allowed attempt is not handed out again.
	if _, err := tx.Exec(`
		UPDATE jobs SET status = 'failed', worker_id = '', lease_expires_at = NULL, updated_at = ?,
			last_error = CASE WHEN last_error = '' THEN 'lease expired on final attempt' ELSE last_error END
		WHERE status = 'running' AND lease_expires_at <= ? AND attempts > max_attempts`,
		nowMs, nowMs,
	); err != nil {
		return nil, fmt.Errorf("expiring exhausted leases: %w", err)
	}

	args := make([]any, 0, len(kinds)+2)
	for _, k := range kinds {
		args = append(args, k)
	}
	args = append(args, nowMs, nowMs)

	query := `SELECT ` + jobColumns + `
		FROM jobs
		WHERE kind IN (` + placeholders(len(kinds)) + `)
		  AND ((status IN ('queued', 'retrying') AND run_after <= ?)
		       OR (status = 'running' AND lease_expires_at <= ?))
		ORDER BY run_after ASC, created_at ASC, rowid ASC
		LIMIT 1`

	j, err := scanJob(tx.QueryRow(query, args...))
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("selecting next job: %w", err)
	}

	leaseUntil := now.Add(lease)
	res, err := tx.Exec(`
		UPDATE jobs SET status = 'running', attempts = attempts + 1, worker_id = ?, lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = ? AND attempts = ?`,
		workerID, toMillis(leaseUntil), nowMs, j.ID, string(j.Status), j.Attempts,
	)
	if err != nil {
		return nil, fmt.Errorf("updating job status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("checking updated job rows: %w", err)
	}
	if n != 1 {
		return nil, nil
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("committing claim: %w", err)
	}

	j.Status = JobRunning
	j.Attempts++
	j.WorkerID = workerID
	j.LeaseExpiresAt = fromMillis(toMillis(leaseUntil))
	j.UpdatedAt = fromMillis(nowMs)
	return &j, nil
}

// CompleteJob marks a running job held by workerID as succeeded.
func (s *Store) CompleteJob(id, workerID string) error {
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'succeeded', lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status = 'running' AND worker_id = ?`,
		toMillis(s.now()), id, workerID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.settleMiss(id)
	}
	return nil
}

// FailJob records a failed attempt of a job held by workerID and returns
// the resulting status. The attempt counter was advanced at claim time, so
// it equals the number of failures recorded so far. A permanent failure, or
// a failure once attempts exceeds max_attempts, is terminal; anything else
// becomes retrying with run_after pushed out by the backoff schedule.
func (s *Store) FailJob(id, workerID, errMsg string, permanent bool) (JobStatus, error) {
	return s.FailJobWithBackoff(id, workerID, errMsg, permanent, nil)
}

// FailJobWithBackoff is FailJob with a per-failure backoff schedule. A nil
// schedule uses the store's default.
func (s *Store) FailJobWithBackoff(id, workerID, errMsg string, permanent bool, backoff func(attempt int) time.Duration) (JobStatus, error) {
	if backoff == nil {
		backoff = s.backoff
	}
	tx, err := s.db.Begin()
	if err != nil {
		return "", fmt.Errorf("beginning fail transaction: %w", err)
	}
	defer tx.Rollback()

	var status string
	var attempts, maxAttempts int
	var owner string
	err = tx.QueryRow(`SELECT status, attempts, max_attempts, worker_id FROM jobs WHERE id = ?`, id).
		Scan(&status, &attempts, &maxAttempts, &owner)
	if err == sql.ErrNoRows {
		return "", ErrNotFound
	}
	if err != nil {
		return "", err
	}
	if JobStatus(status) != JobRunning || owner != workerID {
		return "", missError(id, status)
	}

	now := s.now()
	next := JobFailed
	runAfter := now
	if !permanent && attempts <= maxAttempts {
		next = JobRetrying
		runAfter = now.Add(backoff(attempts))
	}

	if _, err := tx.Exec(`
		UPDATE jobs SET status = ?, last_error = ?, run_after = ?, worker_id = '', lease_expires_at = NULL, updated_at = ?
		WHERE id = ?`,
		string(next), errMsg, toMillis(runAfter), toMillis(now), id,
	); err != nil {
		return "", err
	}

	if err := tx.Commit(); err != nil {
		return "", err
	}
	return next, nil
}

// ExtendLease pushes the lease of a running job held by workerID forward.
func (s *Store) ExtendLease(id, workerID string, lease time.Duration) error {
	now := s.now()
	res, err := s.db.Exec(`
		UPDATE jobs SET lease_expires_at = ?, updated_at = ?
		WHERE id = ? AND status = 'running' AND worker_id = ?`,
		toMillis(now.Add(lease)), toMillis(now), id, workerID,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return s.settleMiss(id)
	}
	return nil
}

// CancelJob marks a non-terminal job cancelled. A running job keeps running
// until its worker observes the flag at the next node boundary.
func (s *Store) CancelJob(id string) error {
	res, err := s.db.Exec(`
		UPDATE jobs SET status = 'cancelled', lease_expires_at = NULL, updated_at = ?
		WHERE id = ? AND status IN ('queued', 'retrying', 'running')`,
		toMillis(s.now()), id,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	job, err := s.GetJob(id)
	if err != nil {
		return err
	}
	return fmt.Errorf("job %s is %s: %w", id, job.Status, ErrInvalidTransition)
}

// IsJobCancelled reports whether the job has been cancelled.
func (s *Store) IsJobCancelled(id string) (bool, error) {
	var status string
	err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return false, ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return JobStatus(status) == JobCancelled, nil
}

func (s *Store) GetJob(id string) (Job, error) {
	j, err := scanJob(s.db.QueryRow(`SELECT `+jobColumns+` FROM jobs WHERE id = ?`, id))
	if err == sql.ErrNoRows {
		return Job{}, ErrNotFound
	}
	if err != nil {
		return Job{}, err
	}
	return j, nil
}

// ListJobs returns jobs matching the filter, newest first.
func (s *Store) ListJobs(f JobFilter) ([]Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE 1 = 1`
	var args []any
	if f.Kind != "" {
		query += ` AND kind = ?`
		args = append(args, f.Kind)
	}
	if f.TargetID != "" {
		query += ` AND target_id = ?`
		args = append(args, f.TargetID)
	}
	if f.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(f.Status))
	}
	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	query += ` ORDER BY created_at DESC, rowid DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// settleMiss explains why a compare-and-set on a running job matched nothing.
func (s *Store) settleMiss(id string) error {
	var status string
	err := s.db.QueryRow(`SELECT status FROM jobs WHERE id = ?`, id).Scan(&status)
	if err == sql.ErrNoRows {
		return ErrNotFound
	}
	if err != nil {
		return err
	}
	return missError(id, status)
}

func missError(id, status string) error {
	if JobStatus(status) == JobCancelled {
		return fmt.Errorf("job %s: %w", id, ErrJobCancelled)
	}
	return fmt.Errorf("job %s is %s: %w", id, status, ErrLeaseLost)
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (Job, error) {
	var j Job
	var status string
	var runAfter, createdAt, updatedAt int64
	var leaseExpires sql.NullInt64
	err := row.Scan(
		&j.ID, &j.Kind, &j.TargetID, &j.PayloadJSON, &status, &j.Attempts, &j.MaxAttempts, &j.LastError,
		&j.WorkerID, &runAfter, &leaseExpires, &createdAt, &updatedAt,
	)
	if err != nil {
		return Job{}, err
	}
	j.Status = JobStatus(status)
	j.RunAfter = fromMillis(runAfter)
	if leaseExpires.Valid {
		j.LeaseExpiresAt = fromMillis(leaseExpires.Int64)
	}
	j.CreatedAt = fromMillis(createdAt)
	j.UpdatedAt = fromMillis(updatedAt)
	return j, nil
}
