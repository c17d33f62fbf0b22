package taskstore

import (
	"database/sql"
	"time"
)

// Job states as persisted.
const (
	StateQueued  = "queued"
	StateRunning = "running"
	StateFailed  = "failed"
)

// Row is the durable bookkeeping record for one job.
type Row struct {
	JobID          string
	Kind           string
	TargetID       string
	Priority       int
	Payload        []byte
	PayloadVersion int
	State          string
	Attempts       int
	LastError      string
	CreatedAt      string
	UpdatedAt      string
}

func now() string {
	return time.Now().UTC().Format(time.RFC3339)
}

// Save inserts or replaces a job row in the queued state.
func (db *DB) Save(r *Row) error {
	ts := now()
	if r.PayloadVersion == 0 {
		r.PayloadVersion = 1
	}
	_, err := db.Exec(`
		INSERT INTO jobs (job_id, kind, target_id, priority, payload, payload_version, state, attempts, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, 'queued', 0, '', ?, ?)
		ON CONFLICT(job_id) DO UPDATE SET
			state = 'queued',
			attempts = 0,
			last_error = '',
			payload = excluded.payload,
			updated_at = excluded.updated_at`,
		r.JobID, r.Kind, r.TargetID, r.Priority, r.Payload, r.PayloadVersion, ts, ts)
	return err
}

// MarkRunning moves a job to the running state.
func (db *DB) MarkRunning(jobID string) error {
	_, err := db.Exec(`UPDATE jobs SET state = 'running', updated_at = ? WHERE job_id = ?`, now(), jobID)
	return err
}

// MarkQueued moves a job back to queued after a retryable failure, keeping
// the attempt count and last error for diagnostics.
func (db *DB) MarkQueued(jobID string, attempts int, lastError string) error {
	_, err := db.Exec(`UPDATE jobs SET state = 'queued', attempts = ?, last_error = ?, updated_at = ? WHERE job_id = ?`,
		attempts, lastError, now(), jobID)
	return err
}

// MarkFailed records a terminal failure. The row is kept for reporting.
func (db *DB) MarkFailed(jobID string, attempts int, lastError string) error {
	_, err := db.Exec(`UPDATE jobs SET state = 'failed', attempts = ?, last_error = ?, updated_at = ? WHERE job_id = ?`,
		attempts, lastError, now(), jobID)
	return err
}

// Delete removes a job row after it finished or was canceled.
func (db *DB) Delete(jobID string) error {
	_, err := db.Exec(`DELETE FROM jobs WHERE job_id = ?`, jobID)
	return err
}

// Get returns one job row, or nil if absent.
func (db *DB) Get(jobID string) (*Row, error) {
	var r Row
	err := db.QueryRow(`
		SELECT job_id, kind, target_id, priority, payload, payload_version, state, attempts, last_error, created_at, updated_at
		FROM jobs WHERE job_id = ?`, jobID).
		Scan(&r.JobID, &r.Kind, &r.TargetID, &r.Priority, &r.Payload, &r.PayloadVersion,
			&r.State, &r.Attempts, &r.LastError, &r.CreatedAt, &r.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

// Pending returns rows that still need work: queued rows plus running rows
// left behind by a crash, oldest first, highest priority first.
func (db *DB) Pending() ([]Row, error) {
	rows, err := db.Query(`
		SELECT job_id, kind, target_id, priority, payload, payload_version, state, attempts, last_error, created_at, updated_at
		FROM jobs WHERE state IN ('queued', 'running')
		ORDER BY priority DESC, created_at ASC`)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []Row
	for rows.Next() {
		var r Row
		if err := rows.Scan(&r.JobID, &r.Kind, &r.TargetID, &r.Priority, &r.Payload, &r.PayloadVersion,
			&r.State, &r.Attempts, &r.LastError, &r.CreatedAt, &r.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
