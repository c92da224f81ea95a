package store

import (
	"database/sql"
	"errors"
	"fmt"
	"time"

	"tgcollect/pkg/models"
)

// CreateJob persists a new collection job.
func (s *Store) CreateJob(job models.CollectionJob) error {
	_, err := s.db.Exec(`
		INSERT INTO jobs (id, target, desired_count, cursor, committed_pages, committed_count, state, last_error, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		job.ID, job.Target, job.DesiredCount, job.Cursor, job.CommittedPages, job.CommittedCount,
		job.State, job.LastError,
		job.CreatedAt.UTC().Format(time.RFC3339), job.UpdatedAt.UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("creating job %s: %w", job.ID, err)
	}
	return nil
}

// GetJob loads one job by id.
func (s *Store) GetJob(id string) (models.CollectionJob, error) {
	var job models.CollectionJob
	var createdAt, updatedAt string
	err := s.db.QueryRow(`
		SELECT id, target, desired_count, cursor, committed_pages, committed_count, state, last_error, created_at, updated_at
		FROM jobs WHERE id = ?`, id,
	).Scan(&job.ID, &job.Target, &job.DesiredCount, &job.Cursor, &job.CommittedPages,
		&job.CommittedCount, &job.State, &job.LastError, &createdAt, &updatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return models.CollectionJob{}, ErrNotFound
	}
	if err != nil {
		return models.CollectionJob{}, fmt.Errorf("getting job %s: %w", id, err)
	}
	job.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
	job.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
	return job, nil
}

// ListJobs returns jobs filtered by state; no states means all jobs.
func (s *Store) ListJobs(states ...models.JobState) ([]models.CollectionJob, error) {
	query := `SELECT id, target, desired_count, cursor, committed_pages, committed_count, state, last_error, created_at, updated_at FROM jobs`
	var args []interface{}
	if len(states) > 0 {
		query += " WHERE state IN (?" + repeat(",?", len(states)-1) + ")"
		for _, st := range states {
			args = append(args, st)
		}
	}
	query += " ORDER BY created_at"

	rows, err := s.db.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("listing jobs: %w", err)
	}
	defer rows.Close()

	var out []models.CollectionJob
	for rows.Next() {
		var job models.CollectionJob
		var createdAt, updatedAt string
		if err := rows.Scan(&job.ID, &job.Target, &job.DesiredCount, &job.Cursor, &job.CommittedPages,
			&job.CommittedCount, &job.State, &job.LastError, &createdAt, &updatedAt); err != nil {
			return nil, fmt.Errorf("scanning job row: %w", err)
		}
		job.CreatedAt, _ = time.Parse(time.RFC3339, createdAt)
		job.UpdatedAt, _ = time.Parse(time.RFC3339, updatedAt)
		out = append(out, job)
	}
	return out, rows.Err()
}

// SetJobState transitions a job's state, keeping the cursor intact.
func (s *Store) SetJobState(id string, state models.JobState, lastError string) error {
	res, err := s.db.Exec(`UPDATE jobs SET state = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		state, lastError, time.Now().UTC().Format(time.RFC3339), id)
	if err != nil {
		return fmt.Errorf("setting job state: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

// SaveTask inserts or replaces a fetch task row.
func (s *Store) SaveTask(t models.FetchTask) error {
	outcome := t.Outcome
	if outcome == "" {
		outcome = models.TaskPending
	}
	_, err := s.db.Exec(`
		INSERT INTO tasks (id, job_id, page_index, page_cursor, identity_id, proxy_id, attempt_count, outcome, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO UPDATE SET
			identity_id = excluded.identity_id,
			proxy_id = excluded.proxy_id,
			attempt_count = excluded.attempt_count,
			outcome = excluded.outcome,
			updated_at = excluded.updated_at`,
		t.ID, t.JobID, t.PageIndex, t.PageCursor,
		nullableString(t.IdentityID), nullableString(t.ProxyID),
		t.AttemptCount, outcome, time.Now().UTC().Format(time.RFC3339),
	)
	if err != nil {
		return fmt.Errorf("saving task %s: %w", t.ID, err)
	}
	return nil
}

// ListTasks returns a job's tasks in page order.
func (s *Store) ListTasks(jobID string) ([]models.FetchTask, error) {
	rows, err := s.db.Query(`
		SELECT id, job_id, page_index, page_cursor, identity_id, proxy_id, attempt_count, outcome
		FROM tasks WHERE job_id = ? ORDER BY page_index`, jobID)
	if err != nil {
		return nil, fmt.Errorf("listing tasks: %w", err)
	}
	defer rows.Close()

	var out []models.FetchTask
	for rows.Next() {
		var t models.FetchTask
		var identityID, proxyID sql.NullString
		if err := rows.Scan(&t.ID, &t.JobID, &t.PageIndex, &t.PageCursor,
			&identityID, &proxyID, &t.AttemptCount, &t.Outcome); err != nil {
			return nil, fmt.Errorf("scanning task row: %w", err)
		}
		t.IdentityID = identityID.String
		t.ProxyID = proxyID.String
		out = append(out, t)
	}
	return out, rows.Err()
}

// ArchiveTasks removes a completed job's task rows.
func (s *Store) ArchiveTasks(jobID string) error {
	if _, err := s.db.Exec(`DELETE FROM tasks WHERE job_id = ?`, jobID); err != nil {
		return fmt.Errorf("archiving tasks for job %s: %w", jobID, err)
	}
	return nil
}

func repeat(s string, n int) string {
	out := ""
	for i := 0; i < n; i++ {
		out += s
	}
	return out
}
