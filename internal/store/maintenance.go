package store

import (
	"database/sql"
	"fmt"
	"time"
)

// MaintenanceJob is a recurring housekeeping job run by the janitor, e.g.
// checkpoint purging or history compaction. Kind names the built-in routine,
// Schedule holds a recurrence rule as normalized by the schedule package
// from a cron expression or "@every <duration>" shorthand.
type MaintenanceJob struct {
	ID         string     `json:"id"`
	Name       string     `json:"name"`
	Kind       string     `json:"kind"`
	Schedule   string     `json:"schedule"`
	Status     string     `json:"status"`
	NextRunAt  *time.Time `json:"next_run_at,omitempty"`
	LastRunAt  *time.Time `json:"last_run_at,omitempty"`
	LastStatus string     `json:"last_status,omitempty"`
	LastError  string     `json:"last_error,omitempty"`
	CreatedAt  time.Time  `json:"created_at"`
}

func scanJob(s scanner) (*MaintenanceJob, error) {
	j := &MaintenanceJob{}
	var lastStatus, lastError *string
	err := s.Scan(&j.ID, &j.Name, &j.Kind, &j.Schedule, &j.Status,
		&j.NextRunAt, &j.LastRunAt, &lastStatus, &lastError, &j.CreatedAt)
	if err != nil {
		return nil, err
	}
	if lastStatus != nil {
		j.LastStatus = *lastStatus
	}
	if lastError != nil {
		j.LastError = *lastError
	}
	return j, nil
}

func (s *Store) SaveJob(j *MaintenanceJob) error {
	_, err := s.db.Exec(`
		INSERT INTO maintenance_jobs (id, name, kind, schedule, status, next_run_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			kind = excluded.kind,
			schedule = excluded.schedule,
			status = excluded.status,
			next_run_at = excluded.next_run_at`,
		j.ID, j.Name, j.Kind, j.Schedule, j.Status, j.NextRunAt)
	if err != nil {
		return fmt.Errorf("save job: %w", err)
	}
	return nil
}

func (s *Store) GetJob(id string) (*MaintenanceJob, error) {
	row := s.db.QueryRow(`
		SELECT id, name, kind, schedule, status,
		       next_run_at, last_run_at, last_status, last_error, created_at
		FROM maintenance_jobs WHERE id = ?`, id)
	j, err := scanJob(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return j, nil
}

func (s *Store) ListJobs() ([]MaintenanceJob, error) {
	rows, err := s.db.Query(`
		SELECT id, name, kind, schedule, status,
		       next_run_at, last_run_at, last_status, last_error, created_at
		FROM maintenance_jobs ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}
	defer rows.Close()

	var jobs []MaintenanceJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *Store) GetDueJobs(now time.Time) ([]MaintenanceJob, error) {
	rows, err := s.db.Query(`
		SELECT id, name, kind, schedule, status,
		       next_run_at, last_run_at, last_status, last_error, created_at
		FROM maintenance_jobs
		WHERE status = 'active' AND next_run_at <= ?
		ORDER BY next_run_at`, now)
	if err != nil {
		return nil, fmt.Errorf("get due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []MaintenanceJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, *j)
	}
	return jobs, rows.Err()
}

func (s *Store) UpdateJobRun(id string, lastStatus string, lastError string, nextRunAt *time.Time) error {
	_, err := s.db.Exec(`
		UPDATE maintenance_jobs
		SET last_run_at = CURRENT_TIMESTAMP, last_status = ?, last_error = ?, next_run_at = ?
		WHERE id = ?`, lastStatus, lastError, nextRunAt, id)
	return err
}

func (s *Store) UpdateJobStatus(id string, status string) error {
	_, err := s.db.Exec(`UPDATE maintenance_jobs SET status = ? WHERE id = ?`, status, id)
	return err
}

func (s *Store) DeleteJob(id string) error {
	_, err := s.db.Exec(`DELETE FROM maintenance_jobs WHERE id = ?`, id)
	return err
}
