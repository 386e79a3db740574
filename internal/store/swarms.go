package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SwarmRun is the archived form of one swarm execution. The mutable state
// lives in the swarm manager; a row is written at submission and finalized
// when the swarm reaches a terminal status.
type SwarmRun struct {
	ID          string          `json:"id"`
	ProblemID   string          `json:"problem_id"`
	Pattern     string          `json:"pattern"`
	Status      string          `json:"status"`
	Workers     json.RawMessage `json:"workers"`
	Results     json.RawMessage `json:"results,omitempty"`
	Best        json.RawMessage `json:"best,omitempty"`
	Ranking     json.RawMessage `json:"ranking,omitempty"`
	Events      json.RawMessage `json:"events,omitempty"`
	StartedAt   time.Time       `json:"started_at"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
}

func scanSwarmRun(scanner interface {
	Scan(dest ...any) error
}) (*SwarmRun, error) {
	r := &SwarmRun{}
	var results, best, ranking, events *string
	err := scanner.Scan(&r.ID, &r.ProblemID, &r.Pattern, &r.Status, &r.Workers,
		&results, &best, &ranking, &events, &r.StartedAt, &r.CompletedAt)
	if err != nil {
		return nil, err
	}
	if results != nil {
		r.Results = json.RawMessage(*results)
	}
	if best != nil {
		r.Best = json.RawMessage(*best)
	}
	if ranking != nil {
		r.Ranking = json.RawMessage(*ranking)
	}
	if events != nil {
		r.Events = json.RawMessage(*events)
	}
	return r, nil
}

const swarmColumns = `id, problem_id, pattern, status, workers, results, best, ranking, events, started_at, completed_at`

func (s *Store) SaveSwarmRun(r *SwarmRun) error {
	_, err := s.db.Exec(`
		INSERT INTO swarm_runs (id, problem_id, pattern, status, workers, results, best, ranking, events)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			workers = excluded.workers,
			results = excluded.results,
			best = excluded.best,
			ranking = excluded.ranking,
			events = excluded.events,
			completed_at = CASE WHEN excluded.status IN ('completed', 'failed', 'cancelled', 'timeout') THEN CURRENT_TIMESTAMP ELSE completed_at END`,
		r.ID, r.ProblemID, r.Pattern, r.Status, r.Workers, r.Results, r.Best, r.Ranking, r.Events)
	if err != nil {
		return fmt.Errorf("save swarm run: %w", err)
	}
	return nil
}

func (s *Store) GetSwarmRun(id string) (*SwarmRun, error) {
	row := s.db.QueryRow(`SELECT `+swarmColumns+` FROM swarm_runs WHERE id = ?`, id)
	r, err := scanSwarmRun(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get swarm run: %w", err)
	}
	return r, nil
}

func (s *Store) ListSwarmRuns(limit int) ([]SwarmRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+swarmColumns+` FROM swarm_runs ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list swarm runs: %w", err)
	}
	defer rows.Close()

	var runs []SwarmRun
	for rows.Next() {
		r, err := scanSwarmRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swarm run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

// ListArchivedSwarmRuns returns recent runs that reached a terminal
// status, newest first.
func (s *Store) ListArchivedSwarmRuns(limit int) ([]SwarmRun, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`SELECT `+swarmColumns+` FROM swarm_runs
		WHERE status IN ('completed', 'failed', 'cancelled', 'timeout')
		ORDER BY started_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list archived swarm runs: %w", err)
	}
	defer rows.Close()

	var runs []SwarmRun
	for rows.Next() {
		r, err := scanSwarmRun(rows)
		if err != nil {
			return nil, fmt.Errorf("scan swarm run: %w", err)
		}
		runs = append(runs, *r)
	}
	return runs, rows.Err()
}

func (s *Store) DeleteSwarmRun(id string) error {
	_, err := s.db.Exec(`DELETE FROM swarm_runs WHERE id = ?`, id)
	return err
}

// PruneSwarmRuns deletes the oldest archived runs beyond cap, together
// with their event rows. Runs still in flight are never pruned. Returns
// the number of runs removed.
func (s *Store) PruneSwarmRuns(cap int) (int, error) {
	if cap <= 0 {
		return 0, nil
	}
	res, err := s.db.Exec(`
		DELETE FROM swarm_runs WHERE id IN (
			SELECT id FROM swarm_runs
			WHERE status IN ('completed', 'failed', 'cancelled', 'timeout')
			ORDER BY started_at DESC, id DESC LIMIT -1 OFFSET ?
		)`, cap)
	if err != nil {
		return 0, fmt.Errorf("prune swarm runs: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		_, err = s.db.Exec(`DELETE FROM swarm_events WHERE swarm_id NOT IN (SELECT id FROM swarm_runs)`)
		if err != nil {
			return int(n), fmt.Errorf("prune swarm events: %w", err)
		}
	}
	return int(n), nil
}
