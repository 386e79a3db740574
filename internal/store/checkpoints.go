package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Checkpoint is a durable snapshot of one in-flight solve, used to resume
// after a failure instead of starting over.
type Checkpoint struct {
	ID            string          `json:"checkpoint_id"`
	Operation     string          `json:"operation"`
	SwarmID       string          `json:"swarm_id"`
	Solver        string          `json:"solver_name"`
	ProblemData   json.RawMessage `json:"problem_data,omitempty"`
	SolverState   []byte          `json:"solver_state,omitempty"`
	Intermediate  json.RawMessage `json:"intermediate_results,omitempty"`
	Progress      float64         `json:"progress"`
	Configuration json.RawMessage `json:"configuration,omitempty"`
	CreatedAt     time.Time       `json:"timestamp"`
}

func scanCheckpoint(scanner interface {
	Scan(dest ...any) error
}) (*Checkpoint, error) {
	c := &Checkpoint{}
	var problemData, intermediate, configuration *string
	err := scanner.Scan(&c.ID, &c.Operation, &c.SwarmID, &c.Solver,
		&problemData, &c.SolverState, &intermediate, &c.Progress, &configuration, &c.CreatedAt)
	if err != nil {
		return nil, err
	}
	if problemData != nil {
		c.ProblemData = json.RawMessage(*problemData)
	}
	if intermediate != nil {
		c.Intermediate = json.RawMessage(*intermediate)
	}
	if configuration != nil {
		c.Configuration = json.RawMessage(*configuration)
	}
	return c, nil
}

const checkpointColumns = `id, operation, swarm_id, solver, problem_data, solver_state, intermediate, progress, configuration, created_at`

// SaveCheckpoint upserts a checkpoint. created_at is always written from
// Go so age cutoff queries compare like with like.
func (s *Store) SaveCheckpoint(c *Checkpoint) error {
	if c.CreatedAt.IsZero() {
		c.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.Exec(`
		INSERT INTO checkpoints (id, operation, swarm_id, solver, problem_data, solver_state, intermediate, progress, configuration, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			operation = excluded.operation,
			problem_data = excluded.problem_data,
			solver_state = excluded.solver_state,
			intermediate = excluded.intermediate,
			progress = excluded.progress,
			configuration = excluded.configuration,
			created_at = excluded.created_at`,
		c.ID, c.Operation, c.SwarmID, c.Solver,
		nullableJSON(c.ProblemData), c.SolverState, nullableJSON(c.Intermediate), c.Progress, nullableJSON(c.Configuration), c.CreatedAt)
	if err != nil {
		return fmt.Errorf("save checkpoint: %w", err)
	}
	return nil
}

func (s *Store) GetCheckpoint(id string) (*Checkpoint, error) {
	row := s.db.QueryRow(`SELECT `+checkpointColumns+` FROM checkpoints WHERE id = ?`, id)
	c, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get checkpoint: %w", err)
	}
	return c, nil
}

// LatestCheckpoint returns the most recent checkpoint for a swarm,
// optionally narrowed to one solver. Nil when none exists.
func (s *Store) LatestCheckpoint(swarmID, solverName string) (*Checkpoint, error) {
	var row *sql.Row
	if solverName != "" {
		row = s.db.QueryRow(`SELECT `+checkpointColumns+` FROM checkpoints
			WHERE swarm_id = ? AND solver = ? ORDER BY created_at DESC, id DESC LIMIT 1`, swarmID, solverName)
	} else {
		row = s.db.QueryRow(`SELECT `+checkpointColumns+` FROM checkpoints
			WHERE swarm_id = ? ORDER BY created_at DESC, id DESC LIMIT 1`, swarmID)
	}
	c, err := scanCheckpoint(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("latest checkpoint: %w", err)
	}
	return c, nil
}

func (s *Store) ListCheckpoints(swarmID string) ([]Checkpoint, error) {
	rows, err := s.db.Query(`SELECT `+checkpointColumns+` FROM checkpoints
		WHERE swarm_id = ? ORDER BY created_at DESC, id DESC`, swarmID)
	if err != nil {
		return nil, fmt.Errorf("list checkpoints: %w", err)
	}
	defer rows.Close()

	var cps []Checkpoint
	for rows.Next() {
		c, err := scanCheckpoint(rows)
		if err != nil {
			return nil, fmt.Errorf("scan checkpoint: %w", err)
		}
		cps = append(cps, *c)
	}
	return cps, rows.Err()
}

func (s *Store) DeleteCheckpoint(id string) error {
	_, err := s.db.Exec(`DELETE FROM checkpoints WHERE id = ?`, id)
	return err
}

// PurgeCheckpointsBefore removes checkpoints created before cutoff and
// returns how many were deleted.
func (s *Store) PurgeCheckpointsBefore(cutoff time.Time) (int, error) {
	res, err := s.db.Exec(`DELETE FROM checkpoints WHERE created_at < ?`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("purge checkpoints: %w", err)
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func nullableJSON(raw json.RawMessage) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
