package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

type Solver struct {
	ID           string          `json:"id"`
	Description  string          `json:"description,omitempty"`
	Kind         string          `json:"kind"`
	Command      string          `json:"command,omitempty"`
	Args         json.RawMessage `json:"args,omitempty"`
	Image        string          `json:"image,omitempty"`
	Capabilities json.RawMessage `json:"capabilities,omitempty"`
	Pool         string          `json:"pool,omitempty"`
	Tuning       json.RawMessage `json:"tuning,omitempty"`
	Available    bool            `json:"available"`
	LastSeen     *time.Time      `json:"last_seen,omitempty"`
	CreatedAt    time.Time       `json:"created_at"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

func (s *Store) SaveSolver(sv *Solver) error {
	_, err := s.db.Exec(`
		INSERT INTO solvers (id, description, kind, command, args, image, capabilities, pool, tuning, available, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			description = excluded.description,
			kind = excluded.kind,
			command = excluded.command,
			args = excluded.args,
			image = excluded.image,
			capabilities = excluded.capabilities,
			pool = excluded.pool,
			tuning = excluded.tuning,
			updated_at = CURRENT_TIMESTAMP`,
		sv.ID, sv.Description, sv.Kind, sv.Command, nullableJSON(sv.Args), sv.Image,
		nullableJSON(sv.Capabilities), sv.Pool, nullableJSON(sv.Tuning), boolToInt(sv.Available))
	if err != nil {
		return fmt.Errorf("save solver: %w", err)
	}
	return nil
}

func scanSolver(scanner interface {
	Scan(dest ...any) error
}) (*Solver, error) {
	sv := &Solver{}
	var description, command, image, pool sql.NullString
	var args, capabilities, tuning *string
	var available int
	err := scanner.Scan(&sv.ID, &description, &sv.Kind, &command, &args, &image,
		&capabilities, &pool, &tuning, &available, &sv.LastSeen, &sv.CreatedAt, &sv.UpdatedAt)
	if err != nil {
		return nil, err
	}
	sv.Description = description.String
	sv.Command = command.String
	sv.Image = image.String
	sv.Pool = pool.String
	if args != nil {
		sv.Args = json.RawMessage(*args)
	}
	if capabilities != nil {
		sv.Capabilities = json.RawMessage(*capabilities)
	}
	if tuning != nil {
		sv.Tuning = json.RawMessage(*tuning)
	}
	sv.Available = available == 1
	return sv, nil
}

const solverColumns = `id, description, kind, command, args, image, capabilities, pool, tuning, available, last_seen, created_at, updated_at`

func (s *Store) GetSolver(id string) (*Solver, error) {
	row := s.db.QueryRow(`SELECT `+solverColumns+` FROM solvers WHERE id = ?`, id)
	sv, err := scanSolver(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get solver: %w", err)
	}
	return sv, nil
}

func (s *Store) ListSolvers() ([]Solver, error) {
	rows, err := s.db.Query(`SELECT ` + solverColumns + ` FROM solvers ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list solvers: %w", err)
	}
	defer rows.Close()

	var solvers []Solver
	for rows.Next() {
		sv, err := scanSolver(rows)
		if err != nil {
			return nil, fmt.Errorf("scan solver: %w", err)
		}
		solvers = append(solvers, *sv)
	}
	return solvers, rows.Err()
}

func (s *Store) SetSolverAvailability(id string, available bool) error {
	_, err := s.db.Exec(`UPDATE solvers SET available = ?, last_seen = CURRENT_TIMESTAMP WHERE id = ?`,
		boolToInt(available), id)
	return err
}

func (s *Store) DeleteSolver(id string) error {
	_, err := s.db.Exec(`DELETE FROM solvers WHERE id = ?`, id)
	return err
}

func (s *Store) DeleteSolversNotIn(ids []string) error {
	if len(ids) == 0 {
		_, err := s.db.Exec(`DELETE FROM solvers`)
		return err
	}
	query := `DELETE FROM solvers WHERE id NOT IN (`
	args := make([]any, len(ids))
	for i, id := range ids {
		if i > 0 {
			query += ","
		}
		query += "?"
		args[i] = id
	}
	query += ")"
	_, err := s.db.Exec(query, args...)
	return err
}
