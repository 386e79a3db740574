package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// Pool is a named subset of solvers sharing a workspace folder. Submissions
// may target a pool to restrict which solvers are candidates.
type Pool struct {
	ID        string          `json:"id"`
	Name      string          `json:"name"`
	Folder    string          `json:"folder"`
	IsDefault bool            `json:"is_default"`
	Solvers   json.RawMessage `json:"solvers,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
	UpdatedAt time.Time       `json:"updated_at"`
}

func (s *Store) SavePool(p *Pool) error {
	_, err := s.db.Exec(`
		INSERT INTO pools (id, name, folder, is_default, solvers, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, CURRENT_TIMESTAMP, CURRENT_TIMESTAMP)
		ON CONFLICT(id) DO UPDATE SET
			name = excluded.name,
			folder = excluded.folder,
			is_default = excluded.is_default,
			solvers = excluded.solvers,
			updated_at = CURRENT_TIMESTAMP`,
		p.ID, p.Name, p.Folder, p.IsDefault, nullableJSON(p.Solvers))
	if err != nil {
		return fmt.Errorf("save pool: %w", err)
	}
	return nil
}

func scanPool(scanner interface {
	Scan(dest ...any) error
}) (*Pool, error) {
	p := &Pool{}
	var solvers *string
	err := scanner.Scan(&p.ID, &p.Name, &p.Folder, &p.IsDefault, &solvers, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if solvers != nil {
		p.Solvers = json.RawMessage(*solvers)
	}
	return p, nil
}

func (s *Store) GetPool(id string) (*Pool, error) {
	row := s.db.QueryRow(`SELECT id, name, folder, is_default, solvers, created_at, updated_at FROM pools WHERE id = ?`, id)
	p, err := scanPool(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get pool: %w", err)
	}
	return p, nil
}

func (s *Store) ListPools() ([]Pool, error) {
	rows, err := s.db.Query(`SELECT id, name, folder, is_default, solvers, created_at, updated_at FROM pools ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list pools: %w", err)
	}
	defer rows.Close()

	var pools []Pool
	for rows.Next() {
		p, err := scanPool(rows)
		if err != nil {
			return nil, fmt.Errorf("scan pool: %w", err)
		}
		pools = append(pools, *p)
	}
	return pools, rows.Err()
}

func (s *Store) DeletePool(id string) error {
	_, err := s.db.Exec(`DELETE FROM pools WHERE id = ?`, id)
	return err
}
