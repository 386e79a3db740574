package pools

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/store"
)

// Manager owns the solver pools and their workspace folders. A pool folder
// holds uploaded problems and per-run scratch directories.
type Manager struct {
	store    *store.Store
	basePath string
	cfg      config.PoolsConfig
}

func NewManager(s *store.Store, cfg config.PoolsConfig) *Manager {
	return &Manager{
		store:    s,
		basePath: cfg.BasePath,
		cfg:      cfg,
	}
}

func (m *Manager) Register(p store.Pool) error {
	if err := m.EnsureDirectories(p.Folder); err != nil {
		return fmt.Errorf("ensure directories: %w", err)
	}
	return m.store.SavePool(&p)
}

func (m *Manager) Get(id string) (*store.Pool, error) {
	return m.store.GetPool(id)
}

func (m *Manager) List() ([]store.Pool, error) {
	return m.store.ListPools()
}

// Default returns the default pool, or nil when none is registered.
func (m *Manager) Default() (*store.Pool, error) {
	pools, err := m.store.ListPools()
	if err != nil {
		return nil, err
	}
	for i := range pools {
		if pools[i].IsDefault {
			return &pools[i], nil
		}
	}
	return nil, nil
}

// Resolve maps a pool name from a submission to a registered pool, falling
// back to the default pool for an empty name.
func (m *Manager) Resolve(name string) (*store.Pool, error) {
	if name == "" {
		p, err := m.Default()
		if err != nil {
			return nil, err
		}
		if p == nil {
			return nil, fmt.Errorf("no default pool registered")
		}
		return p, nil
	}

	pools, err := m.store.ListPools()
	if err != nil {
		return nil, err
	}
	for i := range pools {
		if pools[i].Name == name || pools[i].ID == name {
			return &pools[i], nil
		}
	}
	return nil, fmt.Errorf("pool %q not found", name)
}

// Members returns the solver ids assigned to a pool. An empty list means the
// pool accepts any solver.
func Members(p *store.Pool) []string {
	if len(p.Solvers) == 0 {
		return nil
	}
	var ids []string
	if err := json.Unmarshal(p.Solvers, &ids); err != nil {
		return nil
	}
	return ids
}

// Contains reports whether a solver belongs to the pool. Pools without an
// explicit member list contain every solver.
func Contains(p *store.Pool, solverID string) bool {
	members := Members(p)
	if len(members) == 0 {
		return true
	}
	for _, id := range members {
		if id == solverID {
			return true
		}
	}
	return false
}

// EnsureDefaultPool registers the default pool on first start.
func (m *Manager) EnsureDefaultPool() error {
	existing, err := m.Default()
	if err != nil {
		return fmt.Errorf("check default pool: %w", err)
	}
	if existing != nil {
		return nil
	}

	return m.Register(store.Pool{
		ID:        "default",
		Name:      "Default",
		Folder:    "default",
		IsDefault: true,
	})
}

func (m *Manager) EnsureDirectories(poolFolder string) error {
	for _, sub := range []string{"problems", "runs"} {
		dir := filepath.Join(m.basePath, poolFolder, sub)
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create pool dir: %w", err)
		}
	}
	return nil
}

func (m *Manager) PoolPath(poolFolder string) string {
	return filepath.Join(m.basePath, poolFolder)
}

func (m *Manager) ProblemPath(poolFolder string) string {
	return filepath.Join(m.basePath, poolFolder, "problems")
}

// RunPath returns the scratch directory for one swarm execution inside a
// pool workspace.
func (m *Manager) RunPath(poolFolder, swarmID string) string {
	return filepath.Join(m.basePath, poolFolder, "runs", swarmID)
}

// EnsureRunDir creates the scratch directory for a swarm execution.
func (m *Manager) EnsureRunDir(poolFolder, swarmID string) (string, error) {
	dir := m.RunPath(poolFolder, swarmID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("create run dir: %w", err)
	}
	return dir, nil
}
