package registry

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/store"
	"github.com/mtzanidakis/sminos/internal/tuning"
)

// Registry is the solver catalog. Configured definitions are validated and
// synced into the store at startup and on config reload; availability is
// tracked per solver as dispatches succeed or fail.
type Registry struct {
	store *store.Store
	cfg   config.RunnerConfig
	mu    sync.RWMutex
	defs  map[string]config.SolverDefinition
}

func New(s *store.Store, solvers map[string]config.SolverDefinition, cfg config.RunnerConfig) *Registry {
	return &Registry{
		store: s,
		cfg:   cfg,
		defs:  solvers,
	}
}

// Sync validates every configured solver and upserts it into the store,
// removing rows for solvers no longer configured.
func (r *Registry) Sync() error {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ids := make([]string, 0, len(r.defs))
	for name, def := range r.defs {
		if err := validateDefinition(name, def); err != nil {
			return err
		}
		ids = append(ids, name)

		sv := &store.Solver{
			ID:          name,
			Description: def.Description,
			Kind:        def.Kind,
			Command:     def.Command,
			Image:       def.Image,
			Pool:        def.Pool,
			Available:   true,
		}
		if len(def.Args) > 0 {
			sv.Args, _ = json.Marshal(def.Args)
		}
		if len(def.Capabilities) > 0 {
			sv.Capabilities, _ = json.Marshal(def.Capabilities)
		}
		if def.Tuning != "" {
			sv.Tuning = json.RawMessage(def.Tuning)
		}

		if err := r.store.SaveSolver(sv); err != nil {
			return fmt.Errorf("save solver %s: %w", name, err)
		}
	}

	if err := r.store.DeleteSolversNotIn(ids); err != nil {
		return fmt.Errorf("delete stale solvers: %w", err)
	}

	return nil
}

// Reload swaps in a new definition set and re-syncs the store. Used by the
// config reload path.
func (r *Registry) Reload(solvers map[string]config.SolverDefinition) error {
	r.mu.Lock()
	r.defs = solvers
	r.mu.Unlock()
	return r.Sync()
}

func validateDefinition(name string, def config.SolverDefinition) error {
	switch def.Kind {
	case "exec":
		if def.Command == "" {
			return fmt.Errorf("solver %s: exec kind requires command", name)
		}
	case "container":
		// image may fall back to the runner default
	default:
		return fmt.Errorf("solver %s: invalid kind %q (must be exec or container)", name, def.Kind)
	}

	if def.Tuning != "" {
		t, err := tuning.Parse(def.Tuning)
		if err != nil {
			return fmt.Errorf("solver %s: %w", name, err)
		}
		if err := t.Validate(); err != nil {
			return fmt.Errorf("solver %s: %w", name, err)
		}
	}

	return nil
}

func (r *Registry) Get(solverID string) (*store.Solver, error) {
	return r.store.GetSolver(solverID)
}

func (r *Registry) List() ([]store.Solver, error) {
	return r.store.ListSolvers()
}

func (r *Registry) GetDefinition(solverID string) (config.SolverDefinition, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[solverID]
	return def, ok
}

// Names returns the configured solver names in no particular order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.defs))
	for name := range r.defs {
		names = append(names, name)
	}
	return names
}

// Supports reports whether a solver declares the given capability, e.g.
// "lp" or "mip". A solver with no declared capabilities matches everything.
func (r *Registry) Supports(solverID, capability string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[solverID]
	if !ok {
		return false
	}
	if len(def.Capabilities) == 0 {
		return true
	}
	for _, c := range def.Capabilities {
		if c == capability {
			return true
		}
	}
	return false
}

func (r *Registry) ResolveImage(solverID string) string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if def, ok := r.defs[solverID]; ok && def.Image != "" {
		return def.Image
	}
	return r.cfg.Image
}

// GetTuning returns the parsed tuning for a solver, or an empty tuning when
// none is configured.
func (r *Registry) GetTuning(solverID string) (*tuning.SolverTuning, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	def, ok := r.defs[solverID]
	if !ok || def.Tuning == "" {
		return &tuning.SolverTuning{}, nil
	}
	return tuning.Parse(def.Tuning)
}

// MarkAvailability records whether the last contact with a solver succeeded.
// Unavailable solvers are skipped by the selector until marked back.
func (r *Registry) MarkAvailability(solverID string, available bool) error {
	return r.store.SetSolverAvailability(solverID, available)
}

func (r *Registry) SolverDescriptions() map[string]string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	descs := make(map[string]string, len(r.defs))
	for name, def := range r.defs {
		descs[name] = def.Description
	}
	return descs
}
