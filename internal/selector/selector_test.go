package selector

import (
	"encoding/json"
	"path/filepath"
	"testing"

	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/registry"
	"github.com/mtzanidakis/sminos/internal/store"
)

func newTestSelector(t *testing.T, order []string) (*Selector, *registry.Registry) {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	solvers := map[string]config.SolverDefinition{
		"highs":  {Kind: "exec", Command: "highs", Capabilities: []string{"lp", "mip"}},
		"glop":   {Kind: "exec", Command: "glop", Capabilities: []string{"lp"}},
		"scylla": {Kind: "container", Capabilities: []string{"lp", "mip", "qp"}},
	}
	reg := registry.New(s, solvers, config.RunnerConfig{})
	if err := reg.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}
	return New(reg, config.SelectorConfig{DefaultOrder: order}), reg
}

func TestSelectExplicit(t *testing.T) {
	sel, _ := newTestSelector(t, nil)

	lineup, err := sel.Select(nil, nil, []string{"scylla", "highs"}, 2)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if len(lineup) != 2 || lineup[0] != "scylla" || lineup[1] != "highs" {
		t.Errorf("expected requested order preserved, got %v", lineup)
	}

	if _, err := sel.Select(nil, nil, []string{"missing"}, 1); err == nil {
		t.Error("expected error for unknown solver")
	}
}

func TestSelectByCapability(t *testing.T) {
	sel, _ := newTestSelector(t, nil)

	lineup, err := sel.Select(nil, []string{"mip"}, nil, 2)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	// glop does not support mip
	for _, name := range lineup {
		if name == "glop" {
			t.Errorf("expected glop excluded, got %v", lineup)
		}
	}
	if len(lineup) != 2 {
		t.Errorf("expected 2 workers, got %v", lineup)
	}

	if _, err := sel.Select(nil, []string{"sat"}, nil, 1); err == nil {
		t.Error("expected error when no solver qualifies")
	}
}

func TestSelectPreferenceOrder(t *testing.T) {
	sel, _ := newTestSelector(t, []string{"scylla", "highs"})

	lineup, err := sel.Select(nil, []string{"lp"}, nil, 3)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if lineup[0] != "scylla" || lineup[1] != "highs" {
		t.Errorf("expected configured order first, got %v", lineup)
	}
	// Unlisted solvers follow alphabetically
	if lineup[2] != "glop" {
		t.Errorf("expected glop last, got %v", lineup)
	}
}

func TestSelectCyclesWhenShortOnSolvers(t *testing.T) {
	sel, _ := newTestSelector(t, nil)

	lineup, err := sel.Select(nil, []string{"qp"}, nil, 3)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	// Only scylla supports qp; workers race it under different profiles
	if len(lineup) != 3 {
		t.Fatalf("expected 3 workers, got %v", lineup)
	}
	for _, name := range lineup {
		if name != "scylla" {
			t.Errorf("expected scylla repeated, got %v", lineup)
		}
	}
}

func TestSelectSkipsUnavailable(t *testing.T) {
	sel, reg := newTestSelector(t, []string{"highs"})

	_ = reg.MarkAvailability("highs", false)

	lineup, err := sel.Select(nil, []string{"lp"}, nil, 2)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	for _, name := range lineup {
		if name == "highs" {
			t.Errorf("expected unavailable solver skipped, got %v", lineup)
		}
	}
}

func TestSelectRespectsPool(t *testing.T) {
	sel, _ := newTestSelector(t, nil)

	members, _ := json.Marshal([]string{"glop"})
	pool := &store.Pool{ID: "restricted", Solvers: members}

	lineup, err := sel.Select(pool, []string{"lp"}, nil, 1)
	if err != nil {
		t.Fatalf("select: %v", err)
	}
	if lineup[0] != "glop" {
		t.Errorf("expected pool member only, got %v", lineup)
	}
}

func TestAlternative(t *testing.T) {
	sel, reg := newTestSelector(t, []string{"highs", "scylla"})

	name, ok := sel.Alternative([]string{"mip"}, []string{"highs"})
	if !ok || name != "scylla" {
		t.Errorf("expected scylla, got (%q, %v)", name, ok)
	}

	// Nothing left once both mip solvers are excluded
	if _, ok := sel.Alternative([]string{"mip"}, []string{"highs", "scylla"}); ok {
		t.Error("expected no alternative")
	}

	// Unavailable solvers are not offered
	_ = reg.MarkAvailability("scylla", false)
	if _, ok := sel.Alternative([]string{"mip"}, []string{"highs"}); ok {
		t.Error("expected no alternative when solver down")
	}
}
