package registry

import (
	"path/filepath"
	"testing"

	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/store"
)

func newTestRegistry(t *testing.T, solvers map[string]config.SolverDefinition) *Registry {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return New(s, solvers, config.RunnerConfig{Image: "sminos-solver:latest"})
}

func TestSync(t *testing.T) {
	reg := newTestRegistry(t, map[string]config.SolverDefinition{
		"highs":  {Description: "HiGHS", Kind: "exec", Command: "highs", Capabilities: []string{"lp", "mip"}},
		"scylla": {Description: "Scylla", Kind: "container", Image: "scylla-solver:1"},
	})

	if err := reg.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	solvers, err := reg.List()
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(solvers) != 2 {
		t.Fatalf("expected 2 solvers, got %d", len(solvers))
	}

	sv, err := reg.Get("highs")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if sv == nil || sv.Kind != "exec" {
		t.Errorf("expected exec solver, got %+v", sv)
	}

	// Removing a definition drops the row on re-sync
	if err := reg.Reload(map[string]config.SolverDefinition{
		"highs": {Kind: "exec", Command: "highs"},
	}); err != nil {
		t.Fatalf("reload: %v", err)
	}
	solvers, _ = reg.List()
	if len(solvers) != 1 {
		t.Errorf("expected 1 solver after reload, got %d", len(solvers))
	}
}

func TestSyncRejectsInvalidDefinitions(t *testing.T) {
	cases := []struct {
		name string
		def  config.SolverDefinition
	}{
		{"exec without command", config.SolverDefinition{Kind: "exec"}},
		{"unknown kind", config.SolverDefinition{Kind: "remote"}},
		{"malformed tuning", config.SolverDefinition{Kind: "exec", Command: "x", Tuning: `{not json`}},
		{"invalid tuning", config.SolverDefinition{Kind: "exec", Command: "x", Tuning: `{"fallbacks":["missing"]}`}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			reg := newTestRegistry(t, map[string]config.SolverDefinition{"bad": tc.def})
			if err := reg.Sync(); err == nil {
				t.Error("expected sync error")
			}
		})
	}
}

func TestSupports(t *testing.T) {
	reg := newTestRegistry(t, map[string]config.SolverDefinition{
		"highs": {Kind: "exec", Command: "highs", Capabilities: []string{"lp", "mip"}},
		"ipopt": {Kind: "exec", Command: "ipopt"},
	})

	if !reg.Supports("highs", "lp") {
		t.Error("expected highs to support lp")
	}
	if reg.Supports("highs", "nlp") {
		t.Error("expected highs not to support nlp")
	}
	// No declared capabilities matches everything
	if !reg.Supports("ipopt", "nlp") {
		t.Error("expected capability-less solver to match")
	}
	if reg.Supports("missing", "lp") {
		t.Error("expected unknown solver not to match")
	}
}

func TestResolveImage(t *testing.T) {
	reg := newTestRegistry(t, map[string]config.SolverDefinition{
		"custom":  {Kind: "container", Image: "custom-solver:2"},
		"generic": {Kind: "container"},
	})

	if got := reg.ResolveImage("custom"); got != "custom-solver:2" {
		t.Errorf("expected custom image, got %q", got)
	}
	if got := reg.ResolveImage("generic"); got != "sminos-solver:latest" {
		t.Errorf("expected default image, got %q", got)
	}
}

func TestGetTuning(t *testing.T) {
	reg := newTestRegistry(t, map[string]config.SolverDefinition{
		"highs": {Kind: "exec", Command: "highs", Tuning: `{"parameters":{"threads":4}}`},
		"bare":  {Kind: "exec", Command: "bare"},
	})

	tn, err := reg.GetTuning("highs")
	if err != nil {
		t.Fatalf("get tuning: %v", err)
	}
	if tn.Parameters["threads"] != float64(4) {
		t.Errorf("expected threads 4, got %v", tn.Parameters["threads"])
	}

	tn, err = reg.GetTuning("bare")
	if err != nil {
		t.Fatalf("get tuning bare: %v", err)
	}
	if !tn.IsEmpty() {
		t.Error("expected empty tuning for solver without one")
	}
}

func TestMarkAvailability(t *testing.T) {
	reg := newTestRegistry(t, map[string]config.SolverDefinition{
		"highs": {Kind: "exec", Command: "highs"},
	})
	if err := reg.Sync(); err != nil {
		t.Fatalf("sync: %v", err)
	}

	if err := reg.MarkAvailability("highs", false); err != nil {
		t.Fatalf("mark availability: %v", err)
	}
	sv, _ := reg.Get("highs")
	if sv.Available {
		t.Error("expected solver unavailable")
	}

	_ = reg.MarkAvailability("highs", true)
	sv, _ = reg.Get("highs")
	if !sv.Available {
		t.Error("expected solver available again")
	}
}
