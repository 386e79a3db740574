package config

import (
	"testing"
	"time"
)

func TestDiff_NoChanges(t *testing.T) {
	cfg := &Config{
		Solvers: map[string]SolverDefinition{
			"highs": {Description: "LP/MIP solver", Kind: "exec", Command: "highs"},
		},
		Selector: SelectorConfig{DefaultOrder: []string{"highs"}},
	}
	d := Diff(cfg, cfg)
	if d.HasChanges() {
		t.Error("expected no changes")
	}
}

func TestDiff_SolverAdded(t *testing.T) {
	old := &Config{
		Solvers: map[string]SolverDefinition{
			"highs": {Kind: "exec"},
		},
	}
	new := &Config{
		Solvers: map[string]SolverDefinition{
			"highs": {Kind: "exec"},
			"cbc":   {Kind: "exec"},
		},
	}
	d := Diff(old, new)
	if len(d.SolversAdded) != 1 || d.SolversAdded[0] != "cbc" {
		t.Errorf("expected cbc added, got %v", d.SolversAdded)
	}
	if len(d.SolversRemoved) != 0 {
		t.Errorf("expected no removals, got %v", d.SolversRemoved)
	}
	if len(d.SolversChanged) != 0 {
		t.Errorf("expected no changes, got %v", d.SolversChanged)
	}
}

func TestDiff_SolverRemoved(t *testing.T) {
	old := &Config{
		Solvers: map[string]SolverDefinition{
			"highs": {Kind: "exec"},
			"cbc":   {Kind: "exec"},
		},
	}
	new := &Config{
		Solvers: map[string]SolverDefinition{
			"highs": {Kind: "exec"},
		},
	}
	d := Diff(old, new)
	if len(d.SolversRemoved) != 1 || d.SolversRemoved[0] != "cbc" {
		t.Errorf("expected cbc removed, got %v", d.SolversRemoved)
	}
}

func TestDiff_SolverImageChanged(t *testing.T) {
	old := &Config{
		Solvers: map[string]SolverDefinition{
			"scylla": {Kind: "container", Image: "scylla-solver:v1"},
		},
	}
	new := &Config{
		Solvers: map[string]SolverDefinition{
			"scylla": {Kind: "container", Image: "scylla-solver:v2"},
		},
	}
	d := Diff(old, new)
	if len(d.SolversChanged) != 1 || d.SolversChanged[0] != "scylla" {
		t.Errorf("expected scylla changed, got %v", d.SolversChanged)
	}
}

func TestDiff_SelectorChanged(t *testing.T) {
	old := &Config{Selector: SelectorConfig{DefaultOrder: []string{"highs", "cbc"}}}
	new := &Config{Selector: SelectorConfig{DefaultOrder: []string{"cbc", "highs"}}}
	d := Diff(old, new)
	if !d.SelectorChanged {
		t.Error("expected selector changed")
	}
	if len(d.NewDefaultOrder) != 2 || d.NewDefaultOrder[0] != "cbc" {
		t.Errorf("expected new order starting with cbc, got %v", d.NewDefaultOrder)
	}
}

func TestDiff_SwarmChanged(t *testing.T) {
	old := &Config{Swarm: SwarmConfig{MaxConcurrency: 10, HistoryCap: 1000}}
	new := &Config{Swarm: SwarmConfig{MaxConcurrency: 5, HistoryCap: 1000}}
	d := Diff(old, new)
	if !d.SwarmChanged {
		t.Error("expected swarm changed")
	}
	if d.NewSwarm.MaxConcurrency != 5 {
		t.Errorf("expected max_concurrency 5, got %d", d.NewSwarm.MaxConcurrency)
	}
}

func TestDiff_RecoveryChanged(t *testing.T) {
	old := &Config{Recovery: RecoveryConfig{MaxRetries: 3}}
	new := &Config{Recovery: RecoveryConfig{MaxRetries: 5}}
	d := Diff(old, new)
	if !d.RecoveryChanged {
		t.Error("expected recovery changed")
	}
	if d.NewRecovery.MaxRetries != 5 {
		t.Errorf("expected max_retries 5, got %d", d.NewRecovery.MaxRetries)
	}
}

func TestDiff_JanitorChanged(t *testing.T) {
	old := &Config{Janitor: JanitorConfig{PollInterval: 30 * time.Second}}
	new := &Config{Janitor: JanitorConfig{PollInterval: 60 * time.Second}}
	d := Diff(old, new)
	if !d.JanitorChanged {
		t.Error("expected janitor changed")
	}
}

func TestDiff_NonReloadable(t *testing.T) {
	old := &Config{
		Telegram: TelegramConfig{Token: "old-token"},
		Web:      WebConfig{Port: 8080},
	}
	new := &Config{
		Telegram: TelegramConfig{Token: "new-token"},
		Web:      WebConfig{Port: 9090},
	}
	d := Diff(old, new)
	if len(d.NonReloadable) != 2 {
		t.Errorf("expected 2 non-reloadable warnings, got %v", d.NonReloadable)
	}
}
