package orchestrator

import (
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/mtzanidakis/sminos/internal/compare"
	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/pools"
	"github.com/mtzanidakis/sminos/internal/recovery"
	"github.com/mtzanidakis/sminos/internal/registry"
	"github.com/mtzanidakis/sminos/internal/runner"
	"github.com/mtzanidakis/sminos/internal/selector"
	"github.com/mtzanidakis/sminos/internal/solver"
	"github.com/mtzanidakis/sminos/internal/store"
	"github.com/mtzanidakis/sminos/internal/swarm"
)

type testRig struct {
	orch   *Orchestrator
	store  *store.Store
	binDir string
}

func writeScript(t *testing.T, dir, name, body string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte("#!/bin/sh\n"+body), 0o755); err != nil {
		t.Fatalf("write script %s: %v", name, err)
	}
}

func execDef(command string) config.SolverDefinition {
	return config.SolverDefinition{Kind: "exec", Command: command}
}

func newTestRig(t *testing.T, defs map[string]config.SolverDefinition, rcfg config.RecoveryConfig) *testRig {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })

	pm := pools.NewManager(s, config.PoolsConfig{BasePath: t.TempDir()})
	if err := pm.EnsureDefaultPool(); err != nil {
		t.Fatalf("default pool: %v", err)
	}

	binDir := t.TempDir()
	runnerCfg := config.RunnerConfig{BinDir: binDir}
	reg := registry.New(s, defs, runnerCfg)
	if err := reg.Sync(); err != nil {
		t.Fatalf("sync registry: %v", err)
	}
	sel := selector.New(reg, config.SelectorConfig{})
	cmp := compare.New(nil)

	swarmCfg := config.SwarmConfig{
		MaxConcurrency:      8,
		DefaultTimeout:      30 * time.Second,
		HistoryCap:          50,
		CollaborativeRounds: 2,
	}
	orch := New(Deps{
		Store:    s,
		Swarms:   swarm.NewManager(s, nil, cmp, swarmCfg),
		Registry: reg,
		Selector: sel,
		Pools:    pm,
		Recovery: recovery.NewManager(s, nil, reg, sel, nil, rcfg),
		Runtime:  runner.NewRuntime(runnerCfg, nil, nil),
		Compare:  cmp,
	}, swarmCfg)
	return &testRig{orch: orch, store: s, binDir: binDir}
}

func quickRecovery() config.RecoveryConfig {
	return config.RecoveryConfig{
		MaxRetries:       1,
		BaseDelay:        time.Millisecond,
		MaxDelay:         4 * time.Millisecond,
		FailureThreshold: 100,
		RecoveryTimeout:  time.Second,
		SuccessThreshold: 2,
	}
}

func noRetryRecovery() config.RecoveryConfig {
	cfg := quickRecovery()
	cfg.MaxRetries = 0
	return cfg
}

func testProblem() *solver.Spec {
	return &solver.Spec{
		ProblemID: "prob-1",
		Sense:     solver.SenseMinimize,
		Format:    "lp",
		Model:     "min: x; c1: x >= 1;",
	}
}

func waitTerminal(t *testing.T, o *Orchestrator, id string) *swarm.Snapshot {
	t.Helper()
	deadline := time.Now().Add(15 * time.Second)
	for time.Now().Before(deadline) {
		snap, err := o.Status(id)
		if err != nil {
			t.Fatalf("status %s: %v", id, err)
		}
		if snap.Status.Terminal() {
			return snap
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("swarm %s did not reach a terminal state", id)
	return nil
}

func findEvents(snap *swarm.Snapshot, eventType string) []swarm.Event {
	var out []swarm.Event
	for _, ev := range snap.Events {
		if ev.Type == eventType {
			out = append(out, ev)
		}
	}
	return out
}

// Event payloads carry native Go values while the swarm is resident and
// plain JSON numbers once it has been archived, so numeric and list fields
// need a tolerant read.
func eventNum(v any) float64 {
	switch n := v.(type) {
	case int:
		return float64(n)
	case float64:
		return n
	}
	return math.NaN()
}

func eventStrings(v any) []string {
	switch list := v.(type) {
	case []string:
		return list
	case []any:
		out := make([]string, 0, len(list))
		for _, item := range list {
			out = append(out, fmt.Sprint(item))
		}
		return out
	}
	return nil
}

func workerByID(t *testing.T, snap *swarm.Snapshot, id string) swarm.WorkerState {
	t.Helper()
	for _, w := range snap.Workers {
		if w.ID == id {
			return w
		}
	}
	t.Fatalf("worker %s not in snapshot", id)
	return swarm.WorkerState{}
}

const optimalTen = `cat >/dev/null
echo '{"type":"result","result":{"status":"optimal","objective":10,"assignment":{"x":1}}}'
`

const feasibleTwelve = `cat >/dev/null
echo '{"type":"result","result":{"status":"feasible","objective":12,"assignment":{"x":2}}}'
`

func TestSubmitValidation(t *testing.T) {
	rig := newTestRig(t, map[string]config.SolverDefinition{"alpha": execDef("alpha.sh")}, quickRecovery())
	writeScript(t, rig.binDir, "alpha.sh", optimalTen)
	o := rig.orch

	if _, err := o.Submit(SubmitRequest{Pattern: swarm.PatternCompetitive, SolverCount: 1}); err == nil {
		t.Error("expected error for missing problem")
	}
	if _, err := o.Submit(SubmitRequest{
		Problem: &solver.Spec{ProblemID: "p", Model: "m", Format: "xml"},
		Pattern: swarm.PatternCompetitive, SolverCount: 1,
	}); err == nil {
		t.Error("expected error for unknown model format")
	}
	if _, err := o.Submit(SubmitRequest{
		Problem: testProblem(), Pattern: "round_robin", SolverCount: 1,
	}); err == nil {
		t.Error("expected error for unknown pattern")
	}
	for _, count := range []int{0, 11} {
		if _, err := o.Submit(SubmitRequest{
			Problem: testProblem(), Pattern: swarm.PatternCompetitive, SolverCount: count,
		}); err == nil {
			t.Errorf("expected error for solver count %d", count)
		}
	}
	if _, err := o.Submit(SubmitRequest{
		Problem: testProblem(), Pattern: swarm.PatternCompetitive, SolverCount: 1, Pool: "nope",
	}); err == nil {
		t.Error("expected error for unknown pool")
	}
	if _, err := o.Submit(SubmitRequest{
		Problem: testProblem(), Pattern: swarm.PatternCompetitive, Solvers: []string{"ghost"},
	}); err == nil {
		t.Error("expected error for unregistered solver")
	}
}

func TestCompetitiveSwarmPicksBest(t *testing.T) {
	rig := newTestRig(t, map[string]config.SolverDefinition{
		"alpha": execDef("alpha.sh"),
		"beta":  execDef("beta.sh"),
	}, quickRecovery())
	writeScript(t, rig.binDir, "alpha.sh", optimalTen)
	writeScript(t, rig.binDir, "beta.sh", feasibleTwelve)

	snap, err := rig.orch.Submit(SubmitRequest{
		Problem: testProblem(),
		Pattern: swarm.PatternCompetitive,
		Solvers: []string{"alpha", "beta"},
		Timeout: 20 * time.Second,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}
	if len(snap.Workers) != 2 {
		t.Fatalf("workers = %d, want 2", len(snap.Workers))
	}

	final := waitTerminal(t, rig.orch, snap.ID)
	if final.Status != swarm.StatusCompleted {
		t.Fatalf("status = %s, want %s", final.Status, swarm.StatusCompleted)
	}
	if final.Best == nil || final.Best.Solver != "alpha" || *final.Best.Objective != 10 {
		t.Fatalf("best = %+v, want alpha at 10", final.Best)
	}
	if final.Ranking == nil || len(final.Ranking.Scores) != 2 {
		t.Fatalf("ranking = %+v, want 2 scored solvers", final.Ranking)
	}
	if final.Ranking.Best != "alpha" {
		t.Errorf("ranking best = %s, want alpha", final.Ranking.Best)
	}

	run, err := rig.store.GetSwarmRun(snap.ID)
	if err != nil || run == nil {
		t.Fatalf("archived run missing: %v", err)
	}
	if run.Status != string(swarm.StatusCompleted) {
		t.Errorf("archived status = %s, want completed", run.Status)
	}
}

func TestCompetitiveStragglerExcludedFromRanking(t *testing.T) {
	rig := newTestRig(t, map[string]config.SolverDefinition{
		"alpha":   execDef("alpha.sh"),
		"beta":    execDef("beta.sh"),
		"sleeper": execDef("sleeper.sh"),
	}, quickRecovery())
	writeScript(t, rig.binDir, "alpha.sh", optimalTen)
	writeScript(t, rig.binDir, "beta.sh", feasibleTwelve)
	writeScript(t, rig.binDir, "sleeper.sh", "cat >/dev/null\nsleep 30\n")

	// A characteristic nothing supports keeps recovery from substituting a
	// sibling solver into the stuck slot.
	problem := testProblem()
	problem.Characteristics = []string{"nonlinear"}

	snap, err := rig.orch.Submit(SubmitRequest{
		Problem: problem,
		Pattern: swarm.PatternCompetitive,
		Solvers: []string{"alpha", "beta", "sleeper"},
		Timeout: 1800 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitTerminal(t, rig.orch, snap.ID)
	if final.Status != swarm.StatusCompleted {
		t.Fatalf("status = %s, want completed despite straggler", final.Status)
	}
	if final.Best == nil || final.Best.Solver != "alpha" {
		t.Fatalf("best = %+v, want alpha", final.Best)
	}
	if final.Ranking == nil || len(final.Ranking.Scores) != 2 {
		t.Fatalf("ranking has %d entries, want 2 (straggler excluded)", len(final.Ranking.Scores))
	}

	straggler := workerByID(t, final, final.Workers[2].ID)
	if !straggler.Status.Terminal() || straggler.Status == swarm.WorkerCompleted {
		t.Errorf("straggler status = %s, want a non-completed terminal state", straggler.Status)
	}
	joined := strings.Join(straggler.Attempted, ",")
	if !strings.Contains(joined, string(recovery.StrategyRetrySame)) {
		t.Errorf("straggler strategies = %v, want retry attempted first", straggler.Attempted)
	}
}

func TestWorkerFailureDoesNotKillSwarm(t *testing.T) {
	rig := newTestRig(t, map[string]config.SolverDefinition{
		"alpha":    execDef("alpha.sh"),
		"badmodel": execDef("badmodel.sh"),
	}, noRetryRecovery())
	writeScript(t, rig.binDir, "alpha.sh", optimalTen)
	writeScript(t, rig.binDir, "badmodel.sh", `cat >/dev/null
echo '{"type":"result","error":"model parse failed","reason":"bad_model"}'
`)

	snap, err := rig.orch.Submit(SubmitRequest{
		Problem: testProblem(),
		Pattern: swarm.PatternCompetitive,
		Solvers: []string{"alpha", "badmodel"},
		Timeout: 20 * time.Second,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitTerminal(t, rig.orch, snap.ID)
	if final.Status != swarm.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if final.Best == nil || *final.Best.Objective != 10 {
		t.Fatalf("best = %+v, want 10", final.Best)
	}
	if len(final.Ranking.Scores) != 1 {
		t.Fatalf("ranking entries = %d, want only the healthy solver", len(final.Ranking.Scores))
	}

	failed := workerByID(t, final, final.Workers[1].ID)
	if failed.Status != swarm.WorkerFailed {
		t.Fatalf("bad-model worker status = %s, want failed", failed.Status)
	}
	joined := strings.Join(failed.Attempted, ",")
	if !strings.Contains(joined, string(recovery.StrategyGracefulDegrade)) {
		t.Errorf("attempted = %v, want graceful degradation tried", failed.Attempted)
	}
}

func TestAllSolversFailSwarmFails(t *testing.T) {
	rig := newTestRig(t, map[string]config.SolverDefinition{
		"broken1": execDef("broken1.sh"),
		"broken2": execDef("broken2.sh"),
	}, noRetryRecovery())
	crash := "cat >/dev/null\necho boom >&2\nexit 1\n"
	writeScript(t, rig.binDir, "broken1.sh", crash)
	writeScript(t, rig.binDir, "broken2.sh", crash)

	snap, err := rig.orch.Submit(SubmitRequest{
		Problem: testProblem(),
		Pattern: swarm.PatternCompetitive,
		Solvers: []string{"broken1"},
		Timeout: 20 * time.Second,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitTerminal(t, rig.orch, snap.ID)
	if final.Status != swarm.StatusFailed {
		t.Fatalf("status = %s, want failed", final.Status)
	}

	// Recovery first switched to the sibling solver, then ran out of moves.
	w := workerByID(t, final, final.Workers[0].ID)
	if w.Solver != "broken2" {
		t.Errorf("worker solver = %s, want broken2 after substitution", w.Solver)
	}
	if len(findEvents(final, "worker_reassigned")) == 0 {
		t.Error("expected a worker_reassigned event")
	}

	runs, err := rig.orch.History(10)
	if err != nil || len(runs) != 1 {
		t.Fatalf("history = %v (%v), want one run", runs, err)
	}
	if runs[0].Status != string(swarm.StatusFailed) {
		t.Errorf("archived status = %s, want failed", runs[0].Status)
	}
}

func TestUnavailableSolverSubstituted(t *testing.T) {
	rig := newTestRig(t, map[string]config.SolverDefinition{
		"alpha": execDef("alpha.sh"),
		"ghost": execDef("no-such-binary-zzz"),
	}, noRetryRecovery())
	writeScript(t, rig.binDir, "alpha.sh", optimalTen)

	snap, err := rig.orch.Submit(SubmitRequest{
		Problem: testProblem(),
		Pattern: swarm.PatternCompetitive,
		Solvers: []string{"ghost"},
		Timeout: 20 * time.Second,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitTerminal(t, rig.orch, snap.ID)
	if final.Status != swarm.StatusCompleted {
		t.Fatalf("status = %s, want completed via substitute", final.Status)
	}
	if final.Best == nil || final.Best.Solver != "alpha" {
		t.Fatalf("best = %+v, want alpha", final.Best)
	}

	events := findEvents(final, "worker_reassigned")
	if len(events) != 1 {
		t.Fatalf("reassignment events = %d, want 1", len(events))
	}
	if events[0].Data["from"] != "ghost" || events[0].Data["to"] != "alpha" {
		t.Errorf("reassignment data = %v, want ghost to alpha", events[0].Data)
	}

	row, err := rig.orch.registry.Get("ghost")
	if err != nil {
		t.Fatalf("get ghost row: %v", err)
	}
	if row.Available {
		t.Error("ghost still marked available after failed dispatch")
	}
}

func TestCollaborativeRoundsShareInsights(t *testing.T) {
	rig := newTestRig(t, map[string]config.SolverDefinition{
		"collab": execDef("collab.sh"),
	}, quickRecovery())
	writeScript(t, rig.binDir, "collab.sh", `input=$(cat)
case "$input" in
*warm_start*) echo '{"type":"result","result":{"status":"optimal","objective":5,"assignment":{"x":3}}}' ;;
*) echo '{"type":"result","result":{"status":"feasible","objective":8,"assignment":{"x":1},"insights":["fix x to its relaxation value"]}}' ;;
esac
`)

	snap, err := rig.orch.Submit(SubmitRequest{
		Problem: testProblem(),
		Pattern: swarm.PatternCollaborative,
		Solvers: []string{"collab", "collab"},
		Timeout: 20 * time.Second,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitTerminal(t, rig.orch, snap.ID)
	if final.Status != swarm.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if len(final.Workers) != 4 {
		t.Fatalf("workers = %d, want 2 per round", len(final.Workers))
	}
	if final.Best == nil || *final.Best.Objective != 5 {
		t.Fatalf("best = %+v, want round-two result 5", final.Best)
	}

	roundTwo := false
	for _, w := range final.Workers {
		if strings.HasSuffix(w.ID, "-r2") {
			roundTwo = true
		}
	}
	if !roundTwo {
		t.Error("no round-two worker ids in snapshot")
	}

	if n := len(findEvents(final, "round_completed")); n != 2 {
		t.Fatalf("round_completed events = %d, want 2", n)
	}
	summaries := findEvents(final, "collaboration_summary")
	if len(summaries) != 1 {
		t.Fatalf("collaboration_summary events = %d, want 1", len(summaries))
	}
	data := summaries[0].Data
	if got := eventNum(data["rounds"]); got != 2 {
		t.Errorf("summary rounds = %v, want 2", data["rounds"])
	}
	improvement := eventNum(data["improvement"])
	if improvement < 0.3749 || improvement > 0.3751 {
		t.Errorf("improvement = %v, want 0.375", improvement)
	}
	insights := eventStrings(data["shared_insights"])
	if len(insights) != 1 || insights[0] != "fix x to its relaxation value" {
		t.Errorf("shared insights = %v, want the deduplicated single insight", data["shared_insights"])
	}
}

func TestPeerToPeerConsensus(t *testing.T) {
	rig := newTestRig(t, map[string]config.SolverDefinition{
		"gamma": execDef("gamma.sh"),
		"delta": execDef("delta.sh"),
	}, quickRecovery())
	// First vote is weak (timeouts, poor objectives); the warm-started
	// second iteration produces a clear winner above the threshold.
	writeScript(t, rig.binDir, "gamma.sh", `input=$(cat)
case "$input" in
*warm_start*) echo '{"type":"result","result":{"status":"optimal","objective":10,"assignment":{"x":2}}}' ;;
*) echo '{"type":"result","result":{"status":"timeout","objective":20,"assignment":{"x":1},"runtime_ns":120000000000}}' ;;
esac
`)
	writeScript(t, rig.binDir, "delta.sh", `input=$(cat)
case "$input" in
*warm_start*) echo '{"type":"result","result":{"status":"optimal","objective":12,"assignment":{"x":3}}}' ;;
*) echo '{"type":"result","result":{"status":"timeout","objective":30,"runtime_ns":120000000000}}' ;;
esac
`)

	snap, err := rig.orch.Submit(SubmitRequest{
		Problem: testProblem(),
		Pattern: swarm.PatternPeerToPeer,
		Solvers: []string{"gamma", "delta"},
		Timeout: 20 * time.Second,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitTerminal(t, rig.orch, snap.ID)
	if final.Status != swarm.StatusCompleted {
		t.Fatalf("status = %s, want completed", final.Status)
	}
	if len(final.Workers) != 4 {
		t.Fatalf("workers = %d, want 2 per iteration", len(final.Workers))
	}
	if final.Best == nil || *final.Best.Objective != 10 {
		t.Fatalf("best = %+v, want 10", final.Best)
	}

	votes := findEvents(final, "consensus_round")
	if len(votes) != 2 {
		t.Fatalf("consensus_round events = %d, want 2", len(votes))
	}
	if s := eventNum(votes[0].Data["top_score"]); s >= consensusThreshold {
		t.Errorf("first vote top score = %v, want below threshold", s)
	}
	if s := eventNum(votes[1].Data["top_score"]); s < consensusThreshold {
		t.Errorf("second vote top score = %v, want at or above threshold", s)
	}

	summaries := findEvents(final, "consensus_summary")
	if len(summaries) != 1 {
		t.Fatalf("consensus_summary events = %d, want 1", len(summaries))
	}
	data := summaries[0].Data
	if data["converged"] != true {
		t.Errorf("converged = %v, want true", data["converged"])
	}
	if data["solution"] != "gamma" {
		t.Errorf("solution = %v, want gamma", data["solution"])
	}
	if got := eventNum(data["iterations"]); got != 2 {
		t.Errorf("iterations = %v, want 2", data["iterations"])
	}
}

func TestIntermediateResultCheckpointed(t *testing.T) {
	rig := newTestRig(t, map[string]config.SolverDefinition{
		"stepper": execDef("stepper.sh"),
	}, quickRecovery())
	writeScript(t, rig.binDir, "stepper.sh", `cat >/dev/null
echo '{"type":"progress","progress":{"percent":40,"phase":"branching"}}'
echo '{"type":"intermediate","result":{"status":"feasible","objective":15,"assignment":{"x":1}}}'
echo '{"type":"result","result":{"status":"optimal","objective":7,"assignment":{"x":2}}}'
`)

	snap, err := rig.orch.Submit(SubmitRequest{
		Problem: testProblem(),
		Pattern: swarm.PatternCompetitive,
		Solvers: []string{"stepper"},
		Timeout: 20 * time.Second,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitTerminal(t, rig.orch, snap.ID)
	if final.Status != swarm.StatusCompleted || *final.Best.Objective != 7 {
		t.Fatalf("final = %s best %+v, want completed at 7", final.Status, final.Best)
	}

	w := workerByID(t, final, final.Workers[0].ID)
	if len(w.Intermediate) != 1 || *w.Intermediate[0].Objective != 15 {
		t.Fatalf("intermediates = %+v, want one at 15", w.Intermediate)
	}

	cps, err := rig.store.ListCheckpoints(snap.ID)
	if err != nil {
		t.Fatalf("list checkpoints: %v", err)
	}
	if len(cps) != 1 {
		t.Fatalf("checkpoints = %d, want 1", len(cps))
	}
	cp := cps[0]
	if cp.ID != "cp-"+w.ID {
		t.Errorf("checkpoint id = %s, want cp-%s", cp.ID, w.ID)
	}
	if cp.Solver != "stepper" || cp.Progress != 40 {
		t.Errorf("checkpoint = solver %s progress %v, want stepper at 40", cp.Solver, cp.Progress)
	}
	var inter solver.Result
	if err := json.Unmarshal(cp.Intermediate, &inter); err != nil || *inter.Objective != 15 {
		t.Errorf("checkpoint intermediate = %s, want objective 15", cp.Intermediate)
	}
}

func TestPartialResultSalvagesCrashedWorker(t *testing.T) {
	rig := newTestRig(t, map[string]config.SolverDefinition{
		"crasher": execDef("crasher.sh"),
	}, noRetryRecovery())
	writeScript(t, rig.binDir, "crasher.sh", `cat >/dev/null
echo '{"type":"intermediate","result":{"status":"feasible","objective":15,"assignment":{"x":1}}}'
echo crashed after intermediate >&2
exit 1
`)

	snap, err := rig.orch.Submit(SubmitRequest{
		Problem: testProblem(),
		Pattern: swarm.PatternCompetitive,
		Solvers: []string{"crasher"},
		Timeout: 20 * time.Second,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitTerminal(t, rig.orch, snap.ID)
	if final.Status != swarm.StatusCompleted {
		t.Fatalf("status = %s, want completed via salvage", final.Status)
	}
	if final.Best == nil || *final.Best.Objective != 15 {
		t.Fatalf("best = %+v, want salvaged 15", final.Best)
	}
	if final.Best.Diagnostics["recovered"] != "partial_result" {
		t.Errorf("diagnostics = %v, want recovered=partial_result", final.Best.Diagnostics)
	}
	if len(findEvents(final, "partial_result_salvaged")) != 1 {
		t.Error("expected a partial_result_salvaged event")
	}
}

func TestSwarmDeadlineTimesOut(t *testing.T) {
	rig := newTestRig(t, map[string]config.SolverDefinition{
		"sleeper": execDef("sleeper.sh"),
	}, noRetryRecovery())
	writeScript(t, rig.binDir, "sleeper.sh", "cat >/dev/null\nsleep 30\n")

	snap, err := rig.orch.Submit(SubmitRequest{
		Problem: testProblem(),
		Pattern: swarm.PatternCompetitive,
		Solvers: []string{"sleeper"},
		Timeout: 400 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	final := waitTerminal(t, rig.orch, snap.ID)
	if final.Status != swarm.StatusTimeout {
		t.Fatalf("status = %s, want timeout", final.Status)
	}
	w := workerByID(t, final, final.Workers[0].ID)
	if w.Status != swarm.WorkerTimeout {
		t.Errorf("worker status = %s, want timeout", w.Status)
	}
}

func TestTerminateCancelsRunningSwarm(t *testing.T) {
	rig := newTestRig(t, map[string]config.SolverDefinition{
		"sleeper": execDef("sleeper.sh"),
	}, quickRecovery())
	writeScript(t, rig.binDir, "sleeper.sh", "cat >/dev/null\nsleep 30\n")

	snap, err := rig.orch.Submit(SubmitRequest{
		Problem: testProblem(),
		Pattern: swarm.PatternCompetitive,
		Solvers: []string{"sleeper"},
		Timeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	// Let the worker actually start before pulling the plug.
	started := false
	for i := 0; i < 200 && !started; i++ {
		cur, err := rig.orch.Status(snap.ID)
		if err != nil {
			t.Fatalf("status: %v", err)
		}
		started = cur.Status == swarm.StatusRunning
		if !started {
			time.Sleep(10 * time.Millisecond)
		}
	}
	if !started {
		t.Fatal("swarm never reached running")
	}

	stopped, err := rig.orch.Terminate(snap.ID, "operator requested stop")
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if stopped.Status != swarm.StatusCancelled {
		t.Fatalf("status = %s, want cancelled", stopped.Status)
	}
	events := findEvents(stopped, "swarm_terminated")
	if len(events) != 1 || events[0].Data["reason"] != "operator requested stop" {
		t.Errorf("termination events = %+v, want one with the reason", events)
	}
	w := workerByID(t, stopped, stopped.Workers[0].ID)
	if w.Status != swarm.WorkerCancelled {
		t.Errorf("worker status = %s, want cancelled", w.Status)
	}

	after, err := rig.orch.Status(snap.ID)
	if err != nil {
		t.Fatalf("status after terminate: %v", err)
	}
	if after.Status != swarm.StatusCancelled {
		t.Errorf("archived status = %s, want cancelled", after.Status)
	}
}

func TestMonitorStreamsUntilTermination(t *testing.T) {
	rig := newTestRig(t, map[string]config.SolverDefinition{
		"sleeper": execDef("sleeper.sh"),
	}, quickRecovery())
	writeScript(t, rig.binDir, "sleeper.sh", "cat >/dev/null\nsleep 30\n")

	snap, err := rig.orch.Submit(SubmitRequest{
		Problem: testProblem(),
		Pattern: swarm.PatternCompetitive,
		Solvers: []string{"sleeper"},
		Timeout: 30 * time.Second,
	})
	if err != nil {
		t.Fatalf("submit: %v", err)
	}

	_, ch, stop, err := rig.orch.Monitor(snap.ID)
	if err != nil {
		t.Fatalf("monitor: %v", err)
	}
	defer stop()
	if ch == nil {
		t.Fatal("no event stream for an active swarm")
	}

	go func() {
		time.Sleep(200 * time.Millisecond)
		_, _ = rig.orch.Terminate(snap.ID, "test over")
	}()

	var seen []string
	timeout := time.After(10 * time.Second)
	for {
		select {
		case ev, ok := <-ch:
			if !ok {
				joined := strings.Join(seen, ",")
				if !strings.Contains(joined, "swarm_terminated") {
					t.Fatalf("stream closed without termination event, saw %v", seen)
				}
				return
			}
			seen = append(seen, ev.Type)
		case <-timeout:
			t.Fatalf("stream never closed, saw %v", seen)
		}
	}
}

func TestIPCCommands(t *testing.T) {
	rig := newTestRig(t, map[string]config.SolverDefinition{
		"alpha": execDef("alpha.sh"),
	}, quickRecovery())
	writeScript(t, rig.binDir, "alpha.sh", optimalTen)
	o := rig.orch

	resp := o.dispatchIPC(IPCCommand{Type: "frobnicate"})
	if resp["error"] != "unknown command: frobnicate" {
		t.Errorf("unknown command response = %v", resp)
	}

	payload, _ := json.Marshal(submitPayload{
		Problem: testProblem(),
		Pattern: "competitive",
		Solvers: []string{"alpha"},
	})
	resp = o.dispatchIPC(IPCCommand{Type: "submit_swarm", Payload: payload})
	if resp["ok"] != true {
		t.Fatalf("submit response = %v", resp)
	}
	id := resp["swarm_id"].(string)
	waitTerminal(t, o, id)

	statusPayload, _ := json.Marshal(map[string]string{"id": id})
	resp = o.dispatchIPC(IPCCommand{Type: "swarm_status", Payload: statusPayload})
	if resp["ok"] != true {
		t.Fatalf("status response = %v", resp)
	}
	if snap := resp["swarm"].(*swarm.Snapshot); snap.Status != swarm.StatusCompleted {
		t.Errorf("status snapshot = %s, want completed", snap.Status)
	}

	resp = o.dispatchIPC(IPCCommand{Type: "swarm_history", Payload: nil})
	if resp["ok"] != true {
		t.Fatalf("history response = %v", resp)
	}
	rows := resp["swarms"].([]map[string]any)
	if len(rows) != 1 || rows[0]["id"] != id || rows[0]["best_solver"] != "alpha" {
		t.Errorf("history rows = %v", rows)
	}

	resp = o.dispatchIPC(IPCCommand{Type: "list_solvers"})
	solvers := resp["solvers"].([]map[string]any)
	if len(solvers) != 1 || solvers[0]["id"] != "alpha" || solvers[0]["available"] != true {
		t.Errorf("solver rows = %v", solvers)
	}

	resp = o.dispatchIPC(IPCCommand{Type: "breaker_status"})
	breakers := resp["breakers"].([]recovery.BreakerSnapshot)
	if len(breakers) != 4 {
		t.Fatalf("breakers = %d, want 4", len(breakers))
	}
	for _, b := range breakers {
		if b.State != recovery.BreakerClosed {
			t.Errorf("breaker %s state = %s, want closed", b.Name, b.State)
		}
	}

	comparePayload, _ := json.Marshal(map[string]any{
		"results": []solver.Result{
			{Solver: "a", Status: solver.StatusOptimal, Objective: f64(1), Runtime: time.Second, CompletedAt: time.Now()},
			{Solver: "b", Status: solver.StatusFeasible, Objective: f64(2), Runtime: time.Second, CompletedAt: time.Now()},
		},
	})
	resp = o.dispatchIPC(IPCCommand{Type: "compare_results", Payload: comparePayload})
	if resp["ok"] != true {
		t.Fatalf("compare response = %v", resp)
	}
	if cmp := resp["comparison"].(*compare.Comparison); cmp.Best != "a" {
		t.Errorf("comparison best = %s, want a", cmp.Best)
	}

	resp = o.dispatchIPC(IPCCommand{Type: "terminate_swarm", Payload: json.RawMessage(`{}`)})
	if resp["error"] != "id is required" {
		t.Errorf("terminate without id = %v", resp)
	}
}

func f64(v float64) *float64 { return &v }
