package swarm

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/solver"
	"github.com/mtzanidakis/sminos/internal/store"
)

func newTestManager(t *testing.T) *Manager {
	t.Helper()
	s, err := store.New(config.StoreConfig{Path: filepath.Join(t.TempDir(), "test.db")})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return NewManager(s, nil, nil, config.SwarmConfig{
		MaxConcurrency:      10,
		DefaultTimeout:      30 * time.Minute,
		HistoryCap:          1000,
		CollaborativeRounds: 2,
	})
}

func f64(v float64) *float64 { return &v }

func result(name string, status solver.Status, objective float64) *solver.Result {
	return &solver.Result{
		Solver:      name,
		Status:      status,
		Objective:   f64(objective),
		Assignment:  map[string]float64{"x": 1},
		Runtime:     time.Second,
		CompletedAt: time.Now().UTC(),
	}
}

func threeWorkerSwarm(t *testing.T, m *Manager) string {
	t.Helper()
	snap, err := m.Create(CreateRequest{
		ProblemID: "prob-1",
		Pattern:   PatternCompetitive,
		Workers: []WorkerSeed{
			{ID: "w1", Solver: "solver-a"},
			{ID: "w2", Solver: "solver-b"},
			{ID: "w3", Solver: "solver-c"},
		},
	})
	if err != nil {
		t.Fatalf("create swarm: %v", err)
	}
	return snap.ID
}

func TestCreateValidation(t *testing.T) {
	m := newTestManager(t)

	if _, err := m.Create(CreateRequest{ProblemID: "p", Pattern: PatternCompetitive}); err == nil {
		t.Error("expected error for empty worker list")
	}
	if _, err := m.Create(CreateRequest{
		ProblemID: "p", Pattern: "round_robin",
		Workers: []WorkerSeed{{ID: "w1", Solver: "a"}},
	}); err == nil {
		t.Error("expected error for unknown pattern")
	}
	if _, err := m.Create(CreateRequest{
		ProblemID: "p", Pattern: PatternCompetitive,
		Workers: []WorkerSeed{{ID: "w1", Solver: "a"}, {ID: "w1", Solver: "b"}},
	}); err == nil {
		t.Error("expected error for duplicate worker ids")
	}

	snap, err := m.Create(CreateRequest{
		ID: "swarm-1", ProblemID: "p", Pattern: PatternCollaborative,
		Workers: []WorkerSeed{{ID: "w1", Solver: "a"}},
	})
	if err != nil {
		t.Fatalf("create swarm: %v", err)
	}
	if snap.Status != StatusInitializing {
		t.Errorf("status = %s, want initializing", snap.Status)
	}
	if len(snap.Workers) != 1 || snap.Workers[0].Status != WorkerPending {
		t.Errorf("workers = %+v", snap.Workers)
	}

	if _, err := m.Create(CreateRequest{
		ID: "swarm-1", ProblemID: "p", Pattern: PatternCompetitive,
		Workers: []WorkerSeed{{ID: "w1", Solver: "a"}},
	}); err == nil {
		t.Error("expected error for duplicate swarm id")
	}
}

func TestProgressClampAndMonotonic(t *testing.T) {
	m := newTestManager(t)
	id := threeWorkerSwarm(t, m)

	if err := m.UpdateProgress(id, "w1", 140, "branch-and-bound", f64(15)); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	snap, _ := m.Status(id)
	if snap.Workers[0].Percent != 100 {
		t.Errorf("percent = %v, want clamped to 100", snap.Workers[0].Percent)
	}
	if snap.Status != StatusRunning {
		t.Errorf("swarm status = %s, want running", snap.Status)
	}

	// Regressions are dropped, updates below zero clamp to zero.
	if err := m.UpdateProgress(id, "w1", 30, "", nil); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	if err := m.UpdateProgress(id, "w2", -5, "presolve", nil); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	snap, _ = m.Status(id)
	if snap.Workers[0].Percent != 100 {
		t.Errorf("percent moved backwards to %v", snap.Workers[0].Percent)
	}
	if snap.Workers[1].Percent != 0 {
		t.Errorf("percent = %v, want clamped to 0", snap.Workers[1].Percent)
	}

	// Overall progress is the arithmetic mean of worker percents.
	if err := m.UpdateProgress(id, "w2", 50, "", nil); err != nil {
		t.Fatalf("update progress: %v", err)
	}
	snap, _ = m.Status(id)
	want := (100.0 + 50.0 + 0.0) / 3.0
	if snap.OverallPercent != want {
		t.Errorf("overall = %v, want %v", snap.OverallPercent, want)
	}
}

func TestProgressUnknownIDs(t *testing.T) {
	m := newTestManager(t)
	id := threeWorkerSwarm(t, m)

	if err := m.UpdateProgress("nope", "w1", 10, "", nil); err == nil {
		t.Error("expected error for unknown swarm")
	}
	if err := m.UpdateProgress(id, "ghost", 10, "", nil); err == nil {
		t.Error("expected error for unknown worker")
	}
}

func TestBestResultTracking(t *testing.T) {
	m := newTestManager(t)
	id := threeWorkerSwarm(t, m)

	if err := m.AddResult(id, "w2", result("solver-b", solver.StatusFeasible, 12), false); err != nil {
		t.Fatalf("add result: %v", err)
	}
	snap, _ := m.Status(id)
	if snap.Best == nil || *snap.Best.Objective != 12 {
		t.Fatalf("best = %+v, want objective 12", snap.Best)
	}

	// Strictly better takes over.
	if err := m.AddResult(id, "w1", result("solver-a", solver.StatusOptimal, 10), false); err != nil {
		t.Fatalf("add result: %v", err)
	}
	snap, _ = m.Status(id)
	if snap.Best.Solver != "solver-a" {
		t.Errorf("best = %s, want solver-a", snap.Best.Solver)
	}

	// A tie does not displace the earlier completion.
	if err := m.AddResult(id, "w3", result("solver-c", solver.StatusOptimal, 10), false); err != nil {
		t.Fatalf("add result: %v", err)
	}
	final, _ := m.Status(id)
	if final.Best.Solver != "solver-a" {
		t.Errorf("best = %s, tie must keep the earlier result", final.Best.Solver)
	}
}

func TestMaximizeSense(t *testing.T) {
	m := newTestManager(t)
	snap, err := m.Create(CreateRequest{
		ProblemID: "p", Pattern: PatternCompetitive, Sense: solver.SenseMaximize,
		Workers: []WorkerSeed{{ID: "w1", Solver: "a"}, {ID: "w2", Solver: "b"}},
	})
	if err != nil {
		t.Fatalf("create swarm: %v", err)
	}
	id := snap.ID

	_ = m.AddResult(id, "w1", result("a", solver.StatusFeasible, 5), false)
	_ = m.AddResult(id, "w2", result("b", solver.StatusFeasible, 9), false)

	final, _ := m.Status(id)
	if final.Best.Solver != "b" {
		t.Errorf("best = %s, want the higher objective under maximize", final.Best.Solver)
	}
}

func TestAutoCompletionWithRanking(t *testing.T) {
	m := newTestManager(t)
	id := threeWorkerSwarm(t, m)

	_ = m.AddResult(id, "w1", result("solver-a", solver.StatusOptimal, 10), false)
	_ = m.AddResult(id, "w2", result("solver-b", solver.StatusFeasible, 12), false)
	if err := m.FailWorker(id, "w3", "recovery exhausted", []string{"retry_same_solver"}); err != nil {
		t.Fatalf("fail worker: %v", err)
	}

	snap, err := m.Status(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if snap.Status != StatusCompleted {
		t.Fatalf("status = %s, want completed after all workers terminal", snap.Status)
	}
	if snap.CompletedAt == nil {
		t.Error("expected completion timestamp")
	}
	if snap.Ranking == nil || snap.Ranking.Best != "solver-a" {
		t.Fatalf("ranking = %+v, want solver-a on top", snap.Ranking)
	}
	if len(snap.Ranking.Scores) != 2 {
		t.Errorf("ranked %d results, want 2", len(snap.Ranking.Scores))
	}
	if snap.Ranking.Rationale == "" {
		t.Error("expected a rationale in the comparison summary")
	}

	// Frozen: further mutation is rejected.
	if err := m.UpdateProgress(id, "w1", 50, "", nil); err == nil {
		t.Error("expected error updating a finished swarm")
	}

	// The run is archived in history.
	runs, err := m.History(10)
	if err != nil {
		t.Fatalf("history: %v", err)
	}
	if len(runs) != 1 || runs[0].ID != id {
		t.Fatalf("history = %+v, want the archived run", runs)
	}
}

func TestAllWorkersFailedFailsSwarm(t *testing.T) {
	m := newTestManager(t)
	snap, _ := m.Create(CreateRequest{
		ProblemID: "p", Pattern: PatternCompetitive,
		Workers: []WorkerSeed{{ID: "w1", Solver: "a"}, {ID: "w2", Solver: "b"}},
	})
	id := snap.ID

	_ = m.FailWorker(id, "w1", "boom", nil)
	_ = m.FailWorker(id, "w2", "boom", nil)

	final, err := m.Status(id)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if final.Status != StatusFailed {
		t.Errorf("status = %s, want failed when every worker failed", final.Status)
	}
	if final.Ranking != nil {
		t.Error("no ranking without results")
	}
}

func TestIntermediateResultsAndBestPartial(t *testing.T) {
	m := newTestManager(t)
	id := threeWorkerSwarm(t, m)

	if _, ok := m.BestPartial(id); ok {
		t.Error("no partial expected on a fresh swarm")
	}

	_ = m.AddResult(id, "w1", result("solver-a", solver.StatusFeasible, 20), true)
	_ = m.AddResult(id, "w1", result("solver-a", solver.StatusFeasible, 17), true)
	_ = m.AddResult(id, "w2", result("solver-b", solver.StatusFeasible, 19), true)

	best, ok := m.BestPartial(id)
	if !ok || *best.Objective != 17 {
		t.Fatalf("partial = %+v, want objective 17", best)
	}

	// A final result beats weaker intermediates.
	_ = m.AddResult(id, "w2", result("solver-b", solver.StatusFeasible, 15), false)
	best, ok = m.BestPartial(id)
	if !ok || *best.Objective != 15 {
		t.Fatalf("partial = %+v, want objective 15", best)
	}

	snap, _ := m.Status(id)
	if len(snap.Workers[0].Intermediate) != 2 {
		t.Errorf("w1 intermediates = %d, want 2", len(snap.Workers[0].Intermediate))
	}
}

func TestFinalResultImmutable(t *testing.T) {
	m := newTestManager(t)
	id := threeWorkerSwarm(t, m)

	if err := m.AddResult(id, "w1", result("solver-a", solver.StatusOptimal, 10), false); err != nil {
		t.Fatalf("add result: %v", err)
	}
	if err := m.AddResult(id, "w1", result("solver-a", solver.StatusOptimal, 5), false); err == nil {
		t.Error("expected error adding a second final result")
	}
	snap, _ := m.Status(id)
	if *snap.Best.Objective != 10 {
		t.Errorf("best objective = %v, want the original 10", *snap.Best.Objective)
	}
}

func TestTerminate(t *testing.T) {
	m := newTestManager(t)
	id := threeWorkerSwarm(t, m)

	cancelled := false
	m.RegisterCancel(id, func() { cancelled = true })

	_ = m.UpdateProgress(id, "w1", 40, "", nil)
	_ = m.AddResult(id, "w2", result("solver-b", solver.StatusFeasible, 12), false)

	snap, err := m.Terminate(id, "operator request")
	if err != nil {
		t.Fatalf("terminate: %v", err)
	}
	if !cancelled {
		t.Error("expected registered cancel func to run")
	}
	if snap.Status != StatusCancelled {
		t.Errorf("status = %s, want cancelled", snap.Status)
	}
	for _, w := range snap.Workers {
		if !w.Status.Terminal() {
			t.Errorf("worker %s left non-terminal: %s", w.ID, w.Status)
		}
	}
	if snap.Workers[1].Status != WorkerCompleted {
		t.Errorf("completed worker must keep its status, got %s", snap.Workers[1].Status)
	}

	var sawTermination bool
	for _, ev := range snap.Events {
		if ev.Type == "swarm_terminated" {
			sawTermination = true
		}
	}
	if !sawTermination {
		t.Error("event log misses the termination event")
	}

	// Moved to history, no longer active.
	if _, err := m.Terminate(id, "again"); err == nil {
		t.Error("expected error terminating an archived swarm")
	}
	runs, _ := m.History(10)
	if len(runs) != 1 || runs[0].Status != string(StatusCancelled) {
		t.Fatalf("history = %+v", runs)
	}

	// Archived status is still readable.
	archived, err := m.Status(id)
	if err != nil {
		t.Fatalf("archived status: %v", err)
	}
	if archived.Status != StatusCancelled || archived.Best == nil {
		t.Errorf("archived snapshot = %+v", archived)
	}
}

func TestExpireDeadline(t *testing.T) {
	m := newTestManager(t)
	id := threeWorkerSwarm(t, m)

	// Two finish before the shared deadline, one straggler.
	_ = m.AddResult(id, "w1", result("solver-a", solver.StatusOptimal, 10), false)
	_ = m.AddResult(id, "w2", result("solver-b", solver.StatusFeasible, 12), false)
	_ = m.UpdateProgress(id, "w3", 70, "", nil)

	if err := m.ExpireDeadline(id); err != nil {
		t.Fatalf("expire deadline: %v", err)
	}

	snap, _ := m.Status(id)
	if snap.Status != StatusCompleted {
		t.Errorf("status = %s, want completed with best-so-far", snap.Status)
	}
	if snap.Workers[2].Status != WorkerCancelled {
		t.Errorf("straggler = %s, want cancelled", snap.Workers[2].Status)
	}
	// Stragglers without a result stay out of the ranking.
	if len(snap.Ranking.Scores) != 2 {
		t.Errorf("ranking has %d entries, want 2", len(snap.Ranking.Scores))
	}
	if snap.Ranking.Best != "solver-a" {
		t.Errorf("ranking best = %s, want solver-a", snap.Ranking.Best)
	}
}

func TestExpireDeadlineWithoutResults(t *testing.T) {
	m := newTestManager(t)
	id := threeWorkerSwarm(t, m)

	_ = m.UpdateProgress(id, "w1", 10, "", nil)
	if err := m.ExpireDeadline(id); err != nil {
		t.Fatalf("expire deadline: %v", err)
	}

	snap, _ := m.Status(id)
	if snap.Status != StatusTimeout {
		t.Errorf("status = %s, want timeout when the deadline passed with nothing to show", snap.Status)
	}
}

func TestAddWorkersForSecondRound(t *testing.T) {
	m := newTestManager(t)
	snap, _ := m.Create(CreateRequest{
		ProblemID: "p", Pattern: PatternCollaborative,
		Workers: []WorkerSeed{{ID: "r1-w1", Solver: "a"}, {ID: "r1-w2", Solver: "b"}},
	})
	id := snap.ID

	_ = m.AddResult(id, "r1-w1", result("a", solver.StatusFeasible, 20), false)

	err := m.AddWorkers(id, []WorkerSeed{{ID: "r2-w1", Solver: "a"}, {ID: "r2-w2", Solver: "b"}})
	if err != nil {
		t.Fatalf("add workers: %v", err)
	}
	if err := m.AddWorkers(id, []WorkerSeed{{ID: "r1-w1", Solver: "a"}}); err == nil {
		t.Error("expected error re-adding an existing worker id")
	}

	cur, _ := m.Status(id)
	if len(cur.Workers) != 4 {
		t.Fatalf("workers = %d, want 4", len(cur.Workers))
	}
	// The swarm must not finalize while round two workers are pending.
	if cur.Status.Terminal() {
		t.Errorf("status = %s, want non-terminal", cur.Status)
	}
}

func TestHoldBlocksFinalization(t *testing.T) {
	m := newTestManager(t)
	snap, _ := m.Create(CreateRequest{
		ProblemID: "p", Pattern: PatternCollaborative,
		Workers: []WorkerSeed{{ID: "r1-w1", Solver: "a"}, {ID: "r1-w2", Solver: "b"}},
	})
	id := snap.ID

	if err := m.Hold(id); err != nil {
		t.Fatalf("hold: %v", err)
	}

	// Every round one worker lands, but the hold keeps the swarm open for
	// the next round.
	_ = m.AddResult(id, "r1-w1", result("a", solver.StatusFeasible, 20), false)
	_ = m.AddResult(id, "r1-w2", result("b", solver.StatusFeasible, 22), false)

	cur, _ := m.Status(id)
	if cur.Status.Terminal() {
		t.Fatalf("status = %s, want non-terminal under hold", cur.Status)
	}

	if err := m.AddWorkers(id, []WorkerSeed{{ID: "r2-w1", Solver: "a"}}); err != nil {
		t.Fatalf("add round two workers: %v", err)
	}
	_ = m.AddResult(id, "r2-w1", result("a", solver.StatusOptimal, 15), false)

	if err := m.Release(id); err != nil {
		t.Fatalf("release: %v", err)
	}

	cur, err := m.Status(id)
	if err != nil {
		t.Fatalf("status after release: %v", err)
	}
	if cur.Status != StatusCompleted {
		t.Errorf("status = %s, want %s", cur.Status, StatusCompleted)
	}
	if cur.Best == nil || *cur.Best.Objective != 15 {
		t.Errorf("best = %+v, want objective 15", cur.Best)
	}

	// Terminate must cut through holds: a held swarm is still killable.
	held, _ := m.Create(CreateRequest{
		ProblemID: "p2", Pattern: PatternCollaborative,
		Workers: []WorkerSeed{{ID: "w1", Solver: "a"}},
	})
	_ = m.Hold(held.ID)
	stopped, err := m.Terminate(held.ID, "operator stop")
	if err != nil {
		t.Fatalf("terminate held swarm: %v", err)
	}
	if stopped.Status != StatusCancelled {
		t.Errorf("terminated status = %s, want %s", stopped.Status, StatusCancelled)
	}
}

func TestWatchStreamsEvents(t *testing.T) {
	m := newTestManager(t)
	id := threeWorkerSwarm(t, m)

	ch, cancel, err := m.Watch(id)
	if err != nil {
		t.Fatalf("watch: %v", err)
	}
	defer cancel()

	_ = m.WorkerStarted(id, "w1")
	_ = m.UpdateProgress(id, "w1", 25, "presolve", nil)

	var types []string
	timeout := time.After(2 * time.Second)
	for len(types) < 3 {
		select {
		case ev, ok := <-ch:
			if !ok {
				t.Fatalf("stream closed early, saw %v", types)
			}
			types = append(types, ev.Type)
		case <-timeout:
			t.Fatalf("timed out waiting for events, saw %v", types)
		}
	}
	want := []string{"swarm_running", "worker_started", "progress"}
	for i, w := range want {
		if types[i] != w {
			t.Fatalf("events = %v, want %v", types, want)
		}
	}

	// The stream closes when the swarm finishes.
	_ = m.AddResult(id, "w1", result("solver-a", solver.StatusOptimal, 1), false)
	_ = m.AddResult(id, "w2", result("solver-b", solver.StatusFeasible, 2), false)
	_ = m.AddResult(id, "w3", result("solver-c", solver.StatusFeasible, 3), false)

	closed := false
	deadline := time.After(2 * time.Second)
	for !closed {
		select {
		case _, ok := <-ch:
			if !ok {
				closed = true
			}
		case <-deadline:
			t.Fatal("watch channel not closed after completion")
		}
	}
}

func TestRecoverStale(t *testing.T) {
	m := newTestManager(t)

	// Simulate a run left behind by a previous process.
	_ = m.store.SaveSwarmRun(&store.SwarmRun{
		ID: "stale-1", ProblemID: "p", Pattern: "competitive", Status: "running",
		Workers: []byte(`[]`),
	})
	_ = m.store.SaveSwarmRun(&store.SwarmRun{
		ID: "done-1", ProblemID: "p", Pattern: "competitive", Status: "completed",
		Workers: []byte(`[]`),
	})

	n, err := m.RecoverStale()
	if err != nil {
		t.Fatalf("recover stale: %v", err)
	}
	if n != 1 {
		t.Fatalf("recovered %d, want 1", n)
	}
	run, _ := m.store.GetSwarmRun("stale-1")
	if run.Status != string(StatusFailed) {
		t.Errorf("stale run status = %s, want failed", run.Status)
	}
}
