// Package swarm owns the execution state of solver swarms: worker
// progress, results, the best-so-far pointer, the event log, and the
// archive of finished runs. All mutation goes through the Manager, which
// serializes per swarm and leaves swarms from one another fully
// independent.
package swarm

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"runtime"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/sminos/internal/compare"
	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/natsbus"
	"github.com/mtzanidakis/sminos/internal/solver"
	"github.com/mtzanidakis/sminos/internal/store"
)

const (
	eventTail   = 20
	maxEventLog = 512
	watchBuffer = 64
)

type entry struct {
	mu sync.Mutex

	id          string
	problemID   string
	pattern     Pattern
	sense       solver.Sense
	status      Status
	order       []string
	workers     map[string]*WorkerState
	results     []solver.Result
	best        *solver.Result
	ranking     *compare.Comparison
	events      []Event
	deadline    bool
	holds       int
	startedAt   time.Time
	completedAt *time.Time
	cancel      func()
	finalized   bool

	watchers    map[int]chan Event
	nextWatcher int
}

// Manager tracks every active swarm and archives finished ones.
type Manager struct {
	store *store.Store
	nc    *natsbus.Client
	cmp   *compare.Comparator
	cfg   config.SwarmConfig

	mu     sync.RWMutex
	active map[string]*entry
}

// NewManager wires a swarm state manager. nc may be nil when events need
// not reach the bus.
func NewManager(s *store.Store, nc *natsbus.Client, cmp *compare.Comparator, cfg config.SwarmConfig) *Manager {
	if cmp == nil {
		cmp = compare.New(nil)
	}
	return &Manager{
		store:  s,
		nc:     nc,
		cmp:    cmp,
		cfg:    cfg,
		active: make(map[string]*entry),
	}
}

// Create registers a new swarm with its workers in pending state.
func (m *Manager) Create(req CreateRequest) (*Snapshot, error) {
	if len(req.Workers) == 0 {
		return nil, fmt.Errorf("swarm needs at least one worker")
	}
	if !req.Pattern.Valid() {
		return nil, fmt.Errorf("unknown coordination pattern %q", req.Pattern)
	}
	if req.ID == "" {
		req.ID = uuid.New().String()
	}
	sense := req.Sense
	if sense == "" {
		sense = solver.SenseMinimize
	}

	e := &entry{
		id:        req.ID,
		problemID: req.ProblemID,
		pattern:   req.Pattern,
		sense:     sense,
		status:    StatusInitializing,
		workers:   make(map[string]*WorkerState, len(req.Workers)),
		startedAt: time.Now().UTC(),
		watchers:  make(map[int]chan Event),
	}
	for _, seed := range req.Workers {
		if seed.ID == "" {
			return nil, fmt.Errorf("worker without id")
		}
		if _, dup := e.workers[seed.ID]; dup {
			return nil, fmt.Errorf("duplicate worker id %q", seed.ID)
		}
		e.workers[seed.ID] = &WorkerState{
			ID:        seed.ID,
			Solver:    seed.Solver,
			Status:    WorkerPending,
			UpdatedAt: e.startedAt,
		}
		e.order = append(e.order, seed.ID)
	}

	m.mu.Lock()
	if _, exists := m.active[req.ID]; exists {
		m.mu.Unlock()
		return nil, fmt.Errorf("swarm %s already exists", req.ID)
	}
	if prev, err := m.store.GetSwarmRun(req.ID); err != nil {
		m.mu.Unlock()
		return nil, err
	} else if prev != nil {
		m.mu.Unlock()
		return nil, fmt.Errorf("swarm %s already exists", req.ID)
	}
	m.active[req.ID] = e
	m.mu.Unlock()

	e.mu.Lock()
	defer e.mu.Unlock()

	if err := m.store.SaveSwarmRun(m.runRowLocked(e)); err != nil {
		e.finalized = true
		m.detach(req.ID)
		return nil, fmt.Errorf("save swarm run: %w", err)
	}
	m.appendEventLocked(e, "swarm_created", map[string]any{
		"problem": req.ProblemID,
		"pattern": string(req.Pattern),
		"workers": len(req.Workers),
	}, true)

	slog.Info("swarm created", "id", req.ID, "pattern", req.Pattern, "workers", len(req.Workers))
	return m.snapshotLocked(e), nil
}

// AddWorkers registers extra workers on a running swarm, e.g. for a later
// collaborative round.
func (m *Manager) AddWorkers(swarmID string, seeds []WorkerSeed) error {
	if len(seeds) == 0 {
		return nil
	}
	return m.withEntry(swarmID, func(e *entry) error {
		now := time.Now().UTC()
		ids := make([]string, 0, len(seeds))
		for _, seed := range seeds {
			if seed.ID == "" {
				return fmt.Errorf("worker without id")
			}
			if _, dup := e.workers[seed.ID]; dup {
				return fmt.Errorf("duplicate worker id %q", seed.ID)
			}
			e.workers[seed.ID] = &WorkerState{
				ID:        seed.ID,
				Solver:    seed.Solver,
				Status:    WorkerPending,
				UpdatedAt: now,
			}
			e.order = append(e.order, seed.ID)
			ids = append(ids, seed.ID)
		}
		m.appendEventLocked(e, "workers_added", map[string]any{"workers": ids}, true)
		return nil
	})
}

// Hold keeps the swarm open across coordination phases. Multi-round patterns
// take a hold before their first round so the swarm does not finalize in the
// gap where every worker of the current round is terminal but the next round
// has not been seeded yet.
func (m *Manager) Hold(swarmID string) error {
	return m.withEntry(swarmID, func(e *entry) error {
		e.holds++
		return nil
	})
}

// Release drops a hold and finalizes the swarm when nothing is left running.
func (m *Manager) Release(swarmID string) error {
	return m.withEntry(swarmID, func(e *entry) error {
		if e.holds > 0 {
			e.holds--
		}
		m.maybeFinalizeLocked(e)
		return nil
	})
}

// WorkerStarted marks a worker as launching. The first progress report
// moves it to running.
func (m *Manager) WorkerStarted(swarmID, workerID string) error {
	return m.withEntry(swarmID, func(e *entry) error {
		w, err := e.worker(workerID)
		if err != nil {
			return err
		}
		if w.Status.Terminal() {
			return nil
		}
		now := time.Now().UTC()
		w.Status = WorkerInitializing
		w.StartedAt = &now
		w.UpdatedAt = now
		m.markRunningLocked(e)
		m.appendEventLocked(e, "worker_started", map[string]any{
			"worker": workerID,
			"solver": w.Solver,
		}, true)
		return nil
	})
}

// UpdateProgress applies a progress report. Percent is clamped to [0,100]
// and never moves backwards; reports for terminal workers are dropped.
func (m *Manager) UpdateProgress(swarmID, workerID string, percent float64, phase string, objective *float64) error {
	return m.withEntry(swarmID, func(e *entry) error {
		w, err := e.worker(workerID)
		if err != nil {
			return err
		}
		if w.Status.Terminal() {
			return nil
		}

		percent = math.Min(100, math.Max(0, percent))
		if percent > w.Percent {
			w.Percent = percent
		}
		if phase != "" {
			w.Phase = phase
		}
		if objective != nil {
			w.Objective = objective
		}
		w.Status = WorkerRunning
		w.UpdatedAt = time.Now().UTC()
		m.markRunningLocked(e)

		m.appendEventLocked(e, "progress", map[string]any{
			"worker":    workerID,
			"percent":   w.Percent,
			"phase":     w.Phase,
			"objective": objective,
		}, false)
		return nil
	})
}

// AddResult records a result from a worker. Intermediate results are kept
// on the worker for partial-result salvage; a final result completes the
// worker and may take over the best-so-far pointer when strictly better.
func (m *Manager) AddResult(swarmID, workerID string, res *solver.Result, intermediate bool) error {
	if res == nil {
		return fmt.Errorf("nil result")
	}
	return m.withEntry(swarmID, func(e *entry) error {
		w, err := e.worker(workerID)
		if err != nil {
			return err
		}

		if intermediate {
			if w.Status.Terminal() {
				return nil
			}
			w.Intermediate = append(w.Intermediate, *res)
			if res.Objective != nil {
				w.Objective = res.Objective
			}
			w.UpdatedAt = time.Now().UTC()
			m.appendEventLocked(e, "intermediate_result", map[string]any{
				"worker":    workerID,
				"solver":    res.Solver,
				"objective": res.Objective,
			}, false)
			return nil
		}

		if w.Status.Terminal() {
			return fmt.Errorf("worker %s already finished", workerID)
		}

		now := time.Now().UTC()
		w.Status = WorkerCompleted
		w.Percent = 100
		w.Result = res
		if res.Objective != nil {
			w.Objective = res.Objective
		}
		w.UpdatedAt = now
		e.results = append(e.results, *res)

		// Strict improvement only: on ties the earlier completion keeps
		// the pointer.
		if solver.ImprovesOn(res, e.best, e.sense) {
			e.best = res
			m.appendEventLocked(e, "new_best", map[string]any{
				"worker":    workerID,
				"solver":    res.Solver,
				"objective": res.Objective,
			}, true)
		}

		m.appendEventLocked(e, "worker_completed", map[string]any{
			"worker":    workerID,
			"solver":    res.Solver,
			"status":    string(res.Status),
			"objective": res.Objective,
		}, true)

		m.maybeFinalizeLocked(e)
		return nil
	})
}

// FailWorker marks a worker failed after recovery was exhausted.
func (m *Manager) FailWorker(swarmID, workerID, reason string, attempted []string) error {
	return m.withEntry(swarmID, func(e *entry) error {
		w, err := e.worker(workerID)
		if err != nil {
			return err
		}
		if w.Status.Terminal() {
			return nil
		}
		w.Status = WorkerFailed
		w.Message = reason
		w.Attempted = attempted
		w.UpdatedAt = time.Now().UTC()
		m.appendEventLocked(e, "worker_failed", map[string]any{
			"worker":    workerID,
			"solver":    w.Solver,
			"reason":    reason,
			"attempted": attempted,
		}, true)
		m.maybeFinalizeLocked(e)
		return nil
	})
}

// CancelWorker marks a worker cancelled. Idempotent for workers already
// terminal.
func (m *Manager) CancelWorker(swarmID, workerID, reason string) error {
	return m.withEntry(swarmID, func(e *entry) error {
		w, err := e.worker(workerID)
		if err != nil {
			return err
		}
		if w.Status.Terminal() {
			return nil
		}
		m.cancelWorkerLocked(e, w, reason)
		m.maybeFinalizeLocked(e)
		return nil
	})
}

// TimeoutWorker marks a worker timed out without a usable result.
func (m *Manager) TimeoutWorker(swarmID, workerID, reason string) error {
	return m.withEntry(swarmID, func(e *entry) error {
		w, err := e.worker(workerID)
		if err != nil {
			return err
		}
		if w.Status.Terminal() {
			return nil
		}
		w.Status = WorkerTimeout
		w.Message = reason
		w.UpdatedAt = time.Now().UTC()
		m.appendEventLocked(e, "worker_timeout", map[string]any{
			"worker": workerID,
			"solver": w.Solver,
			"reason": reason,
		}, true)
		m.maybeFinalizeLocked(e)
		return nil
	})
}

// ExpireDeadline cancels every non-terminal worker because the swarm's
// shared deadline passed. The swarm then completes with the best result
// so far, or times out when there is none.
func (m *Manager) ExpireDeadline(swarmID string) error {
	return m.withEntry(swarmID, func(e *entry) error {
		e.deadline = true
		m.appendEventLocked(e, "deadline_expired", nil, true)
		for _, id := range e.order {
			w := e.workers[id]
			if !w.Status.Terminal() {
				m.cancelWorkerLocked(e, w, "deadline exceeded")
			}
		}
		m.maybeFinalizeLocked(e)
		return nil
	})
}

// AppendEvent records a custom event on a running swarm, e.g. recovery or
// coordination milestones from the orchestrator.
func (m *Manager) AppendEvent(swarmID, eventType string, data map[string]any) error {
	return m.withEntry(swarmID, func(e *entry) error {
		m.appendEventLocked(e, eventType, data, true)
		return nil
	})
}

// RegisterCancel attaches the orchestrator's cancel function so Terminate
// can stop in-flight worker tasks.
func (m *Manager) RegisterCancel(swarmID string, cancel func()) {
	m.mu.RLock()
	e, ok := m.active[swarmID]
	m.mu.RUnlock()
	if !ok {
		return
	}
	e.mu.Lock()
	e.cancel = cancel
	e.mu.Unlock()
}

// Terminate force-cancels all non-terminal workers, freezes the swarm as
// cancelled and moves it to history.
func (m *Manager) Terminate(swarmID, reason string) (*Snapshot, error) {
	var snap *Snapshot
	err := m.withEntry(swarmID, func(e *entry) error {
		if e.cancel != nil {
			e.cancel()
		}
		m.appendEventLocked(e, "swarm_terminated", map[string]any{"reason": reason}, true)
		for _, id := range e.order {
			w := e.workers[id]
			if !w.Status.Terminal() {
				m.cancelWorkerLocked(e, w, reason)
			}
		}
		m.finalizeLocked(e, StatusCancelled)
		snap = m.snapshotLocked(e)
		return nil
	})
	if err != nil {
		return nil, err
	}
	slog.Info("swarm terminated", "id", swarmID, "reason", reason)
	return snap, nil
}

// Status returns a snapshot of an active or archived swarm.
func (m *Manager) Status(swarmID string) (*Snapshot, error) {
	m.mu.RLock()
	e, ok := m.active[swarmID]
	m.mu.RUnlock()
	if ok {
		e.mu.Lock()
		defer e.mu.Unlock()
		return m.snapshotLocked(e), nil
	}

	run, err := m.store.GetSwarmRun(swarmID)
	if err != nil {
		return nil, err
	}
	if run == nil {
		return nil, fmt.Errorf("unknown swarm %s", swarmID)
	}
	return snapshotFromRun(run)
}

// History returns recently archived runs, newest first.
func (m *Manager) History(limit int) ([]store.SwarmRun, error) {
	if limit <= 0 || limit > m.cfg.HistoryCap {
		limit = m.cfg.HistoryCap
	}
	return m.store.ListArchivedSwarmRuns(limit)
}

// Watch subscribes to a swarm's event stream. The channel closes when the
// swarm finishes; the returned func cancels the subscription early.
func (m *Manager) Watch(swarmID string) (<-chan Event, func(), error) {
	m.mu.RLock()
	e, ok := m.active[swarmID]
	m.mu.RUnlock()
	if !ok {
		return nil, nil, fmt.Errorf("swarm %s is not active", swarmID)
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finalized {
		return nil, nil, fmt.Errorf("swarm %s is not active", swarmID)
	}
	ch := make(chan Event, watchBuffer)
	id := e.nextWatcher
	e.nextWatcher++
	e.watchers[id] = ch

	cancel := func() {
		e.mu.Lock()
		if w, ok := e.watchers[id]; ok {
			delete(e.watchers, id)
			close(w)
		}
		e.mu.Unlock()
	}
	return ch, cancel, nil
}

// BestPartial returns the most promising result seen so far in a swarm,
// final or intermediate. Used by recovery to salvage something when a
// worker cannot be saved.
func (m *Manager) BestPartial(swarmID string) (*solver.Result, bool) {
	m.mu.RLock()
	e, ok := m.active[swarmID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	best := e.best
	for _, id := range e.order {
		for i := range e.workers[id].Intermediate {
			cand := &e.workers[id].Intermediate[i]
			if solver.ImprovesOn(cand, best, e.sense) {
				best = cand
			}
		}
	}
	if best == nil {
		return nil, false
	}
	cp := *best
	return &cp, true
}

// BestIntermediate returns one worker's most promising intermediate result.
// Partial-result recovery salvages it as the worker's final answer when the
// solver died mid-run.
func (m *Manager) BestIntermediate(swarmID, workerID string) (*solver.Result, bool) {
	m.mu.RLock()
	e, ok := m.active[swarmID]
	m.mu.RUnlock()
	if !ok {
		return nil, false
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	w, ok := e.workers[workerID]
	if !ok {
		return nil, false
	}
	var best *solver.Result
	for i := range w.Intermediate {
		cand := &w.Intermediate[i]
		if solver.ImprovesOn(cand, best, e.sense) {
			best = cand
		}
	}
	if best == nil {
		return nil, false
	}
	cp := *best
	return &cp, true
}

// ReassignWorker switches a still-running worker to a different solver after
// recovery substituted one.
func (m *Manager) ReassignWorker(swarmID, workerID, solverID string) error {
	return m.withEntry(swarmID, func(e *entry) error {
		w, err := e.worker(workerID)
		if err != nil {
			return err
		}
		if w.Status.Terminal() {
			return fmt.Errorf("worker %s already finished", workerID)
		}
		prev := w.Solver
		w.Solver = solverID
		w.UpdatedAt = time.Now().UTC()
		m.appendEventLocked(e, "worker_reassigned", map[string]any{
			"worker": workerID,
			"from":   prev,
			"to":     solverID,
		}, true)
		return nil
	})
}

// ActiveIDs lists the swarms currently in flight.
func (m *Manager) ActiveIDs() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ids := make([]string, 0, len(m.active))
	for id := range m.active {
		ids = append(ids, id)
	}
	return ids
}

// RecoverStale marks runs left in flight by an unclean shutdown as failed.
// Called once at startup, before any new swarm is accepted.
func (m *Manager) RecoverStale() (int, error) {
	runs, err := m.store.ListSwarmRuns(m.cfg.HistoryCap)
	if err != nil {
		return 0, err
	}
	n := 0
	for i := range runs {
		run := &runs[i]
		if Status(run.Status).Terminal() {
			continue
		}
		run.Status = string(StatusFailed)
		if err := m.store.SaveSwarmRun(run); err != nil {
			slog.Error("mark stale swarm failed", "id", run.ID, "error", err)
			continue
		}
		_ = m.store.SaveSwarmEvent(&store.SwarmEvent{
			SwarmID: run.ID,
			Type:    "swarm_failed",
			Data:    json.RawMessage(`{"reason":"orphaned by restart"}`),
		})
		n++
	}
	if n > 0 {
		slog.Warn("recovered stale swarms", "count", n)
	}
	return n, nil
}

func (e *entry) worker(workerID string) (*WorkerState, error) {
	w, ok := e.workers[workerID]
	if !ok {
		return nil, fmt.Errorf("unknown worker %s in swarm %s", workerID, e.id)
	}
	return w, nil
}

// withEntry runs fn under the swarm's lock, then detaches the swarm from
// the active set when fn finalized it.
func (m *Manager) withEntry(swarmID string, fn func(e *entry) error) error {
	m.mu.RLock()
	e, ok := m.active[swarmID]
	m.mu.RUnlock()
	if !ok {
		if run, err := m.store.GetSwarmRun(swarmID); err == nil && run != nil {
			return fmt.Errorf("swarm %s is no longer active", swarmID)
		}
		return fmt.Errorf("unknown swarm %s", swarmID)
	}

	e.mu.Lock()
	if e.finalized {
		e.mu.Unlock()
		return fmt.Errorf("swarm %s is no longer active", swarmID)
	}
	err := fn(e)
	finalized := e.finalized
	e.mu.Unlock()

	if finalized {
		m.detach(swarmID)
	}
	return err
}

func (m *Manager) detach(swarmID string) {
	m.mu.Lock()
	delete(m.active, swarmID)
	m.mu.Unlock()
}

func (m *Manager) markRunningLocked(e *entry) {
	if e.status != StatusInitializing {
		return
	}
	e.status = StatusRunning
	m.appendEventLocked(e, "swarm_running", nil, true)
}

func (m *Manager) cancelWorkerLocked(e *entry, w *WorkerState, reason string) {
	w.Status = WorkerCancelled
	w.Message = reason
	w.UpdatedAt = time.Now().UTC()
	m.appendEventLocked(e, "worker_cancelled", map[string]any{
		"worker": w.ID,
		"solver": w.Solver,
		"reason": reason,
	}, true)
}

// maybeFinalizeLocked finishes the swarm once every worker is terminal and
// no coordination hold is outstanding.
func (m *Manager) maybeFinalizeLocked(e *entry) {
	if e.status.Terminal() || e.finalized || e.holds > 0 {
		return
	}
	for _, id := range e.order {
		if !e.workers[id].Status.Terminal() {
			return
		}
	}
	m.finalizeLocked(e, "")
}

// finalizeLocked freezes the swarm, generates the comparison summary and
// archives the run. forced overrides the computed terminal status.
func (m *Manager) finalizeLocked(e *entry, forced Status) {
	if e.finalized {
		return
	}
	e.finalized = true

	status := forced
	if status == "" {
		status = m.terminalStatusLocked(e)
	}
	e.status = status
	now := time.Now().UTC()
	e.completedAt = &now

	if len(e.results) > 0 {
		cmpRes, err := m.cmp.Compare(e.results, nil, e.sense)
		if err != nil {
			slog.Error("swarm comparison failed", "id", e.id, "error", err)
		} else {
			e.ranking = cmpRes
		}
	}

	data := map[string]any{"results": len(e.results)}
	if e.best != nil {
		data["best_solver"] = e.best.Solver
		data["best_objective"] = e.best.Objective
	}
	if e.ranking != nil {
		data["confidence"] = e.ranking.Confidence
		data["rationale"] = e.ranking.Rationale
	}
	var failed []string
	for _, id := range e.order {
		switch w := e.workers[id]; w.Status {
		case WorkerFailed, WorkerTimeout:
			failed = append(failed, w.Solver)
		}
	}
	if len(failed) > 0 {
		data["failed_workers"] = failed
	}
	m.appendEventLocked(e, "swarm_"+string(status), data, true)

	if err := m.store.SaveSwarmRun(m.runRowLocked(e)); err != nil {
		slog.Error("archive swarm run", "id", e.id, "error", err)
	} else if err := m.store.DeleteSwarmEvents(e.id); err != nil {
		slog.Error("fold swarm events", "id", e.id, "error", err)
	}
	if _, err := m.store.PruneSwarmRuns(m.cfg.HistoryCap); err != nil {
		slog.Error("prune swarm history", "id", e.id, "error", err)
	}

	for id, ch := range e.watchers {
		delete(e.watchers, id)
		close(ch)
	}

	slog.Info("swarm finished", "id", e.id, "status", status, "results", len(e.results))
}

// terminalStatusLocked derives the swarm's terminal status from its
// workers: any usable result wins, a missed shared deadline counts as
// timeout, a swarm only fails when nothing completed.
func (m *Manager) terminalStatusLocked(e *entry) Status {
	completed, cancelled, timedOut := 0, 0, 0
	for _, id := range e.order {
		switch e.workers[id].Status {
		case WorkerCompleted:
			completed++
		case WorkerCancelled:
			cancelled++
		case WorkerTimeout:
			timedOut++
		}
	}
	switch {
	case completed > 0:
		return StatusCompleted
	case e.deadline:
		return StatusTimeout
	case timedOut > 0 && timedOut+cancelled == len(e.order):
		return StatusTimeout
	case cancelled == len(e.order):
		return StatusCancelled
	default:
		return StatusFailed
	}
}

// runRowLocked serializes the entry into its store row.
func (m *Manager) runRowLocked(e *entry) *store.SwarmRun {
	workers := make([]WorkerState, 0, len(e.order))
	for _, id := range e.order {
		workers = append(workers, *e.workers[id])
	}
	workersJSON, _ := json.Marshal(workers)

	run := &store.SwarmRun{
		ID:        e.id,
		ProblemID: e.problemID,
		Pattern:   string(e.pattern),
		Status:    string(e.status),
		Workers:   workersJSON,
	}
	if len(e.results) > 0 {
		run.Results, _ = json.Marshal(e.results)
	}
	if e.best != nil {
		run.Best, _ = json.Marshal(e.best)
	}
	if e.ranking != nil {
		run.Ranking, _ = json.Marshal(e.ranking)
	}
	if len(e.events) > 0 {
		run.Events, _ = json.Marshal(e.events)
	}
	return run
}

func (m *Manager) snapshotLocked(e *entry) *Snapshot {
	snap := &Snapshot{
		ID:          e.id,
		ProblemID:   e.problemID,
		Pattern:     e.pattern,
		Status:      e.status,
		Best:        e.best,
		Ranking:     e.ranking,
		StartedAt:   e.startedAt,
		CompletedAt: e.completedAt,
	}

	var sum float64
	for _, id := range e.order {
		w := e.workers[id]
		snap.Workers = append(snap.Workers, *w)
		sum += w.Percent
		switch {
		case w.Status == WorkerCompleted:
			snap.Completed = append(snap.Completed, id)
		case w.Status == WorkerFailed:
			snap.Failed = append(snap.Failed, id)
		case !w.Status.Terminal():
			snap.Active = append(snap.Active, id)
		}
	}
	if len(e.order) > 0 {
		snap.OverallPercent = sum / float64(len(e.order))
	}

	tail := e.events
	if len(tail) > eventTail {
		tail = tail[len(tail)-eventTail:]
	}
	snap.Events = append([]Event(nil), tail...)

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	snap.Usage = ResourceUsage{
		ActiveWorkers: len(snap.Active),
		Goroutines:    runtime.NumGoroutine(),
		HeapMB:        float64(ms.HeapAlloc) / (1 << 20),
		CapturedAt:    time.Now().UTC(),
	}
	return snap
}

// snapshotFromRun rebuilds a snapshot from an archived row.
func snapshotFromRun(run *store.SwarmRun) (*Snapshot, error) {
	snap := &Snapshot{
		ID:          run.ID,
		ProblemID:   run.ProblemID,
		Pattern:     Pattern(run.Pattern),
		Status:      Status(run.Status),
		StartedAt:   run.StartedAt,
		CompletedAt: run.CompletedAt,
	}

	if len(run.Workers) > 0 {
		if err := json.Unmarshal(run.Workers, &snap.Workers); err != nil {
			return nil, fmt.Errorf("decode swarm workers: %w", err)
		}
	}
	if len(run.Best) > 0 {
		if err := json.Unmarshal(run.Best, &snap.Best); err != nil {
			return nil, fmt.Errorf("decode swarm best: %w", err)
		}
	}
	if len(run.Ranking) > 0 {
		if err := json.Unmarshal(run.Ranking, &snap.Ranking); err != nil {
			return nil, fmt.Errorf("decode swarm ranking: %w", err)
		}
	}
	if len(run.Events) > 0 {
		var events []Event
		if err := json.Unmarshal(run.Events, &events); err != nil {
			return nil, fmt.Errorf("decode swarm events: %w", err)
		}
		if len(events) > eventTail {
			events = events[len(events)-eventTail:]
		}
		snap.Events = events
	}

	var sum float64
	for _, w := range snap.Workers {
		sum += w.Percent
		switch {
		case w.Status == WorkerCompleted:
			snap.Completed = append(snap.Completed, w.ID)
		case w.Status == WorkerFailed:
			snap.Failed = append(snap.Failed, w.ID)
		case !w.Status.Terminal():
			snap.Active = append(snap.Active, w.ID)
		}
	}
	if len(snap.Workers) > 0 {
		snap.OverallPercent = sum / float64(len(snap.Workers))
	}
	return snap, nil
}

// appendEventLocked grows the in-memory log, optionally persists the
// event, publishes it on the bus and fans it out to watchers.
func (m *Manager) appendEventLocked(e *entry, eventType string, data map[string]any, persist bool) {
	ev := Event{Type: eventType, At: time.Now().UTC(), Data: data}
	e.events = append(e.events, ev)
	if len(e.events) > maxEventLog {
		e.events = e.events[len(e.events)-maxEventLog:]
	}

	if persist {
		var raw json.RawMessage
		if data != nil {
			raw, _ = json.Marshal(data)
		}
		if err := m.store.SaveSwarmEvent(&store.SwarmEvent{SwarmID: e.id, Type: eventType, Data: raw}); err != nil {
			slog.Error("save swarm event", "swarm", e.id, "type", eventType, "error", err)
		}
	}

	m.publishEvent(e.id, ev)

	for _, ch := range e.watchers {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (m *Manager) publishEvent(swarmID string, ev Event) {
	if m.nc == nil {
		return
	}
	payload := map[string]any{
		"type":      ev.Type,
		"swarm_id":  swarmID,
		"timestamp": ev.At.Format(time.RFC3339),
		"data":      ev.Data,
	}
	if err := m.nc.PublishJSON(natsbus.TopicEventsSwarmID(swarmID), payload); err != nil {
		slog.Debug("publish swarm event", "swarm", swarmID, "type", ev.Type, "error", err)
	}
}
