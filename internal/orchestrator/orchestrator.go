// Package orchestrator drives solver swarms. Submissions turn into one
// detached coordination goroutine per swarm that seeds workers, runs the
// chosen pattern, routes failures through recovery, and leaves finalization
// and ranking to the swarm manager.
package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/sminos/internal/compare"
	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/natsbus"
	"github.com/mtzanidakis/sminos/internal/pools"
	"github.com/mtzanidakis/sminos/internal/recovery"
	"github.com/mtzanidakis/sminos/internal/registry"
	"github.com/mtzanidakis/sminos/internal/runner"
	"github.com/mtzanidakis/sminos/internal/selector"
	"github.com/mtzanidakis/sminos/internal/solver"
	"github.com/mtzanidakis/sminos/internal/store"
	"github.com/mtzanidakis/sminos/internal/swarm"
	"github.com/mtzanidakis/sminos/internal/vault"
)

const (
	// maxSolvers caps the line-up of one swarm.
	maxSolvers = 10
	// maxWorkerAttempts bounds the solve and recovery loop of one worker
	// slot, so no strategy cycle can spin past the swarm deadline.
	maxWorkerAttempts = 8
)

// Deps are the collaborators an Orchestrator drives. Bus and Vault may be
// nil; container solvers and license secrets then stay unavailable.
type Deps struct {
	Store    *store.Store
	Bus      *natsbus.Client
	Swarms   *swarm.Manager
	Registry *registry.Registry
	Selector *selector.Selector
	Pools    *pools.Manager
	Recovery *recovery.Manager
	Runtime  *runner.Runtime
	Compare  *compare.Comparator
	Vault    *vault.Vault
}

type Orchestrator struct {
	store    *store.Store
	nc       *natsbus.Client
	swarms   *swarm.Manager
	registry *registry.Registry
	selector *selector.Selector
	pools    *pools.Manager
	recovery *recovery.Manager
	runtime  *runner.Runtime
	compare  *compare.Comparator
	vault    *vault.Vault
	cfg      config.SwarmConfig

	sem chan struct{}

	mu        sync.RWMutex
	workers   map[string]*workerRef
	deadlines map[string]time.Time
}

// workerRef indexes one in-flight worker so runtime callbacks, which only
// carry a worker id, can be routed back to its swarm.
type workerRef struct {
	swarmID string
	solver  string
	spec    *solver.Spec
	percent float64
}

// launch groups what every worker of one swarm shares.
type launch struct {
	id        string
	short     string
	spec      *solver.Spec
	pattern   swarm.Pattern
	pool      *store.Pool
	lineup    []string
	workerIDs []string
	timeout   time.Duration
	budget    time.Duration
}

func New(d Deps, cfg config.SwarmConfig) *Orchestrator {
	conc := cfg.MaxConcurrency
	if conc < 1 {
		conc = 1
	}
	o := &Orchestrator{
		store:     d.Store,
		nc:        d.Bus,
		swarms:    d.Swarms,
		registry:  d.Registry,
		selector:  d.Selector,
		pools:     d.Pools,
		recovery:  d.Recovery,
		runtime:   d.Runtime,
		compare:   d.Compare,
		vault:     d.Vault,
		cfg:       cfg,
		sem:       make(chan struct{}, conc),
		workers:   make(map[string]*workerRef),
		deadlines: make(map[string]time.Time),
	}
	if o.compare == nil {
		o.compare = compare.New(nil)
	}

	o.runtime.SetProgressSink(o.handleProgress)
	o.runtime.SetIntermediateSink(o.handleIntermediate)
	o.recovery.SetPartialSource(o.swarms)

	if o.nc != nil {
		_, _ = o.nc.Subscribe("host.ipc.*", o.handleIPC)
	}
	return o
}

// SubmitRequest describes one swarm submission. Either SolverCount or an
// explicit Solvers line-up must be given; Pool and Timeout fall back to the
// default pool and the configured default timeout.
type SubmitRequest struct {
	Problem     *solver.Spec  `json:"problem"`
	Pattern     swarm.Pattern `json:"pattern"`
	SolverCount int           `json:"solver_count"`
	Timeout     time.Duration `json:"timeout,omitempty"`
	Solvers     []string      `json:"solvers,omitempty"`
	Pool        string        `json:"pool,omitempty"`
}

// Submit validates a request, selects the solver line-up and launches
// coordination in the background. The returned snapshot reflects the swarm
// before any worker has started.
func (o *Orchestrator) Submit(req SubmitRequest) (*swarm.Snapshot, error) {
	if req.Problem == nil {
		return nil, fmt.Errorf("problem spec is required")
	}
	if req.Problem.ProblemID == "" {
		req.Problem.ProblemID = uuid.New().String()
	}
	if err := req.Problem.Validate(); err != nil {
		return nil, err
	}
	if !req.Pattern.Valid() {
		return nil, fmt.Errorf("unknown coordination pattern %q", req.Pattern)
	}
	count := req.SolverCount
	if len(req.Solvers) > 0 {
		count = len(req.Solvers)
	}
	if count < 1 || count > maxSolvers {
		return nil, fmt.Errorf("solver count must be between 1 and %d, got %d", maxSolvers, count)
	}
	timeout := req.Timeout
	if timeout <= 0 {
		timeout = o.cfg.DefaultTimeout
	}

	pool, err := o.pools.Resolve(req.Pool)
	if err != nil {
		return nil, fmt.Errorf("resolve pool: %w", err)
	}
	lineup, err := o.selector.Select(pool, req.Problem.Characteristics, req.Solvers, count)
	if err != nil {
		return nil, err
	}

	id := uuid.New().String()
	l := &launch{
		id:      id,
		short:   id[:8],
		spec:    req.Problem,
		pattern: req.Pattern,
		pool:    pool,
		lineup:  lineup,
		timeout: timeout,
		budget:  timeout / time.Duration(len(lineup)),
	}
	seeds := make([]swarm.WorkerSeed, len(lineup))
	l.workerIDs = make([]string, len(lineup))
	for i, solverID := range lineup {
		wid := fmt.Sprintf("%s-w%d", l.short, i+1)
		switch req.Pattern {
		case swarm.PatternCollaborative:
			wid += "-r1"
		case swarm.PatternPeerToPeer:
			wid += "-v1"
		}
		l.workerIDs[i] = wid
		seeds[i] = swarm.WorkerSeed{ID: wid, Solver: solverID}
	}

	snap, err := o.swarms.Create(swarm.CreateRequest{
		ID:        id,
		ProblemID: req.Problem.ProblemID,
		Pattern:   req.Pattern,
		Sense:     req.Problem.Sense,
		Workers:   seeds,
	})
	if err != nil {
		return nil, err
	}
	if _, err := o.pools.EnsureRunDir(pool.Folder, id); err != nil {
		slog.Warn("create run dir failed", "swarm", id, "error", err)
	}

	o.mu.Lock()
	o.deadlines[id] = time.Now().Add(timeout)
	o.mu.Unlock()

	go o.execute(l)
	return snap, nil
}

// execute owns one swarm's coordination from dispatch to deadline.
func (o *Orchestrator) execute(l *launch) {
	ctx, cancel := context.WithTimeout(context.Background(), l.timeout)
	defer cancel()
	o.swarms.RegisterCancel(l.id, cancel)

	defer func() {
		o.mu.Lock()
		delete(o.deadlines, l.id)
		o.mu.Unlock()
	}()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("swarm coordination panicked", "swarm", l.id, "panic", r)
			_, _ = o.swarms.Terminate(l.id, fmt.Sprintf("coordination panic: %v", r))
		}
	}()

	slog.Info("swarm dispatch", "swarm", l.id, "pattern", l.pattern, "solvers", l.lineup, "timeout", l.timeout)

	switch l.pattern {
	case swarm.PatternCollaborative:
		o.runCollaborative(ctx, l)
	case swarm.PatternPeerToPeer:
		o.runPeerToPeer(ctx, l)
	default:
		o.runCompetitive(ctx, l)
	}

	// Safety net for anything a misbehaving adapter left non-terminal.
	if ctx.Err() == context.DeadlineExceeded {
		_ = o.swarms.ExpireDeadline(l.id)
	}

	if snap, err := o.swarms.Status(l.id); err == nil {
		best := ""
		if snap.Best != nil {
			best = snap.Best.Solver
		}
		slog.Info("swarm finished", "swarm", l.id, "status", snap.Status, "best", best)
	}
}

// Status returns a point in time snapshot of a swarm, active or archived.
func (o *Orchestrator) Status(swarmID string) (*swarm.Snapshot, error) {
	return o.swarms.Status(swarmID)
}

// Monitor returns the current snapshot plus a live event stream. For swarms
// already archived the stream is nil and stop is a no-op.
func (o *Orchestrator) Monitor(swarmID string) (*swarm.Snapshot, <-chan swarm.Event, func(), error) {
	snap, err := o.swarms.Status(swarmID)
	if err != nil {
		return nil, nil, nil, err
	}
	ch, stop, err := o.swarms.Watch(swarmID)
	if err != nil {
		return snap, nil, func() {}, nil
	}
	return snap, ch, stop, nil
}

// Terminate cancels a swarm and freezes its state.
func (o *Orchestrator) Terminate(swarmID, reason string) (*swarm.Snapshot, error) {
	return o.swarms.Terminate(swarmID, reason)
}

// History lists recently finished swarms, newest first.
func (o *Orchestrator) History(limit int) ([]store.SwarmRun, error) {
	return o.swarms.History(limit)
}

// CompareResults ranks a caller-supplied result set without running a swarm.
func (o *Orchestrator) CompareResults(results []solver.Result, weights *compare.Weights, sense solver.Sense) (*compare.Comparison, error) {
	if sense == "" {
		sense = solver.SenseMinimize
	}
	return o.compare.Compare(results, weights, sense)
}

// ExpireOverdue times out swarms still coordinating past their submission
// deadline plus grace. The per-swarm context normally handles this; the
// sweep catches coordination goroutines that died without cleanup.
func (o *Orchestrator) ExpireOverdue(grace time.Duration) int {
	now := time.Now()
	var overdue []string
	o.mu.RLock()
	for id, deadline := range o.deadlines {
		if now.After(deadline.Add(grace)) {
			overdue = append(overdue, id)
		}
	}
	o.mu.RUnlock()

	for _, id := range overdue {
		slog.Warn("expiring overdue swarm", "swarm", id)
		_ = o.swarms.ExpireDeadline(id)
	}
	return len(overdue)
}

func (o *Orchestrator) trackWorker(d *dispatchState) {
	o.mu.Lock()
	o.workers[d.workerID] = &workerRef{swarmID: d.swarmID, solver: d.solver, spec: d.spec}
	o.mu.Unlock()
}

func (o *Orchestrator) dropWorker(workerID string) {
	o.mu.Lock()
	delete(o.workers, workerID)
	o.mu.Unlock()
}

func (o *Orchestrator) handleProgress(p solver.Progress) {
	o.mu.Lock()
	ref, ok := o.workers[p.WorkerID]
	if ok {
		ref.percent = p.Percent
	}
	swarmID := ""
	if ok {
		swarmID = ref.swarmID
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	_ = o.swarms.UpdateProgress(swarmID, p.WorkerID, p.Percent, p.Phase, p.Objective)
}

func (o *Orchestrator) handleIntermediate(workerID string, res solver.Result) {
	o.mu.RLock()
	ref, ok := o.workers[workerID]
	var (
		swarmID string
		percent float64
		spec    *solver.Spec
	)
	if ok {
		swarmID = ref.swarmID
		percent = ref.percent
		spec = ref.spec
	}
	o.mu.RUnlock()
	if !ok {
		return
	}
	_ = o.swarms.AddResult(swarmID, workerID, &res, true)
	o.saveCheckpoint(swarmID, workerID, percent, spec, &res)
}

// saveCheckpoint persists an intermediate result so a later attempt can
// resume from it. One row per worker, newest wins.
func (o *Orchestrator) saveCheckpoint(swarmID, workerID string, percent float64, spec *solver.Spec, res *solver.Result) {
	inter, err := json.Marshal(res)
	if err != nil {
		return
	}
	cp := &store.Checkpoint{
		ID:           "cp-" + workerID,
		Operation:    "solve",
		SwarmID:      swarmID,
		Solver:       res.Solver,
		Intermediate: inter,
		Progress:     percent,
	}
	if spec != nil {
		if problem, err := json.Marshal(spec); err == nil {
			cp.ProblemData = problem
		}
	}
	if _, err := o.recovery.CreateCheckpoint(cp); err != nil {
		slog.Warn("checkpoint save failed", "swarm", swarmID, "worker", workerID, "error", err)
	}
}
