package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/recovery"
	"github.com/mtzanidakis/sminos/internal/runner"
	"github.com/mtzanidakis/sminos/internal/solver"
	"github.com/mtzanidakis/sminos/internal/store"
)

// dispatchState is the mutable context of one worker slot. Recovery may
// swap its solver, tuning and hints between attempts; the slot itself
// stays bound to one worker id for the swarm's lifetime.
type dispatchState struct {
	swarmID    string
	workerID   string
	solver     string
	spec       *solver.Spec
	baseHints  *solver.Hints
	hints      *solver.Hints
	pool       *store.Pool
	budget     time.Duration
	timeFactor float64
	retries    int
	attempted  []string
	excluded   []string
	degraded   bool
	resumed    bool
}

// runWorker drives one worker slot to a terminal state. Failures route
// through the recovery manager; whatever plan comes back is applied and the
// solve retried until it succeeds, the plans run out, or the attempt cap is
// reached.
func (o *Orchestrator) runWorker(ctx context.Context, d *dispatchState) {
	defer func() {
		if r := recover(); r != nil {
			slog.Error("worker panicked", "swarm", d.swarmID, "worker", d.workerID, "panic", r)
			_ = o.swarms.FailWorker(d.swarmID, d.workerID, fmt.Sprintf("worker panic: %v", r), d.attempted)
		}
		o.dropWorker(d.workerID)
	}()
	o.trackWorker(d)

	select {
	case o.sem <- struct{}{}:
	case <-ctx.Done():
		o.markWorkerDone(ctx, d)
		return
	}
	defer func() { <-o.sem }()

	_ = o.swarms.WorkerStarted(d.swarmID, d.workerID)

	for attempt := 0; ; attempt++ {
		if ctx.Err() != nil {
			o.markWorkerDone(ctx, d)
			return
		}
		if attempt >= maxWorkerAttempts {
			_ = o.swarms.FailWorker(d.swarmID, d.workerID, "recovery attempts exhausted", d.attempted)
			return
		}

		res, err := o.attemptSolve(ctx, d)
		if err == nil {
			_ = o.registry.MarkAvailability(d.solver, true)
			_ = o.swarms.AddResult(d.swarmID, d.workerID, res, false)
			return
		}
		if ctx.Err() != nil {
			o.markWorkerDone(ctx, d)
			return
		}

		var f *solver.Failure
		if errors.As(err, &f) && f.Reason == solver.ReasonUnavailable {
			_ = o.registry.MarkAvailability(d.solver, false)
		}
		slog.Warn("worker attempt failed",
			"swarm", d.swarmID, "worker", d.workerID, "solver", d.solver, "attempt", attempt, "error", err)

		ec := o.recovery.NewContext(err, "solve", d.solver, d.swarmID, d.retries)
		ec.Characteristics = d.spec.Characteristics
		ec.Excluded = d.excluded
		ec.Resumed = d.resumed
		out := o.recovery.Recover(ctx, ec)
		d.attempted = appendStrategies(d.attempted, out.Attempted)

		switch {
		case out.Exhausted:
			_ = o.swarms.FailWorker(d.swarmID, d.workerID, err.Error(), d.attempted)
			return
		case out.BreakerTripped != "":
			reason := fmt.Sprintf("circuit breaker %s tripped: %v", out.BreakerTripped, err)
			_ = o.swarms.FailWorker(d.swarmID, d.workerID, reason, d.attempted)
			return
		case out.Partial != nil:
			o.salvageWorker(d, err)
			return
		case out.Alternative != "":
			if err := o.switchSolver(d, out.Alternative); err != nil {
				return
			}
		case out.Checkpoint != nil:
			d.retries++
			d.resumed = true
			d.hints = hintsWithCheckpoint(d.hints, out.Checkpoint)
		case out.Retry != nil:
			// Recover already slept the backoff.
			d.retries++
		case out.Fallback != nil:
			if out.Degraded {
				if d.degraded {
					_ = o.swarms.FailWorker(d.swarmID, d.workerID,
						fmt.Sprintf("failed after degraded rerun: %v", err), d.attempted)
					return
				}
				d.degraded = true
			}
			d.retries++
			applyFallback(d, out.Fallback)
		default:
			_ = o.swarms.FailWorker(d.swarmID, d.workerID, err.Error(), d.attempted)
			return
		}
	}
}

// attemptSolve performs one solve attempt against the slot's current solver.
func (o *Orchestrator) attemptSolve(ctx context.Context, d *dispatchState) (*solver.Result, error) {
	if !o.recovery.CanExecute(recovery.CategorySolverExecution) {
		return nil, &solver.Failure{Solver: d.solver, Reason: solver.ReasonResources,
			Msg: "solver execution circuit open"}
	}
	def, ok := o.registry.GetDefinition(d.solver)
	if !ok {
		return nil, &solver.Failure{Solver: d.solver, Reason: solver.ReasonUnavailable,
			Msg: "solver not registered"}
	}

	workDir := filepath.Join(o.pools.RunPath(d.pool.Folder, d.swarmID), d.workerID)
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, &solver.Failure{Solver: d.solver, Reason: solver.ReasonResources,
			Msg: "create work dir", Err: err}
	}
	env, err := o.solverEnv(d.solver, workDir, def)
	if err != nil {
		return nil, &solver.Failure{Solver: d.solver, Reason: solver.ReasonBadConfig,
			Msg: "resolve solver environment", Err: err}
	}

	adapter, err := o.runtime.Adapter(runner.WorkerEnv{
		WorkerID:   d.workerID,
		SwarmID:    d.swarmID,
		WorkDir:    workDir,
		ProblemDir: o.pools.ProblemPath(d.pool.Folder),
		Env:        env,
	}, d.solver, def)
	if err != nil {
		return nil, &solver.Failure{Solver: d.solver, Reason: solver.ReasonBadConfig,
			Msg: "build adapter", Err: err}
	}
	if !adapter.Available(ctx) {
		return nil, &solver.Failure{Solver: d.solver, Reason: solver.ReasonUnavailable,
			Msg: "solver reports unavailable"}
	}

	budget := d.budget
	if d.timeFactor > 0 && d.timeFactor < 1 {
		budget = time.Duration(float64(budget) * d.timeFactor)
	}
	attemptSpec := *d.spec
	attemptSpec.TimeLimit = budget

	attemptCtx, cancel := context.WithTimeout(ctx, budget)
	defer cancel()
	return adapter.Solve(attemptCtx, &attemptSpec, d.hints)
}

// solverEnv resolves tuning env vars and license secrets for one attempt.
// License files are materialized in the worker's work dir so container
// solvers see them under the mounted /work path.
func (o *Orchestrator) solverEnv(solverID, workDir string, def config.SolverDefinition) (map[string]string, error) {
	t, err := o.registry.GetTuning(solverID)
	if err != nil {
		return nil, err
	}
	if t == nil || t.IsEmpty() {
		return nil, nil
	}
	if err := t.ResolveSecretRefs(o.secretValue); err != nil {
		return nil, err
	}

	env := make(map[string]string, len(t.Env)+len(t.Licenses))
	for k, v := range t.Env {
		env[k] = v
	}
	for _, lic := range t.Licenses {
		val, err := o.secretValue(lic.Secret)
		if err != nil {
			return nil, err
		}
		if lic.File == "" {
			if lic.Env != "" {
				env[lic.Env] = val
			}
			continue
		}
		base := filepath.Base(lic.File)
		if err := os.WriteFile(filepath.Join(workDir, base), []byte(val), 0o600); err != nil {
			return nil, fmt.Errorf("write license file: %w", err)
		}
		path := filepath.Join(workDir, base)
		if def.Kind == "container" {
			path = "/work/" + base
		}
		if lic.Env != "" {
			env[lic.Env] = path
		}
	}
	if len(env) == 0 {
		return nil, nil
	}
	return env, nil
}

func (o *Orchestrator) secretValue(name string) (string, error) {
	sec, err := o.store.GetSecretByName(name)
	if err != nil {
		return "", err
	}
	if sec == nil {
		return "", fmt.Errorf("secret %q not found", name)
	}
	if o.vault == nil {
		return "", fmt.Errorf("vault is not configured")
	}
	val, err := o.vault.Decrypt(sec.Value, sec.Nonce)
	if err != nil {
		return "", err
	}
	return string(val), nil
}

func appendStrategies(attempted []string, more []recovery.Strategy) []string {
	seen := make(map[string]bool, len(attempted))
	for _, s := range attempted {
		seen[s] = true
	}
	for _, s := range more {
		if name := string(s); !seen[name] {
			seen[name] = true
			attempted = append(attempted, name)
		}
	}
	return attempted
}

// markWorkerDone records the right terminal state for a worker stopped by
// the swarm context rather than its own failure.
func (o *Orchestrator) markWorkerDone(ctx context.Context, d *dispatchState) {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		_ = o.swarms.TimeoutWorker(d.swarmID, d.workerID, "swarm deadline reached")
		return
	}
	_ = o.swarms.CancelWorker(d.swarmID, d.workerID, "swarm cancelled")
}

// switchSolver rebinds the slot to a substitute solver with a fresh retry
// budget and the slot's original hints.
func (o *Orchestrator) switchSolver(d *dispatchState, next string) error {
	if err := o.swarms.ReassignWorker(d.swarmID, d.workerID, next); err != nil {
		return err
	}
	o.mu.Lock()
	if ref, ok := o.workers[d.workerID]; ok {
		ref.solver = next
	}
	o.mu.Unlock()

	d.excluded = append(d.excluded, next)
	d.solver = next
	d.retries = 0
	d.timeFactor = 0
	d.degraded = false
	d.resumed = false
	d.hints = cloneHints(d.baseHints)
	return nil
}

// salvageWorker closes the slot with its own best intermediate result. A
// slot that never produced one fails outright; the swarm still completes
// if any sibling delivered.
func (o *Orchestrator) salvageWorker(d *dispatchState, cause error) {
	res, ok := o.swarms.BestIntermediate(d.swarmID, d.workerID)
	if !ok {
		_ = o.swarms.FailWorker(d.swarmID, d.workerID, cause.Error(), d.attempted)
		return
	}
	if res.Diagnostics == nil {
		res.Diagnostics = make(map[string]string)
	}
	res.Diagnostics["recovered"] = "partial_result"
	res.Diagnostics["failure"] = cause.Error()

	_ = o.swarms.AppendEvent(d.swarmID, "partial_result_salvaged", map[string]any{
		"worker":  d.workerID,
		"solver":  d.solver,
		"failure": cause.Error(),
	})
	_ = o.swarms.AddResult(d.swarmID, d.workerID, res, false)
}

// cloneHints deep-copies hints so per-attempt mutation never leaks into the
// shared base.
func cloneHints(h *solver.Hints) *solver.Hints {
	if h == nil {
		return &solver.Hints{}
	}
	out := &solver.Hints{Profile: h.Profile}
	if len(h.Insights) > 0 {
		out.Insights = append([]string(nil), h.Insights...)
	}
	if len(h.WarmStart) > 0 {
		out.WarmStart = make(map[string]float64, len(h.WarmStart))
		for k, v := range h.WarmStart {
			out.WarmStart[k] = v
		}
	}
	if len(h.Parameters) > 0 {
		out.Parameters = make(map[string]any, len(h.Parameters))
		for k, v := range h.Parameters {
			out.Parameters[k] = v
		}
	}
	return out
}

// applyFallback folds a fallback plan into the slot's hints and time budget.
func applyFallback(d *dispatchState, plan *recovery.FallbackPlan) {
	h := cloneHints(d.hints)
	h.Profile = plan.Profile
	if len(plan.Parameters) > 0 {
		if h.Parameters == nil {
			h.Parameters = make(map[string]any, len(plan.Parameters))
		}
		for k, v := range plan.Parameters {
			h.Parameters[k] = v
		}
	}
	d.hints = h
	if plan.TimeFactor > 0 {
		d.timeFactor = plan.TimeFactor
	}
}

// hintsWithCheckpoint warm-starts the next attempt from a checkpointed
// intermediate result.
func hintsWithCheckpoint(h *solver.Hints, cp *store.Checkpoint) *solver.Hints {
	out := cloneHints(h)
	var res solver.Result
	if err := json.Unmarshal(cp.Intermediate, &res); err != nil {
		return out
	}
	if len(res.Assignment) > 0 {
		if out.WarmStart == nil {
			out.WarmStart = make(map[string]float64, len(res.Assignment))
		}
		for k, v := range res.Assignment {
			out.WarmStart[k] = v
		}
	}
	out.Insights = append(out.Insights,
		fmt.Sprintf("resumed from checkpoint at %.0f%% progress", cp.Progress))
	return out
}
