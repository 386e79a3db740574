package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"sync"

	"github.com/mtzanidakis/sminos/internal/solver"
	"github.com/mtzanidakis/sminos/internal/swarm"
)

const (
	// consensusIterations caps the propose and vote loop of a peer to peer
	// swarm.
	consensusIterations = 3
	// consensusThreshold is the top proposal score at which the peers stop
	// iterating and accept the consensus.
	consensusThreshold = 0.8
)

// runRound launches one worker per line-up slot and waits for all of them to
// reach a terminal state. All workers of a round share the same hints.
func (o *Orchestrator) runRound(ctx context.Context, l *launch, ids []string, hints *solver.Hints) {
	var wg sync.WaitGroup
	for i, workerID := range ids {
		d := &dispatchState{
			swarmID:   l.id,
			workerID:  workerID,
			solver:    l.lineup[i],
			spec:      l.spec,
			baseHints: hints,
			hints:     cloneHints(hints),
			pool:      l.pool,
			budget:    l.budget,
			excluded:  []string{l.lineup[i]},
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			o.runWorker(ctx, d)
		}()
	}
	wg.Wait()
}

// runCompetitive races the whole line-up once. Ranking and winner selection
// happen in the swarm manager when the last worker lands.
func (o *Orchestrator) runCompetitive(ctx context.Context, l *launch) {
	o.runRound(ctx, l, l.workerIDs, nil)
}

// runCollaborative executes a fixed number of rounds. Insights and the best
// assignment of each round are merged into the hints of the next, so later
// rounds warm-start from everything the swarm has learned.
func (o *Orchestrator) runCollaborative(ctx context.Context, l *launch) {
	rounds := o.cfg.CollaborativeRounds
	if rounds < 1 {
		rounds = 2
	}

	if err := o.swarms.Hold(l.id); err != nil {
		return
	}
	defer func() { _ = o.swarms.Release(l.id) }()

	var (
		roundBest []*solver.Result
		insights  []string
		hints     *solver.Hints
	)
	for r := 1; r <= rounds; r++ {
		if ctx.Err() != nil {
			break
		}
		ids := l.workerIDs
		if r > 1 {
			ids = make([]string, len(l.lineup))
			seeds := make([]swarm.WorkerSeed, len(l.lineup))
			for i, solverID := range l.lineup {
				ids[i] = fmt.Sprintf("%s-w%d-r%d", l.short, i+1, r)
				seeds[i] = swarm.WorkerSeed{ID: ids[i], Solver: solverID}
			}
			if err := o.swarms.AddWorkers(l.id, seeds); err != nil {
				slog.Error("seed collaboration round failed", "swarm", l.id, "round", r, "error", err)
				break
			}
		}

		o.runRound(ctx, l, ids, hints)

		best, reported := o.roundOutcome(l.id, ids, l.spec.Sense)
		roundBest = append(roundBest, best)
		insights = mergeInsights(insights, reported)

		hints = &solver.Hints{Insights: insights}
		data := map[string]any{
			"round":           r,
			"shared_insights": insights,
		}
		if best != nil {
			hints.WarmStart = best.Assignment
			data["best_solver"] = best.Solver
			if best.Objective != nil {
				data["best_objective"] = *best.Objective
			}
		}
		_ = o.swarms.AppendEvent(l.id, "round_completed", data)
	}

	_ = o.swarms.AppendEvent(l.id, "collaboration_summary", map[string]any{
		"rounds":          len(roundBest),
		"improvement":     collaborationImprovement(roundBest, l.spec.Sense),
		"shared_insights": insights,
	})
}

// runPeerToPeer iterates propose and vote rounds. Every peer submits its
// result as a proposal; the comparator scores them and the accepted proposal
// seeds the next iteration until the top score clears the consensus
// threshold or the iteration cap is hit.
func (o *Orchestrator) runPeerToPeer(ctx context.Context, l *launch) {
	if err := o.swarms.Hold(l.id); err != nil {
		return
	}
	defer func() { _ = o.swarms.Release(l.id) }()

	var (
		accepted   *solver.Result
		confidence float64
		converged  bool
		iterations int
		hints      *solver.Hints
	)
	for it := 1; it <= consensusIterations; it++ {
		if ctx.Err() != nil {
			break
		}
		ids := l.workerIDs
		if it > 1 {
			ids = make([]string, len(l.lineup))
			seeds := make([]swarm.WorkerSeed, len(l.lineup))
			for i, solverID := range l.lineup {
				ids[i] = fmt.Sprintf("%s-w%d-v%d", l.short, i+1, it)
				seeds[i] = swarm.WorkerSeed{ID: ids[i], Solver: solverID}
			}
			if err := o.swarms.AddWorkers(l.id, seeds); err != nil {
				slog.Error("seed consensus iteration failed", "swarm", l.id, "iteration", it, "error", err)
				break
			}
		}

		o.runRound(ctx, l, ids, hints)
		iterations = it

		proposals := o.iterationProposals(l.id, ids)
		if len(proposals) == 0 {
			continue
		}
		vote, err := o.compare.Compare(proposals, nil, l.spec.Sense)
		if err != nil {
			slog.Warn("consensus vote failed", "swarm", l.id, "iteration", it, "error", err)
			continue
		}
		confidence = vote.Confidence
		topScore := vote.Scores[0].Total
		for i := range proposals {
			if proposals[i].Solver == vote.Best {
				accepted = &proposals[i]
				break
			}
		}

		_ = o.swarms.AppendEvent(l.id, "consensus_round", map[string]any{
			"iteration":  it,
			"peers":      len(proposals),
			"accepted":   vote.Best,
			"top_score":  topScore,
			"confidence": vote.Confidence,
		})

		if topScore >= consensusThreshold {
			converged = true
			break
		}
		hints = consensusHints(accepted, it)
	}

	data := map[string]any{
		"iterations": iterations,
		"confidence": confidence,
		"converged":  converged,
	}
	if accepted != nil {
		data["solution"] = accepted.Solver
		if accepted.Objective != nil {
			data["objective"] = *accepted.Objective
		}
	}
	_ = o.swarms.AppendEvent(l.id, "consensus_summary", data)
}

// iterationProposals collects the final results of the given workers from
// the swarm's current snapshot.
func (o *Orchestrator) iterationProposals(swarmID string, ids []string) []solver.Result {
	snap, err := o.swarms.Status(swarmID)
	if err != nil {
		return nil
	}
	members := make(map[string]bool, len(ids))
	for _, id := range ids {
		members[id] = true
	}
	var out []solver.Result
	for _, w := range snap.Workers {
		if members[w.ID] && w.Result != nil {
			out = append(out, *w.Result)
		}
	}
	return out
}

// roundOutcome picks the round's best result and gathers the insights its
// workers reported.
func (o *Orchestrator) roundOutcome(swarmID string, ids []string, sense solver.Sense) (*solver.Result, []string) {
	proposals := o.iterationProposals(swarmID, ids)
	var (
		best     *solver.Result
		insights []string
	)
	for i := range proposals {
		insights = append(insights, proposals[i].Insights...)
		if solver.ImprovesOn(&proposals[i], best, sense) {
			best = &proposals[i]
		}
	}
	return best, insights
}

// mergeInsights deduplicates insight lists preserving first-seen order.
func mergeInsights(lists ...[]string) []string {
	var out []string
	seen := make(map[string]bool)
	for _, list := range lists {
		for _, s := range list {
			if s == "" || seen[s] {
				continue
			}
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}

// collaborationImprovement measures the relative objective gain from the
// first round to the last, oriented by sense and clamped at zero.
func collaborationImprovement(roundBest []*solver.Result, sense solver.Sense) float64 {
	if len(roundBest) < 2 {
		return 0
	}
	first, last := roundBest[0], roundBest[len(roundBest)-1]
	if first == nil || last == nil || first.Objective == nil || last.Objective == nil {
		return 0
	}
	r1, rn := *first.Objective, *last.Objective
	if math.Abs(r1) < 1e-12 {
		return 0
	}
	var imp float64
	if sense == solver.SenseMaximize {
		imp = (rn - r1) / math.Abs(r1)
	} else {
		imp = (r1 - rn) / math.Abs(r1)
	}
	if imp < 0 || math.IsNaN(imp) || math.IsInf(imp, 0) {
		return 0
	}
	return imp
}

// consensusHints seeds the next iteration from the accepted proposal.
func consensusHints(accepted *solver.Result, iteration int) *solver.Hints {
	if accepted == nil {
		return nil
	}
	h := &solver.Hints{
		Insights:  append([]string(nil), accepted.Insights...),
		WarmStart: accepted.Assignment,
	}
	obj := "unknown"
	if accepted.Objective != nil {
		obj = fmt.Sprintf("%g", *accepted.Objective)
	}
	h.Insights = append(h.Insights,
		fmt.Sprintf("consensus seed from iteration %d: solver %s, objective %s", iteration, accepted.Solver, obj))
	return h
}
