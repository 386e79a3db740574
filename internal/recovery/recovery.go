// Package recovery classifies solver failures and works through recovery
// strategies, guarded by per-category circuit breakers.
package recovery

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sort"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/natsbus"
	"github.com/mtzanidakis/sminos/internal/solver"
	"github.com/mtzanidakis/sminos/internal/store"
	"github.com/mtzanidakis/sminos/internal/tuning"
)

// Strategy is one recovery technique the manager can attempt.
type Strategy string

const (
	StrategyRetrySame         Strategy = "retry_same_solver"
	StrategyFallbackConfig    Strategy = "retry_with_fallback_config"
	StrategyAlternativeSolver Strategy = "switch_to_alternative_solver"
	StrategyPartialResult     Strategy = "partial_result_recovery"
	StrategyCheckpointResume  Strategy = "checkpoint_resumption"
	StrategyGracefulDegrade   Strategy = "graceful_degradation"
	StrategyBreakerActivation Strategy = "circuit_breaker_activation"
)

// strategiesByKind orders the strategies tried for each failure kind.
// Retry of the same solver and checkpoint resumption are prepended
// dynamically when applicable, see selectStrategies.
var strategiesByKind = map[Kind][]Strategy{
	KindSolverUnavailable:  {StrategyAlternativeSolver, StrategyGracefulDegrade},
	KindSolverExecution:    {StrategyFallbackConfig, StrategyAlternativeSolver, StrategyPartialResult},
	KindTimeout:            {StrategyCheckpointResume, StrategyFallbackConfig, StrategyAlternativeSolver},
	KindMemoryExhaustion:   {StrategyFallbackConfig, StrategyGracefulDegrade, StrategyBreakerActivation},
	KindResourceExhaustion: {StrategyBreakerActivation, StrategyGracefulDegrade},
	KindNetwork:            {StrategyAlternativeSolver, StrategyBreakerActivation},
	KindConfiguration:      {StrategyFallbackConfig, StrategyAlternativeSolver},
	KindData:               {StrategyGracefulDegrade},
	KindSwarmCoordination:  {StrategyPartialResult, StrategyGracefulDegrade, StrategyBreakerActivation},
	KindUnknown:            {StrategyFallbackConfig, StrategyAlternativeSolver, StrategyGracefulDegrade},
}

// ErrorContext carries everything known about one failure.
type ErrorContext struct {
	ID              string    `json:"id"`
	Kind            Kind      `json:"kind"`
	Operation       string    `json:"operation"`
	SolverID        string    `json:"solver_id,omitempty"`
	SwarmID         string    `json:"swarm_id,omitempty"`
	RetryCount      int       `json:"retry_count"`
	MaxRetries      int       `json:"max_retries"`
	Message         string    `json:"message"`
	Timestamp       time.Time `json:"timestamp"`
	Characteristics []string  `json:"characteristics,omitempty"`
	Excluded        []string  `json:"excluded,omitempty"`
	// Resumed marks a worker slot that already replayed a checkpoint, so
	// resumption is not offered again for the same stuck solve.
	Resumed bool `json:"resumed,omitempty"`
}

// RetryPlan asks the caller to rerun the same solver. The delay has
// already been waited out by Recover.
type RetryPlan struct {
	Delay time.Duration `json:"delay"`
}

// FallbackPlan asks the caller to rerun with altered tuning.
type FallbackPlan struct {
	Profile    string         `json:"profile"`
	Parameters map[string]any `json:"parameters,omitempty"`
	TimeFactor float64        `json:"time_factor,omitempty"`
}

// Outcome is the result of one Recover call. Exactly one of the plan
// fields is populated on success; Exhausted is set when every strategy
// failed.
type Outcome struct {
	Strategy       Strategy          `json:"strategy,omitempty"`
	Attempted      []Strategy        `json:"attempted"`
	Retry          *RetryPlan        `json:"retry,omitempty"`
	Fallback       *FallbackPlan     `json:"fallback,omitempty"`
	Alternative    string            `json:"alternative,omitempty"`
	Partial        *solver.Result    `json:"partial,omitempty"`
	Checkpoint     *store.Checkpoint `json:"checkpoint,omitempty"`
	Degraded       bool              `json:"degraded,omitempty"`
	BreakerTripped Category          `json:"breaker_tripped,omitempty"`
	Exhausted      bool              `json:"exhausted,omitempty"`
}

// AlternativePicker finds a replacement solver for a failed one.
type AlternativePicker interface {
	Alternative(characteristics []string, exclude []string) (string, bool)
}

// PartialSource exposes the best result other workers in a swarm have
// produced so far.
type PartialSource interface {
	BestPartial(swarmID string) (*solver.Result, bool)
}

// TuningSource resolves per-solver tuning, including fallback profiles.
type TuningSource interface {
	GetTuning(solverID string) (*tuning.SolverTuning, error)
}

// Manager owns failure classification, strategy execution and the
// circuit breakers.
type Manager struct {
	store        *store.Store
	nc           *natsbus.Client
	tunings      TuningSource
	alternatives AlternativePicker
	partials     PartialSource
	cfg          config.RecoveryConfig
	breakers     map[Category]*CircuitBreaker
}

// NewManager wires a recovery manager. nc may be nil when breaker
// transition events need not be published.
func NewManager(s *store.Store, nc *natsbus.Client, tunings TuningSource, alternatives AlternativePicker, partials PartialSource, cfg config.RecoveryConfig) *Manager {
	m := &Manager{
		store:        s,
		nc:           nc,
		tunings:      tunings,
		alternatives: alternatives,
		partials:     partials,
		cfg:          cfg,
		breakers:     make(map[Category]*CircuitBreaker, 4),
	}
	for _, cat := range []Category{CategorySolverExecution, CategoryMemory, CategorySwarmCoordination, CategoryNetwork} {
		b := NewCircuitBreaker(string(cat), cfg.FailureThreshold, cfg.RecoveryTimeout, cfg.SuccessThreshold)
		b.OnTransition(m.publishTransition)
		m.breakers[cat] = b
	}
	return m
}

// SetPartialSource attaches the partial result source after construction.
// The swarm manager depends on recovery, so it registers itself here once
// built.
func (m *Manager) SetPartialSource(p PartialSource) {
	m.partials = p
}

// NewContext builds an ErrorContext for err, classifying it and filling in
// the configured retry budget.
func (m *Manager) NewContext(err error, operation, solverID, swarmID string, retryCount int) *ErrorContext {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	return &ErrorContext{
		ID:         uuid.NewString(),
		Kind:       Classify(err),
		Operation:  operation,
		SolverID:   solverID,
		SwarmID:    swarmID,
		RetryCount: retryCount,
		MaxRetries: m.cfg.MaxRetries,
		Message:    msg,
		Timestamp:  time.Now(),
	}
}

// Recover works through the strategies for the failure until one yields a
// plan. Every attempt feeds the category's circuit breaker. When all
// strategies fail, the outcome has Exhausted set and the caller marks the
// worker failed.
func (m *Manager) Recover(ctx context.Context, ec *ErrorContext) *Outcome {
	br := m.breakers[categoryFor(ec.Kind)]
	strategies := m.selectStrategies(ec)

	var attempted []Strategy
	for _, s := range strategies {
		if ctx.Err() != nil {
			break
		}
		attempted = append(attempted, s)

		out, ok := m.attempt(ctx, s, ec)
		if !ok {
			br.RecordFailure()
			slog.Debug("recovery strategy not applicable",
				"strategy", s, "kind", ec.Kind, "solver", ec.SolverID, "swarm", ec.SwarmID)
			continue
		}
		if s != StrategyBreakerActivation {
			br.RecordSuccess()
		}

		out.Strategy = s
		out.Attempted = attempted
		slog.Info("recovery strategy selected",
			"strategy", s, "kind", ec.Kind, "solver", ec.SolverID, "swarm", ec.SwarmID, "retry", ec.RetryCount)
		return out
	}

	slog.Warn("recovery exhausted",
		"kind", ec.Kind, "solver", ec.SolverID, "swarm", ec.SwarmID, "attempted", len(attempted))
	return &Outcome{Exhausted: true, Attempted: attempted}
}

// selectStrategies starts from the kind's table and prepends checkpoint
// resumption when a live checkpoint exists, then a plain retry while the
// retry budget lasts.
func (m *Manager) selectStrategies(ec *ErrorContext) []Strategy {
	base, ok := strategiesByKind[ec.Kind]
	if !ok {
		base = strategiesByKind[KindUnknown]
	}

	list := make([]Strategy, 0, len(base)+2)
	list = append(list, base...)

	if ec.SwarmID != "" && !ec.Resumed {
		if _, ok := m.liveCheckpoint(ec.SwarmID, ec.SolverID); ok {
			list = append([]Strategy{StrategyCheckpointResume}, list...)
		}
	}
	if ec.RetryCount < ec.MaxRetries {
		list = append([]Strategy{StrategyRetrySame}, list...)
	}

	seen := make(map[Strategy]bool, len(list))
	out := list[:0]
	for _, s := range list {
		if seen[s] {
			continue
		}
		seen[s] = true
		out = append(out, s)
	}
	return out
}

func (m *Manager) attempt(ctx context.Context, s Strategy, ec *ErrorContext) (*Outcome, bool) {
	switch s {
	case StrategyRetrySame:
		return m.attemptRetry(ctx, ec)
	case StrategyFallbackConfig:
		return m.attemptFallbackConfig(ec)
	case StrategyAlternativeSolver:
		return m.attemptAlternative(ec)
	case StrategyPartialResult:
		return m.attemptPartial(ec)
	case StrategyCheckpointResume:
		return m.attemptCheckpoint(ec)
	case StrategyGracefulDegrade:
		return m.attemptDegrade(ec)
	case StrategyBreakerActivation:
		return m.attemptBreaker(ec)
	default:
		return nil, false
	}
}

// attemptRetry waits out an exponential backoff with jitter, then hands
// back a retry plan.
func (m *Manager) attemptRetry(ctx context.Context, ec *ErrorContext) (*Outcome, bool) {
	if ec.RetryCount >= ec.MaxRetries {
		return nil, false
	}

	delay := m.backoff(ec.RetryCount)
	select {
	case <-ctx.Done():
		return nil, false
	case <-time.After(delay):
	}
	return &Outcome{Retry: &RetryPlan{Delay: delay}}, true
}

// backoff doubles the base delay per retry, caps it at the configured
// maximum, then scales by a jitter factor in [0.5, 1.0).
func (m *Manager) backoff(retryCount int) time.Duration {
	d := m.cfg.BaseDelay
	for i := 0; i < retryCount && d < m.cfg.MaxDelay; i++ {
		d *= 2
	}
	if d > m.cfg.MaxDelay {
		d = m.cfg.MaxDelay
	}
	return time.Duration(float64(d) * (0.5 + 0.5*rand.Float64()))
}

// attemptFallbackConfig resolves the solver's next fallback tuning
// profile. Solvers without configured fallbacks cannot use this strategy.
func (m *Manager) attemptFallbackConfig(ec *ErrorContext) (*Outcome, bool) {
	if ec.SolverID == "" || m.tunings == nil {
		return nil, false
	}
	t, err := m.tunings.GetTuning(ec.SolverID)
	if err != nil || t == nil {
		return nil, false
	}
	// Walk the fallback ladder as retries accumulate, staying on the last
	// rung once past the end.
	idx := ec.RetryCount
	if n := len(t.Fallbacks); n > 0 && idx >= n {
		idx = n - 1
	}
	name, ok := t.FallbackProfile(idx)
	if !ok {
		return nil, false
	}
	params, err := t.ProfileParameters(name)
	if err != nil {
		return nil, false
	}
	return &Outcome{Fallback: &FallbackPlan{
		Profile:    name,
		Parameters: params,
		TimeFactor: t.Profiles[name].TimeFactor,
	}}, true
}

func (m *Manager) attemptAlternative(ec *ErrorContext) (*Outcome, bool) {
	if m.alternatives == nil {
		return nil, false
	}
	exclude := make([]string, 0, len(ec.Excluded)+1)
	exclude = append(exclude, ec.Excluded...)
	if ec.SolverID != "" {
		exclude = append(exclude, ec.SolverID)
	}
	alt, ok := m.alternatives.Alternative(ec.Characteristics, exclude)
	if !ok {
		return nil, false
	}
	return &Outcome{Alternative: alt}, true
}

func (m *Manager) attemptPartial(ec *ErrorContext) (*Outcome, bool) {
	if m.partials == nil || ec.SwarmID == "" {
		return nil, false
	}
	best, ok := m.partials.BestPartial(ec.SwarmID)
	if !ok || best == nil {
		return nil, false
	}
	return &Outcome{Partial: best, Degraded: true}, true
}

func (m *Manager) attemptCheckpoint(ec *ErrorContext) (*Outcome, bool) {
	if ec.SwarmID == "" {
		return nil, false
	}
	cp, ok := m.liveCheckpoint(ec.SwarmID, ec.SolverID)
	if !ok {
		return nil, false
	}
	return &Outcome{Checkpoint: cp}, true
}

// attemptDegrade lowers the bar: rerun on a quarter of the time budget
// and accept the first feasible answer.
func (m *Manager) attemptDegrade(ec *ErrorContext) (*Outcome, bool) {
	if ec.SolverID == "" {
		return nil, false
	}
	return &Outcome{
		Degraded: true,
		Fallback: &FallbackPlan{Profile: "degraded", TimeFactor: 0.25},
	}, true
}

func (m *Manager) attemptBreaker(ec *ErrorContext) (*Outcome, bool) {
	cat := categoryFor(ec.Kind)
	m.breakers[cat].Trip()
	return &Outcome{BreakerTripped: cat}, true
}

// CanExecute consults the breaker guarding the category before a dispatch.
func (m *Manager) CanExecute(cat Category) bool {
	br, ok := m.breakers[cat]
	if !ok {
		return true
	}
	return br.CanExecute()
}

// Breaker returns the breaker for a category, nil when unknown.
func (m *Manager) Breaker(cat Category) *CircuitBreaker {
	return m.breakers[cat]
}

// BreakerSnapshots returns all breaker states sorted by name.
func (m *Manager) BreakerSnapshots() []BreakerSnapshot {
	snaps := make([]BreakerSnapshot, 0, len(m.breakers))
	for _, b := range m.breakers {
		snaps = append(snaps, b.Snapshot())
	}
	sort.Slice(snaps, func(i, j int) bool { return snaps[i].Name < snaps[j].Name })
	return snaps
}

func (m *Manager) publishTransition(name string, from, to BreakerState) {
	slog.Info("circuit breaker transition", "category", name, "from", from, "to", to)
	if m.nc == nil {
		return
	}
	err := m.nc.PublishJSON(natsbus.TopicEventsBreakerID(name), map[string]any{
		"category": name,
		"from":     from,
		"to":       to,
		"at":       time.Now().UTC(),
	})
	if err != nil {
		slog.Error("publish breaker transition", "category", name, "error", err)
	}
}
