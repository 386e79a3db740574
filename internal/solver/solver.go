package solver

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

// Status is the terminal classification a solver reports for one attempt.
type Status string

const (
	StatusOptimal    Status = "optimal"
	StatusFeasible   Status = "feasible"
	StatusInfeasible Status = "infeasible"
	StatusUnbounded  Status = "unbounded"
	StatusTimeout    Status = "timeout"
	StatusError      Status = "error"
)

func (s Status) Valid() bool {
	switch s {
	case StatusOptimal, StatusFeasible, StatusInfeasible, StatusUnbounded, StatusTimeout, StatusError:
		return true
	}
	return false
}

// Sense is the optimization direction of a problem.
type Sense string

const (
	SenseMinimize Sense = "minimize"
	SenseMaximize Sense = "maximize"
)

// Spec describes one problem instance handed to a solver.
type Spec struct {
	ProblemID       string         `json:"problem_id"`
	Name            string         `json:"name,omitempty"`
	Sense           Sense          `json:"sense"`
	Format          string         `json:"format"` // lp, mps or json
	Model           string         `json:"model"`
	Characteristics []string       `json:"characteristics,omitempty"`
	Parameters      map[string]any `json:"parameters,omitempty"`
	TimeLimit       time.Duration  `json:"time_limit_ns,omitempty"`
}

func (s *Spec) Validate() error {
	if s.ProblemID == "" {
		return fmt.Errorf("problem_id is required")
	}
	if s.Model == "" {
		return fmt.Errorf("model is empty")
	}
	switch s.Format {
	case "lp", "mps", "json":
	default:
		return fmt.Errorf("unknown model format %q", s.Format)
	}
	if s.Sense == "" {
		s.Sense = SenseMinimize
	}
	if s.Sense != SenseMinimize && s.Sense != SenseMaximize {
		return fmt.Errorf("unknown sense %q", s.Sense)
	}
	return nil
}

// Hints carries warm-start context into a solve attempt. All fields optional.
type Hints struct {
	Insights   []string           `json:"insights,omitempty"`
	WarmStart  map[string]float64 `json:"warm_start,omitempty"`
	Profile    string             `json:"profile,omitempty"`
	Parameters map[string]any     `json:"parameters,omitempty"`
}

// Quality holds the solution-quality indicators a solver may report.
type Quality struct {
	OptimalityGap        *float64 `json:"optimality_gap,omitempty"`
	FeasibilityGap       *float64 `json:"feasibility_gap,omitempty"`
	ConstraintViolations float64  `json:"constraint_violations,omitempty"`
	Feasible             bool     `json:"feasible"`
	Sensitivity          *float64 `json:"sensitivity,omitempty"`
	ObjectiveVariance    *float64 `json:"objective_variance,omitempty"`
}

// Result is the immutable outcome of one solver attempt.
type Result struct {
	Solver      string             `json:"solver"`
	Status      Status             `json:"status"`
	Objective   *float64           `json:"objective,omitempty"`
	Assignment  map[string]float64 `json:"assignment,omitempty"`
	Runtime     time.Duration      `json:"runtime_ns"`
	Quality     Quality            `json:"quality"`
	Diagnostics map[string]string  `json:"diagnostics,omitempty"`
	Insights    []string           `json:"insights,omitempty"`
	CompletedAt time.Time          `json:"completed_at"`
}

// HasSolution reports whether the result carries a usable assignment.
func (r *Result) HasSolution() bool {
	return r != nil && r.Objective != nil && len(r.Assignment) > 0
}

// ImprovesOn reports whether candidate has a strictly better objective than
// current for the given sense. A nil current always loses to a candidate with
// an objective.
func ImprovesOn(candidate, current *Result, sense Sense) bool {
	if candidate == nil || candidate.Objective == nil {
		return false
	}
	if current == nil || current.Objective == nil {
		return true
	}
	if sense == SenseMaximize {
		return *candidate.Objective > *current.Objective
	}
	return *candidate.Objective < *current.Objective
}

// Envelope is the wire form solvers report back in, over NATS or a result
// file. Exactly one of Result or Error is set.
type Envelope struct {
	WorkerID string  `json:"worker_id,omitempty"`
	Result   *Result `json:"result,omitempty"`
	Error    string  `json:"error,omitempty"`
	Reason   Reason  `json:"reason,omitempty"`
	// Intermediate marks a result the solver may still improve on. The
	// worker keeps running after sending one.
	Intermediate bool `json:"intermediate,omitempty"`
}

// Resolve validates the envelope and returns its result, converting a
// reported error into a typed Failure.
func (e *Envelope) Resolve(solverName string) (*Result, error) {
	if e.Error != "" {
		reason := e.Reason
		if reason == "" {
			reason = ReasonCrashed
		}
		return nil, &Failure{Solver: solverName, Reason: reason, Msg: e.Error}
	}
	if e.Result == nil {
		return nil, &Failure{Solver: solverName, Reason: ReasonCrashed, Msg: "envelope has neither result nor error"}
	}
	if !e.Result.Status.Valid() {
		return nil, &Failure{Solver: solverName, Reason: ReasonBadModel, Msg: fmt.Sprintf("unknown result status %q", e.Result.Status)}
	}
	if e.Result.Solver == "" {
		e.Result.Solver = solverName
	}
	if e.Result.CompletedAt.IsZero() {
		e.Result.CompletedAt = time.Now().UTC()
	}
	return e.Result, nil
}

// DecodeEnvelope parses a result envelope and converts a reported error into
// a typed Failure.
func DecodeEnvelope(data []byte, solverName string) (*Result, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, &Failure{Solver: solverName, Reason: ReasonBadModel, Msg: fmt.Sprintf("malformed result envelope: %v", err)}
	}
	return env.Resolve(solverName)
}

// Progress is the wire form of a progress report from a running solver.
type Progress struct {
	WorkerID  string   `json:"worker_id"`
	Percent   float64  `json:"percent"`
	Objective *float64 `json:"objective,omitempty"`
	Phase     string   `json:"phase,omitempty"`
}

// Adapter abstracts one way of executing a solver. Implementations must be
// safe for concurrent Solve calls.
type Adapter interface {
	Name() string
	Solve(ctx context.Context, spec *Spec, hints *Hints) (*Result, error)
	Available(ctx context.Context) bool
}
