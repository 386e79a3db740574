package compare

import (
	"fmt"
	"math"
	"sort"
	"time"

	"github.com/mtzanidakis/sminos/internal/solver"
)

// Weights distribute the total score across the four criteria. They must be
// non-negative and sum to 1.0 within tolerance.
type Weights struct {
	Optimality  float64 `json:"optimality"`
	Feasibility float64 `json:"feasibility"`
	Performance float64 `json:"performance"`
	Robustness  float64 `json:"robustness"`
}

const weightTolerance = 1e-6

func DefaultWeights() Weights {
	return Weights{Optimality: 0.4, Feasibility: 0.3, Performance: 0.2, Robustness: 0.1}
}

func (w Weights) Validate() error {
	if w.Optimality < 0 || w.Feasibility < 0 || w.Performance < 0 || w.Robustness < 0 {
		return fmt.Errorf("weights must not be negative")
	}
	sum := w.Optimality + w.Feasibility + w.Performance + w.Robustness
	if math.Abs(sum-1.0) > weightTolerance {
		return fmt.Errorf("weights must sum to 1.0, got %v", sum)
	}
	return nil
}

// Score is one solver's evaluation in a comparison. All criterion scores and
// the total are in [0,1].
type Score struct {
	Solver      string   `json:"solver"`
	Total       float64  `json:"total"`
	Optimality  float64  `json:"optimality"`
	Feasibility float64  `json:"feasibility"`
	Performance float64  `json:"performance"`
	Robustness  float64  `json:"robustness"`
	Rank        int      `json:"rank"`
	Percentile  float64  `json:"percentile"`
	Strengths   []string `json:"strengths,omitempty"`
	Weaknesses  []string `json:"weaknesses,omitempty"`
}

// Comparison is the ranked outcome of comparing a candidate set.
type Comparison struct {
	Scores     []Score   `json:"scores"`
	Best       string    `json:"best"`
	Confidence float64   `json:"confidence"`
	Rationale  string    `json:"rationale"`
	ComparedAt time.Time `json:"compared_at"`
}

// Comparator scores and ranks solver results. The explainer turns a finished
// comparison into the rationale text; nil selects the built-in template.
type Comparator struct {
	explainer Explainer
}

func New(explainer Explainer) *Comparator {
	if explainer == nil {
		explainer = templateExplainer{}
	}
	return &Comparator{explainer: explainer}
}

// Compare ranks the candidate results. Weights default when nil and are
// validated otherwise. The sense orients objective normalization.
func (c *Comparator) Compare(results []solver.Result, weights *Weights, sense solver.Sense) (*Comparison, error) {
	if len(results) == 0 {
		return nil, fmt.Errorf("no results to compare")
	}

	w := DefaultWeights()
	if weights != nil {
		if err := weights.Validate(); err != nil {
			return nil, err
		}
		w = *weights
	}

	objLo, objHi, objSpan := objectiveBounds(results)
	timeLo, timeHi := runtimeBounds(results)

	scores := make([]Score, 0, len(results))
	for i := range results {
		r := &results[i]
		sc := Score{
			Solver:      r.Solver,
			Optimality:  optimalityScore(r, sense, objLo, objHi, objSpan),
			Feasibility: feasibilityScore(r),
			Performance: performanceScore(r, timeLo, timeHi),
			Robustness:  robustnessScore(r),
		}
		sc.Total = clamp01(w.Optimality*sc.Optimality + w.Feasibility*sc.Feasibility +
			w.Performance*sc.Performance + w.Robustness*sc.Robustness)
		sc.Strengths, sc.Weaknesses = assess(sc)
		scores = append(scores, sc)
	}

	sort.Slice(scores, func(i, j int) bool {
		if scores[i].Total != scores[j].Total {
			return scores[i].Total > scores[j].Total
		}
		return scores[i].Solver < scores[j].Solver
	})

	n := len(scores)
	for i := range scores {
		scores[i].Rank = i + 1
		if n > 1 {
			scores[i].Percentile = 100 * float64(n-1-i) / float64(n-1)
		} else {
			scores[i].Percentile = 100
		}
	}

	cmp := &Comparison{
		Scores:     scores,
		Best:       scores[0].Solver,
		Confidence: confidence(scores),
		ComparedAt: time.Now(),
	}
	cmp.Rationale = c.explainer.Explain(cmp)
	return cmp, nil
}

// Optimality: min-max position of the objective among candidates that report
// one, oriented by sense, plus a small bonus for proven optimality.
func optimalityScore(r *solver.Result, sense solver.Sense, lo, hi float64, span bool) float64 {
	score := 0.0
	if r.Objective != nil {
		switch {
		case !span:
			score = 1.0
		case sense == solver.SenseMaximize:
			score = (*r.Objective - lo) / (hi - lo)
		default:
			score = (hi - *r.Objective) / (hi - lo)
		}
	}
	if r.Status == solver.StatusOptimal {
		score += 0.1
	}
	return clamp01(score)
}

// Feasibility: base score from the terminal status, reduced by reported
// constraint violations, with a bonus for a tight feasibility gap.
func feasibilityScore(r *solver.Result) float64 {
	var score float64
	switch r.Status {
	case solver.StatusOptimal:
		score = 1.0
	case solver.StatusFeasible:
		score = 0.8
	case solver.StatusTimeout:
		score = 0.5
	case solver.StatusUnbounded:
		score = 0.3
	default: // infeasible, error
		score = 0.0
	}

	score -= 0.1 * r.Quality.ConstraintViolations
	if r.Quality.FeasibilityGap != nil && *r.Quality.FeasibilityGap < 1e-6 {
		score += 0.1
	}
	return clamp01(score)
}

// Performance: an absolute runtime tier averaged with the min-max position
// among the candidate set's runtimes.
func performanceScore(r *solver.Result, lo, hi time.Duration) float64 {
	var tier float64
	switch {
	case r.Runtime <= time.Second:
		tier = 1.0
	case r.Runtime <= 10*time.Second:
		tier = 0.8
	case r.Runtime <= time.Minute:
		tier = 0.6
	case r.Runtime <= 5*time.Minute:
		tier = 0.4
	default:
		tier = 0.2
	}

	rel := 1.0
	if hi > lo {
		rel = float64(hi-r.Runtime) / float64(hi-lo)
	}
	return clamp01((tier + rel) / 2)
}

// Robustness: neutral baseline nudged by reported sensitivity and objective
// variance, plus a bonus for proven optimality.
func robustnessScore(r *solver.Result) float64 {
	score := 0.5
	if r.Quality.Sensitivity != nil {
		score += 0.2 * (0.5 - clamp01(*r.Quality.Sensitivity))
	}
	if r.Quality.ObjectiveVariance != nil {
		score -= math.Min(0.1, math.Abs(*r.Quality.ObjectiveVariance))
	}
	if r.Status == solver.StatusOptimal {
		score += 0.1
	}
	return clamp01(score)
}

func objectiveBounds(results []solver.Result) (lo, hi float64, span bool) {
	first := true
	for i := range results {
		obj := results[i].Objective
		if obj == nil {
			continue
		}
		if first {
			lo, hi = *obj, *obj
			first = false
			continue
		}
		if *obj < lo {
			lo = *obj
		}
		if *obj > hi {
			hi = *obj
		}
	}
	return lo, hi, hi > lo
}

func runtimeBounds(results []solver.Result) (lo, hi time.Duration) {
	for i, r := range results {
		if i == 0 || r.Runtime < lo {
			lo = r.Runtime
		}
		if r.Runtime > hi {
			hi = r.Runtime
		}
	}
	return lo, hi
}

// confidence reflects both the margin between the top two scores and the
// spread of the whole field. Floored so a winner is never reported with zero
// confidence; a single candidate has nothing to beat and gets 0.5.
func confidence(scores []Score) float64 {
	if len(scores) == 1 {
		return 0.5
	}

	margin := math.Min(1.0, 2*(scores[0].Total-scores[1].Total))

	var mean float64
	for _, s := range scores {
		mean += s.Total
	}
	mean /= float64(len(scores))
	var variance float64
	for _, s := range scores {
		variance += (s.Total - mean) * (s.Total - mean)
	}
	variance /= float64(len(scores))

	return math.Max(0.1, margin*(1-math.Min(0.5, variance)))
}

func assess(sc Score) (strengths, weaknesses []string) {
	criteria := []struct {
		name  string
		value float64
	}{
		{"optimality", sc.Optimality},
		{"feasibility", sc.Feasibility},
		{"performance", sc.Performance},
		{"robustness", sc.Robustness},
	}
	for _, c := range criteria {
		switch {
		case c.value >= 0.8:
			strengths = append(strengths, c.name)
		case c.value <= 0.3:
			weaknesses = append(weaknesses, c.name)
		}
	}
	return strengths, weaknesses
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
