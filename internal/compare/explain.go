package compare

import (
	"fmt"
	"strings"
)

// Explainer turns a finished comparison into rationale text. The default is
// a deterministic template over the score breakdown; richer providers can be
// substituted without touching the scoring itself.
type Explainer interface {
	Explain(c *Comparison) string
}

type templateExplainer struct{}

func (templateExplainer) Explain(c *Comparison) string {
	if len(c.Scores) == 0 {
		return "no candidate solutions were produced"
	}

	top := c.Scores[0]
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s ranked first of %d with score %.2f (optimality %.2f, feasibility %.2f, performance %.2f, robustness %.2f).",
		top.Solver, len(c.Scores), top.Total, top.Optimality, top.Feasibility, top.Performance, top.Robustness)

	if len(top.Strengths) > 0 {
		fmt.Fprintf(&sb, " Strengths: %s.", strings.Join(top.Strengths, ", "))
	}
	if len(top.Weaknesses) > 0 {
		fmt.Fprintf(&sb, " Weaknesses: %s.", strings.Join(top.Weaknesses, ", "))
	}

	if len(c.Scores) > 1 {
		second := c.Scores[1]
		fmt.Fprintf(&sb, " Runner-up %s scored %.2f, a margin of %.2f.",
			second.Solver, second.Total, top.Total-second.Total)
	}

	fmt.Fprintf(&sb, " Confidence %.2f.", c.Confidence)
	return sb.String()
}
