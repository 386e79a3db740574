// Package schedule parses and evaluates the recurrence rules attached to
// maintenance jobs. A rule is stored as a small JSON envelope; Normalize
// also accepts a bare cron expression or an "@every <duration>" shorthand
// and wraps it.
package schedule

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/adhocore/gronx"
)

// Rule describes when a job fires. Exactly one of the kind-specific
// fields is meaningful.
type Rule struct {
	Kind       string `json:"kind"`                  // "cron", "interval" or "once"
	CronExpr   string `json:"cron_expr,omitempty"`   // kind=cron
	IntervalMs int64  `json:"interval_ms,omitempty"` // kind=interval
	AtMs       int64  `json:"at_ms,omitempty"`       // kind=once, unix ms
}

// Interval returns the recurrence period of an interval rule.
func (r *Rule) Interval() time.Duration {
	return time.Duration(r.IntervalMs) * time.Millisecond
}

// Parse decodes a stored rule envelope.
func Parse(raw string) (*Rule, error) {
	var r Rule
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, fmt.Errorf("parse schedule: %w", err)
	}
	return &r, nil
}

// NextRun computes the next fire time for a stored rule, evaluated from
// now. It returns nil when the rule will never fire again: a spent
// one-shot, or a rule that does not parse.
func NextRun(raw string) *time.Time {
	r, err := Parse(raw)
	if err != nil {
		return nil
	}

	now := time.Now()
	var next time.Time
	switch r.Kind {
	case "cron":
		tick, err := gronx.NextTick(r.CronExpr, false)
		if err != nil {
			return nil
		}
		next = tick
	case "interval":
		if r.IntervalMs <= 0 {
			return nil
		}
		next = now.Add(r.Interval())
	case "once":
		at := time.UnixMilli(r.AtMs)
		if !at.After(now) {
			return nil
		}
		next = at
	default:
		return nil
	}
	return &next
}

// Normalize validates a schedule and returns its canonical envelope.
// Accepted inputs are an envelope JSON, a bare cron expression, or
// "@every <duration>".
func Normalize(raw string) (string, error) {
	raw = strings.TrimSpace(raw)

	var r Rule
	if err := json.Unmarshal([]byte(raw), &r); err == nil && r.Kind != "" {
		switch r.Kind {
		case "cron":
			if !gronx.New().IsValid(r.CronExpr) {
				return "", fmt.Errorf("invalid cron expression %q", r.CronExpr)
			}
		case "interval":
			if r.IntervalMs <= 0 {
				return "", fmt.Errorf("interval_ms must be positive")
			}
		case "once":
			if r.AtMs <= 0 {
				return "", fmt.Errorf("at_ms must be positive")
			}
		default:
			return "", fmt.Errorf("unknown schedule kind %q", r.Kind)
		}
		return raw, nil
	}

	if rest, ok := strings.CutPrefix(raw, "@every "); ok {
		d, err := time.ParseDuration(strings.TrimSpace(rest))
		if err != nil || d <= 0 {
			return "", fmt.Errorf("invalid interval %q", rest)
		}
		return wrap(Rule{Kind: "interval", IntervalMs: d.Milliseconds()})
	}

	if !gronx.New().IsValid(raw) {
		return "", fmt.Errorf("schedule %q is neither a rule envelope, a cron expression nor @every", raw)
	}
	return wrap(Rule{Kind: "cron", CronExpr: raw})
}

func wrap(r Rule) (string, error) {
	data, err := json.Marshal(r)
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// Format renders a stored rule for display.
func Format(raw string) string {
	r, err := Parse(raw)
	if err != nil {
		return raw
	}

	switch r.Kind {
	case "cron":
		return r.CronExpr
	case "interval":
		return "every " + describeInterval(r.Interval())
	case "once":
		return "once at " + time.UnixMilli(r.AtMs).Format("Jan 2 15:04")
	default:
		return raw
	}
}

func describeInterval(d time.Duration) string {
	switch {
	case d >= time.Hour && d%time.Hour == 0:
		if h := int(d.Hours()); h > 1 {
			return fmt.Sprintf("%d hours", h)
		}
		return "hour"
	case d >= time.Minute && d%time.Minute == 0:
		if m := int(d.Minutes()); m > 1 {
			return fmt.Sprintf("%d minutes", m)
		}
		return "minute"
	default:
		return d.String()
	}
}
