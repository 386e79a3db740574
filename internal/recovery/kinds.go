package recovery

import (
	"context"
	"errors"
	"strings"

	"github.com/mtzanidakis/sminos/internal/solver"
)

// Kind is the classified failure category driving strategy selection.
type Kind string

const (
	KindSolverUnavailable  Kind = "solver_unavailable"
	KindSolverExecution    Kind = "solver_execution_failure"
	KindTimeout            Kind = "timeout"
	KindMemoryExhaustion   Kind = "memory_exhaustion"
	KindResourceExhaustion Kind = "resource_exhaustion"
	KindNetwork            Kind = "network_error"
	KindConfiguration      Kind = "configuration_error"
	KindData               Kind = "data_error"
	KindSwarmCoordination  Kind = "swarm_coordination_failure"
	KindUnknown            Kind = "unknown"
)

// Classify maps an error to its Kind. Typed solver failures carry their
// reason and map directly; untyped errors fall back to keyword matching on
// the message.
func Classify(err error) Kind {
	if err == nil {
		return KindUnknown
	}

	var f *solver.Failure
	if errors.As(err, &f) {
		switch f.Reason {
		case solver.ReasonUnavailable:
			return KindSolverUnavailable
		case solver.ReasonCrashed:
			return KindSolverExecution
		case solver.ReasonTimeout:
			return KindTimeout
		case solver.ReasonOutOfMemory:
			return KindMemoryExhaustion
		case solver.ReasonResources:
			return KindResourceExhaustion
		case solver.ReasonNetwork:
			return KindNetwork
		case solver.ReasonBadConfig:
			return KindConfiguration
		case solver.ReasonBadModel:
			return KindData
		}
	}

	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}

	return classifyMessage(err.Error())
}

// classifyMessage is the legacy fallback for errors that carry no typed
// reason. First match wins.
func classifyMessage(msg string) Kind {
	msg = strings.ToLower(msg)

	switch {
	case containsAny(msg, "unavailable", "not available", "no such solver"):
		return KindSolverUnavailable
	case containsAny(msg, "timeout", "timed out", "deadline"):
		return KindTimeout
	case containsAny(msg, "out of memory", "oom", "memory"):
		return KindMemoryExhaustion
	case containsAny(msg, "resource", "exhausted", "too many open files"):
		return KindResourceExhaustion
	case containsAny(msg, "network", "connection", "refused", "broken pipe", "dns"):
		return KindNetwork
	case containsAny(msg, "config", "parameter", "option"):
		return KindConfiguration
	case containsAny(msg, "parse", "malformed", "invalid model", "data"):
		return KindData
	case containsAny(msg, "panic", "coordination", "swarm"):
		return KindSwarmCoordination
	default:
		return KindUnknown
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// Category names the shared resource a breaker protects.
type Category string

const (
	CategorySolverExecution   Category = "solver_execution"
	CategoryMemory            Category = "memory_usage"
	CategorySwarmCoordination Category = "swarm_coordination"
	CategoryNetwork           Category = "network_operations"
)

func categoryFor(kind Kind) Category {
	switch kind {
	case KindMemoryExhaustion, KindResourceExhaustion:
		return CategoryMemory
	case KindNetwork:
		return CategoryNetwork
	case KindSwarmCoordination, KindUnknown:
		return CategorySwarmCoordination
	default:
		return CategorySolverExecution
	}
}
