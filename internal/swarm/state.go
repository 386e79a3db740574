package swarm

import (
	"time"

	"github.com/mtzanidakis/sminos/internal/compare"
	"github.com/mtzanidakis/sminos/internal/solver"
)

// Pattern is the coordination pattern a swarm runs under.
type Pattern string

const (
	PatternCompetitive   Pattern = "competitive"
	PatternCollaborative Pattern = "collaborative"
	PatternPeerToPeer    Pattern = "peer_to_peer"
)

func (p Pattern) Valid() bool {
	switch p {
	case PatternCompetitive, PatternCollaborative, PatternPeerToPeer:
		return true
	}
	return false
}

// Status is the overall state of a swarm run.
type Status string

const (
	StatusInitializing Status = "initializing"
	StatusRunning      Status = "running"
	StatusCompleted    Status = "completed"
	StatusFailed       Status = "failed"
	StatusCancelled    Status = "cancelled"
	StatusTimeout      Status = "timeout"
)

func (s Status) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusTimeout:
		return true
	}
	return false
}

// WorkerStatus is the state of one worker within a swarm.
type WorkerStatus string

const (
	WorkerPending      WorkerStatus = "pending"
	WorkerInitializing WorkerStatus = "initializing"
	WorkerRunning      WorkerStatus = "running"
	WorkerCompleted    WorkerStatus = "completed"
	WorkerFailed       WorkerStatus = "failed"
	WorkerCancelled    WorkerStatus = "cancelled"
	WorkerTimeout      WorkerStatus = "timeout"
)

func (s WorkerStatus) Terminal() bool {
	switch s {
	case WorkerCompleted, WorkerFailed, WorkerCancelled, WorkerTimeout:
		return true
	}
	return false
}

// WorkerState is the progress and outcome of one worker. Owned by the
// manager; callers only ever see copies.
type WorkerState struct {
	ID           string          `json:"id"`
	Solver       string          `json:"solver"`
	Status       WorkerStatus    `json:"status"`
	Percent      float64         `json:"percent"`
	Phase        string          `json:"phase,omitempty"`
	Objective    *float64        `json:"objective,omitempty"`
	Message      string          `json:"message,omitempty"`
	Attempted    []string        `json:"attempted_strategies,omitempty"`
	Result       *solver.Result  `json:"result,omitempty"`
	Intermediate []solver.Result `json:"intermediate,omitempty"`
	StartedAt    *time.Time      `json:"started_at,omitempty"`
	UpdatedAt    time.Time       `json:"updated_at"`
}

// Event is one entry of a swarm's append-only event log.
type Event struct {
	Type string         `json:"type"`
	At   time.Time      `json:"at"`
	Data map[string]any `json:"data,omitempty"`
}

// ResourceUsage is a point in time resource snapshot attached to status
// reads.
type ResourceUsage struct {
	ActiveWorkers int       `json:"active_workers"`
	Goroutines    int       `json:"goroutines"`
	HeapMB        float64   `json:"heap_mb"`
	CapturedAt    time.Time `json:"captured_at"`
}

// Snapshot is a copy of a swarm's state, safe to serialize without holding
// the swarm's lock.
type Snapshot struct {
	ID             string              `json:"id"`
	ProblemID      string              `json:"problem_id"`
	Pattern        Pattern             `json:"pattern"`
	Status         Status              `json:"status"`
	OverallPercent float64             `json:"overall_percent"`
	Workers        []WorkerState       `json:"workers"`
	Active         []string            `json:"active_workers,omitempty"`
	Completed      []string            `json:"completed_workers,omitempty"`
	Failed         []string            `json:"failed_workers,omitempty"`
	Best           *solver.Result      `json:"best,omitempty"`
	Ranking        *compare.Comparison `json:"ranking,omitempty"`
	Events         []Event             `json:"events,omitempty"`
	Usage          ResourceUsage       `json:"usage"`
	StartedAt      time.Time           `json:"started_at"`
	CompletedAt    *time.Time          `json:"completed_at,omitempty"`
}

// WorkerSeed declares one worker at swarm creation.
type WorkerSeed struct {
	ID     string `json:"id"`
	Solver string `json:"solver"`
}

// CreateRequest describes a new swarm.
type CreateRequest struct {
	ID        string       `json:"id,omitempty"`
	ProblemID string       `json:"problem_id"`
	Pattern   Pattern      `json:"pattern"`
	Sense     solver.Sense `json:"sense,omitempty"`
	Workers   []WorkerSeed `json:"workers"`
}
