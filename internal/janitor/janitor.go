// Package janitor runs the housekeeping jobs persisted in the
// maintenance_jobs table: purging expired checkpoints, compacting swarm
// history beyond the configured cap, sweeping swarms stuck past their
// deadline and vacuuming the database. Jobs carry a recurrence rule
// evaluated by the schedule package; built-ins are seeded at boot and
// operators can pause or reschedule them through the web API.
package janitor

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/mtzanidakis/sminos/internal/config"
	"github.com/mtzanidakis/sminos/internal/container"
	"github.com/mtzanidakis/sminos/internal/natsbus"
	"github.com/mtzanidakis/sminos/internal/recovery"
	"github.com/mtzanidakis/sminos/internal/schedule"
	"github.com/mtzanidakis/sminos/internal/store"
)

// Built-in job kinds.
const (
	KindCheckpointPurge   = "checkpoint_purge"
	KindHistoryCompaction = "history_compaction"
	KindStaleSweep        = "stale_sweep"
	KindVacuum            = "vacuum"
	KindContainerCleanup  = "container_cleanup"
)

// ValidKind reports whether kind names a known maintenance routine.
func ValidKind(kind string) bool {
	switch kind {
	case KindCheckpointPurge, KindHistoryCompaction, KindStaleSweep, KindVacuum, KindContainerCleanup:
		return true
	}
	return false
}

// staleGrace is how far past its deadline a swarm may keep coordinating
// before the sweep forces it to time out. The per-swarm context normally
// fires first; the sweep only catches coordination goroutines that died.
const staleGrace = 30 * time.Second

// SwarmExpirer times out swarms that outlived their submission deadline.
type SwarmExpirer interface {
	ExpireOverdue(grace time.Duration) int
}

type builtin struct {
	id       string
	name     string
	kind     string
	schedule string
}

var builtins = []builtin{
	{"builtin-checkpoint-purge", "Purge expired checkpoints", KindCheckpointPurge, "0 * * * *"},
	{"builtin-history-compaction", "Compact swarm history", KindHistoryCompaction, "30 * * * *"},
	{"builtin-stale-sweep", "Sweep stale swarms", KindStaleSweep, "* * * * *"},
	{"builtin-vacuum", "Vacuum database", KindVacuum, "0 3 * * 0"},
	{"builtin-container-cleanup", "Remove leftover solver containers", KindContainerCleanup, "@every 10m"},
}

// Deps are the collaborators the built-in jobs act on. Containers and Bus
// may be nil; the container sweep then stays unseeded and job events are
// not published.
type Deps struct {
	Store       *store.Store
	Checkpoints *recovery.Manager
	Swarms      SwarmExpirer
	Containers  *container.Manager
	Bus         *natsbus.Client
}

type Janitor struct {
	store       *store.Store
	checkpoints *recovery.Manager
	swarms      SwarmExpirer
	containers  *container.Manager
	nc          *natsbus.Client

	historyCap   int
	pollInterval time.Duration
	reloadCh     chan struct{}
}

func New(d Deps, cfg config.JanitorConfig, historyCap int) *Janitor {
	return &Janitor{
		store:        d.Store,
		checkpoints:  d.Checkpoints,
		swarms:       d.Swarms,
		containers:   d.Containers,
		nc:           d.Bus,
		historyCap:   historyCap,
		pollInterval: cfg.PollInterval,
		reloadCh:     make(chan struct{}, 1),
	}
}

// SeedBuiltins inserts the built-in jobs missing from the store. Existing
// rows are left untouched so operator edits and paused jobs survive a
// restart.
func (j *Janitor) SeedBuiltins() error {
	for _, b := range builtins {
		if b.kind == KindContainerCleanup && j.containers == nil {
			continue
		}
		existing, err := j.store.GetJob(b.id)
		if err != nil {
			return err
		}
		if existing != nil {
			continue
		}
		normalized, err := schedule.Normalize(b.schedule)
		if err != nil {
			return fmt.Errorf("builtin %s: %w", b.id, err)
		}
		job := &store.MaintenanceJob{
			ID:        b.id,
			Name:      b.name,
			Kind:      b.kind,
			Schedule:  normalized,
			Status:    "active",
			NextRunAt: schedule.NextRun(normalized),
		}
		if err := j.store.SaveJob(job); err != nil {
			return err
		}
		slog.Info("seeded maintenance job", "id", b.id, "schedule", schedule.Format(normalized))
	}
	return nil
}

// UpdateConfig updates the janitor's poll interval, then signals the run
// loop to reset its ticker.
func (j *Janitor) UpdateConfig(pollInterval time.Duration) {
	j.pollInterval = pollInterval
	select {
	case j.reloadCh <- struct{}{}:
	default:
	}
}

func (j *Janitor) Start(ctx context.Context) {
	if j.pollInterval == 0 {
		j.pollInterval = 30 * time.Second
	}

	ticker := time.NewTicker(j.pollInterval)
	defer ticker.Stop()

	slog.Info("janitor started", "poll_interval", j.pollInterval)

	for {
		select {
		case <-ctx.Done():
			slog.Info("janitor stopped")
			return
		case <-j.reloadCh:
			ticker.Reset(j.pollInterval)
			slog.Info("janitor config reloaded", "poll_interval", j.pollInterval)
		case <-ticker.C:
			j.poll(ctx)
		}
	}
}

func (j *Janitor) poll(ctx context.Context) {
	jobs, err := j.store.GetDueJobs(time.Now())
	if err != nil {
		slog.Error("failed to get due jobs", "error", err)
		return
	}

	for _, job := range jobs {
		j.execute(ctx, job)
	}
}

func (j *Janitor) execute(ctx context.Context, job store.MaintenanceJob) {
	slog.Info("running maintenance job", "id", job.ID, "name", job.Name, "kind", job.Kind)

	err := j.run(ctx, job.Kind)

	var lastStatus, lastError string
	if err != nil {
		lastStatus = "error"
		lastError = err.Error()
		slog.Error("maintenance job failed", "id", job.ID, "error", err)
	} else {
		lastStatus = "success"
	}

	nextRun := schedule.NextRun(job.Schedule)

	if err := j.store.UpdateJobRun(job.ID, lastStatus, lastError, nextRun); err != nil {
		slog.Error("failed to update job run", "id", job.ID, "error", err)
	}

	j.publishJobEvent(job, lastStatus)

	// One-shot jobs are done once they have no next run.
	if nextRun == nil {
		slog.Info("no next run, marking job as completed", "id", job.ID, "name", job.Name)
		if err := j.store.UpdateJobStatus(job.ID, "completed"); err != nil {
			slog.Error("failed to complete job", "id", job.ID, "error", err)
		}
	}
}

func (j *Janitor) run(ctx context.Context, kind string) error {
	switch kind {
	case KindCheckpointPurge:
		n, err := j.checkpoints.PurgeExpired()
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Info("purged expired checkpoints", "count", n)
		}
		return nil
	case KindHistoryCompaction:
		n, err := j.store.PruneSwarmRuns(j.historyCap)
		if err != nil {
			return err
		}
		if n > 0 {
			slog.Info("compacted swarm history", "pruned", n, "cap", j.historyCap)
		}
		return nil
	case KindStaleSweep:
		if n := j.swarms.ExpireOverdue(staleGrace); n > 0 {
			slog.Warn("expired overdue swarms", "count", n)
		}
		return nil
	case KindVacuum:
		return j.store.Vacuum()
	case KindContainerCleanup:
		if j.containers == nil {
			return nil
		}
		return j.containers.CleanupStale(ctx)
	default:
		return fmt.Errorf("unknown job kind %q", kind)
	}
}

func (j *Janitor) publishJobEvent(job store.MaintenanceJob, status string) {
	if j.nc == nil {
		return
	}

	payload := map[string]any{
		"type":      "job_executed",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"id":     job.ID,
			"name":   job.Name,
			"kind":   job.Kind,
			"status": status,
		},
	}
	if err := j.nc.PublishJSON(natsbus.TopicEventsMaintenance, payload); err != nil {
		slog.Debug("publish maintenance event", "job", job.ID, "error", err)
	}
}
