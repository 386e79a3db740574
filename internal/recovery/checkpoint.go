package recovery

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/sminos/internal/store"
)

// MaxCheckpointAge bounds how old a checkpoint may be and still be resumed.
// Solver state drifts too far from the live problem beyond this.
const MaxCheckpointAge = time.Hour

// CreateCheckpoint persists a snapshot of one in-flight solve and returns
// its id. Repeated saves with the same id overwrite; each worker writes
// only its own checkpoints.
func (m *Manager) CreateCheckpoint(cp *store.Checkpoint) (string, error) {
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	if cp.Operation == "" {
		cp.Operation = "solve"
	}
	if err := m.store.SaveCheckpoint(cp); err != nil {
		return "", err
	}
	return cp.ID, nil
}

// ResumeFromCheckpoint loads a checkpoint for resumption. Missing or
// expired checkpoints are an error.
func (m *Manager) ResumeFromCheckpoint(id string) (*store.Checkpoint, error) {
	cp, err := m.store.GetCheckpoint(id)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return nil, fmt.Errorf("checkpoint %s not found", id)
	}
	if age := time.Since(cp.CreatedAt); age > MaxCheckpointAge {
		return nil, fmt.Errorf("checkpoint %s expired: age %s exceeds %s", id, age.Round(time.Second), MaxCheckpointAge)
	}
	return cp, nil
}

// liveCheckpoint returns the newest non-expired checkpoint for the swarm,
// narrowed to one solver when given.
func (m *Manager) liveCheckpoint(swarmID, solverName string) (*store.Checkpoint, bool) {
	cp, err := m.store.LatestCheckpoint(swarmID, solverName)
	if err != nil || cp == nil {
		return nil, false
	}
	if time.Since(cp.CreatedAt) > MaxCheckpointAge {
		return nil, false
	}
	return cp, true
}

// PurgeExpired deletes checkpoints past MaxCheckpointAge and returns how
// many were removed. Run periodically by the janitor.
func (m *Manager) PurgeExpired() (int, error) {
	return m.store.PurgeCheckpointsBefore(time.Now().Add(-MaxCheckpointAge))
}
