package store

import (
	"encoding/json"
	"fmt"
	"time"
)

// SwarmEvent is one row of a swarm's append-only event log. Rows are written
// as events happen so the log survives a gateway restart.
type SwarmEvent struct {
	ID        int64           `json:"id"`
	SwarmID   string          `json:"swarm_id"`
	Type      string          `json:"type"`
	Data      json.RawMessage `json:"data,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

func (s *Store) SaveSwarmEvent(ev *SwarmEvent) error {
	result, err := s.db.Exec(`
		INSERT INTO swarm_events (swarm_id, type, data)
		VALUES (?, ?, ?)`,
		ev.SwarmID, ev.Type, nullableJSON(ev.Data))
	if err != nil {
		return fmt.Errorf("save swarm event: %w", err)
	}
	ev.ID, _ = result.LastInsertId()
	return nil
}

// GetSwarmEvents returns the most recent events for a swarm in chronological
// order.
func (s *Store) GetSwarmEvents(swarmID string, limit int) ([]SwarmEvent, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.Query(`
		SELECT id, swarm_id, type, data, created_at
		FROM swarm_events
		WHERE swarm_id = ?
		ORDER BY id DESC
		LIMIT ?`, swarmID, limit)
	if err != nil {
		return nil, fmt.Errorf("get swarm events: %w", err)
	}
	defer rows.Close()

	var events []SwarmEvent
	for rows.Next() {
		var ev SwarmEvent
		var data *string
		if err := rows.Scan(&ev.ID, &ev.SwarmID, &ev.Type, &data, &ev.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan swarm event: %w", err)
		}
		if data != nil {
			ev.Data = json.RawMessage(*data)
		}
		events = append(events, ev)
	}

	// Reverse to get chronological order
	for i, j := 0, len(events)-1; i < j; i, j = i+1, j-1 {
		events[i], events[j] = events[j], events[i]
	}

	return events, rows.Err()
}

func (s *Store) DeleteSwarmEvents(swarmID string) error {
	_, err := s.db.Exec(`DELETE FROM swarm_events WHERE swarm_id = ?`, swarmID)
	return err
}

type SwarmEventStats struct {
	SwarmID    string
	EventCount int
	LastEvent  time.Time
}

func (s *Store) GetSwarmEventStats() (map[string]SwarmEventStats, error) {
	rows, err := s.db.Query(`
		SELECT swarm_id, COUNT(*) as cnt, COALESCE(MAX(created_at), '') as last_event
		FROM swarm_events
		GROUP BY swarm_id`)
	if err != nil {
		return nil, fmt.Errorf("get swarm event stats: %w", err)
	}
	defer rows.Close()

	stats := make(map[string]SwarmEventStats)
	for rows.Next() {
		var es SwarmEventStats
		var lastEvent string
		if err := rows.Scan(&es.SwarmID, &es.EventCount, &lastEvent); err != nil {
			return nil, fmt.Errorf("scan swarm event stats: %w", err)
		}
		if lastEvent != "" {
			es.LastEvent, _ = time.Parse("2006-01-02 15:04:05", lastEvent)
		}
		stats[es.SwarmID] = es
	}
	return stats, rows.Err()
}
