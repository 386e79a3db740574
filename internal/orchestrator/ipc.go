package orchestrator

import (
	"encoding/json"
	"log/slog"
	"strings"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/mtzanidakis/sminos/internal/compare"
	"github.com/mtzanidakis/sminos/internal/solver"
	"github.com/mtzanidakis/sminos/internal/swarm"
)

// IPCCommand is a request from a local CLI client over the bus.
type IPCCommand struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

func (o *Orchestrator) handleIPC(msg *nats.Msg) {
	var cmd IPCCommand
	if err := json.Unmarshal(msg.Data, &cmd); err != nil {
		slog.Warn("invalid IPC command", "error", err)
		o.respondIPC(msg, map[string]any{"error": "invalid command"})
		return
	}

	client := strings.TrimPrefix(msg.Subject, "host.ipc.")
	slog.Info("IPC command received", "type", cmd.Type, "client", client)

	o.respondIPC(msg, o.dispatchIPC(cmd))
}

// dispatchIPC routes one command to its handler. Split from handleIPC so
// commands are testable without a bus.
func (o *Orchestrator) dispatchIPC(cmd IPCCommand) map[string]any {
	switch cmd.Type {
	case "submit_swarm":
		return o.ipcSubmit(cmd.Payload)
	case "swarm_status":
		return o.ipcStatus(cmd.Payload)
	case "terminate_swarm":
		return o.ipcTerminate(cmd.Payload)
	case "swarm_history":
		return o.ipcHistory(cmd.Payload)
	case "list_solvers":
		return o.ipcListSolvers()
	case "breaker_status":
		return o.ipcBreakers()
	case "compare_results":
		return o.ipcCompare(cmd.Payload)
	default:
		return map[string]any{"error": "unknown command: " + cmd.Type}
	}
}

func (o *Orchestrator) respondIPC(msg *nats.Msg, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		slog.Error("marshal IPC response", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		slog.Error("send IPC response", "error", err)
	}
}

type submitPayload struct {
	Problem        *solver.Spec `json:"problem"`
	Pattern        string       `json:"pattern"`
	SolverCount    int          `json:"solver_count"`
	TimeoutSeconds int          `json:"timeout_seconds,omitempty"`
	Solvers        []string     `json:"solvers,omitempty"`
	Pool           string       `json:"pool,omitempty"`
}

func (o *Orchestrator) ipcSubmit(payload json.RawMessage) map[string]any {
	var p submitPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return map[string]any{"error": "invalid payload: " + err.Error()}
	}
	snap, err := o.Submit(SubmitRequest{
		Problem:     p.Problem,
		Pattern:     swarm.Pattern(p.Pattern),
		SolverCount: p.SolverCount,
		Timeout:     time.Duration(p.TimeoutSeconds) * time.Second,
		Solvers:     p.Solvers,
		Pool:        p.Pool,
	})
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return map[string]any{
		"ok":       true,
		"swarm_id": snap.ID,
		"status":   string(snap.Status),
		"workers":  len(snap.Workers),
	}
}

func (o *Orchestrator) ipcStatus(payload json.RawMessage) map[string]any {
	var p struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return map[string]any{"error": "invalid payload: " + err.Error()}
	}
	if p.ID == "" {
		return map[string]any{"error": "id is required"}
	}
	snap, err := o.Status(p.ID)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return map[string]any{"ok": true, "swarm": snap}
}

func (o *Orchestrator) ipcTerminate(payload json.RawMessage) map[string]any {
	var p struct {
		ID     string `json:"id"`
		Reason string `json:"reason,omitempty"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return map[string]any{"error": "invalid payload: " + err.Error()}
	}
	if p.ID == "" {
		return map[string]any{"error": "id is required"}
	}
	if p.Reason == "" {
		p.Reason = "terminated via IPC"
	}
	snap, err := o.Terminate(p.ID, p.Reason)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return map[string]any{"ok": true, "status": string(snap.Status)}
}

func (o *Orchestrator) ipcHistory(payload json.RawMessage) map[string]any {
	var p struct {
		Limit int `json:"limit,omitempty"`
	}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &p); err != nil {
			return map[string]any{"error": "invalid payload: " + err.Error()}
		}
	}
	runs, err := o.History(p.Limit)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	rows := make([]map[string]any, 0, len(runs))
	for _, run := range runs {
		row := map[string]any{
			"id":      run.ID,
			"problem": run.ProblemID,
			"pattern": run.Pattern,
			"status":  run.Status,
			"started": run.StartedAt.Format(time.RFC3339),
		}
		if run.CompletedAt != nil {
			row["completed"] = run.CompletedAt.Format(time.RFC3339)
		}
		if len(run.Best) > 0 {
			var best solver.Result
			if err := json.Unmarshal(run.Best, &best); err == nil {
				row["best_solver"] = best.Solver
				if best.Objective != nil {
					row["best_objective"] = *best.Objective
				}
			}
		}
		rows = append(rows, row)
	}
	return map[string]any{"ok": true, "swarms": rows}
}

func (o *Orchestrator) ipcListSolvers() map[string]any {
	solvers, err := o.registry.List()
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	rows := make([]map[string]any, 0, len(solvers))
	for _, sv := range solvers {
		row := map[string]any{
			"id":        sv.ID,
			"kind":      sv.Kind,
			"available": sv.Available,
		}
		if sv.Description != "" {
			row["description"] = sv.Description
		}
		if len(sv.Capabilities) > 0 {
			row["capabilities"] = sv.Capabilities
		}
		rows = append(rows, row)
	}
	return map[string]any{"ok": true, "solvers": rows}
}

func (o *Orchestrator) ipcBreakers() map[string]any {
	return map[string]any{"ok": true, "breakers": o.recovery.BreakerSnapshots()}
}

func (o *Orchestrator) ipcCompare(payload json.RawMessage) map[string]any {
	var p struct {
		Results []solver.Result  `json:"results"`
		Weights *compare.Weights `json:"weights,omitempty"`
		Sense   solver.Sense     `json:"sense,omitempty"`
	}
	if err := json.Unmarshal(payload, &p); err != nil {
		return map[string]any{"error": "invalid payload: " + err.Error()}
	}
	cmp, err := o.CompareResults(p.Results, p.Weights, p.Sense)
	if err != nil {
		return map[string]any{"error": err.Error()}
	}
	return map[string]any{"ok": true, "comparison": cmp}
}
