package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/mtzanidakis/sminos/internal/orchestrator"
	"github.com/mtzanidakis/sminos/internal/pools"
	"github.com/mtzanidakis/sminos/internal/solver"
	"github.com/mtzanidakis/sminos/internal/store"
	"github.com/mtzanidakis/sminos/internal/swarm"
)

func (s *Server) registerAPI(mux *http.ServeMux) {
	// Swarms
	mux.HandleFunc("GET /api/swarms", s.listSwarms)
	mux.HandleFunc("POST /api/swarms", s.createSwarm)
	mux.HandleFunc("GET /api/swarms/{id}", s.getSwarm)
	mux.HandleFunc("DELETE /api/swarms/{id}", s.terminateSwarm)
	mux.HandleFunc("GET /api/swarms/{id}/checkpoints", s.listSwarmCheckpoints)
	mux.HandleFunc("GET /api/swarms/{id}/comparison", s.getSwarmComparison)

	// Archived runs
	mux.HandleFunc("GET /api/history", s.listHistory)
	mux.HandleFunc("DELETE /api/history/{id}", s.deleteRun)

	// Solvers
	mux.HandleFunc("GET /api/solvers", s.listSolvers)
	mux.HandleFunc("PUT /api/solvers/{id}/availability", s.setSolverAvailability)
	mux.HandleFunc("GET /api/solvers/{id}/secrets", s.getSolverSecrets)
	mux.HandleFunc("PUT /api/solvers/{id}/secrets", s.setSolverSecrets)
	mux.HandleFunc("POST /api/solvers/{id}/secrets/{secretId}", s.addSolverSecret)
	mux.HandleFunc("DELETE /api/solvers/{id}/secrets/{secretId}", s.removeSolverSecret)

	// Pools
	mux.HandleFunc("GET /api/pools", s.listPools)
	mux.HandleFunc("POST /api/pools", s.createPool)
	mux.HandleFunc("DELETE /api/pools/{id}", s.deletePool)

	// Circuit breakers
	mux.HandleFunc("GET /api/breakers", s.listBreakers)

	// Maintenance jobs
	mux.HandleFunc("GET /api/jobs", s.listJobs)
	mux.HandleFunc("POST /api/jobs", s.createJob)
	mux.HandleFunc("PUT /api/jobs/{id}", s.updateJob)
	mux.HandleFunc("DELETE /api/jobs/{id}", s.deleteJob)

	// Secrets
	mux.HandleFunc("GET /api/secrets", s.listSecrets)
	mux.HandleFunc("POST /api/secrets", s.createSecret)
	mux.HandleFunc("GET /api/secrets/{id}", s.getSecret)
	mux.HandleFunc("PUT /api/secrets/{id}", s.updateSecret)
	mux.HandleFunc("DELETE /api/secrets/{id}", s.deleteSecret)

	// System
	mux.HandleFunc("GET /api/status", s.getStatus)
}

func (s *Server) listSwarms(w http.ResponseWriter, r *http.Request) {
	ids := s.swarms.ActiveIDs()
	out := make([]*swarm.Snapshot, 0, len(ids))
	for _, id := range ids {
		snap, err := s.swarms.Status(id)
		if err != nil {
			// Finished between listing and reading, skip
			continue
		}
		out = append(out, snap)
	}
	jsonResponse(w, out)
}

func (s *Server) createSwarm(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Problem        *solver.Spec `json:"problem"`
		Pattern        string       `json:"pattern"`
		SolverCount    int          `json:"solver_count"`
		TimeoutSeconds int          `json:"timeout_seconds,omitempty"`
		Solvers        []string     `json:"solvers,omitempty"`
		Pool           string       `json:"pool,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Problem == nil {
		jsonError(w, "problem is required", http.StatusBadRequest)
		return
	}

	snap, err := s.orch.Submit(orchestrator.SubmitRequest{
		Problem:     body.Problem,
		Pattern:     swarm.Pattern(body.Pattern),
		SolverCount: body.SolverCount,
		Timeout:     time.Duration(body.TimeoutSeconds) * time.Second,
		Solvers:     body.Solvers,
		Pool:        body.Pool,
	})
	if err != nil {
		// Submit validates the spec, pattern and line-up itself
		jsonError(w, err.Error(), http.StatusBadRequest)
		return
	}
	jsonResponse(w, snap)
}

func (s *Server) getSwarm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.orch.Status(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	jsonResponse(w, snap)
}

func (s *Server) terminateSwarm(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "terminated via dashboard"
	}
	snap, err := s.orch.Terminate(id, reason)
	if err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	jsonResponse(w, map[string]string{"status": string(snap.Status)})
}

func (s *Server) listSwarmCheckpoints(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	checkpoints, err := s.store.ListCheckpoints(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	// Solver state blobs can be large; the dashboard only needs metadata
	out := make([]map[string]any, 0, len(checkpoints))
	for _, cp := range checkpoints {
		out = append(out, map[string]any{
			"id":         cp.ID,
			"operation":  cp.Operation,
			"solver":     cp.Solver,
			"progress":   cp.Progress,
			"created_at": cp.CreatedAt,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) getSwarmComparison(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	snap, err := s.orch.Status(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusNotFound)
		return
	}
	if snap.Ranking == nil {
		jsonError(w, "no comparison available yet", http.StatusNotFound)
		return
	}
	jsonResponse(w, snap.Ranking)
}

func (s *Server) listHistory(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			jsonError(w, "limit must be a non-negative integer", http.StatusBadRequest)
			return
		}
		limit = n
	}
	runs, err := s.orch.History(limit)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, runs)
}

func (s *Server) deleteRun(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteSwarmRun(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listSolvers(w http.ResponseWriter, r *http.Request) {
	solvers, err := s.registry.List()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(solvers))
	for _, sv := range solvers {
		entry := map[string]any{
			"id":        sv.ID,
			"kind":      sv.Kind,
			"available": sv.Available,
			"image":     s.registry.ResolveImage(sv.ID),
		}
		if sv.Description != "" {
			entry["description"] = sv.Description
		}
		if len(sv.Capabilities) > 0 {
			entry["capabilities"] = sv.Capabilities
		}
		if sv.LastSeen != nil {
			entry["last_seen"] = formatTime(*sv.LastSeen)
		}
		if t, err := s.registry.GetTuning(sv.ID); err == nil && !t.IsEmpty() {
			entry["tuned"] = true
		}
		out = append(out, entry)
	}
	jsonResponse(w, out)
}

func (s *Server) setSolverAvailability(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sv, err := s.registry.Get(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sv == nil {
		jsonError(w, "solver not found", http.StatusNotFound)
		return
	}
	var body struct {
		Available *bool `json:"available"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Available == nil {
		jsonError(w, "available is required", http.StatusBadRequest)
		return
	}
	if err := s.registry.MarkAvailability(id, *body.Available); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]any{"status": "ok", "available": *body.Available})
}

func (s *Server) listPools(w http.ResponseWriter, r *http.Request) {
	list, err := s.pools.List()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(list))
	for _, p := range list {
		out = append(out, map[string]any{
			"id":         p.ID,
			"name":       p.Name,
			"folder":     p.Folder,
			"is_default": p.IsDefault,
			"solvers":    pools.Members(&p),
			"created_at": p.CreatedAt,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) createPool(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name    string   `json:"name"`
		Folder  string   `json:"folder"`
		Solvers []string `json:"solvers"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" {
		jsonError(w, "name is required", http.StatusBadRequest)
		return
	}
	// Every solver in the pool must be registered
	for _, id := range body.Solvers {
		sv, err := s.registry.Get(id)
		if err != nil {
			jsonError(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if sv == nil {
			jsonError(w, fmt.Sprintf("unknown solver %q", id), http.StatusBadRequest)
			return
		}
	}

	folder := body.Folder
	if folder == "" {
		folder = body.Name
	}
	members, err := json.Marshal(body.Solvers)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	p := store.Pool{
		ID:      uuid.New().String(),
		Name:    body.Name,
		Folder:  folder,
		Solvers: members,
	}
	if err := s.pools.Register(p); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := s.pools.EnsureDirectories(p.Folder); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, p)
}

func (s *Server) deletePool(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	p, err := s.pools.Get(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if p == nil {
		jsonError(w, "pool not found", http.StatusNotFound)
		return
	}
	if p.IsDefault {
		jsonError(w, "the default pool cannot be deleted", http.StatusBadRequest)
		return
	}
	if err := s.store.DeletePool(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) listBreakers(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, s.recovery.BreakerSnapshots())
}

func (s *Server) getStatus(w http.ResponseWriter, r *http.Request) {
	activeIDs := s.swarms.ActiveIDs()
	solvers, _ := s.registry.List()
	jobs, _ := s.store.ListJobs()

	available := 0
	for _, sv := range solvers {
		if sv.Available {
			available++
		}
	}
	pendingJobs := 0
	for _, j := range jobs {
		if j.Status == "active" {
			pendingJobs++
		}
	}

	// Recent archived runs for the dashboard front page
	recent, _ := s.store.ListArchivedSwarmRuns(5)
	recentOut := make([]map[string]any, 0, len(recent))
	for _, run := range recent {
		row := map[string]any{
			"id":      run.ID,
			"problem": run.ProblemID,
			"pattern": run.Pattern,
			"status":  run.Status,
			"started": formatTime(run.StartedAt),
		}
		if run.CompletedAt != nil {
			row["completed"] = formatTime(*run.CompletedAt)
		}
		recentOut = append(recentOut, row)
	}

	status := map[string]any{
		"status":            "ok",
		"active_swarms":     len(activeIDs),
		"solvers_count":     len(solvers),
		"solvers_available": available,
		"pending_jobs":      pendingJobs,
		"uptime":            formatUptime(time.Since(s.startedAt)),
		"recent_runs":       recentOut,
		"nats":              "ok",
		"timestamp":         time.Now().UTC(),
		"version":           s.version,
	}

	jsonResponse(w, status)
}

func formatTime(t time.Time) string {
	local := t.Local()
	now := time.Now()
	if local.Year() == now.Year() && local.YearDay() == now.YearDay() {
		return local.Format("15:04")
	}
	return local.Format("Jan 2 15:04")
}

func formatUptime(d time.Duration) string {
	days := int(d.Hours()) / 24
	hours := int(d.Hours()) % 24
	mins := int(d.Minutes()) % 60
	if days > 0 {
		return fmt.Sprintf("%dd %dh %dm", days, hours, mins)
	}
	if hours > 0 {
		return fmt.Sprintf("%dh %dm", hours, mins)
	}
	return fmt.Sprintf("%dm", mins)
}

func jsonResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, msg string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": msg})
}
