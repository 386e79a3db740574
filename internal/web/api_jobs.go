package web

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/google/uuid"

	"github.com/mtzanidakis/sminos/internal/janitor"
	"github.com/mtzanidakis/sminos/internal/schedule"
	"github.com/mtzanidakis/sminos/internal/store"
)

func (s *Server) listJobs(w http.ResponseWriter, r *http.Request) {
	jobs, err := s.store.ListJobs()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	out := make([]map[string]any, 0, len(jobs))
	for _, j := range jobs {
		out = append(out, jobToAPI(j))
	}
	jsonResponse(w, out)
}

func (s *Server) createJob(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Name     string `json:"name"`
		Kind     string `json:"kind"`
		Schedule string `json:"schedule"`
		Enabled  *bool  `json:"enabled"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Kind == "" || body.Schedule == "" {
		jsonError(w, "name, kind, and schedule are required", http.StatusBadRequest)
		return
	}
	if !janitor.ValidKind(body.Kind) {
		jsonError(w, fmt.Sprintf("unknown job kind %q", body.Kind), http.StatusBadRequest)
		return
	}

	// Normalize schedule (handles plain cron strings)
	normalized, err := schedule.Normalize(body.Schedule)
	if err != nil {
		jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
		return
	}

	status := "active"
	if body.Enabled != nil && !*body.Enabled {
		status = "paused"
	}

	j := store.MaintenanceJob{
		ID:       uuid.New().String(),
		Name:     body.Name,
		Kind:     body.Kind,
		Schedule: normalized,
		Status:   status,
	}

	// Calculate initial next_run_at
	if status == "active" {
		j.NextRunAt = schedule.NextRun(normalized)
	}

	if err := s.store.SaveJob(&j); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, jobToAPI(j))
}

func (s *Server) updateJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	existing, err := s.store.GetJob(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "job not found", http.StatusNotFound)
		return
	}

	var body struct {
		Name     *string `json:"name"`
		Kind     *string `json:"kind"`
		Schedule *string `json:"schedule"`
		Enabled  *bool   `json:"enabled"`
		Status   *string `json:"status"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	// Apply updates
	if body.Name != nil {
		existing.Name = *body.Name
	}
	if body.Kind != nil {
		if !janitor.ValidKind(*body.Kind) {
			jsonError(w, fmt.Sprintf("unknown job kind %q", *body.Kind), http.StatusBadRequest)
			return
		}
		existing.Kind = *body.Kind
	}

	// Handle enabled bool → status mapping
	if body.Enabled != nil {
		if *body.Enabled {
			existing.Status = "active"
		} else if existing.Status != "completed" {
			existing.Status = "paused"
		}
	} else if body.Status != nil {
		existing.Status = *body.Status
	}

	// Handle schedule change
	if body.Schedule != nil {
		normalized, err := schedule.Normalize(*body.Schedule)
		if err != nil {
			jsonError(w, fmt.Sprintf("invalid schedule: %v", err), http.StatusBadRequest)
			return
		}
		existing.Schedule = normalized
	}

	// Recalculate next_run_at
	if existing.Status == "active" {
		existing.NextRunAt = schedule.NextRun(existing.Schedule)
	} else {
		existing.NextRunAt = nil
	}

	if err := s.store.SaveJob(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, jobToAPI(*existing))
}

func (s *Server) deleteJob(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteJob(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func jobToAPI(j store.MaintenanceJob) map[string]any {
	m := map[string]any{
		"id":               j.ID,
		"name":             j.Name,
		"kind":             j.Kind,
		"schedule":         j.Schedule,
		"schedule_display": schedule.Format(j.Schedule),
		"enabled":          j.Status == "active",
		"status":           j.Status,
		"builtin":          strings.HasPrefix(j.ID, "builtin-"),
	}
	if j.LastStatus != "" {
		m["last_status"] = j.LastStatus
	}
	if j.LastError != "" {
		m["last_error"] = j.LastError
	}
	if j.LastRunAt != nil {
		m["last_run"] = formatTime(*j.LastRunAt)
	}
	if j.NextRunAt != nil {
		m["next_run"] = formatTime(*j.NextRunAt)
	}
	return m
}
