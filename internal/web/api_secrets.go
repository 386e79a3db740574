package web

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/mtzanidakis/sminos/internal/natsbus"
	"github.com/mtzanidakis/sminos/internal/store"
)

func (s *Server) listSecrets(w http.ResponseWriter, r *http.Request) {
	secrets, err := s.store.ListSecrets()
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if secrets == nil {
		secrets = []store.Secret{}
	}

	// Enrich with solver assignments
	out := make([]map[string]any, 0, len(secrets))
	for _, sec := range secrets {
		solverIDs, _ := s.store.GetSecretSolverIDs(sec.ID)
		if solverIDs == nil {
			solverIDs = []string{}
		}
		out = append(out, map[string]any{
			"id":          sec.ID,
			"name":        sec.Name,
			"description": sec.Description,
			"kind":        sec.Kind,
			"filename":    sec.Filename,
			"global":      sec.Global,
			"solver_ids":  solverIDs,
			"created_at":  sec.CreatedAt,
			"updated_at":  sec.UpdatedAt,
		})
	}
	jsonResponse(w, out)
}

func (s *Server) createSecret(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}

	var body struct {
		Name        string   `json:"name"`
		Description string   `json:"description"`
		Kind        string   `json:"kind"`
		Filename    string   `json:"filename"`
		Value       string   `json:"value"`
		Global      bool     `json:"global"`
		SolverIDs   []string `json:"solver_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if body.Name == "" || body.Value == "" {
		jsonError(w, "name and value are required", http.StatusBadRequest)
		return
	}
	if body.Kind == "" {
		body.Kind = "env"
	}
	if body.Kind != "env" && body.Kind != "file" {
		jsonError(w, "kind must be 'env' or 'file'", http.StatusBadRequest)
		return
	}

	ciphertext, nonce, err := s.vault.Encrypt([]byte(body.Value))
	if err != nil {
		jsonError(w, "encryption failed", http.StatusInternalServerError)
		return
	}

	sec := &store.Secret{
		ID:          body.Name,
		Name:        body.Name,
		Description: body.Description,
		Kind:        body.Kind,
		Filename:    body.Filename,
		Value:       ciphertext,
		Nonce:       nonce,
		Global:      body.Global,
	}
	if err := s.store.SaveSecret(sec); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Set solver assignments
	_ = s.store.SetSecretSolvers(body.Name, body.SolverIDs)

	s.publishSecretEvent(natsbus.TopicEventsSecretCreated, sec.ID, sec.Name)

	jsonResponse(w, map[string]any{
		"id":          sec.ID,
		"name":        sec.Name,
		"description": sec.Description,
		"kind":        sec.Kind,
		"global":      sec.Global,
	})
}

func (s *Server) getSecret(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	sec, err := s.store.GetSecret(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if sec == nil {
		jsonError(w, "secret not found", http.StatusNotFound)
		return
	}
	solverIDs, _ := s.store.GetSecretSolverIDs(sec.ID)
	if solverIDs == nil {
		solverIDs = []string{}
	}
	jsonResponse(w, map[string]any{
		"id":          sec.ID,
		"name":        sec.Name,
		"description": sec.Description,
		"kind":        sec.Kind,
		"filename":    sec.Filename,
		"global":      sec.Global,
		"solver_ids":  solverIDs,
		"created_at":  sec.CreatedAt,
		"updated_at":  sec.UpdatedAt,
	})
}

func (s *Server) updateSecret(w http.ResponseWriter, r *http.Request) {
	if s.vault == nil {
		jsonError(w, "vault not configured", http.StatusServiceUnavailable)
		return
	}

	id := r.PathValue("id")
	existing, err := s.store.GetSecret(id)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if existing == nil {
		jsonError(w, "secret not found", http.StatusNotFound)
		return
	}

	var body struct {
		Description *string  `json:"description"`
		Kind        *string  `json:"kind"`
		Filename    *string  `json:"filename"`
		Value       *string  `json:"value"`
		Global      *bool    `json:"global"`
		SolverIDs   []string `json:"solver_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}

	if body.Description != nil {
		existing.Description = *body.Description
	}
	if body.Kind != nil {
		if *body.Kind != "env" && *body.Kind != "file" {
			jsonError(w, "kind must be 'env' or 'file'", http.StatusBadRequest)
			return
		}
		existing.Kind = *body.Kind
	}
	if body.Filename != nil {
		existing.Filename = *body.Filename
	}
	if body.Global != nil {
		existing.Global = *body.Global
	}

	// Re-encrypt if value provided
	if body.Value != nil {
		ciphertext, nonce, err := s.vault.Encrypt([]byte(*body.Value))
		if err != nil {
			jsonError(w, "encryption failed", http.StatusInternalServerError)
			return
		}
		existing.Value = ciphertext
		existing.Nonce = nonce
	}

	if err := s.store.SaveSecret(existing); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}

	// Update solver assignments if provided
	if body.SolverIDs != nil {
		_ = s.store.SetSecretSolvers(id, body.SolverIDs)
	}

	s.publishSecretEvent(natsbus.TopicEventsSecretUpdated, existing.ID, existing.Name)

	jsonResponse(w, map[string]any{
		"id":          existing.ID,
		"name":        existing.Name,
		"description": existing.Description,
		"kind":        existing.Kind,
		"global":      existing.Global,
	})
}

func (s *Server) deleteSecret(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.store.DeleteSecret(id); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.publishSecretEvent(natsbus.TopicEventsSecretDeleted, id, id)
	jsonResponse(w, map[string]string{"status": "deleted"})
}

func (s *Server) getSolverSecrets(w http.ResponseWriter, r *http.Request) {
	solverID := r.PathValue("id")
	secrets, err := s.store.GetSolverSecrets(solverID)
	if err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if secrets == nil {
		secrets = []store.Secret{}
	}
	jsonResponse(w, secrets)
}

func (s *Server) setSolverSecrets(w http.ResponseWriter, r *http.Request) {
	solverID := r.PathValue("id")
	var body struct {
		SecretIDs []string `json:"secret_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		jsonError(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if err := s.store.SetSolverSecrets(solverID, body.SecretIDs); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "updated"})
}

func (s *Server) addSolverSecret(w http.ResponseWriter, r *http.Request) {
	solverID := r.PathValue("id")
	secretID := r.PathValue("secretId")
	if err := s.store.AddSolverSecret(solverID, secretID); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "added"})
}

func (s *Server) removeSolverSecret(w http.ResponseWriter, r *http.Request) {
	solverID := r.PathValue("id")
	secretID := r.PathValue("secretId")
	if err := s.store.RemoveSolverSecret(solverID, secretID); err != nil {
		jsonError(w, err.Error(), http.StatusInternalServerError)
		return
	}
	jsonResponse(w, map[string]string{"status": "removed"})
}

func (s *Server) publishSecretEvent(topic, secretID, name string) {
	if s.nc == nil {
		return
	}
	event := map[string]any{
		"type":      topic,
		"timestamp": time.Now().UTC().Format(time.RFC3339),
		"data": map[string]any{
			"id":   secretID,
			"name": name,
		},
	}
	_ = s.nc.PublishJSON(topic, event)
}
