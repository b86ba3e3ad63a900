package server

import (
	"net/http"

	"mcpgateway/internal/api"
)

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.registry.ListAgents(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"agents":      agents,
		"total_count": len(agents),
	})
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	var agent api.Agent
	if err := api.DecodeJSONBody(r, &agent); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.registry.RegisterAgent(r.Context(), &agent)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleGetAgent(w http.ResponseWriter, r *http.Request) {
	agent, err := s.registry.GetAgent(r.Context(), pathParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleUpdateAgent(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	var patch map[string]interface{}
	if err := decodeRawBody(r, &patch); err != nil {
		writeError(w, r, err)
		return
	}

	current, err := s.registry.GetAgent(r.Context(), pathParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	merged, err := mergeAgentPatch(current, patch)
	if err != nil {
		writeError(w, r, err)
		return
	}

	updated, err := s.registry.UpdateAgent(r.Context(), merged)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

func (s *Server) handleToggleAgent(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	var req toggleRequest
	if err := api.DecodeJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	path := pathParam(r)
	if err := s.registry.ToggleAgent(r.Context(), path, req.Enabled); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"path": path, "is_enabled": req.Enabled})
}

func (s *Server) handleDeleteAgent(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	var req deleteRequest
	if err := api.DecodeJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.registry.DeleteAgent(r.Context(), pathParam(r), req.Name); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}
