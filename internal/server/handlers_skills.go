package server

import (
	"io"
	"net/http"
	"time"

	"mcpgateway/internal/api"
)

func (s *Server) handleListSkills(w http.ResponseWriter, r *http.Request) {
	skills, err := s.registry.ListSkills(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"skills":      skills,
		"total_count": len(skills),
	})
}

func (s *Server) handleCreateSkill(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	var skill api.Skill
	if err := api.DecodeJSONBody(r, &skill); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.registry.CreateSkill(r.Context(), &skill); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, skill)
}

func (s *Server) handleGetSkill(w http.ResponseWriter, r *http.Request) {
	skill, err := s.registry.GetSkill(r.Context(), pathParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, skill)
}

func (s *Server) handleUpdateSkill(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	var patch map[string]interface{}
	if err := decodeRawBody(r, &patch); err != nil {
		writeError(w, r, err)
		return
	}

	current, err := s.registry.GetSkill(r.Context(), pathParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	merged, err := mergeSkillPatch(current, patch)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.registry.UpdateSkill(r.Context(), merged); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, merged)
}

func (s *Server) handleDeleteSkill(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}
	if err := s.registry.DeleteSkill(r.Context(), pathParam(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

// handleSkillContent streams the skill's markdown from its source URL.
func (s *Server) handleSkillContent(w http.ResponseWriter, r *http.Request) {
	skill, err := s.registry.GetSkill(r.Context(), pathParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	if skill.SkillMDURL == "" {
		writeError(w, r, api.NewNotFoundError("skill content", skill.Path))
		return
	}

	req, err := http.NewRequestWithContext(r.Context(), http.MethodGet, skill.SkillMDURL, nil)
	if err != nil {
		writeError(w, r, api.NewBackendDataError("stored skill_md_url is invalid", err))
		return
	}
	client := &http.Client{Timeout: 10 * time.Second}
	res, err := client.Do(req)
	if err != nil {
		writeError(w, r, api.NewTransientBackendError("failed to fetch skill content", err))
		return
	}
	defer res.Body.Close()

	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(res.StatusCode)
	io.Copy(w, res.Body)
}

func (s *Server) handleSkillTools(w http.ResponseWriter, r *http.Request) {
	skill, err := s.registry.GetSkill(r.Context(), pathParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":          skill.Path,
		"allowed_tools": skill.AllowedTools,
	})
}

type rateRequest struct {
	Rating float64 `json:"rating"`
}

func (s *Server) handleRateSkill(w http.ResponseWriter, r *http.Request) {
	var req rateRequest
	if err := api.DecodeJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	skill, err := s.registry.RateSkill(r.Context(), pathParam(r), req.Rating)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, skill)
}

// handleSkillHealth verifies the referenced servers still exist and are
// enabled.
func (s *Server) handleSkillHealth(w http.ResponseWriter, r *http.Request) {
	skill, err := s.registry.GetSkill(r.Context(), pathParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	missing := []string{}
	disabled := []string{}
	seen := map[string]bool{}
	for _, tool := range skill.AllowedTools {
		if seen[tool.ServerPath] {
			continue
		}
		seen[tool.ServerPath] = true
		server, err := s.registry.GetServer(r.Context(), tool.ServerPath)
		if err != nil {
			missing = append(missing, tool.ServerPath)
			continue
		}
		if !server.IsEnabled {
			disabled = append(disabled, tool.ServerPath)
		}
	}

	healthy := len(missing) == 0 && len(disabled) == 0
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"path":             skill.Path,
		"healthy":          healthy,
		"missing_servers":  missing,
		"disabled_servers": disabled,
	})
}

// --- virtual servers ---------------------------------------------------

func (s *Server) handleListVirtualServers(w http.ResponseWriter, r *http.Request) {
	virtuals, err := s.registry.ListVirtualServers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"virtual_servers": virtuals,
		"total_count":     len(virtuals),
	})
}

func (s *Server) handleCreateVirtualServer(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	var vs api.VirtualServer
	if err := api.DecodeJSONBody(r, &vs); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.registry.CreateVirtualServer(r.Context(), &vs); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, vs)
}

func (s *Server) handleGetVirtualServer(w http.ResponseWriter, r *http.Request) {
	vs, err := s.registry.GetVirtualServer(r.Context(), pathParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}

	tools, err := s.registry.VirtualServerTools(r.Context(), vs)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"virtual_server": vs,
		"tool_list":      tools,
	})
}

func (s *Server) handleDeleteVirtualServer(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}
	if err := s.registry.DeleteVirtualServer(r.Context(), pathParam(r)); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}
