package server

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"mcpgateway/internal/api"
	"mcpgateway/internal/audit"
	"mcpgateway/internal/auth"
	"mcpgateway/internal/metrics"
	"mcpgateway/pkg/logging"
)

// pathParam reconstructs the entity path from the route capture, which
// arrives without its leading slash.
func pathParam(r *http.Request) string {
	raw := mux.Vars(r)["path"]
	if !strings.HasPrefix(raw, "/") {
		raw = "/" + raw
	}
	return raw
}

func (s *Server) handleListServers(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, r, api.NewUnauthenticatedError("missing auth context", nil))
		return
	}

	servers, err := s.registry.ListServers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}

	// Non-admin callers see only what their ui_scope documents expose.
	visible, err := s.resolver.VisibleServers(r.Context(), authCtx)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if visible != nil {
		filtered := servers[:0]
		for _, server := range servers {
			if visible[server.Path] {
				filtered = append(filtered, server)
			}
		}
		servers = filtered
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"servers":     servers,
		"total_count": len(servers),
	})
}

func (s *Server) handleRegisterServer(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	var server api.Server
	if err := api.DecodeJSONBody(r, &server); err != nil {
		writeError(w, r, err)
		return
	}

	result, err := s.registry.RegisterServer(r.Context(), &server)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, result)
}

func (s *Server) handleGetServer(w http.ResponseWriter, r *http.Request) {
	server, err := s.registry.GetServer(r.Context(), pathParam(r))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, server)
}

func (s *Server) handleUpdateServer(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	path := pathParam(r)
	var patch map[string]interface{}
	if err := decodeRawBody(r, &patch); err != nil {
		writeError(w, r, err)
		return
	}

	// Partial updates are expressed as read-merge-write: the stored
	// document is fetched, the patch is merged, and the replacement goes
	// through optimistic concurrency.
	current, err := s.registry.GetServer(r.Context(), path)
	if err != nil {
		writeError(w, r, err)
		return
	}
	merged, err := mergeServerPatch(current, patch)
	if err != nil {
		writeError(w, r, err)
		return
	}

	updated, err := s.registry.UpdateServer(r.Context(), merged)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, updated)
}

type toggleRequest struct {
	Enabled  bool `json:"enabled"`
	Override bool `json:"override,omitempty"`
}

func (s *Server) handleToggleServer(w http.ResponseWriter, r *http.Request) {
	authCtx, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, r, api.NewUnauthenticatedError("missing auth context", nil))
		return
	}
	if !authCtx.IsAdmin {
		writeError(w, r, api.NewForbiddenError("administrative scope required", "scope:mcp-registry-admin"))
		return
	}

	var req toggleRequest
	if err := api.DecodeJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	path := pathParam(r)
	if err := s.registry.ToggleServer(r.Context(), path, req.Enabled, authCtx.IsAdmin, req.Override); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"path": path, "is_enabled": req.Enabled})
}

type setDefaultVersionRequest struct {
	Version string `json:"version"`
}

func (s *Server) handleSetDefaultVersion(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	var req setDefaultVersionRequest
	if err := api.DecodeJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	server, err := s.registry.SetDefaultVersion(r.Context(), pathParam(r), req.Version)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, server)
}

type deleteRequest struct {
	Name string `json:"name"`
}

func (s *Server) handleDeleteServer(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	var req deleteRequest
	if err := api.DecodeJSONBody(r, &req); err != nil {
		writeError(w, r, err)
		return
	}

	if err := s.registry.DeleteServer(r.Context(), pathParam(r), req.Name); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

func (s *Server) handleScanServer(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	result, err := s.registry.ScanServerNow(r.Context(), pathParam(r))
	if err != nil && result == nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleSearch(w http.ResponseWriter, r *http.Request) {
	authCtx, _ := auth.FromContext(r.Context())

	query := r.URL.Query().Get("q")
	maxResults := 0
	if raw := r.URL.Query().Get("max_results"); raw != "" {
		if n, err := strconv.Atoi(raw); err == nil {
			maxResults = n
		}
	}

	var entityTypes []api.EntityType
	for _, raw := range r.URL.Query()["entity_type"] {
		entityTypes = append(entityTypes, api.EntityType(raw))
	}

	includeDisabled := false
	if r.URL.Query().Get("include_disabled") == "true" && authCtx != nil && authCtx.IsAdmin {
		includeDisabled = true
	}

	results, err := s.searchEng.Search(r.Context(), query, entityTypes, maxResults, includeDisabled)
	if err != nil {
		writeError(w, r, err)
		return
	}
	metrics.SearchQueriesTotal.WithLabelValues(results.SearchMode).Inc()
	writeJSON(w, http.StatusOK, results)
}

// handleMCP is the gateway entry: split /{server_path}/mcp/** into the
// server path and the remainder, then hand off to the proxy. One
// mcp_access audit event is emitted per request.
func (s *Server) handleMCP(w http.ResponseWriter, r *http.Request) {
	full := r.URL.Path
	idx := strings.Index(full, "/mcp/")
	if idx < 0 && strings.HasSuffix(full, "/mcp") {
		idx = len(full) - len("/mcp")
	}
	if idx <= 0 {
		writeError(w, r, api.NewNotFoundError("route", full))
		return
	}
	serverPath := full[:idx]
	rest := full[idx:]

	start := time.Now()
	outcome := s.proxy.Handle(w, r, serverPath, rest)

	event := &audit.Event{
		RequestID: RequestIDFrom(r.Context()),
		LogType:   audit.StreamMCPAccess,
		Request: audit.Request{
			Method:    r.Method,
			Path:      full,
			ClientIP:  clientIP(r),
			UserAgent: r.UserAgent(),
		},
		Response: audit.Response{
			StatusCode: outcome.Status,
			DurationMS: time.Since(start).Milliseconds(),
		},
		MCPServer: &audit.MCPServer{Name: outcome.ServerName, Path: serverPath},
	}
	if authCtx, ok := auth.FromContext(r.Context()); ok {
		event.Identity = audit.Identity{
			Username:   authCtx.Username,
			AuthMethod: authCtx.AuthMethod,
			Groups:     authCtx.Groups,
			Scopes:     authCtx.Scopes,
			IsAdmin:    authCtx.IsAdmin,
		}
	}
	if outcome.RPC != nil {
		event.MCPRequest = &audit.MCPRequest{
			Method:    outcome.RPC.Method,
			ToolName:  outcome.RPC.ToolName,
			Transport: "streamable-http",
			JSONRPCID: outcome.RPC.ID,
		}
	}
	event.MCPResponse = &audit.MCPResponse{
		Status:     decisionFor(outcome.Status),
		DurationMS: time.Since(start).Milliseconds(),
	}
	if outcome.Denied != nil {
		event.Authorization = audit.Authorization{
			Decision:           "deny",
			RequiredPermission: api.AsError(outcome.Denied).RequiredPermission,
		}
		event.MCPResponse.ErrorCode = string(api.KindOf(outcome.Denied))
	} else {
		event.Authorization = audit.Authorization{Decision: "allow"}
	}

	if err := s.audit.Append(r.Context(), event); err != nil {
		logging.Warn("Server", "Failed to append mcp_access audit event: %v", err)
	}
}
