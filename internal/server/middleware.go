package server

import (
	"context"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"

	"mcpgateway/internal/api"
	"mcpgateway/internal/audit"
	"mcpgateway/internal/auth"
	"mcpgateway/internal/metrics"
	"mcpgateway/pkg/logging"
)

type requestIDKey struct{}

// RequestIDFrom extracts the request id stamped by the middleware.
func RequestIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(requestIDKey{}).(string)
	return id
}

// statusResponseWriter captures the status code for logging and audit.
type statusResponseWriter struct {
	http.ResponseWriter
	status int
}

func newStatusResponseWriter(w http.ResponseWriter) *statusResponseWriter {
	return &statusResponseWriter{w, http.StatusOK}
}

func (w *statusResponseWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// Flush keeps streaming responses working through the wrapper.
func (w *statusResponseWriter) Flush() {
	if flusher, ok := w.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// requestIDMiddleware stamps (or propagates) the correlation id.
func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}
		w.Header().Set("X-Request-ID", requestID)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), requestIDKey{}, requestID)))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := newStatusResponseWriter(w)
		next.ServeHTTP(ww, r)
		metrics.RequestsTotal.WithLabelValues(r.Method, strconv.Itoa(ww.status)).Inc()
		logging.Debug("Server", "%s %s -> %d (%s)", r.Method, r.URL.Path, ww.status, time.Since(start))
	})
}

// authMiddleware runs the kernel's first two layers and attaches the
// AuthContext: verify the ingress JWT, expand groups to scopes, mark
// admins. FGAC (layer three) runs where the target is known.
func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		identity, err := s.authn.Verify(r.Context(), r)
		if err != nil {
			writeError(w, r, err)
			return
		}

		scopes, err := s.resolver.ExpandGroups(r.Context(), identity.Groups)
		if err != nil {
			writeError(w, r, err)
			return
		}

		authCtx := &auth.AuthContext{
			Subject:    identity.Subject,
			ClientID:   identity.ClientID,
			Username:   identity.Username,
			Groups:     identity.Groups,
			Scopes:     scopes,
			IsAdmin:    s.resolver.IsAdmin(scopes),
			AuthMethod: "jwt",
		}
		next.ServeHTTP(w, r.WithContext(auth.IntoContext(r.Context(), authCtx)))
	})
}

// auditMiddleware emits one registry_api event per administrative request.
func (s *Server) auditMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := newStatusResponseWriter(w)
		next.ServeHTTP(ww, r)

		event := &audit.Event{
			RequestID: RequestIDFrom(r.Context()),
			LogType:   audit.StreamRegistryAPI,
			Request: audit.Request{
				Method:    r.Method,
				Path:      r.URL.Path,
				ClientIP:  clientIP(r),
				UserAgent: r.UserAgent(),
			},
			Response: audit.Response{
				StatusCode: ww.status,
				DurationMS: time.Since(start).Milliseconds(),
			},
			Action: actionFor(r),
		}
		if authCtx, ok := auth.FromContext(r.Context()); ok {
			event.Identity = audit.Identity{
				Username:   authCtx.Username,
				AuthMethod: authCtx.AuthMethod,
				Groups:     authCtx.Groups,
				Scopes:     authCtx.Scopes,
				IsAdmin:    authCtx.IsAdmin,
			}
			event.Authorization = audit.Authorization{
				Decision:        decisionFor(ww.status),
				EvaluatedScopes: authCtx.Scopes,
			}
		}
		if err := s.audit.Append(r.Context(), event); err != nil {
			logging.Warn("Server", "Failed to append audit event: %v", err)
		}
	})
}

// requireAdmin gates mutating handlers on the admin scope.
func (s *Server) requireAdmin(w http.ResponseWriter, r *http.Request) *auth.AuthContext {
	authCtx, ok := auth.FromContext(r.Context())
	if !ok {
		writeError(w, r, api.NewUnauthenticatedError("missing auth context", nil))
		return nil
	}
	if !authCtx.IsAdmin {
		writeError(w, r, api.NewForbiddenError("administrative scope required", "scope:mcp-registry-admin"))
		return nil
	}
	return authCtx
}

func clientIP(r *http.Request) string {
	if fwd := r.Header.Get("X-Forwarded-For"); fwd != "" {
		return fwd
	}
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}

// actionFor derives the audit action triple from the route.
func actionFor(r *http.Request) audit.Action {
	action := audit.Action{}
	switch r.Method {
	case http.MethodPost:
		action.Operation = "create"
	case http.MethodPut:
		action.Operation = "update"
	case http.MethodDelete:
		action.Operation = "delete"
	default:
		action.Operation = "read"
	}

	path := r.URL.Path
	switch {
	case pathHasPrefix(path, "/api/servers"):
		action.ResourceType = "server"
		action.ResourceID = trimResource(path, "/api/servers")
	case pathHasPrefix(path, "/api/agents"):
		action.ResourceType = "agent"
		action.ResourceID = trimResource(path, "/api/agents")
	case pathHasPrefix(path, "/api/skills"):
		action.ResourceType = "skill"
		action.ResourceID = trimResource(path, "/api/skills")
	case pathHasPrefix(path, "/api/virtual-servers"):
		action.ResourceType = "virtual_server"
		action.ResourceID = trimResource(path, "/api/virtual-servers")
	case pathHasPrefix(path, "/api/peers"):
		action.ResourceType = "peer"
		action.ResourceID = trimResource(path, "/api/peers")
	case pathHasPrefix(path, "/api/v1/federation"):
		action.ResourceType = "federation"
	case pathHasPrefix(path, "/api/audit"):
		action.ResourceType = "audit"
	case pathHasPrefix(path, "/api/search"):
		action.ResourceType = "search"
	}
	return action
}

func pathHasPrefix(path, prefix string) bool {
	return len(path) >= len(prefix) && path[:len(prefix)] == prefix
}

func trimResource(path, prefix string) string {
	rest := path[len(prefix):]
	if rest == "" {
		return ""
	}
	return rest
}

func decisionFor(status int) string {
	switch status {
	case http.StatusUnauthorized:
		return "unauthenticated"
	case http.StatusForbidden:
		return "deny"
	default:
		return "allow"
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	api.WriteJSON(w, status, v)
}

func writeError(w http.ResponseWriter, r *http.Request, err error) {
	api.WriteError(w, RequestIDFrom(r.Context()), err)
}
