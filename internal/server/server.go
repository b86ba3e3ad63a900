// Package server wires the unified HTTP entry point: the registry API,
// the federation surface, the audit reads, and the proxied MCP data path,
// behind one middleware chain (request id → logging → auth → audit).
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"mcpgateway/internal/audit"
	"mcpgateway/internal/auth"
	"mcpgateway/internal/config"
	"mcpgateway/internal/federation"
	"mcpgateway/internal/gateway"
	"mcpgateway/internal/metrics"
	"mcpgateway/internal/registry"
	"mcpgateway/internal/search"
	"mcpgateway/pkg/logging"
)

// authenticator abstracts ingress verification so tests can inject
// identities without an IdP.
type authenticator interface {
	Verify(ctx context.Context, r *http.Request) (*auth.Identity, error)
}

// Server is the HTTP composition root.
type Server struct {
	cfg        config.ServerConfig
	registry   *registry.Service
	searchEng  *search.Engine
	resolver   *auth.Resolver
	authn      authenticator
	federation *federation.Manager
	exportAuth *federation.ExportAuthenticator
	proxy      *gateway.Proxy
	audit      audit.Store

	httpServer *http.Server
}

// New wires the server.
func New(
	cfg config.ServerConfig,
	reg *registry.Service,
	searchEng *search.Engine,
	resolver *auth.Resolver,
	authn authenticator,
	fed *federation.Manager,
	exportAuth *federation.ExportAuthenticator,
	proxy *gateway.Proxy,
	auditStore audit.Store,
) *Server {
	return &Server{
		cfg:        cfg,
		registry:   reg,
		searchEng:  searchEng,
		resolver:   resolver,
		authn:      authn,
		federation: fed,
		exportAuth: exportAuth,
		proxy:      proxy,
		audit:      auditStore,
	}
}

// Router assembles the full route table.
func (s *Server) Router() *mux.Router {
	r := mux.NewRouter()
	r.Use(s.requestIDMiddleware, s.loggingMiddleware)

	// Unauthenticated surface.
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)

	// Peer export surface: federation-token or client-credentials auth.
	r.HandleFunc("/api/federation/servers", s.handleExportServers).Methods(http.MethodGet)
	r.HandleFunc("/api/federation/agents", s.handleExportAgents).Methods(http.MethodGet)

	// Registry API: ingress JWT auth + audit.
	apiRouter := r.PathPrefix("/api").Subrouter()
	apiRouter.Use(s.authMiddleware, s.auditMiddleware)

	apiRouter.HandleFunc("/servers", s.handleListServers).Methods(http.MethodGet)
	apiRouter.HandleFunc("/servers", s.handleRegisterServer).Methods(http.MethodPost)
	apiRouter.HandleFunc("/servers/{path:.+}/versions/default", s.handleSetDefaultVersion).Methods(http.MethodPut)
	apiRouter.HandleFunc("/servers/{path:.+}/toggle", s.handleToggleServer).Methods(http.MethodPost)
	apiRouter.HandleFunc("/servers/{path:.+}/scan", s.handleScanServer).Methods(http.MethodPost)
	apiRouter.HandleFunc("/servers/{path:.+}", s.handleGetServer).Methods(http.MethodGet)
	apiRouter.HandleFunc("/servers/{path:.+}", s.handleUpdateServer).Methods(http.MethodPut)
	apiRouter.HandleFunc("/servers/{path:.+}", s.handleDeleteServer).Methods(http.MethodDelete)

	apiRouter.HandleFunc("/agents", s.handleListAgents).Methods(http.MethodGet)
	apiRouter.HandleFunc("/agents", s.handleRegisterAgent).Methods(http.MethodPost)
	apiRouter.HandleFunc("/agents/{path:.+}/toggle", s.handleToggleAgent).Methods(http.MethodPost)
	apiRouter.HandleFunc("/agents/{path:.+}", s.handleGetAgent).Methods(http.MethodGet)
	apiRouter.HandleFunc("/agents/{path:.+}", s.handleUpdateAgent).Methods(http.MethodPut)
	apiRouter.HandleFunc("/agents/{path:.+}", s.handleDeleteAgent).Methods(http.MethodDelete)

	apiRouter.HandleFunc("/skills", s.handleListSkills).Methods(http.MethodGet)
	apiRouter.HandleFunc("/skills", s.handleCreateSkill).Methods(http.MethodPost)
	apiRouter.HandleFunc("/skills/{path:.+}/content", s.handleSkillContent).Methods(http.MethodGet)
	apiRouter.HandleFunc("/skills/{path:.+}/tools", s.handleSkillTools).Methods(http.MethodGet)
	apiRouter.HandleFunc("/skills/{path:.+}/rate", s.handleRateSkill).Methods(http.MethodPost)
	apiRouter.HandleFunc("/skills/{path:.+}/health", s.handleSkillHealth).Methods(http.MethodGet)
	apiRouter.HandleFunc("/skills/{path:.+}", s.handleGetSkill).Methods(http.MethodGet)
	apiRouter.HandleFunc("/skills/{path:.+}", s.handleUpdateSkill).Methods(http.MethodPut)
	apiRouter.HandleFunc("/skills/{path:.+}", s.handleDeleteSkill).Methods(http.MethodDelete)

	apiRouter.HandleFunc("/virtual-servers", s.handleListVirtualServers).Methods(http.MethodGet)
	apiRouter.HandleFunc("/virtual-servers", s.handleCreateVirtualServer).Methods(http.MethodPost)
	apiRouter.HandleFunc("/virtual-servers/{path:.+}", s.handleGetVirtualServer).Methods(http.MethodGet)
	apiRouter.HandleFunc("/virtual-servers/{path:.+}", s.handleDeleteVirtualServer).Methods(http.MethodDelete)

	apiRouter.HandleFunc("/search", s.handleSearch).Methods(http.MethodGet)

	apiRouter.HandleFunc("/peers/sync", s.handleSyncAllPeers).Methods(http.MethodPost)
	apiRouter.HandleFunc("/peers", s.handleListPeers).Methods(http.MethodGet)
	apiRouter.HandleFunc("/peers", s.handleCreatePeer).Methods(http.MethodPost)
	apiRouter.HandleFunc("/peers/{peer_id}/sync", s.handleSyncPeer).Methods(http.MethodPost)
	apiRouter.HandleFunc("/peers/{peer_id}/status", s.handlePeerStatus).Methods(http.MethodGet)
	apiRouter.HandleFunc("/peers/{peer_id}/enable", s.handleEnablePeer).Methods(http.MethodPost)
	apiRouter.HandleFunc("/peers/{peer_id}/disable", s.handleDisablePeer).Methods(http.MethodPost)
	apiRouter.HandleFunc("/peers/{peer_id}", s.handleGetPeer).Methods(http.MethodGet)
	apiRouter.HandleFunc("/peers/{peer_id}", s.handleUpdatePeer).Methods(http.MethodPut)
	apiRouter.HandleFunc("/peers/{peer_id}", s.handleDeletePeer).Methods(http.MethodDelete)

	apiRouter.HandleFunc("/v1/federation/unified-topology", s.handleTopology).Methods(http.MethodGet)
	apiRouter.HandleFunc("/v1/federation/{source}/sync", s.handleExternalSync).Methods(http.MethodPost)
	apiRouter.HandleFunc("/v1/federation/{source}/config", s.handleExternalConfig).Methods(http.MethodGet, http.MethodPut)

	apiRouter.HandleFunc("/audit/events", s.handleAuditEvents).Methods(http.MethodGet)
	apiRouter.HandleFunc("/audit/export", s.handleAuditExport).Methods(http.MethodGet)

	// Everything else matching /{server_path}/mcp/** is proxied MCP
	// traffic. Auth happens inside the handler chain.
	mcpRouter := r.PathPrefix("/").Subrouter()
	mcpRouter.Use(s.authMiddleware)
	mcpRouter.PathPrefix("/{server_path:.+}/mcp").HandlerFunc(s.handleMCP)

	return r
}

// Start runs the listener until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	addr := fmt.Sprintf("%s:%d", s.cfg.Host, s.cfg.Port)
	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logging.Info("Server", "Listening on %s", addr)
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpServer.Shutdown(shutdownCtx)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":      "healthy",
		"search_mode": s.searchEng.Mode(),
	})
}
