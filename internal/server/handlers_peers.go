package server

import (
	"net/http"

	"github.com/gorilla/mux"

	"mcpgateway/internal/api"
	"mcpgateway/internal/metrics"
)

func (s *Server) handleListPeers(w http.ResponseWriter, r *http.Request) {
	peers, err := s.federation.ListPeers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"peers":       peers,
		"total_count": len(peers),
	})
}

func (s *Server) handleCreatePeer(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	var peer api.PeerRegistry
	if err := api.DecodeJSONBody(r, &peer); err != nil {
		writeError(w, r, err)
		return
	}
	if err := s.federation.CreatePeer(r.Context(), &peer); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, peer)
}

func (s *Server) handleGetPeer(w http.ResponseWriter, r *http.Request) {
	peer, err := s.federation.GetPeer(r.Context(), mux.Vars(r)["peer_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, peer)
}

func (s *Server) handleUpdatePeer(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	peerID := mux.Vars(r)["peer_id"]
	current, err := s.federation.GetPeer(r.Context(), peerID)
	if err != nil {
		writeError(w, r, err)
		return
	}

	var peer api.PeerRegistry
	if err := api.DecodeJSONBody(r, &peer); err != nil {
		writeError(w, r, err)
		return
	}
	peer.PeerID = peerID
	peer.CreatedAt = current.CreatedAt
	peer.UpdatedAt = current.UpdatedAt

	if err := s.federation.UpdatePeer(r.Context(), &peer); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, peer)
}

func (s *Server) handleDeletePeer(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}
	if err := s.federation.DeletePeer(r.Context(), mux.Vars(r)["peer_id"]); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"deleted": true})
}

func (s *Server) handleSyncPeer(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	peerID := mux.Vars(r)["peer_id"]
	report, err := s.federation.SyncPeerNow(r.Context(), peerID)
	if err != nil {
		metrics.FederationSyncsTotal.WithLabelValues(peerID, "failure").Inc()
		writeError(w, r, err)
		return
	}
	metrics.FederationSyncsTotal.WithLabelValues(peerID, "success").Inc()
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleSyncAllPeers(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	reports, failures := s.federation.SyncAll(r.Context())
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"synced":   reports,
		"failures": failures,
	})
}

func (s *Server) handlePeerStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.federation.PeerStatus(r.Context(), mux.Vars(r)["peer_id"])
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

func (s *Server) handleEnablePeer(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}
	if err := s.federation.SetPeerEnabled(r.Context(), mux.Vars(r)["peer_id"], true); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": true})
}

func (s *Server) handleDisablePeer(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}
	if err := s.federation.SetPeerEnabled(r.Context(), mux.Vars(r)["peer_id"], false); err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{"enabled": false})
}

func (s *Server) handleTopology(w http.ResponseWriter, r *http.Request) {
	topology, err := s.federation.UnifiedTopology(r.Context(), "local-registry")
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, topology)
}

func (s *Server) handleExternalSync(w http.ResponseWriter, r *http.Request) {
	if s.requireAdmin(w, r) == nil {
		return
	}

	source := mux.Vars(r)["source"]
	var err error
	var report interface{}
	switch source {
	case "anthropic":
		report, err = s.federation.SyncAnthropicNow(r.Context())
	case "asor":
		report, err = s.federation.SyncASORNow(r.Context())
	default:
		writeError(w, r, api.NewNotFoundError("federation source", source))
		return
	}
	if err != nil {
		metrics.FederationSyncsTotal.WithLabelValues(source, "failure").Inc()
		writeError(w, r, err)
		return
	}
	metrics.FederationSyncsTotal.WithLabelValues(source, "success").Inc()
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleExternalConfig(w http.ResponseWriter, r *http.Request) {
	source := mux.Vars(r)["source"]
	if source != "anthropic" && source != "asor" {
		writeError(w, r, api.NewNotFoundError("federation source", source))
		return
	}

	switch r.Method {
	case http.MethodGet:
		cfg, err := s.federation.SourcesConfig(r.Context())
		if err != nil {
			writeError(w, r, err)
			return
		}
		if source == "anthropic" {
			writeJSON(w, http.StatusOK, cfg.Anthropic)
		} else {
			writeJSON(w, http.StatusOK, cfg.ASOR)
		}

	case http.MethodPut:
		if s.requireAdmin(w, r) == nil {
			return
		}
		var sourceCfg api.ExternalSourceConfig
		if err := api.DecodeJSONBody(r, &sourceCfg); err != nil {
			writeError(w, r, err)
			return
		}
		cfg, err := s.federation.UpdateSourceConfig(r.Context(), source, sourceCfg)
		if err != nil {
			writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, cfg)
	}
}

// --- export surface ----------------------------------------------------

func (s *Server) handleExportServers(w http.ResponseWriter, r *http.Request) {
	if err := s.exportAuth.Authenticate(r); err != nil {
		writeError(w, r, err)
		return
	}

	export, err := s.federation.ExportServers(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}

func (s *Server) handleExportAgents(w http.ResponseWriter, r *http.Request) {
	if err := s.exportAuth.Authenticate(r); err != nil {
		writeError(w, r, err)
		return
	}

	export, err := s.federation.ExportAgents(r.Context())
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, export)
}
