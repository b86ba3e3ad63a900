package federation

import (
	"context"
	"fmt"
	"regexp"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mcpgateway/internal/api"
	"mcpgateway/internal/repository"
	"mcpgateway/pkg/logging"
)

var peerIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

const (
	minSyncIntervalMinutes = 5
	maxSyncIntervalMinutes = 1440
)

// TopologyNode is one node of the unified federation topology.
type TopologyNode struct {
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"` // local, peer, anthropic, asor
	Endpoint  string `json:"endpoint,omitempty"`
	Enabled   bool   `json:"enabled"`
	IsHealthy bool   `json:"is_healthy"`
}

// TopologyEdge is a directed sync edge, always pointing source → local.
type TopologyEdge struct {
	From string `json:"from"`
	To   string `json:"to"`
}

// Topology is the unified topology snapshot: a star with the local
// registry at the center.
type Topology struct {
	Nodes []TopologyNode `json:"nodes"`
	Edges []TopologyEdge `json:"edges"`
}

// Manager owns peer configuration and drives the per-peer sync workers:
// one independent cooperative task per enabled peer, on that peer's
// cadence.
type Manager struct {
	repos  *repository.Repositories
	engine *Engine

	mu      sync.Mutex
	cancels map[string]context.CancelFunc
	runCtx  context.Context
}

// NewManager wires the federation manager.
func NewManager(repos *repository.Repositories, engine *Engine) *Manager {
	return &Manager{
		repos:   repos,
		engine:  engine,
		cancels: map[string]context.CancelFunc{},
	}
}

// ValidatePeer rejects malformed peer definitions.
func ValidatePeer(peer *api.PeerRegistry) error {
	fields := map[string]string{}
	if !peerIDPattern.MatchString(peer.PeerID) {
		fields["peer_id"] = fmt.Sprintf("peer_id %q must match %s", peer.PeerID, peerIDPattern.String())
	}
	if peer.Endpoint == "" {
		fields["endpoint"] = "endpoint is required"
	}
	if peer.SyncIntervalMinutes < minSyncIntervalMinutes || peer.SyncIntervalMinutes > maxSyncIntervalMinutes {
		fields["sync_interval_minutes"] = fmt.Sprintf("sync_interval_minutes must be in [%d, %d]",
			minSyncIntervalMinutes, maxSyncIntervalMinutes)
	}
	switch peer.SyncMode {
	case api.SyncModeAll, api.SyncModeWhitelist, api.SyncModeTagFilter:
	default:
		fields["sync_mode"] = fmt.Sprintf("unknown sync_mode %q", peer.SyncMode)
	}
	switch peer.Auth.Type {
	case api.PeerAuthNone, api.PeerAuthAPIKey, api.PeerAuthOAuth2, api.PeerAuthStaticToken:
	default:
		fields["auth"] = fmt.Sprintf("unknown auth type %q", peer.Auth.Type)
	}
	if len(fields) > 0 {
		return api.NewBadRequestError("invalid peer definition", fields)
	}
	return nil
}

// CreatePeer persists a new peer and starts its worker when enabled.
func (m *Manager) CreatePeer(ctx context.Context, peer *api.PeerRegistry) error {
	if err := ValidatePeer(peer); err != nil {
		return err
	}
	if err := m.repos.Peers.Create(ctx, peer); err != nil {
		return err
	}
	if peer.Enabled {
		m.startWorker(peer)
	}
	return nil
}

// GetPeer returns one peer definition.
func (m *Manager) GetPeer(ctx context.Context, peerID string) (*api.PeerRegistry, error) {
	return m.repos.Peers.Get(ctx, peerID)
}

// ListPeers returns all peer definitions.
func (m *Manager) ListPeers(ctx context.Context) ([]api.PeerRegistry, error) {
	return m.repos.Peers.ListAll(ctx)
}

// UpdatePeer replaces a peer definition and restarts its worker.
func (m *Manager) UpdatePeer(ctx context.Context, peer *api.PeerRegistry) error {
	if err := ValidatePeer(peer); err != nil {
		return err
	}
	if err := m.repos.Peers.Update(ctx, peer); err != nil {
		return err
	}
	m.stopWorker(peer.PeerID)
	if peer.Enabled {
		m.startWorker(peer)
	}
	return nil
}

// DeletePeer removes a peer, stops its worker and drops its status. The
// federated copies stay until reclaimed or deleted by an admin.
func (m *Manager) DeletePeer(ctx context.Context, peerID string) error {
	if err := m.repos.Peers.Delete(ctx, peerID); err != nil {
		return err
	}
	m.stopWorker(peerID)
	if err := m.repos.PeerStatus.Delete(ctx, peerID); err != nil {
		logging.Warn("Federation", "Failed to drop status for deleted peer %s: %v", peerID, err)
	}
	return nil
}

// SetPeerEnabled toggles a peer and starts/stops its worker accordingly.
func (m *Manager) SetPeerEnabled(ctx context.Context, peerID string, enabled bool) error {
	peer, err := m.repos.Peers.Get(ctx, peerID)
	if err != nil {
		return err
	}
	if peer.Enabled == enabled {
		return nil
	}
	peer.Enabled = enabled
	if err := m.repos.Peers.Update(ctx, peer); err != nil {
		return err
	}
	if enabled {
		m.startWorker(peer)
	} else {
		m.stopWorker(peerID)
	}
	return nil
}

// PeerStatus returns the durable sync status of one peer.
func (m *Manager) PeerStatus(ctx context.Context, peerID string) (*api.PeerSyncStatus, error) {
	return m.repos.PeerStatus.Get(ctx, peerID)
}

// SyncPeerNow runs an on-demand sync of one peer.
func (m *Manager) SyncPeerNow(ctx context.Context, peerID string) (*SyncReport, error) {
	peer, err := m.repos.Peers.Get(ctx, peerID)
	if err != nil {
		return nil, err
	}
	return m.engine.SyncPeer(ctx, peer)
}

// SyncAll syncs every enabled peer in parallel and reports per-peer
// results. Individual failures do not abort the fan-out.
func (m *Manager) SyncAll(ctx context.Context) (map[string]*SyncReport, map[string]string) {
	peers, err := m.repos.Peers.ListAll(ctx)
	if err != nil {
		return nil, map[string]string{"_list": err.Error()}
	}

	reports := make(map[string]*SyncReport)
	failures := make(map[string]string)
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	for i := range peers {
		peer := peers[i]
		if !peer.Enabled {
			continue
		}
		g.Go(func() error {
			report, syncErr := m.engine.SyncPeer(gctx, &peer)
			mu.Lock()
			defer mu.Unlock()
			if syncErr != nil {
				failures[peer.PeerID] = syncErr.Error()
			} else {
				reports[peer.PeerID] = report
			}
			return nil
		})
	}
	_ = g.Wait()
	return reports, failures
}

// Run starts one worker per enabled peer, plus startup syncs of the
// external sources when configured, and blocks until ctx is cancelled.
func (m *Manager) Run(ctx context.Context) error {
	m.mu.Lock()
	m.runCtx = ctx
	m.mu.Unlock()

	peers, err := m.repos.Peers.ListAll(ctx)
	if err != nil {
		return err
	}
	for i := range peers {
		if peers[i].Enabled {
			m.startWorker(&peers[i])
		}
	}

	if cfg, err := m.repos.FederationConfig.Get(ctx); err == nil {
		if cfg.Anthropic.Enabled && cfg.Anthropic.SyncOnStartup {
			if _, err := m.engine.SyncAnthropic(ctx); err != nil {
				logging.Warn("Federation", "Startup anthropic sync failed: %v", err)
			}
		}
		if cfg.ASOR.Enabled && cfg.ASOR.SyncOnStartup {
			if _, err := m.engine.SyncASOR(ctx); err != nil {
				logging.Warn("Federation", "Startup asor sync failed: %v", err)
			}
		}
	}

	<-ctx.Done()
	m.stopAll()
	return nil
}

// startWorker launches the cooperative per-peer loop. Safe to call again
// after stopWorker.
func (m *Manager) startWorker(peer *api.PeerRegistry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if _, running := m.cancels[peer.PeerID]; running {
		return
	}
	parent := m.runCtx
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	m.cancels[peer.PeerID] = cancel

	interval := time.Duration(peer.SyncIntervalMinutes) * time.Minute
	go func() {
		logging.Info("Federation", "Worker for peer %s started (every %s)", peer.PeerID, interval)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		// First sync immediately so a fresh peer shows up without
		// waiting a full interval.
		if _, err := m.engine.SyncPeer(ctx, peer); err != nil && !api.IsConflict(err) {
			logging.Warn("Federation", "Initial sync of %s failed: %v", peer.PeerID, err)
		}

		for {
			select {
			case <-ctx.Done():
				logging.Info("Federation", "Worker for peer %s stopped", peer.PeerID)
				return
			case <-ticker.C:
				if _, err := m.engine.SyncPeer(ctx, peer); err != nil && !api.IsConflict(err) {
					logging.Debug("Federation", "Scheduled sync of %s failed: %v", peer.PeerID, err)
				}
			}
		}
	}()
}

func (m *Manager) stopWorker(peerID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if cancel, ok := m.cancels[peerID]; ok {
		cancel()
		delete(m.cancels, peerID)
	}
}

func (m *Manager) stopAll() {
	m.mu.Lock()
	defer m.mu.Unlock()
	for id, cancel := range m.cancels {
		cancel()
		delete(m.cancels, id)
	}
}

// UnifiedTopology renders the star topology: every source node with a
// directed edge into the local registry.
func (m *Manager) UnifiedTopology(ctx context.Context, localName string) (*Topology, error) {
	topology := &Topology{
		Nodes: []TopologyNode{
			{ID: "local", Name: localName, Type: "local", Enabled: true, IsHealthy: true},
		},
		Edges: []TopologyEdge{},
	}

	peers, err := m.repos.Peers.ListAll(ctx)
	if err != nil {
		return nil, err
	}
	for _, peer := range peers {
		node := TopologyNode{
			ID:       peer.PeerID,
			Name:     peer.Name,
			Type:     "peer",
			Endpoint: peer.Endpoint,
			Enabled:  peer.Enabled,
		}
		if status, err := m.repos.PeerStatus.Get(ctx, peer.PeerID); err == nil {
			node.IsHealthy = status.IsHealthy
		}
		topology.Nodes = append(topology.Nodes, node)
		if peer.Enabled {
			topology.Edges = append(topology.Edges, TopologyEdge{From: peer.PeerID, To: "local"})
		}
	}

	if cfg, err := m.repos.FederationConfig.Get(ctx); err == nil {
		for _, source := range []struct {
			id  string
			cfg api.ExternalSourceConfig
		}{
			{SourceAnthropic, cfg.Anthropic},
			{SourceASOR, cfg.ASOR},
		} {
			node := TopologyNode{
				ID:       source.id,
				Name:     source.id,
				Type:     source.id,
				Endpoint: source.cfg.Endpoint,
				Enabled:  source.cfg.Enabled,
			}
			if status, err := m.repos.PeerStatus.Get(ctx, source.id); err == nil {
				node.IsHealthy = status.IsHealthy
			}
			topology.Nodes = append(topology.Nodes, node)
			if source.cfg.Enabled {
				topology.Edges = append(topology.Edges, TopologyEdge{From: source.id, To: "local"})
			}
		}
	}

	return topology, nil
}

// SyncAnthropicNow runs an on-demand sync of the upstream protocol
// registry.
func (m *Manager) SyncAnthropicNow(ctx context.Context) (*SyncReport, error) {
	return m.engine.SyncAnthropic(ctx)
}

// SyncASORNow runs an on-demand sync of the upstream agent registry.
func (m *Manager) SyncASORNow(ctx context.Context) (*SyncReport, error) {
	return m.engine.SyncASOR(ctx)
}

// SourcesConfig returns the external-source configuration, defaulting an
// empty one when none was stored yet.
func (m *Manager) SourcesConfig(ctx context.Context) (*api.FederationSourcesConfig, error) {
	cfg, err := m.repos.FederationConfig.Get(ctx)
	if err != nil {
		if api.IsNotFound(err) {
			return &api.FederationSourcesConfig{ConfigID: api.FederationConfigID}, nil
		}
		return nil, err
	}
	return cfg, nil
}

// UpdateSourceConfig replaces one external source's configuration.
func (m *Manager) UpdateSourceConfig(ctx context.Context, source string, sourceCfg api.ExternalSourceConfig) (*api.FederationSourcesConfig, error) {
	cfg, err := m.SourcesConfig(ctx)
	if err != nil {
		return nil, err
	}
	switch source {
	case SourceAnthropic:
		cfg.Anthropic = sourceCfg
	case SourceASOR:
		cfg.ASOR = sourceCfg
	default:
		return nil, api.NewNotFoundError("federation source", source)
	}
	if err := m.repos.FederationConfig.Put(ctx, cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// ExportServers renders the peer-facing server export under a fresh
// export generation.
func (m *Manager) ExportServers(ctx context.Context) (*ServersExport, error) {
	return BuildServersExport(ctx, m.repos.Servers, m.ExportGeneration(ctx))
}

// ExportAgents renders the peer-facing agent export.
func (m *Manager) ExportAgents(ctx context.Context) (*AgentsExport, error) {
	return BuildAgentsExport(ctx, m.repos.Agents, m.ExportGeneration(ctx))
}

// ExportGeneration bumps and returns the local export counter, persisted
// as a pseudo status document so it survives restarts.
func (m *Manager) ExportGeneration(ctx context.Context) int64 {
	status, err := m.repos.PeerStatus.Get(ctx, exportStatusID)
	if err != nil {
		status = &api.PeerSyncStatus{PeerID: exportStatusID, IsHealthy: true}
	}
	status.CurrentGeneration++
	if err := m.repos.PeerStatus.Put(ctx, status); err != nil {
		logging.Warn("Federation", "Failed to persist export generation: %v", err)
	}
	return status.CurrentGeneration
}
