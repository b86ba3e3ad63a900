package federation

import (
	"context"
	"sync"
	"time"

	"mcpgateway/internal/api"
	"mcpgateway/internal/repository"
	"mcpgateway/internal/search"
	"mcpgateway/pkg/logging"
)

// maxConsecutiveFailures before a peer is marked unhealthy.
const maxConsecutiveFailures = 2

// SyncReport summarizes one completed sync.
type SyncReport struct {
	PeerID          string `json:"peer_id"`
	Generation      int64  `json:"generation"`
	ServersSynced   int    `json:"servers_synced"`
	AgentsSynced    int    `json:"agents_synced"`
	ServersOrphaned int    `json:"servers_orphaned"`
	AgentsOrphaned  int    `json:"agents_orphaned"`
}

// Engine executes the pull-sync protocol against peers and external
// sources. Same-peer syncs are mutually exclusive via in-memory locks; the
// durable sync_in_progress flag on the status document is the safety net
// across restarts. Different peers sync in parallel.
type Engine struct {
	repos   *repository.Repositories
	search  *search.Engine
	timeout time.Duration

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewEngine wires the sync engine.
func NewEngine(repos *repository.Repositories, searchEngine *search.Engine, fetchTimeout time.Duration) *Engine {
	if fetchTimeout == 0 {
		fetchTimeout = 30 * time.Second
	}
	return &Engine{
		repos:   repos,
		search:  searchEngine,
		timeout: fetchTimeout,
		locks:   map[string]*sync.Mutex{},
	}
}

func (e *Engine) lockFor(peerID string) *sync.Mutex {
	e.mu.Lock()
	defer e.mu.Unlock()
	if l, ok := e.locks[peerID]; ok {
		return l
	}
	l := &sync.Mutex{}
	e.locks[peerID] = l
	return l
}

// status loads the peer's sync status, defaulting a fresh one.
func (e *Engine) status(ctx context.Context, peerID string) *api.PeerSyncStatus {
	status, err := e.repos.PeerStatus.Get(ctx, peerID)
	if err != nil {
		return &api.PeerSyncStatus{PeerID: peerID, IsHealthy: true}
	}
	return status
}

// SyncPeer runs one full sync of the peer. Concurrent syncs of the same
// peer are rejected with Conflict.
func (e *Engine) SyncPeer(ctx context.Context, peer *api.PeerRegistry) (*SyncReport, error) {
	lock := e.lockFor(peer.PeerID)
	if !lock.TryLock() {
		return nil, api.NewConflictError("sync already in progress for peer "+peer.PeerID, nil)
	}
	defer lock.Unlock()

	now := time.Now().UTC()
	status := e.status(ctx, peer.PeerID)
	if status.SyncInProgress {
		// A previous process died mid-sync; the lock we hold proves no
		// sync is running here, so take over.
		logging.Warn("Federation", "Peer %s has a stale sync_in_progress flag, taking over", peer.PeerID)
	}
	status.SyncInProgress = true
	status.LastSyncAttempt = &now
	newGeneration := status.CurrentGeneration + 1
	if err := e.repos.PeerStatus.Put(ctx, status); err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	client := newPeerClient(peer, e.timeout)
	serversExport, err := client.FetchServers(fetchCtx)
	var agentsExport *AgentsExport
	if err == nil {
		agentsExport, err = client.FetchAgents(fetchCtx)
	}
	if err != nil {
		return nil, e.recordFailure(ctx, status, err)
	}

	report := &SyncReport{PeerID: peer.PeerID, Generation: newGeneration}

	for _, item := range filterServers(peer, serversExport.Items) {
		if upsertErr := e.upsertFederatedServer(ctx, peer.PeerID, false, item, newGeneration); upsertErr != nil {
			logging.Warn("Federation", "Failed to upsert %s from peer %s: %v", item.Path, peer.PeerID, upsertErr)
			continue
		}
		report.ServersSynced++
	}
	for _, item := range filterAgents(peer, agentsExport.Items) {
		if upsertErr := e.upsertFederatedAgent(ctx, peer.PeerID, false, item, newGeneration); upsertErr != nil {
			logging.Warn("Federation", "Failed to upsert %s from peer %s: %v", item.Path, peer.PeerID, upsertErr)
			continue
		}
		report.AgentsSynced++
	}

	// Orphan reclamation: anything still tagged with an older generation
	// was not refreshed by this sync and is gone upstream.
	report.ServersOrphaned, report.AgentsOrphaned = e.reclaimOrphans(ctx, peer.PeerID, newGeneration)

	healthyNow := time.Now().UTC()
	status.CurrentGeneration = newGeneration
	status.LastSuccessfulSync = &healthyNow
	status.LastHealthCheck = &healthyNow
	status.TotalServersSynced = report.ServersSynced
	status.TotalAgentsSynced = report.AgentsSynced
	status.ServersOrphaned = report.ServersOrphaned
	status.AgentsOrphaned = report.AgentsOrphaned
	status.ConsecutiveFailures = 0
	status.IsHealthy = true
	status.SyncInProgress = false
	status.LastError = ""
	if err := e.repos.PeerStatus.Put(ctx, status); err != nil {
		return nil, err
	}

	logging.Info("Federation", "Synced peer %s: %d servers, %d agents, %d+%d orphaned (generation %d)",
		peer.PeerID, report.ServersSynced, report.AgentsSynced,
		report.ServersOrphaned, report.AgentsOrphaned, newGeneration)
	return report, nil
}

// recordFailure updates the status document after a transport/auth
// failure and releases the durable flag. The next tick retries.
func (e *Engine) recordFailure(ctx context.Context, status *api.PeerSyncStatus, cause error) error {
	now := time.Now().UTC()
	status.ConsecutiveFailures++
	status.LastHealthCheck = &now
	status.SyncInProgress = false
	status.LastError = cause.Error()
	if status.ConsecutiveFailures > maxConsecutiveFailures {
		status.IsHealthy = false
	}
	if err := e.repos.PeerStatus.Put(ctx, status); err != nil {
		logging.Error("Federation", err, "Failed to persist failure status for %s", status.PeerID)
	}
	logging.Warn("Federation", "Sync of peer %s failed (%d consecutive): %v",
		status.PeerID, status.ConsecutiveFailures, cause)
	return cause
}

// filterServers applies the peer's sync_mode to the exported items.
func filterServers(peer *api.PeerRegistry, items []ExportedServer) []ExportedServer {
	var out []ExportedServer
	for _, item := range items {
		if item.Visibility != "" && item.Visibility != api.VisibilityPublic {
			continue
		}
		switch peer.SyncMode {
		case api.SyncModeWhitelist:
			if !containsString(peer.WhitelistServers, item.Path) {
				continue
			}
		case api.SyncModeTagFilter:
			if !tagsIntersect(item.Tags, peer.TagFilters) {
				continue
			}
		}
		out = append(out, item)
	}
	return out
}

func filterAgents(peer *api.PeerRegistry, items []ExportedAgent) []ExportedAgent {
	var out []ExportedAgent
	for _, item := range items {
		if item.Visibility != "" && item.Visibility != api.VisibilityPublic {
			continue
		}
		switch peer.SyncMode {
		case api.SyncModeWhitelist:
			if !containsString(peer.WhitelistAgents, item.Path) {
				continue
			}
		case api.SyncModeTagFilter:
			if !tagsIntersect(item.Tags, peer.TagFilters) {
				continue
			}
		}
		out = append(out, item)
	}
	return out
}

func (e *Engine) upsertFederatedServer(ctx context.Context, sourceID string, external bool, item ExportedServer, generation int64) error {
	localPath := PrefixPath(sourceID, item.Path)

	server := &api.Server{
		Path:                localPath,
		ServerName:          item.ServerName,
		Description:         item.Description,
		ProxyPassURL:        item.ProxyPassURL,
		SupportedTransports: item.SupportedTransports,
		Tags:                item.Tags,
		ToolList:            item.ToolList,
		IsEnabled:           true,
		Visibility:          api.VisibilityPublic,
		Generation:          generation,
	}
	if external {
		server.OriginType = sourceID
	} else {
		server.OriginPeer = sourceID
	}

	existing, err := e.repos.Servers.Get(ctx, localPath)
	if err == nil {
		server.CreatedAt = existing.CreatedAt
		server.UpdatedAt = existing.UpdatedAt
		err = e.repos.Servers.Update(ctx, server)
	} else if api.IsNotFound(err) {
		err = e.repos.Servers.Create(ctx, server)
	}
	if err != nil {
		return err
	}

	if e.search != nil {
		if indexErr := e.search.IndexServer(ctx, server); indexErr != nil {
			logging.Warn("Federation", "Failed to index embedding for %s: %v", localPath, indexErr)
		}
	}
	return nil
}

func (e *Engine) upsertFederatedAgent(ctx context.Context, sourceID string, external bool, item ExportedAgent, generation int64) error {
	localPath := PrefixPath(sourceID, item.Path)

	agent := &api.Agent{
		Path:                localPath,
		AgentName:           item.AgentName,
		Description:         item.Description,
		ProxyPassURL:        item.ProxyPassURL,
		ProtocolVersion:     item.ProtocolVersion,
		SupportedTransports: item.SupportedTransports,
		Tags:                item.Tags,
		Capabilities:        item.Capabilities,
		Skills:              item.Skills,
		TrustLevel:          item.TrustLevel,
		IsEnabled:           true,
		Visibility:          api.VisibilityPublic,
		Generation:          generation,
	}
	if external {
		agent.OriginType = sourceID
	} else {
		agent.OriginPeer = sourceID
	}

	existing, err := e.repos.Agents.Get(ctx, localPath)
	if err == nil {
		agent.CreatedAt = existing.CreatedAt
		agent.UpdatedAt = existing.UpdatedAt
		err = e.repos.Agents.Update(ctx, agent)
	} else if api.IsNotFound(err) {
		err = e.repos.Agents.Create(ctx, agent)
	}
	if err != nil {
		return err
	}

	if e.search != nil {
		if indexErr := e.search.IndexAgent(ctx, agent); indexErr != nil {
			logging.Warn("Federation", "Failed to index embedding for %s: %v", localPath, indexErr)
		}
	}
	return nil
}

// reclaimOrphans deletes every federated entity of the source left at an
// older generation. A failure between upserts and reclamation leaves the
// generation advanced; the next successful sync sweeps the leftovers.
func (e *Engine) reclaimOrphans(ctx context.Context, sourceID string, generation int64) (int, int) {
	serversOrphaned, agentsOrphaned := 0, 0

	servers, err := e.repos.Servers.ListAll(ctx)
	if err != nil {
		logging.Warn("Federation", "Orphan scan of servers failed for %s: %v", sourceID, err)
	} else {
		for _, server := range servers {
			if (server.OriginPeer == sourceID || server.OriginType == sourceID) && server.Generation < generation {
				if err := e.repos.Servers.Delete(ctx, server.Path); err != nil {
					logging.Warn("Federation", "Failed to reclaim %s: %v", server.Path, err)
					continue
				}
				if e.search != nil {
					_ = e.search.RemoveServer(ctx, server.Path)
				}
				serversOrphaned++
			}
		}
	}

	agents, err := e.repos.Agents.ListAll(ctx)
	if err != nil {
		logging.Warn("Federation", "Orphan scan of agents failed for %s: %v", sourceID, err)
	} else {
		for _, agent := range agents {
			if (agent.OriginPeer == sourceID || agent.OriginType == sourceID) && agent.Generation < generation {
				if err := e.repos.Agents.Delete(ctx, agent.Path); err != nil {
					logging.Warn("Federation", "Failed to reclaim %s: %v", agent.Path, err)
					continue
				}
				if e.search != nil {
					_ = e.search.RemoveAgent(ctx, agent.Path)
				}
				agentsOrphaned++
			}
		}
	}

	return serversOrphaned, agentsOrphaned
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func tagsIntersect(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}
