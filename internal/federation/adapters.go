package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"regexp"
	"strings"
	"time"

	"mcpgateway/internal/api"
	"mcpgateway/pkg/logging"
)

// External source ids. They double as path prefixes and status keys, so a
// single generation per source applies.
const (
	SourceAnthropic = "anthropic"
	SourceASOR      = "asor"
)

// anthropicServer is the upstream protocol registry's server entry.
type anthropicServer struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Version     string `json:"version,omitempty"`
	Remotes     []struct {
		Type string `json:"type"`
		URL  string `json:"url"`
	} `json:"remotes,omitempty"`
}

type anthropicCatalog struct {
	Servers []anthropicServer `json:"servers"`
}

// asorAgent is the upstream agent registry's agent card entry.
type asorAgent struct {
	Name            string           `json:"name"`
	Description     string           `json:"description"`
	URL             string           `json:"url"`
	ProtocolVersion string           `json:"protocol_version,omitempty"`
	Capabilities    []string         `json:"capabilities,omitempty"`
	Skills          []api.AgentSkill `json:"skills,omitempty"`
}

type asorCatalog struct {
	Agents []asorAgent `json:"agents"`
}

var catalogNameSanitizer = regexp.MustCompile(`[^a-z0-9-]+`)

// catalogPath derives a registry path from an upstream catalog name like
// "io.github.example/cloudflare-docs".
func catalogPath(name string) string {
	p := strings.ToLower(name)
	p = catalogNameSanitizer.ReplaceAllString(p, "-")
	p = strings.Trim(p, "-")
	if p == "" {
		p = "unnamed"
	}
	return "/" + p
}

// SyncAnthropic pulls the upstream protocol registry and upserts the
// accepted servers tagged origin_type=anthropic under one new generation.
func (e *Engine) SyncAnthropic(ctx context.Context) (*SyncReport, error) {
	cfg, err := e.repos.FederationConfig.Get(ctx)
	if err != nil {
		return nil, err
	}
	if !cfg.Anthropic.Enabled {
		return nil, api.NewBadRequestError("anthropic federation source is disabled", nil)
	}

	return e.syncExternal(ctx, SourceAnthropic, func(fetchCtx context.Context) ([]ExportedServer, []ExportedAgent, error) {
		var catalog anthropicCatalog
		if err := fetchExternalJSON(fetchCtx, cfg.Anthropic.Endpoint+"/v0/servers", "", &catalog); err != nil {
			return nil, nil, err
		}

		var items []ExportedServer
		for _, entry := range catalog.Servers {
			path := catalogPath(entry.Name)
			if len(cfg.Anthropic.Servers) > 0 && !containsString(cfg.Anthropic.Servers, path) {
				continue
			}
			if len(entry.Remotes) == 0 {
				// Stdio-only entries have nothing to proxy to.
				continue
			}
			var transports []string
			for _, remote := range entry.Remotes {
				transports = append(transports, remote.Type)
			}
			items = append(items, ExportedServer{
				Path:                path,
				ServerName:          entry.Name,
				Description:         entry.Description,
				ProxyPassURL:        entry.Remotes[0].URL,
				SupportedTransports: transports,
				Visibility:          api.VisibilityPublic,
			})
		}
		return items, nil, nil
	})
}

// SyncASOR pulls the upstream agent registry and upserts the accepted
// agents tagged origin_type=asor under one new generation.
func (e *Engine) SyncASOR(ctx context.Context) (*SyncReport, error) {
	cfg, err := e.repos.FederationConfig.Get(ctx)
	if err != nil {
		return nil, err
	}
	if !cfg.ASOR.Enabled {
		return nil, api.NewBadRequestError("asor federation source is disabled", nil)
	}

	token := ""
	if cfg.ASOR.AuthEnvVar != "" {
		token = os.Getenv(cfg.ASOR.AuthEnvVar)
	}

	return e.syncExternal(ctx, SourceASOR, func(fetchCtx context.Context) ([]ExportedServer, []ExportedAgent, error) {
		var catalog asorCatalog
		if err := fetchExternalJSON(fetchCtx, cfg.ASOR.Endpoint+"/agents", token, &catalog); err != nil {
			return nil, nil, err
		}

		var items []ExportedAgent
		for _, entry := range catalog.Agents {
			path := catalogPath(entry.Name)
			if len(cfg.ASOR.Agents) > 0 && !containsString(cfg.ASOR.Agents, path) {
				continue
			}
			items = append(items, ExportedAgent{
				Path:            path,
				AgentName:       entry.Name,
				Description:     entry.Description,
				ProxyPassURL:    entry.URL,
				ProtocolVersion: entry.ProtocolVersion,
				Capabilities:    entry.Capabilities,
				Skills:          entry.Skills,
				TrustLevel:      api.TrustLow,
				Visibility:      api.VisibilityPublic,
			})
		}
		return nil, items, nil
	})
}

// syncExternal mirrors the peer protocol for an adapter-backed source:
// same locking, generation advance, upserts and orphan reclamation.
func (e *Engine) syncExternal(ctx context.Context, sourceID string, fetch func(context.Context) ([]ExportedServer, []ExportedAgent, error)) (*SyncReport, error) {
	lock := e.lockFor(sourceID)
	if !lock.TryLock() {
		return nil, api.NewConflictError("sync already in progress for source "+sourceID, nil)
	}
	defer lock.Unlock()

	now := time.Now().UTC()
	status := e.status(ctx, sourceID)
	status.SyncInProgress = true
	status.LastSyncAttempt = &now
	newGeneration := status.CurrentGeneration + 1
	if err := e.repos.PeerStatus.Put(ctx, status); err != nil {
		return nil, err
	}

	fetchCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	servers, agents, err := fetch(fetchCtx)
	if err != nil {
		return nil, e.recordFailure(ctx, status, api.NewPeerUnreachableError(sourceID, err))
	}

	report := &SyncReport{PeerID: sourceID, Generation: newGeneration}
	for _, item := range servers {
		if upsertErr := e.upsertFederatedServer(ctx, sourceID, true, item, newGeneration); upsertErr != nil {
			logging.Warn("Federation", "Failed to upsert %s from %s: %v", item.Path, sourceID, upsertErr)
			continue
		}
		report.ServersSynced++
	}
	for _, item := range agents {
		if upsertErr := e.upsertFederatedAgent(ctx, sourceID, true, item, newGeneration); upsertErr != nil {
			logging.Warn("Federation", "Failed to upsert %s from %s: %v", item.Path, sourceID, upsertErr)
			continue
		}
		report.AgentsSynced++
	}

	report.ServersOrphaned, report.AgentsOrphaned = e.reclaimOrphans(ctx, sourceID, newGeneration)

	doneAt := time.Now().UTC()
	status.CurrentGeneration = newGeneration
	status.LastSuccessfulSync = &doneAt
	status.LastHealthCheck = &doneAt
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

	logging.Info("Federation", "Synced external source %s: %d servers, %d agents (generation %d)",
		sourceID, report.ServersSynced, report.AgentsSynced, newGeneration)
	return report, nil
}

func fetchExternalJSON(ctx context.Context, url, bearer string, out interface{}) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	if bearer != "" {
		req.Header.Set("Authorization", "Bearer "+bearer)
	}
	res, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return fmt.Errorf("catalog answered %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}
	return json.NewDecoder(res.Body).Decode(out)
}
