// Package federation implements the generation-based pull-replication
// engine: per-peer sync workers, whitelist/tag filtering, orphan
// reclamation, the two external catalog adapters, and the export surface
// peers pull from.
package federation

import (
	"context"
	"strings"
	"time"

	"mcpgateway/internal/api"
	"mcpgateway/internal/repository"
)

// ExportedServer is the wire shape of one server on the export endpoint.
type ExportedServer struct {
	Path                string               `json:"path"`
	ServerName          string               `json:"server_name"`
	Description         string               `json:"description,omitempty"`
	ProxyPassURL        string               `json:"proxy_pass_url"`
	SupportedTransports []string             `json:"supported_transports,omitempty"`
	Tags                []string             `json:"tags,omitempty"`
	ToolList            []api.ToolDefinition `json:"tool_list,omitempty"`
	Visibility          api.Visibility       `json:"visibility"`
	UpdatedAt           time.Time            `json:"updated_at"`
}

// ExportedAgent is the wire shape of one agent on the export endpoint.
type ExportedAgent struct {
	Path                string           `json:"path"`
	AgentName           string           `json:"agent_name"`
	Description         string           `json:"description,omitempty"`
	ProxyPassURL        string           `json:"proxy_pass_url"`
	ProtocolVersion     string           `json:"protocol_version,omitempty"`
	SupportedTransports []string         `json:"supported_transports,omitempty"`
	Tags                []string         `json:"tags,omitempty"`
	Capabilities        []string         `json:"capabilities,omitempty"`
	Skills              []api.AgentSkill `json:"skills,omitempty"`
	TrustLevel          api.TrustLevel   `json:"trust_level,omitempty"`
	Visibility          api.Visibility   `json:"visibility"`
	UpdatedAt           time.Time        `json:"updated_at"`
}

// ServersExport is the export endpoint payload for servers.
type ServersExport struct {
	TotalCount int              `json:"total_count"`
	Items      []ExportedServer `json:"items"`
	Generation int64            `json:"generation"`
}

// AgentsExport is the export endpoint payload for agents.
type AgentsExport struct {
	TotalCount int             `json:"total_count"`
	Items      []ExportedAgent `json:"items"`
	Generation int64           `json:"generation"`
}

// exportStatusID is the id of the pseudo peer status that persists the
// registry's own monotonic export counter (see Manager.ExportGeneration).
// The counter stamps outgoing payloads so importers can detect staleness
// across pulls.
const exportStatusID = "local-export"

// BuildServersExport renders the exportable server set: public,
// locally-owned entities only. Items federated in from elsewhere are
// opaque and never re-exported (no transitive federation).
func BuildServersExport(ctx context.Context, servers repository.ServerRepository, generation int64) (*ServersExport, error) {
	all, err := servers.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	export := &ServersExport{Items: []ExportedServer{}, Generation: generation}
	for _, server := range all {
		if server.Visibility != api.VisibilityPublic || server.OriginPeer != "" || server.OriginType != "" {
			continue
		}
		if !server.IsEnabled {
			continue
		}
		export.Items = append(export.Items, ExportedServer{
			Path:                server.Path,
			ServerName:          server.ServerName,
			Description:         server.Description,
			ProxyPassURL:        server.ProxyPassURL,
			SupportedTransports: server.SupportedTransports,
			Tags:                server.Tags,
			ToolList:            server.ToolList,
			Visibility:          server.Visibility,
			UpdatedAt:           server.UpdatedAt,
		})
	}
	export.TotalCount = len(export.Items)
	return export, nil
}

// BuildAgentsExport renders the exportable agent set.
func BuildAgentsExport(ctx context.Context, agents repository.AgentRepository, generation int64) (*AgentsExport, error) {
	all, err := agents.ListAll(ctx)
	if err != nil {
		return nil, err
	}

	export := &AgentsExport{Items: []ExportedAgent{}, Generation: generation}
	for _, agent := range all {
		if agent.Visibility != api.VisibilityPublic || agent.OriginPeer != "" || agent.OriginType != "" {
			continue
		}
		if !agent.IsEnabled {
			continue
		}
		export.Items = append(export.Items, ExportedAgent{
			Path:                agent.Path,
			AgentName:           agent.AgentName,
			Description:         agent.Description,
			ProxyPassURL:        agent.ProxyPassURL,
			ProtocolVersion:     agent.ProtocolVersion,
			SupportedTransports: agent.SupportedTransports,
			Tags:                agent.Tags,
			Capabilities:        agent.Capabilities,
			Skills:              agent.Skills,
			TrustLevel:          agent.TrustLevel,
			Visibility:          agent.Visibility,
			UpdatedAt:           agent.UpdatedAt,
		})
	}
	export.TotalCount = len(export.Items)
	return export, nil
}

// PrefixPath remaps an imported item's path under the source id so it can
// never collide with a local entity. Idempotent: an already-prefixed path
// is returned unchanged, which keeps re-export/re-import round trips from
// double-prefixing.
func PrefixPath(sourceID, path string) string {
	prefix := "/" + sourceID + "/"
	if strings.HasPrefix(path, prefix) {
		return path
	}
	if !strings.HasPrefix(path, "/") {
		path = "/" + path
	}
	return "/" + sourceID + path
}
