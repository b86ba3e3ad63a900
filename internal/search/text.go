package search

import (
	"fmt"
	"strings"

	"mcpgateway/internal/api"
)

// BuildServerEmbeddingText renders the canonical embedding text for a
// server. The shape is load-bearing: re-indexing after changing it
// invalidates similarity against previously indexed documents.
func BuildServerEmbeddingText(server *api.Server) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s. %s.", server.ServerName, server.Description)
	if len(server.Tags) > 0 {
		fmt.Fprintf(&sb, " Tags: %s.", strings.Join(server.Tags, ", "))
	}
	if len(server.ToolList) > 0 {
		names := make([]string, 0, len(server.ToolList))
		descs := make([]string, 0, len(server.ToolList))
		for _, tool := range server.ToolList {
			names = append(names, tool.Name)
			if tool.Description != "" {
				descs = append(descs, tool.Description)
			}
		}
		fmt.Fprintf(&sb, " Tools: %s.", strings.Join(names, ", "))
		if len(descs) > 0 {
			fmt.Fprintf(&sb, " %s", strings.Join(descs, " "))
		}
	}
	return sb.String()
}

// BuildAgentEmbeddingText renders the canonical embedding text for an
// agent, including capabilities and skills.
func BuildAgentEmbeddingText(agent *api.Agent) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "%s. %s.", agent.AgentName, agent.Description)
	if len(agent.Tags) > 0 {
		fmt.Fprintf(&sb, " Tags: %s.", strings.Join(agent.Tags, ", "))
	}
	if len(agent.Capabilities) > 0 {
		fmt.Fprintf(&sb, " Capabilities: %s.", strings.Join(agent.Capabilities, ", "))
	}
	if len(agent.Skills) > 0 {
		names := make([]string, 0, len(agent.Skills))
		descs := make([]string, 0, len(agent.Skills))
		for _, skill := range agent.Skills {
			names = append(names, skill.Name)
			if skill.Description != "" {
				descs = append(descs, skill.Description)
			}
		}
		fmt.Fprintf(&sb, " Skills: %s.", strings.Join(names, ", "))
		if len(descs) > 0 {
			fmt.Fprintf(&sb, " %s", strings.Join(descs, " "))
		}
	}
	return sb.String()
}

// ServerDocument projects a server into its embedding document. The
// embedding itself is filled in by the engine when available.
func ServerDocument(server *api.Server) *api.EmbeddingDocument {
	return &api.EmbeddingDocument{
		EntityType:       api.EntityTypeServer,
		Path:             server.Path,
		Name:             server.ServerName,
		Description:      server.Description,
		Tags:             server.Tags,
		IsEnabled:        server.IsEnabled,
		TextForEmbedding: BuildServerEmbeddingText(server),
		Tools:            server.ToolList,
		Metadata: map[string]interface{}{
			"proxy_pass_url": server.ProxyPassURL,
			"visibility":     string(server.Visibility),
		},
	}
}

// AgentDocument projects an agent into its embedding document.
func AgentDocument(agent *api.Agent) *api.EmbeddingDocument {
	return &api.EmbeddingDocument{
		EntityType:       api.EntityTypeAgent,
		Path:             agent.Path,
		Name:             agent.AgentName,
		Description:      agent.Description,
		Tags:             agent.Tags,
		IsEnabled:        agent.IsEnabled,
		TextForEmbedding: BuildAgentEmbeddingText(agent),
		Skills:           agent.Skills,
		Metadata: map[string]interface{}{
			"proxy_pass_url": agent.ProxyPassURL,
			"visibility":     string(agent.Visibility),
			"trust_level":    string(agent.TrustLevel),
		},
	}
}
