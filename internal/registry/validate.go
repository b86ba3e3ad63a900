// Package registry implements CRUD and lifecycle for servers, agents,
// skills and virtual servers, including scan gating, versioning and
// embedding re-indexing on every mutation.
package registry

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"mcpgateway/internal/api"
)

// pathPattern: a leading slash followed by lowercase-alphanum-with-hyphens
// segments. Federated copies gain a peer prefix segment, so multiple
// segments are legal.
var pathPattern = regexp.MustCompile(`^(/[a-z0-9-]+)+$`)

var validTransports = map[string]bool{
	api.TransportStdio:          true,
	api.TransportSSE:            true,
	api.TransportStreamableHTTP: true,
	api.TransportWebSocket:      true,
}

// ValidatePath rejects malformed entity paths.
func ValidatePath(path string) error {
	if !pathPattern.MatchString(path) {
		return fmt.Errorf("path %q must start with / and contain lowercase letters, digits and hyphens", path)
	}
	return nil
}

// ValidateProxyURL rejects unusable upstream URLs.
func ValidateProxyURL(raw string) error {
	if raw == "" {
		return fmt.Errorf("proxy_pass_url is required")
	}
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" || (u.Scheme != "http" && u.Scheme != "https") {
		return fmt.Errorf("proxy_pass_url %q is not a valid http(s) URL", raw)
	}
	return nil
}

// ValidateServer checks the shape constraints of a server document.
// Violations surface as BadRequest with per-field details.
func ValidateServer(server *api.Server) error {
	fields := map[string]string{}

	if err := ValidatePath(server.Path); err != nil {
		fields["path"] = err.Error()
	}
	if strings.TrimSpace(server.ServerName) == "" {
		fields["server_name"] = "server_name is required"
	}
	if err := ValidateProxyURL(server.ProxyPassURL); err != nil {
		fields["proxy_pass_url"] = err.Error()
	}
	for _, transport := range server.SupportedTransports {
		if !validTransports[transport] {
			fields["supported_transports"] = fmt.Sprintf("unknown transport %q", transport)
		}
	}
	switch server.Visibility {
	case "", api.VisibilityPublic, api.VisibilityPrivate, api.VisibilityGroup:
	default:
		fields["visibility"] = fmt.Sprintf("unknown visibility %q", server.Visibility)
	}

	defaults := 0
	for _, v := range server.Versions {
		if v.IsDefault {
			defaults++
		}
		if v.ProxyPassURL != "" {
			if err := ValidateProxyURL(v.ProxyPassURL); err != nil {
				fields["versions"] = err.Error()
			}
		}
		switch v.Status {
		case "", api.VersionStable, api.VersionBeta, api.VersionDeprecated:
		default:
			fields["versions"] = fmt.Sprintf("unknown version status %q", v.Status)
		}
	}
	if defaults > 1 {
		fields["versions"] = "at most one version may be flagged is_default"
	}

	if len(fields) > 0 {
		return api.NewBadRequestError("invalid server definition", fields)
	}
	return nil
}

// ValidateAgent checks the shape constraints of an agent document.
func ValidateAgent(agent *api.Agent) error {
	fields := map[string]string{}

	if err := ValidatePath(agent.Path); err != nil {
		fields["path"] = err.Error()
	}
	if strings.TrimSpace(agent.AgentName) == "" {
		fields["agent_name"] = "agent_name is required"
	}
	if err := ValidateProxyURL(agent.ProxyPassURL); err != nil {
		fields["proxy_pass_url"] = err.Error()
	}
	switch agent.TrustLevel {
	case "", api.TrustLow, api.TrustMedium, api.TrustHigh, api.TrustVerified:
	default:
		fields["trust_level"] = fmt.Sprintf("unknown trust level %q", agent.TrustLevel)
	}

	if len(fields) > 0 {
		return api.NewBadRequestError("invalid agent definition", fields)
	}
	return nil
}

// ValidateSkill checks the shape constraints of a skill document.
func ValidateSkill(skill *api.Skill) error {
	fields := map[string]string{}
	if err := ValidatePath(skill.Path); err != nil {
		fields["path"] = err.Error()
	}
	if strings.TrimSpace(skill.Name) == "" {
		fields["name"] = "name is required"
	}
	if len(fields) > 0 {
		return api.NewBadRequestError("invalid skill definition", fields)
	}
	return nil
}

// ValidateVirtualServer checks the shape constraints of a virtual server.
func ValidateVirtualServer(vs *api.VirtualServer) error {
	fields := map[string]string{}
	if err := ValidatePath(vs.Path); err != nil {
		fields["path"] = err.Error()
	}
	if len(vs.BackendPaths) == 0 {
		fields["backend_paths"] = "at least one backend path is required"
	}
	for tool, backend := range vs.ToolRoutes {
		if !containsString(vs.BackendPaths, backend) {
			fields["tool_routes"] = fmt.Sprintf("tool %q routes to %q which is not in backend_paths", tool, backend)
		}
	}
	if len(fields) > 0 {
		return api.NewBadRequestError("invalid virtual server definition", fields)
	}
	return nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
