package registry

import (
	"context"
	"fmt"

	"mcpgateway/internal/api"
	"mcpgateway/internal/repository"
	"mcpgateway/internal/search"
	"mcpgateway/internal/security"
	"mcpgateway/pkg/logging"
)

// conflictRetries bounds the optimistic-concurrency retry loop on
// read-modify-write operations the service owns end to end.
const conflictRetries = 3

// Service is the registry core: it exclusively mutates server, agent,
// skill and virtual-server state and the scan verdicts that gate them.
// Every server/agent mutation re-indexes the entity's embedding document.
type Service struct {
	repos   *repository.Repositories
	search  *search.Engine
	scanner *security.Scanner
}

// NewService wires the registry service.
func NewService(repos *repository.Repositories, engine *search.Engine, scanner *security.Scanner) *Service {
	return &Service{repos: repos, search: engine, scanner: scanner}
}

// RegisterResult is the response of a registration: the stored entity plus
// the scan outcome, when scanning ran.
type RegisterResult struct {
	Server     *api.Server             `json:"server,omitempty"`
	Agent      *api.Agent              `json:"agent,omitempty"`
	ScanStatus api.ScanStatus          `json:"scan_status,omitempty"`
	Scan       *api.SecurityScanResult `json:"scan,omitempty"`
}

// RegisterServer validates and persists a new server. With scanning
// enabled the scan runs before the entity becomes routable: an unsafe (or
// failed) verdict stores the server disabled and tagged security-pending
// until an admin enables it explicitly.
func (s *Service) RegisterServer(ctx context.Context, server *api.Server) (*RegisterResult, error) {
	if err := ValidateServer(server); err != nil {
		return nil, err
	}
	if server.Visibility == "" {
		server.Visibility = api.VisibilityPublic
	}

	result := &RegisterResult{Server: server}

	if s.scanner != nil && s.scanner.ScanOnRegistration() {
		scan, scanErr := s.scanner.ScanServer(ctx, server)
		result.Scan = scan
		result.ScanStatus = scan.ScanStatus

		gated := scan.ScanStatus == api.ScanStatusUnsafe || scan.ScanStatus == api.ScanStatusFailed
		if gated && s.scanner.BlocksUnsafe() {
			server.IsEnabled = false
			if !server.HasTag(security.SecurityPendingTag) {
				server.Tags = append(server.Tags, security.SecurityPendingTag)
			}
			logging.Warn("Registry", "Server %s gated by scan verdict %s", server.Path, scan.ScanStatus)
		}
		if scanErr != nil && !gated {
			return nil, scanErr
		}
	}

	if err := repository.WithRetry(ctx, func() error {
		return s.repos.Servers.Create(ctx, server)
	}); err != nil {
		return nil, err
	}

	s.reindexServer(ctx, server)
	logging.Info("Registry", "Registered server %s (enabled=%t)", server.Path, server.IsEnabled)
	return result, nil
}

// RegisterAgent validates and persists a new A2A agent.
func (s *Service) RegisterAgent(ctx context.Context, agent *api.Agent) (*RegisterResult, error) {
	if err := ValidateAgent(agent); err != nil {
		return nil, err
	}
	if agent.Visibility == "" {
		agent.Visibility = api.VisibilityPublic
	}
	if agent.TrustLevel == "" {
		agent.TrustLevel = api.TrustLow
	}

	if err := repository.WithRetry(ctx, func() error {
		return s.repos.Agents.Create(ctx, agent)
	}); err != nil {
		return nil, err
	}

	s.reindexAgent(ctx, agent)
	logging.Info("Registry", "Registered agent %s", agent.Path)
	return &RegisterResult{Agent: agent}, nil
}

// GetServer returns one server.
func (s *Service) GetServer(ctx context.Context, path string) (*api.Server, error) {
	return s.repos.Servers.Get(ctx, path)
}

// ListServers returns a snapshot of all servers.
func (s *Service) ListServers(ctx context.Context) ([]api.Server, error) {
	return s.repos.Servers.ListAll(ctx)
}

// UpdateServer replaces a server document. The caller supplies the
// document as read (updated_at intact); a concurrent writer surfaces
// Conflict together with the current updated_at for the retry.
func (s *Service) UpdateServer(ctx context.Context, server *api.Server) (*api.Server, error) {
	if err := ValidateServer(server); err != nil {
		return nil, err
	}
	if err := repository.WithRetry(ctx, func() error {
		return s.repos.Servers.Update(ctx, server)
	}); err != nil {
		if api.IsConflict(err) {
			if current, getErr := s.repos.Servers.Get(ctx, server.Path); getErr == nil {
				return nil, api.NewConflictError(
					fmt.Sprintf("server %s was modified concurrently; current updated_at is %s",
						server.Path, current.UpdatedAt.Format("2006-01-02T15:04:05.999999999Z07:00")), nil)
			}
		}
		return nil, err
	}

	s.reindexServer(ctx, server)
	return server, nil
}

// ToggleServer flips a server's enabled state. Enabling a server whose
// latest scan is unsafe requires admin plus an explicit override; the
// override also clears the security-pending tag.
func (s *Service) ToggleServer(ctx context.Context, path string, enabled, isAdmin, override bool) error {
	if enabled && s.scanner != nil && s.scanner.BlocksUnsafe() {
		latest, err := s.repos.SecurityScans.Latest(ctx, path)
		if err != nil && !api.IsNotFound(err) {
			return err
		}
		if latest != nil && latest.ScanStatus == api.ScanStatusUnsafe {
			if !isAdmin || !override {
				return api.NewForbiddenError(
					"server's latest security scan is unsafe; enabling requires admin override",
					"admin:override_unsafe_scan")
			}
		}
	}

	if err := repository.WithRetry(ctx, func() error {
		return s.repos.Servers.SetEnabled(ctx, path, enabled)
	}); err != nil {
		return err
	}

	server, err := s.repos.Servers.Get(ctx, path)
	if err != nil {
		return err
	}
	if enabled && server.HasTag(security.SecurityPendingTag) {
		server.Tags = removeString(server.Tags, security.SecurityPendingTag)
		if err := s.repos.Servers.Update(ctx, server); err != nil && !api.IsConflict(err) {
			return err
		}
	}

	s.reindexServer(ctx, server)
	logging.Info("Registry", "Server %s %s", path, enabledWord(enabled))
	return nil
}

// SetDefaultVersion atomically makes one listed version the default and
// clears the flag on all others. Conflicting writers retry on a fresh
// read.
func (s *Service) SetDefaultVersion(ctx context.Context, path, version string) (*api.Server, error) {
	var server *api.Server
	for attempt := 0; attempt < conflictRetries; attempt++ {
		var err error
		server, err = s.repos.Servers.Get(ctx, path)
		if err != nil {
			return nil, err
		}

		found := false
		for i := range server.Versions {
			if server.Versions[i].Version == version {
				found = true
				server.Versions[i].IsDefault = true
			} else {
				server.Versions[i].IsDefault = false
			}
		}
		if !found {
			return nil, api.NewNotFoundError("version", version)
		}

		err = s.repos.Servers.Update(ctx, server)
		if err == nil {
			return server, nil
		}
		if !api.IsConflict(err) {
			return nil, err
		}
	}
	return nil, api.NewConflictError(fmt.Sprintf("server %s kept changing while setting default version", path), nil)
}

// DeleteServer removes a server. The caller must echo the server's name;
// the cascade removes the embedding document and scan records but leaves
// federation state alone (a federated copy may be re-synced).
func (s *Service) DeleteServer(ctx context.Context, path, echoName string) error {
	server, err := s.repos.Servers.Get(ctx, path)
	if err != nil {
		return err
	}
	if server.ServerName != echoName {
		return api.NewBadRequestError("server name confirmation does not match",
			map[string]string{"name": fmt.Sprintf("expected the registered server_name, got %q", echoName)})
	}

	if err := repository.WithRetry(ctx, func() error {
		return s.repos.Servers.Delete(ctx, path)
	}); err != nil {
		return err
	}
	if err := s.search.RemoveServer(ctx, path); err != nil {
		logging.Warn("Registry", "Failed to remove embedding for %s: %v", path, err)
	}
	if err := s.repos.SecurityScans.DeleteForServer(ctx, path); err != nil {
		logging.Warn("Registry", "Failed to remove scan records for %s: %v", path, err)
	}

	logging.Info("Registry", "Deleted server %s", path)
	return nil
}

// GetAgent returns one agent.
func (s *Service) GetAgent(ctx context.Context, path string) (*api.Agent, error) {
	return s.repos.Agents.Get(ctx, path)
}

// ListAgents returns a snapshot of all agents.
func (s *Service) ListAgents(ctx context.Context) ([]api.Agent, error) {
	return s.repos.Agents.ListAll(ctx)
}

// UpdateAgent replaces an agent document.
func (s *Service) UpdateAgent(ctx context.Context, agent *api.Agent) (*api.Agent, error) {
	if err := ValidateAgent(agent); err != nil {
		return nil, err
	}
	if err := repository.WithRetry(ctx, func() error {
		return s.repos.Agents.Update(ctx, agent)
	}); err != nil {
		return nil, err
	}
	s.reindexAgent(ctx, agent)
	return agent, nil
}

// ToggleAgent flips an agent's enabled state.
func (s *Service) ToggleAgent(ctx context.Context, path string, enabled bool) error {
	if err := repository.WithRetry(ctx, func() error {
		return s.repos.Agents.SetEnabled(ctx, path, enabled)
	}); err != nil {
		return err
	}
	if agent, err := s.repos.Agents.Get(ctx, path); err == nil {
		s.reindexAgent(ctx, agent)
	}
	logging.Info("Registry", "Agent %s %s", path, enabledWord(enabled))
	return nil
}

// DeleteAgent removes an agent with name confirmation, cascading to its
// embedding document.
func (s *Service) DeleteAgent(ctx context.Context, path, echoName string) error {
	agent, err := s.repos.Agents.Get(ctx, path)
	if err != nil {
		return err
	}
	if agent.AgentName != echoName {
		return api.NewBadRequestError("agent name confirmation does not match",
			map[string]string{"name": fmt.Sprintf("expected the registered agent_name, got %q", echoName)})
	}

	if err := s.repos.Agents.Delete(ctx, path); err != nil {
		return err
	}
	if err := s.search.RemoveAgent(ctx, path); err != nil {
		logging.Warn("Registry", "Failed to remove embedding for %s: %v", path, err)
	}
	logging.Info("Registry", "Deleted agent %s", path)
	return nil
}

// --- skills ------------------------------------------------------------

// CreateSkill persists a new skill.
func (s *Service) CreateSkill(ctx context.Context, skill *api.Skill) error {
	if err := ValidateSkill(skill); err != nil {
		return err
	}
	if skill.Visibility == "" {
		skill.Visibility = api.VisibilityPublic
	}
	return s.repos.Skills.Create(ctx, skill)
}

// GetSkill returns one skill.
func (s *Service) GetSkill(ctx context.Context, path string) (*api.Skill, error) {
	return s.repos.Skills.Get(ctx, path)
}

// ListSkills returns a snapshot of all skills.
func (s *Service) ListSkills(ctx context.Context) ([]api.Skill, error) {
	return s.repos.Skills.ListAll(ctx)
}

// UpdateSkill replaces a skill document.
func (s *Service) UpdateSkill(ctx context.Context, skill *api.Skill) error {
	if err := ValidateSkill(skill); err != nil {
		return err
	}
	return s.repos.Skills.Update(ctx, skill)
}

// DeleteSkill removes a skill.
func (s *Service) DeleteSkill(ctx context.Context, path string) error {
	return s.repos.Skills.Delete(ctx, path)
}

// RateSkill folds one rating into the skill's running average.
func (s *Service) RateSkill(ctx context.Context, path string, rating float64) (*api.Skill, error) {
	if rating < 1 || rating > 5 {
		return nil, api.NewBadRequestError("rating must be between 1 and 5", map[string]string{"rating": fmt.Sprintf("%v", rating)})
	}

	for attempt := 0; attempt < conflictRetries; attempt++ {
		skill, err := s.repos.Skills.Get(ctx, path)
		if err != nil {
			return nil, err
		}
		total := skill.Rating*float64(skill.RatingCount) + rating
		skill.RatingCount++
		skill.Rating = total / float64(skill.RatingCount)

		err = s.repos.Skills.Update(ctx, skill)
		if err == nil {
			return skill, nil
		}
		if !api.IsConflict(err) {
			return nil, err
		}
	}
	return nil, api.NewConflictError("skill kept changing while rating", nil)
}

// --- virtual servers ---------------------------------------------------

// CreateVirtualServer persists a new virtual server after checking its
// routing table against the registered backends.
func (s *Service) CreateVirtualServer(ctx context.Context, vs *api.VirtualServer) error {
	if err := ValidateVirtualServer(vs); err != nil {
		return err
	}
	for _, backend := range vs.BackendPaths {
		if _, err := s.repos.Servers.Get(ctx, backend); err != nil {
			if api.IsNotFound(err) {
				return api.NewBadRequestError("unknown backend path",
					map[string]string{"backend_paths": backend + " is not a registered server"})
			}
			return err
		}
	}
	return s.repos.VirtualServers.Create(ctx, vs)
}

// GetVirtualServer returns one virtual server.
func (s *Service) GetVirtualServer(ctx context.Context, path string) (*api.VirtualServer, error) {
	return s.repos.VirtualServers.Get(ctx, path)
}

// ListVirtualServers returns a snapshot of all virtual servers.
func (s *Service) ListVirtualServers(ctx context.Context) ([]api.VirtualServer, error) {
	return s.repos.VirtualServers.ListAll(ctx)
}

// DeleteVirtualServer removes a virtual server.
func (s *Service) DeleteVirtualServer(ctx context.Context, path string) error {
	return s.repos.VirtualServers.Delete(ctx, path)
}

// VirtualServerTools assembles the unified tool list of a virtual server
// from its backends' registered tools.
func (s *Service) VirtualServerTools(ctx context.Context, vs *api.VirtualServer) ([]api.ToolDefinition, error) {
	var tools []api.ToolDefinition
	for _, backend := range vs.BackendPaths {
		server, err := s.repos.Servers.Get(ctx, backend)
		if err != nil {
			if api.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		if !server.IsEnabled {
			continue
		}
		tools = append(tools, server.ToolList...)
	}
	return tools, nil
}

// --- scan surface ------------------------------------------------------

// ScanServerNow runs an on-demand scan for one path.
func (s *Service) ScanServerNow(ctx context.Context, path string) (*api.SecurityScanResult, error) {
	if s.scanner == nil || !s.scanner.Enabled() {
		return nil, api.NewBadRequestError("security scanning is disabled", nil)
	}
	server, err := s.repos.Servers.Get(ctx, path)
	if err != nil {
		return nil, err
	}
	return s.scanner.ScanServer(ctx, server)
}

// LatestScan returns the latest scan record for a server.
func (s *Service) LatestScan(ctx context.Context, path string) (*api.SecurityScanResult, error) {
	return s.repos.SecurityScans.Latest(ctx, path)
}

// --- embedding upkeep --------------------------------------------------

// reindexServer is best effort: a search index outage must not fail the
// registry mutation that already committed.
func (s *Service) reindexServer(ctx context.Context, server *api.Server) {
	if s.search == nil {
		return
	}
	if err := s.search.IndexServer(ctx, server); err != nil {
		logging.Warn("Registry", "Failed to reindex embedding for %s: %v", server.Path, err)
	}
}

func (s *Service) reindexAgent(ctx context.Context, agent *api.Agent) {
	if s.search == nil {
		return
	}
	if err := s.search.IndexAgent(ctx, agent); err != nil {
		logging.Warn("Registry", "Failed to reindex embedding for %s: %v", agent.Path, err)
	}
}

func removeString(list []string, v string) []string {
	out := list[:0]
	for _, s := range list {
		if s != v {
			out = append(out, s)
		}
	}
	return out
}

func enabledWord(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}
