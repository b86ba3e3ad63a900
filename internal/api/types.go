package api

import (
	"time"
)

// Transport names accepted in a server's supported_transports set.
const (
	TransportStdio          = "stdio"
	TransportSSE            = "sse"
	TransportStreamableHTTP = "streamable-http"
	TransportWebSocket      = "websocket"
)

// Visibility controls who may see an entity and whether it federates.
type Visibility string

const (
	VisibilityPublic  Visibility = "public"
	VisibilityPrivate Visibility = "private"
	VisibilityGroup   Visibility = "group"
)

// VersionStatus is the release state of a server version.
type VersionStatus string

const (
	VersionStable     VersionStatus = "stable"
	VersionBeta       VersionStatus = "beta"
	VersionDeprecated VersionStatus = "deprecated"
)

// ToolDefinition describes one tool a server exposes. InputSchema is the
// tool's JSON schema, carried opaquely.
type ToolDefinition struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description,omitempty"`
	InputSchema map[string]interface{} `json:"input_schema,omitempty"`
}

// ServerVersion is one routable version of a server. At most one version
// per server has IsDefault set.
type ServerVersion struct {
	Version      string        `json:"version"`
	ProxyPassURL string        `json:"proxy_pass_url"`
	Status       VersionStatus `json:"status"`
	IsDefault    bool          `json:"is_default"`
	Released     time.Time     `json:"released,omitempty"`
	SunsetDate   *time.Time    `json:"sunset_date,omitempty"`
}

// Server is a registered MCP server. Path is the unique identifier within a
// namespace and doubles as the ingress routing prefix.
type Server struct {
	Path                string           `json:"path"`
	ServerName          string           `json:"server_name"`
	Description         string           `json:"description,omitempty"`
	ProxyPassURL        string           `json:"proxy_pass_url"`
	SupportedTransports []string         `json:"supported_transports,omitempty"`
	AuthType            string           `json:"auth_type,omitempty"`
	Tags                []string         `json:"tags,omitempty"`
	ToolList            []ToolDefinition `json:"tool_list,omitempty"`
	IsEnabled           bool             `json:"is_enabled"`
	Visibility          Visibility       `json:"visibility,omitempty"`
	Versions            []ServerVersion  `json:"versions,omitempty"`

	// Federation bookkeeping. OriginPeer/OriginType are empty for entities
	// registered locally; Generation tags which sync produced the copy.
	OriginPeer string `json:"origin_peer,omitempty"`
	OriginType string `json:"origin_type,omitempty"`
	Generation int64  `json:"generation,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// NumTools is derived, never stored.
func (s *Server) NumTools() int { return len(s.ToolList) }

// DefaultVersion returns the version flagged is_default, or nil.
func (s *Server) DefaultVersion() *ServerVersion {
	for i := range s.Versions {
		if s.Versions[i].IsDefault {
			return &s.Versions[i]
		}
	}
	return nil
}

// HasTag reports whether the server carries the given tag.
func (s *Server) HasTag(tag string) bool {
	for _, t := range s.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// TrustLevel grades an A2A agent.
type TrustLevel string

const (
	TrustLow      TrustLevel = "low"
	TrustMedium   TrustLevel = "medium"
	TrustHigh     TrustLevel = "high"
	TrustVerified TrustLevel = "verified"
)

// AgentSkill is one skill advertised on an agent card.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}

// Agent is a registered A2A agent.
type Agent struct {
	Path                string       `json:"path"`
	AgentName           string       `json:"agent_name"`
	Description         string       `json:"description,omitempty"`
	ProxyPassURL        string       `json:"proxy_pass_url"`
	ProtocolVersion     string       `json:"protocol_version,omitempty"`
	SupportedTransports []string     `json:"supported_transports,omitempty"`
	AuthType            string       `json:"auth_type,omitempty"`
	Tags                []string     `json:"tags,omitempty"`
	Capabilities        []string     `json:"capabilities,omitempty"`
	Skills              []AgentSkill `json:"skills,omitempty"`
	TrustLevel          TrustLevel   `json:"trust_level,omitempty"`
	IsEnabled           bool         `json:"is_enabled"`
	Visibility          Visibility   `json:"visibility,omitempty"`

	OriginPeer string `json:"origin_peer,omitempty"`
	OriginType string `json:"origin_type,omitempty"`
	Generation int64  `json:"generation,omitempty"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// HasTag reports whether the agent carries the given tag.
func (a *Agent) HasTag(tag string) bool {
	for _, t := range a.Tags {
		if t == tag {
			return true
		}
	}
	return false
}

// AllowedTool scopes a skill to specific tools on specific servers.
type AllowedTool struct {
	ToolName     string   `json:"tool_name"`
	ServerPath   string   `json:"server_path"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Skill is a reusable, versioned instruction bundle targeting agents.
type Skill struct {
	Path         string        `json:"path"`
	Name         string        `json:"name"`
	Description  string        `json:"description,omitempty"`
	SkillMDURL   string        `json:"skill_md_url,omitempty"`
	Version      string        `json:"version,omitempty"`
	Author       string        `json:"author,omitempty"`
	Visibility   Visibility    `json:"visibility,omitempty"`
	Tags         []string      `json:"tags,omitempty"`
	TargetAgents []string      `json:"target_agents,omitempty"`
	AllowedTools []AllowedTool `json:"allowed_tools,omitempty"`
	Requirements []string      `json:"requirements,omitempty"`
	Rating       float64       `json:"rating,omitempty"`
	RatingCount  int           `json:"rating_count,omitempty"`
	CreatedAt    time.Time     `json:"created_at,omitempty"`
	UpdatedAt    time.Time     `json:"updated_at,omitempty"`
}

// VirtualServer composes several real backends under one synthetic path.
// ToolRoutes maps each exposed tool name to the backend path serving it.
type VirtualServer struct {
	Path         string            `json:"path"`
	ServerName   string            `json:"server_name"`
	Description  string            `json:"description,omitempty"`
	BackendPaths []string          `json:"backend_paths"`
	ToolRoutes   map[string]string `json:"tool_routes,omitempty"`
	Tags         []string          `json:"tags,omitempty"`
	IsEnabled    bool              `json:"is_enabled"`
	Visibility   Visibility        `json:"visibility,omitempty"`
	CreatedAt    time.Time         `json:"created_at,omitempty"`
	UpdatedAt    time.Time         `json:"updated_at,omitempty"`
}

// ScopeType discriminates the three scope document variants.
type ScopeType string

const (
	ScopeTypeServer       ScopeType = "server_scope"
	ScopeTypeGroupMapping ScopeType = "group_mapping"
	ScopeTypeUI           ScopeType = "ui_scope"
)

// ServerAccessRule permits protocol methods (and optionally individual
// tools) on one server. An empty Tools list with populated Methods means
// "all tools of the server".
type ServerAccessRule struct {
	Server  string   `json:"server"`
	Methods []string `json:"methods"`
	Tools   []string `json:"tools,omitempty"`
}

// Scope is one scope document. Exactly one of ServerAccess, GroupMappings,
// UIPermissions is populated according to ScopeType.
type Scope struct {
	ScopeType ScopeType `json:"scope_type"`

	// server_scope
	ScopeName    string             `json:"scope_name,omitempty"`
	ServerAccess []ServerAccessRule `json:"server_access,omitempty"`

	// group_mapping
	GroupName     string   `json:"group_name,omitempty"`
	GroupMappings []string `json:"group_mappings,omitempty"`

	// ui_scope
	UIPermissions map[string][]string `json:"ui_permissions,omitempty"`

	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// ID returns the uniqueness key of the scope document.
func (s *Scope) ID() string {
	if s.ScopeType == ScopeTypeGroupMapping {
		return string(s.ScopeType) + ":" + s.GroupName
	}
	return string(s.ScopeType) + ":" + s.ScopeName
}

// EntityType tags embedding documents and search hits.
type EntityType string

const (
	EntityTypeServer EntityType = "server"
	EntityTypeAgent  EntityType = "agent"
)

// EmbeddingDocument is the search projection of a server or agent: one
// document per (entity_type, path). Embedding dimension is fixed per
// namespace at index-creation time.
type EmbeddingDocument struct {
	EntityType       EntityType             `json:"entity_type"`
	Path             string                 `json:"path"`
	Name             string                 `json:"name"`
	Description      string                 `json:"description,omitempty"`
	Tags             []string               `json:"tags,omitempty"`
	IsEnabled        bool                   `json:"is_enabled"`
	TextForEmbedding string                 `json:"text_for_embedding"`
	Embedding        []float32              `json:"embedding,omitempty"`
	Tools            []ToolDefinition       `json:"tools,omitempty"`
	Skills           []AgentSkill           `json:"skills,omitempty"`
	Metadata         map[string]interface{} `json:"metadata,omitempty"`
	IndexedAt        time.Time              `json:"indexed_at"`
}

// DocID returns the uniqueness key of the embedding document.
func (d *EmbeddingDocument) DocID() string {
	return string(d.EntityType) + ":" + d.Path
}

// ScanStatus is the lifecycle state of a security scan.
type ScanStatus string

const (
	ScanStatusSafe       ScanStatus = "safe"
	ScanStatusUnsafe     ScanStatus = "unsafe"
	ScanStatusPending    ScanStatus = "pending"
	ScanStatusInProgress ScanStatus = "in_progress"
	ScanStatusFailed     ScanStatus = "failed"
)

// Vulnerability is one finding in a scan result.
type Vulnerability struct {
	Severity       string `json:"severity"`
	Title          string `json:"title"`
	Description    string `json:"description,omitempty"`
	CVEID          string `json:"cve_id,omitempty"`
	PackageName    string `json:"package_name,omitempty"`
	PackageVersion string `json:"package_version,omitempty"`
	FixedVersion   string `json:"fixed_version,omitempty"`
}

// SecurityScanResult records one scan of a server. Multiple scans may exist
// per server; the latest wins. Severity counts are derived from
// Vulnerabilities (see RecomputeCounts).
type SecurityScanResult struct {
	ServerPath      string                 `json:"server_path"`
	ScanTimestamp   time.Time              `json:"scan_timestamp"`
	ScanStatus      ScanStatus             `json:"scan_status"`
	Vulnerabilities []Vulnerability        `json:"vulnerabilities,omitempty"`
	RiskScore       float64                `json:"risk_score"`
	CriticalCount   int                    `json:"critical_count"`
	HighCount       int                    `json:"high_count"`
	MediumCount     int                    `json:"medium_count"`
	LowCount        int                    `json:"low_count"`
	TotalCount      int                    `json:"total_vulnerabilities"`
	ScanMetadata    map[string]interface{} `json:"scan_metadata,omitempty"`
}

// RecomputeCounts rebuilds the severity buckets from Vulnerabilities.
func (r *SecurityScanResult) RecomputeCounts() {
	r.CriticalCount, r.HighCount, r.MediumCount, r.LowCount = 0, 0, 0, 0
	for _, v := range r.Vulnerabilities {
		switch v.Severity {
		case "CRITICAL":
			r.CriticalCount++
		case "HIGH":
			r.HighCount++
		case "MEDIUM":
			r.MediumCount++
		case "LOW":
			r.LowCount++
		}
	}
	r.TotalCount = len(r.Vulnerabilities)
}

// ID returns the uniqueness key of the scan record.
func (r *SecurityScanResult) ID() string {
	return r.ServerPath + "@" + r.ScanTimestamp.UTC().Format(time.RFC3339Nano)
}

// PeerAuthType enumerates how the engine authenticates against a peer.
type PeerAuthType string

const (
	PeerAuthNone        PeerAuthType = "none"
	PeerAuthAPIKey      PeerAuthType = "api_key"
	PeerAuthOAuth2      PeerAuthType = "oauth2"
	PeerAuthStaticToken PeerAuthType = "static_token"
)

// SyncMode selects which of a peer's items are accepted.
type SyncMode string

const (
	SyncModeAll       SyncMode = "all"
	SyncModeWhitelist SyncMode = "whitelist"
	SyncModeTagFilter SyncMode = "tag_filter"
)

// PeerAuth holds the credentials used against a peer's export endpoint.
type PeerAuth struct {
	Type PeerAuthType `json:"type"`
	// Token is the static token or API key, depending on Type.
	Token string `json:"token,omitempty"`
	// HeaderName overrides the API key header (default X-API-Key).
	HeaderName string `json:"header_name,omitempty"`
	// OAuth2 client-credentials settings.
	ClientID     string `json:"client_id,omitempty"`
	ClientSecret string `json:"client_secret,omitempty"`
	TokenURL     string `json:"token_url,omitempty"`
	Scopes       []string `json:"scopes,omitempty"`
}

// PeerRegistry is the configuration of one peer.
type PeerRegistry struct {
	PeerID              string   `json:"peer_id"`
	Name                string   `json:"name"`
	Endpoint            string   `json:"endpoint"`
	Enabled             bool     `json:"enabled"`
	SyncMode            SyncMode `json:"sync_mode"`
	WhitelistServers    []string `json:"whitelist_servers,omitempty"`
	WhitelistAgents     []string `json:"whitelist_agents,omitempty"`
	TagFilters          []string `json:"tag_filters,omitempty"`
	SyncIntervalMinutes int      `json:"sync_interval_minutes"`
	Auth                PeerAuth `json:"auth"`

	CreatedAt time.Time `json:"created_at,omitempty"`
	UpdatedAt time.Time `json:"updated_at,omitempty"`
}

// PeerSyncStatus is the durable per-peer replication state.
type PeerSyncStatus struct {
	PeerID              string     `json:"peer_id"`
	IsHealthy           bool       `json:"is_healthy"`
	LastHealthCheck     *time.Time `json:"last_health_check,omitempty"`
	LastSuccessfulSync  *time.Time `json:"last_successful_sync,omitempty"`
	LastSyncAttempt     *time.Time `json:"last_sync_attempt,omitempty"`
	CurrentGeneration   int64      `json:"current_generation"`
	TotalServersSynced  int        `json:"total_servers_synced"`
	TotalAgentsSynced   int        `json:"total_agents_synced"`
	ServersOrphaned     int        `json:"servers_orphaned"`
	AgentsOrphaned      int        `json:"agents_orphaned"`
	SyncInProgress      bool       `json:"sync_in_progress"`
	ConsecutiveFailures int        `json:"consecutive_failures"`
	LastError           string     `json:"last_error,omitempty"`
}

// ExternalSourceConfig configures one of the two fixed external catalogs.
type ExternalSourceConfig struct {
	Enabled       bool     `json:"enabled"`
	Endpoint      string   `json:"endpoint,omitempty"`
	AuthEnvVar    string   `json:"auth_env_var,omitempty"`
	SyncOnStartup bool     `json:"sync_on_startup"`
	Servers       []string `json:"servers,omitempty"`
	Agents        []string `json:"agents,omitempty"`
}

// FederationConfigID is the fixed id of the singleton federation config
// document per namespace.
const FederationConfigID = "federation-config"

// FederationSourcesConfig is the singleton external-source configuration.
type FederationSourcesConfig struct {
	ConfigID  string               `json:"config_id"`
	Anthropic ExternalSourceConfig `json:"anthropic"`
	ASOR      ExternalSourceConfig `json:"asor"`
	UpdatedAt time.Time            `json:"updated_at,omitempty"`
}
