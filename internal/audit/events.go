// Package audit implements the structured event pipeline: two append-only
// streams (registry_api for administrative actions, mcp_access for
// client↔gateway traffic) with admin-side filtering and pagination.
package audit

import (
	"time"
)

// Stream names.
const (
	StreamRegistryAPI = "registry_api"
	StreamMCPAccess   = "mcp_access"
)

// SchemaVersion is stamped on every event.
const SchemaVersion = "1.0"

// Identity describes who performed the action.
type Identity struct {
	Username   string   `json:"username,omitempty"`
	AuthMethod string   `json:"auth_method,omitempty"`
	Groups     []string `json:"groups,omitempty"`
	Scopes     []string `json:"scopes,omitempty"`
	IsAdmin    bool     `json:"is_admin"`
}

// Request describes the HTTP request.
type Request struct {
	Method    string `json:"method"`
	Path      string `json:"path"`
	ClientIP  string `json:"client_ip,omitempty"`
	UserAgent string `json:"user_agent,omitempty"`
}

// Response describes the HTTP outcome.
type Response struct {
	StatusCode int   `json:"status_code"`
	DurationMS int64 `json:"duration_ms"`
}

// Action describes the administrative operation.
type Action struct {
	Operation    string `json:"operation,omitempty"`
	ResourceType string `json:"resource_type,omitempty"`
	ResourceID   string `json:"resource_id,omitempty"`
}

// Authorization describes the access decision.
type Authorization struct {
	Decision           string   `json:"decision,omitempty"`
	RequiredPermission string   `json:"required_permission,omitempty"`
	EvaluatedScopes    []string `json:"evaluated_scopes,omitempty"`
}

// MCPServer names the proxied backend on mcp_access events.
type MCPServer struct {
	Name string `json:"name,omitempty"`
	Path string `json:"path,omitempty"`
}

// MCPRequest describes the proxied MCP call.
type MCPRequest struct {
	Method      string      `json:"method,omitempty"`
	ToolName    string      `json:"tool_name,omitempty"`
	ResourceURI string      `json:"resource_uri,omitempty"`
	Transport   string      `json:"transport,omitempty"`
	JSONRPCID   interface{} `json:"jsonrpc_id,omitempty"`
}

// MCPResponse describes the proxied MCP outcome.
type MCPResponse struct {
	Status     string `json:"status,omitempty"`
	DurationMS int64  `json:"duration_ms"`
	ErrorCode  string `json:"error_code,omitempty"`
}

// Event is one audit document. Events are append-only; within a request
// they are totally ordered, across requests ordering is by timestamp with
// ties broken by request id.
type Event struct {
	Timestamp     time.Time     `json:"timestamp"`
	RequestID     string        `json:"request_id"`
	LogType       string        `json:"log_type"`
	Version       string        `json:"version"`
	CorrelationID string        `json:"correlation_id,omitempty"`
	Identity      Identity      `json:"identity"`
	Request       Request       `json:"request"`
	Response      Response      `json:"response"`
	Action        Action        `json:"action,omitempty"`
	Authorization Authorization `json:"authorization,omitempty"`

	// mcp_access only.
	MCPServer   *MCPServer   `json:"mcp_server,omitempty"`
	MCPRequest  *MCPRequest  `json:"mcp_request,omitempty"`
	MCPResponse *MCPResponse `json:"mcp_response,omitempty"`
}

// Filter selects events on reads.
type Filter struct {
	Stream       string
	From         time.Time
	To           time.Time
	Username     string
	Operation    string
	ResourceType string
	StatusMin    int
	StatusMax    int
	// SortAscending flips the default newest-first order.
	SortAscending bool
	Page          int
	PageSize      int
}

// Matches evaluates the filter against one event.
func (f *Filter) Matches(e *Event) bool {
	if f.Stream != "" && e.LogType != f.Stream {
		return false
	}
	if !f.From.IsZero() && e.Timestamp.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && e.Timestamp.After(f.To) {
		return false
	}
	if f.Username != "" && e.Identity.Username != f.Username {
		return false
	}
	if f.Operation != "" && e.Action.Operation != f.Operation {
		return false
	}
	if f.ResourceType != "" && e.Action.ResourceType != f.ResourceType {
		return false
	}
	if f.StatusMin != 0 && e.Response.StatusCode < f.StatusMin {
		return false
	}
	if f.StatusMax != 0 && e.Response.StatusCode > f.StatusMax {
		return false
	}
	return true
}
