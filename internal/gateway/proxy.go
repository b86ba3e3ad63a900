// Package gateway implements the HTTP ingress data path: it authorizes
// each /{server_path}/mcp request against the kernel, resolves the target
// backend (honoring version pinning and virtual-server routing), and
// reverse-proxies the call with the egress credential passed through.
package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httputil"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"mcpgateway/internal/api"
	"mcpgateway/internal/auth"
	"mcpgateway/internal/metrics"
	"mcpgateway/internal/registry"
	"mcpgateway/pkg/logging"
)

// HeaderServerVersion pins a request to a specific server version.
const HeaderServerVersion = "X-MCP-Server-Version"

// registry-internal headers stripped before egress. Authorization and
// provider-specific headers pass through untouched.
var strippedHeaders = []string{
	auth.HeaderIngressAuth,
	auth.HeaderClientID,
	auth.HeaderKeycloakURL,
	auth.HeaderKeycloakRealm,
	auth.HeaderUserPoolID,
	auth.HeaderRegion,
	HeaderServerVersion,
}

// maxRPCBodyBytes bounds how much of the body is buffered for JSON-RPC
// inspection. A body longer than this does not parse as JSON-RPC and is
// rejected as BadRequest; it is not forwarded to the backend.
const maxRPCBodyBytes = 1 << 20

// Proxy is the gateway edge.
type Proxy struct {
	registry *registry.Service
	resolver *auth.Resolver
	timeout  time.Duration
	maxConns int

	mu      sync.Mutex
	inUse   map[string]int
}

// NewProxy wires the edge.
func NewProxy(reg *registry.Service, resolver *auth.Resolver, timeout time.Duration, maxConns int) *Proxy {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if maxConns <= 0 {
		maxConns = 64
	}
	return &Proxy{
		registry: reg,
		resolver: resolver,
		timeout:  timeout,
		maxConns: maxConns,
		inUse:    map[string]int{},
	}
}

// rpcEnvelope is the slice of a JSON-RPC request the kernel needs.
type rpcEnvelope struct {
	JSONRPC string      `json:"jsonrpc"`
	ID      interface{} `json:"id"`
	Method  string      `json:"method"`
	Params  struct {
		Name string `json:"name"`
	} `json:"params"`
}

// RPCInfo is the parsed request surface handed to FGAC and audit.
type RPCInfo struct {
	Method   string
	ToolName string
	ID       interface{}
}

// parseRPC inspects the request body without consuming it.
func parseRPC(r *http.Request) (*RPCInfo, error) {
	if r.Body == nil || r.Method == http.MethodGet {
		// SSE subscribe and session polling carry no JSON-RPC body; the
		// method gate applies to initialize semantics.
		return &RPCInfo{Method: auth.MethodInitialize}, nil
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRPCBodyBytes))
	if err != nil {
		return nil, api.NewBadRequestError("unreadable request body", nil)
	}
	r.Body = io.NopCloser(io.MultiReader(bytes.NewReader(body), r.Body))

	var envelope rpcEnvelope
	if err := json.Unmarshal(body, &envelope); err != nil || envelope.Method == "" {
		return nil, api.NewBadRequestError("body is not a JSON-RPC request", nil)
	}

	info := &RPCInfo{Method: envelope.Method, ID: envelope.ID}
	if envelope.Method == string(mcp.MethodToolsCall) {
		info.ToolName = envelope.Params.Name
	}
	return info, nil
}

// ResolveTarget finds the upstream URL for a server honoring the version
// header: a pinned version routes to that version's proxy_pass_url, no
// header routes to the default version (or the server-level URL when no
// versions are listed). An unknown pinned version is NotFound.
func ResolveTarget(server *api.Server, pinnedVersion string) (string, error) {
	if pinnedVersion != "" {
		for _, v := range server.Versions {
			if v.Version == pinnedVersion {
				return v.ProxyPassURL, nil
			}
		}
		return "", api.NewNotFoundError("version", pinnedVersion)
	}
	if def := server.DefaultVersion(); def != nil && def.ProxyPassURL != "" {
		return def.ProxyPassURL, nil
	}
	return server.ProxyPassURL, nil
}

func (p *Proxy) acquire(serverPath string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse[serverPath] >= p.maxConns {
		return false
	}
	p.inUse[serverPath]++
	return true
}

func (p *Proxy) release(serverPath string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.inUse[serverPath] > 0 {
		p.inUse[serverPath]--
	}
}

// Outcome summarizes one handled request for the audit emitter.
type Outcome struct {
	Status     int
	ServerName string
	ServerPath string
	RPC        *RPCInfo
	Denied     error
	Duration   time.Duration
}

// Handle serves one /{server_path}/mcp/** request. The auth middleware has
// already placed the AuthContext in the request context; this is the
// method_allowed → tool_allowed → forwarded tail of the state machine.
// rest is the path remainder starting at /mcp.
func (p *Proxy) Handle(w http.ResponseWriter, r *http.Request, serverPath, rest string) Outcome {
	started := time.Now()
	outcome := Outcome{ServerPath: serverPath, Status: http.StatusOK}
	defer func() {
		metrics.ProxyRequestsTotal.WithLabelValues(serverPath, statusClass(outcome.Status)).Inc()
		metrics.ProxyDuration.WithLabelValues(serverPath).Observe(time.Since(started).Seconds())
	}()

	authCtx, ok := auth.FromContext(r.Context())
	if !ok {
		outcome.Status = http.StatusUnauthorized
		outcome.Denied = api.NewUnauthenticatedError("request reached the proxy without an auth context", nil)
		api.WriteError(w, "", outcome.Denied)
		return outcome
	}

	rpc, err := parseRPC(r)
	if err != nil {
		outcome.Status = api.AsError(err).HTTPStatus()
		outcome.Denied = err
		api.WriteError(w, "", err)
		return outcome
	}
	outcome.RPC = rpc

	if err := p.resolver.Authorize(r.Context(), authCtx, serverPath, rpc.Method, rpc.ToolName); err != nil {
		outcome.Status = api.AsError(err).HTTPStatus()
		outcome.Denied = err
		api.WriteError(w, "", err)
		return outcome
	}

	server, err := p.registry.GetServer(r.Context(), serverPath)
	if err != nil {
		if api.IsNotFound(err) {
			return p.handleVirtual(w, r, serverPath, rest, rpc, outcome)
		}
		outcome.Status = api.AsError(err).HTTPStatus()
		api.WriteError(w, "", err)
		return outcome
	}
	outcome.ServerName = server.ServerName

	if !server.IsEnabled {
		outcome.Status = http.StatusNotFound
		outcome.Denied = api.NewNotFoundError("server", serverPath)
		api.WriteError(w, "", outcome.Denied)
		return outcome
	}

	target, err := ResolveTarget(server, r.Header.Get(HeaderServerVersion))
	if err != nil {
		outcome.Status = api.AsError(err).HTTPStatus()
		outcome.Denied = err
		api.WriteError(w, "", err)
		return outcome
	}

	if !p.acquire(serverPath) {
		metrics.BackpressureTotal.WithLabelValues(serverPath).Inc()
		outcome.Status = http.StatusServiceUnavailable
		outcome.Denied = api.NewBackpressureError(serverPath)
		api.WriteError(w, "", outcome.Denied)
		return outcome
	}
	defer p.release(serverPath)

	status := p.forward(w, r, target, rest)
	outcome.Status = status
	outcome.Duration = time.Since(started)
	return outcome
}

// handleVirtual serves a request addressed to a virtual server: tools/list
// is answered locally from the assembled tool list; tools/call routes to
// the backend owning the tool; an unroutable tool is 404.
func (p *Proxy) handleVirtual(w http.ResponseWriter, r *http.Request, path, rest string, rpc *RPCInfo, outcome Outcome) Outcome {
	vs, err := p.registry.GetVirtualServer(r.Context(), path)
	if err != nil {
		outcome.Status = api.AsError(err).HTTPStatus()
		outcome.Denied = err
		api.WriteError(w, "", err)
		return outcome
	}
	outcome.ServerName = vs.ServerName

	if !vs.IsEnabled {
		outcome.Status = http.StatusNotFound
		outcome.Denied = api.NewNotFoundError("server", path)
		api.WriteError(w, "", outcome.Denied)
		return outcome
	}

	switch rpc.Method {
	case string(mcp.MethodToolsList):
		tools, err := p.registry.VirtualServerTools(r.Context(), vs)
		if err != nil {
			outcome.Status = api.AsError(err).HTTPStatus()
			api.WriteError(w, "", err)
			return outcome
		}
		p.writeToolsList(w, rpc, tools)
		outcome.Status = http.StatusOK
		return outcome

	case string(mcp.MethodToolsCall):
		backendPath, ok := vs.ToolRoutes[rpc.ToolName]
		if !ok {
			outcome.Status = http.StatusNotFound
			outcome.Denied = api.NewNotFoundError("tool", rpc.ToolName)
			api.WriteError(w, "", outcome.Denied)
			return outcome
		}
		backend, err := p.registry.GetServer(r.Context(), backendPath)
		if err != nil {
			outcome.Status = api.AsError(err).HTTPStatus()
			outcome.Denied = err
			api.WriteError(w, "", err)
			return outcome
		}
		target, err := ResolveTarget(backend, r.Header.Get(HeaderServerVersion))
		if err != nil {
			outcome.Status = api.AsError(err).HTTPStatus()
			outcome.Denied = err
			api.WriteError(w, "", err)
			return outcome
		}
		if !p.acquire(backendPath) {
			metrics.BackpressureTotal.WithLabelValues(backendPath).Inc()
			outcome.Status = http.StatusServiceUnavailable
			outcome.Denied = api.NewBackpressureError(backendPath)
			api.WriteError(w, "", outcome.Denied)
			return outcome
		}
		defer p.release(backendPath)

		outcome.Status = p.forward(w, r, target, rest)
		return outcome

	default:
		outcome.Status = http.StatusNotFound
		outcome.Denied = api.NewNotFoundError("virtual server method", rpc.Method)
		api.WriteError(w, "", outcome.Denied)
		return outcome
	}
}

// writeToolsList answers tools/list locally with the mcp wire shape.
func (p *Proxy) writeToolsList(w http.ResponseWriter, rpc *RPCInfo, tools []api.ToolDefinition) {
	mcpTools := make([]mcp.Tool, 0, len(tools))
	for _, tool := range tools {
		t := mcp.Tool{Name: tool.Name, Description: tool.Description}
		if tool.InputSchema != nil {
			if raw, err := json.Marshal(tool.InputSchema); err == nil {
				t.RawInputSchema = raw
			}
		}
		mcpTools = append(mcpTools, t)
	}

	api.WriteJSON(w, http.StatusOK, map[string]interface{}{
		"jsonrpc": mcp.JSONRPC_VERSION,
		"id":      rpc.ID,
		"result":  mcp.ListToolsResult{Tools: mcpTools},
	})
}

// forward reverse-proxies the request to the target URL, streaming both
// directions, and returns the upstream status.
func (p *Proxy) forward(w http.ResponseWriter, r *http.Request, target, rest string) int {
	targetURL, err := url.Parse(target)
	if err != nil {
		api.WriteError(w, "", api.NewBackendDataError("stored proxy_pass_url is invalid", err))
		return http.StatusInternalServerError
	}

	status := http.StatusOK
	proxy := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = targetURL.Scheme
			req.URL.Host = targetURL.Host
			req.URL.Path = singleJoin(targetURL.Path, rest)
			req.Host = targetURL.Host
			for _, header := range strippedHeaders {
				req.Header.Del(header)
			}
		},
		ModifyResponse: func(res *http.Response) error {
			status = res.StatusCode
			return nil
		},
		ErrorHandler: func(w http.ResponseWriter, r *http.Request, proxyErr error) {
			logging.Warn("Gateway", "Upstream %s failed: %v", targetURL.Host, proxyErr)
			status = http.StatusBadGateway
			api.WriteError(w, "", api.NewPeerUnreachableError(targetURL.Host, proxyErr))
		},
		// Flush continuously for SSE and streamable-http responses.
		FlushInterval: 100 * time.Millisecond,
	}

	ctx, cancel := contextWithTimeout(r, p.timeout)
	defer cancel()
	proxy.ServeHTTP(w, r.WithContext(ctx))
	return status
}

// contextWithTimeout layers the per-request proxy deadline on top of the
// caller's cancellation scope: an upstream client disconnect cancels the
// outstanding proxy call through the request context.
func contextWithTimeout(r *http.Request, timeout time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), timeout)
}

func singleJoin(base, rest string) string {
	base = strings.TrimSuffix(base, "/")
	if rest == "" {
		return base
	}
	if !strings.HasPrefix(rest, "/") {
		rest = "/" + rest
	}
	return base + rest
}

func statusClass(status int) string {
	switch {
	case status < 300:
		return "2xx"
	case status < 400:
		return "3xx"
	case status < 500:
		return "4xx"
	default:
		return "5xx"
	}
}
