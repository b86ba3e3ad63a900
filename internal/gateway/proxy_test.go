package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgateway/internal/api"
	"mcpgateway/internal/auth"
	"mcpgateway/internal/config"
	"mcpgateway/internal/registry"
	"mcpgateway/internal/repository"
	"mcpgateway/internal/search"
)

type capturedRequest struct {
	path    string
	headers http.Header
}

func newBackend(t *testing.T, tag string, sink *[]capturedRequest) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		*sink = append(*sink, capturedRequest{path: r.URL.Path, headers: r.Header.Clone()})
		w.Header().Set("X-Backend", tag)
		w.WriteHeader(http.StatusOK)
		w.Write([]byte(`{"jsonrpc":"2.0","id":1,"result":{}}`))
	}))
}

func newTestStack(t *testing.T) (*registry.Service, *Proxy) {
	t.Helper()
	cfg := config.GetDefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	repos, err := repository.New(context.Background(), &cfg)
	require.NoError(t, err)

	svc := registry.NewService(repos, search.NewEngine(repos.Search, nil, cfg.Search), nil)
	resolver := auth.NewResolver(repos.Scopes, nil, []string{"mcp-registry-admin"})
	proxy := NewProxy(svc, resolver, 5*time.Second, 2)
	return svc, proxy
}

func adminRequest(method, target, body string) *http.Request {
	var r *http.Request
	if body == "" {
		r = httptest.NewRequest(method, target, nil)
	} else {
		r = httptest.NewRequest(method, target, strings.NewReader(body))
	}
	authCtx := &auth.AuthContext{Username: "admin", Scopes: []string{"mcp-registry-admin"}, IsAdmin: true}
	return r.WithContext(auth.IntoContext(r.Context(), authCtx))
}

const toolsListBody = `{"jsonrpc":"2.0","id":1,"method":"tools/list"}`

func TestVersionPinning(t *testing.T) {
	svc, proxy := newTestStack(t)
	ctx := context.Background()

	var v1Reqs, v2Reqs []capturedRequest
	v1 := newBackend(t, "v1", &v1Reqs)
	defer v1.Close()
	v2 := newBackend(t, "v2", &v2Reqs)
	defer v2.Close()

	server := &api.Server{
		Path:         "/fininfo",
		ServerName:   "Fininfo",
		ProxyPassURL: v2.URL,
		IsEnabled:    true,
		Versions: []api.ServerVersion{
			{Version: "v1", ProxyPassURL: v1.URL, Status: api.VersionDeprecated},
			{Version: "v2", ProxyPassURL: v2.URL, Status: api.VersionStable, IsDefault: true},
		},
	}
	_, err := svc.RegisterServer(ctx, server)
	require.NoError(t, err)

	// No header: default version (v2).
	w := httptest.NewRecorder()
	outcome := proxy.Handle(w, adminRequest("POST", "/fininfo/mcp", toolsListBody), "/fininfo", "/mcp")
	assert.Equal(t, http.StatusOK, outcome.Status)
	require.Len(t, v2Reqs, 1)
	assert.Empty(t, v1Reqs)

	// Pinned to v1.
	r := adminRequest("POST", "/fininfo/mcp", toolsListBody)
	r.Header.Set(HeaderServerVersion, "v1")
	w = httptest.NewRecorder()
	outcome = proxy.Handle(w, r, "/fininfo", "/mcp")
	assert.Equal(t, http.StatusOK, outcome.Status)
	require.Len(t, v1Reqs, 1)

	// Unknown version: 404.
	r = adminRequest("POST", "/fininfo/mcp", toolsListBody)
	r.Header.Set(HeaderServerVersion, "v9")
	w = httptest.NewRecorder()
	outcome = proxy.Handle(w, r, "/fininfo", "/mcp")
	assert.Equal(t, http.StatusNotFound, outcome.Status)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestIngressHeadersStrippedEgressPreserved(t *testing.T) {
	svc, proxy := newTestStack(t)
	ctx := context.Background()

	var reqs []capturedRequest
	backend := newBackend(t, "b", &reqs)
	defer backend.Close()

	_, err := svc.RegisterServer(ctx, &api.Server{
		Path: "/docs", ServerName: "Docs", ProxyPassURL: backend.URL, IsEnabled: true,
	})
	require.NoError(t, err)

	r := adminRequest("POST", "/docs/mcp", toolsListBody)
	r.Header.Set(auth.HeaderIngressAuth, "Bearer ingress-jwt")
	r.Header.Set(auth.HeaderKeycloakURL, "https://kc.example")
	r.Header.Set(auth.HeaderKeycloakRealm, "mcp")
	r.Header.Set("Authorization", "Bearer egress-token")
	r.Header.Set("X-Atlassian-Cloud-Id", "cloud-1")

	w := httptest.NewRecorder()
	outcome := proxy.Handle(w, r, "/docs", "/mcp")
	require.Equal(t, http.StatusOK, outcome.Status)

	require.Len(t, reqs, 1)
	egress := reqs[0].headers
	assert.Empty(t, egress.Get(auth.HeaderIngressAuth))
	assert.Empty(t, egress.Get(auth.HeaderKeycloakURL))
	assert.Equal(t, "Bearer egress-token", egress.Get("Authorization"))
	assert.Equal(t, "cloud-1", egress.Get("X-Atlassian-Cloud-Id"))
	assert.Equal(t, "/mcp", reqs[0].path)
}

func TestForbiddenWithoutMatchingScope(t *testing.T) {
	svc, proxy := newTestStack(t)
	ctx := context.Background()

	var reqs []capturedRequest
	backend := newBackend(t, "b", &reqs)
	defer backend.Close()

	_, err := svc.RegisterServer(ctx, &api.Server{
		Path: "/fininfo", ServerName: "Fininfo", ProxyPassURL: backend.URL, IsEnabled: true,
	})
	require.NoError(t, err)

	r := httptest.NewRequest("POST", "/fininfo/mcp",
		strings.NewReader(`{"jsonrpc":"2.0","id":2,"method":"tools/call","params":{"name":"delete_portfolio"}}`))
	authCtx := &auth.AuthContext{Username: "alice", Scopes: []string{"unrelated"}}
	r = r.WithContext(auth.IntoContext(r.Context(), authCtx))

	w := httptest.NewRecorder()
	outcome := proxy.Handle(w, r, "/fininfo", "/mcp")
	assert.Equal(t, http.StatusForbidden, outcome.Status)
	assert.Empty(t, reqs, "denied requests must never reach the backend")

	var body api.ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, api.KindForbidden, body.Kind)
	assert.Contains(t, body.RequiredPermission, "delete_portfolio")
}

func TestDisabledServerIs404(t *testing.T) {
	svc, proxy := newTestStack(t)
	ctx := context.Background()

	var reqs []capturedRequest
	backend := newBackend(t, "b", &reqs)
	defer backend.Close()

	_, err := svc.RegisterServer(ctx, &api.Server{
		Path: "/dark", ServerName: "Dark", ProxyPassURL: backend.URL, IsEnabled: false,
	})
	require.NoError(t, err)

	w := httptest.NewRecorder()
	outcome := proxy.Handle(w, adminRequest("POST", "/dark/mcp", toolsListBody), "/dark", "/mcp")
	assert.Equal(t, http.StatusNotFound, outcome.Status)
	assert.Empty(t, reqs)
}

func TestVirtualServerToolsListAnsweredLocally(t *testing.T) {
	svc, proxy := newTestStack(t)
	ctx := context.Background()

	var reqs []capturedRequest
	backend := newBackend(t, "b", &reqs)
	defer backend.Close()

	_, err := svc.RegisterServer(ctx, &api.Server{
		Path: "/fininfo", ServerName: "Fininfo", ProxyPassURL: backend.URL, IsEnabled: true,
		ToolList: []api.ToolDefinition{
			{Name: "get_stock_aggregates", Description: "OHLC", InputSchema: map[string]interface{}{"type": "object"}},
		},
	})
	require.NoError(t, err)
	require.NoError(t, svc.CreateVirtualServer(ctx, &api.VirtualServer{
		Path: "/desk", ServerName: "Desk", IsEnabled: true,
		BackendPaths: []string{"/fininfo"},
		ToolRoutes:   map[string]string{"get_stock_aggregates": "/fininfo"},
	}))

	w := httptest.NewRecorder()
	outcome := proxy.Handle(w, adminRequest("POST", "/desk/mcp", toolsListBody), "/desk", "/mcp")
	require.Equal(t, http.StatusOK, outcome.Status)
	assert.Empty(t, reqs, "tools/list on a virtual server is answered locally")

	var rpc struct {
		Result struct {
			Tools []struct {
				Name string `json:"name"`
			} `json:"tools"`
		} `json:"result"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &rpc))
	require.Len(t, rpc.Result.Tools, 1)
	assert.Equal(t, "get_stock_aggregates", rpc.Result.Tools[0].Name)
}

func TestVirtualServerUnroutableToolIs404(t *testing.T) {
	svc, proxy := newTestStack(t)
	ctx := context.Background()

	var reqs []capturedRequest
	backend := newBackend(t, "b", &reqs)
	defer backend.Close()

	_, err := svc.RegisterServer(ctx, &api.Server{
		Path: "/fininfo", ServerName: "Fininfo", ProxyPassURL: backend.URL, IsEnabled: true,
	})
	require.NoError(t, err)
	require.NoError(t, svc.CreateVirtualServer(ctx, &api.VirtualServer{
		Path: "/desk", ServerName: "Desk", IsEnabled: true,
		BackendPaths: []string{"/fininfo"},
		ToolRoutes:   map[string]string{"known_tool": "/fininfo"},
	}))

	body := `{"jsonrpc":"2.0","id":3,"method":"tools/call","params":{"name":"mystery_tool"}}`
	w := httptest.NewRecorder()
	outcome := proxy.Handle(w, adminRequest("POST", "/desk/mcp", body), "/desk", "/mcp")
	assert.Equal(t, http.StatusNotFound, outcome.Status)
	assert.Empty(t, reqs)
}

func TestBackpressureWhenPoolExhausted(t *testing.T) {
	svc, proxy := newTestStack(t)
	ctx := context.Background()

	var reqs []capturedRequest
	backend := newBackend(t, "b", &reqs)
	defer backend.Close()

	_, err := svc.RegisterServer(ctx, &api.Server{
		Path: "/busy", ServerName: "Busy", ProxyPassURL: backend.URL, IsEnabled: true,
	})
	require.NoError(t, err)

	// Saturate the pool (maxConns = 2).
	require.True(t, proxy.acquire("/busy"))
	require.True(t, proxy.acquire("/busy"))

	w := httptest.NewRecorder()
	outcome := proxy.Handle(w, adminRequest("POST", "/busy/mcp", toolsListBody), "/busy", "/mcp")
	assert.Equal(t, http.StatusServiceUnavailable, outcome.Status)

	var body api.ErrorBody
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, api.KindBackpressure, body.Kind)

	proxy.release("/busy")
	proxy.release("/busy")
}

func TestResolveTargetTable(t *testing.T) {
	server := &api.Server{
		ProxyPassURL: "http://base:1",
		Versions: []api.ServerVersion{
			{Version: "v1", ProxyPassURL: "http://v1:1"},
			{Version: "v2", ProxyPassURL: "http://v2:1", IsDefault: true},
		},
	}

	target, err := ResolveTarget(server, "")
	require.NoError(t, err)
	assert.Equal(t, "http://v2:1", target)

	target, err = ResolveTarget(server, "v1")
	require.NoError(t, err)
	assert.Equal(t, "http://v1:1", target)

	_, err = ResolveTarget(server, "v9")
	assert.True(t, api.IsNotFound(err))

	// No versions listed: server-level URL.
	bare := &api.Server{ProxyPassURL: "http://bare:1"}
	target, err = ResolveTarget(bare, "")
	require.NoError(t, err)
	assert.Equal(t, "http://bare:1", target)
}
