package federation

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgateway/internal/api"
	"mcpgateway/internal/config"
	"mcpgateway/internal/repository"
	"mcpgateway/internal/search"
)

func newTestEngine(t *testing.T) (*Engine, *repository.Repositories) {
	t.Helper()
	cfg := config.GetDefaultConfig()
	cfg.Storage.DataDir = t.TempDir()
	repos, err := repository.New(context.Background(), &cfg)
	require.NoError(t, err)

	engine := NewEngine(repos, search.NewEngine(repos.Search, nil, cfg.Search), 5*time.Second)
	return engine, repos
}

// fakePeer serves the export endpoints with a mutable item set.
type fakePeer struct {
	mu      sync.Mutex
	servers []ExportedServer
	agents  []ExportedAgent
	status  int
	srv     *httptest.Server

	lastAuth   string
	lastAPIKey string
}

func newFakePeer(servers []ExportedServer, agents []ExportedAgent) *fakePeer {
	p := &fakePeer{servers: servers, agents: agents, status: http.StatusOK}
	mux := http.NewServeMux()
	mux.HandleFunc("/api/federation/servers", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		p.lastAuth = r.Header.Get("Authorization")
		p.lastAPIKey = r.Header.Get("X-API-Key")
		if p.status != http.StatusOK {
			w.WriteHeader(p.status)
			return
		}
		json.NewEncoder(w).Encode(ServersExport{TotalCount: len(p.servers), Items: p.servers, Generation: 1})
	})
	mux.HandleFunc("/api/federation/agents", func(w http.ResponseWriter, r *http.Request) {
		p.mu.Lock()
		defer p.mu.Unlock()
		if p.status != http.StatusOK {
			w.WriteHeader(p.status)
			return
		}
		json.NewEncoder(w).Encode(AgentsExport{TotalCount: len(p.agents), Items: p.agents, Generation: 1})
	})
	p.srv = httptest.NewServer(mux)
	return p
}

func (p *fakePeer) setServers(servers []ExportedServer) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.servers = servers
}

func (p *fakePeer) setStatus(status int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.status = status
}

func exportedServer(path string, tags ...string) ExportedServer {
	return ExportedServer{
		Path:         path,
		ServerName:   "srv " + path,
		ProxyPassURL: "http://upstream.internal:9000",
		Tags:         tags,
		Visibility:   api.VisibilityPublic,
	}
}

func testPeer(endpoint string) *api.PeerRegistry {
	return &api.PeerRegistry{
		PeerID:              "west-1",
		Name:                "West",
		Endpoint:            endpoint,
		Enabled:             true,
		SyncMode:            api.SyncModeAll,
		SyncIntervalMinutes: 15,
		Auth:                api.PeerAuth{Type: api.PeerAuthNone},
	}
}

func TestSyncPeerWithOrphanReclamation(t *testing.T) {
	engine, repos := newTestEngine(t)
	ctx := context.Background()

	peer := newFakePeer([]ExportedServer{exportedServer("/a"), exportedServer("/b")}, nil)
	defer peer.srv.Close()
	p := testPeer(peer.srv.URL)

	// t0: peer exports [A, B]; generation becomes 1.
	report, err := engine.SyncPeer(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(1), report.Generation)
	assert.Equal(t, 2, report.ServersSynced)
	assert.Equal(t, 0, report.ServersOrphaned)

	_, err = repos.Servers.Get(ctx, "/west-1/a")
	require.NoError(t, err)
	_, err = repos.Servers.Get(ctx, "/west-1/b")
	require.NoError(t, err)

	// t1: peer exports only [A]; generation becomes 2, B is reclaimed.
	peer.setServers([]ExportedServer{exportedServer("/a")})
	report, err = engine.SyncPeer(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, int64(2), report.Generation)
	assert.Equal(t, 1, report.ServersOrphaned)

	_, err = repos.Servers.Get(ctx, "/west-1/b")
	assert.True(t, api.IsNotFound(err))

	status, err := repos.PeerStatus.Get(ctx, "west-1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), status.CurrentGeneration)
	assert.Equal(t, 1, status.ServersOrphaned)
	assert.True(t, status.IsHealthy)
	assert.False(t, status.SyncInProgress)
}

func TestSyncPeerDoesNotTouchLocalEntities(t *testing.T) {
	engine, repos := newTestEngine(t)
	ctx := context.Background()

	local := &api.Server{
		Path:         "/local-only",
		ServerName:   "Local",
		ProxyPassURL: "http://local.internal:8000",
		IsEnabled:    true,
		Visibility:   api.VisibilityPublic,
	}
	require.NoError(t, repos.Servers.Create(ctx, local))

	peer := newFakePeer([]ExportedServer{exportedServer("/a")}, nil)
	defer peer.srv.Close()

	_, err := engine.SyncPeer(ctx, testPeer(peer.srv.URL))
	require.NoError(t, err)

	// Local entities have no origin peer and are never reclaimed.
	_, err = repos.Servers.Get(ctx, "/local-only")
	assert.NoError(t, err)
}

func TestSyncFailureTracksConsecutiveFailures(t *testing.T) {
	engine, repos := newTestEngine(t)
	ctx := context.Background()

	peer := newFakePeer(nil, nil)
	defer peer.srv.Close()
	peer.setStatus(http.StatusBadGateway)
	p := testPeer(peer.srv.URL)

	for i := 1; i <= 3; i++ {
		_, err := engine.SyncPeer(ctx, p)
		require.Error(t, err)
		assert.Equal(t, api.KindPeerUnreachable, api.KindOf(err))
	}

	status, err := repos.PeerStatus.Get(ctx, "west-1")
	require.NoError(t, err)
	assert.Equal(t, 3, status.ConsecutiveFailures)
	assert.False(t, status.IsHealthy)
	assert.False(t, status.SyncInProgress)
	assert.Equal(t, int64(0), status.CurrentGeneration)

	// Recovery resets the failure counter and health.
	peer.setStatus(http.StatusOK)
	_, err = engine.SyncPeer(ctx, p)
	require.NoError(t, err)
	status, err = repos.PeerStatus.Get(ctx, "west-1")
	require.NoError(t, err)
	assert.Equal(t, 0, status.ConsecutiveFailures)
	assert.True(t, status.IsHealthy)
}

func TestWhitelistFilter(t *testing.T) {
	engine, repos := newTestEngine(t)
	ctx := context.Background()

	peer := newFakePeer([]ExportedServer{exportedServer("/a"), exportedServer("/b")}, nil)
	defer peer.srv.Close()

	p := testPeer(peer.srv.URL)
	p.SyncMode = api.SyncModeWhitelist
	p.WhitelistServers = []string{"/a"}

	report, err := engine.SyncPeer(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ServersSynced)

	_, err = repos.Servers.Get(ctx, "/west-1/a")
	assert.NoError(t, err)
	_, err = repos.Servers.Get(ctx, "/west-1/b")
	assert.True(t, api.IsNotFound(err))
}

func TestTagFilter(t *testing.T) {
	engine, repos := newTestEngine(t)
	ctx := context.Background()

	peer := newFakePeer([]ExportedServer{
		exportedServer("/tagged", "finance"),
		exportedServer("/untagged", "docs"),
	}, nil)
	defer peer.srv.Close()

	p := testPeer(peer.srv.URL)
	p.SyncMode = api.SyncModeTagFilter
	p.TagFilters = []string{"finance"}

	report, err := engine.SyncPeer(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ServersSynced)
	_, err = repos.Servers.Get(ctx, "/west-1/tagged")
	assert.NoError(t, err)
}

func TestStaticTokenAuthSent(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	peer := newFakePeer([]ExportedServer{exportedServer("/a")}, nil)
	defer peer.srv.Close()

	p := testPeer(peer.srv.URL)
	p.Auth = api.PeerAuth{Type: api.PeerAuthStaticToken, Token: "fed-secret"}

	_, err := engine.SyncPeer(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "Bearer fed-secret", peer.lastAuth)
}

func TestAPIKeyAuthSent(t *testing.T) {
	engine, _ := newTestEngine(t)
	ctx := context.Background()

	peer := newFakePeer([]ExportedServer{exportedServer("/a")}, nil)
	defer peer.srv.Close()

	p := testPeer(peer.srv.URL)
	p.Auth = api.PeerAuth{Type: api.PeerAuthAPIKey, Token: "k-123"}

	_, err := engine.SyncPeer(ctx, p)
	require.NoError(t, err)
	assert.Equal(t, "k-123", peer.lastAPIKey)
}

func TestPrefixPathIdempotent(t *testing.T) {
	assert.Equal(t, "/west-1/fininfo", PrefixPath("west-1", "/fininfo"))
	assert.Equal(t, "/west-1/fininfo", PrefixPath("west-1", "/west-1/fininfo"))
	assert.Equal(t, "/west-1/fininfo", PrefixPath("west-1", "fininfo"))
}

func TestReExportRoundTripPreservesCanonicalFields(t *testing.T) {
	engine, repos := newTestEngine(t)
	ctx := context.Background()

	item := exportedServer("/fininfo", "finance")
	item.ToolList = []api.ToolDefinition{{Name: "get_stock_aggregates", Description: "OHLC bars"}}
	peer := newFakePeer([]ExportedServer{item}, nil)
	defer peer.srv.Close()

	_, err := engine.SyncPeer(ctx, testPeer(peer.srv.URL))
	require.NoError(t, err)

	imported, err := repos.Servers.Get(ctx, "/west-1/fininfo")
	require.NoError(t, err)
	assert.Equal(t, item.ServerName, imported.ServerName)
	assert.Equal(t, item.ToolList, imported.ToolList)
	assert.Equal(t, "west-1", imported.OriginPeer)

	// Our own export never re-exports federated copies.
	export, err := BuildServersExport(ctx, repos.Servers, 1)
	require.NoError(t, err)
	for _, exported := range export.Items {
		assert.NotEqual(t, "/west-1/fininfo", exported.Path)
	}
}

func TestConcurrentSyncOfSamePeerConflicts(t *testing.T) {
	engine, _ := newTestEngine(t)

	lock := engine.lockFor("west-1")
	lock.Lock()
	defer lock.Unlock()

	_, err := engine.SyncPeer(context.Background(), testPeer("http://127.0.0.1:0"))
	assert.True(t, api.IsConflict(err))
}

func TestValidatePeerBoundaries(t *testing.T) {
	base := func() *api.PeerRegistry {
		return &api.PeerRegistry{
			PeerID:              "west-1",
			Endpoint:            "https://peer.example",
			SyncMode:            api.SyncModeAll,
			SyncIntervalMinutes: 30,
			Auth:                api.PeerAuth{Type: api.PeerAuthNone},
		}
	}

	assert.NoError(t, ValidatePeer(base()))

	tests := []struct {
		name   string
		mutate func(*api.PeerRegistry)
		field  string
	}{
		{"bad id", func(p *api.PeerRegistry) { p.PeerID = "west 1!" }, "peer_id"},
		{"interval too small", func(p *api.PeerRegistry) { p.SyncIntervalMinutes = 4 }, "sync_interval_minutes"},
		{"interval too large", func(p *api.PeerRegistry) { p.SyncIntervalMinutes = 1441 }, "sync_interval_minutes"},
		{"bad mode", func(p *api.PeerRegistry) { p.SyncMode = "mirror" }, "sync_mode"},
		{"bad auth", func(p *api.PeerRegistry) { p.Auth.Type = "kerberos" }, "auth"},
		{"no endpoint", func(p *api.PeerRegistry) { p.Endpoint = "" }, "endpoint"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			peer := base()
			tt.mutate(peer)
			err := ValidatePeer(peer)
			require.Error(t, err)
			assert.Contains(t, api.AsError(err).Fields, tt.field)
		})
	}
}

func TestExternalAnthropicSync(t *testing.T) {
	engine, repos := newTestEngine(t)
	ctx := context.Background()

	catalog := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v0/servers", r.URL.Path)
		json.NewEncoder(w).Encode(anthropicCatalog{Servers: []anthropicServer{
			{
				Name:        "io.github.example/cloudflare-docs",
				Description: "Cloudflare documentation",
				Remotes: []struct {
					Type string `json:"type"`
					URL  string `json:"url"`
				}{{Type: "streamable-http", URL: "https://docs.mcp.cloudflare.com/mcp"}},
			},
			{Name: "stdio-only", Description: "no remotes"},
		}})
	}))
	defer catalog.Close()

	require.NoError(t, repos.FederationConfig.Put(ctx, &api.FederationSourcesConfig{
		Anthropic: api.ExternalSourceConfig{Enabled: true, Endpoint: catalog.URL},
	}))

	report, err := engine.SyncAnthropic(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.ServersSynced)

	imported, err := repos.Servers.Get(ctx, "/anthropic/io-github-example-cloudflare-docs")
	require.NoError(t, err)
	assert.Equal(t, "anthropic", imported.OriginType)
	assert.Empty(t, imported.OriginPeer)
}

func TestExternalSyncDisabledRejected(t *testing.T) {
	engine, repos := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, repos.FederationConfig.Put(ctx, &api.FederationSourcesConfig{}))
	_, err := engine.SyncAnthropic(ctx)
	assert.Equal(t, api.KindBadRequest, api.KindOf(err))
}
