package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgateway/internal/api"
)

func newTestRepos(t *testing.T) *Repositories {
	t.Helper()
	repos, err := newFileRepositories(t.TempDir(), "default", 384)
	require.NoError(t, err)
	return repos
}

func sampleServer(path string) *api.Server {
	return &api.Server{
		Path:                path,
		ServerName:          "Sample",
		Description:         "A sample server",
		ProxyPassURL:        "http://localhost:9000",
		SupportedTransports: []string{api.TransportStreamableHTTP},
		Tags:                []string{"docs"},
		IsEnabled:           true,
		Visibility:          api.VisibilityPublic,
		ToolList: []api.ToolDefinition{
			{Name: "lookup", Description: "Look things up"},
		},
	}
}

func TestServerCRUDRoundTrip(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	server := sampleServer("/cloudflare-docs")
	require.NoError(t, repos.Servers.Create(ctx, server))

	got, err := repos.Servers.Get(ctx, "/cloudflare-docs")
	require.NoError(t, err)
	assert.Equal(t, server.ServerName, got.ServerName)
	assert.Equal(t, server.ToolList, got.ToolList)
	assert.False(t, got.UpdatedAt.IsZero())
	assert.Equal(t, 1, got.NumTools())
}

func TestServerCreateConflict(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	require.NoError(t, repos.Servers.Create(ctx, sampleServer("/dup")))
	err := repos.Servers.Create(ctx, sampleServer("/dup"))
	assert.True(t, api.IsConflict(err), "expected Conflict, got %v", err)
}

func TestServerGetNotFound(t *testing.T) {
	repos := newTestRepos(t)
	_, err := repos.Servers.Get(context.Background(), "/missing")
	assert.True(t, api.IsNotFound(err))
}

func TestServerDeleteThenGet(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	require.NoError(t, repos.Servers.Create(ctx, sampleServer("/gone")))
	require.NoError(t, repos.Servers.Delete(ctx, "/gone"))

	_, err := repos.Servers.Get(ctx, "/gone")
	assert.True(t, api.IsNotFound(err))
}

func TestServerUpdateConflictOnStaleRead(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	require.NoError(t, repos.Servers.Create(ctx, sampleServer("/vers")))

	first, err := repos.Servers.Get(ctx, "/vers")
	require.NoError(t, err)
	stale := *first

	first.Description = "writer one"
	require.NoError(t, repos.Servers.Update(ctx, first))

	stale.Description = "writer two"
	err = repos.Servers.Update(ctx, &stale)
	assert.True(t, api.IsConflict(err), "stale writer must observe Conflict, got %v", err)
}

func TestToggleStateSidecar(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	require.NoError(t, repos.Servers.Create(ctx, sampleServer("/toggle")))
	require.NoError(t, repos.Servers.SetEnabled(ctx, "/toggle", false))

	got, err := repos.Servers.Get(ctx, "/toggle")
	require.NoError(t, err)
	assert.False(t, got.IsEnabled)

	// Second identical toggle loses.
	err = repos.Servers.SetEnabled(ctx, "/toggle", false)
	assert.True(t, api.IsConflict(err))
}

func TestToggleToCurrentDocumentStateConflicts(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	require.NoError(t, repos.Servers.Create(ctx, sampleServer("/idem")))
	// Entity was created enabled; enabling again must conflict even though
	// the sidecar has no entry yet.
	err := repos.Servers.SetEnabled(ctx, "/idem", true)
	assert.True(t, api.IsConflict(err))
}

func TestListAllOverlaysState(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	require.NoError(t, repos.Servers.Create(ctx, sampleServer("/a")))
	require.NoError(t, repos.Servers.Create(ctx, sampleServer("/b")))
	require.NoError(t, repos.Servers.SetEnabled(ctx, "/b", false))

	servers, err := repos.Servers.ListAll(ctx)
	require.NoError(t, err)
	require.Len(t, servers, 2)

	byPath := map[string]bool{}
	for _, s := range servers {
		byPath[s.Path] = s.IsEnabled
	}
	assert.True(t, byPath["/a"])
	assert.False(t, byPath["/b"])
}

func TestScanAppendLatestWins(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	older := &api.SecurityScanResult{
		ServerPath:    "/fininfo",
		ScanTimestamp: time.Now().Add(-time.Hour),
		ScanStatus:    api.ScanStatusSafe,
	}
	newer := &api.SecurityScanResult{
		ServerPath:    "/fininfo",
		ScanTimestamp: time.Now(),
		ScanStatus:    api.ScanStatusUnsafe,
		Vulnerabilities: []api.Vulnerability{
			{Severity: "CRITICAL", Title: "tool poisoning"},
			{Severity: "LOW", Title: "verbose description"},
		},
	}
	require.NoError(t, repos.SecurityScans.Append(ctx, older))
	require.NoError(t, repos.SecurityScans.Append(ctx, newer))

	latest, err := repos.SecurityScans.Latest(ctx, "/fininfo")
	require.NoError(t, err)
	assert.Equal(t, api.ScanStatusUnsafe, latest.ScanStatus)
	assert.Equal(t, 1, latest.CriticalCount)
	assert.Equal(t, 1, latest.LowCount)
	assert.Equal(t, 2, latest.TotalCount)

	all, err := repos.SecurityScans.ListForServer(ctx, "/fininfo")
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestScanCountsRecomputedOnAppend(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	result := &api.SecurityScanResult{
		ServerPath:    "/counts",
		ScanTimestamp: time.Now(),
		ScanStatus:    api.ScanStatusSafe,
		// Deliberately wrong stored counts; Append recomputes from the
		// vulnerability list.
		CriticalCount: 99,
		Vulnerabilities: []api.Vulnerability{
			{Severity: "MEDIUM", Title: "m"},
			{Severity: "MEDIUM", Title: "m2"},
			{Severity: "HIGH", Title: "h"},
		},
	}
	require.NoError(t, repos.SecurityScans.Append(ctx, result))

	latest, err := repos.SecurityScans.Latest(ctx, "/counts")
	require.NoError(t, err)
	assert.Equal(t, 0, latest.CriticalCount)
	assert.Equal(t, 1, latest.HighCount)
	assert.Equal(t, 2, latest.MediumCount)
	assert.Equal(t, 3, latest.TotalCount)
}

func TestPeerStatusRoundTrip(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	now := time.Now().UTC()
	status := &api.PeerSyncStatus{
		PeerID:             "west-1",
		IsHealthy:          true,
		CurrentGeneration:  3,
		TotalServersSynced: 7,
		LastSuccessfulSync: &now,
	}
	require.NoError(t, repos.PeerStatus.Put(ctx, status))

	got, err := repos.PeerStatus.Get(ctx, "west-1")
	require.NoError(t, err)
	assert.Equal(t, int64(3), got.CurrentGeneration)
	assert.Equal(t, 7, got.TotalServersSynced)
}

func TestFederationConfigSingleton(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	_, err := repos.FederationConfig.Get(ctx)
	assert.True(t, api.IsNotFound(err))

	cfg := &api.FederationSourcesConfig{
		Anthropic: api.ExternalSourceConfig{Enabled: true, Endpoint: "https://registry.example/v0"},
	}
	require.NoError(t, repos.FederationConfig.Put(ctx, cfg))

	got, err := repos.FederationConfig.Get(ctx)
	require.NoError(t, err)
	assert.Equal(t, api.FederationConfigID, got.ConfigID)
	assert.True(t, got.Anthropic.Enabled)
}

func TestScopeRepoPutIsUpsert(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	scope := &api.Scope{
		ScopeType: api.ScopeTypeServer,
		ScopeName: "finance_read",
		ServerAccess: []api.ServerAccessRule{
			{Server: "/fininfo", Methods: []string{"tools/list"}},
		},
	}
	require.NoError(t, repos.Scopes.Put(ctx, scope))

	scope.ServerAccess[0].Methods = append(scope.ServerAccess[0].Methods, "tools/call")
	require.NoError(t, repos.Scopes.Put(ctx, scope))

	got, err := repos.Scopes.Get(ctx, "server_scope:finance_read")
	require.NoError(t, err)
	assert.Len(t, got.ServerAccess[0].Methods, 2)
}

func TestEmbeddingDimensionEnforced(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	doc := &api.EmbeddingDocument{
		EntityType: api.EntityTypeServer,
		Path:       "/dim",
		Name:       "dim",
		Embedding:  make([]float32, 1024),
	}
	err := repos.Search.UpsertEmbedding(ctx, doc)
	require.Error(t, err)
	assert.Equal(t, api.KindBackendData, api.KindOf(err))
}

func TestKNNSearchRanksByCosine(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	mk := func(path string, first float32) *api.EmbeddingDocument {
		emb := make([]float32, 384)
		emb[0] = first
		emb[1] = 1 - first
		return &api.EmbeddingDocument{
			EntityType: api.EntityTypeServer,
			Path:       path,
			Name:       path,
			IsEnabled:  true,
			Embedding:  emb,
		}
	}
	require.NoError(t, repos.Search.UpsertEmbedding(ctx, mk("/near", 1.0)))
	require.NoError(t, repos.Search.UpsertEmbedding(ctx, mk("/far", 0.1)))

	query := make([]float32, 384)
	query[0] = 1.0
	hits, err := repos.Search.KNNSearch(ctx, query, nil, false, 10)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "/near", hits[0].Doc.Path)
	assert.Greater(t, hits[0].Score, hits[1].Score)
}

func TestLexicalSearchExcludesDisabled(t *testing.T) {
	repos := newTestRepos(t)
	ctx := context.Background()

	docs := []*api.EmbeddingDocument{
		{EntityType: api.EntityTypeServer, Path: "/on", Name: "context7 docs", IsEnabled: true},
		{EntityType: api.EntityTypeServer, Path: "/off", Name: "context7 mirror", IsEnabled: false},
	}
	for _, d := range docs {
		require.NoError(t, repos.Search.UpsertEmbedding(ctx, d))
	}

	hits, err := repos.Search.LexicalSearch(ctx, "context7", nil, false, 10)
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "/on", hits[0].Doc.Path)

	hits, err = repos.Search.LexicalSearch(ctx, "context7", nil, true, 10)
	require.NoError(t, err)
	assert.Len(t, hits, 2)
}
