package tokens

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/oauth2"

	"mcpgateway/internal/api"
	"mcpgateway/internal/config"
)

type memServerRepo struct {
	servers []api.Server
}

func (m *memServerRepo) Get(ctx context.Context, path string) (*api.Server, error) {
	return nil, api.NewNotFoundError("server", path)
}
func (m *memServerRepo) Create(ctx context.Context, s *api.Server) error { return nil }
func (m *memServerRepo) Update(ctx context.Context, s *api.Server) error { return nil }
func (m *memServerRepo) Delete(ctx context.Context, path string) error   { return nil }
func (m *memServerRepo) ListAll(ctx context.Context) ([]api.Server, error) {
	return m.servers, nil
}
func (m *memServerRepo) SetEnabled(ctx context.Context, path string, enabled bool) error {
	return nil
}

func testService(t *testing.T, creds []Credential, servers []api.Server) (*Service, string) {
	t.Helper()
	dir := t.TempDir()
	svc := NewService(config.TokensConfig{
		Enabled:  true,
		Dir:      dir,
		Interval: time.Minute,
		Buffer:   time.Hour,
	}, creds, &memServerRepo{servers: servers}, "http://localhost:8080")
	return svc, dir
}

func TestNeedsRefreshDeadline(t *testing.T) {
	svc, _ := testService(t, nil, nil)

	now := time.Now()
	svc.tokens["ingress"] = &oauth2.Token{AccessToken: "a", Expiry: now.Add(2 * time.Hour)}
	assert.False(t, svc.needsRefresh("ingress", now))

	// Inside the one-hour buffer: due.
	svc.tokens["ingress"] = &oauth2.Token{AccessToken: "a", Expiry: now.Add(30 * time.Minute)}
	assert.True(t, svc.needsRefresh("ingress", now))

	// Unknown credential: due.
	assert.True(t, svc.needsRefresh("egress-atlassian", now))

	// Tokens without expiry never refresh.
	svc.tokens["static"] = &oauth2.Token{AccessToken: "s"}
	assert.False(t, svc.needsRefresh("static", now))
}

func TestRefreshDueFetchesAndRetries(t *testing.T) {
	cred := Credential{Name: "ingress", Kind: KindIngress, TokenURL: "http://idp/token"}
	svc, _ := testService(t, []Credential{cred}, nil)

	calls := 0
	svc.fetch = func(ctx context.Context, c Credential) (*oauth2.Token, error) {
		calls++
		if calls < 2 {
			return nil, errors.New("idp hiccup")
		}
		return &oauth2.Token{AccessToken: "fresh", Expiry: time.Now().Add(4 * time.Hour)}, nil
	}

	refreshed := svc.RefreshDue(context.Background())
	assert.Equal(t, 1, refreshed)
	assert.Equal(t, 2, calls)

	token, ok := svc.Token("ingress")
	require.True(t, ok)
	assert.Equal(t, "fresh", token.AccessToken)

	// Fresh token is not re-fetched on the next wake-up.
	refreshed = svc.RefreshDue(context.Background())
	assert.Equal(t, 0, refreshed)
	assert.Equal(t, 2, calls)
}

func TestWriteClientConfigs(t *testing.T) {
	servers := []api.Server{
		{Path: "/fininfo", ServerName: "Fininfo", IsEnabled: true, AuthType: "atlassian"},
		{Path: "/no-auth-docs", ServerName: "Docs", IsEnabled: true},
		{Path: "/disabled", ServerName: "Off", IsEnabled: false},
	}
	creds := []Credential{
		{Name: "ingress", Kind: KindIngress},
		{Name: "atlassian", Kind: KindEgress, ExtraHeaders: map[string]string{"X-Atlassian-Cloud-Id": "cloud-1"}},
	}
	svc, dir := testService(t, creds, servers)
	svc.tokens["ingress"] = &oauth2.Token{AccessToken: "ing-tok", Expiry: time.Now().Add(4 * time.Hour)}
	svc.tokens["atlassian"] = &oauth2.Token{AccessToken: "atl-tok", Expiry: time.Now().Add(4 * time.Hour)}

	require.NoError(t, svc.WriteClientConfigs(context.Background()))

	// 0600 permissions on both artifacts.
	for _, name := range []string{mcpConfigFile, vscodeConfigFile} {
		info, err := os.Stat(filepath.Join(dir, name))
		require.NoError(t, err)
		assert.Equal(t, os.FileMode(0600), info.Mode().Perm())
	}

	data, err := os.ReadFile(filepath.Join(dir, mcpConfigFile))
	require.NoError(t, err)
	var cfg mcpClientConfig
	require.NoError(t, json.Unmarshal(data, &cfg))

	// Disabled servers are absent; enabled ones are present including the
	// no-auth service.
	assert.Len(t, cfg.MCPServers, 2)
	fininfo := cfg.MCPServers["fininfo"]
	assert.Equal(t, "http://localhost:8080/fininfo/mcp", fininfo.URL)
	assert.Equal(t, "Bearer ing-tok", fininfo.Headers["X-Authorization"])
	assert.Equal(t, "Bearer atl-tok", fininfo.Headers["Authorization"])
	assert.Equal(t, "cloud-1", fininfo.Headers["X-Atlassian-Cloud-Id"])

	docs := cfg.MCPServers["no-auth-docs"]
	assert.Equal(t, "Bearer ing-tok", docs.Headers["X-Authorization"])
	assert.NotContains(t, docs.Headers, "Authorization")

	vsData, err := os.ReadFile(filepath.Join(dir, vscodeConfigFile))
	require.NoError(t, err)
	var vsCfg vscodeClientConfig
	require.NoError(t, json.Unmarshal(vsData, &vsCfg))
	assert.Equal(t, "http", vsCfg.Servers["fininfo"].Type)
}

func TestRunStopsCooperatively(t *testing.T) {
	svc, _ := testService(t, nil, nil)
	svc.fetch = func(ctx context.Context, c Credential) (*oauth2.Token, error) {
		return &oauth2.Token{AccessToken: "x"}, nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.Run(ctx)
		close(done)
	}()

	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("refresh loop did not observe cancellation")
	}
}
