package auth

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgateway/internal/api"
)

// fakeScopeRepo is a map-backed ScopeRepository.
type fakeScopeRepo struct {
	scopes map[string]*api.Scope
}

func newFakeScopeRepo(scopes ...*api.Scope) *fakeScopeRepo {
	repo := &fakeScopeRepo{scopes: map[string]*api.Scope{}}
	for _, s := range scopes {
		repo.scopes[s.ID()] = s
	}
	return repo
}

func (f *fakeScopeRepo) Get(ctx context.Context, id string) (*api.Scope, error) {
	if s, ok := f.scopes[id]; ok {
		return s, nil
	}
	return nil, api.NewNotFoundError("scope", id)
}

func (f *fakeScopeRepo) Put(ctx context.Context, scope *api.Scope) error {
	f.scopes[scope.ID()] = scope
	return nil
}

func (f *fakeScopeRepo) Delete(ctx context.Context, id string) error {
	delete(f.scopes, id)
	return nil
}

func (f *fakeScopeRepo) ListAll(ctx context.Context) ([]api.Scope, error) {
	out := make([]api.Scope, 0, len(f.scopes))
	for _, s := range f.scopes {
		out = append(out, *s)
	}
	return out, nil
}

func financeScopes() *fakeScopeRepo {
	return newFakeScopeRepo(
		&api.Scope{
			ScopeType: api.ScopeTypeGroupMapping,
			GroupName: "finance_team",
			GroupMappings: []string{"finance_read"},
		},
		&api.Scope{
			ScopeType: api.ScopeTypeServer,
			ScopeName: "finance_read",
			ServerAccess: []api.ServerAccessRule{
				{
					Server:  "/fininfo",
					Methods: []string{MethodToolsList, MethodToolsCall},
					Tools:   []string{"get_stock_aggregates"},
				},
			},
		},
	)
}

func TestExpandGroupsUnionsMappings(t *testing.T) {
	repo := financeScopes()
	repo.scopes["group_mapping:ops"] = &api.Scope{
		ScopeType:     api.ScopeTypeGroupMapping,
		GroupName:     "ops",
		GroupMappings: []string{"ops_full", "finance_read"},
	}
	resolver := NewResolver(repo, nil, nil)

	scopes, err := resolver.ExpandGroups(context.Background(), []string{"finance_team", "ops", "unknown"})
	require.NoError(t, err)
	assert.Equal(t, []string{"finance_read", "ops_full"}, scopes)
}

func TestAuthorizeToolLevel(t *testing.T) {
	resolver := NewResolver(financeScopes(), nil, nil)
	ctx := context.Background()

	authCtx := &AuthContext{
		Username: "alice",
		Groups:   []string{"finance_team"},
		Scopes:   []string{"finance_read"},
	}

	// Permitted tool passes.
	err := resolver.Authorize(ctx, authCtx, "/fininfo", MethodToolsCall, "get_stock_aggregates")
	assert.NoError(t, err)

	// A tool outside the enumerated set is denied with the missing
	// permission named.
	err = resolver.Authorize(ctx, authCtx, "/fininfo", MethodToolsCall, "delete_portfolio")
	require.Error(t, err)
	apiErr := api.AsError(err)
	assert.Equal(t, api.KindForbidden, apiErr.Kind)
	assert.Equal(t, "server:/fininfo,method:tools/call,tool:delete_portfolio", apiErr.RequiredPermission)
}

func TestAuthorizeMethodGate(t *testing.T) {
	resolver := NewResolver(financeScopes(), nil, nil)
	authCtx := &AuthContext{Scopes: []string{"finance_read"}}

	// initialize is not in the rule's methods.
	err := resolver.Authorize(context.Background(), authCtx, "/fininfo", MethodInitialize, "")
	assert.True(t, api.IsForbidden(err))

	// tools/list is.
	assert.NoError(t, resolver.Authorize(context.Background(), authCtx, "/fininfo", MethodToolsList, ""))
}

func TestAuthorizeEmptyToolsMeansAllTools(t *testing.T) {
	repo := newFakeScopeRepo(&api.Scope{
		ScopeType: api.ScopeTypeServer,
		ScopeName: "wide_open",
		ServerAccess: []api.ServerAccessRule{
			{Server: "/docs", Methods: []string{MethodToolsCall}},
		},
	})
	resolver := NewResolver(repo, nil, nil)
	authCtx := &AuthContext{Scopes: []string{"wide_open"}}

	assert.NoError(t, resolver.Authorize(context.Background(), authCtx, "/docs", MethodToolsCall, "anything_at_all"))
}

func TestAuthorizeWrongServerDenied(t *testing.T) {
	resolver := NewResolver(financeScopes(), nil, nil)
	authCtx := &AuthContext{Scopes: []string{"finance_read"}}

	err := resolver.Authorize(context.Background(), authCtx, "/other", MethodToolsList, "")
	assert.True(t, api.IsForbidden(err))
}

func TestAdminBypassesFGAC(t *testing.T) {
	resolver := NewResolver(newFakeScopeRepo(), nil, []string{"mcp-registry-admin"})
	authCtx := &AuthContext{Scopes: []string{"mcp-registry-admin"}, IsAdmin: true}

	assert.True(t, resolver.IsAdmin(authCtx.Scopes))
	assert.NoError(t, resolver.Authorize(context.Background(), authCtx, "/anything", MethodToolsCall, "any_tool"))
}

func TestVisibleServersFromUIScopes(t *testing.T) {
	repo := newFakeScopeRepo(&api.Scope{
		ScopeType: api.ScopeTypeUI,
		ScopeName: "finance_ui",
		UIPermissions: map[string][]string{
			"list_service": {"/fininfo", "/reports"},
		},
	})
	resolver := NewResolver(repo, nil, nil)

	visible, err := resolver.VisibleServers(context.Background(), &AuthContext{Scopes: []string{"finance_ui"}})
	require.NoError(t, err)
	assert.True(t, visible["/fininfo"])
	assert.True(t, visible["/reports"])
	assert.False(t, visible["/hidden"])

	// Admin is unrestricted: nil set.
	visible, err = resolver.VisibleServers(context.Background(), &AuthContext{IsAdmin: true})
	require.NoError(t, err)
	assert.Nil(t, visible)
}

func TestFileScopesParseAndResolve(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "scopes.yml")
	content := `
group_mappings:
  finance_team:
    - finance_read
finance_read:
  - server: /fininfo
    methods:
      - tools/list
      - tools/call
    tools:
      - get_stock_aggregates
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	fileScopes, err := LoadFileScopes(path)
	require.NoError(t, err)
	defer fileScopes.Close()

	assert.Equal(t, []string{"finance_read"}, fileScopes.GroupScopes("finance_team"))
	rules, ok := fileScopes.ScopeRules("finance_read")
	require.True(t, ok)
	require.Len(t, rules, 1)
	assert.Equal(t, "/fininfo", rules[0].Server)

	// The resolver falls back to file rules when the repository has no
	// matching scope document.
	resolver := NewResolver(newFakeScopeRepo(), fileScopes, nil)
	scopes, err := resolver.ExpandGroups(context.Background(), []string{"finance_team"})
	require.NoError(t, err)
	assert.Equal(t, []string{"finance_read"}, scopes)

	authCtx := &AuthContext{Scopes: scopes}
	assert.NoError(t, resolver.Authorize(context.Background(), authCtx, "/fininfo", MethodToolsCall, "get_stock_aggregates"))
	assert.True(t, api.IsForbidden(resolver.Authorize(context.Background(), authCtx, "/fininfo", MethodToolsCall, "delete_portfolio")))
}
