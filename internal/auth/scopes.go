package auth

import (
	"context"
	"fmt"
	"sort"

	"mcpgateway/internal/api"
	"mcpgateway/internal/repository"
	"mcpgateway/pkg/logging"
)

// Resolver performs layers two and three of the kernel: group→scope
// expansion against the scope repository (plus the optional scopes file)
// and FGAC evaluation of (server, method, tool) triples.
type Resolver struct {
	repo        repository.ScopeRepository
	file        *FileScopes
	adminScopes map[string]bool
}

// NewResolver builds a resolver. file may be nil when no scopes file is
// configured.
func NewResolver(repo repository.ScopeRepository, file *FileScopes, adminScopes []string) *Resolver {
	admins := make(map[string]bool, len(adminScopes))
	for _, s := range adminScopes {
		admins[s] = true
	}
	if len(admins) == 0 {
		admins["mcp-registry-admin"] = true
	}
	return &Resolver{repo: repo, file: file, adminScopes: admins}
}

// ExpandGroups unions the scope names mapped from each group, from both
// the scope repository and the scopes file.
func (r *Resolver) ExpandGroups(ctx context.Context, groups []string) ([]string, error) {
	set := map[string]bool{}

	for _, group := range groups {
		scope, err := r.repo.Get(ctx, string(api.ScopeTypeGroupMapping)+":"+group)
		if err != nil {
			if !api.IsNotFound(err) {
				return nil, err
			}
		} else {
			for _, name := range scope.GroupMappings {
				set[name] = true
			}
		}

		if r.file != nil {
			for _, name := range r.file.GroupScopes(group) {
				set[name] = true
			}
		}
	}

	out := make([]string, 0, len(set))
	for name := range set {
		out = append(out, name)
	}
	sort.Strings(out)
	return out, nil
}

// IsAdmin reports whether any resolved scope grants unconditional access.
// Admin scopes are recognized by name.
func (r *Resolver) IsAdmin(scopes []string) bool {
	for _, s := range scopes {
		if r.adminScopes[s] {
			return true
		}
	}
	return false
}

// accessRules loads the server_access rules of one scope, preferring the
// repository and falling back to the scopes file.
func (r *Resolver) accessRules(ctx context.Context, scopeName string) ([]api.ServerAccessRule, error) {
	scope, err := r.repo.Get(ctx, string(api.ScopeTypeServer)+":"+scopeName)
	if err == nil {
		return scope.ServerAccess, nil
	}
	if !api.IsNotFound(err) {
		return nil, err
	}
	if r.file != nil {
		if rules, ok := r.file.ScopeRules(scopeName); ok {
			return rules, nil
		}
	}
	return nil, nil
}

// requiredPermission renders the rule a denied request was missing.
func requiredPermission(serverPath, method, tool string) string {
	perm := fmt.Sprintf("server:%s,method:%s", serverPath, method)
	if tool != "" {
		perm += ",tool:" + tool
	}
	return perm
}

// Authorize evaluates FGAC for a request targeting serverPath with MCP
// protocol method, and — when the method is tools/call — the specific
// tool. Allow iff some rule has (server=S, methods∋M, tools empty or ∋T).
func (r *Resolver) Authorize(ctx context.Context, authCtx *AuthContext, serverPath, method, tool string) error {
	if authCtx.IsAdmin {
		return nil
	}

	for _, scopeName := range authCtx.Scopes {
		rules, err := r.accessRules(ctx, scopeName)
		if err != nil {
			return err
		}
		for _, rule := range rules {
			if rule.Server != serverPath {
				continue
			}
			if !containsString(rule.Methods, method) {
				continue
			}
			// An empty tools list with populated methods means all tools
			// of the server.
			if method == MethodToolsCall && len(rule.Tools) > 0 && !containsString(rule.Tools, tool) {
				continue
			}
			return nil
		}
	}

	logging.Debug("Auth", "Denied %s %s tool=%q for user %s (scopes: %v)",
		method, serverPath, tool, authCtx.Username, authCtx.Scopes)
	return api.NewForbiddenError("access denied", requiredPermission(serverPath, method, tool))
}

// VisibleServers returns the set of server paths the identity's ui_scope
// documents expose, or nil when unrestricted (admin).
func (r *Resolver) VisibleServers(ctx context.Context, authCtx *AuthContext) (map[string]bool, error) {
	if authCtx.IsAdmin {
		return nil, nil
	}

	visible := map[string]bool{}
	for _, scopeName := range authCtx.Scopes {
		scope, err := r.repo.Get(ctx, string(api.ScopeTypeUI)+":"+scopeName)
		if err != nil {
			if api.IsNotFound(err) {
				continue
			}
			return nil, err
		}
		for _, server := range scope.UIPermissions["list_service"] {
			visible[server] = true
		}
	}
	return visible, nil
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
