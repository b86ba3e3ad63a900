// Package auth implements the three-layer authorization kernel: ingress
// JWT verification, group-to-scope expansion, and fine-grained access
// control over MCP methods and tools.
package auth

import "context"

// Method names enforced by the FGAC layer. tools/call additionally gates
// on the individual tool name.
const (
	MethodInitialize = "initialize"
	MethodToolsList  = "tools/list"
	MethodToolsCall  = "tools/call"
)

// AuthContext is constructed once per request by the middleware and
// threaded through handlers. An admitted request walks
// authenticated → scopes_resolved → method_allowed → tool_allowed →
// forwarded; any transition failure is terminal.
type AuthContext struct {
	Subject    string
	ClientID   string
	Username   string
	Groups     []string
	Scopes     []string
	IsAdmin    bool
	AuthMethod string
}

// HasScope reports whether the resolved scope set contains name.
func (a *AuthContext) HasScope(name string) bool {
	for _, s := range a.Scopes {
		if s == name {
			return true
		}
	}
	return false
}

type authContextKey struct{}

// IntoContext attaches the auth context to a request context.
func IntoContext(ctx context.Context, authCtx *AuthContext) context.Context {
	return context.WithValue(ctx, authContextKey{}, authCtx)
}

// FromContext extracts the auth context, if any.
func FromContext(ctx context.Context) (*AuthContext, bool) {
	authCtx, ok := ctx.Value(authContextKey{}).(*AuthContext)
	return authCtx, ok
}
