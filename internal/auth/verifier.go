package auth

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"

	"mcpgateway/internal/api"
)

// Ingress headers. Clients send their registry credential in
// X-Authorization; plain Authorization is the egress credential and passes
// through to backends untouched (dual-token contract).
const (
	HeaderIngressAuth   = "X-Authorization"
	HeaderClientID      = "X-Client-Id"
	HeaderKeycloakURL   = "X-Keycloak-URL"
	HeaderKeycloakRealm = "X-Keycloak-Realm"
	HeaderUserPoolID    = "X-User-Pool-Id"
	HeaderRegion        = "X-Region"
)

// Identity is the verified result of ingress authentication.
type Identity struct {
	Subject  string
	ClientID string
	Username string
	Groups   []string
}

// jwksVerifier verifies a raw token against one issuer's JWKS.
type jwksVerifier interface {
	Verify(ctx context.Context, issuer, rawToken string) (*idClaims, error)
}

type idClaims struct {
	Subject           string   `json:"sub"`
	ClientID          string   `json:"client_id"`
	AuthorizedParty   string   `json:"azp"`
	PreferredUsername string   `json:"preferred_username"`
	Username          string   `json:"username"`
	Groups            []string `json:"groups"`
	CognitoGroups     []string `json:"cognito:groups"`
}

// oidcVerifier verifies tokens via the issuer's published JWKS, caching one
// provider per issuer. Provider discovery happens on first use.
type oidcVerifier struct {
	mu        sync.Mutex
	providers map[string]*oidc.Provider
}

func newOIDCVerifier() *oidcVerifier {
	return &oidcVerifier{providers: make(map[string]*oidc.Provider)}
}

func (v *oidcVerifier) provider(ctx context.Context, issuer string) (*oidc.Provider, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if p, ok := v.providers[issuer]; ok {
		return p, nil
	}
	p, err := oidc.NewProvider(ctx, issuer)
	if err != nil {
		return nil, fmt.Errorf("failed to discover issuer %s: %w", issuer, err)
	}
	v.providers[issuer] = p
	return p, nil
}

func (v *oidcVerifier) Verify(ctx context.Context, issuer, rawToken string) (*idClaims, error) {
	provider, err := v.provider(ctx, issuer)
	if err != nil {
		return nil, err
	}

	// Audience varies per IdP client; the scope layer is the real gate.
	verifier := provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	token, err := verifier.Verify(ctx, rawToken)
	if err != nil {
		return nil, err
	}

	var claims idClaims
	if err := token.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to extract claims: %w", err)
	}
	return &claims, nil
}

// IngressVerifier performs layer one of the kernel: bearer-JWT validation
// against the identity provider named by the request's context headers.
type IngressVerifier struct {
	verifier jwksVerifier
}

// NewIngressVerifier builds the production verifier.
func NewIngressVerifier() *IngressVerifier {
	return &IngressVerifier{verifier: newOIDCVerifier()}
}

// issuerFromHeaders resolves the IdP issuer URL from provider-context
// headers: Keycloak realm or Cognito user pool.
func issuerFromHeaders(r *http.Request) (string, error) {
	if realm := r.Header.Get(HeaderKeycloakRealm); realm != "" {
		base := strings.TrimSuffix(r.Header.Get(HeaderKeycloakURL), "/")
		if base == "" {
			return "", fmt.Errorf("%s requires %s", HeaderKeycloakRealm, HeaderKeycloakURL)
		}
		return base + "/realms/" + realm, nil
	}
	if poolID := r.Header.Get(HeaderUserPoolID); poolID != "" {
		region := r.Header.Get(HeaderRegion)
		if region == "" {
			return "", fmt.Errorf("%s requires %s", HeaderUserPoolID, HeaderRegion)
		}
		return fmt.Sprintf("https://cognito-idp.%s.amazonaws.com/%s", region, poolID), nil
	}
	return "", fmt.Errorf("missing identity provider context headers")
}

// Verify authenticates the request's X-Authorization bearer token.
// Failure is terminal for the request and surfaces Unauthenticated.
func (v *IngressVerifier) Verify(ctx context.Context, r *http.Request) (*Identity, error) {
	header := r.Header.Get(HeaderIngressAuth)
	if header == "" {
		return nil, api.NewUnauthenticatedError("missing "+HeaderIngressAuth+" header", nil)
	}
	rawToken, ok := strings.CutPrefix(header, "Bearer ")
	if !ok {
		return nil, api.NewUnauthenticatedError(HeaderIngressAuth+" must be a bearer token", nil)
	}

	issuer, err := issuerFromHeaders(r)
	if err != nil {
		return nil, api.NewUnauthenticatedError("cannot resolve identity provider", err)
	}

	claims, err := v.verifier.Verify(ctx, issuer, rawToken)
	if err != nil {
		return nil, api.NewUnauthenticatedError("invalid ingress token", err)
	}

	identity := &Identity{
		Subject:  claims.Subject,
		ClientID: claims.ClientID,
		Username: claims.PreferredUsername,
	}
	if identity.ClientID == "" {
		identity.ClientID = claims.AuthorizedParty
	}
	if identity.ClientID == "" {
		identity.ClientID = r.Header.Get(HeaderClientID)
	}
	if identity.Username == "" {
		identity.Username = claims.Username
	}
	if identity.Username == "" {
		identity.Username = claims.Subject
	}
	identity.Groups = claims.Groups
	if len(identity.Groups) == 0 {
		identity.Groups = claims.CognitoGroups
	}
	return identity, nil
}
