package federation

import (
	"context"
	"crypto/subtle"
	"net/http"
	"strings"
	"sync"

	"github.com/coreos/go-oidc/v3/oidc"

	"mcpgateway/internal/api"
	"mcpgateway/internal/config"
)

// ExportAuthenticator validates callers of the local export endpoint:
// either a static federation token, or an OAuth2 client-credentials JWT
// constrained to the expected client id and issuer.
type ExportAuthenticator struct {
	token            string
	expectedClientID string
	expectedIssuer   string

	mu       sync.Mutex
	provider *oidc.Provider
}

// NewExportAuthenticator builds the authenticator from auth config.
func NewExportAuthenticator(cfg config.AuthConfig) *ExportAuthenticator {
	return &ExportAuthenticator{
		token:            cfg.FederationToken,
		expectedClientID: cfg.ExpectedClientID,
		expectedIssuer:   cfg.ExpectedIssuer,
	}
}

func (a *ExportAuthenticator) issuerProvider(ctx context.Context) (*oidc.Provider, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.provider != nil {
		return a.provider, nil
	}
	provider, err := oidc.NewProvider(ctx, a.expectedIssuer)
	if err != nil {
		return nil, err
	}
	a.provider = provider
	return provider, nil
}

// Authenticate admits or rejects an export request.
func (a *ExportAuthenticator) Authenticate(r *http.Request) error {
	header := r.Header.Get("Authorization")
	raw, ok := strings.CutPrefix(header, "Bearer ")
	if !ok || raw == "" {
		return api.NewUnauthenticatedError("export endpoint requires a bearer credential", nil)
	}

	// Static federation token first: constant-time compare.
	if a.token != "" && subtle.ConstantTimeCompare([]byte(raw), []byte(a.token)) == 1 {
		return nil
	}

	if a.expectedIssuer == "" {
		return api.NewUnauthenticatedError("invalid federation token", nil)
	}

	provider, err := a.issuerProvider(r.Context())
	if err != nil {
		return api.NewUnauthenticatedError("cannot reach expected issuer", err)
	}
	verifier := provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	token, err := verifier.Verify(r.Context(), raw)
	if err != nil {
		return api.NewUnauthenticatedError("invalid federation credential", err)
	}

	var claims struct {
		ClientID        string `json:"client_id"`
		AuthorizedParty string `json:"azp"`
	}
	if err := token.Claims(&claims); err != nil {
		return api.NewUnauthenticatedError("invalid federation credential claims", err)
	}
	clientID := claims.ClientID
	if clientID == "" {
		clientID = claims.AuthorizedParty
	}
	if a.expectedClientID != "" && clientID != a.expectedClientID {
		return api.NewForbiddenError("federation caller is not the expected client", "federation:client_id")
	}
	return nil
}
