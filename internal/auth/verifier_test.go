package auth

import (
	"context"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgateway/internal/api"
)

type fakeJWKS struct {
	issuer string
	claims *idClaims
	err    error
}

func (f *fakeJWKS) Verify(ctx context.Context, issuer, rawToken string) (*idClaims, error) {
	f.issuer = issuer
	if f.err != nil {
		return nil, f.err
	}
	return f.claims, nil
}

func TestVerifyMissingHeader(t *testing.T) {
	v := &IngressVerifier{verifier: &fakeJWKS{}}
	r := httptest.NewRequest("GET", "/fininfo/mcp", nil)

	_, err := v.Verify(context.Background(), r)
	require.Error(t, err)
	assert.Equal(t, api.KindUnauthenticated, api.KindOf(err))
}

func TestVerifyNonBearerRejected(t *testing.T) {
	v := &IngressVerifier{verifier: &fakeJWKS{}}
	r := httptest.NewRequest("GET", "/fininfo/mcp", nil)
	r.Header.Set(HeaderIngressAuth, "Basic dXNlcjpwYXNz")

	_, err := v.Verify(context.Background(), r)
	assert.Equal(t, api.KindUnauthenticated, api.KindOf(err))
}

func TestVerifyKeycloakIssuerResolution(t *testing.T) {
	fake := &fakeJWKS{claims: &idClaims{
		Subject:           "u-123",
		AuthorizedParty:   "web-client",
		PreferredUsername: "alice",
		Groups:            []string{"finance_team"},
	}}
	v := &IngressVerifier{verifier: fake}

	r := httptest.NewRequest("GET", "/fininfo/mcp", nil)
	r.Header.Set(HeaderIngressAuth, "Bearer tok")
	r.Header.Set(HeaderKeycloakURL, "https://kc.example/")
	r.Header.Set(HeaderKeycloakRealm, "mcp")

	identity, err := v.Verify(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "https://kc.example/realms/mcp", fake.issuer)
	assert.Equal(t, "u-123", identity.Subject)
	assert.Equal(t, "web-client", identity.ClientID)
	assert.Equal(t, "alice", identity.Username)
	assert.Equal(t, []string{"finance_team"}, identity.Groups)
}

func TestVerifyCognitoIssuerAndGroups(t *testing.T) {
	fake := &fakeJWKS{claims: &idClaims{
		Subject:       "u-9",
		ClientID:      "m2m-agent",
		Username:      "svc",
		CognitoGroups: []string{"mcp-registry-admin"},
	}}
	v := &IngressVerifier{verifier: fake}

	r := httptest.NewRequest("GET", "/fininfo/mcp", nil)
	r.Header.Set(HeaderIngressAuth, "Bearer tok")
	r.Header.Set(HeaderUserPoolID, "us-east-1_AbCdEf")
	r.Header.Set(HeaderRegion, "us-east-1")

	identity, err := v.Verify(context.Background(), r)
	require.NoError(t, err)
	assert.Equal(t, "https://cognito-idp.us-east-1.amazonaws.com/us-east-1_AbCdEf", fake.issuer)
	assert.Equal(t, []string{"mcp-registry-admin"}, identity.Groups)
	assert.Equal(t, "svc", identity.Username)
}

func TestVerifyMissingProviderContext(t *testing.T) {
	v := &IngressVerifier{verifier: &fakeJWKS{}}
	r := httptest.NewRequest("GET", "/fininfo/mcp", nil)
	r.Header.Set(HeaderIngressAuth, "Bearer tok")

	_, err := v.Verify(context.Background(), r)
	assert.Equal(t, api.KindUnauthenticated, api.KindOf(err))
}

func TestVerifyInvalidToken(t *testing.T) {
	v := &IngressVerifier{verifier: &fakeJWKS{err: errors.New("signature mismatch")}}
	r := httptest.NewRequest("GET", "/fininfo/mcp", nil)
	r.Header.Set(HeaderIngressAuth, "Bearer bad")
	r.Header.Set(HeaderKeycloakURL, "https://kc.example")
	r.Header.Set(HeaderKeycloakRealm, "mcp")

	_, err := v.Verify(context.Background(), r)
	assert.Equal(t, api.KindUnauthenticated, api.KindOf(err))
}
