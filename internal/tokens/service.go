// Package tokens implements the credential refresh loop: ingress and
// egress OAuth tokens are kept fresh ahead of expiry, and MCP client
// config artifacts are materialized for every cycle.
package tokens

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"mcpgateway/internal/config"
	"mcpgateway/internal/repository"
	"mcpgateway/pkg/logging"
)

// CredentialKind distinguishes the registry's own machine credential from
// the per-provider egress credentials forwarded to backends.
type CredentialKind string

const (
	KindIngress CredentialKind = "ingress"
	KindEgress  CredentialKind = "egress"
)

// Credential is one managed credential set.
type Credential struct {
	Name         string         `yaml:"name"`
	Kind         CredentialKind `yaml:"kind"`
	TokenURL     string         `yaml:"tokenURL"`
	ClientID     string         `yaml:"clientID"`
	ClientSecret string         `yaml:"clientSecret"`
	Scopes       []string       `yaml:"scopes,omitempty"`
	// ExtraHeaders are provider-specific headers emitted alongside the
	// token in client configs (e.g. X-Atlassian-Cloud-Id).
	ExtraHeaders map[string]string `yaml:"extraHeaders,omitempty"`
}

// tokenFetcher obtains a fresh token for a credential. Swapped in tests.
type tokenFetcher func(ctx context.Context, cred Credential) (*oauth2.Token, error)

func oauthFetch(ctx context.Context, cred Credential) (*oauth2.Token, error) {
	cfg := clientcredentials.Config{
		ClientID:     cred.ClientID,
		ClientSecret: cred.ClientSecret,
		TokenURL:     cred.TokenURL,
		Scopes:       cred.Scopes,
	}
	return cfg.Token(ctx)
}

// Service is the long-running refresher. One instance per process.
type Service struct {
	cfg        config.TokensConfig
	creds      []Credential
	servers    repository.ServerRepository
	gatewayURL string
	fetch      tokenFetcher

	tokens map[string]*oauth2.Token
}

// NewService wires the refresher. gatewayURL is the base clients dial
// (e.g. http://localhost:8080); it parameterizes the emitted configs.
func NewService(cfg config.TokensConfig, creds []Credential, servers repository.ServerRepository, gatewayURL string) *Service {
	if cfg.Interval == 0 {
		cfg.Interval = 5 * time.Minute
	}
	if cfg.Buffer < time.Hour {
		cfg.Buffer = time.Hour
	}
	return &Service{
		cfg:        cfg,
		creds:      creds,
		servers:    servers,
		gatewayURL: gatewayURL,
		fetch:      oauthFetch,
		tokens:     map[string]*oauth2.Token{},
	}
}

// deadline computes when a token must be refreshed: expiry minus the
// configured buffer (at least one hour).
func (s *Service) deadline(token *oauth2.Token) time.Time {
	return token.Expiry.Add(-s.cfg.Buffer)
}

// needsRefresh reports whether the credential has no token yet or its
// refresh deadline has passed.
func (s *Service) needsRefresh(name string, now time.Time) bool {
	token, ok := s.tokens[name]
	if !ok || token == nil {
		return true
	}
	if token.Expiry.IsZero() {
		return false
	}
	return !now.Before(s.deadline(token))
}

// RefreshDue refreshes every credential whose deadline has passed,
// retrying each with exponential backoff. Returns the number refreshed.
func (s *Service) RefreshDue(ctx context.Context) int {
	now := time.Now()
	refreshed := 0
	for _, cred := range s.creds {
		if !s.needsRefresh(cred.Name, now) {
			continue
		}

		policy := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), 4), ctx)
		var token *oauth2.Token
		err := backoff.Retry(func() error {
			var fetchErr error
			token, fetchErr = s.fetch(ctx, cred)
			return fetchErr
		}, policy)
		if err != nil {
			logging.Warn("Tokens", "Failed to refresh %s credential %s: %v", cred.Kind, cred.Name, err)
			continue
		}

		s.tokens[cred.Name] = token
		refreshed++
		logging.Info("Tokens", "Refreshed %s credential %s (expires %s)",
			cred.Kind, cred.Name, token.Expiry.Format(time.RFC3339))
	}
	return refreshed
}

// Token returns the current token for a credential name.
func (s *Service) Token(name string) (*oauth2.Token, bool) {
	token, ok := s.tokens[name]
	return token, ok
}

// cycle is one wake-up: refresh what is due, then rewrite the client
// config artifacts so clients always see a complete, current map.
func (s *Service) cycle(ctx context.Context) {
	s.RefreshDue(ctx)
	if err := s.WriteClientConfigs(ctx); err != nil {
		logging.Warn("Tokens", "Failed to write client configs: %v", err)
	}
}

// Run drives the refresh loop until ctx is cancelled. Cancellation is
// cooperative: it is observed between iterations.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		return
	}
	logging.Info("Tokens", "Token refresh loop every %s (buffer %s)", s.cfg.Interval, s.cfg.Buffer)

	s.cycle(ctx)
	ticker := time.NewTicker(s.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			logging.Info("Tokens", "Token refresh loop stopped")
			return
		case <-ticker.C:
			s.cycle(ctx)
		}
	}
}
