package federation

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/oauth2/clientcredentials"

	"mcpgateway/internal/api"
)

// peerClient pulls a peer's export endpoints with the peer's configured
// auth. One client per fetch; the OAuth2 token source caches underneath.
type peerClient struct {
	peer    *api.PeerRegistry
	timeout time.Duration
}

func newPeerClient(peer *api.PeerRegistry, timeout time.Duration) *peerClient {
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	return &peerClient{peer: peer, timeout: timeout}
}

// httpClient builds the transport for this peer's auth type. OAuth2
// client-credentials wraps the base client with a token source.
func (c *peerClient) httpClient(ctx context.Context) *http.Client {
	base := &http.Client{Timeout: c.timeout}
	if c.peer.Auth.Type == api.PeerAuthOAuth2 {
		cfg := clientcredentials.Config{
			ClientID:     c.peer.Auth.ClientID,
			ClientSecret: c.peer.Auth.ClientSecret,
			TokenURL:     c.peer.Auth.TokenURL,
			Scopes:       c.peer.Auth.Scopes,
		}
		client := cfg.Client(ctx)
		client.Timeout = c.timeout
		return client
	}
	return base
}

func (c *peerClient) get(ctx context.Context, path string, out interface{}) error {
	url := strings.TrimSuffix(c.peer.Endpoint, "/") + path
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return api.NewPeerUnreachableError(c.peer.PeerID, err)
	}

	switch c.peer.Auth.Type {
	case api.PeerAuthStaticToken:
		req.Header.Set("Authorization", "Bearer "+c.peer.Auth.Token)
	case api.PeerAuthAPIKey:
		header := c.peer.Auth.HeaderName
		if header == "" {
			header = "X-API-Key"
		}
		req.Header.Set(header, c.peer.Auth.Token)
	}

	res, err := c.httpClient(ctx).Do(req)
	if err != nil {
		return api.NewPeerUnreachableError(c.peer.PeerID, err)
	}
	defer res.Body.Close()

	if res.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(res.Body, 512))
		return api.NewPeerUnreachableError(c.peer.PeerID,
			fmt.Errorf("export endpoint answered %d: %s", res.StatusCode, strings.TrimSpace(string(body))))
	}

	if err := json.NewDecoder(res.Body).Decode(out); err != nil {
		return api.NewPeerUnreachableError(c.peer.PeerID, fmt.Errorf("invalid export payload: %w", err))
	}
	return nil
}

// FetchServers pulls the peer's exported servers.
func (c *peerClient) FetchServers(ctx context.Context) (*ServersExport, error) {
	var export ServersExport
	if err := c.get(ctx, "/api/federation/servers", &export); err != nil {
		return nil, err
	}
	return &export, nil
}

// FetchAgents pulls the peer's exported agents.
func (c *peerClient) FetchAgents(ctx context.Context) (*AgentsExport, error) {
	var export AgentsExport
	if err := c.get(ctx, "/api/federation/agents", &export); err != nil {
		return nil, err
	}
	return &export, nil
}
