package tokens

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"mcpgateway/pkg/logging"
)

// File names emitted into the tokens directory each cycle.
const (
	mcpConfigFile    = "mcp.json"
	vscodeConfigFile = "vscode-mcp.json"
)

// mcpServerEntry is one server in the Claude/Roocode client config.
type mcpServerEntry struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// mcpClientConfig is the Claude/Roocode config shape.
type mcpClientConfig struct {
	MCPServers map[string]mcpServerEntry `json:"mcpServers"`
}

// vscodeServerEntry is one server in the VS Code MCP config.
type vscodeServerEntry struct {
	URL     string            `json:"url"`
	Type    string            `json:"type"`
	Headers map[string]string `json:"headers,omitempty"`
}

// vscodeClientConfig is the VS Code config shape.
type vscodeClientConfig struct {
	Servers map[string]vscodeServerEntry `json:"servers"`
}

// WriteClientConfigs materializes both client config artifacts atomically
// with 0600 permissions. Every enabled server is enumerated — no-auth
// services included — so clients get a single complete map.
func (s *Service) WriteClientConfigs(ctx context.Context) error {
	if err := os.MkdirAll(s.cfg.Dir, 0700); err != nil {
		return fmt.Errorf("failed to create tokens directory %s: %w", s.cfg.Dir, err)
	}

	servers, err := s.servers.ListAll(ctx)
	if err != nil {
		return fmt.Errorf("failed to enumerate servers: %w", err)
	}

	mcpConfig := mcpClientConfig{MCPServers: map[string]mcpServerEntry{}}
	vscodeConfig := vscodeClientConfig{Servers: map[string]vscodeServerEntry{}}

	base := strings.TrimSuffix(s.gatewayURL, "/")
	for _, server := range servers {
		if !server.IsEnabled {
			continue
		}
		name := strings.Trim(server.Path, "/")
		url := base + server.Path + "/mcp"
		headers := s.headersFor(server.AuthType)

		mcpConfig.MCPServers[name] = mcpServerEntry{URL: url, Headers: headers}
		vscodeConfig.Servers[name] = vscodeServerEntry{URL: url, Type: "http", Headers: headers}
	}

	if err := writeJSONAtomic(filepath.Join(s.cfg.Dir, mcpConfigFile), mcpConfig); err != nil {
		return err
	}
	if err := writeJSONAtomic(filepath.Join(s.cfg.Dir, vscodeConfigFile), vscodeConfig); err != nil {
		return err
	}

	logging.Debug("Tokens", "Wrote client configs for %d servers to %s", len(mcpConfig.MCPServers), s.cfg.Dir)
	return nil
}

// headersFor assembles the headers a client needs against one backend:
// the ingress credential in X-Authorization plus, when an egress
// credential matches the server's auth type, its token and any
// provider-specific headers.
func (s *Service) headersFor(authType string) map[string]string {
	headers := map[string]string{}

	for _, cred := range s.creds {
		token, ok := s.tokens[cred.Name]
		if !ok || token == nil {
			continue
		}
		switch {
		case cred.Kind == KindIngress:
			headers["X-Authorization"] = "Bearer " + token.AccessToken
		case cred.Kind == KindEgress && cred.Name == authType:
			headers["Authorization"] = "Bearer " + token.AccessToken
			for k, v := range cred.ExtraHeaders {
				headers[k] = v
			}
		}
	}

	if len(headers) == 0 {
		return nil
	}
	return headers
}

func writeJSONAtomic(path string, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", path, err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return fmt.Errorf("failed to write %s: %w", tmp, err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("failed to move %s into place: %w", path, err)
	}
	return nil
}
