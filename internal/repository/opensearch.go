package repository

import (
	"bytes"
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"mcpgateway/internal/api"
	"mcpgateway/internal/config"
)

// newIndexRepositories connects to the distributed search index, asserts
// every index schema, and returns the repository set.
func newIndexRepositories(ctx context.Context, cfg *config.Config) (*Repositories, error) {
	scheme := "http"
	if cfg.Storage.Index.UseTLS {
		scheme = "https"
	}
	addr := fmt.Sprintf("%s://%s:%d", scheme, cfg.Storage.Index.Host, cfg.Storage.Index.Port)

	client, err := opensearch.NewClient(opensearch.Config{
		Addresses: []string{addr},
		Username:  cfg.Storage.Index.Username,
		Password:  cfg.Storage.Index.Password,
		Transport: &http.Transport{
			TLSClientConfig:     &tls.Config{MinVersion: tls.VersionTLS12},
			MaxIdleConnsPerHost: 10,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build index client: %w", err)
	}

	if err := EnsureIndices(ctx, client, cfg.Namespace, cfg.Search.ModelDimensions, cfg.Storage.Index.Recreate); err != nil {
		return nil, err
	}

	ns := cfg.Namespace
	return &Repositories{
		Servers: &osServerRepo{docs: newOSStore[api.Server](client, indexName(indexServers, ns), "server",
			func(s *api.Server) string { return s.Path },
			func(s *api.Server) *time.Time { return &s.UpdatedAt })},
		Agents: &osAgentRepo{docs: newOSStore[api.Agent](client, indexName(indexAgents, ns), "agent",
			func(a *api.Agent) string { return a.Path },
			func(a *api.Agent) *time.Time { return &a.UpdatedAt })},
		Skills: &osSkillRepo{docs: newOSStore[api.Skill](client, indexName(indexSkills, ns), "skill",
			func(s *api.Skill) string { return s.Path },
			func(s *api.Skill) *time.Time { return &s.UpdatedAt })},
		VirtualServers: &osVirtualRepo{docs: newOSStore[api.VirtualServer](client, indexName(indexVirtualServers, ns), "virtual server",
			func(v *api.VirtualServer) string { return v.Path },
			func(v *api.VirtualServer) *time.Time { return &v.UpdatedAt })},
		Scopes: &osScopeRepo{docs: newOSStore[api.Scope](client, indexName(indexScopes, ns), "scope",
			func(s *api.Scope) string { return s.ID() },
			func(s *api.Scope) *time.Time { return &s.UpdatedAt })},
		SecurityScans: &osScanRepo{client: client, index: indexName(indexSecurityScans, ns)},
		Search: &osSearchRepository{
			client:     client,
			index:      indexName(indexEmbeddings, ns),
			dimensions: cfg.Search.ModelDimensions,
		},
		Peers: &osPeerRepo{docs: newOSStore[api.PeerRegistry](client, indexName(indexPeers, ns), "peer",
			func(p *api.PeerRegistry) string { return p.PeerID },
			func(p *api.PeerRegistry) *time.Time { return &p.UpdatedAt })},
		PeerStatus:       &osPeerStatusRepo{client: client, index: indexName(indexPeerStatus, ns)},
		FederationConfig: &osFederationConfigRepo{client: client, index: indexName(indexFederationConfig, ns)},
	}, nil
}

// mapResponseError translates an index response into the typed error model:
// 409 → Conflict, 404 → NotFound (callers supply the resource naming), 4xx
// mapping/shape problems → BackendDataError, everything else → transient.
func mapResponseError(res *opensearchapi.Response, kind, key string) error {
	switch {
	case res.StatusCode == http.StatusConflict:
		return api.NewConflictError(fmt.Sprintf("%s %s already exists", kind, key), nil)
	case res.StatusCode == http.StatusNotFound:
		return api.NewNotFoundError(kind, key)
	case res.StatusCode >= 400 && res.StatusCode < 500:
		return api.NewBackendDataError(fmt.Sprintf("index rejected %s %s: %s", kind, key, res.String()), nil)
	default:
		return api.NewTransientBackendError(fmt.Sprintf("index error for %s %s: %s", kind, key, res.String()), nil)
	}
}

// osStore is the generic per-index document store.
type osStore[T any] struct {
	client    *opensearch.Client
	index     string
	kind      string
	keyOf     func(*T) string
	updatedAt func(*T) *time.Time
}

func newOSStore[T any](client *opensearch.Client, index, kind string, keyOf func(*T) string, updatedAt func(*T) *time.Time) *osStore[T] {
	return &osStore[T]{client: client, index: index, kind: kind, keyOf: keyOf, updatedAt: updatedAt}
}

type getResponse struct {
	Found  bool            `json:"found"`
	Source json.RawMessage `json:"_source"`
}

func (s *osStore[T]) get(ctx context.Context, key string) (*T, error) {
	res, err := opensearchapi.GetRequest{Index: s.index, DocumentID: key}.Do(ctx, s.client)
	if err != nil {
		return nil, api.NewTransientBackendError("failed to get "+s.kind, err)
	}
	defer res.Body.Close()

	if res.StatusCode == http.StatusNotFound {
		return nil, api.NewNotFoundError(s.kind, key)
	}
	if res.IsError() {
		return nil, mapResponseError(res, s.kind, key)
	}

	var envelope getResponse
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return nil, api.NewBackendDataError("failed to decode "+s.kind+" response", err)
	}
	if !envelope.Found {
		return nil, api.NewNotFoundError(s.kind, key)
	}

	var doc T
	if err := json.Unmarshal(envelope.Source, &doc); err != nil {
		return nil, api.NewBackendDataError("corrupt "+s.kind+" document "+key, err)
	}
	return &doc, nil
}

func (s *osStore[T]) create(ctx context.Context, doc *T) error {
	*s.updatedAt(doc) = time.Now().UTC()
	payload, err := json.Marshal(doc)
	if err != nil {
		return api.NewBackendDataError("failed to encode "+s.kind, err)
	}

	// op_type=create makes the uniqueness check server-side.
	res, err := opensearchapi.CreateRequest{
		Index:      s.index,
		DocumentID: s.keyOf(doc),
		Body:       bytes.NewReader(payload),
		Refresh:    "true",
	}.Do(ctx, s.client)
	if err != nil {
		return api.NewTransientBackendError("failed to create "+s.kind, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return mapResponseError(res, s.kind, s.keyOf(doc))
	}
	return nil
}

func (s *osStore[T]) update(ctx context.Context, doc *T) error {
	key := s.keyOf(doc)
	current, err := s.get(ctx, key)
	if err != nil {
		return err
	}

	expected := *s.updatedAt(doc)
	stored := *s.updatedAt(current)
	if !expected.IsZero() && !expected.Equal(stored) {
		return api.NewConflictError(
			fmt.Sprintf("%s %s was modified concurrently (stored updated_at %s)", s.kind, key, stored.Format(time.RFC3339Nano)), nil)
	}

	*s.updatedAt(doc) = time.Now().UTC()
	payload, err := json.Marshal(doc)
	if err != nil {
		return api.NewBackendDataError("failed to encode "+s.kind, err)
	}

	res, err := opensearchapi.IndexRequest{
		Index:      s.index,
		DocumentID: key,
		Body:       bytes.NewReader(payload),
		Refresh:    "true",
	}.Do(ctx, s.client)
	if err != nil {
		return api.NewTransientBackendError("failed to update "+s.kind, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return mapResponseError(res, s.kind, key)
	}
	return nil
}

func (s *osStore[T]) delete(ctx context.Context, key string) error {
	res, err := opensearchapi.DeleteRequest{
		Index:      s.index,
		DocumentID: key,
		Refresh:    "true",
	}.Do(ctx, s.client)
	if err != nil {
		return api.NewTransientBackendError("failed to delete "+s.kind, err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return api.NewNotFoundError(s.kind, key)
	}
	if res.IsError() {
		return mapResponseError(res, s.kind, key)
	}
	return nil
}

type searchHitsEnvelope struct {
	Hits struct {
		Hits []struct {
			ID     string          `json:"_id"`
			Score  float64         `json:"_score"`
			Source json.RawMessage `json:"_source"`
		} `json:"hits"`
	} `json:"hits"`
}

func (s *osStore[T]) searchDocs(ctx context.Context, body map[string]interface{}) ([]T, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, api.NewBackendDataError("failed to encode query", err)
	}
	res, err := opensearchapi.SearchRequest{
		Index: []string{s.index},
		Body:  bytes.NewReader(payload),
	}.Do(ctx, s.client)
	if err != nil {
		return nil, api.NewTransientBackendError("failed to search "+s.kind, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, mapResponseError(res, s.kind, "query")
	}

	var envelope searchHitsEnvelope
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return nil, api.NewBackendDataError("failed to decode search response", err)
	}

	out := make([]T, 0, len(envelope.Hits.Hits))
	for _, hit := range envelope.Hits.Hits {
		var doc T
		if err := json.Unmarshal(hit.Source, &doc); err != nil {
			return nil, api.NewBackendDataError("corrupt "+s.kind+" document "+hit.ID, err)
		}
		out = append(out, doc)
	}
	return out, nil
}

func (s *osStore[T]) listAll(ctx context.Context) ([]T, error) {
	return s.searchDocs(ctx, map[string]interface{}{
		"size":  10000,
		"query": map[string]interface{}{"match_all": map[string]interface{}{}},
	})
}

// setEnabled reads the current state, rejects no-op toggles as Conflict,
// then applies a partial update so the entity document is not rewritten.
func (s *osStore[T]) setEnabled(ctx context.Context, key string, enabled bool) error {
	current, err := s.get(ctx, key)
	if err != nil {
		return err
	}
	if stored, ok := enabledOf(any(current)); ok && stored == enabled {
		return api.NewConflictError(fmt.Sprintf("%s %s already %s", s.kind, key, enabledWord(enabled)), nil)
	}

	body, err := json.Marshal(map[string]interface{}{
		"doc": map[string]interface{}{
			"is_enabled": enabled,
			"updated_at": time.Now().UTC(),
		},
	})
	if err != nil {
		return api.NewBackendDataError("failed to encode toggle", err)
	}

	res, err := opensearchapi.UpdateRequest{
		Index:      s.index,
		DocumentID: key,
		Body:       bytes.NewReader(body),
		Refresh:    "true",
	}.Do(ctx, s.client)
	if err != nil {
		return api.NewTransientBackendError("failed to toggle "+s.kind, err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return mapResponseError(res, s.kind, key)
	}
	return nil
}

// --- typed repositories -------------------------------------------------

type osServerRepo struct{ docs *osStore[api.Server] }

func (r *osServerRepo) Get(ctx context.Context, path string) (*api.Server, error) {
	return r.docs.get(ctx, path)
}
func (r *osServerRepo) Create(ctx context.Context, server *api.Server) error {
	if server.CreatedAt.IsZero() {
		server.CreatedAt = time.Now().UTC()
	}
	return r.docs.create(ctx, server)
}
func (r *osServerRepo) Update(ctx context.Context, server *api.Server) error {
	return r.docs.update(ctx, server)
}
func (r *osServerRepo) Delete(ctx context.Context, path string) error {
	return r.docs.delete(ctx, path)
}
func (r *osServerRepo) ListAll(ctx context.Context) ([]api.Server, error) {
	return r.docs.listAll(ctx)
}
func (r *osServerRepo) SetEnabled(ctx context.Context, path string, enabled bool) error {
	return r.docs.setEnabled(ctx, path, enabled)
}

type osAgentRepo struct{ docs *osStore[api.Agent] }

func (r *osAgentRepo) Get(ctx context.Context, path string) (*api.Agent, error) {
	return r.docs.get(ctx, path)
}
func (r *osAgentRepo) Create(ctx context.Context, agent *api.Agent) error {
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	return r.docs.create(ctx, agent)
}
func (r *osAgentRepo) Update(ctx context.Context, agent *api.Agent) error {
	return r.docs.update(ctx, agent)
}
func (r *osAgentRepo) Delete(ctx context.Context, path string) error {
	return r.docs.delete(ctx, path)
}
func (r *osAgentRepo) ListAll(ctx context.Context) ([]api.Agent, error) {
	return r.docs.listAll(ctx)
}
func (r *osAgentRepo) SetEnabled(ctx context.Context, path string, enabled bool) error {
	return r.docs.setEnabled(ctx, path, enabled)
}

type osSkillRepo struct{ docs *osStore[api.Skill] }

func (r *osSkillRepo) Get(ctx context.Context, path string) (*api.Skill, error) {
	return r.docs.get(ctx, path)
}
func (r *osSkillRepo) Create(ctx context.Context, skill *api.Skill) error {
	if skill.CreatedAt.IsZero() {
		skill.CreatedAt = time.Now().UTC()
	}
	return r.docs.create(ctx, skill)
}
func (r *osSkillRepo) Update(ctx context.Context, skill *api.Skill) error {
	return r.docs.update(ctx, skill)
}
func (r *osSkillRepo) Delete(ctx context.Context, path string) error {
	return r.docs.delete(ctx, path)
}
func (r *osSkillRepo) ListAll(ctx context.Context) ([]api.Skill, error) {
	return r.docs.listAll(ctx)
}

type osVirtualRepo struct{ docs *osStore[api.VirtualServer] }

func (r *osVirtualRepo) Get(ctx context.Context, path string) (*api.VirtualServer, error) {
	return r.docs.get(ctx, path)
}
func (r *osVirtualRepo) Create(ctx context.Context, vs *api.VirtualServer) error {
	if vs.CreatedAt.IsZero() {
		vs.CreatedAt = time.Now().UTC()
	}
	return r.docs.create(ctx, vs)
}
func (r *osVirtualRepo) Update(ctx context.Context, vs *api.VirtualServer) error {
	return r.docs.update(ctx, vs)
}
func (r *osVirtualRepo) Delete(ctx context.Context, path string) error {
	return r.docs.delete(ctx, path)
}
func (r *osVirtualRepo) ListAll(ctx context.Context) ([]api.VirtualServer, error) {
	return r.docs.listAll(ctx)
}

type osScopeRepo struct{ docs *osStore[api.Scope] }

func (r *osScopeRepo) Get(ctx context.Context, id string) (*api.Scope, error) {
	return r.docs.get(ctx, id)
}
func (r *osScopeRepo) Put(ctx context.Context, scope *api.Scope) error {
	scope.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(scope)
	if err != nil {
		return api.NewBackendDataError("failed to encode scope", err)
	}
	res, err := opensearchapi.IndexRequest{
		Index:      r.docs.index,
		DocumentID: scope.ID(),
		Body:       bytes.NewReader(payload),
		Refresh:    "true",
	}.Do(ctx, r.docs.client)
	if err != nil {
		return api.NewTransientBackendError("failed to put scope", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return mapResponseError(res, "scope", scope.ID())
	}
	return nil
}
func (r *osScopeRepo) Delete(ctx context.Context, id string) error {
	return r.docs.delete(ctx, id)
}
func (r *osScopeRepo) ListAll(ctx context.Context) ([]api.Scope, error) {
	return r.docs.listAll(ctx)
}

type osPeerRepo struct{ docs *osStore[api.PeerRegistry] }

func (r *osPeerRepo) Get(ctx context.Context, peerID string) (*api.PeerRegistry, error) {
	return r.docs.get(ctx, peerID)
}
func (r *osPeerRepo) Create(ctx context.Context, peer *api.PeerRegistry) error {
	if peer.CreatedAt.IsZero() {
		peer.CreatedAt = time.Now().UTC()
	}
	return r.docs.create(ctx, peer)
}
func (r *osPeerRepo) Update(ctx context.Context, peer *api.PeerRegistry) error {
	return r.docs.update(ctx, peer)
}
func (r *osPeerRepo) Delete(ctx context.Context, peerID string) error {
	return r.docs.delete(ctx, peerID)
}
func (r *osPeerRepo) ListAll(ctx context.Context) ([]api.PeerRegistry, error) {
	return r.docs.listAll(ctx)
}

// --- scan, peer-status, federation-config stores ------------------------

type osScanRepo struct {
	client *opensearch.Client
	index  string
}

func (r *osScanRepo) Append(ctx context.Context, result *api.SecurityScanResult) error {
	result.RecomputeCounts()
	payload, err := json.Marshal(result)
	if err != nil {
		return api.NewBackendDataError("failed to encode scan result", err)
	}
	res, err := opensearchapi.IndexRequest{
		Index:      r.index,
		DocumentID: result.ID(),
		Body:       bytes.NewReader(payload),
		Refresh:    "true",
	}.Do(ctx, r.client)
	if err != nil {
		return api.NewTransientBackendError("failed to append scan result", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return mapResponseError(res, "security scan", result.ServerPath)
	}
	return nil
}

func (r *osScanRepo) query(ctx context.Context, serverPath string, size int, ascending bool) ([]api.SecurityScanResult, error) {
	order := "desc"
	if ascending {
		order = "asc"
	}
	body := map[string]interface{}{
		"size": size,
		"query": map[string]interface{}{
			"term": map[string]interface{}{"server_path": serverPath},
		},
		"sort": []interface{}{
			map[string]interface{}{"scan_timestamp": map[string]interface{}{"order": order}},
		},
	}
	store := &osStore[api.SecurityScanResult]{client: r.client, index: r.index, kind: "security scan"}
	return store.searchDocs(ctx, body)
}

func (r *osScanRepo) Latest(ctx context.Context, serverPath string) (*api.SecurityScanResult, error) {
	results, err := r.query(ctx, serverPath, 1, false)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, api.NewNotFoundError("security scan", serverPath)
	}
	return &results[0], nil
}

func (r *osScanRepo) ListForServer(ctx context.Context, serverPath string) ([]api.SecurityScanResult, error) {
	return r.query(ctx, serverPath, 1000, true)
}

func (r *osScanRepo) DeleteForServer(ctx context.Context, serverPath string) error {
	body, err := json.Marshal(map[string]interface{}{
		"query": map[string]interface{}{
			"term": map[string]interface{}{"server_path": serverPath},
		},
	})
	if err != nil {
		return api.NewBackendDataError("failed to encode delete query", err)
	}
	res, err := opensearchapi.DeleteByQueryRequest{
		Index: []string{r.index},
		Body:  bytes.NewReader(body),
	}.Do(ctx, r.client)
	if err != nil {
		return api.NewTransientBackendError("failed to delete scan results", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return mapResponseError(res, "security scan", serverPath)
	}
	return nil
}

type osPeerStatusRepo struct {
	client *opensearch.Client
	index  string
}

func (r *osPeerStatusRepo) store() *osStore[api.PeerSyncStatus] {
	return &osStore[api.PeerSyncStatus]{client: r.client, index: r.index, kind: "peer status"}
}

func (r *osPeerStatusRepo) Get(ctx context.Context, peerID string) (*api.PeerSyncStatus, error) {
	return r.store().get(ctx, peerID)
}

func (r *osPeerStatusRepo) Put(ctx context.Context, status *api.PeerSyncStatus) error {
	payload, err := json.Marshal(status)
	if err != nil {
		return api.NewBackendDataError("failed to encode peer status", err)
	}
	res, err := opensearchapi.IndexRequest{
		Index:      r.index,
		DocumentID: status.PeerID,
		Body:       bytes.NewReader(payload),
		Refresh:    "true",
	}.Do(ctx, r.client)
	if err != nil {
		return api.NewTransientBackendError("failed to put peer status", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return mapResponseError(res, "peer status", status.PeerID)
	}
	return nil
}

func (r *osPeerStatusRepo) Delete(ctx context.Context, peerID string) error {
	err := r.store().delete(ctx, peerID)
	if api.IsNotFound(err) {
		return nil
	}
	return err
}

type osFederationConfigRepo struct {
	client *opensearch.Client
	index  string
}

func (r *osFederationConfigRepo) Get(ctx context.Context) (*api.FederationSourcesConfig, error) {
	store := &osStore[api.FederationSourcesConfig]{client: r.client, index: r.index, kind: "federation config"}
	return store.get(ctx, api.FederationConfigID)
}

func (r *osFederationConfigRepo) Put(ctx context.Context, cfg *api.FederationSourcesConfig) error {
	cfg.ConfigID = api.FederationConfigID
	cfg.UpdatedAt = time.Now().UTC()
	payload, err := json.Marshal(cfg)
	if err != nil {
		return api.NewBackendDataError("failed to encode federation config", err)
	}
	res, err := opensearchapi.IndexRequest{
		Index:      r.index,
		DocumentID: api.FederationConfigID,
		Body:       bytes.NewReader(payload),
		Refresh:    "true",
	}.Do(ctx, r.client)
	if err != nil {
		return api.NewTransientBackendError("failed to put federation config", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return mapResponseError(res, "federation config", api.FederationConfigID)
	}
	return nil
}
