// Package repository provides the storage backend abstraction: one set of
// repository contracts with two interchangeable implementations, selected at
// startup (file vs distributed-index). All cross-document invariants are
// enforced at the service layer; repositories guarantee per-document
// atomicity only.
package repository

import (
	"context"
	"fmt"

	"mcpgateway/internal/api"
	"mcpgateway/internal/config"
)

// ServerRepository stores MCP server definitions keyed by path.
type ServerRepository interface {
	Get(ctx context.Context, path string) (*api.Server, error)
	Create(ctx context.Context, server *api.Server) error
	// Update replaces the document atomically. The caller passes the
	// document as read; a mismatch on the stored updated_at surfaces
	// Conflict so the caller can re-read and retry.
	Update(ctx context.Context, server *api.Server) error
	Delete(ctx context.Context, path string) error
	ListAll(ctx context.Context) ([]api.Server, error)
	// SetEnabled flips the enable state without rewriting the entity.
	SetEnabled(ctx context.Context, path string, enabled bool) error
}

// AgentRepository stores A2A agent definitions keyed by path.
type AgentRepository interface {
	Get(ctx context.Context, path string) (*api.Agent, error)
	Create(ctx context.Context, agent *api.Agent) error
	Update(ctx context.Context, agent *api.Agent) error
	Delete(ctx context.Context, path string) error
	ListAll(ctx context.Context) ([]api.Agent, error)
	SetEnabled(ctx context.Context, path string, enabled bool) error
}

// SkillRepository stores skill definitions keyed by path.
type SkillRepository interface {
	Get(ctx context.Context, path string) (*api.Skill, error)
	Create(ctx context.Context, skill *api.Skill) error
	Update(ctx context.Context, skill *api.Skill) error
	Delete(ctx context.Context, path string) error
	ListAll(ctx context.Context) ([]api.Skill, error)
}

// VirtualServerRepository stores virtual server definitions keyed by path.
type VirtualServerRepository interface {
	Get(ctx context.Context, path string) (*api.VirtualServer, error)
	Create(ctx context.Context, vs *api.VirtualServer) error
	Update(ctx context.Context, vs *api.VirtualServer) error
	Delete(ctx context.Context, path string) error
	ListAll(ctx context.Context) ([]api.VirtualServer, error)
}

// ScopeRepository stores the three scope document variants keyed by
// Scope.ID().
type ScopeRepository interface {
	Get(ctx context.Context, id string) (*api.Scope, error)
	Put(ctx context.Context, scope *api.Scope) error
	Delete(ctx context.Context, id string) error
	ListAll(ctx context.Context) ([]api.Scope, error)
}

// SecurityScanRepository appends scan results and answers latest-wins reads.
type SecurityScanRepository interface {
	Append(ctx context.Context, result *api.SecurityScanResult) error
	Latest(ctx context.Context, serverPath string) (*api.SecurityScanResult, error)
	ListForServer(ctx context.Context, serverPath string) ([]api.SecurityScanResult, error)
	DeleteForServer(ctx context.Context, serverPath string) error
}

// ScoredDoc is one raw hit from a search sub-query, before fusion.
type ScoredDoc struct {
	Doc   api.EmbeddingDocument
	Score float64
}

// SearchRepository stores embedding documents and answers the two hybrid
// sub-queries. Score normalization and fusion happen in the search engine,
// not here.
type SearchRepository interface {
	UpsertEmbedding(ctx context.Context, doc *api.EmbeddingDocument) error
	DeleteEmbedding(ctx context.Context, entityType api.EntityType, path string) error
	// LexicalSearch runs the BM25 (or file-backend term-overlap) sub-query.
	LexicalSearch(ctx context.Context, query string, entityTypes []api.EntityType, includeDisabled bool, k int) ([]ScoredDoc, error)
	// KNNSearch runs the nearest-neighbor sub-query over the embedding
	// field. A dimension mismatch against the namespace's fixed dimension
	// surfaces BackendDataError.
	KNNSearch(ctx context.Context, embedding []float32, entityTypes []api.EntityType, includeDisabled bool, k int) ([]ScoredDoc, error)
}

// PeerRepository stores peer registry definitions keyed by peer_id.
type PeerRepository interface {
	Get(ctx context.Context, peerID string) (*api.PeerRegistry, error)
	Create(ctx context.Context, peer *api.PeerRegistry) error
	Update(ctx context.Context, peer *api.PeerRegistry) error
	Delete(ctx context.Context, peerID string) error
	ListAll(ctx context.Context) ([]api.PeerRegistry, error)
}

// PeerStatusRepository stores the durable per-peer sync state.
type PeerStatusRepository interface {
	Get(ctx context.Context, peerID string) (*api.PeerSyncStatus, error)
	Put(ctx context.Context, status *api.PeerSyncStatus) error
	Delete(ctx context.Context, peerID string) error
}

// FederationConfigRepository stores the singleton external-source config.
type FederationConfigRepository interface {
	Get(ctx context.Context) (*api.FederationSourcesConfig, error)
	Put(ctx context.Context, cfg *api.FederationSourcesConfig) error
}

// Repositories bundles every contract for one namespace. The concrete set
// is homogeneous: all file or all distributed-index, never mixed.
type Repositories struct {
	Servers          ServerRepository
	Agents           AgentRepository
	Skills           SkillRepository
	VirtualServers   VirtualServerRepository
	Scopes           ScopeRepository
	SecurityScans    SecurityScanRepository
	Search           SearchRepository
	Peers            PeerRepository
	PeerStatus       PeerStatusRepository
	FederationConfig FederationConfigRepository
}

// New builds the repository set for the configured backend. The embedding
// dimension is fixed here for the namespace; changing it later requires a
// reindex.
func New(ctx context.Context, cfg *config.Config) (*Repositories, error) {
	switch cfg.Storage.Backend {
	case config.StorageBackendFile:
		return newFileRepositories(cfg.Storage.DataDir, cfg.Namespace, cfg.Search.ModelDimensions)
	case config.StorageBackendIndex:
		return newIndexRepositories(ctx, cfg)
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.Storage.Backend)
	}
}
