package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"mcpgateway/internal/api"
	"mcpgateway/pkg/logging"
)

// fileBackend is the single-node development backend: one JSON file per
// entity under dataDir/{namespace}/{kind}/, plus a {kind}_state.json sidecar
// tracking enable/disable so a toggle never rewrites the whole entity.
type fileBackend struct {
	root string
	mu   sync.RWMutex
}

func newFileBackend(dataDir, namespace string) (*fileBackend, error) {
	root := filepath.Join(dataDir, namespace)
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory %s: %w", root, err)
	}
	return &fileBackend{root: root}, nil
}

func newFileRepositories(dataDir, namespace string, dimensions int) (*Repositories, error) {
	fb, err := newFileBackend(dataDir, namespace)
	if err != nil {
		return nil, err
	}

	search, err := newFileSearchRepository(fb, dimensions)
	if err != nil {
		return nil, err
	}

	return &Repositories{
		Servers: &fileServerRepo{docs: newDocStore[api.Server](fb, "servers",
			func(s *api.Server) string { return s.Path },
			func(s *api.Server) *time.Time { return &s.UpdatedAt })},
		Agents: &fileAgentRepo{docs: newDocStore[api.Agent](fb, "agents",
			func(a *api.Agent) string { return a.Path },
			func(a *api.Agent) *time.Time { return &a.UpdatedAt })},
		Skills: &fileSkillRepo{docs: newDocStore[api.Skill](fb, "skills",
			func(s *api.Skill) string { return s.Path },
			func(s *api.Skill) *time.Time { return &s.UpdatedAt })},
		VirtualServers: &fileVirtualRepo{docs: newDocStore[api.VirtualServer](fb, "virtual-servers",
			func(v *api.VirtualServer) string { return v.Path },
			func(v *api.VirtualServer) *time.Time { return &v.UpdatedAt })},
		Scopes: &fileScopeRepo{docs: newDocStore[api.Scope](fb, "scopes",
			func(s *api.Scope) string { return s.ID() },
			func(s *api.Scope) *time.Time { return &s.UpdatedAt })},
		SecurityScans: &fileScanRepo{fb: fb},
		Search:        search,
		Peers: &filePeerRepo{docs: newDocStore[api.PeerRegistry](fb, "peers",
			func(p *api.PeerRegistry) string { return p.PeerID },
			func(p *api.PeerRegistry) *time.Time { return &p.UpdatedAt })},
		PeerStatus:       &filePeerStatusRepo{fb: fb},
		FederationConfig: &fileFederationConfigRepo{fb: fb},
	}, nil
}

// sanitizeFilename keeps entity keys safe as filenames. Paths start with
// "/" and may contain further slashes after federation prefixing.
func sanitizeFilename(name string) string {
	sanitized := strings.Trim(name, "/")
	for _, bad := range []string{"/", "\\", ":", "*", "?", "\"", "<", ">", "|", " "} {
		sanitized = strings.ReplaceAll(sanitized, bad, "_")
	}
	for strings.Contains(sanitized, "__") {
		sanitized = strings.ReplaceAll(sanitized, "__", "_")
	}
	sanitized = strings.Trim(sanitized, "_")
	if sanitized == "" {
		sanitized = "unnamed"
	}
	return sanitized
}

// writeFileAtomic writes via a temp file + rename so readers never observe
// partial documents.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, perm); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// docStore is the generic one-file-per-document store shared by the typed
// file repositories.
type docStore[T any] struct {
	fb        *fileBackend
	kind      string
	keyOf     func(*T) string
	updatedAt func(*T) *time.Time
}

func newDocStore[T any](fb *fileBackend, kind string, keyOf func(*T) string, updatedAt func(*T) *time.Time) *docStore[T] {
	return &docStore[T]{fb: fb, kind: kind, keyOf: keyOf, updatedAt: updatedAt}
}

func (s *docStore[T]) dir() string {
	return filepath.Join(s.fb.root, s.kind)
}

func (s *docStore[T]) fileFor(key string) string {
	return filepath.Join(s.dir(), sanitizeFilename(key)+".json")
}

func (s *docStore[T]) statePath() string {
	return filepath.Join(s.fb.root, s.kind+"_state.json")
}

// loadState reads the enable/disable sidecar. Caller holds the lock.
func (s *docStore[T]) loadState() (map[string]bool, error) {
	data, err := os.ReadFile(s.statePath())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]bool{}, nil
		}
		return nil, api.NewTransientBackendError("failed to read state sidecar", err)
	}
	state := map[string]bool{}
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, api.NewBackendDataError("corrupt state sidecar "+s.statePath(), err)
	}
	return state, nil
}

func (s *docStore[T]) saveState(state map[string]bool) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return api.NewBackendDataError("failed to encode state sidecar", err)
	}
	if err := writeFileAtomic(s.statePath(), data, 0644); err != nil {
		return api.NewTransientBackendError("failed to write state sidecar", err)
	}
	return nil
}

func (s *docStore[T]) get(key string) (*T, error) {
	s.fb.mu.RLock()
	defer s.fb.mu.RUnlock()
	return s.getLocked(key)
}

func (s *docStore[T]) getLocked(key string) (*T, error) {
	data, err := os.ReadFile(s.fileFor(key))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, api.NewNotFoundError(s.kind, key)
		}
		return nil, api.NewTransientBackendError("failed to read "+s.kind, err)
	}
	var doc T
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, api.NewBackendDataError("corrupt document "+s.fileFor(key), err)
	}
	return &doc, nil
}

func (s *docStore[T]) create(doc *T) error {
	s.fb.mu.Lock()
	defer s.fb.mu.Unlock()

	key := s.keyOf(doc)
	path := s.fileFor(key)
	if _, err := os.Stat(path); err == nil {
		return api.NewConflictError(fmt.Sprintf("%s %s already exists", s.kind, key), nil)
	}
	if err := os.MkdirAll(s.dir(), 0755); err != nil {
		return api.NewTransientBackendError("failed to create directory", err)
	}

	*s.updatedAt(doc) = time.Now().UTC()
	return s.writeLocked(doc)
}

// update replaces the document, comparing the caller's updated_at against
// the stored one. A mismatch means a concurrent writer won; the caller
// observes Conflict and retries with a fresh read.
func (s *docStore[T]) update(doc *T) error {
	s.fb.mu.Lock()
	defer s.fb.mu.Unlock()

	key := s.keyOf(doc)
	current, err := s.getLocked(key)
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
	return s.writeLocked(doc)
}

func (s *docStore[T]) writeLocked(doc *T) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return api.NewBackendDataError("failed to encode "+s.kind, err)
	}
	if err := os.MkdirAll(s.dir(), 0755); err != nil {
		return api.NewTransientBackendError("failed to create directory", err)
	}
	if err := writeFileAtomic(s.fileFor(s.keyOf(doc)), data, 0644); err != nil {
		return api.NewTransientBackendError("failed to write "+s.kind, err)
	}
	return nil
}

func (s *docStore[T]) delete(key string) error {
	s.fb.mu.Lock()
	defer s.fb.mu.Unlock()

	path := s.fileFor(key)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		return api.NewNotFoundError(s.kind, key)
	}
	if err := os.Remove(path); err != nil {
		return api.NewTransientBackendError("failed to delete "+s.kind, err)
	}

	state, err := s.loadState()
	if err == nil {
		if _, ok := state[key]; ok {
			delete(state, key)
			if err := s.saveState(state); err != nil {
				logging.Warn("Repository", "Failed to prune state sidecar for %s: %v", key, err)
			}
		}
	}
	return nil
}

func (s *docStore[T]) listAll() ([]T, error) {
	s.fb.mu.RLock()
	defer s.fb.mu.RUnlock()

	pattern := filepath.Join(s.dir(), "*.json")
	files, err := filepath.Glob(pattern)
	if err != nil {
		return nil, api.NewTransientBackendError("failed to list "+s.kind, err)
	}
	sort.Strings(files)

	out := make([]T, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, api.NewTransientBackendError("failed to read "+f, err)
		}
		var doc T
		if err := json.Unmarshal(data, &doc); err != nil {
			return nil, api.NewBackendDataError("corrupt document "+f, err)
		}
		out = append(out, doc)
	}
	return out, nil
}

// setEnabled flips the sidecar entry. A toggle to the state already
// recorded is a Conflict: of two concurrent togglers exactly one wins.
func (s *docStore[T]) setEnabled(key string, enabled bool) error {
	s.fb.mu.Lock()
	defer s.fb.mu.Unlock()

	if _, err := os.Stat(s.fileFor(key)); errors.Is(err, os.ErrNotExist) {
		return api.NewNotFoundError(s.kind, key)
	}

	state, err := s.loadState()
	if err != nil {
		return err
	}
	if current, ok := state[key]; ok && current == enabled {
		return api.NewConflictError(fmt.Sprintf("%s %s already %s", s.kind, key, enabledWord(enabled)), nil)
	}
	if !statePresent(state, key) {
		// First toggle for this entity: seed from the stored document so
		// an idempotent toggle still conflicts.
		doc, err := s.getLocked(key)
		if err != nil {
			return err
		}
		if stored, ok := enabledOf(doc); ok && stored == enabled {
			return api.NewConflictError(fmt.Sprintf("%s %s already %s", s.kind, key, enabledWord(enabled)), nil)
		}
	}
	state[key] = enabled
	return s.saveState(state)
}

func statePresent(state map[string]bool, key string) bool {
	_, ok := state[key]
	return ok
}

func enabledWord(enabled bool) string {
	if enabled {
		return "enabled"
	}
	return "disabled"
}

// enabledOf extracts IsEnabled from the supported entity kinds.
func enabledOf(doc interface{}) (bool, bool) {
	switch d := doc.(type) {
	case *api.Server:
		return d.IsEnabled, true
	case *api.Agent:
		return d.IsEnabled, true
	case *api.VirtualServer:
		return d.IsEnabled, true
	}
	return false, false
}

// overlayEnabled applies the sidecar state on top of the stored document.
func (s *docStore[T]) overlayEnabled(apply func(*T, bool)) func(*T) {
	return func(doc *T) {
		s.fb.mu.RLock()
		state, err := s.loadState()
		s.fb.mu.RUnlock()
		if err != nil {
			return
		}
		if enabled, ok := state[s.keyOf(doc)]; ok {
			apply(doc, enabled)
		}
	}
}

// --- typed repositories -------------------------------------------------

type fileServerRepo struct {
	docs *docStore[api.Server]
}

func (r *fileServerRepo) Get(ctx context.Context, path string) (*api.Server, error) {
	doc, err := r.docs.get(path)
	if err != nil {
		return nil, err
	}
	r.docs.overlayEnabled(func(s *api.Server, e bool) { s.IsEnabled = e })(doc)
	return doc, nil
}

func (r *fileServerRepo) Create(ctx context.Context, server *api.Server) error {
	if server.CreatedAt.IsZero() {
		server.CreatedAt = time.Now().UTC()
	}
	return r.docs.create(server)
}

func (r *fileServerRepo) Update(ctx context.Context, server *api.Server) error {
	return r.docs.update(server)
}

func (r *fileServerRepo) Delete(ctx context.Context, path string) error {
	return r.docs.delete(path)
}

func (r *fileServerRepo) ListAll(ctx context.Context) ([]api.Server, error) {
	servers, err := r.docs.listAll()
	if err != nil {
		return nil, err
	}
	overlay := r.docs.overlayEnabled(func(s *api.Server, e bool) { s.IsEnabled = e })
	for i := range servers {
		overlay(&servers[i])
	}
	return servers, nil
}

func (r *fileServerRepo) SetEnabled(ctx context.Context, path string, enabled bool) error {
	return r.docs.setEnabled(path, enabled)
}

type fileAgentRepo struct {
	docs *docStore[api.Agent]
}

func (r *fileAgentRepo) Get(ctx context.Context, path string) (*api.Agent, error) {
	doc, err := r.docs.get(path)
	if err != nil {
		return nil, err
	}
	r.docs.overlayEnabled(func(a *api.Agent, e bool) { a.IsEnabled = e })(doc)
	return doc, nil
}

func (r *fileAgentRepo) Create(ctx context.Context, agent *api.Agent) error {
	if agent.CreatedAt.IsZero() {
		agent.CreatedAt = time.Now().UTC()
	}
	return r.docs.create(agent)
}

func (r *fileAgentRepo) Update(ctx context.Context, agent *api.Agent) error {
	return r.docs.update(agent)
}

func (r *fileAgentRepo) Delete(ctx context.Context, path string) error {
	return r.docs.delete(path)
}

func (r *fileAgentRepo) ListAll(ctx context.Context) ([]api.Agent, error) {
	agents, err := r.docs.listAll()
	if err != nil {
		return nil, err
	}
	overlay := r.docs.overlayEnabled(func(a *api.Agent, e bool) { a.IsEnabled = e })
	for i := range agents {
		overlay(&agents[i])
	}
	return agents, nil
}

func (r *fileAgentRepo) SetEnabled(ctx context.Context, path string, enabled bool) error {
	return r.docs.setEnabled(path, enabled)
}

type fileSkillRepo struct {
	docs *docStore[api.Skill]
}

func (r *fileSkillRepo) Get(ctx context.Context, path string) (*api.Skill, error) {
	return r.docs.get(path)
}

func (r *fileSkillRepo) Create(ctx context.Context, skill *api.Skill) error {
	if skill.CreatedAt.IsZero() {
		skill.CreatedAt = time.Now().UTC()
	}
	return r.docs.create(skill)
}

func (r *fileSkillRepo) Update(ctx context.Context, skill *api.Skill) error {
	return r.docs.update(skill)
}

func (r *fileSkillRepo) Delete(ctx context.Context, path string) error {
	return r.docs.delete(path)
}

func (r *fileSkillRepo) ListAll(ctx context.Context) ([]api.Skill, error) {
	return r.docs.listAll()
}

type fileVirtualRepo struct {
	docs *docStore[api.VirtualServer]
}

func (r *fileVirtualRepo) Get(ctx context.Context, path string) (*api.VirtualServer, error) {
	return r.docs.get(path)
}

func (r *fileVirtualRepo) Create(ctx context.Context, vs *api.VirtualServer) error {
	if vs.CreatedAt.IsZero() {
		vs.CreatedAt = time.Now().UTC()
	}
	return r.docs.create(vs)
}

func (r *fileVirtualRepo) Update(ctx context.Context, vs *api.VirtualServer) error {
	return r.docs.update(vs)
}

func (r *fileVirtualRepo) Delete(ctx context.Context, path string) error {
	return r.docs.delete(path)
}

func (r *fileVirtualRepo) ListAll(ctx context.Context) ([]api.VirtualServer, error) {
	return r.docs.listAll()
}

type fileScopeRepo struct {
	docs *docStore[api.Scope]
}

func (r *fileScopeRepo) Get(ctx context.Context, id string) (*api.Scope, error) {
	return r.docs.get(id)
}

func (r *fileScopeRepo) Put(ctx context.Context, scope *api.Scope) error {
	r.docs.fb.mu.Lock()
	defer r.docs.fb.mu.Unlock()
	scope.UpdatedAt = time.Now().UTC()
	return r.docs.writeLocked(scope)
}

func (r *fileScopeRepo) Delete(ctx context.Context, id string) error {
	return r.docs.delete(id)
}

func (r *fileScopeRepo) ListAll(ctx context.Context) ([]api.Scope, error) {
	return r.docs.listAll()
}

type filePeerRepo struct {
	docs *docStore[api.PeerRegistry]
}

func (r *filePeerRepo) Get(ctx context.Context, peerID string) (*api.PeerRegistry, error) {
	return r.docs.get(peerID)
}

func (r *filePeerRepo) Create(ctx context.Context, peer *api.PeerRegistry) error {
	if peer.CreatedAt.IsZero() {
		peer.CreatedAt = time.Now().UTC()
	}
	return r.docs.create(peer)
}

func (r *filePeerRepo) Update(ctx context.Context, peer *api.PeerRegistry) error {
	return r.docs.update(peer)
}

func (r *filePeerRepo) Delete(ctx context.Context, peerID string) error {
	return r.docs.delete(peerID)
}

func (r *filePeerRepo) ListAll(ctx context.Context) ([]api.PeerRegistry, error) {
	return r.docs.listAll()
}

// --- scan, peer-status, federation-config stores ------------------------

// fileScanRepo appends one file per scan under scans/<server>/. Latest wins
// by scan_timestamp.
type fileScanRepo struct {
	fb *fileBackend
}

func (r *fileScanRepo) dirFor(serverPath string) string {
	return filepath.Join(r.fb.root, "scans", sanitizeFilename(serverPath))
}

func (r *fileScanRepo) Append(ctx context.Context, result *api.SecurityScanResult) error {
	r.fb.mu.Lock()
	defer r.fb.mu.Unlock()

	result.RecomputeCounts()
	dir := r.dirFor(result.ServerPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return api.NewTransientBackendError("failed to create scan directory", err)
	}
	data, err := json.MarshalIndent(result, "", "  ")
	if err != nil {
		return api.NewBackendDataError("failed to encode scan result", err)
	}
	name := sanitizeFilename(result.ScanTimestamp.UTC().Format(time.RFC3339Nano)) + ".json"
	if err := writeFileAtomic(filepath.Join(dir, name), data, 0644); err != nil {
		return api.NewTransientBackendError("failed to write scan result", err)
	}
	return nil
}

func (r *fileScanRepo) ListForServer(ctx context.Context, serverPath string) ([]api.SecurityScanResult, error) {
	r.fb.mu.RLock()
	defer r.fb.mu.RUnlock()

	files, err := filepath.Glob(filepath.Join(r.dirFor(serverPath), "*.json"))
	if err != nil {
		return nil, api.NewTransientBackendError("failed to list scan results", err)
	}
	results := make([]api.SecurityScanResult, 0, len(files))
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return nil, api.NewTransientBackendError("failed to read scan result", err)
		}
		var result api.SecurityScanResult
		if err := json.Unmarshal(data, &result); err != nil {
			return nil, api.NewBackendDataError("corrupt scan result "+f, err)
		}
		results = append(results, result)
	}
	sort.Slice(results, func(i, j int) bool {
		return results[i].ScanTimestamp.Before(results[j].ScanTimestamp)
	})
	return results, nil
}

func (r *fileScanRepo) Latest(ctx context.Context, serverPath string) (*api.SecurityScanResult, error) {
	results, err := r.ListForServer(ctx, serverPath)
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, api.NewNotFoundError("security scan", serverPath)
	}
	return &results[len(results)-1], nil
}

func (r *fileScanRepo) DeleteForServer(ctx context.Context, serverPath string) error {
	r.fb.mu.Lock()
	defer r.fb.mu.Unlock()

	if err := os.RemoveAll(r.dirFor(serverPath)); err != nil {
		return api.NewTransientBackendError("failed to delete scan results", err)
	}
	return nil
}

type filePeerStatusRepo struct {
	fb *fileBackend
}

func (r *filePeerStatusRepo) fileFor(peerID string) string {
	return filepath.Join(r.fb.root, "peer-status", sanitizeFilename(peerID)+".json")
}

func (r *filePeerStatusRepo) Get(ctx context.Context, peerID string) (*api.PeerSyncStatus, error) {
	r.fb.mu.RLock()
	defer r.fb.mu.RUnlock()

	data, err := os.ReadFile(r.fileFor(peerID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, api.NewNotFoundError("peer status", peerID)
		}
		return nil, api.NewTransientBackendError("failed to read peer status", err)
	}
	var status api.PeerSyncStatus
	if err := json.Unmarshal(data, &status); err != nil {
		return nil, api.NewBackendDataError("corrupt peer status", err)
	}
	return &status, nil
}

func (r *filePeerStatusRepo) Put(ctx context.Context, status *api.PeerSyncStatus) error {
	r.fb.mu.Lock()
	defer r.fb.mu.Unlock()

	dir := filepath.Dir(r.fileFor(status.PeerID))
	if err := os.MkdirAll(dir, 0755); err != nil {
		return api.NewTransientBackendError("failed to create peer-status directory", err)
	}
	data, err := json.MarshalIndent(status, "", "  ")
	if err != nil {
		return api.NewBackendDataError("failed to encode peer status", err)
	}
	if err := writeFileAtomic(r.fileFor(status.PeerID), data, 0644); err != nil {
		return api.NewTransientBackendError("failed to write peer status", err)
	}
	return nil
}

func (r *filePeerStatusRepo) Delete(ctx context.Context, peerID string) error {
	r.fb.mu.Lock()
	defer r.fb.mu.Unlock()

	if err := os.Remove(r.fileFor(peerID)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return api.NewTransientBackendError("failed to delete peer status", err)
	}
	return nil
}

type fileFederationConfigRepo struct {
	fb *fileBackend
}

func (r *fileFederationConfigRepo) path() string {
	return filepath.Join(r.fb.root, "federation", "config.json")
}

func (r *fileFederationConfigRepo) Get(ctx context.Context) (*api.FederationSourcesConfig, error) {
	r.fb.mu.RLock()
	defer r.fb.mu.RUnlock()

	data, err := os.ReadFile(r.path())
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, api.NewNotFoundError("federation config", api.FederationConfigID)
		}
		return nil, api.NewTransientBackendError("failed to read federation config", err)
	}
	var cfg api.FederationSourcesConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, api.NewBackendDataError("corrupt federation config", err)
	}
	return &cfg, nil
}

func (r *fileFederationConfigRepo) Put(ctx context.Context, cfg *api.FederationSourcesConfig) error {
	r.fb.mu.Lock()
	defer r.fb.mu.Unlock()

	cfg.ConfigID = api.FederationConfigID
	cfg.UpdatedAt = time.Now().UTC()
	if err := os.MkdirAll(filepath.Dir(r.path()), 0755); err != nil {
		return api.NewTransientBackendError("failed to create federation directory", err)
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return api.NewBackendDataError("failed to encode federation config", err)
	}
	if err := writeFileAtomic(r.path(), data, 0644); err != nil {
		return api.NewTransientBackendError("failed to write federation config", err)
	}
	return nil
}
