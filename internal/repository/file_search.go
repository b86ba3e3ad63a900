package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"mcpgateway/internal/api"
)

// fileSearchRepository keeps embedding documents as JSON files with an
// in-memory vector index rebuilt from disk at startup. Nearest-neighbor
// lookup is an exact cosine scan; at single-node development scale that is
// indistinguishable from an approximate index.
type fileSearchRepository struct {
	fb         *fileBackend
	dimensions int

	mu   sync.RWMutex
	docs map[string]*api.EmbeddingDocument
}

func newFileSearchRepository(fb *fileBackend, dimensions int) (*fileSearchRepository, error) {
	r := &fileSearchRepository{
		fb:         fb,
		dimensions: dimensions,
		docs:       make(map[string]*api.EmbeddingDocument),
	}
	if err := r.loadAll(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *fileSearchRepository) dir() string {
	return filepath.Join(r.fb.root, "embeddings")
}

func (r *fileSearchRepository) fileFor(entityType api.EntityType, path string) string {
	return filepath.Join(r.dir(), sanitizeFilename(string(entityType)+"_"+path)+".json")
}

func (r *fileSearchRepository) loadAll() error {
	files, err := filepath.Glob(filepath.Join(r.dir(), "*.json"))
	if err != nil {
		return api.NewTransientBackendError("failed to list embedding documents", err)
	}
	for _, f := range files {
		data, err := os.ReadFile(f)
		if err != nil {
			return api.NewTransientBackendError("failed to read embedding document", err)
		}
		var doc api.EmbeddingDocument
		if err := json.Unmarshal(data, &doc); err != nil {
			return api.NewBackendDataError("corrupt embedding document "+f, err)
		}
		r.docs[doc.DocID()] = &doc
	}
	return nil
}

func (r *fileSearchRepository) UpsertEmbedding(ctx context.Context, doc *api.EmbeddingDocument) error {
	if len(doc.Embedding) != 0 && len(doc.Embedding) != r.dimensions {
		return api.NewBackendDataError(
			fmt.Sprintf("embedding dimension mismatch: got %d, namespace is fixed at %d", len(doc.Embedding), r.dimensions), nil)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	doc.IndexedAt = time.Now().UTC()
	if err := os.MkdirAll(r.dir(), 0755); err != nil {
		return api.NewTransientBackendError("failed to create embeddings directory", err)
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return api.NewBackendDataError("failed to encode embedding document", err)
	}
	if err := writeFileAtomic(r.fileFor(doc.EntityType, doc.Path), data, 0644); err != nil {
		return api.NewTransientBackendError("failed to write embedding document", err)
	}

	copied := *doc
	r.docs[doc.DocID()] = &copied
	return nil
}

func (r *fileSearchRepository) DeleteEmbedding(ctx context.Context, entityType api.EntityType, path string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.docs, string(entityType)+":"+path)
	if err := os.Remove(r.fileFor(entityType, path)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return api.NewTransientBackendError("failed to delete embedding document", err)
	}
	return nil
}

func (r *fileSearchRepository) candidates(entityTypes []api.EntityType, includeDisabled bool) []*api.EmbeddingDocument {
	wanted := map[api.EntityType]bool{}
	for _, t := range entityTypes {
		wanted[t] = true
	}

	var out []*api.EmbeddingDocument
	for _, doc := range r.docs {
		if len(wanted) > 0 && !wanted[doc.EntityType] {
			continue
		}
		if !includeDisabled && !doc.IsEnabled {
			continue
		}
		out = append(out, doc)
	}
	return out
}

// LexicalSearch scores candidates by query-term overlap across the indexed
// text fields. The absolute scale does not matter: the engine min-max
// normalizes sub-query scores before fusion.
func (r *fileSearchRepository) LexicalSearch(ctx context.Context, query string, entityTypes []api.EntityType, includeDisabled bool, k int) ([]ScoredDoc, error) {
	terms := tokenize(query)
	if len(terms) == 0 {
		return nil, nil
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var hits []ScoredDoc
	for _, doc := range r.candidates(entityTypes, includeDisabled) {
		score := 0.0
		score += termOverlap(terms, doc.Name) * 2
		score += termOverlap(terms, doc.Description)
		score += termOverlap(terms, doc.TextForEmbedding)
		for _, tool := range doc.Tools {
			score += termOverlap(terms, tool.Name+" "+tool.Description)
		}
		for _, skill := range doc.Skills {
			score += termOverlap(terms, skill.Name+" "+skill.Description)
		}
		if score > 0 {
			hits = append(hits, ScoredDoc{Doc: *doc, Score: score})
		}
	}

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

// KNNSearch is an exact cosine-similarity scan over the in-memory index.
func (r *fileSearchRepository) KNNSearch(ctx context.Context, embedding []float32, entityTypes []api.EntityType, includeDisabled bool, k int) ([]ScoredDoc, error) {
	if len(embedding) != r.dimensions {
		return nil, api.NewBackendDataError(
			fmt.Sprintf("query embedding dimension mismatch: got %d, namespace is fixed at %d", len(embedding), r.dimensions), nil)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()

	var hits []ScoredDoc
	for _, doc := range r.candidates(entityTypes, includeDisabled) {
		if len(doc.Embedding) != r.dimensions {
			continue
		}
		sim := cosineSimilarity(embedding, doc.Embedding)
		hits = append(hits, ScoredDoc{Doc: *doc, Score: sim})
	}

	sortHits(hits)
	if len(hits) > k {
		hits = hits[:k]
	}
	return hits, nil
}

func sortHits(hits []ScoredDoc) {
	sort.Slice(hits, func(i, j int) bool {
		if hits[i].Score != hits[j].Score {
			return hits[i].Score > hits[j].Score
		}
		return hits[i].Doc.Path < hits[j].Doc.Path
	})
}

func tokenize(text string) []string {
	fields := strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !('a' <= r && r <= 'z' || '0' <= r && r <= '9')
	})
	var out []string
	for _, f := range fields {
		if len(f) > 1 {
			out = append(out, f)
		}
	}
	return out
}

func termOverlap(terms []string, text string) float64 {
	if text == "" {
		return 0
	}
	lower := strings.ToLower(text)
	count := 0.0
	for _, term := range terms {
		if strings.Contains(lower, term) {
			count++
		}
	}
	return count
}

func cosineSimilarity(a, b []float32) float64 {
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
