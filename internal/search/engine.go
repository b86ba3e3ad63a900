package search

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"mcpgateway/internal/api"
	"mcpgateway/internal/config"
	"mcpgateway/internal/repository"
	"mcpgateway/pkg/logging"
)

// Search modes reported on every response.
const (
	ModeHybrid      = "hybrid"
	ModeLexicalOnly = "lexical-only"
)

// MaxLexicalBoost is the normalization ceiling for lexical-only relevance:
// one query term matching path, name, description, tags and one tool field.
const MaxLexicalBoost = 12.5

// Per-field boost weights for the text-boost post-pass.
const (
	boostPath      = 5.0
	boostName      = 3.0
	boostDesc      = 2.0
	boostTags      = 1.5
	boostToolField = 1.0
)

const (
	defaultMaxResults   = 10
	defaultPerTypeLimit = 3
	// candidateFactor widens the sub-query fan-out so fusion has enough
	// material even when the two rankings disagree.
	candidateFactor = 3
)

// Hit is one ranked server or agent.
type Hit struct {
	EntityType     api.EntityType `json:"entity_type"`
	Path           string         `json:"path"`
	Name           string         `json:"name"`
	Description    string         `json:"description,omitempty"`
	Tags           []string       `json:"tags,omitempty"`
	IsEnabled      bool           `json:"is_enabled"`
	RelevanceScore float64        `json:"relevance_score"`
	MatchContext   string         `json:"match_context,omitempty"`

	boost float64
}

// ToolHit is one matching tool, extracted to the top level with its full
// input schema so clients can invoke it directly.
type ToolHit struct {
	ServerPath     string             `json:"server_path"`
	ServerName     string             `json:"server_name"`
	Tool           api.ToolDefinition `json:"tool"`
	RelevanceScore float64            `json:"relevance_score"`
}

// Results is the grouped search response.
type Results struct {
	Servers    []Hit     `json:"servers"`
	Agents     []Hit     `json:"agents"`
	Tools      []ToolHit `json:"tools"`
	SearchMode string    `json:"search_mode"`
}

// Engine ranks servers, agents and tools by relevance to a free-form
// query. One engine per process; the embedding-unavailable flag is
// process-wide and set-once (recovery is restart-scoped).
type Engine struct {
	repo         repository.SearchRepository
	embedder     Embedder
	bm25Weight   float64
	knnWeight    float64
	timeout      time.Duration
	perTypeLimit int

	mu          sync.Mutex
	unavailable bool
	embedErr    error
}

// NewEngine builds the engine. A nil embedder (provider "none") starts in
// lexical-only mode.
func NewEngine(repo repository.SearchRepository, embedder Embedder, cfg config.SearchConfig) *Engine {
	e := &Engine{
		repo:         repo,
		embedder:     embedder,
		bm25Weight:   cfg.BM25Weight,
		knnWeight:    cfg.KNNWeight,
		timeout:      cfg.Timeout,
		perTypeLimit: defaultPerTypeLimit,
	}
	if e.bm25Weight == 0 && e.knnWeight == 0 {
		e.bm25Weight, e.knnWeight = 0.4, 0.6
	}
	if e.timeout == 0 {
		e.timeout = 5 * time.Second
	}
	if embedder == nil {
		e.unavailable = true
	}
	return e
}

// Mode reports the current search mode.
func (e *Engine) Mode() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.unavailable {
		return ModeLexicalOnly
	}
	return ModeHybrid
}

// markUnavailable latches lexical-only mode for the rest of the process
// and caches the error so later queries never retry the provider.
func (e *Engine) markUnavailable(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.unavailable {
		e.unavailable = true
		e.embedErr = err
		logging.Warn("Search", "Embeddings unavailable, degrading to lexical-only for the rest of the process: %v", err)
	}
}

func (e *Engine) embeddingsAvailable() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return !e.unavailable
}

// Search runs the hybrid (or degraded lexical-only) retrieval pipeline.
// An empty query returns an empty grouped result, not an error.
func (e *Engine) Search(ctx context.Context, query string, entityTypes []api.EntityType, maxResults int, includeDisabled bool) (*Results, error) {
	query = strings.TrimSpace(query)
	if maxResults <= 0 {
		maxResults = defaultMaxResults
	}

	results := &Results{
		Servers:    []Hit{},
		Agents:     []Hit{},
		Tools:      []ToolHit{},
		SearchMode: e.Mode(),
	}
	if query == "" {
		return results, nil
	}

	ctx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	candidateK := maxResults * candidateFactor
	terms := queryTerms(query)

	var scored []scoredCandidate
	if e.embeddingsAvailable() {
		hybrid, err := e.hybridCandidates(ctx, query, entityTypes, includeDisabled, candidateK)
		if err != nil {
			return nil, err
		}
		if hybrid != nil {
			scored = hybrid
			results.SearchMode = ModeHybrid
		}
	}
	if scored == nil {
		lexical, err := e.lexicalCandidates(ctx, query, entityTypes, includeDisabled, candidateK)
		if err != nil {
			return nil, err
		}
		scored = lexical
		results.SearchMode = ModeLexicalOnly
	}

	// Text-boost post-pass and final ordering: score desc, then higher
	// boost, then lexicographic path.
	for i := range scored {
		scored[i].boost = computeBoost(terms, &scored[i].doc)
		if results.SearchMode == ModeLexicalOnly {
			scored[i].score = clamp01(scored[i].boost / MaxLexicalBoost)
		} else {
			scored[i].score = clamp01(scored[i].score + scored[i].boost/MaxLexicalBoost)
		}
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if scored[i].boost != scored[j].boost {
			return scored[i].boost > scored[j].boost
		}
		return scored[i].doc.Path < scored[j].doc.Path
	})

	for _, cand := range scored {
		hit := Hit{
			EntityType:     cand.doc.EntityType,
			Path:           cand.doc.Path,
			Name:           cand.doc.Name,
			Description:    cand.doc.Description,
			Tags:           cand.doc.Tags,
			IsEnabled:      cand.doc.IsEnabled,
			RelevanceScore: cand.score,
			MatchContext:   matchContext(terms, &cand.doc),
			boost:          cand.boost,
		}

		switch cand.doc.EntityType {
		case api.EntityTypeServer:
			if len(results.Servers) < e.perTypeLimit {
				results.Servers = append(results.Servers, hit)
			}
		case api.EntityTypeAgent:
			if len(results.Agents) < e.perTypeLimit {
				results.Agents = append(results.Agents, hit)
			}
		}

		for _, tool := range cand.doc.Tools {
			if len(results.Tools) >= maxResults {
				break
			}
			if termOverlap(terms, tool.Name) > 0 || termOverlap(terms, tool.Description) > 0 {
				results.Tools = append(results.Tools, ToolHit{
					ServerPath:     cand.doc.Path,
					ServerName:     cand.doc.Name,
					Tool:           tool,
					RelevanceScore: cand.score,
				})
			}
		}
	}

	return results, nil
}

type scoredCandidate struct {
	doc   api.EmbeddingDocument
	score float64
	boost float64
}

// hybridCandidates runs the two sub-queries in parallel, normalizes each
// ranking to [0,1] via min-max, and fuses with the configured weights.
// Returns nil (no error) when embedding the query fails: the caller falls
// back to lexical-only and the failure is latched.
func (e *Engine) hybridCandidates(ctx context.Context, query string, entityTypes []api.EntityType, includeDisabled bool, k int) ([]scoredCandidate, error) {
	embedding, err := e.embedder.Embed(ctx, query)
	if err != nil {
		e.markUnavailable(err)
		return nil, nil
	}

	var lexHits, knnHits []repository.ScoredDoc
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		lexHits, err = e.repo.LexicalSearch(gctx, query, entityTypes, includeDisabled, k)
		return err
	})
	g.Go(func() error {
		var err error
		knnHits, err = e.repo.KNNSearch(gctx, embedding, entityTypes, includeDisabled, k)
		return err
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	lexNorm := minMaxNormalize(lexHits)
	knnNorm := minMaxNormalize(knnHits)

	fused := map[string]*scoredCandidate{}
	for i, hit := range lexHits {
		cand := &scoredCandidate{doc: hit.Doc, score: e.bm25Weight * lexNorm[i]}
		fused[hit.Doc.DocID()] = cand
	}
	for i, hit := range knnHits {
		if cand, ok := fused[hit.Doc.DocID()]; ok {
			cand.score += e.knnWeight * knnNorm[i]
		} else {
			fused[hit.Doc.DocID()] = &scoredCandidate{doc: hit.Doc, score: e.knnWeight * knnNorm[i]}
		}
	}

	out := make([]scoredCandidate, 0, len(fused))
	for _, cand := range fused {
		out = append(out, *cand)
	}
	return out, nil
}

func (e *Engine) lexicalCandidates(ctx context.Context, query string, entityTypes []api.EntityType, includeDisabled bool, k int) ([]scoredCandidate, error) {
	hits, err := e.repo.LexicalSearch(ctx, query, entityTypes, includeDisabled, k)
	if err != nil {
		return nil, err
	}
	out := make([]scoredCandidate, 0, len(hits))
	for _, hit := range hits {
		// Raw lexical scores are discarded: lexical-only relevance comes
		// entirely from the normalized text boost.
		out = append(out, scoredCandidate{doc: hit.Doc})
	}
	return out, nil
}

// minMaxNormalize maps a ranking's scores onto [0,1]. A single-element or
// constant ranking normalizes to 1.
func minMaxNormalize(hits []repository.ScoredDoc) []float64 {
	out := make([]float64, len(hits))
	if len(hits) == 0 {
		return out
	}
	lo, hi := hits[0].Score, hits[0].Score
	for _, h := range hits {
		if h.Score < lo {
			lo = h.Score
		}
		if h.Score > hi {
			hi = h.Score
		}
	}
	for i, h := range hits {
		if hi == lo {
			out[i] = 1
		} else {
			out[i] = (h.Score - lo) / (hi - lo)
		}
	}
	return out
}

func computeBoost(terms []string, doc *api.EmbeddingDocument) float64 {
	boost := 0.0
	for _, term := range terms {
		if strings.Contains(strings.ToLower(doc.Path), term) {
			boost += boostPath
		}
		if strings.Contains(strings.ToLower(doc.Name), term) {
			boost += boostName
		}
		if strings.Contains(strings.ToLower(doc.Description), term) {
			boost += boostDesc
		}
		for _, tag := range doc.Tags {
			if strings.Contains(strings.ToLower(tag), term) {
				boost += boostTags
				break
			}
		}
		for _, tool := range doc.Tools {
			if strings.Contains(strings.ToLower(tool.Name), term) {
				boost += boostToolField
			}
			if strings.Contains(strings.ToLower(tool.Description), term) {
				boost += boostToolField
			}
		}
		for _, skill := range doc.Skills {
			if strings.Contains(strings.ToLower(skill.Name), term) {
				boost += boostToolField
			}
			if strings.Contains(strings.ToLower(skill.Description), term) {
				boost += boostToolField
			}
		}
	}
	return boost
}

// matchContext extracts a short snippet around the first term occurrence.
func matchContext(terms []string, doc *api.EmbeddingDocument) string {
	for _, source := range []string{doc.Description, doc.TextForEmbedding} {
		lower := strings.ToLower(source)
		for _, term := range terms {
			idx := strings.Index(lower, term)
			if idx < 0 {
				continue
			}
			start := idx - 40
			if start < 0 {
				start = 0
			}
			end := idx + len(term) + 40
			if end > len(source) {
				end = len(source)
			}
			snippet := strings.TrimSpace(source[start:end])
			if start > 0 {
				snippet = "..." + snippet
			}
			if end < len(source) {
				snippet += "..."
			}
			return snippet
		}
	}
	return ""
}

func queryTerms(query string) []string {
	fields := strings.FieldsFunc(strings.ToLower(query), func(r rune) bool {
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

func termOverlap(terms []string, text string) int {
	if text == "" {
		return 0
	}
	lower := strings.ToLower(text)
	count := 0
	for _, term := range terms {
		if strings.Contains(lower, term) {
			count++
		}
	}
	return count
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
