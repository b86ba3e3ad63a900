package search

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"mcpgateway/internal/api"
	"mcpgateway/internal/config"
	"mcpgateway/internal/repository"
)

// fakeSearchRepo is an in-memory SearchRepository good enough to drive the
// engine's fusion and fallback logic.
type fakeSearchRepo struct {
	docs        map[string]*api.EmbeddingDocument
	lexCalls    int
	knnCalls    int
	upsertCalls int
}

func newFakeSearchRepo() *fakeSearchRepo {
	return &fakeSearchRepo{docs: map[string]*api.EmbeddingDocument{}}
}

func (f *fakeSearchRepo) UpsertEmbedding(ctx context.Context, doc *api.EmbeddingDocument) error {
	f.upsertCalls++
	copied := *doc
	f.docs[doc.DocID()] = &copied
	return nil
}

func (f *fakeSearchRepo) DeleteEmbedding(ctx context.Context, entityType api.EntityType, path string) error {
	delete(f.docs, string(entityType)+":"+path)
	return nil
}

func (f *fakeSearchRepo) LexicalSearch(ctx context.Context, query string, entityTypes []api.EntityType, includeDisabled bool, k int) ([]repository.ScoredDoc, error) {
	f.lexCalls++
	terms := queryTerms(query)
	var hits []repository.ScoredDoc
	for _, doc := range f.docs {
		if !includeDisabled && !doc.IsEnabled {
			continue
		}
		score := float64(termOverlap(terms, doc.Name) + termOverlap(terms, doc.TextForEmbedding))
		if score > 0 {
			hits = append(hits, repository.ScoredDoc{Doc: *doc, Score: score})
		}
	}
	return hits, nil
}

func (f *fakeSearchRepo) KNNSearch(ctx context.Context, embedding []float32, entityTypes []api.EntityType, includeDisabled bool, k int) ([]repository.ScoredDoc, error) {
	f.knnCalls++
	var hits []repository.ScoredDoc
	for _, doc := range f.docs {
		if !includeDisabled && !doc.IsEnabled {
			continue
		}
		if len(doc.Embedding) == 0 {
			continue
		}
		hits = append(hits, repository.ScoredDoc{Doc: *doc, Score: 0.5})
	}
	return hits, nil
}

type fakeEmbedder struct {
	calls int
	fail  bool
}

func (f *fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	f.calls++
	if f.fail {
		return nil, errors.New("model endpoint misconfigured")
	}
	return make([]float32, 384), nil
}

func (f *fakeEmbedder) Dimensions() int { return 384 }

func testConfig() config.SearchConfig {
	return config.SearchConfig{BM25Weight: 0.4, KNNWeight: 0.6, ModelDimensions: 384}
}

func seedDoc(repo *fakeSearchRepo, path, name string, enabled bool) {
	repo.docs["server:"+path] = &api.EmbeddingDocument{
		EntityType:       api.EntityTypeServer,
		Path:             path,
		Name:             name,
		Description:      "documentation lookup for " + name,
		IsEnabled:        enabled,
		TextForEmbedding: name + ". documentation lookup.",
		Embedding:        make([]float32, 384),
		Tools: []api.ToolDefinition{
			{Name: "search_" + name, Description: "search " + name + " docs", InputSchema: map[string]interface{}{"type": "object"}},
		},
	}
}

func TestEmptyQueryReturnsEmptyResult(t *testing.T) {
	repo := newFakeSearchRepo()
	engine := NewEngine(repo, &fakeEmbedder{}, testConfig())

	results, err := engine.Search(context.Background(), "   ", nil, 10, false)
	require.NoError(t, err)
	assert.Empty(t, results.Servers)
	assert.Empty(t, results.Agents)
	assert.Empty(t, results.Tools)
	assert.Equal(t, 0, repo.lexCalls+repo.knnCalls)
}

func TestHybridModeRunsBothSubQueries(t *testing.T) {
	repo := newFakeSearchRepo()
	seedDoc(repo, "/context7", "context7", true)
	engine := NewEngine(repo, &fakeEmbedder{}, testConfig())

	results, err := engine.Search(context.Background(), "context7", nil, 10, false)
	require.NoError(t, err)
	assert.Equal(t, ModeHybrid, results.SearchMode)
	assert.Equal(t, 1, repo.lexCalls)
	assert.Equal(t, 1, repo.knnCalls)
	require.Len(t, results.Servers, 1)
	assert.Equal(t, "/context7", results.Servers[0].Path)
	assert.LessOrEqual(t, results.Servers[0].RelevanceScore, 1.0)
	assert.Greater(t, results.Servers[0].RelevanceScore, 0.0)
}

func TestLexicalFallbackLatchesAndSkipsEmbedding(t *testing.T) {
	repo := newFakeSearchRepo()
	seedDoc(repo, "/context7", "context7", true)
	embedder := &fakeEmbedder{fail: true}
	engine := NewEngine(repo, embedder, testConfig())

	// First call attempts to embed once and degrades.
	results, err := engine.Search(context.Background(), "context7", nil, 10, false)
	require.NoError(t, err)
	assert.Equal(t, ModeLexicalOnly, results.SearchMode)
	assert.Equal(t, 1, embedder.calls)
	require.NotEmpty(t, results.Servers)
	assert.LessOrEqual(t, results.Servers[0].RelevanceScore, 1.0)

	// Second call makes no attempt to embed: the failure is cached.
	_, err = engine.Search(context.Background(), "context7", nil, 10, false)
	require.NoError(t, err)
	assert.Equal(t, 1, embedder.calls)
	assert.Equal(t, 0, repo.knnCalls)
	assert.Equal(t, ModeLexicalOnly, engine.Mode())
}

func TestNilEmbedderStartsLexicalOnly(t *testing.T) {
	repo := newFakeSearchRepo()
	seedDoc(repo, "/docs", "docs", true)
	engine := NewEngine(repo, nil, testConfig())

	assert.Equal(t, ModeLexicalOnly, engine.Mode())
	results, err := engine.Search(context.Background(), "docs", nil, 10, false)
	require.NoError(t, err)
	assert.Equal(t, ModeLexicalOnly, results.SearchMode)
}

func TestLexicalRelevanceIsCappedAtOne(t *testing.T) {
	repo := newFakeSearchRepo()
	// Name, path, description, tags and tools all match: boost exceeds the
	// normalization ceiling and must clamp to 1.
	repo.docs["server:/context7"] = &api.EmbeddingDocument{
		EntityType:       api.EntityTypeServer,
		Path:             "/context7",
		Name:             "context7",
		Description:      "context7 docs",
		Tags:             []string{"context7"},
		IsEnabled:        true,
		TextForEmbedding: "context7",
		Tools: []api.ToolDefinition{
			{Name: "context7_search", Description: "search context7"},
			{Name: "context7_fetch", Description: "fetch context7 page"},
		},
	}
	engine := NewEngine(repo, nil, testConfig())

	results, err := engine.Search(context.Background(), "context7", nil, 10, false)
	require.NoError(t, err)
	require.Len(t, results.Servers, 1)
	assert.Equal(t, 1.0, results.Servers[0].RelevanceScore)
}

func TestTiesBreakByBoostThenPath(t *testing.T) {
	repo := newFakeSearchRepo()
	// Both only match via text_for_embedding; /aaa and /bbb tie on boost 0,
	// so lexicographic path ordering decides.
	for _, path := range []string{"/bbb", "/aaa"} {
		repo.docs["server:"+path] = &api.EmbeddingDocument{
			EntityType:       api.EntityTypeServer,
			Path:             path,
			Name:             "widget",
			IsEnabled:        true,
			TextForEmbedding: "tooling",
		}
	}
	engine := NewEngine(repo, nil, testConfig())

	results, err := engine.Search(context.Background(), "tooling", nil, 10, false)
	require.NoError(t, err)
	require.Len(t, results.Servers, 2)
	assert.Equal(t, "/aaa", results.Servers[0].Path)
	assert.Equal(t, "/bbb", results.Servers[1].Path)
}

func TestMatchingToolsExtractedWithSchema(t *testing.T) {
	repo := newFakeSearchRepo()
	seedDoc(repo, "/context7", "context7", true)
	engine := NewEngine(repo, nil, testConfig())

	results, err := engine.Search(context.Background(), "context7", nil, 10, false)
	require.NoError(t, err)
	require.NotEmpty(t, results.Tools)
	assert.Equal(t, "/context7", results.Tools[0].ServerPath)
	assert.Equal(t, "search_context7", results.Tools[0].Tool.Name)
	assert.NotNil(t, results.Tools[0].Tool.InputSchema)
}

func TestPerTypeLimitDefaultsToThree(t *testing.T) {
	repo := newFakeSearchRepo()
	for _, path := range []string{"/d1", "/d2", "/d3", "/d4", "/d5"} {
		seedDoc(repo, path, "docs", true)
	}
	engine := NewEngine(repo, nil, testConfig())

	results, err := engine.Search(context.Background(), "docs", nil, 10, false)
	require.NoError(t, err)
	assert.Len(t, results.Servers, 3)
}

func TestIndexServerWithoutEmbedderStillIndexes(t *testing.T) {
	repo := newFakeSearchRepo()
	engine := NewEngine(repo, nil, testConfig())

	server := &api.Server{
		Path:        "/cloudflare-docs",
		ServerName:  "Cloudflare Docs",
		Description: "Cloudflare documentation",
		IsEnabled:   true,
	}
	require.NoError(t, engine.IndexServer(context.Background(), server))

	doc, ok := repo.docs["server:/cloudflare-docs"]
	require.True(t, ok)
	assert.Empty(t, doc.Embedding)
	assert.Contains(t, doc.TextForEmbedding, "Cloudflare Docs")
}

func TestMinMaxNormalize(t *testing.T) {
	hits := []repository.ScoredDoc{{Score: 2}, {Score: 6}, {Score: 4}}
	norm := minMaxNormalize(hits)
	assert.Equal(t, []float64{0, 1, 0.5}, norm)

	constant := []repository.ScoredDoc{{Score: 3}, {Score: 3}}
	assert.Equal(t, []float64{1, 1}, minMaxNormalize(constant))

	assert.Empty(t, minMaxNormalize(nil))
}

func TestBuildServerEmbeddingTextShape(t *testing.T) {
	server := &api.Server{
		ServerName:  "Fininfo",
		Description: "Financial market data",
		Tags:        []string{"finance", "stocks"},
		ToolList: []api.ToolDefinition{
			{Name: "get_stock_aggregates", Description: "Aggregate OHLC bars"},
			{Name: "get_ticker", Description: ""},
		},
	}
	text := BuildServerEmbeddingText(server)
	assert.Contains(t, text, "Fininfo. Financial market data.")
	assert.Contains(t, text, "Tags: finance, stocks.")
	assert.Contains(t, text, "Tools: get_stock_aggregates, get_ticker.")
	assert.Contains(t, text, "Aggregate OHLC bars")
}

func TestBuildAgentEmbeddingTextShape(t *testing.T) {
	agent := &api.Agent{
		AgentName:    "Travel Planner",
		Description:  "Plans trips",
		Capabilities: []string{"streaming"},
		Skills: []api.AgentSkill{
			{ID: "plan", Name: "plan_trip", Description: "Plan a full trip"},
		},
	}
	text := BuildAgentEmbeddingText(agent)
	assert.Contains(t, text, "Travel Planner. Plans trips.")
	assert.Contains(t, text, "Capabilities: streaming.")
	assert.Contains(t, text, "Skills: plan_trip.")
	assert.Contains(t, text, "Plan a full trip")
}
