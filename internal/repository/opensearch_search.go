package repository

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	opensearch "github.com/opensearch-project/opensearch-go/v2"
	"github.com/opensearch-project/opensearch-go/v2/opensearchapi"

	"mcpgateway/internal/api"
)

// osSearchRepository answers the two hybrid sub-queries against the
// embeddings index: BM25 over the analyzed text fields (with nested matches
// on tools and skills) and HNSW k-NN over the embedding field.
type osSearchRepository struct {
	client     *opensearch.Client
	index      string
	dimensions int
}

func (r *osSearchRepository) UpsertEmbedding(ctx context.Context, doc *api.EmbeddingDocument) error {
	if len(doc.Embedding) != 0 && len(doc.Embedding) != r.dimensions {
		return api.NewBackendDataError(
			fmt.Sprintf("embedding dimension mismatch: got %d, namespace is fixed at %d", len(doc.Embedding), r.dimensions), nil)
	}

	doc.IndexedAt = time.Now().UTC()
	payload, err := json.Marshal(doc)
	if err != nil {
		return api.NewBackendDataError("failed to encode embedding document", err)
	}

	res, err := opensearchapi.IndexRequest{
		Index:      r.index,
		DocumentID: doc.DocID(),
		Body:       bytes.NewReader(payload),
		Refresh:    "true",
	}.Do(ctx, r.client)
	if err != nil {
		return api.NewTransientBackendError("failed to upsert embedding document", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return mapResponseError(res, "embedding document", doc.DocID())
	}
	return nil
}

func (r *osSearchRepository) DeleteEmbedding(ctx context.Context, entityType api.EntityType, path string) error {
	res, err := opensearchapi.DeleteRequest{
		Index:      r.index,
		DocumentID: string(entityType) + ":" + path,
		Refresh:    "true",
	}.Do(ctx, r.client)
	if err != nil {
		return api.NewTransientBackendError("failed to delete embedding document", err)
	}
	defer res.Body.Close()
	if res.StatusCode == http.StatusNotFound {
		return nil
	}
	if res.IsError() {
		return mapResponseError(res, "embedding document", path)
	}
	return nil
}

// filters builds the shared filter clause: entity type restriction plus the
// enabled gate unless the caller is an admin including disabled entities.
func (r *osSearchRepository) filters(entityTypes []api.EntityType, includeDisabled bool) []interface{} {
	var out []interface{}
	if len(entityTypes) > 0 {
		types := make([]string, len(entityTypes))
		for i, t := range entityTypes {
			types[i] = string(t)
		}
		out = append(out, map[string]interface{}{
			"terms": map[string]interface{}{"entity_type": types},
		})
	}
	if !includeDisabled {
		out = append(out, map[string]interface{}{
			"term": map[string]interface{}{"is_enabled": true},
		})
	}
	return out
}

func (r *osSearchRepository) runQuery(ctx context.Context, body map[string]interface{}) ([]ScoredDoc, error) {
	payload, err := json.Marshal(body)
	if err != nil {
		return nil, api.NewBackendDataError("failed to encode search query", err)
	}

	res, err := opensearchapi.SearchRequest{
		Index: []string{r.index},
		Body:  bytes.NewReader(payload),
	}.Do(ctx, r.client)
	if err != nil {
		return nil, api.NewTransientBackendError("search query failed", err)
	}
	defer res.Body.Close()
	if res.IsError() {
		return nil, mapResponseError(res, "embedding document", "query")
	}

	var envelope searchHitsEnvelope
	if err := json.NewDecoder(res.Body).Decode(&envelope); err != nil {
		return nil, api.NewBackendDataError("failed to decode search response", err)
	}

	hits := make([]ScoredDoc, 0, len(envelope.Hits.Hits))
	for _, hit := range envelope.Hits.Hits {
		var doc api.EmbeddingDocument
		if err := json.Unmarshal(hit.Source, &doc); err != nil {
			return nil, api.NewBackendDataError("corrupt embedding document "+hit.ID, err)
		}
		hits = append(hits, ScoredDoc{Doc: doc, Score: hit.Score})
	}
	return hits, nil
}

func (r *osSearchRepository) LexicalSearch(ctx context.Context, query string, entityTypes []api.EntityType, includeDisabled bool, k int) ([]ScoredDoc, error) {
	should := []interface{}{
		map[string]interface{}{
			"multi_match": map[string]interface{}{
				"query":  query,
				"fields": []string{"name^2", "description", "text_for_embedding"},
			},
		},
		map[string]interface{}{
			"nested": map[string]interface{}{
				"path": "tools",
				"query": map[string]interface{}{
					"multi_match": map[string]interface{}{
						"query":  query,
						"fields": []string{"tools.name", "tools.description"},
					},
				},
			},
		},
		map[string]interface{}{
			"nested": map[string]interface{}{
				"path": "skills",
				"query": map[string]interface{}{
					"multi_match": map[string]interface{}{
						"query":  query,
						"fields": []string{"skills.name", "skills.description"},
					},
				},
			},
		},
	}

	body := map[string]interface{}{
		"size": k,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"should":               should,
				"minimum_should_match": 1,
				"filter":               r.filters(entityTypes, includeDisabled),
			},
		},
	}
	return r.runQuery(ctx, body)
}

func (r *osSearchRepository) KNNSearch(ctx context.Context, embedding []float32, entityTypes []api.EntityType, includeDisabled bool, k int) ([]ScoredDoc, error) {
	if len(embedding) != r.dimensions {
		return nil, api.NewBackendDataError(
			fmt.Sprintf("query embedding dimension mismatch: got %d, namespace is fixed at %d", len(embedding), r.dimensions), nil)
	}

	body := map[string]interface{}{
		"size": k,
		"query": map[string]interface{}{
			"bool": map[string]interface{}{
				"must": []interface{}{
					map[string]interface{}{
						"knn": map[string]interface{}{
							"embedding": map[string]interface{}{
								"vector": embedding,
								"k":      k,
							},
						},
					},
				},
				"filter": r.filters(entityTypes, includeDisabled),
			},
		},
	}
	return r.runQuery(ctx, body)
}
