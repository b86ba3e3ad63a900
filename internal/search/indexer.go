package search

import (
	"context"

	"mcpgateway/internal/api"
	"mcpgateway/pkg/logging"
)

// IndexServer upserts the embedding document for a server. When the
// embedding provider is unavailable the document is still indexed without a
// vector so lexical retrieval keeps working.
func (e *Engine) IndexServer(ctx context.Context, server *api.Server) error {
	doc := ServerDocument(server)
	e.attachEmbedding(ctx, doc)
	return e.repo.UpsertEmbedding(ctx, doc)
}

// IndexAgent upserts the embedding document for an agent.
func (e *Engine) IndexAgent(ctx context.Context, agent *api.Agent) error {
	doc := AgentDocument(agent)
	e.attachEmbedding(ctx, doc)
	return e.repo.UpsertEmbedding(ctx, doc)
}

// RemoveServer deletes a server's embedding document.
func (e *Engine) RemoveServer(ctx context.Context, path string) error {
	return e.repo.DeleteEmbedding(ctx, api.EntityTypeServer, path)
}

// RemoveAgent deletes an agent's embedding document.
func (e *Engine) RemoveAgent(ctx context.Context, path string) error {
	return e.repo.DeleteEmbedding(ctx, api.EntityTypeAgent, path)
}

func (e *Engine) attachEmbedding(ctx context.Context, doc *api.EmbeddingDocument) {
	if !e.embeddingsAvailable() {
		return
	}
	embedding, err := e.embedder.Embed(ctx, doc.TextForEmbedding)
	if err != nil {
		e.markUnavailable(err)
		logging.Warn("Search", "Indexing %s without embedding: %v", doc.DocID(), err)
		return
	}
	doc.Embedding = embedding
}
