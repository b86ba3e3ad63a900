// Package search implements the hybrid retrieval pipeline: embedding
// generation, BM25 + k-NN sub-queries, score fusion, and the lexical-only
// degradation path used when embeddings are unavailable.
package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	ollama "github.com/ollama/ollama/api"

	"mcpgateway/internal/config"
)

// Embedder produces dense vectors for free text. Implementations are safe
// for concurrent use.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}

// NewEmbedder builds the configured provider. The "none" provider returns
// nil: callers run lexical-only from the start.
func NewEmbedder(ctx context.Context, cfg config.SearchConfig) (Embedder, error) {
	switch cfg.Provider {
	case config.EmbeddingsProviderOllama:
		return newOllamaEmbedder(cfg)
	case config.EmbeddingsProviderBedrock:
		return newBedrockEmbedder(ctx, cfg)
	case config.EmbeddingsProviderNone:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown embeddings provider %q", cfg.Provider)
	}
}

// ollamaEmbedder serves the local dense model (384 dimensions by default).
type ollamaEmbedder struct {
	client     *ollama.Client
	model      string
	dimensions int
}

func newOllamaEmbedder(cfg config.SearchConfig) (*ollamaEmbedder, error) {
	var client *ollama.Client
	if cfg.OllamaHost != "" {
		base, err := url.Parse(cfg.OllamaHost)
		if err != nil {
			return nil, fmt.Errorf("invalid ollama host %q: %w", cfg.OllamaHost, err)
		}
		client = ollama.NewClient(base, http.DefaultClient)
	} else {
		var err error
		client, err = ollama.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("failed to build ollama client: %w", err)
		}
	}
	return &ollamaEmbedder{
		client:     client,
		model:      cfg.ModelName,
		dimensions: cfg.ModelDimensions,
	}, nil
}

func (e *ollamaEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.Embeddings(ctx, &ollama.EmbeddingRequest{
		Model:  e.model,
		Prompt: text,
	})
	if err != nil {
		return nil, fmt.Errorf("ollama embedding failed: %w", err)
	}
	if len(resp.Embedding) != e.dimensions {
		return nil, fmt.Errorf("ollama returned %d dimensions, expected %d", len(resp.Embedding), e.dimensions)
	}
	out := make([]float32, len(resp.Embedding))
	for i, v := range resp.Embedding {
		out[i] = float32(v)
	}
	return out, nil
}

func (e *ollamaEmbedder) Dimensions() int { return e.dimensions }

// bedrockEmbedder calls the hosted Titan embedding API (1024 dimensions).
type bedrockEmbedder struct {
	client     *bedrockruntime.Client
	model      string
	dimensions int
}

func newBedrockEmbedder(ctx context.Context, cfg config.SearchConfig) (*bedrockEmbedder, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}
	model := cfg.ModelName
	if model == "" || model == "all-minilm" {
		model = "amazon.titan-embed-text-v2:0"
	}
	return &bedrockEmbedder{
		client:     bedrockruntime.NewFromConfig(awsCfg),
		model:      model,
		dimensions: cfg.ModelDimensions,
	}, nil
}

type titanEmbedRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
}

type titanEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

func (e *bedrockEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	payload, err := json.Marshal(titanEmbedRequest{InputText: text, Dimensions: e.dimensions})
	if err != nil {
		return nil, fmt.Errorf("failed to encode titan request: %w", err)
	}

	out, err := e.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(e.model),
		ContentType: aws.String("application/json"),
		Body:        payload,
	})
	if err != nil {
		return nil, fmt.Errorf("titan embedding failed: %w", err)
	}

	var resp titanEmbedResponse
	if err := json.Unmarshal(out.Body, &resp); err != nil {
		return nil, fmt.Errorf("failed to decode titan response: %w", err)
	}
	if len(resp.Embedding) != e.dimensions {
		return nil, fmt.Errorf("titan returned %d dimensions, expected %d", len(resp.Embedding), e.dimensions)
	}
	return resp.Embedding, nil
}

func (e *bedrockEmbedder) Dimensions() int { return e.dimensions }
