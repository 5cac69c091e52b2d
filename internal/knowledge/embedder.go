package knowledge

import (
	"context"
	"fmt"
	"math"

	"google.golang.org/genai"
)

// Embedder converts text into a fixed-dimension, L2-normalized vector.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// EmbedAPI is the seam over the provider SDK's embedding call.
type EmbedAPI interface {
	EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error)
}

// EmbedSDK adapts the official genai client to EmbedAPI.
type EmbedSDK struct {
	client *genai.Client
}

// NewEmbedSDK creates the seam over an initialized genai client.
func NewEmbedSDK(client *genai.Client) *EmbedSDK {
	return &EmbedSDK{client: client}
}

func (s *EmbedSDK) EmbedContent(ctx context.Context, model string, contents []*genai.Content, config *genai.EmbedContentConfig) (*genai.EmbedContentResponse, error) {
	return s.client.Models.EmbedContent(ctx, model, contents, config)
}

// GeminiEmbedder produces VectorDimension-wide vectors via the Gemini
// embedding API.
type GeminiEmbedder struct {
	api   EmbedAPI
	model string
}

// NewGeminiEmbedder creates an embedder using the given model.
func NewGeminiEmbedder(api EmbedAPI, model string) *GeminiEmbedder {
	return &GeminiEmbedder{api: api, model: model}
}

// Embed generates a truncated, re-normalized embedding.
// Truncated Matryoshka embeddings lose unit length, so normalization is
// required for cosine distance to stay meaningful.
func (e *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	dims := int32(VectorDimension)
	resp, err := e.api.EmbedContent(ctx, e.model,
		[]*genai.Content{genai.NewContentFromText(text, genai.RoleUser)},
		&genai.EmbedContentConfig{OutputDimensionality: &dims},
	)
	if err != nil {
		return nil, fmt.Errorf("generating embedding: %w", err)
	}

	if len(resp.Embeddings) == 0 || len(resp.Embeddings[0].Values) == 0 {
		return nil, fmt.Errorf("empty embedding returned")
	}

	values := resp.Embeddings[0].Values
	if len(values) != VectorDimension {
		return nil, fmt.Errorf("embedding has %d dimensions, want %d", len(values), VectorDimension)
	}

	return Normalize(values), nil
}

// Normalize returns the L2-normalized copy of a vector. A zero vector is
// returned unchanged.
func Normalize(v []float32) []float32 {
	var sum float64
	for _, x := range v {
		sum += float64(x) * float64(x)
	}
	if sum == 0 {
		return v
	}

	norm := float32(math.Sqrt(sum))
	out := make([]float32, len(v))
	for i, x := range v {
		out[i] = x / norm
	}
	return out
}
