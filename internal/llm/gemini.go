package llm

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/time/rate"
	"google.golang.org/genai"

	"github.com/kestrelhq/kestrel/internal/log"
)

// callTimeout bounds a single model API call. External calls fail closed
// rather than hang a turn.
const callTimeout = 30 * time.Second

// API is the thin seam over the provider SDK, kept minimal for testing.
type API interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// SDK adapts the official genai client to the API seam.
type SDK struct {
	client *genai.Client
}

// NewSDK creates the seam over an initialized genai client.
func NewSDK(client *genai.Client) *SDK {
	return &SDK{client: client}
}

func (s *SDK) GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	return s.client.Models.GenerateContent(ctx, model, contents, config)
}

// Gemini implements Client against the Gemini API with a proactive rate
// limiter and per-call timeout.
type Gemini struct {
	api     API
	limiter *rate.Limiter
	logger  log.Logger
}

// NewGemini creates a Gemini client. requestsPerMinute bounds the outbound
// call rate before the provider's own limiter kicks in.
func NewGemini(api API, requestsPerMinute int, logger log.Logger) *Gemini {
	if requestsPerMinute <= 0 {
		requestsPerMinute = 60
	}
	return &Gemini{
		api:     api,
		limiter: rate.NewLimiter(rate.Limit(requestsPerMinute)/60, 1),
		logger:  logger,
	}
}

// Generate sends the transcript and tool definitions to the model.
func (g *Gemini) Generate(ctx context.Context, req GenerateRequest) (*Reply, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	contents, system := toContents(req.Messages)

	config := &genai.GenerateContentConfig{
		Temperature: req.Temperature,
		TopP:        req.TopP,
	}
	if system != "" {
		config.SystemInstruction = genai.NewContentFromText(system, genai.RoleUser)
	}
	if req.MaxTokens > 0 {
		config.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		config.Tools = toTools(req.Tools)
	}

	start := time.Now()
	resp, err := g.api.GenerateContent(ctx, req.Model, contents, config)
	if err != nil {
		return nil, mapAPIError(err)
	}

	reply, err := fromResponse(resp)
	if err != nil {
		return nil, err
	}

	g.logger.Debug("model call complete",
		"model", req.Model,
		"duration", time.Since(start),
		"tool_calls", len(reply.ToolCalls),
	)
	return reply, nil
}

// Complete runs a single-prompt call without tools.
func (g *Gemini) Complete(ctx context.Context, model, prompt string, maxTokens int) (string, error) {
	if err := g.limiter.Wait(ctx); err != nil {
		return "", fmt.Errorf("waiting for rate limiter: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, callTimeout)
	defer cancel()

	config := &genai.GenerateContentConfig{}
	if maxTokens > 0 {
		config.MaxOutputTokens = int32(maxTokens)
	}

	contents := []*genai.Content{genai.NewContentFromText(prompt, genai.RoleUser)}
	resp, err := g.api.GenerateContent(ctx, model, contents, config)
	if err != nil {
		return "", mapAPIError(err)
	}

	reply, err := fromResponse(resp)
	if err != nil {
		return "", err
	}
	return reply.Text, nil
}
