package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/geebot-labs/geebot-core/internal/config"
	"google.golang.org/genai"
)

// GeminiGenerator implements Generator against the Gemini API. The client is
// constructed once and injected into the orchestrator.
type GeminiGenerator struct {
	client *genai.Client
	cfg    config.LLMConfig
}

func NewGeminiGenerator(ctx context.Context, cfg config.LLMConfig) (*GeminiGenerator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("create genai client: %w", err)
	}
	return &GeminiGenerator{client: client, cfg: cfg}, nil
}

func (g *GeminiGenerator) Generate(ctx context.Context, req Request) (Reply, error) {
	system := req.System
	if system == "" {
		system = SystemPrompt(g.cfg.Profile)
	}

	gcfg := &genai.GenerateContentConfig{
		Temperature:       genai.Ptr(float32(g.cfg.Temperature)),
		MaxOutputTokens:   int32(g.cfg.MaxTokens),
		SystemInstruction: &genai.Content{Parts: []*genai.Part{genai.NewPartFromText(system)}},
	}

	resp, err := g.client.Models.GenerateContent(ctx, g.cfg.Model, genai.Text(BuildPrompt(req)), gcfg)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return Reply{}, err
		}
		return Reply{}, &ServiceError{Err: err}
	}

	if resp.PromptFeedback != nil && resp.PromptFeedback.BlockReason != "" {
		return Reply{}, fmt.Errorf("%w: prompt blocked (%s)", ErrRefused, resp.PromptFeedback.BlockReason)
	}
	if len(resp.Candidates) == 0 {
		return Reply{}, &ServiceError{Err: errors.New("no candidates in response")}
	}
	switch resp.Candidates[0].FinishReason {
	case genai.FinishReasonSafety, genai.FinishReasonProhibitedContent:
		return Reply{}, fmt.Errorf("%w: %s", ErrRefused, resp.Candidates[0].FinishReason)
	}

	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return Reply{}, &ServiceError{Err: errors.New("empty completion")}
	}
	return Reply{Text: text}, nil
}
