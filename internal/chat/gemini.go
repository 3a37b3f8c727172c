package chat

import (
	"context"
	"fmt"

	"google.golang.org/genai"
)

// GeminiGenerator answers through the Gemini generation API.
type GeminiGenerator struct {
	models *genai.Models
	model  string
}

// NewGeminiGenerator creates a generator on an existing genai client.
func NewGeminiGenerator(client *genai.Client, model string) *GeminiGenerator {
	if model == "" {
		model = "gemini-2.0-flash"
	}
	return &GeminiGenerator{models: client.Models, model: model}
}

// Generate implements Generator.
func (g *GeminiGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	resp, err := g.models.GenerateContent(ctx, g.model, genai.Text(prompt), nil)
	if err != nil {
		return "", fmt.Errorf("gemini: %w", err)
	}
	return resp.Text(), nil
}

// Stream implements Generator, emitting text as it arrives.
func (g *GeminiGenerator) Stream(ctx context.Context, prompt string, emit func(token string) error) error {
	for resp, err := range g.models.GenerateContentStream(ctx, g.model, genai.Text(prompt), nil) {
		if err != nil {
			return fmt.Errorf("gemini stream: %w", err)
		}
		token := resp.Text()
		if token == "" {
			continue
		}
		if err := emit(token); err != nil {
			return err
		}
	}
	return nil
}
