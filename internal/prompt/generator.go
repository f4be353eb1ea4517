// Package prompt turns natural-language drawing requests into image tags
// with an OpenAI-compatible chat model.
package prompt

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/sashabaranov/go-openai"
	log "github.com/sirupsen/logrus"

	"nai-bot/internal/config"
)

const defaultModel = "gpt-4o-mini"

// ErrEmptyPrompt is returned when the model answers with nothing usable
var ErrEmptyPrompt = errors.New("prompt generator returned an empty prompt")

// Generator converts a description into tags
type Generator interface {
	Generate(ctx context.Context, description string, selfie bool) (string, error)
}

// OpenAIGenerator implements Generator with a chat completion call
type OpenAIGenerator struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
	template    string
}

// NewOpenAIGenerator creates a generator from [prompt_generator]
func NewOpenAIGenerator(cfg config.PromptGeneratorConfig) *OpenAIGenerator {
	apiKey := cfg.APIKey
	if apiKey == "" {
		apiKey = "not-needed"
	}

	clientCfg := openai.DefaultConfig(apiKey)
	if baseURL := strings.TrimSpace(cfg.BaseURL); baseURL != "" {
		if !strings.HasSuffix(baseURL, "/v1") && !strings.HasSuffix(baseURL, "/v1/") {
			baseURL = strings.TrimSuffix(baseURL, "/") + "/v1"
		}
		clientCfg.BaseURL = baseURL
	}

	model := cfg.ModelName
	if model == "" {
		model = defaultModel
	}

	return &OpenAIGenerator{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       model,
		temperature: float32(cfg.Temperature),
		maxTokens:   cfg.MaxTokens,
		template:    cfg.PromptTemplate,
	}
}

// Generate asks the model for tags and cleans up the answer
func (g *OpenAIGenerator) Generate(ctx context.Context, description string, selfie bool) (string, error) {
	req := openai.ChatCompletionRequest{
		Model: g.model,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleUser, Content: Render(g.template, description, selfie)},
		},
		Temperature: g.temperature,
		MaxTokens:   g.maxTokens,
	}

	log.Debugf("Generating prompt with model %s (selfie=%v)", g.model, selfie)
	resp, err := g.client.CreateChatCompletion(ctx, req)
	if err != nil {
		var apiErr *openai.APIError
		if errors.As(err, &apiErr) {
			return "", fmt.Errorf("prompt generator API error (status %d): %s", apiErr.HTTPStatusCode, apiErr.Message)
		}
		return "", fmt.Errorf("prompt generator request failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", ErrEmptyPrompt
	}

	cleaned := Cleanup(resp.Choices[0].Message.Content)
	if cleaned == "" {
		return "", ErrEmptyPrompt
	}
	log.Infof("Generated prompt: %s", cleaned)
	return cleaned, nil
}
