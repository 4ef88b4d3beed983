package dialogue

import (
	"context"
	"errors"
	"fmt"

	"google.golang.org/genai"

	"github.com/vango-go/vai-voicebox/pkg/core/memory"
)

// DefaultGeminiModel is used when no model is configured.
const DefaultGeminiModel = "gemini-2.5-flash"

type contentGenerator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
}

// Gemini answers through the Gemini API.
type Gemini struct {
	models      contentGenerator
	model       string
	prompt      Prompt
	temperature *float32
}

// NewGemini connects a Gemini API client.
func NewGemini(ctx context.Context, apiKey, model string, prompt Prompt, temperature *float32) (*Gemini, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  apiKey,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini client: %w", err)
	}
	return newGemini(client.Models, model, prompt, temperature), nil
}

func newGemini(models contentGenerator, model string, prompt Prompt, temperature *float32) *Gemini {
	if model == "" {
		model = DefaultGeminiModel
	}
	return &Gemini{models: models, model: model, prompt: prompt, temperature: temperature}
}

func (g *Gemini) Name() string { return "gemini" }

func (g *Gemini) Respond(ctx context.Context, history memory.History, input string) (string, error) {
	cfg := &genai.GenerateContentConfig{Temperature: g.temperature}
	var contents []*genai.Content
	for _, m := range g.prompt.Messages(history, input) {
		switch m.Role {
		case RoleSystem:
			cfg.SystemInstruction = genai.NewContentFromText(m.Content, genai.RoleUser)
		case RoleAssistant:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleModel))
		default:
			contents = append(contents, genai.NewContentFromText(m.Content, genai.RoleUser))
		}
	}

	resp, err := g.models.GenerateContent(ctx, g.model, contents, cfg)
	if err != nil {
		return "", fmt.Errorf("gemini generate: %w", err)
	}
	text := resp.Text()
	if text == "" {
		return "", errors.New("gemini: empty response")
	}
	return text, nil
}
