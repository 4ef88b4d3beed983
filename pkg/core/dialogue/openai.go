package dialogue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vango-go/vai-voicebox/pkg/core/memory"
)

// DefaultOpenAIBaseURL is the OpenAI API endpoint. Any compatible endpoint
// (Ark, vLLM, Ollama) can be used via WithBaseURL.
const DefaultOpenAIBaseURL = "https://api.openai.com/v1"

// DefaultOpenAIModel is used when no model is configured.
const DefaultOpenAIModel = "gpt-4o-mini"

// OpenAI answers through an OpenAI-compatible chat completions API.
type OpenAI struct {
	apiKey      string
	model       string
	baseURL     string
	temperature *float64
	maxTokens   int
	prompt      Prompt
	httpClient  *http.Client
}

// OpenAIOption configures an OpenAI model.
type OpenAIOption func(*OpenAI)

// WithBaseURL sets a custom base URL.
func WithBaseURL(url string) OpenAIOption {
	return func(o *OpenAI) {
		if url != "" {
			o.baseURL = url
		}
	}
}

// WithHTTPClient sets a custom HTTP client.
func WithHTTPClient(client *http.Client) OpenAIOption {
	return func(o *OpenAI) {
		if client != nil {
			o.httpClient = client
		}
	}
}

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) OpenAIOption {
	return func(o *OpenAI) { o.temperature = &t }
}

// WithMaxTokens caps the reply length.
func WithMaxTokens(n int) OpenAIOption {
	return func(o *OpenAI) { o.maxTokens = n }
}

// WithPrompt sets the system prompt and optional template.
func WithPrompt(p Prompt) OpenAIOption {
	return func(o *OpenAI) { o.prompt = p }
}

func NewOpenAI(apiKey, model string, opts ...OpenAIOption) *OpenAI {
	if model == "" {
		model = DefaultOpenAIModel
	}
	o := &OpenAI{
		apiKey:     apiKey,
		model:      model,
		baseURL:    DefaultOpenAIBaseURL,
		prompt:     Prompt{System: DefaultSystemPrompt},
		httpClient: &http.Client{},
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

func (o *OpenAI) Name() string { return "openai" }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature *float64      `json:"temperature,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
}

type apiErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
		Code    any    `json:"code"`
	} `json:"error"`
}

func (o *OpenAI) Respond(ctx context.Context, history memory.History, input string) (string, error) {
	msgs := o.prompt.Messages(history, input)
	req := chatRequest{
		Model:       o.model,
		Messages:    make([]chatMessage, 0, len(msgs)),
		Temperature: o.temperature,
		MaxTokens:   o.maxTokens,
	}
	for _, m := range msgs {
		req.Messages = append(req.Messages, chatMessage{Role: string(m.Role), Content: m.Content})
	}

	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(o.baseURL, "/")+"/chat/completions", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if o.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+o.apiKey)
	}

	resp, err := o.httpClient.Do(httpReq)
	if err != nil {
		return "", fmt.Errorf("http request: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode >= 400 {
		var apiErr apiErrorBody
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return "", fmt.Errorf("openai error %d: %s", resp.StatusCode, apiErr.Error.Message)
		}
		return "", fmt.Errorf("openai error %d: %s", resp.StatusCode, string(respBody))
	}

	var out chatResponse
	if err := json.Unmarshal(respBody, &out); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", errors.New("openai: response has no choices")
	}
	return out.Choices[0].Message.Content, nil
}
