// Package tts synthesizes spoken replies in the device's PCM format.
package tts

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/vango-go/vai-voicebox/pkg/core/audio"
)

const (
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaVersion = "2025-04-16"
	defaultModel    = "sonic-3"
)

// DefaultVoiceID is a stock Cartesia voice; deployments should set their own.
const DefaultVoiceID = "a0e99841-438c-4a64-b679-ae501e7d6091"

// Options configures Cartesia synthesis.
type Options struct {
	Model    string
	Voice    string
	Language string
	Speed    float64
	// SampleRate of the returned PCM; the device plays 16 kHz.
	SampleRate int
	BaseURL    string
}

// Cartesia synthesizes through the /tts/bytes endpoint and returns raw
// s16le PCM ready to stream to the device.
type Cartesia struct {
	apiKey     string
	opts       Options
	httpClient *http.Client
}

func NewCartesia(apiKey string, opts Options, client *http.Client) *Cartesia {
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.Voice == "" {
		opts.Voice = DefaultVoiceID
	}
	if opts.SampleRate <= 0 {
		opts.SampleRate = audio.DeviceFormat.SampleRate
	}
	if opts.BaseURL == "" {
		opts.BaseURL = cartesiaBaseURL
	}
	if client == nil {
		client = &http.Client{}
	}
	return &Cartesia{apiKey: apiKey, opts: opts, httpClient: client}
}

func (c *Cartesia) Name() string { return "cartesia" }

type ttsRequest struct {
	ModelID          string            `json:"model_id"`
	Transcript       string            `json:"transcript"`
	Voice            voiceSpec         `json:"voice"`
	OutputFormat     outputFormat      `json:"output_format"`
	Language         string            `json:"language,omitempty"`
	GenerationConfig *generationConfig `json:"generation_config,omitempty"`
}

type voiceSpec struct {
	Mode string `json:"mode"`
	ID   string `json:"id"`
}

type outputFormat struct {
	Container  string `json:"container"`
	Encoding   string `json:"encoding"`
	SampleRate int    `json:"sample_rate"`
}

type generationConfig struct {
	Speed float64 `json:"speed,omitempty"`
}

func (c *Cartesia) Synthesize(ctx context.Context, text string) ([]byte, error) {
	reqBody := ttsRequest{
		ModelID:    c.opts.Model,
		Transcript: text,
		Voice:      voiceSpec{Mode: "id", ID: c.opts.Voice},
		OutputFormat: outputFormat{
			Container:  "raw",
			Encoding:   "pcm_s16le",
			SampleRate: c.opts.SampleRate,
		},
		Language: c.opts.Language,
	}
	if c.opts.Speed != 0 {
		reqBody.GenerationConfig = &generationConfig{Speed: c.opts.Speed}
	}
	body, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.opts.BaseURL, "/")+"/tts/bytes", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("cartesia request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNoContent {
		return []byte{}, nil
	}
	if resp.StatusCode != http.StatusOK {
		errBody, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("cartesia error %d: %s", resp.StatusCode, string(errBody))
	}

	pcm, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read audio: %w", err)
	}
	return pcm, nil
}
