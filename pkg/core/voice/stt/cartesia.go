// Package stt transcribes device utterances.
package stt

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/vango-go/vai-voicebox/pkg/core/audio"
)

const (
	cartesiaBaseURL = "https://api.cartesia.ai"
	cartesiaVersion = "2025-04-16"
	defaultModel    = "ink-whisper"
)

// Options configures Cartesia transcription.
type Options struct {
	Model    string // default "ink-whisper"
	Language string // ISO code; empty lets the service detect
	Format   audio.Format
	BaseURL  string
}

// Cartesia transcribes through Cartesia's batch STT endpoint. Raw PCM from
// the device is wrapped in a WAV container before upload.
type Cartesia struct {
	apiKey     string
	opts       Options
	httpClient *http.Client
}

// NewCartesia creates a transcriber; a nil client uses a fresh http.Client.
func NewCartesia(apiKey string, opts Options, client *http.Client) *Cartesia {
	if opts.Model == "" {
		opts.Model = defaultModel
	}
	if opts.Format == (audio.Format{}) {
		opts.Format = audio.DeviceFormat
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

type transcriptionResponse struct {
	Text     string   `json:"text"`
	Language *string  `json:"language,omitempty"`
	Duration *float64 `json:"duration,omitempty"`
}

// Transcribe uploads one utterance of PCM and returns the recognized text.
func (c *Cartesia) Transcribe(ctx context.Context, pcm []byte) (string, error) {
	wavBytes, err := audio.EncodeWAV(pcm, c.opts.Format)
	if err != nil {
		return "", fmt.Errorf("wrap pcm: %w", err)
	}

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "utterance.wav")
	if err != nil {
		return "", fmt.Errorf("create form file: %w", err)
	}
	if _, err := fw.Write(wavBytes); err != nil {
		return "", fmt.Errorf("write audio data: %w", err)
	}
	if err := mw.WriteField("model", c.opts.Model); err != nil {
		return "", fmt.Errorf("write model field: %w", err)
	}
	if c.opts.Language != "" {
		if err := mw.WriteField("language", c.opts.Language); err != nil {
			return "", fmt.Errorf("write language field: %w", err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", fmt.Errorf("close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, strings.TrimRight(c.opts.BaseURL, "/")+"/stt", &buf)
	if err != nil {
		return "", fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Cartesia-Version", cartesiaVersion)
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("cartesia request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", fmt.Errorf("cartesia error %d: %s", resp.StatusCode, string(body))
	}

	var out transcriptionResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("parse response: %w", err)
	}
	return out.Text, nil
}
