package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/vango-go/vai-voicebox/pkg/core/audio"
	"github.com/vango-go/vai-voicebox/pkg/core/dialogue"
	"github.com/vango-go/vai-voicebox/pkg/core/memory"
	"github.com/vango-go/vai-voicebox/pkg/core/memory/pgstore"
	"github.com/vango-go/vai-voicebox/pkg/core/memory/redisstore"
	"github.com/vango-go/vai-voicebox/pkg/core/pipeline"
	"github.com/vango-go/vai-voicebox/pkg/core/voice/stt"
	"github.com/vango-go/vai-voicebox/pkg/core/voice/tts"
	"github.com/vango-go/vai-voicebox/pkg/gateway/apierror"
	"github.com/vango-go/vai-voicebox/pkg/gateway/config"
	"github.com/vango-go/vai-voicebox/pkg/gateway/handlers"
	"github.com/vango-go/vai-voicebox/pkg/gateway/metrics"
	gatewayserver "github.com/vango-go/vai-voicebox/pkg/gateway/server"
)

// app holds everything built from config that outlives a single request.
type app struct {
	deps    gatewayserver.Deps
	closers []func()
}

func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
}

func buildApp(ctx context.Context, cfg config.Config, logger *slog.Logger) (*app, error) {
	a := &app{}
	m := metrics.New("")

	store, check, closeStore, err := openMemory(ctx, cfg)
	if err != nil {
		return nil, err
	}
	if closeStore != nil {
		a.closers = append(a.closers, closeStore)
	}
	checks := map[string]handlers.Check{}
	if check != nil {
		checks["memory"] = check
	}

	deps := gatewayserver.Deps{
		Config:  cfg,
		Logger:  logger,
		Metrics: m,
		Checks:  checks,
	}

	if cfg.RecordDir != "" {
		rec, err := audio.NewRecorder(cfg.RecordDir, audio.DeviceFormat)
		if err != nil {
			a.Close()
			return nil, err
		}
		deps.Recorder = rec
		deps.Recordings = rec
	}

	if cfg.Loopback() {
		lb, err := pipeline.LoadLoopback(cfg.LoopbackWAV, audio.DeviceFormat)
		if err != nil {
			a.Close()
			return nil, err
		}
		deps.Runner = lb
		deps.Chat = loopbackChat{}
		a.deps = deps
		return a, nil
	}

	orch, err := buildPipeline(ctx, cfg, logger, store, m)
	if err != nil {
		a.Close()
		return nil, err
	}
	deps.Runner = pipeline.NewPool(orch, cfg.PipelineWorkers)
	deps.Chat = orch
	a.deps = deps
	return a, nil
}

func openMemory(ctx context.Context, cfg config.Config) (memory.Store, handlers.Check, func(), error) {
	switch cfg.MemoryBackend {
	case config.MemoryRedis:
		s, err := redisstore.Open(ctx, cfg.RedisURL, redisstore.Options{
			KeyPrefix: cfg.RedisKeyPrefix,
			TTL:       cfg.RedisTTL,
			MaxTurns:  cfg.MemoryMaxTurns,
		})
		if err != nil {
			return nil, nil, nil, fmt.Errorf("memory backend redis: %w", err)
		}
		return s, s.Ping, func() { _ = s.Close() }, nil
	case config.MemoryPostgres:
		s, err := pgstore.Open(ctx, cfg.PostgresDSN, cfg.MemoryMaxTurns)
		if err != nil {
			return nil, nil, nil, fmt.Errorf("memory backend postgres: %w", err)
		}
		return s, s.Ping, s.Close, nil
	default:
		return memory.NewInMemory(cfg.MemoryMaxTurns), nil, nil, nil
	}
}

func buildPipeline(ctx context.Context, cfg config.Config, logger *slog.Logger, store memory.Store, m *metrics.Metrics) (*pipeline.Orchestrator, error) {
	if cfg.CartesiaAPIKey == "" {
		return nil, errors.New("VOICEBOX_CARTESIA_API_KEY must be set unless VOICEBOX_LOOPBACK_WAV is used")
	}
	if cfg.DialogueAPIKey == "" {
		return nil, errors.New("VOICEBOX_DIALOGUE_API_KEY must be set unless VOICEBOX_LOOPBACK_WAV is used")
	}

	client := newUpstreamClient(cfg.UpstreamTimeout)
	prompt := dialogue.Prompt{System: cfg.SystemPrompt, Template: cfg.PromptTemplate}
	if strings.TrimSpace(prompt.System) == "" {
		prompt.System = dialogue.DefaultSystemPrompt
	}

	var model pipeline.DialogueModel
	switch cfg.DialogueProvider {
	case config.DialogueGemini:
		temp := float32(cfg.DialogueTemperature)
		g, err := dialogue.NewGemini(ctx, cfg.DialogueAPIKey, cfg.DialogueModel, prompt, &temp)
		if err != nil {
			return nil, err
		}
		model = g
	default:
		opts := []dialogue.OpenAIOption{
			dialogue.WithBaseURL(cfg.DialogueBaseURL),
			dialogue.WithHTTPClient(client),
			dialogue.WithTemperature(cfg.DialogueTemperature),
			dialogue.WithPrompt(prompt),
		}
		if cfg.DialogueMaxTokens > 0 {
			opts = append(opts, dialogue.WithMaxTokens(cfg.DialogueMaxTokens))
		}
		model = dialogue.NewOpenAI(cfg.DialogueAPIKey, cfg.DialogueModel, opts...)
	}

	return pipeline.New(pipeline.Dependencies{
		Transcriber: stt.NewCartesia(cfg.CartesiaAPIKey, stt.Options{
			Model:    cfg.STTModel,
			Language: cfg.STTLanguage,
			Format:   audio.DeviceFormat,
			BaseURL:  cfg.CartesiaBaseURL,
		}, client),
		Dialogue: model,
		Synthesizer: tts.NewCartesia(cfg.CartesiaAPIKey, tts.Options{
			Model:      cfg.TTSModel,
			Voice:      cfg.TTSVoice,
			Language:   cfg.TTSLanguage,
			Speed:      cfg.TTSSpeed,
			SampleRate: audio.DeviceFormat.SampleRate,
			BaseURL:    cfg.CartesiaBaseURL,
		}, client),
		Memory:       store,
		Logger:       logger,
		Observer:     m,
		StageTimeout: cfg.StageTimeout,
	})
}

func newUpstreamClient(timeout time.Duration) *http.Client {
	return &http.Client{
		Timeout: timeout,
		Transport: &http.Transport{
			Proxy: http.ProxyFromEnvironment,
			DialContext: (&net.Dialer{
				Timeout: 10 * time.Second,
			}).DialContext,
			ForceAttemptHTTP2:     true,
			MaxIdleConns:          100,
			IdleConnTimeout:       90 * time.Second,
			TLSHandshakeTimeout:   10 * time.Second,
			ExpectContinueTimeout: 1 * time.Second,
		},
	}
}

// loopbackChat answers text chat while the speech pipeline is replaced by a
// fixed clip.
type loopbackChat struct{}

var errLoopbackChat = &apierror.Error{
	Type:    apierror.ErrOverloaded,
	Message: "text chat is unavailable in loopback mode",
	Code:    "loopback",
}

func (loopbackChat) Chat(context.Context, string, string) (string, memory.History, error) {
	return "", nil, errLoopbackChat
}
