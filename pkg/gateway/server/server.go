package server

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/vango-go/vai-voicebox/pkg/core/audio"
	"github.com/vango-go/vai-voicebox/pkg/core/pipeline"
	"github.com/vango-go/vai-voicebox/pkg/gateway/config"
	"github.com/vango-go/vai-voicebox/pkg/gateway/device/relay"
	"github.com/vango-go/vai-voicebox/pkg/gateway/device/session"
	"github.com/vango-go/vai-voicebox/pkg/gateway/device/sessions"
	"github.com/vango-go/vai-voicebox/pkg/gateway/handlers"
	"github.com/vango-go/vai-voicebox/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voicebox/pkg/gateway/metrics"
	"github.com/vango-go/vai-voicebox/pkg/gateway/mw"
)

// Deps are the collaborators the routes share. Runner and Chat are required;
// everything else gets a working default.
type Deps struct {
	Config    config.Config
	Logger    *slog.Logger
	Runner    pipeline.Runner
	Chat      handlers.ChatService
	Recorder  session.UtteranceRecorder
	Metrics   *metrics.Metrics
	Relay     *relay.Relay
	Sessions  *sessions.Tracker
	Lifecycle *lifecycle.Lifecycle
	Checks    map[string]handlers.Check
	// Recordings backs /list and /files. Nil answers both with 404.
	Recordings handlers.RecordingStore

	// BaseContext parents device turn work. Cancelling it stops turns that
	// outlived their connection.
	BaseContext context.Context
}

type Server struct {
	cfg    config.Config
	logger *slog.Logger
	mux    *http.ServeMux

	deps Deps
}

func New(deps Deps) *Server {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Metrics == nil {
		deps.Metrics = metrics.New("")
	}
	if deps.Relay == nil {
		deps.Relay = relay.New(deps.Logger, deps.Metrics)
	}
	if deps.Sessions == nil {
		deps.Sessions = sessions.NewTracker()
	}
	if deps.Lifecycle == nil {
		deps.Lifecycle = lifecycle.New()
	}

	s := &Server{
		cfg:    deps.Config,
		logger: deps.Logger,
		mux:    http.NewServeMux(),
		deps:   deps,
	}
	s.routes()
	return s
}

func (s *Server) routes() {
	d := s.deps

	s.mux.Handle("GET /healthz", handlers.HealthHandler{})
	s.mux.Handle("GET /readyz", handlers.ReadyHandler{
		Lifecycle: d.Lifecycle,
		Checks:    d.Checks,
		Sessions:  d.Sessions,
		Observer:  d.Relay,
		Loopback:  s.cfg.Loopback(),
	})
	s.mux.Handle("GET /metrics", d.Metrics.Handler())

	// /ws/led is more specific than the wildcard and wins regardless of order.
	s.mux.Handle("GET /ws/led", handlers.ObserverHandler{
		Config:    s.cfg,
		Relay:     d.Relay,
		Logger:    s.logger,
		Lifecycle: d.Lifecycle,
	})
	s.mux.Handle("GET /ws/{client_id}", handlers.DeviceHandler{
		Config:      s.cfg,
		Runner:      d.Runner,
		Relay:       d.Relay,
		Recorder:    d.Recorder,
		Metrics:     d.Metrics,
		Logger:      s.logger,
		Lifecycle:   d.Lifecycle,
		Sessions:    d.Sessions,
		BaseContext: d.BaseContext,
	})

	chat := mw.CORS(s.cfg.CORSAllowedOrigins, handlers.TextChatHandler{
		Chat:         d.Chat,
		MaxBodyBytes: s.cfg.MaxBodyBytes,
		Logger:       s.logger,
	})
	s.mux.Handle("POST /api/text_chat", chat)
	s.mux.Handle("OPTIONS /api/text_chat", chat)

	voice := mw.CORS(s.cfg.CORSAllowedOrigins, handlers.VoiceChatHandler{
		Runner:       d.Runner,
		Format:       audio.DeviceFormat,
		MaxBodyBytes: voiceBodyLimit(s.cfg),
		Logger:       s.logger,
	})
	s.mux.Handle("POST /api/voice_chat", voice)
	s.mux.Handle("OPTIONS /api/voice_chat", voice)

	s.mux.Handle("GET /list", handlers.RecordingListHandler{Store: d.Recordings, Logger: s.logger})
	s.mux.Handle("GET /files/{filename}", handlers.RecordingFileHandler{Store: d.Recordings})

	s.mux.Handle("/", handlers.NotFoundHandler{})
}

// wavHeaderSlack covers a WAV container around a maximum-size utterance.
const wavHeaderSlack = 4 << 10

// voiceBodyLimit bounds /api/voice_chat by the utterance cap, falling back to
// the JSON body limit when the cap is disabled.
func voiceBodyLimit(cfg config.Config) int64 {
	if cfg.MaxUtteranceBytes > 0 {
		return int64(cfg.MaxUtteranceBytes) + wavHeaderSlack
	}
	return cfg.MaxBodyBytes
}

func (s *Server) Handler() http.Handler {
	var h http.Handler = s.mux
	h = mw.Recover(s.logger, h)
	h = mw.AccessLog(s.logger, s.deps.Metrics, h)
	h = mw.RequestID(h)
	return h
}

// Sessions exposes the device session tracker for shutdown.
func (s *Server) Sessions() *sessions.Tracker { return s.deps.Sessions }

func (s *Server) Lifecycle() *lifecycle.Lifecycle { return s.deps.Lifecycle }
