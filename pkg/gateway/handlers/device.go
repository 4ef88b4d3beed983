package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voicebox/pkg/core/pipeline"
	"github.com/vango-go/vai-voicebox/pkg/gateway/apierror"
	"github.com/vango-go/vai-voicebox/pkg/gateway/config"
	"github.com/vango-go/vai-voicebox/pkg/gateway/device/session"
	"github.com/vango-go/vai-voicebox/pkg/gateway/device/sessions"
	"github.com/vango-go/vai-voicebox/pkg/gateway/lifecycle"
	"github.com/vango-go/vai-voicebox/pkg/gateway/mw"
)

const maxClientIDLen = 128

// DeviceMetrics is what the device handler records beyond per-session counters.
type DeviceMetrics interface {
	session.MetricsRecorder
	RecordSessionStart()
	RecordSessionEnd(status string, duration time.Duration)
}

// DeviceHandler serves GET /ws/{client_id}: one primary voice session per
// device connection.
type DeviceHandler struct {
	Config    config.Config
	Runner    pipeline.Runner
	Relay     session.Forwarder
	Recorder  session.UtteranceRecorder
	Metrics   DeviceMetrics
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
	Sessions  *sessions.Tracker

	// BaseContext bounds turn work past a disconnect. nil means Background.
	BaseContext context.Context
}

func (h DeviceHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Lifecycle.IsDraining() {
		draining(w, r)
		return
	}
	clientID := strings.TrimSpace(r.PathValue("client_id"))
	if clientID == "" || len(clientID) > maxClientIDLen {
		writeAPIError(w, r, http.StatusBadRequest, apierror.InvalidRequest("client_id must be 1-128 characters", "client_id"))
		return
	}

	upgrader := websocket.Upgrader{
		ReadBufferSize:  4096,
		WriteBufferSize: 4096,
		CheckOrigin:     func(*http.Request) bool { return true },
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	reqID, _ := mw.RequestIDFrom(r.Context())
	connID := "conn_" + uuid.NewString()

	baseCtx := h.BaseContext
	if baseCtx == nil {
		baseCtx = context.Background()
	}

	deps := session.Dependencies{
		Conn:       conn,
		Config:     sessionConfig(h.Config),
		Logger:     logger.With("request_id", reqID),
		Context:    baseCtx,
		ConnID:     connID,
		ClientID:   clientID,
		RemoteAddr: r.RemoteAddr,
		Runner:     h.Runner,
		Relay:      h.Relay,
		Recorder:   h.Recorder,
	}
	if h.Metrics != nil {
		deps.Metrics = h.Metrics
	}
	s, err := session.New(deps)
	if err != nil {
		logger.Error("device session setup failed", "client_id", clientID, "error", err)
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "session setup failed"), time.Now().Add(time.Second))
		_ = conn.Close()
		return
	}

	unregister, replaced := h.Sessions.Register(clientID, sessions.Handle{
		Close:  s.Close,
		Cancel: s.Cancel,
		Notify: s.Notify,
	})
	defer unregister()
	if replaced {
		logger.Info("device reconnected; previous connection closed", "client_id", clientID, "conn_id", connID)
	}

	start := time.Now()
	if h.Metrics != nil {
		h.Metrics.RecordSessionStart()
	}
	status := "closed"
	if err := s.Run(); err != nil {
		status = "error"
		logger.Warn("device session ended with error", "client_id", clientID, "conn_id", connID, "request_id", reqID, "error", err)
	}
	if h.Metrics != nil {
		h.Metrics.RecordSessionEnd(status, time.Since(start))
	}
}

func sessionConfig(cfg config.Config) session.Config {
	return session.Config{
		ChunkBytes:               cfg.ReplyChunkBytes,
		BurstChunks:              cfg.ReplyBurstChunks,
		Yield:                    cfg.ReplyYield,
		LeadDelay:                cfg.ReplyLeadDelay,
		PingInterval:             cfg.WSPingInterval,
		WriteTimeout:             cfg.WSWriteTimeout,
		ReadTimeout:              cfg.WSReadTimeout,
		JSONHeartbeat:            cfg.JSONHeartbeat,
		MaxFrameBytes:            cfg.MaxFrameBytes,
		MaxUtteranceBytes:        cfg.MaxUtteranceBytes,
		InboundAudioFPS:          cfg.InboundAudioFPS,
		InboundAudioBPS:          cfg.InboundAudioBPS,
		InboundAudioBurstSeconds: cfg.InboundBurstSeconds,
		NotifyErrors:             cfg.NotifyErrors,
		FlushOnDisconnect:        cfg.FlushOnDisconnect,
		OutboundQueue:            cfg.OutboundQueue,
	}
}
