package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voicebox/pkg/gateway/config"
	"github.com/vango-go/vai-voicebox/pkg/gateway/device/relay"
	"github.com/vango-go/vai-voicebox/pkg/gateway/lifecycle"
)

// ObserverHandler serves GET /ws/led. The newest observer receives the
// speaking markers relayed from device sessions; what it sends is logged.
type ObserverHandler struct {
	Config    config.Config
	Relay     *relay.Relay
	Logger    *slog.Logger
	Lifecycle *lifecycle.Lifecycle
}

func (h ObserverHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if h.Lifecycle.IsDraining() {
		draining(w, r)
		return
	}

	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	defer ws.Close()

	logger := h.Logger
	if logger == nil {
		logger = slog.Default()
	}
	logger = logger.With("remote_addr", r.RemoteAddr)

	// outlive the request context, which ends at hijack on some servers
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	oc := relay.NewConn(ws, h.Config.ObserverQueue, h.Config.WSWriteTimeout, h.Config.WSPingInterval)
	h.Relay.Register(oc)
	defer h.Relay.Unregister(oc)

	writerDone := make(chan error, 1)
	go func() { writerDone <- oc.Run(ctx) }()

	readDone := make(chan error, 1)
	go func() {
		for {
			mt, data, err := ws.ReadMessage()
			if err != nil {
				readDone <- err
				return
			}
			if mt == websocket.TextMessage {
				logger.Info("observer message", "text", string(data))
			}
		}
	}()

	select {
	case err := <-readDone:
		if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived) {
			logger.Info("observer read ended", "error", err)
		}
	case err := <-writerDone:
		if err != nil {
			logger.Info("observer write failed", "error", err)
		}
	case <-h.Lifecycle.Draining():
	}
	oc.Close()
	logger.Info("observer disconnected")
}
