package session

import (
	"context"
	"time"

	"github.com/gorilla/websocket"
)

var jsonPing = []byte(`{"event":"ping"}`)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	Close() error
}

// outboundFrame is one websocket message. done, when set, receives the
// write result exactly once.
type outboundFrame struct {
	text   []byte
	binary []byte
	done   chan<- error
}

func (f outboundFrame) ack(err error) {
	if f.done != nil {
		f.done <- err
	}
}

// outboundWriter is the only goroutine that writes to the connection.
// Priority frames preempt normal frames; normal frames keep their order.
type outboundWriter struct {
	ws       wsWriter
	ctx      context.Context
	cfg      Config
	priority <-chan outboundFrame
	normal   <-chan outboundFrame
}

func (w *outboundWriter) Run() error {
	if w == nil || w.ws == nil {
		return nil
	}

	pingInterval := w.cfg.PingInterval
	if pingInterval <= 0 {
		pingInterval = 20 * time.Second
	}
	writeTimeout := w.cfg.WriteTimeout
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}

	pingTicker := time.NewTicker(pingInterval)
	defer pingTicker.Stop()

	for {
		select {
		case <-w.ctx.Done():
			w.flushPriorityOnShutdown(writeTimeout)
			_ = w.ws.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeTimeout))
			_ = w.ws.Close()
			return nil
		default:
		}

		select {
		case frame := <-w.priority:
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
			continue
		default:
		}

		select {
		case <-w.ctx.Done():
			continue
		case <-pingTicker.C:
			if err := w.ping(writeTimeout); err != nil {
				return err
			}
		case frame := <-w.priority:
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		case frame := <-w.normal:
			if err := w.writeFrame(frame, writeTimeout); err != nil {
				return err
			}
		}
	}
}

func (w *outboundWriter) ping(writeTimeout time.Duration) error {
	deadline := time.Now().Add(writeTimeout)
	if w.cfg.JSONHeartbeat {
		if err := w.ws.SetWriteDeadline(deadline); err != nil {
			return err
		}
		return w.ws.WriteMessage(websocket.TextMessage, jsonPing)
	}
	return w.ws.WriteControl(websocket.PingMessage, []byte("ping"), deadline)
}

// flushPriorityOnShutdown gives queued notices (such as server_draining) a
// brief chance to reach the device before the close frame.
func (w *outboundWriter) flushPriorityOnShutdown(writeTimeout time.Duration) {
	if w.priority == nil {
		return
	}
	flushTimeout := 100 * time.Millisecond
	if writeTimeout > 0 && writeTimeout < flushTimeout {
		flushTimeout = writeTimeout
	}
	deadline := time.Now().Add(flushTimeout)
	for i := 0; i < 8 && time.Now().Before(deadline); i++ {
		select {
		case frame := <-w.priority:
			_ = w.writeFrame(frame, writeTimeout)
		default:
			return
		}
	}
}

func (w *outboundWriter) writeFrame(frame outboundFrame, writeTimeout time.Duration) error {
	err := w.write(frame, writeTimeout)
	frame.ack(err)
	return err
}

func (w *outboundWriter) write(frame outboundFrame, writeTimeout time.Duration) error {
	if err := w.ws.SetWriteDeadline(time.Now().Add(writeTimeout)); err != nil {
		return err
	}
	if frame.text != nil {
		return w.ws.WriteMessage(websocket.TextMessage, frame.text)
	}
	if frame.binary != nil {
		return w.ws.WriteMessage(websocket.BinaryMessage, frame.binary)
	}
	return nil
}
