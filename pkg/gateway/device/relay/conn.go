package relay

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

var (
	ErrObserverClosed = errors.New("observer connection closed")
	ErrObserverBusy   = errors.New("observer send queue full")
)

type wsWriter interface {
	SetWriteDeadline(t time.Time) error
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
}

// Conn is an observer websocket with its own writer goroutine, so
// SendSignal never blocks the forwarding session.
type Conn struct {
	ws           wsWriter
	out          chan string
	done         chan struct{}
	closeOnce    sync.Once
	writeTimeout time.Duration
	pingInterval time.Duration
}

var _ Observer = (*Conn)(nil)

// NewConn wraps ws; Run drains the queue. A zero pingInterval disables pings.
func NewConn(ws wsWriter, queue int, writeTimeout, pingInterval time.Duration) *Conn {
	if queue <= 0 {
		queue = 16
	}
	if writeTimeout <= 0 {
		writeTimeout = 5 * time.Second
	}
	return &Conn{
		ws:           ws,
		out:          make(chan string, queue),
		done:         make(chan struct{}),
		writeTimeout: writeTimeout,
		pingInterval: pingInterval,
	}
}

func (c *Conn) SendSignal(signal string) error {
	select {
	case <-c.done:
		return ErrObserverClosed
	default:
	}
	select {
	case c.out <- signal:
		return nil
	default:
		return ErrObserverBusy
	}
}

// Close stops the writer; queued signals are dropped.
func (c *Conn) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

// Done is closed once the connection stops accepting signals.
func (c *Conn) Done() <-chan struct{} { return c.done }

// Run writes queued signals until ctx ends, Close is called, or a write fails.
func (c *Conn) Run(ctx context.Context) error {
	defer c.Close()

	var tick <-chan time.Time
	if c.pingInterval > 0 {
		t := time.NewTicker(c.pingInterval)
		defer t.Stop()
		tick = t.C
	}
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-c.done:
			return nil
		case <-tick:
			if err := c.ws.WriteControl(websocket.PingMessage, []byte("ping"), time.Now().Add(c.writeTimeout)); err != nil {
				return err
			}
		case s := <-c.out:
			_ = c.ws.SetWriteDeadline(time.Now().Add(c.writeTimeout))
			if err := c.ws.WriteMessage(websocket.TextMessage, []byte(s)); err != nil {
				return err
			}
		}
	}
}
