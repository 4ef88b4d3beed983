// Package session runs one voice device connection.
//
// A single goroutine owns the connection's Machine and applies reader
// frames and turn completions in order. Turns run on a worker goroutine and
// report back over a channel; one outbound writer goroutine owns all writes.
package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/vango-go/vai-voicebox/pkg/core/pipeline"
	"github.com/vango-go/vai-voicebox/pkg/gateway/device/protocol"
)

var (
	errBackpressure  = errors.New("outbound queue full")
	errSessionClosed = errors.New("session closed")
)

// Config tunes one session. Zero values fall back to package defaults.
type Config struct {
	ChunkBytes  int
	BurstChunks int
	Yield       time.Duration
	LeadDelay   time.Duration

	PingInterval  time.Duration
	WriteTimeout  time.Duration
	ReadTimeout   time.Duration
	JSONHeartbeat bool

	MaxFrameBytes     int64
	MaxUtteranceBytes int

	InboundAudioFPS          int
	InboundAudioBPS          int64
	InboundAudioBurstSeconds int

	NotifyErrors      bool
	FlushOnDisconnect bool

	OutboundQueue int
}

// Conn is the subset of *websocket.Conn a session needs.
type Conn interface {
	wsWriter
	ReadMessage() (messageType int, p []byte, err error)
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// Forwarder relays speaking markers to the status observer.
type Forwarder interface {
	Forward(signal string) string
}

// UtteranceRecorder persists submitted audio for inspection.
type UtteranceRecorder interface {
	Save(clientID string, turn int, pcm []byte) (string, error)
}

// MetricsRecorder receives session-level counters.
type MetricsRecorder interface {
	RecordTurn(outcome string)
	RecordAudioBytes(direction string, n int)
	RecordProtocolError(code string)
}

// Dependencies wires a Session. Conn, Runner and ClientID are required.
type Dependencies struct {
	Conn   Conn
	Config Config
	Logger *slog.Logger
	// Context bounds turn work. Turns outlive a disconnect so memory is
	// still written, but stop when this context or Cancel ends them.
	Context context.Context

	ConnID     string
	ClientID   string
	RemoteAddr string

	Runner   pipeline.Runner
	Relay    Forwarder
	Recorder UtteranceRecorder
	Metrics  MetricsRecorder

	now func() time.Time
}

// Session serves one device connection: it reads frames, drives the
// Machine, and streams replies back.
type Session struct {
	conn    Conn
	cfg     Config
	logger  *slog.Logger
	connID  string
	client  string
	runner  pipeline.Runner
	relay   Forwarder
	rec     UtteranceRecorder
	metrics MetricsRecorder
	sender  StreamSender
	limiter *inboundAudioLimiter

	// ctx ends with the connection or Close; turnCtx ends only on Cancel.
	ctx        context.Context
	cancel     context.CancelFunc
	turnCtx    context.Context
	turnCancel context.CancelFunc

	outboundPriority chan outboundFrame
	outboundNormal   chan outboundFrame
	writerDone       chan struct{}
	turnCh           chan turnOutcome

	machine Machine
	wg      sync.WaitGroup
}

type inboundFrame struct {
	messageType int
	data        []byte
	err         error
}

type turnOutcome struct {
	turn         int
	err          error
	transportErr error
}

// New validates deps and returns a session ready to Run.
func New(deps Dependencies) (*Session, error) {
	if deps.Conn == nil {
		return nil, errors.New("session: conn is required")
	}
	if deps.Runner == nil {
		return nil, errors.New("session: runner is required")
	}
	if deps.ClientID == "" {
		return nil, errors.New("session: client id is required")
	}
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.Context == nil {
		deps.Context = context.Background()
	}
	if deps.ConnID == "" {
		deps.ConnID = "conn_" + uuid.NewString()
	}
	cfg := deps.Config
	if cfg.OutboundQueue <= 0 {
		cfg.OutboundQueue = 64
	}

	turnCtx, turnCancel := context.WithCancel(deps.Context)
	ctx, cancel := context.WithCancel(turnCtx)

	s := &Session{
		conn:    deps.Conn,
		cfg:     cfg,
		connID:  deps.ConnID,
		client:  deps.ClientID,
		runner:  deps.Runner,
		relay:   deps.Relay,
		rec:     deps.Recorder,
		metrics: deps.Metrics,
		logger: deps.Logger.With(
			"conn_id", deps.ConnID,
			"client_id", deps.ClientID,
			"remote_addr", deps.RemoteAddr,
		),
		sender: StreamSender{
			ChunkBytes:  cfg.ChunkBytes,
			BurstChunks: cfg.BurstChunks,
			Yield:       cfg.Yield,
			LeadDelay:   cfg.LeadDelay,
		},
		limiter:          newInboundAudioLimiter(deps.now, cfg.InboundAudioFPS, cfg.InboundAudioBPS, cfg.InboundAudioBurstSeconds),
		ctx:              ctx,
		cancel:           cancel,
		turnCtx:          turnCtx,
		turnCancel:       turnCancel,
		outboundPriority: make(chan outboundFrame, 8),
		outboundNormal:   make(chan outboundFrame, cfg.OutboundQueue),
		writerDone:       make(chan struct{}),
		turnCh:           make(chan turnOutcome, 1),
		machine:          NewMachine(cfg.MaxUtteranceBytes),
	}
	return s, nil
}

// ID is the conversation key; it is the device's client id.
func (s *Session) ID() string { return s.client }

// Close ends the connection. An in-flight turn keeps running so its
// exchange is still written to memory; Run returns once it finishes.
func (s *Session) Close() {
	s.cancel()
}

// Cancel ends the connection and any in-flight turn.
func (s *Session) Cancel() {
	s.turnCancel()
}

// Notify queues a server event ahead of reply audio without blocking.
func (s *Session) Notify(event string) error {
	payload, err := protocol.Encode(protocol.ServerEvent{Event: event})
	if err != nil {
		return err
	}
	return s.enqueuePriority(outboundFrame{text: payload})
}

// Run services the connection until it closes. It returns after any
// in-flight turn has finished.
func (s *Session) Run() error {
	defer s.turnCancel()

	if s.cfg.MaxFrameBytes > 0 {
		s.conn.SetReadLimit(s.cfg.MaxFrameBytes)
	}
	if s.cfg.ReadTimeout > 0 {
		_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		s.conn.SetPongHandler(func(string) error {
			return s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		})
	}

	readCh := make(chan inboundFrame, 32)
	go s.readLoop(readCh)

	writerErrCh := make(chan error, 1)
	go func() {
		defer close(s.writerDone)
		w := &outboundWriter{
			ws:       s.conn,
			ctx:      s.ctx,
			cfg:      s.cfg,
			priority: s.outboundPriority,
			normal:   s.outboundNormal,
		}
		writerErrCh <- w.Run()
	}()

	s.logger.Info("device session started")

	for {
		select {
		case <-s.ctx.Done():
			return s.teardown(nil)
		case err := <-writerErrCh:
			return s.teardown(err)
		case frame := <-readCh:
			if frame.err != nil {
				if isNormalClose(frame.err) {
					return s.teardown(nil)
				}
				return s.teardown(frame.err)
			}
			s.handleFrame(frame)
		case out := <-s.turnCh:
			if out.transportErr != nil {
				return s.teardown(out.transportErr)
			}
			s.apply(Event{Kind: EventTurnDone})
		}
	}
}

func (s *Session) handleFrame(frame inboundFrame) {
	switch frame.messageType {
	case websocket.BinaryMessage:
		s.record("in", len(frame.data))
		if !s.limiter.Allow(len(frame.data)) {
			s.protocolError("rate_limited", "inbound audio over budget; frame dropped", "bytes", len(frame.data))
			return
		}
		s.apply(Event{Kind: EventAudio, Audio: frame.data})
	case websocket.TextMessage:
		msg, err := protocol.DecodeText(frame.data)
		if err != nil {
			code := "bad_request"
			var de *protocol.DecodeError
			if errors.As(err, &de) {
				code = de.Code
			}
			s.protocolError(code, "invalid control frame ignored", "error", err)
			return
		}
		switch m := msg.(type) {
		case protocol.Marker:
			if s.relay != nil {
				result := s.relay.Forward(string(m))
				s.logger.Debug("speaking marker relayed", "marker", string(m), "result", result)
			}
		case protocol.Control:
			s.handleControl(m)
		}
	}
}

func (s *Session) handleControl(c protocol.Control) {
	if c.Informational() {
		s.logger.Info("device event", "event", c.Event)
		return
	}
	switch c.Event {
	case protocol.EventWakeWordDetected:
		s.apply(Event{Kind: EventWakeWord})
	case protocol.EventRecordingStarted:
		s.apply(Event{Kind: EventRecordingStarted})
	case protocol.EventRecordingEnded:
		s.apply(Event{Kind: EventRecordingEnded})
	case protocol.EventRecordingCancelled:
		s.apply(Event{Kind: EventRecordingCancelled})
	}
}

func (s *Session) apply(ev Event) {
	prev := s.machine.State()
	var effects []Effect
	s.machine, effects = s.machine.Apply(ev)
	if next := s.machine.State(); next != prev {
		s.logger.Debug("session state", "from", prev.String(), "to", next.String(), "event", ev.Kind.String())
	}

	for _, eff := range effects {
		switch eff.Kind {
		case EffectWakeWord:
			if eff.Reason != "" {
				s.logger.Debug("wake word detected", "reason", eff.Reason)
			} else {
				s.logger.Info("wake word detected")
			}
		case EffectStartTurn:
			s.startTurn(eff.Turn, eff.Audio)
		case EffectQueued:
			s.logger.Info("utterance queued behind in-flight turn", "turn", eff.Turn)
		case EffectNothingToProcess:
			s.logger.Info("recording ended with no audio; nothing to process")
			s.recordTurn("empty")
		case EffectDiscarded:
			s.logger.Info("recording discarded", "reason", eff.Reason, "bytes", len(eff.Audio))
		case EffectOverflow:
			s.logger.Warn("utterance too long; dropping further audio", "max_bytes", s.cfg.MaxUtteranceBytes)
		case EffectIgnored:
			if ev.Kind == EventAudio {
				s.logger.Debug("audio frame ignored", "reason", eff.Reason, "bytes", len(ev.Audio))
			} else {
				s.protocolError("out_of_order", "control event ignored", "reason", eff.Reason)
			}
		case EffectClosed:
			s.closeRecording(eff.Audio)
		}
	}
}

func (s *Session) startTurn(turn int, audio []byte) {
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		out := s.runTurn(turn, audio)
		select {
		case s.turnCh <- out:
		case <-s.ctx.Done():
		}
	}()
}

func (s *Session) runTurn(turn int, audio []byte) turnOutcome {
	log := s.logger.With("turn", turn, "turn_id", uuid.NewString())
	log.Info("turn started", "audio_bytes", len(audio))
	s.saveUtterance(log, turn, audio)

	start := time.Now()
	res, err := s.runner.Run(s.turnCtx, s.client, audio)
	if err != nil {
		stage := pipeline.StageOf(err)
		log.Warn("turn aborted", "stage", string(stage), "error", err, "duration_ms", time.Since(start).Milliseconds())
		s.recordTurn("failed_" + string(stage))
		if s.cfg.NotifyErrors && s.ctx.Err() == nil {
			if nerr := s.sendEvent(protocol.ErrorEvent(string(stage), deviceMessage(err))); nerr != nil {
				return turnOutcome{turn: turn, err: err, transportErr: nerr}
			}
		}
		return turnOutcome{turn: turn, err: err}
	}

	if s.ctx.Err() != nil {
		log.Info("device disconnected before reply; stream skipped", "reply_chars", len(res.ReplyText))
		s.recordTurn("disconnected")
		return turnOutcome{turn: turn}
	}

	stats, err := s.sender.Send(s.ctx, s, res.ReplyAudio)
	s.record("out", stats.Bytes)
	if err != nil {
		log.Warn("reply stream aborted", "chunks_sent", stats.Chunks, "error", err)
		s.recordTurn("stream_aborted")
		return turnOutcome{turn: turn, transportErr: err}
	}
	if !stats.EndMarker {
		log.Debug("response_finished marker not delivered")
	}
	log.Info("turn complete",
		"transcript", res.Transcript,
		"reply_chars", len(res.ReplyText),
		"chunks", stats.Chunks,
		"duration_ms", time.Since(start).Milliseconds(),
	)
	s.recordTurn("ok")
	return turnOutcome{turn: turn}
}

// closeRecording handles audio still buffered when the device disconnects.
func (s *Session) closeRecording(audio []byte) {
	if len(audio) == 0 {
		return
	}
	if !s.cfg.FlushOnDisconnect {
		s.logger.Info("disconnected mid-recording; buffered audio discarded", "bytes", len(audio))
		return
	}
	s.logger.Info("disconnected mid-recording; processing buffered audio for memory", "bytes", len(audio))
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if _, err := s.runner.Run(s.turnCtx, s.client, audio); err != nil {
			s.logger.Warn("flush turn failed", "stage", string(pipeline.StageOf(err)), "error", err)
			s.recordTurn("failed_" + string(pipeline.StageOf(err)))
			return
		}
		s.recordTurn("flushed")
	}()
}

func (s *Session) saveUtterance(log *slog.Logger, turn int, audio []byte) {
	if s.rec == nil {
		return
	}
	path, err := s.rec.Save(s.client, turn, audio)
	if err != nil {
		log.Warn("utterance recording failed", "error", err)
		return
	}
	log.Debug("utterance recorded", "path", path)
}

func (s *Session) teardown(cause error) error {
	s.apply(Event{Kind: EventDisconnect})
	s.cancel()
	_ = s.conn.Close()
	s.wg.Wait()

	if cause != nil {
		s.logger.Info("device session ended", "error", cause, "turns", s.machine.TurnCount())
		return cause
	}
	s.logger.Info("device session ended", "turns", s.machine.TurnCount())
	return nil
}

func (s *Session) readLoop(readCh chan<- inboundFrame) {
	for {
		mt, data, err := s.conn.ReadMessage()
		if err == nil && s.cfg.ReadTimeout > 0 {
			_ = s.conn.SetReadDeadline(time.Now().Add(s.cfg.ReadTimeout))
		}
		select {
		case readCh <- inboundFrame{messageType: mt, data: data, err: err}:
		case <-s.ctx.Done():
			return
		}
		if err != nil {
			return
		}
	}
}

// SendBinary writes one reply chunk and waits for it to reach the socket.
func (s *Session) SendBinary(ctx context.Context, data []byte) error {
	return s.writeSync(ctx, outboundFrame{binary: data})
}

// SendText writes one text frame and waits for it to reach the socket.
func (s *Session) SendText(ctx context.Context, data []byte) error {
	return s.writeSync(ctx, outboundFrame{text: data})
}

func (s *Session) sendEvent(ev protocol.ServerEvent) error {
	payload, err := protocol.Encode(ev)
	if err != nil {
		return err
	}
	return s.SendText(s.ctx, payload)
}

func (s *Session) writeSync(ctx context.Context, frame outboundFrame) error {
	done := make(chan error, 1)
	frame.done = done
	select {
	case s.outboundNormal <- frame:
	case <-ctx.Done():
		return ctx.Err()
	case <-s.writerDone:
		return errSessionClosed
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	case <-s.writerDone:
		return errSessionClosed
	}
}

func (s *Session) enqueuePriority(frame outboundFrame) error {
	select {
	case <-s.writerDone:
		return errSessionClosed
	default:
	}
	select {
	case s.outboundPriority <- frame:
		return nil
	default:
		return errBackpressure
	}
}

func (s *Session) protocolError(code, msg string, args ...any) {
	if s.metrics != nil {
		s.metrics.RecordProtocolError(code)
	}
	s.logger.Warn(msg, append([]any{"code", code}, args...)...)
}

func (s *Session) recordTurn(outcome string) {
	if s.metrics != nil {
		s.metrics.RecordTurn(outcome)
	}
}

func (s *Session) record(direction string, n int) {
	if s.metrics != nil && n > 0 {
		s.metrics.RecordAudioBytes(direction, n)
	}
}

func deviceMessage(err error) string {
	switch {
	case errors.Is(err, pipeline.ErrEmptyTranscript):
		return "no speech recognized"
	case errors.Is(err, context.DeadlineExceeded):
		return "timed out"
	default:
		return fmt.Sprintf("%s failed", pipeline.StageOf(err))
	}
}

func isNormalClose(err error) bool {
	return websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway, websocket.CloseNoStatusReceived)
}
