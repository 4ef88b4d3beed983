package session

import (
	"bytes"
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vango-go/vai-voicebox/pkg/core/pipeline"
	"github.com/vango-go/vai-voicebox/pkg/gateway/device/protocol"
)

type inbound struct {
	messageType int
	data        []byte
	err         error
}

type fakeConn struct {
	fakeWSWriter
	in        chan inbound
	closed    chan struct{}
	closeOnce sync.Once
}

func newFakeConn() *fakeConn {
	return &fakeConn{in: make(chan inbound, 64), closed: make(chan struct{})}
}

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	select {
	case m := <-c.in:
		return m.messageType, m.data, m.err
	case <-c.closed:
		return 0, nil, errors.New("use of closed network connection")
	}
}

func (c *fakeConn) SetReadLimit(int64) {}

func (c *fakeConn) SetReadDeadline(time.Time) error { return nil }

func (c *fakeConn) SetPongHandler(func(appData string) error) {}

func (c *fakeConn) Close() error {
	c.closeOnce.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) text(s string) {
	c.in <- inbound{messageType: websocket.TextMessage, data: []byte(s)}
}

func (c *fakeConn) audio(b []byte) {
	c.in <- inbound{messageType: websocket.BinaryMessage, data: b}
}

func (c *fakeConn) hangUp() {
	c.in <- inbound{err: &websocket.CloseError{Code: websocket.CloseNormalClosure}}
}

func (c *fakeConn) binaryWrites() [][]byte {
	var out [][]byte
	for _, w := range c.snapshot() {
		if w.messageType == websocket.BinaryMessage {
			out = append(out, []byte(w.data))
		}
	}
	return out
}

func (c *fakeConn) textWrites() []string {
	var out []string
	for _, w := range c.snapshot() {
		if w.messageType == websocket.TextMessage {
			out = append(out, w.data)
		}
	}
	return out
}

type stubRunner struct {
	mu     sync.Mutex
	calls  [][]byte
	ids    []string
	active int
	peak   int

	// release, when set, gates each run on one receive.
	release chan struct{}
	result  pipeline.Result
	err     error
}

func (r *stubRunner) Run(ctx context.Context, id string, audio []byte) (pipeline.Result, error) {
	r.mu.Lock()
	r.calls = append(r.calls, append([]byte(nil), audio...))
	r.ids = append(r.ids, id)
	r.active++
	if r.active > r.peak {
		r.peak = r.active
	}
	r.mu.Unlock()
	defer func() {
		r.mu.Lock()
		r.active--
		r.mu.Unlock()
	}()

	if r.release != nil {
		select {
		case <-r.release:
		case <-ctx.Done():
			return pipeline.Result{}, &pipeline.StageError{Stage: pipeline.StageDialogue, Err: ctx.Err()}
		}
	}
	return r.result, r.err
}

func (r *stubRunner) callCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.calls)
}

type stubRelay struct {
	mu      sync.Mutex
	signals []string
}

func (r *stubRelay) Forward(signal string) string {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.signals = append(r.signals, signal)
	return "delivered"
}

func (r *stubRelay) snapshot() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.signals...)
}

type stubMetrics struct {
	mu       sync.Mutex
	outcomes []string
	protocol []string
}

func (m *stubMetrics) RecordTurn(outcome string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.outcomes = append(m.outcomes, outcome)
}

func (m *stubMetrics) RecordAudioBytes(string, int) {}

func (m *stubMetrics) RecordProtocolError(code string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.protocol = append(m.protocol, code)
}

func (m *stubMetrics) turns() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.outcomes...)
}

func testConfig() Config {
	return Config{
		ChunkBytes:   1024,
		BurstChunks:  8,
		PingInterval: time.Hour,
		WriteTimeout: time.Second,
		NotifyErrors: true,
	}
}

type harness struct {
	conn    *fakeConn
	runner  *stubRunner
	relay   *stubRelay
	metrics *stubMetrics
	sess    *Session
	done    chan error
	exited  chan struct{}
}

func startSession(t *testing.T, cfg Config, runner *stubRunner) *harness {
	t.Helper()
	h := &harness{
		conn:    newFakeConn(),
		runner:  runner,
		relay:   &stubRelay{},
		metrics: &stubMetrics{},
		done:    make(chan error, 1),
		exited:  make(chan struct{}),
	}
	sess, err := New(Dependencies{
		Conn:     h.conn,
		Config:   cfg,
		ClientID: "esp32-kitchen",
		Runner:   runner,
		Relay:    h.relay,
		Metrics:  h.metrics,
	})
	require.NoError(t, err)
	h.sess = sess
	go func() {
		defer close(h.exited)
		h.done <- sess.Run()
	}()
	t.Cleanup(func() {
		sess.Cancel()
		select {
		case <-h.exited:
		case <-time.After(2 * time.Second):
		}
	})
	return h
}

func (h *harness) wait(t *testing.T) error {
	t.Helper()
	select {
	case err := <-h.done:
		return err
	case <-time.After(2 * time.Second):
		t.Fatal("session did not finish")
		return nil
	}
}

func hasFinished(texts []string) bool {
	for _, s := range texts {
		if s == `{"event":"response_finished"}` {
			return true
		}
	}
	return false
}

func TestNewRequiresDependencies(t *testing.T) {
	_, err := New(Dependencies{Runner: &stubRunner{}, ClientID: "x"})
	require.Error(t, err)
	_, err = New(Dependencies{Conn: newFakeConn(), ClientID: "x"})
	require.Error(t, err)
	_, err = New(Dependencies{Conn: newFakeConn(), Runner: &stubRunner{}})
	require.Error(t, err)
}

func TestSessionSingleTurnStreamsReply(t *testing.T) {
	reply := bytes.Repeat([]byte{0x11, 0x22}, 1250)
	runner := &stubRunner{result: pipeline.Result{Transcript: "hello", ReplyText: "hi", ReplyAudio: reply}}
	h := startSession(t, testConfig(), runner)

	h.conn.text(`{"event":"wake_word_detected"}`)
	h.conn.text(`{"event":"recording_started"}`)
	h.conn.audio([]byte{1, 2})
	h.conn.audio([]byte{3, 4})
	h.conn.audio([]byte{5, 6})
	h.conn.text(`{"event":"recording_ended"}`)

	require.Eventually(t, func() bool { return hasFinished(h.conn.textWrites()) }, 2*time.Second, 5*time.Millisecond)

	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, runner.calls[0])
	assert.Equal(t, "esp32-kitchen", runner.ids[0])

	chunks := h.conn.binaryWrites()
	require.Len(t, chunks, 3)
	assert.Len(t, chunks[2], 2500-2048)
	assert.Equal(t, reply, bytes.Join(chunks, nil))

	h.conn.hangUp()
	require.NoError(t, h.wait(t))
	assert.Equal(t, []string{"ok"}, h.metrics.turns())
}

func TestSessionCancelledRecordingNeverRuns(t *testing.T) {
	runner := &stubRunner{}
	h := startSession(t, testConfig(), runner)

	h.conn.text(`{"event":"recording_started"}`)
	h.conn.audio([]byte{1, 2, 3})
	h.conn.text(`{"event":"recording_cancelled"}`)
	h.conn.text(`{"event":"recording_ended"}`)
	h.conn.hangUp()

	require.NoError(t, h.wait(t))
	assert.Zero(t, runner.callCount())
	assert.Contains(t, h.metrics.protocol, "out_of_order")
}

func TestSessionEmptyRecordingNeverRuns(t *testing.T) {
	runner := &stubRunner{}
	h := startSession(t, testConfig(), runner)

	h.conn.text(`{"event":"recording_started"}`)
	h.conn.text(`{"event":"recording_ended"}`)
	h.conn.hangUp()

	require.NoError(t, h.wait(t))
	assert.Zero(t, runner.callCount())
	assert.Equal(t, []string{"empty"}, h.metrics.turns())
}

func TestSessionPipelineErrorNotifiesDevice(t *testing.T) {
	runner := &stubRunner{err: &pipeline.StageError{Stage: pipeline.StageTranscribe, Err: pipeline.ErrEmptyTranscript}}
	h := startSession(t, testConfig(), runner)

	h.conn.text(`{"event":"recording_started"}`)
	h.conn.audio([]byte{1, 2})
	h.conn.text(`{"event":"recording_ended"}`)

	require.Eventually(t, func() bool { return len(h.conn.textWrites()) > 0 }, 2*time.Second, 5*time.Millisecond)
	assert.JSONEq(t, `{"event":"error","stage":"asr","message":"no speech recognized"}`, h.conn.textWrites()[0])
	assert.Empty(t, h.conn.binaryWrites())

	// the session is idle again and accepts the next utterance
	runner.mu.Lock()
	runner.err = nil
	runner.result = pipeline.Result{ReplyAudio: []byte{7, 7}}
	runner.mu.Unlock()
	h.conn.text(`{"event":"recording_started"}`)
	h.conn.audio([]byte{3, 4})
	h.conn.text(`{"event":"recording_ended"}`)
	require.Eventually(t, func() bool { return hasFinished(h.conn.textWrites()) }, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 2, runner.callCount())
}

func TestSessionErrorNoticeDisabled(t *testing.T) {
	cfg := testConfig()
	cfg.NotifyErrors = false
	runner := &stubRunner{err: &pipeline.StageError{Stage: pipeline.StageSynthesize, Err: errors.New("boom")}}
	h := startSession(t, cfg, runner)

	h.conn.text(`{"event":"recording_started"}`)
	h.conn.audio([]byte{1, 2})
	h.conn.text(`{"event":"recording_ended"}`)
	require.Eventually(t, func() bool { return len(h.metrics.turns()) == 1 }, 2*time.Second, 5*time.Millisecond)

	h.conn.hangUp()
	require.NoError(t, h.wait(t))
	assert.Empty(t, h.conn.textWrites())
	assert.Equal(t, []string{"failed_tts"}, h.metrics.turns())
}

func TestSessionMarkersGoToRelay(t *testing.T) {
	runner := &stubRunner{}
	h := startSession(t, testConfig(), runner)

	h.conn.text(protocol.MarkerSpeakingStarted)
	h.conn.text(protocol.MarkerSpeakingStopped)
	h.conn.text(`{"event":"weather_played"}`)
	h.conn.hangUp()

	require.NoError(t, h.wait(t))
	assert.Equal(t, []string{"1", "0"}, h.relay.snapshot())
	assert.Zero(t, runner.callCount())
}

func TestSessionSerializesTurns(t *testing.T) {
	runner := &stubRunner{release: make(chan struct{}), result: pipeline.Result{ReplyAudio: []byte{1}}}
	h := startSession(t, testConfig(), runner)

	for _, b := range []byte{1, 2, 3} {
		h.conn.text(`{"event":"recording_started"}`)
		h.conn.audio([]byte{b})
		h.conn.text(`{"event":"recording_ended"}`)
	}

	for want := 1; want <= 3; want++ {
		require.Eventually(t, func() bool { return runner.callCount() == want }, 2*time.Second, 5*time.Millisecond)
		runner.release <- struct{}{}
	}
	require.Eventually(t, func() bool { return len(h.metrics.turns()) == 3 }, 2*time.Second, 5*time.Millisecond)

	runner.mu.Lock()
	defer runner.mu.Unlock()
	assert.Equal(t, 1, runner.peak)
	assert.Equal(t, [][]byte{{1}, {2}, {3}}, runner.calls)
}

func TestSessionInFlightTurnOutlivesDisconnect(t *testing.T) {
	runner := &stubRunner{release: make(chan struct{}), result: pipeline.Result{ReplyAudio: []byte{1, 2, 3}}}
	h := startSession(t, testConfig(), runner)

	h.conn.text(`{"event":"recording_started"}`)
	h.conn.audio([]byte{9})
	h.conn.text(`{"event":"recording_ended"}`)
	require.Eventually(t, func() bool { return runner.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.conn.hangUp()
	select {
	case <-h.done:
		t.Fatal("Run returned before the in-flight turn finished")
	case <-time.After(50 * time.Millisecond):
	}

	runner.release <- struct{}{}
	require.NoError(t, h.wait(t))
	assert.Empty(t, h.conn.binaryWrites())
	assert.Equal(t, []string{"disconnected"}, h.metrics.turns())
}

func TestSessionCancelStopsInFlightTurn(t *testing.T) {
	runner := &stubRunner{release: make(chan struct{})}
	h := startSession(t, testConfig(), runner)

	h.conn.text(`{"event":"recording_started"}`)
	h.conn.audio([]byte{9})
	h.conn.text(`{"event":"recording_ended"}`)
	require.Eventually(t, func() bool { return runner.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.sess.Cancel()
	require.NoError(t, h.wait(t))
	assert.Equal(t, []string{"failed_dialogue"}, h.metrics.turns())
}

func TestSessionCloseLetsInFlightTurnFinish(t *testing.T) {
	runner := &stubRunner{release: make(chan struct{}), result: pipeline.Result{ReplyText: "hi", ReplyAudio: []byte{1, 2}}}
	h := startSession(t, testConfig(), runner)

	h.conn.text(`{"event":"recording_started"}`)
	h.conn.audio([]byte{9})
	h.conn.text(`{"event":"recording_ended"}`)
	require.Eventually(t, func() bool { return runner.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)

	h.sess.Close()
	select {
	case <-h.done:
		t.Fatal("Run returned before the in-flight turn finished")
	case <-time.After(50 * time.Millisecond):
	}

	runner.release <- struct{}{}
	require.NoError(t, h.wait(t))
	assert.Empty(t, h.conn.binaryWrites())
	assert.Equal(t, []string{"disconnected"}, h.metrics.turns())
}

func TestSessionFlushOnDisconnect(t *testing.T) {
	cfg := testConfig()
	cfg.FlushOnDisconnect = true
	runner := &stubRunner{}
	h := startSession(t, cfg, runner)

	h.conn.text(`{"event":"recording_started"}`)
	h.conn.audio([]byte{4, 5})
	h.conn.hangUp()

	require.NoError(t, h.wait(t))
	require.Equal(t, 1, runner.callCount())
	assert.Equal(t, []byte{4, 5}, runner.calls[0])
	assert.Equal(t, []string{"flushed"}, h.metrics.turns())
}

func TestSessionDiscardsRecordingOnDisconnect(t *testing.T) {
	runner := &stubRunner{}
	h := startSession(t, testConfig(), runner)

	h.conn.text(`{"event":"recording_started"}`)
	h.conn.audio([]byte{4, 5})
	h.conn.hangUp()

	require.NoError(t, h.wait(t))
	assert.Zero(t, runner.callCount())
}

func TestSessionNotifyReachesDevice(t *testing.T) {
	h := startSession(t, testConfig(), &stubRunner{})

	require.NoError(t, h.sess.Notify(protocol.EventServerDraining))
	require.Eventually(t, func() bool {
		for _, s := range h.conn.textWrites() {
			if s == `{"event":"server_draining"}` {
				return true
			}
		}
		return false
	}, 2*time.Second, 5*time.Millisecond)
}

func TestSessionWakeWordDuringTurnIsNotAProtocolError(t *testing.T) {
	runner := &stubRunner{release: make(chan struct{})}
	h := startSession(t, testConfig(), runner)

	h.conn.text(`{"event":"recording_started"}`)
	h.conn.text(`{"event":"wake_word_detected"}`)
	h.conn.audio([]byte{1})
	h.conn.text(`{"event":"recording_ended"}`)
	require.Eventually(t, func() bool { return runner.callCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	h.conn.text(`{"event":"wake_word_detected"}`)
	runner.release <- struct{}{}
	h.conn.hangUp()

	require.NoError(t, h.wait(t))
	h.metrics.mu.Lock()
	defer h.metrics.mu.Unlock()
	assert.Empty(t, h.metrics.protocol)
}

func TestSessionMalformedControlIsIgnored(t *testing.T) {
	runner := &stubRunner{}
	h := startSession(t, testConfig(), runner)

	h.conn.text(`{not json`)
	h.conn.text(`{"event":"dance"}`)
	h.conn.hangUp()

	require.NoError(t, h.wait(t))
	assert.Len(t, h.metrics.protocol, 2)
}

func TestSessionReadErrorEndsRun(t *testing.T) {
	h := startSession(t, testConfig(), &stubRunner{})

	h.conn.in <- inbound{err: errors.New("read: connection reset by peer")}
	require.Error(t, h.wait(t))
}
