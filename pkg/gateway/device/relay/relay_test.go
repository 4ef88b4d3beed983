package relay

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeObserver struct {
	mu      sync.Mutex
	signals []string
	err     error
}

func (f *fakeObserver) SendSignal(s string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.signals = append(f.signals, s)
	return nil
}

func (f *fakeObserver) got() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.signals...)
}

type fakeRecorder struct {
	mu        sync.Mutex
	results   []string
	connected bool
}

func (f *fakeRecorder) RecordRelayForward(r string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.results = append(f.results, r)
}

func (f *fakeRecorder) SetObserverConnected(v bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = v
}

func TestForwardWithoutObserverIsNoop(t *testing.T) {
	r := New(nil, nil)
	assert.Equal(t, ResultNoObserver, r.Forward("1"))
	assert.False(t, r.Connected())
}

func TestRegisterReplacesPreviousObserver(t *testing.T) {
	rec := &fakeRecorder{}
	r := New(nil, rec)
	old := &fakeObserver{}
	next := &fakeObserver{}

	r.Register(old)
	assert.Equal(t, ResultDelivered, r.Forward("1"))
	r.Register(next)
	assert.Equal(t, ResultDelivered, r.Forward("0"))
	assert.Equal(t, ResultDelivered, r.Forward("1"))

	assert.Equal(t, []string{"1"}, old.got())
	assert.Equal(t, []string{"0", "1"}, next.got())
	assert.True(t, rec.connected)
}

func TestFailedSendClearsSlot(t *testing.T) {
	rec := &fakeRecorder{}
	r := New(nil, rec)
	o := &fakeObserver{err: errors.New("broken pipe")}
	r.Register(o)

	assert.Equal(t, ResultFailed, r.Forward("1"))
	assert.False(t, r.Connected())
	assert.Equal(t, ResultNoObserver, r.Forward("0"))
	assert.Equal(t, []string{ResultFailed, ResultNoObserver}, rec.results)
	assert.False(t, rec.connected)
}

func TestUnregisterOnlyClearsCurrent(t *testing.T) {
	r := New(nil, nil)
	old := &fakeObserver{}
	next := &fakeObserver{}
	r.Register(old)
	r.Register(next)

	assert.False(t, r.Unregister(old), "stale observer must not clear the slot")
	assert.True(t, r.Connected())
	assert.True(t, r.Unregister(next))
	assert.False(t, r.Connected())
	assert.False(t, r.Unregister(next))
}

func TestConcurrentForwardAndUnregister(t *testing.T) {
	r := New(nil, nil)
	var wg sync.WaitGroup
	for i := range 20 {
		o := &fakeObserver{}
		wg.Add(3)
		go func() { defer wg.Done(); r.Register(o) }()
		go func() { defer wg.Done(); r.Forward([]string{"0", "1"}[i%2]) }()
		go func() { defer wg.Done(); r.Unregister(o) }()
	}
	wg.Wait()
}

type fakeWS struct {
	mu       sync.Mutex
	messages []string
	pings    int
	failNext bool
}

func (f *fakeWS) SetWriteDeadline(time.Time) error { return nil }

func (f *fakeWS) WriteMessage(mt int, data []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNext {
		return errors.New("write: broken pipe")
	}
	if mt == websocket.TextMessage {
		f.messages = append(f.messages, string(data))
	}
	return nil
}

func (f *fakeWS) WriteControl(mt int, _ []byte, _ time.Time) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if mt == websocket.PingMessage {
		f.pings++
	}
	return nil
}

func (f *fakeWS) snapshot() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.messages...)
}

func TestConnWritesQueuedSignals(t *testing.T) {
	ws := &fakeWS{}
	c := NewConn(ws, 4, time.Second, 0)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	require.NoError(t, c.SendSignal("1"))
	require.NoError(t, c.SendSignal("0"))
	require.Eventually(t, func() bool { return len(ws.snapshot()) == 2 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"1", "0"}, ws.snapshot())

	cancel()
	require.NoError(t, <-done)
	assert.ErrorIs(t, c.SendSignal("1"), ErrObserverClosed)
}

func TestConnWriteFailureStopsRun(t *testing.T) {
	ws := &fakeWS{failNext: true}
	c := NewConn(ws, 4, time.Second, 0)
	done := make(chan error, 1)
	go func() { done <- c.Run(context.Background()) }()

	require.NoError(t, c.SendSignal("1"))
	select {
	case err := <-done:
		require.Error(t, err)
	case <-time.After(time.Second):
		t.Fatal("Run did not stop after write failure")
	}
	<-c.Done()
	assert.ErrorIs(t, c.SendSignal("0"), ErrObserverClosed)
}

func TestConnQueueFull(t *testing.T) {
	c := NewConn(&fakeWS{}, 1, time.Second, 0)
	require.NoError(t, c.SendSignal("1"))
	assert.ErrorIs(t, c.SendSignal("0"), ErrObserverBusy)
}
