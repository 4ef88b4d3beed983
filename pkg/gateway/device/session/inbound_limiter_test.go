package session

import (
	"testing"
	"time"
)

func TestInboundAudioLimiterDisabled(t *testing.T) {
	if l := newInboundAudioLimiter(nil, 0, 0, 1); l != nil {
		t.Fatalf("limiter=%v, want nil", l)
	}
	var l *inboundAudioLimiter
	if !l.Allow(1 << 20) {
		t.Fatal("nil limiter must allow")
	}
}

func TestInboundAudioLimiterBytes(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newInboundAudioLimiter(func() time.Time { return now }, 0, 32000, 1)

	if !l.Allow(32000) {
		t.Fatal("initial burst should allow one second of audio")
	}
	if l.Allow(1) {
		t.Fatal("expected budget exhausted")
	}
	now = now.Add(500 * time.Millisecond)
	if !l.Allow(16000) {
		t.Fatal("expected half a second to refill 16000 bytes")
	}
	if l.Allow(1000) {
		t.Fatal("expected budget exhausted again")
	}
}

func TestInboundAudioLimiterFrames(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newInboundAudioLimiter(func() time.Time { return now }, 2, 0, 1)

	if !l.Allow(10) || !l.Allow(10) {
		t.Fatal("expected two frames allowed")
	}
	if l.Allow(10) {
		t.Fatal("third frame should be dropped")
	}
	now = now.Add(time.Second)
	if !l.Allow(10) {
		t.Fatal("expected refill after one second")
	}
}

func TestInboundAudioLimiterRejectedFrameKeepsFrameToken(t *testing.T) {
	now := time.Unix(1700000000, 0)
	l := newInboundAudioLimiter(func() time.Time { return now }, 1, 100, 1)

	if l.Allow(500) {
		t.Fatal("oversized frame should be rejected")
	}
	if !l.Allow(50) {
		t.Fatal("frame token must not be spent by a rejected frame")
	}
}
