package session

import (
	"time"

	"golang.org/x/time/rate"
)

// inboundAudioLimiter drops device audio arriving faster than the configured
// frame and byte budgets. A nil limiter allows everything.
type inboundAudioLimiter struct {
	now    func() time.Time
	frames *rate.Limiter
	bytes  *rate.Limiter
}

func newInboundAudioLimiter(now func() time.Time, fps int, bps int64, burstSeconds int) *inboundAudioLimiter {
	if fps <= 0 && bps <= 0 {
		return nil
	}
	if now == nil {
		now = time.Now
	}
	if burstSeconds <= 0 {
		burstSeconds = 1
	}
	l := &inboundAudioLimiter{now: now}
	if fps > 0 {
		l.frames = rate.NewLimiter(rate.Limit(fps), fps*burstSeconds)
	}
	if bps > 0 {
		l.bytes = rate.NewLimiter(rate.Limit(bps), int(bps)*burstSeconds)
	}
	return l
}

// Allow reports whether a frame of n bytes fits the budget, consuming it if so.
func (l *inboundAudioLimiter) Allow(n int) bool {
	if l == nil {
		return true
	}
	now := l.now()
	if l.frames != nil && l.frames.TokensAt(now) < 1 {
		return false
	}
	if l.bytes != nil && !l.bytes.AllowN(now, n) {
		return false
	}
	if l.frames != nil {
		l.frames.AllowN(now, 1)
	}
	return true
}
