package session

import (
	"context"
	"time"

	"github.com/vango-go/vai-voicebox/pkg/gateway/device/protocol"
)

// Reply streaming defaults, tuned for the device's playback buffer.
const (
	DefaultChunkBytes  = 1024
	DefaultBurstChunks = 8
	DefaultYield       = time.Millisecond
	DefaultLeadDelay   = 100 * time.Millisecond
)

// FrameSink writes one message and returns once it is on the wire.
type FrameSink interface {
	SendBinary(ctx context.Context, data []byte) error
	SendText(ctx context.Context, data []byte) error
}

// StreamSender pushes a reply as fixed-size chunks, BurstChunks at a time,
// pausing Yield between bursts, then sends the response_finished marker.
type StreamSender struct {
	ChunkBytes  int
	BurstChunks int
	Yield       time.Duration
	LeadDelay   time.Duration

	sleep func(ctx context.Context, d time.Duration) error
}

// SendStats describes a finished or aborted stream.
type SendStats struct {
	Chunks    int
	Bytes     int
	EndMarker bool
}

func (s StreamSender) withDefaults() StreamSender {
	if s.ChunkBytes <= 0 {
		s.ChunkBytes = DefaultChunkBytes
	}
	if s.BurstChunks <= 0 {
		s.BurstChunks = DefaultBurstChunks
	}
	if s.Yield < 0 {
		s.Yield = 0
	}
	if s.sleep == nil {
		s.sleep = sleepCtx
	}
	return s
}

// Send streams audio to sink. A chunk write failure aborts the rest of the
// reply and is returned. A failed end marker is not an error; it is
// reported through SendStats.EndMarker.
func (s StreamSender) Send(ctx context.Context, sink FrameSink, audio []byte) (SendStats, error) {
	s = s.withDefaults()
	var stats SendStats

	if s.LeadDelay > 0 {
		if err := s.sleep(ctx, s.LeadDelay); err != nil {
			return stats, err
		}
	}

	for off := 0; off < len(audio); off += s.ChunkBytes {
		end := min(off+s.ChunkBytes, len(audio))
		if err := sink.SendBinary(ctx, audio[off:end]); err != nil {
			return stats, err
		}
		stats.Chunks++
		stats.Bytes += end - off

		if stats.Chunks%s.BurstChunks == 0 && end < len(audio) && s.Yield > 0 {
			if err := s.sleep(ctx, s.Yield); err != nil {
				return stats, err
			}
		}
	}

	marker, err := protocol.Encode(protocol.ResponseFinished())
	if err == nil {
		err = sink.SendText(ctx, marker)
	}
	stats.EndMarker = err == nil
	return stats, nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
