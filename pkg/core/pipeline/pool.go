package pipeline

import (
	"context"

	"golang.org/x/sync/semaphore"
)

// Pool bounds how many turns run at once across all sessions.
type Pool struct {
	next Runner
	sem  *semaphore.Weighted
}

// NewPool wraps next. workers <= 0 returns next unchanged.
func NewPool(next Runner, workers int) Runner {
	if workers <= 0 {
		return next
	}
	return &Pool{next: next, sem: semaphore.NewWeighted(int64(workers))}
}

// Run waits for a free worker, then delegates. A canceled wait is reported
// as a transcription stage error since no stage has started.
func (p *Pool) Run(ctx context.Context, sessionID string, audio []byte) (Result, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return Result{}, &StageError{Stage: StageTranscribe, Err: err}
	}
	defer p.sem.Release(1)
	return p.next.Run(ctx, sessionID, audio)
}
