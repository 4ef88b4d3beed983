// Package lifecycle holds process-wide serving state shared by handlers.
package lifecycle

import (
	"sync"
	"sync/atomic"
)

// Lifecycle flips once from serving to draining during graceful shutdown.
// Readiness reports 503 and new device connections are refused after that.
type Lifecycle struct {
	draining atomic.Bool
	once     sync.Once
	done     chan struct{}
}

func New() *Lifecycle {
	return &Lifecycle{done: make(chan struct{})}
}

// BeginDrain marks the process draining. It reports true only for the call
// that made the transition.
func (l *Lifecycle) BeginDrain() bool {
	if l == nil {
		return false
	}
	first := false
	l.once.Do(func() {
		first = true
		l.draining.Store(true)
		if l.done != nil {
			close(l.done)
		}
	})
	return first
}

func (l *Lifecycle) IsDraining() bool {
	if l == nil {
		return false
	}
	return l.draining.Load()
}

// Draining is closed when draining begins. A zero Lifecycle returns nil,
// which never fires.
func (l *Lifecycle) Draining() <-chan struct{} {
	if l == nil {
		return nil
	}
	return l.done
}
