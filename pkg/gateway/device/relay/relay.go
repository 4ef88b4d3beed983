// Package relay forwards speaking-state markers from device sessions to the
// single optional status observer (an LED controller).
//
// Delivery is at-most-once with no retry: a failed send empties the slot and
// later forwards are silent no-ops until a new observer registers.
package relay

import (
	"log/slog"
	"sync"
)

// Observer receives relayed markers. SendSignal must not block.
type Observer interface {
	SendSignal(signal string) error
}

// Recorder receives relay outcomes. Metrics implements it.
type Recorder interface {
	RecordRelayForward(result string)
	SetObserverConnected(connected bool)
}

// Forward results.
const (
	ResultDelivered  = "delivered"
	ResultNoObserver = "no_observer"
	ResultFailed     = "failed"
)

// Relay owns the observer slot. All slot access is serialized by mu.
type Relay struct {
	mu       sync.Mutex
	current  Observer
	logger   *slog.Logger
	recorder Recorder
}

// New returns a relay with an empty slot. recorder may be nil.
func New(logger *slog.Logger, recorder Recorder) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{logger: logger, recorder: recorder}
}

// Register installs o, replacing any previous observer. The replaced observer
// is left open but receives nothing further.
func (r *Relay) Register(o Observer) {
	if o == nil {
		return
	}
	r.mu.Lock()
	replaced := r.current != nil && r.current != o
	r.current = o
	r.mu.Unlock()

	if replaced {
		r.logger.Info("status observer replaced")
	} else {
		r.logger.Info("status observer registered")
	}
	r.setConnected(true)
}

// Unregister empties the slot if o still holds it. It reports whether o was current.
func (r *Relay) Unregister(o Observer) bool {
	r.mu.Lock()
	if r.current == nil || r.current != o {
		r.mu.Unlock()
		return false
	}
	r.current = nil
	r.mu.Unlock()

	r.logger.Info("status observer unregistered")
	r.setConnected(false)
	return true
}

// Forward hands signal to the current observer, if any.
func (r *Relay) Forward(signal string) string {
	r.mu.Lock()
	o := r.current
	if o == nil {
		r.mu.Unlock()
		r.record(ResultNoObserver)
		return ResultNoObserver
	}
	err := o.SendSignal(signal)
	if err != nil {
		r.current = nil
	}
	r.mu.Unlock()

	if err != nil {
		r.logger.Warn("status observer send failed; slot cleared", "signal", signal, "error", err)
		r.setConnected(false)
		r.record(ResultFailed)
		return ResultFailed
	}
	r.record(ResultDelivered)
	return ResultDelivered
}

// Connected reports whether an observer currently holds the slot.
func (r *Relay) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.current != nil
}

func (r *Relay) record(result string) {
	if r.recorder != nil {
		r.recorder.RecordRelayForward(result)
	}
}

func (r *Relay) setConnected(v bool) {
	if r.recorder != nil {
		r.recorder.SetObserverConnected(v)
	}
}
