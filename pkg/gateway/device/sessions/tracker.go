// Package sessions tracks live device sessions by client id.
package sessions

import (
	"context"
	"sort"
	"sync"
)

// Handle is what the tracker needs from a live session. Close drops the
// connection only; Cancel also abandons in-flight turns.
type Handle struct {
	Close  func()
	Cancel func()
	Notify func(event string) error
}

// Tracker holds at most one session per client id. Registering an id that is
// already live closes the older connection; the newest connection wins and
// the older one's in-flight turn still finishes.
type Tracker struct {
	mu       sync.Mutex
	sessions map[string]*trackedSession
	wg       sync.WaitGroup
}

type trackedSession struct {
	handle Handle
	once   sync.Once
}

func NewTracker() *Tracker {
	return &Tracker{
		sessions: make(map[string]*trackedSession),
	}
}

// Register records a session and returns its unregister func. Wait blocks
// until every registered session, replaced ones included, has unregistered.
// replaced reports whether an older session for clientID was closed.
func (t *Tracker) Register(clientID string, h Handle) (unregister func(), replaced bool) {
	if t == nil {
		return func() {}, false
	}

	entry := &trackedSession{handle: h}

	t.mu.Lock()
	if t.sessions == nil {
		t.sessions = make(map[string]*trackedSession)
	}
	old := t.sessions[clientID]
	t.sessions[clientID] = entry
	t.wg.Add(1)
	t.mu.Unlock()

	if old != nil && old.handle.Close != nil {
		old.handle.Close()
	}

	return func() { t.unregister(clientID, entry) }, old != nil
}

func (t *Tracker) unregister(clientID string, entry *trackedSession) {
	entry.once.Do(func() {
		t.mu.Lock()
		if t.sessions[clientID] == entry {
			delete(t.sessions, clientID)
		}
		t.mu.Unlock()
		t.wg.Done()
	})
}

func (t *Tracker) Count() int {
	if t == nil {
		return 0
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.sessions)
}

// ClientIDs lists the live client ids in sorted order.
func (t *Tracker) ClientIDs() []string {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	ids := make([]string, 0, len(t.sessions))
	for id := range t.sessions {
		ids = append(ids, id)
	}
	t.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// NotifyAll sends event to every live session, best effort.
func (t *Tracker) NotifyAll(event string) (sent int) {
	for _, h := range t.handles() {
		if h.Notify != nil && h.Notify(event) == nil {
			sent++
		}
	}
	return sent
}

// CancelAll cancels every live session and its in-flight turn.
func (t *Tracker) CancelAll() (canceled int) {
	for _, h := range t.handles() {
		if h.Cancel != nil {
			h.Cancel()
			canceled++
		}
	}
	return canceled
}

// handles copies the live handles so callbacks run without the lock held.
func (t *Tracker) handles() []Handle {
	if t == nil {
		return nil
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]Handle, 0, len(t.sessions))
	for _, entry := range t.sessions {
		out = append(out, entry.handle)
	}
	return out
}

// Wait blocks until every registered session has unregistered or ctx ends.
// It reports whether all sessions finished.
func (t *Tracker) Wait(ctx context.Context) bool {
	if t == nil {
		return true
	}
	if ctx == nil {
		t.wg.Wait()
		return true
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		t.wg.Wait()
	}()

	select {
	case <-done:
		return true
	case <-ctx.Done():
		return false
	}
}
