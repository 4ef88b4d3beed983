package sessions

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestTracker_RegisterUnregister_CountAndWait(t *testing.T) {
	tr := NewTracker()
	if tr.Count() != 0 {
		t.Fatalf("initial count=%d, want 0", tr.Count())
	}

	u1, _ := tr.Register("kitchen", Handle{})
	u2, _ := tr.Register("hallway", Handle{})
	if tr.Count() != 2 {
		t.Fatalf("count=%d, want 2", tr.Count())
	}
	if got := tr.ClientIDs(); len(got) != 2 || got[0] != "hallway" || got[1] != "kitchen" {
		t.Fatalf("ClientIDs()=%v, want [hallway kitchen]", got)
	}

	u1()
	u1()
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}

	u2()
	ctx, cancel := context.WithTimeout(context.Background(), 200*time.Millisecond)
	defer cancel()
	if ok := tr.Wait(ctx); !ok {
		t.Fatalf("expected Wait to return true")
	}
}

func TestTracker_RegisterReplacesSameClient(t *testing.T) {
	tr := NewTracker()
	var oldCloses, oldCancels atomic.Int64
	uOld, replaced := tr.Register("kitchen", Handle{
		Close:  func() { oldCloses.Add(1) },
		Cancel: func() { oldCancels.Add(1) },
	})
	if replaced {
		t.Fatal("first registration must not report a replacement")
	}

	uNew, replaced := tr.Register("kitchen", Handle{})
	if !replaced {
		t.Fatal("expected second registration to replace the first")
	}
	if oldCloses.Load() != 1 {
		t.Fatalf("old close calls=%d, want 1", oldCloses.Load())
	}
	// replacement leaves the old session's turn running
	if oldCancels.Load() != 0 {
		t.Fatalf("old cancel calls=%d, want 0", oldCancels.Load())
	}
	if tr.Count() != 1 {
		t.Fatalf("count=%d, want 1", tr.Count())
	}

	// the old session unregistering late must not evict the new one
	uOld()
	if tr.Count() != 1 {
		t.Fatalf("count=%d after stale unregister, want 1", tr.Count())
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatal("Wait returned while the new session is still registered")
	}
	uNew()
	if !tr.Wait(context.Background()) {
		t.Fatal("expected Wait to return true")
	}
}

func TestTracker_WaitCoversReplacedSessions(t *testing.T) {
	tr := NewTracker()
	uOld, _ := tr.Register("kitchen", Handle{})
	uNew, _ := tr.Register("kitchen", Handle{})
	uNew()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if tr.Wait(ctx) {
		t.Fatal("Wait returned before the replaced session finished")
	}
	uOld()
	if !tr.Wait(context.Background()) {
		t.Fatal("expected Wait to return true")
	}
}

func TestTracker_CancelAll_CallsCancel(t *testing.T) {
	tr := NewTracker()
	var c1, c2 atomic.Int64
	tr.Register("kitchen", Handle{Cancel: func() { c1.Add(1) }})
	tr.Register("hallway", Handle{Cancel: func() { c2.Add(1) }})

	if n := tr.CancelAll(); n != 2 {
		t.Fatalf("canceled=%d, want 2", n)
	}
	if c1.Load() != 1 || c2.Load() != 1 {
		t.Fatalf("cancel calls=%d/%d, want 1/1", c1.Load(), c2.Load())
	}
}

func TestTracker_NotifyAll_BestEffort(t *testing.T) {
	tr := NewTracker()
	var w1, w2 atomic.Int64
	tr.Register("kitchen", Handle{Notify: func(event string) error {
		if event != "server_draining" {
			t.Errorf("event=%q", event)
		}
		w1.Add(1)
		return nil
	}})
	tr.Register("hallway", Handle{Notify: func(string) error {
		w2.Add(1)
		return errors.New("outbound queue full")
	}})

	if sent := tr.NotifyAll("server_draining"); sent != 1 {
		t.Fatalf("sent=%d, want 1", sent)
	}
	if w1.Load() != 1 || w2.Load() != 1 {
		t.Fatalf("notify calls=%d/%d, want 1/1", w1.Load(), w2.Load())
	}
}

func TestTracker_NilIsSafe(t *testing.T) {
	var tr *Tracker
	unregister, replaced := tr.Register("kitchen", Handle{})
	unregister()
	if replaced || tr.Count() != 0 || tr.CancelAll() != 0 || tr.NotifyAll("x") != 0 || !tr.Wait(nil) {
		t.Fatal("nil tracker must be inert")
	}
}
