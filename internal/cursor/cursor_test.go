package cursor

import (
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/qdb-io/qdbbuffer/internal/segment"
	"go.uber.org/zap/zaptest"
)

// fakeHost is a minimal Host, standing in for internal/directory.Directory
// so the composite cursor's blocking/cancellation behavior can be tested
// in isolation from segment rollover and eviction.
type fakeHost struct {
	mu      sync.Mutex
	waiters map[Waiter]struct{}
}

func newFakeHost() *fakeHost {
	return &fakeHost{waiters: make(map[Waiter]struct{})}
}

func (h *fakeHost) NextSegmentAfter(afterFirstID uint64) (*segment.Segment, bool, bool, error) {
	return nil, false, false, nil
}

func (h *fakeHost) RegisterWaiter(w Waiter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.waiters[w] = struct{}{}
}

func (h *fakeHost) UnregisterWaiter(w Waiter) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.waiters, w)
}

// notifyWaiters mimics what internal/directory.Append does after a
// successful append: snapshot the waiting cursors, then notify each one
// without holding the host's own lock.
func (h *fakeHost) notifyWaiters() {
	h.mu.Lock()
	ws := make([]Waiter, 0, len(h.waiters))
	for w := range h.waiters {
		ws = append(ws, w)
	}
	h.mu.Unlock()

	for _, w := range ws {
		w.Notify()
	}
}

func newTestCursor(t *testing.T, host Host) (*Cursor, *segment.Segment) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "test.qdb")
	seg, err := segment.Open(path, 0, 1000, segment.HeaderSize+4096, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("segment.Open: %v", err)
	}
	inner, err := seg.CursorByID(0)
	if err != nil {
		t.Fatalf("CursorByID: %v", err)
	}
	return New(host, seg, inner, true), seg
}

func TestNextTimeoutElapsesWithNoData(t *testing.T) {
	host := newFakeHost()
	cur, _ := newTestCursor(t, host)
	defer cur.Close()

	start := time.Now()
	ok, err := cur.NextTimeout(50 * time.Millisecond)
	elapsed := time.Since(start)

	if err != nil || ok {
		t.Fatalf("NextTimeout() = %v, %v", ok, err)
	}
	if elapsed < 50*time.Millisecond {
		t.Fatalf("expected NextTimeout to wait out the full timeout, elapsed %s", elapsed)
	}
}

func TestNextTimeoutWakesOnAppend(t *testing.T) {
	host := newFakeHost()
	cur, seg := newTestCursor(t, host)
	defer cur.Close()

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	start := time.Now()
	go func() {
		ok, err := cur.NextTimeout(2 * time.Second)
		done <- result{ok, err}
	}()

	// Give the goroutine time to register as a waiter before appending.
	time.Sleep(20 * time.Millisecond)
	if _, err := seg.Append(1000, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	host.notifyWaiters()

	select {
	case r := <-done:
		if r.err != nil || !r.ok {
			t.Fatalf("NextTimeout() = %v, %v", r.ok, r.err)
		}
		if elapsed := time.Since(start); elapsed >= 2*time.Second {
			t.Fatalf("expected the append to wake the cursor well before the timeout, elapsed %s", elapsed)
		}
	case <-time.After(time.Second):
		t.Fatalf("NextTimeout did not wake up after append + notify")
	}
}

func TestCloseUnblocksNextTimeoutWithErrCursorClosed(t *testing.T) {
	host := newFakeHost()
	cur, _ := newTestCursor(t, host)

	type result struct {
		ok  bool
		err error
	}
	done := make(chan result, 1)
	go func() {
		ok, err := cur.NextTimeout(2 * time.Second)
		done <- result{ok, err}
	}()

	time.Sleep(20 * time.Millisecond)
	if err := cur.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	select {
	case r := <-done:
		if r.ok {
			t.Fatalf("expected ok=false once the cursor is closed, got true")
		}
		if !errors.Is(r.err, ErrCursorClosed) {
			t.Fatalf("expected ErrCursorClosed, got %v", r.err)
		}
	case <-time.After(time.Second):
		t.Fatalf("Close did not unblock the pending NextTimeout call")
	}
}
