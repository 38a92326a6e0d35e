// Package cursor implements the composite cursor exposed to callers of
// pkg/buffer: a sequential reader that transparently advances across
// segment boundaries and can block, with a timeout, until new records
// are appended.
package cursor

import (
	"sync"
	"time"

	"github.com/qdb-io/qdbbuffer/internal/segment"
	"github.com/qdb-io/qdbbuffer/pkg/errors"
)

// ErrCursorClosed is returned by Next and Next(timeout) once the cursor
// has been closed, including to unblock a goroutine parked in
// Next(timeout).
var ErrCursorClosed = errors.NewStorageError(nil, errors.ErrorCodeCursorClosed, "operation failed: cursor is closed")

// Waiter is the notification interface a Host uses to wake cursors
// blocked in Next(timeout) after a successful append.
type Waiter interface {
	Notify()
}

// Host is everything a composite Cursor needs from the segment
// directory that created it: resolving the segment that follows the one
// it is currently reading, and registering/unregistering itself on the
// directory's waiting-cursor list while blocked. It is expressed purely
// in terms of internal/segment types so internal/directory can satisfy
// it without this package importing directory back.
type Host interface {
	// NextSegmentAfter returns the segment whose first-id is the
	// smallest one greater than afterFirstID, incrementing its use
	// count on the caller's behalf. isCurrent reports whether the
	// returned segment is the directory's writable current segment. ok
	// is false when no live segment has a first-id greater than
	// afterFirstID, i.e. afterFirstID names the current segment.
	NextSegmentAfter(afterFirstID uint64) (seg *segment.Segment, isCurrent bool, ok bool, err error)

	// RegisterWaiter adds w to the directory's waiting-cursor list.
	RegisterWaiter(w Waiter)
	// UnregisterWaiter removes w from the directory's waiting-cursor list.
	UnregisterWaiter(w Waiter)
}

// Resolver re-resolves a cursor that was created before any segment
// existed in the buffer (the "empty-cursor stub" of a directory opened
// with no data). It is called again on every Next() until it succeeds,
// so the stub starts yielding records as soon as the first segment is
// created by an append. ok is false while the buffer is still empty.
type Resolver func() (seg *segment.Segment, isCurrent bool, inner *segment.Cursor, ok bool, err error)

// Cursor sequentially reads records across one or more segments,
// starting from a fixed position in a fixed starting segment.
type Cursor struct {
	mu sync.Mutex

	host Host

	seg       *segment.Segment
	isCurrent bool
	inner     *segment.Cursor
	resolve   Resolver // set only for a stub created over an empty buffer; cleared once resolved.

	closed     bool
	wake       chan struct{}
	registered bool
}

// New creates a composite cursor starting at the given low-level
// segment cursor, which reads seg starting at some offset. isCurrent
// reports whether seg is the directory's current (writable) segment;
// when it is, reaching end-of-data means "wait for more," not "advance
// to the next segment."
func New(host Host, seg *segment.Segment, inner *segment.Cursor, isCurrent bool) *Cursor {
	return &Cursor{
		host:      host,
		seg:       seg,
		isCurrent: isCurrent,
		inner:     inner,
		wake:      make(chan struct{}, 1),
	}
}

// NewPending creates a composite cursor over a buffer that has no
// segments yet. Every call to Next() invokes resolve until it reports a
// real segment, at which point the cursor behaves exactly like one
// created by New.
func NewPending(host Host, resolve Resolver) *Cursor {
	return &Cursor{
		host:    host,
		resolve: resolve,
		wake:    make(chan struct{}, 1),
	}
}

// Next advances to the next record, returning false (with a nil error)
// if no more records are currently available. It never blocks.
func (c *Cursor) Next() (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.nextLocked()
}

func (c *Cursor) nextLocked() (bool, error) {
	if c.closed {
		return false, ErrCursorClosed
	}

	if c.seg == nil {
		seg, isCurrent, inner, ok, err := c.resolve()
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
		c.seg = seg
		c.isCurrent = isCurrent
		c.inner = inner
		c.resolve = nil
	}

	for {
		ok, err := c.inner.Next()
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}

		nextSeg, isCurrentNow, found, err := c.host.NextSegmentAfter(c.seg.FirstID())
		if err != nil {
			return false, err
		}
		if !found {
			// No segment follows the one we are reading, so it is still
			// the current segment: we are caught up.
			return false, nil
		}
		if c.isCurrent {
			// The segment was current when this cursor reached it and has
			// since been rolled over. Records appended to it before the
			// rollover are read before moving on.
			c.isCurrent = false
			nextSeg.Release()
			continue
		}

		oldSeg := c.seg
		c.seg = nextSeg
		c.isCurrent = isCurrentNow
		c.inner = nextSeg.CursorAt(segment.HeaderSize)
		oldSeg.Release()
	}
}

// NextTimeout waits up to timeout for a new record to become available,
// returning false if the timeout elapses first. A non-positive timeout
// waits forever. Closing the cursor from another goroutine unblocks a
// pending call with ErrCursorClosed.
func (c *Cursor) NextTimeout(timeout time.Duration) (bool, error) {
	c.mu.Lock()
	ok, err := c.nextLocked()
	c.mu.Unlock()
	if err != nil || ok {
		return ok, err
	}

	c.host.RegisterWaiter(c)
	c.mu.Lock()
	c.registered = true
	c.mu.Unlock()
	defer func() {
		c.host.UnregisterWaiter(c)
		c.mu.Lock()
		c.registered = false
		c.mu.Unlock()
	}()

	deadline := time.Time{}
	if timeout > 0 {
		deadline = time.Now().Add(timeout)
	}

	for {
		var wait <-chan time.Time
		if !deadline.IsZero() {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				return false, nil
			}
			timer := time.NewTimer(remaining)
			defer timer.Stop()
			wait = timer.C
		}

		select {
		case <-c.wake:
		case <-wait:
			return false, nil
		}

		c.mu.Lock()
		ok, err := c.nextLocked()
		c.mu.Unlock()
		if err != nil || ok {
			return ok, err
		}
	}
}

// Notify implements Waiter, unblocking a pending NextTimeout call.
func (c *Cursor) Notify() {
	select {
	case c.wake <- struct{}{}:
	default:
	}
}

// ID returns the current record's absolute message id.
func (c *Cursor) ID() uint64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.ID()
}

// Timestamp returns the current record's timestamp in milliseconds.
func (c *Cursor) Timestamp() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Timestamp()
}

// RoutingKey returns the current record's routing key.
func (c *Cursor) RoutingKey() []byte {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.RoutingKey()
}

// PayloadLen returns the current record's payload length without
// reading it, so callers can detect and guard the zero-payload case
// before calling Payload.
func (c *Cursor) PayloadLen() uint32 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.PayloadLen()
}

// Payload reads and returns the current record's payload.
func (c *Cursor) Payload() ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.inner.Payload()
}

// Close releases the cursor's held segment and wakes any pending
// NextTimeout call with ErrCursorClosed.
func (c *Cursor) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	seg := c.seg
	registered := c.registered
	c.mu.Unlock()

	if registered {
		c.host.UnregisterWaiter(c)
	}
	c.Notify()

	if seg == nil {
		return nil
	}
	return seg.Release()
}
