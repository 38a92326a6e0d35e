// Package directory implements the segment directory (the "buffer"):
// the component that composes many on-disk segment files into one
// logical, append-only message log. It names segments, routes appends
// to the current segment, rolls over to a fresh segment when the
// current one is full, evicts the oldest segments once the configured
// size cap is exceeded, and constructs composite cursors that
// transparently span segment boundaries.
//
// The directory owns all cross-segment state (§4.3 of the design);
// individual segments (internal/segment) know nothing about their
// neighbours.
package directory

import (
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/qdb-io/qdbbuffer/internal/cursor"
	"github.com/qdb-io/qdbbuffer/internal/segment"
	"github.com/qdb-io/qdbbuffer/pkg/errors"
	"github.com/qdb-io/qdbbuffer/pkg/filesys"
	"github.com/qdb-io/qdbbuffer/pkg/options"
	"github.com/qdb-io/qdbbuffer/pkg/seginfo"
	"go.uber.org/zap"
)

// compactionMargin is how many evicted (but not yet forgotten) entries
// accumulate at the front of segs before the array is compacted by
// shifting the live window back to index 0, rather than growing segs
// and firstIndex without bound.
const compactionMargin = 512

// segRef identifies one on-disk segment and caches its last-known
// length. For every segment except the current one, length is
// authoritative (older segments are read-only); for the current
// segment, callers must ask the live Segment instead.
type segRef struct {
	firstID        uint64
	firstTimestamp int64
	length         int64
}

// SegmentSummary is a read-only snapshot of one segment's identity and
// size, used by pkg/timeline's high-level projection.
type SegmentSummary struct {
	FirstID        uint64
	FirstTimestamp int64
	SizeBytes      uint64
	IsCurrent      bool
}

// Stats is a cheap, lock-protected snapshot of the buffer's aggregate
// state, intended as the data source for pkg/metrics.
type Stats struct {
	SegmentCount   int
	FirstMessageID uint64
	NextMessageID  uint64
	TotalBytes     uint64
	LastCheckpoint time.Time
	EvictionCount  uint64
}

// Directory manages a directory of segment files as a single logical
// message log.
type Directory struct {
	mu sync.Mutex

	dataDir        string
	segmentLength  uint32
	maxPayloadSize uint64
	maxLength      uint64

	log *zap.SugaredLogger

	executor         options.Executor
	timer            options.Timer
	internalTimer    *time.Timer
	autoSyncInterval time.Duration
	syncArmed        bool
	lastCheckpoint   time.Time
	evictionCount    uint64

	segs        []segRef // live window is segs[firstIndex:]; the last entry always describes the current segment once one exists.
	firstIndex  int
	seedFirstID uint64 // first-id for the very first segment, consulted only while segs is empty.
	current     *segment.Segment

	waiters map[cursor.Waiter]struct{}

	closed bool
}

// Open discovers or creates the segment directory at opts.DataDir.
func Open(opts *options.Options, log *zap.SugaredLogger) (*Directory, error) {
	if opts == nil {
		return nil, errors.NewValidationError(
			nil, errors.ErrorCodeInvalidInput, "options must not be nil",
		).WithField("options")
	}

	if err := filesys.CreateDir(opts.DataDir, 0755, true); err != nil {
		return nil, errors.ClassifyDirectoryCreationError(err, opts.DataDir)
	}

	segmentLength := options.ResolveSegmentLength(opts.MaxLength, opts.SegmentLength, opts.MaxPayloadSize)
	maxPayloadSize := options.ResolveMaxPayloadSize(opts.MaxPayloadSize, segmentLength)

	names, err := seginfo.ListSegmentNames(opts.DataDir)
	if err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to list segment files").
			WithPath(opts.DataDir)
	}

	d := &Directory{
		dataDir:          opts.DataDir,
		segmentLength:    uint32(segmentLength),
		maxPayloadSize:   maxPayloadSize,
		maxLength:        opts.MaxLength,
		log:              log,
		executor:         opts.Executor,
		timer:            opts.Timer,
		autoSyncInterval: time.Duration(opts.AutoSyncIntervalMs) * time.Millisecond,
		seedFirstID:      opts.FirstMessageID,
		waiters:          make(map[cursor.Waiter]struct{}),
	}

	for _, name := range names {
		firstID, firstTimestamp, perr := seginfo.ParseName(name)
		if perr != nil {
			return nil, perr
		}

		path := filepath.Join(opts.DataDir, name)
		var length int64
		if stat, statErr := os.Stat(path); statErr == nil {
			length = stat.Size()
		}
		d.segs = append(d.segs, segRef{firstID: firstID, firstTimestamp: firstTimestamp, length: length})
	}

	if len(d.segs) == 0 {
		log.Infow("opened empty segment directory", "dataDir", opts.DataDir, "firstMessageID", opts.FirstMessageID)
		return d, nil
	}

	last := d.segs[len(d.segs)-1]
	path := filepath.Join(opts.DataDir, seginfo.GenerateName(last.firstID, last.firstTimestamp))
	seg, err := segment.Open(path, last.firstID, last.firstTimestamp, uint32(segmentLength), log)
	if err != nil {
		return nil, err
	}
	d.current = seg

	log.Infow("opened segment directory",
		"dataDir", opts.DataDir, "segmentCount", len(d.segs), "currentFirstID", last.firstID)
	return d, nil
}

// Append writes one record to the current segment, rolling over to a
// fresh segment first if the current one is full, and returns the
// record's assigned id.
func (d *Directory) Append(timestamp int64, routingKey, payload []byte) (uint64, error) {
	if len(routingKey) > 65535 {
		return 0, errors.NewRoutingKeyTooLargeError(len(routingKey), 65535)
	}
	if d.maxPayloadSize > 0 && uint64(len(payload)) > d.maxPayloadSize {
		return 0, errors.NewFieldRangeError("payload", len(payload), 0, d.maxPayloadSize)
	}

	d.mu.Lock()

	if d.closed {
		d.mu.Unlock()
		return 0, errors.NewStorageError(nil, errors.ErrorCodeIO, "directory is closed").WithPath(d.dataDir)
	}

	if d.current == nil {
		seg, err := d.createSegmentLocked(d.seedFirstID, timestamp)
		if err != nil {
			d.mu.Unlock()
			return 0, err
		}
		d.segs = append(d.segs, segRef{firstID: d.seedFirstID, firstTimestamp: timestamp})
		d.current = seg
	}

	id, err := d.current.Append(timestamp, routingKey, payload)

	var pendingDeletes []string
	if err == segment.ErrSegmentFull {
		id, pendingDeletes, err = d.rolloverAndAppendLocked(timestamp, routingKey, payload)
	}

	if err != nil {
		d.mu.Unlock()
		return 0, err
	}

	waiters := d.snapshotWaitersLocked()
	d.armAutoSyncLocked()
	d.mu.Unlock()

	for _, p := range pendingDeletes {
		d.removeEvictedFile(p)
	}
	for w := range waiters {
		w.Notify()
	}

	return id, nil
}

// rolloverAndAppendLocked closes the current segment, opens a fresh one
// named for the next id, appends the record that didn't fit in the old
// one, and (for an inline, non-executor eviction policy) computes which
// segment files should now be deleted. It must be called with d.mu held.
func (d *Directory) rolloverAndAppendLocked(timestamp int64, routingKey, payload []byte) (uint64, []string, error) {
	recordSize := uint64(segment.RecordHeaderSize) + uint64(len(routingKey)) + uint64(len(payload))
	if uint64(d.segmentLength) >= segment.HeaderSize && recordSize > uint64(d.segmentLength)-segment.HeaderSize {
		return 0, nil, errors.NewStorageError(
			segment.ErrSegmentFull, errors.ErrorCodeMessageTooLarge, "record does not fit even in a freshly rolled segment",
		).WithDetail("payloadLen", len(payload)).
			WithDetail("routingKeyLen", len(routingKey)).
			WithDetail("segmentLength", d.segmentLength)
	}

	old := d.current
	oldIdx := len(d.segs) - 1
	nextFirstID := old.FirstID() + uint64(old.Length()-segment.HeaderSize)
	d.segs[oldIdx].length = int64(old.Length())

	seg, err := d.createSegmentLocked(nextFirstID, timestamp)
	if err != nil {
		return 0, nil, err
	}

	if err := old.Release(); err != nil {
		d.log.Warnw("failed releasing rolled-over segment", "error", err, "firstID", old.FirstID())
	}

	d.segs = append(d.segs, segRef{firstID: nextFirstID, firstTimestamp: timestamp})
	d.current = seg

	id, err := seg.Append(timestamp, routingKey, payload)
	if err != nil {
		return 0, nil, errors.NewStorageError(
			err, errors.ErrorCodeMessageTooLarge, "record does not fit even in a freshly rolled segment",
		).WithDetail("payloadLen", len(payload)).
			WithDetail("routingKeyLen", len(routingKey)).
			WithDetail("segmentLength", d.segmentLength)
	}

	d.log.Infow("segment rollover", "previousFirstID", old.FirstID(), "newFirstID", nextFirstID)

	var pendingDeletes []string
	if d.maxLength > 0 {
		if d.executor != nil {
			d.executor.Go(d.cleanup)
		} else {
			pendingDeletes = d.evictLocked()
		}
	}

	return id, pendingDeletes, nil
}

func (d *Directory) createSegmentLocked(firstID uint64, firstTimestamp int64) (*segment.Segment, error) {
	path := filepath.Join(d.dataDir, seginfo.GenerateName(firstID, firstTimestamp))
	return segment.Open(path, firstID, firstTimestamp, d.segmentLength, d.log)
}

// cleanup is the background eviction job submitted to an Executor. It
// acquires the lock itself, so it must never be called while d.mu is
// already held by the caller.
func (d *Directory) cleanup() error {
	d.mu.Lock()
	paths := d.evictLocked()
	d.mu.Unlock()

	for _, p := range paths {
		d.removeEvictedFile(p)
	}
	return nil
}

func (d *Directory) removeEvictedFile(path string) {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		d.log.Warnw("failed to delete evicted segment file", "path", path, "error", err)
		return
	}
	d.log.Infow("evicted segment file", "path", path)
}

// evictLocked advances firstIndex past segments that push the buffer
// over its configured size cap, never evicting the last (current)
// segment, and returns the file paths the caller should unlink once the
// lock is released. It must be called with d.mu held.
func (d *Directory) evictLocked() []string {
	if d.maxLength == 0 {
		return nil
	}

	var toDelete []string
	for d.totalLengthLocked() > d.maxLength && len(d.segs)-d.firstIndex > 1 {
		victim := d.segs[d.firstIndex]
		toDelete = append(toDelete, filepath.Join(d.dataDir, seginfo.GenerateName(victim.firstID, victim.firstTimestamp)))
		d.firstIndex++
		d.evictionCount++
	}

	d.maybeCompactLocked()
	return toDelete
}

func (d *Directory) maybeCompactLocked() {
	if d.firstIndex < compactionMargin {
		return
	}
	d.segs = append(d.segs[:0], d.segs[d.firstIndex:]...)
	d.firstIndex = 0
}

func (d *Directory) totalLengthLocked() uint64 {
	var total uint64
	lastIdx := len(d.segs) - 1
	for i := d.firstIndex; i < len(d.segs); i++ {
		if i == lastIdx && d.current != nil {
			total += uint64(d.current.Length())
		} else {
			total += uint64(d.segs[i].length)
		}
	}
	return total
}

// Cursor creates a composite cursor positioned at id. If the buffer has
// no segments yet, it returns a stub that starts yielding records as
// soon as the first one is appended.
func (d *Directory) Cursor(id uint64) (*cursor.Cursor, error) {
	d.mu.Lock()
	empty := d.current == nil
	d.mu.Unlock()

	if empty {
		return cursor.NewPending(d, func() (*segment.Segment, bool, *segment.Cursor, bool, error) {
			return d.resolveByID(id)
		}), nil
	}

	seg, isCurrent, inner, ok, err := d.resolveByID(id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NewStorageError(
			nil, errors.ErrorCodeOutOfRange, "id is out of range for this buffer",
		).WithDetail("id", id)
	}
	return cursor.New(d, seg, inner, isCurrent), nil
}

// resolveByID resolves id to a segment and a low-level cursor positioned
// exactly at a record boundary. It is self-contained (acquires d.mu
// itself) so it can double as the Resolver for a pending stub cursor.
func (d *Directory) resolveByID(id uint64) (*segment.Segment, bool, *segment.Cursor, bool, error) {
	d.mu.Lock()
	if d.current == nil {
		d.mu.Unlock()
		return nil, false, nil, false, nil
	}

	nextID := d.current.FirstID() + uint64(d.current.Length()-segment.HeaderSize)
	if id > nextID {
		d.mu.Unlock()
		return nil, false, nil, false, errors.NewStorageError(
			nil, errors.ErrorCodeOutOfRange, "id is beyond the buffer's next message id",
		).WithDetail("id", id).WithDetail("nextID", nextID)
	}

	firstLive := d.segs[d.firstIndex].firstID
	if id < firstLive {
		id = firstLive
	}

	idx := d.findSegmentIndexForIDLocked(id)
	seg, isCurrent, err := d.acquireSegmentLocked(idx)
	d.mu.Unlock()
	if err != nil {
		return nil, false, nil, false, err
	}

	inner, err := seg.CursorByID(id)
	if err != nil {
		seg.Release()
		return nil, false, nil, false, err
	}
	return seg, isCurrent, inner, true, nil
}

// CursorByTimestamp creates a composite cursor whose first unread record
// (if any) satisfies timestamp >= ts; if no record qualifies, the
// returned cursor simply yields nothing until a later append does.
func (d *Directory) CursorByTimestamp(ts int64) (*cursor.Cursor, error) {
	d.mu.Lock()
	empty := d.current == nil
	d.mu.Unlock()

	if empty {
		return cursor.NewPending(d, func() (*segment.Segment, bool, *segment.Cursor, bool, error) {
			return d.resolveByTimestamp(ts)
		}), nil
	}

	seg, isCurrent, inner, ok, err := d.resolveByTimestamp(ts)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, errors.NewStorageError(nil, errors.ErrorCodeOutOfRange, "buffer has no segments").WithDetail("timestamp", ts)
	}
	return cursor.New(d, seg, inner, isCurrent), nil
}

func (d *Directory) resolveByTimestamp(ts int64) (*segment.Segment, bool, *segment.Cursor, bool, error) {
	d.mu.Lock()
	if d.current == nil {
		d.mu.Unlock()
		return nil, false, nil, false, nil
	}
	startIdx := d.findSegmentIndexForTimestampLocked(ts)
	lastIdx := len(d.segs) - 1
	d.mu.Unlock()

	targetSeconds := uint32(ts / 1000)

	for idx := startIdx; idx <= lastIdx; idx++ {
		d.mu.Lock()
		seg, isCurrent, err := d.acquireSegmentLocked(idx)
		d.mu.Unlock()
		if err != nil {
			return nil, false, nil, false, err
		}

		startPos := int64(segment.HeaderSize)
		if bucketIdx := seg.FindBucketByTimestamp(targetSeconds); bucketIdx >= 0 {
			b, berr := seg.Bucket(bucketIdx)
			if berr != nil {
				seg.Release()
				return nil, false, nil, false, berr
			}
			startPos = int64(segment.HeaderSize) + int64(b.FirstID-seg.FirstID())
		}

		c := seg.CursorAt(startPos)
		for {
			ok, nerr := c.Next()
			if nerr != nil {
				seg.Release()
				return nil, false, nil, false, nerr
			}
			if !ok {
				break
			}
			if c.Timestamp() >= ts {
				// Hand back a cursor positioned at this record's start so
				// the caller's first Next() yields it.
				recordStart := int64(segment.HeaderSize) + int64(c.ID()-seg.FirstID())
				return seg, isCurrent, seg.CursorAt(recordStart), true, nil
			}
		}

		if isCurrent {
			return seg, isCurrent, c, true, nil
		}
		seg.Release()
	}

	return nil, false, nil, false, nil
}

// findSegmentIndexForIDLocked returns the index of the live segment with
// the largest first-id <= id. Callers must already have clamped id up to
// the first live segment's first-id.
func (d *Directory) findSegmentIndexForIDLocked(id uint64) int {
	lo, hi := d.firstIndex, len(d.segs)
	idx := sort.Search(hi-lo, func(i int) bool {
		return d.segs[lo+i].firstID > id
	})
	result := lo + idx - 1
	if result < d.firstIndex {
		return d.firstIndex
	}
	return result
}

func (d *Directory) findSegmentIndexForTimestampLocked(ts int64) int {
	lo, hi := d.firstIndex, len(d.segs)
	idx := sort.Search(hi-lo, func(i int) bool {
		return d.segs[lo+i].firstTimestamp > ts
	})
	result := lo + idx - 1
	if result < d.firstIndex {
		return d.firstIndex
	}
	return result
}

// acquireSegmentLocked returns an open, use-counted handle to the
// segment at the given index: the shared current segment if idx is the
// last one, or a fresh read-only handle to an older segment otherwise.
// It must be called with d.mu held; the returned segment must eventually
// be Release()d.
func (d *Directory) acquireSegmentLocked(idx int) (*segment.Segment, bool, error) {
	if idx == len(d.segs)-1 {
		d.current.Use()
		return d.current, true, nil
	}

	ref := d.segs[idx]
	path := filepath.Join(d.dataDir, seginfo.GenerateName(ref.firstID, ref.firstTimestamp))
	seg, err := segment.Open(path, ref.firstID, ref.firstTimestamp, 0, d.log)
	if err != nil {
		return nil, false, err
	}
	return seg, false, nil
}

// NextSegmentAfter implements cursor.Host: it returns the segment whose
// first-id is the smallest one greater than afterFirstID.
func (d *Directory) NextSegmentAfter(afterFirstID uint64) (*segment.Segment, bool, bool, error) {
	d.mu.Lock()
	idx := -1
	for i := d.firstIndex; i < len(d.segs); i++ {
		if d.segs[i].firstID > afterFirstID {
			idx = i
			break
		}
	}
	if idx == -1 {
		d.mu.Unlock()
		return nil, false, false, nil
	}
	seg, isCurrent, err := d.acquireSegmentLocked(idx)
	d.mu.Unlock()
	if err != nil {
		return nil, false, false, err
	}
	return seg, isCurrent, true, nil
}

// RegisterWaiter implements cursor.Host.
func (d *Directory) RegisterWaiter(w cursor.Waiter) {
	d.mu.Lock()
	d.waiters[w] = struct{}{}
	d.mu.Unlock()
}

// UnregisterWaiter implements cursor.Host.
func (d *Directory) UnregisterWaiter(w cursor.Waiter) {
	d.mu.Lock()
	delete(d.waiters, w)
	d.mu.Unlock()
}

func (d *Directory) snapshotWaitersLocked() []cursor.Waiter {
	if len(d.waiters) == 0 {
		return nil
	}
	out := make([]cursor.Waiter, 0, len(d.waiters))
	for w := range d.waiters {
		out = append(out, w)
	}
	return out
}

// armAutoSyncLocked (re)arms the auto-sync task if an interval is
// configured and no task is currently pending. It must be called with
// d.mu held.
func (d *Directory) armAutoSyncLocked() {
	if d.autoSyncInterval <= 0 || d.syncArmed {
		return
	}
	d.syncArmed = true

	fire := func() {
		d.mu.Lock()
		d.syncArmed = false
		seg := d.current
		d.mu.Unlock()

		if seg == nil {
			return
		}
		if err := seg.Checkpoint(true); err != nil {
			d.log.Warnw("auto-sync checkpoint failed", "error", err)
			return
		}
		d.mu.Lock()
		d.lastCheckpoint = time.Now()
		d.mu.Unlock()
	}

	if d.timer != nil {
		d.timer.Reset(fire)
		return
	}
	d.internalTimer = time.AfterFunc(d.autoSyncInterval, fire)
}

// Stats returns a cheap, lock-protected snapshot of the buffer's
// aggregate state.
func (d *Directory) Stats() Stats {
	d.mu.Lock()
	defer d.mu.Unlock()

	s := Stats{
		SegmentCount:   len(d.segs) - d.firstIndex,
		TotalBytes:     d.totalLengthLocked(),
		LastCheckpoint: d.lastCheckpoint,
		EvictionCount:  d.evictionCount,
	}
	if len(d.segs) > d.firstIndex {
		s.FirstMessageID = d.segs[d.firstIndex].firstID
	}
	if d.current != nil {
		s.NextMessageID = d.current.FirstID() + uint64(d.current.Length()-segment.HeaderSize)
	}
	return s
}

// SegmentSummaries returns a read-only snapshot of every live segment's
// identity and size, in id order, for pkg/timeline's high-level view.
func (d *Directory) SegmentSummaries() []SegmentSummary {
	d.mu.Lock()
	defer d.mu.Unlock()

	lastIdx := len(d.segs) - 1
	out := make([]SegmentSummary, 0, len(d.segs)-d.firstIndex)
	for i := d.firstIndex; i < len(d.segs); i++ {
		isCurrent := i == lastIdx && d.current != nil
		size := uint64(d.segs[i].length)
		if isCurrent {
			size = uint64(d.current.Length())
		}
		out = append(out, SegmentSummary{
			FirstID:        d.segs[i].firstID,
			FirstTimestamp: d.segs[i].firstTimestamp,
			SizeBytes:      size,
			IsCurrent:      isCurrent,
		})
	}
	return out
}

// BucketsForSegment returns the histogram buckets of the live segment at
// the given index (0-based over the live window, matching the order
// SegmentSummaries returns), for the per-segment timeline view.
func (d *Directory) BucketsForSegment(index int) ([]segment.BucketInfo, error) {
	d.mu.Lock()
	if index < 0 || d.firstIndex+index >= len(d.segs) {
		d.mu.Unlock()
		return nil, errors.NewStorageError(
			nil, errors.ErrorCodeOutOfRange, "segment index out of range",
		).WithDetail("index", index)
	}
	seg, _, err := d.acquireSegmentLocked(d.firstIndex + index)
	d.mu.Unlock()
	if err != nil {
		return nil, err
	}
	defer seg.Release()

	n := seg.BucketCount()
	buckets := make([]segment.BucketInfo, 0, n)
	for i := 0; i < n; i++ {
		b, err := seg.Bucket(i)
		if err != nil {
			return nil, err
		}
		buckets = append(buckets, b)
	}
	return buckets, nil
}

// Close stops the auto-sync schedule and checkpoints and closes the
// current segment.
func (d *Directory) Close() error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	if d.timer != nil {
		d.timer.Stop()
	}
	if d.internalTimer != nil {
		d.internalTimer.Stop()
	}
	cur := d.current
	d.mu.Unlock()

	if cur == nil {
		return nil
	}
	return cur.Release()
}
