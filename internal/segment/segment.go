// Package segment implements a single on-disk segment file: a fixed
// 4096-byte header (magic, max-file-size, checkpoint-length, and a
// time/id histogram) followed by an append-only run of message records.
//
// A Segment is the unit of durability and recovery: appends are visible
// to the in-memory current-length immediately, but only durable after a
// checkpoint's fsync; reopening a segment recovers by truncating any
// bytes written past the last checkpoint.
package segment

import (
	stdErrors "errors"
	"io"
	"os"
	"sync"
	"sync/atomic"

	"github.com/qdb-io/qdbbuffer/internal/bufreader"
	"github.com/qdb-io/qdbbuffer/internal/index"
	"github.com/qdb-io/qdbbuffer/pkg/errors"
	"go.uber.org/zap"
)

var (
	// ErrSegmentClosed is returned by any operation attempted after the
	// segment's use-count has dropped to zero and it has been closed.
	ErrSegmentClosed = stdErrors.New("operation failed: cannot access closed segment")

	// ErrSegmentFull is the internal rollover signal returned by Append
	// when a record does not fit in the segment's remaining capacity.
	// It is never returned to a buffer caller directly; the directory
	// translates it into a rollover or ErrorCodeMessageTooLarge.
	ErrSegmentFull = errors.NewStorageError(nil, errors.ErrorCodeSegmentFull, "segment is full")
)

// RecordHeaderSize is the fixed, non-payload, non-key portion of an
// on-disk message record.
const RecordHeaderSize = 15

// recordType is the single valid message record type byte.
const recordType = 0xA1

// Segment represents one open segment file.
type Segment struct {
	mu sync.Mutex

	file *os.File
	path string

	firstID        uint64
	firstTimestamp int64

	maxFileSize uint32
	length      uint32 // current-length: the logical end of written data.

	hist *index.Index

	useCount atomic.Int32
	closed   atomic.Bool

	log *zap.SugaredLogger
}

// Open opens an existing segment file at path, or creates one if it
// does not exist. firstID and firstTimestamp identify the segment (and
// must match its filename, which the caller is responsible for
// generating via pkg/seginfo). maxFileSize is required when creating a
// new file and ignored (taken from the header) when opening an existing
// one.
func Open(path string, firstID uint64, firstTimestamp int64, maxFileSize uint32, log *zap.SugaredLogger) (*Segment, error) {
	exists, err := statExists(path)
	if err != nil {
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to stat segment file").
			WithPath(path)
	}

	if exists {
		return openExisting(path, firstID, firstTimestamp, log)
	}
	return createNew(path, firstID, firstTimestamp, maxFileSize, log)
}

func statExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if os.IsNotExist(err) {
		return false, nil
	}
	return false, err
}

func createNew(path string, firstID uint64, firstTimestamp int64, maxFileSize uint32, log *zap.SugaredLogger) (*Segment, error) {
	if maxFileSize < HeaderSize {
		return nil, errors.NewValidationError(
			nil, errors.ErrorCodeInvalidInput, "max-file-size must be at least the header size",
		).WithField("maxFileSize").WithProvided(maxFileSize).WithExpected(HeaderSize)
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_EXCL, 0644)
	if err != nil {
		return nil, errors.ClassifyFileOpenError(err, path, filepathBase(path))
	}

	header := encodeHeader(maxFileSize, HeaderSize, nil)
	if _, err := file.WriteAt(header, 0); err != nil {
		file.Close()
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to write new segment header").
			WithPath(path)
	}

	s := &Segment{
		file:           file,
		path:           path,
		firstID:        firstID,
		firstTimestamp: firstTimestamp,
		maxFileSize:    maxFileSize,
		length:         HeaderSize,
		hist:           index.New(bucketSpanFor(maxFileSize)),
		log:            log,
	}
	s.useCount.Store(1)

	log.Infow("created new segment", "path", path, "firstID", firstID, "maxFileSize", maxFileSize)
	return s, nil
}

func openExisting(path string, firstID uint64, firstTimestamp int64, log *zap.SugaredLogger) (*Segment, error) {
	file, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, errors.ClassifyFileOpenError(err, path, filepathBase(path))
	}

	stat, err := file.Stat()
	if err != nil {
		file.Close()
		return nil, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to stat segment file").WithPath(path)
	}

	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(io.NewSectionReader(file, 0, HeaderSize), headerBuf); err != nil {
		file.Close()
		return nil, errors.NewStorageError(err, errors.ErrorCodeHeaderReadFailure, "failed to read segment header").
			WithPath(path)
	}

	maxFileSize, checkpointLength, buckets, err := decodeHeader(headerBuf, stat.Size())
	if err != nil {
		file.Close()
		return nil, err
	}

	if int64(checkpointLength) < stat.Size() {
		if err := file.Truncate(int64(checkpointLength)); err != nil {
			file.Close()
			return nil, errors.NewStorageError(err, errors.ErrorCodeRecoveryFailed, "failed to truncate segment to last checkpoint").
				WithPath(path).WithOffset(int64(checkpointLength))
		}
		log.Infow("recovered segment, truncated tail past checkpoint",
			"path", path, "fileSize", stat.Size(), "checkpointLength", checkpointLength)
	}

	hist := index.New(bucketSpanFor(maxFileSize))
	if err := hist.LoadFromRaw(buckets); err != nil {
		file.Close()
		return nil, err
	}

	s := &Segment{
		file:           file,
		path:           path,
		firstID:        firstID,
		firstTimestamp: firstTimestamp,
		maxFileSize:    maxFileSize,
		length:         checkpointLength,
		hist:           hist,
		log:            log,
	}
	s.useCount.Store(1)

	log.Infow("opened existing segment", "path", path, "firstID", firstID, "length", checkpointLength)
	return s, nil
}

// Append writes one message record and returns its assigned id.
//
// If the record does not fit in the segment's remaining capacity,
// Append returns ErrSegmentFull without modifying any state; the caller
// (the directory) is responsible for rolling over to a new segment.
func (s *Segment) Append(timestamp int64, routingKey []byte, payload []byte) (uint64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed.Load() {
		return 0, ErrSegmentClosed
	}

	recordSize := uint64(RecordHeaderSize) + uint64(len(routingKey)) + uint64(len(payload))
	remaining := uint64(s.maxFileSize) - uint64(s.length)
	if recordSize > remaining {
		return 0, ErrSegmentFull
	}

	buf := make([]byte, recordSize)
	buf[0] = recordType
	putInt64(buf[1:9], timestamp)
	putUint16(buf[9:11], uint16(len(routingKey)))
	putUint32(buf[11:15], uint32(len(payload)))
	copy(buf[15:15+len(routingKey)], routingKey)
	copy(buf[15+len(routingKey):], payload)

	relativeID := s.length - HeaderSize

	if _, err := s.file.WriteAt(buf, int64(s.length)); err != nil {
		// current-length is left unchanged: the next reopen's recovery
		// truncation will discard this partial write.
		return 0, errors.NewStorageError(err, errors.ErrorCodeIO, "failed to write segment record").
			WithPath(s.path).WithOffset(int64(s.length))
	}

	s.length += uint32(recordSize)
	s.hist.Observe(relativeID, uint32(timestamp/1000))

	return s.firstID + uint64(relativeID), nil
}

// Checkpoint persists the current-length and histogram to the header. If
// force is true, it fsyncs a second time after writing the header so the
// header update itself is durable before returning.
func (s *Segment) Checkpoint(force bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.checkpointLocked(force)
}

func (s *Segment) checkpointLocked(force bool) error {
	if err := s.file.Sync(); err != nil {
		return errors.ClassifySyncError(err, filepathBase(s.path), s.path, int64(s.length))
	}

	header := encodeHeader(s.maxFileSize, s.length, s.hist.Buckets())
	if _, err := s.file.WriteAt(header, 0); err != nil {
		return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to write segment header").WithPath(s.path)
	}

	if force {
		if err := s.file.Sync(); err != nil {
			return errors.ClassifySyncError(err, filepathBase(s.path), s.path, 0)
		}
	}

	return nil
}

// Use increments the segment's reference count. Callers that hold onto
// a Segment beyond the call that returned it (cursors sharing the
// current segment) must call Use before the owner could otherwise close
// it, and Release exactly once when done.
func (s *Segment) Use() {
	s.useCount.Add(1)
}

// Release decrements the segment's reference count, closing the
// underlying file (after a final forced checkpoint) once the count
// reaches zero.
func (s *Segment) Release() error {
	if s.useCount.Add(-1) > 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}

	if err := s.checkpointLocked(true); err != nil {
		s.log.Warnw("final checkpoint failed while closing segment", "path", s.path, "error", err)
	}
	return s.file.Close()
}

// ReadAtLocked implements bufreader.FileSource, serializing reads
// against concurrent appends and checkpoints under the segment mutex.
func (s *Segment) ReadAtLocked(p []byte, off int64) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.ReadAt(p, off)
}

// FirstID returns the id assigned to this segment's first message.
func (s *Segment) FirstID() uint64 {
	return s.firstID
}

// FirstTimestamp returns this segment's first message's timestamp.
func (s *Segment) FirstTimestamp() int64 {
	return s.firstTimestamp
}

// Path returns the segment's file path.
func (s *Segment) Path() string {
	return s.path
}

// Length returns the segment's current logical length, including the
// header.
func (s *Segment) Length() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.length
}

// MaxFileSize returns the segment's configured maximum file size.
func (s *Segment) MaxFileSize() uint32 {
	return s.maxFileSize
}

// Remaining returns how many more payload bytes could still be
// appended, ignoring per-record overhead.
func (s *Segment) Remaining() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.maxFileSize - s.length
}

// CursorByID creates a low-level Cursor positioned at the record with
// the given absolute id, which must fall on a record boundary within
// this segment.
func (s *Segment) CursorByID(id uint64) (*Cursor, error) {
	s.mu.Lock()
	length := s.length
	firstID := s.firstID
	s.mu.Unlock()

	payloadBytes := length - HeaderSize
	if id < firstID || id > firstID+uint64(payloadBytes) {
		return nil, errors.NewStorageError(
			nil, errors.ErrorCodeOutOfRange, "id is out of range for this segment",
		).WithSegmentID(firstID).WithDetail("id", id).WithDetail("payloadBytes", payloadBytes)
	}

	pos := int64(HeaderSize) + int64(id-firstID)
	return newCursor(s, pos), nil
}

// CursorAt creates a low-level Cursor positioned at an exact absolute
// byte offset, which must be a record boundary: the start of the data
// region, or a record start found via FindBucketByTimestamp and a
// forward scan.
func (s *Segment) CursorAt(pos int64) *Cursor {
	return newCursor(s, pos)
}

// FindBucketByTimestamp returns the index of the histogram bucket
// holding the first record that might satisfy timestamp ≥ target,
// narrowing where a seek-by-timestamp scan should begin. It returns -1
// if the target precedes the first bucket.
func (s *Segment) FindBucketByTimestamp(timestampSeconds uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.FindByTimestampSeconds(timestampSeconds)
}

// FindBucketByID returns the index of the histogram bucket holding the
// record at relativeID. It returns -1 if relativeID precedes the first
// bucket.
func (s *Segment) FindBucketByID(relativeID uint32) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.FindByID(relativeID)
}

// BucketCount returns the number of live histogram buckets.
func (s *Segment) BucketCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.hist.Count()
}

// BucketInfo describes one histogram bucket in absolute terms, suitable
// for exposing through a Timeline.
type BucketInfo struct {
	FirstID               uint64
	FirstTimestampSeconds  uint32
	Count                  uint32
	SizeBytes              uint32
}

// Bucket returns absolute information about the bucket at index i:
// its first id, first timestamp, record count, and the number of bytes
// it spans (computed against the next bucket, or the segment's current
// length for the last bucket).
func (s *Segment) Bucket(i int) (BucketInfo, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	b, err := s.hist.Bucket(i)
	if err != nil {
		return BucketInfo{}, err
	}

	var size uint32
	if i == s.hist.Count()-1 {
		size = s.length - HeaderSize - b.FirstRelativeID
	} else {
		next, err := s.hist.Bucket(i + 1)
		if err != nil {
			return BucketInfo{}, err
		}
		size = next.FirstRelativeID - b.FirstRelativeID
	}

	return BucketInfo{
		FirstID:               s.firstID + uint64(b.FirstRelativeID),
		FirstTimestampSeconds: b.FirstTimestampSeconds,
		Count:                 b.Count,
		SizeBytes:             size,
	}, nil
}

func filepathBase(path string) string {
	for i := len(path) - 1; i >= 0; i-- {
		if path[i] == '/' {
			return path[i+1:]
		}
	}
	return path
}

func putUint16(b []byte, v uint16) { b[0] = byte(v >> 8); b[1] = byte(v) }
func putUint32(b []byte, v uint32) {
	b[0] = byte(v >> 24)
	b[1] = byte(v >> 16)
	b[2] = byte(v >> 8)
	b[3] = byte(v)
}
func putInt64(b []byte, v int64) {
	u := uint64(v)
	for i := 0; i < 8; i++ {
		b[i] = byte(u >> (56 - 8*i))
	}
}

var _ bufreader.FileSource = (*Segment)(nil)
