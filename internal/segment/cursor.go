package segment

import (
	stdErrors "errors"
	"io"

	"github.com/qdb-io/qdbbuffer/internal/bufreader"
	"github.com/qdb-io/qdbbuffer/pkg/errors"
)

// Cursor sequentially reads message records from one Segment, starting
// at a fixed absolute byte offset. It is the low-level iterator that
// internal/cursor composes across segment boundaries; callers outside
// this package should use that composite cursor instead.
//
// A Cursor holds its own buffered reader and is not safe for concurrent
// use, but many Cursors may read the same Segment concurrently: all
// file access goes through Segment.ReadAtLocked, which serializes reads
// against the writer.
type Cursor struct {
	seg *Segment
	r   *bufreader.Reader

	id          uint64
	timestamp   int64
	routingKey  []byte
	payloadLen  uint32
	payloadPos  int64
	payloadRead bool // whether Payload() has been called for the current record.
	hasRecord   bool // whether Next() has successfully parsed at least one record yet.
}

func newCursor(seg *Segment, startPos int64) *Cursor {
	return &Cursor{
		seg: seg,
		r:   bufreader.NewReader(seg, startPos, bufreader.DefaultCapacity),
	}
}

// Next advances to the next record. It returns false once the cursor
// has reached the segment's current length; callers distinguish
// end-of-data from an error by checking the returned error.
func (c *Cursor) Next() (bool, error) {
	if c.hasRecord && !c.payloadRead {
		c.r.Skip(int64(c.payloadLen))
	}

	length := c.seg.Length()
	if c.r.Position() >= int64(length) {
		return false, nil
	}

	recordStart := c.r.Position()

	typeByte, err := c.r.ReadByte()
	if err != nil {
		return false, ioErrToCorrupt(c.seg, recordStart, "type", err)
	}
	if typeByte != recordType {
		return false, errors.NewStorageError(
			nil, errors.ErrorCodeCorrupt, "segment record has invalid type byte",
		).WithSegmentID(c.seg.firstID).WithOffset(recordStart).WithDetail("gotType", typeByte)
	}

	ts, err := c.r.ReadI64()
	if err != nil {
		return false, ioErrToCorrupt(c.seg, recordStart, "timestamp", err)
	}

	keyLen, err := c.r.ReadU16()
	if err != nil {
		return false, ioErrToCorrupt(c.seg, recordStart, "routing-key-length", err)
	}

	payloadLen, err := c.r.ReadU32()
	if err != nil {
		return false, ioErrToCorrupt(c.seg, recordStart, "payload-length", err)
	}

	bodyEnd := recordStart + RecordHeaderSize + int64(keyLen) + int64(payloadLen)
	if bodyEnd > int64(length) {
		return false, errors.NewStorageError(
			nil, errors.ErrorCodeCorrupt, "segment record body extends past segment length",
		).WithSegmentID(c.seg.firstID).WithOffset(recordStart).
			WithDetail("bodyEnd", bodyEnd).WithDetail("length", length)
	}

	key := make([]byte, keyLen)
	if err := c.r.ReadFull(key); err != nil {
		return false, ioErrToCorrupt(c.seg, recordStart, "routing-key", err)
	}

	c.id = c.seg.firstID + uint64(recordStart-HeaderSize)
	c.timestamp = ts
	c.routingKey = key
	c.payloadLen = payloadLen
	c.payloadPos = c.r.Position()
	c.payloadRead = false
	c.hasRecord = true

	return true, nil
}

// ID returns the current record's absolute message id.
func (c *Cursor) ID() uint64 {
	return c.id
}

// Timestamp returns the current record's timestamp in milliseconds.
func (c *Cursor) Timestamp() int64 {
	return c.timestamp
}

// RoutingKey returns the current record's routing key.
func (c *Cursor) RoutingKey() []byte {
	return c.routingKey
}

// PayloadLen returns the current record's payload length without
// reading it.
func (c *Cursor) PayloadLen() uint32 {
	return c.payloadLen
}

// Payload reads and returns the current record's payload, which may be a
// zero-length (but non-nil) slice for a record whose payload-length was
// 0. It may only be called once per record; a second call returns
// ErrPayloadConsumed.
func (c *Cursor) Payload() ([]byte, error) {
	if c.payloadRead {
		return nil, ErrPayloadConsumed
	}

	p := make([]byte, c.payloadLen)
	if c.payloadLen > 0 {
		if err := bufreader.NewReader(c.seg, c.payloadPos, bufreader.DefaultCapacity).ReadFull(p); err != nil {
			return nil, ioErrToCorrupt(c.seg, c.payloadPos, "payload", err)
		}
	}

	c.r.SeekTo(c.payloadPos + int64(c.payloadLen))
	c.payloadRead = true
	return p, nil
}

// Position returns the cursor's current absolute byte offset within the
// segment, i.e. where the next Next() call would begin reading.
func (c *Cursor) Position() int64 {
	if c.hasRecord && !c.payloadRead {
		return c.payloadPos + int64(c.payloadLen)
	}
	return c.r.Position()
}

// ErrPayloadConsumed is returned by Payload when called a second time
// for the same record.
var ErrPayloadConsumed = stdErrors.New("payload already consumed for this record")

func ioErrToCorrupt(seg *Segment, offset int64, field string, err error) error {
	if stdErrors.Is(err, io.ErrUnexpectedEOF) {
		return errors.NewStorageError(
			err, errors.ErrorCodeCorrupt, "segment record truncated while reading "+field,
		).WithSegmentID(seg.firstID).WithOffset(offset)
	}
	return errors.NewStorageError(err, errors.ErrorCodeIO, "failed to read segment record "+field).
		WithSegmentID(seg.firstID).WithOffset(offset)
}
