package segment

import (
	"path/filepath"
	"testing"

	"go.uber.org/zap/zaptest"
)

func newSegment(t *testing.T, dir string, firstID uint64, maxFileSize uint32) *Segment {
	t.Helper()
	path := filepath.Join(dir, "test.qdb")
	s, err := Open(path, firstID, 1000, maxFileSize, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s
}

func TestAppendAndCursorByID(t *testing.T) {
	dir := t.TempDir()
	s := newSegment(t, dir, 0, HeaderSize+4096)
	defer s.Release()

	id1, err := s.Append(1000, []byte("k1"), []byte("hello"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	id2, err := s.Append(2000, []byte("k2"), []byte("world"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id1 != 0 {
		t.Fatalf("expected first id 0, got %d", id1)
	}
	if id2 <= id1 {
		t.Fatalf("expected increasing ids, got %d then %d", id1, id2)
	}

	cur, err := s.CursorByID(id1)
	if err != nil {
		t.Fatalf("CursorByID: %v", err)
	}

	ok, err := cur.Next()
	if err != nil || !ok {
		t.Fatalf("Next() = %v, %v", ok, err)
	}
	if cur.ID() != id1 || cur.Timestamp() != 1000 || string(cur.RoutingKey()) != "k1" {
		t.Fatalf("unexpected record: id=%d ts=%d key=%s", cur.ID(), cur.Timestamp(), cur.RoutingKey())
	}
	payload, err := cur.Payload()
	if err != nil || string(payload) != "hello" {
		t.Fatalf("Payload() = %q, %v", payload, err)
	}

	ok, err = cur.Next()
	if err != nil || !ok {
		t.Fatalf("second Next() = %v, %v", ok, err)
	}
	if cur.ID() != id2 {
		t.Fatalf("expected id %d, got %d", id2, cur.ID())
	}

	ok, err = cur.Next()
	if err != nil || ok {
		t.Fatalf("expected end of segment, got ok=%v err=%v", ok, err)
	}
}

func TestAppendFailsWhenFull(t *testing.T) {
	dir := t.TempDir()
	s := newSegment(t, dir, 0, HeaderSize+32)
	defer s.Release()

	if _, err := s.Append(1000, nil, make([]byte, 64)); err != ErrSegmentFull {
		t.Fatalf("expected ErrSegmentFull, got %v", err)
	}
}

func TestCheckpointRecoversAfterReopen(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "recover.qdb")
	log := zaptest.NewLogger(t).Sugar()

	s, err := Open(path, 0, 1000, HeaderSize+4096, log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := s.Append(1000, nil, []byte("a")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := s.Checkpoint(true); err != nil {
		t.Fatalf("Checkpoint: %v", err)
	}
	if _, err := s.Append(2000, nil, []byte("b")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	// Simulate a crash: the second append was never checkpointed.
	if err := s.file.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	s2, err := Open(path, 0, 1000, 0, log)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer s2.Release()

	if s2.Length() != HeaderSize+RecordHeaderSize+1 {
		t.Fatalf("expected recovery to truncate to checkpointed length, got %d", s2.Length())
	}
}

func TestUseCountKeepsFileOpenUntilAllReleased(t *testing.T) {
	dir := t.TempDir()
	s := newSegment(t, dir, 0, HeaderSize+4096)
	s.Use()

	if err := s.Release(); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if s.closed.Load() {
		t.Fatalf("segment closed before use count reached zero")
	}
	if err := s.Release(); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if !s.closed.Load() {
		t.Fatalf("expected segment closed after final release")
	}
}

func TestBucketInfo(t *testing.T) {
	dir := t.TempDir()
	s := newSegment(t, dir, 0, HeaderSize+4096)
	defer s.Release()

	if _, err := s.Append(1000, nil, []byte("a")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if s.BucketCount() != 1 {
		t.Fatalf("expected 1 bucket, got %d", s.BucketCount())
	}
	info, err := s.Bucket(0)
	if err != nil {
		t.Fatalf("Bucket: %v", err)
	}
	if info.FirstID != 0 || info.Count != 1 {
		t.Fatalf("unexpected bucket info: %+v", info)
	}
}
