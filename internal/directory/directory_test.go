package directory

import (
	"testing"
	"time"

	"github.com/qdb-io/qdbbuffer/pkg/options"
	"go.uber.org/zap/zaptest"
)

func newDirectory(t *testing.T, dataDir string, segmentLength uint64) *Directory {
	t.Helper()
	opts := options.Options{
		DataDir:       dataDir,
		SegmentLength: segmentLength,
	}
	d, err := Open(&opts, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return d
}

func TestAppendCreatesFirstSegmentLazily(t *testing.T) {
	dir := t.TempDir()
	d := newDirectory(t, dir, 4096+4096)
	defer d.Close()

	if d.current != nil {
		t.Fatalf("expected no current segment before first append")
	}

	id, err := d.Append(1000, []byte("k"), []byte("hello"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if id != 0 {
		t.Fatalf("expected first id 0, got %d", id)
	}
	if d.current == nil {
		t.Fatalf("expected a current segment after first append")
	}
}

func TestAppendRollsOverToNewSegment(t *testing.T) {
	dir := t.TempDir()
	d := newDirectory(t, dir, 4096+64)
	defer d.Close()

	var lastID uint64
	for i := 0; i < 10; i++ {
		id, err := d.Append(int64(1000+i), []byte("k"), make([]byte, 32))
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		lastID = id
	}

	if len(d.segs) < 2 {
		t.Fatalf("expected rollover to have created more than one segment, got %d", len(d.segs))
	}
	if d.current.FirstID() == 0 && lastID == 0 {
		t.Fatalf("unexpected first id bookkeeping")
	}
}

func TestAppendRejectsOversizedPayload(t *testing.T) {
	dir := t.TempDir()
	d := newDirectory(t, dir, 4096)
	defer d.Close()

	big := make([]byte, 1<<20)
	if _, err := d.Append(1000, nil, big); err == nil {
		t.Fatalf("expected error for oversized payload")
	}
}

func TestCursorOnEmptyDirectoryResolvesAfterFirstAppend(t *testing.T) {
	dir := t.TempDir()
	d := newDirectory(t, dir, 4096+4096)
	defer d.Close()

	cur, err := d.Cursor(0)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	defer cur.Close()

	ok, err := cur.Next()
	if err != nil || ok {
		t.Fatalf("expected no records yet, got ok=%v err=%v", ok, err)
	}

	if _, err := d.Append(1000, []byte("k"), []byte("hello")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	ok, err = cur.Next()
	if err != nil || !ok {
		t.Fatalf("expected a record after append, got ok=%v err=%v", ok, err)
	}
	if cur.ID() != 0 {
		t.Fatalf("expected id 0, got %d", cur.ID())
	}
}

func TestCursorFollowsAppendsAcrossRollover(t *testing.T) {
	dir := t.TempDir()
	d := newDirectory(t, dir, 4096+64)
	defer d.Close()

	cur, err := d.Cursor(0)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	defer cur.Close()

	var ids []uint64
	for i := 0; i < 10; i++ {
		id, err := d.Append(int64(1000+i), []byte("k"), make([]byte, 32))
		if err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
		ids = append(ids, id)
	}

	for _, want := range ids {
		ok, err := cur.Next()
		if err != nil || !ok {
			t.Fatalf("Next() = %v, %v", ok, err)
		}
		if cur.ID() != want {
			t.Fatalf("expected id %d, got %d", want, cur.ID())
		}
	}

	ok, err := cur.Next()
	if err != nil || ok {
		t.Fatalf("expected caught up, got ok=%v err=%v", ok, err)
	}
}

func TestCursorByTimestampSkipsEarlierRecords(t *testing.T) {
	dir := t.TempDir()
	d := newDirectory(t, dir, 4096+4096)
	defer d.Close()

	for i := 0; i < 5; i++ {
		if _, err := d.Append(int64(1000*(i+1)), []byte("k"), []byte("v")); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	cur, err := d.CursorByTimestamp(3000)
	if err != nil {
		t.Fatalf("CursorByTimestamp: %v", err)
	}
	defer cur.Close()

	ok, err := cur.Next()
	if err != nil || !ok {
		t.Fatalf("Next() = %v, %v", ok, err)
	}
	if cur.Timestamp() < 3000 {
		t.Fatalf("expected first record timestamp >= 3000, got %d", cur.Timestamp())
	}
}

func TestCursorByTimestampBeyondAllDataYieldsNothingYet(t *testing.T) {
	dir := t.TempDir()
	d := newDirectory(t, dir, 4096+4096)
	defer d.Close()

	if _, err := d.Append(1000, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	cur, err := d.CursorByTimestamp(999999)
	if err != nil {
		t.Fatalf("CursorByTimestamp: %v", err)
	}
	defer cur.Close()

	ok, err := cur.Next()
	if err != nil || ok {
		t.Fatalf("expected no records yet, got ok=%v err=%v", ok, err)
	}
}

func TestEvictionKeepsAtLeastOneSegment(t *testing.T) {
	dir := t.TempDir()
	opts := options.Options{
		DataDir:       dir,
		SegmentLength: 4096 + 64,
		MaxLength:     1, // force eviction pressure on every rollover.
	}
	d, err := Open(&opts, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	for i := 0; i < 40; i++ {
		if _, err := d.Append(int64(1000+i), []byte("k"), make([]byte, 32)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	stats := d.Stats()
	if stats.EvictionCount == 0 {
		t.Fatalf("expected eviction pressure to have evicted at least one segment")
	}
	if stats.SegmentCount < 1 {
		t.Fatalf("expected at least one live segment, got %d", stats.SegmentCount)
	}
}

func TestReopenRecoversExistingSegments(t *testing.T) {
	dir := t.TempDir()
	log := zaptest.NewLogger(t).Sugar()

	opts := options.Options{DataDir: dir, SegmentLength: 4096 + 4096}
	d, err := Open(&opts, log)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if _, err := d.Append(1000, []byte("k"), []byte("hello")); err != nil {
		t.Fatalf("Append: %v", err)
	}
	if err := d.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	d2, err := Open(&opts, log)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	defer d2.Close()

	stats := d2.Stats()
	if stats.NextMessageID == 0 {
		t.Fatalf("expected recovered state to reflect the prior append, got next id %d", stats.NextMessageID)
	}
}

func TestAutoSyncChecksPointsOnInterval(t *testing.T) {
	dir := t.TempDir()
	opts := options.Options{
		DataDir:            dir,
		SegmentLength:      4096 + 4096,
		AutoSyncIntervalMs: 20,
	}
	d, err := Open(&opts, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer d.Close()

	if _, err := d.Append(1000, []byte("k"), []byte("hello")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if !d.Stats().LastCheckpoint.IsZero() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected auto-sync to have checkpointed within the deadline")
}
