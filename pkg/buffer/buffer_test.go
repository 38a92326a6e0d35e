package buffer

import (
	"testing"

	"github.com/qdb-io/qdbbuffer/pkg/options"
)

func TestOpenAppendAndCursor(t *testing.T) {
	dir := t.TempDir()

	b, err := Open(options.WithDataDir(dir), options.WithSegmentLength(4096+4096))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer b.Close()

	id, err := b.Append(1000, []byte("orders.created"), []byte("payload"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}

	cur, err := b.Cursor(id)
	if err != nil {
		t.Fatalf("Cursor: %v", err)
	}
	defer cur.Close()

	ok, err := cur.Next()
	if err != nil || !ok {
		t.Fatalf("Next() = %v, %v", ok, err)
	}
	payload, err := cur.Payload()
	if err != nil || string(payload) != "payload" {
		t.Fatalf("Payload() = %q, %v", payload, err)
	}

	stats := b.Stats()
	if stats.SegmentCount != 1 {
		t.Fatalf("expected 1 segment, got %d", stats.SegmentCount)
	}
}

func TestOpenWithAsyncEviction(t *testing.T) {
	dir := t.TempDir()

	b, err := Open(
		options.WithDataDir(dir),
		options.WithSegmentLength(4096+64),
		options.WithMaxLength(1),
		WithAsyncEviction(),
	)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	for i := 0; i < 20; i++ {
		if _, err := b.Append(int64(1000+i), []byte("k"), make([]byte, 32)); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	// Close must wait for any eviction job still in flight, so the
	// eviction count observed right after is stable, not racy.
	if err := b.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if stats := b.Stats(); stats.EvictionCount == 0 {
		t.Fatalf("expected async eviction to have run at least once")
	}
}
