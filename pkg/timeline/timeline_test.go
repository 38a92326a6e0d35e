package timeline

import (
	"testing"

	"github.com/qdb-io/qdbbuffer/internal/directory"
	"github.com/qdb-io/qdbbuffer/pkg/options"
	"go.uber.org/zap/zaptest"
)

func newDirectory(t *testing.T, segmentLength uint64) *directory.Directory {
	t.Helper()
	opts := options.Options{DataDir: t.TempDir(), SegmentLength: segmentLength}
	d, err := directory.Open(&opts, zaptest.NewLogger(t).Sugar())
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return d
}

func TestHighLevelHasTrailingUnknownEntry(t *testing.T) {
	d := newDirectory(t, 4096+4096)
	defer d.Close()

	if _, err := d.Append(1000, []byte("k"), []byte("v")); err != nil {
		t.Fatalf("Append: %v", err)
	}

	tl := HighLevel(d)
	if tl.Len() != 2 {
		t.Fatalf("expected 1 segment entry + 1 trailing entry, got %d", tl.Len())
	}
	if tl.GetCount(0) != 0 {
		t.Fatalf("expected high-level segment count 0, got %d", tl.GetCount(0))
	}
	if tl.GetCount(1) != -1 {
		t.Fatalf("expected trailing entry count -1, got %d", tl.GetCount(1))
	}
}

func TestPerSegmentReflectsBucketCounts(t *testing.T) {
	d := newDirectory(t, 4096+4096)
	defer d.Close()

	for i := 0; i < 3; i++ {
		if _, err := d.Append(int64(1000+i), []byte("k"), []byte("v")); err != nil {
			t.Fatalf("Append %d: %v", i, err)
		}
	}

	tl, err := PerSegment(d, 0)
	if err != nil {
		t.Fatalf("PerSegment: %v", err)
	}
	if tl.Len() == 0 {
		t.Fatalf("expected at least one bucket entry")
	}
	if tl.GetCount(0) <= 0 {
		t.Fatalf("expected a positive bucket count, got %d", tl.GetCount(0))
	}
}
