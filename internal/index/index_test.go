package index

import "testing"

func TestObserveOpensFirstBucket(t *testing.T) {
	idx := New(230)
	flushed := idx.Observe(0, 100)
	if !flushed {
		t.Fatalf("expected first observation to open a bucket")
	}
	if idx.Count() != 1 {
		t.Fatalf("expected 1 bucket, got %d", idx.Count())
	}
	b, err := idx.Bucket(0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if b.Count != 1 || b.FirstRelativeID != 0 || b.FirstTimestampSeconds != 100 {
		t.Fatalf("unexpected bucket: %+v", b)
	}
}

func TestObserveAccumulatesUnderSpan(t *testing.T) {
	idx := New(230)
	idx.Observe(0, 100)
	idx.Observe(115, 100)
	if idx.Count() != 1 {
		t.Fatalf("expected 1 bucket, got %d", idx.Count())
	}
	b, _ := idx.Bucket(0)
	if b.Count != 2 {
		t.Fatalf("expected count 2, got %d", b.Count)
	}
}

func TestObserveFlushesAtSpanBoundary(t *testing.T) {
	idx := New(230)
	idx.Observe(0, 100)
	idx.Observe(115, 100)
	flushed := idx.Observe(230, 101)
	if !flushed {
		t.Fatalf("expected relative id 230 to open a new bucket")
	}
	if idx.Count() != 2 {
		t.Fatalf("expected 2 buckets, got %d", idx.Count())
	}
}

func TestObserveStopsAtMaxBuckets(t *testing.T) {
	idx := New(1)
	for i := uint32(0); i < MaxBuckets+10; i++ {
		idx.Observe(i, i)
	}
	if idx.Count() != MaxBuckets {
		t.Fatalf("expected histogram to cap at %d buckets, got %d", MaxBuckets, idx.Count())
	}
}

func TestFindByID(t *testing.T) {
	idx := New(230)
	idx.Observe(0, 100)
	idx.Observe(230, 101)
	idx.Observe(460, 102)

	cases := []struct {
		id   uint32
		want int
	}{
		{0, 0},
		{100, 0},
		{229, 0},
		{230, 1},
		{459, 1},
		{460, 2},
		{9999, 2},
	}
	for _, c := range cases {
		if got := idx.FindByID(c.id); got != c.want {
			t.Errorf("FindByID(%d) = %d, want %d", c.id, got, c.want)
		}
	}
}

func TestFindByIDBeforeFirstBucket(t *testing.T) {
	idx := New(230)
	if got := idx.FindByID(5); got != -1 {
		t.Fatalf("expected -1 for empty histogram, got %d", got)
	}

	idx.Observe(10, 100)
	if got := idx.FindByID(5); got != -1 {
		t.Fatalf("expected -1 for an id before the first bucket, got %d", got)
	}
}

func TestFindByTimestampSeconds(t *testing.T) {
	idx := New(230)
	idx.Observe(0, 100)
	idx.Observe(230, 200)
	idx.Observe(460, 300)

	if got := idx.FindByTimestampSeconds(50); got != -1 {
		t.Fatalf("expected -1 before first bucket, got %d", got)
	}
	if got := idx.FindByTimestampSeconds(150); got != 0 {
		t.Fatalf("expected bucket 0, got %d", got)
	}
	if got := idx.FindByTimestampSeconds(300); got != 2 {
		t.Fatalf("expected bucket 2, got %d", got)
	}
	if got := idx.FindByTimestampSeconds(1000); got != 2 {
		t.Fatalf("expected bucket 2 for a future timestamp, got %d", got)
	}
}

func TestBucketOutOfRange(t *testing.T) {
	idx := New(230)
	idx.Observe(0, 100)
	if _, err := idx.Bucket(1); err == nil {
		t.Fatalf("expected an out-of-range error")
	}
}

func TestLoadFromRawRejectsNonMonotonic(t *testing.T) {
	idx := New(230)
	raw := []Bucket{{FirstRelativeID: 10}, {FirstRelativeID: 5}}
	if err := idx.LoadFromRaw(raw); err == nil {
		t.Fatalf("expected a corruption error for non-monotonic buckets")
	}
}

func TestLoadFromRawAcceptsMonotonic(t *testing.T) {
	idx := New(230)
	raw := []Bucket{{FirstRelativeID: 0, Count: 2}, {FirstRelativeID: 230, Count: 2}}
	if err := idx.LoadFromRaw(raw); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if idx.Count() != 2 {
		t.Fatalf("expected 2 buckets after load, got %d", idx.Count())
	}
}
