package index

// MaxBuckets is the maximum number of histogram buckets a segment header
// can hold (the bucket area is bytes 16..4095 of the header, 12 bytes per
// bucket).
const MaxBuckets = 340

// BucketSize is the on-disk size in bytes of one histogram bucket record:
// u32 first-relative-id, u32 first-timestamp-seconds, u32 count.
const BucketSize = 12

// Bucket summarizes a contiguous run of records within a segment: the
// relative id and wall-clock second of the run's first record, and how
// many records the run covers.
type Bucket struct {
	// FirstRelativeID is the first record's offset into the segment's
	// data region (current-length-before-write − 4096 at the time the
	// bucket was opened).
	FirstRelativeID uint32
	// FirstTimestampSeconds is the first record's timestamp, truncated
	// to whole seconds.
	FirstTimestampSeconds uint32
	// Count is how many records have been observed into this bucket.
	Count uint32
}

// Index is the in-segment time/id histogram: a small, append-only array
// of buckets built incrementally as records are appended, and consulted
// via binary search to narrow a seek-by-id or seek-by-timestamp to a byte
// range worth scanning linearly.
//
// Index is not safe for concurrent use on its own; callers (internal to
// segment.Segment) serialize access under the owning segment's mutex.
type Index struct {
	bucketSpan uint32 // bytes-per-bucket: (max-file-size − 4096) / 340.
	buckets    []Bucket
}
