// Package index implements the per-segment time/id histogram: a compact,
// append-only summary of where records fall within a segment file, built
// incrementally as records are appended and binary-searched on seek.
//
// Unlike a full key→location map, the histogram never needs to hold one
// entry per record — at most MaxBuckets entries, each covering a run of
// records whose relative ids span less than bucketSpan bytes, except
// that once MaxBuckets is reached the last bucket absorbs every later
// record. This keeps
// memory use flat regardless of how many records a segment holds.
package index

import (
	"sort"

	"github.com/qdb-io/qdbbuffer/pkg/errors"
)

// New creates an empty histogram for a segment whose bucket-span (bytes
// per bucket, derived from the segment's max-file-size) is bucketSpan.
func New(bucketSpan uint32) *Index {
	return &Index{bucketSpan: bucketSpan, buckets: make([]Bucket, 0, 16)}
}

// Observe records one more append at the given relative id (offset into
// the segment's data region) and timestamp-in-seconds. It returns true
// when the observation opened a new bucket (the current bucket was
// flushed).
func (idx *Index) Observe(relativeID, timestampSeconds uint32) bool {
	if len(idx.buckets) == 0 {
		idx.buckets = append(idx.buckets, Bucket{
			FirstRelativeID:       relativeID,
			FirstTimestampSeconds: timestampSeconds,
			Count:                 1,
		})
		return true
	}

	cur := &idx.buckets[len(idx.buckets)-1]
	if relativeID-cur.FirstRelativeID >= idx.bucketSpan && len(idx.buckets) < MaxBuckets {
		idx.buckets = append(idx.buckets, Bucket{
			FirstRelativeID:       relativeID,
			FirstTimestampSeconds: timestampSeconds,
			Count:                 1,
		})
		return true
	}

	cur.Count++
	return false
}

// Count returns the number of live buckets.
func (idx *Index) Count() int {
	return len(idx.buckets)
}

// Bucket returns the bucket at index i.
func (idx *Index) Bucket(i int) (Bucket, error) {
	if i < 0 || i >= len(idx.buckets) {
		return Bucket{}, errors.NewBucketOutOfRangeError(i, len(idx.buckets))
	}
	return idx.buckets[i], nil
}

// Buckets returns the live buckets in bucket order. The returned slice
// must not be mutated by the caller.
func (idx *Index) Buckets() []Bucket {
	return idx.buckets
}

// BucketSpan returns the configured bytes-per-bucket threshold.
func (idx *Index) BucketSpan() uint32 {
	return idx.bucketSpan
}

// LoadFromRaw replaces the histogram's buckets with ones decoded from a
// segment header on open, validating that first-relative-ids strictly
// increase across buckets.
func (idx *Index) LoadFromRaw(raw []Bucket) error {
	for i := 1; i < len(raw); i++ {
		if raw[i].FirstRelativeID <= raw[i-1].FirstRelativeID {
			return errors.NewHistogramCorruptionError("Load", len(raw), nil)
		}
	}
	idx.buckets = raw
	return nil
}

// FindByID returns the index of the bucket that would contain relativeID:
// the bucket with the largest FirstRelativeID ≤ relativeID. It returns -1
// if relativeID falls before the first bucket (or the histogram is
// empty).
func (idx *Index) FindByID(relativeID uint32) int {
	n := len(idx.buckets)
	if n == 0 || relativeID < idx.buckets[0].FirstRelativeID {
		return -1
	}
	// sort.Search finds the first index where the predicate holds; we
	// want the last index where FirstRelativeID <= relativeID, so search
	// for the first index where FirstRelativeID > relativeID and step
	// back one.
	i := sort.Search(n, func(i int) bool {
		return idx.buckets[i].FirstRelativeID > relativeID
	})
	return i - 1
}

// FindByTimestampSeconds returns the index of the bucket with the largest
// FirstTimestampSeconds ≤ ts. It returns -1 if ts falls before the first
// bucket (or the histogram is empty).
func (idx *Index) FindByTimestampSeconds(ts uint32) int {
	n := len(idx.buckets)
	if n == 0 || ts < idx.buckets[0].FirstTimestampSeconds {
		return -1
	}
	i := sort.Search(n, func(i int) bool {
		return idx.buckets[i].FirstTimestampSeconds > ts
	})
	return i - 1
}
