// Package timeline provides a read-only, point-in-time projection of a
// buffer's structure: a high-level view listing its segments, and a
// per-segment view listing one entry per live histogram bucket.
package timeline

import "github.com/qdb-io/qdbbuffer/internal/directory"

// Entry is one row of a Timeline.
type Entry struct {
	FirstID        uint64
	FirstTimestamp int64
	// Count is the row's message count. In a high-level timeline this is
	// always 0: segment-level message counts aren't tracked, only sizes.
	// In a per-segment timeline it is the bucket's real record count. The
	// trailing high-level entry uses -1 to mean "not yet known."
	Count     int
	SizeBytes uint64
}

// Timeline is an ordered, immutable list of Entry rows.
type Timeline struct {
	entries []Entry
}

// Entries returns the timeline's rows in order.
func (t *Timeline) Entries() []Entry {
	return t.entries
}

// Len returns the number of rows.
func (t *Timeline) Len() int {
	return len(t.entries)
}

// GetCount returns the count recorded for row i.
func (t *Timeline) GetCount(i int) int {
	return t.entries[i].Count
}

// HighLevel builds a Timeline with one entry per live segment, in id
// order, plus a trailing entry giving the buffer's next message id with
// Count -1 (the count of a segment that doesn't exist yet can't be
// known).
func HighLevel(dir *directory.Directory) *Timeline {
	summaries := dir.SegmentSummaries()
	entries := make([]Entry, 0, len(summaries)+1)
	for _, s := range summaries {
		entries = append(entries, Entry{
			FirstID:        s.FirstID,
			FirstTimestamp: s.FirstTimestamp,
			SizeBytes:      s.SizeBytes,
		})
	}

	stats := dir.Stats()
	entries = append(entries, Entry{
		FirstID: stats.NextMessageID,
		Count:   -1,
	})

	return &Timeline{entries: entries}
}

// PerSegment builds a Timeline with one entry per live histogram bucket
// of the live segment at index (0-based, in the same order HighLevel's
// segment entries appear in).
func PerSegment(dir *directory.Directory, index int) (*Timeline, error) {
	buckets, err := dir.BucketsForSegment(index)
	if err != nil {
		return nil, err
	}

	entries := make([]Entry, 0, len(buckets))
	for _, b := range buckets {
		entries = append(entries, Entry{
			FirstID:        b.FirstID,
			FirstTimestamp: int64(b.FirstTimestampSeconds) * 1000,
			Count:          int(b.Count),
			SizeBytes:      uint64(b.SizeBytes),
		})
	}

	return &Timeline{entries: entries}, nil
}
