package errors

// IndexError provides specialized error handling for histogram-index
// operations. This structure extends the base error system with
// bucket-specific context while properly supporting method chaining through
// all base error methods.
type IndexError struct {
	// Embed the base error to inherit all standard error functionality
	// including error chaining, structured details, and error codes.
	*baseError

	// Identifies which segment's histogram was being accessed when the
	// error occurred, keyed by the segment's first message id.
	segmentID uint64

	// Describes what histogram operation was being performed when the
	// error occurred (e.g., "Observe", "Bucket", "FindByID", "Load").
	operation string

	// The bucket index involved in the error, when applicable.
	bucketIndex int

	// The number of buckets the histogram held at the time of the error.
	bucketCount int
}

// NewIndexError creates a new index-specific error with the provided context.
func NewIndexError(err error, code ErrorCode, msg string) *IndexError {
	return &IndexError{
		baseError: NewBaseError(err, code, msg),
	}
}

// Override base error methods to return *IndexError instead of *baseError.

// WithMessage updates the error message while maintaining the IndexError type.
func (ie *IndexError) WithMessage(msg string) *IndexError {
	ie.baseError.WithMessage(msg)
	return ie
}

// WithCode sets the error code while preserving the IndexError type.
func (ie *IndexError) WithCode(code ErrorCode) *IndexError {
	ie.baseError.WithCode(code)
	return ie
}

// WithDetail adds contextual information while maintaining the IndexError type.
func (ie *IndexError) WithDetail(key string, value any) *IndexError {
	ie.baseError.WithDetail(key, value)
	return ie
}

// Index-specific methods that add domain-specific context to the error.

// WithSegmentID records which segment's histogram was involved in the error.
func (ie *IndexError) WithSegmentID(segmentID uint64) *IndexError {
	ie.segmentID = segmentID
	return ie
}

// WithOperation records what histogram operation was being performed.
func (ie *IndexError) WithOperation(operation string) *IndexError {
	ie.operation = operation
	return ie
}

// WithBucketIndex captures the bucket index involved in the error.
func (ie *IndexError) WithBucketIndex(index int) *IndexError {
	ie.bucketIndex = index
	return ie
}

// WithBucketCount captures how many buckets the histogram held.
func (ie *IndexError) WithBucketCount(count int) *IndexError {
	ie.bucketCount = count
	return ie
}

// Getter methods provide access to the IndexError-specific context.

// SegmentID returns the first-id of the segment whose histogram failed.
func (ie *IndexError) SegmentID() uint64 {
	return ie.segmentID
}

// Operation returns the name of the operation that was being performed.
func (ie *IndexError) Operation() string {
	return ie.operation
}

// BucketIndex returns the bucket index involved in the error.
func (ie *IndexError) BucketIndex() int {
	return ie.bucketIndex
}

// BucketCount returns the bucket count at the time of the error.
func (ie *IndexError) BucketCount() int {
	return ie.bucketCount
}

// Helper functions for creating common histogram-index errors.

// NewBucketOutOfRangeError creates an error for a bucket index passed to
// Bucket(i) that fell outside [0, bucketCount).
func NewBucketOutOfRangeError(bucketIndex, bucketCount int) *IndexError {
	return NewIndexError(nil, ErrorCodeIndexBucketOutOfRange, "bucket index out of range").
		WithOperation("Bucket").
		WithBucketIndex(bucketIndex).
		WithBucketCount(bucketCount).
		WithDetail("valid_range", "[0, bucketCount)")
}

// NewHistogramCorruptionError creates an error for a histogram that fails
// its own invariants on load: bucket count beyond the configured maximum, or
// first-relative-ids that are not strictly increasing across buckets.
func NewHistogramCorruptionError(operation string, bucketCount int, cause error) *IndexError {
	return NewIndexError(cause, ErrorCodeIndexCorrupted, "segment histogram corrupted").
		WithOperation(operation).
		WithBucketCount(bucketCount).
		WithDetail("corruption_detected", true).
		WithDetail("recovery_required", true)
}

// NewInvalidObservationError creates an error for an Observe call whose
// relative id or timestamp would violate the histogram's monotonic
// invariant (a value smaller than the current bucket's first value).
func NewInvalidObservationError(segmentID uint64, cause error) *IndexError {
	return NewIndexError(cause, ErrorCodeIndexCorrupted, "non-monotonic histogram observation").
		WithOperation("Observe").
		WithSegmentID(segmentID).
		WithDetail("monotonic_violation", true)
}
