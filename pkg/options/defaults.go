package options

const (
	// DefaultDataDir is the default base directory where qdbbuffer stores
	// its segment files when no other directory is specified.
	DefaultDataDir = "/var/lib/qdbbuffer"

	// HeaderSize is the fixed size in bytes of every segment's header
	// region (magic, max-file-size, checkpoint-length, and the bucket
	// array), after which message records begin.
	HeaderSize = 4096

	// MaxSegmentLength caps the auto-derived segment length at roughly
	// 1 GiB, matching the "capped at ~1 GiB" rule in the configuration
	// table.
	MaxSegmentLength uint64 = 1 << 30

	// SegmentLengthDivisor is the divisor applied to MaxLength when
	// auto-deriving SegmentLength ("segment-length (bytes per segment),
	// 0 = auto from max-length / 1000 ...").
	SegmentLengthDivisor uint64 = 1000

	// PayloadOverhead is the fixed amount subtracted when auto-deriving
	// MaxPayloadSize from SegmentLength ("auto from segment-length −
	// 2048"). It is smaller than HeaderSize, so it does not cover the
	// segment header.
	PayloadOverhead uint64 = 2048

	// RecordHeaderSize is the fixed, non-payload, non-key portion of an
	// on-disk message record: 1-byte type + 8-byte timestamp + 2-byte
	// key-length + 4-byte payload-length.
	RecordHeaderSize uint64 = 15

	// DefaultSegmentLength is used only when both MaxLength and
	// SegmentLength are left at zero, so a freshly opened buffer with no
	// configuration still has a usable segment size.
	DefaultSegmentLength uint64 = 64 << 20
)

// defaultOptions holds the baseline configuration applied before any
// caller-supplied OptionFunc runs.
var defaultOptions = Options{
	DataDir:            DefaultDataDir,
	MaxLength:          0,
	SegmentLength:      0,
	MaxPayloadSize:     0,
	AutoSyncIntervalMs: 0,
	FirstMessageID:     0,
}

// NewDefaultOptions returns a fresh copy of the baseline configuration.
func NewDefaultOptions() Options {
	return defaultOptions
}

// ResolveSegmentLength derives the effective segment length from the
// configured MaxLength and SegmentLength, following the table in the
// configuration section: an explicit SegmentLength wins; otherwise it is
// derived from MaxLength, capped at MaxSegmentLength and floored at
// maxPayloadSize + PayloadOverhead (PayloadOverhead alone when
// maxPayloadSize is zero). The floor does not include HeaderSize or the
// record header, so it does not guarantee room for a maximum-size
// payload.
func ResolveSegmentLength(maxLength, segmentLength, maxPayloadSize uint64) uint64 {
	if segmentLength != 0 {
		return segmentLength
	}

	derived := DefaultSegmentLength
	if maxLength != 0 {
		derived = maxLength / SegmentLengthDivisor
		if derived > MaxSegmentLength {
			derived = MaxSegmentLength
		}
	}

	floor := maxPayloadSize + PayloadOverhead
	if maxPayloadSize == 0 {
		floor = PayloadOverhead
	}
	if derived < floor {
		derived = floor
	}
	return derived
}

// ResolveMaxPayloadSize derives the effective maximum payload size from
// the configured MaxPayloadSize and SegmentLength: an explicit
// MaxPayloadSize wins; otherwise it is derived as segment-length − 2048.
func ResolveMaxPayloadSize(maxPayloadSize, segmentLength uint64) uint64 {
	if maxPayloadSize != 0 {
		return maxPayloadSize
	}
	if segmentLength <= PayloadOverhead {
		return 0
	}
	return segmentLength - PayloadOverhead
}
