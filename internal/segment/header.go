package segment

import (
	"encoding/binary"

	"github.com/qdb-io/qdbbuffer/internal/index"
	"github.com/qdb-io/qdbbuffer/pkg/errors"
	"github.com/qdb-io/qdbbuffer/pkg/options"
)

// Magic identifies a valid segment header.
const Magic uint16 = 0xBE01

// HeaderSize is the fixed size of a segment's header region; message
// records begin immediately after it.
const HeaderSize = options.HeaderSize

// bucketAreaOffset is where the histogram bucket array begins within the
// header.
const bucketAreaOffset = 16

// encodeHeader serializes the fixed header fields and the full set of
// live buckets into a HeaderSize-byte buffer ready to be written at
// offset 0.
func encodeHeader(maxFileSize, checkpointLength uint32, buckets []index.Bucket) []byte {
	buf := make([]byte, HeaderSize)

	binary.BigEndian.PutUint16(buf[0:2], Magic)
	binary.BigEndian.PutUint16(buf[2:4], 0)
	binary.BigEndian.PutUint32(buf[4:8], maxFileSize)
	binary.BigEndian.PutUint32(buf[8:12], checkpointLength)
	binary.BigEndian.PutUint32(buf[12:16], 0)

	for i, b := range buckets {
		if i >= index.MaxBuckets {
			break
		}
		off := bucketAreaOffset + i*index.BucketSize
		binary.BigEndian.PutUint32(buf[off:off+4], b.FirstRelativeID)
		binary.BigEndian.PutUint32(buf[off+4:off+8], b.FirstTimestampSeconds)
		binary.BigEndian.PutUint32(buf[off+8:off+12], b.Count)
	}

	return buf
}

// decodeHeader parses a HeaderSize-byte buffer into the fixed header
// fields and the live buckets it encodes. It returns BadFormat if the
// magic or max-file-size fields are invalid.
func decodeHeader(buf []byte, fileSize int64) (maxFileSize, checkpointLength uint32, buckets []index.Bucket, err error) {
	if len(buf) < HeaderSize {
		return 0, 0, nil, errors.NewStorageError(
			nil, errors.ErrorCodeHeaderReadFailure, "segment header shorter than expected",
		).WithDetail("gotBytes", len(buf)).WithDetail("wantBytes", HeaderSize)
	}

	magic := binary.BigEndian.Uint16(buf[0:2])
	if magic != Magic {
		return 0, 0, nil, errors.NewStorageError(
			nil, errors.ErrorCodeBadFormat, "segment header has invalid magic",
		).WithDetail("gotMagic", magic).WithDetail("wantMagic", Magic)
	}

	maxFileSize = binary.BigEndian.Uint32(buf[4:8])
	if maxFileSize < HeaderSize {
		return 0, 0, nil, errors.NewStorageError(
			nil, errors.ErrorCodeBadFormat, "segment header max-file-size is impossibly small",
		).WithDetail("maxFileSize", maxFileSize)
	}

	checkpointLength = binary.BigEndian.Uint32(buf[8:12])
	if int64(checkpointLength) > fileSize {
		return 0, 0, nil, errors.NewStorageError(
			nil, errors.ErrorCodeBadFormat, "segment header checkpoint-length exceeds file size",
		).WithDetail("checkpointLength", checkpointLength).WithDetail("fileSize", fileSize)
	}

	if checkpointLength <= HeaderSize {
		return maxFileSize, checkpointLength, nil, nil
	}

	buckets = make([]index.Bucket, 0, 16)
	// Bucket 0 is always considered live once any record exists; only
	// buckets at index >= 1 are scanned for the all-zero sentinel that
	// marks the high-water mark, since a real bucket can never land at
	// relative-id 0 except the first one.
	buckets = append(buckets, decodeBucketAt(buf, 0))
	for i := 1; i < index.MaxBuckets; i++ {
		b := decodeBucketAt(buf, i)
		if b.FirstRelativeID == 0 {
			break
		}
		buckets = append(buckets, b)
	}

	return maxFileSize, checkpointLength, buckets, nil
}

func decodeBucketAt(buf []byte, i int) index.Bucket {
	off := bucketAreaOffset + i*index.BucketSize
	return index.Bucket{
		FirstRelativeID:       binary.BigEndian.Uint32(buf[off : off+4]),
		FirstTimestampSeconds: binary.BigEndian.Uint32(buf[off+4 : off+8]),
		Count:                 binary.BigEndian.Uint32(buf[off+8 : off+12]),
	}
}

// bucketSpanFor computes bytes-per-bucket for a segment of the given
// max-file-size: (max-file-size − 4096) / 340.
func bucketSpanFor(maxFileSize uint32) uint32 {
	return (maxFileSize - HeaderSize) / uint32(index.MaxBuckets)
}
