// Package seginfo provides utilities for naming and discovering segment
// files in a buffer's data directory.
//
// Filename Format: %016x-%016x.qdb
//
// Where:
//   - the first field is the segment's first message id, zero-padded hex.
//   - the second field is the segment's first message timestamp (a signed
//     64-bit millisecond value, formatted as unsigned hex), zero-padded.
//   - .qdb is the fixed file extension.
//
// Example filename:
//
//	0000000000001234-0000000000005678.qdb
//
// Because the id field is a fixed-width zero-padded hex string, segment
// filenames sort lexicographically in id order.
package seginfo

import (
	"fmt"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/qdb-io/qdbbuffer/pkg/errors"
	"github.com/qdb-io/qdbbuffer/pkg/filesys"
)

// NameLength is the exact length of a segment filename: 16 hex digits,
// a hyphen, 16 more hex digits, and the ".qdb" extension.
const NameLength = 16 + 1 + 16 + len(".qdb")

// Extension is the fixed segment file extension.
const Extension = ".qdb"

// GenerateName creates the filename for a segment whose first message has
// the given id and timestamp.
func GenerateName(firstID uint64, firstTimestamp int64) string {
	return fmt.Sprintf("%016x-%016x%s", firstID, uint64(firstTimestamp), Extension)
}

// ParseName extracts the first-id and first-timestamp encoded in a
// segment filename. It accepts either a bare filename or a full path.
func ParseName(path string) (firstID uint64, firstTimestamp int64, err error) {
	_, name := filepath.Split(path)

	if len(name) != NameLength || !strings.HasSuffix(name, Extension) {
		return 0, 0, errors.NewStorageError(
			nil, errors.ErrorCodeBadFormat, "malformed segment filename",
		).WithFileName(name).
			WithDetail("expected_length", NameLength).
			WithDetail("expected_format", "%016x-%016x.qdb")
	}

	stem := strings.TrimSuffix(name, Extension)
	parts := strings.SplitN(stem, "-", 2)
	if len(parts) != 2 || len(parts[0]) != 16 || len(parts[1]) != 16 {
		return 0, 0, errors.NewStorageError(
			nil, errors.ErrorCodeBadFormat, "malformed segment filename",
		).WithFileName(name).WithDetail("expected_format", "%016x-%016x.qdb")
	}

	id, err := strconv.ParseUint(parts[0], 16, 64)
	if err != nil {
		return 0, 0, errors.NewStorageError(
			err, errors.ErrorCodeBadFormat, "malformed segment filename id field",
		).WithFileName(name)
	}

	ts, err := strconv.ParseUint(parts[1], 16, 64)
	if err != nil {
		return 0, 0, errors.NewStorageError(
			err, errors.ErrorCodeBadFormat, "malformed segment filename timestamp field",
		).WithFileName(name)
	}

	return id, int64(ts), nil
}

// ListSegmentNames returns the names (not full paths) of every segment
// file in dataDir, sorted by first-id ascending.
func ListSegmentNames(dataDir string) ([]string, error) {
	pattern := filepath.Join(dataDir, "*"+Extension)
	matches, err := filesys.ReadDir(pattern)
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(matches))
	for _, m := range matches {
		_, name := filepath.Split(m)
		if len(name) == NameLength {
			names = append(names, name)
		}
	}

	slices.Sort(names)
	return names, nil
}
