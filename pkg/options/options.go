// Package options provides data structures and functions for configuring
// a qdbbuffer instance. It defines the parameters that control on-disk
// layout, segment sizing, eviction thresholds, and the optional
// collaborators a caller may supply for eviction and auto-sync scheduling.
package options

import (
	"strings"
)

// Executor runs a background job on the caller's behalf. It is the
// collaborator a caller may supply for running eviction off the append
// path; when absent, eviction runs inline on the append that triggered
// it (victims are chosen under the directory lock, files are deleted
// after it is released).
type Executor interface {
	// Go schedules fn to run, returning immediately. The directory calls
	// Go while holding its lock and fn acquires that lock, so fn must run
	// on another goroutine: an implementation that runs fn before Go
	// returns deadlocks.
	Go(fn func() error)
}

// Timer schedules a single, cancellable re-arming callback. It is the
// collaborator a caller may supply for driving the auto-sync interval;
// when absent, an internal daemon (time.AfterFunc-based) is used.
type Timer interface {
	// Reset (re-)arms the timer to fire fn once. The delay is chosen by
	// the Timer itself: AutoSyncIntervalMs is not passed to it. Calling
	// Reset again before it fires replaces the pending callback.
	Reset(fn func())
	// Stop cancels any pending callback. Safe to call multiple times.
	Stop()
}

// Options defines the configuration parameters for a qdbbuffer instance.
type Options struct {
	// DataDir is the directory holding this buffer's segment files.
	//
	// Default: "/var/lib/qdbbuffer"
	DataDir string `json:"dataDir"`

	// MaxLength is the total on-disk size, across all segments, above
	// which the oldest segments are evicted. Zero means unlimited.
	//
	// Default: 0 (unlimited)
	MaxLength uint64 `json:"maxLength"`

	// SegmentLength is the size in bytes of each segment file,
	// including its 4096-byte header. Zero auto-derives the value from
	// MaxLength (see ResolveSegmentLength).
	//
	// Default: 0 (auto)
	SegmentLength uint64 `json:"segmentLength"`

	// MaxPayloadSize is the upper bound enforced on a single record's
	// payload. Zero auto-derives the value from SegmentLength (see
	// ResolveMaxPayloadSize).
	//
	// Default: 0 (auto)
	MaxPayloadSize uint64 `json:"maxPayloadSize"`

	// AutoSyncIntervalMs is how often the buffer fsyncs its active
	// segment in the background. Zero disables auto-sync.
	//
	// Default: 0 (disabled)
	AutoSyncIntervalMs uint64 `json:"autoSyncIntervalMs"`

	// FirstMessageID seeds the id sequence when the data directory is
	// empty. Ignored when existing segments are found.
	//
	// Default: 0
	FirstMessageID uint64 `json:"firstMessageId"`

	// Executor, if set, runs eviction off the append path. Nil means
	// eviction runs inline.
	Executor Executor `json:"-"`

	// Timer, if set, drives the auto-sync schedule. Nil means an
	// internal time.AfterFunc-based daemon is used.
	Timer Timer `json:"-"`
}

// OptionFunc is a function type that modifies a qdbbuffer configuration.
type OptionFunc func(*Options)

// WithDefaultOptions applies the baseline configuration values.
func WithDefaultOptions() OptionFunc {
	return func(o *Options) {
		opts := NewDefaultOptions()
		o.DataDir = opts.DataDir
		o.MaxLength = opts.MaxLength
		o.SegmentLength = opts.SegmentLength
		o.MaxPayloadSize = opts.MaxPayloadSize
		o.AutoSyncIntervalMs = opts.AutoSyncIntervalMs
		o.FirstMessageID = opts.FirstMessageID
	}
}

// WithDataDir sets the directory holding the buffer's segment files.
func WithDataDir(directory string) OptionFunc {
	return func(o *Options) {
		directory = strings.TrimSpace(directory)
		if directory != "" {
			o.DataDir = directory
		}
	}
}

// WithMaxLength sets the total on-disk size cap that triggers eviction of
// the oldest segments. Zero means unlimited.
func WithMaxLength(maxLength uint64) OptionFunc {
	return func(o *Options) {
		o.MaxLength = maxLength
	}
}

// WithSegmentLength sets an explicit per-segment file size, overriding
// auto-derivation from MaxLength.
func WithSegmentLength(length uint64) OptionFunc {
	return func(o *Options) {
		o.SegmentLength = length
	}
}

// WithMaxPayloadSize sets an explicit maximum record payload size,
// overriding auto-derivation from SegmentLength.
func WithMaxPayloadSize(size uint64) OptionFunc {
	return func(o *Options) {
		o.MaxPayloadSize = size
	}
}

// WithAutoSyncIntervalMs sets the background fsync interval in
// milliseconds. Zero disables auto-sync.
func WithAutoSyncIntervalMs(ms uint64) OptionFunc {
	return func(o *Options) {
		o.AutoSyncIntervalMs = ms
	}
}

// WithFirstMessageID seeds the id sequence used when bootstrapping an
// empty data directory.
func WithFirstMessageID(id uint64) OptionFunc {
	return func(o *Options) {
		o.FirstMessageID = id
	}
}

// WithExecutor supplies a background executor for running eviction off
// the append path.
func WithExecutor(executor Executor) OptionFunc {
	return func(o *Options) {
		o.Executor = executor
	}
}

// WithTimer supplies a scheduler for driving the auto-sync interval.
func WithTimer(timer Timer) OptionFunc {
	return func(o *Options) {
		o.Timer = timer
	}
}
