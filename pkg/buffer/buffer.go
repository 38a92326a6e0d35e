// Package buffer is the public entry point for an embedded, disk-backed
// message log: an append-only queue of (timestamp, routing-key, payload)
// records with crash-safe checkpointing, a time/id index, bounded
// capacity via eviction, and tailing cursors that block for new data.
package buffer

import (
	"github.com/qdb-io/qdbbuffer/internal/cursor"
	"github.com/qdb-io/qdbbuffer/internal/directory"
	"github.com/qdb-io/qdbbuffer/pkg/logger"
	"github.com/qdb-io/qdbbuffer/pkg/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

// Buffer is a single open message log backed by a directory of segment
// files.
type Buffer struct {
	dir      *directory.Directory
	log      *zap.SugaredLogger
	executor options.Executor
}

// Open creates or reopens a buffer, applying optFns on top of the
// package defaults.
func Open(optFns ...options.OptionFunc) (*Buffer, error) {
	opts := options.NewDefaultOptions()
	for _, fn := range optFns {
		fn(&opts)
	}

	log := logger.New("qdbbuffer")

	dir, err := directory.Open(&opts, log)
	if err != nil {
		return nil, err
	}
	return &Buffer{dir: dir, log: log, executor: opts.Executor}, nil
}

// Append writes one record to the buffer and returns its assigned
// message id. Ids are dense and strictly increasing within a buffer's
// lifetime.
func (b *Buffer) Append(timestamp int64, routingKey, payload []byte) (uint64, error) {
	return b.dir.Append(timestamp, routingKey, payload)
}

// Cursor creates a cursor starting at message id. If the buffer has no
// data yet, the returned cursor starts yielding records as soon as the
// first one is appended.
func (b *Buffer) Cursor(id uint64) (*cursor.Cursor, error) {
	return b.dir.Cursor(id)
}

// CursorByTimestamp creates a cursor whose first unread record, if any,
// has a timestamp greater than or equal to ts.
func (b *Buffer) CursorByTimestamp(ts int64) (*cursor.Cursor, error) {
	return b.dir.CursorByTimestamp(ts)
}

// Stats returns a snapshot of the buffer's aggregate state: segment
// count, id range, total on-disk size, and last-checkpoint time.
func (b *Buffer) Stats() directory.Stats {
	return b.dir.Stats()
}

// Close checkpoints and closes the current segment, stops the auto-sync
// schedule, and waits for any eviction jobs submitted to a
// WithAsyncEviction executor to finish.
func (b *Buffer) Close() error {
	err := b.dir.Close()
	if w, ok := b.executor.(waiter); ok {
		if werr := w.Wait(); werr != nil && err == nil {
			err = werr
		}
	}
	return err
}

// waiter is implemented by executors that can be drained before Close
// returns. options.Executor itself stays minimal; this is an optional
// extension a concrete executor may satisfy.
type waiter interface {
	Wait() error
}

// WithAsyncEviction configures the buffer to run segment eviction on a
// background goroutine instead of inline on the append path that
// triggers a rollover. Close waits for the last submitted eviction run
// to finish before returning.
func WithAsyncEviction() options.OptionFunc {
	return options.WithExecutor(newErrgroupExecutor())
}

// errgroupExecutor adapts an errgroup.Group to options.Executor. A
// single Group is shared across every eviction job submitted for a
// buffer's lifetime; errgroup.Group.Go already runs fn on its own
// goroutine, so Go here is a direct pass-through.
type errgroupExecutor struct {
	eg *errgroup.Group
}

func newErrgroupExecutor() *errgroupExecutor {
	return &errgroupExecutor{eg: &errgroup.Group{}}
}

func (e *errgroupExecutor) Go(fn func() error) {
	e.eg.Go(fn)
}

func (e *errgroupExecutor) Wait() error {
	return e.eg.Wait()
}

var _ options.Executor = (*errgroupExecutor)(nil)
var _ waiter = (*errgroupExecutor)(nil)
