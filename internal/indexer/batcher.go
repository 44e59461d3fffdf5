package indexer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"time"
)

// BatcherState is the lifecycle of a single per-collection batcher
// (spec.md §4.3).
type BatcherState int

const (
	StateEmpty BatcherState = iota
	StateFilling
	StateFlushing
	StateRetryBackoff
	StateFatal
)

func (s BatcherState) String() string {
	switch s {
	case StateEmpty:
		return "empty"
	case StateFilling:
		return "filling"
	case StateFlushing:
		return "flushing"
	case StateRetryBackoff:
		return "retry_backoff"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// maxFlushRetries bounds the RETRY_BACKOFF loop before a batcher gives
// up and reports ErrFatal (spec.md §4.6, §7).
const maxFlushRetries = 5

const retryBaseDelay = 50 * time.Millisecond

// FlushFunc persists one batch. It returns the phase breakdown used by
// the slow-path reporter, or an error if the flush failed.
type FlushFunc[T any] func(ctx context.Context, batch []T) (PhaseReport, error)

// PhaseReport is the timing detail a flush reports back to the
// batcher, independent of bulk.Phases so this package doesn't import
// the bulk package's internals directly.
type PhaseReport struct {
	Name  string
	Total time.Duration
	Detail string // human-readable phase breakdown for the slow-path log line
}

// Batcher buffers items of one collection and flushes them as a batch
// either when it fills to BatchSize or when FlushInterval elapses,
// whichever comes first (spec.md §4.3). T is instantiated once per
// collection (RecordRow, PostRow, ...) so the state machine and
// backoff logic are written exactly once instead of ten times.
type Batcher[T any] struct {
	Name          string
	BatchSize     int
	FlushInterval time.Duration
	Flush         FlushFunc[T]
	Reporter      *SlowPathReporter

	state BatcherState
	queue chan T
	buf   []T
}

// NewBatcher constructs a batcher with a bounded input queue. queueCap
// should be a small multiple of batchSize so a slow flush applies
// backpressure to the dispatcher rather than growing memory unbounded
// (spec.md §5).
func NewBatcher[T any](name string, batchSize int, flushInterval time.Duration, flush FlushFunc[T], reporter *SlowPathReporter, queueCap int) *Batcher[T] {
	return &Batcher[T]{
		Name:          name,
		BatchSize:     batchSize,
		FlushInterval: flushInterval,
		Flush:         flush,
		Reporter:      reporter,
		state:         StateEmpty,
		queue:         make(chan T, queueCap),
	}
}

// Enqueue hands one item to the batcher. It blocks if the batcher's
// queue is full, which is the backpressure mechanism spec.md §5
// describes for a batcher that can't keep up with the dispatcher.
func (b *Batcher[T]) Enqueue(ctx context.Context, item T) error {
	select {
	case b.queue <- item:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run drains the queue, batching by size and time, until ctx is
// canceled. On cancellation it flushes whatever is buffered before
// returning, so a graceful shutdown doesn't drop a partial batch.
func (b *Batcher[T]) Run(ctx context.Context) error {
	timer := time.NewTimer(b.FlushInterval)
	defer timer.Stop()

	for {
		select {
		case item, ok := <-b.queue:
			if !ok {
				return b.drainFinal(ctx)
			}
			b.state = StateFilling
			b.buf = append(b.buf, item)
			if len(b.buf) >= b.BatchSize {
				if err := b.flushWithRetry(ctx); err != nil {
					b.state = StateFatal
					return err
				}
				resetTimer(timer, b.FlushInterval)
			}

		case <-timer.C:
			if len(b.buf) > 0 {
				if err := b.flushWithRetry(ctx); err != nil {
					b.state = StateFatal
					return err
				}
			}
			resetTimer(timer, b.FlushInterval)

		case <-ctx.Done():
			return b.drainFinal(context.Background())
		}
	}
}

func (b *Batcher[T]) drainFinal(ctx context.Context) error {
	if len(b.buf) == 0 {
		return nil
	}
	if err := b.flushWithRetry(ctx); err != nil {
		b.state = StateFatal
		return err
	}
	return nil
}

func resetTimer(t *time.Timer, d time.Duration) {
	if !t.Stop() {
		select {
		case <-t.C:
		default:
		}
	}
	t.Reset(d)
}

// flushWithRetry runs Flush, retrying transient failures with
// exponential backoff for at most maxFlushRetries attempts before surfacing
// ErrFatal (spec.md §4.6: FILLING -> FLUSHING -> success(EMPTY) |
// db-error(RETRY_BACKOFF, bounded) | exhausted(FATAL)).
func (b *Batcher[T]) flushWithRetry(ctx context.Context) error {
	b.state = StateFlushing
	batch := b.buf
	b.buf = nil

	var lastErr error
	for attempt := 0; attempt < maxFlushRetries; attempt++ {
		report, err := b.Flush(ctx, batch)
		if err == nil {
			if b.Reporter != nil {
				b.Reporter.Report(b.Name, report)
			}
			b.state = StateEmpty
			return nil
		}
		lastErr = err
		if !isTransient(err) || attempt+1 == maxFlushRetries {
			break
		}
		b.state = StateRetryBackoff
		delay := retryBaseDelay * time.Duration(1<<attempt)
		log.Printf("indexer: %s batcher flush attempt %d/%d failed, retrying in %s: %v", b.Name, attempt+1, maxFlushRetries, delay, err)
		select {
		case <-time.After(delay):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	return fmt.Errorf("indexer: %s batcher: %w: %v", b.Name, ErrFatal, lastErr)
}

// isTransient classifies an error as retryable (spec.md §7): anything
// that isn't context cancellation is treated as a possibly-transient
// database condition, since the bulk loader's own errors are already
// wrapped plain Postgres errors with no distinct transient/permanent
// tagging upstream of this package.
func isTransient(err error) bool {
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}
