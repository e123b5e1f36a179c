// Package dispatch fans a stream of input items out to a bounded pool of
// sub-batch workers and hands each chunk's results to a sink.
//
// Items are pulled synchronously from a Cursor (streaming) or a Pager
// (bounded pages) and buffered into chunks of ChunkSize. Each chunk is split
// into SubBatches contiguous sub-batches that run concurrently; inside a
// sub-batch items are processed one after another, each under its own retry
// policy. A chunk's results are flushed to the sink before the next chunk is
// read, so chunks are strictly ordered while sub-batches within a chunk are
// not.
//
// Errors have three scopes:
//
//   - an item that still fails after MaxItemRetries is logged, counted and
//     skipped;
//   - a failing or timed-out sub-batch aborts the chunk (*SubBatchError);
//   - a failing sink call aborts the run (*SinkError).
//
// Cancelling the context stops the current chunk and returns an error that
// wraps the context's cause.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"ruleetl/internal/metrics"
	"ruleetl/internal/retry"

	"golang.org/x/sync/errgroup"
)

// Config holds the dispatcher knobs.
type Config struct {
	// Label prefixes log lines, e.g. "partition 3".
	Label string

	// Job labels metrics.
	Job string

	ChunkSize      int
	SubBatches     int
	MaxItemRetries int

	// Schedule is the wait between item retries. Nil means linear 1s.
	Schedule retry.Schedule

	SubBatchTimeout  time.Duration
	PoolDrainTimeout time.Duration

	// ProgressEvery logs a progress line every N chunks. Zero disables it.
	ProgressEvery int
}

// DefaultConfig returns the production settings.
func DefaultConfig() Config {
	return Config{
		ChunkSize:        1000,
		SubBatches:       5,
		MaxItemRetries:   3,
		Schedule:         retry.Linear(time.Second),
		SubBatchTimeout:  5 * time.Minute,
		PoolDrainTimeout: 10 * time.Minute,
		ProgressEvery:    10,
	}
}

// ProcessFunc turns one input item into zero or more results. It is retried
// on any error.
type ProcessFunc[I, O any] func(ctx context.Context, item I) ([]O, error)

// FlushFunc persists the results of one chunk. It is never called
// concurrently or with an empty slice.
type FlushFunc[O any] func(ctx context.Context, rows []O) (int64, error)

// KeyFunc names an item in logs.
type KeyFunc[I any] func(item I) string

// Stats summarises a run.
type Stats struct {
	Items       int64
	Chunks      int64
	Results     int64
	Inserted    int64
	FailedItems int64
	Elapsed     time.Duration
}

// Dispatcher runs chunks of I through a ProcessFunc and flushes the results.
type Dispatcher[I, O any] struct {
	cfg     Config
	process ProcessFunc[I, O]
	flush   FlushFunc[O]
	key     KeyFunc[I]

	// sleep is injectable to make tests fast and deterministic.
	sleep func(ctx context.Context, d time.Duration) error
}

// New validates cfg and returns a Dispatcher. key may be nil.
func New[I, O any](cfg Config, process ProcessFunc[I, O], flush FlushFunc[O], key KeyFunc[I]) (*Dispatcher[I, O], error) {
	def := DefaultConfig()
	if cfg.ChunkSize <= 0 {
		return nil, fmt.Errorf("dispatch: chunk size must be > 0, got %d", cfg.ChunkSize)
	}
	if cfg.SubBatches <= 0 {
		return nil, fmt.Errorf("dispatch: sub-batches must be > 0, got %d", cfg.SubBatches)
	}
	if process == nil || flush == nil {
		return nil, fmt.Errorf("dispatch: process and flush functions are required")
	}
	if cfg.MaxItemRetries <= 0 {
		cfg.MaxItemRetries = def.MaxItemRetries
	}
	if cfg.Schedule == nil {
		cfg.Schedule = def.Schedule
	}
	if cfg.SubBatchTimeout <= 0 {
		cfg.SubBatchTimeout = def.SubBatchTimeout
	}
	if cfg.PoolDrainTimeout <= 0 {
		cfg.PoolDrainTimeout = def.PoolDrainTimeout
	}
	if key == nil {
		key = func(I) string { return "?" }
	}
	return &Dispatcher[I, O]{
		cfg:     cfg,
		process: process,
		flush:   flush,
		key:     key,
		sleep:   retry.SleepContext,
	}, nil
}

// Split cuts chunk into at most k contiguous sub-batches of ⌈n/k⌉ items; the
// last one holds the remainder. Empty sub-batches are not returned.
func Split[T any](chunk []T, k int) [][]T {
	n := len(chunk)
	if n == 0 || k <= 0 {
		return nil
	}
	size := (n + k - 1) / k
	out := make([][]T, 0, k)
	for i := 0; i < k; i++ {
		lo := i * size
		if lo >= n {
			break
		}
		hi := min(lo+size, n)
		out = append(out, chunk[lo:hi:hi])
	}
	return out
}

// run carries the counters of one RunCursor/RunPaged call.
type run struct {
	stats     Stats
	start     time.Time
	lastTS    time.Time
	lastItems int64
}

func (d *Dispatcher[I, O]) newRun() *run {
	now := time.Now()
	return &run{start: now, lastTS: now}
}

func (d *Dispatcher[I, O]) finish(r *run, err error) (Stats, error) {
	r.stats.Elapsed = time.Since(r.start)
	log.Printf("dispatch: %s done items=%d chunks=%d results=%d inserted=%d failed_items=%d elapsed=%s err=%v",
		d.cfg.Label, r.stats.Items, r.stats.Chunks, r.stats.Results, r.stats.Inserted, r.stats.FailedItems,
		r.stats.Elapsed.Truncate(time.Millisecond), err)
	return r.stats, err
}

// chunk processes one chunk end to end: fan-out, join, flush.
func (d *Dispatcher[I, O]) chunk(ctx context.Context, r *run, items []I) error {
	if len(items) == 0 {
		return nil
	}
	n := r.stats.Chunks + 1

	parts := Split(items, d.cfg.SubBatches)
	outs := make([][]O, len(parts))
	failed := make([]int64, len(parts))

	type result struct {
		out    []O
		failed int64
		err    error
	}

	var workers sync.WaitGroup
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(len(parts))
	for i, part := range parts {
		g.Go(func() error {
			sctx, cancel := context.WithTimeout(gctx, d.cfg.SubBatchTimeout)
			defer cancel()

			began := time.Now()
			done := make(chan result, 1)
			workers.Add(1)
			go func() {
				defer workers.Done()
				out, nf, err := d.subBatch(sctx, part)
				done <- result{out: out, failed: nf, err: err}
			}()

			var res result
			select {
			case res = <-done:
			case <-sctx.Done():
				res.err = sctx.Err()
			}
			metrics.RecordSubBatch(d.cfg.Job, res.err, time.Since(began))
			if res.err != nil {
				if ctx.Err() != nil {
					return res.err
				}
				return &SubBatchError{
					Chunk:   n,
					Index:   i,
					Size:    len(part),
					Timeout: errors.Is(sctx.Err(), context.DeadlineExceeded) && gctx.Err() == nil,
					Err:     res.err,
				}
			}
			outs[i] = res.out
			failed[i] = res.failed
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		err = d.drain(&workers, n, err)
		if ctx.Err() != nil {
			return fmt.Errorf("dispatch: %s chunk %d interrupted: %w", d.cfg.Label, n, context.Cause(ctx))
		}
		return err
	}

	var rows []O
	for i := range outs {
		rows = append(rows, outs[i]...)
		r.stats.FailedItems += failed[i]
	}
	r.stats.Items += int64(len(items))
	r.stats.Chunks = n
	r.stats.Results += int64(len(rows))
	metrics.RecordItems(d.cfg.Job, "read", int64(len(items)))
	metrics.RecordItems(d.cfg.Job, "result", int64(len(rows)))
	metrics.RecordChunks(d.cfg.Job, 1)

	if len(rows) > 0 {
		inserted, err := d.flush(ctx, rows)
		r.stats.Inserted += inserted
		if err != nil {
			log.Printf("dispatch: %s chunk=%d flush failed rows=%d err=%v", d.cfg.Label, n, len(rows), err)
			return &SinkError{Chunk: n, Rows: len(rows), Err: err}
		}
		metrics.RecordItems(d.cfg.Job, "inserted", inserted)
	}

	d.progress(r)
	return nil
}

// drain gives the cancelled sub-batch workers of chunk n PoolDrainTimeout to
// return. Workers still running after that are abandoned.
func (d *Dispatcher[I, O]) drain(workers *sync.WaitGroup, n int64, cause error) error {
	stopped := make(chan struct{})
	go func() {
		workers.Wait()
		close(stopped)
	}()

	t := time.NewTimer(d.cfg.PoolDrainTimeout)
	defer t.Stop()
	select {
	case <-stopped:
		return cause
	case <-t.C:
		log.Printf("dispatch: %s chunk=%d sub-batches did not stop within %s; forced shutdown",
			d.cfg.Label, n, d.cfg.PoolDrainTimeout)
		return errors.Join(cause, ErrForcedShutdown)
	}
}

// subBatch processes items in order. It fails only when ctx ends.
func (d *Dispatcher[I, O]) subBatch(ctx context.Context, items []I) ([]O, int64, error) {
	var (
		out    []O
		failed int64
	)
	for _, item := range items {
		if err := ctx.Err(); err != nil {
			return out, failed, err
		}
		key := d.key(item)
		pol := retry.Policy{
			Attempts: d.cfg.MaxItemRetries,
			Schedule: d.cfg.Schedule,
			Sleep:    d.sleep,
			OnRetry: func(attempt int, wait time.Duration, err error) {
				log.Printf("dispatch: %s key=%s attempt=%d/%d failed, retrying in %s: %v",
					d.cfg.Label, key, attempt, d.cfg.MaxItemRetries, wait, err)
			},
		}

		var rows []O
		err := pol.Do(ctx, func(ctx context.Context) error {
			res, err := d.process(ctx, item)
			if err != nil {
				return err
			}
			rows = res
			return nil
		})
		if err != nil {
			if ctx.Err() != nil {
				return out, failed, ctx.Err()
			}
			ie := &ItemError{Key: key, Attempts: d.cfg.MaxItemRetries, Err: errors.Unwrap(err)}
			if ie.Err == nil {
				ie.Err = err
			}
			log.Printf("dispatch: %s %v", d.cfg.Label, ie)
			metrics.RecordItems(d.cfg.Job, "failed", 1)
			failed++
			continue
		}
		out = append(out, rows...)
	}
	return out, failed, nil
}

func (d *Dispatcher[I, O]) progress(r *run) {
	every := int64(d.cfg.ProgressEvery)
	if every <= 0 || r.stats.Chunks%every != 0 {
		return
	}
	now := time.Now()
	since := now.Sub(r.lastTS)
	ips := float64(0)
	if since > 0 {
		ips = float64(r.stats.Items-r.lastItems) / since.Seconds()
	}
	log.Printf("dispatch: %s chunk #%d: ips=%.0f items=%d results=%d inserted=%d failed_items=%d elapsed=%s",
		d.cfg.Label, r.stats.Chunks, ips, r.stats.Items, r.stats.Results, r.stats.Inserted, r.stats.FailedItems,
		now.Sub(r.start).Truncate(time.Millisecond))
	r.lastTS = now
	r.lastItems = r.stats.Items
}
