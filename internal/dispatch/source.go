package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log"
)

// Cursor is a forward-only stream of items. Close must be safe to call once
// Next has returned false or an error.
type Cursor[T any] interface {
	// Next returns the next item, or ok=false at the end of the stream.
	Next(ctx context.Context) (item T, ok bool, err error)
	Close() error
}

// Pager reads bounded windows of items. An empty page ends the stream.
type Pager[T any] interface {
	Page(ctx context.Context, offset, limit int) ([]T, error)
}

// PagerFunc adapts a function to Pager.
type PagerFunc[T any] func(ctx context.Context, offset, limit int) ([]T, error)

func (f PagerFunc[T]) Page(ctx context.Context, offset, limit int) ([]T, error) {
	return f(ctx, offset, limit)
}

// RunCursor drains c in chunks of ChunkSize, including the final partial
// chunk. c is closed on every return path.
func (d *Dispatcher[I, O]) RunCursor(ctx context.Context, c Cursor[I]) (stats Stats, err error) {
	r := d.newRun()
	log.Printf("dispatch: %s start mode=cursor chunk=%d sub_batches=%d", d.cfg.Label, d.cfg.ChunkSize, d.cfg.SubBatches)
	defer func() {
		if cerr := c.Close(); cerr != nil {
			err = errors.Join(err, fmt.Errorf("dispatch: close cursor: %w", cerr))
		}
		stats, err = d.finish(r, err)
	}()

	buf := make([]I, 0, d.cfg.ChunkSize)
	for {
		if ctx.Err() != nil {
			return r.stats, fmt.Errorf("dispatch: %s interrupted: %w", d.cfg.Label, context.Cause(ctx))
		}
		item, ok, err := c.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return r.stats, fmt.Errorf("dispatch: %s interrupted: %w", d.cfg.Label, context.Cause(ctx))
			}
			return r.stats, fmt.Errorf("dispatch: %s read: %w", d.cfg.Label, err)
		}
		if !ok {
			break
		}
		buf = append(buf, item)
		if len(buf) == d.cfg.ChunkSize {
			if err := d.chunk(ctx, r, buf); err != nil {
				return r.stats, err
			}
			buf = make([]I, 0, d.cfg.ChunkSize)
		}
	}
	if err := d.chunk(ctx, r, buf); err != nil {
		return r.stats, err
	}
	return r.stats, nil
}

// RunPaged pulls pages of ChunkSize items from p until a page comes back
// empty. Each page is one chunk.
func (d *Dispatcher[I, O]) RunPaged(ctx context.Context, p Pager[I]) (stats Stats, err error) {
	r := d.newRun()
	log.Printf("dispatch: %s start mode=paging page=%d sub_batches=%d", d.cfg.Label, d.cfg.ChunkSize, d.cfg.SubBatches)
	defer func() { stats, err = d.finish(r, err) }()

	offset := 0
	for {
		if ctx.Err() != nil {
			return r.stats, fmt.Errorf("dispatch: %s interrupted: %w", d.cfg.Label, context.Cause(ctx))
		}
		page, err := p.Page(ctx, offset, d.cfg.ChunkSize)
		if err != nil {
			if ctx.Err() != nil {
				return r.stats, fmt.Errorf("dispatch: %s interrupted: %w", d.cfg.Label, context.Cause(ctx))
			}
			return r.stats, fmt.Errorf("dispatch: %s page offset=%d: %w", d.cfg.Label, offset, err)
		}
		if len(page) == 0 {
			return r.stats, nil
		}
		if err := d.chunk(ctx, r, page); err != nil {
			return r.stats, err
		}
		offset += len(page)
	}
}

// Filter returns a cursor that yields only the items of c for which keep
// returns true.
func Filter[T any](c Cursor[T], keep func(T) bool) Cursor[T] {
	return &filtered[T]{Cursor: c, keep: keep}
}

type filtered[T any] struct {
	Cursor[T]
	keep func(T) bool
}

func (f *filtered[T]) Next(ctx context.Context) (T, bool, error) {
	for {
		item, ok, err := f.Cursor.Next(ctx)
		if err != nil || !ok {
			return item, ok, err
		}
		if f.keep(item) {
			return item, true, nil
		}
	}
}
