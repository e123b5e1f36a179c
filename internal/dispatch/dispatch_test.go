package dispatch

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sync"
	"testing"
	"time"

	"ruleetl/internal/retry"
)

type sliceCursor[T any] struct {
	items   []T
	pos     int
	failAt  int // Next fails at this position when > 0
	closed  int
	closeMu sync.Mutex
}

func (c *sliceCursor[T]) Next(context.Context) (T, bool, error) {
	var zero T
	if c.failAt > 0 && c.pos == c.failAt {
		return zero, false, errors.New("cursor: connection lost")
	}
	if c.pos >= len(c.items) {
		return zero, false, nil
	}
	c.pos++
	return c.items[c.pos-1], true, nil
}

func (c *sliceCursor[T]) Close() error {
	c.closeMu.Lock()
	defer c.closeMu.Unlock()
	c.closed++
	return nil
}

// sink records every flush.
type sink[O any] struct {
	mu      sync.Mutex
	batches [][]O
	err     error
}

func (s *sink[O]) flush(_ context.Context, rows []O) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return 0, s.err
	}
	s.batches = append(s.batches, slices.Clone(rows))
	return int64(len(rows)), nil
}

func (s *sink[O]) all() []O {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []O
	for _, b := range s.batches {
		out = append(out, b...)
	}
	return out
}

func (s *sink[O]) sizes() []int {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []int
	for _, b := range s.batches {
		out = append(out, len(b))
	}
	return out
}

func ints(n int) []int {
	out := make([]int, n)
	for i := range out {
		out[i] = i
	}
	return out
}

func double(_ context.Context, v int) ([]int, error) { return []int{2 * v}, nil }

func testConfig(chunk, k int) Config {
	return Config{
		Label:            "test",
		ChunkSize:        chunk,
		SubBatches:       k,
		MaxItemRetries:   3,
		Schedule:         retry.Linear(time.Millisecond),
		SubBatchTimeout:  time.Second,
		PoolDrainTimeout: time.Second,
	}
}

func newDispatcher[I, O any](t *testing.T, cfg Config, p ProcessFunc[I, O], s *sink[O]) *Dispatcher[I, O] {
	t.Helper()
	d, err := New(cfg, p, s.flush, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

func TestSplit(t *testing.T) {
	t.Parallel()

	tests := []struct {
		n, k  int
		sizes []int
	}{
		{n: 10, k: 5, sizes: []int{2, 2, 2, 2, 2}},
		{n: 11, k: 5, sizes: []int{3, 3, 3, 2}},
		{n: 16, k: 5, sizes: []int{4, 4, 4, 4}},
		{n: 3, k: 5, sizes: []int{1, 1, 1}},
		{n: 1000, k: 5, sizes: []int{200, 200, 200, 200, 200}},
		{n: 7, k: 1, sizes: []int{7}},
		{n: 0, k: 5, sizes: nil},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("n=%d,k=%d", tt.n, tt.k), func(t *testing.T) {
			t.Parallel()
			parts := Split(ints(tt.n), tt.k)
			var sizes []int
			var flat []int
			for _, p := range parts {
				sizes = append(sizes, len(p))
				flat = append(flat, p...)
			}
			if !reflect.DeepEqual(sizes, tt.sizes) {
				t.Fatalf("sizes = %v, want %v", sizes, tt.sizes)
			}
			if len(parts) > tt.k {
				t.Fatalf("%d sub-batches, want at most %d", len(parts), tt.k)
			}
			if tt.n > 0 && !reflect.DeepEqual(flat, ints(tt.n)) {
				t.Fatalf("items not covered exactly once in order: %v", flat)
			}
		})
	}
}

func TestSplit_SubBatchesDoNotShareBacking(t *testing.T) {
	t.Parallel()

	parts := Split(ints(4), 2)
	parts[0] = append(parts[0], 99)
	if parts[1][0] != 2 {
		t.Fatalf("append to first sub-batch overwrote the second: %v", parts[1])
	}
}

func TestRunCursor_FanOut(t *testing.T) {
	t.Parallel()

	s := &sink[int]{}
	d := newDispatcher(t, testConfig(10, 5), double, s)
	c := &sliceCursor[int]{items: ints(10)}

	stats, err := d.RunCursor(context.Background(), c)
	if err != nil {
		t.Fatalf("RunCursor: %v", err)
	}
	got := s.all()
	slices.Sort(got)
	want := []int{0, 2, 4, 6, 8, 10, 12, 14, 16, 18}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("sink rows = %v, want %v", got, want)
	}
	if len(s.batches) != 1 {
		t.Fatalf("flushes = %d, want 1", len(s.batches))
	}
	if stats.Items != 10 || stats.Chunks != 1 || stats.Results != 10 || stats.Inserted != 10 {
		t.Fatalf("stats = %+v", stats)
	}
	if c.closed != 1 {
		t.Fatalf("cursor closed %d times, want 1", c.closed)
	}
}

func TestRunCursor_FailedItemIsSkipped(t *testing.T) {
	t.Parallel()

	var (
		mu    sync.Mutex
		calls = map[string]int{}
	)
	process := func(_ context.Context, key string) ([]string, error) {
		mu.Lock()
		defer mu.Unlock()
		calls[key]++
		if key == "B" {
			return nil, errors.New("rule engine: 503")
		}
		return []string{key + "1"}, nil
	}
	s := &sink[string]{}
	d := newDispatcher(t, testConfig(10, 1), process, s)
	var waits []time.Duration
	d.sleep = func(_ context.Context, w time.Duration) error {
		waits = append(waits, w)
		return nil
	}

	stats, err := d.RunCursor(context.Background(), &sliceCursor[string]{items: []string{"A", "B", "C"}})
	if err != nil {
		t.Fatalf("RunCursor: %v", err)
	}
	if got := s.all(); !reflect.DeepEqual(got, []string{"A1", "C1"}) {
		t.Fatalf("sink rows = %v, want [A1 C1]", got)
	}
	if calls["B"] != 3 || calls["A"] != 1 || calls["C"] != 1 {
		t.Fatalf("calls = %v, want B=3 A=1 C=1", calls)
	}
	if want := []time.Duration{time.Millisecond, 2 * time.Millisecond}; !reflect.DeepEqual(waits, want) {
		t.Fatalf("waits = %v, want %v", waits, want)
	}
	if stats.FailedItems != 1 {
		t.Fatalf("FailedItems = %d, want 1", stats.FailedItems)
	}
}

func TestRunCursor_ChunksAndFinalPartialChunk(t *testing.T) {
	t.Parallel()

	s := &sink[int]{}
	d := newDispatcher(t, testConfig(4, 2), double, s)

	stats, err := d.RunCursor(context.Background(), &sliceCursor[int]{items: ints(10)})
	if err != nil {
		t.Fatalf("RunCursor: %v", err)
	}
	if got := s.sizes(); !reflect.DeepEqual(got, []int{4, 4, 2}) {
		t.Fatalf("flush sizes = %v, want [4 4 2]", got)
	}
	if stats.Chunks != 3 {
		t.Fatalf("Chunks = %d, want 3", stats.Chunks)
	}
}

func TestRunCursor_EmptyInput(t *testing.T) {
	t.Parallel()

	s := &sink[int]{}
	d := newDispatcher(t, testConfig(4, 2), double, s)
	c := &sliceCursor[int]{}

	stats, err := d.RunCursor(context.Background(), c)
	if err != nil {
		t.Fatalf("RunCursor: %v", err)
	}
	if len(s.batches) != 0 || stats.Chunks != 0 {
		t.Fatalf("flushes=%d chunks=%d, want none", len(s.batches), stats.Chunks)
	}
	if c.closed != 1 {
		t.Fatalf("cursor closed %d times, want 1", c.closed)
	}
}

func TestRunCursor_NoResultsSkipsSink(t *testing.T) {
	t.Parallel()

	s := &sink[int]{err: errors.New("must not be called")}
	none := func(context.Context, int) ([]int, error) { return nil, nil }
	d := newDispatcher(t, testConfig(4, 2), none, s)

	if _, err := d.RunCursor(context.Background(), &sliceCursor[int]{items: ints(5)}); err != nil {
		t.Fatalf("RunCursor: %v", err)
	}
}

func TestRunCursor_ReadErrorClosesCursor(t *testing.T) {
	t.Parallel()

	s := &sink[int]{}
	d := newDispatcher(t, testConfig(4, 2), double, s)
	c := &sliceCursor[int]{items: ints(10), failAt: 6}

	_, err := d.RunCursor(context.Background(), c)
	if err == nil {
		t.Fatalf("RunCursor: want read error")
	}
	if c.closed != 1 {
		t.Fatalf("cursor closed %d times, want 1", c.closed)
	}
	if got := s.sizes(); !reflect.DeepEqual(got, []int{4}) {
		t.Fatalf("flush sizes = %v, want [4] before the failure", got)
	}
}

func TestRunCursor_SinkError(t *testing.T) {
	t.Parallel()

	s := &sink[int]{err: errors.New("copy: disk full")}
	d := newDispatcher(t, testConfig(4, 2), double, s)

	_, err := d.RunCursor(context.Background(), &sliceCursor[int]{items: ints(10)})
	var se *SinkError
	if !errors.As(err, &se) || se.Chunk != 1 || se.Rows != 4 {
		t.Fatalf("err = %v, want *SinkError for chunk 1 with 4 rows", err)
	}
}

func TestRunCursor_SubBatchTimeout(t *testing.T) {
	t.Parallel()

	block := func(ctx context.Context, v int) ([]int, error) {
		if v == 3 {
			<-ctx.Done()
			return nil, ctx.Err()
		}
		return []int{v}, nil
	}
	cfg := testConfig(4, 2)
	cfg.SubBatchTimeout = 20 * time.Millisecond
	s := &sink[int]{}
	d := newDispatcher(t, cfg, block, s)

	_, err := d.RunCursor(context.Background(), &sliceCursor[int]{items: ints(4)})
	var sbe *SubBatchError
	if !errors.As(err, &sbe) || !sbe.Timeout || sbe.Index != 1 {
		t.Fatalf("err = %v, want timed-out *SubBatchError for sub-batch 1", err)
	}
	if len(s.batches) != 0 {
		t.Fatalf("sink called after aborted chunk")
	}
}

func TestRunCursor_ForcedShutdown(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	defer close(release)
	stuck := func(_ context.Context, v int) ([]int, error) {
		<-release
		return []int{v}, nil
	}
	cfg := testConfig(2, 1)
	cfg.SubBatchTimeout = 5 * time.Millisecond
	cfg.PoolDrainTimeout = 10 * time.Millisecond
	d := newDispatcher(t, cfg, stuck, &sink[int]{})

	_, err := d.RunCursor(context.Background(), &sliceCursor[int]{items: ints(2)})
	if !errors.Is(err, ErrForcedShutdown) {
		t.Fatalf("err = %v, want ErrForcedShutdown", err)
	}
}

func TestRunCursor_Interrupted(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{}, 8)
	block := func(ctx context.Context, v int) ([]int, error) {
		started <- struct{}{}
		<-ctx.Done()
		return nil, ctx.Err()
	}
	d := newDispatcher(t, testConfig(4, 2), block, &sink[int]{})
	c := &sliceCursor[int]{items: ints(10)}

	go func() {
		<-started
		cancel()
	}()
	_, err := d.RunCursor(ctx, c)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	var sbe *SubBatchError
	if errors.As(err, &sbe) {
		t.Fatalf("interrupt reported as sub-batch failure: %v", err)
	}
	if c.closed != 1 {
		t.Fatalf("cursor closed %d times, want 1", c.closed)
	}
}

func TestRunPaged(t *testing.T) {
	t.Parallel()

	data := ints(23)
	var offsets []int
	p := PagerFunc[int](func(_ context.Context, offset, limit int) ([]int, error) {
		offsets = append(offsets, offset)
		if offset >= len(data) {
			return nil, nil
		}
		return data[offset:min(offset+limit, len(data))], nil
	})
	s := &sink[int]{}
	d := newDispatcher(t, testConfig(10, 5), double, s)

	stats, err := d.RunPaged(context.Background(), p)
	if err != nil {
		t.Fatalf("RunPaged: %v", err)
	}
	if want := []int{0, 10, 20, 23}; !reflect.DeepEqual(offsets, want) {
		t.Fatalf("offsets = %v, want %v", offsets, want)
	}
	if got := s.sizes(); !reflect.DeepEqual(got, []int{10, 10, 3}) {
		t.Fatalf("flush sizes = %v, want [10 10 3]", got)
	}
	if stats.Items != 23 || stats.Inserted != 23 {
		t.Fatalf("stats = %+v", stats)
	}
}

func TestRunPaged_PageError(t *testing.T) {
	t.Parallel()

	p := PagerFunc[int](func(context.Context, int, int) ([]int, error) {
		return nil, errors.New("statement timeout")
	})
	d := newDispatcher(t, testConfig(10, 5), double, &sink[int]{})
	if _, err := d.RunPaged(context.Background(), p); err == nil {
		t.Fatalf("RunPaged: want error")
	}
}

func TestFilter(t *testing.T) {
	t.Parallel()

	c := &sliceCursor[int]{items: ints(10)}
	even := Filter[int](c, func(v int) bool { return v%2 == 0 })
	var got []int
	for {
		v, ok, err := even.Next(context.Background())
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		if !ok {
			break
		}
		got = append(got, v)
	}
	if want := []int{0, 2, 4, 6, 8}; !reflect.DeepEqual(got, want) {
		t.Fatalf("filtered = %v, want %v", got, want)
	}
	if err := even.Close(); err != nil || c.closed != 1 {
		t.Fatalf("Close did not reach the underlying cursor")
	}
}

func TestNew_Validation(t *testing.T) {
	t.Parallel()

	s := &sink[int]{}
	if _, err := New(Config{ChunkSize: 0, SubBatches: 5}, double, s.flush, nil); err == nil {
		t.Fatalf("want error for zero chunk size")
	}
	if _, err := New(Config{ChunkSize: 10, SubBatches: 0}, double, s.flush, nil); err == nil {
		t.Fatalf("want error for zero sub-batches")
	}
	if _, err := New[int, int](Config{ChunkSize: 10, SubBatches: 5}, nil, s.flush, nil); err == nil {
		t.Fatalf("want error for nil process")
	}
	d, err := New(Config{ChunkSize: 10, SubBatches: 5}, double, s.flush, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if d.cfg.MaxItemRetries != 3 || d.cfg.SubBatchTimeout != 5*time.Minute || d.cfg.PoolDrainTimeout != 10*time.Minute {
		t.Fatalf("defaults not applied: %+v", d.cfg)
	}
}
