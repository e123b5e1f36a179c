package job

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"slices"
	"sort"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

type fakeSteps struct {
	mu    sync.Mutex
	calls []string

	preErr, vacuumErr, bulkErr, afterErr error
	slaveErr                             map[int]error

	cancelInPre context.CancelFunc
	afterCtxErr error

	running, peak atomic.Int32
	slaveDelay    time.Duration
	seen          []Partition
}

func (f *fakeSteps) record(s string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, s)
}

func (f *fakeSteps) Pre(ctx context.Context, x *Execution) error {
	f.record(StepPre)
	x.SetTableCount(2)
	if f.cancelInPre != nil {
		f.cancelInPre()
	}
	return f.preErr
}

func (f *fakeSteps) Vacuum(ctx context.Context, x *Execution) error {
	f.record(StepVacuum)
	return f.vacuumErr
}

func (f *fakeSteps) Slave(ctx context.Context, x *Execution, p Partition) error {
	n := f.running.Add(1)
	for {
		old := f.peak.Load()
		if n <= old || f.peak.CompareAndSwap(old, n) {
			break
		}
	}
	time.Sleep(f.slaveDelay)
	f.running.Add(-1)

	f.mu.Lock()
	f.seen = append(f.seen, p)
	f.mu.Unlock()
	x.AddWritten(10)
	return f.slaveErr[p.ThreadNo]
}

func (f *fakeSteps) BulkInsert(ctx context.Context, x *Execution) error {
	f.record(StepBulkInsert)
	return f.bulkErr
}

func (f *fakeSteps) NotCompleted(ctx context.Context, x *Execution) error {
	f.record(StepNotCompleted)
	x.SetResult(ResultFail)
	return nil
}

func (f *fakeSteps) After(ctx context.Context, x *Execution) error {
	f.record(StepAfter)
	f.afterCtxErr = ctx.Err()
	return f.afterErr
}

func TestFlow(t *testing.T) {
	t.Parallel()

	boom := errors.New("boom")
	tests := []struct {
		name       string
		steps      *fakeSteps
		wantStatus Status
		wantCalls  []string
		wantSlaves int
	}{
		{
			name:       "completed",
			steps:      &fakeSteps{},
			wantStatus: StatusCompleted,
			wantCalls:  []string{StepPre, StepVacuum, StepBulkInsert, StepAfter},
			wantSlaves: 3,
		},
		{
			name:       "pre failure skips slaves",
			steps:      &fakeSteps{preErr: boom},
			wantStatus: StatusFailed,
			wantCalls:  []string{StepPre, StepNotCompleted, StepAfter},
		},
		{
			name:       "vacuum failure continues",
			steps:      &fakeSteps{vacuumErr: boom},
			wantStatus: StatusCompleted,
			wantCalls:  []string{StepPre, StepVacuum, StepBulkInsert, StepAfter},
			wantSlaves: 3,
		},
		{
			name:       "partition failure skips bulk insert",
			steps:      &fakeSteps{slaveErr: map[int]error{1: boom}},
			wantStatus: StatusFailed,
			wantCalls:  []string{StepPre, StepVacuum, StepNotCompleted, StepAfter},
			wantSlaves: 3,
		},
		{
			name:       "bulk insert failure",
			steps:      &fakeSteps{bulkErr: boom},
			wantStatus: StatusFailed,
			wantCalls:  []string{StepPre, StepVacuum, StepBulkInsert, StepNotCompleted, StepAfter},
			wantSlaves: 3,
		},
		{
			name:       "after failure does not fail the job",
			steps:      &fakeSteps{afterErr: boom},
			wantStatus: StatusCompleted,
			wantCalls:  []string{StepPre, StepVacuum, StepBulkInsert, StepAfter},
			wantSlaves: 3,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			f := &Flow{Name: "test", PoolSize: 3, Gbn: "WLESS", Steps: tt.steps}
			x := NewExecution("test", map[string]string{"batchId": "B1"})
			status, err := f.Run(context.Background(), x)
			if status != tt.wantStatus {
				t.Fatalf("status = %s, want %s (err=%v)", status, tt.wantStatus, err)
			}
			if (status == StatusFailed) != (err != nil) {
				t.Fatalf("status %s with err %v", status, err)
			}
			if !reflect.DeepEqual(tt.steps.calls, tt.wantCalls) {
				t.Fatalf("calls = %v, want %v", tt.steps.calls, tt.wantCalls)
			}
			if len(tt.steps.seen) != tt.wantSlaves {
				t.Fatalf("slaves = %d, want %d", len(tt.steps.seen), tt.wantSlaves)
			}
			if status == StatusFailed && x.Result() != ResultFail {
				t.Fatalf("Result = %q, want %q", x.Result(), ResultFail)
			}
		})
	}
}

func TestFlow_PartitionFailuresAreJoined(t *testing.T) {
	t.Parallel()

	e0, e2 := errors.New("p0"), errors.New("p2")
	steps := &fakeSteps{slaveErr: map[int]error{0: e0, 2: e2}}
	f := &Flow{Name: "test", PoolSize: 3, Steps: steps}
	_, err := f.Run(context.Background(), NewExecution("test", nil))
	if !errors.Is(err, e0) || !errors.Is(err, e2) {
		t.Fatalf("err = %v, want both partition failures", err)
	}
	var pe *PartitionError
	if !errors.As(err, &pe) {
		t.Fatalf("err = %v, want *PartitionError", err)
	}
}

func TestFlow_SlavesRunConcurrently(t *testing.T) {
	t.Parallel()

	steps := &fakeSteps{slaveDelay: 50 * time.Millisecond}
	f := &Flow{Name: "test", PoolSize: 4, Steps: steps}
	x := NewExecution("test", nil)
	if status, err := f.Run(context.Background(), x); status != StatusCompleted {
		t.Fatalf("status = %s, err = %v", status, err)
	}
	if got := steps.peak.Load(); got != 4 {
		t.Fatalf("peak concurrent slaves = %d, want 4", got)
	}
	if got := x.Written(); got != 40 {
		t.Fatalf("Written = %d, want 40", got)
	}

	threads := make([]int, 0, len(steps.seen))
	for _, p := range steps.seen {
		threads = append(threads, p.ThreadNo)
		if p.ParamSet == nil || p.PoolSize != 4 {
			t.Fatalf("partition %+v missing shared fields", p)
		}
	}
	sort.Ints(threads)
	if !reflect.DeepEqual(threads, []int{0, 1, 2, 3}) {
		t.Fatalf("thread numbers = %v", threads)
	}
}

func TestFlow_NoRestart(t *testing.T) {
	t.Parallel()

	f := &Flow{Name: "test", PoolSize: 1, Steps: &fakeSteps{}}
	if _, err := f.Run(context.Background(), NewExecution("test", nil)); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	if _, err := f.Run(context.Background(), NewExecution("test", nil)); !errors.Is(err, ErrAlreadyRun) {
		t.Fatalf("second Run err = %v, want ErrAlreadyRun", err)
	}
}

func TestFlow_InterruptedStillRunsAfter(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	steps := &fakeSteps{cancelInPre: cancel}
	f := &Flow{Name: "test", PoolSize: 2, Steps: steps}

	status, err := f.Run(ctx, NewExecution("test", nil))
	if status != StatusFailed || !errors.Is(err, context.Canceled) {
		t.Fatalf("Run = %s, %v; want FAILED wrapping context.Canceled", status, err)
	}
	if want := []string{StepPre, StepNotCompleted, StepAfter}; !reflect.DeepEqual(steps.calls, want) {
		t.Fatalf("calls = %v, want %v", steps.calls, want)
	}
	if steps.afterCtxErr != nil {
		t.Fatalf("After ctx err = %v, want live context", steps.afterCtxErr)
	}
}

func TestPartitions(t *testing.T) {
	t.Parallel()

	params := map[string]string{"batchId": "B1"}
	parts := Partitions(PartitionSpec{PoolSize: 3, Gbn: "WLESS", Params: params, TableCount: 2})
	if len(parts) != 3 {
		t.Fatalf("len = %d, want 3", len(parts))
	}
	for i, p := range parts {
		if p.ThreadNo != i || p.PartitionGbn != "WLESS" || p.PoolSize != 3 || p.TableNumber != i%2 {
			t.Fatalf("parts[%d] = %+v", i, p)
		}
	}
	parts[0].ParamSet["batchId"] = "changed"
	if params["batchId"] != "B1" || parts[1].ParamSet["batchId"] != "B1" {
		t.Fatalf("ParamSet shares the caller's map")
	}

	if got := Partitions(PartitionSpec{PoolSize: 0}); got != nil {
		t.Fatalf("Partitions(P=0) = %v, want nil", got)
	}
}

func TestPartition_Params(t *testing.T) {
	t.Parallel()

	p := Partition{ThreadNo: 2, PartitionGbn: "G", ParamSet: map[string]string{"apiId": "R1"}, PoolSize: 4, TableNumber: 1}
	want := map[string]any{"apiId": "R1", "threadNo": 2, "partitionGbn": "G", "pool_size": 4, "tableNumber": 1}
	if got := p.Params(); !reflect.DeepEqual(got, want) {
		t.Fatalf("Params = %v, want %v", got, want)
	}
}

func TestPartition_OwnsExactlyOne(t *testing.T) {
	t.Parallel()

	parts := Partitions(PartitionSpec{PoolSize: 5})
	for i := 0; i < 500; i++ {
		key := fmt.Sprintf("SVC%07d", i)
		owners := 0
		for _, p := range parts {
			if p.Owns(key) {
				owners++
			}
		}
		if owners != 1 {
			t.Fatalf("key %s owned by %d partitions, want 1", key, owners)
		}
	}
	if !(Partition{PoolSize: 1}).Owns("anything") {
		t.Fatalf("single partition must own every key")
	}
}

func TestRunPartitions_Empty(t *testing.T) {
	t.Parallel()

	if err := RunPartitions(context.Background(), nil, nil); err != nil {
		t.Fatalf("RunPartitions(nil) = %v", err)
	}
}

func TestPartitions_NilParams(t *testing.T) {
	t.Parallel()

	x := NewExecution("job", nil)
	if x.Search() == nil {
		t.Fatalf("Search() = nil for an execution without params")
	}
	x.SetParam("skipCount", "3")

	parts := Partitions(PartitionSpec{PoolSize: 2, Params: nil})
	for _, p := range parts {
		if p.ParamSet == nil {
			t.Fatalf("%s has a nil ParamSet", p)
		}
	}
	parts[0].ParamSet["k"] = "v"
	if _, ok := parts[1].ParamSet["k"]; ok {
		t.Fatalf("partitions share their ParamSet")
	}
}

func TestExecution(t *testing.T) {
	t.Parallel()

	params := map[string]string{"batchId": "B1"}
	x := NewExecution("job", params)
	if x.RunID == "" {
		t.Fatalf("RunID is empty")
	}
	x.SetParam("skipCount", "200000")
	if params["skipCount"] != "" {
		t.Fatalf("SetParam changed the caller's map")
	}
	if got := x.Search(); got["batchId"] != "B1" || got["skipCount"] != "200000" {
		t.Fatalf("Search = %v", got)
	}

	x.AddVacuum("a", "b")
	x.AddVacuum("c")
	if got := x.TakeVacuum(); !slices.Equal(got, []string{"a", "b", "c"}) {
		t.Fatalf("TakeVacuum = %v", got)
	}
	if got := x.TakeVacuum(); len(got) != 0 {
		t.Fatalf("TakeVacuum after take = %v, want empty", got)
	}

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			x.AddWritten(3)
		}()
	}
	wg.Wait()
	if x.Written() != 30 {
		t.Fatalf("Written = %d, want 30", x.Written())
	}
}
