package job

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"ruleetl/internal/metrics"
)

// ErrAlreadyRun is returned when a Flow is run a second time.
var ErrAlreadyRun = errors.New("job: flow already run; restart is not supported")

// Steps are the concrete steps of a job.
type Steps interface {
	// Pre prepares the run. An error sends the flow to NotCompleted.
	Pre(ctx context.Context, x *Execution) error

	// Vacuum maintains the tables queued by Pre. Its error is logged only.
	Vacuum(ctx context.Context, x *Execution) error

	// Slave processes one partition. It runs concurrently with the others.
	Slave(ctx context.Context, x *Execution, p Partition) error

	// BulkInsert publishes the results of all partitions.
	BulkInsert(ctx context.Context, x *Execution) error

	// NotCompleted records a failed run.
	NotCompleted(ctx context.Context, x *Execution) error

	// After finishes the run. It always runs; its error is logged only.
	After(ctx context.Context, x *Execution) error
}

// Step names used in logs and metrics.
const (
	StepPre          = "pre"
	StepVacuum       = "vacuum"
	StepSlaves       = "slaves"
	StepBulkInsert   = "bulk_insert"
	StepNotCompleted = "not_completed"
	StepAfter        = "after"
)

// Flow runs the steps of one job.
type Flow struct {
	Name     string
	PoolSize int
	Gbn      string
	Steps    Steps

	// AfterTimeout bounds After when the run context has been cancelled.
	AfterTimeout time.Duration

	ran atomic.Bool
}

// Run executes the flow once and reports its status. The error joins every
// step failure that made the status FAILED.
func (f *Flow) Run(ctx context.Context, x *Execution) (Status, error) {
	if !f.ran.CompareAndSwap(false, true) {
		return StatusFailed, ErrAlreadyRun
	}
	if f.PoolSize < 1 {
		return StatusFailed, fmt.Errorf("job %s: pool size %d < 1", f.Name, f.PoolSize)
	}
	log.Printf("job: start name=%s run=%s pool_size=%d", f.Name, x.RunID, f.PoolSize)

	var failure error
	if err := f.step(ctx, StepPre, func(ctx context.Context) error { return f.Steps.Pre(ctx, x) }); err != nil {
		failure = err
	} else {
		if err := f.step(ctx, StepVacuum, func(ctx context.Context) error { return f.Steps.Vacuum(ctx, x) }); err != nil {
			log.Printf("job: vacuum failed, continuing: %v", err)
		}
		failure = f.step(ctx, StepSlaves, func(ctx context.Context) error { return f.slaves(ctx, x) })
		if failure == nil {
			failure = f.step(ctx, StepBulkInsert, func(ctx context.Context) error { return f.Steps.BulkInsert(ctx, x) })
		}
	}

	status := StatusCompleted
	if failure != nil {
		status = StatusFailed
		if err := f.step(ctx, StepNotCompleted, func(ctx context.Context) error { return f.Steps.NotCompleted(ctx, x) }); err != nil {
			failure = errors.Join(failure, err)
		}
	}

	actx, cancel := f.afterContext(ctx)
	defer cancel()
	if err := f.step(actx, StepAfter, func(ctx context.Context) error { return f.Steps.After(ctx, x) }); err != nil {
		log.Printf("job: after step failed: %v", err)
	}

	log.Printf("job: finish name=%s run=%s status=%s written=%d elapsed=%s",
		f.Name, x.RunID, status, x.Written(), time.Since(x.StartedAt).Round(time.Millisecond))
	return status, failure
}

func (f *Flow) slaves(ctx context.Context, x *Execution) error {
	parts := Partitions(PartitionSpec{
		PoolSize:   f.PoolSize,
		Gbn:        f.Gbn,
		Params:     x.Search(),
		TableCount: x.TableCount(),
	})
	return RunPartitions(ctx, parts, func(ctx context.Context, p Partition) error {
		return f.Steps.Slave(ctx, x, p)
	})
}

// afterContext keeps After running when the run was interrupted, so that
// the failure is still recorded.
func (f *Flow) afterContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() == nil {
		return ctx, func() {}
	}
	d := f.AfterTimeout
	if d <= 0 {
		d = time.Minute
	}
	return context.WithTimeout(context.WithoutCancel(ctx), d)
}

func (f *Flow) step(ctx context.Context, name string, fn func(context.Context) error) error {
	start := time.Now()
	err := fn(ctx)
	if err == nil {
		if cerr := ctx.Err(); cerr != nil && name != StepAfter && name != StepNotCompleted {
			err = fmt.Errorf("interrupted: %w", cerr)
		}
	}
	d := time.Since(start)
	metrics.RecordStep(f.Name, name, err, d)
	if err != nil {
		log.Printf("job: step=%s failed in %s: %v", name, d.Round(time.Millisecond), err)
		return fmt.Errorf("%s: %w", name, err)
	}
	log.Printf("job: step=%s ok in %s", name, d.Round(time.Millisecond))
	return nil
}
