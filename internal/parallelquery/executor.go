// Package parallelquery runs a heavy SQL statement and insists that the
// server actually gives it parallel workers.
//
// Each attempt runs the statement on a dedicated session while a monitor
// polls the server for the number of parallel workers serving it:
//
//	attempt n: start ─► wait InitialWait ─► probe every MonitorInterval
//	             │                                │
//	             │        workers >= target ──────┴─► let it finish, accept
//	             │        probe fails / window ───────► cancel, clean up, retry
//	             └─ finishes on its own ─► accept if the minimum was re-met,
//	                                       otherwise clean up and retry
//
// A cancelled attempt is stopped on the server (cancel, falling back to
// terminate) and locally (context), and its side effects are removed with
// the statement's Cleanup before the next attempt.
//
// When every attempt is used, the value of the most recent completed attempt
// is still returned if some attempt reached MinWorkers; otherwise Run fails
// with *TargetNotMetError.
package parallelquery

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync/atomic"
	"time"

	"ruleetl/internal/dbprobe"
	"ruleetl/internal/metrics"
	"ruleetl/internal/retry"
)

// Options hold the timings of the executor.
type Options struct {
	InitialWait     time.Duration
	MonitorInterval time.Duration
	RetryDelay      time.Duration
	PostCancelWait  time.Duration

	// ValueTimeout bounds the wait for the result once the statement has
	// reported completion.
	ValueTimeout time.Duration

	// MonitorWindow bounds how long a running attempt is monitored before it
	// is cancelled. Zero monitors until the statement finishes.
	MonitorWindow time.Duration

	// Job labels metrics.
	Job string

	// Verbose logs every probe sample.
	Verbose bool
}

// DefaultOptions returns the production timings.
func DefaultOptions() Options {
	return Options{
		InitialWait:     time.Second,
		MonitorInterval: 500 * time.Millisecond,
		RetryDelay:      2 * time.Second,
		PostCancelWait:  500 * time.Millisecond,
		ValueTimeout:    5 * time.Second,
	}
}

// Policy is the worker requirement for one Run.
type Policy struct {
	TargetWorkers int
	MinWorkers    int
	MaxAttempts   int
}

func (p Policy) validate() error {
	if p.MinWorkers < 1 || p.TargetWorkers < p.MinWorkers || p.MaxAttempts < 1 {
		return fmt.Errorf("parallelquery: invalid policy target=%d min=%d attempts=%d (want target >= min >= 1, attempts >= 1)",
			p.TargetWorkers, p.MinWorkers, p.MaxAttempts)
	}
	return nil
}

// Statement is the unit of work run by the executor.
type Statement[T any] struct {
	// Name labels logs and metrics.
	Name string

	// Run executes the statement on s. It must return promptly once ctx is
	// done.
	Run func(ctx context.Context, s dbprobe.Session) (T, error)

	// Cleanup removes the side effects of an attempt that is not accepted.
	// It may be nil.
	Cleanup func(ctx context.Context) error
}

// Result is the accepted outcome of Run.
type Result[T any] struct {
	Value           T
	AchievedWorkers int
	Attempts        int
	TargetMet       bool

	// Attempt is the attempt that produced Value. It is below Attempts when
	// the value is a fallback from an earlier attempt whose side effects were
	// already removed by Cleanup.
	Attempt int
}

// Replayed reports whether Value came from an attempt that was cleaned up.
func (r *Result[T]) Replayed() bool { return r.Attempt < r.Attempts }

// Executor runs statements under a worker policy.
type Executor struct {
	opener dbprobe.Opener
	prober dbprobe.Prober
	opts   Options

	// sleep is injectable to make tests fast and deterministic.
	sleep func(ctx context.Context, d time.Duration) error
}

// New returns an Executor. Zero timings in opts take their defaults;
// MonitorWindow stays unbounded when zero.
func New(opener dbprobe.Opener, prober dbprobe.Prober, opts Options) *Executor {
	def := DefaultOptions()
	if opts.InitialWait <= 0 {
		opts.InitialWait = def.InitialWait
	}
	if opts.MonitorInterval <= 0 {
		opts.MonitorInterval = def.MonitorInterval
	}
	if opts.RetryDelay <= 0 {
		opts.RetryDelay = def.RetryDelay
	}
	if opts.PostCancelWait <= 0 {
		opts.PostCancelWait = def.PostCancelWait
	}
	if opts.ValueTimeout <= 0 {
		opts.ValueTimeout = def.ValueTimeout
	}
	return &Executor{
		opener: opener,
		prober: prober,
		opts:   opts,
		sleep:  retry.SleepContext,
	}
}

const pidUnknown = -1

// state is what the monitor and the canceller share with the statement
// goroutine for one attempt.
type state struct {
	n         int
	name      string
	pid       atomic.Int64
	completed atomic.Bool
	cancelled atomic.Bool
	current   atomic.Int32
	observed  atomic.Int32 // max for this attempt, never decreases
	done      chan struct{}
	stop      context.CancelFunc
}

func (s *state) backend() (int, bool) {
	pid := s.pid.Load()
	return int(pid), pid != pidUnknown
}

func (s *state) finished() bool {
	select {
	case <-s.done:
		return true
	default:
		return false
	}
}

func (s *state) raise(w int) {
	for {
		cur := s.observed.Load()
		if int32(w) <= cur || s.observed.CompareAndSwap(cur, int32(w)) {
			return
		}
	}
}

type attempt[T any] struct {
	*state
	value T // valid after done is closed
	err   error
}

func start[T any](ctx context.Context, e *Executor, st Statement[T], n int) *attempt[T] {
	actx, stop := context.WithCancel(ctx)
	a := &attempt[T]{state: &state{n: n, name: st.Name, done: make(chan struct{}), stop: stop}}
	a.pid.Store(pidUnknown)

	go func() {
		defer close(a.done)
		sess, err := e.opener.OpenSession(actx)
		if err != nil {
			a.err = fmt.Errorf("open session: %w", err)
			return
		}
		defer sess.Release()

		pid, err := sess.BackendID(actx)
		if err != nil {
			a.err = fmt.Errorf("backend id: %w", err)
			return
		}
		a.pid.Store(int64(pid))

		v, err := st.Run(actx, sess)
		if err != nil {
			a.err = err
			return
		}
		a.value = v
		a.completed.Store(true)
	}()
	return a
}

// Run executes st until p is satisfied or the attempts are used up.
// A statement that completes at the minimum is accepted only from the second
// attempt on, so with MaxAttempts > 1 the first attempt must reach the target.
func Run[T any](ctx context.Context, e *Executor, st Statement[T], p Policy) (*Result[T], error) {
	if err := p.validate(); err != nil {
		return nil, err
	}
	if st.Run == nil {
		return nil, fmt.Errorf("parallelquery: statement %q has no Run", st.Name)
	}

	var (
		maxAll   int         // observed max across all attempts so far
		fallback *attempt[T] // most recent completed attempt that was not accepted
		pending  bool        // fallback has not been cleaned up
	)
	for n := 1; n <= p.MaxAttempts; n++ {
		a := start(ctx, e, st, n)
		log.Printf("parallelquery: stmt=%s attempt=%d/%d started target=%d min=%d",
			st.Name, n, p.MaxAttempts, p.TargetWorkers, p.MinWorkers)

		if err := e.sleep(ctx, e.opts.InitialWait); err != nil {
			return nil, interrupt(ctx, e, st, a)
		}
		e.monitor(ctx, a.state, p.TargetWorkers)
		if ctx.Err() != nil {
			return nil, interrupt(ctx, e, st, a)
		}

		observed := int(a.observed.Load())
		metrics.ObserveWorkers(e.opts.Job, st.Name, observed)

		switch {
		case observed >= p.TargetWorkers && !a.finished():
			log.Printf("parallelquery: stmt=%s attempt=%d target reached workers=%d; waiting for completion",
				st.Name, n, observed)
			select {
			case <-a.done:
			case <-ctx.Done():
				return nil, interrupt(ctx, e, st, a)
			}
		case a.completed.Load() && !a.finished():
			if err := awaitValue(a.state, e.opts.ValueTimeout); err != nil {
				e.record(st.Name, "failed", n)
				return nil, &QueryError{Statement: st.Name, Attempt: n, Err: err}
			}
		}

		if a.finished() {
			if a.err != nil {
				e.record(st.Name, "failed", n)
				if err := cleanup(ctx, st, n); err != nil {
					log.Printf("parallelquery: %v", err)
				}
				return nil, &QueryError{Statement: st.Name, Attempt: n, Err: a.err}
			}

			if observed >= p.TargetWorkers {
				e.record(st.Name, "target_met", n)
				log.Printf("parallelquery: stmt=%s attempt=%d target met workers=%d", st.Name, n, observed)
				return &Result[T]{Value: a.value, AchievedWorkers: observed, Attempts: n, TargetMet: true, Attempt: n}, nil
			}
			if n > 1 && observed >= p.MinWorkers && observed >= maxAll {
				e.record(st.Name, "minimum_met", n)
				log.Printf("parallelquery: stmt=%s attempt=%d minimum met workers=%d prior_max=%d",
					st.Name, n, observed, maxAll)
				return &Result[T]{Value: a.value, AchievedWorkers: observed, Attempts: n, Attempt: n}, nil
			}

			e.record(st.Name, "rejected", n)
			log.Printf("parallelquery: stmt=%s attempt=%d completed with workers=%d; rejected", st.Name, n, observed)
			fallback, pending = a, true
			if n < p.MaxAttempts {
				if err := cleanup(ctx, st, n); err != nil {
					return nil, err
				}
				pending = false
			}
		} else {
			e.record(st.Name, "cancelled", n)
			log.Printf("parallelquery: stmt=%s attempt=%d running with workers=%d; cancelling", st.Name, n, observed)
			e.cancel(ctx, a.state)
			if err := cleanup(ctx, st, n); err != nil {
				return nil, err
			}
		}

		if observed > maxAll {
			maxAll = observed
		}

		if n < p.MaxAttempts {
			if err := e.sleep(ctx, e.opts.RetryDelay); err != nil {
				return nil, fmt.Errorf("%w: %s before attempt %d: %w", ErrInterrupted, st.Name, n+1, err)
			}
		}
	}

	if fallback != nil && maxAll >= p.MinWorkers {
		achieved := int(fallback.observed.Load())
		e.record(st.Name, "fallback", fallback.n)
		log.Printf("parallelquery: stmt=%s attempts exhausted; keeping result of attempt %d workers=%d max=%d (target %d not met)",
			st.Name, fallback.n, achieved, maxAll, p.TargetWorkers)
		return &Result[T]{Value: fallback.value, AchievedWorkers: achieved, Attempts: p.MaxAttempts, Attempt: fallback.n}, nil
	}
	if fallback != nil && pending {
		if err := cleanup(ctx, st, fallback.n); err != nil {
			log.Printf("parallelquery: %v", err)
		}
	}

	log.Printf("parallelquery: stmt=%s failed: max workers observed=%d, minimum=%d", st.Name, maxAll, p.MinWorkers)
	return nil, &TargetNotMetError{Statement: st.Name, Attempts: p.MaxAttempts, Observed: maxAll, Min: p.MinWorkers}
}

// monitor polls the worker count until the statement finishes, is
// cancelled, reaches target, the window closes, or a probe fails. Probe
// errors end monitoring without being returned.
func (e *Executor) monitor(ctx context.Context, s *state, target int) {
	began := time.Now()
	for {
		if s.completed.Load() || s.cancelled.Load() || s.finished() {
			return
		}
		if w := e.opts.MonitorWindow; w > 0 && time.Since(began) >= w {
			log.Printf("parallelquery: stmt=%s attempt=%d monitor window %s elapsed", s.name, s.n, w)
			return
		}

		if pid, ok := s.backend(); ok {
			workers, err := e.prober.ParallelWorkerCount(ctx, pid)
			if err != nil {
				if ctx.Err() == nil {
					log.Printf("parallelquery: stmt=%s attempt=%d probe pid=%d failed: %v", s.name, s.n, pid, err)
				}
				return
			}
			s.current.Store(int32(workers))
			s.raise(workers)
			if e.opts.Verbose {
				log.Printf("parallelquery: stmt=%s attempt=%d pid=%d workers=%d max=%d",
					s.name, s.n, pid, workers, s.observed.Load())
			}
			if workers >= target {
				return
			}
		}

		timer := time.NewTimer(e.opts.MonitorInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-s.done:
			timer.Stop()
			return
		case <-timer.C:
		}
	}
}

// cancel stops a running attempt on the server and locally, then waits for
// the statement goroutine to exit.
func (e *Executor) cancel(ctx context.Context, s *state) {
	dbctx := context.WithoutCancel(ctx)

	if pid, ok := s.backend(); ok && !s.completed.Load() && !s.cancelled.Load() {
		if _, err := e.prober.CancelStatement(dbctx, pid); err != nil {
			log.Printf("parallelquery: stmt=%s attempt=%d cancel pid=%d failed: %v; terminating session",
				s.name, s.n, pid, err)
			ok, terr := e.prober.TerminateSession(dbctx, pid)
			log.Printf("parallelquery: stmt=%s attempt=%d terminate pid=%d ok=%t err=%v", s.name, s.n, pid, ok, terr)
		} else {
			log.Printf("parallelquery: stmt=%s attempt=%d cancelled pid=%d", s.name, s.n, pid)
		}
		s.cancelled.Store(true)
	}
	s.stop()
	_ = e.sleep(dbctx, e.opts.PostCancelWait)
	<-s.done
}

func interrupt[T any](ctx context.Context, e *Executor, st Statement[T], a *attempt[T]) error {
	log.Printf("parallelquery: stmt=%s attempt=%d interrupted: %v", st.Name, a.n, context.Cause(ctx))
	e.record(st.Name, "interrupted", a.n)
	e.cancel(ctx, a.state)
	if err := cleanup(ctx, st, a.n); err != nil {
		log.Printf("parallelquery: %v", err)
	}
	return fmt.Errorf("%w: %s attempt %d: %w", ErrInterrupted, st.Name, a.n, context.Cause(ctx))
}

func cleanup[T any](ctx context.Context, st Statement[T], n int) error {
	if st.Cleanup == nil {
		return nil
	}
	log.Printf("parallelquery: stmt=%s attempt=%d cleanup", st.Name, n)
	if err := st.Cleanup(context.WithoutCancel(ctx)); err != nil {
		return &CleanupError{Statement: st.Name, Attempt: n, Err: err}
	}
	return nil
}

func awaitValue(s *state, timeout time.Duration) error {
	t := time.NewTimer(timeout)
	defer t.Stop()
	select {
	case <-s.done:
		return nil
	case <-t.C:
		return ErrQueryTimeout
	}
}

func (e *Executor) record(stmt, outcome string, n int) {
	metrics.RecordQueryAttempt(e.opts.Job, stmt, outcome, n)
}

// IsTargetNotMet reports whether err means the worker requirement was not
// satisfied (as opposed to a query failure or interruption).
func IsTargetNotMet(err error) bool {
	return errors.Is(err, ErrTargetNotMet)
}
