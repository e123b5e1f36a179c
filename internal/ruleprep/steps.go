// Package ruleprep implements the steps of the rule-check preparation job.
//
// Pre builds the target list under the parallel query executor and splits it
// into partition tables; Vacuum analyzes what Pre built; each Slave streams
// or pages its share of the target list through a dispatcher that calls the
// rule engine; BulkInsert moves the collected results into the main table;
// After records the outcome (job result, work history, SMS notice).
package ruleprep

import (
	"context"
	"errors"
	"fmt"
	"log"

	"ruleetl/internal/config"
	"ruleetl/internal/dbprobe"
	"ruleetl/internal/dispatch"
	"ruleetl/internal/domain"
	"ruleetl/internal/job"
	"ruleetl/internal/mapper"
	"ruleetl/internal/parallelquery"
	"ruleetl/internal/retry"
	"ruleetl/internal/rules"
	"ruleetl/internal/storage"
)

var (
	// ErrNotRunnable means the job parameters forbid a re-run.
	ErrNotRunnable = errors.New("ruleprep: re-execution not allowed (rexePosblYn=N)")

	// ErrNoTargets means the target list came out empty.
	ErrNoTargets = errors.New("ruleprep: target list is empty")
)

// Store runs mapped statements against the job database.
type Store interface {
	Has(name string) bool
	Exec(ctx context.Context, name string, params map[string]any) (int64, error)
	QueryInt(ctx context.Context, name string, params map[string]any) (int64, error)
	Vacuum(ctx context.Context, table string) error
}

// Source reads target list rows.
type Source interface {
	Cursor(ctx context.Context, name string, params map[string]any) (dispatch.Cursor[domain.TxnItem], error)
	Pager(name string, params map[string]any) dispatch.Pager[domain.TxnItem]
}

// Deps are the collaborators of Steps.
type Deps struct {
	Store    Store
	Source   Source
	Executor *parallelquery.Executor
	Rules    rules.Client
	Sink     storage.Sink
}

// Steps implements job.Steps.
type Steps struct {
	cfg      config.Job
	store    Store
	source   Source
	executor *parallelquery.Executor
	rules    rules.Client
	sink     storage.Sink
	schedule retry.Schedule
}

var _ job.Steps = (*Steps)(nil)

// New returns the steps of cfg. cfg is expected to have defaults applied.
func New(cfg config.Job, deps Deps) (*Steps, error) {
	if deps.Store == nil || deps.Source == nil || deps.Executor == nil || deps.Rules == nil || deps.Sink == nil {
		return nil, fmt.Errorf("ruleprep: store, source, executor, rules and sink are required")
	}
	sched, err := retry.Parse(cfg.Dispatch.Backoff, cfg.Dispatch.RetryBase.D())
	if err != nil {
		return nil, err
	}
	return &Steps{
		cfg:      cfg,
		store:    deps.Store,
		source:   deps.Source,
		executor: deps.Executor,
		rules:    deps.Rules,
		sink:     deps.Sink,
		schedule: sched,
	}, nil
}

// Pre drops what a previous run left behind, builds the target list and the
// partition tables, and records the tables to vacuum.
func (s *Steps) Pre(ctx context.Context, x *job.Execution) error {
	x.ClearVacuum()
	x.SetTableCount(0)

	if _, err := s.store.Exec(ctx, config.StmtDropTargetList, nil); err != nil {
		return err
	}
	if s.rangeStrategy() {
		for i := 0; i < s.cfg.Prepare.MaxTables; i++ {
			params := mapper.Params(x.Search())
			params["tableNumber"] = i
			if _, err := s.store.Exec(ctx, config.StmtDropPartitionTable, params); err != nil {
				return err
			}
		}
	}

	param1, batchID := x.Param("param1"), x.Param("batchId")
	log.Printf("ruleprep: pre param1=%q batchId=%q chkScopeVal=%q", param1, batchID, x.Param("chkScopeVal"))
	s.optional(ctx, config.StmtInsertWorkHistory, workHistory(x, 0, "S", batchID+" start"))

	if param1 != "" && x.Param("rexePosblYn") == "N" {
		x.SetResult(job.ResultFail)
		return ErrNotRunnable
	}
	x.SetResult("")
	s.optional(ctx, config.StmtUpdateJobResult, withExtra(x, "execResult", "Processing"))

	search := mapper.Params(x.Search())
	if s.store.Has(config.StmtDeleteResults) {
		n, err := s.store.Exec(ctx, config.StmtDeleteResults, search)
		if err != nil {
			return err
		}
		log.Printf("ruleprep: pre deleted previous results rows=%d", n)
	}
	if _, err := s.store.Exec(ctx, config.StmtDropResultTmp, search); err != nil {
		return err
	}
	if _, err := s.store.Exec(ctx, config.StmtCreateResultTmp, search); err != nil {
		return err
	}

	full, err := s.buildTargetList(ctx, search)
	if err != nil {
		if parallelquery.IsTargetNotMet(err) {
			log.Printf("ruleprep: pre target list not built, parallel workers unavailable: %v", err)
			x.SetResult(job.ResultFail)
		}
		return err
	}
	x.AddVacuum(s.cfg.Prepare.TargetTable)
	log.Printf("ruleprep: pre fullCount=%d", full)
	if full == 0 {
		x.SetResult(job.ResultFail)
		return ErrNoTargets
	}

	skip := int64(s.cfg.Prepare.SkipCount)
	tables := int((full + skip - 1) / skip)
	x.SetParam("skipCount", fmt.Sprint(skip))
	log.Printf("ruleprep: pre tableCount=%d skipCount=%d", tables, skip)

	if s.rangeStrategy() {
		for i := 0; i < tables; i++ {
			params := mapper.Params(x.Search())
			params["tableNumber"] = i
			if _, err := s.store.Exec(ctx, config.StmtCreatePartitionTable, params); err != nil {
				return err
			}
			x.AddVacuum(fmt.Sprintf(s.cfg.Prepare.PartitionTable, i))
		}
	}
	x.SetTableCount(tables)
	return nil
}

// buildTargetList runs the target list build under the parallel worker
// guarantee and returns the number of rows it created.
func (s *Steps) buildTargetList(ctx context.Context, search map[string]any) (int64, error) {
	st := parallelquery.Statement[int64]{
		Name: config.StmtCreateTargetList,
		Run: func(ctx context.Context, sess dbprobe.Session) (int64, error) {
			if s.store.Has(config.StmtConfigureParallel) {
				if _, err := sess.Exec(ctx, config.StmtConfigureParallel, search); err != nil {
					return 0, err
				}
			}
			return sess.Exec(ctx, config.StmtCreateTargetList, search)
		},
		Cleanup: func(ctx context.Context) error {
			_, err := s.store.Exec(ctx, config.StmtDropTargetList, nil)
			return err
		},
	}
	p := s.cfg.Parallel
	res, err := parallelquery.Run(ctx, s.executor, st, parallelquery.Policy{
		TargetWorkers: p.TargetWorkers,
		MinWorkers:    p.MinWorkers,
		MaxAttempts:   p.MaxAttempts,
	})
	if err != nil {
		return 0, err
	}
	log.Printf("ruleprep: target list built rows=%d workers=%d attempts=%d target_met=%t",
		res.Value, res.AchievedWorkers, res.Attempts, res.TargetMet)
	if res.Replayed() {
		// The kept attempt's table was dropped before the later attempts ran.
		log.Printf("ruleprep: rebuilding target list kept from attempt %d", res.Attempt)
		if _, err := s.store.Exec(ctx, config.StmtDropTargetList, nil); err != nil {
			return 0, err
		}
		return s.store.Exec(ctx, config.StmtCreateTargetList, search)
	}
	return res.Value, nil
}

// Vacuum analyzes every table queued by Pre and clears the list.
func (s *Steps) Vacuum(ctx context.Context, x *job.Execution) error {
	tables := x.TakeVacuum()
	log.Printf("ruleprep: vacuum tables=%v", tables)
	var errs []error
	for _, t := range tables {
		if err := s.store.Vacuum(ctx, t); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// Slave evaluates the rules for one partition of the target list and writes
// the results to the sink.
func (s *Steps) Slave(ctx context.Context, x *job.Execution, p job.Partition) error {
	params := p.Params()
	ev := &rules.Evaluator[domain.TxnItem, domain.CheckResult]{
		Client:    s.rules,
		Codes:     rules.ParseCodes(p.ParamSet["apiId"]),
		AsOf:      p.ParamSet["batchExecDt"],
		Params:    domain.ParamsOf,
		NewResult: domain.NewResult,
		Merge:     domain.MergeColumn,
	}
	if len(ev.Codes) == 0 {
		log.Printf("[%s] no rule codes in apiId; items produce no results", p)
	}

	d := s.cfg.Dispatch
	disp, err := dispatch.New[domain.TxnItem, domain.CheckResult](dispatch.Config{
		Label:            p.String(),
		Job:              s.cfg.Name,
		ChunkSize:        d.ChunkSize,
		SubBatches:       d.SubBatches,
		MaxItemRetries:   d.MaxItemRetries,
		Schedule:         s.schedule,
		SubBatchTimeout:  d.SubBatchTimeout.D(),
		PoolDrainTimeout: d.PoolDrainTimeout.D(),
		ProgressEvery:    d.ProgressEvery,
	}, ev.Evaluate, s.flush(x), domain.TxnItem.Key)
	if err != nil {
		return err
	}

	var stats dispatch.Stats
	if s.cfg.Mode == config.ModePaging {
		stats, err = disp.RunPaged(ctx, s.source.Pager(config.StmtSelectTargetPage, params))
	} else {
		cur, cerr := s.source.Cursor(ctx, config.StmtSelectTargetList, params)
		if cerr != nil {
			return cerr
		}
		if s.cfg.Partition.Strategy == config.StrategyHash {
			cur = dispatch.Filter(cur, func(t domain.TxnItem) bool { return p.Owns(t.Key()) })
		}
		stats, err = disp.RunCursor(ctx, cur)
	}
	log.Printf("[%s] items=%d chunks=%d results=%d inserted=%d failed=%d elapsed=%s",
		p, stats.Items, stats.Chunks, stats.Results, stats.Inserted, stats.FailedItems, stats.Elapsed)
	return err
}

func (s *Steps) flush(x *job.Execution) dispatch.FlushFunc[domain.CheckResult] {
	return func(ctx context.Context, rows []domain.CheckResult) (int64, error) {
		cols, vals, err := storage.Project(rows)
		if err != nil {
			return 0, err
		}
		n, err := s.sink.BulkInsert(ctx, storage.InsertRequest{
			Columns: cols,
			Rows:    vals,
			Exclude: s.cfg.Sink.Exclude,
			Fixed:   s.cfg.Sink.Fixed,
		})
		if err != nil {
			return 0, err
		}
		x.AddWritten(n)
		return n, nil
	}
}

// BulkInsert moves the results from the temporary table to the main table
// and drops the temporary table.
func (s *Steps) BulkInsert(ctx context.Context, x *job.Execution) error {
	search := mapper.Params(x.Search())
	n, err := s.store.Exec(ctx, config.StmtInsertRuleResult, search)
	if err != nil {
		return err
	}
	log.Printf("ruleprep: bulk insert rows=%d written=%d", n, x.Written())
	_, err = s.store.Exec(ctx, config.StmtDropResultTmp, search)
	return err
}

// NotCompleted marks the run failed.
func (s *Steps) NotCompleted(_ context.Context, x *job.Execution) error {
	log.Printf("ruleprep: not completed; execResult %q -> %q", x.Result(), job.ResultFail)
	x.SetResult(job.ResultFail)
	return nil
}

func (s *Steps) rangeStrategy() bool {
	return s.cfg.Partition.Strategy != config.StrategyHash
}

// optional runs a statement when it is configured. Failures are logged.
func (s *Steps) optional(ctx context.Context, name string, params map[string]any) error {
	if !s.store.Has(name) {
		return nil
	}
	if _, err := s.store.Exec(ctx, name, params); err != nil {
		log.Printf("ruleprep: %s failed: %v", name, err)
		return err
	}
	return nil
}

func withExtra(x *job.Execution, kv ...string) map[string]any {
	params := mapper.Params(x.Search())
	for i := 0; i+1 < len(kv); i += 2 {
		params[kv[i]] = kv[i+1]
	}
	return params
}

func workHistory(x *job.Execution, count int64, status, msg string) map[string]any {
	params := withExtra(x, "status", status, "message", msg)
	params["resultCount"] = count
	params["runId"] = x.RunID
	return params
}
