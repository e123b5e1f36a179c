// Package job runs a partitioned rule-check job.
//
// A job is a fixed flow of steps:
//
//	Pre -> Vacuum -> P x Slave -> BulkInsert -> After
//
// A failed Pre step, a failed partition or a failed BulkInsert diverts the
// flow to NotCompleted and then After. After always runs. A Flow runs at
// most once; there is no restart from a checkpoint.
//
// State that the steps share (write count, partition table count, result
// flag, search parameters, tables to vacuum) lives on an Execution created at
// job start and passed to every step.
package job

import (
	"maps"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Status is the outcome of a job run.
type Status string

const (
	StatusCompleted Status = "COMPLETED"
	StatusFailed    Status = "FAILED"
)

// Execution result flags recorded by the steps.
const (
	ResultSuccess = "Success"
	ResultFail    = "Fail"
)

// Execution is the state of one job run.
type Execution struct {
	RunID     string
	Name      string
	StartedAt time.Time

	written atomic.Int64

	mu         sync.Mutex
	search     map[string]string
	tableCount int
	result     string
	vacuum     []string
}

// NewExecution starts a run of job name with the given job parameters.
func NewExecution(name string, params map[string]string) *Execution {
	search := maps.Clone(params)
	if search == nil {
		search = map[string]string{}
	}
	return &Execution{
		RunID:     uuid.NewString(),
		Name:      name,
		StartedAt: time.Now(),
		search:    search,
	}
}

// AddWritten adds n result rows to the run total and returns the new total.
func (e *Execution) AddWritten(n int64) int64 { return e.written.Add(n) }

// Written returns the number of result rows written so far.
func (e *Execution) Written() int64 { return e.written.Load() }

// Param returns one search parameter.
func (e *Execution) Param(k string) string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.search[k]
}

// SetParam sets a search parameter visible to later steps.
func (e *Execution) SetParam(k, v string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.search[k] = v
}

// Search returns a copy of the search parameters.
func (e *Execution) Search() map[string]string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return maps.Clone(e.search)
}

// TableCount is the number of partition tables built by the pre-step.
func (e *Execution) TableCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.tableCount
}

func (e *Execution) SetTableCount(n int) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.tableCount = n
}

// Result is the execution result flag: "", ResultSuccess or ResultFail.
func (e *Execution) Result() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.result
}

func (e *Execution) SetResult(r string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.result = r
}

// Failed reports whether a step marked the run as failed.
func (e *Execution) Failed() bool { return e.Result() == ResultFail }

// AddVacuum queues tables for the vacuum step.
func (e *Execution) AddVacuum(tables ...string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vacuum = append(e.vacuum, tables...)
}

// ClearVacuum empties the vacuum list.
func (e *Execution) ClearVacuum() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.vacuum = nil
}

// TakeVacuum returns the queued tables and clears the list.
func (e *Execution) TakeVacuum() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := slices.Clone(e.vacuum)
	e.vacuum = nil
	return out
}
