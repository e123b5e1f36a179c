package config

import (
	"fmt"
	"sort"
	"strings"
)

// IssueSeverity represents the severity of a configuration issue.
type IssueSeverity string

const (
	// SeverityError indicates a configuration error that should block execution.
	SeverityError IssueSeverity = "error"
	// SeverityWarning indicates a configuration warning that should be surfaced
	// to users but may not necessarily block execution.
	SeverityWarning IssueSeverity = "warning"
)

// Issue describes a single validation/lint finding for a Job.
//
// Path is a dotted path into the config (e.g. "sink.kind",
// "statements.selectTargetList"). Message is human-readable.
type Issue struct {
	Severity IssueSeverity
	Path     string
	Message  string
}

// Error implements the error interface so an Issue can be treated as a single
// error in contexts that expect error.
func (i Issue) Error() string {
	return fmt.Sprintf("%s at %s: %s", i.Severity, i.Path, i.Message)
}

// HasErrors reports whether any issue is an error.
func HasErrors(issues []Issue) bool {
	for _, iss := range issues {
		if iss.Severity == SeverityError {
			return true
		}
	}
	return false
}

// Validate performs static validation of a Job after defaults were applied.
// It does not mutate the job.
func Validate(j Job) []Issue {
	var issues []Issue

	if strings.TrimSpace(j.Name) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "name",
			Message:  "name must not be empty; it is used for metrics labeling and work history",
		})
	}
	switch j.Mode {
	case ModeCursor, ModePaging:
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "mode",
			Message:  fmt.Sprintf("unknown mode %q; want %q or %q", j.Mode, ModeCursor, ModePaging),
		})
	}
	if j.PoolSize <= 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "pool_size",
			Message:  "pool_size must be positive",
		})
	}

	issues = append(issues, validatePartition(j)...)
	issues = append(issues, validateParams(j.Params)...)

	if strings.TrimSpace(j.DB.DSN) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "db.dsn",
			Message:  "db.dsn must not be empty",
		})
	}
	issues = append(issues, validateSink(j.Sink)...)
	if strings.TrimSpace(j.Rules.URL) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "rules.url",
			Message:  "rules.url must not be empty",
		})
	}
	issues = append(issues, validateParallel(j.Parallel)...)
	issues = append(issues, validateDispatch(j.Dispatch)...)
	issues = append(issues, validateStatements(j)...)
	issues = append(issues, validateMetrics(j.Metrics)...)

	return issues
}

func validatePartition(j Job) []Issue {
	var issues []Issue
	switch j.Partition.Strategy {
	case StrategyRange:
	case StrategyHash:
		if j.Mode == ModePaging {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "partition.strategy",
				Message:  "hash partitioning requires cursor mode; paging offsets would skip rows owned by other partitions",
			})
		}
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "partition.strategy",
			Message:  fmt.Sprintf("unknown strategy %q; want %q or %q", j.Partition.Strategy, StrategyRange, StrategyHash),
		})
	}
	if strings.TrimSpace(j.Partition.Gbn) == "" {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "partition.gbn",
			Message:  "partition.gbn is empty; partitions will carry an empty discriminator",
		})
	}
	return issues
}

func validateParams(p map[string]string) []Issue {
	var issues []Issue
	if strings.TrimSpace(p["apiId"]) == "" {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "params.apiId",
			Message:  "apiId is empty; no rule will be evaluated and items produce no results",
		})
	}
	if strings.TrimSpace(p["batchExecDt"]) == "" {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "params.batchExecDt",
			Message:  "batchExecDt is empty; rules are evaluated without an as-of date",
		})
	}
	return issues
}

func validateSink(s Sink) []Issue {
	var issues []Issue
	known := map[string]struct{}{
		"postgres": {},
		"mssql":    {},
		"sqlite":   {},
	}
	if _, ok := known[s.Kind]; !ok {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "sink.kind",
			Message:  fmt.Sprintf("unknown sink kind %q; ensure a matching backend is registered", s.Kind),
		})
	}
	if strings.TrimSpace(s.DSN) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "sink.dsn",
			Message:  "sink.dsn must not be empty",
		})
	}
	if strings.TrimSpace(s.Table) == "" {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "sink.table",
			Message:  "sink.table must not be empty",
		})
	}
	for col, v := range s.Fixed {
		if strings.HasPrefix(v, "SQL::") && strings.TrimSpace(strings.TrimPrefix(v, "SQL::")) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "sink.fixed." + col,
				Message:  "SQL:: value has an empty expression",
			})
		}
	}
	return issues
}

func validateParallel(p Parallel) []Issue {
	var issues []Issue
	if p.MinWorkers < 1 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "parallel.min_workers",
			Message:  "min_workers must be at least 1",
		})
	}
	if p.MinWorkers > p.TargetWorkers {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "parallel.min_workers",
			Message:  fmt.Sprintf("min_workers=%d exceeds target_workers=%d", p.MinWorkers, p.TargetWorkers),
		})
	}
	if p.MaxAttempts < 1 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "parallel.max_attempts",
			Message:  "max_attempts must be at least 1",
		})
	}
	if p.MonitorWindow > 0 && p.MonitorWindow.D() < p.InitialWait.D() {
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "parallel.monitor_window",
			Message:  "monitor_window is shorter than initial_wait; every attempt will be cancelled after the first probe",
		})
	}
	return issues
}

func validateDispatch(d Dispatch) []Issue {
	var issues []Issue
	if d.ChunkSize <= 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "dispatch.chunk_size",
			Message:  "chunk_size must be positive",
		})
	}
	if d.SubBatches <= 0 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "dispatch.sub_batches",
			Message:  "sub_batches must be positive",
		})
	}
	if d.MaxItemRetries < 1 {
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "dispatch.max_item_retries",
			Message:  "max_item_retries must be at least 1",
		})
	}
	switch d.Backoff {
	case "linear", "exponential":
	default:
		issues = append(issues, Issue{
			Severity: SeverityError,
			Path:     "dispatch.backoff",
			Message:  fmt.Sprintf("unknown backoff %q; want linear or exponential", d.Backoff),
		})
	}
	return issues
}

func validateStatements(j Job) []Issue {
	var issues []Issue
	required := RequiredStatements(j.Mode, j.Partition.Strategy)
	sort.Strings(required)
	for _, name := range required {
		if strings.TrimSpace(j.Statements[name]) == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "statements." + name,
				Message:  "statement is required",
			})
		}
	}
	return issues
}

func validateMetrics(m Metrics) []Issue {
	var issues []Issue
	switch m.Backend {
	case "", "none":
	case "pushgateway":
		if m.PushgatewayURL == "" {
			issues = append(issues, Issue{
				Severity: SeverityWarning,
				Path:     "metrics.pushgateway_url",
				Message:  "pushgateway backend without URL; http://localhost:9091 is assumed",
			})
		}
	case "datadog":
		if m.DatadogAddr == "" {
			issues = append(issues, Issue{
				Severity: SeverityError,
				Path:     "metrics.datadog_addr",
				Message:  "datadog backend requires datadog_addr",
			})
		}
	default:
		issues = append(issues, Issue{
			Severity: SeverityWarning,
			Path:     "metrics.backend",
			Message:  fmt.Sprintf("unknown metrics backend %q; metrics disabled", m.Backend),
		})
	}
	return issues
}
