// Package config defines the configuration model for a rule-check batch job.
// A job file is JSON or YAML; both decode into the same Job struct graph.
//
// The model mirrors the layout of a job file:
//
//	{
//	  "name": "wless-mabc",
//	  "mode": "cursor",
//	  "pool_size": 4,
//	  "partition": { "gbn": "WLESS", "strategy": "range" },
//	  "params": { "batchExecDt": "20240131", "apiId": "R001,R002" },
//	  "db":    { "dsn": "postgresql://..." },
//	  "sink":  { "kind": "postgres", "table": "abcbat.tmp_rule_chk_result" },
//	  "rules": { "url": "http://rules:8080" },
//	  "statements": { "selectTargetList": "SELECT ..." }
//	}
//
// Durations accept either a Go duration string ("500ms", "5m") or a number of
// milliseconds.
package config

// Job describes one partitioned rule-check run. It is the top-level object
// decoded from a job file.
type Job struct {
	// Name identifies the job in logs, metrics and work history rows.
	Name string `json:"name" yaml:"name"`

	// Mode selects how a partition reads its input: "cursor" streams rows,
	// "paging" reads fixed-size pages by offset.
	Mode string `json:"mode" yaml:"mode"`

	// PoolSize is the number of partitions (slave steps) run concurrently.
	PoolSize int `json:"pool_size" yaml:"pool_size"`

	Partition Partition `json:"partition" yaml:"partition"`

	// Params is the job parameter map. It becomes the search map shared by
	// every step and is bound into mapped statements by name.
	Params map[string]string `json:"params" yaml:"params"`

	DB       DBConfig `json:"db" yaml:"db"`
	Sink     Sink     `json:"sink" yaml:"sink"`
	Rules    Rules    `json:"rules" yaml:"rules"`
	Parallel Parallel `json:"parallel" yaml:"parallel"`
	Dispatch Dispatch `json:"dispatch" yaml:"dispatch"`
	Prepare  Prepare  `json:"prepare" yaml:"prepare"`
	Metrics  Metrics  `json:"metrics" yaml:"metrics"`

	// Statements maps statement names to SQL text with :name placeholders.
	// Entries here override the built-in probe statements.
	Statements map[string]string `json:"statements" yaml:"statements"`

	// Verbose turns on per-probe logging.
	Verbose bool `json:"verbose" yaml:"verbose"`
}

// Partition controls how the input set is divided among slave steps.
type Partition struct {
	// Gbn is the partition discriminator passed to every partition.
	Gbn string `json:"gbn" yaml:"gbn"`

	// Strategy is "range" (each partition reads its own table, selected by
	// table number) or "hash" (every partition reads the full set and keeps
	// the keys that hash to it). Hash requires cursor mode.
	Strategy string `json:"strategy" yaml:"strategy"`
}

// DBConfig configures the source database that holds the target list.
type DBConfig struct {
	// DSN is the connection string for pgxpool (e.g., postgresql://...).
	DSN string `json:"dsn" yaml:"dsn"`

	// MaxConns caps the pool. Zero means PoolSize + 4.
	MaxConns int32 `json:"max_conns" yaml:"max_conns"`
}

// Sink selects the backend that receives rule results.
type Sink struct {
	// Kind is a registered storage backend: "postgres", "mssql" or "sqlite".
	Kind string `json:"kind" yaml:"kind"`

	// DSN for the sink. Empty means reuse db.dsn (postgres only).
	DSN string `json:"dsn" yaml:"dsn"`

	// Table is the destination table for result rows.
	Table string `json:"table" yaml:"table"`

	// Exclude lists result fields that must not be written.
	Exclude []string `json:"exclude" yaml:"exclude"`

	// Fixed maps columns to constant values applied to every row. A value of
	// the form "SQL::expr" is evaluated by the database (e.g. "SQL::now()").
	Fixed map[string]string `json:"fixed" yaml:"fixed"`
}

// Rules configures the rule engine client.
type Rules struct {
	URL     string            `json:"url" yaml:"url"`
	Timeout Duration          `json:"timeout" yaml:"timeout"`
	Headers map[string]string `json:"headers" yaml:"headers"`
}

// Parallel tunes the parallel-worker guarantee executor.
type Parallel struct {
	TargetWorkers int `json:"target_workers" yaml:"target_workers"`
	MinWorkers    int `json:"min_workers" yaml:"min_workers"`
	MaxAttempts   int `json:"max_attempts" yaml:"max_attempts"`

	InitialWait     Duration `json:"initial_wait" yaml:"initial_wait"`
	MonitorInterval Duration `json:"monitor_interval" yaml:"monitor_interval"`
	RetryDelay      Duration `json:"retry_delay" yaml:"retry_delay"`
	PostCancelWait  Duration `json:"post_cancel_wait" yaml:"post_cancel_wait"`
	ValueTimeout    Duration `json:"value_timeout" yaml:"value_timeout"`

	// MonitorWindow bounds how long one attempt is monitored before it is
	// cancelled. Zero monitors until the statement finishes.
	MonitorWindow Duration `json:"monitor_window" yaml:"monitor_window"`
}

// Dispatch tunes the fan-out batch dispatcher used by each partition.
type Dispatch struct {
	ChunkSize      int      `json:"chunk_size" yaml:"chunk_size"`
	SubBatches     int      `json:"sub_batches" yaml:"sub_batches"`
	MaxItemRetries int      `json:"max_item_retries" yaml:"max_item_retries"`
	RetryBase      Duration `json:"retry_base" yaml:"retry_base"`

	// Backoff is "linear" (base*attempt) or "exponential" (base*2^(attempt-1)).
	Backoff string `json:"backoff" yaml:"backoff"`

	SubBatchTimeout  Duration `json:"sub_batch_timeout" yaml:"sub_batch_timeout"`
	PoolDrainTimeout Duration `json:"pool_drain_timeout" yaml:"pool_drain_timeout"`

	// ProgressEvery logs a progress line every N chunks.
	ProgressEvery int `json:"progress_every" yaml:"progress_every"`
}

// Prepare configures the pre-step that builds the target list.
type Prepare struct {
	// SkipCount is the number of target rows per partition table.
	SkipCount int `json:"skip_count" yaml:"skip_count"`

	// MaxTables is how many stale partition tables the pre-step drops before
	// building new ones.
	MaxTables int `json:"max_tables" yaml:"max_tables"`

	// TargetTable is the target list table (vacuumed after the build).
	TargetTable string `json:"target_table" yaml:"target_table"`

	// PartitionTable is a printf pattern for partition table names, taking
	// the table number (e.g. "abcbat.tmp_target_%d").
	PartitionTable string `json:"partition_table" yaml:"partition_table"`
}

// Metrics selects the metrics backend.
type Metrics struct {
	// Backend is "none", "pushgateway" or "datadog".
	Backend        string `json:"backend" yaml:"backend"`
	PushgatewayURL string `json:"pushgateway_url" yaml:"pushgateway_url"`
	DatadogAddr    string `json:"datadog_addr" yaml:"datadog_addr"`
	Namespace      string `json:"namespace" yaml:"namespace"`
}

// Mode values.
const (
	ModeCursor = "cursor"
	ModePaging = "paging"
)

// Partition strategies.
const (
	StrategyRange = "range"
	StrategyHash  = "hash"
)
