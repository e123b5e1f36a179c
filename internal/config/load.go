package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Format is the encoding of a job file.
type Format string

const (
	FormatJSON Format = "json"
	FormatYAML Format = "yaml"
)

// FormatOf guesses the format from a file extension. Anything that is not
// .yaml/.yml is treated as JSON.
func FormatOf(path string) Format {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return FormatYAML
	default:
		return FormatJSON
	}
}

// Load reads a job file, applies environment overrides and fills defaults.
// It does not validate; call Validate on the result.
func Load(path string) (Job, error) {
	f, err := os.Open(path)
	if err != nil {
		return Job{}, fmt.Errorf("config: open %s: %w", path, err)
	}
	defer f.Close()

	j, err := Decode(f, FormatOf(path))
	if err != nil {
		return Job{}, fmt.Errorf("config: %s: %w", path, err)
	}
	ApplyEnv(&j, os.Getenv)
	ApplyDefaults(&j)
	return j, nil
}

// Decode decodes a job from r. Unknown fields are rejected in both formats.
func Decode(r io.Reader, format Format) (Job, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return Job{}, err
	}
	var j Job
	switch format {
	case FormatYAML:
		dec := yaml.NewDecoder(bytes.NewReader(data))
		dec.KnownFields(true)
		if err := dec.Decode(&j); err != nil && err != io.EOF {
			return Job{}, fmt.Errorf("decode yaml: %w", err)
		}
	default:
		dec := json.NewDecoder(bytes.NewReader(data))
		dec.DisallowUnknownFields()
		if err := dec.Decode(&j); err != nil {
			return Job{}, fmt.Errorf("decode json: %w", err)
		}
	}
	return j, nil
}

// ApplyEnv overrides selected fields from the environment. getenv is usually
// os.Getenv; tests pass a map lookup.
//
//	RULEETL_POOL_SIZE, RULEETL_CHUNK_SIZE, RULEETL_SUB_BATCHES,
//	RULEETL_DSN, RULEETL_SINK_DSN, RULEETL_RULES_URL,
//	METRICS_BACKEND, PUSHGATEWAY_URL, DD_AGENT_ADDR
func ApplyEnv(j *Job, getenv func(string) string) {
	j.PoolSize = getenvInt(getenv, "RULEETL_POOL_SIZE", j.PoolSize)
	j.Dispatch.ChunkSize = getenvInt(getenv, "RULEETL_CHUNK_SIZE", j.Dispatch.ChunkSize)
	j.Dispatch.SubBatches = getenvInt(getenv, "RULEETL_SUB_BATCHES", j.Dispatch.SubBatches)

	pickString(&j.DB.DSN, getenv("RULEETL_DSN"))
	pickString(&j.Sink.DSN, getenv("RULEETL_SINK_DSN"))
	pickString(&j.Rules.URL, getenv("RULEETL_RULES_URL"))
	pickString(&j.Metrics.Backend, getenv("METRICS_BACKEND"))
	pickString(&j.Metrics.PushgatewayURL, getenv("PUSHGATEWAY_URL"))
	pickString(&j.Metrics.DatadogAddr, getenv("DD_AGENT_ADDR"))
}

// ApplyDefaults fills zero values with the production defaults.
func ApplyDefaults(j *Job) {
	if j.Mode == "" {
		j.Mode = ModeCursor
	}
	j.PoolSize = pickInt(j.PoolSize, 4)
	if j.Partition.Strategy == "" {
		j.Partition.Strategy = StrategyRange
	}
	if j.Params == nil {
		j.Params = map[string]string{}
	}

	if j.Sink.Kind == "" {
		j.Sink.Kind = "postgres"
	}
	if j.Sink.DSN == "" && j.Sink.Kind == "postgres" {
		j.Sink.DSN = j.DB.DSN
	}
	if j.Sink.Table == "" {
		j.Sink.Table = "abcbat.tmp_rule_chk_result"
	}
	if j.Sink.Fixed == nil {
		j.Sink.Fixed = map[string]string{
			"reg_user": "batch",
			"reg_date": "SQL::now()",
			"upd_user": "batch",
			"upd_date": "SQL::now()",
		}
	}

	pickDuration(&j.Rules.Timeout, 30*time.Second)

	p := &j.Parallel
	p.TargetWorkers = pickInt(p.TargetWorkers, 4)
	p.MinWorkers = pickInt(p.MinWorkers, 2)
	p.MaxAttempts = pickInt(p.MaxAttempts, 5)
	pickDuration(&p.InitialWait, time.Second)
	pickDuration(&p.MonitorInterval, 500*time.Millisecond)
	pickDuration(&p.RetryDelay, 2*time.Second)
	pickDuration(&p.PostCancelWait, 500*time.Millisecond)
	pickDuration(&p.ValueTimeout, 5*time.Second)

	d := &j.Dispatch
	d.ChunkSize = pickInt(d.ChunkSize, 1000)
	d.SubBatches = pickInt(d.SubBatches, 5)
	d.MaxItemRetries = pickInt(d.MaxItemRetries, 3)
	pickDuration(&d.RetryBase, time.Second)
	if d.Backoff == "" {
		d.Backoff = "linear"
	}
	pickDuration(&d.SubBatchTimeout, 5*time.Minute)
	pickDuration(&d.PoolDrainTimeout, 10*time.Minute)
	d.ProgressEvery = pickInt(d.ProgressEvery, 10)

	pr := &j.Prepare
	pr.SkipCount = pickInt(pr.SkipCount, 200000)
	pr.MaxTables = pickInt(pr.MaxTables, 20)
	if pr.TargetTable == "" {
		pr.TargetTable = "abcbat.tmp_rule_chk_target"
	}
	if pr.PartitionTable == "" {
		pr.PartitionTable = pr.TargetTable + "_%d"
	}

	if j.Metrics.Backend == "" {
		j.Metrics.Backend = "none"
	}
}

// getenvInt reads an int from the environment, returning def when unset/invalid.
func getenvInt(getenv func(string) string, k string, def int) int {
	if s := getenv(k); s != "" {
		if n, err := strconv.Atoi(s); err == nil {
			return n
		}
	}
	return def
}

// pickInt chooses the first positive value 'a', otherwise returns 'b'.
func pickInt(a, b int) int {
	if a > 0 {
		return a
	}
	return b
}

func pickString(dst *string, v string) {
	if v != "" {
		*dst = v
	}
}

func pickDuration(dst *Duration, def time.Duration) {
	if *dst <= 0 {
		*dst = Duration(def)
	}
}
