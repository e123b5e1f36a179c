// Command ruleetl runs one partitioned rule-check preparation job.
//
// It loads a job file (JSON or YAML), validates it, selects a metrics
// backend, wires the Postgres source, the configured result sink and the
// HTTP rule engine client, and runs the job flow until it completes or the
// process receives SIGINT/SIGTERM. The exit status is 0 when the job
// completed and 1 otherwise.
package main

import (
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"time"

	"ruleetl/internal/config"
	"ruleetl/internal/job"
	"ruleetl/internal/mapper"
	"ruleetl/internal/metrics"
	"ruleetl/internal/metrics/datadog"
	"ruleetl/internal/metrics/prompush"
	"ruleetl/internal/parallelquery"
	"ruleetl/internal/ruleprep"
	"ruleetl/internal/rules"
	"ruleetl/internal/storage"
	"ruleetl/internal/storage/postgres"

	// register all sink backends with the storage factory.
	_ "ruleetl/internal/storage/all"

	"golang.org/x/sys/unix"
)

const (
	exitOK     = 0
	exitFailed = 1
	exitUsage  = 2
)

// runJob wires and runs the job. Tests replace it to avoid a database.
var runJob = wireAndRun

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), unix.SIGINT, unix.SIGTERM)
	code := run(ctx, os.Args[1:], os.Stderr)
	stop()
	os.Exit(code)
}

func run(ctx context.Context, args []string, stderr io.Writer) int {
	fs := flag.NewFlagSet("ruleetl", flag.ContinueOnError)
	fs.SetOutput(stderr)
	var (
		cfgPath        = fs.String("config", "configs/ruleetl.json", "job config path (.json, .yaml, .yml)")
		metricsBackend = fs.String("metrics-backend", "", "metrics backend: none, pushgateway, datadog (overrides config and METRICS_BACKEND)")
		pushGatewayURL = fs.String("pushgateway-url", "", "Pushgateway base URL (overrides config and PUSHGATEWAY_URL)")
		datadogAddr    = fs.String("datadog-addr", "", "DogStatsD address host:port (overrides config and DD_AGENT_ADDR)")
		validate       = fs.Bool("validate", false, "validate the configuration and exit")
		verbose        = fs.Bool("v", false, "enable verbose logs")
	)
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	cfg, err := config.Load(*cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "%v\n", err)
		return exitUsage
	}
	if *metricsBackend != "" {
		cfg.Metrics.Backend = *metricsBackend
	}
	if *pushGatewayURL != "" {
		cfg.Metrics.PushgatewayURL = *pushGatewayURL
	}
	if *datadogAddr != "" {
		cfg.Metrics.DatadogAddr = *datadogAddr
	}
	cfg.Verbose = cfg.Verbose || *verbose

	issues := config.Validate(cfg)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		log.Printf("configuration is invalid: %v", *cfgPath)
		return exitFailed
	}
	if *validate {
		log.Printf("configuration is valid: %v", *cfgPath)
		return exitOK
	}

	closeMetrics := setupMetrics(cfg)
	defer closeMetrics()

	start := time.Now()
	status, err := runJob(ctx, cfg)
	if err != nil {
		log.Printf("job %s: %v", cfg.Name, err)
	}
	log.Printf("job %s: status=%s elapsed=%s", cfg.Name, status, time.Since(start).Truncate(time.Millisecond))
	if status != job.StatusCompleted {
		return exitFailed
	}
	return exitOK
}

// setupMetrics installs the configured backend and returns its flush/close
// function. Backend errors fall back to the no-op backend.
func setupMetrics(cfg config.Job) func() {
	m := cfg.Metrics
	switch m.Backend {
	case "pushgateway":
		url := m.PushgatewayURL
		if url == "" {
			url = "http://localhost:9091"
		}
		b, err := prompush.NewBackend(cfg.Name, url)
		if err != nil {
			log.Printf("metrics: failed to init prom push backend: %v; using nop", err)
			return func() {}
		}
		log.Printf("metrics: url=%v, backend=%v, job_name=%v", url, m.Backend, cfg.Name)
		metrics.SetBackend(b)
		return flushMetrics

	case "datadog":
		b, err := datadog.NewBackend(datadog.Config{
			Addr:       m.DatadogAddr,
			Namespace:  m.Namespace,
			GlobalTags: []string{"job:" + cfg.Name},
		})
		if err != nil {
			log.Printf("metrics: failed to init datadog backend: %v; using nop", err)
			return func() {}
		}
		log.Printf("metrics: addr=%v, backend=%v", m.DatadogAddr, m.Backend)
		metrics.SetBackend(b)
		return func() {
			flushMetrics()
			if err := b.Close(); err != nil {
				log.Printf("metrics: close error: %v", err)
			}
		}

	case "", "none":
		if cfg.Verbose {
			log.Printf("metrics: disabled (backend=%q)", m.Backend)
		}
	default:
		log.Printf("metrics: unknown backend %q; metrics disabled", m.Backend)
	}
	return func() {}
}

func flushMetrics() {
	if err := metrics.Flush(); err != nil {
		log.Printf("metrics: flush error: %v", err)
	}
}

// wireAndRun opens the job database, the sink and the rule client, then
// runs the job flow.
func wireAndRun(ctx context.Context, cfg config.Job) (job.Status, error) {
	maxConns := cfg.DB.MaxConns
	if maxConns <= 0 {
		maxConns = int32(cfg.PoolSize + 4)
	}
	db, err := postgres.Open(ctx, cfg.DB.DSN, maxConns, mapper.NewRegistry(cfg.Statements))
	if err != nil {
		return job.StatusFailed, err
	}
	defer db.Close()

	sink, err := storage.New(ctx, storage.Config{Kind: cfg.Sink.Kind, DSN: cfg.Sink.DSN, Table: cfg.Sink.Table})
	if err != nil {
		return job.StatusFailed, err
	}
	defer sink.Close()

	client, err := rules.NewHTTPClient(rules.HTTPConfig{
		BaseURL: cfg.Rules.URL,
		Timeout: cfg.Rules.Timeout.D(),
		Headers: cfg.Rules.Headers,
	})
	if err != nil {
		return job.StatusFailed, err
	}

	p := cfg.Parallel
	exec := parallelquery.New(db, db, parallelquery.Options{
		InitialWait:     p.InitialWait.D(),
		MonitorInterval: p.MonitorInterval.D(),
		RetryDelay:      p.RetryDelay.D(),
		PostCancelWait:  p.PostCancelWait.D(),
		ValueTimeout:    p.ValueTimeout.D(),
		MonitorWindow:   p.MonitorWindow.D(),
		Job:             cfg.Name,
		Verbose:         cfg.Verbose,
	})

	steps, err := ruleprep.New(cfg, ruleprep.Deps{
		Store:    db,
		Source:   ruleprep.PostgresSource{DB: db},
		Executor: exec,
		Rules:    client,
		Sink:     sink,
	})
	if err != nil {
		return job.StatusFailed, err
	}

	flow := &job.Flow{
		Name:     cfg.Name,
		PoolSize: cfg.PoolSize,
		Gbn:      cfg.Partition.Gbn,
		Steps:    steps,
	}
	return flow.Run(ctx, job.NewExecution(cfg.Name, cfg.Params))
}
