// Command hierarchy reads location metadata, extracts the unique location
// hierarchies and writes them to a file, a database table, or stdout.
//
//	hierarchy -config configs/hierarchy.json [-validate] [-metrics-backend datadog] [-v]
package main

import (
	"bytes"
	"context"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"geometa/internal/config"
	"geometa/internal/frame"
	"geometa/internal/metrics"
	"geometa/internal/metrics/datadog"
	"geometa/internal/pipeline"

	// register every storage backend; the config picks one.
	_ "geometa/internal/storage/all"
)

type runner interface {
	Run(ctx context.Context, cfg config.Pipeline) (frame.Frame, error)
}

// appDeps are the side-effecting seams of runMain.
type appDeps struct {
	readFile    func(path string) ([]byte, error)
	decode      func(r io.Reader) (config.Pipeline, error)
	initMetrics func(ctx context.Context, jobName, backendName string) (func(), error)
	newRunner   func(verbose bool) runner
}

func defaultDeps() appDeps {
	return appDeps{
		readFile:    os.ReadFile,
		decode:      config.Decode,
		initMetrics: initMetrics,
		newRunner: func(verbose bool) runner {
			var l pipeline.Logger
			if verbose {
				l = log.Default()
			}
			return pipeline.NewDefaultRunner(l)
		},
	}
}

func main() {
	config.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	code := runMain(ctx, os.Args[1:], os.Stdout, os.Stderr, defaultDeps())
	stop()
	os.Exit(code)
}

// runMain returns the process exit code: 0 success, 1 runtime failure,
// 2 usage error.
func runMain(ctx context.Context, args []string, stdout, stderr io.Writer, deps appDeps) int {
	fs := flag.NewFlagSet("hierarchy", flag.ContinueOnError)
	fs.SetOutput(stderr)

	var (
		cfgPath     string
		backendName string
		validate    bool
		verbose     bool
	)
	fs.StringVar(&cfgPath, "config", os.Getenv("PIPELINE_CONFIG"), "pipeline config JSON path (env PIPELINE_CONFIG)")
	fs.StringVar(&backendName, "metrics-backend", os.Getenv("METRICS_BACKEND"), "metrics backend: none|datadog (env METRICS_BACKEND)")
	fs.BoolVar(&validate, "validate", false, "validate the configuration and exit")
	fs.BoolVar(&verbose, "v", false, "enable stage logs")

	if err := fs.Parse(args); err != nil {
		return 2
	}
	if strings.TrimSpace(cfgPath) == "" {
		fmt.Fprintln(stderr, "usage: hierarchy -config <pipeline.json> [-validate] [-metrics-backend none|datadog] [-v]")
		return 2
	}

	raw, err := deps.readFile(cfgPath)
	if err != nil {
		fmt.Fprintf(stderr, "read config: %v\n", err)
		return 1
	}
	p, err := deps.decode(bytes.NewReader(raw))
	if err != nil {
		fmt.Fprintf(stderr, "parse config: %v\n", err)
		return 1
	}

	issues := config.ValidatePipeline(p)
	for _, iss := range issues {
		fmt.Fprintf(stderr, "%s: %s: %s\n", iss.Severity, iss.Path, iss.Message)
	}
	if config.HasErrors(issues) {
		fmt.Fprintf(stderr, "configuration is invalid: %s\n", cfgPath)
		return 1
	}
	if validate {
		fmt.Fprintf(stdout, "configuration is valid: %s\n", cfgPath)
		return 0
	}

	cleanup, err := deps.initMetrics(ctx, p.Job, backendName)
	if err != nil {
		fmt.Fprintf(stderr, "init metrics: %v\n", err)
		return 1
	}
	defer cleanup()

	start := time.Now()
	h, err := deps.newRunner(verbose).Run(ctx, p)
	if err != nil {
		fmt.Fprintf(stderr, "run: %v\n", err)
		return 1
	}

	if p.Output == nil && p.Storage == nil {
		if err := frame.WriteDelimited(stdout, h, '\t'); err != nil {
			fmt.Fprintf(stderr, "write stdout: %v\n", err)
			return 1
		}
		return 0
	}
	fmt.Fprintf(stdout, "ok hierarchies=%d duration=%s\n", h.Len(), time.Since(start).Truncate(time.Millisecond))
	return 0
}

// metricsBackend is what the CLI needs from a buffering backend.
type metricsBackend interface {
	Close() error
}

// Seams for initMetrics tests.
var (
	newDatadogBackend = func(ctx context.Context, opts datadog.Options) (metricsBackend, error) {
		return datadog.NewBackend(ctx, opts)
	}
	setMetricsBackend = func(b any) {
		mb, _ := b.(metrics.Backend)
		metrics.SetBackend(mb)
	}
	logPrintf = log.Printf
)

// initMetrics installs the named backend. The returned cleanup is never nil
// and is safe to call on every path.
func initMetrics(ctx context.Context, jobName, backendName string) (func(), error) {
	noop := func() {}

	switch strings.ToLower(strings.TrimSpace(backendName)) {
	case "", "none", "noop":
		return noop, nil

	case "datadog", "dd":
		tags := datadog.ParseTagsCSV(os.Getenv("METRICS_TAGS"))
		b, err := newDatadogBackend(ctx, datadog.Options{
			JobName:    jobName,
			Tags:       tags,
			FlushEvery: 60 * time.Second,
		})
		if err != nil {
			return noop, err
		}
		setMetricsBackend(b)
		return func() {
			if err := b.Close(); err != nil {
				logPrintf("metrics: datadog close error: %v", err)
			}
			setMetricsBackend(nil)
		}, nil

	default:
		return noop, fmt.Errorf("unknown metrics backend %q (want none|datadog)", backendName)
	}
}
