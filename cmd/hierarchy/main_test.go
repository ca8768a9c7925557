package main

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"geometa/internal/config"
	"geometa/internal/frame"
	"geometa/internal/metrics/datadog"
)

const validConfig = `{
  "job": "job1",
  "source": {"kind": "file", "file": {"path": "metadata.tsv"}},
  "parser": {"kind": "csv", "options": {"comma": "\t"}},
  "hierarchy": {"levels": ["region", "country"]}
}`

type fakeRunner struct {
	err     error
	calls   atomic.Int64
	verbose bool
	lastCfg config.Pipeline
	result  frame.Frame
}

func (r *fakeRunner) Run(_ context.Context, cfg config.Pipeline) (frame.Frame, error) {
	r.calls.Add(1)
	r.lastCfg = cfg
	return r.result, r.err
}

type fakeMetricsBackend struct {
	closeErr error
	closed   atomic.Int64
}

func (b *fakeMetricsBackend) Close() error {
	b.closed.Add(1)
	return b.closeErr
}

func failingDeps(t *testing.T) appDeps {
	return appDeps{
		readFile: func(string) ([]byte, error) {
			t.Fatalf("readFile must not be called on usage errors")
			return nil, nil
		},
		decode: func(io.Reader) (config.Pipeline, error) {
			t.Fatalf("decode must not be called on usage errors")
			return config.Pipeline{}, nil
		},
		initMetrics: func(context.Context, string, string) (func(), error) {
			t.Fatalf("initMetrics must not be called on usage errors")
			return func() {}, nil
		},
		newRunner: func(bool) runner {
			t.Fatalf("newRunner must not be called on usage errors")
			return &fakeRunner{}
		},
	}
}

func TestRunMain_UsageErrors(t *testing.T) {
	t.Setenv("PIPELINE_CONFIG", "")

	tests := []struct {
		name          string
		args          []string
		wantStderrSub string
	}{
		{name: "missing_config_flag", args: nil, wantStderrSub: "usage: hierarchy -config"},
		{name: "blank_config_value", args: []string{"-config", "   "}, wantStderrSub: "usage: hierarchy -config"},
		{name: "unknown_flag", args: []string{"-nope"}, wantStderrSub: "flag provided but not defined"},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			code := runMain(context.Background(), tc.args, &stdout, &stderr, failingDeps(t))
			if code != 2 {
				t.Fatalf("exit code=%d, want 2; stderr=%q", code, stderr.String())
			}
			if !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if stdout.Len() != 0 {
				t.Fatalf("stdout=%q, want empty", stdout.String())
			}
		})
	}
}

func TestRunMain_ConfigFromEnv(t *testing.T) {
	t.Setenv("PIPELINE_CONFIG", "from-env.json")

	var gotPath string
	deps := appDeps{
		readFile: func(path string) ([]byte, error) {
			gotPath = path
			return nil, errors.New("stop here")
		},
	}
	var stdout, stderr bytes.Buffer
	if code := runMain(context.Background(), nil, &stdout, &stderr, deps); code != 1 {
		t.Fatalf("exit code=%d, want 1", code)
	}
	if gotPath != "from-env.json" {
		t.Fatalf("readFile path=%q", gotPath)
	}
}

func TestRunMain_FullFlow(t *testing.T) {
	h := frame.New("region", "country")
	h.Rows = [][]any{{"Asia", "China"}, {"Europe", "France"}}

	tests := []struct {
		name             string
		raw              string
		readErr          error
		initMetricsErr   error
		runErr           error
		args             []string
		wantCode         int
		wantStderrSub    string
		wantStdout       string
		wantRunnerCalls  int64
		wantCleanupCalls int64
	}{
		{name: "read_config_error", readErr: errors.New("no such file"), wantCode: 1, wantStderrSub: "read config:"},
		{name: "parse_config_error", raw: `{"job": 1}`, wantCode: 1, wantStderrSub: "parse config:"},
		{name: "unknown_field_rejected", raw: `{"jobs": "x"}`, wantCode: 1, wantStderrSub: "parse config:"},
		{name: "invalid_config", raw: `{"job":"job1"}`, wantCode: 1, wantStderrSub: "configuration is invalid"},
		{
			name: "validate_only", raw: validConfig, args: []string{"-validate"},
			wantCode: 0, wantStdout: "configuration is valid: cfg.json\n",
			wantStderrSub: "warning: output:",
		},
		{name: "init_metrics_error", raw: validConfig, initMetricsErr: errors.New("metrics unavailable"), wantCode: 1, wantStderrSub: "init metrics:"},
		{
			name: "runner_error_runs_cleanup", raw: validConfig, runErr: errors.New("db failed"),
			wantCode: 1, wantStderrSub: "run: db failed", wantRunnerCalls: 1, wantCleanupCalls: 1,
		},
		{
			name: "success_writes_stdout", raw: validConfig,
			wantCode: 0, wantStdout: "region\tcountry\nAsia\tChina\nEurope\tFrance\n",
			wantRunnerCalls: 1, wantCleanupCalls: 1,
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			fr := &fakeRunner{err: tc.runErr, result: h}

			var cleanupCalls atomic.Int64
			deps := appDeps{
				readFile: func(path string) ([]byte, error) {
					if path != "cfg.json" {
						t.Fatalf("readFile path=%q, want cfg.json", path)
					}
					return []byte(tc.raw), tc.readErr
				},
				decode: config.Decode,
				initMetrics: func(_ context.Context, jobName, backendName string) (func(), error) {
					if jobName != "job1" || backendName != "none" {
						t.Fatalf("initMetrics job=%q backend=%q", jobName, backendName)
					}
					if tc.initMetricsErr != nil {
						return func() {}, tc.initMetricsErr
					}
					return func() { cleanupCalls.Add(1) }, nil
				},
				newRunner: func(verbose bool) runner {
					fr.verbose = verbose
					return fr
				},
			}

			args := append([]string{"-config", "cfg.json", "-metrics-backend", "none"}, tc.args...)
			code := runMain(context.Background(), args, &stdout, &stderr, deps)

			if code != tc.wantCode {
				t.Fatalf("exit code=%d, want %d; stderr=%q", code, tc.wantCode, stderr.String())
			}
			if tc.wantStderrSub != "" && !strings.Contains(stderr.String(), tc.wantStderrSub) {
				t.Fatalf("stderr=%q, want contains %q", stderr.String(), tc.wantStderrSub)
			}
			if got := stdout.String(); got != tc.wantStdout {
				t.Fatalf("stdout=%q, want %q", got, tc.wantStdout)
			}
			if got := fr.calls.Load(); got != tc.wantRunnerCalls {
				t.Fatalf("runner calls=%d, want %d", got, tc.wantRunnerCalls)
			}
			if got := cleanupCalls.Load(); got != tc.wantCleanupCalls {
				t.Fatalf("cleanup calls=%d, want %d", got, tc.wantCleanupCalls)
			}
		})
	}
}

func TestRunMain_SummaryWhenSinkConfigured(t *testing.T) {
	raw := strings.Replace(validConfig, `"hierarchy"`, `"output": {"path": "out.tsv"}, "hierarchy"`, 1)
	h := frame.New("region")
	h.Rows = [][]any{{"Asia"}}
	fr := &fakeRunner{result: h}

	deps := appDeps{
		readFile:    func(string) ([]byte, error) { return []byte(raw), nil },
		decode:      config.Decode,
		initMetrics: func(context.Context, string, string) (func(), error) { return func() {}, nil },
		newRunner:   func(bool) runner { return fr },
	}

	var stdout, stderr bytes.Buffer
	code := runMain(context.Background(), []string{"-config", "cfg.json", "-v"}, &stdout, &stderr, deps)
	if code != 0 {
		t.Fatalf("exit code=%d stderr=%q", code, stderr.String())
	}
	if !strings.HasPrefix(stdout.String(), "ok hierarchies=1 ") {
		t.Fatalf("stdout=%q", stdout.String())
	}
	if !fr.verbose || fr.lastCfg.Output == nil || fr.lastCfg.Output.Path != "out.tsv" {
		t.Fatalf("verbose=%v cfg=%+v", fr.verbose, fr.lastCfg)
	}
}

// swapSeams replaces the initMetrics seams for one test.
func swapSeams(t *testing.T, b metricsBackend, newErr error) (newCalls, setCalls *atomic.Int64, gotOpts *datadog.Options, logged *bytes.Buffer) {
	t.Helper()
	newCalls, setCalls = new(atomic.Int64), new(atomic.Int64)
	gotOpts, logged = new(datadog.Options), new(bytes.Buffer)

	oldNew, oldSet, oldLog := newDatadogBackend, setMetricsBackend, logPrintf
	t.Cleanup(func() {
		newDatadogBackend, setMetricsBackend, logPrintf = oldNew, oldSet, oldLog
	})

	newDatadogBackend = func(_ context.Context, opts datadog.Options) (metricsBackend, error) {
		newCalls.Add(1)
		*gotOpts = opts
		if newErr != nil {
			return nil, newErr
		}
		return b, nil
	}
	setMetricsBackend = func(any) { setCalls.Add(1) }
	logPrintf = func(format string, v ...any) { fmt.Fprintf(logged, format, v...) }
	return newCalls, setCalls, gotOpts, logged
}

func TestInitMetrics_None(t *testing.T) {
	_, setCalls, _, _ := swapSeams(t, nil, nil)

	for _, name := range []string{"", "none", "NoOp"} {
		cleanup, err := initMetrics(context.Background(), "job", name)
		if err != nil || cleanup == nil {
			t.Fatalf("%q: cleanup set=%v err=%v", name, cleanup != nil, err)
		}
		cleanup()
	}
	if setCalls.Load() != 0 {
		t.Fatalf("setMetricsBackend called %d times for disabled metrics", setCalls.Load())
	}
}

func TestInitMetrics_Datadog_WiresBackendAndCloses(t *testing.T) {
	t.Setenv("METRICS_TAGS", "service:geometa, team:genomics")
	b := &fakeMetricsBackend{}
	newCalls, setCalls, gotOpts, logged := swapSeams(t, b, nil)

	cleanup, err := initMetrics(context.Background(), "jobA", "datadog")
	if err != nil {
		t.Fatalf("initMetrics: %v", err)
	}
	if gotOpts.JobName != "jobA" || len(gotOpts.Tags) != 2 || gotOpts.Tags[1] != "team:genomics" {
		t.Fatalf("options=%+v", *gotOpts)
	}
	if newCalls.Load() != 1 || setCalls.Load() != 1 {
		t.Fatalf("new=%d set=%d", newCalls.Load(), setCalls.Load())
	}

	cleanup()
	if b.closed.Load() != 1 {
		t.Fatalf("backend closed=%d, want 1", b.closed.Load())
	}
	if setCalls.Load() != 2 {
		t.Fatalf("cleanup must restore the nop backend, set calls=%d", setCalls.Load())
	}
	if logged.Len() != 0 {
		t.Fatalf("unexpected log output: %q", logged.String())
	}
}

func TestInitMetrics_Datadog_CloseErrorIsLogged(t *testing.T) {
	b := &fakeMetricsBackend{closeErr: errors.New("flush failed")}
	_, _, _, logged := swapSeams(t, b, nil)

	cleanup, err := initMetrics(context.Background(), "job", "dd")
	if err != nil {
		t.Fatalf("initMetrics: %v", err)
	}
	cleanup()

	if !strings.Contains(logged.String(), "metrics: datadog close error: flush failed") {
		t.Fatalf("log=%q", logged.String())
	}
}

func TestInitMetrics_Datadog_ConstructorError(t *testing.T) {
	_, setCalls, _, _ := swapSeams(t, nil, errors.New("no api client"))

	cleanup, err := initMetrics(context.Background(), "job", "datadog")
	if err == nil || cleanup == nil {
		t.Fatalf("cleanup set=%v err=%v", cleanup != nil, err)
	}
	cleanup()
	if setCalls.Load() != 0 {
		t.Fatalf("backend must not be installed on constructor error")
	}
}

func TestInitMetrics_UnknownBackendErrors(t *testing.T) {
	cleanup, err := initMetrics(context.Background(), "job", "nope")
	if err == nil || cleanup == nil {
		t.Fatalf("cleanup set=%v err=%v", cleanup != nil, err)
	}
	cleanup()
	if !strings.Contains(err.Error(), "unknown metrics backend") || !strings.Contains(err.Error(), "none|datadog") {
		t.Fatalf("err=%q", err.Error())
	}
}
