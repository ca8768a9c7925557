// Package pipeline runs a configured hierarchy job end to end:
// source -> parser -> transform workers -> hierarchy.Extract -> sinks.
package pipeline

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/errgroup"

	"geometa/internal/config"
	"geometa/internal/datasource"
	"geometa/internal/frame"
	"geometa/internal/hierarchy"
	"geometa/internal/metrics"
	"geometa/internal/storage"
	"geometa/internal/transformer"
)

// Logger is the minimal logging interface used by the runner.
// *log.Logger satisfies it.
type Logger interface {
	Printf(format string, v ...any)
}

// Runner executes pipelines. The func fields are seams; nil means the
// production implementation.
type Runner struct {
	OpenSource    func(ctx context.Context, src config.Source) (io.ReadCloser, error)
	NewRepository func(ctx context.Context, cfg storage.Config) (storage.Repository, error)
	Logger        Logger
}

func NewDefaultRunner(logger Logger) *Runner {
	return &Runner{
		OpenSource:    datasource.Open,
		NewRepository: storage.New,
		Logger:        logger,
	}
}

func (r *Runner) logf(format string, v ...any) {
	if r.Logger == nil {
		return
	}
	r.Logger.Printf(format, v...)
}

func durMS(start time.Time) time.Duration { return time.Since(start).Truncate(time.Millisecond) }

// step times fn and reports it as a pipeline step.
func step(name string, fn func() error) error {
	start := time.Now()
	err := fn()
	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordStep(name, status, time.Since(start))
	return err
}

// Run executes cfg and returns the extracted hierarchy table.
//
// Any error-severity config issue aborts before the source is opened. The
// first parse error aborts the read; rows rejected by a transform are
// counted and skipped. Buffered metrics are flushed when Run returns.
func (r *Runner) Run(ctx context.Context, cfg config.Pipeline) (frame.Frame, error) {
	if issues := config.ValidatePipeline(cfg); config.HasErrors(issues) {
		return frame.Frame{}, issuesError(issues)
	}
	defer func() {
		if err := metrics.Flush(); err != nil {
			r.logf("stage=metrics flush error: %v", err)
		}
	}()

	var (
		records frame.Frame
		h       frame.Frame
	)

	if err := step("read", func() (err error) {
		start := time.Now()
		var rejected int
		records, rejected, err = r.read(ctx, cfg)
		if err != nil {
			return err
		}
		metrics.RecordRecords("read", records.Len()+rejected)
		metrics.RecordRecords("rejected", rejected)
		r.logf("stage=read ok rows=%d rejected=%d duration=%s", records.Len(), rejected, durMS(start))
		return nil
	}); err != nil {
		return frame.Frame{}, err
	}

	if err := step("extract", func() (err error) {
		start := time.Now()
		h, err = hierarchy.Extract(records, cfg.Hierarchy.Levels)
		if err != nil {
			return fmt.Errorf("extract: %w", err)
		}
		metrics.RecordRecords("hierarchies", h.Len())
		r.logf("stage=extract ok levels=%s hierarchies=%d duration=%s",
			strings.Join(cfg.Hierarchy.Levels, ","), h.Len(), durMS(start))
		return nil
	}); err != nil {
		return frame.Frame{}, err
	}

	if cfg.Output != nil {
		if err := step("output", func() error { return r.writeOutput(*cfg.Output, h) }); err != nil {
			return frame.Frame{}, err
		}
	}

	if cfg.Storage != nil {
		if err := step("load", func() error { return r.load(ctx, cfg, h) }); err != nil {
			return frame.Frame{}, err
		}
	}

	return h, nil
}

func issuesError(issues []config.Issue) error {
	var b strings.Builder
	b.WriteString("invalid config:")
	for _, iss := range issues {
		if iss.Severity != config.SeverityError {
			continue
		}
		fmt.Fprintf(&b, " %s: %s;", iss.Path, iss.Message)
	}
	return errors.New(strings.TrimSuffix(b.String(), ";"))
}

// read streams the source through the parser and the transform workers and
// collects the surviving records.
func (r *Runner) read(ctx context.Context, cfg config.Pipeline) (frame.Frame, int, error) {
	parse, err := parserFor(cfg.Parser.Kind)
	if err != nil {
		return frame.Frame{}, 0, err
	}
	specs, err := specsFromConfig(cfg.Transform)
	if err != nil {
		return frame.Frame{}, 0, err
	}

	open := r.OpenSource
	if open == nil {
		open = datasource.Open
	}
	src, err := open(ctx, cfg.Source)
	if err != nil {
		return frame.Frame{}, 0, fmt.Errorf("open source: %w", err)
	}

	rt := cfg.Runtime
	buf := rt.ChannelBuffer
	if buf <= 0 {
		buf = 256
	}
	workers := rt.TransformWorkers
	if workers <= 0 {
		workers = 1
	}

	ctx, cancel := context.WithCancelCause(ctx)
	defer cancel(nil)

	var parseOnce sync.Once
	onParseErr := func(line int, err error) {
		parseOnce.Do(func() {
			cancel(fmt.Errorf("parse error at line %d: %w", line, err))
		})
	}

	g, gctx := errgroup.WithContext(ctx)

	rawCh := make(chan *transformer.Row, buf)
	hdrCh := make(chan []string, 1)

	// 1) Reader. The header is published before the first row is sent.
	g.Go(func() error {
		defer close(rawCh)
		defer close(hdrCh)
		err := parse(gctx, src, cfg.Parser.Options, func(cols []string) { hdrCh <- cols }, rawCh, onParseErr)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	})

	cols, ok := <-hdrCh
	if !ok {
		if err := readError(ctx, g.Wait()); err != nil {
			return frame.Frame{}, 0, err
		}
		return frame.Frame{}, 0, errors.New("source produced no column layout")
	}

	plan, err := transformer.BuildPlan(cols, specs...)
	if err != nil {
		cancel(err)
		for row := range rawCh {
			row.Drop()
		}
		_ = g.Wait()
		return frame.Frame{}, 0, err
	}

	// 2) Transform workers.
	outCh := make(chan *transformer.Row, buf)
	var rejected atomic.Int64
	var wgWorkers sync.WaitGroup
	wgWorkers.Add(workers)
	for i := 0; i < workers; i++ {
		go func() {
			defer wgWorkers.Done()
			transformer.TransformLoopRows(gctx, plan, rawCh, outCh, func(line int, reason string) {
				rejected.Add(1)
				r.logf("stage=transform reject line=%d reason=%q", line, reason)
			})
		}()
	}
	go func() {
		wgWorkers.Wait()
		close(outCh)
	}()

	// 3) Collector. Rows arrive in worker order; Extract sorts, so input
	// order does not matter.
	out := frame.New(plan.Columns...)
	for row := range outCh {
		out.Rows = append(out.Rows, append([]any(nil), row.V...))
		row.Free()
	}

	if err := readError(ctx, g.Wait()); err != nil {
		return frame.Frame{}, 0, err
	}
	return out, int(rejected.Load()), nil
}

// readError prefers the recorded parse error over the plain cancellation it
// caused.
func readError(ctx context.Context, err error) error {
	if cause := context.Cause(ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	if err != nil {
		return err
	}
	return ctx.Err()
}

func (r *Runner) writeOutput(o config.Output, h frame.Frame) error {
	start := time.Now()

	f, err := os.Create(o.Path)
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	w := bufio.NewWriter(f)

	comma := config.Options{"comma": o.Comma}.Rune("comma", '\t')
	if err := frame.WriteDelimited(w, h, comma); err != nil {
		_ = f.Close()
		return fmt.Errorf("write output %s: %w", o.Path, err)
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return fmt.Errorf("write output %s: %w", o.Path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close output %s: %w", o.Path, err)
	}

	r.logf("stage=output ok path=%s rows=%d duration=%s", o.Path, h.Len(), durMS(start))
	return nil
}

func (r *Runner) load(ctx context.Context, cfg config.Pipeline, h frame.Frame) error {
	start := time.Now()

	newRepo := r.NewRepository
	if newRepo == nil {
		newRepo = storage.New
	}
	repo, err := newRepo(ctx, storage.Config{
		Kind: cfg.Storage.Kind,
		DSN:  os.ExpandEnv(cfg.Storage.DB.DSN),
	})
	if err != nil {
		return fmt.Errorf("storage: %w", err)
	}
	defer repo.Close()

	table := cfg.Storage.DB.Table
	if err := repo.EnsureTable(ctx, storage.HierarchyTableSpec(table, cfg.Hierarchy.Levels)); err != nil {
		return err
	}
	r.logf("stage=ddl ok table=%s duration=%s", table, durMS(start))

	cols, rows, err := storage.HierarchyRows(h)
	if err != nil {
		return err
	}

	inserted, err := storage.InsertBatches(ctx, repo, table, cols, rows,
		[]string{storage.LocationKeyColumn}, cfg.Runtime.BatchSize,
		func(int64) { metrics.RecordBatch() })
	if err != nil {
		return err
	}
	metrics.RecordRecords("inserted", int(inserted))
	r.logf("stage=load ok table=%s inserted=%d existing=%d duration=%s",
		table, inserted, int64(len(rows))-inserted, durMS(start))
	return nil
}

var _ Logger = (*log.Logger)(nil)
