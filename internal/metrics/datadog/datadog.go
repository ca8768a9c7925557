// Package datadog implements a Datadog backend for the internal/metrics package.
//
// Events are buffered in memory and submitted on a ticker (default once per
// minute) and once more on Close, so a long extraction run shows up as a time
// series and a short one still delivers its tail. Histograms are shipped as
// nearest-rank percentile gauges.
//
// A process killed with SIGKILL loses the unflushed window.
package datadog

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"geometa/internal/metrics"

	dd "github.com/DataDog/datadog-api-client-go/v2/api/datadog"
	"github.com/DataDog/datadog-api-client-go/v2/api/datadogV2"
)

// Options configures a Backend. Zero values take defaults.
type Options struct {
	JobName    string        // tag "job:<name>", default "hierarchy"
	Tags       []string      // extra tags, e.g. "service:geometa"
	FlushEvery time.Duration // default 60s

	clock  func() time.Time
	ticks  func(d time.Duration) (<-chan time.Time, func())
	intake metricsSubmitter
}

func (o Options) withDefaults() Options {
	if o.JobName == "" {
		o.JobName = "hierarchy"
	}
	if o.FlushEvery <= 0 {
		o.FlushEvery = 60 * time.Second
	}
	if o.clock == nil {
		o.clock = time.Now
	}
	if o.ticks == nil {
		o.ticks = func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		}
	}
	return o
}

// metricsSubmitter is the part of *datadogV2.MetricsApi the backend uses.
type metricsSubmitter interface {
	SubmitMetrics(ctx context.Context, body datadogV2.MetricPayload, params ...datadogV2.SubmitMetricsOptionalParameters) (datadogV2.IntakePayloadAccepted, *http.Response, error)
}

// metricSpec maps a metrics package name to its Datadog series name and the
// labels that become tags. Events missing a required label are dropped.
type metricSpec struct {
	series   string
	tagKeys  []string
	required string
}

var knownCounters = map[string]metricSpec{
	metrics.StepTotal:    {series: "geometa.step.total", tagKeys: []string{"step", "status"}},
	metrics.RecordsTotal: {series: "geometa.records.total", tagKeys: []string{"kind"}, required: "kind"},
	metrics.BatchesTotal: {series: "geometa.batches.total"},
}

var knownHistograms = map[string]metricSpec{
	metrics.StepDurationSeconds: {series: "geometa.step.duration_seconds", tagKeys: []string{"step", "status"}},
}

// seriesKey identifies one buffered series: Datadog name plus its
// label-derived tags joined by '\x00'.
type seriesKey struct {
	series string
	tags   string
}

// Backend buffers geometa metric events and ships them to Datadog.
type Backend struct {
	intake metricsSubmitter
	ctx    context.Context
	clock  func() time.Time
	tags   []string // env, job, then Options.Tags
	every  time.Duration

	stop chan struct{}
	done chan struct{}
	once sync.Once

	mu       sync.Mutex
	counters map[seriesKey]float64
	samples  map[seriesKey][]float64
}

var (
	_ metrics.Backend = (*Backend)(nil)
	_ metrics.Flusher = (*Backend)(nil)
)

// envTag reads the deployment environment from ENV, then DD_ENV.
func envTag() string {
	for _, k := range []string{"ENV", "DD_ENV"} {
		if v := strings.TrimSpace(os.Getenv(k)); v != "" {
			return "env:" + v
		}
	}
	return "env:unknown"
}

// NewBackend starts a Backend whose flush loop runs until Close. The API key
// and site are read by the Datadog client from DD_API_KEY and DD_SITE;
// network errors surface from Flush.
func NewBackend(parent context.Context, opts Options) (*Backend, error) {
	opts = opts.withDefaults()
	if strings.ContainsAny(opts.JobName, ", \t\n") {
		return nil, fmt.Errorf("datadog metrics init: job name %q is not a valid tag value", opts.JobName)
	}

	intake := opts.intake
	if intake == nil {
		intake = datadogV2.NewMetricsApi(dd.NewAPIClient(dd.NewConfiguration()))
	}

	b := &Backend{
		intake:   intake,
		ctx:      dd.NewDefaultContext(parent),
		clock:    opts.clock,
		tags:     append([]string{envTag(), "job:" + opts.JobName}, opts.Tags...),
		every:    opts.FlushEvery,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
		counters: make(map[seriesKey]float64),
		samples:  make(map[seriesKey][]float64),
	}

	tick, stopTicks := opts.ticks(b.every)
	go func() {
		defer close(b.done)
		defer stopTicks()
		for {
			select {
			case <-tick:
				_ = b.Flush()
			case <-b.stop:
				return
			}
		}
	}()
	return b, nil
}

// Close stops the flush loop and submits the remaining window. Calls after
// the first return nil.
func (b *Backend) Close() error {
	var err error
	b.once.Do(func() {
		close(b.stop)
		<-b.done
		err = b.Flush()
	})
	return err
}

func keyFor(spec metricSpec, labels metrics.Labels) (seriesKey, bool) {
	if spec.required != "" && labels[spec.required] == "" {
		return seriesKey{}, false
	}
	tags := make([]string, 0, len(spec.tagKeys))
	for _, k := range spec.tagKeys {
		v := labels[k]
		if v == "" {
			v = "unknown"
		}
		tags = append(tags, k+":"+v)
	}
	return seriesKey{series: spec.series, tags: strings.Join(tags, "\x00")}, true
}

// IncCounter implements metrics.Backend. Unknown names and non-positive
// deltas are ignored.
func (b *Backend) IncCounter(name string, delta float64, labels metrics.Labels) {
	spec, ok := knownCounters[name]
	if !ok || delta <= 0 {
		return
	}
	k, ok := keyFor(spec, labels)
	if !ok {
		return
	}

	b.mu.Lock()
	b.counters[k] += delta
	b.mu.Unlock()
}

// ObserveHistogram implements metrics.Backend. Unknown names and negative
// values are ignored.
func (b *Backend) ObserveHistogram(name string, value float64, labels metrics.Labels) {
	spec, ok := knownHistograms[name]
	if !ok || value < 0 {
		return
	}
	k, ok := keyFor(spec, labels)
	if !ok {
		return
	}

	b.mu.Lock()
	b.samples[k] = append(b.samples[k], value)
	b.mu.Unlock()
}

type snapshot struct {
	counters map[seriesKey]float64
	samples  map[seriesKey][]float64
}

func (s snapshot) isEmpty() bool {
	return len(s.counters) == 0 && len(s.samples) == 0
}

func (b *Backend) snapshotAndReset() snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	s := snapshot{counters: b.counters, samples: b.samples}
	b.counters = make(map[seriesKey]float64)
	b.samples = make(map[seriesKey][]float64)
	return s
}

// Flush submits buffered series and resets the buffers. The buffers are
// reset even when submission fails; delivery is at most once.
func (b *Backend) Flush() error {
	snap := b.snapshotAndReset()
	if snap.isEmpty() {
		return nil
	}

	payload := datadogV2.MetricPayload{Series: b.buildSeries(snap, b.clock().Unix())}
	if _, _, err := b.intake.SubmitMetrics(b.ctx, payload, *datadogV2.NewSubmitMetricsOptionalParameters()); err != nil {
		return fmt.Errorf("datadog submit: %w", err)
	}
	return nil
}

// buildSeries is pure: no locks, network or clocks. Output is ordered by
// series name then tags.
func (b *Backend) buildSeries(s snapshot, nowUnix int64) []datadogV2.MetricSeries {
	series := make([]datadogV2.MetricSeries, 0, len(s.counters)+6*len(s.samples))

	for _, k := range sortedKeys(s.counters) {
		v := s.counters[k]
		if v == 0 {
			continue
		}
		series = append(series, countSeries(k.series, v, b.tagsFor(k), nowUnix))
	}
	for _, k := range sortedKeys(s.samples) {
		addPercentiles(&series, k.series, b.tagsFor(k), s.samples[k], nowUnix)
	}
	return series
}

func (b *Backend) tagsFor(k seriesKey) []string {
	if k.tags == "" {
		return withTags(b.tags)
	}
	return withTags(b.tags, strings.Split(k.tags, "\x00")...)
}

func sortedKeys[V any](m map[seriesKey]V) []seriesKey {
	keys := make([]seriesKey, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool {
		if keys[i].series != keys[j].series {
			return keys[i].series < keys[j].series
		}
		return keys[i].tags < keys[j].tags
	})
	return keys
}

// addPercentiles appends p50/p90/p95/p99/max/samples gauges. samples is not
// modified.
func addPercentiles(series *[]datadogV2.MetricSeries, prefix string, tags []string, samples []float64, nowUnix int64) {
	if len(samples) == 0 {
		return
	}
	cp := append([]float64(nil), samples...)
	sort.Float64s(cp)

	*series = append(*series,
		gaugeSeries(prefix+".p50", percentileNearestRank(cp, 0.50), tags, nowUnix),
		gaugeSeries(prefix+".p90", percentileNearestRank(cp, 0.90), tags, nowUnix),
		gaugeSeries(prefix+".p95", percentileNearestRank(cp, 0.95), tags, nowUnix),
		gaugeSeries(prefix+".p99", percentileNearestRank(cp, 0.99), tags, nowUnix),
		gaugeSeries(prefix+".max", cp[len(cp)-1], tags, nowUnix),
		gaugeSeries(prefix+".samples", float64(len(cp)), tags, nowUnix),
	)
}

func countSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return point(metric, datadogV2.METRICINTAKETYPE_COUNT, value, tags, nowUnix)
}

func gaugeSeries(metric string, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return point(metric, datadogV2.METRICINTAKETYPE_GAUGE, value, tags, nowUnix)
}

func point(metric string, typ datadogV2.MetricIntakeType, value float64, tags []string, nowUnix int64) datadogV2.MetricSeries {
	return datadogV2.MetricSeries{
		Metric: metric,
		Type:   typ.Ptr(),
		Points: []datadogV2.MetricPoint{
			{Timestamp: dd.PtrInt64(nowUnix), Value: dd.PtrFloat64(value)},
		},
		Tags: tags,
	}
}

func withTags(base []string, extras ...string) []string {
	out := make([]string, 0, len(base)+len(extras))
	out = append(out, base...)
	return append(out, extras...)
}

func percentileNearestRank(s []float64, p float64) float64 {
	n := len(s)
	if n == 0 {
		return 0
	}
	if p <= 0 {
		return s[0]
	}
	if p >= 1 {
		return s[n-1]
	}
	idx := int(p*float64(n-1) + 0.5)
	if idx >= n {
		idx = n - 1
	}
	return s[idx]
}

// ParseTagsCSV parses comma-separated tags like "env:prod,service:geometa".
func ParseTagsCSV(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
