// Package telemetry keeps in-process metrics for the report server and
// exposes them in the Prometheus text format. It records HTTP request
// durations, run outcomes and the shape of the latest run.
package telemetry

import (
	"fmt"
	"math"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/ehr/resourcestats/internal/platform/reporting"
)

// Metric names as recorded internally. Exposition names replace dots with
// underscores and add unit suffixes.
const (
	MetricRequestDuration = "http.server.request.duration"
	MetricActiveRequests  = "http.server.active_requests"
	MetricRuns            = "report.runs"
	MetricRunDuration     = "report.run.duration"
	MetricPatients        = "report.patients"
	MetricContributing    = "report.contributing"
	MetricFailures        = "report.failures"
	MetricSkippedFiles    = "report.skipped_files"
	MetricLastSuccess     = "report.last_success"
)

// Run outcomes used as the label of the runs counter.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
)

// ---------------------------------------------------------------------------
// Histogram
// ---------------------------------------------------------------------------

// histogram is a thread-safe histogram with fixed bucket boundaries. Bucket
// counts are stored non-cumulative and accumulated at export time.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits, updated by CAS
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{
		boundaries:   boundaries,
		bucketCounts: make([]int64, len(boundaries)),
	}
}

// Observe records a single value.
func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	atomicAddFloat64(&h.sum, v)

	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

// Count returns the number of observations.
func (h *histogram) Count() int64 {
	return atomic.LoadInt64(&h.count)
}

// Sum returns the sum of all observations.
func (h *histogram) Sum() float64 {
	return math.Float64frombits(atomic.LoadUint64(&h.sum))
}

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	raw := make([]int64, len(h.bucketCounts))
	copy(raw, h.bucketCounts)
	h.mu.Unlock()

	var running int64
	for i, c := range raw {
		running += c
		raw[i] = running
	}
	return raw
}

func atomicAddFloat64(addr *uint64, delta float64) {
	for {
		old := atomic.LoadUint64(addr)
		next := math.Float64bits(math.Float64frombits(old) + delta)
		if atomic.CompareAndSwapUint64(addr, old, next) {
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Keyed stores
// ---------------------------------------------------------------------------

// int64Store holds counters or gauges keyed by name and label values.
type int64Store struct {
	mu    sync.RWMutex
	items map[string]*int64
}

func newInt64Store() *int64Store {
	return &int64Store{items: make(map[string]*int64)}
}

func (s *int64Store) ptr(key string) *int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return p
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok = s.items[key]; !ok {
		p = new(int64)
		s.items[key] = p
	}
	return p
}

func (s *int64Store) add(key string, delta int64) { atomic.AddInt64(s.ptr(key), delta) }
func (s *int64Store) set(key string, val int64)   { atomic.StoreInt64(s.ptr(key), val) }

func (s *int64Store) get(key string) int64 {
	s.mu.RLock()
	p, ok := s.items[key]
	s.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

type histogramStore struct {
	mu    sync.RWMutex
	items map[string]*histogram
}

func newHistogramStore() *histogramStore {
	return &histogramStore{items: make(map[string]*histogram)}
}

func (s *histogramStore) getOrCreate(key string, boundaries []float64) *histogram {
	s.mu.RLock()
	h, ok := s.items[key]
	s.mu.RUnlock()
	if ok {
		return h
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if h, ok = s.items[key]; !ok {
		h = newHistogram(boundaries)
		s.items[key] = h
	}
	return h
}

func (s *histogramStore) get(key string) *histogram {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.items[key]
}

// snapshot returns the entries whose key starts with prefix, sorted by key.
func (s *histogramStore) snapshot(prefix string) ([]string, map[string]*histogram) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	cp := make(map[string]*histogram)
	for k, h := range s.items {
		if strings.HasPrefix(k, prefix) {
			keys = append(keys, k)
			cp[k] = h
		}
	}
	sort.Strings(keys)
	return keys, cp
}

// LabelsKey builds the key of a labeled series. Exported so tests can
// construct the same key.
func LabelsKey(name string, values ...string) string {
	return strings.Join(append([]string{name}, values...), "|")
}

// ---------------------------------------------------------------------------
// Provider
// ---------------------------------------------------------------------------

// durationBuckets are the HTTP request duration boundaries in seconds.
var durationBuckets = []float64{
	0.010, 0.025, 0.050, 0.100, 0.250, 0.500, 1.0, 2.5, 5.0, 10.0,
}

// runDurationBuckets are the run duration boundaries in seconds. A run reads
// every patient export, so it is slower than a request.
var runDurationBuckets = []float64{
	0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 120, 300,
}

// Provider holds every metric of the process.
type Provider struct {
	service string
	version string

	histograms *histogramStore
	counters   *int64Store
	gauges     *int64Store

	gaugeFuncsMu sync.RWMutex
	gaugeFuncs   map[string]gaugeFunc
}

type gaugeFunc struct {
	help string
	fn   func() int64
}

// NewProvider creates a Provider labelled with the service name and version.
func NewProvider(service, version string) *Provider {
	return &Provider{
		service:    service,
		version:    version,
		histograms: newHistogramStore(),
		counters:   newInt64Store(),
		gauges:     newInt64Store(),
		gaugeFuncs: make(map[string]gaugeFunc),
	}
}

// RegisterGauge exposes the value of fn, read at scrape time, under the
// Prometheus name name.
func (p *Provider) RegisterGauge(name, help string, fn func() int64) {
	p.gaugeFuncsMu.Lock()
	defer p.gaugeFuncsMu.Unlock()
	p.gaugeFuncs[name] = gaugeFunc{help: help, fn: fn}
}

// Histogram returns the histogram stored under key, or nil.
func (p *Provider) Histogram(key string) *histogram {
	return p.histograms.get(key)
}

// Counter returns the value of the counter stored under key.
func (p *Provider) Counter(key string) int64 {
	return p.counters.get(key)
}

// Gauge returns the value of the named gauge.
func (p *Provider) Gauge(name string) int64 {
	return p.gauges.get(name)
}

// ObserveRun records the outcome of a report run. A failed run only bumps
// the failure counter and the duration; the gauges keep describing the last
// successful run.
func (p *Provider) ObserveRun(run *reporting.Run, duration time.Duration, err error) {
	p.histograms.getOrCreate(MetricRunDuration, runDurationBuckets).Observe(duration.Seconds())
	if err != nil || run == nil {
		p.counters.add(LabelsKey(MetricRuns, OutcomeFailure), 1)
		return
	}
	p.counters.add(LabelsKey(MetricRuns, OutcomeSuccess), 1)
	p.gauges.set(MetricPatients, int64(run.Patients))
	p.gauges.set(MetricContributing, int64(run.Contributing))
	p.gauges.set(MetricFailures, int64(len(run.Failures)))
	p.gauges.set(MetricSkippedFiles, int64(run.SkippedFiles))
	p.gauges.set(MetricLastSuccess, run.FinishedAt.Unix())
}

// ---------------------------------------------------------------------------
// MetricsMiddleware
// ---------------------------------------------------------------------------

// MetricsMiddleware records request durations labelled by method, route
// pattern and status code, and tracks in-flight requests.
func (p *Provider) MetricsMiddleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			p.gauges.add(MetricActiveRequests, 1)
			defer p.gauges.add(MetricActiveRequests, -1)

			start := time.Now()
			err := next(c)
			duration := time.Since(start).Seconds()

			status := c.Response().Status
			if err != nil {
				status = http.StatusInternalServerError
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}

			key := LabelsKey(MetricRequestDuration, c.Request().Method, route, strconv.Itoa(status))
			p.histograms.getOrCreate(key, durationBuckets).Observe(duration)
			return err
		}
	}
}

// ---------------------------------------------------------------------------
// PrometheusHandler
// ---------------------------------------------------------------------------

// PrometheusHandler serves every metric in Prometheus text exposition format.
func (p *Provider) PrometheusHandler() echo.HandlerFunc {
	return func(c echo.Context) error {
		var b strings.Builder

		b.WriteString("# HELP build_info Service name and version.\n")
		b.WriteString("# TYPE build_info gauge\n")
		fmt.Fprintf(&b, "build_info{service=%q,version=%q} 1\n\n", p.service, p.version)

		name := "http_server_request_duration_seconds"
		fmt.Fprintf(&b, "# HELP %s Duration of HTTP requests in seconds.\n", name)
		fmt.Fprintf(&b, "# TYPE %s histogram\n", name)
		keys, hists := p.histograms.snapshot(MetricRequestDuration + "|")
		for _, key := range keys {
			parts := strings.SplitN(key, "|", 4)
			if len(parts) != 4 {
				continue
			}
			labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[1], parts[2], parts[3])
			writeHistogram(&b, name, labels, hists[key])
		}
		b.WriteByte('\n')

		writeGauge(&b, "http_server_active_requests", "Number of in-flight HTTP requests.", p.gauges.get(MetricActiveRequests))

		name = "report_runs_total"
		fmt.Fprintf(&b, "# HELP %s Report runs by outcome.\n", name)
		fmt.Fprintf(&b, "# TYPE %s counter\n", name)
		for _, outcome := range []string{OutcomeSuccess, OutcomeFailure} {
			fmt.Fprintf(&b, "%s{outcome=%q} %d\n", name, outcome, p.counters.get(LabelsKey(MetricRuns, outcome)))
		}
		b.WriteByte('\n')

		name = "report_run_duration_seconds"
		fmt.Fprintf(&b, "# HELP %s Duration of report runs in seconds.\n", name)
		fmt.Fprintf(&b, "# TYPE %s histogram\n", name)
		if h := p.histograms.get(MetricRunDuration); h != nil {
			writeHistogram(&b, name, "", h)
		}
		b.WriteByte('\n')

		for _, g := range []struct{ prom, key, help string }{
			{"report_patients", MetricPatients, "Patients seen by the last successful run."},
			{"report_contributing_patients", MetricContributing, "Patients that contributed counts to the last successful run."},
			{"report_failed_patients", MetricFailures, "Patients excluded from the last successful run."},
			{"report_skipped_files", MetricSkippedFiles, "Files skipped by the last successful run."},
			{"report_last_success_timestamp_seconds", MetricLastSuccess, "Finish time of the last successful run."},
		} {
			writeGauge(&b, g.prom, g.help, p.gauges.get(g.key))
		}

		p.gaugeFuncsMu.RLock()
		names := make([]string, 0, len(p.gaugeFuncs))
		for n := range p.gaugeFuncs {
			names = append(names, n)
		}
		sort.Strings(names)
		for _, n := range names {
			g := p.gaugeFuncs[n]
			writeGauge(&b, n, g.help, g.fn())
		}
		p.gaugeFuncsMu.RUnlock()

		return c.String(http.StatusOK, b.String())
	}
}

func writeGauge(b *strings.Builder, name, help string, val int64) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s gauge\n", name)
	fmt.Fprintf(b, "%s %d\n\n", name, val)
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()

	prefix, suffix := "", ""
	if labels != "" {
		prefix = labels + ","
		suffix = "{" + labels + "}"
	}
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%sle=\"%g\"} %d\n", name, prefix, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%sle=\"+Inf\"} %d\n", name, prefix, total)
	fmt.Fprintf(b, "%s_sum%s %g\n", name, suffix, h.Sum())
	fmt.Fprintf(b, "%s_count%s %d\n", name, suffix, total)
}
