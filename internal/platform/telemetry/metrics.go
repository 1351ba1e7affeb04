// Package telemetry keeps in-process metrics and serves them in the
// Prometheus text exposition format: request latency per route, domain event
// counts, and gauges sampled at scrape time (circuit breaker state).
package telemetry

import (
	"context"
	"errors"
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

	"github.com/rcm/rcm/internal/platform/apperror"
	"github.com/rcm/rcm/internal/platform/events"
)

var durationBuckets = []float64{
	0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30,
}

// histogram stores non-cumulative bucket counts; cumulative counts are
// computed at export.
type histogram struct {
	boundaries   []float64
	bucketCounts []int64
	count        int64
	sum          uint64 // math.Float64bits
	mu           sync.Mutex
}

func newHistogram(boundaries []float64) *histogram {
	return &histogram{boundaries: boundaries, bucketCounts: make([]int64, len(boundaries))}
}

func (h *histogram) Observe(v float64) {
	atomic.AddInt64(&h.count, 1)
	for {
		old := atomic.LoadUint64(&h.sum)
		if atomic.CompareAndSwapUint64(&h.sum, old, math.Float64bits(math.Float64frombits(old)+v)) {
			break
		}
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	for i, b := range h.boundaries {
		if v <= b {
			h.bucketCounts[i]++
			return
		}
	}
}

func (h *histogram) Count() int64 { return atomic.LoadInt64(&h.count) }

func (h *histogram) Sum() float64 { return math.Float64frombits(atomic.LoadUint64(&h.sum)) }

func (h *histogram) cumulativeBuckets() []int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	cum := make([]int64, len(h.bucketCounts))
	var running int64
	for i, c := range h.bucketCounts {
		running += c
		cum[i] = running
	}
	return cum
}

// Sample is one labeled gauge value.
type Sample struct {
	Labels map[string]string
	Value  float64
}

type gauge struct {
	name, help string
	collect    func() []Sample
}

// Metrics is safe for concurrent use.
type Metrics struct {
	mu       sync.RWMutex
	requests map[string]*histogram // method|route|status
	counters map[string]*int64     // name|label=value
	gauges   []gauge
	active   int64
}

func New() *Metrics {
	return &Metrics{
		requests: make(map[string]*histogram),
		counters: make(map[string]*int64),
	}
}

func requestKey(method, route, status string) string {
	return method + "|" + route + "|" + status
}

func (m *Metrics) requestHistogram(key string) *histogram {
	m.mu.RLock()
	h, ok := m.requests[key]
	m.mu.RUnlock()
	if ok {
		return h
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.requests[key]; !ok {
		h = newHistogram(durationBuckets)
		m.requests[key] = h
	}
	return h
}

// Inc adds one to the counter name{label="value"}.
func (m *Metrics) Inc(name, label, value string) {
	key := name + "|" + label + "=" + value
	m.mu.RLock()
	p, ok := m.counters[key]
	m.mu.RUnlock()
	if !ok {
		m.mu.Lock()
		if p, ok = m.counters[key]; !ok {
			p = new(int64)
			m.counters[key] = p
		}
		m.mu.Unlock()
	}
	atomic.AddInt64(p, 1)
}

// Counter returns the current value of name{label="value"}.
func (m *Metrics) Counter(name, label, value string) int64 {
	m.mu.RLock()
	p, ok := m.counters[name+"|"+label+"="+value]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return atomic.LoadInt64(p)
}

// RequestCount returns how many requests matched method, route and status.
func (m *Metrics) RequestCount(method, route string, status int) int64 {
	m.mu.RLock()
	h, ok := m.requests[requestKey(method, route, strconv.Itoa(status))]
	m.mu.RUnlock()
	if !ok {
		return 0
	}
	return h.Count()
}

// Gauge registers a gauge whose samples are collected on every scrape.
func (m *Metrics) Gauge(name, help string, collect func() []Sample) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.gauges = append(m.gauges, gauge{name: name, help: help, collect: collect})
}

// Middleware records the duration of every request by method, route pattern
// and status code.
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			atomic.AddInt64(&m.active, 1)
			start := time.Now()
			err := next(c)
			atomic.AddInt64(&m.active, -1)

			status := c.Response().Status
			if err != nil {
				var he *echo.HTTPError
				if errors.As(err, &he) {
					status = he.Code
				} else {
					status = apperror.HTTPStatus(err)
				}
			}
			route := c.Path()
			if route == "" {
				route = c.Request().URL.Path
			}
			m.requestHistogram(requestKey(c.Request().Method, route, strconv.Itoa(status))).
				Observe(time.Since(start).Seconds())
			return err
		}
	}
}

// countingPublisher counts events by type before handing them on.
type countingPublisher struct {
	next    events.Publisher
	metrics *Metrics
}

// Publisher wraps next so every published event is counted in
// rcm_events_published_total and every failed publish in
// rcm_events_failed_total.
func (m *Metrics) Publisher(next events.Publisher) events.Publisher {
	return &countingPublisher{next: next, metrics: m}
}

func (p *countingPublisher) Publish(ctx context.Context, e events.Event) error {
	if err := p.next.Publish(ctx, e); err != nil {
		p.metrics.Inc("rcm_events_failed_total", "type", e.Type)
		return err
	}
	p.metrics.Inc("rcm_events_published_total", "type", e.Type)
	return nil
}

// Handler serves the metrics at /metrics.
func (m *Metrics) Handler() echo.HandlerFunc {
	return func(c echo.Context) error {
		return c.Blob(http.StatusOK, "text/plain; version=0.0.4; charset=utf-8", []byte(m.Render()))
	}
}

// Render returns the exposition text. Series are sorted so output is stable.
func (m *Metrics) Render() string {
	var b strings.Builder

	m.mu.RLock()
	reqKeys := sortedKeys(m.requests)
	requests := make([]*histogram, len(reqKeys))
	for i, k := range reqKeys {
		requests[i] = m.requests[k]
	}
	counterKeys := sortedKeys(m.counters)
	counters := make([]int64, len(counterKeys))
	for i, k := range counterKeys {
		counters[i] = atomic.LoadInt64(m.counters[k])
	}
	gauges := append([]gauge(nil), m.gauges...)
	m.mu.RUnlock()

	const reqName = "http_server_request_duration_seconds"
	b.WriteString("# HELP " + reqName + " Duration of HTTP requests in seconds.\n")
	b.WriteString("# TYPE " + reqName + " histogram\n")
	for i, key := range reqKeys {
		parts := strings.SplitN(key, "|", 3)
		labels := fmt.Sprintf("method=%q,route=%q,status_code=%q", parts[0], parts[1], parts[2])
		writeHistogram(&b, reqName, labels, requests[i])
	}
	b.WriteByte('\n')

	b.WriteString("# HELP http_server_active_requests Number of in-flight HTTP requests.\n")
	b.WriteString("# TYPE http_server_active_requests gauge\n")
	fmt.Fprintf(&b, "http_server_active_requests %d\n\n", atomic.LoadInt64(&m.active))

	lastName := ""
	for i, key := range counterKeys {
		name, label, _ := strings.Cut(key, "|")
		if name != lastName {
			if lastName != "" {
				b.WriteByte('\n')
			}
			fmt.Fprintf(&b, "# TYPE %s counter\n", name)
			lastName = name
		}
		k, v, _ := strings.Cut(label, "=")
		fmt.Fprintf(&b, "%s{%s=%q} %d\n", name, k, v, counters[i])
	}
	if lastName != "" {
		b.WriteByte('\n')
	}

	for _, g := range gauges {
		fmt.Fprintf(&b, "# HELP %s %s\n", g.name, g.help)
		fmt.Fprintf(&b, "# TYPE %s gauge\n", g.name)
		for _, s := range g.collect() {
			fmt.Fprintf(&b, "%s%s %g\n", g.name, formatLabels(s.Labels), s.Value)
		}
		b.WriteByte('\n')
	}
	return b.String()
}

func writeHistogram(b *strings.Builder, name, labels string, h *histogram) {
	cum := h.cumulativeBuckets()
	total := h.Count()
	for i, boundary := range h.boundaries {
		fmt.Fprintf(b, "%s_bucket{%s,le=\"%g\"} %d\n", name, labels, boundary, cum[i])
	}
	fmt.Fprintf(b, "%s_bucket{%s,le=\"+Inf\"} %d\n", name, labels, total)
	fmt.Fprintf(b, "%s_sum{%s} %g\n", name, labels, h.Sum())
	fmt.Fprintf(b, "%s_count{%s} %d\n", name, labels, total)
}

func formatLabels(labels map[string]string) string {
	if len(labels) == 0 {
		return ""
	}
	parts := make([]string, 0, len(labels))
	for _, k := range sortedKeys(labels) {
		parts = append(parts, fmt.Sprintf("%s=%q", k, labels[k]))
	}
	return "{" + strings.Join(parts, ",") + "}"
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
