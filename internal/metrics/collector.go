// Package metrics keeps the relay's counters, gauges and latency histograms
// and renders them in the Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"math"
	"net/http"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Default is the registry the relay records into and /metrics serves.
var Default = NewRegistry()

const (
	kindCounter   = "counter"
	kindGauge     = "gauge"
	kindHistogram = "histogram"
)

// Registry holds metric families keyed by name.
type Registry struct {
	start time.Time

	mu       sync.Mutex
	families map[string]*family
}

// NewRegistry returns an empty registry; uptime counts from now.
func NewRegistry() *Registry {
	return &Registry{start: time.Now(), families: make(map[string]*family)}
}

// family is one metric name with at most one label dimension.
type family struct {
	name  string
	help  string
	kind  string
	label string

	mu     sync.Mutex
	series map[string]any // label value ("" when unlabelled) -> *Counter | *Gauge | *Histogram
	newFn  func() any
}

func (f *family) get(value string) any {
	f.mu.Lock()
	defer f.mu.Unlock()
	if s, ok := f.series[value]; ok {
		return s
	}
	s := f.newFn()
	f.series[value] = s
	return s
}

func (f *family) labels(value string) string {
	if f.label == "" {
		return ""
	}
	return fmt.Sprintf("%s=%q", f.label, value)
}

func (r *Registry) family(name, help, kind, label string, newFn func() any) *family {
	r.mu.Lock()
	defer r.mu.Unlock()
	if f, ok := r.families[name]; ok {
		if f.kind != kind || f.label != label {
			panic(fmt.Sprintf("metrics: %s re-registered as %s{%s}, was %s{%s}", name, kind, label, f.kind, f.label))
		}
		return f
	}
	f := &family{name: name, help: help, kind: kind, label: label, series: make(map[string]any), newFn: newFn}
	r.families[name] = f
	return f
}

// Counter is a monotonically increasing count.
type Counter struct{ v atomic.Int64 }

func (c *Counter) Inc() { c.v.Add(1) }
func (c *Counter) Add(n int64) { c.v.Add(n) }
func (c *Counter) Value() int64 { return c.v.Load() }

// Gauge is a value that can go up and down.
type Gauge struct{ v atomic.Int64 }

func (g *Gauge) Set(n int64) { g.v.Store(n) }
func (g *Gauge) Inc() { g.v.Add(1) }
func (g *Gauge) Dec() { g.v.Add(-1) }
func (g *Gauge) Value() int64 { return g.v.Load() }

// Histogram counts observations into cumulative upper-bound buckets. The
// +Inf bucket is implicit.
type Histogram struct {
	bounds []float64

	mu     sync.Mutex
	counts []int64
	count  int64
	sum    float64
}

func newHistogram(bounds []float64) *Histogram {
	b := make([]float64, 0, len(bounds))
	for _, v := range bounds {
		if !math.IsInf(v, 1) {
			b = append(b, v)
		}
	}
	sort.Float64s(b)
	return &Histogram{bounds: b, counts: make([]int64, len(b))}
}

// Observe records one value.
func (h *Histogram) Observe(v float64) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.count++
	h.sum += v
	for i, le := range h.bounds {
		if v <= le {
			h.counts[i]++
		}
	}
}

// Count returns the number of observations.
func (h *Histogram) Count() int64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.count
}

// CounterVec is a counter family partitioned by one label.
type CounterVec struct{ f *family }

// With returns the counter for the given label value.
func (v *CounterVec) With(value string) *Counter { return v.f.get(value).(*Counter) }

// Counter registers (or returns) an unlabelled counter.
func (r *Registry) Counter(name, help string) *Counter {
	return r.family(name, help, kindCounter, "", func() any { return &Counter{} }).get("").(*Counter)
}

// CounterVec registers (or returns) a counter family keyed by label.
func (r *Registry) CounterVec(name, help, label string) *CounterVec {
	return &CounterVec{f: r.family(name, help, kindCounter, label, func() any { return &Counter{} })}
}

// Gauge registers (or returns) an unlabelled gauge.
func (r *Registry) Gauge(name, help string) *Gauge {
	return r.family(name, help, kindGauge, "", func() any { return &Gauge{} }).get("").(*Gauge)
}

// Histogram registers (or returns) an unlabelled histogram.
func (r *Registry) Histogram(name, help string, bounds ...float64) *Histogram {
	return r.family(name, help, kindHistogram, "", func() any { return newHistogram(bounds) }).get("").(*Histogram)
}

// Snapshot returns counter and gauge values keyed as they render, e.g.
// `warelay_relay_outcomes_total{kind="relayed"}`.
func (r *Registry) Snapshot() map[string]int64 {
	out := make(map[string]int64)
	for _, f := range r.sorted() {
		f.mu.Lock()
		for value, s := range f.series {
			key := f.name
			if l := f.labels(value); l != "" {
				key += "{" + l + "}"
			}
			switch m := s.(type) {
			case *Counter:
				out[key] = m.Value()
			case *Gauge:
				out[key] = m.Value()
			}
		}
		f.mu.Unlock()
	}
	return out
}

func (r *Registry) sorted() []*family {
	r.mu.Lock()
	defer r.mu.Unlock()
	fams := make([]*family, 0, len(r.families))
	for _, f := range r.families {
		fams = append(fams, f)
	}
	sort.Slice(fams, func(i, j int) bool { return fams[i].name < fams[j].name })
	return fams
}

// WriteText renders every family, sorted by name and label value.
func (r *Registry) WriteText(w io.Writer) error {
	var sb strings.Builder
	fmt.Fprintf(&sb, "# HELP warelay_uptime_seconds Time since start in seconds\n")
	fmt.Fprintf(&sb, "# TYPE warelay_uptime_seconds gauge\n")
	fmt.Fprintf(&sb, "warelay_uptime_seconds %d\n", int64(time.Since(r.start).Seconds()))

	for _, f := range r.sorted() {
		f.write(&sb)
	}
	_, err := io.WriteString(w, sb.String())
	return err
}

func (f *family) write(sb *strings.Builder) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.series) == 0 {
		return
	}
	values := make([]string, 0, len(f.series))
	for v := range f.series {
		values = append(values, v)
	}
	sort.Strings(values)

	fmt.Fprintf(sb, "# HELP %s %s\n", f.name, f.help)
	fmt.Fprintf(sb, "# TYPE %s %s\n", f.name, f.kind)
	for _, v := range values {
		labels := f.labels(v)
		switch m := f.series[v].(type) {
		case *Counter:
			fmt.Fprintf(sb, "%s %d\n", sample(f.name, labels), m.Value())
		case *Gauge:
			fmt.Fprintf(sb, "%s %d\n", sample(f.name, labels), m.Value())
		case *Histogram:
			m.write(sb, f.name, labels)
		}
	}
}

func (h *Histogram) write(sb *strings.Builder, name, labels string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	join := func(le string) string {
		if labels == "" {
			return "le=" + le
		}
		return labels + ",le=" + le
	}
	for i, le := range h.bounds {
		fmt.Fprintf(sb, "%s %d\n", sample(name+"_bucket", join(fmt.Sprintf("%q", fmt.Sprintf("%g", le)))), h.counts[i])
	}
	fmt.Fprintf(sb, "%s %d\n", sample(name+"_bucket", join(`"+Inf"`)), h.count)
	fmt.Fprintf(sb, "%s %g\n", sample(name+"_sum", labels), h.sum)
	fmt.Fprintf(sb, "%s %d\n", sample(name+"_count", labels), h.count)
}

func sample(name, labels string) string {
	if labels == "" {
		return name
	}
	return name + "{" + labels + "}"
}

// Handler serves the registry in Prometheus text format.
func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")
		_ = r.WriteText(w)
	}
}

// Relay metrics.
var (
	WebhookRequests  = Default.Counter("warelay_webhook_requests_total", "Webhook notifications received")
	SignatureRejects = Default.Counter("warelay_signature_rejects_total", "Notifications with a bad X-Hub-Signature-256")
	MessagesReceived = Default.Counter("warelay_messages_total", "Inbound text messages seen")

	// RelayOutcomes is keyed by Outcome.Kind: relayed, partial, failed,
	// duplicate, ignored.
	RelayOutcomes = Default.CounterVec("warelay_relay_outcomes_total", "Relay outcomes by kind", "kind")

	// DeliveryErrors is keyed by the failed Graph call: text, image, read.
	DeliveryErrors = Default.CounterVec("warelay_delivery_errors_total", "Failed outbound Graph API calls", "send")

	BackendConnects = Default.Counter("warelay_backend_connects_total", "Backend sessions established")
	BackendSessions = Default.Gauge("warelay_backend_sessions", "Backend sessions currently tracked")
	ConfigLookups   = Default.CounterVec("warelay_config_lookups_total", "Bot configuration fetches from the backend", "result")

	ConversationLatency = Default.Histogram("warelay_conversation_seconds", "Backend conversation latency in seconds",
		0.5, 1, 2, 5, 10, 20, 30, 60)
	DeliveryLatency = Default.Histogram("warelay_delivery_seconds", "Graph API delivery latency in seconds",
		0.1, 0.25, 0.5, 1, 2, 5, 10)
)
