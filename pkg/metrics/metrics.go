// Package metrics keeps in-process counters for the proxy path and
// serves them as JSON and in the Prometheus text format.
package metrics

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// Verdict labels recorded on the proxy path.
const (
	VerdictForward       = "forward"
	VerdictAllow         = "allow"
	VerdictDeny          = "deny"
	VerdictLoginRedirect = "login_redirect"
	VerdictNoRule        = "no_rule"
	VerdictForwardError  = "forward_error"
	VerdictThrottled     = "throttled"
)

type Registry struct {
	mu              sync.RWMutex
	endpoint        map[string]*EndpointStat
	verdict         map[string]int64
	appVerdict      map[string]int64
	gauges          map[string]float64
	upstreamLatency UpstreamLatencyStat
	Histograms      *HistogramRegistry
}

type EndpointStat struct {
	Count          int64   `json:"count"`
	ErrorCount     int64   `json:"error_count"`
	TotalMillis    int64   `json:"total_millis"`
	MaxMillis      int64   `json:"max_millis"`
	AverageMillis  float64 `json:"average_millis"`
	LastStatusCode int     `json:"last_status_code"`
}

type UpstreamLatencyStat struct {
	Count   int64   `json:"count"`
	TotalMS int64   `json:"total_ms"`
	MaxMS   int64   `json:"max_ms"`
	LastMS  int64   `json:"last_ms"`
	AvgMS   float64 `json:"avg_ms"`
}

type Snapshot struct {
	GeneratedAt       string                  `json:"generated_at"`
	Endpoints         map[string]EndpointStat `json:"endpoints"`
	Verdicts          map[string]int64        `json:"verdicts"`
	AppVerdicts       map[string]int64        `json:"app_verdicts"`
	Gauges            map[string]float64      `json:"gauges"`
	UpstreamLatencyMS UpstreamLatencyStat     `json:"upstream_latency_ms"`
	Histograms        []HistogramSnapshot     `json:"histograms,omitempty"`
}

func NewRegistry() *Registry {
	return &Registry{
		endpoint:   make(map[string]*EndpointStat),
		verdict:    make(map[string]int64),
		appVerdict: make(map[string]int64),
		gauges:     make(map[string]float64),
		Histograms: NewHistogramRegistry(),
	}
}

func (r *Registry) ObserveLatency(endpoint string, d time.Duration) {
	r.Histograms.ObserveDuration(endpoint, d)
}

// Observe records one handled request against its endpoint label.
func (r *Registry) Observe(path string, status int, d time.Duration) {
	millis := d.Milliseconds()

	r.mu.Lock()
	defer r.mu.Unlock()
	stat := r.endpoint[path]
	if stat == nil {
		stat = &EndpointStat{}
		r.endpoint[path] = stat
	}
	stat.Count++
	if status >= 400 {
		stat.ErrorCount++
	}
	stat.TotalMillis += millis
	if millis > stat.MaxMillis {
		stat.MaxMillis = millis
	}
	stat.LastStatusCode = status
	stat.AverageMillis = float64(stat.TotalMillis) / float64(stat.Count)
}

func (r *Registry) IncVerdict(verdict string) {
	if verdict == "" {
		return
	}
	r.mu.Lock()
	r.verdict[verdict]++
	r.mu.Unlock()
}

// IncAppVerdict counts a verdict on a single app, keyed app|verdict.
func (r *Registry) IncAppVerdict(app, verdict string) {
	app = strings.TrimSpace(app)
	verdict = strings.TrimSpace(verdict)
	if app == "" || verdict == "" {
		return
	}
	r.mu.Lock()
	r.appVerdict[app+"|"+verdict]++
	r.mu.Unlock()
}

func (r *Registry) ObserveUpstreamLatency(d time.Duration) {
	ms := d.Milliseconds()
	if ms < 0 {
		ms = 0
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	u := &r.upstreamLatency
	u.Count++
	u.TotalMS += ms
	u.LastMS = ms
	if ms > u.MaxMS {
		u.MaxMS = ms
	}
	u.AvgMS = float64(u.TotalMS) / float64(u.Count)
}

func (r *Registry) SetGauge(name string, value float64) {
	if name == "" {
		return
	}
	r.mu.Lock()
	r.gauges[name] = value
	r.mu.Unlock()
}

func copyMap[V any](src map[string]V) map[string]V {
	dst := make(map[string]V, len(src))
	for k, v := range src {
		dst[k] = v
	}
	return dst
}

func (r *Registry) Snapshot() Snapshot {
	r.mu.RLock()
	out := Snapshot{
		GeneratedAt:       time.Now().UTC().Format(time.RFC3339),
		Endpoints:         make(map[string]EndpointStat, len(r.endpoint)),
		Verdicts:          copyMap(r.verdict),
		AppVerdicts:       copyMap(r.appVerdict),
		Gauges:            copyMap(r.gauges),
		UpstreamLatencyMS: r.upstreamLatency,
	}
	for k, v := range r.endpoint {
		out.Endpoints[k] = *v
	}
	r.mu.RUnlock()
	out.Histograms = r.Histograms.Snapshots()
	return out
}

func (r *Registry) Handler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		_ = enc.Encode(r.Snapshot())
	}
}

func promHeader(b *strings.Builder, name, kind, help string) {
	fmt.Fprintf(b, "# HELP %s %s\n", name, help)
	fmt.Fprintf(b, "# TYPE %s %s\n", name, kind)
}

// PrometheusHandler renders the snapshot in the text exposition
// format, all series sorted for stable scrapes.
func (r *Registry) PrometheusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		snap := r.Snapshot()
		w.Header().Set("Content-Type", "text/plain; version=0.0.4")
		b := &strings.Builder{}

		endpoints := SortedKeys(snap.Endpoints)
		promHeader(b, "rulegate_endpoint_count", "counter", "total requests by endpoint")
		for _, ep := range endpoints {
			fmt.Fprintf(b, "rulegate_endpoint_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].Count)
		}
		promHeader(b, "rulegate_endpoint_error_count", "counter", "total endpoint errors")
		for _, ep := range endpoints {
			fmt.Fprintf(b, "rulegate_endpoint_error_count{endpoint=%q} %d\n", ep, snap.Endpoints[ep].ErrorCount)
		}
		promHeader(b, "rulegate_endpoint_avg_millis", "gauge", "endpoint average latency in milliseconds")
		for _, ep := range endpoints {
			fmt.Fprintf(b, "rulegate_endpoint_avg_millis{endpoint=%q} %.3f\n", ep, snap.Endpoints[ep].AverageMillis)
		}

		promHeader(b, "rulegate_verdict_total", "counter", "proxied requests by verdict")
		for _, verdict := range SortedKeys(snap.Verdicts) {
			fmt.Fprintf(b, "rulegate_verdict_total{verdict=%q} %d\n", verdict, snap.Verdicts[verdict])
		}
		promHeader(b, "rulegate_app_verdict_total", "counter", "proxied requests by app and verdict")
		for _, key := range SortedKeys(snap.AppVerdicts) {
			app, verdict, _ := strings.Cut(key, "|")
			fmt.Fprintf(b, "rulegate_app_verdict_total{app=%q,verdict=%q} %d\n", app, verdict, snap.AppVerdicts[key])
		}
		promHeader(b, "rulegate_gauge", "gauge", "operational gauge metrics")
		for _, name := range SortedKeys(snap.Gauges) {
			fmt.Fprintf(b, "rulegate_gauge{name=%q} %.3f\n", name, snap.Gauges[name])
		}

		promHeader(b, "rulegate_upstream_latency_ms", "gauge", "upstream round trip latency in ms")
		fmt.Fprintf(b, "rulegate_upstream_latency_ms{stat=%q} %d\n", "last", snap.UpstreamLatencyMS.LastMS)
		fmt.Fprintf(b, "rulegate_upstream_latency_ms{stat=%q} %.3f\n", "avg", snap.UpstreamLatencyMS.AvgMS)
		fmt.Fprintf(b, "rulegate_upstream_latency_ms{stat=%q} %d\n", "max", snap.UpstreamLatencyMS.MaxMS)

		for _, h := range snap.Histograms {
			promHeader(b, "rulegate_latency_seconds", "histogram", "latency histogram")
			for _, bucket := range h.Buckets {
				fmt.Fprintf(b, "rulegate_latency_seconds_bucket{endpoint=%q,le=\"%.3f\"} %d\n", h.Name, bucket.Le, bucket.Count)
			}
			fmt.Fprintf(b, "rulegate_latency_seconds_bucket{endpoint=%q,le=\"+Inf\"} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "rulegate_latency_seconds_sum{endpoint=%q} %.6f\n", h.Name, h.Sum)
			fmt.Fprintf(b, "rulegate_latency_seconds_count{endpoint=%q} %d\n", h.Name, h.Count)
			fmt.Fprintf(b, "rulegate_latency_p95_seconds{endpoint=%q} %.6f\n", h.Name, h.P95)
			fmt.Fprintf(b, "rulegate_latency_p99_seconds{endpoint=%q} %.6f\n", h.Name, h.P99)
		}
		_, _ = w.Write([]byte(b.String()))
	}
}

func SortedKeys[M ~map[string]V, V any](m M) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
