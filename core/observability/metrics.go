// Package observability exports what an engine does: Prometheus metrics
// and an in-process per-route performance monitor. Both are plugins that
// attach to the root engine's lifecycle events.
package observability

import (
	"net/http/httptest"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/searchktools/exot/core"
	"github.com/searchktools/exot/core/http"
	"github.com/searchktools/exot/core/pubsub"
)

const unmatchedRoute = "unmatched"

// MetricsOptions configure Metrics.
type MetricsOptions struct {
	Namespace string
	// Registry receives the collectors; a fresh registry when nil.
	Registry *prometheus.Registry
	// Buckets of the latency histogram, in seconds.
	Buckets []float64
}

// Metrics collects request and pub/sub metrics.
type Metrics struct {
	registry *prometheus.Registry

	inFlight prometheus.Gauge
	requests *prometheus.CounterVec
	duration *prometheus.HistogramVec
	opts     MetricsOptions
}

func NewMetrics(opts MetricsOptions) *Metrics {
	if opts.Namespace == "" {
		opts.Namespace = "exot"
	}
	if opts.Registry == nil {
		opts.Registry = prometheus.NewRegistry()
	}
	if opts.Buckets == nil {
		opts.Buckets = prometheus.ExponentialBuckets(0.0005, 2, 14)
	}
	m := &Metrics{
		registry: opts.Registry,
		opts:     opts,
		inFlight: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: opts.Namespace,
			Subsystem: "http",
			Name:      "inflight_requests",
			Help:      "Current number of in-flight HTTP requests.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: opts.Namespace,
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total number of HTTP requests handled.",
		}, []string{"method", "route", "status"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: opts.Namespace,
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests.",
			Buckets:   opts.Buckets,
		}, []string{"method", "route"}),
	}
	m.registry.MustRegister(m.inFlight, m.requests, m.duration)
	return m
}

func (m *Metrics) Registry() *prometheus.Registry { return m.registry }

// Plugin records every request of the engine it is mounted in, plus the
// counters of that engine's PubSub.
func (m *Metrics) Plugin() *core.Engine {
	var self *core.Engine
	self = core.New(core.Options{
		Name: "observability/metrics",
		OnComposed: func(parent *core.Engine) {
			root := self
			if parent != nil {
				root = parent.Root()
			}
			m.attach(root)
		},
	})
	return self
}

func (m *Metrics) attach(root *core.Engine) {
	m.registerPubSub(root.PubSub)
	root.OnRequest(func(*http.Context) (any, error) {
		m.inFlight.Inc()
		return nil, nil
	})
	root.OnResponse(func(ctx *http.Context) (any, error) {
		status := ctx.Set().Status
		if status == 0 {
			status = 200
		}
		m.observe(ctx, status)
		return nil, nil
	})
	root.OnErrorEvent(func(ctx *http.Context) (any, error) {
		m.observe(ctx, http.StatusCode(ctx.Err()))
		return nil, nil
	})
}

func (m *Metrics) observe(ctx *http.Context, status int) {
	m.inFlight.Dec()
	route := ctx.Route
	if route == "" {
		route = unmatchedRoute
	}
	m.requests.WithLabelValues(ctx.Method(), route, strconv.Itoa(status)).Inc()
	m.duration.WithLabelValues(ctx.Method(), route).Observe(time.Since(ctx.StartTime()).Seconds())
}

func (m *Metrics) registerPubSub(ps *pubsub.PubSub) {
	counter := func(name, help string, value func(pubsub.Stats) uint64) prometheus.Collector {
		return prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: m.opts.Namespace,
			Subsystem: "pubsub",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(ps.Stats())) })
	}
	gauge := func(name, help string, value func(pubsub.Stats) int) prometheus.Collector {
		return prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: m.opts.Namespace,
			Subsystem: "pubsub",
			Name:      name,
			Help:      help,
		}, func() float64 { return float64(value(ps.Stats())) })
	}
	m.registry.MustRegister(
		counter("published_total", "Messages published.", func(s pubsub.Stats) uint64 { return s.Published }),
		counter("delivered_total", "Messages delivered to subscribers.", func(s pubsub.Stats) uint64 { return s.Delivered }),
		counter("failed_total", "Deliveries a subscriber rejected.", func(s pubsub.Stats) uint64 { return s.Failed }),
		gauge("subscribers", "Subscribers with at least one subscription.", func(s pubsub.Stats) int { return s.Subscribers }),
		gauge("topics", "Topics and wildcard prefixes with subscribers.", func(s pubsub.Stats) int { return s.Topics + s.Wildcards }),
	)
}

// Endpoint serves the registry in the Prometheus text format, e.g.
// e.GET("/metrics", m.Endpoint()).
func (m *Metrics) Endpoint() core.HandlerFunc {
	h := promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
	return func(ctx *http.Context) (any, error) {
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, ctx.Request().Request)
		for k, v := range rec.Header() {
			ctx.Set().Headers[k] = v
		}
		ctx.Status(rec.Code)
		return rec.Body.Bytes(), nil
	}
}
