package observability

import (
	"cmp"
	"context"
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/exot/core"
	"github.com/searchktools/exot/core/http"
)

// LatencyBounds are the upper bounds of the latency buckets; the last
// bucket is unbounded.
var LatencyBounds = [9]time.Duration{
	time.Millisecond, 5 * time.Millisecond, 10 * time.Millisecond,
	50 * time.Millisecond, 100 * time.Millisecond, 500 * time.Millisecond,
	time.Second, 5 * time.Second, 10 * time.Second,
}

// Finding kinds.
const (
	FindingLatency = "latency"
	FindingErrors  = "errors"
)

// Finding is a route that crossed a threshold at the last analysis.
type Finding struct {
	Kind     string
	Route    string
	Severity int
	// Score is the measured value relative to the threshold, in percent.
	Score  float64
	At     time.Time
	Detail string
}

// RouteStats is a point-in-time copy of one route's counters.
type RouteStats struct {
	Route   string
	Count   uint64
	Errors  uint64
	Avg     time.Duration
	Min     time.Duration
	Max     time.Duration
	Buckets [len(LatencyBounds) + 1]uint64
}

// counters are updated lock-free from the request path.
type counters struct {
	route   string
	n       atomic.Uint64
	failed  atomic.Uint64
	sumNs   atomic.Uint64
	minNs   atomic.Uint64
	maxNs   atomic.Uint64
	buckets [len(LatencyBounds) + 1]atomic.Uint64
}

func (c *counters) observe(d time.Duration, failed bool) {
	c.n.Add(1)
	if failed {
		c.failed.Add(1)
	}
	ns := uint64(d.Nanoseconds())
	c.sumNs.Add(ns)
	for {
		low := c.minNs.Load()
		if low != 0 && ns >= low || c.minNs.CompareAndSwap(low, ns) {
			break
		}
	}
	for {
		high := c.maxNs.Load()
		if ns <= high || c.maxNs.CompareAndSwap(high, ns) {
			break
		}
	}
	c.buckets[bucketOf(d)].Add(1)
}

func (c *counters) snapshot() RouteStats {
	s := RouteStats{
		Route:  c.route,
		Count:  c.n.Load(),
		Errors: c.failed.Load(),
		Min:    time.Duration(c.minNs.Load()),
		Max:    time.Duration(c.maxNs.Load()),
	}
	if s.Count > 0 {
		s.Avg = time.Duration(c.sumNs.Load() / s.Count)
	}
	for i := range c.buckets {
		s.Buckets[i] = c.buckets[i].Load()
	}
	return s
}

func bucketOf(d time.Duration) int {
	for i, bound := range LatencyBounds {
		if d < bound {
			return i
		}
	}
	return len(LatencyBounds)
}

// PerformanceMonitor keeps per-route latency and error counts in process
// and flags routes that are slow or failing.
type PerformanceMonitor struct {
	// SlowAfter is the average latency above which a route is reported.
	SlowAfter time.Duration
	// ErrorRate is the failure ratio above which a route is reported.
	ErrorRate float64

	enabled atomic.Bool
	routes  sync.Map // route -> *counters
	total   atomic.Uint64
	totalNs atomic.Uint64

	mu       sync.RWMutex
	findings []Finding
}

func NewPerformanceMonitor() *PerformanceMonitor {
	pm := &PerformanceMonitor{SlowAfter: 100 * time.Millisecond, ErrorRate: 0.05}
	pm.enabled.Store(true)
	return pm
}

func (pm *PerformanceMonitor) SetEnabled(on bool) { pm.enabled.Store(on) }

// RecordRequest records one request of route.
func (pm *PerformanceMonitor) RecordRequest(route string, d time.Duration, failed bool) {
	if !pm.enabled.Load() {
		return
	}
	v, ok := pm.routes.Load(route)
	if !ok {
		v, _ = pm.routes.LoadOrStore(route, &counters{route: route})
	}
	v.(*counters).observe(d, failed)
	pm.total.Add(1)
	pm.totalNs.Add(uint64(d.Nanoseconds()))
}

// Plugin records every request of the engine tree it is mounted in, keyed
// by "METHOD route". 5xx responses and errors count as failures.
func (pm *PerformanceMonitor) Plugin() *core.Engine {
	var self *core.Engine
	self = core.New(core.Options{
		Name: "observability/monitor",
		OnComposed: func(parent *core.Engine) {
			root := self
			if parent != nil {
				root = parent.Root()
			}
			record := func(ctx *http.Context, failed bool) {
				route := ctx.Route
				if route == "" {
					route = unmatchedRoute
				}
				pm.RecordRequest(ctx.Method()+" "+route, time.Since(ctx.StartTime()), failed)
			}
			root.OnResponse(func(ctx *http.Context) (any, error) {
				record(ctx, ctx.Set().Status >= 500)
				return nil, nil
			})
			root.OnErrorEvent(func(ctx *http.Context) (any, error) {
				record(ctx, true)
				return nil, nil
			})
		},
	})
	return self
}

// Run re-analyzes every interval until ctx is done.
func (pm *PerformanceMonitor) Run(ctx context.Context, interval time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if pm.enabled.Load() {
				pm.Analyze()
			}
		}
	}
}

// Analyze recomputes the findings, most severe first.
func (pm *PerformanceMonitor) Analyze() []Finding {
	now := time.Now()
	var found []Finding
	pm.routes.Range(func(_, v any) bool {
		s := v.(*counters).snapshot()
		if s.Count == 0 {
			return true
		}
		if s.Avg > pm.SlowAfter {
			found = append(found, Finding{
				Kind:     FindingLatency,
				Route:    s.Route,
				Severity: 8,
				Score:    float64(s.Avg) / float64(pm.SlowAfter) * 100,
				At:       now,
				Detail:   fmt.Sprintf("average latency %v", s.Avg),
			})
		}
		if rate := float64(s.Errors) / float64(s.Count); s.Errors > 0 && rate > pm.ErrorRate {
			found = append(found, Finding{
				Kind:     FindingErrors,
				Route:    s.Route,
				Severity: 10,
				Score:    rate * 100,
				At:       now,
				Detail:   fmt.Sprintf("%.1f%% of requests failed", rate*100),
			})
		}
		return true
	})
	slices.SortStableFunc(found, func(a, b Finding) int {
		if c := cmp.Compare(b.Severity, a.Severity); c != 0 {
			return c
		}
		return cmp.Compare(a.Route, b.Route)
	})

	pm.mu.Lock()
	pm.findings = found
	pm.mu.Unlock()
	return found
}

// Findings returns the result of the last analysis.
func (pm *PerformanceMonitor) Findings() []Finding {
	pm.mu.RLock()
	defer pm.mu.RUnlock()
	return slices.Clone(pm.findings)
}

// Stats returns a copy of route's counters.
func (pm *PerformanceMonitor) Stats(route string) (RouteStats, bool) {
	v, ok := pm.routes.Load(route)
	if !ok {
		return RouteStats{}, false
	}
	return v.(*counters).snapshot(), true
}

// Totals reports the request count and the mean latency over all routes.
func (pm *PerformanceMonitor) Totals() (uint64, time.Duration) {
	n := pm.total.Load()
	if n == 0 {
		return 0, 0
	}
	return n, time.Duration(pm.totalNs.Load() / n)
}
