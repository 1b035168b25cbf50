package http

import (
	"time"

	"github.com/searchktools/exot/core/chain"
)

// Trace is a timing span. Spans nest: a span started while another is open
// becomes its child.
type Trace struct {
	Name    string        `json:"name"`
	Desc    string        `json:"desc,omitempty"`
	Start   time.Time     `json:"start"`
	Elapsed time.Duration `json:"elapsed"`
	Error   error         `json:"-"`
	Parent  *Trace        `json:"-"`
	Traces  []*Trace      `json:"traces,omitempty"`
}

// TraceStart opens a span under the current one.
func (c *Context) TraceStart(name, desc string) *Trace {
	if name == "" {
		name = "unknown"
	}
	c.traceMu.Lock()
	defer c.traceMu.Unlock()
	t := &Trace{Name: name, Desc: desc, Start: time.Now(), Parent: c.currentTrace}
	if c.currentTrace != nil {
		c.currentTrace.Traces = append(c.currentTrace.Traces, t)
	} else {
		c.traces = append(c.traces, t)
	}
	c.currentTrace = t
	return t
}

// TraceEnd closes the current span.
func (c *Context) TraceEnd(err error) {
	c.traceMu.Lock()
	defer c.traceMu.Unlock()
	if t := c.currentTrace; t != nil {
		t.Elapsed = time.Since(t.Start)
		t.Error = err
		c.currentTrace = t.Parent
	}
}

// Trace runs fn inside a span when tracing is on. A promise result closes
// the span once it settles.
func (c *Context) Trace(fn func() (any, error), name, desc string) (any, error) {
	if !c.Tracing {
		return fn()
	}
	c.TraceStart(name, desc)
	return chain.AwaitMaybePromise(
		func(struct{}) (any, error) { return fn() },
		struct{}{},
		func(v any) (any, error) {
			c.TraceEnd(nil)
			return v, nil
		},
		func(err error) (any, error) {
			c.TraceEnd(err)
			return nil, err
		},
	)
}

// Traces returns the root spans.
func (c *Context) Traces() []*Trace {
	c.traceMu.Lock()
	defer c.traceMu.Unlock()
	return c.traces
}

// TotalTime sums the root spans.
func (c *Context) TotalTime() time.Duration {
	var total time.Duration
	for _, t := range c.Traces() {
		total += t.Elapsed
	}
	return total
}
