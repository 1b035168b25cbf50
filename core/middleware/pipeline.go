// Package middleware holds the stock plugins of an engine: CORS,
// server timing, rate limiting, request ids, access logging and panic
// reporting. Plugins that only touch the request are HandlerFuncs; plugins
// that need lifecycle events are engines attaching to the root engine
// when they are composed.
package middleware

import (
	"github.com/searchktools/exot/core"
	"github.com/searchktools/exot/core/chain"
	"github.com/searchktools/exot/core/http"
)

// Pipeline groups several handlers into one stack entry.
type Pipeline struct {
	handlers []core.HandlerFunc
}

func NewPipeline(handlers ...core.HandlerFunc) *Pipeline {
	p := &Pipeline{handlers: make([]core.HandlerFunc, 0, 16)}
	p.handlers = append(p.handlers, handlers...)
	return p
}

// Use appends a handler.
func (p *Pipeline) Use(handler core.HandlerFunc) *Pipeline {
	p.handlers = append(p.handlers, handler)
	return p
}

func (p *Pipeline) Len() int { return len(p.handlers) }

// Handler runs the handlers in order. The first non-nil result ends the
// pipeline and the stack around it.
func (p *Pipeline) Handler() core.HandlerFunc {
	handlers := make([]core.HandlerFunc, len(p.handlers))
	copy(handlers, p.handlers)
	if len(handlers) == 0 {
		return func(*http.Context) (any, error) { return nil, nil }
	}
	if len(handlers) == 1 {
		return handlers[0]
	}
	return func(ctx *http.Context) (any, error) {
		return chain.Chain(handlers, ctx)
	}
}

// plugin creates a named engine whose attach runs against the root engine
// once the plugin is composed into it.
func plugin(name string, attach func(root *core.Engine)) *core.Engine {
	var self *core.Engine
	self = core.New(core.Options{
		Name: name,
		OnComposed: func(parent *core.Engine) {
			if parent == nil {
				attach(self)
				return
			}
			attach(parent.Root())
		},
	})
	return self
}
