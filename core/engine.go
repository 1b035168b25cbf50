package core

import (
	"errors"
	"fmt"
	"maps"
	nethttp "net/http"
	"strings"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/searchktools/exot/core/chain"
	"github.com/searchktools/exot/core/events"
	"github.com/searchktools/exot/core/http"
	"github.com/searchktools/exot/core/pubsub"
	"github.com/searchktools/exot/core/router"
	"github.com/searchktools/exot/core/websocket"
)

// HandlerFunc is one entry of a handler stack. A nil result hands the
// request to the next entry; anything else ends the stack and becomes the
// response body. A *chain.Promise result defers that decision.
type HandlerFunc = chain.Func[*http.Context]

// ErrorHandler answers a request that failed.
type ErrorHandler func(err error, ctx *http.Context) (any, error)

// TraceHandler receives every finished request when registered with Trace.
type TraceHandler func(ctx *http.Context) (any, error)

// Handleable is a sub-application: anything that can dispatch a context.
type Handleable interface {
	HandleWith(ctx *http.Context, opts HandleOptions) (any, error)
}

// Finder is a delegated router.
type Finder interface {
	Find(method, path string) *router.Result[[]HandlerFunc]
}

var (
	ErrComposed          = errors.New("exot: engine is composed; registrations are closed")
	ErrAlreadyComposed   = errors.New("exot: engine is already composed")
	ErrWebSocketConflict = errors.New("exot: path is already mounted and cannot be used for websockets")
	ErrInvalidHandler    = errors.New("exot: unsupported handler")
	ErrInvalidPrefix     = errors.New("exot: prefix must be a static path without parameters")
	ErrNoAdapter         = errors.New("exot: no adapter")
)

// HandlerOptions configure one registration. Schemas are anything
// validation.Compile accepts.
type HandlerOptions struct {
	Params   any
	Query    any
	Body     any
	Response any
	// Transform runs before validation and may rewrite params and query.
	Transform HandlerFunc
	// Extra carries handler specific settings for plugins.
	Extra map[string]any
}

// Options configure an Engine.
type Options struct {
	Name string
	// Prefix is prepended to every route; it must be static.
	Prefix  string
	Tracing bool
	Router  router.Config
	// HandlerOptions are the defaults of every registration.
	HandlerOptions HandlerOptions
	// OnComposed is called once the whole tree is composed and unlocked;
	// parent is nil for the top-level engine. It may walk the tree and
	// attach listeners but must not dispatch requests.
	OnComposed func(parent *Engine)
	Logger     *zap.Logger
}

type registration struct {
	method    string
	path      string
	hasPath   bool
	handler   any
	fn        HandlerFunc
	options   HandlerOptions
	websocket bool
}

type entry struct {
	fn     HandlerFunc
	router *router.Router[[]HandlerFunc]
}

// Engine is an application: an ordered list of registrations composed once
// into router layers and a fallback stack. Registration is not safe for
// concurrent use; dispatch is.
type Engine struct {
	opts   Options
	prefix string
	log    *zap.Logger

	PubSub *pubsub.PubSub

	mu            sync.Mutex
	parent        *Engine
	decorators    map[string]any
	stores        map[string]any
	registrations []registration
	entries       []entry
	stack         []HandlerFunc

	notFound     HandlerFunc
	errorHandler ErrorHandler
	traceHandler TraceHandler
	adapter      Adapter

	events      *events.Bus[*http.Context]
	startEvents *events.Bus[int]

	composed atomic.Bool
	ready    atomic.Bool
	// settled is closed once the OnComposed callbacks have run.
	settled chan struct{}
}

// New creates an engine.
func New(opts ...Options) *Engine {
	var o Options
	if len(opts) > 0 {
		o = opts[0]
	}
	log := o.Logger
	if log == nil {
		log = zap.NewNop()
	}
	e := &Engine{
		opts:       o,
		log:        log,
		PubSub:     pubsub.New(),
		decorators: make(map[string]any),
		stores:     make(map[string]any),
		settled:    make(chan struct{}),
	}
	e.setPrefix(o.Prefix)
	e.errorHandler = e.defaultErrorHandler
	e.events = events.New[*http.Context](o.Name, e.traceListener)
	e.startEvents = events.New[int](o.Name, nil)
	if o.Tracing {
		e.traceHandler = PrintTraces(log, DefaultTraceWarn)
	}
	return e
}

func (e *Engine) setPrefix(prefix string) {
	if prefix == "" {
		e.prefix = ""
		return
	}
	if !router.IsStaticPath(prefix) {
		panic(fmt.Errorf("%w: %q", ErrInvalidPrefix, prefix))
	}
	e.prefix = router.NormalizePath(prefix, true)
	if e.prefix == "/" {
		e.prefix = ""
	}
}

func (e *Engine) traceListener(event string, fn HandlerFunc) HandlerFunc {
	name := "@on:" + event
	return func(ctx *http.Context) (any, error) {
		return ctx.Trace(func() (any, error) { return fn(ctx) }, name, e.opts.Name)
	}
}

func (e *Engine) Name() string               { return e.opts.Name }
func (e *Engine) Logger() *zap.Logger        { return e.log }
func (e *Engine) Options() Options           { return e.opts }
func (e *Engine) Composed() bool             { return e.composed.Load() }
func (e *Engine) Parent() *Engine            { return e.parent }
func (e *Engine) Prefix() string             { return e.prefix }
func (e *Engine) Decorators() map[string]any { return maps.Clone(e.decorators) }
func (e *Engine) Stores() map[string]any     { return maps.Clone(e.stores) }

// Root is the top-level engine e is mounted in, or e itself.
func (e *Engine) Root() *Engine {
	root := e
	for root.parent != nil {
		root = root.parent
	}
	return root
}

// Events exposes the lifecycle bus.
func (e *Engine) Events() *events.Bus[*http.Context] { return e.events }

// FullPrefix is the prefix of every route of e, including the prefixes of
// the engines it is mounted in.
func (e *Engine) FullPrefix() string {
	if e.parent == nil {
		return e.prefix
	}
	return router.JoinPaths(e.parent.FullPrefix(), e.prefix)
}

func (e *Engine) checkOpen() {
	if e.composed.Load() {
		panic(ErrComposed)
	}
}

func (e *Engine) register(reg registration) {
	e.checkOpen()
	if !reg.websocket {
		reg.fn = e.handlerFn(reg.handler)
	}
	e.mu.Lock()
	e.registrations = append(e.registrations, reg)
	e.mu.Unlock()
}

func (e *Engine) mergeOptions(opts []HandlerOptions) HandlerOptions {
	o := e.opts.HandlerOptions
	o.Extra = maps.Clone(o.Extra)
	for _, opt := range opts {
		if opt.Params != nil {
			o.Params = opt.Params
		}
		if opt.Query != nil {
			o.Query = opt.Query
		}
		if opt.Body != nil {
			o.Body = opt.Body
		}
		if opt.Response != nil {
			o.Response = opt.Response
		}
		if opt.Transform != nil {
			o.Transform = opt.Transform
		}
		if len(opt.Extra) > 0 {
			if o.Extra == nil {
				o.Extra = make(map[string]any, len(opt.Extra))
			}
			maps.Copy(o.Extra, opt.Extra)
		}
	}
	return o
}

// Use appends a path-less handler: middleware, a sub-engine or a delegated
// router. A sub-engine with a prefix only sees requests under that prefix.
func (e *Engine) Use(handler any, opts ...HandlerOptions) *Engine {
	if sub, ok := handler.(*Engine); ok {
		e.mount(sub)
	}
	e.register(registration{handler: handler, options: e.mergeOptions(opts)})
	return e
}

// UseAt mounts a sub-engine under path, or registers handler for every
// method at path.
func (e *Engine) UseAt(path string, handler any, opts ...HandlerOptions) *Engine {
	if sub, ok := handler.(*Engine); ok {
		sub.checkOpen()
		sub.setPrefix(path)
		return e.Use(sub, opts...)
	}
	e.register(registration{path: path, hasPath: true, handler: handler, options: e.mergeOptions(opts)})
	return e
}

func (e *Engine) mount(sub *Engine) {
	if sub == e {
		panic(fmt.Errorf("%w: an engine cannot mount itself", ErrInvalidHandler))
	}
	sub.parent = e
	maps.Copy(e.decorators, sub.decorators)
	maps.Copy(e.stores, sub.stores)
}

// Group creates a child engine for prefix and mounts it. Options default
// to the parent's.
func (e *Engine) Group(prefix string, opts ...Options) *Engine {
	o := Options{
		Name:           e.opts.Name,
		Tracing:        e.opts.Tracing,
		Router:         e.opts.Router,
		HandlerOptions: e.opts.HandlerOptions,
		Logger:         e.log,
	}
	if len(opts) > 0 {
		o = opts[0]
		if o.Logger == nil {
			o.Logger = e.log
		}
	}
	o.Prefix = prefix
	if o.Prefix == "" || !router.IsStaticPath(o.Prefix) {
		panic(fmt.Errorf("%w: %q", ErrInvalidPrefix, prefix))
	}
	g := New(o)
	e.Use(g)
	return g
}

// Add registers a route. An empty method means every method.
func (e *Engine) Add(method, path string, handler any, opts ...HandlerOptions) *Engine {
	e.register(registration{
		method:  strings.ToUpper(method),
		path:    path,
		hasPath: true,
		handler: handler,
		options: e.mergeOptions(opts),
	})
	return e
}

// All registers a route for every method.
func (e *Engine) All(path string, handler any, opts ...HandlerOptions) *Engine {
	return e.Add("", path, handler, opts...)
}

func (e *Engine) GET(path string, handler any, opts ...HandlerOptions) *Engine {
	return e.Add(nethttp.MethodGet, path, handler, opts...)
}

func (e *Engine) POST(path string, handler any, opts ...HandlerOptions) *Engine {
	return e.Add(nethttp.MethodPost, path, handler, opts...)
}

func (e *Engine) PUT(path string, handler any, opts ...HandlerOptions) *Engine {
	return e.Add(nethttp.MethodPut, path, handler, opts...)
}

func (e *Engine) PATCH(path string, handler any, opts ...HandlerOptions) *Engine {
	return e.Add(nethttp.MethodPatch, path, handler, opts...)
}

func (e *Engine) DELETE(path string, handler any, opts ...HandlerOptions) *Engine {
	return e.Add(nethttp.MethodDelete, path, handler, opts...)
}

func (e *Engine) HEAD(path string, handler any, opts ...HandlerOptions) *Engine {
	return e.Add(nethttp.MethodHead, path, handler, opts...)
}

func (e *Engine) OPTIONS(path string, handler any, opts ...HandlerOptions) *Engine {
	return e.Add(nethttp.MethodOptions, path, handler, opts...)
}

// WS registers a WebSocket route. The adapter performs the upgrade.
func (e *Engine) WS(path string, h *websocket.Handler) *Engine {
	if h == nil {
		h = &websocket.Handler{}
	}
	e.register(registration{
		method:    nethttp.MethodGet,
		path:      path,
		hasPath:   true,
		handler:   h,
		websocket: true,
	})
	return e
}

// Decorate makes value available to every context as ctx.Decorator(name).
func (e *Engine) Decorate(name string, value any) *Engine {
	e.checkOpen()
	e.decorators[name] = value
	return e
}

// Store sets the default of a per-request store entry. Each context gets a
// shallow copy of the stores.
func (e *Engine) Store(name string, value any) *Engine {
	e.checkOpen()
	e.stores[name] = value
	return e
}

// NotFound sets the handler run when nothing answered the request.
func (e *Engine) NotFound(handler any) *Engine {
	e.checkOpen()
	e.notFound = e.handlerFn(handler)
	return e
}

func (e *Engine) OnError(h ErrorHandler) *Engine {
	e.checkOpen()
	if h == nil {
		h = e.defaultErrorHandler
	}
	e.errorHandler = h
	return e
}

// Trace sets the handler receiving each finished request.
func (e *Engine) Trace(h TraceHandler) *Engine {
	e.checkOpen()
	e.traceHandler = h
	return e
}

func (e *Engine) OnRequest(fn HandlerFunc) *Engine {
	e.events.On(events.Request, fn)
	return e
}

func (e *Engine) OnResponse(fn HandlerFunc) *Engine {
	e.events.On(events.Response, fn)
	return e
}

// OnRoute runs when a route of e (or of an engine mounted in e) matched,
// before its handler.
func (e *Engine) OnRoute(fn HandlerFunc) *Engine {
	e.events.On(events.Route, fn)
	return e
}

// OnErrorEvent observes failed requests; ctx.Err() holds the error.
func (e *Engine) OnErrorEvent(fn HandlerFunc) *Engine {
	e.events.On(events.Error, fn)
	return e
}

// OnStart runs once the adapter listens, with the bound port.
func (e *Engine) OnStart(fn func(port int) (any, error)) *Engine {
	e.startEvents.On(events.Start, fn)
	return e
}

// Route describes a registration with a path.
type Route struct {
	Method    string
	Path      string
	Options   HandlerOptions
	WebSocket bool
	Engine    *Engine
}

// Routes lists every route, including those of mounted engines.
func (e *Engine) Routes() []Route {
	e.mu.Lock()
	regs := e.registrations
	e.mu.Unlock()

	prefix := e.FullPrefix()
	var routes []Route
	for _, reg := range regs {
		if reg.hasPath {
			method := reg.method
			if method == "" {
				method = router.MethodAll
			}
			routes = append(routes, Route{
				Method:    method,
				Path:      e.routePath(prefix, reg.path),
				Options:   reg.options,
				WebSocket: reg.websocket,
				Engine:    e,
			})
		} else if sub, ok := reg.handler.(*Engine); ok {
			routes = append(routes, sub.Routes()...)
		}
	}
	return routes
}

// routePath joins prefix and path, keeping a trailing slash when the
// router treats it as significant.
func (e *Engine) routePath(prefix, path string) string {
	joined := router.JoinPaths(prefix, path)
	if e.opts.Router.StrictTrailingSlash && len(path) > 1 && strings.HasSuffix(path, "/") && joined != "/" {
		joined += "/"
	}
	return joined
}

// Context creates the context for one request, with the engine's
// decorators and a fresh copy of its stores.
func (e *Engine) Context(w nethttp.ResponseWriter, r *nethttp.Request) *http.Context {
	return http.NewContext(http.ContextInit{
		Writer:     w,
		Request:    r,
		PubSub:     e.PubSub,
		Store:      maps.Clone(e.stores),
		Decorators: e.decorators,
		Tracing:    e.opts.Tracing,
	})
}

func (e *Engine) handlerFn(h any) HandlerFunc {
	switch h := h.(type) {
	case HandlerFunc:
		return h
	case func(*http.Context) (any, error):
		return h
	case func(*http.Context) error:
		return func(ctx *http.Context) (any, error) { return nil, h(ctx) }
	case func(*http.Context) any:
		return func(ctx *http.Context) (any, error) { return h(ctx), nil }
	case func(*http.Context):
		return func(ctx *http.Context) (any, error) {
			h(ctx)
			return nil, nil
		}
	case Handleable:
		return func(ctx *http.Context) (any, error) {
			return h.HandleWith(ctx, HandleOptions{DeferErrors: true})
		}
	case Finder:
		return e.routerFrame(h)
	case nil:
		panic(fmt.Errorf("%w: nil", ErrInvalidHandler))
	}
	panic(fmt.Errorf("%w: %T", ErrInvalidHandler, h))
}

func (e *Engine) routerFrame(f Finder) HandlerFunc {
	return func(ctx *http.Context) (any, error) {
		found, _ := ctx.Trace(func() (any, error) {
			return f.Find(ctx.Method(), ctx.Path()), nil
		}, "@router:find", e.opts.Name)
		res, _ := found.(*router.Result[[]HandlerFunc])
		if res == nil || res.Stack == nil {
			return nil, nil
		}
		clear(ctx.Params)
		maps.Copy(ctx.Params, res.Params)
		ctx.Route = res.Route
		if ctx.Route == "" {
			ctx.Route = "/"
		}
		return chain.Chain(res.Stack, ctx)
	}
}
