package core

import (
	"fmt"
	"maps"

	"github.com/searchktools/exot/core/chain"
	"github.com/searchktools/exot/core/events"
	"github.com/searchktools/exot/core/http"
	"github.com/searchktools/exot/core/router"
	"github.com/searchktools/exot/core/validation"
	"github.com/searchktools/exot/core/websocket"
)

// Compose flattens the registrations into router layers and the fallback
// stack. It runs once; Handle, Listen and Fetch call it when needed.
func (e *Engine) Compose() error {
	hooks, ok := e.composeOnce()
	if !ok {
		return ErrAlreadyComposed
	}
	runHooks(hooks)
	return nil
}

// ensureComposed returns once e is composed and its OnComposed callbacks
// have run, possibly on another goroutine.
func (e *Engine) ensureComposed() {
	select {
	case <-e.settled:
		return
	default:
	}
	hooks, _ := e.composeOnce()
	runHooks(hooks)
	<-e.settled
}

// composeOnce composes e unless it already is. ok is false when there was
// nothing to do.
func (e *Engine) composeOnce() (hooks []func(), ok bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.composed.Load() {
		return nil, false
	}
	return e.compose(nil), true
}

func runHooks(hooks []func()) {
	for _, hook := range hooks {
		hook()
	}
}

// prepare readies a top-level engine for serving.
func (e *Engine) prepare() {
	if e.ready.Load() {
		return
	}
	e.ensureComposed()
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.notFound == nil {
		e.notFound = throwNotFound
	}
	e.ready.Store(true)
}

func throwNotFound(*http.Context) (any, error) {
	return nil, http.NotFound()
}

// compose must be called with e.mu held. It returns the OnComposed
// callbacks of e and its sub-engines, innermost first; the caller runs them
// once every lock is released.
func (e *Engine) compose(parent *Engine) (hooks []func()) {
	if parent != nil {
		e.parent = parent
		e.events.ForwardTo(parent.events)
		parent.startEvents.ForwardTo(e.startEvents)
	}
	prefix := e.FullPrefix()

	for _, reg := range e.registrations {
		sub, isEngine := reg.handler.(*Engine)
		switch {
		case reg.hasPath:
			stack := e.composeHandler(reg, []HandlerFunc{e.emitRoute}, []HandlerFunc{endRoute})
			e.addRoute(reg.method, e.routePath(prefix, reg.path), stack, reg.websocket)
		case isEngine && sub.prefix != "":
			// a prefixed engine only sees requests under its prefix and
			// falls through when none of its routes matched
			mount := router.JoinPaths(prefix, sub.prefix)
			stack := e.composeHandler(reg, nil, nil)
			e.addRoute("", mount, stack, false)
			e.addRoute("", mount+"/*", stack, false)
		default:
			e.appendEntry(e.composeHandler(reg, nil, nil), nil)
		}

		if isEngine {
			sub.mu.Lock()
			if !sub.composed.Load() {
				hooks = append(hooks, sub.compose(e)...)
			}
			sub.mu.Unlock()
			maps.Copy(e.decorators, sub.decorators)
			maps.Copy(e.stores, sub.stores)
		}
	}

	e.stack = make([]HandlerFunc, len(e.entries))
	for i, en := range e.entries {
		e.stack[i] = en.fn
	}
	e.composed.Store(true)
	if onComposed := e.opts.OnComposed; onComposed != nil {
		hooks = append(hooks, func() { onComposed(parent) })
	}
	return append(hooks, func() { close(e.settled) })
}

func (e *Engine) appendEntry(fns []HandlerFunc, r *router.Router[[]HandlerFunc]) {
	for _, fn := range fns {
		e.entries = append(e.entries, entry{fn: fn})
	}
	if r != nil && len(e.entries) > 0 {
		e.entries[len(e.entries)-1].router = r
	}
}

// ensureRouter returns the router layer at the end of the stack, or
// appends a new one.
func (e *Engine) ensureRouter(createNew bool) *router.Router[[]HandlerFunc] {
	if !createNew && len(e.entries) > 0 {
		if r := e.entries[len(e.entries)-1].router; r != nil {
			return r
		}
	}
	r := router.New[[]HandlerFunc](e.opts.Router)
	e.appendEntry(e.composeHandler(registration{fn: e.routerFrame(r)}, nil, nil), r)
	return r
}

// addRoute registers stack in the current router layer. A (method, path)
// pair the layer already has goes into a new layer; the earlier one keeps
// answering.
func (e *Engine) addRoute(method, path string, stack []HandlerFunc, ws bool) {
	if method == "" {
		method = router.MethodAll
	}
	r := e.ensureRouter(false)
	if r.Has(method, path) {
		if ws {
			panic(fmt.Errorf("%w: %s", ErrWebSocketConflict, path))
		}
		r = e.ensureRouter(true)
	}
	r.Add(method, path, stack)
}

func terminatedGuard(ctx *http.Context) (any, error) {
	if ctx.Terminated() {
		return chain.Stop, nil
	}
	return nil, nil
}

func endRoute(ctx *http.Context) (any, error) {
	ctx.End()
	return nil, nil
}

func (e *Engine) emitRoute(ctx *http.Context) (any, error) {
	return e.events.Emit(events.Route, ctx)
}

// composeHandler builds the micro stack of one registration: guard, before,
// transform, params and query validation, body and response schemas, the
// handler, after.
func (e *Engine) composeHandler(reg registration, before, after []HandlerFunc) []HandlerFunc {
	stack := make([]HandlerFunc, 0, len(before)+len(after)+7)
	stack = append(stack, terminatedGuard)
	stack = append(stack, before...)

	o := reg.options
	if o.Transform != nil {
		stack = append(stack, o.Transform)
	}
	if o.Params != nil {
		v := validation.MustCompile(o.Params)
		stack = append(stack, func(ctx *http.Context) (any, error) {
			out, err := validation.Run(v, ctx.ParamsMap(), http.LocationParams)
			if err != nil {
				return nil, err
			}
			ctx.SetValidated(http.LocationParams, out)
			return nil, nil
		})
	}
	if o.Query != nil {
		v := validation.MustCompile(o.Query)
		stack = append(stack, func(ctx *http.Context) (any, error) {
			out, err := validation.Run(v, ctx.QueryMap(), http.LocationQuery)
			if err != nil {
				return nil, err
			}
			ctx.SetValidated(http.LocationQuery, out)
			return nil, nil
		})
	}
	if o.Body != nil {
		v := validation.MustCompile(o.Body)
		stack = append(stack, func(ctx *http.Context) (any, error) {
			ctx.BodySchema = tagged(v, http.LocationBody)
			return nil, nil
		})
	}
	if o.Response != nil {
		v := validation.MustCompile(o.Response)
		stack = append(stack, func(ctx *http.Context) (any, error) {
			ctx.ResponseSchema = tagged(v, http.LocationResponse)
			return nil, nil
		})
	}

	if reg.websocket {
		h := reg.handler.(*websocket.Handler)
		stack = append(stack, func(ctx *http.Context) (any, error) {
			a := e.currentAdapter()
			if a == nil {
				return nil, http.NewUpgradeError(500, "Request upgrade failed", ErrNoAdapter)
			}
			return a.UpgradeRequest(ctx, h)
		})
	} else {
		stack = append(stack, reg.fn)
	}
	return append(stack, after...)
}

func tagged(v http.Validator, location string) http.Validator {
	return func(data any) (any, error) {
		return validation.Run(v, data, location)
	}
}
