package core

import (
	"io"
	"reflect"

	"go.uber.org/zap"

	"github.com/searchktools/exot/core/chain"
	"github.com/searchktools/exot/core/events"
	"github.com/searchktools/exot/core/http"
)

// HandleOptions tune one dispatch. The top-level engine emits events and
// answers errors itself; a mounted engine leaves both to its parent.
type HandleOptions struct {
	EmitEvents bool
	// DeferErrors returns errors to the caller instead of running the
	// error handler.
	DeferErrors bool
}

// Handle dispatches ctx as the top-level engine.
func (e *Engine) Handle(ctx *http.Context) (any, error) {
	return e.HandleWith(ctx, HandleOptions{EmitEvents: true})
}

// HandleWith runs the request event and the stack, turns a produced value
// into the response body, falls back to the not-found handler, then emits
// the response event and hands the request to the trace handler. Any error
// on the way goes to the error event and the error handler.
//
// The result is the response body, or a *chain.Promise for it when a step
// was asynchronous.
func (e *Engine) HandleWith(ctx *http.Context, opts HandleOptions) (any, error) {
	e.ensureComposed()
	return chain.AwaitMaybePromise(
		func(ctx *http.Context) (any, error) {
			return chain.AwaitMaybePromise(
				func(ctx *http.Context) (any, error) { return e.dispatch(ctx, opts) },
				ctx,
				func(body any) (any, error) { return e.complete(ctx, body, opts) },
				nil,
			)
		},
		ctx,
		nil,
		func(err error) (any, error) { return e.fail(ctx, err, opts) },
	)
}

func (e *Engine) dispatch(ctx *http.Context, opts HandleOptions) (any, error) {
	if !opts.EmitEvents {
		return chain.Chain(e.stack, ctx)
	}
	return chain.AwaitMaybePromise(
		func(ctx *http.Context) (any, error) { return e.events.Emit(events.Request, ctx) },
		ctx,
		func(any) (any, error) { return chain.Chain(e.stack, ctx) },
		nil,
	)
}

func (e *Engine) complete(ctx *http.Context, body any, opts HandleOptions) (any, error) {
	if body != nil {
		if err := e.setResponseBody(ctx, body, true); err != nil {
			return nil, err
		}
		ctx.End()
	}
	return chain.AwaitMaybePromise(
		func(ctx *http.Context) (any, error) {
			if ctx.Terminated() || e.notFound == nil {
				return nil, nil
			}
			return e.notFound(ctx)
		},
		ctx,
		func(fallback any) (any, error) {
			if fallback != nil {
				if err := e.setResponseBody(ctx, fallback, true); err != nil {
					return nil, err
				}
				ctx.End()
				body = fallback
			}
			if chain.IsStop(body) {
				body = nil
			}
			return chain.AwaitMaybePromise(
				func(ctx *http.Context) (any, error) { return e.finish(ctx, opts) },
				ctx,
				func(any) (any, error) { return body, nil },
				nil,
			)
		},
		nil,
	)
}

func (e *Engine) finish(ctx *http.Context, opts HandleOptions) (any, error) {
	if !opts.EmitEvents {
		return nil, nil
	}
	steps := []HandlerFunc{
		func(ctx *http.Context) (any, error) { return e.events.Emit(events.Response, ctx) },
	}
	if e.traceHandler != nil {
		steps = append(steps, HandlerFunc(e.traceHandler))
	}
	return chain.ChainAll(steps, ctx)
}

func (e *Engine) fail(ctx *http.Context, err error, opts HandleOptions) (any, error) {
	if opts.DeferErrors {
		return nil, err
	}
	ctx.SetError(err)
	return chain.AwaitMaybePromise(
		func(ctx *http.Context) (any, error) {
			if !opts.EmitEvents {
				return nil, nil
			}
			return e.events.Emit(events.Error, ctx)
		},
		ctx,
		func(any) (any, error) {
			return chain.AwaitMaybePromise(
				func(ctx *http.Context) (any, error) { return e.errorHandler(err, ctx) },
				ctx,
				func(body any) (any, error) {
					if body == nil || chain.IsStop(body) {
						return nil, nil
					}
					if err := e.setResponseBody(ctx, body, false); err != nil {
						return nil, err
					}
					ctx.End()
					return body, nil
				},
				nil,
			)
		},
		nil,
	)
}

// defaultErrorHandler answers with the error's status (500 when it has
// none) and its JSON form.
func (e *Engine) defaultErrorHandler(err error, ctx *http.Context) (any, error) {
	status := http.StatusCode(err)
	if status >= 500 {
		e.log.Error("request failed",
			zap.String("method", ctx.Method()),
			zap.String("path", ctx.Path()),
			zap.Int("status", status),
			zap.Error(err))
	}
	ctx.Status(status)
	return nil, ctx.JSONUnchecked(http.ErrorBody(err))
}

// setResponseBody coerces a value returned by the stack: strings become
// text, byte slices and readers are sent as they are, structured values
// become JSON and other scalars are written as text by the adapter. Error
// bodies skip the response schema.
func (e *Engine) setResponseBody(ctx *http.Context, body any, checked bool) error {
	switch b := body.(type) {
	case string:
		ctx.Text(b)
		return nil
	case []byte, io.Reader:
		ctx.Set().Body = b
		return nil
	}
	if chain.IsStop(body) {
		return nil
	}
	switch reflect.ValueOf(body).Kind() {
	case reflect.Struct, reflect.Map, reflect.Slice, reflect.Array, reflect.Pointer, reflect.Interface:
		if !checked {
			return ctx.JSONUnchecked(body)
		}
		return ctx.JSON(body)
	}
	ctx.Set().Body = body
	return nil
}
