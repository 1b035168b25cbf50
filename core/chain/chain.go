// Package chain runs ordered steps against a shared input, transparently
// mixing synchronous results with deferred ones.
//
// A step returns a value, an error, or a *Promise. Synchronous outcomes stay
// synchronous: a chain whose steps never return a promise finishes on the
// caller's goroutine without allocating one. The first promise turns the
// remainder of the chain into a promise.
package chain

import "runtime/debug"

// Func is a single step of a chain.
type Func[T any] func(input T) (any, error)

type stop struct{}

// Stop ends a terminating chain without producing a value. Handlers return
// it where they have nothing to say but later steps must not run.
var Stop any = stop{}

// IsStop reports whether v is the Stop sentinel.
func IsStop(v any) bool {
	_, ok := v.(stop)
	return ok
}

// AwaitMaybePromise invokes fn and routes its outcome to exactly one of the
// continuations. A synchronous outcome (value, error or panic) is delivered
// before AwaitMaybePromise returns; a promise outcome is delivered
// asynchronously and AwaitMaybePromise returns the promise for the
// continuation. A nil continuation passes its outcome through.
func AwaitMaybePromise[T any](fn Func[T], input T, onResolved func(any) (any, error), onError func(error) (any, error)) (any, error) {
	result, err := call(fn, input)
	if err != nil {
		if onError == nil {
			return nil, err
		}
		return onError(err)
	}
	if p, ok := result.(*Promise); ok {
		return p.Then(onResolved, onError), nil
	}
	if onResolved == nil {
		return result, nil
	}
	return onResolved(result)
}

// Chain runs fns in order against input. The first non-nil result ends the
// chain and becomes its result. An error ends the chain immediately.
func Chain[T any](fns []Func[T], input T) (any, error) {
	return run(fns, input, 0, true)
}

// ChainFrom is Chain starting at index i.
func ChainFrom[T any](fns []Func[T], input T, i int, terminateOnReturn bool) (any, error) {
	return run(fns, input, i, terminateOnReturn)
}

// ChainAll runs every step regardless of results. Its result is always nil
// (or a promise resolving to nil); errors still stop it.
func ChainAll[T any](fns []Func[T], input T) (any, error) {
	return run(fns, input, 0, false)
}

func run[T any](fns []Func[T], input T, i int, terminateOnReturn bool) (any, error) {
	for ; i < len(fns); i++ {
		result, err := call(fns[i], input)
		if err != nil {
			return nil, err
		}
		if p, ok := result.(*Promise); ok {
			next := i + 1
			return p.Then(func(v any) (any, error) {
				if terminateOnReturn && v != nil {
					return v, nil
				}
				return run(fns, input, next, terminateOnReturn)
			}, nil), nil
		}
		if terminateOnReturn && result != nil {
			return result, nil
		}
	}
	return nil, nil
}

func call[T any](fn Func[T], input T) (v any, err error) {
	if fn == nil {
		return nil, nil
	}
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(input)
}
