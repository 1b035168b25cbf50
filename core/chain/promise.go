package chain

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
)

// ErrNilPromise is returned when waiting on a nil promise.
var ErrNilPromise = errors.New("chain: nil promise")

// PanicError wraps a value recovered from a panicking step.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}

// Unwrap exposes the panic value when it is an error.
func (e *PanicError) Unwrap() error {
	if err, ok := e.Value.(error); ok {
		return err
	}
	return nil
}

// Promise is the deferred outcome of a step. It settles exactly once,
// either with a value or with an error.
type Promise struct {
	done  chan struct{}
	value any
	err   error
}

func newPromise() *Promise {
	return &Promise{done: make(chan struct{})}
}

// Go runs fn on its own goroutine and returns a promise for its outcome.
// A panic inside fn rejects the promise with a *PanicError.
func Go(fn func() (any, error)) *Promise {
	p := newPromise()
	go func() {
		p.settle(flatten(call0(fn)))
	}()
	return p
}

// Resolve returns an already fulfilled promise.
func Resolve(v any) *Promise {
	p := newPromise()
	p.settle(flatten(v, nil))
	return p
}

// Reject returns an already rejected promise.
func Reject(err error) *Promise {
	p := newPromise()
	p.settle(nil, err)
	return p
}

func (p *Promise) settle(v any, err error) {
	p.value, p.err = v, err
	close(p.done)
}

// Done is closed once the promise has settled.
func (p *Promise) Done() <-chan struct{} {
	return p.done
}

// Wait blocks until the promise settles.
func (p *Promise) Wait() (any, error) {
	if p == nil {
		return nil, ErrNilPromise
	}
	<-p.done
	return p.value, p.err
}

// Await is Wait bounded by ctx.
func (p *Promise) Await(ctx context.Context) (any, error) {
	if p == nil {
		return nil, ErrNilPromise
	}
	select {
	case <-p.done:
		return p.value, p.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Settled reports whether the promise has an outcome yet.
func (p *Promise) Settled() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

// Then returns a promise for the continuation of p. Exactly one
// continuation runs: onResolved when p fulfills, onError when p rejects.
// An error from onResolved rejects the returned promise. Nil continuations
// pass values and errors through unchanged.
func (p *Promise) Then(onResolved func(any) (any, error), onError func(error) (any, error)) *Promise {
	return Go(func() (any, error) {
		v, err := p.Wait()
		if err != nil {
			if onError == nil {
				return nil, err
			}
			return flatten(onError(err))
		}
		if onResolved == nil {
			return v, nil
		}
		return flatten(call1(onResolved, v))
	})
}

// Wait resolves a maybe-promise result: a *Promise value is awaited, any
// other value is returned as is.
func Wait(v any, err error) (any, error) {
	if err != nil {
		return nil, err
	}
	if p, ok := v.(*Promise); ok {
		return p.Wait()
	}
	return v, nil
}

// flatten adopts the outcome of a promise returned as a value.
func flatten(v any, err error) (any, error) {
	for err == nil {
		p, ok := v.(*Promise)
		if !ok {
			break
		}
		v, err = p.Wait()
	}
	return v, err
}

func call0(fn func() (any, error)) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn()
}

func call1(fn func(any) (any, error), in any) (v any, err error) {
	defer func() {
		if r := recover(); r != nil {
			v, err = nil, &PanicError{Value: r, Stack: debug.Stack()}
		}
	}()
	return fn(in)
}
