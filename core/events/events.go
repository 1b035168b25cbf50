// Package events is the lifecycle event bus of an engine. Buses form a
// broadcast tree: Emit runs local listeners in registration order, then
// every bus it forwards to.
package events

import (
	"sync"

	"github.com/searchktools/exot/core/chain"
)

// Event names.
const (
	Error     = "error"
	Publish   = "publish"
	Request   = "request"
	Response  = "response"
	Route     = "route"
	Start     = "start"
	Subscribe = "subscribe"
)

// Wrapper decorates a listener when it is registered, e.g. to trace it.
type Wrapper[T any] func(event string, fn chain.Func[T]) chain.Func[T]

// Bus holds listeners for one node of the tree. Listeners are usually
// registered before serving; On and Emit are nevertheless safe to call
// concurrently.
type Bus[T any] struct {
	Name string

	mu        sync.RWMutex
	listeners map[string][]*listener[T]
	forward   []*Bus[T]
	wrap      Wrapper[T]
}

type listener[T any] struct {
	fn chain.Func[T]
}

// New creates a bus; wrap may be nil.
func New[T any](name string, wrap Wrapper[T]) *Bus[T] {
	return &Bus[T]{Name: name, listeners: make(map[string][]*listener[T]), wrap: wrap}
}

// On adds a listener and returns a function removing it.
func (b *Bus[T]) On(event string, fn chain.Func[T]) (off func()) {
	if b.wrap != nil {
		fn = b.wrap(event, fn)
	}
	l := &listener[T]{fn: fn}
	b.mu.Lock()
	b.listeners[event] = append(b.listeners[event], l)
	b.mu.Unlock()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()
		ls := b.listeners[event]
		for i, x := range ls {
			if x == l {
				b.listeners[event] = append(ls[:i:i], ls[i+1:]...)
				return
			}
		}
	}
}

// ForwardTo makes every emit on b continue on target.
func (b *Bus[T]) ForwardTo(target *Bus[T]) {
	b.mu.Lock()
	b.forward = append(b.forward, target)
	b.mu.Unlock()
}

// Listeners reports how many local listeners event has.
func (b *Bus[T]) Listeners(event string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.listeners[event])
}

// Emit runs the local listeners of event, then the forwarded buses. Return
// values are ignored; the first error stops emission. The result is nil or
// a promise settling once every listener ran.
func (b *Bus[T]) Emit(event string, arg T) (any, error) {
	b.mu.RLock()
	ls := b.listeners[event]
	fwd := b.forward
	b.mu.RUnlock()

	if len(ls) == 0 && len(fwd) == 0 {
		return nil, nil
	}
	fns := make([]chain.Func[T], 0, len(ls)+len(fwd))
	for _, l := range ls {
		fns = append(fns, l.fn)
	}
	for _, target := range fwd {
		fns = append(fns, func(arg T) (any, error) {
			return target.Emit(event, arg)
		})
	}
	return chain.ChainAll(fns, arg)
}
