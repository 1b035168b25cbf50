package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/exot/core/chain"
)

type payload struct {
	seen []string
}

func record(name string) chain.Func[*payload] {
	return func(p *payload) (any, error) {
		p.seen = append(p.seen, name)
		return "ignored", nil
	}
}

func TestEmitRunsAllListeners(t *testing.T) {
	b := New[*payload]("root", nil)
	b.On(Request, record("a"))
	b.On(Request, record("b"))
	b.On(Response, record("other"))

	p := &payload{}
	v, err := b.Emit(Request, p)
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, []string{"a", "b"}, p.seen)
}

func TestOff(t *testing.T) {
	b := New[*payload]("", nil)
	off := b.On(Request, record("a"))
	b.On(Request, record("b"))
	off()
	off()

	p := &payload{}
	_, err := b.Emit(Request, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"b"}, p.seen)
	assert.Equal(t, 1, b.Listeners(Request))
}

func TestForwardingOrder(t *testing.T) {
	child := New[*payload]("child", nil)
	parent := New[*payload]("parent", nil)
	root := New[*payload]("root", nil)
	child.ForwardTo(parent)
	parent.ForwardTo(root)

	child.On(Route, record("child-1"))
	parent.On(Route, record("parent"))
	root.On(Route, record("root"))
	child.On(Route, record("child-2"))

	p := &payload{}
	_, err := child.Emit(Route, p)
	require.NoError(t, err)
	assert.Equal(t, []string{"child-1", "child-2", "parent", "root"}, p.seen)
}

func TestAsyncListener(t *testing.T) {
	b := New[*payload]("", nil)
	b.On(Response, func(p *payload) (any, error) {
		return chain.Go(func() (any, error) {
			p.seen = append(p.seen, "async")
			return nil, nil
		}), nil
	})
	b.On(Response, record("sync"))

	p := &payload{}
	v, err := chain.Wait(b.Emit(Response, p))
	require.NoError(t, err)
	assert.Nil(t, v)
	assert.Equal(t, []string{"async", "sync"}, p.seen)
}

func TestListenerErrorStopsEmission(t *testing.T) {
	boom := errors.New("boom")
	b := New[*payload]("", nil)
	b.On(Error, func(*payload) (any, error) { return nil, boom })
	b.On(Error, record("never"))

	p := &payload{}
	_, err := b.Emit(Error, p)
	assert.ErrorIs(t, err, boom)
	assert.Empty(t, p.seen)
}

func TestWrapper(t *testing.T) {
	var wrapped []string
	b := New[*payload]("", func(event string, fn chain.Func[*payload]) chain.Func[*payload] {
		wrapped = append(wrapped, event)
		return func(p *payload) (any, error) {
			p.seen = append(p.seen, "@on:"+event)
			return fn(p)
		}
	})
	b.On(Start, record("listener"))

	p := &payload{}
	_, err := b.Emit(Start, p)
	require.NoError(t, err)
	assert.Equal(t, []string{Start}, wrapped)
	assert.Equal(t, []string{"@on:start", "listener"}, p.seen)
}
