package core

import (
	"context"
	"fmt"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strconv"

	"go.uber.org/zap"

	"github.com/searchktools/exot/core/chain"
	"github.com/searchktools/exot/core/events"
	"github.com/searchktools/exot/core/http"
	"github.com/searchktools/exot/core/pools"
	"github.com/searchktools/exot/core/websocket"
)

// Adapter connects an engine to the network. The engine never touches
// sockets itself.
type Adapter interface {
	Mount(e *Engine)
	// Listen starts serving and returns the bound port.
	Listen(port int) (int, error)
	Close(ctx context.Context) error
	// Fetch runs a request through the adapter without a network.
	Fetch(req *nethttp.Request) (*nethttp.Response, error)
	UpgradeRequest(ctx *http.Context, h *websocket.Handler) (any, error)
}

// Adapter sets the adapter and mounts e on it.
func (e *Engine) Adapter(a Adapter) *Engine {
	e.adapter = a
	a.Mount(e)
	return e
}

func (e *Engine) currentAdapter() Adapter {
	for cur := e; cur != nil; cur = cur.parent {
		if cur.adapter != nil {
			return cur.adapter
		}
	}
	return nil
}

// Listen composes the engine, starts the adapter and emits the start event
// with the bound port.
func (e *Engine) Listen(port int) (int, error) {
	a := e.currentAdapter()
	if a == nil {
		return 0, ErrNoAdapter
	}
	e.prepare()
	bound, err := a.Listen(port)
	if err != nil {
		return 0, err
	}
	if _, err := chain.Wait(e.startEvents.Emit(events.Start, bound)); err != nil {
		return bound, err
	}
	return bound, nil
}

// Close stops the adapter.
func (e *Engine) Close(ctx context.Context) error {
	a := e.currentAdapter()
	if a == nil {
		return nil
	}
	return a.Close(ctx)
}

// Fetch answers req in memory, through the adapter when there is one.
func (e *Engine) Fetch(req *nethttp.Request) (*nethttp.Response, error) {
	e.prepare()
	if a := e.currentAdapter(); a != nil {
		return a.Fetch(req)
	}
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)
	return rec.Result(), nil
}

// ServeHTTP lets an engine serve as a plain net/http handler.
func (e *Engine) ServeHTTP(w nethttp.ResponseWriter, r *nethttp.Request) {
	e.prepare()
	ctx := e.Context(w, r)
	defer ctx.Destroy()

	if _, err := chain.Wait(e.Handle(ctx)); err != nil {
		// the error handler itself failed
		e.log.Error("unhandled error",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Error(err))
		if !ctx.Upgraded() {
			nethttp.Error(w, nethttp.StatusText(nethttp.StatusInternalServerError), nethttp.StatusInternalServerError)
		}
		return
	}
	e.WriteResponse(w, ctx)
}

// WriteResponse copies what ctx accumulated to w. Upgraded contexts are
// left alone.
func (e *Engine) WriteResponse(w nethttp.ResponseWriter, ctx *http.Context) {
	if ctx.Upgraded() {
		return
	}
	res := ctx.Set()
	header := w.Header()
	for k, v := range res.Headers {
		header[k] = v
	}
	status := res.Status
	if status == 0 {
		status = nethttp.StatusOK
	}

	var err error
	switch body := res.Body.(type) {
	case nil:
		w.WriteHeader(status)
	case []byte:
		header.Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(status)
		_, err = w.Write(body)
	case string:
		header.Set("Content-Length", strconv.Itoa(len(body)))
		w.WriteHeader(status)
		_, err = io.WriteString(w, body)
	case io.Reader:
		w.WriteHeader(status)
		err = copyFlushing(w, body)
		if c, ok := body.(io.Closer); ok {
			_ = c.Close()
		}
	default:
		w.WriteHeader(status)
		_, err = fmt.Fprint(w, body)
	}
	if err != nil {
		e.log.Debug("write response", zap.String("path", ctx.Path()), zap.Error(err))
	}
}

// copyFlushing streams r to w, flushing after every chunk so streamed
// bodies reach the client as they are produced.
func copyFlushing(w nethttp.ResponseWriter, r io.Reader) error {
	rc := nethttp.NewResponseController(w)
	bufp := pools.AcquireBuffer(pools.LargeBufferSize)
	defer pools.ReleaseBuffer(bufp)
	buf := (*bufp)[:cap(*bufp)]
	for {
		n, err := r.Read(buf)
		if n > 0 {
			if _, werr := w.Write(buf[:n]); werr != nil {
				return werr
			}
			_ = rc.Flush()
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}
