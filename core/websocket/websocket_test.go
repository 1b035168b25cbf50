package websocket

import (
	"errors"
	"net"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/searchktools/exot/core/chain"
	"github.com/searchktools/exot/core/http"
	"github.com/searchktools/exot/core/pubsub"
)

// serve upgrades every request with h and reports upgrade errors on errs.
func serve(t *testing.T, ps *pubsub.PubSub, h *Handler) (*httptest.Server, chan error) {
	t.Helper()
	u := NewUpgrader(nil, nil)
	errs := make(chan error, 4)
	srv := httptest.NewServer(nethttp.HandlerFunc(func(w nethttp.ResponseWriter, r *nethttp.Request) {
		ctx := http.NewContext(http.ContextInit{Writer: w, Request: r, PubSub: ps})
		if _, err := chain.Wait(u.Upgrade(ctx, h)); err != nil {
			errs <- err
			w.WriteHeader(http.StatusCode(err))
		}
	}))
	t.Cleanup(srv.Close)
	return srv, errs
}

func dial(t *testing.T, srv *httptest.Server) *gws.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func read(t *testing.T, conn *gws.Conn) string {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	return string(data)
}

func TestEcho(t *testing.T) {
	opened := make(chan any, 1)
	srv, _ := serve(t, pubsub.New(), &Handler{
		BeforeUpgrade: func(ctx *http.Context) (any, error) {
			return ctx.Query().Get("user"), nil
		},
		Open: func(ws *Socket, _ *http.Context) { opened <- ws.Data },
		Message: func(ws *Socket, data []byte, _ *http.Context) {
			_ = ws.SendText("echo: " + string(data))
		},
	})

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "?user=ada"
	conn, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	assert.Equal(t, "ada", <-opened)
	require.NoError(t, conn.WriteMessage(gws.TextMessage, []byte("hi")))
	assert.Equal(t, "echo: hi", read(t, conn))
}

func TestAsyncBeforeUpgrade(t *testing.T) {
	opened := make(chan any, 1)
	srv, _ := serve(t, pubsub.New(), &Handler{
		BeforeUpgrade: func(*http.Context) (any, error) {
			return chain.Go(func() (any, error) { return "later", nil }), nil
		},
		Open: func(ws *Socket, _ *http.Context) { opened <- ws.Data },
	})
	dial(t, srv)
	assert.Equal(t, "later", <-opened)
}

func TestPubSubBetweenSockets(t *testing.T) {
	ps := pubsub.New()
	subscribed := make(chan struct{}, 2)
	srv, _ := serve(t, ps, &Handler{
		Open: func(ws *Socket, _ *http.Context) {
			assert.NoError(t, ws.Subscribe("room.*"))
			subscribed <- struct{}{}
		},
		Message: func(ws *Socket, data []byte, _ *http.Context) {
			_, _ = ws.Publish("room.1", data)
		},
	})

	a := dial(t, srv)
	b := dial(t, srv)
	<-subscribed
	<-subscribed

	require.NoError(t, a.WriteMessage(gws.TextMessage, []byte("hello room")))
	assert.Equal(t, "hello room", read(t, a))
	assert.Equal(t, "hello room", read(t, b))
}

func TestCloseUnsubscribesEverything(t *testing.T) {
	ps := pubsub.New()
	opened := make(chan *Socket, 1)
	closed := make(chan struct{})
	srv, _ := serve(t, ps, &Handler{
		Open: func(ws *Socket, _ *http.Context) {
			assert.NoError(t, ws.Subscribe("a"))
			assert.NoError(t, ws.Subscribe("b.*"))
			opened <- ws
		},
		Close: func(*Socket, *http.Context) { close(closed) },
	})

	conn := dial(t, srv)
	ws := <-opened
	assert.ElementsMatch(t, []string{"a", "b.*"}, ws.Topics())

	require.NoError(t, conn.WriteMessage(gws.CloseMessage, gws.FormatCloseMessage(gws.CloseNormalClosure, "")))
	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close hook not called")
	}
	assert.Empty(t, ws.Topics())
	n, err := ps.Publish("a", "x")
	require.NoError(t, err)
	assert.Zero(t, n)
	assert.ErrorIs(t, ws.SendText("late"), ErrClosed)
}

func TestServerClose(t *testing.T) {
	srv, _ := serve(t, pubsub.New(), &Handler{
		Open: func(ws *Socket, _ *http.Context) {
			_ = ws.SendText("bye")
			_ = ws.Close()
		},
	})
	conn := dial(t, srv)
	assert.Equal(t, "bye", read(t, conn))

	require.NoError(t, conn.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err := conn.ReadMessage()
	assert.True(t, gws.IsCloseError(err, gws.CloseNormalClosure), "got %v", err)
}

func TestUpgradeFailures(t *testing.T) {
	u := NewUpgrader(nil, nil)

	t.Run("not an upgrade request", func(t *testing.T) {
		r := httptest.NewRequest(nethttp.MethodGet, "/ws", nil)
		ctx := http.NewContext(http.ContextInit{Writer: httptest.NewRecorder(), Request: r})
		_, err := u.Upgrade(ctx, &Handler{})
		var ue *http.UpgradeError
		require.ErrorAs(t, err, &ue)
		assert.Equal(t, nethttp.StatusBadRequest, ue.StatusCode())
		assert.False(t, ctx.Upgraded())
	})

	t.Run("before upgrade rejects", func(t *testing.T) {
		r := httptest.NewRequest(nethttp.MethodGet, "/ws", nil)
		r.Header.Set("Connection", "Upgrade")
		r.Header.Set("Upgrade", "websocket")
		ctx := http.NewContext(http.ContextInit{Writer: httptest.NewRecorder(), Request: r})
		denied := errors.New("denied")
		_, err := u.Upgrade(ctx, &Handler{
			BeforeUpgrade: func(*http.Context) (any, error) { return nil, denied },
		})
		var ue *http.UpgradeError
		require.ErrorAs(t, err, &ue)
		assert.Equal(t, nethttp.StatusInternalServerError, ue.StatusCode())
		assert.ErrorIs(t, err, denied)
	})

	t.Run("dial without handshake", func(t *testing.T) {
		srv, errs := serve(t, pubsub.New(), &Handler{})
		resp, err := nethttp.Get(srv.URL)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, nethttp.StatusBadRequest, resp.StatusCode)
		assert.Error(t, <-errs)
	})
}

type fakeConn struct {
	mu      sync.Mutex
	written []string
	closed  chan struct{}
	once    sync.Once
}

func newFakeConn() *fakeConn { return &fakeConn{closed: make(chan struct{})} }

func (c *fakeConn) ReadMessage() (int, []byte, error) {
	<-c.closed
	return 0, nil, &gws.CloseError{Code: gws.CloseNormalClosure}
}

func (c *fakeConn) WriteMessage(_ int, data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.written = append(c.written, string(data))
	return nil
}

func (c *fakeConn) WriteControl(int, []byte, time.Time) error { return nil }
func (c *fakeConn) SetReadLimit(int64)                        {}
func (c *fakeConn) SetReadDeadline(time.Time) error           { return nil }
func (c *fakeConn) SetWriteDeadline(time.Time) error          { return nil }
func (c *fakeConn) SetPongHandler(func(string) error)         {}
func (c *fakeConn) RemoteAddr() net.Addr                      { return nil }

func (c *fakeConn) Close() error {
	c.once.Do(func() { close(c.closed) })
	return nil
}

func (c *fakeConn) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.written)
}

func TestDrainAfterBackpressure(t *testing.T) {
	drained := make(chan struct{}, 1)
	conn := newFakeConn()
	ws := NewSocket(conn, &Handler{
		Drain: func(*Socket, *http.Context) { drained <- struct{}{} },
	}, nil, nil, nil)

	for i := 0; i < sendBuffer; i++ {
		require.NoError(t, ws.SendText("x"))
	}
	assert.ErrorIs(t, ws.SendText("overflow"), ErrBackpressure)

	done := make(chan struct{})
	go func() {
		ws.Serve()
		close(done)
	}()
	select {
	case <-drained:
	case <-time.After(2 * time.Second):
		t.Fatal("drain hook not called")
	}
	assert.Equal(t, sendBuffer, conn.count())

	require.NoError(t, ws.Close())
	<-done
	assert.ErrorIs(t, ws.SendText("late"), ErrClosed)
	_, err := ws.Publish("t", "x")
	assert.ErrorIs(t, err, ErrNoPubSub)
}
