package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"net"
	nethttp "net/http"
	"net/http/httptest"
	"runtime"
	"strings"
	"testing"
	"time"

	gws "github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/net/http2"

	"github.com/searchktools/exot/core"
	"github.com/searchktools/exot/core/http"
	"github.com/searchktools/exot/core/websocket"
)

func start(t *testing.T, cfg Config, setup func(e *core.Engine)) (*core.Engine, *Adapter, int) {
	t.Helper()
	cfg.Host = "127.0.0.1"
	e := core.New()
	setup(e)
	a := New(cfg)
	e.Adapter(a)
	port, err := e.Listen(0)
	require.NoError(t, err)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e, a, port
}

func get(t *testing.T, client *nethttp.Client, url string) (*nethttp.Response, string) {
	t.Helper()
	res, err := client.Get(url)
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(b)
}

func TestListen(t *testing.T) {
	var started int
	_, a, port := start(t, Config{}, func(e *core.Engine) {
		e.GET("/hello/:name", func(ctx *http.Context) any { return "hello " + ctx.Param("name") })
		e.OnStart(func(p int) (any, error) {
			started = p
			return nil, nil
		})
	})
	assert.NotZero(t, port)
	assert.Equal(t, port, started)
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", port), a.Addr())

	res, body := get(t, nethttp.DefaultClient, fmt.Sprintf("http://127.0.0.1:%d/hello/ada", port))
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "hello ada", body)

	res, _ = get(t, nethttp.DefaultClient, fmt.Sprintf("http://127.0.0.1:%d/nope", port))
	assert.Equal(t, 404, res.StatusCode)

	_, err := a.Listen(0)
	assert.ErrorIs(t, err, ErrListening)
}

func TestFetch(t *testing.T) {
	e := core.New()
	e.POST("/echo", func(ctx *http.Context) (any, error) { return ctx.ReadText() })

	_, err := New(Config{}).Fetch(httptest.NewRequest("GET", "/", nil))
	assert.ErrorIs(t, err, ErrNotMounted)

	e.Adapter(New(Config{}))
	res, err := e.Fetch(httptest.NewRequest("POST", "/echo", strings.NewReader("ping")))
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	assert.Equal(t, 200, res.StatusCode)
	assert.Equal(t, "ping", string(b))
}

func TestH2C(t *testing.T) {
	_, _, port := start(t, Config{H2C: true}, func(e *core.Engine) {
		e.GET("/proto", func(ctx *http.Context) any { return ctx.Request().Proto })
	})
	client := &nethttp.Client{Transport: &http2.Transport{
		AllowHTTP: true,
		DialTLSContext: func(ctx context.Context, network, addr string, _ *tls.Config) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, network, addr)
		},
	}}
	res, body := get(t, client, fmt.Sprintf("http://127.0.0.1:%d/proto", port))
	assert.Equal(t, 2, res.ProtoMajor)
	assert.Equal(t, "HTTP/2.0", body)
}

func TestReusePort(t *testing.T) {
	if runtime.GOOS != "linux" {
		t.Skip("SO_REUSEPORT load balancing is linux specific")
	}
	_, _, port := start(t, Config{ReusePort: true}, func(e *core.Engine) {})

	e := core.New()
	a := New(Config{Host: "127.0.0.1", ReusePort: true})
	e.Adapter(a)
	second, err := e.Listen(port)
	require.NoError(t, err)
	assert.Equal(t, port, second)
	require.NoError(t, a.Close(context.Background()))
}

func TestWebSocket(t *testing.T) {
	e, a, port := start(t, Config{}, func(e *core.Engine) {
		e.WS("/chat/:room", &websocket.Handler{
			BeforeUpgrade: func(ctx *http.Context) (any, error) {
				return ctx.Param("room"), nil
			},
			Open: func(ws *websocket.Socket, ctx *http.Context) {
				_ = ws.Subscribe("room." + ws.Data.(string))
			},
			Message: func(ws *websocket.Socket, data []byte, ctx *http.Context) {
				_, _ = ws.Publish("room."+ws.Data.(string), string(data))
			},
		})
	})
	url := fmt.Sprintf("ws://127.0.0.1:%d/chat/go", port)

	alice, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer alice.Close()
	bob, _, err := gws.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer bob.Close()

	require.Eventually(t, func() bool {
		return a.Sockets() == 2 && e.PubSub.Stats().Subscribers == 2
	}, time.Second, 10*time.Millisecond)
	require.NoError(t, alice.WriteMessage(gws.TextMessage, []byte("hi")))

	for _, c := range []*gws.Conn{alice, bob} {
		require.NoError(t, c.SetReadDeadline(time.Now().Add(2*time.Second)))
		kind, msg, err := c.ReadMessage()
		require.NoError(t, err)
		assert.Equal(t, gws.TextMessage, kind)
		assert.Equal(t, "hi", string(msg))
	}

	require.NoError(t, a.Close(context.Background()))
	require.NoError(t, alice.SetReadDeadline(time.Now().Add(2*time.Second)))
	_, _, err = alice.ReadMessage()
	assert.True(t, gws.IsCloseError(err, gws.CloseNormalClosure), "%v", err)
	assert.Eventually(t, func() bool { return a.Sockets() == 0 }, time.Second, 10*time.Millisecond)
}

func TestWebSocketRejectsPlainRequests(t *testing.T) {
	_, _, port := start(t, Config{}, func(e *core.Engine) {
		e.WS("/ws", nil)
	})
	res, body := get(t, nethttp.DefaultClient, fmt.Sprintf("http://127.0.0.1:%d/ws", port))
	assert.Equal(t, 400, res.StatusCode)
	assert.JSONEq(t, `{"error":"Request upgrade failed","statusCode":400}`, body)
}

func TestCloseBeforeListen(t *testing.T) {
	a := New(Config{})
	core.New().Adapter(a)
	require.NoError(t, a.Close(context.Background()))
	_, err := a.Listen(0)
	assert.ErrorIs(t, err, ErrClosed)
}
