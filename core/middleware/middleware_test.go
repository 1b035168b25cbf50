package middleware

import (
	"errors"
	"io"
	nethttp "net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/searchktools/exot/core"
	"github.com/searchktools/exot/core/chain"
	"github.com/searchktools/exot/core/http"
)

func do(t *testing.T, e *core.Engine, req *nethttp.Request) (*nethttp.Response, string) {
	t.Helper()
	res, err := e.Fetch(req)
	require.NoError(t, err)
	defer res.Body.Close()
	b, err := io.ReadAll(res.Body)
	require.NoError(t, err)
	return res, string(b)
}

func TestPipelineOrder(t *testing.T) {
	var order []int
	step := func(n int) core.HandlerFunc {
		return func(*http.Context) (any, error) {
			order = append(order, n)
			return nil, nil
		}
	}
	p := NewPipeline(step(1), step(2)).Use(step(3))
	assert.Equal(t, 3, p.Len())

	e := core.New()
	e.Use(p.Handler())
	e.GET("/", func(*http.Context) any {
		order = append(order, 4)
		return "ok"
	})
	do(t, e, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, []int{1, 2, 3, 4}, order)
}

func TestPipelineAbort(t *testing.T) {
	var second, final bool
	p := NewPipeline(
		func(ctx *http.Context) (any, error) {
			ctx.Status(401)
			return "denied", nil
		},
		func(*http.Context) (any, error) {
			second = true
			return nil, nil
		},
	)
	e := core.New()
	e.Use(p.Handler())
	e.GET("/", func(*http.Context) { final = true })

	res, body := do(t, e, httptest.NewRequest("GET", "/", nil))
	assert.Equal(t, 401, res.StatusCode)
	assert.Equal(t, "denied", body)
	assert.False(t, second)
	assert.False(t, final)
}

func TestPipelineEmpty(t *testing.T) {
	v, err := NewPipeline().Handler()(nil)
	assert.NoError(t, err)
	assert.Nil(t, v)
}

func TestCORS(t *testing.T) {
	e := core.New()
	e.Use(CORS(CORSOptions{Methods: []string{"GET", "POST"}, Credentials: true}))
	e.GET("/", func(*http.Context) any { return "ok" })

	req := httptest.NewRequest("OPTIONS", "/", nil)
	req.Header.Set("Origin", "https://example.com")
	res, body := do(t, e, req)
	assert.Equal(t, 204, res.StatusCode)
	assert.Empty(t, body)
	assert.Equal(t, "https://example.com", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "Origin", res.Header.Get("Vary"))
	assert.Equal(t, "GET, POST", res.Header.Get("Access-Control-Allow-Methods"))
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Headers"))
	assert.Equal(t, "true", res.Header.Get("Access-Control-Allow-Credentials"))
	assert.Equal(t, "600", res.Header.Get("Access-Control-Max-Age"))

	req = httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://example.com")
	res, body = do(t, e, req)
	assert.Equal(t, "ok", body)
	assert.Equal(t, "*", res.Header.Get("Access-Control-Expose-Headers"))

	res, _ = do(t, e, httptest.NewRequest("GET", "/", nil))
	assert.Empty(t, res.Header.Get("Access-Control-Allow-Origin"))
}

func TestCORSOriginList(t *testing.T) {
	e := core.New()
	e.Use(CORS(CORSOptions{Origins: []string{"https://a.test"}, MaxAge: -1}))
	e.GET("/", func(*http.Context) any { return "ok" })

	for origin, allowed := range map[string]string{"https://a.test": "https://a.test", "https://b.test": ""} {
		req := httptest.NewRequest("OPTIONS", "/", nil)
		req.Header.Set("Origin", origin)
		res, _ := do(t, e, req)
		assert.Equal(t, allowed, res.Header.Get("Access-Control-Allow-Origin"), origin)
		assert.Empty(t, res.Header.Get("Access-Control-Max-Age"))
	}

	e = core.New()
	e.Use(CORS(CORSOptions{Origins: []string{"*"}}))
	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set("Origin", "https://x.test")
	res, _ := do(t, e, req)
	assert.Equal(t, "*", res.Header.Get("Access-Control-Allow-Origin"))
	assert.Equal(t, "*", res.Header.Get("Vary"))
}

func TestServerTiming(t *testing.T) {
	e := core.New(core.Options{Tracing: true})
	e.Use(ServerTiming(false))
	e.GET("/", func(ctx *http.Context) (any, error) {
		return ctx.Trace(func() (any, error) {
			time.Sleep(time.Millisecond)
			return "ok", nil
		}, "db", "users query")
	})

	res, _ := do(t, e, httptest.NewRequest("GET", "/", nil))
	timings := res.Header.Values("Server-Timing")
	require.Len(t, timings, 1)
	assert.True(t, strings.HasPrefix(timings[0], `db;desc="users query";dur=`), timings[0])

	e = core.New(core.Options{Tracing: true})
	e.Use(ServerTiming(true))
	e.GET("/", func(*http.Context) any { return "ok" })
	res, _ = do(t, e, httptest.NewRequest("GET", "/", nil))
	joined := strings.Join(res.Header.Values("Server-Timing"), ",")
	assert.Contains(t, joined, "_router_find")
}

func TestRateLimit(t *testing.T) {
	rl := NewRateLimiter(RateLimitOptions{Rate: 1, Burst: 2, Key: func(ctx *http.Context) string {
		return ctx.Header("X-Client")
	}})
	e := core.New()
	e.Use(rl.Handler())
	e.GET("/", func(*http.Context) any { return "ok" })

	request := func(client string) *nethttp.Response {
		req := httptest.NewRequest("GET", "/", nil)
		req.Header.Set("X-Client", client)
		res, _ := do(t, e, req)
		return res
	}
	assert.Equal(t, 200, request("a").StatusCode)
	assert.Equal(t, 200, request("a").StatusCode)
	limited := request("a")
	assert.Equal(t, 429, limited.StatusCode)
	assert.Equal(t, "1", limited.Header.Get("Retry-After"))

	assert.Equal(t, 200, request("b").StatusCode)
	assert.Equal(t, 2, rl.Keys())
}

func TestRateLimitDefaultBurst(t *testing.T) {
	rl := NewRateLimiter(RateLimitOptions{Rate: 2.5})
	for i := range 3 {
		ok, _ := rl.Allow("k")
		require.True(t, ok, "request %d", i)
	}
	ok, wait := rl.Allow("k")
	assert.False(t, ok)
	assert.Positive(t, wait)
}

func TestRateLimitRefill(t *testing.T) {
	rl := NewRateLimiter(RateLimitOptions{Rate: 20, Burst: 1})
	ok, _ := rl.Allow("k")
	require.True(t, ok)
	ok, wait := rl.Allow("k")
	require.False(t, ok)
	assert.Positive(t, wait)
	time.Sleep(wait + 10*time.Millisecond)
	ok, _ = rl.Allow("k")
	assert.True(t, ok)
}

func TestRequestID(t *testing.T) {
	e := core.New()
	e.Use(RequestID())
	e.GET("/", func(ctx *http.Context) any { return ctx.Store[RequestIDKey] })

	res, body := do(t, e, httptest.NewRequest("GET", "/", nil))
	assert.Len(t, body, 36)
	assert.Equal(t, body, res.Header.Get(RequestIDHeader))

	req := httptest.NewRequest("GET", "/", nil)
	req.Header.Set(RequestIDHeader, "abc")
	_, body = do(t, e, req)
	assert.Equal(t, "abc", body)
}

func TestLoggerAndRecovery(t *testing.T) {
	zc, logs := observer.New(zapcore.DebugLevel)
	log := zap.New(zc)

	e := core.New()
	e.Use(RequestID())
	e.Use(Logger(log))
	e.Use(Recovery(log))
	e.GET("/ok", func(*http.Context) any { return "ok" })
	e.GET("/panic", func(*http.Context) any { panic(errors.New("kaboom")) })
	e.GET("/async", func(*http.Context) (any, error) {
		return chain.Go(func() (any, error) { return "later", nil }), nil
	})

	do(t, e, httptest.NewRequest("GET", "/ok", nil))
	do(t, e, httptest.NewRequest("GET", "/async", nil))
	res, _ := do(t, e, httptest.NewRequest("GET", "/panic", nil))
	assert.Equal(t, 500, res.StatusCode)

	requests := logs.FilterMessage("request").All()
	require.Len(t, requests, 3)
	assert.Equal(t, zapcore.InfoLevel, requests[0].Level)
	assert.Equal(t, "/ok", requests[0].ContextMap()["path"])
	assert.Equal(t, "/ok", requests[0].ContextMap()["route"])
	assert.NotEmpty(t, requests[0].ContextMap()["request_id"])
	assert.Equal(t, zapcore.ErrorLevel, requests[2].Level)

	panics := logs.FilterMessage("panic recovered").All()
	require.Len(t, panics, 1)
	assert.Contains(t, panics[0].ContextMap()["stack"], "goroutine")
}
