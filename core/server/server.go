// Package server is the net/http adapter of an engine. It owns the
// listener, the http.Server, HTTP/2 (h2 over TLS with ALPN, h2c in
// cleartext) and the WebSocket upgrader.
package server

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	nethttp "net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"github.com/searchktools/exot/core"
	"github.com/searchktools/exot/core/http"
	"github.com/searchktools/exot/core/websocket"
)

var (
	ErrNotMounted = errors.New("server: no engine mounted")
	ErrListening  = errors.New("server: already listening")
	ErrClosed     = errors.New("server: closed")
)

// Config contains the adapter configuration.
type Config struct {
	Host         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
	// H2C serves HTTP/2 without TLS.
	H2C bool
	// ReusePort sets SO_REUSEADDR and SO_REUSEPORT on the listener where
	// the platform has them.
	ReusePort            bool
	TLSConfig            *tls.Config
	MaxConcurrentStreams uint32
	MaxReadFrameSize     uint32
	// CheckOrigin filters WebSocket handshakes; nil accepts any origin.
	CheckOrigin func(r *nethttp.Request) bool
	Logger      *zap.Logger
}

// Adapter serves one engine over net/http.
type Adapter struct {
	cfg      Config
	log      *zap.Logger
	engine   *core.Engine
	upgrader *websocket.Upgrader
	h2       *http2.Server

	mu       sync.Mutex
	server   *nethttp.Server
	listener net.Listener
	sockets  map[*websocket.Socket]struct{}
	closed   bool
	serveErr chan error
}

// New creates an adapter. Pass it to Engine.Adapter.
func New(cfg Config) *Adapter {
	if cfg.MaxConcurrentStreams == 0 {
		cfg.MaxConcurrentStreams = 250
	}
	if cfg.MaxReadFrameSize == 0 {
		cfg.MaxReadFrameSize = 1 << 20
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = 120 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = zap.NewNop()
	}
	a := &Adapter{
		cfg:     cfg,
		log:     log,
		sockets: make(map[*websocket.Socket]struct{}),
		h2: &http2.Server{
			MaxConcurrentStreams: cfg.MaxConcurrentStreams,
			MaxReadFrameSize:     cfg.MaxReadFrameSize,
			IdleTimeout:          cfg.IdleTimeout,
		},
	}
	a.upgrader = websocket.NewUpgrader(log, cfg.CheckOrigin)
	a.upgrader.OnSocket = a.track
	return a
}

func (a *Adapter) Mount(e *core.Engine) { a.engine = e }

// Handler is the engine as a net/http handler, wrapped for h2c when
// configured.
func (a *Adapter) Handler() nethttp.Handler {
	var h nethttp.Handler = a.engine
	if a.cfg.H2C && a.cfg.TLSConfig == nil {
		h = h2c.NewHandler(h, a.h2)
	}
	return h
}

// Listen binds host:port and serves in the background. Port 0 picks a free
// port; the bound one is returned.
func (a *Adapter) Listen(port int) (int, error) {
	if a.engine == nil {
		return 0, ErrNotMounted
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return 0, ErrClosed
	}
	if a.server != nil {
		return 0, ErrListening
	}

	addr := net.JoinHostPort(a.cfg.Host, strconv.Itoa(port))
	ln, err := listenConfig(a.cfg.ReusePort).Listen(context.Background(), "tcp", addr)
	if err != nil {
		return 0, fmt.Errorf("server: listen %s: %w", addr, err)
	}

	srv := &nethttp.Server{
		Handler:      a.Handler(),
		ReadTimeout:  a.cfg.ReadTimeout,
		WriteTimeout: a.cfg.WriteTimeout,
		IdleTimeout:  a.cfg.IdleTimeout,
		ErrorLog:     zap.NewStdLog(a.log.Named("http")),
	}
	proto := "http/1.1"
	switch {
	case a.cfg.TLSConfig != nil:
		tlsConfig := a.cfg.TLSConfig.Clone()
		tlsConfig.NextProtos = []string{"h2", "http/1.1"}
		srv.TLSConfig = tlsConfig
		if err := http2.ConfigureServer(srv, a.h2); err != nil {
			_ = ln.Close()
			return 0, err
		}
		ln = tls.NewListener(ln, srv.TLSConfig)
		proto = "h2 (TLS with ALPN)"
	case a.cfg.H2C:
		proto = "h2c (cleartext)"
	}

	a.server = srv
	a.listener = ln
	a.serveErr = make(chan error, 1)
	go func() {
		err := srv.Serve(ln)
		if errors.Is(err, nethttp.ErrServerClosed) {
			err = nil
		}
		if err != nil {
			a.log.Error("serve", zap.Error(err))
		}
		a.serveErr <- err
	}()

	bound := ln.Addr().(*net.TCPAddr).Port
	a.log.Info("listening",
		zap.String("addr", ln.Addr().String()),
		zap.String("protocol", proto),
		zap.Bool("reuse_port", a.cfg.ReusePort))
	return bound, nil
}

// Addr is the bound address, or "" before Listen.
func (a *Adapter) Addr() string {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.listener == nil {
		return ""
	}
	return a.listener.Addr().String()
}

// Close shuts the server down gracefully and closes open sockets, which
// the http.Server does not track once hijacked.
func (a *Adapter) Close(ctx context.Context) error {
	a.mu.Lock()
	if a.closed {
		a.mu.Unlock()
		return nil
	}
	a.closed = true
	srv, serveErr := a.server, a.serveErr
	sockets := make([]*websocket.Socket, 0, len(a.sockets))
	for s := range a.sockets {
		sockets = append(sockets, s)
	}
	a.mu.Unlock()

	for _, s := range sockets {
		_ = s.Close()
	}
	if srv == nil {
		return nil
	}
	err := srv.Shutdown(ctx)
	if errors.Is(err, context.DeadlineExceeded) {
		err = errors.Join(err, srv.Close())
	}
	if err == nil {
		err = <-serveErr
	}
	a.log.Info("stopped", zap.Error(err))
	return err
}

// Fetch runs req through the handler in memory.
func (a *Adapter) Fetch(req *nethttp.Request) (*nethttp.Response, error) {
	if a.engine == nil {
		return nil, ErrNotMounted
	}
	rec := httptest.NewRecorder()
	a.engine.ServeHTTP(rec, req)
	return rec.Result(), nil
}

func (a *Adapter) UpgradeRequest(ctx *http.Context, h *websocket.Handler) (any, error) {
	return a.upgrader.Upgrade(ctx, h)
}

// Sockets reports the open WebSocket connections.
func (a *Adapter) Sockets() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.sockets)
}

func (a *Adapter) track(s *websocket.Socket) {
	a.mu.Lock()
	a.sockets[s] = struct{}{}
	a.mu.Unlock()
	go func() {
		<-s.Done()
		a.mu.Lock()
		delete(a.sockets, s)
		a.mu.Unlock()
	}()
}
