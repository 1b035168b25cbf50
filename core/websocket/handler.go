// Package websocket serves WebSocket routes: the hook descriptor a route
// registers, the upgrade step and the Socket wrapping an upgraded
// connection.
package websocket

import (
	"errors"
	nethttp "net/http"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/searchktools/exot/core/chain"
	"github.com/searchktools/exot/core/http"
)

// Handler is the set of optional hooks of a WebSocket route. BeforeUpgrade
// runs while the request is still plain HTTP; its result (which may be a
// *chain.Promise) becomes Socket.Data. An error from it answers the request
// with 500.
type Handler struct {
	BeforeUpgrade func(ctx *http.Context) (any, error)
	Open          func(ws *Socket, ctx *http.Context)
	Message       func(ws *Socket, data []byte, ctx *http.Context)
	Close         func(ws *Socket, ctx *http.Context)
	Error         func(ws *Socket, err error, ctx *http.Context)
	Drain         func(ws *Socket, ctx *http.Context)
}

const upgradeFailed = "Request upgrade failed"

// Upgrader performs handshakes for an adapter.
type Upgrader struct {
	upgrader gws.Upgrader
	log      *zap.Logger

	// OnSocket, when set, is told about every socket before it is served.
	OnSocket func(*Socket)
}

// NewUpgrader creates an upgrader accepting any origin; checkOrigin may
// restrict that.
func NewUpgrader(log *zap.Logger, checkOrigin func(r *nethttp.Request) bool) *Upgrader {
	if log == nil {
		log = zap.NewNop()
	}
	if checkOrigin == nil {
		checkOrigin = func(*nethttp.Request) bool { return true }
	}
	return &Upgrader{
		log: log,
		upgrader: gws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     checkOrigin,
			// failures are answered by the engine's error handler
			Error: func(nethttp.ResponseWriter, *nethttp.Request, int, error) {},
		},
	}
}

// Upgrade runs BeforeUpgrade, completes the handshake and serves the socket
// on its own goroutine. It returns chain.Stop once the connection is
// hijacked, or a promise for that when BeforeUpgrade is asynchronous.
func (u *Upgrader) Upgrade(ctx *http.Context, h *Handler) (any, error) {
	if !gws.IsWebSocketUpgrade(ctx.Request().Request) {
		return nil, http.NewUpgradeError(nethttp.StatusBadRequest, upgradeFailed, nil)
	}
	return chain.AwaitMaybePromise(
		func(c *http.Context) (any, error) {
			if h.BeforeUpgrade == nil {
				return nil, nil
			}
			return h.BeforeUpgrade(c)
		},
		ctx,
		func(data any) (any, error) {
			return u.accept(ctx, h, data)
		},
		func(err error) (any, error) {
			var ue *http.UpgradeError
			if errors.As(err, &ue) {
				return nil, err
			}
			return nil, http.NewUpgradeError(nethttp.StatusInternalServerError, upgradeFailed, err)
		},
	)
}

func (u *Upgrader) accept(ctx *http.Context, h *Handler, data any) (any, error) {
	conn, err := u.upgrader.Upgrade(ctx.ResponseWriter(), ctx.Request().Request, nil)
	if err != nil {
		return nil, http.NewUpgradeError(nethttp.StatusBadRequest, upgradeFailed, err)
	}
	ctx.MarkUpgraded()

	s := NewSocket(conn, h, ctx, data, u.log)
	u.log.Debug("websocket open",
		zap.String("socket", s.ID()),
		zap.String("path", ctx.Path()),
		zap.String("remote", s.RemoteAddr()))
	if u.OnSocket != nil {
		u.OnSocket(s)
	}
	go s.Serve()
	return chain.Stop, nil
}
