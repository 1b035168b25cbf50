package websocket

import (
	"encoding/json"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"time"
	"unicode/utf8"

	gws "github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/searchktools/exot/core/http"
	"github.com/searchktools/exot/core/pubsub"
)

const (
	writeWait      = 10 * time.Second
	pongWait       = 60 * time.Second
	pingPeriod     = pongWait * 9 / 10
	sendBuffer     = 256
	maxMessageSize = 1 << 20
)

var (
	ErrClosed       = errors.New("websocket: connection closed")
	ErrBackpressure = errors.New("websocket: send buffer full")
	ErrNoPubSub     = errors.New("websocket: no pubsub registry")
)

// Conn is the part of *websocket.Conn a Socket drives.
type Conn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
	RemoteAddr() net.Addr
	Close() error
}

type frame struct {
	kind int
	data []byte
}

// Socket is one upgraded connection. Writes are queued and flushed by a
// dedicated goroutine; hooks run on the reader goroutine, except Drain which
// runs on the writer.
type Socket struct {
	// Data is what BeforeUpgrade resolved to.
	Data any

	conn    Conn
	ctx     *http.Context
	handler *Handler
	log     *zap.Logger
	sub     *pubsub.Subscriber
	ps      *pubsub.PubSub

	send      chan frame
	done      chan struct{}
	closeOnce sync.Once
	closed    atomic.Bool
	pressured atomic.Bool
}

// NewSocket wraps conn. Call Serve to start it.
func NewSocket(conn Conn, h *Handler, ctx *http.Context, data any, log *zap.Logger) *Socket {
	if h == nil {
		h = &Handler{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	s := &Socket{
		Data:    data,
		conn:    conn,
		ctx:     ctx,
		handler: h,
		log:     log,
		send:    make(chan frame, sendBuffer),
		done:    make(chan struct{}),
	}
	if ctx != nil {
		s.ps = ctx.PubSub
	}
	s.sub = pubsub.NewSubscriber(func(_ string, data []byte) error {
		if data == nil {
			return nil
		}
		kind := gws.TextMessage
		if !utf8.Valid(data) {
			kind = gws.BinaryMessage
		}
		return s.enqueue(frame{kind: kind, data: data})
	})
	return s
}

// ID identifies the socket and its pubsub subscriber.
func (s *Socket) ID() string                     { return s.sub.ID }
func (s *Socket) Context() *http.Context         { return s.ctx }
func (s *Socket) Subscriber() *pubsub.Subscriber { return s.sub }
func (s *Socket) Done() <-chan struct{}          { return s.done }

func (s *Socket) RemoteAddr() string {
	if addr := s.conn.RemoteAddr(); addr != nil {
		return addr.String()
	}
	return ""
}

// Send queues a binary message.
func (s *Socket) Send(data []byte) error {
	return s.enqueue(frame{kind: gws.BinaryMessage, data: data})
}

// SendText queues a text message.
func (s *Socket) SendText(text string) error {
	return s.enqueue(frame{kind: gws.TextMessage, data: []byte(text)})
}

// SendJSON queues v encoded as a JSON text message.
func (s *Socket) SendJSON(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return s.enqueue(frame{kind: gws.TextMessage, data: data})
}

func (s *Socket) enqueue(f frame) error {
	if s.closed.Load() {
		return ErrClosed
	}
	select {
	case s.send <- f:
		return nil
	default:
		s.pressured.Store(true)
		return ErrBackpressure
	}
}

// Publish sends data to every subscriber of topic, this socket included.
func (s *Socket) Publish(topic string, data any) (int, error) {
	if s.ps == nil {
		return 0, ErrNoPubSub
	}
	return s.ps.Publish(topic, data)
}

func (s *Socket) Subscribe(topic string) error {
	if s.ps == nil {
		return ErrNoPubSub
	}
	return s.ps.Subscribe(topic, s.sub)
}

func (s *Socket) Unsubscribe(topic string) {
	if s.ps != nil {
		s.ps.Unsubscribe(topic, s.sub)
	}
}

func (s *Socket) UnsubscribeAll() {
	if s.ps != nil {
		s.ps.UnsubscribeAll(s.sub)
	}
}

// Topics lists the socket's subscriptions.
func (s *Socket) Topics() []string {
	if s.ps == nil {
		return nil
	}
	return s.ps.Topics(s.sub)
}

// Close flushes queued messages, sends a close frame and tears the
// connection down. The Close hook runs once the reader stops.
func (s *Socket) Close() error {
	s.shutdown()
	return nil
}

func (s *Socket) shutdown() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
		s.UnsubscribeAll()
	})
}

// Serve runs the socket until the connection ends. It blocks.
func (s *Socket) Serve() {
	s.conn.SetReadLimit(maxMessageSize)
	_ = s.conn.SetReadDeadline(time.Now().Add(pongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(pongWait))
	})

	go s.writePump()

	if s.handler.Open != nil {
		s.hook("open", func() { s.handler.Open(s, s.ctx) })
	}
	s.readPump()
	s.shutdown()
	if s.handler.Close != nil {
		s.hook("close", func() { s.handler.Close(s, s.ctx) })
	}
}

func (s *Socket) readPump() {
	for {
		kind, data, err := s.conn.ReadMessage()
		if err != nil {
			if !s.closed.Load() && gws.IsUnexpectedCloseError(err, gws.CloseNormalClosure, gws.CloseGoingAway, gws.CloseNoStatusReceived) {
				s.fail(err)
			}
			return
		}
		if kind != gws.TextMessage && kind != gws.BinaryMessage {
			continue
		}
		if s.handler.Message != nil {
			s.hook("message", func() { s.handler.Message(s, data, s.ctx) })
		}
	}
}

func (s *Socket) writePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		_ = s.conn.Close()
	}()

	for {
		select {
		case f := <-s.send:
			if err := s.write(f); err != nil {
				s.fail(err)
				s.shutdown()
				return
			}
			if len(s.send) == 0 && s.pressured.CompareAndSwap(true, false) && s.handler.Drain != nil {
				s.hook("drain", func() { s.handler.Drain(s, s.ctx) })
			}
		case <-ticker.C:
			if err := s.conn.WriteControl(gws.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				s.shutdown()
				return
			}
		case <-s.done:
		flush:
			for {
				select {
				case f := <-s.send:
					if s.write(f) != nil {
						return
					}
				default:
					break flush
				}
			}
			msg := gws.FormatCloseMessage(gws.CloseNormalClosure, "")
			_ = s.conn.WriteControl(gws.CloseMessage, msg, time.Now().Add(writeWait))
			return
		}
	}
}

func (s *Socket) write(f frame) error {
	_ = s.conn.SetWriteDeadline(time.Now().Add(writeWait))
	return s.conn.WriteMessage(f.kind, f.data)
}

func (s *Socket) fail(err error) {
	if s.closed.Load() {
		return
	}
	s.log.Debug("websocket error", zap.String("socket", s.ID()), zap.Error(err))
	if s.handler.Error != nil {
		s.hook("error", func() { s.handler.Error(s, err, s.ctx) })
	}
}

func (s *Socket) hook(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("websocket hook panicked",
				zap.String("hook", name),
				zap.String("socket", s.ID()),
				zap.Any("panic", r))
		}
	}()
	fn()
}
