package pubsub

import (
	"encoding/json"
	"errors"
	"io"
	"iter"
	"sync"

	"github.com/google/uuid"
)

// ErrStreamFull is returned by a stream subscriber whose buffer is full.
var ErrStreamFull = errors.New("pubsub: stream buffer full")

// Handler receives a published message. data is nil when the publisher
// signals the end of the stream.
type Handler func(topic string, data []byte) error

// Subscriber wraps a delivery callback.
type Subscriber struct {
	ID string

	mu      sync.RWMutex
	handler Handler
}

// NewSubscriber creates a subscriber. A nil handler discards messages.
func NewSubscriber(handler Handler) *Subscriber {
	if handler == nil {
		handler = func(string, []byte) error { return nil }
	}
	return &Subscriber{ID: uuid.NewString(), handler: handler}
}

// Publish hands a message to the subscriber directly.
func (s *Subscriber) Publish(topic string, data []byte) error {
	s.mu.RLock()
	h := s.handler
	s.mu.RUnlock()
	return h(topic, data)
}

func (s *Subscriber) deliver(topic string, data []byte) (ok bool) {
	defer func() {
		if recover() != nil {
			ok = false
		}
	}()
	return s.Publish(topic, data) == nil
}

// Stream redirects deliveries into a buffered stream of JSON lines
// ({"topic":..,"data":..}). A nil payload closes it. bufferSize <= 0
// means 100 messages.
func (s *Subscriber) Stream(bufferSize int) *Stream {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	st := &Stream{ch: make(chan []byte, bufferSize)}
	s.mu.Lock()
	s.handler = st.push
	s.mu.Unlock()
	return st
}

type streamMessage struct {
	Topic string `json:"topic"`
	Data  string `json:"data"`
}

// Stream is the pull side of a subscriber. It is an io.Reader of JSON
// lines and can be ranged over with All.
type Stream struct {
	mu      sync.Mutex
	ch      chan []byte
	closed  bool
	pending []byte
}

func (st *Stream) push(topic string, data []byte) error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if st.closed {
		return io.ErrClosedPipe
	}
	if data == nil {
		st.closed = true
		close(st.ch)
		return nil
	}
	line, err := json.Marshal(streamMessage{Topic: topic, Data: string(data)})
	if err != nil {
		return err
	}
	select {
	case st.ch <- append(line, '\n'):
		return nil
	default:
		return ErrStreamFull
	}
}

// Close ends the stream; pending lines remain readable.
func (st *Stream) Close() error {
	st.mu.Lock()
	defer st.mu.Unlock()
	if !st.closed {
		st.closed = true
		close(st.ch)
	}
	return nil
}

// Read blocks until a line is available or the stream is closed.
func (st *Stream) Read(p []byte) (int, error) {
	if len(st.pending) == 0 {
		line, ok := <-st.ch
		if !ok {
			return 0, io.EOF
		}
		st.pending = line
	}
	n := copy(p, st.pending)
	st.pending = st.pending[n:]
	return n, nil
}

// All yields whole lines until the stream closes.
func (st *Stream) All() iter.Seq[[]byte] {
	return func(yield func([]byte) bool) {
		for line := range st.ch {
			if !yield(line) {
				return
			}
		}
	}
}
