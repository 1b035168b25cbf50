package sse

import (
	"context"
	"io"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/searchktools/exot/core/pubsub"
)

// Options configure a Stream.
type Options struct {
	// Buffer is the number of events held for a slow client; 0 means 100.
	// Events beyond it are dropped.
	Buffer int
	// Keepalive is the interval of keepalive comments; 0 means 30s,
	// negative disables them.
	Keepalive time.Duration
	// Retry is sent once as the client's reconnection delay, in ms.
	Retry int
}

// Stream is an io.ReadCloser of events for one client. It subscribes to
// its topics on creation and unsubscribes on Close, when ctx is done or
// when a nil payload is published to one of its topics.
type Stream struct {
	ps  *pubsub.PubSub
	sub *pubsub.Subscriber

	mu      sync.Mutex
	ch      chan []byte
	closed  bool
	pending []byte
	done    chan struct{}

	seq     atomic.Uint64
	dropped atomic.Uint64
}

// Subscribe opens a stream of the given topics. Wildcard topics ("news.*")
// are allowed.
func Subscribe(ctx context.Context, ps *pubsub.PubSub, opts Options, topics ...string) (*Stream, error) {
	if opts.Buffer <= 0 {
		opts.Buffer = 100
	}
	if opts.Keepalive == 0 {
		opts.Keepalive = 30 * time.Second
	}

	s := &Stream{
		ps:   ps,
		ch:   make(chan []byte, opts.Buffer+1),
		done: make(chan struct{}),
	}
	s.sub = pubsub.NewSubscriber(s.push)
	s.ch <- Format(Event{Event: "connected", Data: "client_id:" + s.sub.ID, Retry: opts.Retry})

	for _, topic := range topics {
		if err := ps.Subscribe(topic, s.sub); err != nil {
			ps.UnsubscribeAll(s.sub)
			return nil, err
		}
	}

	go func() {
		var tick <-chan time.Time
		if opts.Keepalive > 0 {
			ticker := time.NewTicker(opts.Keepalive)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			select {
			case <-ctx.Done():
				_ = s.Close()
				return
			case <-s.done:
				return
			case <-tick:
				s.send(Comment("keepalive " + strconv.FormatInt(time.Now().Unix(), 10)))
			}
		}
	}()
	return s, nil
}

// ID is the subscriber id, also sent in the "connected" event.
func (s *Stream) ID() string { return s.sub.ID }

// Dropped counts events lost to a full buffer.
func (s *Stream) Dropped() uint64 { return s.dropped.Load() }

func (s *Stream) push(topic string, data []byte) error {
	if data == nil {
		return s.Close()
	}
	ev := Format(Event{
		ID:    strconv.FormatUint(s.seq.Add(1), 10),
		Event: topic,
		Data:  string(data),
	})
	if !s.send(ev) {
		s.dropped.Add(1)
		return pubsub.ErrStreamFull
	}
	return nil
}

func (s *Stream) send(b []byte) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	select {
	case s.ch <- b:
		return true
	default:
		return false
	}
}

// Close ends the stream. Events already queued stay readable.
func (s *Stream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.ch)
	close(s.done)
	s.mu.Unlock()

	s.ps.UnsubscribeAll(s.sub)
	return nil
}

// Read blocks until an event is available or the stream is closed.
func (s *Stream) Read(p []byte) (int, error) {
	if len(s.pending) == 0 {
		ev, ok := <-s.ch
		if !ok {
			return 0, io.EOF
		}
		s.pending = ev
	}
	n := copy(p, s.pending)
	s.pending = s.pending[n:]
	return n, nil
}
