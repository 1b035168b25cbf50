// Package pubsub is a topic registry with exact and trailing-wildcard
// subscriptions, used to fan messages out to WebSocket and streaming
// subscribers.
package pubsub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"google.golang.org/protobuf/encoding/protojson"
	"google.golang.org/protobuf/proto"
)

// ErrWildcardPosition is returned when '*' is not the last character of a
// topic.
var ErrWildcardPosition = errors.New("pubsub: wildcard subscription must end with an asterisk")

type subscriberSet map[*Subscriber]struct{}

// PubSub is safe for concurrent use. Delivery happens outside the lock, so
// handlers may subscribe and unsubscribe freely.
type PubSub struct {
	mu            sync.RWMutex
	topics        map[string]subscriberSet
	wildcards     map[string]subscriberSet // prefix without '*'
	subscriptions map[*Subscriber]map[string]struct{}

	published atomic.Uint64
	delivered atomic.Uint64
	failed    atomic.Uint64
}

// New creates an empty registry.
func New() *PubSub {
	return &PubSub{
		topics:        make(map[string]subscriberSet),
		wildcards:     make(map[string]subscriberSet),
		subscriptions: make(map[*Subscriber]map[string]struct{}),
	}
}

func wildcardPrefix(topic string) (string, bool, error) {
	i := strings.IndexByte(topic, '*')
	if i < 0 {
		return topic, false, nil
	}
	if i != len(topic)-1 {
		return "", false, fmt.Errorf("%w: %q", ErrWildcardPosition, topic)
	}
	return topic[:i], true, nil
}

// Subscribe registers s under topic. A topic ending in '*' matches every
// topic with that prefix; "*" alone matches everything.
func (ps *PubSub) Subscribe(topic string, s *Subscriber) error {
	key, wildcard, err := wildcardPrefix(topic)
	if err != nil {
		return err
	}

	ps.mu.Lock()
	defer ps.mu.Unlock()

	index := ps.topics
	if wildcard {
		index = ps.wildcards
	}
	set := index[key]
	if set == nil {
		set = make(subscriberSet)
		index[key] = set
	}
	set[s] = struct{}{}

	topics := ps.subscriptions[s]
	if topics == nil {
		topics = make(map[string]struct{})
		ps.subscriptions[s] = topics
	}
	topics[topic] = struct{}{}
	return nil
}

// Unsubscribe removes s from topic.
func (ps *PubSub) Unsubscribe(topic string, s *Subscriber) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	ps.unsubscribeLocked(topic, s)
}

func (ps *PubSub) unsubscribeLocked(topic string, s *Subscriber) {
	key, wildcard, err := wildcardPrefix(topic)
	if err != nil {
		return
	}
	index := ps.topics
	if wildcard {
		index = ps.wildcards
	}
	if set := index[key]; set != nil {
		delete(set, s)
		if len(set) == 0 {
			delete(index, key)
		}
	}
	if topics := ps.subscriptions[s]; topics != nil {
		delete(topics, topic)
		if len(topics) == 0 {
			delete(ps.subscriptions, s)
		}
	}
}

// UnsubscribeAll removes every subscription of s. It costs one step per
// subscription s holds.
func (ps *PubSub) UnsubscribeAll(s *Subscriber) {
	ps.mu.Lock()
	defer ps.mu.Unlock()
	for topic := range ps.subscriptions[s] {
		ps.unsubscribeLocked(topic, s)
	}
	delete(ps.subscriptions, s)
}

// Topics returns the topics s is subscribed to.
func (ps *PubSub) Topics(s *Subscriber) []string {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	topics := make([]string, 0, len(ps.subscriptions[s]))
	for t := range ps.subscriptions[s] {
		topics = append(topics, t)
	}
	return topics
}

// Publish delivers data to the exact subscribers of topic and to every
// wildcard subscriber whose prefix matches. []byte and string payloads are
// sent as is, proto messages as protojson and anything else as JSON. A nil
// payload is delivered as nil, which closes streaming subscribers.
//
// It returns the number of successful deliveries. A subscriber that fails
// or panics is skipped; the error is only reported for an unencodable
// payload.
func (ps *PubSub) Publish(topic string, data any) (int, error) {
	payload, err := Encode(data)
	if err != nil {
		return 0, err
	}
	ps.published.Add(1)

	targets := ps.match(topic)
	count := 0
	for _, s := range targets {
		if s.deliver(topic, payload) {
			count++
		}
	}
	ps.delivered.Add(uint64(count))
	ps.failed.Add(uint64(len(targets) - count))
	return count, nil
}

// match snapshots the subscribers for topic. A subscriber holding both an
// exact and a wildcard subscription receives the message once per
// subscription.
func (ps *PubSub) match(topic string) []*Subscriber {
	ps.mu.RLock()
	defer ps.mu.RUnlock()

	var targets []*Subscriber
	for s := range ps.topics[topic] {
		targets = append(targets, s)
	}
	for prefix, set := range ps.wildcards {
		if !strings.HasPrefix(topic, prefix) {
			continue
		}
		for s := range set {
			targets = append(targets, s)
		}
	}
	return targets
}

// Stats reports counters since creation.
type Stats struct {
	Published   uint64
	Delivered   uint64
	Failed      uint64
	Topics      int
	Wildcards   int
	Subscribers int
}

func (ps *PubSub) Stats() Stats {
	ps.mu.RLock()
	defer ps.mu.RUnlock()
	return Stats{
		Published:   ps.published.Load(),
		Delivered:   ps.delivered.Load(),
		Failed:      ps.failed.Load(),
		Topics:      len(ps.topics),
		Wildcards:   len(ps.wildcards),
		Subscribers: len(ps.subscriptions),
	}
}

// Encode turns a payload into the bytes handed to subscribers.
func Encode(data any) ([]byte, error) {
	switch v := data.(type) {
	case nil:
		return nil, nil
	case []byte:
		if v == nil {
			// only a nil payload means close
			return []byte{}, nil
		}
		return v, nil
	case string:
		return []byte(v), nil
	case proto.Message:
		return protojson.Marshal(v)
	default:
		return json.Marshal(v)
	}
}
