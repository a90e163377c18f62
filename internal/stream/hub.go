// Package stream implements the topic registry and subscriber hub used to
// fan out node output frames to streaming clients.
package stream

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// Reserved topics carrying engine telemetry. They are filtered out of public
// discovery and survive graph reloads.
const (
	StatusTopic  = "system_status"
	MetricsTopic = "system_metrics"
)

// SystemTopics is the set of reserved topic names.
var SystemTopics = map[string]bool{
	StatusTopic:  true,
	MetricsTopic: true,
}

// ErrAwaitTimeout reports that no frame arrived on a topic within the
// one-shot capture deadline.
var ErrAwaitTimeout = errors.New("stream: await next frame timed out")

// Subscriber receives broadcast messages for a topic. Send must not block
// indefinitely; a subscriber that returns an error is removed from the topic.
type Subscriber interface {
	Send(msg []byte) error
}

// Hub maintains per-topic subscriber sets and one-shot frame waiters.
// Topics are registered at node creation so discovery lists them even with
// zero subscribers.
type Hub struct {
	mu      sync.Mutex
	topics  map[string]map[Subscriber]struct{}
	waiters map[string][]chan []byte
	log     zerolog.Logger
}

// NewHub creates a hub with the reserved system topics pre-registered.
func NewHub(log zerolog.Logger) *Hub {
	h := &Hub{
		topics:  make(map[string]map[Subscriber]struct{}),
		waiters: make(map[string][]chan []byte),
		log:     log.With().Str("component", "hub").Logger(),
	}
	for topic := range SystemTopics {
		h.topics[topic] = make(map[Subscriber]struct{})
	}
	return h
}

// Register creates a topic. Idempotent: existing subscribers are kept.
func (h *Hub) Register(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if _, ok := h.topics[topic]; !ok {
		h.topics[topic] = make(map[Subscriber]struct{})
	}
}

// Unregister removes a topic and disconnects its subscribers. Idempotent.
func (h *Hub) Unregister(topic string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.topics, topic)
	for _, w := range h.waiters[topic] {
		close(w)
	}
	delete(h.waiters, topic)
}

// Subscribe attaches a subscriber to a topic, creating the topic if needed.
func (h *Hub) Subscribe(topic string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	set, ok := h.topics[topic]
	if !ok {
		set = make(map[Subscriber]struct{})
		h.topics[topic] = set
	}
	set[sub] = struct{}{}
}

// Unsubscribe detaches a subscriber. Safe to call for already-removed
// subscribers or unknown topics.
func (h *Hub) Unsubscribe(topic string, sub Subscriber) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if set, ok := h.topics[topic]; ok {
		delete(set, sub)
	}
}

// HasSubscribers reports whether anyone is listening on a topic. The router
// uses this to skip serialization when no one is.
func (h *Hub) HasSubscribers(topic string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic]) > 0 || len(h.waiters[topic]) > 0
}

// SubscriberCount returns the number of active subscribers on a topic.
func (h *Hub) SubscriberCount(topic string) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.topics[topic])
}

// Broadcast delivers msg to the current snapshot of a topic's subscribers
// and fulfils any outstanding one-shot waiters. Subscribers whose Send
// fails are removed before the next broadcast on the topic can observe them.
func (h *Hub) Broadcast(topic string, msg []byte) {
	h.mu.Lock()
	subs := make([]Subscriber, 0, len(h.topics[topic]))
	for s := range h.topics[topic] {
		subs = append(subs, s)
	}
	waiters := h.waiters[topic]
	delete(h.waiters, topic)
	h.mu.Unlock()

	for _, w := range waiters {
		w <- msg
		close(w)
	}

	var failed []Subscriber
	for _, s := range subs {
		if err := s.Send(msg); err != nil {
			failed = append(failed, s)
		}
	}
	if len(failed) == 0 {
		return
	}
	h.mu.Lock()
	if set, ok := h.topics[topic]; ok {
		for _, s := range failed {
			delete(set, s)
		}
	}
	h.mu.Unlock()
	h.log.Debug().Str("topic", topic).Int("removed", len(failed)).Msg("dropped failed subscribers")
}

// AwaitNext blocks until the next broadcast on topic, or fails with
// ErrAwaitTimeout. The waiter is removed on either outcome.
func (h *Hub) AwaitNext(topic string, timeout time.Duration) ([]byte, error) {
	ch := make(chan []byte, 1)
	h.mu.Lock()
	h.waiters[topic] = append(h.waiters[topic], ch)
	h.mu.Unlock()

	select {
	case msg, ok := <-ch:
		if !ok {
			return nil, ErrAwaitTimeout
		}
		return msg, nil
	case <-time.After(timeout):
		h.mu.Lock()
		ws := h.waiters[topic]
		for i, w := range ws {
			if w == ch {
				h.waiters[topic] = append(ws[:i], ws[i+1:]...)
				break
			}
		}
		h.mu.Unlock()
		// A broadcast may have raced the timeout and already fulfilled us.
		select {
		case msg, ok := <-ch:
			if ok {
				return msg, nil
			}
		default:
		}
		return nil, ErrAwaitTimeout
	}
}

// PublicTopics returns the sorted topic names minus the reserved set.
func (h *Hub) PublicTopics() []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]string, 0, len(h.topics))
	for t := range h.topics {
		if !SystemTopics[t] {
			out = append(out, t)
		}
	}
	sort.Strings(out)
	return out
}

// Reset removes all user topics and their subscribers, preserving the
// reserved system topics and whoever is attached to them. Called on graph
// reload; user-topic subscribers are expected to reconnect.
func (h *Hub) Reset() {
	h.mu.Lock()
	defer h.mu.Unlock()
	for topic := range h.topics {
		if SystemTopics[topic] {
			continue
		}
		delete(h.topics, topic)
		for _, w := range h.waiters[topic] {
			close(w)
		}
		delete(h.waiters, topic)
	}
}
