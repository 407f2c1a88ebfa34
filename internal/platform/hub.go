package platform

import "sync"

// Hub topics.
const (
	TopicNotifications = "notifications"
	TopicAlerts        = "alerts"
	TopicEvents        = "events"
)

const subscriberBufSize = 64

// Hub is an in-process pub/sub fan-out. The dashboard notification channel
// and any embedded consumers attach here.
type Hub struct {
	mu   sync.RWMutex
	subs map[string]map[*Subscriber]struct{}
}

// Subscriber identifies one subscription for later removal.
type Subscriber struct {
	ch chan any
}

// NewHub creates a hub with the standard topics pre-registered.
func NewHub() *Hub {
	return &Hub{
		subs: map[string]map[*Subscriber]struct{}{
			TopicNotifications: {},
			TopicAlerts:        {},
			TopicEvents:        {},
		},
	}
}

// Subscribe returns a buffered channel receiving messages for the topic.
func (h *Hub) Subscribe(topic string) (*Subscriber, <-chan any) {
	s := &Subscriber{ch: make(chan any, subscriberBufSize)}
	h.mu.Lock()
	if h.subs[topic] == nil {
		h.subs[topic] = make(map[*Subscriber]struct{})
	}
	h.subs[topic][s] = struct{}{}
	h.mu.Unlock()
	return s, s.ch
}

// Unsubscribe removes a subscriber from a topic and closes its channel.
func (h *Hub) Unsubscribe(topic string, s *Subscriber) {
	h.mu.Lock()
	if subs, ok := h.subs[topic]; ok {
		if _, exists := subs[s]; exists {
			delete(subs, s)
			close(s.ch)
		}
	}
	h.mu.Unlock()
}

// Publish sends a message to all subscribers of the topic. Non-blocking:
// a subscriber with a full buffer misses the message.
func (h *Hub) Publish(topic string, msg any) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	for s := range h.subs[topic] {
		select {
		case s.ch <- msg:
		default:
			// Slow consumer, drop message.
		}
	}
}
