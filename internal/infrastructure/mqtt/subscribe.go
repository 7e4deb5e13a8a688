package mqtt

import (
	"fmt"
	"maps"
	"slices"
	"sync"
)

type subscription struct {
	topic   string
	qos     byte
	handler MessageHandler
}

// subscriptions remembers what to resubscribe after a reconnect.
type subscriptions struct {
	mu     sync.RWMutex
	topics map[string]subscription
}

func (s *subscriptions) put(sub subscription) {
	s.mu.Lock()
	if s.topics == nil {
		s.topics = make(map[string]subscription)
	}
	s.topics[sub.topic] = sub
	s.mu.Unlock()
}

func (s *subscriptions) drop(topic string) {
	s.mu.Lock()
	delete(s.topics, topic)
	s.mu.Unlock()
}

func (s *subscriptions) has(topic string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	_, ok := s.topics[topic]
	return ok
}

func (s *subscriptions) all() []subscription {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return slices.Collect(maps.Values(s.topics))
}

// Subscribe routes publishes matching topic (wildcards allowed) to
// handler. The subscription is restored after every reconnect.
//
//	err := client.Subscribe(client.Topics().AllChannel(mqtt.DefaultChannel), 0, onEnvelope)
func (c *Client) Subscribe(topic string, qos byte, handler MessageHandler) error {
	if err := checkTopic(topic, qos); err != nil {
		return err
	}
	if handler == nil {
		return fmt.Errorf("%w: nil handler", ErrSubscribeFailed)
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subs.put(subscription{topic: topic, qos: qos, handler: handler})
	if err := await(c.conn.Subscribe(topic, qos, c.wrap(handler)), operationTimeout); err != nil {
		c.subs.drop(topic)
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	return nil
}

// Unsubscribe stops routing topic. Messages already in flight may still
// reach the old handler.
func (c *Client) Unsubscribe(topic string) error {
	if topic == "" {
		return ErrInvalidTopic
	}
	if !c.IsConnected() {
		return ErrNotConnected
	}

	c.subs.drop(topic)
	if err := await(c.conn.Unsubscribe(topic), operationTimeout); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}
	return nil
}

// SubscriptionCount returns how many topics will be restored on reconnect.
func (c *Client) SubscriptionCount() int {
	return len(c.subs.all())
}

// HasSubscription reports whether topic is subscribed (exact string match).
func (c *Client) HasSubscription(topic string) bool {
	return c.subs.has(topic)
}
