// Package pubsub is an in-process topic broker. The recovery service
// publishes job state changes on a topic per job id.
package pubsub

import (
	"sync"

	"github.com/google/uuid"
)

const subscriberBuffer = 8

type Message struct {
	topic   string
	payload []byte
}

func NewMessage(msg []byte, topic string) *Message {
	return &Message{topic: topic, payload: msg}
}

func (m *Message) Topic() string {
	return m.topic
}

func (m *Message) Payload() []byte {
	return m.payload
}

type Subscribers map[string]*Subscriber

type PubSub struct {
	topics map[string]Subscribers
	mu     sync.RWMutex
}

func NewPubSub() *PubSub {
	return &PubSub{topics: make(map[string]Subscribers)}
}

func (b *PubSub) Subscribe(topic string) *Subscriber {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.topics[topic] == nil {
		b.topics[topic] = make(Subscribers)
	}
	s := NewSubscriber()
	b.topics[topic][s.id] = s
	return s
}

// Unsubscribe removes the subscriber from topic and closes it.
func (b *PubSub) Unsubscribe(s *Subscriber, topic string) {
	b.mu.Lock()
	delete(b.topics[topic], s.id)
	if len(b.topics[topic]) == 0 {
		delete(b.topics, topic)
	}
	b.mu.Unlock()
	s.Close()
}

// Publish never blocks: a subscriber whose buffer is
// full misses the message.
func (b *PubSub) Publish(topic string, msg []byte) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, s := range b.topics[topic] {
		s.signal(NewMessage(msg, topic))
	}
}

func (b *PubSub) Subscribers(topic string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.topics[topic])
}

type Subscriber struct {
	id       string
	messages chan *Message
	active   bool
	mu       sync.Mutex
}

func NewSubscriber() *Subscriber {
	return &Subscriber{
		id:       uuid.NewString(),
		messages: make(chan *Message, subscriberBuffer),
		active:   true,
	}
}

func (s *Subscriber) signal(msg *Message) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return
	}
	select {
	case s.messages <- msg:
	default:
	}
}

func (s *Subscriber) GetMessages() <-chan *Message {
	return s.messages
}

func (s *Subscriber) Close() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.active {
		s.active = false
		close(s.messages)
	}
}
