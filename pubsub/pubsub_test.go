package pubsub

import (
	"testing"
	"time"
)

func TestPublishSubscribe(t *testing.T) {
	broker := NewPubSub()
	s1 := broker.Subscribe("job1")
	s2 := broker.Subscribe("job2")

	broker.Publish("job1", []byte("COMPLETED"))

	select {
	case msg := <-s1.GetMessages():
		if string(msg.Payload()) != "COMPLETED" || msg.Topic() != "job1" {
			t.Fatalf("unexpected message '%v' on topic '%v'", string(msg.Payload()), msg.Topic())
		}
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for message")
	}

	select {
	case msg := <-s2.GetMessages():
		t.Fatalf("unexpected message on other topic: %v", string(msg.Payload()))
	default:
	}
}

func TestUnsubscribe(t *testing.T) {
	broker := NewPubSub()
	s := broker.Subscribe("job1")
	if broker.Subscribers("job1") != 1 {
		t.Fatalf("expected 1 subscriber but got %v", broker.Subscribers("job1"))
	}

	broker.Unsubscribe(s, "job1")
	if broker.Subscribers("job1") != 0 {
		t.Fatalf("expected no subscribers but got %v", broker.Subscribers("job1"))
	}
	if _, ok := <-s.GetMessages(); ok {
		t.Fatal("expected messages channel to be closed")
	}

	// closing twice and publishing to a closed subscriber must not panic
	s.Close()
	s.signal(NewMessage([]byte("x"), "job1"))
	broker.Publish("job1", []byte("x"))
}

func TestPublishDoesNotBlock(t *testing.T) {
	broker := NewPubSub()
	s := broker.Subscribe("job1")

	for i := 0; i < subscriberBuffer*2; i++ {
		broker.Publish("job1", []byte("update"))
	}
	if len(s.GetMessages()) != subscriberBuffer {
		t.Fatalf("expected %v buffered messages but got %v", subscriberBuffer, len(s.GetMessages()))
	}
}
